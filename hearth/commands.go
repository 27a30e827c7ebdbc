package hearth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/dustin/go-humanize"
)

const (
	slashCommandAFK         = "afk"
	slashCommandRank        = "rank"
	slashCommandLeaderboard = "leaderboard"
	slashCommandGiveaway    = "giveaway"
	slashCommandBirthday    = "birthday"

	leaderboardPageSize = 10
	progressBarWidth    = 12
	rankEmbedColor      = 0x5865F2
)

var errNotGiveawayManager = errors.New("you can't manage giveaways")

func slashCommands() []*discordgo.ApplicationCommand {
	minOne := 1.0
	minZero := 0.0
	giveawayID := &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        "id",
		Description: "Giveaway ID (shown in the giveaway footer)",
		Required:    true,
	}
	return []*discordgo.ApplicationCommand{
		{
			Name:        slashCommandAFK,
			Description: "Set yourself as AFK",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "reason",
					Description: "Why you're away",
					MaxLength:   DefaultAFKReasonMaxLength,
				},
			},
		},
		{
			Name:        slashCommandRank,
			Description: "Show XP and level",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionUser,
					Name:        "user",
					Description: "Member to look up (defaults to you)",
				},
			},
		},
		{
			Name:        slashCommandLeaderboard,
			Description: "Show the XP leaderboard",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        "page",
					Description: "Page number",
					MinValue:    &minOne,
				},
			},
		},
		{
			Name:        slashCommandGiveaway,
			Description: "Manage giveaways",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "create",
					Description: "Start a giveaway in this channel",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        "prize",
							Description: "What's being given away",
							Required:    true,
							MaxLength:   200,
						},
						{
							Type:        discordgo.ApplicationCommandOptionString,
							Name:        "duration",
							Description: "How long it runs, e.g. 30m, 2h, 3d",
							Required:    true,
						},
						{
							Type:        discordgo.ApplicationCommandOptionInteger,
							Name:        "winners",
							Description: "Number of winners (default 1)",
							MinValue:    &minOne,
							MaxValue:    giveawayMaxWinners,
						},
						{
							Type:        discordgo.ApplicationCommandOptionInteger,
							Name:        "xp",
							Description: "XP awarded to each winner",
							MinValue:    &minZero,
						},
						{
							Type:        discordgo.ApplicationCommandOptionRole,
							Name:        "required_role",
							Description: "Role required to enter",
						},
						{
							Type:        discordgo.ApplicationCommandOptionInteger,
							Name:        "min_level",
							Description: "Minimum level required to enter",
							MinValue:    &minZero,
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "end",
					Description: "End a giveaway now and draw winners",
					Options:     []*discordgo.ApplicationCommandOption{giveawayID},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "reroll",
					Description: "Draw new winners for an ended giveaway",
					Options:     []*discordgo.ApplicationCommandOption{giveawayID},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "cancel",
					Description: "Cancel a giveaway without drawing winners",
					Options:     []*discordgo.ApplicationCommandOption{giveawayID},
				},
			},
		},
		{
			Name:        slashCommandBirthday,
			Description: "Birthday settings",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "set",
					Description: "Set your birthday",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionInteger,
							Name:        "month",
							Description: "Month (1-12)",
							Required:    true,
							MinValue:    &minOne,
							MaxValue:    12,
						},
						{
							Type:        discordgo.ApplicationCommandOptionInteger,
							Name:        "day",
							Description: "Day of the month",
							Required:    true,
							MinValue:    &minOne,
							MaxValue:    31,
						},
						{
							Type:        discordgo.ApplicationCommandOptionInteger,
							Name:        "year",
							Description: "Birth year (optional)",
						},
					},
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "remove",
					Description: "Remove your birthday",
				},
				{
					Type:        discordgo.ApplicationCommandOptionSubCommand,
					Name:        "show",
					Description: "Show a birthday",
					Options: []*discordgo.ApplicationCommandOption{
						{
							Type:        discordgo.ApplicationCommandOptionUser,
							Name:        "user",
							Description: "Member to look up (defaults to you)",
						},
					},
				},
			},
		},
	}
}

func (b *Bot) interactionResponseToCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) *discordgo.InteractionResponse {
	switch i.ApplicationCommandData().Name {
	case slashCommandAFK:
		return b.commandAFK(ctx, i)
	case slashCommandRank:
		return b.commandRank(ctx, i)
	case slashCommandLeaderboard:
		return b.commandLeaderboard(ctx, i)
	case slashCommandGiveaway:
		return b.commandGiveaway(ctx, i)
	case slashCommandBirthday:
		return b.commandBirthday(ctx, i)
	}
	return ephemeralResponse("Unknown command")
}

func publicResponse(content string, embeds ...*discordgo.MessageEmbed) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content:         content,
			Embeds:          embeds,
			AllowedMentions: &discordgo.MessageAllowedMentions{},
		},
	}
}

func (b *Bot) commandAFK(ctx context.Context, i *discordgo.InteractionCreate) *discordgo.InteractionResponse {
	reason := ""
	if opt, ok := discordInteractionOptions(i)["reason"]; ok {
		reason = opt.StringValue()
	}
	_, normalized, err := b.afk.SetAFK(ctx, i.Member, reason)
	if err != nil {
		return errorResponse(ctx, err)
	}
	content := fmt.Sprintf("💤 <@%s> is now AFK", i.Member.User.ID)
	if normalized != "" {
		content += ": " + normalized
	}
	return publicResponse(content)
}

// progressBar renders fraction (0-1) as a fixed width bar
func progressBar(fraction float64, width int) string {
	filled := int(fraction * float64(width))
	filled = max(0, min(width, filled))
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}

func rankEmbed(info RankInfo, name string) *discordgo.MessageEmbed {
	rank := "Unranked"
	if info.Rank > 0 {
		rank = "#" + humanize.Comma(info.Rank)
	}
	p := info.Progress
	return &discordgo.MessageEmbed{
		Title: name,
		Color: rankEmbedColor,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Level", Value: strconv.Itoa(info.Level), Inline: true},
			{Name: "XP", Value: humanize.Comma(info.XP), Inline: true},
			{Name: "Rank", Value: rank, Inline: true},
			{
				Name: "Progress",
				Value: fmt.Sprintf(
					"%s %s / %s (%d%%)",
					progressBar(p.Fraction, progressBarWidth),
					humanize.Comma(p.Into),
					humanize.Comma(p.Needed),
					int(p.Fraction*100),
				),
			},
		},
	}
}

func (b *Bot) commandRank(ctx context.Context, i *discordgo.InteractionCreate) *discordgo.InteractionResponse {
	user := i.Member.User
	if opt, ok := discordInteractionOptions(i)["user"]; ok {
		if u := opt.UserValue(nil); u != nil {
			user = u
			if resolved := i.ApplicationCommandData().Resolved; resolved != nil {
				if ru, found := resolved.Users[u.ID]; found {
					user = ru
				}
			}
		}
	}
	if user.Bot {
		return errorResponse(ctx, ErrBotTarget)
	}
	info, err := b.xp.RankInfo(ctx, user.ID)
	if err != nil {
		return errorResponse(ctx, err)
	}
	name := user.Username
	if member, e := b.discord.session.MemberState(b.config.Discord.GuildID, user.ID); e == nil {
		name = memberDisplayName(member)
	}
	return publicResponse("", rankEmbed(info, name))
}

func (b *Bot) commandLeaderboard(ctx context.Context, i *discordgo.InteractionCreate) *discordgo.InteractionResponse {
	page := 1
	if opt, ok := discordInteractionOptions(i)["page"]; ok {
		page = max(1, int(opt.IntValue()))
	}
	offset := (page - 1) * leaderboardPageSize
	rows, err := b.xp.Leaderboard(ctx, leaderboardPageSize, offset)
	if err != nil {
		return errorResponse(ctx, err)
	}
	if len(rows) == 0 {
		return ephemeralResponse("Nobody's on this page of the leaderboard yet.")
	}
	lines := make([]string, len(rows))
	for idx, row := range rows {
		lines[idx] = fmt.Sprintf(
			"**%s** <@%s> · level %d · %s XP",
			humanize.Ordinal(offset+idx+1),
			row.UserID,
			row.Level,
			humanize.Comma(row.XP),
		)
	}
	return publicResponse(
		"", &discordgo.MessageEmbed{
			Title:       "🏆 Leaderboard",
			Color:       rankEmbedColor,
			Description: strings.Join(lines, "\n"),
			Footer:      &discordgo.MessageEmbedFooter{Text: fmt.Sprintf("Page %d", page)},
		},
	)
}

// canManageGiveaways: the giveaway manager role, moderators, the
// super-owner, or anyone with Manage Server
func (b *Bot) canManageGiveaways(m *discordgo.Member) bool {
	cfg := b.config
	switch {
	case m.User != nil && cfg.Discord.SuperOwnerID != "" && m.User.ID == cfg.Discord.SuperOwnerID:
		return true
	case cfg.Giveaway.ManagerRoleID != "" && slices.Contains(m.Roles, cfg.Giveaway.ManagerRoleID):
		return true
	case cfg.Discord.ModRoleID != "" && slices.Contains(m.Roles, cfg.Discord.ModRoleID):
		return true
	}
	return m.Permissions&discordgo.PermissionManageServer != 0
}

// parseGiveawayDuration accepts Go durations plus a "d" (days) suffix
func parseGiveawayDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}

func (b *Bot) commandGiveaway(ctx context.Context, i *discordgo.InteractionCreate) *discordgo.InteractionResponse {
	if !b.canManageGiveaways(i.Member) {
		return errorResponse(ctx, errNotGiveawayManager)
	}
	opts := discordInteractionOptions(i)
	sub := subcommandName(i)

	if sub == "create" {
		duration, err := parseGiveawayDuration(opts["duration"].StringValue())
		if err != nil {
			return ephemeralResponse("❌ " + capitalize(err.Error()) + ". Try something like 30m, 2h or 3d.")
		}
		req := GiveawayRequest{
			ChannelID:   i.ChannelID,
			HostID:      i.Member.User.ID,
			Prize:       opts["prize"].StringValue(),
			WinnerCount: 1,
			Duration:    duration,
		}
		if o, ok := opts["winners"]; ok {
			req.WinnerCount = int(o.IntValue())
		}
		if o, ok := opts["xp"]; ok {
			req.PrizeXP = o.IntValue()
		}
		if o, ok := opts["min_level"]; ok {
			req.MinLevel = int(o.IntValue())
		}
		if o, ok := opts["required_role"]; ok {
			req.RequiredRoleID = o.Value.(string)
		}
		g, err := b.giveaways.Create(ctx, req)
		if err != nil {
			return errorResponse(ctx, err)
		}
		return ephemeralResponse(fmt.Sprintf("🎉 Giveaway `%s` started, ending <t:%d:R>.", g.PublicID, g.EndTime().Unix()))
	}

	id := strings.TrimSpace(opts["id"].StringValue())
	switch sub {
	case "end", "reroll":
		var winners []string
		var err error
		if sub == "end" {
			winners, err = b.giveaways.End(ctx, id)
		} else {
			winners, err = b.giveaways.Reroll(ctx, id)
		}
		if err != nil {
			return errorResponse(ctx, err)
		}
		return ephemeralResponse(fmt.Sprintf("Giveaway `%s` drawn with %d winner(s).", id, len(winners)))
	case "cancel":
		if err := b.giveaways.Cancel(ctx, id); err != nil {
			return errorResponse(ctx, err)
		}
		return ephemeralResponse(fmt.Sprintf("Giveaway `%s` cancelled.", id))
	}
	return ephemeralResponse("Unknown command")
}

func formatBirthday(bd *Birthday) string {
	s := fmt.Sprintf("%s %s", time.Month(bd.Month).String(), humanize.Ordinal(bd.Day))
	if bd.Year > 0 {
		s += fmt.Sprintf(", %d", bd.Year)
	}
	return s
}

func (b *Bot) commandBirthday(ctx context.Context, i *discordgo.InteractionCreate) *discordgo.InteractionResponse {
	if b.birthdays == nil {
		return ephemeralResponse("Birthdays aren't enabled on this server.")
	}
	opts := discordInteractionOptions(i)
	userID := i.Member.User.ID

	switch subcommandName(i) {
	case "set":
		month, day, year := int(opts["month"].IntValue()), int(opts["day"].IntValue()), 0
		if o, ok := opts["year"]; ok {
			year = int(o.IntValue())
		}
		if err := b.birthdays.Set(ctx, userID, month, day, year); err != nil {
			return errorResponse(ctx, err)
		}
		return ephemeralResponse(
			fmt.Sprintf("🎂 Birthday saved: %s.", formatBirthday(&Birthday{Month: month, Day: day, Year: year})),
		)
	case "remove":
		removed, err := b.birthdays.Remove(ctx, userID)
		if err != nil {
			return errorResponse(ctx, err)
		}
		if !removed {
			return ephemeralResponse("You don't have a birthday set.")
		}
		return ephemeralResponse("Birthday removed.")
	case "show":
		if o, ok := opts["user"]; ok {
			if u := o.UserValue(nil); u != nil {
				userID = u.ID
			}
		}
		bd, err := b.birthdays.Get(ctx, userID)
		if err != nil {
			return errorResponse(ctx, err)
		}
		if bd == nil {
			return ephemeralResponse(fmt.Sprintf("<@%s> hasn't set a birthday.", userID))
		}
		return ephemeralResponse(fmt.Sprintf("🎂 <@%s>'s birthday is %s.", userID, formatBirthday(bd)))
	}
	return ephemeralResponse("Unknown command")
}
