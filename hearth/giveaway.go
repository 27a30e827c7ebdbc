package hearth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
)

const (
	customIDGiveawayEnter = "gw_enter"
	customIDGiveawayLeave = "gw_leave"
	giveawayColor         = 0x5865F2
	giveawayMaxWinners    = 20
)

// GiveawayRequest describes a new giveaway
type GiveawayRequest struct {
	ChannelID      string
	HostID         string
	Prize          string
	PrizeXP        int64
	WinnerCount    int
	Duration       time.Duration
	RequiredRoleID string
	MinLevel       int
}

// Giveaways runs prize draws: entry via buttons, winner selection when
// the giveaway ends, rerolls and cancellation
type Giveaways struct {
	config  *GiveawayConfig
	guildID string
	session DiscordSessionHandler
	store   *Store
	xp      *XPEngine
	logger  *slog.Logger
	now     func() time.Time
	shuffle func(n int, swap func(i, j int))
	locks   *keyedMutex
}

func NewGiveaways(
	config *Config,
	session DiscordSessionHandler,
	store *Store,
	xp *XPEngine,
	logger *slog.Logger,
) *Giveaways {
	if logger == nil {
		logger = slog.Default()
	}
	return &Giveaways{
		config:  config.Giveaway,
		guildID: config.Discord.GuildID,
		session: session,
		store:   store,
		xp:      xp,
		logger:  logger.With(loggerNameKey, "giveaway"),
		now:     time.Now,
		shuffle: rand.Shuffle,
		locks:   newKeyedMutex(),
	}
}

func giveawayEmbed(g *Giveaway, entries int) *discordgo.MessageEmbed {
	var desc strings.Builder
	fmt.Fprintf(&desc, "Hosted by <@%s>\n", g.HostID)
	switch {
	case g.Cancelled:
		desc.WriteString("This giveaway was cancelled.")
	case g.Ended:
		winners := g.WinnerIDs()
		if len(winners) == 0 {
			desc.WriteString("Ended with no entries.")
		} else {
			mentions := make([]string, len(winners))
			for i, id := range winners {
				mentions[i] = "<@" + id + ">"
			}
			fmt.Fprintf(&desc, "Winners: %s", strings.Join(mentions, ", "))
		}
	default:
		fmt.Fprintf(&desc, "Ends <t:%d:R>", g.EndTime().Unix())
	}

	fields := []*discordgo.MessageEmbedField{
		{Name: "Winners", Value: fmt.Sprintf("%d", g.WinnerCount), Inline: true},
		{Name: "Entries", Value: humanize.Comma(int64(entries)), Inline: true},
	}
	if g.PrizeXP > 0 {
		fields = append(
			fields,
			&discordgo.MessageEmbedField{Name: "XP", Value: humanize.Comma(g.PrizeXP) + " XP", Inline: true},
		)
	}
	var reqs []string
	if g.RequiredRoleID != "" {
		reqs = append(reqs, fmt.Sprintf("• Must have <@&%s>", g.RequiredRoleID))
	}
	if g.MinLevel > 0 {
		reqs = append(reqs, fmt.Sprintf("• Level %d+", g.MinLevel))
	}
	if len(reqs) > 0 {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Requirements", Value: strings.Join(reqs, "\n")})
	}

	return &discordgo.MessageEmbed{
		Title:       "🎉 " + g.Prize,
		Description: desc.String(),
		Color:       giveawayColor,
		Fields:      fields,
		Footer:      &discordgo.MessageEmbedFooter{Text: "ID: " + g.PublicID},
	}
}

func giveawayComponents(g *Giveaway) []discordgo.MessageComponent {
	if g.Ended {
		return []discordgo.MessageComponent{}
	}
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.Button{
					CustomID: customID(customIDGiveawayEnter, g.PublicID),
					Label:    "Enter",
					Style:    discordgo.SuccessButton,
					Emoji:    &discordgo.ComponentEmoji{Name: "🎉"},
				},
				discordgo.Button{
					CustomID: customID(customIDGiveawayLeave, g.PublicID),
					Label:    "Leave",
					Style:    discordgo.SecondaryButton,
				},
			},
		},
	}
}

// Create starts a giveaway and posts its message
func (gw *Giveaways) Create(ctx context.Context, req GiveawayRequest) (*Giveaway, error) {
	switch {
	case strings.TrimSpace(req.Prize) == "":
		return nil, fmt.Errorf("%w: prize is required", ErrInvalidGiveaway)
	case req.WinnerCount < 1 || req.WinnerCount > giveawayMaxWinners:
		return nil, fmt.Errorf("%w: winners must be between 1 and %d", ErrInvalidGiveaway, giveawayMaxWinners)
	case req.Duration <= 0:
		return nil, fmt.Errorf("%w: duration must be positive", ErrInvalidGiveaway)
	case req.MinLevel < 0 || req.PrizeXP < 0:
		return nil, fmt.Errorf("%w: level and xp must not be negative", ErrInvalidGiveaway)
	}
	if err := gw.store.writable(); err != nil {
		return nil, err
	}

	g := &Giveaway{
		PublicID:       uuid.NewString()[:8],
		GuildID:        gw.guildID,
		ChannelID:      req.ChannelID,
		HostID:         req.HostID,
		Prize:          truncate(strings.TrimSpace(req.Prize), 200),
		PrizeXP:        req.PrizeXP,
		WinnerCount:    req.WinnerCount,
		RequiredRoleID: req.RequiredRoleID,
		MinLevel:       req.MinLevel,
		EndsAt:         gw.now().Add(req.Duration).UnixMilli(),
	}
	if err := gw.store.CreateGiveaway(ctx, g); err != nil {
		return nil, fmt.Errorf("saving giveaway: %w", err)
	}

	msg, err := gw.session.ChannelMessageSendComplex(
		req.ChannelID,
		&discordgo.MessageSend{
			Embeds:     []*discordgo.MessageEmbed{giveawayEmbed(g, 0)},
			Components: giveawayComponents(g),
		},
	)
	if err != nil {
		_ = gw.store.UpdateGiveaway(ctx, g.ID, map[string]any{"ended": true, "cancelled": true})
		return nil, fmt.Errorf("posting giveaway: %w", err)
	}
	g.MessageID = msg.ID
	if err = gw.store.UpdateGiveaway(ctx, g.ID, map[string]any{"message_id": msg.ID}); err != nil {
		return g, err
	}
	gw.logger.InfoContext(
		ctx,
		"giveaway created",
		"public_id", g.PublicID,
		"prize", g.Prize,
		"winners", g.WinnerCount,
		"ends_at", g.EndTime(),
	)
	return g, nil
}

// Enter enters the member, returning whether they were entered and the
// message to show them
func (gw *Giveaways) Enter(ctx context.Context, publicID string, member *discordgo.Member) (bool, string) {
	if member == nil || member.User == nil {
		return false, "Giveaway not found"
	}
	userID := member.User.ID
	g, err := gw.store.GetGiveaway(ctx, publicID)
	if err != nil {
		gw.logger.ErrorContext(ctx, "error loading giveaway", tint.Err(err))
		return false, "Failed to enter giveaway"
	}
	if g == nil {
		return false, "Giveaway not found"
	}
	if g.Ended {
		return false, "This giveaway has ended"
	}
	if g.RequiredRoleID != "" && !slices.Contains(member.Roles, g.RequiredRoleID) {
		return false, fmt.Sprintf("You need the <@&%s> role to enter", g.RequiredRoleID)
	}
	if g.MinLevel > 0 {
		row, e := gw.store.GetUserXP(ctx, userID, gw.guildID)
		if e != nil {
			return false, "Failed to enter giveaway"
		}
		if row.Level < g.MinLevel {
			return false, fmt.Sprintf(
				"You need to be level **%d+** to enter (you're level %d)",
				g.MinLevel,
				row.Level,
			)
		}
	}

	if err = gw.store.AddGiveawayEntry(ctx, g.ID, userID); err != nil {
		if errors.Is(err, ErrAlreadyEntered) {
			return false, "You've already entered this giveaway"
		}
		gw.logger.ErrorContext(ctx, "error entering giveaway", tint.Err(err))
		return false, "Failed to enter giveaway"
	}
	gw.logger.InfoContext(ctx, "giveaway entered", "public_id", publicID, columnUserID, userID)
	gw.refresh(ctx, g)
	return true, "You've entered the giveaway! Good luck! 🍀"
}

// Leave withdraws the member's entry
func (gw *Giveaways) Leave(ctx context.Context, publicID, userID string) (bool, string) {
	g, err := gw.store.GetGiveaway(ctx, publicID)
	if err != nil || g == nil {
		return false, "Giveaway not found"
	}
	if g.Ended {
		return false, "Giveaway has ended"
	}
	if err = gw.store.RemoveGiveawayEntry(ctx, g.ID, userID); err != nil {
		if errors.Is(err, ErrNotEntered) {
			return false, "You weren't entered in this giveaway"
		}
		return false, "Failed to leave giveaway"
	}
	gw.refresh(ctx, g)
	return true, "You've left the giveaway"
}

// refresh updates the giveaway message's entry count
func (gw *Giveaways) refresh(ctx context.Context, g *Giveaway) {
	if g.MessageID == "" {
		return
	}
	entries, err := gw.store.ListGiveawayEntries(ctx, g.ID)
	if err != nil {
		return
	}
	components := giveawayComponents(g)
	_, err = gw.session.ChannelMessageEditComplex(
		&discordgo.MessageEdit{
			ID:         g.MessageID,
			Channel:    g.ChannelID,
			Embeds:     &[]*discordgo.MessageEmbed{giveawayEmbed(g, len(entries))},
			Components: &components,
		},
	)
	if err != nil && !isNotFound(err) {
		gw.logger.WarnContext(ctx, "unable to update giveaway message", tint.Err(err))
	}
}

// pickWinners draws up to n distinct entrants
func (gw *Giveaways) pickWinners(entries []string, n int, exclude []string) []string {
	pool := make([]string, 0, len(entries))
	for _, id := range entries {
		if !slices.Contains(exclude, id) {
			pool = append(pool, id)
		}
	}
	gw.shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	if len(pool) > n {
		pool = pool[:n]
	}
	return pool
}

// End draws winners and closes the giveaway
func (gw *Giveaways) End(ctx context.Context, publicID string) ([]string, error) {
	unlock := gw.locks.Lock(publicID)
	defer unlock()

	g, err := gw.store.GetGiveaway(ctx, publicID)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, ErrGiveawayNotFound
	}
	if g.Ended {
		return nil, ErrGiveawayEnded
	}
	return gw.draw(ctx, g, nil)
}

// Reroll draws new winners for an ended giveaway, excluding the
// previous winners
func (gw *Giveaways) Reroll(ctx context.Context, publicID string) ([]string, error) {
	unlock := gw.locks.Lock(publicID)
	defer unlock()

	g, err := gw.store.GetGiveaway(ctx, publicID)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, ErrGiveawayNotFound
	}
	if !g.Ended || g.Cancelled {
		return nil, fmt.Errorf("%w: it hasn't ended yet", ErrInvalidGiveaway)
	}
	return gw.draw(ctx, g, g.WinnerIDs())
}

func (gw *Giveaways) draw(ctx context.Context, g *Giveaway, exclude []string) ([]string, error) {
	entries, err := gw.store.ListGiveawayEntries(ctx, g.ID)
	if err != nil {
		return nil, err
	}
	winners := gw.pickWinners(entries, g.WinnerCount, exclude)
	if err = gw.store.UpdateGiveaway(
		ctx, g.ID, map[string]any{
			"ended":   true,
			"winners": strings.Join(winners, ","),
		},
	); err != nil {
		return nil, err
	}
	g.Ended = true
	g.Winners = strings.Join(winners, ",")

	if g.PrizeXP > 0 && gw.xp != nil {
		for _, id := range winners {
			if _, e := gw.xp.AddBonus(ctx, id, g.PrizeXP); e != nil {
				gw.logger.ErrorContext(ctx, "error granting xp prize", tint.Err(e), columnUserID, id)
			}
		}
	}

	gw.refresh(ctx, g)
	gw.announce(ctx, g, winners)
	gw.logger.InfoContext(
		ctx,
		"giveaway drawn",
		"public_id", g.PublicID,
		"entries", len(entries),
		"winners", winners,
		"reroll", len(exclude) > 0,
	)
	return winners, nil
}

func (gw *Giveaways) announce(ctx context.Context, g *Giveaway, winners []string) {
	var content string
	if len(winners) == 0 {
		content = fmt.Sprintf("🎉 The giveaway for **%s** ended with no entries!", g.Prize)
	} else {
		mentions := make([]string, len(winners))
		for i, id := range winners {
			mentions[i] = "<@" + id + ">"
		}
		content = fmt.Sprintf(
			"🎉 Congratulations %s! You won **%s**!",
			strings.Join(mentions, ", "),
			g.Prize,
		)
	}
	if _, err := gw.session.ChannelMessageSend(g.ChannelID, truncate(content, discordMaxMessageLength)); err != nil {
		gw.logger.WarnContext(ctx, "unable to announce winners", tint.Err(err))
	}
}

// Cancel closes the giveaway without drawing winners
func (gw *Giveaways) Cancel(ctx context.Context, publicID string) error {
	unlock := gw.locks.Lock(publicID)
	defer unlock()

	g, err := gw.store.GetGiveaway(ctx, publicID)
	if err != nil {
		return err
	}
	if g == nil {
		return ErrGiveawayNotFound
	}
	if g.Ended {
		return ErrGiveawayEnded
	}
	if err = gw.store.UpdateGiveaway(ctx, g.ID, map[string]any{"ended": true, "cancelled": true}); err != nil {
		return err
	}
	g.Ended, g.Cancelled = true, true
	gw.refresh(ctx, g)
	gw.logger.InfoContext(ctx, "giveaway cancelled", "public_id", publicID)
	return nil
}

// EndDue ends every giveaway past its end time
func (gw *Giveaways) EndDue(ctx context.Context) int {
	due, err := gw.store.ListDueGiveaways(ctx, gw.now())
	if err != nil {
		gw.logger.ErrorContext(ctx, "error listing due giveaways", tint.Err(err))
		return 0
	}
	ended := 0
	for _, g := range due {
		if ctx.Err() != nil {
			break
		}
		if _, err = gw.End(ctx, g.PublicID); err != nil {
			if !errors.Is(err, ErrGiveawayEnded) {
				gw.logger.ErrorContext(ctx, "error ending giveaway", tint.Err(err), "public_id", g.PublicID)
			}
			continue
		}
		ended++
	}
	return ended
}

// RunExpiry ends due giveaways every CheckInterval until ctx is done
func (gw *Giveaways) RunExpiry(ctx context.Context) {
	gw.EndDue(ctx)
	ticker := time.NewTicker(gw.config.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			gw.EndDue(ctx)
		}
	}
}
