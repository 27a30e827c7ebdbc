package hearth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	customIDLock          = "tv_lock"
	customIDLimit         = "tv_limit"
	customIDRename        = "tv_rename"
	customIDPermit        = "tv_permit"
	customIDBlock         = "tv_block"
	customIDKick          = "tv_kick"
	customIDClaim         = "tv_claim"
	customIDTransfer      = "tv_transfer"
	customIDHide          = "tv_hide"
	customIDDelete        = "tv_delete"
	customIDPermitSelect  = "tv_permit_select"
	customIDBlockSelect   = "tv_block_select"
	customIDKickSelect    = "tv_kick_select"
	customIDTransferSel   = "tv_transfer_select"
	customIDLimitModal    = "tv_limit_modal"
	customIDRenameModal   = "tv_rename_modal"
	customIDLimitInput    = "tv_limit_input"
	customIDRenameInput   = "tv_rename_input"
	customIDClaimApprove  = "tv_claim_approve"
	customIDClaimDeny     = "tv_claim_deny"
	customIDSeparator     = ":"
	panelColorLocked      = 0xED4245
	panelColorUnlocked    = 0x57F287
	panelMaxListedMembers = 10
)

// PanelView is the state rendered by the control panel
type PanelView struct {
	ChannelID    string
	ChannelName  string
	OwnerID      string
	Locked       bool
	Hidden       bool
	Limit        int
	Occupants    []string
	TrustedCount int
	CreatedAt    time.Time
}

// RenderPanel builds the panel embed and its components
func RenderPanel(v PanelView) (*discordgo.MessageEmbed, []discordgo.MessageComponent) {
	color := panelColorUnlocked
	status := "🔓 Unlocked"
	if v.Locked {
		color = panelColorLocked
		status = "🔒 Locked"
	}
	if v.Hidden {
		status += " · 👻 Hidden"
	}

	limit := "∞"
	if v.Limit > 0 {
		limit = fmt.Sprintf("%d", v.Limit)
	}

	inChannel := "Nobody"
	if len(v.Occupants) > 0 {
		listed := v.Occupants
		if len(listed) > panelMaxListedMembers {
			listed = listed[:panelMaxListedMembers]
		}
		mentions := make([]string, len(listed))
		for i, id := range listed {
			mentions[i] = "<@" + id + ">"
		}
		inChannel = strings.Join(mentions, " ")
		if extra := len(v.Occupants) - len(listed); extra > 0 {
			inChannel += fmt.Sprintf(" +%d more", extra)
		}
	}

	created := "unknown"
	if !v.CreatedAt.IsZero() {
		created = fmt.Sprintf("<t:%d:R>", v.CreatedAt.Unix())
	}

	embed := &discordgo.MessageEmbed{
		Title:       v.ChannelName,
		Description: "Manage your voice channel with the buttons below.",
		Color:       color,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Owner", Value: "<@" + v.OwnerID + ">", Inline: true},
			{Name: "Status", Value: status, Inline: true},
			{Name: "Members", Value: fmt.Sprintf("%d/%s", len(v.Occupants), limit), Inline: true},
			{Name: "Created", Value: created, Inline: true},
			{Name: "Allowed", Value: fmt.Sprintf("%d", v.TrustedCount), Inline: true},
			{Name: "In Channel", Value: inChannel},
		},
	}

	lockLabel, lockEmoji := "Lock", "🔒"
	if v.Locked {
		lockLabel, lockEmoji = "Unlock", "🔓"
	}
	hideLabel, hideEmoji := "Hide", "👻"
	if v.Hidden {
		hideLabel, hideEmoji = "Unhide", "👁️"
	}

	button := func(id, label, emoji string, style discordgo.ButtonStyle) discordgo.Button {
		return discordgo.Button{
			CustomID: id,
			Label:    label,
			Style:    style,
			Emoji:    &discordgo.ComponentEmoji{Name: emoji},
		}
	}

	buttons := []discordgo.MessageComponent{
		button(customIDLock, lockLabel, lockEmoji, discordgo.SecondaryButton),
		button(customIDLimit, "Limit", "👥", discordgo.SecondaryButton),
		button(customIDRename, "Rename", "✏️", discordgo.SecondaryButton),
		button(customIDHide, hideLabel, hideEmoji, discordgo.SecondaryButton),
		button(customIDClaim, "Claim", "👑", discordgo.SecondaryButton),
		button(customIDPermit, "Permit", "✅", discordgo.SuccessButton),
		button(customIDBlock, "Block", "⛔", discordgo.DangerButton),
		button(customIDKick, "Kick", "👢", discordgo.DangerButton),
		button(customIDTransfer, "Transfer", "🔁", discordgo.PrimaryButton),
		button(customIDDelete, "Delete", "🗑️", discordgo.DangerButton),
	}
	var components []discordgo.MessageComponent
	for _, row := range chunkItems(discordMaxButtonsPerRow, buttons...) {
		components = append(components, discordgo.ActionsRow{Components: row})
	}
	return embed, components
}

// Panel keeps each temp channel's control panel message in sync with
// the channel state
type Panel struct {
	session DiscordSessionHandler
	store   *Store
	logger  *slog.Logger
}

func NewPanel(session DiscordSessionHandler, store *Store, logger *slog.Logger) *Panel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Panel{
		session: session,
		store:   store,
		logger:  logger.With(loggerNameKey, "panel"),
	}
}

// Sync edits the channel's panel message, sending a new one if it
// doesn't exist yet or was deleted
func (p *Panel) Sync(ctx context.Context, ch *TempChannel, v PanelView) error {
	embed, components := RenderPanel(v)
	if ch.PanelMessageID != "" {
		_, err := p.session.ChannelMessageEditComplex(
			&discordgo.MessageEdit{
				ID:         ch.PanelMessageID,
				Channel:    ch.ChannelID,
				Embeds:     &[]*discordgo.MessageEmbed{embed},
				Components: &components,
			},
		)
		if err == nil {
			return nil
		}
		if !isNotFound(err) {
			return fmt.Errorf("editing panel: %w", err)
		}
		p.logger.DebugContext(ctx, "panel message gone, sending a new one", "channel", ch)
	}
	return p.send(ctx, ch, embed, components)
}

// Resend deletes the current panel message and posts a fresh one at the
// bottom of the channel chat
func (p *Panel) Resend(ctx context.Context, ch *TempChannel, v PanelView) error {
	if ch.PanelMessageID != "" {
		err := p.session.ChannelMessageDelete(ch.ChannelID, ch.PanelMessageID)
		if err != nil && !isNotFound(err) {
			p.logger.WarnContext(ctx, "unable to delete old panel", tint.Err(err), "channel", ch)
		}
	}
	embed, components := RenderPanel(v)
	return p.send(ctx, ch, embed, components)
}

func (p *Panel) send(
	ctx context.Context,
	ch *TempChannel,
	embed *discordgo.MessageEmbed,
	components []discordgo.MessageComponent,
) error {
	msg, err := p.session.ChannelMessageSendComplex(
		ch.ChannelID,
		&discordgo.MessageSend{
			Embeds:     []*discordgo.MessageEmbed{embed},
			Components: components,
		},
	)
	if err != nil {
		return fmt.Errorf("sending panel: %w", err)
	}
	ch.PanelMessageID = msg.ID
	if err = p.store.UpdateChannel(
		ctx,
		ch.ChannelID,
		map[string]any{columnPanelMessageID: msg.ID},
	); err != nil {
		return fmt.Errorf("saving panel message id: %w", err)
	}
	return nil
}

func customID(parts ...string) string {
	return strings.Join(parts, customIDSeparator)
}

func parseCustomID(id string) (string, []string) {
	parts := strings.Split(id, customIDSeparator)
	return parts[0], parts[1:]
}
