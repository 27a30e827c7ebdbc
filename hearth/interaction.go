package hearth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	msgStoreUnavailable = "The database is unavailable right now, try again in a bit."
	msgGuildOnly        = "This only works in the server."
)

// domainErrors are rejections whose text is shown to the member as is
var domainErrors = []error{
	ErrSelfTarget,
	ErrProtectedSubject,
	ErrBotTarget,
	ErrNotOwner,
	ErrNotInChannel,
	ErrAlreadyOwner,
	ErrNoChannel,
	ErrCreationCooldown,
	ErrInvalidLimit,
	ErrInvalidName,
	ErrClaimPending,
	ErrClaimNotFound,
	ErrGiveawayNotFound,
	ErrGiveawayEnded,
	ErrInvalidGiveaway,
	errNotGiveawayManager,
	ErrInvalidBirthday,
}

// panelSelects maps panel buttons to the member select they open
var panelSelects = map[string]struct {
	id          string
	placeholder string
}{
	customIDPermit:   {customIDPermitSelect, "Select a member to permit"},
	customIDBlock:    {customIDBlockSelect, "Select a member to block"},
	customIDKick:     {customIDKickSelect, "Select a member to kick"},
	customIDTransfer: {customIDTransferSel, "Select the new owner"},
}

// InteractionHandler abstracts responding to a discord interaction
type InteractionHandler interface {
	// Respond sends an initial response to a Discord interaction.
	Respond(ctx context.Context, i *discordgo.InteractionResponse) error

	// Edit modifies an existing interaction response.
	Edit(
		ctx context.Context,
		e *discordgo.WebhookEdit,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// GetInteraction returns the original InteractionCreate event.
	GetInteraction() *discordgo.InteractionCreate

	// Logger returns the logger associated with this handler.
	Logger() *slog.Logger
}

// GatewayHandler implements [InteractionHandler] for interactions
// received via the discord websocket gateway.
type GatewayHandler struct {
	session     DiscordSessionHandler
	interaction *discordgo.InteractionCreate
	logger      *slog.Logger
}

func (w GatewayHandler) Respond(
	ctx context.Context,
	response *discordgo.InteractionResponse,
) error {
	err := w.session.InteractionRespond(w.interaction.Interaction, response)
	if err != nil {
		w.logger.ErrorContext(ctx, "error responding to interaction", tint.Err(err))
	} else {
		w.logger.DebugContext(ctx, "responded to interaction")
	}
	return err
}

func (w GatewayHandler) GetInteraction() *discordgo.InteractionCreate {
	return w.interaction
}

func (w GatewayHandler) Edit(
	ctx context.Context,
	wh *discordgo.WebhookEdit,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := w.session.InteractionResponseEdit(
		w.interaction.Interaction,
		wh,
		opts...,
	)
	if err != nil {
		w.logger.ErrorContext(ctx, "error editing interaction response", tint.Err(err))
	}
	return msg, err
}

func (w GatewayHandler) Logger() *slog.Logger {
	return w.logger
}

func (b *Bot) handleInteraction(ctx context.Context, handler InteractionHandler) {
	i := handler.GetInteraction()
	logger := handler.Logger()
	ctx = WithLogger(ctx, logger)

	defer func() {
		if rc := recover(); rc != nil {
			handleRecover(ctx, logger, rc)
			_ = handler.Respond(ctx, ephemeralResponse(DefaultDiscordErrorMessage))
		}
	}()

	discordUser := getDiscordUser(i)
	if discordUser == nil {
		logger.ErrorContext(ctx, "no user found in interaction")
		return
	}
	if discordUser.Bot {
		logger.WarnContext(ctx, "user is bot, ignoring")
		return
	}
	logger.InfoContext(ctx, "received interaction", columnUserID, discordUser.ID)

	var rv *discordgo.InteractionResponse
	switch {
	case i.Type == discordgo.InteractionPing:
		rv = &discordgo.InteractionResponse{Type: discordgo.InteractionResponsePong}
	case i.GuildID != b.config.Discord.GuildID || i.Member == nil:
		rv = ephemeralResponse(msgGuildOnly)
	case i.Type == discordgo.InteractionApplicationCommand:
		rv = b.interactionResponseToCommand(ctx, i)
	case i.Type == discordgo.InteractionMessageComponent:
		rv = b.interactionResponseToMessageComponent(ctx, i)
	case i.Type == discordgo.InteractionModalSubmit:
		rv = b.interactionResponseToSubmittedModal(ctx, i)
	}
	if rv == nil {
		return
	}
	if err := handler.Respond(ctx, rv); err != nil {
		logger.ErrorContext(ctx, "error responding to interaction", tint.Err(err))
	}
}

func ephemeralResponse(content string) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content:         truncate(content, discordMaxMessageLength),
			Flags:           discordgo.MessageFlagsEphemeral,
			AllowedMentions: &discordgo.MessageAllowedMentions{},
		},
	}
}

// errorResponse turns err into an ephemeral reply. Domain rejections are
// shown as is, anything else gets the generic error message.
func errorResponse(ctx context.Context, err error) *discordgo.InteractionResponse {
	if errors.Is(err, ErrStoreUnavailable) {
		return ephemeralResponse("⚠️ " + msgStoreUnavailable)
	}
	for _, target := range domainErrors {
		if errors.Is(err, target) {
			return ephemeralResponse("❌ " + capitalize(err.Error()))
		}
	}
	if isForbidden(err) {
		return ephemeralResponse("❌ I don't have permission to do that.")
	}
	logger, ok := ContextLogger(ctx)
	if !ok {
		logger = slog.Default()
	}
	logger.ErrorContext(ctx, "interaction failed", tint.Err(err))
	return ephemeralResponse(DefaultDiscordErrorMessage)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// userSelect prompts the owner to pick a member for a panel action
func userSelect(id, placeholder string) *discordgo.InteractionResponse {
	minValues := 1
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Flags: discordgo.MessageFlagsEphemeral,
			Components: []discordgo.MessageComponent{
				discordgo.ActionsRow{
					Components: []discordgo.MessageComponent{
						discordgo.SelectMenu{
							MenuType:    discordgo.UserSelectMenu,
							CustomID:    id,
							Placeholder: placeholder,
							MinValues:   &minValues,
							MaxValues:   1,
						},
					},
				},
			},
		},
	}
}

func textModal(id, title, inputID, label, placeholder string, maxLength int) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseModal,
		Data: &discordgo.InteractionResponseData{
			CustomID: id,
			Title:    title,
			Components: []discordgo.MessageComponent{
				discordgo.ActionsRow{
					Components: []discordgo.MessageComponent{
						discordgo.TextInput{
							CustomID:    inputID,
							Label:       label,
							Style:       discordgo.TextInputShort,
							Placeholder: placeholder,
							Required:    true,
							MinLength:   1,
							MaxLength:   maxLength,
						},
					},
				},
			},
		},
	}
}

// modalValue returns the submitted value of the given text input
func modalValue(data discordgo.ModalSubmitInteractionData, inputID string) string {
	for _, c := range data.Components {
		var row []discordgo.MessageComponent
		switch r := c.(type) {
		case *discordgo.ActionsRow:
			row = r.Components
		case discordgo.ActionsRow:
			row = r.Components
		}
		for _, rc := range row {
			switch input := rc.(type) {
			case *discordgo.TextInput:
				if input.CustomID == inputID {
					return input.Value
				}
			case discordgo.TextInput:
				if input.CustomID == inputID {
					return input.Value
				}
			}
		}
	}
	return ""
}

// tempChannelOwnerCheck verifies the actor owns the temp channel the
// panel belongs to, before a select menu or modal is shown
func (b *Bot) tempChannelOwnerCheck(ctx context.Context, actorID, channelID string) error {
	if b.tempVoice == nil {
		return ErrNoChannel
	}
	row, err := b.store.GetChannel(ctx, channelID)
	if err != nil {
		return err
	}
	if row == nil {
		return ErrNoChannel
	}
	if row.OwnerID != actorID {
		return ErrNotOwner
	}
	return nil
}

func (b *Bot) interactionResponseToMessageComponent(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) *discordgo.InteractionResponse {
	data := i.MessageComponentData()
	actorID := i.Member.User.ID
	prefix, args := parseCustomID(data.CustomID)

	switch prefix {
	case customIDGiveawayEnter, customIDGiveawayLeave:
		if len(args) != 1 {
			return ephemeralResponse("Giveaway not found")
		}
		var msg string
		if prefix == customIDGiveawayEnter {
			_, msg = b.giveaways.Enter(ctx, args[0], i.Member)
		} else {
			_, msg = b.giveaways.Leave(ctx, args[0], actorID)
		}
		return ephemeralResponse(msg)
	}

	if !strings.HasPrefix(prefix, "tv_") {
		return nil
	}
	if b.tempVoice == nil {
		return errorResponse(ctx, ErrNoChannel)
	}
	channelID := i.ChannelID
	if len(args) > 0 {
		channelID = args[0]
	}
	tv := b.tempVoice

	switch prefix {
	case customIDLock:
		locked, err := tv.ToggleLock(ctx, actorID, channelID)
		if err != nil {
			return errorResponse(ctx, err)
		}
		if locked {
			return ephemeralResponse("🔒 Channel locked.")
		}
		return ephemeralResponse("🔓 Channel unlocked.")
	case customIDHide:
		hidden, err := tv.ToggleHidden(ctx, actorID, channelID)
		if err != nil {
			return errorResponse(ctx, err)
		}
		if hidden {
			return ephemeralResponse("👻 Channel hidden.")
		}
		return ephemeralResponse("👁️ Channel visible.")
	case customIDLimit:
		if err := b.tempChannelOwnerCheck(ctx, actorID, channelID); err != nil {
			return errorResponse(ctx, err)
		}
		return textModal(
			customID(customIDLimitModal, channelID),
			"User limit",
			customIDLimitInput,
			"Limit (0 for unlimited)",
			"0-99",
			2,
		)
	case customIDRename:
		if err := b.tempChannelOwnerCheck(ctx, actorID, channelID); err != nil {
			return errorResponse(ctx, err)
		}
		return textModal(
			customID(customIDRenameModal, channelID),
			"Rename channel",
			customIDRenameInput,
			"Channel name",
			"",
			channelBaseNameMaxLength,
		)
	case customIDPermit, customIDBlock, customIDKick, customIDTransfer:
		if err := b.tempChannelOwnerCheck(ctx, actorID, channelID); err != nil {
			return errorResponse(ctx, err)
		}
		sel := panelSelects[prefix]
		return userSelect(customID(sel.id, channelID), sel.placeholder)
	case customIDClaim:
		outcome, err := tv.Claim(ctx, actorID, channelID)
		if err != nil {
			return errorResponse(ctx, err)
		}
		if outcome == ClaimGranted {
			return ephemeralResponse("👑 You're now the owner of this channel.")
		}
		return ephemeralResponse("⏳ Claim request sent to the owner.")
	case customIDDelete:
		if err := tv.Delete(ctx, actorID, channelID); err != nil {
			return errorResponse(ctx, err)
		}
		return ephemeralResponse("🗑️ Channel deleted.")
	case customIDPermitSelect, customIDBlockSelect:
		return b.respondAccessSelect(ctx, prefix, actorID, data.Values)
	case customIDKickSelect:
		if len(data.Values) == 0 {
			return ephemeralResponse("No member selected.")
		}
		if err := tv.Kick(ctx, actorID, channelID, data.Values[0]); err != nil {
			return errorResponse(ctx, err)
		}
		return ephemeralResponse(fmt.Sprintf("👢 Kicked <@%s>.", data.Values[0]))
	case customIDTransferSel:
		if len(data.Values) == 0 {
			return ephemeralResponse("No member selected.")
		}
		if err := tv.Transfer(ctx, actorID, channelID, data.Values[0]); err != nil {
			return errorResponse(ctx, err)
		}
		return ephemeralResponse(fmt.Sprintf("🔁 Ownership transferred to <@%s>.", data.Values[0]))
	case customIDClaimApprove, customIDClaimDeny:
		if len(args) != 2 {
			return errorResponse(ctx, ErrClaimNotFound)
		}
		requesterID := args[1]
		var err error
		content := fmt.Sprintf("✅ Claim by <@%s> approved.", requesterID)
		if prefix == customIDClaimApprove {
			err = tv.ApproveClaim(ctx, actorID, channelID, requesterID)
		} else {
			err = tv.DenyClaim(ctx, actorID, channelID, requesterID)
			content = fmt.Sprintf("🚫 Claim by <@%s> denied.", requesterID)
		}
		if err != nil {
			return errorResponse(ctx, err)
		}
		return &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseUpdateMessage,
			Data: &discordgo.InteractionResponseData{
				Content:    content,
				Components: []discordgo.MessageComponent{},
			},
		}
	}
	return nil
}

// respondAccessSelect toggles the selected member on the actor's
// trusted or blocked list. Lists belong to the owner, so this works
// from any of their panels.
func (b *Bot) respondAccessSelect(
	ctx context.Context,
	prefix, actorID string,
	values []string,
) *discordgo.InteractionResponse {
	if len(values) == 0 {
		return ephemeralResponse("No member selected.")
	}
	member, err := b.discord.session.MemberState(b.config.Discord.GuildID, values[0])
	if err != nil {
		if isNotFound(err) {
			return ephemeralResponse("❌ That member isn't in the server.")
		}
		return errorResponse(ctx, err)
	}
	subject := subjectFromMember(member)

	var result AccessToggleResult
	if prefix == customIDPermitSelect {
		result, err = b.acl.Permit(ctx, actorID, subject)
	} else {
		result, err = b.acl.Block(ctx, actorID, subject)
	}
	if err != nil {
		return errorResponse(ctx, err)
	}

	switch {
	case result.State == AccessTrusted:
		return ephemeralResponse(fmt.Sprintf("✅ <@%s> can now join your channels.", subject.ID))
	case result.State == AccessBlocked:
		return ephemeralResponse(fmt.Sprintf("⛔ <@%s> is now blocked from your channels.", subject.ID))
	case prefix == customIDPermitSelect:
		return ephemeralResponse(fmt.Sprintf("<@%s> is no longer trusted.", subject.ID))
	default:
		return ephemeralResponse(fmt.Sprintf("<@%s> is no longer blocked.", subject.ID))
	}
}

func (b *Bot) interactionResponseToSubmittedModal(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) *discordgo.InteractionResponse {
	data := i.ModalSubmitData()
	actorID := i.Member.User.ID
	prefix, args := parseCustomID(data.CustomID)
	if b.tempVoice == nil || len(args) != 1 {
		return nil
	}
	channelID := args[0]

	switch prefix {
	case customIDLimitModal:
		raw := strings.TrimSpace(modalValue(data, customIDLimitInput))
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return errorResponse(ctx, ErrInvalidLimit)
		}
		if err = b.tempVoice.SetLimit(ctx, actorID, channelID, limit); err != nil {
			return errorResponse(ctx, err)
		}
		if limit == 0 {
			return ephemeralResponse("👥 User limit removed.")
		}
		return ephemeralResponse(fmt.Sprintf("👥 User limit set to %d.", limit))
	case customIDRenameModal:
		name, err := b.tempVoice.Rename(ctx, actorID, channelID, modalValue(data, customIDRenameInput))
		if err != nil {
			return errorResponse(ctx, err)
		}
		return ephemeralResponse(fmt.Sprintf("✏️ Channel renamed to **%s**.", name))
	}
	return nil
}
