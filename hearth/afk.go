package hearth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	afkNicknamePrefix    = "[AFK] "
	nicknameMaxLength    = 32
	afkReturnDeleteAfter = 8 * time.Second
)

var massMentionReplacer = strings.NewReplacer(
	"@everyone", "@​everyone",
	"@here", "@​here",
)

// AFK tracks members who are away. Any message from an AFK member
// clears their status, and mentioning an AFK member gets a reply with
// their reason.
type AFK struct {
	config  *AFKConfig
	guildID string
	session DiscordSessionHandler
	store   *Store
	logger  *slog.Logger
	now     func() time.Time

	replies sync.WaitGroup
}

func NewAFK(config *Config, session DiscordSessionHandler, store *Store, logger *slog.Logger) *AFK {
	if logger == nil {
		logger = slog.Default()
	}
	return &AFK{
		config:  config.AFK,
		guildID: config.Discord.GuildID,
		session: session,
		store:   store,
		logger:  logger.With(loggerNameKey, "afk"),
		now:     time.Now,
	}
}

// normalizeReason trims, collapses whitespace, neutralises mass
// mentions and caps the length
func (a *AFK) normalizeReason(reason string) string {
	reason = massMentionReplacer.Replace(normalizeText(reason))
	return truncate(reason, a.config.ReasonMaxLength)
}

func afkNickname(current string) string {
	return truncate(afkNicknamePrefix+current, nicknameMaxLength)
}

// SetAFK marks the member as away and prefixes their nickname. Returns
// whether the nickname was changed, and the reason as stored.
func (a *AFK) SetAFK(ctx context.Context, member *discordgo.Member, reason string) (bool, string, error) {
	if member == nil || member.User == nil {
		return false, "", fmt.Errorf("missing member")
	}
	if err := a.store.writable(); err != nil {
		return false, "", err
	}
	reason = a.normalizeReason(reason)
	userID := member.User.ID

	if err := a.store.SetAFK(
		ctx, &AFKStatus{
			UserID:  userID,
			GuildID: a.guildID,
			Reason:  reason,
			SetAt:   a.now().Unix(),
		},
	); err != nil {
		return false, reason, err
	}
	a.logger.InfoContext(ctx, "afk set", columnUserID, userID, "reason", truncate(reason, 50))

	current := memberDisplayName(member)
	if strings.HasPrefix(current, afkNicknamePrefix) {
		return false, reason, nil
	}
	if err := a.session.GuildMemberNickname(a.guildID, userID, afkNickname(current)); err != nil {
		lvl := slog.LevelWarn
		if isForbidden(err) {
			lvl = slog.LevelInfo
		}
		a.logger.Log(ctx, lvl, "unable to set afk nickname", tint.Err(err), columnUserID, userID)
		return false, reason, nil
	}
	return true, reason, nil
}

// HandleMessage clears the author's AFK status and replies for any
// mentioned AFK members
func (a *AFK) HandleMessage(ctx context.Context, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil || m.Author == nil || m.Author.Bot || m.GuildID != a.guildID {
		return
	}
	if !a.store.Available() {
		return
	}
	status, err := a.store.GetAFK(ctx, m.Author.ID, a.guildID)
	if err != nil {
		a.logger.WarnContext(ctx, "error reading afk status", tint.Err(err))
	} else if status != nil {
		a.handleReturn(ctx, m, status)
	}
	a.handleMentions(ctx, m)
}

func (a *AFK) handleReturn(ctx context.Context, m *discordgo.MessageCreate, status *AFKStatus) {
	if err := a.store.ClearAFK(ctx, m.Author.ID, a.guildID); err != nil {
		a.logger.WarnContext(ctx, "error clearing afk status", tint.Err(err))
		return
	}

	nick := ""
	if m.Member != nil {
		nick = m.Member.Nick
	}
	if strings.HasPrefix(nick, afkNicknamePrefix) {
		restored := strings.TrimPrefix(nick, afkNicknamePrefix)
		if restored == m.Author.Username {
			restored = ""
		}
		if err := a.session.GuildMemberNickname(a.guildID, m.Author.ID, restored); err != nil {
			a.logger.InfoContext(ctx, "unable to restore nickname", tint.Err(err), columnUserID, m.Author.ID)
		}
	}

	msg := fmt.Sprintf("👋 Welcome back <@%s>! Your AFK has been removed.", m.Author.ID)
	deleteAfter := 5 * time.Second
	if status.MentionCount > 0 {
		plural := "s"
		if status.MentionCount == 1 {
			plural = ""
		}
		msg += fmt.Sprintf(
			"\n📬 You were mentioned **%d** time%s while away.",
			status.MentionCount,
			plural,
		)
		deleteAfter = afkReturnDeleteAfter
	}
	a.logger.InfoContext(ctx, "afk removed", columnUserID, m.Author.ID, "mentions", status.MentionCount)
	a.reply(ctx, m, msg, deleteAfter)
}

func (a *AFK) handleMentions(ctx context.Context, m *discordgo.MessageCreate) {
	var lines []string
	seen := map[string]bool{}
	for _, u := range m.Mentions {
		if u == nil || u.Bot || u.ID == m.Author.ID || seen[u.ID] {
			continue
		}
		seen[u.ID] = true

		status, err := a.store.GetAFK(ctx, u.ID, a.guildID)
		if err != nil || status == nil {
			continue
		}
		member, err := a.session.MemberState(a.guildID, u.ID)
		if err != nil {
			a.logger.DebugContext(ctx, "afk member not in guild", columnUserID, u.ID)
			continue
		}
		name := strings.TrimPrefix(memberDisplayName(member), afkNicknamePrefix)
		if status.Reason != "" {
			lines = append(
				lines,
				fmt.Sprintf("💤 **%s** is AFK: %s (<t:%d:R>)", name, status.Reason, status.SetAt),
			)
		} else {
			lines = append(lines, fmt.Sprintf("💤 **%s** is AFK (<t:%d:R>)", name, status.SetAt))
		}
		if err = a.store.IncrementAFKMentions(ctx, u.ID, a.guildID); err != nil {
			a.logger.WarnContext(ctx, "error counting afk mention", tint.Err(err))
		}
	}
	if len(lines) > 0 {
		a.reply(ctx, m, strings.Join(lines, "\n"), a.config.ReplyDeleteAfter)
	}
}

// reply responds to m, deleting the reply after deleteAfter if non-zero
func (a *AFK) reply(ctx context.Context, m *discordgo.MessageCreate, content string, deleteAfter time.Duration) {
	msg, err := a.session.ChannelMessageSendReply(
		m.ChannelID,
		truncate(content, discordMaxMessageLength),
		m.Reference(),
	)
	if err != nil || msg == nil || deleteAfter <= 0 {
		return
	}
	a.replies.Add(1)
	go func() {
		defer a.replies.Done()
		t := time.NewTimer(deleteAfter)
		defer t.Stop()
		select {
		case <-ctx.Done():
		case <-t.C:
		}
		if e := a.session.ChannelMessageDelete(msg.ChannelID, msg.ID); e != nil && !isNotFound(e) {
			a.logger.Debug("unable to delete afk reply", tint.Err(e))
		}
	}()
}

// Wait blocks until pending reply deletions finish
func (a *AFK) Wait() {
	a.replies.Wait()
}
