package hearth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/dustin/go-humanize"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
)

const (
	levelUpNoticeQueueSize = 100
	roleSyncConcurrency    = 4
)

// RoleReward is a tier role granted at Level
type RoleReward struct {
	Level  int    `json:"level"`
	RoleID string `json:"role_id"`
}

// ParseRoleRewards parses "level:role_id" pairs, returned in ascending
// level order
func ParseRoleRewards(pairs []string) ([]RoleReward, error) {
	rewards := make([]RoleReward, 0, len(pairs))
	seen := map[int]bool{}
	for _, pair := range pairs {
		level, roleID, err := splitLevelPair(pair)
		if err != nil {
			return nil, err
		}
		if roleID == "" {
			return nil, fmt.Errorf("missing role ID in %q", pair)
		}
		if seen[level] {
			return nil, fmt.Errorf("duplicate level %d", level)
		}
		seen[level] = true
		rewards = append(rewards, RoleReward{Level: level, RoleID: roleID})
	}
	sort.Slice(rewards, func(i, j int) bool { return rewards[i].Level < rewards[j].Level })
	return rewards, nil
}

func parseLevelPerks(pairs []string) (map[int]string, error) {
	perks := make(map[int]string, len(pairs))
	for _, pair := range pairs {
		level, text, err := splitLevelPair(pair)
		if err != nil {
			return nil, err
		}
		perks[level] = text
	}
	return perks, nil
}

func splitLevelPair(pair string) (int, string, error) {
	levelStr, value, ok := strings.Cut(pair, ":")
	if !ok {
		return 0, "", fmt.Errorf("expected level:value, got %q", pair)
	}
	level, err := strconv.Atoi(strings.TrimSpace(levelStr))
	if err != nil {
		return 0, "", fmt.Errorf("invalid level in %q: %w", pair, err)
	}
	if level < 1 {
		return 0, "", fmt.Errorf("level must be at least 1 in %q", pair)
	}
	return level, strings.TrimSpace(value), nil
}

// BirthdayBonus reports whether a member's birthday bonus is active.
// Optional: when nil, no birthday multiplier applies.
type BirthdayBonus interface {
	IsBirthdayActive(ctx context.Context, userID string) bool
}

// LevelUpNotice is queued when a level-up granted a new tier role
type LevelUpNotice struct {
	UserID     string
	XP         int64
	OldLevel   int
	NewLevel   int
	RolesAdded []string
	Perks      []string
}

// RankInfo is a member's XP standing
type RankInfo struct {
	UserID   string        `json:"user_id"`
	XP       int64         `json:"xp"`
	Level    int           `json:"level"`
	Rank     int64         `json:"rank"`
	Progress LevelProgress `json:"progress"`
}

type voiceSession struct {
	ChannelID  string
	Start      time.Time
	LastAward  time.Time
	MutedSince time.Time
}

// XPEngine grants message and voice XP, derives levels and keeps tier
// roles in step with them
type XPEngine struct {
	config        *XPConfig
	guildID       string
	superOwnerID  string
	boosterRoleID string
	session       DiscordSessionHandler
	store         *Store
	logger        *slog.Logger
	now           func() time.Time
	randN         func(int64) int64

	rewards   []RoleReward
	perks     map[int]string
	ignored   map[string]bool
	cooldowns *cooldownTracker
	birthdays BirthdayBonus
	notices   chan LevelUpNotice

	mu            sync.Mutex
	lastMessage   map[string]string
	voiceSessions map[string]*voiceSession
}

func NewXPEngine(
	config *Config,
	session DiscordSessionHandler,
	store *Store,
	logger *slog.Logger,
) (*XPEngine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rewards, err := ParseRoleRewards(config.XP.RoleRewards)
	if err != nil {
		return nil, fmt.Errorf("role rewards: %w", err)
	}
	perks, err := parseLevelPerks(config.XP.LevelPerks)
	if err != nil {
		return nil, fmt.Errorf("level perks: %w", err)
	}
	x := &XPEngine{
		config:        config.XP,
		guildID:       config.Discord.GuildID,
		superOwnerID:  config.Discord.SuperOwnerID,
		boosterRoleID: config.Discord.BoosterRoleID,
		session:       session,
		store:         store,
		logger:        logger.With(loggerNameKey, "xp"),
		now:           time.Now,
		randN:         rand.Int64N,
		rewards:       rewards,
		perks:         perks,
		ignored:       map[string]bool{},
		notices:       make(chan LevelUpNotice, levelUpNoticeQueueSize),
		lastMessage:   map[string]string{},
		voiceSessions: map[string]*voiceSession{},
	}
	x.cooldowns = newCooldownTracker(config.XP.MessageCooldown, func() time.Time { return x.now() })
	for _, id := range config.XP.IgnoredChannelIDs {
		x.ignored[id] = true
	}
	return x, nil
}

// SetBirthdayBonus wires in the birthday multiplier
func (x *XPEngine) SetBirthdayBonus(b BirthdayBonus) {
	x.birthdays = b
}

// Notices is the queue of level-ups that granted a new role
func (x *XPEngine) Notices() <-chan LevelUpNotice {
	return x.notices
}

func (x *XPEngine) cooldownKey(userID string) string {
	return userID + ":" + x.guildID
}

// HandleMessage grants message XP, subject to the cooldown and
// duplicate-content suppression
func (x *XPEngine) HandleMessage(ctx context.Context, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil || m.Author == nil || m.Author.Bot {
		return
	}
	if m.GuildID != x.guildID || x.ignored[m.ChannelID] {
		return
	}
	if strings.HasPrefix(strings.TrimSpace(m.Content), "/") {
		return
	}

	key := x.cooldownKey(m.Author.ID)
	normalized := strings.ToLower(normalizeText(m.Content))

	if !x.claimMessage(key, normalized) {
		x.logger.DebugContext(ctx, "message on cooldown or duplicate, no xp", columnUserID, m.Author.ID)
		return
	}

	amount := x.config.MessageMin
	if spread := x.config.MessageMax - x.config.MessageMin; spread > 0 {
		amount += x.randN(spread + 1)
	}
	member := m.Member
	if member == nil {
		member, _ = x.session.MemberState(x.guildID, m.Author.ID)
	}
	amount = x.applyMultipliers(ctx, m.Author.ID, member, amount)

	if x.cooldowns.Len() > x.config.CooldownPruneThreshold {
		pruned := x.cooldowns.Prune()
		x.logger.DebugContext(ctx, "pruned xp cooldowns", "removed", pruned)
	}

	if _, err := x.grant(ctx, m.Author.ID, amount, xpSourceMessage, 0); err != nil {
		x.logger.WarnContext(ctx, "error granting message xp", tint.Err(err), columnUserID, m.Author.ID)
	}
}

// claimMessage records normalized as the sender's latest message and
// starts a cooldown window if the message earns XP. The duplicate check
// and the cooldown start happen under one lock, so concurrent messages
// from the same member can't both pass.
func (x *XPEngine) claimMessage(key, normalized string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	previous, seen := x.lastMessage[key]
	x.lastMessage[key] = normalized
	if seen && normalized != "" && normalized == previous {
		return false
	}
	return x.cooldowns.Allow(key)
}

func (x *XPEngine) isBooster(m *discordgo.Member) bool {
	if m == nil {
		return false
	}
	if m.PremiumSince != nil {
		return true
	}
	return x.boosterRoleID != "" && slices.Contains(m.Roles, x.boosterRoleID)
}

func (x *XPEngine) applyMultipliers(
	ctx context.Context,
	userID string,
	member *discordgo.Member,
	amount int64,
) int64 {
	multiplier := 1.0
	if x.isBooster(member) {
		multiplier *= x.config.BoosterMultiplier
	}
	if x.birthdays != nil && x.birthdays.IsBirthdayActive(ctx, userID) {
		multiplier *= x.config.BirthdayMultiplier
	}
	if multiplier <= 1 {
		return amount
	}
	return int64(math.Round(float64(amount) * multiplier))
}

// grant adds XP and reconciles tier roles on level-up
func (x *XPEngine) grant(
	ctx context.Context,
	userID string,
	amount int64,
	source xpSource,
	voiceMinutes int64,
) (UserXP, error) {
	before, after, err := x.store.AddXP(
		ctx, xpGrant{
			UserID:       userID,
			GuildID:      x.guildID,
			Amount:       amount,
			Source:       source,
			VoiceMinutes: voiceMinutes,
			At:           x.now(),
		},
	)
	if err != nil {
		return after, err
	}
	x.logger.DebugContext(
		ctx,
		"granted xp",
		columnUserID, userID,
		"amount", amount,
		"source", source.String(),
		"xp", after.XP,
		"level", after.Level,
	)
	if after.Level > before.Level {
		x.onLevelChange(ctx, userID, before.Level, after)
	}
	return after, nil
}

func (x *XPEngine) onLevelChange(ctx context.Context, userID string, oldLevel int, row UserXP) {
	x.logger.InfoContext(
		ctx,
		"level changed",
		columnUserID, userID,
		"old_level", oldLevel,
		"new_level", row.Level,
	)
	added, err := x.reconcileRoles(ctx, userID, row.Level)
	if err != nil {
		x.logger.WarnContext(ctx, "error reconciling roles", tint.Err(err), columnUserID, userID)
	}
	if len(added) == 0 || row.Level <= oldLevel {
		return
	}

	notice := LevelUpNotice{
		UserID:     userID,
		XP:         row.XP,
		OldLevel:   oldLevel,
		NewLevel:   row.Level,
		RolesAdded: added,
	}
	for _, r := range x.rewards {
		if r.Level > oldLevel && r.Level <= row.Level {
			if perk, ok := x.perks[r.Level]; ok {
				notice.Perks = append(notice.Perks, perk)
			}
		}
	}
	select {
	case x.notices <- notice:
	default:
		x.logger.WarnContext(ctx, "level-up notice queue full, dropping", columnUserID, userID)
	}
}

// tierFor returns the highest reward at or below level
func (x *XPEngine) tierFor(level int) (RoleReward, bool) {
	var tier RoleReward
	found := false
	for _, r := range x.rewards {
		if r.Level > level {
			break
		}
		tier, found = r, true
	}
	return tier, found
}

// reconcileRoles leaves the member holding exactly the tier role for
// level, returning the roles that were added
func (x *XPEngine) reconcileRoles(ctx context.Context, userID string, level int) ([]string, error) {
	if len(x.rewards) == 0 || (x.superOwnerID != "" && userID == x.superOwnerID) {
		return nil, nil
	}
	member, err := x.session.MemberState(x.guildID, userID)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}

	tier, hasTier := x.tierFor(level)
	var added []string
	var errs []error
	if hasTier && !slices.Contains(member.Roles, tier.RoleID) {
		if x.addRole(ctx, userID, tier) {
			added = append(added, tier.RoleID)
		}
	}
	for _, r := range x.rewards {
		if hasTier && r.RoleID == tier.RoleID {
			continue
		}
		if !slices.Contains(member.Roles, r.RoleID) {
			continue
		}
		if err = x.session.GuildMemberRoleRemove(x.guildID, userID, r.RoleID); err != nil && !isNotFound(err) {
			errs = append(errs, fmt.Errorf("removing role %s: %w", r.RoleID, err))
		}
	}
	return added, errors.Join(errs...)
}

func (x *XPEngine) addRole(ctx context.Context, userID string, r RoleReward) bool {
	if !x.session.RoleExists(x.guildID, r.RoleID) {
		x.logger.WarnContext(
			ctx,
			"configured tier role not found",
			"role_id", r.RoleID,
			"level", r.Level,
		)
		return false
	}
	if err := x.session.GuildMemberRoleAdd(x.guildID, userID, r.RoleID); err != nil {
		x.logger.WarnContext(
			ctx,
			"error adding tier role",
			tint.Err(err),
			"kind", classifyPlatformError(err).String(),
			columnUserID, userID,
			"role_id", r.RoleID,
		)
		return false
	}
	return true
}

// HandleMemberRemove marks the member's record inactive
func (x *XPEngine) HandleMemberRemove(ctx context.Context, userID string) {
	x.mu.Lock()
	delete(x.voiceSessions, userID)
	delete(x.lastMessage, x.cooldownKey(userID))
	x.mu.Unlock()
	if err := x.store.SetActive(ctx, userID, x.guildID, false); err != nil {
		x.logger.WarnContext(ctx, "error deactivating xp record", tint.Err(err), columnUserID, userID)
	}
}

// HandleMemberAdd creates a record for new members. Returning members
// are reactivated and get back every tier role up to their level.
func (x *XPEngine) HandleMemberAdd(ctx context.Context, userID string) {
	row, err := x.store.EnsureUserXP(ctx, userID, x.guildID)
	if err != nil {
		x.logger.WarnContext(ctx, "error loading xp record", tint.Err(err), columnUserID, userID)
		return
	}
	if row.XP == 0 && row.Level == 0 {
		return
	}
	if err = x.store.SetActive(ctx, userID, x.guildID, true); err != nil {
		x.logger.WarnContext(ctx, "error reactivating xp record", tint.Err(err), columnUserID, userID)
	}
	restored := x.restoreRoles(ctx, userID, row.Level)
	x.logger.InfoContext(
		ctx,
		"restored tier roles",
		columnUserID, userID,
		"level", row.Level,
		"roles", restored,
	)
}

func (x *XPEngine) restoreRoles(ctx context.Context, userID string, level int) []string {
	if x.superOwnerID != "" && userID == x.superOwnerID {
		return nil
	}
	var restored []string
	for _, r := range x.rewards {
		if r.Level > level {
			break
		}
		if x.addRole(ctx, userID, r) {
			restored = append(restored, r.RoleID)
		}
	}
	return restored
}

// TrackVoice records a member's current voice channel. An empty
// channelID ends their session.
func (x *XPEngine) TrackVoice(userID, channelID string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if channelID == "" {
		delete(x.voiceSessions, userID)
		return
	}
	s, ok := x.voiceSessions[userID]
	if ok && s.ChannelID == channelID {
		return
	}
	now := x.now()
	x.voiceSessions[userID] = &voiceSession{ChannelID: channelID, Start: now, LastAward: now}
}

// VoiceTick reconciles voice sessions against live voice state and
// grants XP to eligible members. Returns the number of members granted.
func (x *XPEngine) VoiceTick(ctx context.Context) int {
	states := x.session.VoiceStates(x.guildID)
	afkChannel := ""
	if g, err := x.session.GuildState(x.guildID); err == nil && g != nil {
		afkChannel = g.AfkChannelID
	}

	humans := map[string]int{}
	present := map[string]*discordgo.VoiceState{}
	for _, vs := range states {
		if vs.ChannelID == "" {
			continue
		}
		bot := false
		if vs.Member != nil && vs.Member.User != nil {
			bot = vs.Member.User.Bot
		} else if m, err := x.session.MemberState(x.guildID, vs.UserID); err == nil && m.User != nil {
			bot = m.User.Bot
		}
		if bot {
			continue
		}
		humans[vs.ChannelID]++
		present[vs.UserID] = vs
	}

	now := x.now()
	interval := x.config.VoiceInterval
	eligible := map[string]int64{}
	x.mu.Lock()
	for userID := range x.voiceSessions {
		if _, ok := present[userID]; !ok {
			delete(x.voiceSessions, userID)
		}
	}
	for userID, vs := range present {
		s, ok := x.voiceSessions[userID]
		if !ok || s.ChannelID != vs.ChannelID {
			s = &voiceSession{ChannelID: vs.ChannelID, Start: now, LastAward: now}
			x.voiceSessions[userID] = s
		}
		if vs.Mute || vs.SelfMute {
			if s.MutedSince.IsZero() {
				s.MutedSince = now
			}
		} else {
			s.MutedSince = time.Time{}
		}

		switch {
		case vs.ChannelID == afkChannel, x.ignored[vs.ChannelID],
			humans[vs.ChannelID] < 2,
			vs.Deaf,
			!s.MutedSince.IsZero() && x.config.MaxMuteDuration > 0 &&
				now.Sub(s.MutedSince) > x.config.MaxMuteDuration:
			// ineligible time doesn't count towards the next award
			s.LastAward = now
		default:
			// whole intervals are awarded, the remainder carries over
			elapsed := now.Sub(s.LastAward)
			if elapsed < interval {
				continue
			}
			n := int64(elapsed / interval)
			s.LastAward = s.LastAward.Add(time.Duration(n) * interval)
			eligible[userID] = n
		}
	}
	x.mu.Unlock()

	minutes := int64(interval / time.Minute)
	if minutes < 1 {
		minutes = 1
	}
	for userID, n := range eligible {
		if ctx.Err() != nil {
			break
		}
		member := present[userID].Member
		if member == nil {
			member, _ = x.session.MemberState(x.guildID, userID)
		}
		amount := x.applyMultipliers(ctx, userID, member, x.config.VoicePerMinute*minutes*n)
		if _, err := x.grant(ctx, userID, amount, xpSourceVoice, minutes*n); err != nil {
			x.logger.WarnContext(ctx, "error granting voice xp", tint.Err(err), columnUserID, userID)
		}
	}
	return len(eligible)
}

// RunVoiceTicker runs VoiceTick every interval until ctx is done
func (x *XPEngine) RunVoiceTicker(ctx context.Context) {
	ticker := time.NewTicker(x.config.VoiceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			x.VoiceTick(ctx)
		}
	}
}

// SyncRoles reconciles tier roles for every active member. Members who
// are no longer in the guild are marked inactive.
func (x *XPEngine) SyncRoles(ctx context.Context) (int, error) {
	if len(x.rewards) == 0 {
		return 0, nil
	}
	rows, err := x.store.ListActiveXP(ctx, x.guildID)
	if err != nil {
		return 0, err
	}

	var mu sync.Mutex
	synced := 0
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(roleSyncConcurrency)
	for _, row := range rows {
		g.Go(
			func() error {
				if _, e := x.session.MemberState(x.guildID, row.UserID); isNotFound(e) {
					return x.store.SetActive(gctx, row.UserID, x.guildID, false)
				}
				level := LevelFromXP(row.XP)
				if level != row.Level {
					if e := x.store.SetLevel(gctx, row.UserID, x.guildID, level); e != nil {
						x.logger.WarnContext(gctx, "error repairing cached level", tint.Err(e), columnUserID, row.UserID)
					}
				}
				if _, e := x.reconcileRoles(gctx, row.UserID, level); e != nil {
					x.logger.WarnContext(gctx, "role sync failed", tint.Err(e), columnUserID, row.UserID)
					return nil
				}
				mu.Lock()
				synced++
				mu.Unlock()
				return nil
			},
		)
	}
	err = g.Wait()
	x.logger.InfoContext(ctx, "synced tier roles", "members", len(rows), "synced", synced)
	return synced, err
}

// RunRoleSync syncs roles once, then every RoleSyncInterval
func (x *XPEngine) RunRoleSync(ctx context.Context) {
	if _, err := x.SyncRoles(ctx); err != nil && ctx.Err() == nil {
		x.logger.ErrorContext(ctx, "role sync failed", tint.Err(err))
	}
	if x.config.RoleSyncInterval <= 0 {
		return
	}
	ticker := time.NewTicker(x.config.RoleSyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := x.SyncRoles(ctx); err != nil && ctx.Err() == nil {
				x.logger.ErrorContext(ctx, "role sync failed", tint.Err(err))
			}
		}
	}
}

// RunNotifications sends level-up DMs until ctx is done
func (x *XPEngine) RunNotifications(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-x.notices:
			if !x.config.LevelUpDM {
				continue
			}
			if err := x.sendLevelUp(ctx, n); err != nil {
				lvl := slog.LevelWarn
				if isForbidden(err) {
					lvl = slog.LevelDebug
				}
				x.logger.Log(ctx, lvl, "unable to send level-up message", tint.Err(err), columnUserID, n.UserID)
			}
		}
	}
}

func (x *XPEngine) levelUpMessage(ctx context.Context, n LevelUpNotice) string {
	var sb strings.Builder
	fmt.Fprintf(
		&sb,
		"🎉 Congratulations! You reached **level %d** with %s XP.",
		n.NewLevel,
		humanize.Comma(n.XP),
	)
	if rank, err := x.store.RankPosition(ctx, x.guildID, n.XP); err == nil && rank > 0 {
		fmt.Fprintf(&sb, " You're now %s on the leaderboard.", humanize.Ordinal(int(rank)))
	}
	for _, role := range n.RolesAdded {
		fmt.Fprintf(&sb, "\nNew role: <@&%s>", role)
	}
	for _, perk := range n.Perks {
		fmt.Fprintf(&sb, "\n✨ Unlocked: %s", perk)
	}
	return truncate(sb.String(), discordMaxMessageLength)
}

func (x *XPEngine) sendLevelUp(ctx context.Context, n LevelUpNotice) error {
	dm, err := x.session.UserChannelCreate(n.UserID)
	if err != nil {
		return err
	}
	_, err = x.session.ChannelMessageSend(dm.ID, x.levelUpMessage(ctx, n))
	return err
}

// RankInfo returns the member's XP, level, leaderboard position and
// progress to the next level
func (x *XPEngine) RankInfo(ctx context.Context, userID string) (RankInfo, error) {
	row, err := x.store.GetUserXP(ctx, userID, x.guildID)
	if err != nil {
		return RankInfo{UserID: userID}, err
	}
	rank, err := x.store.RankPosition(ctx, x.guildID, row.XP)
	if err != nil {
		return RankInfo{UserID: userID}, err
	}
	return RankInfo{
		UserID:   userID,
		XP:       row.XP,
		Level:    row.Level,
		Rank:     rank,
		Progress: Progress(row.XP),
	}, nil
}

func (x *XPEngine) Leaderboard(ctx context.Context, limit, offset int) ([]UserXP, error) {
	return x.store.Leaderboard(ctx, x.guildID, limit, offset)
}

// AddBonus grants XP outside the message/voice paths, e.g. a giveaway prize
func (x *XPEngine) AddBonus(ctx context.Context, userID string, amount int64) (UserXP, error) {
	return x.grant(ctx, userID, amount, xpSourceBonus, 0)
}

// SetXP is the administrative set-operation. Unlike grants it may lower
// XP; roles are reconciled either way.
func (x *XPEngine) SetXP(ctx context.Context, userID string, xp int64) (UserXP, error) {
	before, after, err := x.store.SetXP(ctx, userID, x.guildID, xp)
	if err != nil {
		return after, err
	}
	x.logger.InfoContext(
		ctx,
		"xp set",
		columnUserID, userID,
		"old_xp", before.XP,
		"xp", after.XP,
		"level", after.Level,
	)
	if after.Level != before.Level {
		x.onLevelChange(ctx, userID, before.Level, after)
	}
	return after, nil
}

// PruneCooldowns drops expired message cooldowns
func (x *XPEngine) PruneCooldowns() int {
	return x.cooldowns.Prune()
}
