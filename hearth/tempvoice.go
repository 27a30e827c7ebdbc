package hearth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
)

const (
	voiceEventQueueSize = 256
	sweepConcurrency    = 4
	maxUserLimit        = 99
)

// voiceEvent is a member moving between voice channels. Either side may
// be empty (joined from / left to nowhere).
type voiceEvent struct {
	UserID  string
	GuildID string
	Before  string
	After   string
}

// absenceTimer is a pending ownership transfer. token identifies this
// particular timer so a stale one can't fire after a replacement was
// scheduled for the same channel.
type absenceTimer struct {
	token  uint64
	cancel context.CancelFunc
}

type claimRequest struct {
	RequesterID string
	ExpiresAt   time.Time
}

// ClaimOutcome is the result of a claim request
type ClaimOutcome int

const (
	ClaimGranted ClaimOutcome = iota + 1
	ClaimPendingApproval
)

// SweepResult summarizes a reconciliation sweep
type SweepResult struct {
	Checked            int `json:"checked"`
	RowsDeleted        int `json:"rows_deleted"`
	ChannelsDeleted    int `json:"channels_deleted"`
	TransfersScheduled int `json:"transfers_scheduled"`
}

// TempVoice runs the temporary voice channel lifecycle: provisioning from
// the creator channel, owner actions, ownership transfer and cleanup.
//
// Voice events are processed one at a time in arrival order by Run.
// Work on a single channel (events, timers, panel actions, the sweep)
// is serialized by a per-channel lock.
type TempVoice struct {
	config       *TempVoiceConfig
	guildID      string
	modRoleID    string
	boosterRole  string
	superOwnerID string
	session      DiscordSessionHandler
	store        *Store
	acl          *ACL
	panel        *Panel
	logger       *slog.Logger
	now          func() time.Time

	events         chan voiceEvent
	channelLocks   *keyedMutex
	createCooldown *cooldownTracker
	ignored        map[string]bool
	protected      map[string]bool

	mu            sync.Mutex
	runCtx        context.Context
	joinTimes     map[string]map[string]time.Time
	lastChannel   map[string]string
	timers        map[string]*absenceTimer
	timerSeq      uint64
	claims        map[string]claimRequest
	messageCounts map[string]int
	timersWG      sync.WaitGroup
}

func NewTempVoice(
	config *Config,
	session DiscordSessionHandler,
	store *Store,
	acl *ACL,
	panel *Panel,
	logger *slog.Logger,
) *TempVoice {
	if logger == nil {
		logger = slog.Default()
	}
	tv := &TempVoice{
		config:        config.TempVoice,
		guildID:       config.Discord.GuildID,
		modRoleID:     config.Discord.ModRoleID,
		boosterRole:   config.Discord.BoosterRoleID,
		superOwnerID:  config.Discord.SuperOwnerID,
		session:       session,
		store:         store,
		acl:           acl,
		panel:         panel,
		logger:        logger.With(loggerNameKey, "tempvoice"),
		now:           time.Now,
		events:        make(chan voiceEvent, voiceEventQueueSize),
		channelLocks:  newKeyedMutex(),
		ignored:       map[string]bool{},
		protected:     map[string]bool{},
		runCtx:        context.Background(),
		joinTimes:     map[string]map[string]time.Time{},
		lastChannel:   map[string]string{},
		timers:        map[string]*absenceTimer{},
		claims:        map[string]claimRequest{},
		messageCounts: map[string]int{},
	}
	tv.createCooldown = newCooldownTracker(config.TempVoice.CreateCooldown, func() time.Time { return tv.now() })
	for _, id := range config.TempVoice.IgnoredChannelIDs {
		tv.ignored[id] = true
	}
	for _, id := range config.TempVoice.ProtectedChannelIDs {
		tv.protected[id] = true
	}
	acl.Subscribe(tv.onAccessChanged)
	return tv
}

// HandleVoiceStateUpdate queues a voice state update for processing
func (t *TempVoice) HandleVoiceStateUpdate(ctx context.Context, v *discordgo.VoiceStateUpdate) {
	if v == nil || v.VoiceState == nil || v.GuildID != t.guildID {
		return
	}
	ev := voiceEvent{UserID: v.UserID, GuildID: v.GuildID, After: v.ChannelID}

	t.mu.Lock()
	last, known := t.lastChannel[v.UserID]
	if known {
		ev.Before = last
	} else if v.BeforeUpdate != nil {
		ev.Before = v.BeforeUpdate.ChannelID
	}
	if v.ChannelID == "" {
		delete(t.lastChannel, v.UserID)
	} else {
		t.lastChannel[v.UserID] = v.ChannelID
	}
	t.mu.Unlock()

	if ev.Before == ev.After {
		return
	}
	select {
	case t.events <- ev:
	case <-ctx.Done():
	}
}

// Run processes queued voice events until ctx is done, then cancels
// pending transfer timers and waits for them to exit
func (t *TempVoice) Run(ctx context.Context) {
	t.mu.Lock()
	t.runCtx = ctx
	t.mu.Unlock()

	t.logger.InfoContext(ctx, "tempvoice started", "creator_channel_id", t.config.CreatorChannelID)
	defer t.stopTimers()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-t.events:
			t.processVoiceEvent(ctx, ev)
		}
	}
}

func (t *TempVoice) stopTimers() {
	t.mu.Lock()
	for ch, timer := range t.timers {
		timer.cancel()
		delete(t.timers, ch)
	}
	t.mu.Unlock()
	t.timersWG.Wait()
}

func (t *TempVoice) processVoiceEvent(ctx context.Context, ev voiceEvent) {
	defer func() {
		if rc := recover(); rc != nil {
			handleRecover(ctx, t.logger, rc)
		}
	}()
	logger := t.logger.With(columnUserID, ev.UserID, "before", ev.Before, "after", ev.After)
	ctx = WithLogger(ctx, logger)

	if ev.Before != "" && !t.ignored[ev.Before] && ev.Before != t.config.CreatorChannelID {
		t.onLeave(ctx, ev.UserID, ev.Before)
	}
	switch {
	case ev.After == "" || t.ignored[ev.After]:
	case ev.After == t.config.CreatorChannelID:
		if _, err := t.Provision(ctx, ev.UserID); err != nil {
			lvl := slog.LevelError
			if errors.Is(err, ErrCreationCooldown) {
				lvl = slog.LevelInfo
			}
			logger.Log(ctx, lvl, "provisioning failed", tint.Err(err))
		}
	default:
		t.onJoin(ctx, ev.UserID, ev.After)
	}
}

// occupant is a member currently connected to a voice channel
type occupant struct {
	UserID string
	Bot    bool
	state  *discordgo.VoiceState
}

func (t *TempVoice) occupants(channelID string) []occupant {
	var rv []occupant
	for _, vs := range t.session.VoiceStates(t.guildID) {
		if vs.ChannelID != channelID {
			continue
		}
		o := occupant{UserID: vs.UserID, state: vs}
		switch {
		case vs.Member != nil && vs.Member.User != nil:
			o.Bot = vs.Member.User.Bot
		default:
			if m, err := t.session.MemberState(t.guildID, vs.UserID); err == nil && m.User != nil {
				o.Bot = m.User.Bot
			}
		}
		rv = append(rv, o)
	}
	return rv
}

func (t *TempVoice) humans(channelID string) []string {
	var ids []string
	for _, o := range t.occupants(channelID) {
		if !o.Bot {
			ids = append(ids, o.UserID)
		}
	}
	return ids
}

func (t *TempVoice) userChannel(userID string) string {
	for _, vs := range t.session.VoiceStates(t.guildID) {
		if vs.UserID == userID {
			return vs.ChannelID
		}
	}
	return ""
}

func (t *TempVoice) isModerator(m *discordgo.Member) bool {
	return m != nil && t.modRoleID != "" && slices.Contains(m.Roles, t.modRoleID)
}

func (t *TempVoice) memberIsModerator(userID string) bool {
	m, err := t.session.MemberState(t.guildID, userID)
	if err != nil {
		return false
	}
	return t.isModerator(m)
}

// isBooster: premium subscribers, holders of the booster role,
// moderators and the super-owner
func (t *TempVoice) isBooster(m *discordgo.Member) bool {
	if m == nil {
		return false
	}
	if m.PremiumSince != nil {
		return true
	}
	if t.boosterRole != "" && slices.Contains(m.Roles, t.boosterRole) {
		return true
	}
	if t.isModerator(m) {
		return true
	}
	return m.User != nil && t.superOwnerID != "" && m.User.ID == t.superOwnerID
}

func (t *TempVoice) recordJoin(channelID, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	joins, ok := t.joinTimes[channelID]
	if !ok {
		joins = map[string]time.Time{}
		t.joinTimes[channelID] = joins
	}
	if _, seen := joins[userID]; !seen {
		joins[userID] = t.now()
	}
}

func (t *TempVoice) forgetJoin(channelID, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if joins, ok := t.joinTimes[channelID]; ok {
		delete(joins, userID)
	}
}

// forgetChannel drops all in-memory state for a deleted channel
func (t *TempVoice) forgetChannel(channelID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if timer, ok := t.timers[channelID]; ok {
		timer.cancel()
		delete(t.timers, channelID)
	}
	delete(t.joinTimes, channelID)
	delete(t.claims, channelID)
	delete(t.messageCounts, channelID)
}

func (t *TempVoice) disconnect(ctx context.Context, userID string) {
	if err := t.session.GuildMemberMove(t.guildID, userID, nil); err != nil {
		t.logPlatformError(ctx, "disconnecting member", err, columnUserID, userID)
	}
}

// logPlatformError logs err at a severity matching its classification
func (t *TempVoice) logPlatformError(ctx context.Context, msg string, err error, args ...any) {
	kind := classifyPlatformError(err)
	args = append(args, tint.Err(err), "kind", kind.String())
	switch kind {
	case PlatformNotFound:
		t.logger.DebugContext(ctx, msg, args...)
	case PlatformPermissionDenied:
		t.logger.ErrorContext(ctx, msg, args...)
	default:
		t.logger.WarnContext(ctx, msg, args...)
	}
}

// Provision creates a channel for a member who joined the creator
// channel, and moves them into it.
func (t *TempVoice) Provision(ctx context.Context, userID string) (*TempChannel, error) {
	if t.userChannel(userID) != t.config.CreatorChannelID {
		t.logger.DebugContext(ctx, "member already left the creator channel", columnUserID, userID)
		return nil, nil
	}
	if !t.store.Available() {
		t.disconnect(ctx, userID)
		return nil, ErrStoreUnavailable
	}
	if !t.createCooldown.Allow(userID) {
		t.disconnect(ctx, userID)
		return nil, ErrCreationCooldown
	}

	member, err := t.session.MemberState(t.guildID, userID)
	if err != nil {
		return nil, fmt.Errorf("looking up member: %w", err)
	}
	if member.User != nil && member.User.Bot {
		return nil, ErrBotTarget
	}

	if err = t.releaseExisting(ctx, userID); err != nil {
		return nil, err
	}
	t.cleanupStaleAccess(ctx, userID)

	settings, err := t.store.GetUserSettings(ctx, userID)
	if err != nil {
		t.logger.WarnContext(ctx, "error loading settings, using defaults", tint.Err(err))
		settings = UserSettings{UserID: userID}
	}
	locked := t.config.DefaultLocked
	if settings.DefaultLocked != nil {
		locked = *settings.DefaultLocked
	}

	position, err := t.nextFreePosition(ctx)
	if err != nil {
		return nil, err
	}
	base := channelBaseName(member, settings, t.isBooster(member))
	name := buildChannelName(position, base)

	overwrites := BuildOverwrites(
		OverwriteSpec{
			EveryoneRoleID: t.guildID,
			BotID:          t.session.BotUserID(),
			OwnerID:        userID,
			ModRoleID:      t.modRoleID,
			SuperOwnerID:   t.superOwnerID,
			Locked:         locked,
			Trusted:        t.acl.Trusted(ctx, userID),
			Blocked:        t.acl.Blocked(ctx, userID),
			Occupants:      []string{userID},
			IsModerator:    t.memberIsModerator,
		},
	)

	created, err := t.session.GuildChannelCreateComplex(
		t.guildID,
		discordgo.GuildChannelCreateData{
			Name:                 name,
			Type:                 discordgo.ChannelTypeGuildVoice,
			ParentID:             t.config.CategoryID,
			UserLimit:            settings.DefaultLimit,
			PermissionOverwrites: overwrites.Discord(),
		},
	)
	if err != nil {
		t.logPlatformError(ctx, "creating channel", err, columnUserID, userID)
		return nil, fmt.Errorf("creating channel: %w", err)
	}

	unlock := t.channelLocks.Lock(created.ID)
	defer unlock()

	row := &TempChannel{
		ChannelID: created.ID,
		OwnerID:   userID,
		GuildID:   t.guildID,
		Name:      name,
		BaseName:  base,
		Position:  position,
		UserLimit: settings.DefaultLimit,
		IsLocked:  locked,
	}
	if err = t.store.CreateChannel(ctx, row); err != nil {
		t.deletePlatformChannel(ctx, created.ID)
		return nil, fmt.Errorf("saving channel: %w", err)
	}

	if err = t.session.GuildMemberMove(t.guildID, userID, &created.ID); err != nil {
		t.logPlatformError(ctx, "moving owner into new channel", err, columnUserID, userID)
		if delErr := t.store.DeleteChannel(ctx, created.ID); delErr != nil {
			t.logger.ErrorContext(ctx, "error deleting channel row", tint.Err(delErr))
		}
		t.deletePlatformChannel(ctx, created.ID)
		return nil, fmt.Errorf("moving member: %w", err)
	}

	t.mu.Lock()
	t.lastChannel[userID] = created.ID
	t.mu.Unlock()
	t.recordJoin(created.ID, userID)

	t.logger.InfoContext(ctx, "provisioned channel", "channel", row)
	t.syncPanel(ctx, row)
	return row, nil
}

// releaseExisting hands off or deletes a channel the member already owns,
// so they never own two at once
func (t *TempVoice) releaseExisting(ctx context.Context, ownerID string) error {
	existing, err := t.store.GetChannelByOwner(ctx, ownerID, t.guildID)
	if err != nil {
		return fmt.Errorf("checking existing channel: %w", err)
	}
	if existing == nil {
		return nil
	}

	unlock := t.channelLocks.Lock(existing.ChannelID)
	defer unlock()

	existing, err = t.store.GetChannel(ctx, existing.ChannelID)
	if err != nil || existing == nil || existing.OwnerID != ownerID {
		return err
	}

	if _, err = t.session.ChannelState(existing.ChannelID); isNotFound(err) {
		t.logger.InfoContext(ctx, "dropping orphaned channel row", "channel", existing)
		t.forgetChannel(existing.ChannelID)
		return t.store.DeleteChannel(ctx, existing.ChannelID)
	}

	var others []string
	for _, id := range t.humans(existing.ChannelID) {
		if id != ownerID {
			others = append(others, id)
		}
	}
	if len(others) == 0 {
		if !t.deleteIfEmpty(ctx, existing) {
			return fmt.Errorf("%w: previous channel %s could not be removed", ErrAlreadyOwner, existing.ChannelID)
		}
		return nil
	}

	candidate := t.transferCandidate(ctx, existing.ChannelID, ownerID, others)
	if candidate == "" {
		return fmt.Errorf("%w: no eligible new owner for %s", ErrAlreadyOwner, existing.ChannelID)
	}
	return t.transferTo(ctx, existing, candidate, "the previous owner created a new channel")
}

// cleanupStaleAccess removes list entries for members who left the guild
func (t *TempVoice) cleanupStaleAccess(ctx context.Context, ownerID string) {
	subjects := append(t.acl.Trusted(ctx, ownerID), t.acl.Blocked(ctx, ownerID)...)
	if len(subjects) == 0 {
		return
	}
	valid := make(map[string]bool, len(subjects))
	for _, id := range subjects {
		_, err := t.session.MemberState(t.guildID, id)
		valid[id] = err == nil || !isNotFound(err)
	}
	if _, err := t.acl.CleanupStale(ctx, ownerID, valid); err != nil {
		t.logger.WarnContext(ctx, "error cleaning up access lists", tint.Err(err))
	}
}

func (t *TempVoice) nextFreePosition(ctx context.Context) (int, error) {
	rows, err := t.store.ListChannels(ctx, t.guildID)
	if err != nil {
		return 0, fmt.Errorf("listing channels: %w", err)
	}
	used := make([]int, 0, len(rows))
	for _, r := range rows {
		if r.Position > 0 {
			used = append(used, r.Position)
		}
	}
	return nextPosition(used), nil
}

func (t *TempVoice) deletePlatformChannel(ctx context.Context, channelID string) bool {
	_, err := t.session.ChannelDelete(channelID)
	if err == nil || isNotFound(err) {
		return true
	}
	t.logPlatformError(ctx, "deleting channel", err, columnChannelID, channelID)
	return false
}

func (t *TempVoice) onLeave(ctx context.Context, userID, channelID string) {
	unlock := t.channelLocks.Lock(channelID)
	defer unlock()

	row, err := t.store.GetChannel(ctx, channelID)
	if err != nil {
		t.logger.ErrorContext(ctx, "error loading channel", tint.Err(err))
		return
	}
	if row == nil {
		return
	}
	t.forgetJoin(channelID, userID)

	t.mu.Lock()
	if claim, ok := t.claims[channelID]; ok && claim.RequesterID == userID {
		delete(t.claims, channelID)
	}
	t.mu.Unlock()

	humans := t.humans(channelID)
	if len(humans) == 0 {
		t.deleteIfEmpty(ctx, row)
		return
	}

	if userID == row.OwnerID {
		t.scheduleTransfer(channelID)
	} else if t.acl.State(ctx, row.OwnerID, userID) == AccessNone {
		err = t.session.ChannelPermissionDelete(channelID, userID)
		if err != nil && !isNotFound(err) {
			t.logPlatformError(ctx, "revoking text access", err, columnUserID, userID)
		}
	}
	t.syncPanel(ctx, row)
}

func (t *TempVoice) onJoin(ctx context.Context, userID, channelID string) {
	unlock := t.channelLocks.Lock(channelID)
	defer unlock()

	row, err := t.store.GetChannel(ctx, channelID)
	if err != nil {
		t.logger.ErrorContext(ctx, "error loading channel", tint.Err(err))
		return
	}
	if row == nil {
		return
	}
	t.recordJoin(channelID, userID)

	if userID == row.OwnerID {
		t.cancelTransfer(channelID)
	} else {
		if t.acl.State(ctx, row.OwnerID, userID) == AccessBlocked &&
			(row.OwnerID == t.superOwnerID || !t.memberIsModerator(userID)) {
			t.logger.InfoContext(ctx, "disconnecting blocked member", columnUserID, userID)
			t.forgetJoin(channelID, userID)
			t.disconnect(ctx, userID)
			return
		}
		err = t.session.ChannelPermissionSet(
			channelID,
			userID,
			discordgo.PermissionOverwriteTypeMember,
			permTextAccess,
			0,
		)
		if err != nil {
			t.logPlatformError(ctx, "granting text access", err, columnUserID, userID)
		}
	}
	t.syncPanel(ctx, row)
}

// scheduleTransfer starts the owner-absence timer for the channel,
// replacing any existing one
func (t *TempVoice) scheduleTransfer(channelID string) {
	t.mu.Lock()
	if existing, ok := t.timers[channelID]; ok {
		existing.cancel()
	}
	t.timerSeq++
	token := t.timerSeq
	timerCtx, cancel := context.WithCancel(t.runCtx)
	t.timers[channelID] = &absenceTimer{token: token, cancel: cancel}
	delay := t.config.TransferDelay
	t.timersWG.Add(1)
	t.mu.Unlock()

	t.logger.Info("owner left, transfer scheduled", columnChannelID, channelID, "delay", delay)

	go func() {
		defer t.timersWG.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-timerCtx.Done():
			return
		case <-timer.C:
		}

		t.mu.Lock()
		current, ok := t.timers[channelID]
		if !ok || current.token != token {
			t.mu.Unlock()
			return
		}
		delete(t.timers, channelID)
		t.mu.Unlock()
		cancel()

		t.absentOwnerTransfer(t.runCtx, channelID)
	}()
}

// cancelTransfer stops the channel's pending transfer, if any
func (t *TempVoice) cancelTransfer(channelID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	timer, ok := t.timers[channelID]
	if !ok {
		return false
	}
	timer.cancel()
	delete(t.timers, channelID)
	t.logger.Info("owner returned, transfer cancelled", columnChannelID, channelID)
	return true
}

func (t *TempVoice) transferPending(channelID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.timers[channelID]
	return ok
}

// absentOwnerTransfer runs when the absence timer fires
func (t *TempVoice) absentOwnerTransfer(ctx context.Context, channelID string) {
	defer func() {
		if rc := recover(); rc != nil {
			handleRecover(ctx, t.logger, rc)
		}
	}()
	if ctx.Err() != nil {
		return
	}
	unlock := t.channelLocks.Lock(channelID)
	defer unlock()

	row, err := t.store.GetChannel(ctx, channelID)
	if err != nil || row == nil {
		return
	}
	humans := t.humans(channelID)
	if slices.Contains(humans, row.OwnerID) {
		return
	}
	if len(humans) == 0 {
		t.deleteIfEmpty(ctx, row)
		return
	}
	candidate := t.transferCandidate(ctx, channelID, row.OwnerID, humans)
	if candidate == "" {
		t.logger.WarnContext(ctx, "no eligible new owner", "channel", row)
		return
	}
	if err = t.transferTo(ctx, row, candidate, "the owner left"); err != nil {
		t.logger.ErrorContext(ctx, "transfer failed", tint.Err(err), "channel", row)
	}
}

// transferCandidate returns the occupant with the earliest recorded join
// time who doesn't already own another channel
func (t *TempVoice) transferCandidate(
	ctx context.Context,
	channelID, ownerID string,
	humans []string,
) string {
	t.mu.Lock()
	joins := t.joinTimes[channelID]
	type joined struct {
		id string
		at time.Time
	}
	candidates := make([]joined, 0, len(humans))
	for _, id := range humans {
		if id == ownerID {
			continue
		}
		at, ok := joins[id]
		if !ok {
			at = t.now()
		}
		candidates = append(candidates, joined{id: id, at: at})
	}
	t.mu.Unlock()

	sort.SliceStable(
		candidates, func(i, j int) bool {
			if candidates[i].at.Equal(candidates[j].at) {
				return candidates[i].id < candidates[j].id
			}
			return candidates[i].at.Before(candidates[j].at)
		},
	)
	for _, c := range candidates {
		other, err := t.store.GetChannelByOwner(ctx, c.id, t.guildID)
		if err != nil {
			t.logger.WarnContext(ctx, "error checking candidate", tint.Err(err), columnUserID, c.id)
			continue
		}
		if other != nil && other.ChannelID != channelID {
			continue
		}
		return c.id
	}
	return ""
}

// overwritesFor computes the channel's full overwrites for ownerID
func (t *TempVoice) overwritesFor(
	ctx context.Context,
	row *TempChannel,
	ownerID string,
	locked, hidden bool,
) Overwrites {
	return BuildOverwrites(
		OverwriteSpec{
			EveryoneRoleID: t.guildID,
			BotID:          t.session.BotUserID(),
			OwnerID:        ownerID,
			ModRoleID:      t.modRoleID,
			SuperOwnerID:   t.superOwnerID,
			Locked:         locked,
			Hidden:         hidden,
			Trusted:        t.acl.Trusted(ctx, ownerID),
			Blocked:        t.acl.Blocked(ctx, ownerID),
			Occupants:      t.humans(row.ChannelID),
			IsModerator:    t.memberIsModerator,
		},
	)
}

// transferTo makes newOwnerID the owner: name, overwrites and lists are
// regenerated for them in a single edit. Caller holds the channel lock.
func (t *TempVoice) transferTo(
	ctx context.Context,
	row *TempChannel,
	newOwnerID string,
	reason string,
) error {
	member, err := t.session.MemberState(t.guildID, newOwnerID)
	if err != nil {
		return fmt.Errorf("looking up new owner: %w", err)
	}
	settings, err := t.store.GetUserSettings(ctx, newOwnerID)
	if err != nil {
		settings = UserSettings{UserID: newOwnerID}
	}

	base := channelBaseName(member, settings, t.isBooster(member))
	position := row.Position
	if position == 0 {
		position, _ = splitChannelName(row.Name)
	}
	name := buildChannelName(position, base)
	overwrites := t.overwritesFor(ctx, row, newOwnerID, row.IsLocked, row.IsHidden)

	_, err = t.session.ChannelEdit(
		row.ChannelID,
		&discordgo.ChannelEdit{
			Name:                 name,
			PermissionOverwrites: overwrites.Discord(),
		},
	)
	if err != nil {
		t.logPlatformError(ctx, "editing channel for transfer", err, "channel", row)
		if isNotFound(err) {
			t.forgetChannel(row.ChannelID)
			return t.store.DeleteChannel(ctx, row.ChannelID)
		}
		return fmt.Errorf("editing channel: %w", err)
	}

	previous := row.OwnerID
	if err = t.store.TransferChannel(ctx, row.ChannelID, newOwnerID, name, base); err != nil {
		return fmt.Errorf("saving transfer: %w", err)
	}
	row.OwnerID = newOwnerID
	row.Name = name
	row.BaseName = base

	t.cancelTransfer(row.ChannelID)
	t.mu.Lock()
	delete(t.claims, row.ChannelID)
	t.mu.Unlock()

	superOwned := t.superOwnerID != "" && newOwnerID == t.superOwnerID
	blocked := t.acl.Blocked(ctx, newOwnerID)
	for _, id := range t.humans(row.ChannelID) {
		if !slices.Contains(blocked, id) {
			continue
		}
		if !superOwned && t.memberIsModerator(id) {
			continue
		}
		t.forgetJoin(row.ChannelID, id)
		t.disconnect(ctx, id)
	}

	t.logger.InfoContext(
		ctx,
		"ownership transferred",
		"channel", row,
		"previous_owner", previous,
		"reason", reason,
	)
	_, err = t.session.ChannelMessageSend(
		row.ChannelID,
		fmt.Sprintf("👑 <@%s> is now the owner of this channel (%s).", newOwnerID, reason),
	)
	if err != nil {
		t.logPlatformError(ctx, "sending transfer notice", err)
	}
	t.syncPanel(ctx, row)
	return nil
}

// deleteIfEmpty deletes the channel if no humans remain, platform first,
// then the row. A transient failure leaves the row for the sweep.
// Caller holds the channel lock. Reports whether the channel is gone.
func (t *TempVoice) deleteIfEmpty(ctx context.Context, row *TempChannel) bool {
	if len(t.humans(row.ChannelID)) > 0 {
		return false
	}
	if t.protected[row.ChannelID] || row.ChannelID == t.config.CreatorChannelID {
		return false
	}
	if !t.deletePlatformChannel(ctx, row.ChannelID) {
		return false
	}
	t.forgetChannel(row.ChannelID)
	if err := t.store.DeleteChannel(ctx, row.ChannelID); err != nil {
		t.logger.ErrorContext(ctx, "error deleting channel row", tint.Err(err), "channel", row)
		return true
	}
	t.logger.InfoContext(ctx, "deleted empty channel", "channel", row)
	return true
}

// Sweep reconciles stored channels against the platform: rows for
// vanished channels are dropped, empty channels deleted, and channels
// with an absent owner get a transfer scheduled.
func (t *TempVoice) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	rows, err := t.store.ListChannels(ctx, t.guildID)
	if err != nil {
		return result, fmt.Errorf("listing channels: %w", err)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)

	for i := range rows {
		row := rows[i]
		g.Go(
			func() error {
				rowResult := t.sweepChannel(gctx, &row)
				mu.Lock()
				result.Checked++
				result.RowsDeleted += rowResult.RowsDeleted
				result.ChannelsDeleted += rowResult.ChannelsDeleted
				result.TransfersScheduled += rowResult.TransfersScheduled
				mu.Unlock()
				return nil
			},
		)
	}
	err = g.Wait()
	t.logger.InfoContext(ctx, "sweep finished", "result", result)
	return result, err
}

func (t *TempVoice) sweepChannel(ctx context.Context, row *TempChannel) (result SweepResult) {
	if row.ChannelID == t.config.CreatorChannelID || t.ignored[row.ChannelID] {
		return result
	}
	unlock := t.channelLocks.Lock(row.ChannelID)
	defer unlock()

	current, err := t.store.GetChannel(ctx, row.ChannelID)
	if err != nil || current == nil {
		return result
	}

	if _, err = t.session.ChannelState(current.ChannelID); err != nil {
		if !isNotFound(err) {
			t.logPlatformError(ctx, "sweep: checking channel", err, "channel", current)
			return result
		}
		t.forgetChannel(current.ChannelID)
		if err = t.store.DeleteChannel(ctx, current.ChannelID); err == nil {
			t.logger.InfoContext(ctx, "sweep: removed row for missing channel", "channel", current)
			result.RowsDeleted++
		}
		return result
	}

	humans := t.humans(current.ChannelID)
	if len(humans) == 0 {
		if t.deleteIfEmpty(ctx, current) {
			result.ChannelsDeleted++
		}
		return result
	}

	for _, id := range humans {
		t.recordJoin(current.ChannelID, id)
	}
	if !slices.Contains(humans, current.OwnerID) && !t.transferPending(current.ChannelID) {
		t.scheduleTransfer(current.ChannelID)
		result.TransfersScheduled++
	}
	return result
}

// RunSweep runs Sweep every interval until ctx is done
func (t *TempVoice) RunSweep(ctx context.Context) {
	if t.config.SweepInterval <= 0 {
		return
	}
	ticker := time.NewTicker(t.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := t.Sweep(ctx); err != nil && ctx.Err() == nil {
				t.logger.ErrorContext(ctx, "sweep failed", tint.Err(err))
			}
		}
	}
}

func (t *TempVoice) panelView(ctx context.Context, row *TempChannel) PanelView {
	return PanelView{
		ChannelID:    row.ChannelID,
		ChannelName:  row.Name,
		OwnerID:      row.OwnerID,
		Locked:       row.IsLocked,
		Hidden:       row.IsHidden,
		Limit:        row.UserLimit,
		Occupants:    t.humans(row.ChannelID),
		TrustedCount: len(t.acl.Trusted(ctx, row.OwnerID)),
		CreatedAt:    row.Created(),
	}
}

func (t *TempVoice) syncPanel(ctx context.Context, row *TempChannel) {
	if err := t.panel.Sync(ctx, row, t.panelView(ctx, row)); err != nil {
		t.logPlatformError(ctx, "syncing panel", err, "channel", row)
	}
}

// HandleMessage counts chat messages in temp channels and re-sends the
// panel once it has scrolled out of view
func (t *TempVoice) HandleMessage(ctx context.Context, m *discordgo.MessageCreate) {
	if t.config.StickyThreshold <= 0 || m.Author == nil || m.Author.Bot || m.GuildID != t.guildID {
		return
	}
	t.mu.Lock()
	t.messageCounts[m.ChannelID]++
	count := t.messageCounts[m.ChannelID]
	t.mu.Unlock()
	if count < t.config.StickyThreshold {
		return
	}

	unlock := t.channelLocks.Lock(m.ChannelID)
	defer unlock()
	row, err := t.store.GetChannel(ctx, m.ChannelID)
	if err != nil || row == nil {
		t.mu.Lock()
		delete(t.messageCounts, m.ChannelID)
		t.mu.Unlock()
		return
	}
	t.mu.Lock()
	t.messageCounts[m.ChannelID] = 0
	t.mu.Unlock()
	if err = t.panel.Resend(ctx, row, t.panelView(ctx, row)); err != nil {
		t.logPlatformError(ctx, "re-sending panel", err, "channel", row)
	}
}

// onAccessChanged applies an ACL change to the owner's current channel
func (t *TempVoice) onAccessChanged(ctx context.Context, change AccessChange) {
	row, err := t.store.GetChannelByOwner(ctx, change.OwnerID, t.guildID)
	if err != nil || row == nil {
		return
	}
	unlock := t.channelLocks.Lock(row.ChannelID)
	defer unlock()

	present := slices.Contains(t.humans(row.ChannelID), change.SubjectID)
	switch change.State {
	case AccessTrusted:
		err = t.session.ChannelPermissionSet(
			row.ChannelID,
			change.SubjectID,
			discordgo.PermissionOverwriteTypeMember,
			permTextAccess,
			0,
		)
	case AccessBlocked:
		err = t.session.ChannelPermissionSet(
			row.ChannelID,
			change.SubjectID,
			discordgo.PermissionOverwriteTypeMember,
			0,
			permBlockedDeny,
		)
		if err == nil && present {
			t.forgetJoin(row.ChannelID, change.SubjectID)
			t.disconnect(ctx, change.SubjectID)
		}
	default:
		if present {
			err = t.session.ChannelPermissionSet(
				row.ChannelID,
				change.SubjectID,
				discordgo.PermissionOverwriteTypeMember,
				permTextAccess,
				0,
			)
		} else {
			err = t.session.ChannelPermissionDelete(row.ChannelID, change.SubjectID)
			if isNotFound(err) {
				err = nil
			}
		}
	}
	if err != nil {
		t.logPlatformError(ctx, "applying access change", err, "change", change)
	}
	t.syncPanel(ctx, row)
}

// ownedChannel loads the channel and checks actorID owns it. The caller
// must hold the channel lock.
func (t *TempVoice) ownedChannel(ctx context.Context, actorID, channelID string) (*TempChannel, error) {
	row, err := t.store.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, ErrNoChannel
	}
	if row.OwnerID != actorID {
		return nil, ErrNotOwner
	}
	return row, nil
}

// ChannelForOwner returns the actor's channel, if they have one
func (t *TempVoice) ChannelForOwner(ctx context.Context, ownerID string) (*TempChannel, error) {
	row, err := t.store.GetChannelByOwner(ctx, ownerID, t.guildID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, ErrNoChannel
	}
	return row, nil
}

// applyState rewrites the channel's overwrites after a lock/hide change
func (t *TempVoice) applyState(ctx context.Context, row *TempChannel, locked, hidden bool) error {
	overwrites := t.overwritesFor(ctx, row, row.OwnerID, locked, hidden)
	_, err := t.session.ChannelEdit(
		row.ChannelID,
		&discordgo.ChannelEdit{PermissionOverwrites: overwrites.Discord()},
	)
	if err != nil {
		t.logPlatformError(ctx, "updating channel overwrites", err, "channel", row)
		return err
	}
	return t.store.UpdateChannel(
		ctx, row.ChannelID, map[string]any{
			columnIsLocked: locked,
			columnIsHidden: hidden,
		},
	)
}

// ToggleLock locks or unlocks the channel, and saves the choice as the
// owner's default
func (t *TempVoice) ToggleLock(ctx context.Context, actorID, channelID string) (bool, error) {
	unlock := t.channelLocks.Lock(channelID)
	defer unlock()

	row, err := t.ownedChannel(ctx, actorID, channelID)
	if err != nil {
		return false, err
	}
	locked := !row.IsLocked
	if err = t.applyState(ctx, row, locked, row.IsHidden); err != nil {
		return row.IsLocked, err
	}
	row.IsLocked = locked
	if err = t.store.UpdateUserSettings(ctx, actorID, map[string]any{"default_locked": locked}); err != nil {
		t.logger.WarnContext(ctx, "error saving default lock state", tint.Err(err))
	}
	t.syncPanel(ctx, row)
	return locked, nil
}

// ToggleHidden hides or reveals the channel
func (t *TempVoice) ToggleHidden(ctx context.Context, actorID, channelID string) (bool, error) {
	unlock := t.channelLocks.Lock(channelID)
	defer unlock()

	row, err := t.ownedChannel(ctx, actorID, channelID)
	if err != nil {
		return false, err
	}
	hidden := !row.IsHidden
	if err = t.applyState(ctx, row, row.IsLocked, hidden); err != nil {
		return row.IsHidden, err
	}
	row.IsHidden = hidden
	t.syncPanel(ctx, row)
	return hidden, nil
}

// Rename sets the channel's base name, keeping its numeral. The name is
// saved as the owner's default.
func (t *TempVoice) Rename(ctx context.Context, actorID, channelID, base string) (string, error) {
	base = strings.TrimSpace(base)
	if base == "" {
		return "", ErrInvalidName
	}
	base = truncate(base, channelBaseNameMaxLength)

	unlock := t.channelLocks.Lock(channelID)
	defer unlock()

	row, err := t.ownedChannel(ctx, actorID, channelID)
	if err != nil {
		return "", err
	}
	name := buildChannelName(row.Position, base)
	if _, err = t.session.ChannelEdit(channelID, &discordgo.ChannelEdit{Name: name}); err != nil {
		t.logPlatformError(ctx, "renaming channel", err, "channel", row)
		return "", err
	}
	if err = t.store.UpdateChannel(
		ctx, channelID, map[string]any{
			columnName:     name,
			columnBaseName: base,
		},
	); err != nil {
		return "", err
	}
	row.Name, row.BaseName = name, base
	if err = t.store.UpdateUserSettings(ctx, actorID, map[string]any{"default_name": base}); err != nil {
		t.logger.WarnContext(ctx, "error saving default name", tint.Err(err))
	}
	t.syncPanel(ctx, row)
	return name, nil
}

// SetLimit sets the user limit (0 = unlimited), saved as the owner's default
func (t *TempVoice) SetLimit(ctx context.Context, actorID, channelID string, limit int) error {
	if limit < 0 || limit > maxUserLimit {
		return ErrInvalidLimit
	}
	unlock := t.channelLocks.Lock(channelID)
	defer unlock()

	row, err := t.ownedChannel(ctx, actorID, channelID)
	if err != nil {
		return err
	}
	if err = t.session.ChannelUserLimit(channelID, limit); err != nil {
		t.logPlatformError(ctx, "setting user limit", err, "channel", row)
		return err
	}
	if err = t.store.UpdateChannel(ctx, channelID, map[string]any{columnUserLimit: limit}); err != nil {
		return err
	}
	row.UserLimit = limit
	if err = t.store.UpdateUserSettings(ctx, actorID, map[string]any{"default_limit": limit}); err != nil {
		t.logger.WarnContext(ctx, "error saving default limit", tint.Err(err))
	}
	t.syncPanel(ctx, row)
	return nil
}

// Kick disconnects a member from the owner's channel
func (t *TempVoice) Kick(ctx context.Context, actorID, channelID, targetID string) error {
	if targetID == actorID {
		return ErrSelfTarget
	}
	unlock := t.channelLocks.Lock(channelID)
	defer unlock()

	row, err := t.ownedChannel(ctx, actorID, channelID)
	if err != nil {
		return err
	}
	if !slices.Contains(t.humans(channelID), targetID) {
		return ErrNotInChannel
	}
	if err = t.session.GuildMemberMove(t.guildID, targetID, nil); err != nil {
		t.logPlatformError(ctx, "kicking member", err, columnUserID, targetID)
		return err
	}
	t.forgetJoin(channelID, targetID)
	if t.acl.State(ctx, row.OwnerID, targetID) == AccessNone {
		if err = t.session.ChannelPermissionDelete(channelID, targetID); err != nil && !isNotFound(err) {
			t.logPlatformError(ctx, "revoking text access", err, columnUserID, targetID)
		}
	}
	t.logger.InfoContext(ctx, "kicked member", "channel", row, columnUserID, targetID)
	return nil
}

// Transfer hands the channel to another occupant
func (t *TempVoice) Transfer(ctx context.Context, actorID, channelID, targetID string) error {
	if targetID == actorID {
		return ErrSelfTarget
	}
	unlock := t.channelLocks.Lock(channelID)
	defer unlock()

	row, err := t.ownedChannel(ctx, actorID, channelID)
	if err != nil {
		return err
	}
	if err = t.checkNewOwner(ctx, channelID, targetID); err != nil {
		return err
	}
	return t.transferTo(ctx, row, targetID, "transferred by the owner")
}

func (t *TempVoice) checkNewOwner(ctx context.Context, channelID, userID string) error {
	if !slices.Contains(t.humans(channelID), userID) {
		return ErrNotInChannel
	}
	other, err := t.store.GetChannelByOwner(ctx, userID, t.guildID)
	if err != nil {
		return err
	}
	if other != nil && other.ChannelID != channelID {
		return ErrAlreadyOwner
	}
	return nil
}

// Delete removes the channel at the owner's request. Moderators may
// delete any temp channel.
func (t *TempVoice) Delete(ctx context.Context, actorID, channelID string) error {
	unlock := t.channelLocks.Lock(channelID)
	defer unlock()

	row, err := t.ownedChannel(ctx, actorID, channelID)
	if errors.Is(err, ErrNotOwner) && (actorID == t.superOwnerID || t.memberIsModerator(actorID)) {
		row, err = t.store.GetChannel(ctx, channelID)
	}
	if err != nil {
		return err
	}
	if row == nil {
		return ErrNoChannel
	}
	if !t.deletePlatformChannel(ctx, channelID) {
		return fmt.Errorf("unable to delete channel %s", channelID)
	}
	t.forgetChannel(channelID)
	if err = t.store.DeleteChannel(ctx, channelID); err != nil {
		return err
	}
	t.logger.InfoContext(ctx, "channel deleted by request", "channel", row, "actor", actorID)
	return nil
}

// Claim requests ownership of the channel. Granted immediately if the
// owner has left the guild, otherwise the owner is asked to approve.
func (t *TempVoice) Claim(ctx context.Context, requesterID, channelID string) (ClaimOutcome, error) {
	unlock := t.channelLocks.Lock(channelID)
	defer unlock()

	row, err := t.store.GetChannel(ctx, channelID)
	if err != nil {
		return 0, err
	}
	if row == nil {
		return 0, ErrNoChannel
	}
	if row.OwnerID == requesterID {
		return 0, ErrAlreadyOwner
	}
	if err = t.checkNewOwner(ctx, channelID, requesterID); err != nil {
		return 0, err
	}

	if _, err = t.session.MemberState(t.guildID, row.OwnerID); isNotFound(err) {
		if err = t.transferTo(ctx, row, requesterID, "the previous owner left the server"); err != nil {
			return 0, err
		}
		return ClaimGranted, nil
	}

	now := t.now()
	t.mu.Lock()
	if pending, ok := t.claims[channelID]; ok && now.Before(pending.ExpiresAt) {
		t.mu.Unlock()
		return 0, ErrClaimPending
	}
	t.claims[channelID] = claimRequest{
		RequesterID: requesterID,
		ExpiresAt:   now.Add(t.config.ClaimTimeout),
	}
	t.mu.Unlock()

	_, err = t.session.ChannelMessageSendComplex(
		channelID,
		&discordgo.MessageSend{
			Content: fmt.Sprintf(
				"<@%s>, <@%s> would like to claim this channel. This request expires <t:%d:R>.",
				row.OwnerID,
				requesterID,
				now.Add(t.config.ClaimTimeout).Unix(),
			),
			Components: []discordgo.MessageComponent{
				discordgo.ActionsRow{
					Components: []discordgo.MessageComponent{
						discordgo.Button{
							CustomID: customID(customIDClaimApprove, channelID, requesterID),
							Label:    "Approve",
							Style:    discordgo.SuccessButton,
						},
						discordgo.Button{
							CustomID: customID(customIDClaimDeny, channelID, requesterID),
							Label:    "Deny",
							Style:    discordgo.DangerButton,
						},
					},
				},
			},
		},
	)
	if err != nil {
		t.logPlatformError(ctx, "sending claim request", err, "channel", row)
	}
	return ClaimPendingApproval, nil
}

func (t *TempVoice) takeClaim(channelID, requesterID string) (claimRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	claim, ok := t.claims[channelID]
	if !ok || claim.RequesterID != requesterID {
		return claim, false
	}
	delete(t.claims, channelID)
	return claim, t.now().Before(claim.ExpiresAt)
}

// ApproveClaim is the owner accepting a pending claim
func (t *TempVoice) ApproveClaim(ctx context.Context, actorID, channelID, requesterID string) error {
	unlock := t.channelLocks.Lock(channelID)
	defer unlock()

	row, err := t.ownedChannel(ctx, actorID, channelID)
	if err != nil {
		return err
	}
	if _, ok := t.takeClaim(channelID, requesterID); !ok {
		return ErrClaimNotFound
	}
	if err = t.checkNewOwner(ctx, channelID, requesterID); err != nil {
		return err
	}
	return t.transferTo(ctx, row, requesterID, "claim approved")
}

// DenyClaim is the owner rejecting a pending claim
func (t *TempVoice) DenyClaim(ctx context.Context, actorID, channelID, requesterID string) error {
	unlock := t.channelLocks.Lock(channelID)
	defer unlock()

	if _, err := t.ownedChannel(ctx, actorID, channelID); err != nil {
		return err
	}
	if _, ok := t.takeClaim(channelID, requesterID); !ok {
		return ErrClaimNotFound
	}
	return nil
}

// ActiveChannels returns the guild's tracked temp channels
func (t *TempVoice) ActiveChannels(ctx context.Context) ([]TempChannel, error) {
	return t.store.ListChannels(ctx, t.guildID)
}

// Occupants returns the human members connected to the channel
func (t *TempVoice) Occupants(channelID string) []string {
	return t.humans(channelID)
}
