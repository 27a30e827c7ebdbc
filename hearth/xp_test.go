package hearth

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type xpTestEnv struct {
	xp      *XPEngine
	store   *Store
	session *mockDiscordSession
	now     *time.Time
}

func newTestXP(t *testing.T, modify ...func(*Config)) *xpTestEnv {
	t.Helper()
	cfg := DefaultTestConfig(t)
	cfg.XP.RoleRewards = []string{"10:r10", "5:r5", "20:r20"}
	cfg.XP.LevelPerks = []string{"5:Custom colors", "20:Image embeds"}
	for _, fn := range modify {
		fn(cfg)
	}
	store := newTestStore(t)
	session := newMockDiscordSession(testGuildID)
	for _, r := range []string{"r5", "r10", "r20"} {
		session.addRole(r)
	}

	x, err := NewXPEngine(cfg, session, store, testLogger())
	require.NoError(t, err)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	x.now = func() time.Time { return now }
	x.randN = func(int64) int64 { return 0 }
	return &xpTestEnv{xp: x, store: store, session: session, now: &now}
}

func (e *xpTestEnv) advance(d time.Duration) {
	*e.now = e.now.Add(d)
}

func (e *xpTestEnv) message(userID, channelID, content string, member *discordgo.Member) *discordgo.MessageCreate {
	return &discordgo.MessageCreate{
		Message: &discordgo.Message{
			ChannelID: channelID,
			GuildID:   testGuildID,
			Author:    &discordgo.User{ID: userID},
			Content:   content,
			Member:    member,
		},
	}
}

func (e *xpTestEnv) xpOf(t *testing.T, userID string) UserXP {
	t.Helper()
	row, err := e.store.GetUserXP(context.Background(), userID, testGuildID)
	require.NoError(t, err)
	return row
}

const (
	messageXP int64 = DefaultXPMessageMin
	voiceXP   int64 = DefaultXPVoicePerMinute
)

type stubBirthdayBonus map[string]bool

func (s stubBirthdayBonus) IsBirthdayActive(_ context.Context, userID string) bool {
	return s[userID]
}

func TestParseRoleRewards(t *testing.T) {
	t.Parallel()
	rewards, err := ParseRoleRewards([]string{"20:c", " 5 : a ", "10:b"})
	require.NoError(t, err)
	assert.Equal(
		t,
		[]RoleReward{{Level: 5, RoleID: "a"}, {Level: 10, RoleID: "b"}, {Level: 20, RoleID: "c"}},
		rewards,
	)

	for _, bad := range [][]string{
		{"5"},
		{"x:role"},
		{"0:role"},
		{"5:"},
		{"5:a", "5:b"},
	} {
		_, err = ParseRoleRewards(bad)
		assert.Error(t, err, "%v", bad)
	}

	rewards, err = ParseRoleRewards(nil)
	require.NoError(t, err)
	assert.Empty(t, rewards)
}

func TestXPTierReconciliation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestXP(t)
	env.session.addMember("alice")

	_, err := env.xp.SetXP(ctx, "alice", XPForLevel(3))
	require.NoError(t, err)
	assert.Empty(t, env.session.memberRoles("alice"))

	// one grant jumps from level 3 to 22
	row, err := env.xp.AddBonus(ctx, "alice", XPForLevel(22)-XPForLevel(3))
	require.NoError(t, err)
	assert.Equal(t, 22, row.Level)
	assert.Equal(t, []string{"r20"}, env.session.memberRoles("alice"), "only the highest tier is held")

	select {
	case n := <-env.xp.Notices():
		assert.Equal(t, "alice", n.UserID)
		assert.Equal(t, 3, n.OldLevel)
		assert.Equal(t, 22, n.NewLevel)
		assert.Equal(t, []string{"r20"}, n.RolesAdded)
		assert.Equal(t, []string{"Custom colors", "Image embeds"}, n.Perks)
	default:
		t.Fatal("expected a level-up notice")
	}

	// lowering XP swaps the tier down, without a notice
	row, err = env.xp.SetXP(ctx, "alice", XPForLevel(6))
	require.NoError(t, err)
	assert.Equal(t, 6, row.Level)
	assert.Equal(t, []string{"r5"}, env.session.memberRoles("alice"))
	assert.Empty(t, env.xp.Notices())
}

func TestXPTierStaleRolesRemoved(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestXP(t)
	env.session.addMember("alice", withRoles("r5", "r20", "unrelated"))

	_, err := env.xp.AddBonus(ctx, "alice", XPForLevel(11))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"unrelated", "r10"}, env.session.memberRoles("alice"))
}

func TestXPLevelUpWithoutNewRole(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestXP(t)
	env.session.addMember("alice")

	// level 1, below the first tier
	row, err := env.xp.AddBonus(ctx, "alice", XPForLevel(1))
	require.NoError(t, err)
	assert.Equal(t, 1, row.Level)
	assert.Empty(t, env.xp.Notices())

	// a missing tier role is skipped
	env.session.mu.Lock()
	delete(env.session.roles, "r5")
	env.session.mu.Unlock()
	_, err = env.xp.AddBonus(ctx, "alice", XPForLevel(5))
	require.NoError(t, err)
	assert.Empty(t, env.session.memberRoles("alice"))
	assert.Empty(t, env.xp.Notices())
}

func TestXPSuperOwnerExempt(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestXP(t)
	env.session.addMember(testSuperOwnerID)

	row, err := env.xp.AddBonus(ctx, testSuperOwnerID, XPForLevel(25))
	require.NoError(t, err)
	assert.Equal(t, 25, row.Level)
	assert.Empty(t, env.session.memberRoles(testSuperOwnerID))
	assert.Zero(t, env.session.callCount("GuildMemberRoleAdd"))
}

func TestXPConcurrentGrants(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestXP(t)
	env.session.addMember("alice")

	var wg sync.WaitGroup
	for range 25 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.xp.AddBonus(ctx, "alice", 40)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	row := env.xpOf(t, "alice")
	assert.Equal(t, int64(1000), row.XP)
	assert.Equal(t, LevelFromXP(1000), row.Level)
	assert.Empty(t, env.session.memberRoles("alice"), "level 4 is below the first tier")
}

func TestXPMessageCooldown(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestXP(t)
	env.session.addMember("alice")

	env.xp.HandleMessage(ctx, env.message("alice", "general", "hello there", nil))
	assert.Equal(t, messageXP, env.xpOf(t, "alice").XP)

	env.xp.HandleMessage(ctx, env.message("alice", "general", "another one", nil))
	assert.Equal(t, messageXP, env.xpOf(t, "alice").XP, "on cooldown")

	env.advance(DefaultXPMessageCooldown - time.Nanosecond)
	env.xp.HandleMessage(ctx, env.message("alice", "general", "still waiting", nil))
	assert.Equal(t, messageXP, env.xpOf(t, "alice").XP)

	env.advance(time.Nanosecond)
	env.xp.HandleMessage(ctx, env.message("alice", "general", "now it counts", nil))
	row := env.xpOf(t, "alice")
	assert.Equal(t, 2*messageXP, row.XP)
	assert.Equal(t, int64(2), row.TotalMessages)
}

func TestXPMessageDuplicate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestXP(t)
	env.session.addMember("alice")

	env.xp.HandleMessage(ctx, env.message("alice", "general", "gm", nil))
	env.advance(DefaultXPMessageCooldown)
	env.xp.HandleMessage(ctx, env.message("alice", "general", "  GM ", nil))
	assert.Equal(t, messageXP, env.xpOf(t, "alice").XP, "repeat message earns nothing")

	env.advance(DefaultXPMessageCooldown)
	env.xp.HandleMessage(ctx, env.message("alice", "general", "good morning", nil))
	assert.Equal(t, 2*messageXP, env.xpOf(t, "alice").XP)
}

// slowBirthdayBonus stalls the grant path after the cooldown check
type slowBirthdayBonus struct {
	calls atomic.Int32
}

func (s *slowBirthdayBonus) IsBirthdayActive(context.Context, string) bool {
	s.calls.Add(1)
	time.Sleep(20 * time.Millisecond)
	return false
}

func TestXPMessageCooldownConcurrent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestXP(t)
	env.session.addMember("alice")
	bonus := &slowBirthdayBonus{}
	env.xp.SetBirthdayBonus(bonus)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			env.xp.HandleMessage(ctx, env.message("alice", "general", fmt.Sprintf("message %d", i), nil))
		}(i)
	}
	close(start)
	wg.Wait()

	row := env.xpOf(t, "alice")
	assert.Equal(t, int32(1), bonus.calls.Load(), "only one message gets past the cooldown")
	assert.Equal(t, int64(1), row.TotalMessages)
	assert.Equal(t, messageXP, row.XP)
}

func TestXPMessageIgnored(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestXP(
		t, func(c *Config) {
			c.XP.IgnoredChannelIDs = []string{"spam"}
		},
	)

	env.xp.HandleMessage(ctx, env.message("alice", "spam", "hello", nil))
	env.xp.HandleMessage(ctx, env.message("alice", "general", "/rank", nil))
	botMsg := env.message("bot1", "general", "beep", nil)
	botMsg.Author.Bot = true
	env.xp.HandleMessage(ctx, botMsg)
	other := env.message("alice", "general", "hi", nil)
	other.GuildID = "elsewhere"
	env.xp.HandleMessage(ctx, other)

	assert.Zero(t, env.xpOf(t, "alice").XP)
	assert.Zero(t, env.xpOf(t, "bot1").XP)
}

func TestXPMultipliers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestXP(t)
	env.xp.SetBirthdayBonus(stubBirthdayBonus{"carol": true, "dave": true})

	booster := &discordgo.Member{Roles: []string{testBoosterRoleID}}
	env.xp.HandleMessage(ctx, env.message("bob", "general", "hi", booster))
	assert.Equal(t, 2*messageXP, env.xpOf(t, "bob").XP)

	env.xp.HandleMessage(ctx, env.message("carol", "general", "hi", &discordgo.Member{}))
	assert.Equal(t, 3*messageXP, env.xpOf(t, "carol").XP)

	env.xp.HandleMessage(ctx, env.message("dave", "general", "hi", booster))
	assert.Equal(t, 6*messageXP, env.xpOf(t, "dave").XP, "multipliers stack")
}

func TestXPVoiceTick(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestXP(
		t, func(c *Config) {
			c.XP.MaxMuteDuration = 2 * time.Minute
		},
	)
	s := env.session
	s.mu.Lock()
	s.guild.AfkChannelID = "afk"
	s.mu.Unlock()

	for _, id := range []string{"alice", "bob", "carol", "dave", "erin", "frank"} {
		s.addMember(id)
	}
	s.addMember("music", asBot())
	s.setVoice("alice", "vc1")
	s.setVoice("bob", "vc1")
	s.setVoice("frank", "vc1")
	s.updateVoice("frank", func(vs *discordgo.VoiceState) { vs.Deaf = true })
	s.setVoice("carol", "vc2")
	s.setVoice("music", "vc2")
	s.setVoice("dave", "afk")
	s.setVoice("erin", "afk")

	// sessions start on the first tick
	assert.Zero(t, env.xp.VoiceTick(ctx))

	env.advance(DefaultXPVoiceInterval)
	assert.Equal(t, 2, env.xp.VoiceTick(ctx))
	alice := env.xpOf(t, "alice")
	assert.Equal(t, voiceXP, alice.XP)
	assert.Equal(t, int64(1), alice.VoiceMinutes)
	assert.Equal(t, voiceXP, env.xpOf(t, "bob").XP)
	assert.Zero(t, env.xpOf(t, "carol").XP, "alone with a bot")
	assert.Zero(t, env.xpOf(t, "dave").XP, "afk channel")
	assert.Zero(t, env.xpOf(t, "frank").XP, "deafened")

	// muted members earn until the mute limit passes
	s.updateVoice("alice", func(vs *discordgo.VoiceState) { vs.SelfMute = true })
	env.advance(DefaultXPVoiceInterval)
	assert.Equal(t, 2, env.xp.VoiceTick(ctx))

	env.advance(3 * time.Minute)
	assert.Equal(t, 1, env.xp.VoiceTick(ctx))
	assert.Equal(t, 2*voiceXP, env.xpOf(t, "alice").XP)

	// switching channels restarts the session
	s.setVoice("bob", "vc2")
	env.advance(time.Second)
	env.xp.VoiceTick(ctx)
	env.xp.mu.Lock()
	sess := env.xp.voiceSessions["bob"]
	env.xp.mu.Unlock()
	require.NotNil(t, sess)
	assert.Equal(t, "vc2", sess.ChannelID)
	assert.Equal(t, *env.now, sess.Start)

	// disconnected members lose their session
	s.setVoice("carol", "")
	env.xp.VoiceTick(ctx)
	env.xp.mu.Lock()
	_, ok := env.xp.voiceSessions["carol"]
	env.xp.mu.Unlock()
	assert.False(t, ok)
}

func TestXPVoiceTickJitter(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestXP(t)
	s := env.session
	s.addMember("alice")
	s.addMember("bob")
	s.setVoice("alice", "vc1")
	s.setVoice("bob", "vc1")

	require.Zero(t, env.xp.VoiceTick(ctx))

	// the first tick runs late, the second one on time
	env.advance(DefaultXPVoiceInterval + 5*time.Millisecond)
	assert.Equal(t, 2, env.xp.VoiceTick(ctx))
	env.advance(DefaultXPVoiceInterval - 4*time.Millisecond)
	assert.Equal(t, 2, env.xp.VoiceTick(ctx))
	assert.Equal(t, 2*voiceXP, env.xpOf(t, "alice").XP)

	// a skipped tick is caught up on the next one
	env.advance(2*DefaultXPVoiceInterval + time.Second)
	assert.Equal(t, 2, env.xp.VoiceTick(ctx))
	row := env.xpOf(t, "alice")
	assert.Equal(t, 4*voiceXP, row.XP)
	assert.Equal(t, int64(4), row.VoiceMinutes)

	// time spent alone doesn't count
	s.setVoice("bob", "")
	env.advance(DefaultXPVoiceInterval)
	assert.Zero(t, env.xp.VoiceTick(ctx))
	s.setVoice("bob", "vc1")
	env.advance(time.Second)
	assert.Zero(t, env.xp.VoiceTick(ctx))
	env.advance(DefaultXPVoiceInterval)
	assert.Equal(t, 2, env.xp.VoiceTick(ctx))
	assert.Equal(t, 5*voiceXP, env.xpOf(t, "alice").XP)
}

func TestXPTrackVoice(t *testing.T) {
	t.Parallel()
	env := newTestXP(t)

	env.xp.TrackVoice("alice", "vc1")
	start := *env.now
	env.advance(time.Minute)
	env.xp.TrackVoice("alice", "vc1")
	env.xp.mu.Lock()
	assert.Equal(t, start, env.xp.voiceSessions["alice"].Start)
	env.xp.mu.Unlock()

	env.xp.TrackVoice("alice", "")
	env.xp.mu.Lock()
	assert.NotContains(t, env.xp.voiceSessions, "alice")
	env.xp.mu.Unlock()
}

func TestXPMemberLeaveAndRejoin(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestXP(t)
	env.session.addMember("alice")

	_, _, err := env.store.SetXP(ctx, "alice", testGuildID, XPForLevel(12))
	require.NoError(t, err)

	env.xp.HandleMemberRemove(ctx, "alice")
	assert.False(t, env.xpOf(t, "alice").Active)
	board, err := env.xp.Leaderboard(ctx, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, board)

	env.xp.HandleMemberAdd(ctx, "alice")
	assert.True(t, env.xpOf(t, "alice").Active)
	assert.ElementsMatch(t, []string{"r5", "r10"}, env.session.memberRoles("alice"))

	// new members get an empty record and no roles
	env.session.addMember("newbie")
	env.xp.HandleMemberAdd(ctx, "newbie")
	assert.Empty(t, env.session.memberRoles("newbie"))
	rows, err := env.store.ListActiveXP(ctx, testGuildID)
	require.NoError(t, err)
	var ids []string
	for _, r := range rows {
		ids = append(ids, r.UserID)
	}
	assert.Contains(t, ids, "newbie")
}

func TestXPSyncRoles(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestXP(t)
	env.session.addMember("alice", withRoles("r5"))
	env.session.addMember("bob", withRoles("r20"))

	for user, level := range map[string]int{"alice": 12, "bob": 7, "gone": 30} {
		_, _, err := env.store.SetXP(ctx, user, testGuildID, XPForLevel(level))
		require.NoError(t, err)
	}

	synced, err := env.xp.SyncRoles(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, synced)
	assert.Equal(t, []string{"r10"}, env.session.memberRoles("alice"))
	assert.Equal(t, []string{"r5"}, env.session.memberRoles("bob"))
	assert.False(t, env.xpOf(t, "gone").Active)
}

func TestXPSyncRolesRepairsStaleLevel(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestXP(t)
	env.session.addMember("alice", withRoles("r20"))

	_, _, err := env.store.SetXP(ctx, "alice", testGuildID, XPForLevel(11))
	require.NoError(t, err)
	require.NoError(
		t,
		env.store.db.DB().Model(&UserXP{}).Where("user_id = ?", "alice").Update(columnLevel, 25).Error,
	)

	synced, err := env.xp.SyncRoles(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, synced)
	assert.Equal(t, 11, env.xpOf(t, "alice").Level)
	assert.Equal(t, []string{"r10"}, env.session.memberRoles("alice"))
}

func TestXPRankInfo(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestXP(t)

	for user, xp := range map[string]int64{"alice": 500, "bob": 1500, "carol": 191} {
		_, _, err := env.store.SetXP(ctx, user, testGuildID, xp)
		require.NoError(t, err)
	}
	info, err := env.xp.RankInfo(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, int64(3), info.Rank)
	assert.Equal(t, 1, info.Level)
	assert.Equal(t, int64(91), info.Progress.Into)

	info, err = env.xp.RankInfo(ctx, "nobody")
	require.NoError(t, err)
	assert.Zero(t, info.XP)
	assert.Equal(t, int64(4), info.Rank)
}

func TestXPLevelUpNotifications(t *testing.T) {
	t.Parallel()
	env := newTestXP(
		t, func(c *Config) {
			c.XP.LevelUpDM = true
		},
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.session.addMember("alice")

	_, err := env.xp.AddBonus(ctx, "alice", 12345)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		env.xp.RunNotifications(ctx)
	}()
	require.Eventually(
		t, func() bool {
			return len(env.session.sentTo("dm_alice")) == 1
		}, time.Second, 5*time.Millisecond,
	)
	cancel()
	<-done

	msg := env.session.sentTo("dm_alice")[0].Content
	assert.Contains(t, msg, "level 24")
	assert.Contains(t, msg, "12,345 XP")
	assert.Contains(t, msg, "1st on the leaderboard")
	assert.Contains(t, msg, "<@&r20>")
	assert.Contains(t, msg, "Image embeds")
}

func TestXPPruneCooldowns(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestXP(t)
	env.xp.HandleMessage(ctx, env.message("alice", "general", "one", nil))
	env.xp.HandleMessage(ctx, env.message("bob", "general", "two", nil))
	assert.Zero(t, env.xp.PruneCooldowns())
	env.advance(DefaultXPMessageCooldown)
	assert.Equal(t, 2, env.xp.PruneCooldowns())
}
