package hearth

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testGuildID        = "guild1"
	testCreatorChannel = "creator"
	testCategoryID     = "category"
	testModRoleID      = "mod"
	testBoosterRoleID  = "booster"
	testSuperOwnerID   = "super"
	testBirthdayRoleID = "bday"
)

func DefaultTestConfig(t testing.TB) *Config {
	tmpdir := t.TempDir()
	cfg := DefaultConfig()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	cfg.DatabaseType = dbTypeSQLite
	cfg.Database = filepath.Join(tmpdir, fmt.Sprintf("%s.sqlite3", name))
	cfg.StartupTimeout = 5 * time.Second
	cfg.ShutdownTimeout = 10 * time.Second
	cfg.Development = true

	cfg.Discord.Token = "test-token"
	cfg.Discord.ApplicationID = "app1"
	cfg.Discord.GuildID = testGuildID
	cfg.Discord.ModRoleID = testModRoleID
	cfg.Discord.BoosterRoleID = testBoosterRoleID
	cfg.Discord.SuperOwnerID = testSuperOwnerID
	cfg.Discord.RegisterCommands = false

	cfg.TempVoice.CreatorChannelID = testCreatorChannel
	cfg.TempVoice.CategoryID = testCategoryID
	cfg.TempVoice.CreateCooldown = 0
	cfg.TempVoice.TransferDelay = time.Hour
	cfg.TempVoice.SweepInterval = 0
	cfg.TempVoice.DefaultLocked = false

	cfg.Birthday.RoleID = testBirthdayRoleID

	cfg.API.Listen = "127.0.0.1:0"
	cfg.API.CORS.AllowOrigins = []string{"*"}
	cfg.API.AdminUsername = "admin"

	logLevel := slog.LevelWarn
	cfg.LogLevel.Set(logLevel)
	cfg.Discord.LogLevel.Set(logLevel)
	cfg.Discord.DiscordGoLogLevel.Set(logLevel)
	cfg.DatabaseLogLevel.Set(logLevel)
	cfg.TempVoice.LogLevel.Set(logLevel)
	cfg.XP.LogLevel.Set(logLevel)
	cfg.API.LogLevel.Set(logLevel)

	return cfg
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestStore returns a store backed by a fresh SQLite database
func newTestStore(t testing.TB) *Store {
	t.Helper()
	cfg := DefaultTestConfig(t)
	db, err := CreateDB(context.Background(), cfg.DatabaseType, cfg.Database)
	require.NoError(t, err)
	t.Cleanup(
		func() {
			if sqlDB, e := db.DB(); e == nil {
				_ = sqlDB.Close()
			}
		},
	)
	return NewStore(NewDatabase(db, testLogger(), false), dbTypeSQLite, testLogger())
}

// newTestBot builds a bot with every service initialized over a mock
// session, without connecting to discord
func newTestBot(t testing.TB) (*Bot, *mockDiscordSession) {
	t.Helper()
	return newTestBotWithConfig(t, DefaultTestConfig(t))
}

func newTestBotWithConfig(t testing.TB, cfg *Config) (*Bot, *mockDiscordSession) {
	t.Helper()
	session := newMockDiscordSession(cfg.Discord.GuildID)
	session.addChannel(cfg.TempVoice.CreatorChannelID, "➕ Create a channel")

	b, err := New(cfg)
	require.NoError(t, err)
	b.discord.session = session
	require.NoError(t, b.initRun(context.Background()))
	t.Cleanup(
		func() {
			if sqlDB, e := b.db.DB(); e == nil {
				_ = sqlDB.Close()
			}
		},
	)
	return b, session
}

func TestDefaultTestConfigValid(t *testing.T) {
	t.Parallel()
	cfg := DefaultTestConfig(t)
	require.NoError(t, structValidator.Struct(cfg))
}

func TestConfigValidation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{
			name:   "missing_token",
			modify: func(c *Config) { c.Discord.Token = "" },
		},
		{
			name:   "missing_guild",
			modify: func(c *Config) { c.Discord.GuildID = "" },
		},
		{
			name:   "bad_database_type",
			modify: func(c *Config) { c.DatabaseType = "mysql" },
		},
		{
			name: "message_max_below_min",
			modify: func(c *Config) {
				c.XP.MessageMin = 20
				c.XP.MessageMax = 10
			},
		},
		{
			name:   "bad_role_rewards",
			modify: func(c *Config) { c.XP.RoleRewards = []string{"five:123"} },
		},
		{
			name:   "duplicate_reward_level",
			modify: func(c *Config) { c.XP.RoleRewards = []string{"5:1", "5:2"} },
		},
		{
			name:   "bad_level_perks",
			modify: func(c *Config) { c.XP.LevelPerks = []string{"no separator"} },
		},
		{
			name:   "booster_multiplier_below_one",
			modify: func(c *Config) { c.XP.BoosterMultiplier = 0.5 },
		},
		{
			name:   "afk_reason_too_long",
			modify: func(c *Config) { c.AFK.ReasonMaxLength = 1000 },
		},
		{
			name:   "voice_interval_too_short",
			modify: func(c *Config) { c.XP.VoiceInterval = time.Millisecond },
		},
		{
			name:   "bad_listen_network",
			modify: func(c *Config) { c.API.ListenNetwork = "udp" },
		},
	}
	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				t.Parallel()
				cfg := DefaultTestConfig(t)
				tc.modify(cfg)
				assert.Error(t, structValidator.Struct(cfg))
			},
		)
	}
}

func TestConfigEnabled(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	assert.False(t, cfg.TempVoice.Enabled())
	assert.False(t, cfg.Birthday.Enabled())
	assert.False(t, cfg.API.SSL.enabled())

	cfg.TempVoice.CreatorChannelID = "123"
	cfg.Birthday.RoleID = "456"
	cfg.API.SSL = &SSLConfig{CertFile: "cert.pem"}
	assert.True(t, cfg.TempVoice.Enabled())
	assert.True(t, cfg.Birthday.Enabled())
	assert.False(t, cfg.API.SSL.enabled())

	cfg.API.SSL.KeyFile = "key.pem"
	assert.True(t, cfg.API.SSL.enabled())
}

func TestDefaultConfigCopiesSlices(t *testing.T) {
	t.Parallel()
	a := DefaultConfig()
	a.XP.LevelPerks[0] = "changed"
	a.API.CORS.AllowMethods[0] = "changed"

	b := DefaultConfig()
	assert.Equal(t, DefaultXPLevelPerks[0], b.XP.LevelPerks[0])
	assert.Equal(t, DefaultCORSAllowMethods[0], b.API.CORS.AllowMethods[0])
}

func TestConfigLogValueRedacted(t *testing.T) {
	t.Parallel()
	cfg := DefaultTestConfig(t)
	cfg.API.AdminPasswordHash = "$argon2id$secret"

	var sb strings.Builder
	logger := slog.New(slog.NewJSONHandler(&sb, nil))
	logger.Info("config", "config", cfg)

	out := sb.String()
	assert.NotContains(t, out, "test-token")
	assert.NotContains(t, out, "$argon2id$secret")
	assert.Contains(t, out, testGuildID)
}
