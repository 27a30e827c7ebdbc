//nolint:lll // struct tags can't be split
package hearth

import (
	"crypto/tls"
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"github.com/go-playground/validator/v10"
)

const (
	EnvvarSetEnvPrefix    = "HEARTH_ENV_PREFIX"
	DefaultEnvPrefix      = "HEARTH"
	DefaultDatabaseType   = "sqlite"
	DefaultDatabase       = "hearth.sqlite3"
	DefaultLogLevel       = slog.LevelInfo
	DefaultStartupTimeout = 30 * time.Second

	DefaultShutdownTimeout = 60 * time.Second

	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second

	DefaultDiscordGatewayIntent = discordgo.IntentGuilds |
		discordgo.IntentGuildMembers |
		discordgo.IntentGuildVoiceStates |
		discordgo.IntentGuildMessages |
		discordgo.IntentMessageContent
	DefaultDiscordLogLevel     = slog.LevelWarn
	DefaultDiscordgoLogLevel   = slog.LevelWarn
	DefaultDiscordCustomStatus = "Join a voice channel!"
	DefaultDiscordErrorMessage = "sorry, something went wrong!"
	discordMaxMessageLength    = 2000
	discordMaxButtonsPerRow    = 5

	DefaultTempVoiceLogLevel        = slog.LevelInfo
	DefaultTempVoiceCreateCooldown  = 5 * time.Second
	DefaultTempVoiceTransferDelay   = 30 * time.Second
	DefaultTempVoiceClaimTimeout    = 300 * time.Second
	DefaultTempVoiceSweepInterval   = 5 * time.Minute
	DefaultTempVoiceStickyThreshold = 20
	DefaultTempVoiceDefaultLocked   = true

	DefaultXPLogLevel               = slog.LevelInfo
	DefaultXPMessageMin             = 15
	DefaultXPMessageMax             = 25
	DefaultXPVoicePerMinute         = 5
	DefaultXPMessageCooldown        = 60 * time.Second
	DefaultXPVoiceInterval          = 60 * time.Second
	DefaultXPBoosterMultiplier      = 2.0
	DefaultXPBirthdayMultiplier     = 3.0
	DefaultXPMaxMuteDuration        = time.Hour
	DefaultXPCooldownPruneThreshold = 500
	DefaultXPRoleSyncInterval       = 24 * time.Hour

	DefaultAFKReasonMaxLength  = 100
	DefaultAFKReplyDeleteAfter = 10 * time.Second

	DefaultGiveawayCheckInterval = 30 * time.Second

	DefaultBirthdayCheckInterval = time.Hour
	DefaultBirthdayRoleDuration  = 24 * time.Hour

	DefaultAPIListen               = "127.0.0.1:5000"
	DefaultAPILogLevel             = slog.LevelInfo
	DefaultAPITLSMinVersion        = tls.VersionTLS12
	DefaultAPICORSAllowCredentials = true
	DefaultAPIAdminUsername        = "admin"
	DefaultAPIRequestsPerSecond    = 20

	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultDatabaseLogLevel      = slog.LevelInfo
	defaultListenNetwork         = "tcp"
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodPut,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		"Cache-Control",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		xRequestIDHeader,
	}
	DefaultCORSMaxAge = 12 * time.Hour

	// DefaultXPRoleRewards is empty: tier roles are server specific.
	DefaultXPRoleRewards = []string{}

	DefaultXPLevelPerks = []string{
		"1:Connect to voice channels",
		"5:Attach files, embed links",
		"10:Use external emojis",
		"20:Use external stickers",
		"30:Change your nickname",
	}
)

var structValidator = validator.New()

type Config struct {
	// Database connection string, or SQLite file path
	Database string `yaml:"database" mapstructure:"database" json:"database" log:"[redacted]" binding:"required"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// initialize. If this is passed, the bot will abort startup.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After this
	// elapses, the bot will force close all connections and exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// Development enables pprof endpoints and permissive CORS
	Development bool `yaml:"development" mapstructure:"development" json:"development"`

	Discord   *DiscordConfig   `yaml:"discord" mapstructure:"discord" json:"discord" binding:"required"`
	TempVoice *TempVoiceConfig `yaml:"tempvoice" mapstructure:"tempvoice" json:"tempvoice" binding:"required"`
	XP        *XPConfig        `yaml:"xp" mapstructure:"xp" json:"xp" binding:"required"`
	AFK       *AFKConfig       `yaml:"afk" mapstructure:"afk" json:"afk" binding:"required"`
	Giveaway  *GiveawayConfig  `yaml:"giveaway" mapstructure:"giveaway" json:"giveaway" binding:"required"`
	Birthday  *BirthdayConfig  `yaml:"birthday" mapstructure:"birthday" json:"birthday" binding:"required"`
	API       *APIConfig       `yaml:"api" mapstructure:"api" json:"api" binding:"required"`

	HTTPClient *http.Client `mapstructure:"-" json:"-" log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// DiscordConfig configures the discord bot itself.
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID, used when registering slash commands
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id"`

	// GuildID is the single guild the bot serves. Events from other guilds
	// are ignored.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id" binding:"required"`

	// SuperOwnerID is exempt from role rewards, may block moderators and
	// never receives moderator overwrites on their channels.
	SuperOwnerID string `yaml:"super_owner_id" mapstructure:"super_owner_id" json:"super_owner_id"`

	// ModRoleID is the moderator-equivalent role
	ModRoleID string `yaml:"mod_role_id" mapstructure:"mod_role_id" json:"mod_role_id"`

	// BoosterRoleID counts as booster status in addition to premium subscribers
	BoosterRoleID string `yaml:"booster_role_id" mapstructure:"booster_role_id" json:"booster_role_id"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	// CustomStatus is set as the bot's status once connected
	CustomStatus string `yaml:"custom_status" mapstructure:"custom_status" json:"custom_status"`

	// RegisterCommands overwrites the guild's slash commands on startup
	RegisterCommands bool `yaml:"register_commands" mapstructure:"register_commands" json:"register_commands"`
}

// TempVoiceConfig configures temporary voice channels. TempVoice is
// disabled when CreatorChannelID is empty.
type TempVoiceConfig struct {
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Joining this voice channel provisions a new temporary channel
	CreatorChannelID string `yaml:"creator_channel_id" mapstructure:"creator_channel_id" json:"creator_channel_id"`

	// New channels are created under this category
	CategoryID string `yaml:"category_id" mapstructure:"category_id" json:"category_id"`

	// Voice channels the lifecycle manager never touches
	IgnoredChannelIDs []string `yaml:"ignored_channel_ids" mapstructure:"ignored_channel_ids" json:"ignored_channel_ids"`

	// Channels the sweep must never delete, even if tracked and empty
	ProtectedChannelIDs []string `yaml:"protected_channel_ids" mapstructure:"protected_channel_ids" json:"protected_channel_ids"`

	// Minimum time between channel creations for the same member
	CreateCooldown time.Duration `yaml:"create_cooldown" mapstructure:"create_cooldown" json:"create_cooldown" binding:"min=0"`

	// Grace period before ownership transfers away from an absent owner
	TransferDelay time.Duration `yaml:"transfer_delay" mapstructure:"transfer_delay" json:"transfer_delay" binding:"min=0"`

	// How long a claim request waits for the owner's approval
	ClaimTimeout time.Duration `yaml:"claim_timeout" mapstructure:"claim_timeout" json:"claim_timeout" binding:"min=0"`

	// Interval of the reconciliation sweep. 0 disables it.
	SweepInterval time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval" json:"sweep_interval" binding:"min=0"`

	// Chat messages in a channel before its panel is re-sent at the bottom.
	// 0 disables re-sending.
	StickyThreshold int `yaml:"sticky_threshold" mapstructure:"sticky_threshold" json:"sticky_threshold" binding:"min=0"`

	// New channels start locked unless the owner saved another default
	DefaultLocked bool `yaml:"default_locked" mapstructure:"default_locked" json:"default_locked"`
}

func (c TempVoiceConfig) Enabled() bool {
	return c.CreatorChannelID != ""
}

// XPConfig configures the XP/leveling engine.
type XPConfig struct {
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	MessageMin int64 `yaml:"message_min" mapstructure:"message_min" json:"message_min" binding:"min=0"`
	MessageMax int64 `yaml:"message_max" mapstructure:"message_max" json:"message_max" binding:"gtefield=MessageMin"`

	// Flat XP awarded per voice interval
	VoicePerMinute int64 `yaml:"voice_per_minute" mapstructure:"voice_per_minute" json:"voice_per_minute" binding:"min=0"`

	MessageCooldown time.Duration `yaml:"message_cooldown" mapstructure:"message_cooldown" json:"message_cooldown" binding:"min=0"`
	VoiceInterval   time.Duration `yaml:"voice_interval" mapstructure:"voice_interval" json:"voice_interval" binding:"min=1s"`

	BoosterMultiplier  float64 `yaml:"booster_multiplier" mapstructure:"booster_multiplier" json:"booster_multiplier" binding:"min=1"`
	BirthdayMultiplier float64 `yaml:"birthday_multiplier" mapstructure:"birthday_multiplier" json:"birthday_multiplier" binding:"min=1"`

	// Members muted longer than this stop earning voice XP
	MaxMuteDuration time.Duration `yaml:"max_mute_duration" mapstructure:"max_mute_duration" json:"max_mute_duration"`

	// Channels that never earn message or voice XP
	IgnoredChannelIDs []string `yaml:"ignored_channel_ids" mapstructure:"ignored_channel_ids" json:"ignored_channel_ids"`

	// Level to role mapping, as "level:role_id" pairs
	RoleRewards []string `yaml:"role_rewards" mapstructure:"role_rewards" json:"role_rewards"`

	// Perk descriptions sent in level-up messages, as "level:text" pairs
	LevelPerks []string `yaml:"level_perks" mapstructure:"level_perks" json:"level_perks"`

	// The message cooldown cache is pruned once it grows past this size
	CooldownPruneThreshold int `yaml:"cooldown_prune_threshold" mapstructure:"cooldown_prune_threshold" json:"cooldown_prune_threshold" binding:"min=1"`

	// Interval for re-syncing tier roles of all members. 0 only syncs on startup.
	RoleSyncInterval time.Duration `yaml:"role_sync_interval" mapstructure:"role_sync_interval" json:"role_sync_interval" binding:"min=0"`

	// Send level-up DMs when a new tier role is granted
	LevelUpDM bool `yaml:"level_up_dm" mapstructure:"level_up_dm" json:"level_up_dm"`
}

func validateXPConfig(sl validator.StructLevel) {
	c, ok := sl.Current().Interface().(XPConfig)
	if !ok {
		return
	}
	if _, err := ParseRoleRewards(c.RoleRewards); err != nil {
		sl.ReportError(c.RoleRewards, "RoleRewards", "role_rewards", "level_role_pairs", "")
	}
	if _, err := parseLevelPerks(c.LevelPerks); err != nil {
		sl.ReportError(c.LevelPerks, "LevelPerks", "level_perks", "level_text_pairs", "")
	}
}

type AFKConfig struct {
	ReasonMaxLength  int           `yaml:"reason_max_length" mapstructure:"reason_max_length" json:"reason_max_length" binding:"min=1,max=500"`
	ReplyDeleteAfter time.Duration `yaml:"reply_delete_after" mapstructure:"reply_delete_after" json:"reply_delete_after" binding:"min=0"`
}

type GiveawayConfig struct {
	// Role allowed to create/end/reroll/cancel giveaways, in addition to moderators
	ManagerRoleID string        `yaml:"manager_role_id" mapstructure:"manager_role_id" json:"manager_role_id"`
	CheckInterval time.Duration `yaml:"check_interval" mapstructure:"check_interval" json:"check_interval" binding:"min=1s"`
}

// BirthdayConfig configures birthday roles. Disabled when RoleID is empty.
type BirthdayConfig struct {
	RoleID            string        `yaml:"role_id" mapstructure:"role_id" json:"role_id"`
	AnnounceChannelID string        `yaml:"announce_channel_id" mapstructure:"announce_channel_id" json:"announce_channel_id"`
	CheckInterval     time.Duration `yaml:"check_interval" mapstructure:"check_interval" json:"check_interval" binding:"min=1s"`
	RoleDuration      time.Duration `yaml:"role_duration" mapstructure:"role_duration" json:"role_duration" binding:"min=1m"`
}

func (c BirthdayConfig) Enabled() bool {
	return c.RoleID != ""
}

// APIConfig configures the stats/admin API server
type APIConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"omitempty,oneof=tcp tcp4 tcp6 unix"`

	// Configuration for SSL/TLS. Plain HTTP is served when unset.
	SSL *SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// Username for HTTP Basic auth on admin endpoints
	AdminUsername string `yaml:"admin_username" mapstructure:"admin_username" json:"admin_username"`

	// Argon2id hash (see the hash-password command). Admin endpoints are
	// disabled when empty.
	AdminPasswordHash string `yaml:"admin_password_hash" mapstructure:"admin_password_hash" json:"admin_password_hash" log:"[redacted]"`

	// Sustained request rate allowed on public endpoints
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second" json:"requests_per_second" binding:"min=0"`

	ReadTimeout       time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"required_if=Enabled true"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout" binding:"required_if=Enabled true"`
	WriteTimeout      time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout" binding:"required_if=Enabled true"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout" binding:"required_if=Enabled true"`
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	// Path to an SSL certificate
	CertFile string `yaml:"cert_file" mapstructure:"cert_file" json:"cert_file"`

	// Path to an SSL cert key
	KeyFile string `yaml:"key_file" mapstructure:"key_file" json:"key_file"`

	// Minimum TLS version
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

func (s *SSLConfig) enabled() bool {
	return s != nil && s.CertFile != "" && s.KeyFile != ""
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	defaultMethods := make([]string, len(DefaultCORSAllowMethods))
	copy(defaultMethods, DefaultCORSAllowMethods)

	defaultHeaders := make([]string, len(DefaultCORSAllowHeaders))
	copy(defaultHeaders, DefaultCORSAllowHeaders)

	defaultExpose := make([]string, len(DefaultCORSExposeHeaders))
	copy(defaultExpose, DefaultCORSExposeHeaders)

	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     defaultMethods,
		AllowHeaders:     defaultHeaders,
		ExposeHeaders:    defaultExpose,
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}
	tempVoiceLogLevel := &slog.LevelVar{}
	xpLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)
	tempVoiceLogLevel.Set(DefaultTempVoiceLogLevel)
	xpLogLevel.Set(DefaultXPLogLevel)

	perks := make([]string, len(DefaultXPLevelPerks))
	copy(perks, DefaultXPLevelPerks)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
			CustomStatus:      DefaultDiscordCustomStatus,
			RegisterCommands:  true,
		},
		TempVoice: &TempVoiceConfig{
			LogLevel:        tempVoiceLogLevel,
			CreateCooldown:  DefaultTempVoiceCreateCooldown,
			TransferDelay:   DefaultTempVoiceTransferDelay,
			ClaimTimeout:    DefaultTempVoiceClaimTimeout,
			SweepInterval:   DefaultTempVoiceSweepInterval,
			StickyThreshold: DefaultTempVoiceStickyThreshold,
			DefaultLocked:   DefaultTempVoiceDefaultLocked,
		},
		XP: &XPConfig{
			LogLevel:               xpLogLevel,
			MessageMin:             DefaultXPMessageMin,
			MessageMax:             DefaultXPMessageMax,
			VoicePerMinute:         DefaultXPVoicePerMinute,
			MessageCooldown:        DefaultXPMessageCooldown,
			VoiceInterval:          DefaultXPVoiceInterval,
			BoosterMultiplier:      DefaultXPBoosterMultiplier,
			BirthdayMultiplier:     DefaultXPBirthdayMultiplier,
			MaxMuteDuration:        DefaultXPMaxMuteDuration,
			RoleRewards:            []string{},
			LevelPerks:             perks,
			CooldownPruneThreshold: DefaultXPCooldownPruneThreshold,
			RoleSyncInterval:       DefaultXPRoleSyncInterval,
			LevelUpDM:              true,
		},
		AFK: &AFKConfig{
			ReasonMaxLength:  DefaultAFKReasonMaxLength,
			ReplyDeleteAfter: DefaultAFKReplyDeleteAfter,
		},
		Giveaway: &GiveawayConfig{
			CheckInterval: DefaultGiveawayCheckInterval,
		},
		Birthday: &BirthdayConfig{
			CheckInterval: DefaultBirthdayCheckInterval,
			RoleDuration:  DefaultBirthdayRoleDuration,
		},
		API: &APIConfig{
			Enabled:           true,
			Listen:            DefaultAPIListen,
			ListenNetwork:     defaultListenNetwork,
			LogLevel:          apiLogLevel,
			AdminUsername:     DefaultAPIAdminUsername,
			RequestsPerSecond: DefaultAPIRequestsPerSecond,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			CORS:              DefaultCORSConfig(),
		},
	}
}

//nolint:gochecknoinits // gotta register the validators
func init() {
	structValidator.SetTagName("binding")
	structValidator.RegisterStructValidation(validateXPConfig, XPConfig{})
}
