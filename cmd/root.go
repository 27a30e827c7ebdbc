package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/hearthbot/hearth/hearth"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = hearth.DefaultConfig()
	configFile string
)

// logLevelKeys are config keys holding a *slog.LevelVar
var logLevelKeys = []string{
	"log_level",
	"database_log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"tempvoice.log_level",
	"xp.log_level",
	"api.log_level",
}

// sliceKeys are config keys holding space-separated lists when set
// via the environment
var sliceKeys = []string{
	"tempvoice.ignored_channel_ids",
	"tempvoice.protected_channel_ids",
	"xp.ignored_channel_ids",
	"xp.role_rewards",
	"xp.level_perks",
	"api.cors.allow_origins",
	"api.cors.allow_methods",
	"api.cors.allow_headers",
	"api.cors.expose_headers",
}

var rootCmd = &cobra.Command{
	Use:   "hearth [flags]",
	Short: "Discord community bot: temporary voice channels, XP and levels",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					mapstructure.StringToSliceHookFunc(" "),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
	return lvl, nil
}

// LevelToStringHookFunc decodes level names ("DEBUG", "warn") into
// *slog.LevelVar fields
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}
		if t.Elem() != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, err
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setDefaults() {
	viper.SetDefault("database", hearth.DefaultDatabase)
	viper.SetDefault("database_type", hearth.DefaultDatabaseType)
	viper.SetDefault("database_slow_threshold", hearth.DefaultDatabaseSlowThreshold)
	viper.SetDefault("database_log_level", hearth.DefaultDatabaseLogLevel.String())
	viper.SetDefault("development", false)
	viper.SetDefault("log_level", hearth.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", hearth.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", hearth.DefaultShutdownTimeout)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.super_owner_id", "")
	viper.SetDefault("discord.mod_role_id", "")
	viper.SetDefault("discord.booster_role_id", "")
	viper.SetDefault("discord.log_level", hearth.DefaultDiscordLogLevel.String())
	viper.SetDefault("discord.discordgo_log_level", hearth.DefaultDiscordgoLogLevel.String())
	viper.SetDefault("discord.gateway_intents", hearth.DefaultDiscordGatewayIntent)
	viper.SetDefault("discord.custom_status", hearth.DefaultDiscordCustomStatus)
	viper.SetDefault("discord.register_commands", true)

	// Temporary voice channels
	viper.SetDefault("tempvoice.log_level", hearth.DefaultTempVoiceLogLevel.String())
	viper.SetDefault("tempvoice.creator_channel_id", "")
	viper.SetDefault("tempvoice.category_id", "")
	viper.SetDefault("tempvoice.ignored_channel_ids", []string{})
	viper.SetDefault("tempvoice.protected_channel_ids", []string{})
	viper.SetDefault("tempvoice.create_cooldown", hearth.DefaultTempVoiceCreateCooldown)
	viper.SetDefault("tempvoice.transfer_delay", hearth.DefaultTempVoiceTransferDelay)
	viper.SetDefault("tempvoice.claim_timeout", hearth.DefaultTempVoiceClaimTimeout)
	viper.SetDefault("tempvoice.sweep_interval", hearth.DefaultTempVoiceSweepInterval)
	viper.SetDefault("tempvoice.sticky_threshold", hearth.DefaultTempVoiceStickyThreshold)
	viper.SetDefault("tempvoice.default_locked", hearth.DefaultTempVoiceDefaultLocked)

	// XP
	viper.SetDefault("xp.log_level", hearth.DefaultXPLogLevel.String())
	viper.SetDefault("xp.message_min", hearth.DefaultXPMessageMin)
	viper.SetDefault("xp.message_max", hearth.DefaultXPMessageMax)
	viper.SetDefault("xp.voice_per_minute", hearth.DefaultXPVoicePerMinute)
	viper.SetDefault("xp.message_cooldown", hearth.DefaultXPMessageCooldown)
	viper.SetDefault("xp.voice_interval", hearth.DefaultXPVoiceInterval)
	viper.SetDefault("xp.booster_multiplier", hearth.DefaultXPBoosterMultiplier)
	viper.SetDefault("xp.birthday_multiplier", hearth.DefaultXPBirthdayMultiplier)
	viper.SetDefault("xp.max_mute_duration", hearth.DefaultXPMaxMuteDuration)
	viper.SetDefault("xp.ignored_channel_ids", []string{})
	viper.SetDefault("xp.role_rewards", hearth.DefaultXPRoleRewards)
	viper.SetDefault("xp.level_perks", hearth.DefaultXPLevelPerks)
	viper.SetDefault("xp.cooldown_prune_threshold", hearth.DefaultXPCooldownPruneThreshold)
	viper.SetDefault("xp.role_sync_interval", hearth.DefaultXPRoleSyncInterval)
	viper.SetDefault("xp.level_up_dm", true)

	// AFK, giveaways, birthdays
	viper.SetDefault("afk.reason_max_length", hearth.DefaultAFKReasonMaxLength)
	viper.SetDefault("afk.reply_delete_after", hearth.DefaultAFKReplyDeleteAfter)
	viper.SetDefault("giveaway.manager_role_id", "")
	viper.SetDefault("giveaway.check_interval", hearth.DefaultGiveawayCheckInterval)
	viper.SetDefault("birthday.role_id", "")
	viper.SetDefault("birthday.announce_channel_id", "")
	viper.SetDefault("birthday.check_interval", hearth.DefaultBirthdayCheckInterval)
	viper.SetDefault("birthday.role_duration", hearth.DefaultBirthdayRoleDuration)

	// API config
	viper.SetDefault("api.enabled", true)
	viper.SetDefault("api.listen", hearth.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.log_level", hearth.DefaultAPILogLevel.String())
	viper.SetDefault("api.admin_username", hearth.DefaultAPIAdminUsername)
	viper.SetDefault("api.admin_password_hash", "")
	viper.SetDefault("api.requests_per_second", hearth.DefaultAPIRequestsPerSecond)
	viper.SetDefault("api.read_timeout", hearth.DefaultReadTimeout)
	viper.SetDefault("api.read_header_timeout", hearth.DefaultReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", hearth.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", hearth.DefaultIdleTimeout)

	// API: CORS config
	viper.SetDefault("api.cors.allow_headers", hearth.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.allow_methods", hearth.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.expose_headers", hearth.DefaultCORSExposeHeaders)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", hearth.DefaultCORSMaxAge)
	viper.SetDefault("api.cors.allow_credentials", hearth.DefaultAPICORSAllowCredentials)
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else if err := godotenv.Load(configFile); err != nil {
		log.Printf("unable to load %s: %v", configFile, err)
	}

	setDefaults()

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// API: SSL config has no defaults, so it must be bound explicitly
	fatalErr(viper.BindEnv("api.ssl.cert_file"))
	fatalErr(viper.BindEnv("api.ssl.key_file"))
	fatalErr(viper.BindEnv("api.ssl.tls_min_version"))

	envPrefix := os.Getenv(hearth.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = hearth.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	for _, key := range sliceKeys {
		viper.Set(key, viper.GetStringSlice(key))
	}
	for _, key := range logLevelKeys {
		lvl, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, lvl)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//nolint:gochecknoinits
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Env file to load configuration from",
	)
}
