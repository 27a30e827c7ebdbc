package hearth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/hearthbot/hearth/hearth.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var (
	defaultLogWriter io.Writer = os.Stdout
)

const (
	storeHealthCheckInterval = 30 * time.Second
	cooldownPruneInterval    = 10 * time.Minute
	guildStateCheckInterval  = time.Second
	shutdownAnnounceInterval = 10 * time.Second
)

// Bot owns the lifecycle of every component: it opens the database,
// connects to discord, wires gateway events to the services, runs the
// background loops and shuts everything down in order.
//
// Optional services (tempvoice, birthdays) are nil when disabled by
// configuration.
type Bot struct {
	config     *Config
	logger     *slog.Logger
	logHandler slog.Handler

	db      *gorm.DB
	writeDB DBI
	store   *Store

	discord   *Discord
	api       *API
	acl       *ACL
	panel     *Panel
	tempVoice *TempVoice
	xp        *XPEngine
	afk       *AFK
	giveaways *Giveaways
	birthdays *Birthdays

	dbNotifier DBNotifier

	startedAt time.Time

	// signalStop triggers a graceful shutdown when received
	signalStop chan struct{}

	// signalReady is sent once the discord session is open and all
	// background loops have started
	signalReady chan struct{}

	// eventShutdown is sent once shutdown finishes
	eventShutdown chan struct{}

	// triggerSweepCh requests an out-of-band reconciliation sweep
	triggerSweepCh chan struct{}

	runMu sync.Mutex

	getInteractionHandlerFunc func(
		ctx context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler
}

func New(config *Config) (*Bot, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	b := &Bot{
		config:         config,
		signalReady:    make(chan struct{}, 1),
		eventShutdown:  make(chan struct{}, 1),
		triggerSweepCh: make(chan struct{}, 1),
	}

	b.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     b.config.LogLevel,
			AddSource: true,
		},
	)
	b.logger = slog.New(b.logHandler)
	slog.SetDefault(b.logger)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     b.config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	b.discord = newDiscord(
		b.config.Discord,
		newComponentLogger(b.config.Discord.LogLevel).With(loggerNameKey, "discord"),
	)

	if config.API.Enabled {
		api, err := newAPI(b, config.API)
		errs = append(errs, err)
		b.api = api
	}

	return b, errors.Join(errs...)
}

// newComponentLogger returns a logger writing to the default log writer,
// at the given component's level
func newComponentLogger(level slog.Leveler) *slog.Logger {
	return slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     level,
				AddSource: true,
			},
		),
	)
}

func (b *Bot) ValidateConfig() error {
	return structValidator.Struct(b.config)
}

// Store returns the persistence layer, once the bot has started
func (b *Bot) Store() *Store {
	return b.store
}

// Ready is sent on once startup has completed
func (b *Bot) Ready() <-chan struct{} {
	return b.signalReady
}

// Stopped is sent on once shutdown has completed
func (b *Bot) Stopped() <-chan struct{} {
	return b.eventShutdown
}

// requestSweep queues a reconciliation sweep. Returns true if a sweep
// is now pending (including one that was already queued).
func (b *Bot) requestSweep() bool {
	select {
	case b.triggerSweepCh <- struct{}{}:
	default:
	}
	return true
}

func (b *Bot) Run(ctx context.Context) error {
	// prevents concurrent runs
	b.runMu.Lock()
	defer b.runMu.Unlock()

	b.signalStop = make(chan struct{}, 1)
	b.startedAt = time.Now()
	logger := b.logger

	if err := b.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	notifier, err := newDBNotifier(b)
	if err != nil {
		logger.Error("error creating db notifier", tint.Err(err))
		return err
	}
	b.dbNotifier = notifier

	ctx = WithLogger(ctx, logger)

	// everything started from here on is waited on during shutdown
	runtimeWG := &sync.WaitGroup{}

	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", b.config))
	if b.signalReady == nil {
		b.signalReady = make(chan struct{}, 1)
	}

	// the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-b.signalStop:
			b.logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			b.logger.Warn("context canceled, sending stop signal")
			b.signalStop <- struct{}{}
			return
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- b.initRun(startCtx)
	}()

	select {
	case <-startCtx.Done():
		return fmt.Errorf("startup cancelled or timed out")
	case e := <-initErr:
		if e != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(e))
			return e
		}
		logger.InfoContext(ctx, "init complete")
	}

	if b.api != nil {
		go func() {
			httpErr := b.api.Serve(ctx)
			if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
				b.logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
			}
		}()
	}

	if discErr := b.initDiscordSession(ctx, runtimeWG); discErr != nil {
		b.logger.ErrorContext(ctx, "error creating discord session", tint.Err(discErr))
		return discErr
	}

	if err = b.discordInit(ctx, logger); err != nil {
		return err
	}

	b.startBackgroundLoops(ctx, runtimeWG)

	b.signalReady <- struct{}{}
	b.logger.InfoContext(ctx, "sent ready signal")

	for _, channel := range []string{
		b.dbNotifier.StopChannelName(),
		b.dbNotifier.SweepChannelName(),
	} {
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			if e := b.dbNotifier.Listen(ctx, channel); e != nil {
				b.logger.ErrorContext(ctx, "error listening to notify channel", tint.Err(e), "channel", channel)
			}
		}()
	}

	// block until something cancels the main runtime context - generally
	// from an interrupt, or the `/api/quit` endpoint
	<-ctx.Done()

	return b.shutdown(ctx, runtimeWG)
}

// initRun opens and migrates the database, then builds the services
func (b *Bot) initRun(ctx context.Context) error {
	b.logger.Debug("initializing DB...")
	if err := b.initDB(ctx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	b.logger.Debug("finished initializing DB")

	if b.discord.session == nil {
		session, err := b.discord.newSession(b.config.HTTPClient)
		if err != nil {
			return err
		}
		b.discord.session = session
	}
	return b.initServices()
}

func (b *Bot) initDB(ctx context.Context) error {
	if b.db == nil {
		handler := tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     b.config.DatabaseLogLevel,
				AddSource: true,
			},
		)
		db, err := getDB(
			b.config.DatabaseType,
			b.config.Database,
			newGORMLogger(handler, b.config.DatabaseSlowThreshold),
		)
		if err != nil {
			return err
		}
		b.db = db
	}

	if err := migrateSchema(ctx, b.db); err != nil {
		return err
	}

	dbLogger := newComponentLogger(b.config.DatabaseLogLevel)
	b.writeDB = NewDatabase(b.db, dbLogger, b.config.DatabaseType != dbTypeSQLite)
	b.store = NewStore(b.writeDB, b.config.DatabaseType, dbLogger)
	return b.store.Ping(ctx)
}

// initServices constructs each service. Optional features with missing
// configuration are left nil and logged once.
func (b *Bot) initServices() error {
	cfg := b.config
	session := b.discord.session
	tvLogger := newComponentLogger(cfg.TempVoice.LogLevel)
	xpLogger := newComponentLogger(cfg.XP.LogLevel)

	b.acl = NewACL(b.store, cfg.Discord.ModRoleID, cfg.Discord.SuperOwnerID, tvLogger)
	b.panel = NewPanel(session, b.store, tvLogger)
	if cfg.TempVoice.Enabled() {
		b.tempVoice = NewTempVoice(cfg, session, b.store, b.acl, b.panel, tvLogger)
	} else {
		b.logger.Warn("tempvoice disabled (tempvoice.creator_channel_id not set)")
	}

	xp, err := NewXPEngine(cfg, session, b.store, xpLogger)
	if err != nil {
		return err
	}
	b.xp = xp
	if len(cfg.XP.RoleRewards) == 0 {
		b.logger.Warn("role rewards disabled (xp.role_rewards not set)")
	}

	b.afk = NewAFK(cfg, session, b.store, b.logger)
	b.giveaways = NewGiveaways(cfg, session, b.store, xp, b.logger)

	if cfg.Birthday.Enabled() {
		b.birthdays = NewBirthdays(cfg, session, b.store, b.logger)
		xp.SetBirthdayBonus(b.birthdays)
	} else {
		b.logger.Warn("birthdays disabled (birthday.role_id not set)")
	}
	return nil
}

func (b *Bot) initDiscordSession(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	logger := b.logger.With(loggerNameKey, "discord_session")
	ctx = WithLogger(ctx, logger)

	if len(b.discord.discordgoRemoveHandlerFuncs) > 0 {
		for _, h := range b.discord.discordgoRemoveHandlerFuncs {
			h()
		}
	}

	b.discord.session.SetIdentify(discordgo.Identify{Intents: b.config.Discord.GatewayIntents})

	session := b.discord.session
	b.discord.discordgoRemoveHandlerFuncs = []func(){
		session.AddHandler(b.discord.handlerConnect()),
		session.AddHandler(b.discord.handlerDisconnect()),
		session.AddHandler(b.discord.handlerReady()),
		session.AddHandler(
			func(_ *discordgo.Session, v *discordgo.VoiceStateUpdate) {
				b.handleVoiceStateUpdate(ctx, v)
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.MessageCreate) {
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					b.handleMessage(ctx, m)
				}()
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.GuildMemberAdd) {
				if m.Member == nil || m.User == nil || m.GuildID != b.config.Discord.GuildID {
					return
				}
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					b.isolate(ctx, "member_add", func() { b.xp.HandleMemberAdd(ctx, m.User.ID) })
				}()
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.GuildMemberRemove) {
				if m.Member == nil || m.User == nil || m.GuildID != b.config.Discord.GuildID {
					return
				}
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					b.isolate(ctx, "member_remove", func() { b.xp.HandleMemberRemove(ctx, m.User.ID) })
				}()
			},
		),
		session.AddHandler(
			func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
				handler := b.getInteractionHandlerFunc(ctx, i)
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					b.handleInteraction(ctx, handler)
				}()
			},
		),
	}

	if b.getInteractionHandlerFunc == nil {
		b.getInteractionHandlerFunc = func(
			_ context.Context,
			i *discordgo.InteractionCreate,
		) InteractionHandler {
			return GatewayHandler{
				session:     b.discord.session,
				interaction: i,
				logger: b.logger.With(
					slog.Group("interaction", interactionLogAttrs(*i)...),
				),
			}
		}
	}
	return nil
}

// discordInit opens the discord websocket connection and registers
// slash commands
func (b *Bot) discordInit(ctx context.Context, logger *slog.Logger) error {
	b.logger.InfoContext(ctx, "connecting to discord")
	if err := b.discord.session.Open(); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(err))
		return fmt.Errorf("error connecting to discord: %w", err)
	}
	if b.config.Discord.RegisterCommands {
		created, err := b.discord.registerCommands(slashCommands())
		if err != nil {
			logger.ErrorContext(ctx, "error registering commands", tint.Err(err))
			return err
		}
		logger.InfoContext(ctx, "registered commands", "count", len(created))
	}
	return nil
}

func (b *Bot) startBackgroundLoops(ctx context.Context, runtimeWG *sync.WaitGroup) {
	loops := map[string]func(context.Context){
		"store_health": func(ctx context.Context) {
			b.store.RunHealthCheck(ctx, storeHealthCheckInterval)
		},
		"voice_xp":      b.xp.RunVoiceTicker,
		"role_sync":     b.xp.RunRoleSync,
		"level_notices": b.xp.RunNotifications,
		"cooldown_prune": func(ctx context.Context) {
			ticker := time.NewTicker(cooldownPruneInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					b.xp.PruneCooldowns()
				}
			}
		},
		"giveaway_expiry": b.giveaways.RunExpiry,
		"sweep_trigger":   b.watchSweepTrigger,
	}
	if b.tempVoice != nil {
		loops["tempvoice"] = b.tempVoice.Run
		loops["sweep"] = func(ctx context.Context) {
			if !b.waitForGuildState(ctx) {
				return
			}
			b.requestSweep()
			b.tempVoice.RunSweep(ctx)
		}
	}
	if b.birthdays != nil {
		loops["birthday_check"] = b.birthdays.RunCheck
	}

	for name, loop := range loops {
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			b.logger.DebugContext(ctx, "starting loop", "loop", name)
			loop(ctx)
		}()
	}
}

// waitForGuildState blocks until the guild (and its voice states) is in
// the state cache, so the first sweep doesn't see every channel as empty
func (b *Bot) waitForGuildState(ctx context.Context) bool {
	ticker := time.NewTicker(guildStateCheckInterval)
	defer ticker.Stop()
	for {
		if g, err := b.discord.session.GuildState(b.config.Discord.GuildID); err == nil && g != nil {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func (b *Bot) watchSweepTrigger(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.triggerSweepCh:
			if b.tempVoice == nil {
				continue
			}
			if _, err := b.tempVoice.Sweep(ctx); err != nil && ctx.Err() == nil {
				b.logger.ErrorContext(ctx, "sweep failed", tint.Err(err))
			}
		}
	}
}

// handleVoiceStateUpdate feeds voice updates to the XP session tracker
// and the tempvoice worker
func (b *Bot) handleVoiceStateUpdate(ctx context.Context, v *discordgo.VoiceStateUpdate) {
	if v == nil || v.VoiceState == nil || v.GuildID != b.config.Discord.GuildID {
		return
	}
	b.isolate(ctx, "voice_xp", func() { b.xp.TrackVoice(v.UserID, v.ChannelID) })
	if b.tempVoice != nil {
		b.isolate(ctx, "tempvoice", func() { b.tempVoice.HandleVoiceStateUpdate(ctx, v) })
	}
}

// handleMessage runs each feature's message handler. A failure in one
// doesn't stop the others.
func (b *Bot) handleMessage(ctx context.Context, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil || m.Author == nil || m.Author.Bot {
		return
	}
	if m.GuildID != b.config.Discord.GuildID {
		return
	}
	b.isolate(ctx, "afk", func() { b.afk.HandleMessage(ctx, m) })
	b.isolate(ctx, "xp", func() { b.xp.HandleMessage(ctx, m) })
	if b.tempVoice != nil {
		b.isolate(ctx, "tempvoice", func() { b.tempVoice.HandleMessage(ctx, m) })
	}
}

// isolate runs fn, recovering and logging any panic
func (b *Bot) isolate(ctx context.Context, name string, fn func()) {
	defer func() {
		if rc := recover(); rc != nil {
			handleRecover(ctx, b.logger.With("handler", name), rc)
		}
	}()
	fn()
}

func (b *Bot) shutdown(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	b.logger.WarnContext(ctx, "shutting down")
	defer func() {
		if b.eventShutdown != nil {
			go func() {
				b.eventShutdown <- struct{}{}
			}()
		}
	}()
	shutdownStart := time.Now()
	shutdownTimeout := b.config.ShutdownTimeout
	if shutdownTimeout.Seconds() == 0 {
		b.logger.Warn("immediate shutdown")
		b.forceClose()
		return fmt.Errorf("did not stop in time")
	}
	shutdownDeadline := shutdownStart.Add(shutdownTimeout)

	announcementTicker := time.NewTicker(shutdownAnnounceInterval)
	defer announcementTicker.Stop()

	b.logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", shutdownTimeout,
		"shutdown_started", shutdownStart,
		"shutdown_deadline", shutdownDeadline,
	)

	closeCtx, closeCancel := context.WithDeadline(context.Background(), shutdownDeadline)
	defer closeCancel()

	gracefulShutdownCh := make(chan struct{}, 1)
	go func() {
		// background loops and in-flight handlers
		runtimeWG.Wait()
		if b.afk != nil {
			b.afk.Wait()
		}
		runtimeStopEnd := time.Now()
		b.logger.InfoContext(
			ctx,
			"finished handling in-flight events",
			"runtime_stop_duration", runtimeStopEnd.Sub(shutdownStart),
		)
		stopWG := &sync.WaitGroup{}

		if b.api != nil && b.api.httpServer != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				b.logger.InfoContext(ctx, "stopping http server")
				_ = b.api.httpServer.Shutdown(closeCtx)
				b.logger.InfoContext(ctx, "http server stopped")
			}()
		}

		if b.discord.session != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				b.logger.InfoContext(ctx, "closing discord session")
				_ = b.discord.session.Close()
				b.logger.InfoContext(ctx, "discord session closed")
				if len(b.discord.discordgoRemoveHandlerFuncs) > 0 {
					b.logger.InfoContext(
						ctx,
						fmt.Sprintf(
							"removing %d discord handlers",
							len(b.discord.discordgoRemoveHandlerFuncs),
						),
					)
					for _, h := range b.discord.discordgoRemoveHandlerFuncs {
						h()
					}
					b.discord.discordgoRemoveHandlerFuncs = nil
				}
			}()
		}

		go func() {
			stopWG.Wait()
			gracefulShutdownCh <- struct{}{}
			b.logger.InfoContext(ctx, "stopped http/discord")
		}()
	}()

	for {
		select {
		case <-gracefulShutdownCh:
			closeCancel()
			shutdownEnded := time.Now()
			b.logger.InfoContext(
				ctx,
				"shutdown complete",
				"shutdown_ended", shutdownEnded,
				"shutdown_duration", shutdownEnded.Sub(shutdownStart),
			)
			return nil
		case <-announcementTicker.C:
			b.logger.Warn(
				fmt.Sprintf(
					"time until hard shutdown: %s",
					time.Until(shutdownDeadline).String(),
				),
			)
		case <-closeCtx.Done():
			b.logger.Warn("did not stop in time, forcing close")
			b.forceClose()
			return fmt.Errorf("did not stop in time")
		}
	}
}

func (b *Bot) forceClose() {
	if b.api != nil && b.api.httpServer != nil {
		go func() {
			_ = b.api.httpServer.Close()
		}()
	}
	if b.discord.session != nil {
		go func() {
			_ = b.discord.session.Close()
		}()
	}
}

// handleRecover logs a recovered panic with its stack trace
func handleRecover(ctx context.Context, logger *slog.Logger, rc any) {
	if logger == nil {
		if l, ok := ContextLogger(ctx); ok && l != nil {
			logger = l
		} else {
			logger = slog.Default()
		}
	}
	stackTrace := string(debug.Stack())
	switch v := rc.(type) {
	case error:
		logger.ErrorContext(ctx, "recovered from panic", tint.Err(v), "stack_trace", stackTrace)
	case string:
		logger.ErrorContext(ctx, "recovered from panic", tint.Err(errors.New(v)), "stack_trace", stackTrace)
	default:
		logger.ErrorContext(ctx, "recovered from panic", "panic_arg", rc, "stack_trace", stackTrace)
	}
}
