package hearth

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

const (
	pprofPrefix         = "/debug"
	apiPrefix           = "/api"
	apiHealthCheck      = "/healthz"
	apiPathLeaderboard  = "/leaderboard"
	apiPathRank         = "/rank/:user_id"
	apiPathChannels     = "/channels"
	apiPathSetXP        = "/xp/:user_id"
	apiPathSweep        = "/sweep"
	apiPathQuit         = "/quit"
	apiAuthRealm        = "hearth"
	apiQuitTimeout      = 30 * time.Second
	apiDefaultPageLimit = 25
)

const xRequestIDHeader = "X-Request-ID"

// API serves read-only stats publicly, and a handful of admin
// operations behind HTTP Basic auth
type API struct {
	config     *APIConfig
	httpServer *http.Server
	listener   net.Listener
	engine     *gin.Engine

	// limits public endpoints
	limiter *rate.Limiter

	// limits admin auth attempts
	loginRequestLimiter *rate.Limiter

	logger   *slog.Logger
	handlers *APIHandlers
}

func newAPI(b *Bot, config *APIConfig) (*API, error) {
	r := gin.New()

	api := &API{
		config:              config,
		engine:              r,
		loginRequestLimiter: rate.NewLimiter(rate.Limit(1), 3),
		logger:              newComponentLogger(config.LogLevel).With(loggerNameKey, "api"),
	}
	if config.RequestsPerSecond > 0 {
		api.limiter = rate.NewLimiter(
			rate.Limit(config.RequestsPerSecond),
			max(1, int(config.RequestsPerSecond*2)),
		)
	}
	api.handlers = &APIHandlers{b: b, api: api}

	var tlsCfg *tls.Config
	if config.SSL.enabled() {
		var err error
		tlsCfg, err = tlsConfig(config.SSL.CertFile, config.SSL.KeyFile, config.SSL.TLSMinVersion)
		if err != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", err)
		}
	}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	development := b.config.Development
	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 && development {
		corsConfig.AllowOrigins = []string{"*"}
	}

	if !development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(),
		cors.New(corsConfig),
	)

	if development {
		ginPprof.Register(r, pprofPrefix)
		runtime.SetMutexProfileFraction(1)
		runtime.SetBlockProfileRate(1)
	}

	h := api.handlers
	r.GET(apiHealthCheck, h.healthCheck)

	public := r.Group(apiPrefix)
	public.Use(rateLimitMiddleware(api))
	public.GET(apiPathLeaderboard, h.getLeaderboard)
	public.GET(apiPathRank, h.getRank)
	public.GET(apiPathChannels, h.getChannels)

	admin := r.Group(apiPrefix)
	admin.Use(basicAuthMiddleware(api))
	admin.PUT(apiPathSetXP, h.setXP)
	admin.POST(apiPathSweep, h.sweep)
	admin.POST(apiPathQuit, h.botQuit)

	return api, nil
}

func (a *API) Serve(ctx context.Context) error {
	if a.listener != nil {
		return a.httpServer.Serve(a.listener)
	}
	network := a.config.ListenNetwork
	if network == "" {
		network = "tcp"
	}
	listenCfg := &net.ListenConfig{}
	ln, err := listenCfg.Listen(ctx, network, a.config.Listen)
	if err != nil {
		return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
	}
	if a.httpServer.TLSConfig != nil {
		ln = tls.NewListener(ln, a.httpServer.TLSConfig)
	}
	a.listener = ln
	a.logger.InfoContext(ctx, "api listening", "address", ln.Addr().String(), "tls", a.httpServer.TLSConfig != nil)
	return a.httpServer.Serve(a.listener)
}

// APIHandlers holds the gin handlers. They read bot state at request
// time, since services are built after the API.
type APIHandlers struct {
	b   *Bot
	api *API
}

// Pagination represents the pagination parameters for API requests
type Pagination struct {
	Limit  int `form:"limit" binding:"omitempty,min=1,max=100"`
	Offset int `form:"offset" binding:"omitempty,min=0"`
}

type userURI struct {
	UserID string `uri:"user_id" binding:"required,numeric"`
}

type setXPPayload struct {
	XP *int64 `json:"xp" binding:"required,min=0"`
}

type healthCheckResponse struct {
	DiscordGatewayConnected bool `json:"discord_gateway_connected"`
	StoreAvailable          bool `json:"store_available"`
	ActiveChannels          int  `json:"active_channels"`
}

type leaderboardEntry struct {
	Rank int `json:"rank"`
	UserXP
}

type channelResponse struct {
	TempChannel
	Occupants []string `json:"occupants"`
}

type setXPResponse struct {
	UserID string `json:"user_id"`
	XP     int64  `json:"xp"`
	Level  int    `json:"level"`
}

// httpReply represents a standard HTTP response message.
type httpReply struct {
	Message string `json:"message"`
}

// httpError represents an error message returned to the client
type httpError struct {
	Error string `json:"error"`
}

// serviceReady aborts with 503 until the bot's services are up
func (h *APIHandlers) serviceReady(c *gin.Context) bool {
	if h.b.xp == nil || h.b.store == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, httpError{Error: "starting up"})
		return false
	}
	return true
}

func (h *APIHandlers) healthCheck(c *gin.Context) {
	rv := healthCheckResponse{
		DiscordGatewayConnected: h.b.discord != nil && h.b.discord.connected.Load(),
		StoreAvailable:          h.b.store != nil && h.b.store.Available(),
	}
	if h.b.tempVoice != nil {
		channels, err := h.b.tempVoice.ActiveChannels(c.Request.Context())
		if err != nil {
			ginContextLogger(c).Warn("error listing channels", tint.Err(err))
		}
		rv.ActiveChannels = len(channels)
	}
	status := http.StatusOK
	if !rv.DiscordGatewayConnected || !rv.StoreAvailable {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, rv)
}

func (h *APIHandlers) getLeaderboard(c *gin.Context) {
	var q Pagination
	if err := c.ShouldBindQuery(&q); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if !h.serviceReady(c) {
		return
	}
	if q.Limit == 0 {
		q.Limit = apiDefaultPageLimit
	}
	rows, err := h.b.xp.Leaderboard(c.Request.Context(), q.Limit, q.Offset)
	if err != nil {
		_ = c.Error(err)
		ginReplyError(c, "error fetching leaderboard")
		return
	}
	entries := make([]leaderboardEntry, len(rows))
	for i, row := range rows {
		entries[i] = leaderboardEntry{Rank: q.Offset + i + 1, UserXP: row}
	}
	c.JSON(http.StatusOK, entries)
}

func (h *APIHandlers) getRank(c *gin.Context) {
	var uri userURI
	if err := c.ShouldBindUri(&uri); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if !h.serviceReady(c) {
		return
	}
	info, err := h.b.xp.RankInfo(c.Request.Context(), uri.UserID)
	if err != nil {
		_ = c.Error(err)
		ginReplyError(c, "error fetching rank")
		return
	}
	c.JSON(http.StatusOK, info)
}

func (h *APIHandlers) getChannels(c *gin.Context) {
	if h.b.tempVoice == nil {
		c.JSON(http.StatusOK, []channelResponse{})
		return
	}
	channels, err := h.b.tempVoice.ActiveChannels(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		ginReplyError(c, "error listing channels")
		return
	}
	rv := make([]channelResponse, len(channels))
	for i, ch := range channels {
		occupants := h.b.tempVoice.Occupants(ch.ChannelID)
		if occupants == nil {
			occupants = []string{}
		}
		rv[i] = channelResponse{TempChannel: ch, Occupants: occupants}
	}
	c.JSON(http.StatusOK, rv)
}

func (h *APIHandlers) setXP(c *gin.Context) {
	logger := ginContextLogger(c)
	var uri userURI
	if err := c.ShouldBindUri(&uri); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	var payload setXPPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if !h.serviceReady(c) {
		return
	}
	row, err := h.b.xp.SetXP(c.Request.Context(), uri.UserID, *payload.XP)
	if err != nil {
		if errors.Is(err, ErrStoreUnavailable) {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, httpError{Error: err.Error()})
			return
		}
		_ = c.Error(err)
		ginReplyError(c, "error setting xp")
		return
	}
	logger.Warn("xp set via api", columnUserID, uri.UserID, "xp", row.XP, "level", row.Level)
	c.JSON(http.StatusOK, setXPResponse{UserID: row.UserID, XP: row.XP, Level: row.Level})
}

// sweep asks every bot instance to reconcile temp channels. The sweep
// itself runs in the background.
func (h *APIHandlers) sweep(c *gin.Context) {
	if h.b.dbNotifier == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, httpError{Error: "starting up"})
		return
	}
	if !h.b.dbNotifier.Sweep(c.Request.Context()) {
		ginReplyError(c, "unable to request sweep")
		return
	}
	c.JSON(http.StatusAccepted, httpReply{Message: "sweep requested"})
}

func (h *APIHandlers) botQuit(c *gin.Context) {
	log := ginContextLogger(c)
	if h.b.dbNotifier == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, httpError{Error: "starting up"})
		return
	}
	log.Warn("sending stop signal")
	ctx, cancel := context.WithTimeout(context.Background(), apiQuitTimeout)
	defer cancel()

	doneCh := make(chan bool, 1)
	go func() {
		doneCh <- h.b.dbNotifier.Stop(ctx)
	}()
	select {
	case ok := <-doneCh:
		if !ok {
			ginReplyError(c, "unable to send stop signal")
			return
		}
		ginReplyMessage(c, "quitting")
	case <-ctx.Done():
		log.Warn("timeout sending stop signal")
		c.JSON(http.StatusGatewayTimeout, httpError{Error: "timeout sending stop signal"})
	}
}

// basicAuthMiddleware checks HTTP Basic credentials against the
// configured username and argon2id hash. Admin routes are closed
// when no hash is configured.
func basicAuthMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := ginContextLogger(c)
		if a.config.AdminPasswordHash == "" {
			logger.Warn("admin password not set")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}
		username, password, ok := c.Request.BasicAuth()
		if !ok {
			c.Header("WWW-Authenticate", fmt.Sprintf("Basic realm=%q", apiAuthRealm))
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}
		if !a.loginRequestLimiter.Allow() {
			logger.Warn("auth rate limit exceeded")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, httpError{Error: "too many requests"})
			return
		}

		userOK := subtle.ConstantTimeCompare([]byte(username), []byte(a.config.AdminUsername)) == 1
		passOK, err := verifyPassword(a.config.AdminPasswordHash, password)
		if err != nil {
			logger.Error("error verifying password", tint.Err(err))
			ginReplyError(c, "error verifying credentials")
			return
		}
		if !userOK || !passOK {
			logger.Warn("invalid credentials", "username", username)
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}
		c.Next()
	}
}

// rateLimitMiddleware rejects requests beyond the API's public rate
// limit. Everything is allowed when no limit is configured.
func rateLimitMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.limiter != nil && !a.limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, httpError{Error: "too many requests"})
			return
		}
		c.Next()
	}
}

// requestIDMiddleware assigns a random request ID to each request, and
// sets it on the response
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(16)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, isLogger := logger.(*slog.Logger); isLogger {
			return requestLogger
		}
	}
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger := slog.Default().With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request with its duration and status,
// along with any errors attached to the gin context
func ginLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := ginContextLogger(c)
		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, e.Err)
		}
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				tint.Err(errors.Join(errs...)),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}

// ginReplyMessage sends a JSON response with a message, with HTTP
// status code 200
func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

// ginReplyError aborts with a JSON error message and HTTP status code 500
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}
