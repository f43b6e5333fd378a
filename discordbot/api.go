package discordbot

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

const (
	apiPrefix               = "/api"
	apiHealthCheck          = "/healthcheck"
	apiPathQueues           = "/queues"
	apiPathStopQueue        = "/queues/:id/stop"
	apiPathQueueHistory     = "/queue_history"
	apiPathRegisterCommands = "/discord/register_commands"
	apiPathMetrics          = "/metrics"

	xRequestIDHeader = "X-Request-ID"

	defaultQueueHistoryLimit = 25
)

// API is the admin HTTP server. It exposes the active queues, queue
// history, command registration and prometheus metrics.
type API struct {
	config     *APIConfig
	httpServer *http.Server
	listener   net.Listener
	listenerMu sync.Mutex
	engine     *gin.Engine
	limiter    *rate.Limiter
	metrics    *botMetrics
	logger     *slog.Logger

	handlers *APIHandlers
}

// newAPI initializes and returns a new instance of the API struct,
// with middleware and routes configured.
func newAPI(d *Bot, config *APIConfig) (*API, error) {
	r := gin.New()

	api := &API{
		config:  config,
		engine:  r,
		metrics: d.metrics,
		logger:  newComponentLogger(defaultLogWriter, "api", config.LogLevel),
	}
	if config.RequestsPerSecond > 0 {
		burst := config.RequestBurst
		if burst < 1 {
			burst = 1
		}
		api.limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), burst)
	}

	apiHandlers := NewAPIHandlers(d, api.logger)
	api.handlers = apiHandlers

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	if config.SSL != nil {
		tlsCfg, e := tlsConfig(config.SSL)
		if e != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", e)
		}
		httpServer.TLSConfig = tlsCfg
	}
	api.httpServer = httpServer

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowAllOrigins = d.config.Development
		if !d.config.Development {
			corsConfig.AllowOrigins = []string{"http://" + config.Listen}
		}
	}

	if d.config.Development {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(api.logger),
		metricMiddleware(api),
		rateLimitMiddleware(api.limiter),
		cors.New(corsConfig),
	)

	r.GET(
		apiPathMetrics,
		gin.WrapH(promhttp.HandlerFor(d.metrics.registry, promhttp.HandlerOpts{})),
	)

	g := r.Group(apiPrefix)
	g.GET(apiHealthCheck, apiHandlers.healthCheck)
	g.GET(apiPathQueues, apiHandlers.getQueues)
	g.POST(apiPathStopQueue, apiHandlers.stopQueue)
	g.GET(apiPathQueueHistory, apiHandlers.getQueueHistory)
	g.POST(apiPathRegisterCommands, apiHandlers.discordRegisterCommands)

	r.NoRoute(
		func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusNotFound, httpError{Error: "not found"})
		},
	)

	return api, nil
}

// Serve listens on the configured address, and serves the API until
// the server is shut down
func (a *API) Serve(ctx context.Context) error {
	a.listenerMu.Lock()
	if a.listener == nil {
		network := a.config.ListenNetwork
		if network == "" {
			network = defaultListenNetwork
		}
		listenCfg := &net.ListenConfig{}
		ln, e := listenCfg.Listen(ctx, network, a.config.Listen)
		if e != nil {
			a.listenerMu.Unlock()
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, e)
		}
		if a.httpServer.TLSConfig != nil {
			ln = tls.NewListener(ln, a.httpServer.TLSConfig)
		} else {
			a.logger.Warn("starting api without TLS")
		}
		a.listener = ln
	}
	ln := a.listener
	a.listenerMu.Unlock()

	a.logger.InfoContext(ctx, "api listening", "addr", ln.Addr().String())
	return a.httpServer.Serve(ln)
}

// Listener returns the API's listener, or nil if it isn't serving
func (a *API) Listener() net.Listener {
	a.listenerMu.Lock()
	defer a.listenerMu.Unlock()
	return a.listener
}

// APIHandlers implements the admin API's endpoints
type APIHandlers struct {
	d      *Bot
	logger *slog.Logger
}

func NewAPIHandlers(d *Bot, logger *slog.Logger) *APIHandlers {
	return &APIHandlers{d: d, logger: logger}
}

// healthCheck reports whether the bot is connected, and how many
// queues are active.
//
// Responses:
//   - 200 OK
func (h *APIHandlers) healthCheck(c *gin.Context) {
	resp := healthCheckResponse{
		Version:                 Version,
		ActiveQueues:            h.d.queues.Len(),
		QueueTimersRunning:      h.d.queueTimersRunning.Load(),
		CleanCommandsInProgress: h.d.cleanCommandsInProgress.Load(),
		DiscordGatewayConnected: h.d.discord.connected.Load(),
	}
	if !h.d.startedAt.IsZero() {
		resp.Uptime = time.Since(h.d.startedAt).Round(time.Second).String()
	}
	if h.d.db != nil {
		h.d.metrics.recordDBPool(h.d.db)
	}
	c.JSON(http.StatusOK, resp)
}

// getQueues returns a snapshot of each active queue, oldest first.
//
// Responses:
//   - 200 OK: a list of [QueueSnapshot]
func (h *APIHandlers) getQueues(c *gin.Context) {
	c.JSON(http.StatusOK, h.d.ActiveQueues())
}

// stopQueue stops an active queue. If `delete_message=true` is set, the
// queue's message is deleted, the same as when the queue expires.
//
// Responses:
//   - 200 OK: the queue was stopped
//   - 400 Bad Request: invalid query parameters
//   - 404 Not Found: no active queue with the given ID
func (h *APIHandlers) stopQueue(c *gin.Context) {
	var params stopQueueParams
	if err := c.ShouldBindUri(&params); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid queue ID"})
		return
	}
	if err := c.ShouldBindQuery(&params); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid query parameters"})
		return
	}

	log := ginContextLogger(c)
	ctx := WithLogger(c.Request.Context(), log)

	err := h.d.StopQueue(ctx, params.ID, params.DeleteMessage)
	switch {
	case errors.Is(err, ErrQueueNotFound), errors.Is(err, ErrQueueStopped):
		c.JSON(http.StatusNotFound, httpError{Error: "queue not found"})
		return
	case err != nil:
		log.ErrorContext(ctx, "error stopping queue", tint.Err(err))
		ginReplyError(c, "error stopping queue")
		return
	}
	log.InfoContext(ctx, "stopped queue", "queue_id", params.ID)
	ginReplyMessage(c, "queue stopped")
}

// getQueueHistory returns [QueueRecord] entries, most recent first.
//
// Responses:
//   - 200 OK: a list of [QueueRecord]
//   - 400 Bad Request: invalid pagination
//   - 503 Service Unavailable: the database hasn't been initialized
func (h *APIHandlers) getQueueHistory(c *gin.Context) {
	var pagination Pagination
	if err := c.ShouldBindQuery(&pagination); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid pagination"})
		return
	}
	if pagination.Limit == 0 {
		pagination.Limit = defaultQueueHistoryLimit
	}

	if h.d.db == nil {
		c.JSON(http.StatusServiceUnavailable, httpError{Error: "database not ready"})
		return
	}

	log := ginContextLogger(c)
	records, err := h.d.QueueHistory(c.Request.Context(), pagination.Limit, pagination.Offset)
	if err != nil {
		log.ErrorContext(c.Request.Context(), "error getting queue history", tint.Err(err))
		ginReplyError(c, "error getting queue history")
		return
	}
	c.JSON(http.StatusOK, records)
}

// discordRegisterCommands overwrites the bot's slash commands.
//
// Responses:
//   - 201 Created: the registered commands
//   - 500 Internal Server Error
func (h *APIHandlers) discordRegisterCommands(c *gin.Context) {
	log := ginContextLogger(c)
	log.Info("registering commands")

	createdCommands, err := h.d.RegisterSlashCommands()
	if err != nil {
		log.Error("error registering commands", tint.Err(err))
		ginReplyError(c, "error registering commands")
		return
	}
	c.JSON(http.StatusCreated, createdCommands)
}

// Pagination represents the pagination parameters for API requests.
type Pagination struct {
	Limit  int `form:"limit" binding:"omitempty,min=1,max=100"`
	Offset int `form:"offset" binding:"omitempty,min=0"`
}

type stopQueueParams struct {
	ID            string `uri:"id" binding:"required,uuid"`
	DeleteMessage bool   `form:"delete_message"`
}

type healthCheckResponse struct {
	Version                 string `json:"version"`
	Uptime                  string `json:"uptime,omitempty"`
	ActiveQueues            int    `json:"active_queues"`
	QueueTimersRunning      int64  `json:"queue_timers_running"`
	CleanCommandsInProgress int64  `json:"clean_commands_in_progress"`
	DiscordGatewayConnected bool   `json:"discord_gateway_connected"`
}

// httpReply represents a standard HTTP response message.
type httpReply struct {
	Message string `json:"message"`
}

// httpError represents an error message returned to the client
type httpError struct {
	Error string `json:"error"`
}

// requestIDMiddleware generates a Gin middleware function that assigns a
// unique request ID to each incoming request, and sets it as the
// X-Request-ID response header.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
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
	var requestLogger *slog.Logger
	logger, ok := c.Get(string(loggerContextKey))
	if ok {
		requestLogger, ok = logger.(*slog.Logger)
		if ok {
			return requestLogger
		}
	}
	requestLogger = slog.Default()
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	raw := c.Request.URL.RawQuery
	if raw != "" {
		path = path + "?" + raw
	}

	requestLogger = requestLogger.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware returns a Gin middleware function for logging HTTP
// requests, using the given base logger for each request's logger.
func ginLoggingMiddleware(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID, _ := c.Get(xRequestIDHeader)
		requestLogger := base.With(
			slog.Group(
				"request",
				"method", c.Request.Method,
				"path", c.Request.URL.Path,
				"remote_ip", c.RemoteIP(),
			),
			slog.Any(xRequestIDHeader, requestID),
		)
		c.Set(string(loggerContextKey), requestLogger)

		c.Next()
		latency := time.Since(start)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, e.Err)
		}
		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				"errors", errs,
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

// metricMiddleware records each request's duration, by method, route
// and status code
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		a.metrics.recordAPIRequest(
			c.Request.Method,
			route,
			strconv.Itoa(c.Writer.Status()),
			time.Since(start),
		)
	}
}

// rateLimitMiddleware rejects requests with 429 when the limiter has no
// tokens available. A nil limiter disables limiting.
func rateLimitMiddleware(limiter *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter != nil && !limiter.Allow() {
			c.AbortWithStatusJSON(
				http.StatusTooManyRequests,
				httpError{Error: "too many requests"},
			)
			return
		}
		c.Next()
	}
}

// ginReplyMessage sends a JSON response with a message,
// with HTTP status code 200, via the gin context.
func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

// ginReplyError sends a JSON response with a message,
// with HTTP status code 500, via the gin context.
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}
