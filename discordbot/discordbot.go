package discordbot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"io"
	"log/slog"
	"net/http"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/hlord2000/discordbot/discordbot.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var (
	defaultLogWriter io.Writer = os.Stdout

	shutdownAnnouncementInterval = 10 * time.Second
)

var (
	errIncompleteConfig = errors.New("config is missing required sections")
	errShutdownTimeout  = errors.New("bot did not stop in time")
)

// Bot is the application context. It owns the discord session, the
// registry of active queues, the audit database, metrics and the
// HTTP servers, and is passed to every command and interaction handler.
type Bot struct {
	config *Config

	// Pointer to a read-only GORM connection
	db *gorm.DB

	// gorm.DB wrapper for write/update/delete operations.
	// When using sqlite, writes are serialized with a mutex.
	writeDB DBI

	// Standard logger. Missing loggers will try to use this,
	// and fall back to slog.Default()
	logger *slog.Logger

	// Handler to use for the above
	logHandler slog.Handler

	// Handles discord integration, sessions
	discord *Discord

	// Admin API: active queues, queue history, metrics
	api *API

	// Provides a webhook endpoint to use to receive Discord
	// interactions when the websocket/gateway isn't being used
	discordWebhookServer *DiscordWebhookServer

	// Handler for interactions received via webhook
	webhookInteractionHandler func(c *gin.Context)

	// Active queues, by queue ID
	queues *QueueRegistry

	metrics *botMetrics

	// tracks queue bookkeeping/expiry goroutines started by /start_queue
	queueWG sync.WaitGroup

	// newTimer returns the channel and stop func of a timer firing
	// after the given duration. Replaced in tests.
	newTimer func(time.Duration) (<-chan time.Time, func() bool)

	// signalReady has a value sent on it when Run has finished
	// initializing the database, discord session and HTTP servers
	signalReady chan struct{}

	// A signal is sent on this channel when the
	// [Bot.shutdown] function finished
	eventShutdown chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	// The time Run was called
	startedAt time.Time

	// getInteractionHandlerFunc should be a callable to be used
	// when an interaction is received, which returns an appropriate
	// InteractionHandler. This enables command execution to remain the
	// same across webhook/gateway handlers, adjusting only the
	// request-specific discord interactions
	getInteractionHandlerFunc func(
		ctx context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler

	queueTimersRunning      atomic.Int64
	cleanCommandsInProgress atomic.Int64
}

// New creates a new [Bot] from the given config.
//
// Logging, the discord integration, the admin API and (if enabled) the
// discord webhook server are set up here. Database connections and the
// discord session aren't opened until [Bot.Run].
//
// If any errors occur during initialization, they are collected and
// returned as a single error.
func New(config *Config) (*Bot, error) {
	if config == nil || config.Discord == nil || config.API == nil ||
		config.Queue == nil || config.Clean == nil {
		return nil, errIncompleteConfig
	}

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

	d := &Bot{
		config:        config,
		signalReady:   make(chan struct{}, 1),
		eventShutdown: make(chan struct{}, 1),
		queues:        NewQueueRegistry(),
		metrics:       newBotMetrics(),
		newTimer: func(dur time.Duration) (<-chan time.Time, func() bool) {
			t := time.NewTimer(dur)
			return t.C, t.Stop
		},
	}

	d.logHandler = newLogHandler(defaultLogWriter, d.config.LogLevel)
	d.logger = slog.New(d.logHandler)
	slog.SetDefault(d.logger)

	d.config.Discord.httpClient = d.config.HTTPClient

	disc, err := newDiscord(d.config.Discord, d.metrics)
	if err != nil {
		errs = append(errs, err)
		return d, errors.Join(errs...)
	}

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newLogHandler(defaultLogWriter, d.config.Discord.DiscordGoLogLevel),
	)
	disc.logger = newComponentLogger(defaultLogWriter, "discord", d.config.Discord.LogLevel)
	d.discord = disc

	api, err := newAPI(d, config.API)
	errs = append(errs, err)
	d.api = api

	if config.Discord.WebhookServer.Enabled {
		webhookServer, e := newWebhookServer(d, config.Discord.WebhookServer)
		errs = append(errs, e)
		d.discordWebhookServer = webhookServer
	}

	return d, errors.Join(errs...)
}

func (d *Bot) ValidateConfig() error {
	return structValidator.Struct(d.config)
}

// RegisterSlashCommands overwrites the bot's slash commands in the
// configured guild. The discord session is created if it hasn't been.
func (d *Bot) RegisterSlashCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	if d.discord.session == nil {
		session, err := d.discord.newSession()
		if err != nil {
			return nil, err
		}
		d.discord.session = session
	}
	return d.discord.registerCommands(options...)
}

// Run starts the bot, and blocks until ctx is cancelled, after which
// it shuts down.
//
// This initializes the database, starts the admin API (if enabled),
// creates the discord session and registers commands, then opens the
// discord gateway and/or starts the webhook server.
func (d *Bot) Run(ctx context.Context) error {
	// prevents concurrent runs
	d.runMu.Lock()
	defer d.runMu.Unlock()

	d.startedAt = time.Now()
	logger := d.logger

	if err := d.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)

	// interaction handlers spawned by the gateway
	runtimeWG := &sync.WaitGroup{}

	d.webhookInteractionHandler = webhookReceiveHandler(ctx, d)

	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", d.config))
	if d.signalReady == nil {
		d.signalReady = make(chan struct{}, 1)
	}

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if d.config.API.Enabled {
		go func() {
			httpErr := d.api.Serve(ctx)
			if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
				d.logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
			}
		}()
	}

	startCtx, startCancel := context.WithTimeout(ctx, d.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- d.initRun(startCtx, ctx, runtimeWG)
	}()

	select {
	case <-startCtx.Done():
		d.closeAPIListener(ctx)
		return fmt.Errorf("startup cancelled or timed out")
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			d.closeAPIListener(ctx)
			return err
		}
		logger.InfoContext(ctx, "init complete")
	}

	if d.config.Discord.WebhookServer.Enabled {
		d.startWebhookServer(ctx, runtimeWG)
	} else if !d.config.Discord.GatewayEnabled {
		logger.WarnContext(ctx, "discord gateway and webhook server disabled")
	}

	if err := d.discordInit(ctx); err != nil {
		return err
	}

	select {
	case d.signalReady <- struct{}{}:
		d.logger.InfoContext(ctx, "sent ready signal")
	default:
		d.logger.WarnContext(ctx, "ready signal not consumed")
	}

	// block until something cancels the main runtime context
	<-ctx.Done()

	return d.shutdown(ctx, runtimeWG)
}

func (d *Bot) closeAPIListener(ctx context.Context) {
	if d.api == nil {
		return
	}
	listener := d.api.Listener()
	if listener == nil {
		return
	}
	go func() {
		if e := listener.Close(); e != nil {
			d.logger.ErrorContext(ctx, "error closing listener", tint.Err(e))
		}
	}()
}

// initRun opens the database, creates the discord session and, if
// configured, registers slash commands
func (d *Bot) initRun(
	startCtx context.Context,
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) error {
	d.logger.Debug("initializing DB...")
	if err := d.initDB(startCtx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	d.logger.Debug("finished initializing DB")

	if err := d.initDiscordSession(ctx, runtimeWG); err != nil {
		return fmt.Errorf("error creating discord session: %w", err)
	}

	if _, err := d.discord.applicationID(); err != nil {
		return err
	}

	if d.config.Discord.RegisterCommandsOnStartup {
		if _, err := d.discord.registerCommands(discordgo.WithContext(startCtx)); err != nil {
			return fmt.Errorf("error registering commands: %w", err)
		}
	}
	return nil
}

func (d *Bot) initDB(ctx context.Context) error {
	if d.db == nil {
		gormLogger := newGORMLogger(
			newLogHandler(defaultLogWriter, d.config.DatabaseLogLevel),
			d.config.DatabaseSlowThreshold,
		)
		db, err := getDB(d.config.DatabaseType, d.config.Database, gormLogger)
		if err != nil {
			return fmt.Errorf("error opening database: %w", err)
		}
		d.db = db
	}

	d.logger.Debug("migrating database...")
	if err := migrateDB(ctx, d.db); err != nil {
		return err
	}

	d.writeDB = NewDatabase(d.db, d.logger, d.config.DatabaseType == dbTypePostgres)
	d.metrics.recordDBPool(d.db)
	return nil
}

func (d *Bot) initDiscordSession(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	logger := d.logger.With(loggerNameKey, "discord_session")

	if d.discord.session == nil {
		disc, discErr := d.discord.newSession()
		if discErr != nil {
			return discErr
		}
		d.discord.session = disc
	}

	ctx = WithLogger(ctx, logger)

	if len(d.discord.discordgoRemoveHandlerFuncs) > 0 {
		for _, h := range d.discord.discordgoRemoveHandlerFuncs {
			h()
		}
	}

	d.discord.session.SetIdentify(discordgo.Identify{Intents: d.config.Discord.GatewayIntents})

	d.discord.discordgoRemoveHandlerFuncs = []func(){
		d.discord.session.AddHandler(d.discord.handlerConnect()),
		d.discord.session.AddHandler(d.discord.handlerDisconnect()),
		d.discord.session.AddHandler(d.discord.handlerReady()),
		d.discord.session.AddHandler(
			func(
				_ *discordgo.Session,
				i *discordgo.InteractionCreate,
			) {
				handler := d.getInteractionHandlerFunc(ctx, i)
				runtimeWG.Add(1)
				go func() {
					defer runtimeWG.Done()
					d.handleInteraction(ctx, handler)
				}()
			},
		),
	}

	if d.getInteractionHandlerFunc == nil {
		d.getInteractionHandlerFunc = func(
			_ context.Context,
			i *discordgo.InteractionCreate,
		) InteractionHandler {
			return GatewayHandler{
				session:     d.discord.session,
				interaction: i,
				logger: d.logger.With(
					slog.Group(
						"interaction",
						interactionLogAttrs(*i)...,
					),
				),
			}
		}
	}
	return nil
}

// discordInit opens the discord websocket connection, if the
// gateway is enabled
func (d *Bot) discordInit(ctx context.Context) error {
	if !d.config.Discord.GatewayEnabled {
		return nil
	}
	d.logger.InfoContext(ctx, "connecting to discord")
	if err := d.discord.session.Open(); err != nil {
		d.logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(err))
		return fmt.Errorf("error connecting to discord: %w", err)
	}
	return nil
}

func (d *Bot) startWebhookServer(ctx context.Context, runtimeWG *sync.WaitGroup) {
	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		httpErr := d.discordWebhookServer.Serve(ctx)
		if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
			d.logger.ErrorContext(ctx, "error serving webhook HTTP", tint.Err(httpErr))
		}
	}()
}

// shutdown stops all active queues (without deleting their messages),
// waits on in-flight interactions, then stops the HTTP servers and
// closes the discord session. If this doesn't complete within
// [Config.ShutdownTimeout], the HTTP servers are closed immediately.
func (d *Bot) shutdown(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) error {
	d.logger.WarnContext(ctx, "shutting down")
	defer func() {
		if d.eventShutdown != nil {
			select {
			case d.eventShutdown <- struct{}{}:
			default:
			}
		}
	}()

	shutdownStart := time.Now()
	shutdownTimeout := d.config.ShutdownTimeout
	if shutdownTimeout.Seconds() == 0 {
		d.logger.Warn("immediate shutdown")
		d.closeServers()
		return errShutdownTimeout
	}
	shutdownDeadline := shutdownStart.Add(shutdownTimeout)

	announcementTicker := time.NewTicker(shutdownAnnouncementInterval)
	defer announcementTicker.Stop()

	d.logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", shutdownTimeout,
		"shutdown_started", shutdownStart,
		"shutdown_deadline", shutdownDeadline,
	)

	closeCtx, closeCancel := context.WithDeadline(
		context.Background(),
		shutdownDeadline,
	)
	defer closeCancel()

	stoppedQueues := d.stopAllQueues(closeCtx, QueueStopReasonShutdown)
	d.logger.InfoContext(ctx, "stopped active queues", "count", stoppedQueues)

	gracefulShutdownCh := make(chan error, 1)
	go func() {
		runtimeWG.Wait()
		d.queueWG.Wait()
		runtimeStopEnd := time.Now()
		d.logger.InfoContext(
			ctx,
			"finished handling in-flight requests",
			"shutdown_started", shutdownStart,
			"runtime_stopped", runtimeStopEnd,
			"runtime_stop_duration", runtimeStopEnd.Sub(shutdownStart),
		)

		var g errgroup.Group

		if d.api != nil && d.api.httpServer != nil {
			g.Go(
				func() error {
					d.logger.InfoContext(ctx, "stopping http server")
					defer d.logger.InfoContext(ctx, "http server stopped")
					return d.api.httpServer.Shutdown(closeCtx)
				},
			)
		}

		if d.discordWebhookServer != nil {
			g.Go(
				func() error {
					d.logger.InfoContext(ctx, "stopping webhook http server")
					defer d.logger.InfoContext(ctx, "webhook http server stopped")
					return d.discordWebhookServer.httpServer.Shutdown(closeCtx)
				},
			)
		}

		if d.discord.session != nil {
			g.Go(
				func() error {
					d.logger.InfoContext(ctx, "closing discord session")
					err := d.discord.session.Close()
					for _, h := range d.discord.discordgoRemoveHandlerFuncs {
						h()
					}
					d.discord.discordgoRemoveHandlerFuncs = nil
					d.logger.InfoContext(ctx, "discord session closed")
					return err
				},
			)
		}

		gracefulShutdownCh <- g.Wait()
	}()

	// if we get a signal on gracefulShutdownCh, everything stopped and
	// cleaned up normally. otherwise, force close.
	for {
		select {
		case err := <-gracefulShutdownCh:
			closeCancel()
			shutdownEnded := time.Now()
			if err != nil {
				d.logger.ErrorContext(ctx, "error during shutdown", tint.Err(err))
			}
			d.logger.InfoContext(
				ctx,
				"shutdown complete",
				"shutdown_ended", shutdownEnded,
				"shutdown_duration", shutdownEnded.Sub(shutdownStart),
			)
			return err
		case <-announcementTicker.C:
			remaining := time.Until(shutdownDeadline)
			d.logger.Warn(fmt.Sprintf("time until hard shutdown: %s", remaining.String()))
		case <-closeCtx.Done():
			d.logger.Warn("bot did not stop in time, forcing close")
			d.closeServers()
			return errShutdownTimeout
		}
	}
}

func (d *Bot) closeServers() {
	if d.api != nil && d.api.httpServer != nil {
		go func() {
			_ = d.api.httpServer.Close()
		}()
	}
	if d.discordWebhookServer != nil {
		go func() {
			_ = d.discordWebhookServer.httpServer.Close()
		}()
	}
}

// stopAllQueues stops every active queue with the given reason, leaving
// their messages in place. Returns the number of queues stopped.
func (d *Bot) stopAllQueues(ctx context.Context, reason string) int {
	stopped := 0
	for _, view := range d.queues.All() {
		if d.stopQueue(ctx, view, reason, false, nil) {
			stopped++
		}
	}
	return stopped
}

// ActiveQueues returns a snapshot of each active queue, oldest first
func (d *Bot) ActiveQueues() []QueueSnapshot {
	views := d.queues.All()
	snapshots := make([]QueueSnapshot, 0, len(views))
	for _, v := range views {
		snapshots = append(snapshots, v.Snapshot())
	}
	return snapshots
}

// StopQueue stops the active queue with the given ID. When deleteMessage
// is set, the queue's message is deleted as it would be on expiry.
func (d *Bot) StopQueue(ctx context.Context, queueID string, deleteMessage bool) error {
	view, ok := d.queues.Get(queueID)
	if !ok {
		return ErrQueueNotFound
	}
	if !d.stopQueue(ctx, view, QueueStopReasonManual, deleteMessage, nil) {
		return ErrQueueStopped
	}
	return nil
}

// QueueHistory returns queue audit records, most recent first
func (d *Bot) QueueHistory(ctx context.Context, limit int, offset int) ([]QueueRecord, error) {
	var records []QueueRecord
	err := d.db.WithContext(ctx).
		Order("created_at desc").
		Limit(limit).
		Offset(offset).
		Find(&records).Error
	return records, err
}

// handleInteraction is the entrypoint for every interaction, regardless
// of whether it was received via the gateway or a webhook. The
// interaction is logged, then routed to the queue button handler or
// the matching slash command.
func (d *Bot) handleInteraction(
	ctx context.Context,
	handler InteractionHandler,
) {
	defer func() {
		if rc := recover(); rc != nil {
			d.handleRecover(ctx, rc)
		}
	}()

	i := handler.GetInteraction()
	logger := handler.Logger()

	d.metrics.interactionsReceived.WithLabelValues(
		i.Type.String(),
		string(handler.InteractionReceiveMethod()),
	).Inc()

	if i.Type == discordgo.InteractionPing {
		_ = handler.Respond(
			ctx, &discordgo.InteractionResponse{
				Type: discordgo.InteractionResponsePong,
			},
		)
		return
	}

	discordUser := getDiscordUser(i)
	if discordUser == nil {
		logger.ErrorContext(
			ctx,
			"no user found in interaction",
			"interaction", structToSlogValue(i),
		)
		return
	}

	ctx = WithLogger(ctx, logger)
	logger.InfoContext(ctx, "received new interaction", "user", structToSlogValue(discordUser))

	wg := &sync.WaitGroup{}
	defer wg.Wait()

	interactionLog, err := newInteractionLog(i, discordUser, handler)
	if err != nil {
		logger.ErrorContext(ctx, "error marshaling interaction", tint.Err(err))
	} else {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, createErr := d.writeDB.Create(
				context.WithoutCancel(ctx),
				interactionLog,
			); createErr != nil {
				logger.ErrorContext(ctx, "error logging interaction", tint.Err(createErr))
			}
		}()
	}

	if discordUser.Bot {
		logger.WarnContext(ctx, "user is bot, ignoring", "user", discordUser)
		return
	}

	switch i.Type {
	case discordgo.InteractionMessageComponent:
		d.handleQueueButton(ctx, handler)
	case discordgo.InteractionApplicationCommand:
		commandName := i.ApplicationCommandData().Name
		switch commandName {
		case DiscordSlashCommandStartQueue:
			d.handleStartQueue(ctx, handler)
		case DiscordSlashCommandClean:
			d.runCleanCommand(ctx, handler)
		default:
			logger.WarnContext(ctx, "unknown command", "command", commandName)
			d.metrics.commandsHandled.WithLabelValues(commandName, "unknown").Inc()
			_ = handler.Respond(ctx, ephemeralResponse(d.config.Discord.ErrorMessage))
		}
	default:
		logger.WarnContext(ctx, "unhandled interaction type")
	}
}

// handleRecover logs a recovered panic along with its stack trace
func (d *Bot) handleRecover(ctx context.Context, r any) {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = d.logger
	}
	logger.ErrorContext(
		ctx,
		"recovered from panic",
		"panic", fmt.Sprintf("%v", r),
		"stack", string(debug.Stack()),
	)
}
