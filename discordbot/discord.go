package discordbot

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
)

const (
	startQueueRoleOption    = "role"
	startQueueTimeoutOption = "timeout"

	discordEveryoneMention = "@everyone"
)

var errNoApplicationID = errors.New("no application ID configured or found")

// Discord manages the discord session, command definitions and gateway
// event handlers.
type Discord struct {
	session                     DiscordSessionHandler
	config                      *DiscordConfig
	logger                      *slog.Logger
	publicKey                   ed25519.PublicKey
	metrics                     *botMetrics
	connected                   atomic.Bool
	discordgoRemoveHandlerFuncs []func()

	// bot user, set from the Ready event or looked up lazily
	botUser *discordgo.User
	mu      sync.RWMutex
}

// newDiscord initializes a new Discord instance with the provided configuration
func newDiscord(config *DiscordConfig, m *botMetrics) (*Discord, error) {
	d := &Discord{
		config:                      config,
		metrics:                     m,
		discordgoRemoveHandlerFuncs: []func(){},
	}

	if config.WebhookServer.PublicKey != "" {
		publicKey, err := hex.DecodeString(config.WebhookServer.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("error decoding public key: %w", err)
		}
		d.publicKey = ed25519.PublicKey(publicKey)
	}

	return d, nil
}

// newSession initializes a new Discord session for the Discord struct.
// It sets up the session with the appropriate logger, token, and configuration.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{logger: d.logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = false
	session.session = disc
	if d.config.httpClient != nil {
		session.SetHTTPClient(d.config.httpClient)
	}

	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}

	return session, nil
}

// appCommandStartQueue returns the `/start_queue` command definition
func (*Discord) appCommandStartQueue() *discordgo.ApplicationCommand {
	minTimeout := float64(1)
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandStartQueue,
		Type:        discordgo.ChatApplicationCommand,
		Description: "Start a new game queue",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionRole,
				Name:        startQueueRoleOption,
				Description: "The role to mention",
				Required:    true,
			},
			{
				Type:        discordgo.ApplicationCommandOptionInteger,
				Name:        startQueueTimeoutOption,
				Description: "Time in minutes after which the queue message will be deleted",
				Required:    false,
				MinValue:    &minTimeout,
			},
		},
	}
}

// appCommandClean returns the `/clean` command definition
func (*Discord) appCommandClean() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandClean,
		Type:        discordgo.ChatApplicationCommand,
		Description: "Delete all of the bot's previous messages",
	}
}

func (d *Discord) commands() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		d.appCommandStartQueue(),
		d.appCommandClean(),
	}
}

// applicationID returns the configured application ID, looking it up
// via the bot token when it isn't set.
func (d *Discord) applicationID() (string, error) {
	d.mu.RLock()
	appID := d.config.ApplicationID
	d.mu.RUnlock()
	if appID != "" {
		return appID, nil
	}

	app, err := d.session.Application("@me")
	if err != nil {
		return "", fmt.Errorf("error retrieving application: %w", err)
	}
	if app == nil || app.ID == "" {
		return "", errNoApplicationID
	}

	d.mu.Lock()
	d.config.ApplicationID = app.ID
	d.mu.Unlock()
	d.logger.Info("retrieved application ID", "application_id", app.ID)
	return app.ID, nil
}

// registerCommands sends the bot's commands to the discord bulk overwrite
// endpoint, scoped to the configured guild
func (d *Discord) registerCommands(
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	appID, err := d.applicationID()
	if err != nil {
		return nil, err
	}

	created, err := d.session.ApplicationCommandBulkOverwrite(
		appID,
		d.config.GuildID,
		d.commands(),
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	if len(created) == 0 {
		d.logger.Warn("no commands created")
	}

	return created, nil
}

// BotUser returns the bot's own user. This is set from the gateway Ready
// event, or retrieved from the API on first use when the gateway is
// disabled.
func (d *Discord) BotUser() (*discordgo.User, error) {
	d.mu.RLock()
	u := d.botUser
	d.mu.RUnlock()
	if u != nil {
		return u, nil
	}

	u, err := d.session.User("@me")
	if err != nil {
		return nil, fmt.Errorf("error retrieving bot user: %w", err)
	}
	d.setBotUser(u)
	return u, nil
}

func (d *Discord) setBotUser(u *discordgo.User) {
	if u == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.botUser = u
}

func (d *Discord) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(s *discordgo.Session, r *discordgo.Ready) {
		if r == nil || r.User == nil {
			return
		}
		d.setBotUser(r.User)
		d.logger.Info(
			"Ready",
			"session_id", r.SessionID,
			"user_id", r.User.ID,
			"username", r.User.Username,
			"guilds", len(r.Guilds),
		)
	}
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(s *discordgo.Session, r *discordgo.Connect) {
		d.metrics.discordConnections.WithLabelValues("connect").Inc()
		d.connected.Store(true)
		var sessionID string
		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
		}
		d.logger.Info("Connected", "session_id", sessionID)
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(s *discordgo.Session, r *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metrics.discordConnections.WithLabelValues("disconnect").Inc()

		var sessionID string
		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
		}
		d.logger.Info("disconnected", "session_id", sessionID)
	}
}

// ackResponse returns a deferred response. When ephemeral is set, the
// eventual response is only visible to the invoking user.
func ackResponse(ephemeral bool) *discordgo.InteractionResponse {
	resp := &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{},
	}
	if ephemeral {
		resp.Data.Flags = discordgo.MessageFlagsEphemeral
	}
	return resp
}

// ephemeralResponse returns an immediate response only visible to the
// invoking user
func ephemeralResponse(content string) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	}
}

// roleMention returns the mention string for a role. The guild's
// @everyone role shares the guild's ID, and doesn't use the <@&id> form.
func roleMention(role *discordgo.Role, guildID string) string {
	if role == nil {
		return ""
	}
	if role.ID == guildID || role.Name == discordEveryoneMention {
		return discordEveryoneMention
	}
	return role.Mention()
}

// getDiscordUser returns the [discordgo.User] associated with the interaction.
// Users don't always appear in the same place in the interaction object, so
// this checks known areas.
func getDiscordUser(i *discordgo.InteractionCreate) *discordgo.User {
	if i == nil || i.Interaction == nil {
		return nil
	}
	u := i.User
	if u == nil && i.Member != nil {
		u = i.Member.User
	}
	return u
}

// DiscordSessionHandler defines the interface for handling Discord sessions.
// This is basically defines methods from `discordgo.Session` which are
// used in this application, to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// ApplicationCommandBulkOverwrite overwrites Discord application commands in bulk.
	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// Application returns the application with the given ID ("@me" for
	// the bot's own application)
	Application(appID string) (*discordgo.Application, error)

	// User returns the user with the given ID ("@me" for the bot user)
	User(userID string, options ...discordgo.RequestOption) (*discordgo.User, error)

	// ChannelMessages returns up to `limit` messages from the given channel,
	// newest first
	ChannelMessages(
		channelID string,
		limit int,
		beforeID string,
		afterID string,
		aroundID string,
		options ...discordgo.RequestOption,
	) ([]*discordgo.Message, error)

	// ChannelMessageDelete deletes a single message
	ChannelMessageDelete(
		channelID string,
		messageID string,
		options ...discordgo.RequestOption,
	) error

	// ChannelMessageEditComplex edits an existing message
	ChannelMessageEditComplex(
		m *discordgo.MessageEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// InteractionRespond sends an interaction response to Discord
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	// InteractionResponse gets the response to an interaction
	InteractionResponse(
		interaction *discordgo.Interaction,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// InteractionResponseEdit modifies the given interaction
	InteractionResponseEdit(
		interaction *discordgo.Interaction,
		newresp *discordgo.WebhookEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// InteractionResponseDelete deletes the given interaction
	InteractionResponseDelete(
		interaction *discordgo.Interaction,
		options ...discordgo.RequestOption,
	) error

	// SetHTTPClient sets the HTTP client for the session
	SetHTTPClient(client *http.Client)

	// SetIdentify sets the identify object that's sent during the initial
	// handshake with the discord gateway
	SetIdentify(discordgo.Identify)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

func (d DiscordSession) SetIdentify(i discordgo.Identify) {
	d.session.Identify = i
}

func (d DiscordSession) Application(appID string) (*discordgo.Application, error) {
	return d.session.Application(appID)
}

func (d DiscordSession) User(
	userID string,
	options ...discordgo.RequestOption,
) (*discordgo.User, error) {
	return d.session.User(userID, options...)
}

func (d DiscordSession) ChannelMessages(
	channelID string,
	limit int,
	beforeID string,
	afterID string,
	aroundID string,
	options ...discordgo.RequestOption,
) ([]*discordgo.Message, error) {
	msgs, err := d.session.ChannelMessages(
		channelID,
		limit,
		beforeID,
		afterID,
		aroundID,
		options...,
	)
	if err != nil {
		d.logger.Error(
			"error retrieving channel messages",
			tint.Err(err),
			"channel_id", channelID,
		)
	} else {
		d.logger.Debug(
			"retrieved channel messages",
			"channel_id", channelID,
			"count", len(msgs),
		)
	}
	return msgs, err
}

func (d DiscordSession) ChannelMessageDelete(
	channelID string,
	messageID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.ChannelMessageDelete(channelID, messageID, options...)
}

func (d DiscordSession) ChannelMessageEditComplex(
	m *discordgo.MessageEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageEditComplex(m, options...)
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) InteractionResponse(
	interaction *discordgo.Interaction,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.InteractionResponse(interaction, options...)
	if err != nil {
		d.logger.Error("error getting interaction response", tint.Err(err))
	} else {
		d.logger.Info("got interaction response", "message_id", msg.ID)
	}
	return msg, err
}

func (d DiscordSession) InteractionResponseEdit(
	interaction *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.InteractionResponseEdit(interaction, newresp, options...)
}

func (d DiscordSession) InteractionResponseDelete(
	interaction *discordgo.Interaction,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionResponseDelete(interaction, options...)
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		appID,
		guildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	for _, c := range created {
		d.logger.Info("Created command", "command", c.Name, "id", c.ID)
	}

	return created, nil
}
