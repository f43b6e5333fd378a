//nolint:lll // struct tags can't be split
package discordbot

import (
	"crypto/tls"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"github.com/go-playground/validator/v10"
	"log/slog"
	"net/http"
	"time"
)

const (
	EnvvarSetEnvPrefix    = "DISCORDBOT_ENV_PREFIX"
	DefaultEnvPrefix      = "DB"
	DefaultDatabaseType   = "sqlite"
	DefaultDatabase       = "discordbot.sqlite3"
	DefaultLogLevel       = slog.LevelInfo
	DefaultStartupTimeout = 30 * time.Second

	DefaultShutdownTimeout = 60 * time.Second

	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second

	// DefaultDiscordGuildID is the guild commands are registered to when
	// no guild ID is configured.
	DefaultDiscordGuildID = "1107498977814904833"

	DiscordSlashCommandStartQueue = "start_queue"
	DiscordSlashCommandClean      = "clean"

	DefaultDiscordWebhookServerListen        = "127.0.0.1:5001"
	DefaultDiscordWebhookServerTLSminVersion = tls.VersionTLS12
	DefaultDiscordGatewayIntent              = discordgo.IntentsAllWithoutPrivileged
	DefaultDiscordWebhookLogLevel            = slog.LevelInfo
	DefaultDiscordLogLevel                   = slog.LevelWarn
	DefaultDiscordgoLogLevel                 = slog.LevelWarn
	DefaultDiscordErrorMessage               = "sorry, something went wrong!"

	DefaultQueueJoinLabel      = "Join Queue"
	DefaultQueueLeaveLabel     = "Leave Queue"
	DefaultQueueClosedMessage  = "This queue is closed."
	DefaultCleanFetchLimit     = 100
	discordMaxMessageFetchSize = 100

	DefaultAPIListen               = "127.0.0.1:5000"
	DefaultAPILogLevel             = slog.LevelInfo
	DefaultAPITLSMinVersion        = tls.VersionTLS12
	DefaultAPIRequestsPerSecond    = 10.0
	DefaultAPIRequestBurst         = 20
	DefaultAPICORSAllowCredentials = false

	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultDatabaseLogLevel      = slog.LevelWarn
	defaultListenNetwork         = "tcp"
)

type DiscordInteractionReceiveMethod string

var (
	discordInteractionReceiveMethodGateway DiscordInteractionReceiveMethod = "gateway"
	discordInteractionReceiveMethodWebhook DiscordInteractionReceiveMethod = "webhook"
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"X-Requested-With",
		"Cache-Control",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		xRequestIDHeader,
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

var structValidator = validator.New()

type Config struct {
	// Database connection string, or SQLite file path
	Database string `yaml:"database" mapstructure:"database" json:"database" binding:"required"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// Discord configures the discord bot itself
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord" binding:"required"`

	// Queue configures the /start_queue message and buttons
	Queue *QueueConfig `yaml:"queue" mapstructure:"queue" json:"queue" binding:"required"`

	// Clean configures the /clean command
	Clean *CleanConfig `yaml:"clean" mapstructure:"clean" json:"clean" binding:"required"`

	// API configures the admin API server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api" binding:"required"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// initialize. If this is passed, the bot will abort startup.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After this
	// elapses, the bot will force close all connections and exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// Development enables gin's debug mode
	Development bool `yaml:"development" mapstructure:"development" json:"development"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// DiscordConfig configures the discord bot itself.
//
//nolint:lll // can't break tags
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord
	// dev portal). If empty, it's looked up with the bot token on startup.
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id"`

	// GuildID specifies the guild slash commands are registered to.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id" binding:"required"`

	// Required when receiving webhook events rather than websockets
	WebhookServer DiscordWebhookServerConfig `yaml:"webhook_server" mapstructure:"webhook_server" json:"webhook_server"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// GatewayEnabled opens the discord websocket connection on startup.
	// Disable this when receiving interactions solely via webhook.
	GatewayEnabled bool `yaml:"gateway_enabled" mapstructure:"gateway_enabled" json:"gateway_enabled"`

	// RegisterCommandsOnStartup overwrites the bot's slash commands on startup
	RegisterCommandsOnStartup bool `yaml:"register_commands_on_startup" mapstructure:"register_commands_on_startup" json:"register_commands_on_startup"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	// ErrorMessage is sent to the user when a command fails unexpectedly
	ErrorMessage string `yaml:"error_message" mapstructure:"error_message" json:"error_message" binding:"required"`

	httpClient *http.Client
}

// DiscordWebhookServerConfig represents the configuration for the Discord webhook server.
type DiscordWebhookServerConfig struct {
	// Determines if the webhook server should be active.
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5001").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"omitempty,oneof=tcp tcp4 tcp6 unix"`

	// Configuration for SSL/TLS.
	SSL *SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// The public key used for verifying Discord interaction POST requests.
	// In the Discord dev portal for your bot, this is under 'General Information'
	PublicKey string `yaml:"public_key" mapstructure:"public_key" json:"public_key" binding:"required_if=Enabled true"`

	// The logging level for the webhook server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	ReadTimeout       time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"`
}

// QueueConfig configures the queue message posted by /start_queue
type QueueConfig struct {
	// Label of the button used to join the queue
	JoinLabel string `yaml:"join_label" mapstructure:"join_label" json:"join_label" binding:"required,max=80"`

	// Label of the button used to leave the queue
	LeaveLabel string `yaml:"leave_label" mapstructure:"leave_label" json:"leave_label" binding:"required,max=80"`

	// Ephemeral reply sent when a button is clicked on a queue that's
	// no longer active
	ClosedMessage string `yaml:"closed_message" mapstructure:"closed_message" json:"closed_message" binding:"required"`
}

// CleanConfig configures the /clean command
type CleanConfig struct {
	// Number of recent channel messages to scan for bot messages
	FetchLimit int `yaml:"fetch_limit" mapstructure:"fetch_limit" json:"fetch_limit" binding:"min=1,max=100"`
}

// APIConfig configures the admin API server
type APIConfig struct {
	// Enabled starts the admin API alongside the bot
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"omitempty,oneof=tcp tcp4 tcp6 unix"`

	// Configuration for SSL/TLS.
	SSL *SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// RequestsPerSecond limits the overall request rate accepted by the API
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second" json:"requests_per_second" binding:"gte=0"`

	// RequestBurst is the token bucket size used with RequestsPerSecond
	RequestBurst int `yaml:"request_burst" mapstructure:"request_burst" json:"request_burst" binding:"gte=0"`

	ReadTimeout       time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"`
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
	discordWebhookLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)
	discordWebhookLogLevel.Set(DefaultDiscordWebhookLogLevel)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		Discord: &DiscordConfig{
			GuildID: DefaultDiscordGuildID,
			WebhookServer: DiscordWebhookServerConfig{
				Enabled:           false,
				Listen:            DefaultDiscordWebhookServerListen,
				ListenNetwork:     defaultListenNetwork,
				LogLevel:          discordWebhookLogLevel,
				ReadHeaderTimeout: DefaultReadHeaderTimeout,
				ReadTimeout:       DefaultReadTimeout,
				WriteTimeout:      DefaultWriteTimeout,
				IdleTimeout:       DefaultIdleTimeout,
			},
			GatewayIntents:            DefaultDiscordGatewayIntent,
			GatewayEnabled:            true,
			RegisterCommandsOnStartup: true,
			LogLevel:                  discordLogLevel,
			DiscordGoLogLevel:         discordgoLogLevel,
			ErrorMessage:              DefaultDiscordErrorMessage,
		},
		Queue: &QueueConfig{
			JoinLabel:     DefaultQueueJoinLabel,
			LeaveLabel:    DefaultQueueLeaveLabel,
			ClosedMessage: DefaultQueueClosedMessage,
		},
		Clean: &CleanConfig{
			FetchLimit: DefaultCleanFetchLimit,
		},
		API: &APIConfig{
			Enabled:           true,
			Listen:            DefaultAPIListen,
			ListenNetwork:     defaultListenNetwork,
			LogLevel:          apiLogLevel,
			CORS:              DefaultCORSConfig(),
			RequestsPerSecond: DefaultAPIRequestsPerSecond,
			RequestBurst:      DefaultAPIRequestBurst,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
		},
	}
}

//goland:noinspection GoLinter
func init() {
	structValidator.SetTagName("binding")
}
