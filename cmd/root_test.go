package cmd

import (
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/hlord2000/discordbot/discordbot"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// clearEnv empties the environment for the duration of the test
func clearEnv(t testing.TB) {
	t.Helper()
	originalEnv := os.Environ()
	t.Cleanup(
		func() {
			os.Clearenv()
			for _, envVar := range originalEnv {
				parts := strings.SplitN(envVar, "=", 2)
				_ = os.Setenv(parts[0], parts[1])
			}
			viper.Reset()
			cfg = discordbot.DefaultConfig()
			configFile = ""
			rootCmd.SetArgs(nil)
			rootCmd.SetOut(nil)
			rootCmd.SetErr(nil)
		},
	)
	os.Clearenv()
}

func assertLogLevel(t testing.TB, expected slog.Level, value any) {
	t.Helper()
	lvl, ok := value.(*slog.LevelVar)
	if !ok {
		t.Fatalf("expected *slog.LevelVar, got %T", value)
	}
	assert.Equal(t, expected, lvl.Level())
}

func TestLoadConfigFromEnvFile(t *testing.T) {
	clearEnv(t)

	tmpdir := t.TempDir()
	envFile := filepath.Join(tmpdir, "test.env")

	envContent := `
# General/database config

DB_DATABASE=/home/foo/discordbot.sqlite3
DB_DATABASE_TYPE=sqlite
DB_DATABASE_LOG_LEVEL=INFO
DB_DATABASE_SLOW_THRESHOLD=200ms
DB_LOG_LEVEL=INFO
DB_STARTUP_TIMEOUT=30s
DB_SHUTDOWN_TIMEOUT=60s
DB_DEVELOPMENT=true

# Queue/clean commands

DB_QUEUE_JOIN_LABEL="Sign up"
DB_QUEUE_LEAVE_LABEL="Drop out"
DB_QUEUE_CLOSED_MESSAGE="Too late!"
DB_CLEAN_FETCH_LIMIT=50

# Discord bot config

DB_DISCORD_TOKEN=your-discord-bot-token
DB_DISCORD_APPLICATION_ID=your-discord-bot-app-id
DB_DISCORD_GUILD_ID=123456789
DB_DISCORD_LOG_LEVEL=WARN
DB_DISCORD_DISCORDGO_LOG_LEVEL=WARN
DB_DISCORD_GATEWAY_INTENTS=3243773
DB_DISCORD_GATEWAY_ENABLED=false
DB_DISCORD_REGISTER_COMMANDS_ON_STARTUP=false
DB_DISCORD_ERROR_MESSAGE="oops"

# Discord webhook server

DB_DISCORD_WEBHOOK_SERVER_ENABLED=false
DB_DISCORD_WEBHOOK_SERVER_LISTEN=127.0.0.1:5001
DB_DISCORD_WEBHOOK_SERVER_SSL_CERT_FILE=/etc/ssl/cert.pem
DB_DISCORD_WEBHOOK_SERVER_SSL_KEY_FILE=/etc/ssl/cert.key
DB_DISCORD_WEBHOOK_SERVER_SSL_TLS_MIN_VERSION=771
DB_DISCORD_WEBHOOK_SERVER_LOG_LEVEL=INFO
DB_DISCORD_WEBHOOK_SERVER_PUBLIC_KEY=your_discord_public_key_here
DB_DISCORD_WEBHOOK_SERVER_READ_TIMEOUT=5s
DB_DISCORD_WEBHOOK_SERVER_READ_HEADER_TIMEOUT=5s
DB_DISCORD_WEBHOOK_SERVER_WRITE_TIMEOUT=10s
DB_DISCORD_WEBHOOK_SERVER_IDLE_TIMEOUT=30s

# API server

DB_API_ENABLED=true
DB_API_LISTEN=127.0.0.1:5000
DB_API_SSL_CERT_FILE=/etc/ssl/cert.pem
DB_API_SSL_KEY_FILE=/etc/ssl/key.pem
DB_API_SSL_TLS_MIN_VERSION=771
DB_API_LOG_LEVEL=DEBUG
DB_API_REQUESTS_PER_SECOND=2.5
DB_API_REQUEST_BURST=5
DB_API_CORS_ALLOW_ORIGINS=https://127.0.0.1:5000 https://localhost:5000
DB_API_CORS_ALLOW_METHODS=GET POST OPTIONS HEAD
DB_API_CORS_ALLOW_HEADERS=Origin Content-Length Content-Type Accept X-Request-ID
DB_API_CORS_EXPOSE_HEADERS=Content-Type Content-Length X-Request-ID
DB_API_CORS_ALLOW_CREDENTIALS=true
DB_API_CORS_MAX_AGE=12h
DB_API_READ_TIMEOUT=5s
DB_API_READ_HEADER_TIMEOUT=5s
DB_API_WRITE_TIMEOUT=10s
DB_API_IDLE_TIMEOUT=30s
`

	err := os.WriteFile(envFile, []byte(envContent), 0600)
	require.NoError(t, err)

	rootCmd.SetOut(io.Discard)
	rootCmd.SetArgs([]string{fmt.Sprintf("--config=%s", envFile), "version"})
	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, "/home/foo/discordbot.sqlite3", viper.GetString("database"))
	assert.Equal(t, "sqlite", viper.GetString("database_type"))
	assertLogLevel(t, slog.LevelInfo, viper.Get("database_log_level"))
	assert.Equal(t, 200*time.Millisecond, viper.GetDuration("database_slow_threshold"))
	assertLogLevel(t, slog.LevelInfo, viper.Get("log_level"))
	assert.Equal(t, 30*time.Second, viper.GetDuration("startup_timeout"))
	assert.Equal(t, 60*time.Second, viper.GetDuration("shutdown_timeout"))
	assert.True(t, viper.GetBool("development"))

	assert.Equal(t, "Sign up", viper.GetString("queue.join_label"))
	assert.Equal(t, 50, viper.GetInt("clean.fetch_limit"))

	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.log_level"))
	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.discordgo_log_level"))
	assertLogLevel(t, slog.LevelInfo, viper.Get("discord.webhook_server.log_level"))
	assertLogLevel(t, slog.LevelDebug, viper.Get("api.log_level"))
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5000", "https://localhost:5000"},
		viper.GetStringSlice("api.cors.allow_origins"),
	)

	// Unmarshaled config
	assert.Equal(t, "/home/foo/discordbot.sqlite3", cfg.Database)
	assert.Equal(t, "sqlite", cfg.DatabaseType)
	assert.Equal(t, slog.LevelInfo, cfg.DatabaseLogLevel.Level())
	assert.Equal(t, 200*time.Millisecond, cfg.DatabaseSlowThreshold)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel.Level())
	assert.Equal(t, 30*time.Second, cfg.StartupTimeout)
	assert.Equal(t, 60*time.Second, cfg.ShutdownTimeout)
	assert.True(t, cfg.Development)

	assert.Equal(t, "Sign up", cfg.Queue.JoinLabel)
	assert.Equal(t, "Drop out", cfg.Queue.LeaveLabel)
	assert.Equal(t, "Too late!", cfg.Queue.ClosedMessage)
	assert.Equal(t, 50, cfg.Clean.FetchLimit)

	assert.Equal(t, "your-discord-bot-token", cfg.Discord.Token)
	assert.Equal(t, "your-discord-bot-app-id", cfg.Discord.ApplicationID)
	assert.Equal(t, "123456789", cfg.Discord.GuildID)
	assert.Equal(t, slog.LevelWarn, cfg.Discord.LogLevel.Level())
	assert.Equal(t, slog.LevelWarn, cfg.Discord.DiscordGoLogLevel.Level())
	assert.Equal(t, discordgo.Intent(3243773), cfg.Discord.GatewayIntents)
	assert.False(t, cfg.Discord.GatewayEnabled)
	assert.False(t, cfg.Discord.RegisterCommandsOnStartup)
	assert.Equal(t, "oops", cfg.Discord.ErrorMessage)

	assert.False(t, cfg.Discord.WebhookServer.Enabled)
	assert.Equal(t, "127.0.0.1:5001", cfg.Discord.WebhookServer.Listen)
	require.NotNil(t, cfg.Discord.WebhookServer.SSL)
	assert.Equal(t, "/etc/ssl/cert.pem", cfg.Discord.WebhookServer.SSL.CertFile)
	assert.Equal(t, "/etc/ssl/cert.key", cfg.Discord.WebhookServer.SSL.KeyFile)
	assert.Equal(t, uint16(771), cfg.Discord.WebhookServer.SSL.TLSMinVersion)
	assert.Equal(t, slog.LevelInfo, cfg.Discord.WebhookServer.LogLevel.Level())
	assert.Equal(t, "your_discord_public_key_here", cfg.Discord.WebhookServer.PublicKey)
	assert.Equal(t, 5*time.Second, cfg.Discord.WebhookServer.ReadTimeout)
	assert.Equal(t, 5*time.Second, cfg.Discord.WebhookServer.ReadHeaderTimeout)
	assert.Equal(t, 10*time.Second, cfg.Discord.WebhookServer.WriteTimeout)
	assert.Equal(t, 30*time.Second, cfg.Discord.WebhookServer.IdleTimeout)

	assert.True(t, cfg.API.Enabled)
	assert.Equal(t, "127.0.0.1:5000", cfg.API.Listen)
	require.NotNil(t, cfg.API.SSL)
	assert.Equal(t, "/etc/ssl/key.pem", cfg.API.SSL.KeyFile)
	assert.Equal(t, slog.LevelDebug, cfg.API.LogLevel.Level())
	assert.Equal(t, 2.5, cfg.API.RequestsPerSecond)
	assert.Equal(t, 5, cfg.API.RequestBurst)
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5000", "https://localhost:5000"},
		cfg.API.CORS.AllowOrigins,
	)
	assert.Equal(t, []string{"GET", "POST", "OPTIONS", "HEAD"}, cfg.API.CORS.AllowMethods)
	assert.Equal(
		t,
		[]string{"Origin", "Content-Length", "Content-Type", "Accept", "X-Request-ID"},
		cfg.API.CORS.AllowHeaders,
	)
	assert.Equal(
		t,
		[]string{"Content-Type", "Content-Length", "X-Request-ID"},
		cfg.API.CORS.ExposeHeaders,
	)
	assert.True(t, cfg.API.CORS.AllowCredentials)
	assert.Equal(t, 12*time.Hour, cfg.API.CORS.MaxAge)

	// the same settings decode into a fresh config
	var config discordbot.Config
	err = viper.Unmarshal(
		&config, viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(" "),
				LevelToStringHookFunc(),
			),
		),
		zeroFields,
	)
	require.NoError(t, err)
	assert.Equal(t, "your-discord-bot-token", config.Discord.Token)
	assert.Equal(t, 50, config.Clean.FetchLimit)
	assert.Equal(t, slog.LevelDebug, config.API.LogLevel.Level())
}

func TestLoadConfigUnprefixedToken(t *testing.T) {
	clearEnv(t)

	t.Setenv(envBotToken, "plain-token")
	t.Setenv(envGuildID, "987654321")

	rootCmd.SetOut(io.Discard)
	rootCmd.SetArgs([]string{"version"})
	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, "plain-token", cfg.Discord.Token)
	assert.Equal(t, "987654321", cfg.Discord.GuildID)
}

func TestLoadConfigPrefixedTokenWins(t *testing.T) {
	clearEnv(t)

	t.Setenv(envBotToken, "plain-token")
	t.Setenv("DB_DISCORD_TOKEN", "prefixed-token")

	rootCmd.SetOut(io.Discard)
	rootCmd.SetArgs([]string{"version"})
	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, "prefixed-token", cfg.Discord.Token)
	assert.Equal(t, discordbot.DefaultDiscordGuildID, cfg.Discord.GuildID)
}

func TestLoadConfigDefaults(t *testing.T) {
	clearEnv(t)

	rootCmd.SetOut(io.Discard)
	rootCmd.SetArgs([]string{"version"})
	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, discordbot.DefaultDatabase, cfg.Database)
	assert.Equal(t, discordbot.DefaultDatabaseType, cfg.DatabaseType)
	assert.Equal(t, discordbot.DefaultQueueJoinLabel, cfg.Queue.JoinLabel)
	assert.Equal(t, discordbot.DefaultQueueLeaveLabel, cfg.Queue.LeaveLabel)
	assert.Equal(t, discordbot.DefaultCleanFetchLimit, cfg.Clean.FetchLimit)
	assert.True(t, cfg.Discord.GatewayEnabled)
	assert.True(t, cfg.Discord.RegisterCommandsOnStartup)
	assert.Equal(t, discordbot.DefaultAPIListen, cfg.API.Listen)
	assert.Equal(t, discordbot.DefaultDiscordLogLevel, cfg.Discord.LogLevel.Level())
}

func TestLoadConfigSliceReplacesDefault(t *testing.T) {
	clearEnv(t)
	require.Greater(t, len(discordbot.DefaultCORSAllowHeaders), 1)

	t.Setenv("DB_API_CORS_ALLOW_HEADERS", "X-Only")
	t.Setenv("DB_API_CORS_ALLOW_METHODS", "GET")

	rootCmd.SetOut(io.Discard)
	rootCmd.SetArgs([]string{"version"})
	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, []string{"X-Only"}, cfg.API.CORS.AllowHeaders)
	assert.Equal(t, []string{"GET"}, cfg.API.CORS.AllowMethods)
	assert.Equal(t, discordbot.DefaultCORSExposeHeaders, cfg.API.CORS.ExposeHeaders)

	// fields with no env value keep their defaults
	assert.Equal(t, "tcp", cfg.API.ListenNetwork)
	assert.Equal(t, "tcp", cfg.Discord.WebhookServer.ListenNetwork)
	assert.Nil(t, cfg.API.SSL)
	assert.Equal(t, discordbot.DefaultQueueClosedMessage, cfg.Queue.ClosedMessage)
}

func TestGetLogLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
		wantErr  bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"Warn", slog.LevelWarn, false},
		{"ERROR", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tc := range tests {
		t.Run(
			tc.input, func(t *testing.T) {
				lvl, err := getLogLevel(tc.input)
				if tc.wantErr {
					assert.Error(t, err)
				} else {
					assert.NoError(t, err)
				}
				assert.Equal(t, tc.expected, lvl)
			},
		)
	}
}
