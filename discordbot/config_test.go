package discordbot

import (
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, DefaultDatabaseType, cfg.DatabaseType)
	assert.Equal(t, DefaultDiscordGuildID, cfg.Discord.GuildID)
	assert.Equal(t, DefaultCleanFetchLimit, cfg.Clean.FetchLimit)
	assert.Equal(t, DefaultQueueJoinLabel, cfg.Queue.JoinLabel)
	assert.Equal(t, DefaultQueueLeaveLabel, cfg.Queue.LeaveLabel)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel.Level())
	assert.True(t, cfg.Discord.GatewayEnabled)

	// the bot token has no default
	assert.Error(t, structValidator.Struct(cfg))
	cfg.Discord.Token = "token"
	assert.NoError(t, structValidator.Struct(cfg))
}

func TestDefaultCORSConfig_Copies(t *testing.T) {
	cors := DefaultCORSConfig()
	cors.AllowMethods[0] = "PATCH"
	assert.NotEqual(t, "PATCH", DefaultCORSAllowMethods[0])
}

func TestConfig_Validation(t *testing.T) {
	tests := []struct {
		name   string
		modify func(cfg *Config)
	}{
		{"missing token", func(cfg *Config) { cfg.Discord.Token = "" }},
		{"missing guild", func(cfg *Config) { cfg.Discord.GuildID = "" }},
		{"bad database type", func(cfg *Config) { cfg.DatabaseType = "mysql" }},
		{"zero fetch limit", func(cfg *Config) { cfg.Clean.FetchLimit = 0 }},
		{"fetch limit over max", func(cfg *Config) { cfg.Clean.FetchLimit = 101 }},
		{"empty join label", func(cfg *Config) { cfg.Queue.JoinLabel = "" }},
		{"negative rate", func(cfg *Config) { cfg.API.RequestsPerSecond = -1 }},
		{
			"webhook without key", func(cfg *Config) {
				cfg.Discord.WebhookServer.Enabled = true
				cfg.Discord.WebhookServer.PublicKey = ""
			},
		},
		{
			"bad listen network", func(cfg *Config) {
				cfg.API.ListenNetwork = "udp"
			},
		},
	}

	require.NoError(t, structValidator.Struct(DefaultTestConfig(t)))

	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				cfg := DefaultTestConfig(t)
				tc.modify(cfg)
				assert.Error(t, structValidator.Struct(cfg))
			},
		)
	}
}

func TestNew_IncompleteConfig(t *testing.T) {
	_, err := New(nil)
	assert.ErrorIs(t, err, errIncompleteConfig)

	cfg := DefaultTestConfig(t)
	cfg.Queue = nil
	_, err = New(cfg)
	assert.ErrorIs(t, err, errIncompleteConfig)
}

func TestNew_InvalidDatabaseType(t *testing.T) {
	cfg := DefaultTestConfig(t)
	cfg.DatabaseType = "mysql"
	_, err := New(cfg)
	assert.ErrorContains(t, err, "invalid database type")
}

func TestBot_ValidateConfig(t *testing.T) {
	bot, _ := newTestBot(t)
	assert.NoError(t, bot.ValidateConfig())

	bot.config.Discord.ErrorMessage = ""
	assert.Error(t, bot.ValidateConfig())
}

func TestConfig_LogValueRedactsToken(t *testing.T) {
	cfg := DefaultTestConfig(t)
	cfg.Discord.Token = "very-secret-token"
	value := cfg.LogValue().Resolve()
	assert.NotContains(t, value.String(), "very-secret-token")
}
