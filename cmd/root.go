package cmd

import (
	"context"
	"fmt"
	"github.com/hlord2000/discordbot/discordbot"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
)

const (
	envBotToken = "BOT_TOKEN"
	envGuildID  = "GUILD_ID"
)

var (
	cfg        = discordbot.DefaultConfig()
	configFile string
)

// zeroFields replaces slices and maps instead of merging into the
// defaults already held by cfg
var zeroFields viper.DecoderConfigOption = func(dc *mapstructure.DecoderConfig) {
	dc.ZeroFields = true
}

var rootCmd = &cobra.Command{
	Use: "discordbot [flags]",
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
			zeroFields,
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(level) {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// LevelToStringHookFunc decodes log level strings (ex: "INFO") into
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

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
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
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("database", discordbot.DefaultDatabase)
	viper.SetDefault("database_type", discordbot.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		discordbot.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		discordbot.DefaultDatabaseLogLevel.String(),
	)
	viper.SetDefault("development", false)

	viper.SetDefault("log_level", discordbot.DefaultLogLevel.String())

	viper.SetDefault("startup_timeout", discordbot.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", discordbot.DefaultShutdownTimeout)

	// Queue/clean command config
	viper.SetDefault("queue.join_label", discordbot.DefaultQueueJoinLabel)
	viper.SetDefault("queue.leave_label", discordbot.DefaultQueueLeaveLabel)
	viper.SetDefault("queue.closed_message", discordbot.DefaultQueueClosedMessage)
	viper.SetDefault("clean.fetch_limit", discordbot.DefaultCleanFetchLimit)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", discordbot.DefaultDiscordGuildID)
	viper.SetDefault(
		"discord.log_level",
		discordbot.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		discordbot.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		discordbot.DefaultDiscordGatewayIntent,
	)
	viper.SetDefault("discord.gateway_enabled", true)
	viper.SetDefault("discord.register_commands_on_startup", true)
	viper.SetDefault("discord.error_message", discordbot.DefaultDiscordErrorMessage)

	// Discord: Webhook server
	viper.SetDefault("discord.webhook_server.enabled", false)
	viper.SetDefault(
		"discord.webhook_server.listen",
		discordbot.DefaultDiscordWebhookServerListen,
	)
	viper.SetDefault("discord.webhook_server.listen_network", "tcp")
	viper.SetDefault("discord.webhook_server.public_key", "")
	viper.SetDefault(
		"discord.webhook_server.read_timeout",
		discordbot.DefaultReadTimeout,
	)
	viper.SetDefault(
		"discord.webhook_server.read_header_timeout",
		discordbot.DefaultReadHeaderTimeout,
	)
	viper.SetDefault(
		"discord.webhook_server.write_timeout",
		discordbot.DefaultWriteTimeout,
	)
	viper.SetDefault(
		"discord.webhook_server.idle_timeout",
		discordbot.DefaultIdleTimeout,
	)
	viper.SetDefault(
		"discord.webhook_server.log_level",
		discordbot.DefaultDiscordWebhookLogLevel.String(),
	)

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// Discord: Webhook server: SSL
	fatalErr(viper.BindEnv("discord.webhook_server.ssl.cert_file"))
	fatalErr(viper.BindEnv("discord.webhook_server.ssl.key_file"))
	fatalErr(viper.BindEnv("discord.webhook_server.ssl.tls_min_version"))

	// API config
	viper.SetDefault("api.enabled", true)
	viper.SetDefault("api.listen", discordbot.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.log_level", discordbot.DefaultAPILogLevel.String())
	viper.SetDefault("api.requests_per_second", discordbot.DefaultAPIRequestsPerSecond)
	viper.SetDefault("api.request_burst", discordbot.DefaultAPIRequestBurst)
	viper.SetDefault("api.read_timeout", discordbot.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		discordbot.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", discordbot.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", discordbot.DefaultIdleTimeout)

	// API: SSL config
	fatalErr(viper.BindEnv("api.ssl.cert_file"))
	fatalErr(viper.BindEnv("api.ssl.key_file"))
	fatalErr(viper.BindEnv("api.ssl.tls_min_version"))

	// API: CORS config
	viper.SetDefault(
		"api.cors.allow_headers",
		discordbot.DefaultCORSAllowHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_methods",
		discordbot.DefaultCORSAllowMethods,
	)
	viper.SetDefault(
		"api.cors.expose_headers",
		discordbot.DefaultCORSExposeHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_origins",
		[]string{},
	)
	viper.SetDefault("api.cors.max_age", discordbot.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		discordbot.DefaultAPICORSAllowCredentials,
	)

	envPrefix := os.Getenv(discordbot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = discordbot.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// the bot token and guild ID are also read from their
	// unprefixed names, which take lower precedence
	fatalErr(viper.BindEnv("discord.token", envPrefix+"_DISCORD_TOKEN", envBotToken))
	fatalErr(viper.BindEnv("discord.guild_id", envPrefix+"_DISCORD_GUILD_ID", envGuildID))

	// Convert values to correct types
	viper.Set(
		"api.cors.allow_headers",
		viper.GetStringSlice("api.cors.allow_headers"),
	)
	viper.Set(
		"api.cors.allow_origins",
		viper.GetStringSlice("api.cors.allow_origins"),
	)
	viper.Set(
		"api.cors.allow_methods",
		viper.GetStringSlice("api.cors.allow_methods"),
	)
	viper.Set(
		"api.cors.expose_headers",
		viper.GetStringSlice("api.cors.expose_headers"),
	)

	for _, key := range []string{
		"log_level",
		"database_log_level",
		"discord.log_level",
		"discord.discordgo_log_level",
		"discord.webhook_server.log_level",
		"api.log_level",
	} {
		if _, ok := viper.Get(key).(*slog.LevelVar); ok {
			continue
		}
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
