package cmd

import (
	"context"
	"fmt"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/xander1211-1/ocbot/ocbot"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Environment variables read without the prefix, for compatibility with
// existing deployments
const (
	envAliasToken               = "TOKEN"
	envAliasPort                = "PORT"
	envAliasGithubRepo          = "GITHUB_REPO"
	envAliasGithubToken         = "GITHUB_TOKEN"
	envAliasDedupeDelayMS       = "DEDUPE_DELAY_MS"
	envAliasDailyVoiceLimit     = "DAILY_VOICE_LIMIT"
	envAliasDailyChatLimit      = "DAILY_CHAT_LIMIT"
	envAliasAvgTokensPerMessage = "AVG_TOKENS_PER_MESSAGE"
)

var (
	cfg        = ocbot.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "ocbot [flags]",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
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
			return fmt.Errorf("error loading config: %w", err)
		}
		return nil
	},
}

func getLogLevel(level string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
	return lvl, nil
}

// LevelToStringHookFunc decodes level names ("DEBUG", "warn", ...)
// into *slog.LevelVar fields
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
	viper.SetDefault("database", ocbot.DefaultDatabase)
	viper.SetDefault("database_type", ocbot.DefaultDatabaseType)
	viper.SetDefault("database_slow_threshold", ocbot.DefaultDatabaseSlowThreshold)
	viper.SetDefault("database_log_level", ocbot.DefaultDatabaseLogLevel.String())
	viper.SetDefault("log_level", ocbot.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", ocbot.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", ocbot.DefaultShutdownTimeout)
	viper.SetDefault("development", false)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.log_level", ocbot.DefaultDiscordLogLevel.String())
	viper.SetDefault("discord.discordgo_log_level", ocbot.DefaultDiscordgoLogLevel.String())
	viper.SetDefault("discord.gateway_intents", int(ocbot.DefaultDiscordGatewayIntent))
	viper.SetDefault("discord.command_prefix", ocbot.DefaultDiscordCommandPrefix)
	viper.SetDefault("discord.notification_channel_id", "")
	viper.SetDefault("discord.startup_message", ocbot.DefaultDiscordStartupMessage)
	viper.SetDefault("discord.custom_status", ocbot.DefaultDiscordCustomStatus)

	// Dedupe config
	viper.SetDefault("dedupe.handling_timeout", ocbot.DefaultDedupeHandlingTimeout)
	viper.SetDefault("dedupe.reservation_ttl", ocbot.DefaultDedupeReservationTTL)
	viper.SetDefault("dedupe.grace_delay", ocbot.DefaultDedupeGraceDelay)
	viper.SetDefault("dedupe.history_limit", ocbot.DefaultDedupeHistoryLimit)
	viper.SetDefault("dedupe.fail_closed", false)
	viper.SetDefault("dedupe.shared_claims", false)
	viper.SetDefault("dedupe.claim_ttl", ocbot.DefaultDedupeClaimTTL)
	viper.SetDefault("dedupe.claim_purge_interval", ocbot.DefaultDedupeClaimPurgeInterval)
	viper.SetDefault("dedupe.log_level", ocbot.DefaultDedupeLogLevel.String())

	// Chat config
	viper.SetDefault("chat.base_url", ocbot.DefaultChatBaseURL)
	viper.SetDefault("chat.model", ocbot.DefaultChatModel)
	viper.SetDefault("chat.system_prompt", ocbot.DefaultChatSystemPrompt)
	viper.SetDefault("chat.memory_limit", ocbot.DefaultChatMemoryLimit)
	viper.SetDefault("chat.daily_limit", ocbot.DefaultChatDailyLimit)
	viper.SetDefault("chat.avg_tokens_per_message", ocbot.DefaultChatAvgTokensPerMessage)
	viper.SetDefault("chat.max_requests_per_second", ocbot.DefaultChatMaxRequestsPerSecond)
	viper.SetDefault("chat.request_timeout", ocbot.DefaultChatRequestTimeout)
	viper.SetDefault("chat.log_level", ocbot.DefaultChatLogLevel.String())

	// Voice config
	viper.SetDefault("voice.base_url", "")
	viper.SetDefault("voice.model", ocbot.DefaultVoiceModel)
	viper.SetDefault("voice.default_voice", ocbot.DefaultVoiceName)
	viper.SetDefault("voice.daily_limit", ocbot.DefaultVoiceDailyLimit)
	viper.SetDefault("voice.temp_dir", "")
	viper.SetDefault("voice.request_timeout", ocbot.DefaultVoiceRequestTimeout)
	viper.SetDefault("voice.log_level", ocbot.DefaultVoiceLogLevel.String())

	// Actions config
	viper.SetDefault("actions.repo", "")
	viper.SetDefault("actions.token", "")
	viper.SetDefault("actions.branch", ocbot.DefaultActionsBranch)
	viper.SetDefault("actions.path", "")
	viper.SetDefault("actions.cache_ttl", ocbot.DefaultActionsCacheTTL)
	viper.SetDefault("actions.api_url", ocbot.DefaultActionsAPIURL)
	viper.SetDefault("actions.raw_url", ocbot.DefaultActionsRawURL)
	viper.SetDefault("actions.log_level", ocbot.DefaultActionsLogLevel.String())

	// HTTP config
	viper.SetDefault("http.enabled", true)
	viper.SetDefault("http.listen", ocbot.DefaultHTTPListen)
	viper.SetDefault("http.listen_network", "tcp")
	viper.SetDefault("http.log_level", ocbot.DefaultHTTPLogLevel.String())
	viper.SetDefault("http.admin_login_rate_limit", ocbot.DefaultAdminLoginRateLimit)
	viper.SetDefault("http.read_timeout", ocbot.DefaultReadTimeout)
	viper.SetDefault("http.read_header_timeout", ocbot.DefaultReadHeaderTimeout)
	viper.SetDefault("http.write_timeout", ocbot.DefaultWriteTimeout)
	viper.SetDefault("http.idle_timeout", ocbot.DefaultIdleTimeout)

	// HTTP: CORS config
	viper.SetDefault("http.cors.allow_headers", ocbot.DefaultCORSAllowHeaders)
	viper.SetDefault("http.cors.allow_methods", ocbot.DefaultCORSAllowMethods)
	viper.SetDefault("http.cors.expose_headers", ocbot.DefaultCORSExposeHeaders)
	viper.SetDefault("http.cors.allow_origins", []string{})
	viper.SetDefault("http.cors.max_age", ocbot.DefaultHTTPCORSMaxAge)
	viper.SetDefault("http.cors.allow_credentials", ocbot.DefaultHTTPCORSAllowCreds)
}

// bindEnvAliases binds the unprefixed environment variable names.
// The prefixed name is bound first, so it takes precedence.
func bindEnvAliases(envPrefix string) error {
	envName := func(key string) string {
		return envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
	}
	for key, alias := range map[string]string{
		"discord.token":               envAliasToken,
		"actions.repo":                envAliasGithubRepo,
		"actions.token":               envAliasGithubToken,
		"voice.daily_limit":           envAliasDailyVoiceLimit,
		"chat.daily_limit":            envAliasDailyChatLimit,
		"chat.avg_tokens_per_message": envAliasAvgTokensPerMessage,
	} {
		if err := viper.BindEnv(key, envName(key), alias); err != nil {
			return err
		}
	}

	// these aliases have a different format than the config key, so
	// they're applied as defaults, which the prefixed variables override
	if port := os.Getenv(envAliasPort); port != "" {
		viper.SetDefault("http.listen", ":"+port)
	}
	if delay := os.Getenv(envAliasDedupeDelayMS); delay != "" {
		ms, err := strconv.Atoi(delay)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", envAliasDedupeDelayMS, err)
		}
		viper.SetDefault("dedupe.grace_delay", time.Duration(ms)*time.Millisecond)
	}
	return nil
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

	setDefaults()

	envPrefix := os.Getenv(ocbot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = ocbot.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	if err := bindEnvAliases(envPrefix); err != nil {
		log.Fatalf("error: %v", err)
	}
}

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		".env file to load",
	)
}
