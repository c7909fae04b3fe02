//nolint:lll // struct tags can't be split
package ocbot

import (
	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"github.com/go-playground/validator/v10"
	"log/slog"
	"net/http"
	"time"
)

const (
	EnvvarSetEnvPrefix     = "OCBOT_ENV_PREFIX"
	DefaultEnvPrefix       = "OC"
	DefaultDatabaseType    = "sqlite"
	DefaultDatabase        = "ocbot.sqlite3"
	DefaultLogLevel        = slog.LevelInfo
	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 30 * time.Second

	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultDatabaseLogLevel      = slog.LevelWarn

	DefaultDiscordLogLevel       = slog.LevelInfo
	DefaultDiscordgoLogLevel     = slog.LevelWarn
	DefaultDiscordCommandPrefix  = "!"
	DefaultDiscordStartupMessage = "I'm here!"
	DefaultDiscordCustomStatus   = "!commands"
	DefaultDiscordGatewayIntent  = discordgo.IntentGuilds |
		discordgo.IntentGuildMessages |
		discordgo.IntentDirectMessages |
		discordgo.IntentMessageContent
	discordMaxMessageLength = 2000

	DefaultDedupeHandlingTimeout    = 15 * time.Second
	DefaultDedupeReservationTTL     = 30 * time.Second
	DefaultDedupeGraceDelay         = 3 * time.Second
	DefaultDedupeHistoryLimit       = 50
	DefaultDedupeClaimTTL           = 2 * time.Minute
	DefaultDedupeClaimPurgeInterval = time.Minute
	DefaultDedupeLogLevel           = slog.LevelInfo

	DefaultChatBaseURL              = "https://openrouter.ai/api/v1"
	DefaultChatModel                = "tngtech/deepseek-r1t2-chimera:free"
	DefaultChatSystemPrompt         = "You are OCbot, a friendly and concise assistant in a Discord server."
	DefaultChatMemoryLimit          = 20
	DefaultChatDailyLimit           = 50
	DefaultChatAvgTokensPerMessage  = 500
	DefaultChatMaxRequestsPerSecond = 1.0
	DefaultChatRequestTimeout       = 60 * time.Second
	DefaultChatLogLevel             = slog.LevelInfo

	DefaultVoiceModel          = "gpt-4o-mini-tts"
	DefaultVoiceName           = "alloy"
	DefaultVoiceDailyLimit     = 50
	DefaultVoiceRequestTimeout = 60 * time.Second
	DefaultVoiceLogLevel       = slog.LevelInfo

	DefaultActionsBranch   = "main"
	DefaultActionsCacheTTL = 60 * time.Second
	DefaultActionsAPIURL   = "https://api.github.com"
	DefaultActionsRawURL   = "https://raw.githubusercontent.com"
	DefaultActionsLogLevel = slog.LevelInfo

	DefaultHTTPListen            = ":10000"
	DefaultHTTPLogLevel          = slog.LevelInfo
	DefaultReadTimeout           = 5 * time.Second
	DefaultReadHeaderTimeout     = 5 * time.Second
	DefaultWriteTimeout          = 10 * time.Second
	DefaultIdleTimeout           = 30 * time.Second
	DefaultAdminLoginRateLimit   = 1.0
	defaultListenNetwork         = "tcp"
	DefaultHTTPCORSAllowCreds    = false
	DefaultHTTPCORSMaxAge        = 12 * time.Hour
	DefaultAPIRepliesPageLimit   = 25
	DefaultAPIRepliesPageMaxSize = 200
)

var (
	structValidator = validator.New()
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
		"Authorization",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		xRequestIDHeader,
	}
)

type Config struct {
	// Database connection string, or sqlite file path
	Database string `yaml:"database" mapstructure:"database" json:"database" log:"[redacted]" binding:"required"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout limits the time allowed to migrate the database and
	// connect to the discord gateway
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout" binding:"min=1s"`

	// ShutdownTimeout is the time to allow for in-flight messages to
	// finish before Run returns anyway
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// Development enables pprof endpoints and permissive CORS
	Development bool `yaml:"development" mapstructure:"development" json:"development"`

	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord" binding:"required"`
	Dedupe  *DedupeConfig  `yaml:"dedupe" mapstructure:"dedupe" json:"dedupe" binding:"required"`
	Chat    *ChatConfig    `yaml:"chat" mapstructure:"chat" json:"chat" binding:"required"`
	Voice   *VoiceConfig   `yaml:"voice" mapstructure:"voice" json:"voice" binding:"required"`
	Actions *ActionsConfig `yaml:"actions" mapstructure:"actions" json:"actions" binding:"required"`
	HTTP    *HTTPConfig    `yaml:"http" mapstructure:"http" json:"http" binding:"required"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// DiscordConfig configures the discord bot itself.
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents. Message content is required to read commands.
	// See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	// CommandPrefix is the prefix messages must start with to be
	// treated as commands
	CommandPrefix string `yaml:"command_prefix" mapstructure:"command_prefix" json:"command_prefix" binding:"required"`

	// If set, StartupMessage is sent to this channel each time the bot
	// connects to the gateway
	NotificationChannelID string `yaml:"notification_channel_id" mapstructure:"notification_channel_id" json:"notification_channel_id"`

	StartupMessage string `yaml:"startup_message" mapstructure:"startup_message" json:"startup_message"`

	// CustomStatus is shown on the bot's profile
	CustomStatus string `yaml:"custom_status" mapstructure:"custom_status" json:"custom_status"`

	httpClient *http.Client
}

// DedupeConfig configures duplicate-reply suppression.
type DedupeConfig struct {
	// HandlingTimeout bounds how long an inbound message stays marked as
	// in-flight if its handler never finishes
	HandlingTimeout time.Duration `yaml:"handling_timeout" mapstructure:"handling_timeout" json:"handling_timeout" binding:"min=1ms"`

	// ReservationTTL is how long a local reply reservation lives. It
	// should outlast GraceDelay.
	ReservationTTL time.Duration `yaml:"reservation_ttl" mapstructure:"reservation_ttl" json:"reservation_ttl" binding:"min=1ms"`

	// GraceDelay is the pause between reserving a reply and re-checking
	// the channel for a reply from another instance
	GraceDelay time.Duration `yaml:"grace_delay" mapstructure:"grace_delay" json:"grace_delay" binding:"min=0"`

	// HistoryLimit is the number of recent channel messages inspected
	// for an existing reply (discord allows at most 100)
	HistoryLimit int `yaml:"history_limit" mapstructure:"history_limit" json:"history_limit" binding:"min=1,max=100"`

	// FailClosed treats a failed channel history lookup as "already
	// replied". By default, lookup failures are treated as "no reply".
	FailClosed bool `yaml:"fail_closed" mapstructure:"fail_closed" json:"fail_closed"`

	// SharedClaims enables an atomic per-message claim in the database,
	// shared by every instance using the same database
	SharedClaims bool `yaml:"shared_claims" mapstructure:"shared_claims" json:"shared_claims"`

	// ClaimTTL is how long a shared claim blocks other instances
	ClaimTTL time.Duration `yaml:"claim_ttl" mapstructure:"claim_ttl" json:"claim_ttl" binding:"min=1s"`

	// ClaimPurgeInterval is how often expired shared claims are deleted
	ClaimPurgeInterval time.Duration `yaml:"claim_purge_interval" mapstructure:"claim_purge_interval" json:"claim_purge_interval" binding:"min=1s"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// ChatConfig configures the OpenAI-compatible chat completion endpoint
// used by `!chat`. Users supply their own API key.
type ChatConfig struct {
	BaseURL      string `yaml:"base_url" mapstructure:"base_url" json:"base_url" binding:"required,url"`
	Model        string `yaml:"model" mapstructure:"model" json:"model" binding:"required"`
	SystemPrompt string `yaml:"system_prompt" mapstructure:"system_prompt" json:"system_prompt"`

	// MemoryLimit is the number of stored conversation turns sent
	// along with each request
	MemoryLimit int `yaml:"memory_limit" mapstructure:"memory_limit" json:"memory_limit" binding:"min=0"`

	// DailyLimit is the number of `!chat` requests allowed per user per day
	DailyLimit int `yaml:"daily_limit" mapstructure:"daily_limit" json:"daily_limit" binding:"min=0"`

	// AvgTokensPerMessage is used by `!info` to estimate messages
	// remaining under a user's token quota
	AvgTokensPerMessage int `yaml:"avg_tokens_per_message" mapstructure:"avg_tokens_per_message" json:"avg_tokens_per_message" binding:"min=1"`

	MaxRequestsPerSecond float64       `yaml:"max_requests_per_second" mapstructure:"max_requests_per_second" json:"max_requests_per_second" binding:"gt=0"`
	RequestTimeout       time.Duration `yaml:"request_timeout" mapstructure:"request_timeout" json:"request_timeout" binding:"min=1s"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// VoiceConfig configures text-to-speech for `!voice`.
type VoiceConfig struct {
	// BaseURL overrides the OpenAI API URL. Empty uses the library default.
	BaseURL      string `yaml:"base_url" mapstructure:"base_url" json:"base_url" binding:"omitempty,url"`
	Model        string `yaml:"model" mapstructure:"model" json:"model" binding:"required"`
	DefaultVoice string `yaml:"default_voice" mapstructure:"default_voice" json:"default_voice" binding:"required"`
	DailyLimit   int    `yaml:"daily_limit" mapstructure:"daily_limit" json:"daily_limit" binding:"min=0"`

	// TempDir is where synthesized audio is written before upload.
	// Empty uses os.TempDir().
	TempDir string `yaml:"temp_dir" mapstructure:"temp_dir" json:"temp_dir"`

	RequestTimeout time.Duration  `yaml:"request_timeout" mapstructure:"request_timeout" json:"request_timeout" binding:"min=1s"`
	LogLevel       *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// ActionsConfig points `!actions` at a GitHub repository of GIFs.
type ActionsConfig struct {
	// Repo is the "owner/name" of the repository. Empty disables actions.
	Repo string `yaml:"repo" mapstructure:"repo" json:"repo"`

	// Token is an optional GitHub token, for higher API rate limits
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]"`

	Branch string `yaml:"branch" mapstructure:"branch" json:"branch" binding:"required"`

	// Path is the directory within the repository to list. Empty lists
	// the repository root.
	Path string `yaml:"path" mapstructure:"path" json:"path"`

	CacheTTL time.Duration `yaml:"cache_ttl" mapstructure:"cache_ttl" json:"cache_ttl"`
	APIURL   string        `yaml:"api_url" mapstructure:"api_url" json:"api_url" binding:"required,url"`
	RawURL   string        `yaml:"raw_url" mapstructure:"raw_url" json:"raw_url" binding:"required,url"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// HTTPConfig configures the keep-alive/health/admin HTTP server
type HTTPConfig struct {
	// Determines if the HTTP server should be started
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., ":10000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"required_if=Enabled true,omitempty,oneof=tcp tcp4 tcp6 unix"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// AdminLoginRateLimit is the number of failed admin token checks
	// allowed per second
	AdminLoginRateLimit float64 `yaml:"admin_login_rate_limit" mapstructure:"admin_login_rate_limit" json:"admin_login_rate_limit" binding:"gt=0"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"required_if=Enabled true"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout" binding:"required_if=Enabled true"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout" binding:"required_if=Enabled true"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout" binding:"required_if=Enabled true"`
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
		MaxAge:           DefaultHTTPCORSMaxAge,
		AllowCredentials: DefaultHTTPCORSAllowCreds,
	}
}

// validateDedupeConfig rejects reservation TTLs that would expire
// before the grace delay's recheck finishes
func validateDedupeConfig(sl validator.StructLevel) {
	value, ok := sl.Current().Interface().(DedupeConfig)
	if !ok {
		return
	}
	if value.ReservationTTL <= value.GraceDelay {
		sl.ReportError(
			value.ReservationTTL,
			"reservation_ttl",
			"ReservationTTL",
			"gtfield",
			"grace_delay",
		)
	}
}

func newLevelVar(level slog.Level) *slog.LevelVar {
	lvl := &slog.LevelVar{}
	lvl.Set(level)
	return lvl
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      newLevelVar(DefaultDatabaseLogLevel),
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              newLevelVar(DefaultLogLevel),
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		Discord: &DiscordConfig{
			LogLevel:          newLevelVar(DefaultDiscordLogLevel),
			DiscordGoLogLevel: newLevelVar(DefaultDiscordgoLogLevel),
			GatewayIntents:    DefaultDiscordGatewayIntent,
			CommandPrefix:     DefaultDiscordCommandPrefix,
			StartupMessage:    DefaultDiscordStartupMessage,
			CustomStatus:      DefaultDiscordCustomStatus,
		},
		Dedupe: &DedupeConfig{
			HandlingTimeout:    DefaultDedupeHandlingTimeout,
			ReservationTTL:     DefaultDedupeReservationTTL,
			GraceDelay:         DefaultDedupeGraceDelay,
			HistoryLimit:       DefaultDedupeHistoryLimit,
			ClaimTTL:           DefaultDedupeClaimTTL,
			ClaimPurgeInterval: DefaultDedupeClaimPurgeInterval,
			LogLevel:           newLevelVar(DefaultDedupeLogLevel),
		},
		Chat: &ChatConfig{
			BaseURL:              DefaultChatBaseURL,
			Model:                DefaultChatModel,
			SystemPrompt:         DefaultChatSystemPrompt,
			MemoryLimit:          DefaultChatMemoryLimit,
			DailyLimit:           DefaultChatDailyLimit,
			AvgTokensPerMessage:  DefaultChatAvgTokensPerMessage,
			MaxRequestsPerSecond: DefaultChatMaxRequestsPerSecond,
			RequestTimeout:       DefaultChatRequestTimeout,
			LogLevel:             newLevelVar(DefaultChatLogLevel),
		},
		Voice: &VoiceConfig{
			Model:          DefaultVoiceModel,
			DefaultVoice:   DefaultVoiceName,
			DailyLimit:     DefaultVoiceDailyLimit,
			RequestTimeout: DefaultVoiceRequestTimeout,
			LogLevel:       newLevelVar(DefaultVoiceLogLevel),
		},
		Actions: &ActionsConfig{
			Branch:   DefaultActionsBranch,
			CacheTTL: DefaultActionsCacheTTL,
			APIURL:   DefaultActionsAPIURL,
			RawURL:   DefaultActionsRawURL,
			LogLevel: newLevelVar(DefaultActionsLogLevel),
		},
		HTTP: &HTTPConfig{
			Enabled:             true,
			Listen:              DefaultHTTPListen,
			ListenNetwork:       defaultListenNetwork,
			LogLevel:            newLevelVar(DefaultHTTPLogLevel),
			CORS:                DefaultCORSConfig(),
			AdminLoginRateLimit: DefaultAdminLoginRateLimit,
			ReadTimeout:         DefaultReadTimeout,
			ReadHeaderTimeout:   DefaultReadHeaderTimeout,
			WriteTimeout:        DefaultWriteTimeout,
			IdleTimeout:         DefaultIdleTimeout,
		},
	}
}

//nolint:gochecknoinits // gotta register the validators
func init() {
	structValidator.SetTagName("binding")
	structValidator.RegisterStructValidation(validateDedupeConfig, DedupeConfig{})
}
