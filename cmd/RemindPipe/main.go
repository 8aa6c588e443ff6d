// Command RemindPipe runs the WhatsApp reminder assistant: the channel
// listener, the conversation router, the durable delivery queue, periodic
// maintenance and the HTTP API, all in one process.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	_ "time/tzdata"

	"github.com/BTreeMap/RemindPipe/internal/store"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for RemindPipe state data
	DefaultStateDir = "/var/lib/remindpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "remindpipe.db"
	// DefaultWhatsAppDBFileName holds the whatsmeow device session
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// EnvPrefix namespaces environment variables; unprefixed names are accepted too.
	EnvPrefix = "REMINDPIPE"
)

// Channel names accepted by CHANNEL / -channel.
const (
	ChannelCloudAPI  = "cloudapi"
	ChannelWhatsmeow = "whatsmeow"
	ChannelTwilio    = "twilio"
)

// Session backends accepted by SESSION_BACKEND / -session-backend.
const (
	SessionBackendMemory   = "memory"
	SessionBackendDatabase = "database"
)

// Config holds the process configuration. Values come from the environment
// (optionally via .env) and may be overridden by command line flags.
type Config struct {
	StateDir    string `envconfig:"STATE_DIR" default:"/var/lib/remindpipe"`
	DatabaseURL string `envconfig:"DATABASE_URL"`
	WhatsAppDSN string `envconfig:"WHATSAPP_DB_DSN"`

	Channel string `envconfig:"CHANNEL" default:"cloudapi"`

	// WhatsApp Cloud API
	CloudPhoneID     string `envconfig:"WHATSAPP_PHONE_ID"`
	CloudAccessToken string `envconfig:"WHATSAPP_ACCESS_TOKEN"`
	CloudVerifyToken string `envconfig:"WHATSAPP_VERIFY_TOKEN"`
	CloudAppSecret   string `envconfig:"WHATSAPP_APP_SECRET"`
	CloudAPIVersion  string `envconfig:"WHATSAPP_API_VERSION" default:"v18.0"`

	// whatsmeow login
	QROutput    string `envconfig:"WHATSAPP_QR_OUTPUT"`
	NumericCode bool   `envconfig:"WHATSAPP_NUMERIC_CODE" default:"false"`

	// Twilio
	TwilioSID        string `envconfig:"TWILIO_ACCOUNT_SID"`
	TwilioToken      string `envconfig:"TWILIO_AUTH_TOKEN"`
	TwilioFrom       string `envconfig:"TWILIO_FROM_NUMBER"`
	TwilioWebhookURL string `envconfig:"TWILIO_WEBHOOK_URL"`

	// OpenAI
	OpenAIKey       string `envconfig:"OPENAI_API_KEY"`
	OpenAIModel     string `envconfig:"OPENAI_MODEL" default:"gpt-4o"`
	ClassifierModel string `envconfig:"OPENAI_CLASSIFIER_MODEL"`
	OpenAIBaseURL   string `envconfig:"OPENAI_BASE_URL"`
	GenAIDebug      bool   `envconfig:"GENAI_DEBUG" default:"false"`

	CapabilityTimeout  time.Duration `envconfig:"CAPABILITY_TIMEOUT" default:"30s"`
	SessionIdleTimeout time.Duration `envconfig:"SESSION_IDLE_TIMEOUT" default:"30m"`
	HistoryTurns       int           `envconfig:"HISTORY_TURNS" default:"10"`
	SessionBackend     string        `envconfig:"SESSION_BACKEND" default:"memory"`

	JobPollInterval     time.Duration `envconfig:"JOB_POLL_INTERVAL" default:"5s"`
	DeliveryMaxAttempts int           `envconfig:"DELIVERY_MAX_ATTEMPTS" default:"5"`
	RetryBaseDelay      time.Duration `envconfig:"RETRY_BASE_DELAY" default:"30s"`
	InboundWorkers      int           `envconfig:"INBOUND_WORKERS" default:"4"`

	APIAddr  string `envconfig:"API_ADDR" default:":8080"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"debug"`
}

func main() {
	// Bootstrap logger until the configured level is known
	initializeLogger("debug")

	cfg, err := loadConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(2)
	}
	initializeLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping RemindPipe", "channel", cfg.Channel, "state_dir", cfg.StateDir, "api_addr", cfg.APIAddr)
	if err := run(ctx, cfg); err != nil {
		slog.Error("RemindPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("RemindPipe exited successfully")
}

// parseLogLevel maps LOG_LEVEL values onto slog levels. Unknown values mean debug.
func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}

// initializeLogger installs the default structured text logger.
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

// loadConfig reads .env, decodes the environment, then applies flag overrides.
// Flags win over environment values, which win over defaults.
func loadConfig(fs *flag.FlagSet, args []string) (Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to process environment variables: %w", err)
	}
	envStateDir := cfg.StateDir

	registerFlags(fs, &cfg)
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	resolveDefaults(&cfg, envStateDir)
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	slog.Debug("configuration loaded",
		"stateDir", cfg.StateDir,
		"dbType", store.DetectDSNType(cfg.DatabaseURL),
		"channel", cfg.Channel,
		"sessionBackend", cfg.SessionBackend,
		"openaiKeySet", cfg.OpenAIKey != "",
		"cloudTokenSet", cfg.CloudAccessToken != "",
		"twilioTokenSet", cfg.TwilioToken != "",
		"apiAddr", cfg.APIAddr)
	return cfg, nil
}

// registerFlags binds flags to cfg, using the decoded environment as defaults.
func registerFlags(fs *flag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.StateDir, "state-dir", cfg.StateDir, "state directory for RemindPipe data (overrides $STATE_DIR)")
	fs.StringVar(&cfg.DatabaseURL, "db-dsn", cfg.DatabaseURL, "SQLite path or Postgres URL (overrides $DATABASE_URL)")
	fs.StringVar(&cfg.WhatsAppDSN, "whatsapp-db-dsn", cfg.WhatsAppDSN, "whatsmeow session database (overrides $WHATSAPP_DB_DSN)")
	fs.StringVar(&cfg.Channel, "channel", cfg.Channel, "messaging channel: cloudapi, whatsmeow or twilio (overrides $CHANNEL)")
	fs.StringVar(&cfg.QROutput, "qr-output", cfg.QROutput, "path to write the whatsmeow login QR code")
	fs.BoolVar(&cfg.NumericCode, "numeric-code", cfg.NumericCode, "use numeric login code instead of QR code")
	fs.StringVar(&cfg.OpenAIKey, "openai-api-key", cfg.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)")
	fs.StringVar(&cfg.OpenAIModel, "openai-model", cfg.OpenAIModel, "chat model (overrides $OPENAI_MODEL)")
	fs.StringVar(&cfg.SessionBackend, "session-backend", cfg.SessionBackend, "session storage: memory or database (overrides $SESSION_BACKEND)")
	fs.IntVar(&cfg.InboundWorkers, "inbound-workers", cfg.InboundWorkers, "parallel inbound message workers (overrides $INBOUND_WORKERS)")
	fs.StringVar(&cfg.APIAddr, "api-addr", cfg.APIAddr, "API server address (overrides $API_ADDR)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error (overrides $LOG_LEVEL)")
}

// resolveDefaults derives file locations from the state directory when they
// were not configured explicitly.
func resolveDefaults(cfg *Config, envStateDir string) {
	if cfg.StateDir == "" {
		cfg.StateDir = DefaultStateDir
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = filepath.Join(cfg.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", cfg.DatabaseURL, "env_state_dir", envStateDir)
	}
	if cfg.WhatsAppDSN == "" {
		if store.DetectDSNType(cfg.DatabaseURL) == "postgres" {
			cfg.WhatsAppDSN = cfg.DatabaseURL
		} else {
			cfg.WhatsAppDSN = filepath.Join(cfg.StateDir, DefaultWhatsAppDBFileName)
		}
	}
	if cfg.ClassifierModel == "" {
		cfg.ClassifierModel = cfg.OpenAIModel
	}
	cfg.Channel = strings.ToLower(strings.TrimSpace(cfg.Channel))
	cfg.SessionBackend = strings.ToLower(strings.TrimSpace(cfg.SessionBackend))
}

func (c Config) validate() error {
	switch c.Channel {
	case ChannelCloudAPI, ChannelWhatsmeow, ChannelTwilio:
	default:
		return fmt.Errorf("unsupported channel %q", c.Channel)
	}
	switch c.SessionBackend {
	case SessionBackendMemory, SessionBackendDatabase:
	default:
		return fmt.Errorf("unsupported session backend %q", c.SessionBackend)
	}
	if c.InboundWorkers <= 0 {
		return fmt.Errorf("inbound workers must be positive, got %d", c.InboundWorkers)
	}
	if c.DeliveryMaxAttempts <= 0 {
		return fmt.Errorf("delivery max attempts must be positive, got %d", c.DeliveryMaxAttempts)
	}
	if c.JobPollInterval <= 0 {
		return fmt.Errorf("job poll interval must be positive, got %s", c.JobPollInterval)
	}
	return nil
}
