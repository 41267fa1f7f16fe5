package main

import (
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/api"
	"github.com/BTreeMap/FlowPipe/internal/flow"
	"github.com/BTreeMap/FlowPipe/internal/genai"
	"github.com/BTreeMap/FlowPipe/internal/loader"
	"github.com/BTreeMap/FlowPipe/internal/lockfile"
	"github.com/BTreeMap/FlowPipe/internal/messaging"
	"github.com/BTreeMap/FlowPipe/internal/store"
	"github.com/BTreeMap/FlowPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/FlowPipe/internal/util"
	"github.com/BTreeMap/FlowPipe/internal/whatsapp"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for FlowPipe state data
	DefaultStateDir = "/var/lib/flowpipe"
	// DefaultWhatsAppDBFileName is the default whatsmeow device database filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultAppDBFileName is the default SQLite database filename for conversation state
	DefaultAppDBFileName = "flowpipe.db"
	// DefaultFlowsDirName is the flows directory inside the state directory
	DefaultFlowsDirName = "flows"
	// DefaultLogLevel is used when FLOWPIPE_LOG_LEVEL is not set
	DefaultLogLevel = "debug"
)

func main() {
	initializeLogger(DefaultLogLevel)

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)
	initializeLogger(*flags.logLevel)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		slog.Error("Failed to lock state directory", "error", err)
		os.Exit(1)
	}

	waOpts := buildWhatsAppOptions(flags)
	twilioOpts := buildTwilioOptions(flags)
	storeOpts := buildStoreOptions(flags)
	genaiOpts := buildGenAIOptions(flags)
	apiOpts := buildAPIOptions(flags)

	slog.Info("Bootstrapping FlowPipe with configured modules")
	slog.Debug("Module options counts", "whatsapp", len(waOpts), "twilio", len(twilioOpts), "store", len(storeOpts), "genai", len(genaiOpts), "api", len(apiOpts))
	slog.Debug("Final configuration", "state_dir", *flags.stateDir, "app_dsn_set", *flags.appDBDSN != "", "redis_set", *flags.redisURL != "", "api_addr", *flags.apiAddr, "channel", *flags.channel)
	runErr := api.Run(waOpts, twilioOpts, storeOpts, genaiOpts, apiOpts)
	if err := lock.Release(); err != nil {
		slog.Warn("Failed to release state directory lock", "error", err)
	}
	if runErr != nil {
		slog.Error("FlowPipe failed to run", "error", runErr)
		os.Exit(1)
	}
	slog.Info("FlowPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir         string
	WhatsAppDBDSN    string
	ApplicationDBDSN string
	RedisURL         string
	FlowsDir         string
	DefaultFlow      string
	APIAddr          string
	Channel          string
	TwilioSID        string
	TwilioToken      string
	TwilioFrom       string
	TwilioWebhookURL string
	OpenAIKey        string
	OpenAIModel      string
	SessionTimeout   time.Duration
	FlowCacheTTL     time.Duration
	Workers          int
	NumericCode      bool
	LogLevel         string
}

// Flags holds command line flag values
type Flags struct {
	qrOutput         *string
	numeric          *bool
	stateDir         *string
	whatsappDBDSN    *string
	appDBDSN         *string
	redisURL         *string
	flowsDir         *string
	defaultFlow      *string
	apiAddr          *string
	channel          *string
	twilioSID        *string
	twilioToken      *string
	twilioFrom       *string
	twilioWebhookURL *string
	openaiKey        *string
	openaiModel      *string
	sessionTimeout   *time.Duration
	flowCacheTTL     *time.Duration
	workers          *int
	logLevel         *string
}

// initializeLogger sets up structured logging at the named level
func initializeLogger(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:         os.Getenv("FLOWPIPE_STATE_DIR"),
		WhatsAppDBDSN:    os.Getenv("WHATSAPP_DB_DSN"),
		ApplicationDBDSN: os.Getenv("DATABASE_DSN"),
		RedisURL:         os.Getenv("REDIS_URL"),
		FlowsDir:         os.Getenv("FLOWPIPE_FLOWS_DIR"),
		DefaultFlow:      os.Getenv("FLOWPIPE_DEFAULT_FLOW"),
		APIAddr:          os.Getenv("API_ADDR"),
		Channel:          os.Getenv("FLOWPIPE_CHANNEL"),
		TwilioSID:        os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioToken:      os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:       os.Getenv("TWILIO_FROM_NUMBER"),
		TwilioWebhookURL: os.Getenv("TWILIO_WEBHOOK_URL"),
		OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:      os.Getenv("OPENAI_MODEL"),
		SessionTimeout:   util.ParseDurationEnv("FLOWPIPE_SESSION_TIMEOUT", flow.DefaultSessionTimeout),
		FlowCacheTTL:     util.ParseDurationEnv("FLOWPIPE_FLOW_CACHE_TTL", loader.DefaultCacheTTL),
		Workers:          util.ParseIntEnv("FLOWPIPE_WORKERS", messaging.DefaultWorkers),
		NumericCode:      util.ParseBoolEnv("WHATSAPP_NUMERIC_CODE", false),
		LogLevel:         os.Getenv("FLOWPIPE_LOG_LEVEL"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No FLOWPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}

	// DATABASE_URL is accepted when DATABASE_DSN is not set
	if config.ApplicationDBDSN == "" {
		config.ApplicationDBDSN = os.Getenv("DATABASE_URL")
	}
	if config.ApplicationDBDSN == "" {
		config.ApplicationDBDSN = filepath.Join(config.StateDir, DefaultAppDBFileName)
		slog.Debug("No application database DSN provided, defaulting to SQLite", "sqlite_path", config.ApplicationDBDSN)
	}
	if config.WhatsAppDBDSN == "" {
		config.WhatsAppDBDSN = defaultWhatsAppDSN(config.StateDir)
	}
	if config.FlowsDir == "" {
		config.FlowsDir = filepath.Join(config.StateDir, DefaultFlowsDirName)
	}
	if config.APIAddr == "" {
		config.APIAddr = api.DefaultAddr
	}
	if config.Channel == "" {
		config.Channel = api.ChannelNone
	}
	if config.LogLevel == "" {
		config.LogLevel = DefaultLogLevel
	}

	slog.Debug("environment variables loaded",
		"FLOWPIPE_STATE_DIR", config.StateDir,
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDBDSN != "",
		"DATABASE_DSN_SET", config.ApplicationDBDSN != "",
		"REDIS_URL_SET", config.RedisURL != "",
		"FLOWPIPE_FLOWS_DIR", config.FlowsDir,
		"FLOWPIPE_DEFAULT_FLOW", config.DefaultFlow,
		"FLOWPIPE_CHANNEL", config.Channel,
		"TWILIO_ACCOUNT_SID_SET", config.TwilioSID != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"FLOWPIPE_SESSION_TIMEOUT", config.SessionTimeout,
		"FLOWPIPE_WORKERS", config.Workers)

	return config
}

func defaultWhatsAppDSN(stateDir string) string {
	return "file:" + filepath.Join(stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput:         flag.String("qr-output", "", "path to write login QR code"),
		numeric:          flag.Bool("numeric-code", config.NumericCode, "use numeric login code instead of QR code"),
		stateDir:         flag.String("state-dir", config.StateDir, "state directory for FlowPipe data (overrides $FLOWPIPE_STATE_DIR)"),
		whatsappDBDSN:    flag.String("whatsapp-db-dsn", config.WhatsAppDBDSN, "database DSN for the WhatsApp device store (overrides $WHATSAPP_DB_DSN)"),
		appDBDSN:         flag.String("app-db-dsn", config.ApplicationDBDSN, "database DSN for conversation state (overrides $DATABASE_DSN or $DATABASE_URL)"),
		redisURL:         flag.String("redis-url", config.RedisURL, "Redis URL for conversation state, takes precedence over the database (overrides $REDIS_URL)"),
		flowsDir:         flag.String("flows-dir", config.FlowsDir, "directory of YAML/JSON flow files (overrides $FLOWPIPE_FLOWS_DIR)"),
		defaultFlow:      flag.String("default-flow", config.DefaultFlow, "flow id new conversations start in (overrides $FLOWPIPE_DEFAULT_FLOW)"),
		apiAddr:          flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		channel:          flag.String("channel", config.Channel, "messaging channel: twilio, whatsapp or none (overrides $FLOWPIPE_CHANNEL)"),
		twilioSID:        flag.String("twilio-account-sid", config.TwilioSID, "Twilio account SID (overrides $TWILIO_ACCOUNT_SID)"),
		twilioToken:      flag.String("twilio-auth-token", config.TwilioToken, "Twilio auth token (overrides $TWILIO_AUTH_TOKEN)"),
		twilioFrom:       flag.String("twilio-from", config.TwilioFrom, "Twilio WhatsApp sender number (overrides $TWILIO_FROM_NUMBER)"),
		twilioWebhookURL: flag.String("twilio-webhook-url", config.TwilioWebhookURL, "public webhook URL used to verify Twilio signatures (overrides $TWILIO_WEBHOOK_URL)"),
		openaiKey:        flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		openaiModel:      flag.String("openai-model", config.OpenAIModel, "OpenAI model for generate_text actions (overrides $OPENAI_MODEL)"),
		sessionTimeout:   flag.Duration("session-timeout", config.SessionTimeout, "how long a question waits for an answer (overrides $FLOWPIPE_SESSION_TIMEOUT)"),
		flowCacheTTL:     flag.Duration("flow-cache-ttl", config.FlowCacheTTL, "how long parsed flows are cached (overrides $FLOWPIPE_FLOW_CACHE_TTL)"),
		workers:          flag.Int("workers", config.Workers, "number of inbound worker queues (overrides $FLOWPIPE_WORKERS)"),
		logLevel:         flag.String("log-level", config.LogLevel, "log level: debug, info, warn or error (overrides $FLOWPIPE_LOG_LEVEL)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"qrOutput", *flags.qrOutput,
		"numeric", *flags.numeric,
		"stateDir", *flags.stateDir,
		"whatsappDBDSN_set", *flags.whatsappDBDSN != "",
		"appDBDSN_set", *flags.appDBDSN != "",
		"flowsDir", *flags.flowsDir,
		"defaultFlow", *flags.defaultFlow,
		"channel", *flags.channel,
		"apiAddr", *flags.apiAddr)

	applyStateDir(config, flags)
	return flags
}

// applyStateDir moves the defaulted paths into a state directory given on the command line.
func applyStateDir(config Config, flags Flags) {
	if *flags.stateDir == config.StateDir {
		return
	}
	if *flags.whatsappDBDSN == defaultWhatsAppDSN(config.StateDir) {
		*flags.whatsappDBDSN = defaultWhatsAppDSN(*flags.stateDir)
	}
	if *flags.appDBDSN == filepath.Join(config.StateDir, DefaultAppDBFileName) {
		*flags.appDBDSN = filepath.Join(*flags.stateDir, DefaultAppDBFileName)
	}
	if *flags.flowsDir == filepath.Join(config.StateDir, DefaultFlowsDirName) {
		*flags.flowsDir = filepath.Join(*flags.stateDir, DefaultFlowsDirName)
	}
	slog.Debug("Updated paths based on state directory", "old_state_dir", config.StateDir, "new_state_dir", *flags.stateDir)
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if err := os.MkdirAll(*flags.stateDir, 0755); err != nil {
		slog.Error("Failed to create state directory", "error", err, "state_dir", *flags.stateDir)
		return err
	}
	if *flags.appDBDSN != "" && store.DetectDSNType(*flags.appDBDSN) == "sqlite3" {
		dir := filepath.Dir(*flags.appDBDSN)
		slog.Debug("Creating directory for application database", "dir", dir)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	if *flags.channel == api.ChannelWhatsApp && store.DetectDSNType(*flags.whatsappDBDSN) == "sqlite3" {
		dir := filepath.Dir(sqlitePath(*flags.whatsappDBDSN))
		slog.Debug("Creating directory for WhatsApp database", "dir", dir)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}

// sqlitePath strips the file: scheme and query parameters from a SQLite DSN.
func sqlitePath(dsn string) string {
	if len(dsn) > 5 && dsn[:5] == "file:" {
		dsn = dsn[5:]
	}
	for i := 0; i < len(dsn); i++ {
		if dsn[i] == '?' {
			return dsn[:i]
		}
	}
	return dsn
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if *flags.whatsappDBDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.whatsappDBDSN))
	}
	return waOpts
}

// buildTwilioOptions constructs Twilio configuration options
func buildTwilioOptions(flags Flags) []twiliowhatsapp.Option {
	var opts []twiliowhatsapp.Option
	if *flags.twilioSID != "" {
		opts = append(opts, twiliowhatsapp.WithAccountSID(*flags.twilioSID))
	}
	if *flags.twilioToken != "" {
		opts = append(opts, twiliowhatsapp.WithAuthToken(*flags.twilioToken))
	}
	if *flags.twilioFrom != "" {
		opts = append(opts, twiliowhatsapp.WithFromWhats(*flags.twilioFrom))
	}
	return opts
}

// buildStoreOptions constructs store configuration options. Redis wins over a database DSN.
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if flags.redisURL != nil && *flags.redisURL != "" {
		slog.Debug("Configuring Redis store")
		return append(storeOpts, store.WithRedisURL(*flags.redisURL))
	}
	if *flags.appDBDSN == "" {
		slog.Debug("No database DSN provided, will use in-memory store")
		return storeOpts
	}
	if store.DetectDSNType(*flags.appDBDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql")
		storeOpts = append(storeOpts, store.WithPostgresDSN(*flags.appDBDSN))
	} else {
		slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", *flags.appDBDSN)
		storeOpts = append(storeOpts, store.WithSQLiteDSN(*flags.appDBDSN))
	}
	return storeOpts
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	if flags.openaiModel != nil && *flags.openaiModel != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(*flags.openaiModel))
	}
	return genaiOpts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if *flags.channel != "" {
		apiOpts = append(apiOpts, api.WithChannel(*flags.channel))
	}
	if *flags.flowsDir != "" {
		apiOpts = append(apiOpts, api.WithFlowsDir(*flags.flowsDir))
	}
	if *flags.defaultFlow != "" {
		apiOpts = append(apiOpts, api.WithDefaultFlow(*flags.defaultFlow))
	}
	if *flags.sessionTimeout > 0 {
		apiOpts = append(apiOpts, api.WithSessionTimeout(*flags.sessionTimeout))
	}
	if *flags.flowCacheTTL > 0 {
		apiOpts = append(apiOpts, api.WithFlowCacheTTL(*flags.flowCacheTTL))
	}
	if *flags.workers > 0 {
		apiOpts = append(apiOpts, api.WithWorkers(*flags.workers))
	}
	if *flags.twilioToken != "" && *flags.twilioWebhookURL != "" {
		apiOpts = append(apiOpts, api.WithTwilioWebhookValidation(*flags.twilioToken, *flags.twilioWebhookURL))
	}
	return apiOpts
}
