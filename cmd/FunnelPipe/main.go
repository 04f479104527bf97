package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/api"
	"github.com/BTreeMap/FunnelPipe/internal/evolution"
	"github.com/BTreeMap/FunnelPipe/internal/flow"
	"github.com/BTreeMap/FunnelPipe/internal/idempotency"
	"github.com/BTreeMap/FunnelPipe/internal/models"
	"github.com/BTreeMap/FunnelPipe/internal/scheduler"
	"github.com/BTreeMap/FunnelPipe/internal/store"
	"github.com/BTreeMap/FunnelPipe/internal/util"
	"github.com/BTreeMap/FunnelPipe/internal/whatsapp"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for FunnelPipe state data
	DefaultStateDir = "/var/lib/funnelpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "funnelpipe.db"
	// DefaultWhatsAppDBFileName is the default whatsmeow session database filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// MemoryDSN selects the in-memory store
	MemoryDSN = "memory"
	// DefaultPaymentTimeout is how long a pending PIX waits for approval
	DefaultPaymentTimeout = 7 * time.Minute
	// DefaultIdempotencyTTL is the deduplication window for sends and events
	DefaultIdempotencyTTL = 5 * time.Minute
	// DefaultSendTimeout bounds a single gateway request
	DefaultSendTimeout = 15 * time.Second
)

// Gateway instance drivers accepted in GATEWAY_INSTANCES.
const (
	DriverEvolution = "evolution"
	DriverWhatsmeow = "whatsmeow"
	DriverTwilio    = "twilio"
)

// Idempotency backends accepted in IDEMPOTENCY_BACKEND.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendStore  = "store"
)

// DefaultInstances is the instance pool used when GATEWAY_INSTANCES is unset.
var DefaultInstances = []string{"GABY01", "GABY02", "GABY03", "GABY04", "GABY05", "GABY06", "GABY07", "GABY08", "GABY09"}

func main() {
	// Initialize structured logger
	initializeLogger(os.Getenv("LOG_LEVEL"))

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags, err := parseCommandLineFlags(config, os.Args[1:])
	if err != nil {
		slog.Error("Failed to parse command line flags", "error", err)
		os.Exit(2)
	}

	// Ensure required directories exist
	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	slog.Info("Bootstrapping FunnelPipe with configured modules")
	slog.Debug("Final configuration",
		"state_dir", *flags.stateDir,
		"dsn_set", *flags.dbDSN != "",
		"api_addr", *flags.apiAddr,
		"instances", *flags.instances)
	if err := run(config, flags); err != nil {
		slog.Error("FunnelPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("FunnelPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir    string
	DatabaseURL string
	WhatsAppDSN string
	APIAddr     string
	Instances   string

	EvolutionBaseURL string
	EvolutionAPIKey  string

	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFrom       string

	IdempotencyBackend string
	IdempotencyTTL     time.Duration
	RedisAddr          string
	RedisPassword      string
	RedisDB            int

	PaymentTimeout time.Duration
	AckTimeout     time.Duration
	SendTimeout    time.Duration
	ProductMapping map[string]string

	StallReportCron string
	StallAfter      time.Duration
}

// Flags holds command line flag values
type Flags struct {
	qrOutput  *string
	numeric   *bool
	stateDir  *string
	dbDSN     *string
	apiAddr   *string
	instances *string
}

// initializeLogger sets up structured logging at the named level, defaulting to info.
func initializeLogger(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
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
		StateDir:           os.Getenv("FUNNELPIPE_STATE_DIR"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		WhatsAppDSN:        os.Getenv("WHATSAPP_DB_DSN"),
		APIAddr:            os.Getenv("API_ADDR"),
		Instances:          strings.Join(util.ParseListEnv("GATEWAY_INSTANCES", DefaultInstances), ","),
		EvolutionBaseURL:   os.Getenv("EVOLUTION_BASE_URL"),
		EvolutionAPIKey:    os.Getenv("EVOLUTION_API_KEY"),
		TwilioAccountSID:   os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:    os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:         os.Getenv("TWILIO_FROM_NUMBER"),
		IdempotencyBackend: strings.ToLower(os.Getenv("IDEMPOTENCY_BACKEND")),
		IdempotencyTTL:     util.ParseDurationEnv("IDEMPOTENCY_TTL", DefaultIdempotencyTTL, time.Second),
		RedisAddr:          os.Getenv("REDIS_ADDR"),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		RedisDB:            util.ParseIntEnv("REDIS_DB", 0),
		PaymentTimeout:     util.ParseDurationEnv("PIX_TIMEOUT", DefaultPaymentTimeout, time.Minute),
		AckTimeout:         util.ParseDurationEnv("ACK_TIMEOUT", 0, time.Millisecond),
		SendTimeout:        util.ParseDurationEnv("SEND_TIMEOUT", DefaultSendTimeout, time.Millisecond),
		StallReportCron:    os.Getenv("STALL_REPORT_CRON"),
		StallAfter:         util.ParseDurationEnv("STALL_REPORT_AFTER", scheduler.DefaultStallAfter, time.Hour),
	}

	// Set default state directory if not specified
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No FUNNELPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	} else {
		slog.Debug("FUNNELPIPE_STATE_DIR found in environment", "state_dir", config.StateDir)
	}
	if config.APIAddr == "" {
		config.APIAddr = api.DefaultAddr
	}
	if config.IdempotencyBackend == "" {
		config.IdempotencyBackend = BackendMemory
	}
	if config.StallReportCron == "" {
		config.StallReportCron = scheduler.DefaultStallReportCron
	}

	mapping, err := parseProductMapping(os.Getenv("PRODUCT_MAPPING"))
	if err != nil {
		slog.Warn("Ignoring invalid PRODUCT_MAPPING, using defaults", "error", err)
		mapping = models.DefaultProductMapping()
	}
	config.ProductMapping = mapping

	slog.Debug("environment variables loaded",
		"FUNNELPIPE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDSN != "",
		"API_ADDR", config.APIAddr,
		"GATEWAY_INSTANCES", config.Instances,
		"EVOLUTION_BASE_URL", config.EvolutionBaseURL,
		"EVOLUTION_API_KEY_SET", config.EvolutionAPIKey != "",
		"IDEMPOTENCY_BACKEND", config.IdempotencyBackend,
		"PIX_TIMEOUT", config.PaymentTimeout,
		"ACK_TIMEOUT", config.AckTimeout,
		"products", len(config.ProductMapping))

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config, args []string) (Flags, error) {
	fs := flag.NewFlagSet("funnelpipe", flag.ContinueOnError)
	flags := Flags{
		qrOutput:  fs.String("qr-output", "", "path to write whatsmeow login QR codes"),
		numeric:   fs.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		stateDir:  fs.String("state-dir", config.StateDir, "state directory for FunnelPipe data (overrides $FUNNELPIPE_STATE_DIR)"),
		dbDSN:     fs.String("db-dsn", config.DatabaseURL, "store DSN, a SQLite path, a PostgreSQL URL or \"memory\" (overrides $DATABASE_URL)"),
		apiAddr:   fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		instances: fs.String("instances", config.Instances, "comma-separated gateway instances as name[:driver] (overrides $GATEWAY_INSTANCES)"),
	}
	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	// Default to SQLite in the (possibly overridden) state directory
	if *flags.dbDSN == "" {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", *flags.dbDSN)
	}

	slog.Debug("flags parsed",
		"qrOutput", *flags.qrOutput,
		"numeric", *flags.numeric,
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"apiAddr", *flags.apiAddr,
		"instances", *flags.instances)
	return flags, nil
}

// ensureDirectoriesExist creates the state directory and, for file-based
// stores, the directory holding the database file.
func ensureDirectoriesExist(flags Flags) error {
	dirs := []string{*flags.stateDir}
	if dsn := *flags.dbDSN; dsn != MemoryDSN && store.DetectDSNType(dsn) == store.DialectSQLite {
		dirs = append(dirs, filepath.Dir(dsn))
	}
	for _, dir := range dirs {
		slog.Debug("Creating state directory", "state_dir", dir)
		if err := os.MkdirAll(dir, 0755); err != nil {
			slog.Error("Failed to create state directory", "error", err, "state_dir", dir)
			return err
		}
	}
	return nil
}

// InstanceSpec names one gateway instance and the driver that serves it.
type InstanceSpec struct {
	Name   string
	Driver string
}

// parseInstanceSpecs parses "GABY01,GABY02:whatsmeow" into specs. Instances
// without a driver use the Evolution API.
func parseInstanceSpecs(raw string) ([]InstanceSpec, error) {
	var specs []InstanceSpec
	seen := make(map[string]bool)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, driver, _ := strings.Cut(part, ":")
		name = strings.TrimSpace(name)
		driver = strings.ToLower(strings.TrimSpace(driver))
		if driver == "" {
			driver = DriverEvolution
		}
		switch driver {
		case DriverEvolution, DriverWhatsmeow, DriverTwilio:
		default:
			return nil, fmt.Errorf("instance %s: unknown driver %q", name, driver)
		}
		if name == "" {
			return nil, fmt.Errorf("empty instance name in %q", part)
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate instance %s", name)
		}
		seen[name] = true
		specs = append(specs, InstanceSpec{Name: name, Driver: driver})
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("no gateway instances configured")
	}
	return specs, nil
}

// parseProductMapping parses "offer=CS,offer2=FAB". An empty value yields
// the built-in mapping.
func parseProductMapping(raw string) (map[string]string, error) {
	if strings.TrimSpace(raw) == "" {
		return models.DefaultProductMapping(), nil
	}
	mapping := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		offer, product, ok := strings.Cut(pair, "=")
		offer = strings.TrimSpace(offer)
		product = strings.ToUpper(strings.TrimSpace(product))
		if !ok || offer == "" {
			return nil, fmt.Errorf("invalid product mapping entry %q", pair)
		}
		if product != models.ProductCS && product != models.ProductFAB {
			return nil, fmt.Errorf("offer %s: unknown product %q", offer, product)
		}
		mapping[offer] = product
	}
	return mapping, nil
}

// whatsAppDSN returns the whatsmeow session database DSN, defaulting to a
// SQLite file with foreign keys in the state directory.
func whatsAppDSN(config Config, flags Flags) string {
	if config.WhatsAppDSN != "" {
		return config.WhatsAppDSN
	}
	return "file:" + filepath.Join(*flags.stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
}

// buildWhatsAppOptions constructs whatsmeow options for one instance
func buildWhatsAppOptions(config Config, flags Flags, instance string) []whatsapp.Option {
	waOpts := []whatsapp.Option{
		whatsapp.WithInstanceName(instance),
		whatsapp.WithDBDSN(whatsAppDSN(config, flags)),
	}
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	return waOpts
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	dsn := *flags.dbDSN
	switch {
	case dsn == "" || dsn == MemoryDSN:
		slog.Debug("No database DSN provided, will use in-memory store")
	case store.DetectDSNType(dsn) == store.DialectPostgres:
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql", "dsn_set", true)
		storeOpts = append(storeOpts, store.WithPostgresDSN(dsn))
	default:
		slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", dsn)
		storeOpts = append(storeOpts, store.WithSQLiteDSN(dsn))
	}
	return storeOpts
}

// buildEvolutionOptions constructs Evolution API client options
func buildEvolutionOptions(config Config) []evolution.Option {
	var opts []evolution.Option
	if config.SendTimeout > 0 {
		opts = append(opts, evolution.WithTimeout(config.SendTimeout))
	}
	return opts
}

// buildFlowOptions constructs orchestrator options
func buildFlowOptions(config Config) []flow.Option {
	var opts []flow.Option
	if config.PaymentTimeout > 0 {
		opts = append(opts, flow.WithPaymentTimeout(config.PaymentTimeout))
	}
	if config.IdempotencyTTL > 0 {
		opts = append(opts, flow.WithIdempotencyTTL(config.IdempotencyTTL))
	}
	return opts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(config Config, flags Flags) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if len(config.ProductMapping) > 0 {
		apiOpts = append(apiOpts, api.WithProductMapping(config.ProductMapping))
	}
	return apiOpts
}

// buildRedisOpts constructs the Redis connection settings for the idempotency guard
func buildRedisOpts(config Config) idempotency.RedisOpts {
	return idempotency.RedisOpts{
		Addr:     config.RedisAddr,
		Password: config.RedisPassword,
		DB:       config.RedisDB,
	}
}
