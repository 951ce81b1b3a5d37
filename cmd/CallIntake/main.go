package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/BTreeMap/CallIntake/internal/api"
	"github.com/BTreeMap/CallIntake/internal/flow"
	"github.com/BTreeMap/CallIntake/internal/lockfile"
	"github.com/BTreeMap/CallIntake/internal/metrics"
	"github.com/BTreeMap/CallIntake/internal/scheduler"
	"github.com/BTreeMap/CallIntake/internal/store"
	"github.com/BTreeMap/CallIntake/internal/twiliovoice"
	"github.com/BTreeMap/CallIntake/internal/util"
	"github.com/joho/godotenv"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for CallIntake state data
	DefaultStateDir = "/var/lib/callintake"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "callintake.db"
	// DefaultAPIAddr is the default listen address for the webhook server
	DefaultAPIAddr = ":8080"
	// DefaultRateLimitRPS is the default sustained webhook rate per call; 0 disables limiting
	DefaultRateLimitRPS = 0
	// DefaultRateLimitBurst is the default webhook burst per call
	DefaultRateLimitBurst = 40
	// DefaultRateLimitPruneSchedule is how often idle per-call rate limit state is dropped
	DefaultRateLimitPruneSchedule = "@every 1m"
	// DefaultRateLimitIdle is how long a call's rate limit state survives without requests
	DefaultRateLimitIdle = 10 * time.Minute
	// DefaultSessionSweepSchedule is how often idle in-memory sessions are swept
	DefaultSessionSweepSchedule = "@every 1m"
	// DefaultOutboxRecoverySchedule is how often outbox messages stuck in sending are requeued
	DefaultOutboxRecoverySchedule = "@every 5m"
)

// Config holds environment configuration
type Config struct {
	StateDir          string
	DBDSN             string
	APIAddr           string
	PublicBaseURL     string
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	SessionTTL        time.Duration
	AccountSID        string
	AuthToken         string
	FromNumber        string
	NotifyNumber      string
	AgentNumber       string
	Voice             string
	MaxErrors         int
	ValidateSignature bool
	RateLimitRPS      float64
	RateLimitBurst    int
	SweepSchedule     string
	RecoverySchedule  string
	LogLevel          string
	LogFile           string
}

// recordBackend is a record store that can also queue escalation notices.
type recordBackend interface {
	store.RecordStore
	store.OutboxRepo
}

func main() {
	config := loadEnvironmentConfig()

	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	config, err := parseCommandLineFlags(fs, os.Args[1:], config)
	if err != nil {
		slog.Error("Failed to parse flags", "error", err)
		os.Exit(2)
	}

	closeLog := initializeLogger(config.LogLevel, config.LogFile)
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping CallIntake with configured modules")
	slog.Debug("Final configuration",
		"state_dir", config.StateDir,
		"dsn_set", config.DBDSN != "",
		"api_addr", config.APIAddr,
		"redis", config.RedisAddr != "",
		"notify", config.NotifyNumber != "")
	if err := run(ctx, config); err != nil {
		slog.Error("CallIntake failed to run", "error", err)
		closeLog()
		os.Exit(1)
	}
	slog.Info("CallIntake exited successfully")
}

// initializeLogger installs the default slog logger. Output goes to stdout and, when
// logFile is set, to a rotating file. The returned func flushes the file.
func initializeLogger(level, logFile string) func() {
	var out io.Writer = os.Stdout
	closeFn := func() {}
	if logFile != "" {
		rotator := &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		}
		out = io.MultiWriter(os.Stdout, rotator)
		closeFn = func() { _ = rotator.Close() }
	}
	logger := slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
	return closeFn
}

// parseLogLevel maps debug/info/warn/error to a slog level, defaulting to info.
func parseLogLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return slog.LevelInfo
	}
	return l
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:          os.Getenv("CALLINTAKE_STATE_DIR"),
		DBDSN:             os.Getenv("CALLINTAKE_DB_DSN"),
		APIAddr:           os.Getenv("API_ADDR"),
		PublicBaseURL:     os.Getenv("PUBLIC_BASE_URL"),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		RedisPassword:     os.Getenv("REDIS_PASSWORD"),
		RedisDB:           util.ParseIntEnv("REDIS_DB", 0),
		SessionTTL:        util.ParseDurationEnv("SESSION_TTL", store.DefaultSessionTTL),
		AccountSID:        os.Getenv("TWILIO_ACCOUNT_SID"),
		AuthToken:         os.Getenv("TWILIO_AUTH_TOKEN"),
		FromNumber:        os.Getenv("TWILIO_FROM_NUMBER"),
		NotifyNumber:      os.Getenv("AGENT_NOTIFY_NUMBER"),
		AgentNumber:       os.Getenv("AGENT_DIAL_NUMBER"),
		Voice:             os.Getenv("VOICE_NAME"),
		MaxErrors:         util.ParseIntEnv("MAX_ERRORS", flow.DefaultMaxErrors),
		ValidateSignature: util.ParseBoolEnv("VALIDATE_SIGNATURE", true),
		RateLimitRPS:      util.ParseFloatEnv("RATE_LIMIT_RPS", DefaultRateLimitRPS),
		RateLimitBurst:    util.ParseIntEnv("RATE_LIMIT_BURST", DefaultRateLimitBurst),
		SweepSchedule:     os.Getenv("SESSION_SWEEP_SCHEDULE"),
		RecoverySchedule:  os.Getenv("OUTBOX_RECOVERY_SCHEDULE"),
		LogLevel:          os.Getenv("LOG_LEVEL"),
		LogFile:           os.Getenv("LOG_FILE"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No CALLINTAKE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.DBDSN == "" {
		config.DBDSN = os.Getenv("DATABASE_URL")
		if config.DBDSN != "" {
			slog.Debug("Using DATABASE_URL as CALLINTAKE_DB_DSN", "dsn_set", true)
		}
	}
	// If no database URL is provided, default to SQLite in the state directory
	if config.DBDSN == "" {
		config.DBDSN = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DBDSN)
	}
	if config.APIAddr == "" {
		config.APIAddr = DefaultAPIAddr
	}
	if config.SweepSchedule == "" {
		config.SweepSchedule = DefaultSessionSweepSchedule
	}
	if config.RecoverySchedule == "" {
		config.RecoverySchedule = DefaultOutboxRecoverySchedule
	}

	slog.Debug("environment variables loaded",
		"CALLINTAKE_STATE_DIR", config.StateDir,
		"CALLINTAKE_DB_DSN_SET", config.DBDSN != "",
		"API_ADDR", config.APIAddr,
		"PUBLIC_BASE_URL", config.PublicBaseURL,
		"REDIS_ADDR", config.RedisAddr,
		"TWILIO_ACCOUNT_SID_SET", config.AccountSID != "",
		"TWILIO_AUTH_TOKEN_SET", config.AuthToken != "",
		"AGENT_NOTIFY_NUMBER_SET", config.NotifyNumber != "",
		"MAX_ERRORS", config.MaxErrors)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) (Config, error) {
	defaultDSN := filepath.Join(config.StateDir, DefaultDBFileName)
	cfg := config

	fs.StringVar(&cfg.StateDir, "state-dir", config.StateDir, "state directory for CallIntake data (overrides $CALLINTAKE_STATE_DIR)")
	fs.StringVar(&cfg.DBDSN, "db-dsn", config.DBDSN, "record store DSN, Postgres URL or SQLite path; empty keeps records in memory (overrides $CALLINTAKE_DB_DSN or $DATABASE_URL)")
	fs.StringVar(&cfg.APIAddr, "api-addr", config.APIAddr, "webhook server address (overrides $API_ADDR)")
	fs.StringVar(&cfg.PublicBaseURL, "public-base-url", config.PublicBaseURL, "public URL Twilio reaches this server at (overrides $PUBLIC_BASE_URL)")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", config.RedisAddr, "Redis address for call sessions; empty keeps sessions in memory (overrides $REDIS_ADDR)")
	fs.IntVar(&cfg.MaxErrors, "max-errors", config.MaxErrors, "misses tolerated before transferring to an agent (overrides $MAX_ERRORS)")
	fs.StringVar(&cfg.LogLevel, "log-level", config.LogLevel, "log level: debug, info, warn or error (overrides $LOG_LEVEL)")
	fs.StringVar(&cfg.LogFile, "log-file", config.LogFile, "rotating log file in addition to stdout (overrides $LOG_FILE)")

	if err := fs.Parse(args); err != nil {
		return config, err
	}

	// Follow a state directory override when the DSN is still the derived default
	if cfg.DBDSN == defaultDSN && cfg.StateDir != config.StateDir {
		cfg.DBDSN = filepath.Join(cfg.StateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "old_state_dir", config.StateDir, "new_state_dir", cfg.StateDir)
	}
	return cfg, nil
}

// run wires the modules together and serves until ctx is cancelled.
func run(ctx context.Context, config Config) error {
	if config.DBDSN != "" && store.DetectDSNType(config.DBDSN) == "sqlite" {
		lock, err := lockfile.Acquire(filepath.Dir(config.DBDSN))
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	records, err := openRecordStore(config.DBDSN)
	if err != nil {
		return fmt.Errorf("failed to open record store: %w", err)
	}
	defer records.Close()

	m := metrics.New()
	sched := scheduler.NewScheduler()

	sessions, closeSessions, err := openSessionStore(ctx, config, m, sched)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer closeSessions()

	twOpts := buildTwilioOptions(config)
	flowOpts := []flow.Option{flow.WithRecorder(m), flow.WithMaxErrors(config.MaxErrors)}

	if config.NotifyNumber != "" {
		notifier, err := twiliovoice.NewSMSNotifier(twOpts...)
		if err != nil {
			slog.Warn("Escalation SMS disabled", "error", err)
		} else {
			sender := store.NewOutboxSender(records, twiliovoice.OutboxSendFunc(notifier), store.DefaultOutboxPollInterval)
			if err := sender.RecoverStaleMessages(ctx); err != nil {
				slog.Warn("Failed to recover stale outbox messages", "error", err)
			}
			if err := sched.AddJob("outbox-recovery", config.RecoverySchedule, func() {
				if err := sender.RecoverStaleMessages(ctx); err != nil {
					slog.Warn("Failed to recover stale outbox messages", "error", err)
				}
			}); err != nil {
				return err
			}
			go sender.Run(ctx)
			flowOpts = append(flowOpts, flow.WithOutbox(records))
		}
	}

	machine := flow.NewMachine(sessions, records, flowOpts...)
	renderer := twiliovoice.NewRenderer(twOpts...)
	server := api.NewServer(machine, renderer, records, buildAPIOptions(config, twOpts, m)...)
	if err := scheduleRateLimitPrune(sched, server, config); err != nil {
		return err
	}

	go sched.Run(ctx)
	return server.Run(ctx)
}

// scheduleRateLimitPrune drops idle per-call rate limit state when limiting is enabled.
func scheduleRateLimitPrune(sched *scheduler.Scheduler, server *api.Server, config Config) error {
	if config.RateLimitRPS <= 0 {
		return nil
	}
	return sched.AddJob("rate-limit-prune", DefaultRateLimitPruneSchedule, func() {
		if n := server.PruneRateLimits(DefaultRateLimitIdle); n > 0 {
			slog.Debug("Pruned idle rate limit state", "entries", n)
		}
	})
}

// openRecordStore picks the record store for dsn using the shared DSN detection.
func openRecordStore(dsn string) (recordBackend, error) {
	if dsn == "" {
		slog.Debug("No database DSN provided, will use in-memory store")
		return store.NewInMemoryStore(), nil
	}
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql", "dsn_set", true)
		return store.NewPostgresStore(store.WithPostgresDSN(dsn))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", dsn)
	return store.NewSQLiteStore(store.WithSQLiteDSN(dsn))
}

// openSessionStore returns Redis-backed sessions when configured, in-memory ones otherwise.
// Redis expires idle sessions itself; in-memory ones are swept by a scheduled job.
func openSessionStore(ctx context.Context, config Config, m *metrics.Metrics, sched *scheduler.Scheduler) (store.SessionStore, func(), error) {
	if config.RedisAddr != "" {
		rs, err := store.NewRedisSessionStore(ctx,
			store.WithRedisAddr(config.RedisAddr),
			store.WithRedisPassword(config.RedisPassword),
			store.WithRedisDB(config.RedisDB),
			store.WithSessionTTL(config.SessionTTL))
		if err != nil {
			return nil, nil, err
		}
		return rs, func() { _ = rs.Close() }, nil
	}
	mem := store.NewInMemorySessionStore()
	m.ObserveActiveSessions(mem.Len)
	ttl := config.SessionTTL
	if err := sched.AddJob("session-sweep", config.SweepSchedule, func() {
		mem.Sweep(time.Now().Add(-ttl))
	}); err != nil {
		return nil, nil, err
	}
	return mem, func() {}, nil
}

// buildTwilioOptions constructs Twilio voice configuration options
func buildTwilioOptions(config Config) []twiliovoice.Option {
	var opts []twiliovoice.Option
	if config.AccountSID != "" {
		opts = append(opts, twiliovoice.WithAccountSID(config.AccountSID))
	}
	if config.AuthToken != "" {
		opts = append(opts, twiliovoice.WithAuthToken(config.AuthToken))
	}
	if config.FromNumber != "" {
		opts = append(opts, twiliovoice.WithFromNumber(config.FromNumber))
	}
	if config.NotifyNumber != "" {
		opts = append(opts, twiliovoice.WithNotifyNumber(config.NotifyNumber))
	}
	if config.PublicBaseURL != "" {
		opts = append(opts, twiliovoice.WithBaseURL(config.PublicBaseURL))
	}
	if config.Voice != "" {
		opts = append(opts, twiliovoice.WithVoice(config.Voice))
	}
	if config.AgentNumber != "" {
		opts = append(opts, twiliovoice.WithAgentNumber(config.AgentNumber))
	}
	return opts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(config Config, twOpts []twiliovoice.Option, m *metrics.Metrics) []api.Option {
	apiOpts := []api.Option{
		api.WithAddr(config.APIAddr),
		api.WithRateLimit(config.RateLimitRPS, config.RateLimitBurst),
	}
	if m != nil {
		apiOpts = append(apiOpts, api.WithMetrics(m))
	}
	if verifier, err := signatureVerifier(config, twOpts); err != nil {
		slog.Warn("Webhook signature validation disabled", "reason", err)
	} else if verifier != nil {
		apiOpts = append(apiOpts, api.WithSignatureVerifier(verifier))
	}
	return apiOpts
}

// signatureVerifier returns nil without error when validation is switched off.
func signatureVerifier(config Config, twOpts []twiliovoice.Option) (*twiliovoice.SignatureVerifier, error) {
	if !config.ValidateSignature {
		return nil, nil
	}
	if config.AuthToken == "" || config.PublicBaseURL == "" {
		return nil, errors.New("TWILIO_AUTH_TOKEN and PUBLIC_BASE_URL are required")
	}
	return twiliovoice.NewSignatureVerifier(twOpts...), nil
}
