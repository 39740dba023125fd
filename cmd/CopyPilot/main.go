package main

import (
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/CopyPilot/internal/api"
	"github.com/BTreeMap/CopyPilot/internal/credits"
	"github.com/BTreeMap/CopyPilot/internal/genai"
	"github.com/BTreeMap/CopyPilot/internal/lockfile"
	"github.com/BTreeMap/CopyPilot/internal/models"
	"github.com/BTreeMap/CopyPilot/internal/notify"
	"github.com/BTreeMap/CopyPilot/internal/store"
	"github.com/BTreeMap/CopyPilot/internal/util"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for CopyPilot state data
	DefaultStateDir = "/var/lib/copypilot"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "copypilot.db"
)

func main() {
	initializeLogger(os.Getenv("LOG_LEVEL"))

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	// Only one process may own a file-based database.
	if store.DetectDSNType(*flags.dbDSN) == "sqlite3" {
		lock, err := lockfile.AcquireLock(*flags.stateDir)
		if err != nil {
			slog.Error("Failed to acquire state directory lock", "error", err, "state_dir", *flags.stateDir)
			os.Exit(1)
		}
		defer lock.Release()
	}

	storeOpts := buildStoreOptions(flags)
	genaiOpts := buildGenAIOptions(flags)
	smsOpts := buildSMSOptions(flags)
	apiOpts := buildAPIOptions(flags)

	slog.Info("Bootstrapping CopyPilot with configured modules")
	slog.Debug("Module options counts", "store", len(storeOpts), "genai", len(genaiOpts), "sms", len(smsOpts), "api", len(apiOpts))
	slog.Debug("Final configuration", "state_dir", *flags.stateDir, "dsn_set", *flags.dbDSN != "", "api_addr", *flags.apiAddr)
	if err := api.Run(storeOpts, genaiOpts, smsOpts, apiOpts); err != nil {
		slog.Error("CopyPilot failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("CopyPilot exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL        string
	StateDir           string
	OpenAIKey          string
	OpenAIModel        string
	GenAIDebug         bool
	APIAddr            string
	JWTSecret          string
	AuthDisabled       bool
	AnalysisServiceURL string
	CreditsServiceURL  string
	ProjectsServiceURL string
	ProjectCreateURL   string
	AnalysisTimeout    time.Duration
	MinCopyLength      int
	CostFullAnalysis   string
	CostBasicAnalysis  string
	DefaultAllowance   int
	RefineWithGenAI    bool
	SMSRecipients      string
	SessionIdleTimeout time.Duration
}

// Flags holds command line flag values
type Flags struct {
	stateDir           *string
	dbDSN              *string
	openaiKey          *string
	openaiModel        *string
	genaiDebug         *bool
	apiAddr            *string
	jwtSecret          *string
	authDisabled       *bool
	analysisServiceURL *string
	creditsServiceURL  *string
	projectsServiceURL *string
	projectCreateURL   *string
	analysisTimeout    *time.Duration
	minCopyLength      *int
	costFull           *string
	costBasic          *string
	defaultAllowance   *int
	refineWithGenAI    *bool
	smsTo              *string
	sessionIdle        *time.Duration
}

// initializeLogger sets up structured logging. Debug is the default level.
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		StateDir:           os.Getenv("COPYPILOT_STATE_DIR"),
		OpenAIKey:          os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:        os.Getenv("OPENAI_MODEL"),
		GenAIDebug:         util.ParseBoolEnv("GENAI_DEBUG", false),
		APIAddr:            os.Getenv("API_ADDR"),
		JWTSecret:          os.Getenv("JWT_SECRET"),
		AuthDisabled:       util.ParseBoolEnv("AUTH_DISABLED", false),
		AnalysisServiceURL: os.Getenv("ANALYSIS_SERVICE_URL"),
		CreditsServiceURL:  os.Getenv("CREDITS_SERVICE_URL"),
		ProjectsServiceURL: os.Getenv("PROJECTS_SERVICE_URL"),
		ProjectCreateURL:   os.Getenv("PROJECT_CREATE_URL"),
		AnalysisTimeout:    util.ParseDurationEnv("ANALYSIS_TIMEOUT", 0),
		MinCopyLength:      util.ParseIntEnv("MIN_COPY_LENGTH", 0),
		CostFullAnalysis:   strings.TrimSpace(os.Getenv("COST_FULL_ANALYSIS")),
		CostBasicAnalysis:  strings.TrimSpace(os.Getenv("COST_BASIC_ANALYSIS")),
		DefaultAllowance:   util.ParseIntEnv("DEFAULT_MONTHLY_ALLOWANCE", 0),
		RefineWithGenAI:    util.ParseBoolEnv("REFINE_WITH_GENAI", false),
		SMSRecipients:      os.Getenv("NOTIFY_SMS_TO"),
		SessionIdleTimeout: util.ParseDurationEnv("SESSION_IDLE_TIMEOUT", 0),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No COPYPILOT_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	} else {
		slog.Debug("COPYPILOT_STATE_DIR found in environment", "state_dir", config.StateDir)
	}

	// If no database URL is provided, default to SQLite in the state directory
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"COPYPILOT_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"OPENAI_MODEL", config.OpenAIModel,
		"API_ADDR", config.APIAddr,
		"JWT_SECRET_SET", config.JWTSecret != "",
		"AUTH_DISABLED", config.AuthDisabled,
		"ANALYSIS_SERVICE_URL", config.AnalysisServiceURL,
		"CREDITS_SERVICE_URL", config.CreditsServiceURL,
		"PROJECTS_SERVICE_URL", config.ProjectsServiceURL,
		"ANALYSIS_TIMEOUT", config.AnalysisTimeout,
		"REFINE_WITH_GENAI", config.RefineWithGenAI)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:           flag.String("state-dir", config.StateDir, "state directory for CopyPilot data (overrides $COPYPILOT_STATE_DIR)"),
		dbDSN:              flag.String("db-dsn", config.DatabaseURL, "database DSN, SQLite path or Postgres URL (overrides $DATABASE_URL)"),
		openaiKey:          flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		openaiModel:        flag.String("openai-model", config.OpenAIModel, "OpenAI model name (overrides $OPENAI_MODEL)"),
		genaiDebug:         flag.Bool("genai-debug", config.GenAIDebug, "log model calls to the state directory (overrides $GENAI_DEBUG)"),
		apiAddr:            flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		jwtSecret:          flag.String("jwt-secret", config.JWTSecret, "HMAC secret for bearer tokens (overrides $JWT_SECRET)"),
		authDisabled:       flag.Bool("auth-disabled", config.AuthDisabled, "serve every request as the local development user (overrides $AUTH_DISABLED)"),
		analysisServiceURL: flag.String("analysis-service-url", config.AnalysisServiceURL, "remote analysis service base URL (overrides $ANALYSIS_SERVICE_URL)"),
		creditsServiceURL:  flag.String("credits-service-url", config.CreditsServiceURL, "remote credit service base URL (overrides $CREDITS_SERVICE_URL)"),
		projectsServiceURL: flag.String("projects-service-url", config.ProjectsServiceURL, "projects service base URL (overrides $PROJECTS_SERVICE_URL)"),
		projectCreateURL:   flag.String("project-create-url", config.ProjectCreateURL, "project creation page (overrides $PROJECT_CREATE_URL)"),
		analysisTimeout:    flag.Duration("analysis-timeout", config.AnalysisTimeout, "deadline for one analysis or refinement (overrides $ANALYSIS_TIMEOUT)"),
		minCopyLength:      flag.Int("min-copy-length", config.MinCopyLength, "minimum ad copy length (overrides $MIN_COPY_LENGTH)"),
		costFull:           flag.String("cost-full-analysis", config.CostFullAnalysis, "credit cost of a full analysis, -1 waives it (overrides $COST_FULL_ANALYSIS)"),
		costBasic:          flag.String("cost-basic-analysis", config.CostBasicAnalysis, "credit cost of a basic analysis, -1 waives it (overrides $COST_BASIC_ANALYSIS)"),
		defaultAllowance:   flag.Int("default-allowance", config.DefaultAllowance, "monthly allowance of new local accounts (overrides $DEFAULT_MONTHLY_ALLOWANCE)"),
		refineWithGenAI:    flag.Bool("refine-with-genai", config.RefineWithGenAI, "use the model for refinement passes (overrides $REFINE_WITH_GENAI)"),
		smsTo:              flag.String("sms-to", config.SMSRecipients, "comma-separated SMS recipients for event notices (overrides $NOTIFY_SMS_TO)"),
		sessionIdle:        flag.Duration("session-idle-timeout", config.SessionIdleTimeout, "unmount sessions untouched for this long (overrides $SESSION_IDLE_TIMEOUT)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr,
		"authDisabled", *flags.authDisabled,
		"analysisTimeout", *flags.analysisTimeout)

	// Update database DSN if not explicitly set but state directory is provided
	if *flags.dbDSN == config.DatabaseURL && config.DatabaseURL == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "old_state_dir", config.StateDir, "new_state_dir", *flags.stateDir)
	}

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	dirs := []string{*flags.stateDir}
	if store.DetectDSNType(*flags.dbDSN) == "sqlite3" {
		dirs = append(dirs, filepath.Dir(*flags.dbDSN))
	}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		slog.Debug("Creating state directory", "state_dir", dir)
		if err := os.MkdirAll(dir, 0755); err != nil {
			slog.Error("Failed to create state directory", "error", err, "state_dir", dir)
			return err
		}
	}
	return nil
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if *flags.dbDSN == "" {
		slog.Debug("No database DSN provided, will use in-memory store")
		return storeOpts
	}
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql")
		storeOpts = append(storeOpts, store.WithPostgresDSN(*flags.dbDSN))
	} else {
		slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", *flags.dbDSN)
		storeOpts = append(storeOpts, store.WithSQLiteDSN(*flags.dbDSN))
	}
	return storeOpts
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	if *flags.openaiModel != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(*flags.openaiModel))
	}
	if *flags.genaiDebug {
		genaiOpts = append(genaiOpts, genai.WithDebugMode(true), genai.WithStateDir(*flags.stateDir))
	}
	return genaiOpts
}

// buildSMSOptions constructs SMS notifier options. Twilio credentials come
// from the environment.
func buildSMSOptions(flags Flags) []notify.Option {
	recipients := splitList(*flags.smsTo)
	if len(recipients) == 0 {
		return nil
	}
	return []notify.Option{notify.WithRecipients(recipients...)}
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if *flags.jwtSecret != "" {
		apiOpts = append(apiOpts, api.WithJWTSecret(*flags.jwtSecret))
	}
	if *flags.authDisabled {
		slog.Warn("Authentication disabled, all requests run as the local development user")
		apiOpts = append(apiOpts, api.WithAuthDisabled())
	}
	if *flags.analysisServiceURL != "" {
		apiOpts = append(apiOpts, api.WithAnalysisServiceURL(*flags.analysisServiceURL))
	}
	if *flags.creditsServiceURL != "" {
		apiOpts = append(apiOpts, api.WithCreditsServiceURL(*flags.creditsServiceURL))
	}
	if *flags.projectsServiceURL != "" {
		apiOpts = append(apiOpts, api.WithProjectsServiceURL(*flags.projectsServiceURL))
	}
	if *flags.projectCreateURL != "" {
		apiOpts = append(apiOpts, api.WithProjectCreateURL(*flags.projectCreateURL))
	}
	if *flags.analysisTimeout > 0 {
		apiOpts = append(apiOpts, api.WithAnalysisTimeout(*flags.analysisTimeout))
	}
	if *flags.minCopyLength > 0 {
		apiOpts = append(apiOpts, api.WithMinCopyLength(*flags.minCopyLength))
	}
	if cost, ok := parseCost(*flags.costFull); ok {
		apiOpts = append(apiOpts, api.WithCost(models.OperationFullAnalysis, cost))
	}
	if cost, ok := parseCost(*flags.costBasic); ok {
		apiOpts = append(apiOpts, api.WithCost(models.OperationBasicAnalysis, cost))
	}
	if *flags.defaultAllowance != 0 {
		apiOpts = append(apiOpts, api.WithDefaultAllowance(*flags.defaultAllowance))
	}
	if *flags.refineWithGenAI {
		apiOpts = append(apiOpts, api.WithRefineWithGenAI(true))
	}
	if *flags.sessionIdle > 0 {
		apiOpts = append(apiOpts, api.WithSessionIdleTimeout(*flags.sessionIdle))
	}
	return apiOpts
}

// parseCost accepts a non-negative cost or credits.CostWaived.
func parseCost(raw string) (int, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < credits.CostWaived {
		slog.Warn("parseCost: invalid cost, ignoring", "value", raw)
		return 0, false
	}
	return n, true
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
