package cfg

import (
	"errors"
	"flag"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/linnemanlabs/guardian/internal/monitor"
)

// Store backends, picked by which connection setting is present.
const (
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
	StoreMemory   = "memory"
)

// Scorer backends, picked by which scorer setting is present.
const (
	ScorerClaude  = "claude"
	ScorerHTTP    = "http"
	ScorerLexicon = "lexicon"
)

// Config holds the guardian server settings. Every flag can also be set
// through its GUARDIAN_* environment variable.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int

	DatabaseURL     string
	DBMaxConns      int
	SlowQueryMillis int
	SQLitePath      string
	RedisAddr       string
	ClaudeAPIKey    string
	ClaudeModel     string
	ScorerURL       string
	APITokens       string
	SlackWebhookURL string
	PolicyFile      string
	IntakeSchedule  string
	ContactSchedule string

	MessageRiskThreshold float64
	ContactRiskThreshold float64
	AlertCooldownHours   int
	RollingWindowSize    int
	IntakeBatchSize      int
	SweepConcurrency     int
	ScoreTimeoutSeconds  int
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	d := monitor.DefaultConfig()

	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")

	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (takes precedence over -sqlite-path)")
	fs.IntVar(&c.DBMaxConns, "db-max-conns", 0, "PostgreSQL pool size (0 = pgx default)")
	fs.IntVar(&c.SlowQueryMillis, "slow-query-ms", 200, "log successful queries at or above this latency (0 = log all)")
	fs.StringVar(&c.SQLitePath, "sqlite-path", "", "SQLite database file (empty with no -database-url = in-memory store)")
	fs.StringVar(&c.RedisAddr, "redis-addr", "", "Redis address for cross-process subject locks (empty = in-process locks)")
	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for scoring with Claude")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-haiku-4-5", "Claude model used for scoring")
	fs.StringVar(&c.ScorerURL, "scorer-url", "", "base URL of an HTTP risk classifier (used when no Claude key is set)")
	fs.StringVar(&c.APITokens, "api-tokens", "", "comma separated name:token pairs accepted as bearer tokens")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for alert notifications")
	fs.StringVar(&c.PolicyFile, "policy-file", "", "YAML file with risk decay and per-age thresholds")
	fs.StringVar(&c.IntakeSchedule, "intake-schedule", "@every 1m", "cron spec for the intake sweep (empty = disabled)")
	fs.StringVar(&c.ContactSchedule, "contact-sweep-schedule", "@every 15m", "cron spec for the contact alert sweep (empty = disabled)")

	fs.Float64Var(&c.MessageRiskThreshold, "message-risk-threshold", d.MessageRiskThreshold, "message score that raises an alert (0,1]")
	fs.Float64Var(&c.ContactRiskThreshold, "contact-risk-threshold", d.ContactRiskThreshold, "aggregated contact risk that raises an alert (0,1]")
	fs.IntVar(&c.AlertCooldownHours, "alert-cooldown-hours", int(d.AlertCooldown/time.Hour), "hours before the same subject can alert again")
	fs.IntVar(&c.RollingWindowSize, "rolling-window-size", d.WindowSize, "scores kept per contact")
	fs.IntVar(&c.IntakeBatchSize, "intake-batch-size", d.IntakeBatchSize, "messages loaded per intake sweep")
	fs.IntVar(&c.SweepConcurrency, "sweep-concurrency", d.Concurrency, "subjects processed in parallel per sweep (1..256)")
	fs.IntVar(&c.ScoreTimeoutSeconds, "score-timeout-seconds", int(d.ScoreTimeout/time.Second), "per-message scorer timeout (1..300)")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if c.DBMaxConns < 0 || c.DBMaxConns > math.MaxInt32 {
		errs = append(errs, fmt.Errorf("invalid DB_MAX_CONNS %d (must be >= 0)", c.DBMaxConns))
	}
	if c.SlowQueryMillis < 0 {
		errs = append(errs, fmt.Errorf("invalid SLOW_QUERY_MS %d (must be >= 0)", c.SlowQueryMillis))
	}
	if c.DatabaseURL != "" && c.SQLitePath != "" {
		errs = append(errs, errors.New("DATABASE_URL and SQLITE_PATH are mutually exclusive"))
	}

	// Pipeline tunables
	if !inUnitInterval(c.MessageRiskThreshold) {
		errs = append(errs, fmt.Errorf("invalid MESSAGE_RISK_THRESHOLD %v (must be in (0,1])", c.MessageRiskThreshold))
	}
	if !inUnitInterval(c.ContactRiskThreshold) {
		errs = append(errs, fmt.Errorf("invalid CONTACT_RISK_THRESHOLD %v (must be in (0,1])", c.ContactRiskThreshold))
	}
	if c.AlertCooldownHours < 1 {
		errs = append(errs, fmt.Errorf("invalid ALERT_COOLDOWN_HOURS %d (must be >= 1)", c.AlertCooldownHours))
	}
	if c.RollingWindowSize < 1 {
		errs = append(errs, fmt.Errorf("invalid ROLLING_WINDOW_SIZE %d (must be >= 1)", c.RollingWindowSize))
	}
	if c.IntakeBatchSize < 1 {
		errs = append(errs, fmt.Errorf("invalid INTAKE_BATCH_SIZE %d (must be >= 1)", c.IntakeBatchSize))
	}
	if c.SweepConcurrency < 1 || c.SweepConcurrency > 256 {
		errs = append(errs, fmt.Errorf("invalid SWEEP_CONCURRENCY %d (must be 1..256)", c.SweepConcurrency))
	}
	if c.ScoreTimeoutSeconds < 1 || c.ScoreTimeoutSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SCORE_TIMEOUT_SECONDS %d (must be 1..300)", c.ScoreTimeoutSeconds))
	}

	// Schedules are optional but must parse when set
	if c.IntakeSchedule != "" {
		if _, err := cron.ParseStandard(c.IntakeSchedule); err != nil {
			errs = append(errs, fmt.Errorf("invalid INTAKE_SCHEDULE %q: %w", c.IntakeSchedule, err))
		}
	}
	if c.ContactSchedule != "" {
		if _, err := cron.ParseStandard(c.ContactSchedule); err != nil {
			errs = append(errs, fmt.Errorf("invalid CONTACT_SWEEP_SCHEDULE %q: %w", c.ContactSchedule, err))
		}
	}

	// Claude model is required when scoring with Claude
	if c.ClaudeAPIKey != "" && c.ClaudeModel == "" {
		errs = append(errs, errors.New("CLAUDE_MODEL is required when CLAUDE_API_KEY is set"))
	}

	if _, err := c.Tokens(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func inUnitInterval(v float64) bool {
	return !math.IsNaN(v) && v > 0 && v <= 1
}

// StoreBackend names the store selected by the connection settings.
func (c *Config) StoreBackend() string {
	switch {
	case c.DatabaseURL != "":
		return StorePostgres
	case c.SQLitePath != "":
		return StoreSQLite
	default:
		return StoreMemory
	}
}

// ScorerBackend names the scorer selected by the scorer settings.
func (c *Config) ScorerBackend() string {
	switch {
	case c.ClaudeAPIKey != "":
		return ScorerClaude
	case c.ScorerURL != "":
		return ScorerHTTP
	default:
		return ScorerLexicon
	}
}

// Tokens parses APITokens into a token to identity map.
func (c *Config) Tokens() (map[string]string, error) {
	out := make(map[string]string)
	if strings.TrimSpace(c.APITokens) == "" {
		return out, nil
	}
	for i, pair := range strings.Split(c.APITokens, ",") {
		name, token, ok := strings.Cut(strings.TrimSpace(pair), ":")
		name, token = strings.TrimSpace(name), strings.TrimSpace(token)
		if !ok || name == "" || token == "" {
			return nil, fmt.Errorf("invalid API_TOKENS entry %d (want name:token)", i+1)
		}
		if prev, dup := out[token]; dup {
			return nil, fmt.Errorf("invalid API_TOKENS: %s and %s share a token", prev, name)
		}
		out[token] = name
	}
	return out, nil
}

// Policy is the optional YAML policy file.
type Policy struct {
	Risk       monitor.RiskPolicy      `yaml:"risk"`
	Thresholds monitor.ThresholdPolicy `yaml:"thresholds"`
}

// LoadPolicy reads a policy file. Unknown keys are rejected.
func LoadPolicy(path string) (Policy, error) {
	var p Policy

	file, err := os.Open(path)
	if err != nil {
		return p, fmt.Errorf("open policy file: %w", err)
	}
	defer file.Close()

	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return p, fmt.Errorf("decode policy file %s: %w", path, err)
	}
	return p, nil
}

// Monitor builds the pipeline configuration, loading the policy file if set.
func (c *Config) Monitor() (monitor.Config, error) {
	mc := monitor.Config{
		MessageRiskThreshold: c.MessageRiskThreshold,
		ContactRiskThreshold: c.ContactRiskThreshold,
		AlertCooldown:        time.Duration(c.AlertCooldownHours) * time.Hour,
		WindowSize:           c.RollingWindowSize,
		IntakeBatchSize:      c.IntakeBatchSize,
		Concurrency:          c.SweepConcurrency,
		ScoreTimeout:         time.Duration(c.ScoreTimeoutSeconds) * time.Second,
	}
	if c.PolicyFile != "" {
		p, err := LoadPolicy(c.PolicyFile)
		if err != nil {
			return monitor.Config{}, err
		}
		mc.Risk = p.Risk
		mc.Thresholds = p.Thresholds
	}
	if err := mc.Validate(); err != nil {
		return monitor.Config{}, fmt.Errorf("pipeline config: %w", err)
	}
	return mc, nil
}
