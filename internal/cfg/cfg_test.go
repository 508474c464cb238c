package cfg

import (
	"errors"
	"flag"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// validBase returns a Config with all required fields set to valid values.
func validBase() Config {
	return Config{
		DrainSeconds:          60,
		ShutdownBudgetSeconds: 90,
		APIPort:               8080,
		SlowQueryMillis:       200,
		ClaudeModel:           "claude-haiku-4-5",
		IntakeSchedule:        "@every 1m",
		ContactSchedule:       "@every 15m",
		MessageRiskThreshold:  0.7,
		ContactRiskThreshold:  0.6,
		AlertCooldownHours:    24,
		RollingWindowSize:     50,
		IntakeBatchSize:       100,
		SweepConcurrency:      8,
		ScoreTimeoutSeconds:   10,
	}
}

func parseFlags(t *testing.T, args ...string) Config {
	t.Helper()
	var c Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse args: %v", err)
	}
	return c
}

func TestRegisterFlags_Defaults(t *testing.T) {
	t.Parallel()

	c := parseFlags(t)
	want := validBase()
	if c != want {
		t.Errorf("defaults = %+v\nwant %+v", c, want)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestRegisterFlags_Override(t *testing.T) {
	t.Parallel()

	c := parseFlags(t,
		"-drain-seconds", "30",
		"-shutdown-budget-seconds", "120",
		"-http-port", "9090",
		"-sqlite-path", "/var/lib/guardian/guardian.db",
		"-redis-addr", "redis:6379",
		"-message-risk-threshold", "0.8",
		"-contact-risk-threshold", "0.5",
		"-alert-cooldown-hours", "12",
		"-rolling-window-size", "20",
		"-sweep-concurrency", "4",
		"-intake-schedule", "",
		"-api-tokens", "alice:t1,bob:t2",
	)

	if c.DrainSeconds != 30 || c.ShutdownBudgetSeconds != 120 || c.APIPort != 9090 {
		t.Errorf("runtime = (%d, %d, %d), want (30, 120, 9090)", c.DrainSeconds, c.ShutdownBudgetSeconds, c.APIPort)
	}
	if c.SQLitePath != "/var/lib/guardian/guardian.db" {
		t.Errorf("SQLitePath = %q", c.SQLitePath)
	}
	if c.RedisAddr != "redis:6379" {
		t.Errorf("RedisAddr = %q", c.RedisAddr)
	}
	if c.MessageRiskThreshold != 0.8 || c.ContactRiskThreshold != 0.5 {
		t.Errorf("thresholds = (%v, %v), want (0.8, 0.5)", c.MessageRiskThreshold, c.ContactRiskThreshold)
	}
	if c.AlertCooldownHours != 12 || c.RollingWindowSize != 20 || c.SweepConcurrency != 4 {
		t.Errorf("tunables = (%d, %d, %d), want (12, 20, 4)", c.AlertCooldownHours, c.RollingWindowSize, c.SweepConcurrency)
	}
	if c.IntakeSchedule != "" {
		t.Errorf("IntakeSchedule = %q, want disabled", c.IntakeSchedule)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	with := func(mod func(*Config)) Config {
		c := validBase()
		mod(&c)
		return c
	}

	tests := []struct {
		name      string
		cfg       Config
		wantErr   bool
		errSubstr []string // substrings that must appear in error message
	}{
		{
			name:    "defaults are valid",
			cfg:     validBase(),
			wantErr: false,
		},
		{
			name: "minimum valid values",
			cfg: with(func(c *Config) {
				c.DrainSeconds, c.ShutdownBudgetSeconds, c.APIPort = 1, 2, 1
				c.MessageRiskThreshold, c.ContactRiskThreshold = math.SmallestNonzeroFloat64, math.SmallestNonzeroFloat64
				c.AlertCooldownHours, c.RollingWindowSize, c.IntakeBatchSize = 1, 1, 1
				c.SweepConcurrency, c.ScoreTimeoutSeconds = 1, 1
			}),
			wantErr: false,
		},
		{
			name: "maximum valid values",
			cfg: with(func(c *Config) {
				c.DrainSeconds, c.ShutdownBudgetSeconds, c.APIPort = 299, 300, 65535
				c.MessageRiskThreshold, c.ContactRiskThreshold = 1, 1
				c.SweepConcurrency, c.ScoreTimeoutSeconds = 256, 300
			}),
			wantErr: false,
		},
		{
			name:      "drain zero",
			cfg:       with(func(c *Config) { c.DrainSeconds = 0 }),
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS"},
		},
		{
			name:      "drain above max",
			cfg:       with(func(c *Config) { c.DrainSeconds, c.ShutdownBudgetSeconds = 301, 302 }),
			wantErr:   true,
			errSubstr: []string{"DRAIN_SECONDS"},
		},
		{
			name:      "budget equals drain",
			cfg:       with(func(c *Config) { c.DrainSeconds, c.ShutdownBudgetSeconds = 60, 60 }),
			wantErr:   true,
			errSubstr: []string{"must be greater than"},
		},
		{
			name:      "port above max",
			cfg:       with(func(c *Config) { c.APIPort = 65536 }),
			wantErr:   true,
			errSubstr: []string{"HTTP_PORT"},
		},
		{
			name:      "both stores",
			cfg:       with(func(c *Config) { c.DatabaseURL, c.SQLitePath = "postgres://x", "/tmp/g.db" }),
			wantErr:   true,
			errSubstr: []string{"mutually exclusive"},
		},
		{
			name:      "negative pool size",
			cfg:       with(func(c *Config) { c.DBMaxConns = -1 }),
			wantErr:   true,
			errSubstr: []string{"DB_MAX_CONNS"},
		},
		{
			name:      "negative slow query",
			cfg:       with(func(c *Config) { c.SlowQueryMillis = -5 }),
			wantErr:   true,
			errSubstr: []string{"SLOW_QUERY_MS"},
		},
		{
			name:      "zero message threshold",
			cfg:       with(func(c *Config) { c.MessageRiskThreshold = 0 }),
			wantErr:   true,
			errSubstr: []string{"MESSAGE_RISK_THRESHOLD"},
		},
		{
			name:      "contact threshold above one",
			cfg:       with(func(c *Config) { c.ContactRiskThreshold = 1.01 }),
			wantErr:   true,
			errSubstr: []string{"CONTACT_RISK_THRESHOLD"},
		},
		{
			name:      "NaN threshold",
			cfg:       with(func(c *Config) { c.MessageRiskThreshold = math.NaN() }),
			wantErr:   true,
			errSubstr: []string{"MESSAGE_RISK_THRESHOLD"},
		},
		{
			name:      "concurrency above max",
			cfg:       with(func(c *Config) { c.SweepConcurrency = 257 }),
			wantErr:   true,
			errSubstr: []string{"SWEEP_CONCURRENCY"},
		},
		{
			name:      "bad intake schedule",
			cfg:       with(func(c *Config) { c.IntakeSchedule = "every minute" }),
			wantErr:   true,
			errSubstr: []string{"INTAKE_SCHEDULE"},
		},
		{
			name:    "disabled schedules",
			cfg:     with(func(c *Config) { c.IntakeSchedule, c.ContactSchedule = "", "" }),
			wantErr: false,
		},
		{
			name:      "claude key without model",
			cfg:       with(func(c *Config) { c.ClaudeAPIKey, c.ClaudeModel = "sk-test", "" }),
			wantErr:   true,
			errSubstr: []string{"CLAUDE_MODEL"},
		},
		{
			name:      "malformed tokens",
			cfg:       with(func(c *Config) { c.APITokens = "alice" }),
			wantErr:   true,
			errSubstr: []string{"API_TOKENS"},
		},
		{
			name:    "all fields invalid",
			cfg:     Config{},
			wantErr: true,
			errSubstr: []string{
				"DRAIN_SECONDS", "SHUTDOWN_BUDGET_SECONDS", "HTTP_PORT",
				"MESSAGE_RISK_THRESHOLD", "CONTACT_RISK_THRESHOLD", "ALERT_COOLDOWN_HOURS",
				"ROLLING_WINDOW_SIZE", "INTAKE_BATCH_SIZE", "SWEEP_CONCURRENCY", "SCORE_TIMEOUT_SECONDS",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				errMsg := err.Error()
				for _, sub := range tt.errSubstr {
					if !strings.Contains(errMsg, sub) {
						t.Errorf("error %q does not contain %q", errMsg, sub)
					}
				}
			}
		})
	}
}

func TestTokens(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      string
		want    map[string]string
		wantErr bool
	}{
		{"empty", "", map[string]string{}, false},
		{"blank", "   ", map[string]string{}, false},
		{"single", "alice:t1", map[string]string{"t1": "alice"}, false},
		{"multiple with spaces", " alice : t1 , bob:t2", map[string]string{"t1": "alice", "t2": "bob"}, false},
		{"token with colon", "svc:abc:def", map[string]string{"abc:def": "svc"}, false},
		{"missing token", "alice:", nil, true},
		{"missing name", ":t1", nil, true},
		{"no separator", "alice", nil, true},
		{"trailing comma", "alice:t1,", nil, true},
		{"duplicate token", "alice:t1,bob:t1", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := Config{APITokens: tt.in}
			got, err := c.Tokens()
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Tokens() = %v, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Tokens: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("Tokens() = %v, want %v", got, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("Tokens()[%q] = %q, want %q", k, got[k], v)
				}
			}
		})
	}
}

func TestBackends(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		cfg        Config
		wantStore  string
		wantScorer string
	}{
		{"defaults", Config{}, StoreMemory, ScorerLexicon},
		{"sqlite", Config{SQLitePath: "g.db"}, StoreSQLite, ScorerLexicon},
		{"postgres", Config{DatabaseURL: "postgres://x"}, StorePostgres, ScorerLexicon},
		{"http scorer", Config{ScorerURL: "http://ml:8000"}, StoreMemory, ScorerHTTP},
		{"claude wins", Config{ClaudeAPIKey: "k", ScorerURL: "http://ml:8000"}, StoreMemory, ScorerClaude},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.cfg.StoreBackend(); got != tt.wantStore {
				t.Errorf("StoreBackend() = %q, want %q", got, tt.wantStore)
			}
			if got := tt.cfg.ScorerBackend(); got != tt.wantScorer {
				t.Errorf("ScorerBackend() = %q, want %q", got, tt.wantScorer)
			}
		})
	}
}

func writePolicy(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	return path
}

func TestMonitor_NoPolicyFile(t *testing.T) {
	t.Parallel()

	c := validBase()
	mc, err := c.Monitor()
	if err != nil {
		t.Fatalf("Monitor: %v", err)
	}
	if mc.AlertCooldown != 24*time.Hour {
		t.Errorf("AlertCooldown = %v, want 24h", mc.AlertCooldown)
	}
	if mc.ScoreTimeout != 10*time.Second {
		t.Errorf("ScoreTimeout = %v, want 10s", mc.ScoreTimeout)
	}
	if mc.WindowSize != 50 || mc.Concurrency != 8 || mc.IntakeBatchSize != 100 {
		t.Errorf("sizes = (%d, %d, %d)", mc.WindowSize, mc.Concurrency, mc.IntakeBatchSize)
	}
	if mc.Risk.Decay != 0 || len(mc.Thresholds.AgeBands) != 0 {
		t.Errorf("policy should be zero without a file: %+v %+v", mc.Risk, mc.Thresholds)
	}
}

func TestMonitor_PolicyFile(t *testing.T) {
	t.Parallel()

	c := validBase()
	c.PolicyFile = writePolicy(t, `
risk:
  decay: 0.2
thresholds:
  age_bands:
    - max_age: 12
      message_threshold: 0.5
      contact_threshold: 0.4
    - max_age: 15
      message_threshold: 0.6
`)
	mc, err := c.Monitor()
	if err != nil {
		t.Fatalf("Monitor: %v", err)
	}
	if mc.Risk.Decay != 0.2 {
		t.Errorf("Decay = %v, want 0.2", mc.Risk.Decay)
	}
	bands := mc.Thresholds.AgeBands
	if len(bands) != 2 {
		t.Fatalf("bands = %+v, want 2", bands)
	}
	if bands[0].MaxAge != 12 || bands[0].MessageThreshold != 0.5 || bands[0].ContactThreshold != 0.4 {
		t.Errorf("band 0 = %+v", bands[0])
	}
	if bands[1].MaxAge != 15 || bands[1].ContactThreshold != 0 {
		t.Errorf("band 1 = %+v", bands[1])
	}
}

func TestMonitor_PolicyErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		policy string
		substr string
	}{
		{"unknown key", "risk:\n  decy: 0.2\n", "decy"},
		{"decay out of range", "risk:\n  decay: 1\n", "decay"},
		{"unordered bands", "thresholds:\n  age_bands:\n    - max_age: 15\n    - max_age: 12\n", "max_age"},
		{"not yaml", "risk: [\n", "decode policy file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := validBase()
			c.PolicyFile = writePolicy(t, tt.policy)
			_, err := c.Monitor()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.substr) {
				t.Errorf("error %q does not contain %q", err, tt.substr)
			}
		})
	}
}

func TestMonitor_MissingPolicyFile(t *testing.T) {
	t.Parallel()

	c := validBase()
	c.PolicyFile = filepath.Join(t.TempDir(), "nope.yaml")
	if _, err := c.Monitor(); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v, want ErrNotExist", err)
	}
}

func FuzzValidate(f *testing.F) {
	// Seeds: defaults, boundaries, extremes
	seeds := []struct {
		drain, budget, port, concurrency int
		msg, contact                     float64
	}{
		{60, 90, 8080, 8, 0.7, 0.6},
		{1, 2, 1, 1, 1, 1},
		{299, 300, 65535, 256, 0.01, 0.01},
		{0, 0, 0, 0, 0, 0},
		{-1, -1, -1, -1, -1, -1},
		{300, 300, 65535, 257, 1.5, 2},
		{150, 100, 8080, 8, 0.7, 0.6},
		{math.MinInt32, math.MinInt32, math.MinInt32, math.MinInt32, math.Inf(-1), math.Inf(1)},
		{math.MaxInt32, math.MaxInt32, math.MaxInt32, math.MaxInt32, math.MaxFloat64, math.NaN()},
	}
	for _, s := range seeds {
		f.Add(s.drain, s.budget, s.port, s.concurrency, s.msg, s.contact)
	}

	f.Fuzz(func(t *testing.T, drain, budget, port, concurrency int, msg, contact float64) {
		c := validBase()
		c.DrainSeconds = drain
		c.ShutdownBudgetSeconds = budget
		c.APIPort = port
		c.SweepConcurrency = concurrency
		c.MessageRiskThreshold = msg
		c.ContactRiskThreshold = contact
		err := c.Validate()

		drainOK := drain >= 1 && drain <= 300
		budgetOK := budget >= 1 && budget <= 300
		portOK := port >= 1 && port <= 65535
		crossOK := budget > drain
		concOK := concurrency >= 1 && concurrency <= 256
		msgOK := msg > 0 && msg <= 1
		contactOK := contact > 0 && contact <= 1

		allValid := drainOK && budgetOK && portOK && crossOK && concOK && msgOK && contactOK

		if allValid && err != nil {
			t.Errorf("expected no error for valid config %+v, got: %v", c, err)
		}
		if !allValid && err == nil {
			t.Errorf("expected error for invalid config %+v, got nil", c)
		}
	})
}
