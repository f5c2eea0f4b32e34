package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	settingsFile     = "config/setting.ini"
	defaultEnv       = "dev"
	envConfigPattern = "config/%s/botmeter.ini"
)

// Settings contains global toggles such as the active environment.
type Settings struct {
	Environment string
	Defaults    map[string]string
}

// ServiceConfig describes runtime options for the daemon.
type ServiceConfig struct {
	Environment string
	ListenAddr  string
	Port        int

	// Backward-compatible base log file; used if the daemon file is unset
	LogFile       string
	LogFileDaemon string
	LogLevel      string

	// Store backends. A non-empty DSN selects postgres for that store;
	// otherwise the sqlite path is used.
	AccountPath string
	LedgerPath  string
	UsagePath   string
	WebhookPath string
	AccountDSN  string
	LedgerDSN   string

	// Postgres pool tuning
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime int // minutes
	DBConnMaxIdleTime int // minutes

	// API key hashing pepper. Changing it invalidates every issued key.
	KeyPepper string
	// Admin surface bearer token; empty disables the admin endpoints.
	AdminToken string

	// Charge cost per metered request.
	CreditCostPerRequest int64

	// Tier daily limits, optionally overridden by TiersFile.
	TierLimits map[string]int64
	TiersFile  string

	// Webhook dispatcher
	WebhookWorkers int
	WebhookQueue   int
	WebhookTimeout time.Duration

	// Usage recorder
	UsageBatchSize     int
	UsageFlushInterval time.Duration
	UsageBuffer        int
	UsageWorkers       int

	// Burst rate limiting on the metered path
	RateLimitEnabled bool
	RateLimitRPS     float64
	RateLimitBurst   int
}

// tiersFile is the yaml shape of an external tier override file:
//
//	tiers:
//	  free: 100
//	  premium: 10000
//	  enterprise: 100000
type tiersFile struct {
	Tiers map[string]int64 `yaml:"tiers"`
}

// Load reads the current environment and builds the daemon configuration.
// Precedence per key: BOTMETER_* env var, then config/<env>/botmeter.ini,
// then config/setting.ini defaults.
func Load(root string) (ServiceConfig, error) {
	if root == "" {
		root = "."
	}
	s, err := loadSettings(root)
	if err != nil {
		return ServiceConfig{}, err
	}

	envValues, err := parseINI(filepath.Join(root, fmt.Sprintf(envConfigPattern, s.Environment)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			envValues = map[string]string{}
		} else {
			return ServiceConfig{}, err
		}
	}

	merged := make(map[string]string)
	for k, v := range s.Defaults {
		merged[k] = v
	}
	for k, v := range envValues {
		merged[k] = v
	}

	cfg := ServiceConfig{
		Environment:   s.Environment,
		ListenAddr:    firstNonEmpty(os.Getenv("BOTMETER_LISTEN_ADDR"), merged["listen_addr"], "0.0.0.0"),
		Port:          parseOptionalInt(firstNonEmpty(os.Getenv("BOTMETER_PORT"), merged["port"]), 8084),
		LogFile:       firstNonEmpty(os.Getenv("BOTMETER_LOG_FILE"), merged["log_file"]),
		LogLevel:      firstNonEmpty(merged["log_level"], "info"),
		AccountPath:   firstNonEmpty(os.Getenv("BOTMETER_ACCOUNT_PATH"), merged["account_path"], defaultDataPath("accounts.db")),
		LedgerPath:    firstNonEmpty(os.Getenv("BOTMETER_LEDGER_PATH"), merged["ledger_path"], defaultDataPath("ledger.db")),
		UsagePath:     firstNonEmpty(os.Getenv("BOTMETER_USAGE_PATH"), merged["usage_path"], defaultDataPath("usage.db")),
		WebhookPath:   firstNonEmpty(os.Getenv("BOTMETER_WEBHOOK_PATH"), merged["webhook_path"], defaultDataPath("webhooks.db")),
		AccountDSN:    firstNonEmpty(os.Getenv("BOTMETER_ACCOUNT_DSN"), merged["account_dsn"]),
		LedgerDSN:     firstNonEmpty(os.Getenv("BOTMETER_LEDGER_DSN"), merged["ledger_dsn"]),
		KeyPepper:     firstNonEmpty(os.Getenv("BOTMETER_KEY_PEPPER"), merged["key_pepper"], "botmeter-dev-pepper"),
		AdminToken:    firstNonEmpty(os.Getenv("BOTMETER_ADMIN_TOKEN"), merged["admin_token"]),
		TiersFile:     firstNonEmpty(os.Getenv("BOTMETER_TIERS_FILE"), merged["tiers_file"]),
		LogFileDaemon: firstNonEmpty(os.Getenv("BOTMETER_LOG_FILE_DAEMON"), os.Getenv("BOTMETER_LOG_FILE"), merged["log_file_daemon"], merged["log_file"]),
	}

	cfg.DBMaxOpenConns = parseOptionalInt(firstNonEmpty(os.Getenv("BOTMETER_DB_MAX_OPEN"), merged["db_max_open"]), 50)
	cfg.DBMaxIdleConns = parseOptionalInt(firstNonEmpty(os.Getenv("BOTMETER_DB_MAX_IDLE"), merged["db_max_idle"]), 10)
	cfg.DBConnMaxLifetime = parseOptionalInt(firstNonEmpty(os.Getenv("BOTMETER_DB_CONN_LIFETIME"), merged["db_conn_lifetime"]), 60)
	cfg.DBConnMaxIdleTime = parseOptionalInt(firstNonEmpty(os.Getenv("BOTMETER_DB_CONN_IDLE_TIME"), merged["db_conn_idle_time"]), 10)

	cost := parseOptionalInt(firstNonEmpty(os.Getenv("BOTMETER_CREDIT_COST"), merged["credit_cost_per_request"]), 1)
	if cost <= 0 {
		return ServiceConfig{}, fmt.Errorf("credit_cost_per_request must be positive, got %d", cost)
	}
	cfg.CreditCostPerRequest = int64(cost)

	cfg.WebhookWorkers = parseOptionalInt(firstNonEmpty(os.Getenv("BOTMETER_WEBHOOK_WORKERS"), merged["webhook_workers"]), 4)
	cfg.WebhookQueue = parseOptionalInt(firstNonEmpty(os.Getenv("BOTMETER_WEBHOOK_QUEUE"), merged["webhook_queue"]), 1024)
	cfg.WebhookTimeout = 5 * time.Second
	if v := firstNonEmpty(os.Getenv("BOTMETER_WEBHOOK_TIMEOUT"), merged["webhook_timeout"]); v != "" {
		dur, err := time.ParseDuration(v)
		if err != nil {
			return ServiceConfig{}, fmt.Errorf("invalid webhook_timeout %q: %w", v, err)
		}
		cfg.WebhookTimeout = dur
	}

	cfg.UsageBatchSize = parseOptionalInt(firstNonEmpty(os.Getenv("BOTMETER_USAGE_BATCH_SIZE"), merged["usage_batch_size"]), 100)
	cfg.UsageBuffer = parseOptionalInt(firstNonEmpty(os.Getenv("BOTMETER_USAGE_BUFFER"), merged["usage_buffer"]), 10000)
	cfg.UsageWorkers = parseOptionalInt(firstNonEmpty(os.Getenv("BOTMETER_USAGE_WORKERS"), merged["usage_workers"]), 1)
	cfg.UsageFlushInterval = time.Second
	if v := firstNonEmpty(os.Getenv("BOTMETER_USAGE_FLUSH_INTERVAL"), merged["usage_flush_interval"]); v != "" {
		dur, err := time.ParseDuration(v)
		if err != nil {
			return ServiceConfig{}, fmt.Errorf("invalid usage_flush_interval %q: %w", v, err)
		}
		cfg.UsageFlushInterval = dur
	}

	cfg.RateLimitEnabled = parseOptionalBool(firstNonEmpty(os.Getenv("BOTMETER_RATE_LIMIT_ENABLED"), merged["rate_limit_enabled"]), true)
	cfg.RateLimitRPS = parseOptionalFloat(firstNonEmpty(os.Getenv("BOTMETER_RATE_LIMIT_RPS"), merged["rate_limit_rps"]), 20)
	cfg.RateLimitBurst = parseOptionalInt(firstNonEmpty(os.Getenv("BOTMETER_RATE_LIMIT_BURST"), merged["rate_limit_burst"]), 40)

	if err := cfg.loadTierLimits(merged); err != nil {
		return ServiceConfig{}, err
	}
	return cfg, nil
}

// loadTierLimits merges inline tier overrides and the optional yaml file onto
// the built-in table. Unknown tier names in either source are rejected.
func (c *ServiceConfig) loadTierLimits(merged map[string]string) error {
	limits := map[string]int64{
		"free":       100,
		"premium":    10000,
		"enterprise": 100000,
	}

	apply := func(name string, v int64, source string) error {
		if _, ok := limits[name]; !ok {
			return fmt.Errorf("unknown tier %q in %s", name, source)
		}
		if v <= 0 {
			return fmt.Errorf("tier %q limit must be positive in %s, got %d", name, source, v)
		}
		limits[name] = v
		return nil
	}

	if c.TiersFile != "" {
		raw, err := os.ReadFile(c.TiersFile)
		if err != nil {
			return fmt.Errorf("read tiers file: %w", err)
		}
		var tf tiersFile
		if err := yaml.Unmarshal(raw, &tf); err != nil {
			return fmt.Errorf("parse tiers file %s: %w", c.TiersFile, err)
		}
		for name, v := range tf.Tiers {
			if err := apply(strings.ToLower(name), v, c.TiersFile); err != nil {
				return err
			}
		}
	}

	// Inline keys beat the file: tier_limit_free=200 etc.
	for _, name := range []string{"free", "premium", "enterprise"} {
		v := firstNonEmpty(os.Getenv("BOTMETER_TIER_LIMIT_"+strings.ToUpper(name)), merged["tier_limit_"+name])
		if v == "" {
			continue
		}
		parsed, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid tier_limit_%s %q: %w", name, v, err)
		}
		if err := apply(name, parsed, "config"); err != nil {
			return err
		}
	}

	c.TierLimits = limits
	return nil
}

// Addr returns the HTTP listen address.
func (c *ServiceConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.ListenAddr, c.Port)
}

func loadSettings(root string) (Settings, error) {
	values, err := parseINI(filepath.Join(root, settingsFile))
	if errors.Is(err, os.ErrNotExist) {
		return Settings{Environment: defaultEnv, Defaults: map[string]string{}}, nil
	}
	if err != nil {
		return Settings{}, err
	}
	env := values["environment"]
	if env == "" {
		env = defaultEnv
	}
	defaults := make(map[string]string)
	for k, v := range values {
		if k == "environment" {
			continue
		}
		defaults[k] = v
	}
	return Settings{Environment: env, Defaults: defaults}, nil
}

func parseINI(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		values[strings.ToLower(key)] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseOptionalBool(v string, fallback bool) bool {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return parseBool(v)
}

func parseOptionalInt(v string, fallback int) int {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		return parsed
	}
	return fallback
}

func parseOptionalFloat(v string, fallback float64) float64 {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	if parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
		return parsed
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func defaultDataPath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return name
	}
	return filepath.Join(home, ".botmeter", name)
}
