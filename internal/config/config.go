package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	KafkaBrokers          []string
	KafkaTopic            string
	AuditDBPath           string
	AuthSecret            string
	AccessTokenTTLMinutes int
	APIKeys               []string
	DefaultRegisterID     string
	SweepIntervalMinutes  int
	ConfigFile            string
	PullSync              PullSync
	Policy                Policy
}

// PullSync configures the optional poller that fetches orders from an
// external POS API instead of waiting for webhooks.
type PullSync struct {
	URL             string `yaml:"url"`
	APIKey          string `yaml:"api_key"`
	RegisterID      string `yaml:"register_id"`
	IntervalMinutes int    `yaml:"interval_minutes"`
}

// Policy is the operator-tunable engine behavior. It can be set from the YAML
// file named by CONFIG_FILE; environment variables win over the file.
type Policy struct {
	AllowedStatuses          []int          `yaml:"allowed_statuses"`
	MaxBatchOrders           int            `yaml:"max_batch_orders"`
	DefaultPartnerID         int64          `yaml:"default_partner_id"`
	FallbackPaymentMethodID  int64          `yaml:"fallback_payment_method_id"`
	PaymentKeywords          map[int]string `yaml:"payment_keywords"`
	TotalTolerance           float64        `yaml:"total_tolerance"`
	PaymentTolerance         float64        `yaml:"payment_tolerance"`
	FuzzyThreshold           float64        `yaml:"fuzzy_threshold"`
	AutoInvoice              bool           `yaml:"auto_invoice"`
	ProductChecks            ProductChecks  `yaml:"product_checks"`
	ProcessingTimeoutMinutes int            `yaml:"idempotency_processing_timeout_minutes"`
	RetentionDays            int            `yaml:"idempotency_retention_days"`
	AuditRetentionDays       int            `yaml:"audit_retention_days"`
	CollaboratorTimeoutSecs  int            `yaml:"collaborator_timeout_seconds"`
	OpeningTimeoutSecs       int            `yaml:"session_opening_timeout_seconds"`
}

type ProductChecks struct {
	Active         bool `yaml:"active"`
	Sellable       bool `yaml:"sellable"`
	AvailableInPOS bool `yaml:"available_in_pos"`
	SameCompany    bool `yaml:"same_company"`
}

// DefaultPaymentKeywords maps POS payment mode codes to journal name keywords.
func DefaultPaymentKeywords() map[int]string {
	return map[int]string{
		1: "cash",
		2: "card",
		3: "credit",
		5: "tabby",
		6: "tamara",
		7: "stcpay",
		8: "bank transfer",
	}
}

func DefaultPolicy() Policy {
	return Policy{
		AllowedStatuses:          []int{103, 106},
		MaxBatchOrders:           1000,
		PaymentKeywords:          DefaultPaymentKeywords(),
		TotalTolerance:           0.10,
		PaymentTolerance:         0.01,
		FuzzyThreshold:           0.85,
		AutoInvoice:              true,
		ProductChecks:            ProductChecks{Active: true, Sellable: true, AvailableInPOS: true, SameCompany: true},
		ProcessingTimeoutMinutes: 5,
		RetentionDays:            30,
		AuditRetentionDays:       90,
		CollaboratorTimeoutSecs:  10,
		OpeningTimeoutSecs:       60,
	}
}

func Load() (Config, error) {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	tokenTTL, err := strconv.Atoi(getEnv("ACCESS_TOKEN_TTL_MINUTES", "60"))
	if err != nil || tokenTTL < 1 {
		tokenTTL = 60
	}
	sweepInterval, err := strconv.Atoi(getEnv("SWEEP_INTERVAL_MINUTES", "10"))
	if err != nil || sweepInterval < 1 {
		sweepInterval = 10
	}

	cfg := Config{
		Port:                  getEnv("PORT", "8080"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "*"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               redisDB,
		KafkaBrokers:          splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:            getEnv("KAFKA_TOPIC", "pos-order-events"),
		AuditDBPath:           os.Getenv("AUDIT_DB_PATH"),
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: tokenTTL,
		APIKeys:               splitList(os.Getenv("API_KEYS")),
		DefaultRegisterID:     getEnv("DEFAULT_REGISTER_ID", "main"),
		SweepIntervalMinutes:  sweepInterval,
		ConfigFile:            os.Getenv("CONFIG_FILE"),
		PullSync: PullSync{
			URL:             os.Getenv("PULL_SYNC_URL"),
			APIKey:          os.Getenv("PULL_SYNC_API_KEY"),
			RegisterID:      os.Getenv("PULL_SYNC_REGISTER_ID"),
			IntervalMinutes: 15,
		},
		Policy: DefaultPolicy(),
	}

	if cfg.ConfigFile != "" {
		if err := cfg.applyFile(cfg.ConfigFile); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyPolicyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Policy.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

type fileConfig struct {
	Policy   *Policy   `yaml:"policy"`
	PullSync *PullSync `yaml:"pull_sync"`
}

func (c *Config) applyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	file := fileConfig{Policy: &c.Policy, PullSync: &c.PullSync}
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyPolicyEnv() error {
	ints := []struct {
		key  string
		dest *int
	}{
		{"MAX_BATCH_ORDERS", &c.Policy.MaxBatchOrders},
		{"IDEMPOTENCY_PROCESSING_TIMEOUT_MINUTES", &c.Policy.ProcessingTimeoutMinutes},
		{"IDEMPOTENCY_RETENTION_DAYS", &c.Policy.RetentionDays},
		{"AUDIT_RETENTION_DAYS", &c.Policy.AuditRetentionDays},
		{"PULL_SYNC_INTERVAL_MINUTES", &c.PullSync.IntervalMinutes},
	}
	for _, item := range ints {
		raw := strings.TrimSpace(os.Getenv(item.key))
		if raw == "" {
			continue
		}
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", item.key, err)
		}
		*item.dest = parsed
	}

	ids := []struct {
		key  string
		dest *int64
	}{
		{"DEFAULT_PARTNER_ID", &c.Policy.DefaultPartnerID},
		{"FALLBACK_PAYMENT_METHOD_ID", &c.Policy.FallbackPaymentMethodID},
	}
	for _, item := range ids {
		raw := strings.TrimSpace(os.Getenv(item.key))
		if raw == "" {
			continue
		}
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", item.key, err)
		}
		*item.dest = parsed
	}

	if raw := strings.TrimSpace(os.Getenv("ALLOWED_ORDER_STATUSES")); raw != "" {
		statuses := make([]int, 0, 2)
		for _, part := range splitList(raw) {
			code, err := strconv.Atoi(part)
			if err != nil {
				return fmt.Errorf("ALLOWED_ORDER_STATUSES: %w", err)
			}
			statuses = append(statuses, code)
		}
		c.Policy.AllowedStatuses = statuses
	}
	return nil
}

func (p Policy) Validate() error {
	if p.MaxBatchOrders < 1 {
		return fmt.Errorf("max_batch_orders must be positive")
	}
	if len(p.AllowedStatuses) == 0 {
		return fmt.Errorf("allowed_statuses must not be empty")
	}
	if p.TotalTolerance < 0 || p.PaymentTolerance < 0 {
		return fmt.Errorf("tolerances must not be negative")
	}
	if p.FuzzyThreshold <= 0 || p.FuzzyThreshold > 1 {
		return fmt.Errorf("fuzzy_threshold must be in (0, 1]")
	}
	if p.ProcessingTimeoutMinutes < 1 {
		return fmt.Errorf("idempotency_processing_timeout_minutes must be positive")
	}
	if p.RetentionDays < 0 || p.AuditRetentionDays < 0 {
		return fmt.Errorf("retention days must not be negative")
	}
	return nil
}

func (p Policy) TotalToleranceDecimal() decimal.Decimal {
	return decimal.NewFromFloat(p.TotalTolerance)
}

func (p Policy) PaymentToleranceDecimal() decimal.Decimal {
	return decimal.NewFromFloat(p.PaymentTolerance)
}

func (p Policy) ProcessingTimeout() time.Duration {
	return time.Duration(p.ProcessingTimeoutMinutes) * time.Minute
}

// Retention is zero when purging is disabled.
func (p Policy) Retention() time.Duration {
	return time.Duration(p.RetentionDays) * 24 * time.Hour
}

func (p Policy) AuditRetention() time.Duration {
	return time.Duration(p.AuditRetentionDays) * 24 * time.Hour
}

func (p Policy) CollaboratorTimeout() time.Duration {
	if p.CollaboratorTimeoutSecs < 1 {
		return 10 * time.Second
	}
	return time.Duration(p.CollaboratorTimeoutSecs) * time.Second
}

func (p Policy) OpeningTimeout() time.Duration {
	if p.OpeningTimeoutSecs < 1 {
		return time.Minute
	}
	return time.Duration(p.OpeningTimeoutSecs) * time.Second
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
