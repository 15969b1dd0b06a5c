// Package config loads service settings from the environment.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/warp/expense-fund/fund"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

type Config struct {
	// HTTP Server
	Port string

	// Storage
	StoreBackend string
	SQLiteDBPath string
	PostgresDSN  string

	// Initial-amount policy. PolicyJSON wins over the two amounts.
	PolicyJSON         string
	NewAdmissionAmount string
	PromotedAmount     string

	// Ledger engine
	MaxAttempts       int
	RetryBase         time.Duration
	FanoutConcurrency int
	DeficitCacheTTL   time.Duration

	// Reconciliation
	ReconcileInterval time.Duration
	ReconcileGrace    time.Duration
	ReconcileYears    []fund.AcademicYear

	// AMQP billing alerts; disabled when AMQPURL is empty
	AMQPURL      string
	AMQPExchange string
	AMQPQueue    string

	LogLevel string
}

func Load() *Config {
	return &Config{
		Port: getEnv("PORT", "8080"),

		StoreBackend: getEnv("STORE_BACKEND", BackendSQLite),
		SQLiteDBPath: getEnv("SQLITE_DB_PATH", "./data/expense-fund.db"),
		PostgresDSN:  getEnv("POSTGRES_DSN", ""),

		PolicyJSON:         getEnv("FUND_POLICY_JSON", ""),
		NewAdmissionAmount: getEnv("NEW_ADMISSION_AMOUNT", "9000"),
		PromotedAmount:     getEnv("PROMOTED_AMOUNT", "7000"),

		MaxAttempts:       getEnvInt("LEDGER_MAX_ATTEMPTS", fund.DefaultMaxAttempts),
		RetryBase:         getEnvDuration("LEDGER_RETRY_BASE", fund.DefaultRetryBase),
		FanoutConcurrency: getEnvInt("FANOUT_CONCURRENCY", fund.DefaultFanoutConcurrency),
		DeficitCacheTTL:   getEnvDuration("DEFICIT_CACHE_TTL", fund.DefaultDeficitCacheTTL),

		ReconcileInterval: getEnvDuration("RECONCILE_INTERVAL", 15*time.Minute),
		ReconcileGrace:    getEnvDuration("RECONCILE_GRACE", fund.DefaultReconcileGrace),
		ReconcileYears:    getEnvYears("RECONCILE_YEARS"),

		AMQPURL:      getEnv("AMQP_URL", ""),
		AMQPExchange: getEnv("AMQP_EXCHANGE", "expense-fund"),
		AMQPQueue:    getEnv("AMQP_QUEUE", "billing_alerts"),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
}

// Policy returns the policy document for policy.Factory.
func (c *Config) Policy() string {
	if c.PolicyJSON != "" {
		return c.PolicyJSON
	}
	return fmt.Sprintf(`{"type":"tiered","new_admission_amount":%q,"promoted_amount":%q}`,
		c.NewAdmissionAmount, c.PromotedAmount)
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	var errors []string

	if port, err := strconv.Atoi(c.Port); err != nil {
		errors = append(errors, fmt.Sprintf("invalid port '%s': must be a number", c.Port))
	} else if port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("invalid port %d: must be between 1 and 65535", port))
	}

	switch c.StoreBackend {
	case BackendMemory:
	case BackendSQLite:
		if c.SQLiteDBPath == "" {
			errors = append(errors, "SQLite database path cannot be empty when using sqlite backend")
		} else if c.SQLiteDBPath != ":memory:" {
			dir := filepath.Dir(c.SQLiteDBPath)
			if dir != "." && dir != "" {
				if _, err := os.Stat(dir); os.IsNotExist(err) {
					if err := os.MkdirAll(dir, 0755); err != nil {
						errors = append(errors, fmt.Sprintf("cannot create SQLite database directory '%s': %v", dir, err))
					}
				}
			}
		}
	case BackendPostgres:
		if c.PostgresDSN == "" {
			errors = append(errors, "POSTGRES_DSN is required when using postgres backend")
		}
	default:
		errors = append(errors, fmt.Sprintf("invalid store backend '%s': must be one of %v",
			c.StoreBackend, []string{BackendMemory, BackendSQLite, BackendPostgres}))
	}

	if c.PolicyJSON != "" {
		if !json.Valid([]byte(c.PolicyJSON)) {
			errors = append(errors, "FUND_POLICY_JSON is not valid JSON")
		}
	} else {
		for name, v := range map[string]string{
			"NEW_ADMISSION_AMOUNT": c.NewAdmissionAmount,
			"PROMOTED_AMOUNT":      c.PromotedAmount,
		} {
			m, err := fund.ParseMoney(v)
			if err != nil {
				errors = append(errors, fmt.Sprintf("invalid %s '%s': %v", name, v, err))
			} else if m.IsNegative() {
				errors = append(errors, fmt.Sprintf("invalid %s %s: must not be negative", name, m))
			}
		}
	}

	if c.MaxAttempts < 1 || c.MaxAttempts > 20 {
		errors = append(errors, fmt.Sprintf("invalid ledger max attempts %d: must be between 1 and 20", c.MaxAttempts))
	}
	if c.RetryBase <= 0 {
		errors = append(errors, fmt.Sprintf("invalid ledger retry base %v: must be positive", c.RetryBase))
	}
	if c.FanoutConcurrency < 1 {
		errors = append(errors, fmt.Sprintf("invalid fanout concurrency %d: must be at least 1", c.FanoutConcurrency))
	}
	if c.DeficitCacheTTL < 0 {
		errors = append(errors, fmt.Sprintf("invalid deficit cache TTL %v: must not be negative", c.DeficitCacheTTL))
	}

	if len(c.ReconcileYears) > 0 && c.ReconcileInterval < time.Minute {
		errors = append(errors, fmt.Sprintf("invalid reconcile interval %v: must be at least 1 minute", c.ReconcileInterval))
	}
	if len(c.ReconcileYears) > 0 && c.ReconcileGrace < 10*time.Second {
		errors = append(errors, fmt.Sprintf("invalid reconcile grace %v: must be at least 10s while writes are live", c.ReconcileGrace))
	}

	if c.AMQPURL != "" {
		if parsedURL, err := url.Parse(c.AMQPURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQPURL, err))
		} else if parsedURL.Scheme != "amqp" && parsedURL.Scheme != "amqps" {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", parsedURL.Scheme))
		}
		if c.AMQPExchange == "" {
			errors = append(errors, "AMQP exchange name cannot be empty when AMQP URL is provided")
		}
		if c.AMQPQueue == "" {
			errors = append(errors, "AMQP queue name cannot be empty when AMQP URL is provided")
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvYears reads a comma-separated list of academic years.
func getEnvYears(key string) []fund.AcademicYear {
	var years []fund.AcademicYear
	for _, y := range strings.Split(os.Getenv(key), ",") {
		if y = strings.TrimSpace(y); y != "" {
			years = append(years, fund.AcademicYear(y))
		}
	}
	return years
}
