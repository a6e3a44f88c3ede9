package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

type Config struct {
	HTTPPort           int      `env:"HTTP_PORT"`
	HTTPAllowedOrigins []string `env:"HTTP_ALLOWED_ORIGINS"`
	LogLevel           string   `env:"LOG_LEVEL"`
	StoreDriver        string   `env:"STORE_DRIVER"`

	DBConfig struct {
		Host     string `env:"PAYMENTS_DB_HOST"`
		Port     int    `env:"PAYMENTS_DB_PORT"`
		User     string `env:"PAYMENTS_DB_USER"`
		Password string `env:"PAYMENTS_DB_PASSWORD"`
		Name     string `env:"PAYMENTS_DB_NAME"`
		SSLMode  string `env:"PAYMENTS_DB_SSLMODE"`
	}

	KafkaBrokerURL          string `env:"KAFKA_BROKER_URL"`
	KafkaInvoiceEventsTopic string `env:"KAFKA_INVOICE_EVENTS_TOPIC"`
	KafkaConsumerGroup      string `env:"KAFKA_CONSUMER_GROUP"`

	OutboxPollInterval time.Duration `env:"OUTBOX_POLL_INTERVAL"`
	OutboxPollTimeout  time.Duration `env:"OUTBOX_POLL_TIMEOUT"`
	OutboxBatchSize    int           `env:"OUTBOX_BATCH_SIZE"`

	Mpesa struct {
		BaseURL        string        `env:"MPESA_BASE_URL"`
		ConsumerKey    string        `env:"MPESA_CONSUMER_KEY"`
		ConsumerSecret string        `env:"MPESA_CONSUMER_SECRET"`
		ShortCode      string        `env:"MPESA_SHORTCODE"`
		Passkey        string        `env:"MPESA_PASSKEY"`
		CallbackURL    string        `env:"MPESA_CALLBACK_URL"`
		Timeout        time.Duration `env:"MPESA_TIMEOUT"`
	}

	ReconcilePollInterval time.Duration `env:"RECONCILE_POLL_INTERVAL"`
	ReconcileDeadline     time.Duration `env:"RECONCILE_DEADLINE"`

	CallbackAllowedCIDRs []string `env:"CALLBACK_ALLOWED_CIDRS"`
}

func LoadConfig() (*Config, error) {
	cfg := &Config{}

	cfg.HTTPPort = getEnvAsInt("HTTP_PORT", 8082)
	cfg.HTTPAllowedOrigins = getEnvAsList("HTTP_ALLOWED_ORIGINS", []string{"http://localhost:8081"})
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.StoreDriver = getEnvOrDefault("STORE_DRIVER", StoreDriverPostgres)

	cfg.DBConfig.Host = getEnvOrDefault("PAYMENTS_DB_HOST", "localhost")
	cfg.DBConfig.Port = getEnvAsInt("PAYMENTS_DB_PORT", 5432)
	cfg.DBConfig.User = getEnvOrDefault("PAYMENTS_DB_USER", "user")
	cfg.DBConfig.Password = getEnvOrDefault("PAYMENTS_DB_PASSWORD", "password")
	cfg.DBConfig.Name = getEnvOrDefault("PAYMENTS_DB_NAME", "payments_db")
	cfg.DBConfig.SSLMode = getEnvOrDefault("PAYMENTS_DB_SSLMODE", "disable")

	cfg.KafkaBrokerURL = getEnvOrDefault("KAFKA_BROKER_URL", "localhost:9092")
	cfg.KafkaInvoiceEventsTopic = getEnvOrDefault("KAFKA_INVOICE_EVENTS_TOPIC", "invoice_payment_events")
	cfg.KafkaConsumerGroup = getEnvOrDefault("KAFKA_CONSUMER_GROUP", "stkpay-invoice-status-group")

	cfg.OutboxPollInterval = getEnvAsDuration("OUTBOX_POLL_INTERVAL", 1*time.Second)
	cfg.OutboxPollTimeout = getEnvAsDuration("OUTBOX_POLL_TIMEOUT", 500*time.Millisecond)
	cfg.OutboxBatchSize = getEnvAsInt("OUTBOX_BATCH_SIZE", 10)

	cfg.Mpesa.BaseURL = getEnvOrDefault("MPESA_BASE_URL", "https://sandbox.safaricom.co.ke")
	cfg.Mpesa.ConsumerKey = getEnvOrDefault("MPESA_CONSUMER_KEY", "")
	cfg.Mpesa.ConsumerSecret = getEnvOrDefault("MPESA_CONSUMER_SECRET", "")
	cfg.Mpesa.ShortCode = getEnvOrDefault("MPESA_SHORTCODE", "174379")
	cfg.Mpesa.Passkey = getEnvOrDefault("MPESA_PASSKEY", "")
	cfg.Mpesa.CallbackURL = getEnvOrDefault("MPESA_CALLBACK_URL", "")
	cfg.Mpesa.Timeout = getEnvAsDuration("MPESA_TIMEOUT", 30*time.Second)

	cfg.ReconcilePollInterval = getEnvAsDuration("RECONCILE_POLL_INTERVAL", 3*time.Second)
	cfg.ReconcileDeadline = getEnvAsDuration("RECONCILE_DEADLINE", 120*time.Second)

	cfg.CallbackAllowedCIDRs = getEnvAsList("CALLBACK_ALLOWED_CIDRS", nil)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.StoreDriver != StoreDriverPostgres && c.StoreDriver != StoreDriverMemory {
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StoreDriverPostgres, StoreDriverMemory, c.StoreDriver))
	}
	if c.Mpesa.CallbackURL == "" {
		errs = append(errs, errors.New("MPESA_CALLBACK_URL is required"))
	}
	if c.ReconcilePollInterval <= 0 {
		errs = append(errs, errors.New("RECONCILE_POLL_INTERVAL must be positive"))
	}
	if c.ReconcileDeadline <= 0 {
		errs = append(errs, errors.New("RECONCILE_DEADLINE must be positive"))
	}
	if c.ReconcilePollInterval > c.ReconcileDeadline {
		errs = append(errs, errors.New("RECONCILE_POLL_INTERVAL must not exceed RECONCILE_DEADLINE"))
	}
	if _, err := c.CallbackNetworks(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// CallbackNetworks parses CALLBACK_ALLOWED_CIDRS. Bare addresses are treated as single hosts.
func (c *Config) CallbackNetworks() ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(c.CallbackAllowedCIDRs))
	for _, raw := range c.CallbackAllowedCIDRs {
		if !strings.Contains(raw, "/") {
			ip := net.ParseIP(raw)
			if ip == nil {
				return nil, fmt.Errorf("invalid callback allowlist entry %q", raw)
			}
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, ipNet, err := net.ParseCIDR(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid callback allowlist entry %q: %w", raw, err)
		}
		nets = append(nets, ipNet)
	}
	return nets, nil
}

func (c *Config) GetDBConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DBConfig.Host, c.DBConfig.Port, c.DBConfig.User, c.DBConfig.Password, c.DBConfig.Name, c.DBConfig.SSLMode)
}

func (c *Config) GetKafkaBrokers() []string {
	return strings.Split(c.KafkaBrokerURL, ",")
}

// KafkaRequired reports whether start-up must fail without a reachable broker.
// Only the postgres driver runs the outbox relay and the invoice consumer.
func (c *Config) KafkaRequired() bool {
	return c.StoreDriver != StoreDriverMemory
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnvOrDefault(key, strconv.Itoa(defaultValue))
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnvOrDefault(key, defaultValue.String())
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
