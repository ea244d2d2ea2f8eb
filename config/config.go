package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"inviqa/mail-outbox-relay/log"

	"github.com/alexflint/go-arg"
	"github.com/joho/godotenv"
)

const (
	MySQL    DbDriver = "mysql"
	Postgres DbDriver = "postgres"

	// DrainLockName is the lease name shared by every process draining the same mail queue.
	DrainLockName = "send_queued_mail_until_done"
)

type DbDriver string

var supportedDbTypes = map[DbDriver]bool{
	Postgres: true,
	MySQL:    true,
}

var supportedPriorities = map[string]bool{
	"low":    true,
	"medium": true,
	"high":   true,
	"now":    true,
}

type Config struct {
	SkipMigrations bool     `arg:"--skip-migrations,env:SKIP_MIGRATIONS"`
	DBHost         string   `arg:"--db-host,env:DB_HOST,required"`
	DBPort         uint32   `arg:"--db-port,env:DB_PORT,required"`
	DBUser         string   `arg:"--db-user,env:DB_USER,required"`
	DBPass         string   `arg:"--db-pass,env:DB_PASS,required"`
	DBSchema       string   `arg:"--db-schema,env:DB_SCHEMA,required"`
	DBDriver       DbDriver `arg:"--db-driver,env:DB_DRIVER,required"`

	BatchSize                   int      `arg:"--batch-size,env:BATCH_SIZE"`
	MaxRetries                  int      `arg:"--max-retries,env:MAX_RETRIES"`
	RetryIntervalSeconds        int      `arg:"--retry-interval-seconds,env:RETRY_INTERVAL_SECONDS"`
	MailLogLevel                int      `arg:"--mail-log-level,env:MAIL_LOG_LEVEL"`
	SendingOrder                []string `arg:"--sending-order,env:SENDING_ORDER"`
	Concurrency                 int      `arg:"--concurrency,env:CONCURRENCY"`
	BatchDeliveryTimeoutSeconds int      `arg:"--batch-delivery-timeout-seconds,env:BATCH_DELIVERY_TIMEOUT_SECONDS"`
	LockDurationSeconds         int      `arg:"--lock-duration-seconds,env:LOCK_DURATION_SECONDS"`
	PollFrequencyMs             int      `arg:"--poll-frequency-ms,env:POLL_FREQUENCY_MS"`
	DefaultPriority             string   `arg:"--default-priority,env:DEFAULT_PRIORITY"`
	DefaultFrom                 string   `arg:"--default-from,env:DEFAULT_FROM"`
	MessageIdEnabled            bool     `arg:"--message-id-enabled,env:MESSAGE_ID_ENABLED"`
	MessageIdFQDN               string   `arg:"--message-id-fqdn,env:MESSAGE_ID_FQDN"`

	BackendsFile string   `arg:"--backends-file,env:BACKENDS_FILE"`
	SMTPHost     string   `arg:"--smtp-host,env:SMTP_HOST"`
	SMTPPort     uint32   `arg:"--smtp-port,env:SMTP_PORT"`
	SMTPUser     string   `arg:"--smtp-user,env:SMTP_USER"`
	SMTPPass     string   `arg:"--smtp-pass,env:SMTP_PASS"`
	SMTPStartTLS bool     `arg:"--smtp-starttls,env:SMTP_STARTTLS"`
	KafkaHost    []string `arg:"--kafka-host,env:KAFKA_HOST"`

	TLSEnable         bool `arg:"--tls,env:TLS_ENABLE"`
	TLSSkipVerifyPeer bool `arg:"--tls-skip-verify-peer,env:TLS_SKIP_VERIFY_PEER"`

	DrainOnce       bool   `arg:"--drain-once,env:DRAIN_ONCE"`
	RunCleanup      bool   `arg:"--cleanup,env:RUN_CLEANUP"`
	CleanupDays     int    `arg:"--cleanup-days,env:CLEANUP_DAYS"`
	RunOptimize     bool   `arg:"--optimize,env:RUN_OPTIMIZE"`
	SidecarProxyUrl string `arg:"--sidecar-proxy-url,env:SIDECAR_PROXY_URL"`
	MetricsAddr     string `arg:"--metrics-addr,env:METRICS_ADDR"`
}

func NewConfig() (*Config, error) {
	loadDotEnv()

	c := NewDefaultConfig()

	// go-arg cannot take a default for a slice field, the default order is
	// restored after parsing instead.
	defaultOrder := c.SendingOrder
	c.SendingOrder = nil
	arg.MustParse(c)
	if len(c.SendingOrder) == 0 {
		c.SendingOrder = defaultOrder
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}

	return c, nil
}

// NewDefaultConfig returns a Config holding the default value of every optional setting.
func NewDefaultConfig() *Config {
	host, _ := os.Hostname()

	return &Config{
		BatchSize:                   100,
		MaxRetries:                  0,
		RetryIntervalSeconds:        900,
		MailLogLevel:                2,
		SendingOrder:                []string{"-priority"},
		Concurrency:                 1,
		BatchDeliveryTimeoutSeconds: 180,
		LockDurationSeconds:         600,
		PollFrequencyMs:             5000,
		DefaultPriority:             "medium",
		MessageIdFQDN:               host,
		SMTPPort:                    25,
		CleanupDays:                 90,
		MetricsAddr:                 ":80",
	}
}

func (c *Config) Validate() error {
	if !supportedDbTypes[c.DBDriver] {
		return fmt.Errorf("the DB_DRIVER provided (%s) is not supported", c.DBDriver)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("the BATCH_SIZE must be at least 1, got %d", c.BatchSize)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("the MAX_RETRIES cannot be negative, got %d", c.MaxRetries)
	}
	if c.RetryIntervalSeconds < 0 {
		return fmt.Errorf("the RETRY_INTERVAL_SECONDS cannot be negative, got %d", c.RetryIntervalSeconds)
	}
	if c.BatchDeliveryTimeoutSeconds < 1 {
		return fmt.Errorf("the BATCH_DELIVERY_TIMEOUT_SECONDS must be at least 1, got %d", c.BatchDeliveryTimeoutSeconds)
	}
	if c.LockDurationSeconds < 1 {
		return fmt.Errorf("the LOCK_DURATION_SECONDS must be at least 1, got %d", c.LockDurationSeconds)
	}
	if c.PollFrequencyMs < 1 {
		return fmt.Errorf("the POLL_FREQUENCY_MS must be at least 1, got %d", c.PollFrequencyMs)
	}
	if c.MailLogLevel < 0 || c.MailLogLevel > 2 {
		return fmt.Errorf("the MAIL_LOG_LEVEL must be 0, 1 or 2, got %d", c.MailLogLevel)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("the CONCURRENCY must be at least 1, got %d", c.Concurrency)
	}
	if !supportedPriorities[strings.ToLower(c.DefaultPriority)] {
		return fmt.Errorf("the DEFAULT_PRIORITY provided (%s) is not supported", c.DefaultPriority)
	}

	return nil
}

func (c *Config) GetPollIntervalDurationInMs() time.Duration {
	return time.Duration(c.PollFrequencyMs) * time.Millisecond
}

func (c *Config) GetRetryInterval() time.Duration {
	return time.Duration(c.RetryIntervalSeconds) * time.Second
}

func (c *Config) GetBatchDeliveryTimeout() time.Duration {
	return time.Duration(c.BatchDeliveryTimeoutSeconds) * time.Second
}

func (c *Config) GetLockDuration() time.Duration {
	return time.Duration(c.LockDurationSeconds) * time.Second
}

func (c *Config) GetCleanupCutoff(now time.Time) time.Time {
	return now.AddDate(0, 0, -c.CleanupDays)
}

func (c *Config) GetDSN() string {
	switch c.DBDriver {
	case MySQL:
		tls := "false"
		if c.TLSEnable {
			if c.TLSSkipVerifyPeer {
				tls = "skip-verify"
			} else {
				tls = "true"
			}
		}
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&tls=%s&multiStatements=true", c.DBUser, c.DBPass, c.DBHost, c.DBPort, c.DBSchema, tls)
	case Postgres:
		sslMode := "disable"
		if c.TLSEnable {
			if c.TLSSkipVerifyPeer {
				sslMode = "require"
			} else {
				sslMode = "verify-full"
			}
		}
		return fmt.Sprintf("%s://%s@%s:%d/%s?sslmode=%s", c.DBDriver, url.UserPassword(c.DBUser, c.DBPass), c.DBHost, c.DBPort, c.DBSchema, sslMode)
	default:
		log.Logger.Fatalf("the DB driver configured (%s) is not supported", c.DBDriver)
		return ""
	}
}

// GetDependencySystemAddresses lists the host:port pairs checked by the readiness endpoint.
func (c *Config) GetDependencySystemAddresses() []string {
	var addrs []string
	if c.SMTPHost != "" {
		addrs = append(addrs, fmt.Sprintf("%s:%d", c.SMTPHost, c.SMTPPort))
	}

	return append(addrs, c.KafkaHost...)
}

func (c Config) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"SkipMigrations":              c.SkipMigrations,
		"DBHost":                      c.DBHost,
		"DBPort":                      c.DBPort,
		"DBUser":                      c.DBUser,
		"DBPass":                      "xxxxx",
		"DBSchema":                    c.DBSchema,
		"DBDriver":                    c.DBDriver,
		"BatchSize":                   c.BatchSize,
		"MaxRetries":                  c.MaxRetries,
		"RetryIntervalSeconds":        c.RetryIntervalSeconds,
		"MailLogLevel":                c.MailLogLevel,
		"SendingOrder":                c.SendingOrder,
		"Concurrency":                 c.Concurrency,
		"BatchDeliveryTimeoutSeconds": c.BatchDeliveryTimeoutSeconds,
		"LockDurationSeconds":         c.LockDurationSeconds,
		"PollFrequencyMs":             c.PollFrequencyMs,
		"DefaultPriority":             c.DefaultPriority,
		"DefaultFrom":                 c.DefaultFrom,
		"MessageIdEnabled":            c.MessageIdEnabled,
		"MessageIdFQDN":               c.MessageIdFQDN,
		"BackendsFile":                c.BackendsFile,
		"SMTPHost":                    c.SMTPHost,
		"SMTPPort":                    c.SMTPPort,
		"SMTPUser":                    c.SMTPUser,
		"SMTPPass":                    "xxxxx",
		"SMTPStartTLS":                c.SMTPStartTLS,
		"KafkaHost":                   c.KafkaHost,
		"TLSEnable":                   c.TLSEnable,
		"TLSSkipVerifyPeer":           c.TLSSkipVerifyPeer,
		"DrainOnce":                   c.DrainOnce,
		"RunCleanup":                  c.RunCleanup,
		"CleanupDays":                 c.CleanupDays,
		"RunOptimize":                 c.RunOptimize,
		"SidecarProxyUrl":             c.SidecarProxyUrl,
		"MetricsAddr":                 c.MetricsAddr,
	})
}

// DriverName returns the database/sql driver registered for the configured database.
func (d DbDriver) DriverName() string {
	if d.Postgres() {
		return "pgx"
	}
	return string(d)
}

func (d DbDriver) MySQL() bool {
	return d == MySQL
}

func (d DbDriver) Postgres() bool {
	return d == Postgres
}

func (d DbDriver) String() string {
	return string(d)
}

// loadDotEnv reads an optional .env file from the working directory. Values
// already present in the environment take precedence.
func loadDotEnv() {
	if _, err := os.Stat(".env"); err != nil {
		return
	}

	if err := godotenv.Load(".env"); err != nil {
		log.Logger.WithError(err).Warn("unable to load the .env file")
	}
}
