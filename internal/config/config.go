package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"meter_billing/internal/anomaly"
	"meter_billing/internal/billing"
	"meter_billing/internal/ingest"
)

// Config holds all application configuration
type Config struct {
	Ingest  IngestConfig
	Billing BillingConfig
	Anomaly AnomalyConfig
	Output  OutputConfig
	Alert   AlertConfig
	Redis   RedisConfig
	Influx  InfluxConfig
	MySQL   MySQLConfig
	HTTP    HTTPConfig
	Log     LogConfig
}

// IngestConfig controls how raw meter files are read
type IngestConfig struct {
	ChunkSize int    `validate:"gt=0"`
	TimeZone  string `validate:"required"`
}

// BillingConfig holds the tariff
type BillingConfig struct {
	PeakRate    float64 `validate:"gte=0"`
	OffPeakRate float64 `validate:"gte=0"`
	PeakHours   string
}

// AnomalyConfig holds detector thresholds
type AnomalyConfig struct {
	Sigma           float64 `validate:"gt=0"`
	HighRatio       float64 `validate:"gt=1"`
	SpikeWh         float64 `validate:"gt=0"`
	MinBaselineDays int     `validate:"gte=2"`
	MinSamples      int     `validate:"gte=0,lte=1440"`
	WindowDays      int     `validate:"gte=0"`
}

// OutputConfig says where run files go. A GCS bucket takes precedence over
// the local directory.
type OutputConfig struct {
	Dir             string
	Bucket          string
	Prefix          string
	CredentialsJSON string
}

// AlertConfig holds the optional alert transports
type AlertConfig struct {
	ProjectID    string
	Topic        string
	KafkaBrokers []string
	KafkaTopic   string
	Timeout      time.Duration `validate:"gt=0"`
}

// RedisConfig holds the rolling history and run lock settings
type RedisConfig struct {
	Addr       string
	HistoryKey string        `validate:"required"`
	LockKey    string        `validate:"required"`
	LockTTL    time.Duration `validate:"gt=0"`
}

// InfluxConfig holds the time-series feed settings
type InfluxConfig struct {
	URL    string `validate:"omitempty,url"`
	Org    string
	Token  string
	Bucket string
}

// MySQLConfig holds the query table DSN
type MySQLConfig struct {
	DSN string
}

// HTTPConfig holds server settings
type HTTPConfig struct {
	Addr           string        `validate:"required"`
	ReloadInterval time.Duration `validate:"gte=0"`
	AllowOrigins   []string
}

// LogConfig holds logger settings
type LogConfig struct {
	Level  string `validate:"oneof=trace debug info warn warning error fatal panic"`
	Format string `validate:"oneof=json text"`
}

// Load reads an optional .env file, then the environment, and validates the
// result.
func Load(envFiles ...string) (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load(envFiles...)

	def := anomaly.DefaultThresholds()
	rates := billing.DefaultRates()

	cfg := &Config{
		Ingest: IngestConfig{
			ChunkSize: getEnvInt("INGEST_CHUNK_SIZE", ingest.DefaultChunkSize),
			TimeZone:  getEnv("INGEST_TIME_ZONE", "UTC"),
		},
		Billing: BillingConfig{
			PeakRate:    getEnvFloat("BILLING_PEAK_RATE", rates.Peak.InexactFloat64()),
			OffPeakRate: getEnvFloat("BILLING_OFFPEAK_RATE", rates.OffPeak.InexactFloat64()),
			PeakHours:   getEnv("BILLING_PEAK_HOURS", billing.DefaultPeakWindow.String()),
		},
		Anomaly: AnomalyConfig{
			Sigma:           getEnvFloat("ANOMALY_SIGMA", def.Sigma),
			HighRatio:       getEnvFloat("ANOMALY_HIGH_RATIO", def.HighRatio),
			SpikeWh:         getEnvFloat("ANOMALY_SPIKE_WH", def.SpikeWh),
			MinBaselineDays: getEnvInt("ANOMALY_MIN_BASELINE_DAYS", def.MinBaselineDays),
			MinSamples:      getEnvInt("ANOMALY_MIN_SAMPLES", def.MinSamples),
			WindowDays:      getEnvInt("ANOMALY_WINDOW_DAYS", 30),
		},
		Output: OutputConfig{
			Dir:             getEnv("OUTPUT_DIR", "output"),
			Bucket:          getEnv("OUTPUT_BUCKET", ""),
			Prefix:          getEnv("OUTPUT_PREFIX", "daily/"),
			CredentialsJSON: getEnv("GOOGLE_CREDENTIALS_JSON", ""),
		},
		Alert: AlertConfig{
			ProjectID:    getEnv("GCP_PROJECT_ID", ""),
			Topic:        getEnv("ALERT_TOPIC", ""),
			KafkaBrokers: getEnvStringSlice("KAFKA_BROKERS", nil),
			KafkaTopic:   getEnv("KAFKA_ALERT_TOPIC", "billing-anomalies"),
			Timeout:      getEnvDuration("ALERT_TIMEOUT", 10*time.Second),
		},
		Redis: RedisConfig{
			Addr:       getEnv("REDIS_ADDRESS", ""),
			HistoryKey: getEnv("REDIS_HISTORY_KEY", "billing:daily_totals"),
			LockKey:    getEnv("REDIS_LOCK_KEY", "billing:batch_lock"),
			LockTTL:    getEnvDuration("REDIS_LOCK_TTL", 30*time.Minute),
		},
		Influx: InfluxConfig{
			URL:    getEnv("INFLUXDB_URL", ""),
			Org:    getEnv("INFLUXDB_ORG", ""),
			Token:  getEnv("INFLUXDB_TOKEN", ""),
			Bucket: getEnv("INFLUXDB_BUCKET", "billing"),
		},
		MySQL: MySQLConfig{
			DSN: getEnv("MYSQL_DSN", ""),
		},
		HTTP: HTTPConfig{
			Addr:           getEnv("HTTP_ADDR", ":8080"),
			ReloadInterval: getEnvDuration("HTTP_RELOAD_INTERVAL", 5*time.Minute),
			AllowOrigins:   getEnvStringSlice("HTTP_ALLOW_ORIGINS", []string{"*"}),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks struct tags and the values that need parsing.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := billing.ParsePeakWindow(c.Billing.PeakHours); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Location returns the time zone meter timestamps are recorded in.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Ingest.TimeZone)
}

// Calculator builds the billing calculator from the tariff settings.
func (c *Config) Calculator() (*billing.Calculator, error) {
	window, err := billing.ParsePeakWindow(c.Billing.PeakHours)
	if err != nil {
		return nil, err
	}
	rates := billing.Rates{
		Peak:    decimal.NewFromFloat(c.Billing.PeakRate),
		OffPeak: decimal.NewFromFloat(c.Billing.OffPeakRate),
	}
	return billing.NewCalculator(rates, window), nil
}

// Thresholds returns the detector settings.
func (c *Config) Thresholds() anomaly.Thresholds {
	th := anomaly.DefaultThresholds()
	th.Sigma = c.Anomaly.Sigma
	th.HighRatio = c.Anomaly.HighRatio
	th.SpikeWh = c.Anomaly.SpikeWh
	th.MinBaselineDays = c.Anomaly.MinBaselineDays
	th.MinSamples = c.Anomaly.MinSamples
	return th
}

// Helper functions to get environment variables with defaults
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		parts := strings.Split(value, ",")
		out := parts[:0]
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return defaultValue
}
