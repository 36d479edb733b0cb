package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port          string   `mapstructure:"PORT"`
	Env           string   `mapstructure:"ENV"`
	StoreBackend  string   `mapstructure:"STORE_BACKEND"`
	DatabaseURL   string   `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32    `mapstructure:"DB_MIN_CONNS"`
	MigrationsDir string   `mapstructure:"MIGRATIONS_DIR"`
	CORSOrigins   []string `mapstructure:"CORS_ORIGINS"`

	BlobBackend       string `mapstructure:"BLOB_BACKEND"`
	S3Endpoint        string `mapstructure:"S3_ENDPOINT"`
	S3Region          string `mapstructure:"S3_REGION"`
	S3Bucket          string `mapstructure:"S3_BUCKET"`
	S3AccessKeyID     string `mapstructure:"S3_ACCESS_KEY_ID"`
	S3SecretAccessKey string `mapstructure:"S3_SECRET_ACCESS_KEY"`

	DeviceDriver   string `mapstructure:"DEVICE_DRIVER"`
	MQTTBroker     string `mapstructure:"MQTT_BROKER"`
	MQTTFrameTopic string `mapstructure:"MQTT_FRAME_TOPIC"`

	ClassifierMode          string        `mapstructure:"CLASSIFIER_MODE"`
	ClassifierURL           string        `mapstructure:"CLASSIFIER_URL"`
	ClassifierTimeout       time.Duration `mapstructure:"CLASSIFIER_TIMEOUT"`
	ClassifierEncodeWorkers int           `mapstructure:"CLASSIFIER_ENCODE_WORKERS"`
	SignalSource            string        `mapstructure:"SIGNAL_SOURCE"`
	RulesFile               string        `mapstructure:"RULES_FILE"`

	KafkaBrokers []string `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic   string   `mapstructure:"KAFKA_TOPIC"`

	AuthMode      string `mapstructure:"AUTH_MODE"`
	AuthJWTSecret string `mapstructure:"AUTH_JWT_SECRET"`
	AuthIssuer    string `mapstructure:"AUTH_ISSUER"`

	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`
	UploadLimit    string        `mapstructure:"UPLOAD_LIMIT"`

	CaptureTimeout time.Duration `mapstructure:"CAPTURE_TIMEOUT"`
	DraftMaxAge    time.Duration `mapstructure:"DRAFT_MAX_AGE"`

	OTELEnabled    bool    `mapstructure:"OTEL_ENABLED"`
	OTELEndpoint   string  `mapstructure:"OTEL_ENDPOINT"`
	OTELSampleRate float64 `mapstructure:"OTEL_SAMPLE_RATE"`
}

var envKeys = []string{
	"PORT", "ENV", "STORE_BACKEND", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"MIGRATIONS_DIR", "CORS_ORIGINS",
	"BLOB_BACKEND", "S3_ENDPOINT", "S3_REGION", "S3_BUCKET", "S3_ACCESS_KEY_ID", "S3_SECRET_ACCESS_KEY",
	"DEVICE_DRIVER", "MQTT_BROKER", "MQTT_FRAME_TOPIC",
	"CLASSIFIER_MODE", "CLASSIFIER_URL", "CLASSIFIER_TIMEOUT", "CLASSIFIER_ENCODE_WORKERS",
	"SIGNAL_SOURCE", "RULES_FILE",
	"KAFKA_BROKERS", "KAFKA_TOPIC",
	"AUTH_MODE", "AUTH_JWT_SECRET", "AUTH_ISSUER",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT", "BODY_LIMIT", "UPLOAD_LIMIT",
	"CAPTURE_TIMEOUT", "DRAFT_MAX_AGE",
	"OTEL_ENABLED", "OTEL_ENDPOINT", "OTEL_SAMPLE_RATE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORE_BACKEND", "memory")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("MIGRATIONS_DIR", "./migrations")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("BLOB_BACKEND", "memory")
	v.SetDefault("S3_REGION", "us-east-1")
	v.SetDefault("S3_BUCKET", "ecg-images")
	v.SetDefault("DEVICE_DRIVER", "simulated")
	v.SetDefault("MQTT_FRAME_TOPIC", "devices/ecg/frames")
	v.SetDefault("CLASSIFIER_MODE", "local")
	v.SetDefault("CLASSIFIER_TIMEOUT", "15s")
	v.SetDefault("CLASSIFIER_ENCODE_WORKERS", 3)
	v.SetDefault("SIGNAL_SOURCE", "operator")
	v.SetDefault("KAFKA_TOPIC", "ecg.records")
	v.SetDefault("AUTH_MODE", "")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("REQUEST_TIMEOUT", "60s")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("UPLOAD_LIMIT", "16M")
	v.SetDefault("CAPTURE_TIMEOUT", "2m")
	v.SetDefault("DRAFT_MAX_AGE", "12h")
	v.SetDefault("OTEL_SAMPLE_RATE", 1.0)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range envKeys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(cfg.CORSOrigins, v.GetString("CORS_ORIGINS"))
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers, v.GetString("KAFKA_BROKERS"))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.IsDev() && cfg.ResolvedAuthMode() == "development" {
		log.Println("WARNING: development auth is active; every request is attributed to dev-clinician")
	}

	return cfg, nil
}

// splitList normalizes comma separated env values into trimmed, non-empty items.
func splitList(current []string, raw string) []string {
	if raw == "" {
		return current
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// ResolvedAuthMode returns AUTH_MODE when set, otherwise "development" for
// ENV=development and "jwt" everywhere else.
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "jwt"
}

// UsesPostgres reports whether records and patients are persisted in PostgreSQL.
func (c *Config) UsesPostgres() bool {
	return c.StoreBackend == "postgres"
}

// Validate checks cross-field rules that viper defaults cannot express.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND is \"postgres\"")
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be \"memory\" or \"postgres\", got %q", c.StoreBackend)
	}

	switch c.BlobBackend {
	case "memory":
	case "s3":
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required when BLOB_BACKEND is \"s3\"")
		}
	default:
		return fmt.Errorf("BLOB_BACKEND must be \"memory\" or \"s3\", got %q", c.BlobBackend)
	}

	switch c.DeviceDriver {
	case "simulated", "none":
	case "mqtt":
		if c.MQTTBroker == "" {
			return fmt.Errorf("MQTT_BROKER is required when DEVICE_DRIVER is \"mqtt\"")
		}
	default:
		return fmt.Errorf("DEVICE_DRIVER must be \"simulated\", \"mqtt\" or \"none\", got %q", c.DeviceDriver)
	}

	switch c.ClassifierMode {
	case "local":
	case "remote":
		if c.ClassifierURL == "" {
			return fmt.Errorf("CLASSIFIER_URL is required when CLASSIFIER_MODE is \"remote\"")
		}
	default:
		return fmt.Errorf("CLASSIFIER_MODE must be \"local\" or \"remote\", got %q", c.ClassifierMode)
	}
	if c.ClassifierMode == "remote" && c.RequestTimeout > 0 && c.ClassifierTimeout >= c.RequestTimeout {
		return fmt.Errorf("CLASSIFIER_TIMEOUT (%s) must be shorter than REQUEST_TIMEOUT (%s) so the local fallback can run",
			c.ClassifierTimeout, c.RequestTimeout)
	}

	if c.SignalSource != "operator" && c.SignalSource != "simulated" {
		return fmt.Errorf("SIGNAL_SOURCE must be \"operator\" or \"simulated\", got %q", c.SignalSource)
	}

	mode := c.ResolvedAuthMode()
	if mode != "development" && mode != "jwt" {
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"jwt\", got %q", mode)
	}
	if mode == "jwt" && c.AuthJWTSecret == "" {
		return fmt.Errorf("AUTH_JWT_SECRET is required when AUTH_MODE is \"jwt\" (current ENV=%q)", c.Env)
	}

	if c.OTELEnabled && c.OTELEndpoint == "" {
		return fmt.Errorf("OTEL_ENDPOINT is required when OTEL_ENABLED is true")
	}
	return nil
}
