package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Roles the binary can run as. Every role is one segment of the pipeline;
// RoleAll chains them in-process for historical reruns.
const (
	RoleReader        = "reader"
	RoleContentParser = "contentparser"
	RoleEventCreator  = "eventcreator"
	RolePGSink        = "pgsink"
	RoleAll           = "all"
)

type Config struct {
	AppName string `env:"APP_NAME"`

	MQTTBrokerURL   string `env:"MQTT_BROKER_URL"`
	MQTTInputTopic  string `env:"MQTT_INPUT_TOPIC"`
	MQTTOutputTopic string `env:"MQTT_OUTPUT_TOPIC"`
	MQTTClientName  string `env:"MQTT_CLIENT_NAME" envDefault:"eke-engine"`
	MQTTUsername    string `env:"MQTT_USERNAME"`
	MQTTPassword    string `env:"MQTT_PASSWORD"`

	PostgresConnStr     string `env:"POSTGRES_CONN_STR"`
	PostgresTargetTable string `env:"POSTGRES_TARGET_TABLE"`

	S3Endpoint  string `env:"S3_ENDPOINT"`
	S3Region    string `env:"S3_REGION" envDefault:"eu-west-1"`
	S3Bucket    string `env:"S3_BUCKET"`
	S3AccessKey string `env:"S3_ACCESS_KEY"`
	S3SecretKey string `env:"S3_SECRET_KEY"`

	// Backfill range, inclusive, as YYYY-MM-DD.
	StartDate string `env:"START_DATE"`
	EndDate   string `env:"END_DATE"`

	// LocalDataDir reads backfill files from disk instead of object storage.
	LocalDataDir string `env:"LOCAL_DATA_DIR"`

	BatchSize   int `env:"BATCH_SIZE" envDefault:"1000"`
	WorkerCount int `env:"WORKER_COUNT" envDefault:"4"`

	BaliseDataFile string `env:"BALISE_DATA_FILE"`

	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile  string
	AppName  string
	HTTPAddr string
	LogLevel string
}

// Load reads configuration from .env file, environment variables, and CLI
// overrides. Priority: CLI flags > environment variables > .env file >
// struct defaults.
func Load(overrides Overrides) (*Config, error) {
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if overrides.AppName != "" {
		cfg.AppName = overrides.AppName
	}
	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate checks the role-specific required values so a misconfigured
// process dies at boot instead of at first use.
func (c *Config) validate() error {
	switch c.AppName {
	case "":
		return fmt.Errorf("APP_NAME is required")
	case RoleReader, RoleContentParser, RoleEventCreator, RolePGSink, RoleAll:
	default:
		return fmt.Errorf("unknown APP_NAME %q", c.AppName)
	}

	needBroker := c.AppName != RoleAll
	if needBroker && c.MQTTBrokerURL == "" {
		return fmt.Errorf("MQTT_BROKER_URL is required for APP_NAME=%s", c.AppName)
	}
	if (c.AppName == RolePGSink || c.AppName == RoleAll) && c.PostgresConnStr == "" {
		return fmt.Errorf("POSTGRES_CONN_STR is required for APP_NAME=%s", c.AppName)
	}
	if c.AppName == RolePGSink && c.PostgresTargetTable == "" {
		return fmt.Errorf("POSTGRES_TARGET_TABLE is required for APP_NAME=%s", c.AppName)
	}
	if (c.AppName == RoleEventCreator || c.AppName == RoleAll) && c.BaliseDataFile == "" {
		return fmt.Errorf("BALISE_DATA_FILE is required for APP_NAME=%s", c.AppName)
	}
	if c.AppName == RoleReader || c.AppName == RoleAll {
		if c.LocalDataDir == "" && c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET or LOCAL_DATA_DIR is required for APP_NAME=%s", c.AppName)
		}
		if c.StartDate == "" || c.EndDate == "" {
			return fmt.Errorf("START_DATE and END_DATE are required for APP_NAME=%s", c.AppName)
		}
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("BATCH_SIZE must be positive, got %d", c.BatchSize)
	}
	if c.WorkerCount <= 0 {
		return fmt.Errorf("WORKER_COUNT must be positive, got %d", c.WorkerCount)
	}
	return nil
}
