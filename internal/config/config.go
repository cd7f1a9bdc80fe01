// Package config loads the immutable configuration threaded into every
// subsystem at construction, replacing the module-global settings
// singleton the source relied on. Layering follows the teacher's own
// loader: struct defaults, then an optional JSON file, then
// environment variable overrides; github.com/joho/godotenv loads a
// local .env file first so the environment layer sees it.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the whole application's configuration value.
type Config struct {
	Server       ServerConfig       `json:"server"`
	Database     DatabaseConfig     `json:"database"`
	Mongo        MongoConfig        `json:"mongo"`
	AWS          AWSConfig          `json:"aws"`
	TimeStore    TimeStoreConfig    `json:"timestore"`
	Alerting     AlertingConfig     `json:"alerting"`
	Dispatch     DispatchConfig     `json:"dispatch"`
	Ingest       IngestConfig       `json:"ingest"`
	Logging      LoggingConfig      `json:"logging"`
}

type ServerConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
}

type DatabaseConfig struct {
	Host           string        `json:"host"`
	Port           int           `json:"port"`
	User           string        `json:"user"`
	Password       string        `json:"password"`
	DBName         string        `json:"db_name"`
	SSLMode        string        `json:"ssl_mode"`
	MaxConnections int           `json:"max_connections"`
	MaxIdleConns   int           `json:"max_idle_conns"`
	MaxLifetime    time.Duration `json:"max_lifetime"`
}

func (c DatabaseConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode)
}

type MongoConfig struct {
	URI      string `json:"uri"`
	Database string `json:"database"`
}

type AWSConfig struct {
	Region            string `json:"region"`
	SNSSenderID       string `json:"sns_sender_id"`
	SESFromAddress    string `json:"ses_from_address"`
	ArchiveBucket     string `json:"archive_bucket"`
	RouteExportBucket string `json:"route_export_bucket"`
}

// TimeStoreConfig configures C1.
type TimeStoreConfig struct {
	ChunkInterval   time.Duration `json:"chunk_interval"`
	LatenessHorizon time.Duration `json:"lateness_horizon"`
	ClosureHorizon  time.Duration `json:"closure_horizon"`
}

// Thresholds is the per-sensor-kind {min,max,critical} thresholds used
// by C5's rule evaluation.
type Thresholds struct {
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
	Critical float64 `json:"critical"`
}

// AlertingConfig configures C5.
type AlertingConfig struct {
	Thresholds        map[string]Thresholds `json:"thresholds"`
	RapidChangeK      float64               `json:"rapid_change_k"`
	RapidChangeCritK  float64               `json:"rapid_change_crit_k"`
	SustainedMinutes  time.Duration         `json:"sustained_minutes"`
	HysteresisMinutes time.Duration         `json:"hysteresis_minutes"`
	ShelterCandidates int                   `json:"shelter_candidates"`
	EvalDeadline      time.Duration         `json:"eval_deadline"`
}

// DispatchConfig configures C6.
type DispatchConfig struct {
	Parallelism   int           `json:"parallelism"`
	RetryBase     time.Duration `json:"retry_base"`
	RetryFactor   float64       `json:"retry_factor"`
	RetryJitter   float64       `json:"retry_jitter"`
	MaxAttempts   int           `json:"max_attempts"`
}

// IngestConfig configures C8.
type IngestConfig struct {
	RatePerSensorHz float64 `json:"rate_per_sensor_hz"`
	BurstPerSensor  int     `json:"burst_per_sensor"`
}

type LoggingConfig struct {
	Level string `json:"level"`
}

// Defaults returns the §6 "Configuration (enumerated)" default values.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Host:           "localhost",
			Port:           5432,
			DBName:         "sentinel",
			SSLMode:        "disable",
			MaxConnections: 10,
			MaxIdleConns:   2,
			MaxLifetime:    30 * time.Minute,
		},
		Mongo: MongoConfig{
			URI:      "mongodb://localhost:27017",
			Database: "sentinel_archive",
		},
		AWS: AWSConfig{
			Region: "us-east-1",
		},
		TimeStore: TimeStoreConfig{
			ChunkInterval:   7 * 24 * time.Hour,
			LatenessHorizon: 24 * time.Hour,
			ClosureHorizon:  30 * 24 * time.Hour,
		},
		Alerting: AlertingConfig{
			Thresholds:        map[string]Thresholds{},
			RapidChangeK:      3.0,
			RapidChangeCritK:  5.0,
			SustainedMinutes:  5 * time.Minute,
			HysteresisMinutes: 10 * time.Minute,
			ShelterCandidates: 5,
			EvalDeadline:      2 * time.Second,
		},
		Dispatch: DispatchConfig{
			Parallelism: 5,
			RetryBase:   2 * time.Second,
			RetryFactor: 2,
			RetryJitter: 0.2,
			MaxAttempts: 5,
		},
		Ingest: IngestConfig{
			RatePerSensorHz: 1,
			BurstPerSensor:  10,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load loads configuration: defaults, then an optional .env file via
// godotenv (ignored if absent), then an optional JSON config file,
// then environment variable overrides.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Defaults()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err == nil {
			if err := json.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	overrideWithEnv(&cfg)

	return &cfg, nil
}

func overrideWithEnv(c *Config) {
	if host := os.Getenv("SERVER_HOST"); host != "" {
		c.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}
	if dbHost := os.Getenv("DATABASE_HOST"); dbHost != "" {
		c.Database.Host = dbHost
	}
	if dbUser := os.Getenv("DATABASE_USER"); dbUser != "" {
		c.Database.User = dbUser
	}
	if dbPass := os.Getenv("DATABASE_PASSWORD"); dbPass != "" {
		c.Database.Password = dbPass
	}
	if dbName := os.Getenv("DATABASE_DBNAME"); dbName != "" {
		c.Database.DBName = dbName
	}
	if mongoURI := os.Getenv("MONGO_URI"); mongoURI != "" {
		c.Mongo.URI = mongoURI
	}
	if region := os.Getenv("AWS_REGION"); region != "" {
		c.AWS.Region = region
	}
	if bucket := os.Getenv("AWS_ARCHIVE_BUCKET"); bucket != "" {
		c.AWS.ArchiveBucket = bucket
	}
}
