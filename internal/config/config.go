package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/miradorstack/mirador-triage/internal/schedule"
)

const envPrefix = "MIRADOR_TRIAGE_"

// Config captures every setting of the triage engine.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Store     StoreConfig     `yaml:"store"`
	Queue     QueueConfig     `yaml:"queue"`
	Cache     CacheConfig     `yaml:"cache"`
	Publish   PublishConfig   `yaml:"publish"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Encoding  EncodingConfig  `yaml:"encoding"`
	Forecast  ForecastConfig  `yaml:"forecast"`
	Retrain   RetrainConfig   `yaml:"retrain"`
	Playbook  PlaybookConfig  `yaml:"playbook"`
	Rules     RulesConfig     `yaml:"rules"`
	Search    SearchConfig    `yaml:"search"`
	Bootstrap BootstrapConfig `yaml:"bootstrap"`
}

// ServerConfig controls gRPC listener behaviour.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
	MaxRecvMsgBytes int           `yaml:"maxRecvMsgBytes"`
	KeepaliveTime   time.Duration `yaml:"keepaliveTime"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// StoreConfig points at the bbolt database file.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// QueueConfig configures the Redis list consumer.
type QueueConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	Key          string        `yaml:"key"`
	BlockTimeout time.Duration `yaml:"blockTimeout"`
}

// CacheConfig controls the publish-claim cache.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
	TLS          bool          `yaml:"tls"`
	PublishTTL   time.Duration `yaml:"publishTTL"`
	SearchTTL    time.Duration `yaml:"searchTTL"`
}

// PublishConfig configures the NATS publisher. An empty URL selects the log publisher.
type PublishConfig struct {
	NATSURL       string `yaml:"natsURL"`
	SubjectPrefix string `yaml:"subjectPrefix"`
}

// PipelineConfig tunes the orchestrator worker pool.
type PipelineConfig struct {
	Workers      int           `yaml:"workers"`
	QueueSize    int           `yaml:"queueSize"`
	MaxAttempts  int           `yaml:"maxAttempts"`
	BaseBackoff  time.Duration `yaml:"baseBackoff"`
	MaxBackoff   time.Duration `yaml:"maxBackoff"`
	TaskTimeout  time.Duration `yaml:"taskTimeout"`
	PendingRetry time.Duration `yaml:"pendingRetry"`
}

// EncodingConfig controls fitting of new encoding versions.
type EncodingConfig struct {
	TextBuckets   int      `yaml:"textBuckets"`
	ProjectionDim int      `yaml:"projectionDim"`
	Seed          int64    `yaml:"seed"`
	Required      []string `yaml:"required"`
}

// ForecastConfig controls the window cadence and forecaster minimums.
type ForecastConfig struct {
	Interval   time.Duration `yaml:"interval"`
	MinHistory time.Duration `yaml:"minHistory"`
	Horizon    time.Duration `yaml:"horizon"`
	Schedule   string        `yaml:"schedule"`
}

// RetrainConfig drives the retraining controller.
type RetrainConfig struct {
	LabelThreshold  int           `yaml:"labelThreshold"`
	RatingThreshold int           `yaml:"ratingThreshold"`
	Interval        time.Duration `yaml:"interval"`
	Tolerance       float64       `yaml:"tolerance"`
	HoldoutFraction float64       `yaml:"holdoutFraction"`
	CheckSchedule   string        `yaml:"checkSchedule"`
}

// PlaybookConfig configures generation and the static fallback table.
type PlaybookConfig struct {
	StaticPath  string        `yaml:"staticPath"`
	MaxAttempts int           `yaml:"maxAttempts"`
	BaseDelay   time.Duration `yaml:"baseDelay"`
	MaxDelay    time.Duration `yaml:"maxDelay"`
	CallTimeout time.Duration `yaml:"callTimeout"`
	Gemini      GeminiConfig  `yaml:"gemini"`
}

// GeminiConfig enables the generative capability when APIKey is set.
type GeminiConfig struct {
	APIKey string `yaml:"apiKey"`
	Model  string `yaml:"model"`
}

// RulesConfig points at a directory or file of Sigma rules.
type RulesConfig struct {
	SigmaPath string `yaml:"sigmaPath"`
}

// SearchConfig configures the search backend client.
type SearchConfig struct {
	BaseURL       string        `yaml:"baseURL"`
	CountsPath    string        `yaml:"countsPath"`
	IncidentsPath string        `yaml:"incidentsPath"`
	Timeout       time.Duration `yaml:"timeout"`
}

// BootstrapConfig points at the labeled seed set used for version 1.
type BootstrapConfig struct {
	Path string `yaml:"path"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(envPrefix + "CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration.
func Default() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":50061",
			MetricsAddress:  ":2113",
			GracefulTimeout: 10 * time.Second,
			MaxRecvMsgBytes: 4 << 20,
			KeepaliveTime:   2 * time.Minute,
		},
		Logging: LoggingConfig{Level: "info"},
		Store:   StoreConfig{Path: "data/triage.db"},
		Queue: QueueConfig{
			Key:          "triage:incidents",
			BlockTimeout: 5 * time.Second,
		},
		Cache: CacheConfig{
			PublishTTL:   168 * time.Hour,
			SearchTTL:    5 * time.Minute,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			MaxRetries:   2,
		},
		Publish: PublishConfig{SubjectPrefix: "triage"},
		Pipeline: PipelineConfig{
			Workers:      4,
			QueueSize:    1024,
			MaxAttempts:  5,
			BaseBackoff:  200 * time.Millisecond,
			MaxBackoff:   10 * time.Second,
			TaskTimeout:  15 * time.Second,
			PendingRetry: 30 * time.Second,
		},
		Encoding: EncodingConfig{
			TextBuckets: 32,
			Seed:        1,
			Required:    []string{"alerttitle", "detectorid"},
		},
		Forecast: ForecastConfig{
			Interval:   time.Hour,
			MinHistory: 720 * time.Hour,
			Horizon:    24 * time.Hour,
			Schedule:   "0 0 * * * *",
		},
		Retrain: RetrainConfig{
			LabelThreshold:  50,
			RatingThreshold: 25,
			Interval:        168 * time.Hour,
			Tolerance:       0.02,
			HoldoutFraction: 0.2,
			CheckSchedule:   "0 */5 * * * *",
		},
		Playbook: PlaybookConfig{
			StaticPath:  "configs/playbooks/default.yaml",
			MaxAttempts: 3,
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    5 * time.Second,
			CallTimeout: 20 * time.Second,
			Gemini:      GeminiConfig{Model: "gemini-1.5-flash"},
		},
		Search: SearchConfig{
			CountsPath:    "/api/v1/triage/counts",
			IncidentsPath: "/api/v1/triage/incidents",
			Timeout:       5 * time.Second,
		},
		Bootstrap: BootstrapConfig{Path: "configs/bootstrap/labeled.json"},
	}
}

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	switch {
	case c.Pipeline.Workers <= 0:
		return fmt.Errorf("pipeline.workers must be positive")
	case c.Pipeline.QueueSize <= 0:
		return fmt.Errorf("pipeline.queueSize must be positive")
	case c.Pipeline.MaxAttempts <= 0:
		return fmt.Errorf("pipeline.maxAttempts must be positive")
	case c.Forecast.Interval <= 0:
		return fmt.Errorf("forecast.interval must be positive")
	case c.Forecast.Horizon < c.Forecast.Interval:
		return fmt.Errorf("forecast.horizon must cover at least one interval")
	case c.Retrain.HoldoutFraction <= 0 || c.Retrain.HoldoutFraction >= 1:
		return fmt.Errorf("retrain.holdoutFraction must be within (0,1)")
	case c.Retrain.Tolerance < 0:
		return fmt.Errorf("retrain.tolerance must not be negative")
	}
	if err := schedule.Validate(c.Forecast.Schedule); err != nil {
		return fmt.Errorf("forecast.schedule: %w", err)
	}
	if err := schedule.Validate(c.Retrain.CheckSchedule); err != nil {
		return fmt.Errorf("retrain.checkSchedule: %w", err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	str := func(name string, dst *string) {
		if v := os.Getenv(envPrefix + name); v != "" {
			*dst = v
		}
	}
	boolean := func(name string, dst *bool) {
		if v := os.Getenv(envPrefix + name); v != "" {
			*dst = strings.EqualFold(v, "true") || v == "1"
		}
	}
	integer := func(name string, dst *int) {
		if v := os.Getenv(envPrefix + name); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v := os.Getenv(envPrefix + name); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}

	str("SERVER_ADDRESS", &cfg.Server.Address)
	str("METRICS_ADDRESS", &cfg.Server.MetricsAddress)
	str("LOG_LEVEL", &cfg.Logging.Level)
	if v := os.Getenv(envPrefix + "LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	str("STORE_PATH", &cfg.Store.Path)

	boolean("QUEUE_ENABLED", &cfg.Queue.Enabled)
	str("QUEUE_ADDR", &cfg.Queue.Addr)
	str("QUEUE_PASSWORD", &cfg.Queue.Password)
	integer("QUEUE_DB", &cfg.Queue.DB)
	str("QUEUE_KEY", &cfg.Queue.Key)

	boolean("CACHE_ENABLED", &cfg.Cache.Enabled)
	str("CACHE_ADDR", &cfg.Cache.Addr)
	str("CACHE_USERNAME", &cfg.Cache.Username)
	str("CACHE_PASSWORD", &cfg.Cache.Password)
	integer("CACHE_DB", &cfg.Cache.DB)
	boolean("CACHE_TLS", &cfg.Cache.TLS)
	duration("CACHE_PUBLISH_TTL", &cfg.Cache.PublishTTL)

	str("NATS_URL", &cfg.Publish.NATSURL)
	str("SUBJECT_PREFIX", &cfg.Publish.SubjectPrefix)

	integer("WORKERS", &cfg.Pipeline.Workers)
	integer("QUEUE_SIZE", &cfg.Pipeline.QueueSize)
	integer("MAX_ATTEMPTS", &cfg.Pipeline.MaxAttempts)
	duration("TASK_TIMEOUT", &cfg.Pipeline.TaskTimeout)

	integer("RETRAIN_LABEL_THRESHOLD", &cfg.Retrain.LabelThreshold)
	integer("RETRAIN_RATING_THRESHOLD", &cfg.Retrain.RatingThreshold)
	duration("RETRAIN_INTERVAL", &cfg.Retrain.Interval)
	if v := os.Getenv(envPrefix + "RETRAIN_TOLERANCE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Retrain.Tolerance = f
		}
	}

	duration("FORECAST_MIN_HISTORY", &cfg.Forecast.MinHistory)
	duration("FORECAST_HORIZON", &cfg.Forecast.Horizon)

	str("PLAYBOOK_STATIC_PATH", &cfg.Playbook.StaticPath)
	str("GEMINI_API_KEY", &cfg.Playbook.Gemini.APIKey)
	str("GEMINI_MODEL", &cfg.Playbook.Gemini.Model)
	str("SIGMA_PATH", &cfg.Rules.SigmaPath)
	str("SEARCH_BASE_URL", &cfg.Search.BaseURL)
	str("BOOTSTRAP_PATH", &cfg.Bootstrap.Path)
}
