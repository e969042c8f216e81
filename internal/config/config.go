package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Backend selects the audit storage implementation.
type Backend int

const (
	BackendSQLite Backend = iota + 1
	BackendPostgres
	BackendCloudWatch
)

func (b Backend) String() string {
	switch b {
	case BackendSQLite:
		return "sqlite"
	case BackendPostgres:
		return "postgres"
	case BackendCloudWatch:
		return "cloudwatch"
	}
	return fmt.Sprintf("backend(%d)", int(b))
}

// ParseBackend maps a configured name to a Backend. Matching ignores case
// and surrounding whitespace.
func ParseBackend(s string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sqlite":
		return BackendSQLite, nil
	case "postgres", "postgresql":
		return BackendPostgres, nil
	case "cloudwatch":
		return BackendCloudWatch, nil
	}
	return 0, fmt.Errorf("unknown backend %q (want sqlite, postgres or cloudwatch)", s)
}

// Exporter names accepted in AUDIT_EXPORTERS.
const (
	ExporterJSONFile = "jsonfile"
	ExporterStdout   = "stdout"
	ExporterRedis    = "redis"
	ExporterKafka    = "kafka"
	ExporterSlack    = "slack"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	Enabled    bool
	Storage    StorageConfig
	CloudWatch CloudWatchConfig
	Pipeline   PipelineConfig
	Sampling   SamplingConfig
	Redis      RedisConfig
	Kafka      KafkaConfig
	Slack      SlackConfig
	Server     ServerConfig
	JWT        JWTConfig
	Log        LogConfig

	// PromptRegistry is the YAML prompt registry path. A missing file is
	// tolerated.
	PromptRegistry string
}

// StorageConfig selects and configures the storage backend.
type StorageConfig struct {
	Backend     Backend
	SQLitePath  string
	PostgresDSN string //nolint:gosec // G117: DB connection config
	MinConns    int
	MaxConns    int
}

// CloudWatchConfig holds CloudWatch Logs settings.
type CloudWatchConfig struct {
	Region        string
	RecordsGroup  string
	SessionsGroup string
	RetentionDays int
	QueryTimeout  time.Duration
}

// PipelineConfig holds delivery pipeline settings.
type PipelineConfig struct {
	Capacity  int
	Exporters []string
	LogDir    string
}

// SamplingConfig holds the event sampling policy.
type SamplingConfig struct {
	SuccessRate   float64
	ErrorRate     float64
	SlowThreshold time.Duration
	Debug         bool
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string //nolint:gosec // G117: Redis connection config
	DB       int
}

// KafkaConfig holds Kafka exporter settings.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// SlackConfig holds Slack alert exporter settings.
type SlackConfig struct {
	BotToken string
	Channel  string
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	CORSOrigins    []string
	RateLimitRPS   float64
	RateLimitBurst int
}

// JWTConfig holds operator token settings. An empty secret disables API
// authentication.
type JWTConfig struct {
	Secret string //nolint:gosec // G117: JWT signing secret config
}

// LogConfig holds zerolog settings.
type LogConfig struct {
	Level  string
	Format string
}

// Load reads configuration from environment variables.
// Defaults are safe for local development only.
func Load() (*Config, error) {
	enabled, err := getEnvBool("AUDIT_ENABLED", true)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	backend, err := ParseBackend(getEnv("AUDIT_BACKEND", "sqlite"))
	if err != nil {
		return nil, fmt.Errorf("config.Load: AUDIT_BACKEND: %w", err)
	}

	minConns, err := getEnvInt("AUDIT_DB_MIN_CONNS", 1)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	maxConns, err := getEnvInt("AUDIT_DB_MAX_CONNS", 10)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	retention, err := getEnvInt("AUDIT_RETENTION_DAYS", 90)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	queryTimeout, err := getEnvDuration("AUDIT_CW_QUERY_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	capacity, err := getEnvInt("AUDIT_QUEUE_CAPACITY", 10000)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	successRate, err := getEnvFloat("AUDIT_SUCCESS_SAMPLE_RATE", 0.10)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	errorRate, err := getEnvFloat("AUDIT_ERROR_SAMPLE_RATE", 1.0)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	slowMs, err := getEnvInt("AUDIT_SLOW_THRESHOLD_MS", 1500)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	debug, err := getEnvBool("AUDIT_DEBUG", false)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	redisDB, err := getEnvInt("AUDIT_REDIS_DB", 0)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	readTimeout, err := getEnvDuration("AUDIT_SERVER_READ_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	writeTimeout, err := getEnvDuration("AUDIT_SERVER_WRITE_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	rps, err := getEnvFloat("AUDIT_RATE_LIMIT_RPS", 20)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	burst, err := getEnvInt("AUDIT_RATE_LIMIT_BURST", 40)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	cfg := &Config{
		Enabled: enabled,
		Storage: StorageConfig{
			Backend:     backend,
			SQLitePath:  getEnv("AUDIT_DB_PATH", "data/audit.db"),
			PostgresDSN: getEnv("AUDIT_POSTGRES_DSN", ""),
			MinConns:    minConns,
			MaxConns:    maxConns,
		},
		CloudWatch: CloudWatchConfig{
			Region:        getEnv("AUDIT_CW_REGION", ""),
			RecordsGroup:  getEnv("AUDIT_CW_LOG_GROUP_RECORDS", "/agentaudit/records"),
			SessionsGroup: getEnv("AUDIT_CW_LOG_GROUP_SESSIONS", "/agentaudit/sessions"),
			RetentionDays: retention,
			QueryTimeout:  queryTimeout,
		},
		Pipeline: PipelineConfig{
			Capacity:  capacity,
			Exporters: getEnvList("AUDIT_EXPORTERS", []string{ExporterStdout}),
			LogDir:    getEnv("AUDIT_LOG_DIR", "logs"),
		},
		Sampling: SamplingConfig{
			SuccessRate:   successRate,
			ErrorRate:     errorRate,
			SlowThreshold: time.Duration(slowMs) * time.Millisecond,
			Debug:         debug,
		},
		Redis: RedisConfig{
			Addr:     getEnv("AUDIT_REDIS_ADDR", "localhost:6379"),
			Password: getEnv("AUDIT_REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		Kafka: KafkaConfig{
			Brokers: getEnvList("AUDIT_KAFKA_BROKERS", nil),
			Topic:   getEnv("AUDIT_KAFKA_TOPIC", "agent-audit-events"),
		},
		Slack: SlackConfig{
			BotToken: getEnv("AUDIT_SLACK_BOT_TOKEN", ""),
			Channel:  getEnv("AUDIT_SLACK_CHANNEL", ""),
		},
		Server: ServerConfig{
			Addr:           getEnv("AUDIT_SERVER_ADDR", ":8080"),
			ReadTimeout:    readTimeout,
			WriteTimeout:   writeTimeout,
			CORSOrigins:    getEnvList("AUDIT_CORS_ORIGINS", []string{"*"}),
			RateLimitRPS:   rps,
			RateLimitBurst: burst,
		},
		JWT: JWTConfig{
			Secret: getEnv("AUDIT_JWT_SECRET", ""),
		},
		Log: LogConfig{
			Level:  getEnv("AUDIT_LOG_LEVEL", "info"),
			Format: getEnv("AUDIT_LOG_FORMAT", "json"),
		},
		PromptRegistry: getEnv("AUDIT_PROMPT_REGISTRY", "prompts/registry.yaml"),
	}

	err = cfg.validate()
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	return cfg, nil
}

// HasExporter reports whether name is listed in AUDIT_EXPORTERS.
func (c *Config) HasExporter(name string) bool {
	return slices.Contains(c.Pipeline.Exporters, name)
}

// cloudWatchRetentionDays lists the retention periods CloudWatch Logs
// accepts, minus 1: queries look back one day less than retention.
var cloudWatchRetentionDays = []int{ //nolint:gochecknoglobals // fixed by the service
	3, 5, 7, 14, 30, 60, 90, 120, 150, 180, 365, 400, 545,
	731, 1096, 1827, 2192, 2557, 2922, 3288, 3653,
}

// validate checks required fields and value bounds.
func (c *Config) validate() error {
	// An empty secret is allowed for local use; a short one is not.
	if c.JWT.Secret == "" {
		log.Warn().Msg("AUDIT_JWT_SECRET is empty; API authentication is disabled")
	} else if len(c.JWT.Secret) < 32 {
		return errors.New("AUDIT_JWT_SECRET must be at least 32 characters")
	}

	switch c.Storage.Backend {
	case BackendSQLite:
		if c.Storage.SQLitePath == "" {
			return errors.New("AUDIT_DB_PATH is required for the sqlite backend")
		}
	case BackendPostgres:
		if c.Storage.PostgresDSN == "" {
			return errors.New("AUDIT_POSTGRES_DSN is required for the postgres backend")
		}
	case BackendCloudWatch:
		if c.CloudWatch.RecordsGroup == "" || c.CloudWatch.SessionsGroup == "" {
			return errors.New("AUDIT_CW_LOG_GROUP_RECORDS and AUDIT_CW_LOG_GROUP_SESSIONS are required for the cloudwatch backend")
		}
		if !slices.Contains(cloudWatchRetentionDays, c.CloudWatch.RetentionDays) {
			return fmt.Errorf("AUDIT_RETENTION_DAYS must be one of %v for the cloudwatch backend, got %d",
				cloudWatchRetentionDays, c.CloudWatch.RetentionDays)
		}
	default:
		return fmt.Errorf("AUDIT_BACKEND: unsupported backend %s", c.Storage.Backend)
	}

	// Bounds checks.
	if c.Storage.MinConns < 1 {
		return fmt.Errorf("AUDIT_DB_MIN_CONNS must be >= 1, got %d", c.Storage.MinConns)
	}
	if c.Storage.MaxConns < c.Storage.MinConns {
		return fmt.Errorf("AUDIT_DB_MAX_CONNS must be >= AUDIT_DB_MIN_CONNS (%d), got %d", c.Storage.MinConns, c.Storage.MaxConns)
	}
	if c.CloudWatch.RetentionDays < 2 {
		return fmt.Errorf("AUDIT_RETENTION_DAYS must be >= 2, got %d", c.CloudWatch.RetentionDays)
	}
	if c.CloudWatch.QueryTimeout <= 0 {
		return fmt.Errorf("AUDIT_CW_QUERY_TIMEOUT must be positive, got %s", c.CloudWatch.QueryTimeout)
	}
	if c.Pipeline.Capacity < 1 {
		return fmt.Errorf("AUDIT_QUEUE_CAPACITY must be >= 1, got %d", c.Pipeline.Capacity)
	}
	if c.Sampling.SuccessRate < 0 || c.Sampling.SuccessRate > 1 {
		return fmt.Errorf("AUDIT_SUCCESS_SAMPLE_RATE must be in [0,1], got %g", c.Sampling.SuccessRate)
	}
	if c.Sampling.ErrorRate < 0 || c.Sampling.ErrorRate > 1 {
		return fmt.Errorf("AUDIT_ERROR_SAMPLE_RATE must be in [0,1], got %g", c.Sampling.ErrorRate)
	}
	if c.Sampling.SlowThreshold < 0 {
		return fmt.Errorf("AUDIT_SLOW_THRESHOLD_MS must be >= 0, got %s", c.Sampling.SlowThreshold)
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("AUDIT_SERVER_READ_TIMEOUT must be positive, got %s", c.Server.ReadTimeout)
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("AUDIT_SERVER_WRITE_TIMEOUT must be positive, got %s", c.Server.WriteTimeout)
	}
	if c.Server.RateLimitRPS <= 0 {
		return fmt.Errorf("AUDIT_RATE_LIMIT_RPS must be positive, got %g", c.Server.RateLimitRPS)
	}
	if c.Server.RateLimitBurst < 1 {
		return fmt.Errorf("AUDIT_RATE_LIMIT_BURST must be >= 1, got %d", c.Server.RateLimitBurst)
	}

	// Exporter prerequisites.
	if c.HasExporter(ExporterKafka) && len(c.Kafka.Brokers) == 0 {
		return errors.New("AUDIT_KAFKA_BROKERS is required when the kafka exporter is enabled")
	}
	if c.HasExporter(ExporterSlack) && (c.Slack.BotToken == "" || c.Slack.Channel == "") {
		return errors.New("AUDIT_SLACK_BOT_TOKEN and AUDIT_SLACK_CHANNEL are required when the slack exporter is enabled")
	}

	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as int: %w", key, v, err)
	}
	return n, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as float: %w", key, v, err)
	}
	return f, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("parsing %s=%q as bool: %w", key, v, err)
	}
	return b, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as duration: %w", key, v, err)
	}
	return d, nil
}

func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
