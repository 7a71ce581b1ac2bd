package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for ekaya-import.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords, API keys) must only come from environment variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"3480"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	Version  string `yaml:"-"` // Set at load time, not from config

	// MigrationsPath is the directory holding the golang-migrate SQL files.
	MigrationsPath string `yaml:"migrations_path" env:"MIGRATIONS_PATH" env-default:"migrations"`

	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Import     ImportConfig     `yaml:"import"`
	Mapping    MappingConfig    `yaml:"mapping"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Recovery   RecoveryConfig   `yaml:"recovery"`
	Approval   ApprovalConfig   `yaml:"approval"`
	Sink       SinkConfig       `yaml:"sink"`
	MCP        MCPConfig        `yaml:"mcp"`
	CORS       CORSConfig       `yaml:"cors"`
}

// DatabaseConfig holds PostgreSQL database configuration for session state.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"ekaya"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"ekaya_import"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
}

// RedisConfig holds the optional Redis used to fan out progress events.
// Redis is disabled when Host is empty.
type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST" env-default:""`
	Port     int    `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password string `yaml:"-" env:"REDIS_PASSWORD"` // Secret - not in YAML
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
	// ChannelPrefix is prepended to the session ID to build the pub/sub channel.
	ChannelPrefix string `yaml:"channel_prefix" env:"REDIS_CHANNEL_PREFIX" env-default:"import:events:"`
}

// ImportConfig holds workflow and commit settings.
type ImportConfig struct {
	DefaultEntityType    string  `yaml:"default_entity_type" env:"IMPORT_DEFAULT_ENTITY_TYPE" env-default:"product"`
	DefaultBatchSize     int     `yaml:"default_batch_size" env:"IMPORT_DEFAULT_BATCH_SIZE" env-default:"500"`
	MaxBatchSize         int     `yaml:"max_batch_size" env:"IMPORT_MAX_BATCH_SIZE" env-default:"5000"`
	CommitWorkers        int     `yaml:"commit_workers" env:"IMPORT_COMMIT_WORKERS" env-default:"4"`
	AutoAdvanceThreshold float64 `yaml:"auto_advance_threshold" env:"IMPORT_AUTO_ADVANCE_THRESHOLD" env-default:"0.70"`
	SampleRows           int     `yaml:"sample_rows" env:"IMPORT_SAMPLE_ROWS" env-default:"5"`
	MaxUploadMB          int     `yaml:"max_upload_mb" env:"IMPORT_MAX_UPLOAD_MB" env-default:"50"`
	MaxBatchRetries      int     `yaml:"max_batch_retries" env:"IMPORT_MAX_BATCH_RETRIES" env-default:"3"`
	// SessionRetentionMinutes is how long a terminal session stays in memory.
	SessionRetentionMinutes int `yaml:"session_retention_minutes" env:"IMPORT_SESSION_RETENTION_MINUTES" env-default:"60"`
	// EventBuffer is the per-subscriber progress event channel size.
	EventBuffer int `yaml:"event_buffer" env:"IMPORT_EVENT_BUFFER" env-default:"64"`
}

// SessionRetention returns the retention window as a duration.
func (c *ImportConfig) SessionRetention() time.Duration {
	return time.Duration(c.SessionRetentionMinutes) * time.Minute
}

// MappingConfig tunes the mapping strategies.
type MappingConfig struct {
	MinConfidence       float64 `yaml:"min_confidence" env:"MAPPING_MIN_CONFIDENCE" env-default:"70"`
	FuzzyMinSimilarity  float64 `yaml:"fuzzy_min_similarity" env:"MAPPING_FUZZY_MIN_SIMILARITY" env-default:"0.5"`
	StatisticalMinScore float64 `yaml:"statistical_min_score" env:"MAPPING_STATISTICAL_MIN_SCORE" env-default:"0.55"`
	AmbiguityMargin     float64 `yaml:"ambiguity_margin" env:"MAPPING_AMBIGUITY_MARGIN" env-default:"5"`
	CacheLearningRate   float64 `yaml:"cache_learning_rate" env:"MAPPING_CACHE_LEARNING_RATE" env-default:"0.2"`
}

// ClassifierConfig configures the optional external classifier.
type ClassifierConfig struct {
	Enabled  bool   `yaml:"enabled" env:"CLASSIFIER_ENABLED" env-default:"false"`
	Provider string `yaml:"provider" env:"CLASSIFIER_PROVIDER" env-default:"openai"` // openai | anthropic
	BaseURL  string `yaml:"base_url" env:"CLASSIFIER_BASE_URL" env-default:""`
	Model    string `yaml:"model" env:"CLASSIFIER_MODEL" env-default:"gpt-4o-mini"`
	APIKey   string `yaml:"-" env:"CLASSIFIER_API_KEY"` // Secret - not in YAML
	// TimeoutSeconds bounds each classifier call. Timed out calls are abandoned.
	TimeoutSeconds int `yaml:"timeout_seconds" env:"CLASSIFIER_TIMEOUT_SECONDS" env-default:"10"`
	// SessionCostCeiling caps classifier spend per session in USD.
	SessionCostCeiling float64 `yaml:"session_cost_ceiling" env:"CLASSIFIER_SESSION_COST_CEILING" env-default:"0.50"`
	// CostPerCall is the budget reserved before each call in USD.
	CostPerCall   float64 `yaml:"cost_per_call" env:"CLASSIFIER_COST_PER_CALL" env-default:"0.002"`
	MaxConcurrent int     `yaml:"max_concurrent" env:"CLASSIFIER_MAX_CONCURRENT" env-default:"4"`
	// Circuit breaker: consecutive failures before opening, and seconds before a probe.
	CircuitThreshold    int `yaml:"circuit_threshold" env:"CLASSIFIER_CIRCUIT_THRESHOLD" env-default:"5"`
	CircuitResetSeconds int `yaml:"circuit_reset_seconds" env:"CLASSIFIER_CIRCUIT_RESET_SECONDS" env-default:"30"`
}

// Timeout returns the per-call timeout.
func (c *ClassifierConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// RecoveryConfig tunes auto-fix behaviour.
type RecoveryConfig struct {
	AutoApplyThreshold float64 `yaml:"auto_apply_threshold" env:"RECOVERY_AUTO_APPLY_THRESHOLD" env-default:"0.9"`
	LearningRate       float64 `yaml:"learning_rate" env:"RECOVERY_LEARNING_RATE" env-default:"0.2"`
}

// Approval timeout policies.
const (
	TimeoutPolicyEscalate   = "escalate"
	TimeoutPolicyAutoReject = "auto_reject"
)

// ApprovalConfig configures approval routing.
type ApprovalConfig struct {
	// RoutingTablePath points at a YAML routing table. Empty uses the built-in table.
	RoutingTablePath string `yaml:"routing_table_path" env:"APPROVAL_ROUTING_TABLE_PATH" env-default:""`
	TimeoutPolicy    string `yaml:"timeout_policy" env:"APPROVAL_TIMEOUT_POLICY" env-default:"escalate"`
	// DeadlineMinutes is the default deadline; routing table entries may override it.
	DeadlineMinutes int `yaml:"deadline_minutes" env:"APPROVAL_DEADLINE_MINUTES" env-default:"240"`
	// HighVolumeRecords marks imports large enough to be routed as high volume.
	HighVolumeRecords int `yaml:"high_volume_records" env:"APPROVAL_HIGH_VOLUME_RECORDS" env-default:"50000"`
	// EntityCriticality maps entity types to a 0-1 criticality weight.
	EntityCriticality map[string]float64 `yaml:"entity_criticality"`
	// SweepIntervalSeconds controls the persisted-deadline sweeper.
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds" env:"APPROVAL_SWEEP_INTERVAL_SECONDS" env-default:"60"`
}

// Deadline returns the default deadline as a duration.
func (c *ApprovalConfig) Deadline() time.Duration {
	return time.Duration(c.DeadlineMinutes) * time.Minute
}

// Criticality returns the configured criticality for an entity type (default 0.5).
func (c *ApprovalConfig) Criticality(entityType string) float64 {
	if v, ok := c.EntityCriticality[entityType]; ok {
		return v
	}
	return 0.5
}

// SinkConfig selects where committed records are written.
type SinkConfig struct {
	Type string `yaml:"type" env:"SINK_TYPE" env-default:"postgres"` // postgres | mssql | mongo | sqlite | memory
	// DSN is the connection string. Empty with type=postgres reuses the session database.
	DSN      string `yaml:"-" env:"SINK_DSN"` // Secret - not in YAML
	Database string `yaml:"database" env:"SINK_DATABASE" env-default:"catalog"`
	// Table is the table (or collection) prefix; records land in <table>_<entity_type>.
	Table string `yaml:"table" env:"SINK_TABLE" env-default:"catalog"`
}

// MCPConfig toggles the MCP approver tools endpoint.
type MCPConfig struct {
	Enabled bool `yaml:"enabled" env:"MCP_ENABLED" env-default:"true"`
}

// CORSConfig lists allowed origins for browser clients.
type CORSConfig struct {
	AllowedOriginsStr string   `yaml:"allowed_origins" env:"CORS_ALLOWED_ORIGINS" env-default:"http://localhost:5173"`
	AllowedOrigins    []string `yaml:"-"`
}

var supportedProviders = []string{"openai", "anthropic"}
var supportedSinks = []string{"postgres", "mssql", "mongo", "sqlite", "memory"}

// Load reads configuration from config.yaml with environment variable overrides.
func Load(version string) (*Config, error) {
	return LoadFrom("config.yaml", version)
}

// LoadFrom reads configuration from the given YAML path with environment overrides.
// A missing file is an error; use environment variables only by pointing at an empty file.
func LoadFrom(path, version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if err := cleanenv.ReadConfig(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return cfg.finish()
}

// LoadEnv builds configuration from environment variables and defaults only.
func LoadEnv(version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	return cfg.finish()
}

func (c *Config) finish() (*Config, error) {
	c.CORS.AllowedOrigins = splitList(c.CORS.AllowedOriginsStr)
	c.Database.Host = ResolveHostForDocker(c.Database.Host)
	c.Redis.Host = ResolveHostForDocker(c.Redis.Host)

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return c, nil
}

// Validate checks cross-field constraints cleanenv cannot express.
func (c *Config) Validate() error {
	if c.Import.AutoAdvanceThreshold <= 0 || c.Import.AutoAdvanceThreshold > 1 {
		return fmt.Errorf("import.auto_advance_threshold must be in (0, 1], got %v", c.Import.AutoAdvanceThreshold)
	}
	if c.Import.DefaultBatchSize <= 0 || c.Import.DefaultBatchSize > c.Import.MaxBatchSize {
		return fmt.Errorf("import.default_batch_size must be in [1, %d], got %d", c.Import.MaxBatchSize, c.Import.DefaultBatchSize)
	}
	if c.Import.CommitWorkers <= 0 {
		return fmt.Errorf("import.commit_workers must be positive, got %d", c.Import.CommitWorkers)
	}
	if c.Mapping.MinConfidence < 0 || c.Mapping.MinConfidence > 100 {
		return fmt.Errorf("mapping.min_confidence must be in [0, 100], got %v", c.Mapping.MinConfidence)
	}
	if !slices.Contains(supportedProviders, c.Classifier.Provider) {
		return fmt.Errorf("classifier.provider must be one of %v, got %q", supportedProviders, c.Classifier.Provider)
	}
	if c.Classifier.Enabled && c.Classifier.APIKey == "" {
		return fmt.Errorf("classifier is enabled but CLASSIFIER_API_KEY is not set")
	}
	if c.Approval.SweepIntervalSeconds <= 0 {
		return fmt.Errorf("approval.sweep_interval_seconds must be positive, got %d", c.Approval.SweepIntervalSeconds)
	}
	if c.Approval.TimeoutPolicy != TimeoutPolicyEscalate && c.Approval.TimeoutPolicy != TimeoutPolicyAutoReject {
		return fmt.Errorf("approval.timeout_policy must be %q or %q, got %q",
			TimeoutPolicyEscalate, TimeoutPolicyAutoReject, c.Approval.TimeoutPolicy)
	}
	if !slices.Contains(supportedSinks, c.Sink.Type) {
		return fmt.Errorf("sink.type must be one of %v, got %q", supportedSinks, c.Sink.Type)
	}
	if c.Sink.Type != "postgres" && c.Sink.Type != "memory" && c.Sink.DSN == "" {
		return fmt.Errorf("sink.type %q requires SINK_DSN", c.Sink.Type)
	}
	return nil
}

// URL returns the connection as a postgres:// URL with escaped credentials.
// It is the only DSN builder; the pool and golang-migrate both use it.
func (c *DatabaseConfig) URL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:     "/" + c.Database,
		RawQuery: url.Values{"sslmode": []string{c.SSLMode}}.Encode(),
	}
	return u.String()
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

var (
	isDockerOnce   sync.Once
	isDockerResult bool
)

// IsRunningInDocker reports whether /.dockerenv exists. Cached after the first call.
func IsRunningInDocker() bool {
	isDockerOnce.Do(func() {
		_, err := os.Stat("/.dockerenv")
		isDockerResult = err == nil
	})
	return isDockerResult
}

// ResolveHostForDocker rewrites loopback hosts to host.docker.internal inside a container.
func ResolveHostForDocker(host string) string {
	if !IsRunningInDocker() {
		return host
	}
	if host == "localhost" || host == "127.0.0.1" {
		return "host.docker.internal"
	}
	return host
}
