package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for ekaya-streams.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords) must only come from environment variables.
type Config struct {
	Env     string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	Version string `yaml:"-"` // Set at load time, not from config

	// TopologyPath points at the YAML file listing the base entities to orchestrate.
	TopologyPath string `yaml:"topology_path" env:"TOPOLOGY_PATH" env-default:"topology.yaml"`

	Ksql     KsqlConfig     `yaml:"ksql"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Database DatabaseConfig `yaml:"database"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Wait     WaitConfig     `yaml:"wait"`
	Planner  PlannerConfig  `yaml:"planner"`
	Reports  ReportsConfig  `yaml:"reports"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// KsqlConfig holds the ksqlDB REST endpoint.
type KsqlConfig struct {
	URL            string        `yaml:"url" env:"KSQL_URL" env-default:"http://localhost:8088"`
	Username       string        `yaml:"username" env:"KSQL_USERNAME" env-default:""`
	Password       string        `yaml:"-" env:"KSQL_PASSWORD"` // Secret - not in YAML
	RequestTimeout time.Duration `yaml:"request_timeout" env:"KSQL_REQUEST_TIMEOUT" env-default:"30s"`
}

// KafkaConfig holds the Kafka admin connection. Partition, internal topic and
// output checks are skipped when no brokers are configured.
type KafkaConfig struct {
	BrokersStr string `yaml:"brokers" env:"KAFKA_BROKERS" env-default:""`

	// SchemaRegistryURL enables schema subject verification when set.
	SchemaRegistryURL string `yaml:"schema_registry_url" env:"SCHEMA_REGISTRY_URL" env-default:""`

	// Brokers is the parsed list from BrokersStr (not from config file).
	Brokers []string `yaml:"-"`
}

// DatabaseConfig holds PostgreSQL configuration for the query metadata store.
// When disabled, metadata is kept in memory for the lifetime of the process.
type DatabaseConfig struct {
	Enabled        bool   `yaml:"enabled" env:"PGENABLED" env-default:"false"`
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"ekaya"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"ekaya_streams"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"10"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
	MigrationsPath string `yaml:"migrations_path" env:"MIGRATIONS_PATH" env-default:"migrations"`
}

// PipelineConfig holds the retry and stabilization budgets.
type PipelineConfig struct {
	RetryCount        int           `yaml:"retry_count" env:"PIPELINE_RETRY_COUNT" env-default:"3"`
	StabilizeAttempts int           `yaml:"stabilize_attempts" env:"PIPELINE_STABILIZE_ATTEMPTS" env-default:"3"`
	StabilizeDelay    time.Duration `yaml:"stabilize_delay" env:"PIPELINE_STABILIZE_DELAY" env-default:"5s"`
	StageRetries      int           `yaml:"stage_retries" env:"PIPELINE_STAGE_RETRIES" env-default:"3"`
	StageInitialDelay time.Duration `yaml:"stage_initial_delay" env:"PIPELINE_STAGE_INITIAL_DELAY" env-default:"1s"`
	StageMaxDelay     time.Duration `yaml:"stage_max_delay" env:"PIPELINE_STAGE_MAX_DELAY" env-default:"8s"`

	// RowMonitorBudget is the pull-query timeout of the row-monitor stage.
	// Zero leaves the stage out.
	RowMonitorBudget time.Duration `yaml:"row_monitor_budget" env:"PIPELINE_ROW_MONITOR_BUDGET" env-default:"0s"`
}

// WaitConfig holds the polling parameters used while waiting for persistent queries.
type WaitConfig struct {
	ShowQueriesAttempts int           `yaml:"show_queries_attempts" env:"WAIT_SHOW_QUERIES_ATTEMPTS" env-default:"5"`
	ShowQueriesInterval time.Duration `yaml:"show_queries_interval" env:"WAIT_SHOW_QUERIES_INTERVAL" env-default:"1s"`
	PollInterval        time.Duration `yaml:"poll_interval" env:"WAIT_POLL_INTERVAL" env-default:"1s"`
	RequiredConsecutive int           `yaml:"required_consecutive" env:"WAIT_REQUIRED_CONSECUTIVE" env-default:"5"`
	StabilityWindow     time.Duration `yaml:"stability_window" env:"WAIT_STABILITY_WINDOW" env-default:"15s"`
	RunningTimeout      time.Duration `yaml:"running_timeout" env:"WAIT_RUNNING_TIMEOUT" env-default:"120s"`
	SourceTimeout       time.Duration `yaml:"source_timeout" env:"WAIT_SOURCE_TIMEOUT" env-default:"30s"`

	// ReadinessTimeout bounds the wait for internal topics and schema subjects.
	ReadinessTimeout time.Duration `yaml:"readiness_timeout" env:"WAIT_READINESS_TIMEOUT" env-default:"60s"`

	// OutputTimeout bounds the wait for a first record on each target topic.
	// Zero skips output verification.
	OutputTimeout time.Duration `yaml:"output_timeout" env:"WAIT_OUTPUT_TIMEOUT" env-default:"30s"`

	// KeyLikeFieldsStr is a comma-separated list of column names treated as keys
	// when DESCRIBE does not mark them.
	KeyLikeFieldsStr string `yaml:"key_like_fields" env:"WAIT_KEY_LIKE_FIELDS" env-default:"BROKER,SYMBOL"`

	// KeyLikeFields is the parsed list from KeyLikeFieldsStr (not from config file).
	KeyLikeFields []string `yaml:"-"`
}

// PlannerConfig holds DDL planning defaults.
type PlannerConfig struct {
	DefaultRetentionMs int64  `yaml:"default_retention_ms" env:"PLANNER_DEFAULT_RETENTION_MS" env-default:"604800000"`
	DefaultPartitions  int    `yaml:"default_partitions" env:"PLANNER_DEFAULT_PARTITIONS" env-default:"1"`
	DefaultReplicas    int    `yaml:"default_replicas" env:"PLANNER_DEFAULT_REPLICAS" env-default:"1"`
	Namespace          string `yaml:"namespace" env:"PLANNER_NAMESPACE" env-default:"ekaya.streams"`
	KeyFormat          string `yaml:"key_format" env:"PLANNER_KEY_FORMAT" env-default:"KAFKA"`
	ValueFormat        string `yaml:"value_format" env:"PLANNER_VALUE_FORMAT" env-default:"JSON"`
}

// ReportsConfig holds the paths of the diagnostic logs. An empty path disables the log.
type ReportsConfig struct {
	DDLLogPath  string `yaml:"ddl_log_path" env:"REPORTS_DDL_LOG_PATH" env-default:"reports/physical/derived_ddl.log"`
	WaitLogPath string `yaml:"wait_log_path" env:"REPORTS_WAIT_LOG_PATH" env-default:"reports/physical/ksql_wait_raw.log"`
}

// MetricsConfig holds the Prometheus endpoint. An empty address disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr" env:"METRICS_ADDR" env-default:""`
}

// Load reads configuration from config.yaml with environment variable overrides.
// The version parameter is injected at build time and set on the returned Config.
func Load(version string) (*Config, error) {
	return LoadFile("config.yaml", version)
}

// LoadFile reads configuration from path with environment variable overrides.
func LoadFile(path, version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if err := cleanenv.ReadConfig(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	cfg.parseComplexFields()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// parseComplexFields handles fields that need post-processing after loading.
func (c *Config) parseComplexFields() {
	c.Kafka.Brokers = parseList(c.Kafka.BrokersStr)
	c.Wait.KeyLikeFields = parseList(c.Wait.KeyLikeFieldsStr)
	for i, f := range c.Wait.KeyLikeFields {
		c.Wait.KeyLikeFields[i] = strings.ToUpper(f)
	}
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.Ksql.URL) == "" {
		return fmt.Errorf("ksql.url is required")
	}
	u, err := url.Parse(c.Ksql.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("ksql.url %q is not an absolute URL", c.Ksql.URL)
	}
	if c.Wait.RequiredConsecutive < 1 {
		return fmt.Errorf("wait.required_consecutive must be at least 1, got %d", c.Wait.RequiredConsecutive)
	}
	if c.Pipeline.StabilizeAttempts < 1 {
		return fmt.Errorf("pipeline.stabilize_attempts must be at least 1, got %d", c.Pipeline.StabilizeAttempts)
	}
	if c.Pipeline.RetryCount < 0 || c.Pipeline.StageRetries < 0 {
		return fmt.Errorf("retry counts must not be negative")
	}
	return nil
}

// parseList splits a comma-separated value, dropping blanks.
func parseList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ConnectionString returns a PostgreSQL connection URL.
func (c *DatabaseConfig) ConnectionString() string {
	u := &url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", ResolveHostForDocker(c.Host), c.Port),
		Path:     "/" + c.Database,
		RawQuery: "sslmode=" + url.QueryEscape(c.SSLMode),
	}
	return u.String()
}
