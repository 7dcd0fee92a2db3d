package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"kb-health-agent/pkg/metrics"
)

type Config struct {
	Agent       AgentConfig            `mapstructure:"agent"`
	Database    DatabaseConfig         `mapstructure:"database"`
	Metrics     []metrics.Definition   `mapstructure:"metrics"`
	Ingestion   IngestionConfig        `mapstructure:"ingestion"`
	Collector   MetricsCollectorConfig `mapstructure:"collector"`
	Aggregation AggregationConfig      `mapstructure:"aggregation"`
	Alerting    AlertingConfig         `mapstructure:"alerting"`
	Retention   RetentionConfig        `mapstructure:"retention"`
	Analyzer    AnalyzerConfig         `mapstructure:"analyzer"`
	Query       QueryConfig            `mapstructure:"query"`
	Monitor     MonitorConfig          `mapstructure:"monitor"`
	Dashboard   DashboardConfig        `mapstructure:"dashboard"`
}

type AgentConfig struct {
	Name            string        `mapstructure:"name"`
	ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout"`
}

type DatabaseConfig struct {
	Path            string        `mapstructure:"path" yaml:"path"`
	MaxOpenConns    int           `mapstructure:"maxOpenConns" yaml:"maxOpenConns"`
	MaxIdleConns    int           `mapstructure:"maxIdleConns" yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `mapstructure:"connMaxLifetime" yaml:"connMaxLifetime"`
	BusyTimeout     time.Duration `mapstructure:"busyTimeout" yaml:"busyTimeout"`
}

type IngestionConfig struct {
	FlushInterval      time.Duration      `mapstructure:"flushInterval"`
	BatchSize          int                `mapstructure:"batchSize"`
	MaxBufferPerMetric int                `mapstructure:"maxBufferPerMetric"`
	SampleRate         float64            `mapstructure:"sampleRate"`
	SampleRates        map[string]float64 `mapstructure:"sampleRates"`
	Sampler            string             `mapstructure:"sampler"` // "seeded" or "counter"
	Seed               int64              `mapstructure:"seed"`
}

// MetricsCollectorConfig controls the host CPU and memory sampler
type MetricsCollectorConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	ProcRoot string        `mapstructure:"procRoot"`
}

type AggregationConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	LateWindows int           `mapstructure:"lateWindows"`
}

type AlertingConfig struct {
	Enabled   bool              `mapstructure:"enabled"`
	Coverage  float64           `mapstructure:"coverage"`
	RulesFile string            `mapstructure:"rulesFile"`
	Rules     []AlertRuleConfig `mapstructure:"rules"`
}

type AlertRuleConfig struct {
	ID        string        `mapstructure:"id" yaml:"id"`
	Name      string        `mapstructure:"name" yaml:"name"`
	Metric    string        `mapstructure:"metric" yaml:"metric"`
	Operator  string        `mapstructure:"operator" yaml:"operator"`
	Threshold float64       `mapstructure:"threshold" yaml:"threshold"`
	Duration  time.Duration `mapstructure:"duration" yaml:"duration"`
	Severity  string        `mapstructure:"severity" yaml:"severity"`
	Enabled   *bool         `mapstructure:"enabled" yaml:"enabled"`
}

// IsEnabled treats an omitted enabled flag as true
func (r AlertRuleConfig) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

type RetentionConfig struct {
	Enabled                bool          `mapstructure:"enabled"`
	Interval               time.Duration `mapstructure:"interval"`
	AggregateRetentionDays int           `mapstructure:"aggregateRetentionDays"`
	AlertRetentionDays     int           `mapstructure:"alertRetentionDays"`
	CompactAfterCleanup    bool          `mapstructure:"compactAfterCleanup"`
}

type AnalyzerConfig struct {
	Enabled           bool                   `mapstructure:"enabled"`
	Interval          time.Duration          `mapstructure:"interval"`
	PredictionHorizon time.Duration          `mapstructure:"predictionHorizon"`
	Rules             []BottleneckRuleConfig `mapstructure:"rules"`
	AIAdvisor         AIAdvisorConfig        `mapstructure:"aiAdvisor"`
}

// BottleneckRuleConfig overrides the thresholds of a built-in component rule
type BottleneckRuleConfig struct {
	Component string  `mapstructure:"component"`
	Metric    string  `mapstructure:"metric"`
	Warning   float64 `mapstructure:"warning"`
	Critical  float64 `mapstructure:"critical"`
	Samples   int     `mapstructure:"samples"`
}

type AIAdvisorConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	Provider           string        `mapstructure:"provider"`
	Model              string        `mapstructure:"model"`
	APIKey             string        `mapstructure:"apiKey"`
	BaseURL            string        `mapstructure:"baseURL"`
	Timeout            time.Duration `mapstructure:"timeout"`
	MaxTokens          int           `mapstructure:"maxTokens"`
	Temperature        float32       `mapstructure:"temperature"`
	EnableCostControl  bool          `mapstructure:"enableCostControl"`
	MaxCostPerMonth    float64       `mapstructure:"maxCostPerMonth"`
	MaxAnalysisPerHour int           `mapstructure:"maxAnalysisPerHour"`
}

type QueryConfig struct {
	ResponseTimeMetric    string        `mapstructure:"responseTimeMetric"`
	ErrorMetric           string        `mapstructure:"errorMetric"`
	CacheHitMetric        string        `mapstructure:"cacheHitMetric"`
	ResponseTimeThreshold float64       `mapstructure:"responseTimeThreshold"`
	MinCacheHitRatio      float64       `mapstructure:"minCacheHitRatio"`
	MaxActiveAlerts       int           `mapstructure:"maxActiveAlerts"`
	RealtimeWindow        time.Duration `mapstructure:"realtimeWindow"`
	TrendBuckets          int           `mapstructure:"trendBuckets"`
	SlowThreshold         float64       `mapstructure:"slowThreshold"`
	SlowLookback          time.Duration `mapstructure:"slowLookback"`
	SlowMetrics           []string      `mapstructure:"slowMetrics"`
}

type MonitorConfig struct {
	PrometheusEnabled bool   `mapstructure:"prometheusEnabled"`
	MetricsAddr       string `mapstructure:"metricsAddr"`
}

type DashboardConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("agent.name", "kb-health-agent")
	v.SetDefault("agent.shutdownTimeout", 10*time.Second)

	v.SetDefault("database.path", "./data/health.db")
	v.SetDefault("database.maxOpenConns", 4)
	v.SetDefault("database.maxIdleConns", 2)
	v.SetDefault("database.connMaxLifetime", time.Hour)
	v.SetDefault("database.busyTimeout", 5*time.Second)

	v.SetDefault("ingestion.flushInterval", 30*time.Second)
	v.SetDefault("ingestion.batchSize", 500)
	v.SetDefault("ingestion.maxBufferPerMetric", 10000)
	v.SetDefault("ingestion.sampleRate", 1.0)
	v.SetDefault("ingestion.sampler", "seeded")
	v.SetDefault("ingestion.seed", 1)

	v.SetDefault("collector.enabled", true)
	v.SetDefault("collector.interval", 15*time.Second)
	v.SetDefault("collector.procRoot", "/proc")

	v.SetDefault("aggregation.interval", 60*time.Second)
	v.SetDefault("aggregation.lateWindows", 2)

	v.SetDefault("alerting.enabled", true)
	v.SetDefault("alerting.coverage", 0.8)

	v.SetDefault("retention.enabled", true)
	v.SetDefault("retention.interval", 24*time.Hour)
	v.SetDefault("retention.aggregateRetentionDays", 90)
	v.SetDefault("retention.alertRetentionDays", 30)
	v.SetDefault("retention.compactAfterCleanup", true)

	v.SetDefault("analyzer.enabled", true)
	v.SetDefault("analyzer.interval", 60*time.Second)
	v.SetDefault("analyzer.predictionHorizon", 5*time.Minute)
	v.SetDefault("analyzer.aiAdvisor.enabled", false)
	v.SetDefault("analyzer.aiAdvisor.provider", "openai")
	v.SetDefault("analyzer.aiAdvisor.model", "gpt-4o-mini")
	v.SetDefault("analyzer.aiAdvisor.timeout", 30*time.Second)
	v.SetDefault("analyzer.aiAdvisor.maxTokens", 800)
	v.SetDefault("analyzer.aiAdvisor.temperature", 0.2)
	v.SetDefault("analyzer.aiAdvisor.enableCostControl", true)
	v.SetDefault("analyzer.aiAdvisor.maxCostPerMonth", 5.0)
	v.SetDefault("analyzer.aiAdvisor.maxAnalysisPerHour", 6)

	v.SetDefault("query.responseTimeMetric", "db_query_ms")
	v.SetDefault("query.errorMetric", "db_query_ms_error")
	v.SetDefault("query.cacheHitMetric", "cache_hit_ratio")
	v.SetDefault("query.responseTimeThreshold", 1000.0)
	v.SetDefault("query.minCacheHitRatio", 0.7)
	v.SetDefault("query.maxActiveAlerts", 0)
	v.SetDefault("query.realtimeWindow", 5*time.Minute)
	v.SetDefault("query.trendBuckets", 48)
	v.SetDefault("query.slowThreshold", 1000.0)
	v.SetDefault("query.slowLookback", 24*time.Hour)
	v.SetDefault("query.slowMetrics", []string{"db_query_ms", "query_duration", "search_latency_ms", "api_request_ms"})

	v.SetDefault("monitor.prometheusEnabled", true)
	v.SetDefault("monitor.metricsAddr", "127.0.0.1:9464")

	v.SetDefault("dashboard.enabled", true)
	v.SetDefault("dashboard.addr", "127.0.0.1:8765")
}

// Default returns the configuration used when no file is given
func Default() *Config {
	cfg, err := load(viper.New())
	if err != nil {
		// defaults alone always decode
		panic(err)
	}
	return cfg
}

// Load reads configuration from configPath. An empty path yields defaults
// overridden by AGENT_* environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	setDefaults(v)
	v.SetEnvPrefix("AGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if config.Alerting.RulesFile != "" {
		rules, err := LoadRules(config.Alerting.RulesFile)
		if err != nil {
			return nil, err
		}
		config.Alerting.Rules = append(config.Alerting.Rules, rules...)
	}

	return &config, nil
}

type rulesFile struct {
	Rules []AlertRuleConfig `yaml:"rules"`
}

// LoadRules parses a standalone YAML alert rule file
func LoadRules(path string) ([]AlertRuleConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	var file rulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse rules file %s: %w", path, err)
	}
	return file.Rules, nil
}

func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Ingestion.FlushInterval <= 0 {
		return fmt.Errorf("invalid flush interval: %v", c.Ingestion.FlushInterval)
	}
	if c.Ingestion.BatchSize <= 0 || c.Ingestion.MaxBufferPerMetric <= 0 {
		return fmt.Errorf("batch size and buffer size must be positive")
	}
	if c.Ingestion.SampleRate <= 0 || c.Ingestion.SampleRate > 1 {
		return fmt.Errorf("sample rate must be in (0, 1]: %v", c.Ingestion.SampleRate)
	}
	for name, rate := range c.Ingestion.SampleRates {
		if rate <= 0 || rate > 1 {
			return fmt.Errorf("sample rate for %s must be in (0, 1]: %v", name, rate)
		}
	}
	if c.Ingestion.Sampler != "seeded" && c.Ingestion.Sampler != "counter" {
		return fmt.Errorf("unsupported sampler: %s", c.Ingestion.Sampler)
	}
	if c.Aggregation.Interval <= 0 {
		return fmt.Errorf("invalid aggregation interval: %v", c.Aggregation.Interval)
	}
	if c.Alerting.Coverage < 0 || c.Alerting.Coverage > 1 {
		return fmt.Errorf("alert coverage must be in [0, 1]: %v", c.Alerting.Coverage)
	}

	seen := make(map[string]bool)
	for _, r := range c.Alerting.Rules {
		if r.ID == "" {
			return fmt.Errorf("alert rule id cannot be empty")
		}
		if seen[r.ID] {
			return fmt.Errorf("duplicate alert rule id: %s", r.ID)
		}
		seen[r.ID] = true
		switch r.Operator {
		case "gt", "gte", "lt", "lte", "eq":
		default:
			return fmt.Errorf("alert rule %s: unsupported operator %q", r.ID, r.Operator)
		}
		switch r.Severity {
		case "info", "warning", "critical":
		default:
			return fmt.Errorf("alert rule %s: unsupported severity %q", r.ID, r.Severity)
		}
		if r.Duration < 0 {
			return fmt.Errorf("alert rule %s: negative duration", r.ID)
		}
	}

	if c.Retention.AggregateRetentionDays <= 0 || c.Retention.AlertRetentionDays <= 0 {
		return fmt.Errorf("retention horizons must be positive")
	}
	if c.Query.TrendBuckets <= 0 {
		return fmt.Errorf("trend buckets must be positive")
	}

	return nil
}
