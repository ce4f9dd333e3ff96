package types

import (
	"time"
)

type ConfigManager interface {
	LifecycleManager
	Load() error
	GetConfig() *ServiceConfig
	GetValue(path string, defaultValue interface{}) interface{}
	GetAs(path string, target interface{}) error
}

type ServiceConfig struct {
	Name          string                 `yaml:"name" json:"name" validate:"required"`
	Version       string                 `yaml:"version" json:"version" validate:"required"`
	Server        *ServerConfig          `yaml:"server" json:"server"`
	Logger        *LoggerConfig          `yaml:"logger" json:"logger"`
	Cache         *CacheConfig           `yaml:"cache" json:"cache"`
	Batcher       *BatcherConfig         `yaml:"batcher" json:"batcher"`
	Optimizer     *OptimizerConfig       `yaml:"optimizer" json:"optimizer"`
	Audit         *AuditConfig           `yaml:"audit" json:"audit"`
	Actions       *ActionsConfig         `yaml:"actions" json:"actions"`
	Cron          *CronConfig            `yaml:"cron" json:"cron"`
	Middlewares   *MiddlewaresConfig     `yaml:"middlewares" json:"middlewares"`
	AuthProviders *AuthProvidersConfig   `yaml:"auth_providers" json:"auth_providers"`
	Metrics       *MetricsConfig         `yaml:"metrics" json:"metrics"`
	Client        *ClientConfig          `yaml:"client" json:"client"`
	Health        *HealthConfig          `yaml:"health" json:"health"`
	Services      map[string]ServiceAddr `yaml:"services" json:"services"`
}

type ServerConfig struct {
	HTTP *HTTPConfig `yaml:"http" json:"http"`
	TLS  *TLSConfig  `yaml:"tls" json:"tls"`
}

type HTTPConfig struct {
	Host            string `yaml:"host" json:"host"`
	Port            int    `yaml:"port" json:"port" validate:"min=1,max=65535"`
	ReadTimeout     int    `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    int    `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout     int    `yaml:"idle_timeout" json:"idle_timeout"`
	ShutdownTimeout int    `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

type TLSConfig struct {
	Enabled       bool     `yaml:"enabled" json:"enabled"`
	CertFile      string   `yaml:"cert_file,omitempty" json:"cert_file,omitempty"`
	KeyFile       string   `yaml:"key_file,omitempty" json:"key_file,omitempty"`
	AutoCert      bool     `yaml:"auto_cert" json:"auto_cert"`
	Domains       []string `yaml:"domains,omitempty" json:"domains,omitempty"`
	Email         string   `yaml:"email,omitempty" json:"email,omitempty"`
	CacheDir      string   `yaml:"cache_dir,omitempty" json:"cache_dir,omitempty"`
	ACMEDirectory string   `yaml:"acme_directory,omitempty" json:"acme_directory,omitempty"`
}

type ServiceAddr struct {
	Host   string             `yaml:"host" json:"host" validate:"required,hostname|ip"`
	Port   int                `yaml:"port" json:"port" validate:"required,min=1,max=65535"`
	Scheme string             `yaml:"scheme" json:"scheme"`
	Auth   *ServiceAuthConfig `yaml:"auth" json:"auth"`
}

type ServiceAuthConfig struct {
	Type    string                 `yaml:"type" json:"type"`
	Token   string                 `yaml:"token" json:"token"`
	Header  string                 `yaml:"header" json:"header"`
	Payload map[string]interface{} `yaml:"payload" json:"payload"`
}

type LoggerConfig struct {
	Type   string      `yaml:"type" json:"type"`
	Level  string      `yaml:"level" json:"level" validate:"required_if=Enabled true"`
	Config interface{} `yaml:"config" json:"config"`
}

type CacheConfig struct {
	Enabled    bool          `yaml:"enabled" json:"enabled"`
	Type       string        `yaml:"type" json:"type" validate:"required_if=Enabled true"`
	Config     interface{}   `yaml:"config" json:"config"`
	DefaultTTL time.Duration `yaml:"default_ttl" json:"default_ttl" validate:"min=0"`
}

type BatcherConfig struct {
	Enabled      bool          `yaml:"enabled" json:"enabled"`
	Window       time.Duration `yaml:"window" json:"window" validate:"min=0"`
	MaxBatchSize int           `yaml:"max_batch_size" json:"max_batch_size" validate:"min=0"`
	MaxPending   int           `yaml:"max_pending" json:"max_pending" validate:"min=0"`
	Deduplicate  bool          `yaml:"deduplicate" json:"deduplicate"`
}

type OptimizerConfig struct {
	Enabled        bool          `yaml:"enabled" json:"enabled"`
	SampleCapacity int           `yaml:"sample_capacity" json:"sample_capacity" validate:"min=0"`
	TopN           int           `yaml:"top_n" json:"top_n" validate:"min=0"`
	MinTTL         time.Duration `yaml:"min_ttl" json:"min_ttl" validate:"min=0"`
	MaxTTL         time.Duration `yaml:"max_ttl" json:"max_ttl" validate:"min=0"`
}

type AuditConfig struct {
	Enabled bool        `yaml:"enabled" json:"enabled"`
	Type    string      `yaml:"type" json:"type" validate:"required_if=Enabled true"`
	Config  interface{} `yaml:"config" json:"config"`
}

type ActionsConfig struct {
	Enabled bool        `yaml:"enabled" json:"enabled"`
	Webhook bool        `yaml:"webhook" json:"webhook"`
	Type    string      `yaml:"type" json:"type"`
	Config  interface{} `yaml:"config" json:"config"`
}

type CronConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Timezone string `yaml:"timezone" json:"timezone" validate:"required_if=Enabled true"`
}

type MiddlewaresConfig struct {
	Enabled     bool                  `yaml:"enabled" json:"enabled"`
	Auth        *MiddlewareItemConfig `yaml:"auth" json:"auth"`
	Metadata    *MiddlewareItemConfig `yaml:"metadata" json:"metadata"`
	Logging     *MiddlewareItemConfig `yaml:"logging" json:"logging"`
	Cache       *MiddlewareItemConfig `yaml:"cache" json:"cache"`
	Recovery    *MiddlewareItemConfig `yaml:"recovery" json:"recovery"`
	Compression *MiddlewareItemConfig `yaml:"compression" json:"compression"`
	CORS        *MiddlewareItemConfig `yaml:"cors" json:"cors"`
	RateLimit   *MiddlewareItemConfig `yaml:"rate_limit" json:"rate_limit"`
	BodyLimit   *MiddlewareItemConfig `yaml:"body_limit" json:"body_limit"`
}

type AuthProvidersConfig struct {
	Token *AuthProviderItemConfig `yaml:"token" json:"token"`
	Basic *AuthProviderItemConfig `yaml:"basic" json:"basic"`
}

type AuthProviderItemConfig struct {
	Enabled bool                   `yaml:"enabled" json:"enabled"`
	Params  map[string]interface{} `yaml:"params" json:"params"`
}

type MiddlewareItemConfig struct {
	Enabled bool                   `yaml:"enabled" json:"enabled"`
	Weight  int                    `yaml:"weight" json:"weight" validate:"min=0"`
	Params  map[string]interface{} `yaml:"params" json:"params"`
}

type CacheHandlerConfig struct {
	Enabled bool          `validate:"required"`
	Key     string        `validate:"required,min=1"`
	TTL     time.Duration `validate:"min=0"`
	Deps    []string      `validate:"dive,min=1"`
}

type VersionInfo struct {
	Version   string `json:"version"`
	BuildInfo string `json:"build_info"`
}

type MetricsConfig struct {
	Enabled    bool                   `yaml:"enabled" json:"enabled"`
	Type       string                 `yaml:"type" json:"type" validate:"required_if=Enabled true"`
	Config     interface{}            `yaml:"config" json:"config"`
	Prefix     string                 `yaml:"prefix" json:"prefix"`
	Labels     map[string]string      `yaml:"labels" json:"labels"`
	HTTP       MetricsHTTPConfig      `yaml:"http" json:"http"`
	Collectors MetricsCollectorConfig `yaml:"collectors" json:"collectors"`
}

type MetricsHTTPConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
	Port    int    `yaml:"port" json:"port"`
}

type MetricsCollectorConfig struct {
	Runtime bool `yaml:"runtime" json:"runtime"`
	HTTP    bool `yaml:"http" json:"http"`
	Cache   bool `yaml:"cache" json:"cache"`
	Batcher bool `yaml:"batcher" json:"batcher"`
}

type HealthConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}

type ClientConfig struct {
	Enabled            bool                  `yaml:"enabled" json:"enabled"`
	DefaultTimeout     time.Duration         `yaml:"default_timeout" json:"default_timeout"`
	MaxIdleConnections int                   `yaml:"max_idle_connections" json:"max_idle_connections"`
	IdleConnTimeout    time.Duration         `yaml:"idle_conn_timeout" json:"idle_conn_timeout"`
	DefaultRetries     int                   `yaml:"default_retries" json:"default_retries"`
	CircuitBreaker     *CircuitBreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker"`
}

type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled" json:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout" json:"recovery_timeout"`
	HalfOpenRequests int           `yaml:"half_open_requests" json:"half_open_requests"`
}
