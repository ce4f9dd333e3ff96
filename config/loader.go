package config

import (
	"context"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/alesierraalta/LUMONEW-sub011/types"
)

type Loader struct {
	validator *validator.Validate
}

func NewLoader() (*Loader, error) {
	return &Loader{
		validator: validator.New(validator.WithRequiredStructEnabled()),
	}, nil
}

func (l *Loader) LoadFromFile(ctx context.Context, configPath string) (*types.ServiceConfig, error) {
	if configPath == "" {
		return nil, types.ErrConfigNotFound
	}

	if err := ctx.Err(); err != nil {
		return nil, types.WrapError(err, "configuration load cancelled")
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, types.WrapError(err, "failed to read config file")
	}

	// Environment references like ${UPSTREAM_TOKEN} are expanded before
	// parsing so secrets stay out of the config file.
	data = []byte(os.ExpandEnv(string(data)))

	config := l.Defaults()

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, types.WrapError(err, "failed to parse YAML config")
	}

	if err := l.validator.Struct(config); err != nil {
		return nil, types.WrapError(err, "config validation failed")
	}

	return config, nil
}

// Defaults returns the configuration used when the file omits a section.
// Recovery, logging and CORS middlewares are on by default so a minimal
// config still produces a serviceable gateway.
func (l *Loader) Defaults() *types.ServiceConfig {
	return &types.ServiceConfig{
		Server: &types.ServerConfig{
			HTTP: &types.HTTPConfig{
				Host:         "localhost",
				Port:         8080,
				ReadTimeout:  30,
				WriteTimeout: 30,
				IdleTimeout:  120,
			},
			TLS: &types.TLSConfig{
				Enabled: false,
			},
		},
		Logger: &types.LoggerConfig{
			Level: "debug",
		},
		Cache: &types.CacheConfig{
			Enabled:    false,
			Type:       "memory",
			DefaultTTL: time.Hour,
		},
		Batcher: &types.BatcherConfig{
			Enabled:      false,
			Window:       50 * time.Millisecond,
			MaxBatchSize: 10,
			Deduplicate:  true,
		},
		Optimizer: &types.OptimizerConfig{
			Enabled:        false,
			SampleCapacity: 1000,
			TopN:           10,
			MinTTL:         time.Minute,
			MaxTTL:         30 * time.Minute,
		},
		Audit: &types.AuditConfig{
			Enabled: false,
			Type:    "memory",
		},
		Cron: &types.CronConfig{
			Enabled:  false,
			Timezone: "UTC",
		},
		Actions: &types.ActionsConfig{
			Enabled: false,
			Type:    "",
		},
		Metrics: &types.MetricsConfig{
			Enabled: false,
			Type:    "memory",
		},
		Health: &types.HealthConfig{
			Enabled: false,
		},
		Client: &types.ClientConfig{
			Enabled: false,
		},
		Middlewares: &types.MiddlewaresConfig{
			Enabled: false,
			Recovery: &types.MiddlewareItemConfig{
				Enabled: true,
				Params: map[string]interface{}{
					"stack_trace": true,
				},
				Weight: 10,
			},
			Metadata: &types.MiddlewareItemConfig{
				Enabled: false,
				Params: map[string]interface{}{
					"generate_request_id": true,
					"propagated_headers":  []string{"Authorization", "X-User-ID", "X-Real-IP", "X-Request-ID"},
				},
				Weight: 20,
			},
			Logging: &types.MiddlewareItemConfig{
				Enabled: true,
				Params: map[string]interface{}{
					"log_level":   "info",
					"log_headers": false,
					"log_body":    false,
				},
				Weight: 30,
			},
			Auth: &types.MiddlewareItemConfig{
				Enabled: false,
				Params:  map[string]interface{}{},
				Weight:  40,
			},
			RateLimit: &types.MiddlewareItemConfig{
				Enabled: false,
				Params: map[string]interface{}{
					"requests_per_minute": 100,
				},
				Weight: 50,
			},
			BodyLimit: &types.MiddlewareItemConfig{
				Enabled: false,
				Params: map[string]interface{}{
					"max_body_size": 10485760,
				},
				Weight: 60,
			},
			CORS: &types.MiddlewareItemConfig{
				Enabled: true,
				Params: map[string]interface{}{
					"AllowedOrigins": []string{"*"},
					"AllowedMethods": []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
					"AllowedHeaders": []string{"Content-Type", "Authorization", "X-API-Key", "X-Request-ID"},
					"MaxAge":         86400,
				},
				Weight: 70,
			},
			Cache: &types.MiddlewareItemConfig{
				Enabled: false,
				Params: map[string]interface{}{
					"default_ttl": "5m",
				},
				Weight: 80,
			},
			Compression: &types.MiddlewareItemConfig{
				Enabled: false,
				Params: map[string]interface{}{
					"level": 4,
				},
				Weight: 90,
			},
		},
	}
}
