package client

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/alesierraalta/LUMONEW-sub011/types"
)

type HTTPClientConfig struct {
	DefaultTimeout     time.Duration         `yaml:"default_timeout" json:"default_timeout"`
	MaxIdleConnections int                   `yaml:"max_idle_connections" json:"max_idle_connections"`
	IdleConnTimeout    time.Duration         `yaml:"idle_conn_timeout" json:"idle_conn_timeout"`
	DefaultRetries     int                   `yaml:"default_retries" json:"default_retries"`
	CircuitBreaker     *CircuitBreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker"`
}

// Manager holds one HTTPClient per configured upstream service and
// routes gateway calls to them with per-service authentication.
type Manager struct {
	ctx          context.Context
	cancel       context.CancelFunc
	config       types.ConfigManager
	logger       types.Logger
	metrics      types.MetricsManager
	authProvider types.AuthProviderManager

	mu             sync.RWMutex
	clients        map[string]*HTTPClient
	serviceConfigs map[string]*types.ServiceAddr

	clientConfig *HTTPClientConfig
	running      atomic.Bool
	callTimeout  time.Duration
}

func NewManager(ctx context.Context, config types.ConfigManager, logger types.Logger, metrics types.MetricsManager, health types.HealthManager, middlewareManager types.MiddlewareManager, authProvider types.AuthProviderManager) (types.ClientManager, error) {
	managerCtx, cancel := context.WithCancel(ctx)

	return &Manager{
		ctx:          managerCtx,
		cancel:       cancel,
		config:       config,
		logger:       logger,
		metrics:      metrics,
		authProvider: authProvider,
		clients:      make(map[string]*HTTPClient),
		clientConfig: &HTTPClientConfig{
			DefaultTimeout:     30 * time.Second,
			MaxIdleConnections: 100,
			IdleConnTimeout:    90 * time.Second,
			DefaultRetries:     3,
			CircuitBreaker: &CircuitBreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				RecoveryTimeout:  60 * time.Second,
				HalfOpenRequests: 3,
			},
		},
		serviceConfigs: make(map[string]*types.ServiceAddr),
		callTimeout:    30 * time.Second,
	}, nil
}

func (m *Manager) Start() error {
	if !m.running.CompareAndSwap(false, true) {
		return types.ErrServerAlreadyRunning
	}

	if err := m.initializeClients(); err != nil {
		m.running.Store(false)
		return types.WrapError(err, "failed to initialize HTTP clients")
	}

	m.logger.Info("Client manager started")
	return nil
}

func (m *Manager) Stop() error {
	if !m.running.CompareAndSwap(true, false) {
		return types.ErrServerNotRunning
	}

	m.cancel()

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, client := range m.clients {
		client.Close()
	}

	m.logger.Info("Client manager stopped",
		zap.Int("clients_closed", len(m.clients)))
	return nil
}

func (m *Manager) IsRunning() bool {
	return m.running.Load()
}

func (m *Manager) Call(serviceName, method, path string, data interface{}, opts *types.CallOptions) ([]byte, int, error) {
	if !m.running.Load() {
		return nil, 500, types.ErrServerNotRunning
	}

	start := time.Now()

	client, err := m.getClient(serviceName)
	if err != nil {
		m.record("call", "client_error", serviceName, start)
		return nil, 500, err
	}

	serviceConfig, err := m.getServiceConfig(serviceName)
	if err != nil {
		m.record("call", "config_error", serviceName, start)
		return nil, 500, err
	}

	if opts == nil {
		opts = &types.CallOptions{Headers: make(map[string]string)}
	}

	if serviceConfig.Auth != nil {
		if err := m.addAuthenticationHeaders(opts, serviceConfig.Auth); err != nil {
			m.record("call", "auth_error", serviceName, start)
			return nil, 500, types.WrapError(err, "failed to add authentication headers")
		}
	}

	callCtx, cancel := context.WithTimeout(m.ctx, m.callTimeout)
	defer cancel()

	var resp []byte
	var statusCode int

	done := make(chan struct{})
	go func() {
		defer close(done)
		resp, statusCode, err = client.Call(method, path, data, opts)
	}()

	select {
	case <-done:
	case <-callCtx.Done():
		m.record("call", "timeout", serviceName, start)
		return nil, 500, types.NewErrorf("call timeout for service: %s", serviceName)
	}

	result := "success"
	if err != nil {
		result = "error"
	}
	m.record("call", result, serviceName, start)
	m.recordBreakerState(serviceName, client)

	return resp, statusCode, err
}

// CanCall reports whether a call to the named service would be admitted
// right now, without performing one. Used to fail whole batches cheaply
// before their members are dispatched.
func (m *Manager) CanCall(serviceName string) error {
	if !m.running.Load() {
		return types.ErrServerNotRunning
	}

	client, err := m.getClient(serviceName)
	if err != nil {
		return err
	}

	if !client.circuitBreaker.CanExecute() {
		return types.Errorf(types.ErrCircuitBreakerOpen, "service: %s", serviceName)
	}

	return nil
}

func (m *Manager) addAuthenticationHeaders(opts *types.CallOptions, authConfig *types.ServiceAuthConfig) error {
	if m.authProvider == nil {
		return types.NewErrorf("auth provider manager not available")
	}

	provider, ok := m.authProvider.Get(authConfig.Type)
	if !ok {
		return types.Errorf(types.ErrAuthProviderNotFound, "%s", authConfig.Type)
	}

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)

	if err := provider.ApplyToOutgoingRequest(req, authConfig); err != nil {
		return types.WrapError(err, "failed to apply authentication to request")
	}

	req.Header.VisitAll(func(key, value []byte) {
		opts.Headers[string(key)] = string(value)
	})

	return nil
}

func (m *Manager) initializeClients() error {
	clientConfig := m.config.GetConfig().Client
	if clientConfig == nil || !clientConfig.Enabled {
		m.logger.Info("Client configuration disabled or not found")
		return nil
	}

	if clientConfig.DefaultTimeout > 0 {
		m.clientConfig.DefaultTimeout = clientConfig.DefaultTimeout
	}
	if clientConfig.DefaultRetries > 0 {
		m.clientConfig.DefaultRetries = clientConfig.DefaultRetries
	}
	if clientConfig.CircuitBreaker != nil {
		m.clientConfig.CircuitBreaker = &CircuitBreakerConfig{
			Enabled:          clientConfig.CircuitBreaker.Enabled,
			FailureThreshold: clientConfig.CircuitBreaker.FailureThreshold,
			RecoveryTimeout:  clientConfig.CircuitBreaker.RecoveryTimeout,
			HalfOpenRequests: clientConfig.CircuitBreaker.HalfOpenRequests,
		}
	}

	services := m.config.GetConfig().Services
	if len(services) == 0 {
		m.logger.Info("No upstream services configured")
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for serviceName, serviceConfig := range services {
		addr := serviceConfig
		m.clients[serviceName] = NewHTTPClient(m.ctx, m.logger, serviceName, &ServiceClientConfig{
			BaseURL:        buildBaseURL(&addr),
			Timeout:        m.clientConfig.DefaultTimeout,
			Retries:        m.clientConfig.DefaultRetries,
			CircuitBreaker: m.clientConfig.CircuitBreaker,
		})
		m.serviceConfigs[serviceName] = &addr
	}

	m.logger.Info("HTTP clients initialized",
		zap.Int("client_count", len(m.clients)))
	return nil
}

func buildBaseURL(addr *types.ServiceAddr) string {
	scheme := addr.Scheme
	if scheme == "" {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, addr.Host, addr.Port)
}

func (m *Manager) getServiceConfig(serviceName string) (*types.ServiceAddr, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	config, exists := m.serviceConfigs[serviceName]
	if !exists {
		return nil, types.Errorf(types.ErrClientNotFound, "service config not found: %s", serviceName)
	}

	return config, nil
}

func (m *Manager) getClient(serviceName string) (*HTTPClient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	client, exists := m.clients[serviceName]
	if !exists {
		return nil, types.Errorf(types.ErrClientNotFound, "service: %s", serviceName)
	}

	return client, nil
}

func (m *Manager) record(operation, result, service string, start time.Time) {
	if m.metrics == nil {
		return
	}

	m.metrics.Counter("client_operations_total", map[string]string{
		"operation": operation,
		"result":    result,
		"service":   service,
	}).Inc()

	m.metrics.Histogram("client_operation_duration_seconds",
		[]float64{0.001, 0.01, 0.1, 1.0, 5.0, 10.0, 30.0},
		map[string]string{"operation": operation, "service": service},
	).Observe(time.Since(start).Seconds())
}

func (m *Manager) recordBreakerState(serviceName string, client *HTTPClient) {
	if m.metrics == nil {
		return
	}

	current := client.breakerState()
	for _, state := range []string{"closed", "open", "half-open"} {
		value := 0.0
		if state == current {
			value = 1.0
		}
		m.metrics.Gauge("http_client_circuit_breaker_status", map[string]string{
			"service": serviceName,
			"state":   state,
		}).Set(value)
	}
}
