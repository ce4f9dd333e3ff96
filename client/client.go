package client

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/alesierraalta/LUMONEW-sub011/types"
	"github.com/alesierraalta/LUMONEW-sub011/utils"
)

type ServiceClientConfig struct {
	BaseURL        string                `yaml:"base_url" json:"base_url"`
	Timeout        time.Duration         `yaml:"timeout" json:"timeout"`
	Retries        int                   `yaml:"retries" json:"retries"`
	CircuitBreaker *CircuitBreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker"`
}

// HTTPClient calls one upstream service. It retries transient failures
// with linear backoff and feeds every outcome to its circuit breaker.
type HTTPClient struct {
	ctx            context.Context
	cancel         context.CancelFunc
	logger         types.Logger
	name           string
	client         *fasthttp.Client
	baseURL        string
	config         *ServiceClientConfig
	circuitBreaker *CircuitBreaker
	running        atomic.Bool
}

func NewHTTPClient(ctx context.Context, logger types.Logger, serviceName string, config *ServiceClientConfig) *HTTPClient {
	clientCtx, cancel := context.WithCancel(ctx)

	client := &HTTPClient{
		ctx:    clientCtx,
		cancel: cancel,
		logger: logger,
		name:   serviceName,
		client: &fasthttp.Client{
			ReadTimeout:  config.Timeout,
			WriteTimeout: config.Timeout,
		},
		baseURL:        config.BaseURL,
		config:         config,
		circuitBreaker: NewCircuitBreaker(config.CircuitBreaker, logger, serviceName),
	}
	client.running.Store(true)

	return client
}

func (c *HTTPClient) Call(method, path string, data interface{}, opts *types.CallOptions) ([]byte, int, error) {
	if !c.running.Load() {
		return nil, 500, types.ErrServerNotRunning
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseURL + path)
	req.Header.SetMethod(method)

	if data != nil {
		body, err := utils.Marshal(data)
		if err != nil {
			return nil, 500, types.WrapError(err, "failed to marshal request data")
		}
		req.SetBody(body)
		req.Header.SetContentType("application/json")
	}

	timeout := c.config.Timeout
	retries := c.config.Retries
	if opts != nil {
		for key, value := range opts.Headers {
			req.Header.Set(key, value)
		}
		if opts.Timeout > 0 {
			timeout = opts.Timeout
		}
		if opts.Retry > 0 {
			retries = opts.Retry
		}
	}

	return c.executeWithRetries(req, resp, timeout, retries)
}

func (c *HTTPClient) Close() {
	if !c.running.CompareAndSwap(true, false) {
		return
	}

	c.cancel()
	c.client.CloseIdleConnections()
	c.logger.Debug("HTTP client closed", zap.String("service", c.name))
}

func (c *HTTPClient) IsRunning() bool {
	return c.running.Load()
}

func (c *HTTPClient) breakerState() string {
	return c.circuitBreaker.StateString()
}

func (c *HTTPClient) executeWithRetries(req *fasthttp.Request, resp *fasthttp.Response, timeout time.Duration, maxRetries int) ([]byte, int, error) {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if !c.running.Load() {
			return nil, 500, types.ErrServerNotRunning
		}
		if !c.circuitBreaker.CanExecute() {
			return nil, 500, types.ErrCircuitBreakerOpen
		}

		err := c.client.DoTimeout(req, resp, timeout)
		statusCode := resp.StatusCode()

		if IsSuccessfulResponse(statusCode, err) {
			c.circuitBreaker.RecordSuccess()

			body := make([]byte, len(resp.Body()))
			copy(body, resp.Body())
			return body, statusCode, nil
		}

		if IsCircuitBreakerFailure(statusCode, err) {
			c.circuitBreaker.RecordFailure()
		}

		lastErr = err
		if err == nil {
			lastErr = types.Errorf(types.ErrClientResponseInvalid, "HTTP %d", statusCode)
		}

		if attempt == maxRetries || !IsRetryableError(statusCode, err) {
			break
		}

		backoff := time.Duration(attempt+1) * time.Second
		select {
		case <-time.After(backoff):
			c.logger.Debug("Retrying request",
				zap.String("service", c.name),
				zap.Duration("backoff", backoff),
				zap.Error(lastErr))
		case <-c.ctx.Done():
			return nil, 500, types.NewErrorf("client shutting down during retry for service: %s", c.name)
		}
	}

	return nil, 500, types.Errorf(types.ErrClientRequestFailed, "service %s: %v", c.name, lastErr)
}
