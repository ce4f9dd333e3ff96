package client

import (
	"context"
	"errors"
	"net"
	"net/url"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/alesierraalta/LUMONEW-sub011/types"
)

type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled" json:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout" json:"recovery_timeout"`
	HalfOpenRequests int           `yaml:"half_open_requests" json:"half_open_requests"`
}

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// CircuitBreaker guards one upstream service. Consecutive failures trip
// it open; after RecoveryTimeout it admits trial requests, and
// HalfOpenRequests consecutive successes close it again.
type CircuitBreaker struct {
	logger  types.Logger
	service string
	config  *CircuitBreakerConfig

	mu          sync.Mutex
	state       breakerState
	failures    int
	successes   int
	lastFailure time.Time
}

func NewCircuitBreaker(config *CircuitBreakerConfig, logger types.Logger, serviceName string) *CircuitBreaker {
	if config == nil {
		config = &CircuitBreakerConfig{Enabled: false}
	}

	return &CircuitBreaker{
		logger:  logger,
		service: serviceName,
		config:  config,
	}
}

func (cb *CircuitBreaker) CanExecute() bool {
	if !cb.config.Enabled {
		return true
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if time.Since(cb.lastFailure) < cb.config.RecoveryTimeout {
			return false
		}
		cb.state = breakerHalfOpen
		cb.successes = 0
		cb.logger.Info("Circuit breaker half-open, admitting trial requests",
			zap.String("service", cb.service))
		return true
	default:
		return true
	}
}

func (cb *CircuitBreaker) RecordSuccess() {
	if !cb.config.Enabled {
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case breakerClosed:
		cb.failures = 0
	case breakerHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.HalfOpenRequests {
			cb.state = breakerClosed
			cb.failures = 0
			cb.logger.Info("Circuit breaker closed after recovery",
				zap.String("service", cb.service))
		}
	}
}

func (cb *CircuitBreaker) RecordFailure() {
	if !cb.config.Enabled {
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailure = time.Now()

	switch cb.state {
	case breakerClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.state = breakerOpen
			cb.logger.Warn("Circuit breaker opened",
				zap.String("service", cb.service),
				zap.Int("failures", cb.failures))
		}
	case breakerHalfOpen:
		cb.state = breakerOpen
		cb.logger.Warn("Circuit breaker reopened, trial request failed",
			zap.String("service", cb.service))
	}
}

func (cb *CircuitBreaker) StateString() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state.String()
}

func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = breakerClosed
	cb.failures = 0
	cb.successes = 0
}

// IsSuccessfulResponse treats 2xx as success, and also 4xx other than
// 429 and 408. A well-formed client error is the upstream answering,
// not failing.
func IsSuccessfulResponse(statusCode int, err error) bool {
	if err != nil {
		return false
	}
	if statusCode >= 200 && statusCode < 300 {
		return true
	}
	if statusCode >= 400 && statusCode < 500 {
		return statusCode != 429 && statusCode != 408
	}
	return false
}

// IsCircuitBreakerFailure reports whether the outcome should count
// against the breaker: transport errors, and the status codes that
// signal an unhealthy upstream.
func IsCircuitBreakerFailure(statusCode int, err error) bool {
	if err != nil {
		return true
	}

	switch statusCode {
	case 429, 408:
		return true
	}
	return statusCode >= 500
}

func IsRetryableError(statusCode int, err error) bool {
	if err != nil {
		return isNetworkError(err)
	}
	switch statusCode {
	case 429, 408:
		return true
	}
	return statusCode >= 500
}

func isNetworkError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return isNetworkError(urlErr.Err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.ECONNABORTED,
			syscall.EHOSTUNREACH, syscall.ENETUNREACH, syscall.ETIMEDOUT:
			return true
		}
	}

	var opErr *net.OpError
	return errors.As(err, &opErr)
}
