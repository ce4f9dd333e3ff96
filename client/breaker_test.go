package client

import (
	"context"
	"syscall"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/alesierraalta/LUMONEW-sub011/logger"
)

func newTestBreaker(threshold, halfOpen int, recovery time.Duration) *CircuitBreaker {
	cfg := &CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: threshold,
		RecoveryTimeout:  recovery,
		HalfOpenRequests: halfOpen,
	}
	return NewCircuitBreaker(cfg, logger.NewZapWrapper(zap.NewNop()), "inventory")
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	cb := newTestBreaker(3, 1, time.Hour)

	for i := 0; i < 2; i++ {
		cb.RecordFailure()
	}
	if !cb.CanExecute() {
		t.Fatal("breaker opened before reaching the failure threshold")
	}

	cb.RecordFailure()
	if cb.CanExecute() {
		t.Fatal("breaker still admits requests after the failure threshold")
	}
	if got := cb.StateString(); got != "open" {
		t.Fatalf("state = %q, want open", got)
	}
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	cb := newTestBreaker(1, 2, 10*time.Millisecond)

	cb.RecordFailure()
	if cb.CanExecute() {
		t.Fatal("breaker did not open on failure")
	}

	time.Sleep(20 * time.Millisecond)
	if !cb.CanExecute() {
		t.Fatal("breaker did not admit a trial request after the recovery timeout")
	}
	if got := cb.StateString(); got != "half-open" {
		t.Fatalf("state = %q, want half-open", got)
	}

	cb.RecordSuccess()
	cb.RecordSuccess()
	if got := cb.StateString(); got != "closed" {
		t.Fatalf("state after recovery = %q, want closed", got)
	}
}

func TestBreakerReopensOnTrialFailure(t *testing.T) {
	cb := newTestBreaker(1, 3, 10*time.Millisecond)

	cb.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	if !cb.CanExecute() {
		t.Fatal("breaker did not admit a trial request")
	}

	cb.RecordFailure()
	if cb.CanExecute() {
		t.Fatal("breaker admits requests right after a failed trial")
	}
	if got := cb.StateString(); got != "open" {
		t.Fatalf("state = %q, want open", got)
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	cb := newTestBreaker(2, 1, time.Hour)

	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	if !cb.CanExecute() {
		t.Fatal("non-consecutive failures tripped the breaker")
	}
}

func TestDisabledBreakerAlwaysAdmits(t *testing.T) {
	cb := NewCircuitBreaker(nil, logger.NewZapWrapper(zap.NewNop()), "inventory")

	for i := 0; i < 10; i++ {
		cb.RecordFailure()
	}
	if !cb.CanExecute() {
		t.Fatal("disabled breaker rejected a request")
	}
}

func TestFailureClassification(t *testing.T) {
	if !IsCircuitBreakerFailure(0, syscall.ECONNREFUSED) {
		t.Error("connection refused should count as a breaker failure")
	}
	if !IsCircuitBreakerFailure(503, nil) {
		t.Error("503 should count as a breaker failure")
	}
	if IsCircuitBreakerFailure(404, nil) {
		t.Error("404 should not count as a breaker failure")
	}
	if IsCircuitBreakerFailure(200, nil) {
		t.Error("200 should not count as a breaker failure")
	}

	if !IsSuccessfulResponse(201, nil) {
		t.Error("201 should be successful")
	}
	if !IsSuccessfulResponse(404, nil) {
		t.Error("404 is the upstream answering and should be successful")
	}
	if IsSuccessfulResponse(429, nil) {
		t.Error("429 should not be successful")
	}
	if IsSuccessfulResponse(200, context.DeadlineExceeded) {
		t.Error("a transport error can never be successful")
	}
}

func TestRetryClassification(t *testing.T) {
	if !IsRetryableError(0, context.DeadlineExceeded) {
		t.Error("deadline exceeded should be retryable")
	}
	if !IsRetryableError(502, nil) {
		t.Error("502 should be retryable")
	}
	if !IsRetryableError(429, nil) {
		t.Error("429 should be retryable")
	}
	if IsRetryableError(400, nil) {
		t.Error("400 should not be retryable")
	}
}
