package middleware

import (
	"context"
	"testing"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/alesierraalta/LUMONEW-sub011/logger"
	"github.com/alesierraalta/LUMONEW-sub011/types"
)

type staticConfig struct {
	cfg *types.ServiceConfig
}

func (c *staticConfig) Load() error                     { return nil }
func (c *staticConfig) GetConfig() *types.ServiceConfig { return c.cfg }
func (c *staticConfig) Start() error                    { return nil }
func (c *staticConfig) Stop() error                     { return nil }
func (c *staticConfig) IsRunning() bool                 { return true }
func (c *staticConfig) GetAs(string, interface{}) error { return nil }
func (c *staticConfig) GetValue(_ string, def interface{}) interface{} {
	return def
}

type markerMiddleware struct {
	name   string
	weight int
	trace  *[]string
}

func (m *markerMiddleware) Name() string { return m.name }
func (m *markerMiddleware) Weight() int  { return m.weight }
func (m *markerMiddleware) Handle(ctx *fasthttp.RequestCtx, next func(*fasthttp.RequestCtx), _ *types.RouteConfig) {
	*m.trace = append(*m.trace, m.name)
	next(ctx)
}

func newTestChainManager(t *testing.T, trace *[]string, middlewares ...*markerMiddleware) *Manager {
	t.Helper()

	cfg := &staticConfig{cfg: &types.ServiceConfig{}}
	m, err := NewManager(context.Background(), cfg, logger.NewZapWrapper(zap.NewNop()), nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	for _, mw := range middlewares {
		mw.trace = trace
		if err := m.Register(mw); err != nil {
			t.Fatalf("Register(%s): %v", mw.name, err)
		}
	}
	if err := m.RegisterMiddlewares(); err != nil {
		t.Fatalf("RegisterMiddlewares: %v", err)
	}
	return m
}

func TestExecuteRunsChainInWeightOrder(t *testing.T) {
	var trace []string
	m := newTestChainManager(t, &trace,
		&markerMiddleware{name: "cache", weight: 50},
		&markerMiddleware{name: "recovery", weight: 10},
		&markerMiddleware{name: "logging", weight: 20},
	)

	var handled bool
	m.Execute(&fasthttp.RequestCtx{}, func(*fasthttp.RequestCtx) { handled = true }, nil)

	if !handled {
		t.Fatal("handler was not invoked")
	}
	want := []string{"recovery", "logging", "cache"}
	if len(trace) != len(want) {
		t.Fatalf("chain trace = %v, want %v", trace, want)
	}
	for i := range want {
		if trace[i] != want[i] {
			t.Fatalf("chain trace = %v, want %v", trace, want)
		}
	}
}

func TestDisabledMiddlewareMatchingIgnoresCaseAndHyphens(t *testing.T) {
	var trace []string
	m := newTestChainManager(t, &trace,
		&markerMiddleware{name: "body-limit", weight: 10},
		&markerMiddleware{name: "cache", weight: 20},
	)

	config := &types.RouteConfig{DisabledMiddlewares: []string{"BodyLimit", "Cache"}}
	m.Execute(&fasthttp.RequestCtx{}, func(*fasthttp.RequestCtx) {}, config)

	if len(trace) != 0 {
		t.Fatalf("disabled middlewares still ran: %v", trace)
	}
}

func TestDuplicateWeightRejected(t *testing.T) {
	cfg := &staticConfig{cfg: &types.ServiceConfig{}}
	m, err := NewManager(context.Background(), cfg, logger.NewZapWrapper(zap.NewNop()), nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	var trace []string
	if err := m.Register(&markerMiddleware{name: "a", weight: 10, trace: &trace}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := m.Register(&markerMiddleware{name: "b", weight: 10, trace: &trace}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := m.RegisterMiddlewares(); err == nil {
		t.Fatal("expected duplicate weight error")
	}
}

func TestRegisterAfterFinalizationFails(t *testing.T) {
	var trace []string
	m := newTestChainManager(t, &trace, &markerMiddleware{name: "recovery", weight: 10})

	if err := m.Register(&markerMiddleware{name: "late", weight: 20, trace: &trace}); err == nil {
		t.Fatal("expected registration after finalization to fail")
	}
}

func TestExecuteWithoutFinalizationCallsHandlerDirectly(t *testing.T) {
	cfg := &staticConfig{cfg: &types.ServiceConfig{}}
	m, err := NewManager(context.Background(), cfg, logger.NewZapWrapper(zap.NewNop()), nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	var handled bool
	m.Execute(&fasthttp.RequestCtx{}, func(*fasthttp.RequestCtx) { handled = true }, nil)
	if !handled {
		t.Fatal("handler was not invoked")
	}
}
