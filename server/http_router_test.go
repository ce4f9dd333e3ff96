package server

import (
	"testing"

	"github.com/valyala/fasthttp"

	"github.com/alesierraalta/LUMONEW-sub011/types"
	"github.com/alesierraalta/LUMONEW-sub011/utils"
)

type passServer struct{}

func (s *passServer) Start() error    { return nil }
func (s *passServer) Stop() error     { return nil }
func (s *passServer) IsRunning() bool { return true }
func (s *passServer) HandleRequest(ctx *fasthttp.RequestCtx, handler types.FastHTTPHandler, config *types.RouteConfig) {
	handler(ctx)
}

func newRouterCtx(method, path string) *fasthttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(path)
	return ctx
}

func TestRouterMatchesStaticRoute(t *testing.T) {
	r, _ := NewFastHTTPRouter()

	hit := false
	r.Add("GET", "/api/v1/items", func(ctx *fasthttp.RequestCtx) { hit = true }, &types.RouteConfig{})

	ctx := newRouterCtx("GET", "/api/v1/items")
	r.Handler(ctx, &passServer{})

	if !hit {
		t.Fatal("static route handler was not called")
	}
}

func TestRouterCapturesPathParameter(t *testing.T) {
	r, _ := NewFastHTTPRouter()

	var gotID string
	r.Add("DELETE", "/api/v1/webhooks/{id}", func(ctx *fasthttp.RequestCtx) {
		gotID = utils.RouteParam(ctx, "id")
	}, &types.RouteConfig{})

	ctx := newRouterCtx("DELETE", "/api/v1/webhooks/sub_42")
	r.Handler(ctx, &passServer{})

	if gotID != "sub_42" {
		t.Fatalf("captured id = %q, want %q", gotID, "sub_42")
	}
}

func TestRouterPrefersStaticOverParam(t *testing.T) {
	r, _ := NewFastHTTPRouter()

	var matched string
	r.Add("GET", "/api/v1/items/{id}", func(ctx *fasthttp.RequestCtx) { matched = "param" }, &types.RouteConfig{})
	r.Add("GET", "/api/v1/items/stats", func(ctx *fasthttp.RequestCtx) { matched = "static" }, &types.RouteConfig{})

	r.Handler(newRouterCtx("GET", "/api/v1/items/stats"), &passServer{})
	if matched != "static" {
		t.Fatalf("matched %q, want static branch", matched)
	}

	r.Handler(newRouterCtx("GET", "/api/v1/items/42"), &passServer{})
	if matched != "param" {
		t.Fatalf("matched %q, want param branch", matched)
	}
}

func TestRouterRejectsUnknownRoutes(t *testing.T) {
	r, _ := NewFastHTTPRouter()
	r.Add("GET", "/api/v1/items", func(ctx *fasthttp.RequestCtx) {}, &types.RouteConfig{})

	ctx := newRouterCtx("GET", "/api/v1/missing")
	r.Handler(ctx, &passServer{})
	if ctx.Response.StatusCode() != fasthttp.StatusNotFound {
		t.Fatalf("unknown path status = %d, want 404", ctx.Response.StatusCode())
	}

	ctx = newRouterCtx("TRACE", "/api/v1/items")
	r.Handler(ctx, &passServer{})
	if ctx.Response.StatusCode() != fasthttp.StatusMethodNotAllowed {
		t.Fatalf("unknown method status = %d, want 405", ctx.Response.StatusCode())
	}
}

func TestGetAllRoutesListsStaticAndParamRoutes(t *testing.T) {
	r, _ := NewFastHTTPRouter()
	r.Add("GET", "/api/v1/items", func(ctx *fasthttp.RequestCtx) {}, &types.RouteConfig{})
	r.Add("DELETE", "/api/v1/webhooks/{id}", func(ctx *fasthttp.RequestCtx) {}, &types.RouteConfig{})

	routes := r.GetAllRoutes()
	if _, ok := routes["GET:/api/v1/items"]; !ok {
		t.Fatalf("static route missing from %v", routes)
	}
	if _, ok := routes["DELETE:/api/v1/webhooks/{id}"]; !ok {
		t.Fatalf("param route missing from %v", routes)
	}
}
