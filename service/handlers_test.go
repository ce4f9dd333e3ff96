package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/alesierraalta/LUMONEW-sub011/audit"
	"github.com/alesierraalta/LUMONEW-sub011/logger"
	"github.com/alesierraalta/LUMONEW-sub011/optimizer"
	"github.com/alesierraalta/LUMONEW-sub011/types"
	"github.com/alesierraalta/LUMONEW-sub011/utils"
)

type upstreamCall struct {
	service string
	method  string
	path    string
	data    interface{}
}

type fakeUpstream struct {
	mu         sync.Mutex
	calls      []upstreamCall
	body       []byte
	statusCode int
	err        error
}

func (c *fakeUpstream) Start() error    { return nil }
func (c *fakeUpstream) Stop() error     { return nil }
func (c *fakeUpstream) IsRunning() bool { return true }

func (c *fakeUpstream) Call(serviceName, method, path string, data interface{}, opts *types.CallOptions) ([]byte, int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, upstreamCall{service: serviceName, method: method, path: path, data: data})
	if c.err != nil {
		return nil, 0, c.err
	}
	status := c.statusCode
	if status == 0 {
		status = 200
	}
	return c.body, status, nil
}

func (c *fakeUpstream) lastCall(t *testing.T) upstreamCall {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.calls) == 0 {
		t.Fatal("no upstream call was made")
	}
	return c.calls[len(c.calls)-1]
}

// passthroughOptimizer runs the miss path directly and records which
// operations and invalidation patterns it saw.
type passthroughOptimizer struct {
	mu          sync.Mutex
	operations  []string
	patterns    []string
	invalidated int
}

func (o *passthroughOptimizer) Start() error    { return nil }
func (o *passthroughOptimizer) Stop() error     { return nil }
func (o *passthroughOptimizer) IsRunning() bool { return true }

func (o *passthroughOptimizer) Do(ctx context.Context, operationID, query string, fn types.QueryFunc) (interface{}, error) {
	o.mu.Lock()
	o.operations = append(o.operations, operationID)
	o.mu.Unlock()
	return fn(ctx)
}

func (o *passthroughOptimizer) Estimate(query string) types.CostEstimate { return types.CostEstimate{} }
func (o *passthroughOptimizer) Record(sample types.MetricSample)         {}
func (o *passthroughOptimizer) Analytics() types.QueryAnalytics {
	return types.QueryAnalytics{TotalQueries: 7}
}

func (o *passthroughOptimizer) InvalidateOperation(pattern string) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.patterns = append(o.patterns, pattern)
	return o.invalidated, nil
}

func (o *passthroughOptimizer) sawPattern(pattern string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, p := range o.patterns {
		if p == pattern {
			return true
		}
	}
	return false
}

type fakeGatewayCache struct {
	mu       sync.Mutex
	patterns []string
	removed  int
	entries  int
}

func (c *fakeGatewayCache) Start() error    { return nil }
func (c *fakeGatewayCache) Stop() error     { return nil }
func (c *fakeGatewayCache) IsRunning() bool { return true }

func (c *fakeGatewayCache) Get(key string) (interface{}, bool) { return nil, false }
func (c *fakeGatewayCache) Set(key string, value interface{}, ttl time.Duration) error {
	return nil
}
func (c *fakeGatewayCache) Delete(key string) error                 { return nil }
func (c *fakeGatewayCache) Invalidate(keys ...string) error         { return nil }
func (c *fakeGatewayCache) GetRevision(key string) uint64           { return 0 }
func (c *fakeGatewayCache) SetRevision(key string, revision uint64) {}
func (c *fakeGatewayCache) Len() int                                { return c.entries }

func (c *fakeGatewayCache) BuildCacheKey(requestPath string, dependencies []string, metadata map[string]string) string {
	return requestPath
}

func (c *fakeGatewayCache) InvalidatePattern(pattern string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.patterns = append(c.patterns, pattern)
	return c.removed, nil
}

func (c *fakeGatewayCache) sawPattern(pattern string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.patterns {
		if p == pattern {
			return true
		}
	}
	return false
}

type immediateTicket struct {
	result interface{}
	err    error
}

func (t *immediateTicket) Wait(ctx context.Context) (interface{}, error) { return t.result, t.err }
func (t *immediateTicket) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type fakeGatewayBatcher struct {
	mu       sync.Mutex
	requests []*types.BatchRequest
	result   interface{}
}

func (b *fakeGatewayBatcher) Start() error              { return nil }
func (b *fakeGatewayBatcher) Stop() error               { return nil }
func (b *fakeGatewayBatcher) IsRunning() bool           { return true }
func (b *fakeGatewayBatcher) Stats() types.BatcherStats { return types.BatcherStats{} }

func (b *fakeGatewayBatcher) Enqueue(ctx context.Context, request *types.BatchRequest) (types.BatchTicket, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests = append(b.requests, request)
	return &immediateTicket{result: b.result}, nil
}

type gatewayFixture struct {
	gateway   *Gateway
	upstream  *fakeUpstream
	optimizer *passthroughOptimizer
	cache     *fakeGatewayCache
	audit     types.AuditManager
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()

	log := logger.NewZapWrapper(zap.NewNop())

	auditStore, err := audit.NewMemoryStore(context.Background(), log, &types.AuditConfig{Enabled: true, Type: "memory"})
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	if err := auditStore.Start(); err != nil {
		t.Fatalf("audit Start: %v", err)
	}
	t.Cleanup(func() { auditStore.Stop() })

	upstream := &fakeUpstream{}
	optimizer := &passthroughOptimizer{}
	cache := &fakeGatewayCache{}

	return &gatewayFixture{
		gateway:   NewGateway(log, upstream, nil, optimizer, cache, auditStore, nil),
		upstream:  upstream,
		optimizer: optimizer,
		cache:     cache,
		audit:     auditStore,
	}
}

func newRequestCtx(method, uri string, body []byte) *fasthttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(uri)
	if body != nil {
		ctx.Request.SetBody(body)
	}
	return ctx
}

func decodeEnvelope(t *testing.T, ctx *fasthttp.RequestCtx) *envelope {
	t.Helper()

	var resp envelope
	if err := utils.Unmarshal(ctx.Response.Body(), &resp); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, ctx.Response.Body())
	}
	return &resp
}

func TestGatewayQueryRunsThroughOptimizer(t *testing.T) {
	f := newGatewayFixture(t)
	f.upstream.body = []byte(`{"items":[{"id":1}]}`)

	ctx := newRequestCtx("POST", "/api/v1/query", []byte(`{
		"operation_id": "items:list:all",
		"query": "SELECT * FROM items",
		"endpoint": "/api/v1/items"
	}`))
	f.gateway.handleQuery(ctx)

	if got := ctx.Response.StatusCode(); got != fasthttp.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", got, ctx.Response.Body())
	}
	resp := decodeEnvelope(t, ctx)
	if !resp.Success {
		t.Fatalf("success = false, error %q", resp.Error)
	}

	if len(f.optimizer.operations) != 1 || f.optimizer.operations[0] != "items:list:all" {
		t.Fatalf("optimizer operations = %v", f.optimizer.operations)
	}

	call := f.upstream.lastCall(t)
	if call.service != "inventory" || call.method != "GET" || call.path != "/api/v1/items" {
		t.Fatalf("upstream call = %+v", call)
	}
}

func TestGatewayQueryValidatesPayload(t *testing.T) {
	f := newGatewayFixture(t)

	ctx := newRequestCtx("POST", "/api/v1/query", []byte(`{"query": "SELECT 1"}`))
	f.gateway.handleQuery(ctx)

	if got := ctx.Response.StatusCode(); got != fasthttp.StatusBadRequest {
		t.Fatalf("status = %d, want 400", got)
	}
	if resp := decodeEnvelope(t, ctx); resp.Success {
		t.Fatal("success must be false for an invalid payload")
	}
}

func TestGatewayQueryBatchRidesTheWindow(t *testing.T) {
	f := newGatewayFixture(t)
	batcher := &fakeGatewayBatcher{result: map[string]interface{}{"id": float64(9)}}
	f.gateway.batcher = batcher

	ctx := newRequestCtx("POST", "/api/v1/query", []byte(`{
		"operation_id": "items:get:9",
		"endpoint": "/api/v1/items/item",
		"params": {"id": 9},
		"priority": "high",
		"batch": true
	}`))
	f.gateway.handleQuery(ctx)

	resp := decodeEnvelope(t, ctx)
	if !resp.Success {
		t.Fatalf("success = false, error %q", resp.Error)
	}

	if len(batcher.requests) != 1 {
		t.Fatalf("batched requests = %d, want 1", len(batcher.requests))
	}
	req := batcher.requests[0]
	if req.Endpoint != "inventory/api/v1/items/item" {
		t.Fatalf("endpoint = %s", req.Endpoint)
	}
	if req.Priority != types.PriorityHigh {
		t.Fatalf("priority = %v, want high", req.Priority)
	}
	if len(f.upstream.calls) != 0 {
		t.Fatal("batched queries must not call upstream directly")
	}
}

func TestGatewayResourceListUsesOperationKey(t *testing.T) {
	f := newGatewayFixture(t)
	f.upstream.body = []byte(`[{"id":1},{"id":2}]`)

	ctx := newRequestCtx("GET", "/api/v1/items?page=2&limit=10", nil)
	f.gateway.handleResourceList(ctx, "items")

	resp := decodeEnvelope(t, ctx)
	if !resp.Success {
		t.Fatalf("success = false, error %q", resp.Error)
	}

	if len(f.optimizer.operations) != 1 {
		t.Fatalf("operations = %v", f.optimizer.operations)
	}
	op := f.optimizer.operations[0]
	if !strings.HasPrefix(op, "items:list:") || !strings.Contains(op, "page=2") {
		t.Fatalf("operation id = %q", op)
	}
}

func TestGatewayResourceGetRequiresID(t *testing.T) {
	f := newGatewayFixture(t)

	ctx := newRequestCtx("GET", "/api/v1/items/item", nil)
	f.gateway.handleResourceGet(ctx, "items")

	if got := ctx.Response.StatusCode(); got != fasthttp.StatusBadRequest {
		t.Fatalf("status = %d, want 400", got)
	}
}

func TestGatewayResourceGetCoalescesThroughBatcher(t *testing.T) {
	f := newGatewayFixture(t)
	batcher := &fakeGatewayBatcher{result: map[string]interface{}{"id": "42"}}
	f.gateway.batcher = batcher

	ctx := newRequestCtx("GET", "/api/v1/items/item?id=42", nil)
	f.gateway.handleResourceGet(ctx, "items")

	resp := decodeEnvelope(t, ctx)
	if !resp.Success {
		t.Fatalf("success = false, error %q", resp.Error)
	}

	if len(batcher.requests) != 1 {
		t.Fatalf("batched requests = %d, want 1", len(batcher.requests))
	}
	req := batcher.requests[0]
	if req.Endpoint != "inventory/api/v1/items/item" || req.Params["id"] != "42" {
		t.Fatalf("request = %+v", req)
	}
}

func TestGatewayMutationInvalidatesAndAudits(t *testing.T) {
	f := newGatewayFixture(t)
	f.upstream.body = []byte(`{"id":"42","name":"renamed"}`)

	ctx := newRequestCtx("PUT", "/api/v1/items/item?id=42", []byte(`{"name":"renamed"}`))
	ctx.Request.Header.Set("X-User-ID", "alice")
	f.gateway.handleResourceMutation(ctx, "items", "PUT", "/api/v1/items/item")

	resp := decodeEnvelope(t, ctx)
	if !resp.Success {
		t.Fatalf("success = false, error %q", resp.Error)
	}

	call := f.upstream.lastCall(t)
	if call.method != "PUT" || call.path != "/api/v1/items/item?id=42" {
		t.Fatalf("upstream call = %+v", call)
	}

	if !f.cache.sawPattern("^items:") {
		t.Fatalf("cache patterns = %v, want ^items:", f.cache.patterns)
	}
	if !f.optimizer.sawPattern("^items:") {
		t.Fatalf("optimizer patterns = %v, want ^items:", f.optimizer.patterns)
	}

	entries, err := f.audit.Query(context.Background(), &types.AuditFilter{Resource: "items"})
	if err != nil {
		t.Fatalf("audit Query: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.Actor != "alice" || e.Action != "put" || e.RecordID != "42" {
		t.Fatalf("audit entry = %+v", e)
	}
}

func TestGatewayMutationSurfacesUpstreamStatus(t *testing.T) {
	f := newGatewayFixture(t)
	f.upstream.statusCode = 409

	ctx := newRequestCtx("POST", "/api/v1/items", []byte(`{"name":"dup"}`))
	f.gateway.handleResourceMutation(ctx, "items", "POST", "/api/v1/items")

	if got := ctx.Response.StatusCode(); got != 409 {
		t.Fatalf("status = %d, want 409", got)
	}
	if f.cache.sawPattern("^items:") {
		t.Fatal("failed mutations must not invalidate the cache")
	}
	total, _ := f.audit.Count(context.Background(), nil)
	if total != 0 {
		t.Fatalf("audit entries = %d, want 0 after a failed mutation", total)
	}
}

func TestGatewayInvalidateSumsRemovals(t *testing.T) {
	f := newGatewayFixture(t)
	f.cache.removed = 3
	f.optimizer.invalidated = 2

	ctx := newRequestCtx("POST", "/api/v1/invalidate", []byte(`{"pattern":"^items:"}`))
	f.gateway.handleInvalidate(ctx)

	resp := decodeEnvelope(t, ctx)
	if !resp.Success {
		t.Fatalf("success = false, error %q", resp.Error)
	}
	data, ok := resp.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("data type = %T", resp.Data)
	}
	if removed, _ := data["removed"].(float64); removed != 5 {
		t.Fatalf("removed = %v, want 5", data["removed"])
	}

	if !f.cache.sawPattern("^items:") || !f.optimizer.sawPattern("^items:") {
		t.Fatal("pattern must reach both caches")
	}
}

func TestGatewayAuditQueryFilters(t *testing.T) {
	f := newGatewayFixture(t)

	for _, spec := range []struct{ actor, action, resource string }{
		{"alice", "put", "items"},
		{"alice", "delete", "items"},
		{"bob", "post", "categories"},
	} {
		err := f.audit.Record(context.Background(), &types.AuditEntry{
			Actor:    spec.actor,
			Action:   spec.action,
			Resource: spec.resource,
		})
		if err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	ctx := newRequestCtx("GET", "/api/v1/audit?actor=alice&resource=items", nil)
	f.gateway.handleAuditQuery(ctx)

	resp := decodeEnvelope(t, ctx)
	if !resp.Success {
		t.Fatalf("success = false, error %q", resp.Error)
	}
	data, ok := resp.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("data type = %T", resp.Data)
	}
	if total, _ := data["total"].(float64); total != 2 {
		t.Fatalf("total = %v, want 2", data["total"])
	}
}

// storingCache is a minimal cache that actually holds values, so the
// real optimizer's hit path is observable.
type storingCache struct {
	mu   sync.Mutex
	data map[string]interface{}
}

func newStoringCache() *storingCache {
	return &storingCache{data: make(map[string]interface{})}
}

func (c *storingCache) Start() error    { return nil }
func (c *storingCache) Stop() error     { return nil }
func (c *storingCache) IsRunning() bool { return true }

func (c *storingCache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	value, ok := c.data[key]
	return value, ok
}

func (c *storingCache) Set(key string, value interface{}, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *storingCache) Delete(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

func (c *storingCache) Invalidate(keys ...string) error { return nil }

func (c *storingCache) InvalidatePattern(pattern string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := len(c.data)
	c.data = make(map[string]interface{})
	return removed, nil
}

func (c *storingCache) GetRevision(key string) uint64           { return 0 }
func (c *storingCache) SetRevision(key string, revision uint64) {}

func (c *storingCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

func (c *storingCache) BuildCacheKey(requestPath string, dependencies []string, metadata map[string]string) string {
	key := requestPath
	for _, dep := range dependencies {
		key += "|" + dep
	}
	for k, v := range metadata {
		key += "|" + k + "=" + v
	}
	return key
}

// The resource read handlers must work against the real optimizer, not
// just a stand-in: proxied reads pass an empty query string and still
// have to reach the upstream and get cached.
func TestGatewayReadsThroughRealOptimizer(t *testing.T) {
	log := logger.NewZapWrapper(zap.NewNop())
	cache := newStoringCache()

	opt, err := optimizer.NewOptimizer(context.Background(), log, &types.OptimizerConfig{
		Enabled:        true,
		SampleCapacity: 1000,
		TopN:           10,
		MinTTL:         time.Minute,
		MaxTTL:         30 * time.Minute,
	}, cache)
	if err != nil {
		t.Fatalf("NewOptimizer: %v", err)
	}
	if err := opt.Start(); err != nil {
		t.Fatalf("optimizer Start: %v", err)
	}
	t.Cleanup(func() { opt.Stop() })

	upstream := &fakeUpstream{body: []byte(`[{"id":1},{"id":2}]`)}
	g := NewGateway(log, upstream, nil, opt, cache, nil, nil)

	ctx := newRequestCtx("GET", "/api/v1/items?page=1", nil)
	g.handleResourceList(ctx, "items")
	if resp := decodeEnvelope(t, ctx); !resp.Success {
		t.Fatalf("list failed: %q", resp.Error)
	}
	if len(upstream.calls) != 1 {
		t.Fatalf("upstream calls = %d, want 1", len(upstream.calls))
	}

	ctx = newRequestCtx("GET", "/api/v1/items?page=1", nil)
	g.handleResourceList(ctx, "items")
	if resp := decodeEnvelope(t, ctx); !resp.Success {
		t.Fatalf("cached list failed: %q", resp.Error)
	}
	if len(upstream.calls) != 1 {
		t.Fatalf("upstream calls = %d, want 1 after a cache hit", len(upstream.calls))
	}

	upstream.body = []byte(`{"id":7}`)
	ctx = newRequestCtx("GET", "/api/v1/items/item?id=7", nil)
	g.handleResourceGet(ctx, "items")
	if resp := decodeEnvelope(t, ctx); !resp.Success {
		t.Fatalf("get failed: %q", resp.Error)
	}
	if len(upstream.calls) != 2 {
		t.Fatalf("upstream calls = %d, want 2", len(upstream.calls))
	}

	analytics := opt.Analytics()
	if analytics.TotalQueries != 3 {
		t.Fatalf("TotalQueries = %d, want 3", analytics.TotalQueries)
	}
}

func TestGatewayAnalyticsIncludesCacheSize(t *testing.T) {
	f := newGatewayFixture(t)
	f.cache.entries = 12

	ctx := newRequestCtx("GET", "/api/v1/analytics", nil)
	f.gateway.handleAnalytics(ctx)

	resp := decodeEnvelope(t, ctx)
	if !resp.Success {
		t.Fatalf("success = false, error %q", resp.Error)
	}
	data, ok := resp.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("data type = %T", resp.Data)
	}
	if entries, _ := data["cache_entries"].(float64); entries != 12 {
		t.Fatalf("cache_entries = %v, want 12", data["cache_entries"])
	}
	if _, ok := data["queries"]; !ok {
		t.Fatal("analytics payload must include query stats")
	}
}
