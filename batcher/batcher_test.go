package batcher

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/alesierraalta/LUMONEW-sub011/logger"
	"github.com/alesierraalta/LUMONEW-sub011/types"
)

type fakeTimer struct {
	mu      sync.Mutex
	ch      chan time.Time
	at      time.Time
	stopped bool
}

func (t *fakeTimer) C() <-chan time.Time {
	return t.ch
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	wasRunning := !t.stopped
	t.stopped = true
	return wasRunning
}

func (t *fakeTimer) fire(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.stopped = true
	t.ch <- now
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) NewTimer(d time.Duration) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	timer := &fakeTimer{ch: make(chan time.Time, 1), at: c.now.Add(d)}
	c.timers = append(c.timers, timer)
	return timer
}

// Advance moves the clock forward and fires every timer whose deadline
// has passed.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	due := make([]*fakeTimer, 0, len(c.timers))
	for _, timer := range c.timers {
		if !timer.at.After(now) {
			due = append(due, timer)
		}
	}
	c.mu.Unlock()

	for _, timer := range due {
		timer.fire(now)
	}
}

type fakeDispatcher struct {
	mu          sync.Mutex
	batches     [][]*types.BatchRequest
	dispatched  []string
	prepareErr  error
	dispatchErr map[string]error
	results     map[string]interface{}
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{
		dispatchErr: make(map[string]error),
		results:     make(map[string]interface{}),
	}
}

func (d *fakeDispatcher) Prepare(ctx context.Context, method, endpoint string, requests []*types.BatchRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	batch := make([]*types.BatchRequest, len(requests))
	copy(batch, requests)
	d.batches = append(d.batches, batch)
	return d.prepareErr
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, request *types.BatchRequest) (interface{}, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dispatched = append(d.dispatched, request.ID)
	if err, ok := d.dispatchErr[request.ID]; ok {
		return nil, err
	}
	if result, ok := d.results[request.ID]; ok {
		return result, nil
	}
	return request.ID, nil
}

func (d *fakeDispatcher) batchCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.batches)
}

func (d *fakeDispatcher) batch(i int) []*types.BatchRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.batches[i]
}

func (d *fakeDispatcher) dispatchCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dispatched)
}

func defaultBatcherConfig() *types.BatcherConfig {
	return &types.BatcherConfig{
		Enabled:      true,
		Window:       50 * time.Millisecond,
		MaxBatchSize: 10,
		Deduplicate:  true,
	}
}

func newTestBatcher(t *testing.T, config *types.BatcherConfig, dispatcher types.BatchDispatcher) (*Batcher, *fakeClock) {
	t.Helper()

	clock := newFakeClock()
	b, err := NewBatcher(context.Background(), logger.NewZapWrapper(zap.NewNop()), config, dispatcher, clock)
	if err != nil {
		t.Fatalf("NewBatcher: %v", err)
	}
	if err := b.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		if b.IsRunning() {
			b.Stop()
		}
	})

	return b, clock
}

func waitTicket(t *testing.T, ticket types.BatchTicket) (interface{}, error) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return ticket.Wait(ctx)
}

func request(endpoint string, priority types.Priority, params map[string]interface{}) *types.BatchRequest {
	return &types.BatchRequest{
		Method:   "GET",
		Endpoint: endpoint,
		Params:   params,
		Priority: priority,
	}
}

func TestBatcherFlushesOnWindow(t *testing.T) {
	dispatcher := newFakeDispatcher()
	b, clock := newTestBatcher(t, defaultBatcherConfig(), dispatcher)

	t1, err := b.Enqueue(context.Background(), request("/items", types.PriorityLow, map[string]interface{}{"id": 1}))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	t2, err := b.Enqueue(context.Background(), request("/items", types.PriorityLow, map[string]interface{}{"id": 2}))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if dispatcher.batchCount() != 0 {
		t.Fatal("batch must not flush before the window elapses")
	}

	clock.Advance(50 * time.Millisecond)

	if _, err := waitTicket(t, t1); err != nil {
		t.Fatalf("Wait t1: %v", err)
	}
	if _, err := waitTicket(t, t2); err != nil {
		t.Fatalf("Wait t2: %v", err)
	}

	if got := dispatcher.batchCount(); got != 1 {
		t.Fatalf("batches = %d, want 1", got)
	}
	if got := len(dispatcher.batch(0)); got != 2 {
		t.Fatalf("batch size = %d, want 2", got)
	}

	stats := b.Stats()
	if stats.FlushedByTimer != 1 {
		t.Fatalf("FlushedByTimer = %d, want 1", stats.FlushedByTimer)
	}
	if stats.Settled != 2 {
		t.Fatalf("Settled = %d, want 2", stats.Settled)
	}
}

func TestBatcherWindowNotExtendedByLaterArrivals(t *testing.T) {
	dispatcher := newFakeDispatcher()
	b, clock := newTestBatcher(t, defaultBatcherConfig(), dispatcher)

	t1, _ := b.Enqueue(context.Background(), request("/items", types.PriorityLow, map[string]interface{}{"id": 1}))

	clock.Advance(40 * time.Millisecond)
	t2, _ := b.Enqueue(context.Background(), request("/items", types.PriorityLow, map[string]interface{}{"id": 2}))

	// 10ms later the window opened by the first request expires; the
	// second arrival must not have pushed the deadline out.
	clock.Advance(10 * time.Millisecond)

	if _, err := waitTicket(t, t1); err != nil {
		t.Fatalf("Wait t1: %v", err)
	}
	if _, err := waitTicket(t, t2); err != nil {
		t.Fatalf("Wait t2: %v", err)
	}

	if got := dispatcher.batchCount(); got != 1 {
		t.Fatalf("batches = %d, want 1", got)
	}
}

func TestBatcherFlushesOnMaxSize(t *testing.T) {
	dispatcher := newFakeDispatcher()
	b, clock := newTestBatcher(t, defaultBatcherConfig(), dispatcher)

	tickets := make([]types.BatchTicket, 0, 11)
	for i := 0; i < 11; i++ {
		ticket, err := b.Enqueue(context.Background(), request("/items", types.PriorityLow, map[string]interface{}{"id": i}))
		if err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
		tickets = append(tickets, ticket)
	}

	// The first ten flush on size without waiting for the window.
	for i := 0; i < 10; i++ {
		if _, err := waitTicket(t, tickets[i]); err != nil {
			t.Fatalf("Wait %d: %v", i, err)
		}
	}

	if got := dispatcher.batchCount(); got != 1 {
		t.Fatalf("batches before window = %d, want 1", got)
	}
	if got := len(dispatcher.batch(0)); got != 10 {
		t.Fatalf("first batch size = %d, want 10", got)
	}

	clock.Advance(50 * time.Millisecond)

	if _, err := waitTicket(t, tickets[10]); err != nil {
		t.Fatalf("Wait 11th: %v", err)
	}
	if got := len(dispatcher.batch(1)); got != 1 {
		t.Fatalf("second batch size = %d, want 1", got)
	}

	stats := b.Stats()
	if stats.FlushedBySize != 1 || stats.FlushedByTimer != 1 {
		t.Fatalf("flush counters = size %d timer %d, want 1 and 1", stats.FlushedBySize, stats.FlushedByTimer)
	}
}

func TestBatcherHighPriorityFlushesImmediately(t *testing.T) {
	dispatcher := newFakeDispatcher()
	b, _ := newTestBatcher(t, defaultBatcherConfig(), dispatcher)

	t1, _ := b.Enqueue(context.Background(), request("/items", types.PriorityLow, map[string]interface{}{"id": 1}))
	t2, _ := b.Enqueue(context.Background(), request("/items", types.PriorityHigh, map[string]interface{}{"id": 2}))

	if _, err := waitTicket(t, t1); err != nil {
		t.Fatalf("Wait t1: %v", err)
	}
	if _, err := waitTicket(t, t2); err != nil {
		t.Fatalf("Wait t2: %v", err)
	}

	if got := dispatcher.batchCount(); got != 1 {
		t.Fatalf("batches = %d, want 1", got)
	}
	if got := len(dispatcher.batch(0)); got != 2 {
		t.Fatalf("batch size = %d, want 2", got)
	}
	if b.Stats().FlushedByPrio != 1 {
		t.Fatal("expected a priority flush")
	}
}

func TestBatcherOrdersByPriorityThenArrival(t *testing.T) {
	dispatcher := newFakeDispatcher()
	b, _ := newTestBatcher(t, defaultBatcherConfig(), dispatcher)

	enqueue := func(id string, priority types.Priority) {
		req := request("/items", priority, map[string]interface{}{"id": id})
		req.ID = id
		if _, err := b.Enqueue(context.Background(), req); err != nil {
			t.Fatalf("Enqueue %s: %v", id, err)
		}
	}

	enqueue("low-1", types.PriorityLow)
	enqueue("med-1", types.PriorityMedium)
	enqueue("low-2", types.PriorityLow)
	enqueue("med-2", types.PriorityMedium)
	enqueue("high-1", types.PriorityHigh)

	deadline := time.Now().Add(2 * time.Second)
	for dispatcher.batchCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	batch := dispatcher.batch(0)
	got := make([]string, len(batch))
	for i, req := range batch {
		got[i] = req.ID
	}

	want := []string{"high-1", "med-1", "med-2", "low-1", "low-2"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("batch order = %v, want %v", got, want)
	}
}

func TestBatcherSeparatesEndpoints(t *testing.T) {
	dispatcher := newFakeDispatcher()
	b, clock := newTestBatcher(t, defaultBatcherConfig(), dispatcher)

	t1, _ := b.Enqueue(context.Background(), request("/items", types.PriorityLow, nil))
	t2, _ := b.Enqueue(context.Background(), request("/users", types.PriorityLow, nil))

	clock.Advance(50 * time.Millisecond)

	waitTicket(t, t1)
	waitTicket(t, t2)

	if got := dispatcher.batchCount(); got != 2 {
		t.Fatalf("batches = %d, want 2", got)
	}
}

func TestBatcherDeduplicatesInFlight(t *testing.T) {
	dispatcher := newFakeDispatcher()
	b, clock := newTestBatcher(t, defaultBatcherConfig(), dispatcher)

	params := map[string]interface{}{"id": 42, "tenant": "acme"}
	t1, err := b.Enqueue(context.Background(), request("/items", types.PriorityLow, params))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	t2, err := b.Enqueue(context.Background(), request("/items", types.PriorityLow, map[string]interface{}{"tenant": "acme", "id": 42}))
	if err != nil {
		t.Fatalf("Enqueue duplicate: %v", err)
	}

	if t1 != t2 {
		t.Fatal("duplicate request must share the original ticket")
	}

	clock.Advance(50 * time.Millisecond)

	r1, err1 := waitTicket(t, t1)
	r2, err2 := waitTicket(t, t2)
	if err1 != nil || err2 != nil {
		t.Fatalf("waits failed: %v, %v", err1, err2)
	}
	if r1 != r2 {
		t.Fatalf("results differ: %v vs %v", r1, r2)
	}

	if got := dispatcher.dispatchCount(); got != 1 {
		t.Fatalf("dispatches = %d, want 1", got)
	}

	stats := b.Stats()
	if stats.Enqueued != 1 || stats.Deduplicated != 1 {
		t.Fatalf("stats = enqueued %d deduplicated %d, want 1 and 1", stats.Enqueued, stats.Deduplicated)
	}
}

func TestBatcherDedupEndsAfterSettlement(t *testing.T) {
	dispatcher := newFakeDispatcher()
	b, clock := newTestBatcher(t, defaultBatcherConfig(), dispatcher)

	params := map[string]interface{}{"id": 7}

	t1, _ := b.Enqueue(context.Background(), request("/items", types.PriorityLow, params))
	clock.Advance(50 * time.Millisecond)
	if _, err := waitTicket(t, t1); err != nil {
		t.Fatalf("Wait t1: %v", err)
	}

	t2, _ := b.Enqueue(context.Background(), request("/items", types.PriorityLow, params))
	clock.Advance(50 * time.Millisecond)
	if _, err := waitTicket(t, t2); err != nil {
		t.Fatalf("Wait t2: %v", err)
	}

	if got := dispatcher.dispatchCount(); got != 2 {
		t.Fatalf("dispatches = %d, want 2 after settlement", got)
	}
}

func TestBatcherPrepareErrorRejectsWholeBatch(t *testing.T) {
	dispatcher := newFakeDispatcher()
	dispatcher.prepareErr = fmt.Errorf("upstream unavailable")
	b, clock := newTestBatcher(t, defaultBatcherConfig(), dispatcher)

	t1, _ := b.Enqueue(context.Background(), request("/items", types.PriorityLow, map[string]interface{}{"id": 1}))
	t2, _ := b.Enqueue(context.Background(), request("/items", types.PriorityLow, map[string]interface{}{"id": 2}))

	clock.Advance(50 * time.Millisecond)

	_, err1 := waitTicket(t, t1)
	_, err2 := waitTicket(t, t2)

	if !types.IsError(err1, types.ErrBatchPrepareFailed) {
		t.Fatalf("err1 = %v, want ErrBatchPrepareFailed", err1)
	}
	if !types.IsError(err2, types.ErrBatchPrepareFailed) {
		t.Fatalf("err2 = %v, want ErrBatchPrepareFailed", err2)
	}

	if got := dispatcher.dispatchCount(); got != 0 {
		t.Fatalf("dispatches = %d, want 0 after prepare failure", got)
	}
	if b.Stats().Rejected != 2 {
		t.Fatalf("Rejected = %d, want 2", b.Stats().Rejected)
	}
}

func TestBatcherDispatchErrorRejectsOnlyThatEntry(t *testing.T) {
	dispatcher := newFakeDispatcher()
	dispatcher.dispatchErr["bad"] = fmt.Errorf("row not found")
	b, clock := newTestBatcher(t, defaultBatcherConfig(), dispatcher)

	good := request("/items", types.PriorityLow, map[string]interface{}{"id": 1})
	good.ID = "good"
	bad := request("/items", types.PriorityLow, map[string]interface{}{"id": 2})
	bad.ID = "bad"

	t1, _ := b.Enqueue(context.Background(), good)
	t2, _ := b.Enqueue(context.Background(), bad)

	clock.Advance(50 * time.Millisecond)

	result, err := waitTicket(t, t1)
	if err != nil {
		t.Fatalf("good entry failed: %v", err)
	}
	if result != "good" {
		t.Fatalf("good result = %v, want good", result)
	}

	if _, err := waitTicket(t, t2); err == nil {
		t.Fatal("bad entry must fail")
	}

	stats := b.Stats()
	if stats.Settled != 1 || stats.Rejected != 1 {
		t.Fatalf("stats = settled %d rejected %d, want 1 and 1", stats.Settled, stats.Rejected)
	}
}

func TestBatcherMaxPendingRejects(t *testing.T) {
	config := defaultBatcherConfig()
	config.MaxPending = 2
	dispatcher := newFakeDispatcher()
	b, _ := newTestBatcher(t, config, dispatcher)

	b.Enqueue(context.Background(), request("/items", types.PriorityLow, map[string]interface{}{"id": 1}))
	b.Enqueue(context.Background(), request("/items", types.PriorityLow, map[string]interface{}{"id": 2}))

	_, err := b.Enqueue(context.Background(), request("/items", types.PriorityLow, map[string]interface{}{"id": 3}))
	if !types.IsError(err, types.ErrBatchEnqueueRejected) {
		t.Fatalf("got %v, want ErrBatchEnqueueRejected", err)
	}
}

func TestBatcherRejectsInvalidRequests(t *testing.T) {
	dispatcher := newFakeDispatcher()
	b, _ := newTestBatcher(t, defaultBatcherConfig(), dispatcher)

	if _, err := b.Enqueue(context.Background(), nil); !types.IsError(err, types.ErrBatchRequestIsNil) {
		t.Fatalf("nil request: got %v", err)
	}

	if _, err := b.Enqueue(context.Background(), request("", types.PriorityLow, nil)); !types.IsError(err, types.ErrBatchEndpointEmpty) {
		t.Fatalf("empty endpoint: got %v", err)
	}
}

func TestBatcherStopFlushesPending(t *testing.T) {
	dispatcher := newFakeDispatcher()
	b, _ := newTestBatcher(t, defaultBatcherConfig(), dispatcher)

	ticket, _ := b.Enqueue(context.Background(), request("/items", types.PriorityLow, map[string]interface{}{"id": 1}))

	if err := b.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if _, err := waitTicket(t, ticket); err != nil {
		t.Fatalf("pending entry must settle on shutdown: %v", err)
	}

	if _, err := b.Enqueue(context.Background(), request("/items", types.PriorityLow, nil)); !types.IsError(err, types.ErrBatcherStopped) {
		t.Fatalf("enqueue after stop: got %v", err)
	}
}
