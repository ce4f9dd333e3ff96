package batcher

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/alesierraalta/LUMONEW-sub011/types"
	"github.com/alesierraalta/LUMONEW-sub011/utils"
)

type BatcherState int32

const (
	BatcherStateStopped BatcherState = iota
	BatcherStateStarting
	BatcherStateRunning
	BatcherStateStopping
)

const (
	flushReasonTimer    = "timer"
	flushReasonSize     = "size"
	flushReasonPriority = "priority"
	flushReasonShutdown = "shutdown"
)

// entry carries one request together with its settlement handle. A
// deduplicated request never produces a second entry; later callers
// share the original ticket.
type entry struct {
	request  *types.BatchRequest
	ticket   *ticket
	dedupKey string
	seq      uint64
}

// group accumulates entries for one (method, endpoint) pair. The flush
// deadline is fixed when the group is created; later arrivals never
// extend it.
type group struct {
	method   string
	endpoint string
	entries  []*entry
	timer    Timer
	deadline time.Time
	flushed  bool
}

type Batcher struct {
	ctx        context.Context
	cancel     context.CancelFunc
	config     *types.BatcherConfig
	logger     types.Logger
	dispatcher types.BatchDispatcher
	clock      Clock

	mu       sync.Mutex
	groups   map[string]*group
	inflight map[string]*ticket
	seq      uint64

	enqueued       uint64
	deduplicated   uint64
	flushes        uint64
	flushedBySize  uint64
	flushedByTimer uint64
	flushedByPrio  uint64
	settled        uint64
	rejected       uint64

	state           atomic.Value
	flushWG         sync.WaitGroup
	shutdownTimeout time.Duration
}

func NewBatcher(ctx context.Context, logger types.Logger, config *types.BatcherConfig, dispatcher types.BatchDispatcher, clock Clock) (*Batcher, error) {
	if dispatcher == nil {
		return nil, types.ErrBatchDispatcherIsNil
	}

	if clock == nil {
		clock = NewWallClock()
	}

	batcherCtx, cancel := context.WithCancel(ctx)

	b := &Batcher{
		ctx:             batcherCtx,
		cancel:          cancel,
		config:          config,
		logger:          logger,
		dispatcher:      dispatcher,
		clock:           clock,
		groups:          make(map[string]*group),
		inflight:        make(map[string]*ticket),
		shutdownTimeout: 10 * time.Second,
	}

	b.state.Store(BatcherStateStopped)

	return b, nil
}

// Enqueue registers a request for batched execution and returns a
// ticket that resolves when the request settles. Requests sharing
// method, endpoint and parameters are deduplicated onto one ticket
// while the original is still in flight.
func (b *Batcher) Enqueue(ctx context.Context, request *types.BatchRequest) (types.BatchTicket, error) {
	if request == nil {
		return nil, types.ErrBatchRequestIsNil
	}
	if request.Endpoint == "" {
		return nil, types.ErrBatchEndpointEmpty
	}
	if b.getState() != BatcherStateRunning {
		return nil, types.ErrBatcherStopped
	}

	if request.ID == "" {
		request.ID = uuid.NewString()
	}
	request.EnqueuedAt = b.clock.Now()

	dedupKey := b.dedupKey(request)

	b.mu.Lock()

	if b.getState() != BatcherStateRunning {
		b.mu.Unlock()
		return nil, types.ErrBatcherStopped
	}

	if b.config.Deduplicate {
		if existing, ok := b.inflight[dedupKey]; ok {
			b.deduplicated++
			b.mu.Unlock()
			return existing, nil
		}
	}

	if b.config.MaxPending > 0 && b.pendingLocked() >= b.config.MaxPending {
		b.rejected++
		b.mu.Unlock()
		return nil, types.Errorf(types.ErrBatchEnqueueRejected, "pending limit %d reached", b.config.MaxPending)
	}

	g := b.groupFor(request)

	b.seq++
	e := &entry{
		request:  request,
		ticket:   newTicket(),
		dedupKey: dedupKey,
		seq:      b.seq,
	}
	g.entries = append(g.entries, e)
	b.inflight[dedupKey] = e.ticket
	b.enqueued++

	switch {
	case request.Priority == types.PriorityHigh:
		b.flushLocked(g, flushReasonPriority)
	case b.config.MaxBatchSize > 0 && len(g.entries) >= b.config.MaxBatchSize:
		b.flushLocked(g, flushReasonSize)
	}

	b.mu.Unlock()

	return e.ticket, nil
}

func (b *Batcher) Stats() types.BatcherStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return types.BatcherStats{
		Enqueued:       b.enqueued,
		Deduplicated:   b.deduplicated,
		Flushes:        b.flushes,
		FlushedBySize:  b.flushedBySize,
		FlushedByTimer: b.flushedByTimer,
		FlushedByPrio:  b.flushedByPrio,
		Settled:        b.settled,
		Rejected:       b.rejected,
		PendingBatches: len(b.groups),
	}
}

func (b *Batcher) Start() error {
	if !b.transitionState(BatcherStateStopped, BatcherStateStarting) {
		b.logger.Warn("Batcher already running or starting")
		return types.ErrServerAlreadyRunning
	}

	b.setState(BatcherStateRunning)

	b.logger.Info("Batcher started",
		zap.Duration("window", b.config.Window),
		zap.Int("max_batch_size", b.config.MaxBatchSize),
		zap.Bool("deduplicate", b.config.Deduplicate))

	return nil
}

// Stop flushes every accumulating group so no caller is left hanging,
// then waits for in-flight dispatches up to the shutdown timeout.
func (b *Batcher) Stop() error {
	if !b.transitionState(BatcherStateRunning, BatcherStateStopping) {
		b.logger.Warn("Batcher not running")
		return types.ErrServerNotRunning
	}

	b.mu.Lock()
	for _, g := range b.groups {
		b.flushLocked(g, flushReasonShutdown)
	}
	b.mu.Unlock()

	flushed := make(chan struct{})
	go func() {
		b.flushWG.Wait()
		close(flushed)
	}()

	select {
	case <-flushed:
	case <-time.After(b.shutdownTimeout):
		b.logger.Warn("Batcher shutdown timed out waiting for in-flight batches")
	}

	b.cancel()
	b.setState(BatcherStateStopped)

	b.logger.Info("Batcher stopped")

	return nil
}

func (b *Batcher) IsRunning() bool {
	return b.getState() == BatcherStateRunning
}

func (b *Batcher) dedupKey(request *types.BatchRequest) string {
	return request.Method + " " + request.Endpoint + " " + utils.CanonicalParams(request.Params)
}

func groupKey(method, endpoint string) string {
	return method + " " + endpoint
}

// pendingLocked counts entries not yet flushed. Caller holds b.mu.
func (b *Batcher) pendingLocked() int {
	pending := 0
	for _, g := range b.groups {
		pending += len(g.entries)
	}
	return pending
}

// groupFor returns the accumulating group for the request, creating it
// and arming its window timer on first arrival. Caller holds b.mu.
func (b *Batcher) groupFor(request *types.BatchRequest) *group {
	key := groupKey(request.Method, request.Endpoint)

	if g, ok := b.groups[key]; ok {
		return g
	}

	now := b.clock.Now()
	g := &group{
		method:   request.Method,
		endpoint: request.Endpoint,
		deadline: now.Add(b.config.Window),
		timer:    b.clock.NewTimer(b.config.Window),
	}
	b.groups[key] = g

	go b.awaitDeadline(key, g)

	return g
}

func (b *Batcher) awaitDeadline(key string, g *group) {
	select {
	case <-g.timer.C():
	case <-b.ctx.Done():
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.groups[key] != g || g.flushed {
		return
	}
	b.flushLocked(g, flushReasonTimer)
}

// flushLocked detaches the group and hands its entries to a dispatch
// goroutine. Caller holds b.mu.
func (b *Batcher) flushLocked(g *group, reason string) {
	if g.flushed {
		return
	}
	g.flushed = true
	g.timer.Stop()
	delete(b.groups, groupKey(g.method, g.endpoint))

	b.flushes++
	switch reason {
	case flushReasonSize:
		b.flushedBySize++
	case flushReasonTimer:
		b.flushedByTimer++
	case flushReasonPriority:
		b.flushedByPrio++
	}

	entries := g.entries
	sortEntries(entries)

	b.logger.Debug("Flushing batch",
		zap.String("method", g.method),
		zap.String("endpoint", g.endpoint),
		zap.Int("size", len(entries)),
		zap.String("reason", reason))

	b.flushWG.Add(1)
	go b.dispatchBatch(g.method, g.endpoint, entries)
}

// sortEntries orders a flushed batch by priority, highest first, and by
// arrival order within a priority.
func sortEntries(entries []*entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].request.Priority != entries[j].request.Priority {
			return entries[i].request.Priority > entries[j].request.Priority
		}
		return entries[i].seq < entries[j].seq
	})
}

func (b *Batcher) dispatchBatch(method, endpoint string, entries []*entry) {
	defer b.flushWG.Done()

	requests := make([]*types.BatchRequest, len(entries))
	for i, e := range entries {
		requests[i] = e.request
	}

	if err := b.dispatcher.Prepare(b.ctx, method, endpoint, requests); err != nil {
		batchErr := types.Errorf(types.ErrBatchPrepareFailed, "%s %s: %v", method, endpoint, err)
		for _, e := range entries {
			b.settleEntry(e, nil, batchErr)
		}

		b.logger.ErrorWithErrStack("Batch rejected", err,
			zap.String("method", method),
			zap.String("endpoint", endpoint),
			zap.Int("size", len(entries)))
		return
	}

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			result, err := b.dispatcher.Dispatch(b.ctx, e.request)
			b.settleEntry(e, result, err)
		}(e)
	}
	wg.Wait()
}

func (b *Batcher) settleEntry(e *entry, result interface{}, err error) {
	if !e.ticket.settle(result, err) {
		return
	}

	b.mu.Lock()
	if b.inflight[e.dedupKey] == e.ticket {
		delete(b.inflight, e.dedupKey)
	}
	if err != nil {
		b.rejected++
	} else {
		b.settled++
	}
	b.mu.Unlock()
}

func (b *Batcher) getState() BatcherState {
	return b.state.Load().(BatcherState)
}

func (b *Batcher) setState(newState BatcherState) {
	b.state.Store(newState)
}

func (b *Batcher) transitionState(from, to BatcherState) bool {
	return b.state.CompareAndSwap(from, to)
}
