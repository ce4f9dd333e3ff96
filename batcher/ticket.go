package batcher

import (
	"context"
	"sync"

	"github.com/alesierraalta/LUMONEW-sub011/types"
)

// ticket is the settlement handle for one batched request. It settles
// exactly once; every waiter observes the same result.
type ticket struct {
	once   sync.Once
	done   chan struct{}
	result interface{}
	err    error
}

func newTicket() *ticket {
	return &ticket{done: make(chan struct{})}
}

func (t *ticket) settle(result interface{}, err error) bool {
	settled := false
	t.once.Do(func() {
		t.result = result
		t.err = err
		close(t.done)
		settled = true
	})
	return settled
}

func (t *ticket) Wait(ctx context.Context) (interface{}, error) {
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		return nil, types.WrapError(ctx.Err(), "wait for batch result")
	}
}

func (t *ticket) Done() <-chan struct{} {
	return t.done
}
