package supervisor

import (
	"context"
)

// startQueue limits concurrent starts across keys
type startQueue struct {
	semaphore chan struct{} // nil means unlimited
}

func newStartQueue(maxConcurrent int) *startQueue {
	if maxConcurrent <= 0 {
		return &startQueue{}
	}
	return &startQueue{semaphore: make(chan struct{}, maxConcurrent)}
}

// acquire waits for a slot. The returned func releases it.
func (q *startQueue) acquire(ctx context.Context) (func(), error) {
	if q == nil || q.semaphore == nil {
		return func() {}, nil
	}

	select {
	case q.semaphore <- struct{}{}:
		return func() { <-q.semaphore }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
