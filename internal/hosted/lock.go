package hosted

import "context"

// TaskLock serializes hosted tasks. The device reverse forward and the host
// port are shared by every hosted task, so only one may hold them.
type TaskLock struct {
	ch chan struct{}
}

// NewTaskLock creates an unlocked TaskLock.
func NewTaskLock() *TaskLock {
	return &TaskLock{ch: make(chan struct{}, 1)}
}

// processLock is shared by every Orchestrator that does not set its own.
var processLock = NewTaskLock()

// Acquire blocks until the lock is held or ctx is done.
func (l *TaskLock) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case l.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire takes the lock only if it is free.
func (l *TaskLock) TryAcquire() bool {
	select {
	case l.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release frees the lock. It must follow a successful Acquire or TryAcquire.
func (l *TaskLock) Release() {
	<-l.ch
}
