// Package lock serializes cleanup passes of the same target.
package lock

import (
	"context"
	"sync"
)

// Locker grants exclusive access per key
type Locker interface {
	// Lock blocks until the key is acquired or ctx is done, the returned func releases the key
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Local is an in-process keyed mutex
type Local struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func NewLocal() *Local {
	return &Local{
		slots: map[string]chan struct{}{},
	}
}

func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	slot, ok := l.slots[key]
	if !ok {
		slot = make(chan struct{}, 1)
		l.slots[key] = slot
	}
	l.mu.Unlock()

	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-slot
		})
	}, nil
}
