package util

import (
	"context"
	"sync"
	"time"
)

// Faults injects errors into named operations of simulated devices
type Faults struct {
	mu sync.Mutex
	m  map[string]fault
}

type fault struct {
	n   int // remaining; negative is forever
	err error
}

// Inject makes the next n calls of op fail with err.  n < 0 fails forever
// until Clear.
func (f *Faults) Inject(op string, n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.m == nil {
		f.m = make(map[string]fault)
	}
	f.m[op] = fault{n: n, err: err}
}

// Clear removes every injected fault
func (f *Faults) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.m = nil
}

// Check consumes one injected failure for op, if any
func (f *Faults) Check(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ft, ok := f.m[op]
	if !ok {
		return nil
	}
	switch {
	case ft.n < 0:
	case ft.n <= 1:
		delete(f.m, op)
	default:
		ft.n--
		f.m[op] = ft
	}
	return ft.err
}

// Wait sleeps for d or until ctx is done, whichever is first
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
