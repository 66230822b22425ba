// Package runlog records one row per control tick.  Sinks never block the
// caller; persistence happens on a separate goroutine that drops rows,
// counting them, when it falls behind.
package runlog

import (
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/echemlab/forcecell/sample"
)

// Record is the log row for one tick
type Record struct {
	Sample sample.Sample `json:"sample"`

	// Command is the motor output sent this tick, 0 when none was sent
	Command float64 `json:"command"`

	// Phase is the orchestrator phase the tick ran under
	Phase string `json:"phase"`

	// Step is the electrochemical step index, -1 outside that phase
	Step int `json:"step"`

	// Charge is the cell's charge state from the sign of its current
	Charge string `json:"charge"`

	// Safety is the safety level after evaluating the sample
	Safety string `json:"safety"`
}

// Sink accepts records without blocking
type Sink interface {
	Append(Record)
}

// Writer persists records.  It is only ever called from one goroutine.
type Writer interface {
	Write(Record) error
	Close() error
}

// Tee fans a record out to several sinks
type Tee []Sink

// Append appends r to every sink
func (t Tee) Append(r Record) {
	for _, s := range t {
		s.Append(r)
	}
}

// Ring is a bounded in-memory history; the oldest records are overwritten
type Ring struct {
	mu   sync.RWMutex
	buf  []Record
	next int
	full bool
}

// NewRing returns a ring holding up to n records
func NewRing(n int) *Ring {
	if n < 1 {
		n = 1
	}
	return &Ring{buf: make([]Record, n)}
}

// Append adds r, evicting the oldest record if full
func (r *Ring) Append(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = rec
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// Len returns the number of records held
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.full {
		return len(r.buf)
	}
	return r.next
}

// Snapshot returns the held records, oldest first
func (r *Ring) Snapshot() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.full {
		return append([]Record(nil), r.buf[:r.next]...)
	}
	out := make([]Record, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}

// Last returns the newest record
func (r *Ring) Last() (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.full && r.next == 0 {
		return Record{}, false
	}
	i := r.next - 1
	if i < 0 {
		i = len(r.buf) - 1
	}
	return r.buf[i], true
}

// Async hands records to a Writer on its own goroutine
type Async struct {
	w       Writer
	ch      chan Record
	done    chan struct{}
	logger  *zap.SugaredLogger
	dropped atomic.Uint64
	written atomic.Uint64
	failed  atomic.Uint64
	once    sync.Once
	err     error
}

// NewAsync starts draining into w with room for buf pending records
func NewAsync(w Writer, buf int, logger *zap.SugaredLogger) *Async {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	a := &Async{
		w:      w,
		ch:     make(chan Record, buf),
		done:   make(chan struct{}),
		logger: logger,
	}
	go a.drain()
	return a
}

func (a *Async) drain() {
	defer close(a.done)
	for rec := range a.ch {
		if err := a.w.Write(rec); err != nil {
			// log the first failure and every thousandth after
			if n := a.failed.Add(1); n == 1 || n%1000 == 0 {
				a.logger.Errorw("run log write failed", "err", err, "failures", n)
			}
			continue
		}
		a.written.Add(1)
	}
}

// Append queues rec, dropping it if the queue is full
func (a *Async) Append(rec Record) {
	select {
	case a.ch <- rec:
	default:
		a.dropped.Add(1)
	}
}

// Dropped returns the number of records discarded for lack of room
func (a *Async) Dropped() uint64 { return a.dropped.Load() }

// Written returns the number of records persisted
func (a *Async) Written() uint64 { return a.written.Load() }

// Close waits for queued records to be written, then closes the writer.
// Append must not be called after Close.
func (a *Async) Close() error {
	a.once.Do(func() {
		close(a.ch)
		<-a.done
		a.err = a.w.Close()
		if d := a.Dropped(); d > 0 {
			a.logger.Warnw("run log dropped records", "dropped", d)
		}
	})
	return a.err
}

// MultiWriter writes each record to every writer
type MultiWriter []Writer

// Write writes to all, combining errors
func (m MultiWriter) Write(r Record) error {
	var err error
	for _, w := range m {
		err = multierr.Append(err, w.Write(r))
	}
	return err
}

// Close closes all, combining errors
func (m MultiWriter) Close() error {
	var err error
	for _, w := range m {
		err = multierr.Append(err, w.Close())
	}
	return err
}
