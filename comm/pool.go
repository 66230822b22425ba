package comm

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"
)

// CreationFunc returns a new connection to something.  A closure should be
// used to carry the address and settings it needs.
type CreationFunc func() (io.ReadWriteCloser, error)

// Pool holds up to maxSize connections to one device.  Idle connections are
// closed once all are returned and the idle timeout elapses, and re-opened
// on the next Get.  Pools must be created with NewPool.
type Pool struct {
	mu      sync.Mutex
	maxSize int
	onLease int
	idle    time.Duration
	conns   chan io.ReadWriteCloser
	timer   *time.Timer
	maker   CreationFunc
}

// NewPool returns a pool of at most maxSize connections made by maker
func NewPool(maxSize int, idle time.Duration, maker CreationFunc) *Pool {
	if maxSize < 1 {
		maxSize = 1
	}
	return &Pool{
		maxSize: maxSize,
		idle:    idle,
		conns:   make(chan io.ReadWriteCloser, maxSize),
		maker:   maker,
	}
}

// Get leases a connection, waiting for one to be returned if all are in use
// until ctx is done.  A connection obtained from Get must be handed back
// with Put, Destroy, or ReturnWithError.
func (p *Pool) Get(ctx context.Context) (io.ReadWriteCloser, error) {
	p.mu.Lock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	select {
	case c := <-p.conns:
		p.onLease++
		p.mu.Unlock()
		return c, nil
	default:
	}
	if p.onLease < p.maxSize {
		p.onLease++
		p.mu.Unlock()
		c, err := p.maker()
		if err != nil {
			p.mu.Lock()
			p.onLease--
			p.mu.Unlock()
			return nil, err
		}
		return c, nil
	}
	p.mu.Unlock()

	select {
	case c := <-p.conns:
		p.mu.Lock()
		p.onLease++
		p.mu.Unlock()
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Put returns a healthy connection to the pool
func (p *Pool) Put(c io.ReadWriteCloser) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onLease--
	p.conns <- c
	if p.onLease == 0 && p.idle > 0 {
		p.timer = time.AfterFunc(p.idle, p.reclaim)
	}
}

// Destroy closes a connection that has gone bad instead of returning it
func (p *Pool) Destroy(c io.ReadWriteCloser) {
	c.Close()
	p.mu.Lock()
	p.onLease--
	p.mu.Unlock()
}

// ReturnWithError calls Put if err is nil and Destroy otherwise.  Errors
// that leave the connection intact, such as a device reporting a bad
// command, should be wrapped in ErrDeviceReply so the connection is kept.
func (p *Pool) ReturnWithError(c io.ReadWriteCloser, err error) {
	if err == nil || errors.Is(err, ErrDeviceReply) {
		p.Put(c)
		return
	}
	p.Destroy(c)
}

// Size returns the number of connections held idle or given out
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns) + p.onLease
}

// Active returns the number of connections currently given out
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onLease
}

// Close closes every idle connection
func (p *Pool) Close() error {
	p.reclaim()
	return nil
}

func (p *Pool) reclaim() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		select {
		case c := <-p.conns:
			c.Close()
		default:
			return
		}
	}
}

// ErrDeviceReply marks an error reported by the device over a healthy link
var ErrDeviceReply = errors.New("device reported an error")
