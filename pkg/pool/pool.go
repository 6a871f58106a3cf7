// Package pool implements the global memory-accounted buffer pool backing
// every RTP/RTCP packet buffer (component C10, spec.md §4.10): a sync.Pool
// of reusable byte slices, acquired and released through an RAII-style
// scope guaranteeing release on all exit paths, with a global byte counter
// and per-session soft limits to keep one runaway stream from exhausting
// memory. Grounded on arzzra-soft_phone's pkg/dialog/pools.go (sync.Pool
// Get/Put pairs with a Reset method) and its DialogMetrics counter pattern,
// generalized from dialog-object pooling to byte-buffer pooling.
package pool

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Buffer is a pooled byte slice checked out via Pool.Acquire. Callers must
// call Release exactly once, normally via defer immediately after a
// successful Acquire, so the buffer returns to the pool (and its bytes are
// un-accounted) on every exit path, including a panic unwinding past the
// defer.
type Buffer struct {
	Bytes []byte

	pool    *Pool
	session string
	size    int64
	once    sync.Once
}

// Release returns the buffer to its pool and frees its accounted bytes.
// Safe to call more than once; only the first call has an effect.
func (b *Buffer) Release() {
	b.once.Do(func() {
		b.pool.release(b)
	})
}

// Pool is a memory-accounted sync.Pool of fixed-capacity byte buffers. A
// zero Pool is not usable; construct with New.
type Pool struct {
	bufSize int64

	raw sync.Pool

	totalInUse  int64 // atomic, bytes currently checked out across all sessions
	softLimit   int64 // 0 disables the global limit

	mu       sync.Mutex
	sessions map[string]*sessionAccount
}

type sessionAccount struct {
	inUse     int64
	softLimit int64 // 0 inherits no per-session cap
}

// Config parameterizes a Pool.
type Config struct {
	// BufferSize is the fixed capacity of every pooled buffer — large
	// enough for one RTP/RTCP packet (spec.md §4.10 pools "RTP/RTCP packet
	// buffers" uniformly, not per-codec).
	BufferSize int
	// GlobalSoftLimit bounds total bytes in use across every session; 0
	// disables the global check.
	GlobalSoftLimit int64
}

// DefaultConfig matches spec.md §6's pool defaults: 1500-byte buffers (one
// Ethernet-MTU-sized UDP datagram), no global cap.
func DefaultConfig() Config {
	return Config{BufferSize: 1500}
}

// New returns a Pool of cfg.BufferSize buffers.
func New(cfg Config) *Pool {
	p := &Pool{
		bufSize:   int64(cfg.BufferSize),
		softLimit: cfg.GlobalSoftLimit,
		sessions:  make(map[string]*sessionAccount),
	}
	p.raw.New = func() interface{} {
		return make([]byte, cfg.BufferSize)
	}
	return p
}

// ErrSoftLimitExceeded is returned by Acquire when checking out the
// requested buffer would exceed the global or per-session soft limit.
type ErrSoftLimitExceeded struct {
	Session string
	Limit   int64
	InUse   int64
}

func (e *ErrSoftLimitExceeded) Error() string {
	if e.Session == "" {
		return fmt.Sprintf("pool: global soft limit exceeded (%d/%d bytes in use)", e.InUse, e.Limit)
	}
	return fmt.Sprintf("pool: session %q soft limit exceeded (%d/%d bytes in use)", e.Session, e.InUse, e.Limit)
}

// SetSessionLimit sets (or clears, with limit 0) a per-session soft limit,
// enforced independently of the pool's global limit. A session with no
// registered limit is only bound by the global one.
func (p *Pool) SetSessionLimit(session string, limit int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	acct := p.sessions[session]
	if acct == nil {
		acct = &sessionAccount{}
		p.sessions[session] = acct
	}
	acct.softLimit = limit
}

// ForgetSession drops a session's accounting entry. Call once a call's
// media session closes; any buffers still outstanding continue to account
// correctly against the global counter until released, but their session
// bucket is gone, so call this only after every Buffer for that session has
// been released.
func (p *Pool) ForgetSession(session string) {
	p.mu.Lock()
	delete(p.sessions, session)
	p.mu.Unlock()
}

// Acquire checks out one buffer for session, enforcing both the pool's
// global soft limit and the session's own (if set). The returned Buffer's
// Bytes slice has length/capacity equal to the pool's configured BufferSize.
func (p *Pool) Acquire(session string) (*Buffer, error) {
	size := p.bufSize

	p.mu.Lock()
	acct := p.sessions[session]
	if acct == nil {
		acct = &sessionAccount{}
		p.sessions[session] = acct
	}
	if acct.softLimit > 0 && acct.inUse+size > acct.softLimit {
		inUse := acct.inUse
		limit := acct.softLimit
		p.mu.Unlock()
		return nil, &ErrSoftLimitExceeded{Session: session, Limit: limit, InUse: inUse}
	}
	if p.softLimit > 0 {
		total := atomic.LoadInt64(&p.totalInUse)
		if total+size > p.softLimit {
			p.mu.Unlock()
			return nil, &ErrSoftLimitExceeded{Limit: p.softLimit, InUse: total}
		}
	}
	acct.inUse += size
	p.mu.Unlock()

	atomic.AddInt64(&p.totalInUse, size)

	raw := p.raw.Get().([]byte)
	return &Buffer{Bytes: raw, pool: p, session: session, size: size}, nil
}

func (p *Pool) release(b *Buffer) {
	atomic.AddInt64(&p.totalInUse, -b.size)

	p.mu.Lock()
	if acct, ok := p.sessions[b.session]; ok {
		acct.inUse -= b.size
		if acct.inUse < 0 {
			acct.inUse = 0
		}
	}
	p.mu.Unlock()

	p.raw.Put(b.Bytes) //nolint:staticcheck // b.Bytes length is fixed at BufferSize by construction
}

// InUse returns the total bytes currently checked out across every session,
// exposed for the metrics package's gauge.
func (p *Pool) InUse() int64 { return atomic.LoadInt64(&p.totalInUse) }

// SessionInUse returns the bytes currently checked out for one session.
func (p *Pool) SessionInUse(session string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if acct, ok := p.sessions[session]; ok {
		return acct.inUse
	}
	return 0
}

// Use is the RAII-style scope spec.md §4.10 calls for: it acquires one
// buffer for session, invokes fn, and releases the buffer on every exit
// path from fn, including a panic propagating out of it.
func (p *Pool) Use(session string, fn func(buf []byte) error) error {
	b, err := p.Acquire(session)
	if err != nil {
		return err
	}
	defer b.Release()
	return fn(b.Bytes)
}
