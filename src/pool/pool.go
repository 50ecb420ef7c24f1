// Package pool implements the bounded connection pool the dispatcher
// leases connections from: age/health eviction, a sticky one-shot
// failure latch, and a transient capacity bump bulk-upload paths use to
// avoid self-deadlocking on a pool that would otherwise hand out no
// more than one connection at a time.
//
// The underlying dial-and-reuse primitive is github.com/yudhasubki/netpool,
// the same library the teacher driver uses for its TCP pool. netpool
// exposes only Get/Put/Close on raw net.Conn, with no notion of
// connection age, health, or capacity elasticity, so this package keeps
// a side table mapping each net.Conn netpool hands back to the greeted
// *daemon.Connection wrapping it, and layers the richer semantics on
// top of that table.
package pool

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/yudhasubki/netpool"

	"github.com/storedaemon/client/src/daemon"
	"github.com/storedaemon/client/src/storeerr"
	"github.com/storedaemon/client/src/storelog"
)

// Factory wraps a raw socket that the Dialer has already opened and
// performs the greeting on it. The pool
// calls it whenever netpool hands back a net.Conn this pool has not
// seen before.
type Factory func(ctx context.Context, raw net.Conn) (*daemon.Connection, error)

// Dialer opens the raw transport netpool pools. It is wired into
// netpool.New directly.
type Dialer func() (net.Conn, error)

var errEvict = errors.New("pool: evicting connection that failed its health check")

// Config configures a Pool.
type Config struct {
	URI              string
	Capacity         int
	MaxConnectionAge time.Duration
	Dial             Dialer
	Greet            Factory
	Log              storelog.Logger
}

// Pool is a bounded set of greeted daemon connections, shared by every
// caller of one store client.
type Pool struct {
	uri              string
	maxConnectionAge time.Duration
	dial             Dialer
	greet            Factory
	log              storelog.Logger

	np *netpool.Netpool

	mu       sync.Mutex
	cond     *sync.Cond
	capacity int
	bump     int
	inUse    int
	failed   bool
	known    map[net.Conn]*daemon.Connection
}

// New constructs a Pool. Capacity must be at least 1.
func New(cfg Config) (*Pool, error) {
	if cfg.Capacity < 1 {
		cfg.Capacity = 1
	}
	log := cfg.Log
	if log == nil {
		log = storelog.NoOpLogger{}
	}

	np, err := netpool.New(func() (net.Conn, error) { return cfg.Dial() })
	if err != nil {
		return nil, err
	}

	p := &Pool{
		uri:              cfg.URI,
		maxConnectionAge: cfg.MaxConnectionAge,
		dial:             cfg.Dial,
		greet:            cfg.Greet,
		log:              log,
		np:               np,
		capacity:         cfg.Capacity,
		known:            make(map[net.Conn]*daemon.Connection),
	}
	p.cond = sync.NewCond(&p.mu)
	return p, nil
}

// Get leases a healthy connection, opening a new one via the factory if
// no idle connection passes the health predicate and capacity allows
// it. It blocks while the pool is at capacity and none are idle.
func (p *Pool) Get(ctx context.Context) (*Lease, error) {
	p.mu.Lock()
	if p.failed {
		p.mu.Unlock()
		return nil, &storeerr.StoreUnreachable{URI: p.uri, Err: errors.New("a previous connection attempt failed")}
	}
	for p.inUse >= p.capacity+p.bump {
		p.cond.Wait()
		if p.failed {
			p.mu.Unlock()
			return nil, &storeerr.StoreUnreachable{URI: p.uri, Err: errors.New("a previous connection attempt failed")}
		}
	}
	p.inUse++
	p.mu.Unlock()

	for {
		raw, err := p.np.Get()
		if err != nil {
			p.markFailed()
			p.releaseSlot()
			return nil, storeerr.WrapOpen(p.uri, err)
		}

		// known holds only idle, previously greeted connections; an
		// entry here means raw was handed back by a clean Release and
		// is now being checked out again, not freshly dialed.
		p.mu.Lock()
		conn, seen := p.known[raw]
		if seen {
			delete(p.known, raw)
		}
		p.mu.Unlock()

		if seen {
			if p.healthy(conn) {
				return &Lease{pool: p, conn: conn, raw: raw}, nil
			}
			p.np.Put(raw, errEvict)
			_ = conn.Close()
			p.log.LogCategory(storelog.LevelDebug, storelog.CategoryPool, "evicting stale connection", "age", conn.Age())
			continue
		}

		conn, err = p.greet(ctx, raw)
		if err != nil {
			p.markFailed()
			p.np.Put(raw, err)
			p.releaseSlot()
			return nil, storeerr.WrapOpen(p.uri, err)
		}

		return &Lease{pool: p, conn: conn, raw: raw}, nil
	}
}

func (p *Pool) healthy(conn *daemon.Connection) bool {
	if !conn.Good() {
		return false
	}
	if p.maxConnectionAge > 0 && conn.Age() > p.maxConnectionAge {
		return false
	}
	return true
}

func (p *Pool) markFailed() {
	p.mu.Lock()
	p.failed = true
	p.mu.Unlock()
	p.cond.Broadcast()
}

func (p *Pool) releaseSlot() {
	p.mu.Lock()
	p.inUse--
	p.mu.Unlock()
	p.cond.Signal()
}

// release returns a leased connection. bad=true means the caller
// observed a non-daemon exception while holding the lease: the
// connection must be dropped rather than returned for reuse.
func (p *Pool) release(l *Lease, bad bool) {
	if bad {
		p.np.Put(l.raw, errEvict)
		_ = l.conn.Close()
		p.log.LogCategory(storelog.LevelWarn, storelog.CategoryPool, "dropping connection after non-daemon error")
	} else {
		p.mu.Lock()
		p.known[l.raw] = l.conn
		p.mu.Unlock()
		p.np.Put(l.raw, nil)
	}
	p.releaseSlot()
}

// IncCapacity transiently raises the pool's effective capacity by one,
// letting a bulk-upload path acquire a second connection without
// deadlocking against a pool that is otherwise fully checked out.
func (p *Pool) IncCapacity() {
	p.mu.Lock()
	p.bump++
	p.mu.Unlock()
	p.cond.Broadcast()
}

// DecCapacity reverses a prior IncCapacity.
func (p *Pool) DecCapacity() {
	p.mu.Lock()
	p.bump--
	p.mu.Unlock()
}

// FlushBad is a best-effort sweep over known connections: since netpool
// does not expose an enumeration of its idle set, this can only reap
// connections this pool has already greeted and recorded, and only
// those not currently leased. The sticky health check performed lazily
// in Get covers the rest.
func (p *Pool) FlushBad() {
	p.mu.Lock()
	var stale []net.Conn
	for raw, conn := range p.known {
		if !p.healthy(conn) {
			stale = append(stale, raw)
			delete(p.known, raw)
		}
	}
	p.mu.Unlock()

	for _, raw := range stale {
		p.np.Put(raw, errEvict)
	}
}

// Close shuts down the underlying pool. In-flight leases are not
// affected; it is the caller's responsibility to have released them.
func (p *Pool) Close() error {
	p.np.Close()
	return nil
}
