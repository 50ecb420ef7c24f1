// Package store implements the operation dispatcher: one method per
// worker-protocol operation, each selecting the version-appropriate
// encoding and falling back for older daemons where the protocol
// requires it. It leases connections from src/pool, drives the wire
// encoding through src/wire and src/daemon, and is the only package
// callers outside this module need to import.
package store

import (
	"context"
	"net"
	"time"

	"github.com/storedaemon/client/src/daemon"
	"github.com/storedaemon/client/src/pool"
	"github.com/storedaemon/client/src/storeerr"
	"github.com/storedaemon/client/src/storelog"
	"github.com/storedaemon/client/src/storepath"
	"github.com/storedaemon/client/src/storeurl"
	"github.com/storedaemon/client/src/workerproto"
)

// ResolveURI resolves a store URI ("unix://<path>" or the bare token
// "daemon") into the socket path NewStore dials.
func ResolveURI(uri string) (string, error) {
	return storeurl.Resolve(uri)
}

// Store is a store-daemon client: a bounded pool of greeted connections
// plus one method per worker-protocol operation. A Store is safe for
// concurrent use by multiple goroutines; each operation leases its own
// connection for the duration of the call.
type Store struct {
	uri   string
	pool  *pool.Pool
	codec storepath.Codec
	cfg   *Config
	in    *instruments
	log   storelog.Logger
}

// NewStore dials no sockets itself; it configures a pool that will dial
// and greet lazily on first use. uri must be a "unix://<path>" URI or
// the bare token "daemon", per ResolveURI.
func NewStore(uri string, cfg *Config) (*Store, error) {
	addr, err := ResolveURI(uri)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}

	log := storelog.Logger(storelog.NoOpLogger{})
	if cfg.Logging != nil && cfg.Logging.Logger != nil {
		log = cfg.Logging.Logger
	}

	codec := cfg.PathCodec
	if codec == nil {
		codec = storepath.NewDefaultCodec("")
	}

	capacity := 1
	maxAge := time.Hour
	if cfg.Pool != nil {
		if cfg.Pool.MaxConnections > 0 {
			capacity = cfg.Pool.MaxConnections
		}
		maxAge = cfg.Pool.MaxConnectionAge
	}

	dial := func() (net.Conn, error) {
		var d net.Dialer
		return d.Dial("unix", addr)
	}

	greet := func(ctx context.Context, raw net.Conn) (*daemon.Connection, error) {
		conn := daemon.Wrap(raw, log)
		opts := daemon.GreetingOptions{
			SameMachine: cfg.SameMachine,
			LockCPU:     cfg.LockCPU,
			CPUID:       cfg.CPUID,
			Settings:    cfg.Settings,
		}
		if err := conn.Greet(opts); err != nil {
			return nil, err
		}
		return conn, nil
	}

	p, err := pool.New(pool.Config{
		URI:              uri,
		Capacity:         capacity,
		MaxConnectionAge: maxAge,
		Dial:             dial,
		Greet:            greet,
		Log:              log,
	})
	if err != nil {
		return nil, storeerr.WrapOpen(uri, err)
	}

	obs := cfg.Observability
	if obs == nil {
		obs = DefaultObservabilityConfig()
	}
	var in *instruments
	if obs.EnableTracing || obs.EnableMetrics {
		in = initInstruments()
	}

	return &Store{uri: uri, pool: p, codec: codec, cfg: cfg, in: in, log: log}, nil
}

// Close shuts down the underlying connection pool. In-flight operations
// are not affected.
func (s *Store) Close() error {
	return s.pool.Close()
}

// Ping leases a connection, forcing a dial and handshake if none is
// already warm, and reports the negotiated protocol version. It does
// not send any worker-protocol opcode of its own.
func (s *Store) Ping(ctx context.Context) (major, minor byte, err error) {
	err = s.call(ctx, "ping", func(l *pool.Lease, c *daemon.Connection) error {
		major, minor = c.DaemonMajor, c.DaemonMinor
		return nil
	})
	return major, minor, err
}

// URI returns the store URI this client was constructed with.
func (s *Store) URI() string { return s.uri }

func (s *Store) observability() *ObservabilityConfig {
	if s.cfg != nil && s.cfg.Observability != nil {
		return s.cfg.Observability
	}
	return DefaultObservabilityConfig()
}

// call implements the universal operation shape: lease, run fn against
// the leased connection, release (marking the connection bad unless fn's
// error came from a clean daemon ERROR tag), all wrapped in a trace span
// and duration/error metrics.
func (s *Store) call(ctx context.Context, opName string, fn func(l *pool.Lease, c *daemon.Connection) error) error {
	obs := s.observability()
	ctx, sp := s.in.startOp(ctx, opName, obs)

	lease, err := s.pool.Get(ctx)
	if err != nil {
		s.in.finishOp(sp, opName, obs, err)
		return err
	}

	err = fn(lease, lease.Connection())
	lease.Release(err)
	s.in.finishOp(sp, opName, obs, err)
	return err
}

// leaseOp starts a span and leases a connection directly, for operations
// that must release the lease before finishing their own work (the
// local-fallback paths spec.md §4.5/§5 requires to avoid self-deadlock).
// The caller must call finish exactly once.
func (s *Store) leaseOp(ctx context.Context, opName string) (context.Context, *pool.Lease, func(error), error) {
	obs := s.observability()
	ctx, sp := s.in.startOp(ctx, opName, obs)

	lease, err := s.pool.Get(ctx)
	if err != nil {
		s.in.finishOp(sp, opName, obs, err)
		return ctx, nil, func(error) {}, err
	}
	finish := func(err error) { s.in.finishOp(sp, opName, obs, err) }
	return ctx, lease, finish, nil
}

func simpleStringIn(l *pool.Lease, c *daemon.Connection, op workerproto.Opcode, arg string) error {
	if err := c.W.PutUint64(uint64(op)); err != nil {
		return err
	}
	if err := c.W.PutString(arg); err != nil {
		return err
	}
	return l.ProcessStderr(nil, nil, true)
}

func ignoredUint64Response(c *daemon.Connection) error {
	_, err := c.R.GetUint64()
	return err
}

// IsValidPath reports whether p is a known, valid store path.
func (s *Store) IsValidPath(ctx context.Context, p storepath.Path) (valid bool, err error) {
	err = s.call(ctx, "is_valid_path", func(l *pool.Lease, c *daemon.Connection) error {
		if err := simpleStringIn(l, c, workerproto.OpIsValidPath, s.codec.Print(p)); err != nil {
			return err
		}
		v, err := c.R.GetBool()
		if err != nil {
			return err
		}
		valid = v
		return nil
	})
	return valid, err
}

// HasSubstitutes reports whether a substituter can produce p without
// building it.
func (s *Store) HasSubstitutes(ctx context.Context, p storepath.Path) (bool, error) {
	var has bool
	err := s.call(ctx, "has_substitutes", func(l *pool.Lease, c *daemon.Connection) error {
		if err := simpleStringIn(l, c, workerproto.OpHasSubstitutes, s.codec.Print(p)); err != nil {
			return err
		}
		v, err := c.R.GetBool()
		if err != nil {
			return err
		}
		has = v
		return nil
	})
	return has, err
}

// QueryPathHash returns the base32 content hash recorded for p.
func (s *Store) QueryPathHash(ctx context.Context, p storepath.Path) (string, error) {
	var hash string
	err := s.call(ctx, "query_path_hash", func(l *pool.Lease, c *daemon.Connection) error {
		if err := simpleStringIn(l, c, workerproto.OpQueryPathHash, s.codec.Print(p)); err != nil {
			return err
		}
		v, err := c.R.GetString()
		if err != nil {
			return err
		}
		hash = v
		return nil
	})
	return hash, err
}

// QueryReferences returns the set of paths p directly references.
func (s *Store) QueryReferences(ctx context.Context, p storepath.Path) (storepath.Set, error) {
	var refs storepath.Set
	err := s.call(ctx, "query_references", func(l *pool.Lease, c *daemon.Connection) error {
		if err := simpleStringIn(l, c, workerproto.OpQueryReferences, s.codec.Print(p)); err != nil {
			return err
		}
		raw, err := c.R.GetStringList()
		if err != nil {
			return err
		}
		refs, err = storepath.NewSet(s.codec, raw)
		return err
	})
	return refs, err
}

// QueryReferrers returns the set of paths that reference p. Added from
// the original opcode table (spec.md §6's QueryValidDerivers-adjacent
// opcode, wopQueryReferrers in remote-store.cc); not in spec.md §4.5's
// operation table.
func (s *Store) QueryReferrers(ctx context.Context, p storepath.Path) (storepath.Set, error) {
	var refs storepath.Set
	err := s.call(ctx, "query_referrers", func(l *pool.Lease, c *daemon.Connection) error {
		if err := simpleStringIn(l, c, workerproto.OpQueryReferrers, s.codec.Print(p)); err != nil {
			return err
		}
		raw, err := c.R.GetStringList()
		if err != nil {
			return err
		}
		refs, err = storepath.NewSet(s.codec, raw)
		return err
	})
	return refs, err
}

// QueryDeriver returns the deriver recorded for p, if any.
func (s *Store) QueryDeriver(ctx context.Context, p storepath.Path) (deriver storepath.Path, present bool, err error) {
	err = s.call(ctx, "query_deriver", func(l *pool.Lease, c *daemon.Connection) error {
		if err := simpleStringIn(l, c, workerproto.OpQueryDeriver, s.codec.Print(p)); err != nil {
			return err
		}
		raw, gerr := c.R.GetString()
		if gerr != nil {
			return gerr
		}
		deriver, present, gerr = storepath.ParseOptional(s.codec, raw)
		return gerr
	})
	return deriver, present, err
}

// QueryValidDerivers returns the set of derivers known to have produced
// p. Added from the original opcode table (spec.md §6 lists
// QueryValidDerivers; §4.5's table omits it).
func (s *Store) QueryValidDerivers(ctx context.Context, p storepath.Path) (storepath.Set, error) {
	var out storepath.Set
	err := s.call(ctx, "query_valid_derivers", func(l *pool.Lease, c *daemon.Connection) error {
		if err := simpleStringIn(l, c, workerproto.OpQueryValidDerivers, s.codec.Print(p)); err != nil {
			return err
		}
		raw, err := c.R.GetStringList()
		if err != nil {
			return err
		}
		out, err = storepath.NewSet(s.codec, raw)
		return err
	})
	return out, err
}

// QueryAllValidPaths returns every valid path known to the store. Added
// from the original opcode table (wopQueryAllValidPaths), a zero-
// argument operation omitted from spec.md §4.5's table.
func (s *Store) QueryAllValidPaths(ctx context.Context) (storepath.Set, error) {
	var out storepath.Set
	err := s.call(ctx, "query_all_valid_paths", func(l *pool.Lease, c *daemon.Connection) error {
		if err := c.W.PutUint64(uint64(workerproto.OpQueryAllValidPaths)); err != nil {
			return err
		}
		if err := l.ProcessStderr(nil, nil, true); err != nil {
			return err
		}
		raw, err := c.R.GetStringList()
		if err != nil {
			return err
		}
		out, err = storepath.NewSet(s.codec, raw)
		return err
	})
	return out, err
}

// AddTempRoot registers p as a temporary GC root for the life of this
// client's connection.
func (s *Store) AddTempRoot(ctx context.Context, p storepath.Path) error {
	return s.call(ctx, "add_temp_root", func(l *pool.Lease, c *daemon.Connection) error {
		if err := simpleStringIn(l, c, workerproto.OpAddTempRoot, s.codec.Print(p)); err != nil {
			return err
		}
		return ignoredUint64Response(c)
	})
}

// AddIndirectRoot registers the symlink at linkPath as an indirect GC
// root.
func (s *Store) AddIndirectRoot(ctx context.Context, linkPath string) error {
	return s.call(ctx, "add_indirect_root", func(l *pool.Lease, c *daemon.Connection) error {
		if err := simpleStringIn(l, c, workerproto.OpAddIndirectRoot, linkPath); err != nil {
			return err
		}
		return ignoredUint64Response(c)
	})
}

// SyncWithGC blocks until any in-progress garbage collection completes.
func (s *Store) SyncWithGC(ctx context.Context) error {
	return s.call(ctx, "sync_with_gc", func(l *pool.Lease, c *daemon.Connection) error {
		if err := c.W.PutUint64(uint64(workerproto.OpSyncWithGC)); err != nil {
			return err
		}
		if err := l.ProcessStderr(nil, nil, true); err != nil {
			return err
		}
		return ignoredUint64Response(c)
	})
}

// EnsurePath ensures p is present in the store, substituting or
// rebuilding it if necessary.
func (s *Store) EnsurePath(ctx context.Context, p storepath.Path) error {
	return s.call(ctx, "ensure_path", func(l *pool.Lease, c *daemon.Connection) error {
		if err := simpleStringIn(l, c, workerproto.OpEnsurePath, s.codec.Print(p)); err != nil {
			return err
		}
		return ignoredUint64Response(c)
	})
}

// OptimiseStore deduplicates identical files in the store via hard
// links.
func (s *Store) OptimiseStore(ctx context.Context) error {
	return s.call(ctx, "optimise_store", func(l *pool.Lease, c *daemon.Connection) error {
		if err := c.W.PutUint64(uint64(workerproto.OpOptimiseStore)); err != nil {
			return err
		}
		if err := l.ProcessStderr(nil, nil, true); err != nil {
			return err
		}
		return ignoredUint64Response(c)
	})
}

func unsupported(op, reason string) error {
	return &storeerr.UnsupportedOperation{Op: op, Reason: reason}
}
