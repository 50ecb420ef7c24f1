package store

import (
	"context"

	"github.com/storedaemon/client/src/daemon"
	"github.com/storedaemon/client/src/pool"
	"github.com/storedaemon/client/src/storepath"
	"github.com/storedaemon/client/src/workerproto"
)

// CollectGarbage runs one garbage-collection pass. On success, cache
// (the caller-owned path-info cache, an external collaborator per
// spec.md §1) is cleared, matching spec.md §8's law that the cache is
// always empty after a successful collection. cache may be nil.
func (s *Store) CollectGarbage(ctx context.Context, opts GCOptions, cache PathInfoCache) (GCResult, error) {
	var result GCResult
	err := s.call(ctx, "collect_garbage", func(l *pool.Lease, c *daemon.Connection) error {
		if err := c.W.PutUint64(uint64(workerproto.OpCollectGarbage)); err != nil {
			return err
		}
		if err := c.W.PutUint64(opts.Action); err != nil {
			return err
		}
		if err := c.W.PutStringList(opts.PathsToDelete.Strings(s.codec)); err != nil {
			return err
		}
		if err := c.W.PutBool(opts.IgnoreLiveness); err != nil {
			return err
		}
		if err := c.W.PutUint64(opts.MaxFreedBytes); err != nil {
			return err
		}
		for i := 0; i < 3; i++ {
			if err := c.W.PutUint64(0); err != nil {
				return err
			}
		}
		if err := l.ProcessStderr(nil, nil, true); err != nil {
			return err
		}

		freedRaw, err := c.R.GetStringList()
		if err != nil {
			return err
		}
		freed, err := storepath.NewSet(s.codec, freedRaw)
		if err != nil {
			return err
		}
		bytesFreed, err := c.R.GetUint64()
		if err != nil {
			return err
		}
		if _, err := c.R.GetUint64(); err != nil { // obsolete trailing u64
			return err
		}

		result.FreedPaths = freed
		result.BytesFreed = bytesFreed

		if cache != nil {
			cache.Clear()
		}
		return nil
	})
	return result, err
}

// RootPair is one (link path, target path) pair returned by FindRoots.
type RootPair struct {
	Link   string
	Target storepath.Path
}

// FindRoots returns every GC root the daemon currently knows about.
func (s *Store) FindRoots(ctx context.Context) ([]RootPair, error) {
	var out []RootPair
	err := s.call(ctx, "find_roots", func(l *pool.Lease, c *daemon.Connection) error {
		if err := c.W.PutUint64(uint64(workerproto.OpFindRoots)); err != nil {
			return err
		}
		if err := l.ProcessStderr(nil, nil, true); err != nil {
			return err
		}
		count, err := c.R.GetUint64()
		if err != nil {
			return err
		}
		pairs := make([]RootPair, 0, count)
		for i := uint64(0); i < count; i++ {
			link, err := c.R.GetString()
			if err != nil {
				return err
			}
			targetRaw, err := c.R.GetString()
			if err != nil {
				return err
			}
			target, err := s.codec.Parse(targetRaw)
			if err != nil {
				return err
			}
			pairs = append(pairs, RootPair{Link: link, Target: target})
		}
		out = pairs
		return nil
	})
	return out, err
}

// VerifyStore checks (and optionally repairs) the store's internal
// consistency, reporting whether errors remain afterward.
func (s *Store) VerifyStore(ctx context.Context, checkContents, repair bool) (errorsRemain bool, err error) {
	err = s.call(ctx, "verify_store", func(l *pool.Lease, c *daemon.Connection) error {
		if err := c.W.PutUint64(uint64(workerproto.OpVerifyStore)); err != nil {
			return err
		}
		if err := c.W.PutBool(checkContents); err != nil {
			return err
		}
		if err := c.W.PutBool(repair); err != nil {
			return err
		}
		if err := l.ProcessStderr(nil, nil, true); err != nil {
			return err
		}
		v, err := c.R.GetBool()
		if err != nil {
			return err
		}
		errorsRemain = v
		return nil
	})
	return errorsRemain, err
}

// AddSignatures attaches signatures to an already-valid path.
func (s *Store) AddSignatures(ctx context.Context, p storepath.Path, signatures []string) error {
	return s.call(ctx, "add_signatures", func(l *pool.Lease, c *daemon.Connection) error {
		if err := c.W.PutUint64(uint64(workerproto.OpAddSignatures)); err != nil {
			return err
		}
		if err := c.W.PutString(s.codec.Print(p)); err != nil {
			return err
		}
		if err := c.W.PutStringList(signatures); err != nil {
			return err
		}
		if err := l.ProcessStderr(nil, nil, true); err != nil {
			return err
		}
		return ignoredUint64Response(c)
	})
}
