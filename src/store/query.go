package store

import (
	"context"
	"strings"

	"github.com/storedaemon/client/src/daemon"
	"github.com/storedaemon/client/src/pool"
	"github.com/storedaemon/client/src/storepath"
	"github.com/storedaemon/client/src/workerproto"
)

// QueryValidPaths filters paths down to the subset that are valid. On
// minor<12 daemons, which have no batched request, it loops
// IsValidPath once per path.
func (s *Store) QueryValidPaths(ctx context.Context, paths storepath.Set) (storepath.Set, error) {
	var out storepath.Set
	err := s.call(ctx, "query_valid_paths", func(l *pool.Lease, c *daemon.Connection) error {
		if c.DaemonMinor < 12 {
			result := make(storepath.Set)
			for key, p := range paths {
				if err := c.W.PutUint64(uint64(workerproto.OpIsValidPath)); err != nil {
					return err
				}
				if err := c.W.PutString(s.codec.Print(p)); err != nil {
					return err
				}
				if err := l.ProcessStderr(nil, nil, true); err != nil {
					return err
				}
				valid, err := c.R.GetBool()
				if err != nil {
					return err
				}
				if valid {
					result[key] = p
				}
			}
			out = result
			return nil
		}

		if err := c.W.PutUint64(uint64(workerproto.OpQueryValidPaths)); err != nil {
			return err
		}
		if err := c.W.PutStringList(paths.Strings(s.codec)); err != nil {
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

// QuerySubstitutablePaths filters paths down to the subset a
// substituter can produce. On minor<12 it loops HasSubstitutes.
func (s *Store) QuerySubstitutablePaths(ctx context.Context, paths storepath.Set) (storepath.Set, error) {
	var out storepath.Set
	err := s.call(ctx, "query_substitutable_paths", func(l *pool.Lease, c *daemon.Connection) error {
		if c.DaemonMinor < 12 {
			result := make(storepath.Set)
			for key, p := range paths {
				if err := c.W.PutUint64(uint64(workerproto.OpHasSubstitutes)); err != nil {
					return err
				}
				if err := c.W.PutString(s.codec.Print(p)); err != nil {
					return err
				}
				if err := l.ProcessStderr(nil, nil, true); err != nil {
					return err
				}
				has, err := c.R.GetBool()
				if err != nil {
					return err
				}
				if has {
					result[key] = p
				}
			}
			out = result
			return nil
		}

		if err := c.W.PutUint64(uint64(workerproto.OpQuerySubstitutablePaths)); err != nil {
			return err
		}
		if err := c.W.PutStringList(paths.Strings(s.codec)); err != nil {
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

func (s *Store) readSubstitutablePathInfo(c *daemon.Connection) (SubstitutablePathInfo, error) {
	var info SubstitutablePathInfo
	raw, err := c.R.GetString()
	if err != nil {
		return info, err
	}
	info.Deriver, info.HasDeriver, err = storepath.ParseOptional(s.codec, raw)
	if err != nil {
		return info, err
	}
	refsRaw, err := c.R.GetStringList()
	if err != nil {
		return info, err
	}
	info.References, err = storepath.NewSet(s.codec, refsRaw)
	if err != nil {
		return info, err
	}
	if info.DownloadSize, err = c.R.GetUint64(); err != nil {
		return info, err
	}
	if info.NarSize, err = c.R.GetUint64(); err != nil {
		return info, err
	}
	return info, nil
}

// QuerySubstitutablePathInfos returns substitutable-info records for
// every path in paths that a substituter can produce. On minor>=22 the
// request is framed as a path/content-address map (content-address
// unknown to this caller, so every value is sent empty); on minor<12 it
// loops the singular QuerySubstitutablePathInfo opcode per path.
func (s *Store) QuerySubstitutablePathInfos(ctx context.Context, paths storepath.Set) (map[string]SubstitutablePathInfo, error) {
	var out map[string]SubstitutablePathInfo
	err := s.call(ctx, "query_substitutable_path_infos", func(l *pool.Lease, c *daemon.Connection) error {
		if c.DaemonMinor < 12 {
			result := make(map[string]SubstitutablePathInfo, len(paths))
			for key, p := range paths {
				if err := c.W.PutUint64(uint64(workerproto.OpQuerySubstitutablePathInfo)); err != nil {
					return err
				}
				if err := c.W.PutString(s.codec.Print(p)); err != nil {
					return err
				}
				if err := l.ProcessStderr(nil, nil, true); err != nil {
					return err
				}
				found, err := c.R.GetBool()
				if err != nil {
					return err
				}
				if !found {
					continue
				}
				info, err := s.readSubstitutablePathInfo(c)
				if err != nil {
					return err
				}
				result[key] = info
			}
			out = result
			return nil
		}

		if err := c.W.PutUint64(uint64(workerproto.OpQuerySubstitutablePathInfos)); err != nil {
			return err
		}
		if c.DaemonMinor >= 22 {
			pairs := make([][2]string, 0, len(paths))
			for _, p := range paths {
				pairs = append(pairs, [2]string{s.codec.Print(p), ""})
			}
			if err := c.W.PutPairs(pairs); err != nil {
				return err
			}
		} else {
			if err := c.W.PutStringList(paths.Strings(s.codec)); err != nil {
				return err
			}
		}
		if err := l.ProcessStderr(nil, nil, true); err != nil {
			return err
		}

		count, err := c.R.GetUint64()
		if err != nil {
			return err
		}
		result := make(map[string]SubstitutablePathInfo, count)
		for i := uint64(0); i < count; i++ {
			pathStr, err := c.R.GetString()
			if err != nil {
				return err
			}
			info, err := s.readSubstitutablePathInfo(c)
			if err != nil {
				return err
			}
			result[pathStr] = info
		}
		out = result
		return nil
	})
	return out, err
}

// QueryPathInfo fetches the path-info record for p. On minor>=17 the
// response is gated by an explicit valid-bit; on older daemons an
// invalid path instead surfaces as a DaemonError whose message is
// sniffed for the legacy "is not valid" substring (spec.md §9's noted
// fragility — kept scoped to exactly this version range).
func (s *Store) QueryPathInfo(ctx context.Context, p storepath.Path) (PathInfo, error) {
	var info PathInfo
	err := s.call(ctx, "query_path_info", func(l *pool.Lease, c *daemon.Connection) error {
		if err := c.W.PutUint64(uint64(workerproto.OpQueryPathInfo)); err != nil {
			return err
		}
		if err := c.W.PutString(s.codec.Print(p)); err != nil {
			return err
		}
		procErr := l.ProcessStderr(nil, nil, true)
		if procErr != nil {
			if c.DaemonMinor < 17 {
				if de, ok := procErr.(*daemon.DaemonError); ok && isLegacyInvalidPathMessage(de.Message) {
					return &InvalidPath{Path: p, Err: de}
				}
			}
			return procErr
		}

		if c.DaemonMinor >= 17 {
			valid, err := c.R.GetBool()
			if err != nil {
				return err
			}
			if !valid {
				l.MarkDaemonException()
				return &InvalidPath{Path: p, Err: &daemon.DaemonError{Message: "path is not valid"}}
			}
		}

		body, err := s.readPathInfoBody(c, p)
		if err != nil {
			return err
		}
		info = body
		return nil
	})
	return info, err
}

// readPathInfoBody decodes the path-info record body common to
// QueryPathInfo's post-valid-bit payload and AddToStore's minor>=25
// response: deriver, nar-hash, references, registration time, nar
// size, and (minor>=16) ultimate/signatures/content-address.
func (s *Store) readPathInfoBody(c *daemon.Connection, p storepath.Path) (PathInfo, error) {
	info := PathInfo{Path: p}

	deriverRaw, err := c.R.GetString()
	if err != nil {
		return info, err
	}
	if info.Deriver, info.HasDeriver, err = storepath.ParseOptional(s.codec, deriverRaw); err != nil {
		return info, err
	}

	narHash, err := c.R.GetString()
	if err != nil {
		return info, err
	}
	info.NarHash = narHash

	refsRaw, err := c.R.GetStringList()
	if err != nil {
		return info, err
	}
	if info.References, err = storepath.NewSet(s.codec, refsRaw); err != nil {
		return info, err
	}

	regTime, err := c.R.GetUint64()
	if err != nil {
		return info, err
	}
	info.RegistrationSec = int64(regTime)

	if info.NarSize, err = c.R.GetUint64(); err != nil {
		return info, err
	}

	if c.DaemonMinor >= 16 {
		if info.Ultimate, err = c.R.GetBool(); err != nil {
			return info, err
		}
		if info.Signatures, err = c.R.GetStringList(); err != nil {
			return info, err
		}
		if info.ContentAddress, err = c.R.GetString(); err != nil {
			return info, err
		}
	}
	return info, nil
}

func isLegacyInvalidPathMessage(msg string) bool {
	return strings.Contains(msg, "is not valid")
}

// QueryPathFromHashPart reverse-looks-up the store path whose hash
// component is hashPart. An empty return path means no such path is
// known.
func (s *Store) QueryPathFromHashPart(ctx context.Context, hashPart string) (p storepath.Path, present bool, err error) {
	err = s.call(ctx, "query_path_from_hash_part", func(l *pool.Lease, c *daemon.Connection) error {
		if err := simpleStringIn(l, c, workerproto.OpQueryPathFromHashPart, hashPart); err != nil {
			return err
		}
		raw, err := c.R.GetString()
		if err != nil {
			return err
		}
		p, present, err = storepath.ParseOptional(s.codec, raw)
		return err
	})
	return p, present, err
}

// QueryDerivationOutputs returns the set of output paths a derivation
// declares. On minor>=22 the daemon computes this; on older daemons the
// client parses the derivation locally through reader, a caller-
// supplied black-box collaborator (spec.md §1, §12).
func (s *Store) QueryDerivationOutputs(ctx context.Context, drvPath storepath.Path, reader DerivationReader) (storepath.Set, error) {
	var out storepath.Set
	err := s.call(ctx, "query_derivation_outputs", func(l *pool.Lease, c *daemon.Connection) error {
		if c.DaemonMinor < 22 {
			if reader == nil {
				return unsupported("query_derivation_outputs", "daemon minor<22 requires a DerivationReader to compute outputs locally")
			}
			drv, err := reader.Read(drvPath)
			if err != nil {
				return err
			}
			result := make(storepath.Set, len(drv.Outputs))
			for _, o := range drv.Outputs {
				if !o.HasPath {
					continue
				}
				result[s.codec.Print(o.Path)] = o.Path
			}
			out = result
			return nil
		}

		if err := simpleStringIn(l, c, workerproto.OpQueryDerivationOutputs, s.codec.Print(drvPath)); err != nil {
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

// QueryPartialDerivationOutputMap returns a map of output name to
// (possibly absent) output path. A connection is leased first to learn
// the daemon's version; on minor<22 nothing is sent on it and the
// client computes the map purely from the derivation's own structure
// via reader.
func (s *Store) QueryPartialDerivationOutputMap(ctx context.Context, drvPath storepath.Path, reader DerivationReader) (map[string]DerivationOutput, error) {
	var out map[string]DerivationOutput
	err := s.call(ctx, "query_partial_derivation_output_map", func(l *pool.Lease, c *daemon.Connection) error {
		if c.DaemonMinor < 22 {
			if reader == nil {
				return unsupported("query_partial_derivation_output_map", "daemon minor<22 requires a DerivationReader")
			}
			drv, err := reader.Read(drvPath)
			if err != nil {
				return err
			}
			result := make(map[string]DerivationOutput, len(drv.Outputs))
			for _, o := range drv.Outputs {
				result[o.Name] = o
			}
			out = result
			return nil
		}

		if err := simpleStringIn(l, c, workerproto.OpQueryDerivationOutputMap, s.codec.Print(drvPath)); err != nil {
			return err
		}
		count, err := c.R.GetUint64()
		if err != nil {
			return err
		}
		result := make(map[string]DerivationOutput, count)
		for i := uint64(0); i < count; i++ {
			name, err := c.R.GetString()
			if err != nil {
				return err
			}
			raw, err := c.R.GetString()
			if err != nil {
				return err
			}
			p, present, err := storepath.ParseOptional(s.codec, raw)
			if err != nil {
				return err
			}
			result[name] = DerivationOutput{Name: name, Path: p, HasPath: present}
		}
		out = result
		return nil
	})
	return out, err
}

func readPathSet(s *Store, c *daemon.Connection) (storepath.Set, error) {
	raw, err := c.R.GetStringList()
	if err != nil {
		return nil, err
	}
	return storepath.NewSet(s.codec, raw)
}

// QueryMissing computes, for a set of "targets" (paths or
// "path!outputs" derivation references), what the daemon would need to
// build versus substitute to realize them. On minor<19 daemons, which
// lack this opcode, the client must compute the answer locally via
// fallback — and per spec.md §4.5/§8 scenario 6, it must release its
// lease first, because the local computation itself calls other store
// operations that each lease a connection; holding one open would
// deadlock a capacity-1 pool.
func (s *Store) QueryMissing(ctx context.Context, targets []string, fallback func(ctx context.Context, targets []string) (MissingInfo, error)) (MissingInfo, error) {
	ctx, lease, finish, err := s.leaseOp(ctx, "query_missing")
	if err != nil {
		return MissingInfo{}, err
	}

	c := lease.Connection()
	if c.DaemonMinor < 19 {
		lease.Release(nil)
		if fallback == nil {
			err := unsupported("query_missing", "daemon minor<19 requires a local-fallback computation")
			finish(err)
			return MissingInfo{}, err
		}
		info, ferr := fallback(ctx, targets)
		finish(ferr)
		return info, ferr
	}

	var info MissingInfo
	runErr := func() error {
		if err := c.W.PutUint64(uint64(workerproto.OpQueryMissing)); err != nil {
			return err
		}
		if err := c.W.PutStringList(targets); err != nil {
			return err
		}
		if err := lease.ProcessStderr(nil, nil, true); err != nil {
			return err
		}

		var err error
		if info.WillBuild, err = readPathSet(s, c); err != nil {
			return err
		}
		if info.WillSubstitute, err = readPathSet(s, c); err != nil {
			return err
		}
		if info.Unknown, err = readPathSet(s, c); err != nil {
			return err
		}
		if info.DownloadSize, err = c.R.GetUint64(); err != nil {
			return err
		}
		if info.NarSize, err = c.R.GetUint64(); err != nil {
			return err
		}
		return nil
	}()

	lease.Release(runErr)
	finish(runErr)
	return info, runErr
}
