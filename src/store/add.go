package store

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/storedaemon/client/src/daemon"
	"github.com/storedaemon/client/src/pool"
	"github.com/storedaemon/client/src/sink"
	"github.com/storedaemon/client/src/storepath"
	"github.com/storedaemon/client/src/wire"
	"github.com/storedaemon/client/src/workerproto"
)

// AddToStore adds a new path with the given content-addressing method.
// On minor>=25 daemons this is a single framed round trip that returns
// the full path-info record. On older daemons it dispatches per
// spec.md §4.5.1's decision tree: a text hash is buffered and sent
// whole via AddTextToStore; a fixed-output hash bumps the pool's
// capacity for the duration of the upload (so a concurrent caller isn't
// starved by this one holding its only connection) and streams the
// payload directly. Either legacy branch must release its lease before
// following up with QueryPathInfo, to avoid requesting a second
// connection from a pool that may have capacity 1.
func (s *Store) AddToStore(ctx context.Context, name string, method ContentAddressMethod, refs storepath.Set, repair bool, source io.Reader) (PathInfo, error) {
	ctx, lease, finish, err := s.leaseOp(ctx, "add_to_store")
	if err != nil {
		return PathInfo{}, err
	}
	c := lease.Connection()

	if c.DaemonMinor >= 25 {
		info, runErr := s.addToStoreFramed(lease, c, name, method, refs, repair, source)
		lease.Release(runErr)
		finish(runErr)
		return info, runErr
	}

	if method.Kind == TextHash {
		pathStr, runErr := s.addTextToStoreLegacy(lease, c, name, source, refs)
		lease.Release(runErr)
		finish(runErr)
		if runErr != nil {
			return PathInfo{}, runErr
		}
		return s.queryPathInfoByString(ctx, pathStr)
	}

	if repair && c.DaemonMinor < 25 {
		lease.Release(nil)
		err := unsupported("add_to_store", "repair on a content-addressed add requires daemon minor>=25")
		finish(err)
		return PathInfo{}, err
	}

	pathStr, runErr := s.addFixedOutputToStoreLegacy(lease, c, name, method, source)
	lease.Release(runErr)
	finish(runErr)
	if runErr != nil {
		return PathInfo{}, runErr
	}
	return s.queryPathInfoByString(ctx, pathStr)
}

func (s *Store) queryPathInfoByString(ctx context.Context, pathStr string) (PathInfo, error) {
	p, err := s.codec.Parse(pathStr)
	if err != nil {
		return PathInfo{}, err
	}
	return s.QueryPathInfo(ctx, p)
}

func (s *Store) addToStoreFramed(lease *pool.Lease, c *daemon.Connection, name string, method ContentAddressMethod, refs storepath.Set, repair bool, source io.Reader) (PathInfo, error) {
	if err := c.W.PutUint64(uint64(workerproto.OpAddToStore)); err != nil {
		return PathInfo{}, err
	}
	if err := c.W.PutString(name); err != nil {
		return PathInfo{}, err
	}
	if err := c.W.PutString(method.String()); err != nil {
		return PathInfo{}, err
	}
	if err := c.W.PutStringList(refs.Strings(s.codec)); err != nil {
		return PathInfo{}, err
	}
	if err := c.W.PutBool(repair); err != nil {
		return PathInfo{}, err
	}

	drainErr := sink.WithDrain(c.W, lease, sink.DefaultChunkSize, s.log, func(fs *sink.FramedSink) error {
		_, err := io.Copy(fs, source)
		return err
	})
	if drainErr != nil {
		return PathInfo{}, drainErr
	}

	pathStr, err := c.R.GetString()
	if err != nil {
		return PathInfo{}, err
	}
	p, err := s.codec.Parse(pathStr)
	if err != nil {
		return PathInfo{}, err
	}
	return s.readPathInfoBody(c, p)
}

func (s *Store) addTextToStoreLegacy(lease *pool.Lease, c *daemon.Connection, name string, source io.Reader, refs storepath.Set) (string, error) {
	blob, err := io.ReadAll(source)
	if err != nil {
		return "", err
	}
	if err := c.W.PutUint64(uint64(workerproto.OpAddTextToStore)); err != nil {
		return "", err
	}
	if err := c.W.PutString(name); err != nil {
		return "", err
	}
	if err := c.W.PutBytes(blob); err != nil {
		return "", err
	}
	if err := c.W.PutStringList(refs.Strings(s.codec)); err != nil {
		return "", err
	}
	if err := lease.ProcessStderr(nil, nil, true); err != nil {
		return "", err
	}
	return c.R.GetString()
}

// addFixedOutputToStoreLegacy streams source directly to the daemon
// after the header. The pool's capacity is transiently bumped for the
// duration so a concurrent caller isn't forced to wait behind an upload
// holding the pool's only connection. Unlike the minor>=25 framed path,
// the payload here is not chunked on the wire: per remote-store.cc's
// legacy addCAToStore, a recursive ingestion drains source onto the
// connection raw (no length prefix at all, since the NAR dump is
// self-delimiting), while a flat ingestion buffers source whole and
// wraps it in dumpString's single-regular-file NAR envelope.
func (s *Store) addFixedOutputToStoreLegacy(lease *pool.Lease, c *daemon.Connection, name string, method ContentAddressMethod, source io.Reader) (string, error) {
	s.pool.IncCapacity()
	defer s.pool.DecCapacity()

	if err := c.W.PutUint64(uint64(workerproto.OpAddToStore)); err != nil {
		return "", err
	}
	if err := c.W.PutString(name); err != nil {
		return "", err
	}
	if err := c.W.PutUint64(method.legacyMethodCode()); err != nil {
		return "", err
	}
	if err := c.W.PutBool(method.Recursive); err != nil {
		return "", err
	}
	if err := c.W.PutString(string(method.HashType)); err != nil {
		return "", err
	}

	if err := s.writeFixedOutputDump(lease, c, method, source); err != nil {
		return "", err
	}

	if err := lease.ProcessStderr(nil, nil, true); err != nil {
		return "", err
	}
	return c.R.GetString()
}

func (s *Store) writeFixedOutputDump(lease *pool.Lease, c *daemon.Connection, method ContentAddressMethod, source io.Reader) error {
	var err error
	if method.Recursive {
		_, err = io.Copy(c.W.Raw(), source)
	} else {
		var blob []byte
		if blob, err = io.ReadAll(source); err == nil {
			err = writeDumpString(c.W, blob)
		}
	}
	if err == nil {
		return nil
	}

	var ioErr *wire.IoError
	if errors.As(err, &ioErr) {
		if procErr := lease.ProcessStderr(nil, nil, false); procErr != nil {
			return procErr
		}
	}
	return err
}

// AddTextToStore adds a text-hashed path directly, bypassing the
// AddToStore dispatch — the shape callers reach for when they already
// know the content is a text file and don't need the version-gated
// fixed-output-hash machinery.
func (s *Store) AddTextToStore(ctx context.Context, name, text string, refs storepath.Set) (PathInfo, error) {
	ctx, lease, finish, err := s.leaseOp(ctx, "add_text_to_store")
	if err != nil {
		return PathInfo{}, err
	}
	c := lease.Connection()
	pathStr, runErr := s.addTextToStoreLegacy(lease, c, name, strings.NewReader(text), refs)
	lease.Release(runErr)
	finish(runErr)
	if runErr != nil {
		return PathInfo{}, runErr
	}
	return s.queryPathInfoByString(ctx, pathStr)
}

// NarInfo carries the metadata AddToStoreNar attaches to a NAR dump:
// everything QueryPathInfo would later return, supplied up front
// because the daemon has no other way to learn it for an import it
// didn't build itself.
type NarInfo struct {
	Path            storepath.Path
	Deriver         storepath.Path
	HasDeriver      bool
	NarHash         string
	References      storepath.Set
	RegistrationSec int64
	NarSize         uint64
	Ultimate        bool
	Signatures      []string
	ContentAddress  string
	Repair          bool
	CheckSigs       bool
}

// AddToStoreNar imports a NAR dump with known metadata, per
// remote-store.cc's addToStore(ValidPathInfo, Source). A minor<18
// daemon speaks an entirely different wrapper — wopImportPaths, with
// the dump and its metadata both folded into the interleaved stderr
// sub-protocol rather than written as a header — handled by
// addImportPathsLegacy. From minor 18 on, writeNarInfoHeader's record
// is written up front and three regimes apply to how the dump itself
// then travels:
//   - minor>=23: a framed sink runs concurrently with the stderr drain,
//     the same chunked-upload shape AddToStore's minor>=25 path uses.
//   - minor∈[21,23): the dump is not sent up front at all. process_stderr
//     drains with nar attached as its source, so the daemon pulls the
//     bytes itself via READ frames.
//   - minor<21: the dump is copied onto the connection raw, with no
//     length prefix, before process_stderr drains with neither a sink
//     nor a source attached.
func (s *Store) AddToStoreNar(ctx context.Context, info NarInfo, nar io.Reader) error {
	return s.call(ctx, "add_to_store_nar", func(l *pool.Lease, c *daemon.Connection) error {
		if c.DaemonMinor < 18 {
			return s.addImportPathsLegacy(l, c, info, nar)
		}

		if err := s.writeNarInfoHeader(c, info); err != nil {
			return err
		}

		switch {
		case c.DaemonMinor >= 23:
			return sink.WithDrain(c.W, l, sink.DefaultChunkSize, s.log, func(fs *sink.FramedSink) error {
				_, err := io.Copy(fs, nar)
				return err
			})
		case c.DaemonMinor >= 21:
			return l.ProcessStderr(nil, nar, true)
		default:
			if _, err := io.Copy(c.W.Raw(), nar); err != nil {
				return err
			}
			return l.ProcessStderr(nil, nil, true)
		}
	})
}

// addImportPathsLegacy implements the pre-minor-18 wopImportPaths
// wrapper. Unlike every other add path, none of the NAR, the store
// path, its references, or its deriver are written to the connection
// directly: the opcode is the only header, and the entire envelope —
// a path-follows marker, the NAR itself, the legacy export magic, the
// path, references, deriver, and two trailing zero markers — is handed
// to process_stderr as its source, pulled lazily via the daemon's own
// READ frames, exactly like AddToStoreNar's minor∈[21,23) regime pulls
// a bare NAR. The daemon replies with the set of paths it imported,
// which for a single addToStore-driven import is always of size 0 or
// 1.
func (s *Store) addImportPathsLegacy(l *pool.Lease, c *daemon.Connection, info NarInfo, nar io.Reader) error {
	if err := c.W.PutUint64(uint64(workerproto.OpImportPaths)); err != nil {
		return err
	}

	pr, pw := io.Pipe()
	envDone := make(chan error, 1)
	go func() {
		err := writeImportPathsEnvelope(pw, s.codec, info, nar)
		pw.CloseWithError(err)
		envDone <- err
	}()

	procErr := l.ProcessStderr(nil, pr, true)
	_ = pr.Close()
	envErr := <-envDone
	if procErr != nil {
		return procErr
	}
	if envErr != nil {
		return envErr
	}

	imported, err := c.R.GetStringList()
	if err != nil {
		return err
	}
	if len(imported) > 1 {
		return &wire.ProtocolError{Message: "legacy import_paths returned more than one path"}
	}
	return nil
}

// writeImportPathsEnvelope builds the byte stream addImportPathsLegacy
// hands to process_stderr as its pull source, per remote-store.cc's
// addToStore(ValidPathInfo, Source)'s minor<18 branch: 1 (path
// follows), the NAR, the legacy export magic, the printed store path,
// its references, its deriver (or an empty string), 0 (no legacy
// signature), and 0 (no further path follows).
func writeImportPathsEnvelope(pw *io.PipeWriter, codec storepath.Codec, info NarInfo, nar io.Reader) error {
	w := wire.NewWriter(pw)
	if err := w.PutUint64(1); err != nil {
		return err
	}
	if _, err := io.Copy(w.Raw(), nar); err != nil {
		return err
	}
	if err := w.PutUint64(workerproto.ExportMagic); err != nil {
		return err
	}
	if err := w.PutString(codec.Print(info.Path)); err != nil {
		return err
	}
	if err := w.PutStringList(info.References.Strings(codec)); err != nil {
		return err
	}
	deriver := ""
	if info.HasDeriver {
		deriver = codec.Print(info.Deriver)
	}
	if err := w.PutString(deriver); err != nil {
		return err
	}
	if err := w.PutUint64(0); err != nil { // no legacy signature
		return err
	}
	if err := w.PutUint64(0); err != nil { // no further path follows
		return err
	}
	return w.Flush()
}

func (s *Store) writeNarInfoHeader(c *daemon.Connection, info NarInfo) error {
	if err := c.W.PutUint64(uint64(workerproto.OpAddToStoreNar)); err != nil {
		return err
	}
	if err := c.W.PutString(s.codec.Print(info.Path)); err != nil {
		return err
	}
	if err := c.W.PutString(storepath.PrintOptional(s.codec, info.Deriver, info.HasDeriver)); err != nil {
		return err
	}
	if err := c.W.PutString(info.NarHash); err != nil {
		return err
	}
	if err := c.W.PutStringList(info.References.Strings(s.codec)); err != nil {
		return err
	}
	if err := c.W.PutUint64(uint64(info.RegistrationSec)); err != nil {
		return err
	}
	if err := c.W.PutUint64(info.NarSize); err != nil {
		return err
	}
	if err := c.W.PutBool(info.Ultimate); err != nil {
		return err
	}
	if err := c.W.PutStringList(info.Signatures); err != nil {
		return err
	}
	if err := c.W.PutString(info.ContentAddress); err != nil {
		return err
	}
	if err := c.W.PutBool(info.Repair); err != nil {
		return err
	}
	return c.W.PutBool(!info.CheckSigs)
}
