package store

import (
	"context"
	"fmt"

	"github.com/storedaemon/client/src/daemon"
	"github.com/storedaemon/client/src/pool"
	"github.com/storedaemon/client/src/storepath"
	"github.com/storedaemon/client/src/workerproto"
)

// BuildTarget names one derivation path and the subset of its outputs
// to realize ("" / nil outputs means "all outputs").
type BuildTarget struct {
	DrvPath storepath.Path
	Outputs []string
}

func (t BuildTarget) encode(codec storepath.Codec) string {
	if len(t.Outputs) == 0 {
		return codec.Print(t.DrvPath)
	}
	s := codec.Print(t.DrvPath) + "!"
	for i, o := range t.Outputs {
		if i > 0 {
			s += ","
		}
		s += o
	}
	return s
}

// BuildPaths builds or substitutes targets. Unsupported on daemons
// older than minor 13; a non-normal mode is rejected client-side on
// minor<15, since those daemons have no way to express it on the wire.
func (s *Store) BuildPaths(ctx context.Context, targets []BuildTarget, mode workerproto.BuildMode) error {
	return s.call(ctx, "build_paths", func(l *pool.Lease, c *daemon.Connection) error {
		if c.DaemonMinor < 13 {
			return unsupported("build_paths", "daemon minor<13 does not support this opcode")
		}
		if c.DaemonMinor < 15 && mode != workerproto.BuildModeNormal {
			return unsupported("build_paths", fmt.Sprintf("daemon minor<15 cannot express build mode %d", mode))
		}

		if err := c.W.PutUint64(uint64(workerproto.OpBuildPaths)); err != nil {
			return err
		}
		encoded := make([]string, len(targets))
		for i, t := range targets {
			encoded[i] = t.encode(s.codec)
		}
		if err := c.W.PutStringList(encoded); err != nil {
			return err
		}
		if c.DaemonMinor >= 15 {
			if err := c.W.PutUint64(uint64(mode)); err != nil {
				return err
			}
		}
		if err := l.ProcessStderr(nil, nil, true); err != nil {
			return err
		}
		return ignoredUint64Response(c)
	})
}

// BuildDerivation builds a single derivation already known to the
// daemon only by path, sending its full serialized text (the ATerm-like
// blob this package treats as an opaque string) along with the build
// mode.
func (s *Store) BuildDerivation(ctx context.Context, drvPath storepath.Path, serializedDrv string, mode workerproto.BuildMode) (BuildResult, error) {
	var result BuildResult
	err := s.call(ctx, "build_derivation", func(l *pool.Lease, c *daemon.Connection) error {
		if err := c.W.PutUint64(uint64(workerproto.OpBuildDerivation)); err != nil {
			return err
		}
		if err := c.W.PutString(s.codec.Print(drvPath)); err != nil {
			return err
		}
		if err := c.W.PutString(serializedDrv); err != nil {
			return err
		}
		if err := c.W.PutUint64(uint64(mode)); err != nil {
			return err
		}
		if err := l.ProcessStderr(nil, nil, true); err != nil {
			return err
		}

		status, err := c.R.GetUint64()
		if err != nil {
			return err
		}
		msg, err := c.R.GetString()
		if err != nil {
			return err
		}
		result.Status = uint32(status)
		result.Message = msg
		return nil
	})
	return result, err
}
