package store

import (
	"context"
	"io"

	"github.com/storedaemon/client/src/daemon"
	"github.com/storedaemon/client/src/pool"
	"github.com/storedaemon/client/src/storepath"
	"github.com/storedaemon/client/src/wire"
	"github.com/storedaemon/client/src/workerproto"
)

// NarFromPath streams the NAR serialization of p into dst. Unlike
// every other operation, the reply is not carried inside the stderr
// sub-protocol's WRITE frames: process_stderr drains with no sink
// attached, and the NAR bytes follow it on the wire as a raw,
// unframed run copied straight from the connection into dst.
func (s *Store) NarFromPath(ctx context.Context, p storepath.Path, dst io.Writer) error {
	return s.call(ctx, "nar_from_path", func(l *pool.Lease, c *daemon.Connection) error {
		if err := c.W.PutUint64(uint64(workerproto.OpNarFromPath)); err != nil {
			return err
		}
		if err := c.W.PutString(s.codec.Print(p)); err != nil {
			return err
		}
		if err := l.ProcessStderr(nil, nil, true); err != nil {
			return err
		}
		_, err := io.Copy(dst, c.R.Raw())
		return err
	})
}

// writeDumpString emits the one NAR shape this client ever constructs
// itself, rather than treating as an opaque byte stream: the
// single-regular-file archive dumpString produces for a flat
// fixed-output legacy add, which is "(" "type" "regular" "contents"
// <data> ")" — each token framed with the same length-prefixed, padded
// string encoding the worker protocol itself uses, since NAR borrows
// that primitive directly.
func writeDumpString(w *wire.Writer, contents []byte) error {
	if err := w.PutString("("); err != nil {
		return err
	}
	if err := w.PutString("type"); err != nil {
		return err
	}
	if err := w.PutString("regular"); err != nil {
		return err
	}
	if err := w.PutString("contents"); err != nil {
		return err
	}
	if err := w.PutBytes(contents); err != nil {
		return err
	}
	return w.PutString(")")
}
