package pool

import (
	"io"
	"net"

	"github.com/storedaemon/client/src/daemon"
)

// Lease is a scoped holder of one checked-out Connection. Release is
// idempotent; calling it more than once after the first has no effect.
// On an abnormal release — any error other than one already known to
// have come from the daemon via the stderr ERROR tag — the underlying
// connection is dropped rather than returned to the pool, because a
// non-daemon error leaves unread bytes on the wire.
type Lease struct {
	pool            *Pool
	conn            *daemon.Connection
	raw             net.Conn
	daemonException bool
	released        bool
}

// Connection returns the leased daemon connection for the dispatcher to
// drive directly.
func (l *Lease) Connection() *daemon.Connection { return l.conn }

// ProcessStderr drains the interleaved log sub-protocol on the leased
// connection. A returned DaemonError means the stream is still aligned;
// the lease records that fact so Release does not poison the
// connection for it. Any other error desynchronizes the stream.
func (l *Lease) ProcessStderr(sink io.Writer, source io.Reader, flush bool) error {
	daemonErr, ioErr := l.conn.ProcessStderr(sink, source, flush)
	if ioErr != nil {
		return ioErr
	}
	if daemonErr != nil {
		l.daemonException = true
		return daemonErr
	}
	return nil
}

// MarkDaemonException records that the caller's operation ended in a
// clean, daemon-reported condition — one that does not leave unread
// bytes on the wire — even though it did not arrive through
// ProcessStderr's own DaemonError return (for example, a synthesized
// condition decoded from an ordinary response field, such as a
// valid-bit that came back false). Release treats it exactly like a
// DaemonError captured by ProcessStderr: the connection is still
// returned to the pool for reuse.
func (l *Lease) MarkDaemonException() {
	l.daemonException = true
}

// Release returns the connection to the pool. Pass the error (if any)
// that is propagating out of the caller's operation; nil means the
// operation completed cleanly.
func (l *Lease) Release(err error) {
	if l.released {
		return
	}
	l.released = true
	bad := err != nil && !l.daemonException
	l.pool.release(l, bad)
}
