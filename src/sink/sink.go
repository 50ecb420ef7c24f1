// Package sink implements the framed upload adapter bulk content
// transfers use: a Write-only stream that chunks its input into
// length-prefixed frames, with a background drain of the connection's
// interleaved stderr stream running concurrently in the reverse
// direction of the same duplex socket.
package sink

import (
	"io"

	"github.com/storedaemon/client/src/storelog"
)

// DefaultChunkSize is the payload size at which FramedSink emits a
// frame rather than continuing to buffer, matching the chunk size the
// worker protocol's bulk-transfer paths use in practice.
const DefaultChunkSize = 32 * 1024

// FrameWriter is the narrow slice of wire.Writer a FramedSink needs:
// one length-prefixed payload frame at a time, with an explicit flush.
type FrameWriter interface {
	PutBytes(b []byte) error
	Flush() error
}

// FramedSink chunks arbitrary writes into length-prefixed frames on an
// underlying FrameWriter, emitting a zero-length terminator frame on
// Close.
type FramedSink struct {
	w         FrameWriter
	chunkSize int
	buf       []byte
	closed    bool
}

// New wraps w, buffering writes into chunkSize-sized frames. A
// chunkSize of 0 uses DefaultChunkSize.
func New(w FrameWriter, chunkSize int) *FramedSink {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &FramedSink{w: w, chunkSize: chunkSize}
}

// Write buffers p, emitting full chunkSize frames as they fill.
func (s *FramedSink) Write(p []byte) (int, error) {
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	total := len(p)
	for len(p) > 0 {
		room := s.chunkSize - len(s.buf)
		n := room
		if n > len(p) {
			n = len(p)
		}
		s.buf = append(s.buf, p[:n]...)
		p = p[n:]
		if len(s.buf) >= s.chunkSize {
			if err := s.flushChunk(); err != nil {
				return total - len(p), err
			}
		}
	}
	return total, nil
}

func (s *FramedSink) flushChunk() error {
	if len(s.buf) == 0 {
		return nil
	}
	if err := s.w.PutBytes(s.buf); err != nil {
		return err
	}
	s.buf = s.buf[:0]
	return s.w.Flush()
}

// Close flushes any buffered bytes as a final frame, then writes the
// zero-length terminator frame that tells the daemon the upload is
// complete. Safe to call more than once.
func (s *FramedSink) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.flushChunk(); err != nil {
		return err
	}
	if err := s.w.PutBytes(nil); err != nil {
		return err
	}
	return s.w.Flush()
}

// StderrDrainer is the connection-level capability WithDrain needs: the
// ability to drain the interleaved log sub-protocol and surface either
// a deferred daemon error or a true I/O failure as a single error.
type StderrDrainer interface {
	ProcessStderr(sink io.Writer, source io.Reader, flush bool) error
}

// WithDrain flushes w, starts draining the connection's stderr stream
// on a background goroutine, and runs fn against a FramedSink built on
// w. The sink's close still writes its terminator frame even if fn
// returns an error, so the daemon can observe a complete (if aborted)
// upload and reply with its own error rather than hanging.
//
// If both fn and the background drain produce errors, fn's error wins;
// the drain's error is logged and suppressed, per the framed-sink
// exception-precedence rule.
func WithDrain(w FrameWriter, drainer StderrDrainer, chunkSize int, log storelog.Logger, fn func(*FramedSink) error) error {
	if log == nil {
		log = storelog.NoOpLogger{}
	}
	if err := w.Flush(); err != nil {
		return err
	}

	stderrDone := make(chan error, 1)
	go func() {
		stderrDone <- drainer.ProcessStderr(nil, nil, false)
	}()

	s := New(w, chunkSize)
	callErr := fn(s)
	if closeErr := s.Close(); callErr == nil {
		callErr = closeErr
	}

	stderrErr := <-stderrDone

	if callErr != nil {
		if stderrErr != nil {
			log.LogCategory(storelog.LevelWarn, storelog.CategoryUpload, "suppressing stderr-drain error behind caller error", "stderr_err", stderrErr, "caller_err", callErr)
		}
		return callErr
	}
	return stderrErr
}
