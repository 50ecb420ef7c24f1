package sink

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/storedaemon/client/src/wire"
)

func TestFramedSinkEmitsChunksAndTerminator(t *testing.T) {
	var buf bytes.Buffer
	w := wire.NewWriter(&buf)

	s := New(w, 4)
	if _, err := s.Write([]byte("abcdefgh")); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	r := wire.NewReader(&buf)
	first, err := r.GetBytes()
	if err != nil || string(first) != "abcd" {
		t.Fatalf("first chunk: got %q err=%v", first, err)
	}
	second, err := r.GetBytes()
	if err != nil || string(second) != "efgh" {
		t.Fatalf("second chunk: got %q err=%v", second, err)
	}
	term, err := r.GetBytes()
	if err != nil || len(term) != 0 {
		t.Fatalf("expected zero-length terminator, got %q err=%v", term, err)
	}
}

func TestFramedSinkCloseIsIdempotent(t *testing.T) {
	var buf bytes.Buffer
	w := wire.NewWriter(&buf)
	s := New(w, 1024)
	if _, err := s.Write([]byte("x")); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close should be a no-op, got %v", err)
	}
}

func TestWithDrainCallerErrorWinsOverStderrError(t *testing.T) {
	var buf bytes.Buffer
	w := wire.NewWriter(&buf)

	callerErr := errors.New("caller failed")
	drainer := drainerFunc(func() error { return errors.New("stderr failed") })

	err := WithDrain(w, drainer, 0, nil, func(s *FramedSink) error {
		_, _ = s.Write([]byte("partial"))
		return callerErr
	})
	if err != callerErr {
		t.Fatalf("expected caller error to win, got %v", err)
	}
}

func TestWithDrainReturnsStderrErrorWhenCallerClean(t *testing.T) {
	var buf bytes.Buffer
	w := wire.NewWriter(&buf)

	stderrErr := errors.New("stderr failed")
	drainer := drainerFunc(func() error { return stderrErr })

	err := WithDrain(w, drainer, 0, nil, func(s *FramedSink) error {
		_, _ = s.Write([]byte("ok"))
		return nil
	})
	if err != stderrErr {
		t.Fatalf("expected stderr error to surface, got %v", err)
	}
}

// drainerFunc adapts a no-arg error func to the StderrDrainer interface
// for tests that don't care about sink/source plumbing.
type drainerFunc func() error

func (f drainerFunc) ProcessStderr(_ io.Writer, _ io.Reader, _ bool) error { return f() }
