package daemon

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/storedaemon/client/src/wire"
	"github.com/storedaemon/client/src/workerproto"
)

// pipePair returns a Connection wired to one end of an in-memory pipe,
// plus framed reader/writer for the test to drive the other end as a
// fake daemon.
func pipePair(t *testing.T) (*Connection, *wire.Reader, *wire.Writer) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { _ = client.Close(); _ = server.Close() })

	c := &Connection{
		conn:      client,
		R:         wire.NewReader(client),
		W:         wire.NewWriter(client),
		startTime: time.Now(),
	}
	return c, wire.NewReader(server), wire.NewWriter(server)
}

func TestGreetHappyPathMinor14(t *testing.T) {
	c, daemonR, daemonW := pipePair(t)

	done := make(chan error, 1)
	go func() {
		done <- c.Greet(GreetingOptions{})
	}()

	magic, err := daemonR.GetUint64()
	if err != nil || magic != workerproto.Magic1 {
		t.Fatalf("expected magic1, got %d err=%v", magic, err)
	}
	if err := daemonW.PutUint64(workerproto.Magic2); err != nil {
		t.Fatal(err)
	}
	if err := daemonW.PutUint64(uint64(1)<<8 | 14); err != nil {
		t.Fatal(err)
	}
	if err := daemonW.Flush(); err != nil {
		t.Fatal(err)
	}

	if _, err := daemonR.GetUint64(); err != nil { // client protocol version
		t.Fatal(err)
	}
	cpuFlag, err := daemonR.GetUint64() // no-cpu-hint flag, minor>=14
	if err != nil || cpuFlag != 0 {
		t.Fatalf("expected cpu flag 0, got %d err=%v", cpuFlag, err)
	}
	reserved, err := daemonR.GetBool() // minor>=11 reserved flag
	if err != nil || reserved {
		t.Fatalf("expected reserved=false, got %v err=%v", reserved, err)
	}

	if err := daemonW.PutUint64(uint64(workerproto.StderrLast)); err != nil {
		t.Fatal(err)
	}
	if err := daemonW.Flush(); err != nil {
		t.Fatal(err)
	}

	// client now sends SET_OPTIONS
	op, err := daemonR.GetUint64()
	if err != nil || workerproto.Opcode(op) != workerproto.OpSetOptions {
		t.Fatalf("expected SET_OPTIONS opcode, got %d err=%v", op, err)
	}
	for i := 0; i < 12; i++ {
		if _, err := daemonR.GetUint64(); err != nil {
			t.Fatalf("reading legacy scalar %d: %v", i, err)
		}
	}
	if _, err := daemonR.GetPairs(); err != nil { // minor>=12 overrides map
		t.Fatalf("reading overrides map: %v", err)
	}
	if err := daemonW.PutUint64(uint64(workerproto.StderrLast)); err != nil {
		t.Fatal(err)
	}
	if err := daemonW.Flush(); err != nil {
		t.Fatal(err)
	}

	if err := <-done; err != nil {
		t.Fatalf("Greet returned error: %v", err)
	}
	if c.DaemonMajor != 1 || c.DaemonMinor != 14 {
		t.Errorf("expected version 1.14, got %d.%d", c.DaemonMajor, c.DaemonMinor)
	}
}

func TestGreetVersionTooOld(t *testing.T) {
	c, daemonR, daemonW := pipePair(t)

	done := make(chan error, 1)
	go func() {
		done <- c.Greet(GreetingOptions{})
	}()

	if _, err := daemonR.GetUint64(); err != nil {
		t.Fatal(err)
	}
	if err := daemonW.PutUint64(workerproto.Magic2); err != nil {
		t.Fatal(err)
	}
	if err := daemonW.PutUint64(uint64(1)<<8 | 9); err != nil {
		t.Fatal(err)
	}
	if err := daemonW.Flush(); err != nil {
		t.Fatal(err)
	}

	err := <-done
	if err == nil {
		t.Fatal("expected UnsupportedVersionError")
	}
	var uv *UnsupportedVersionError
	if uerr, ok := asUnsupportedVersion(err); ok {
		uv = uerr
	}
	if uv == nil || !uv.TooOld {
		t.Fatalf("expected a too-old UnsupportedVersionError, got %v", err)
	}
}

func asUnsupportedVersion(err error) (*UnsupportedVersionError, bool) {
	for err != nil {
		if uv, ok := err.(*UnsupportedVersionError); ok {
			return uv, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}

func TestProcessStderrCapturesErrorTag(t *testing.T) {
	c, daemonR, daemonW := pipePair(t)
	_ = daemonR

	go func() {
		if err := daemonW.PutUint64(uint64(workerproto.StderrError)); err != nil {
			t.Error(err)
			return
		}
		if err := daemonW.PutString("build failed"); err != nil {
			t.Error(err)
			return
		}
		if err := daemonW.PutUint64(100); err != nil {
			t.Error(err)
			return
		}
		if err := daemonW.Flush(); err != nil {
			t.Error(err)
			return
		}
	}()

	daemonErr, ioErr := c.ProcessStderr(nil, nil, false)
	if ioErr != nil {
		t.Fatalf("unexpected io error: %v", ioErr)
	}
	de, ok := daemonErr.(*DaemonError)
	if !ok {
		t.Fatalf("expected *DaemonError, got %T", daemonErr)
	}
	if de.Status != 100 || de.Message != "build failed" {
		t.Errorf("unexpected DaemonError: %+v", de)
	}
	if IsProtocolDesync(daemonErr) {
		t.Error("a DaemonError must not be classified as a protocol desync")
	}
}

func TestProcessStderrWriteWithoutSinkIsProtocolError(t *testing.T) {
	c, _, daemonW := pipePair(t)

	go func() {
		if err := daemonW.PutUint64(uint64(workerproto.StderrWrite)); err != nil {
			t.Error(err)
			return
		}
		if err := daemonW.PutString("log output"); err != nil {
			t.Error(err)
			return
		}
		if err := daemonW.Flush(); err != nil {
			t.Error(err)
			return
		}
	}()

	_, ioErr := c.ProcessStderr(nil, nil, false)
	if ioErr == nil {
		t.Fatal("expected a protocol error")
	}
	if !IsProtocolDesync(ioErr) {
		t.Error("a missing sink on WRITE must desynchronize the stream")
	}
}

func TestProcessStderrWriteAppendsToSink(t *testing.T) {
	c, _, daemonW := pipePair(t)

	go func() {
		if err := daemonW.PutUint64(uint64(workerproto.StderrWrite)); err != nil {
			t.Error(err)
			return
		}
		if err := daemonW.PutString("hello"); err != nil {
			t.Error(err)
			return
		}
		if err := daemonW.PutUint64(uint64(workerproto.StderrLast)); err != nil {
			t.Error(err)
			return
		}
		if err := daemonW.Flush(); err != nil {
			t.Error(err)
			return
		}
	}()

	var sink bytes.Buffer
	daemonErr, ioErr := c.ProcessStderr(&sink, nil, false)
	if ioErr != nil || daemonErr != nil {
		t.Fatalf("unexpected errors: daemon=%v io=%v", daemonErr, ioErr)
	}
	if sink.String() != "hello" {
		t.Errorf("expected sink to contain %q, got %q", "hello", sink.String())
	}
}
