package pool

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/storedaemon/client/src/daemon"
	"github.com/storedaemon/client/src/wire"
	"github.com/storedaemon/client/src/workerproto"
)

func wireWriter(conn net.Conn) *wire.Writer { return wire.NewWriter(conn) }

// netPipeDialer dials both ends of an in-memory pipe, returning the
// client half to the pool and driving the server half with fn in a
// background goroutine so tests don't need a real socket.
func netPipeDialer(fn func(server net.Conn)) Dialer {
	return func() (net.Conn, error) {
		client, server := net.Pipe()
		go fn(server)
		return client, nil
	}
}

// idleServer just blocks until closed, simulating a daemon that has
// nothing to say once the (fake) greeting is done.
func idleServer(server net.Conn) {
	<-make(chan struct{})
	_ = server
}

func noopGreet(ctx context.Context, raw net.Conn) (*daemon.Connection, error) {
	return daemon.Wrap(raw, nil), nil
}

func TestGetReleaseReusesConnection(t *testing.T) {
	p, err := New(Config{URI: "unix:///tmp/test", Capacity: 1, Dial: netPipeDialer(idleServer), Greet: noopGreet})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	l1, err := p.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	first := l1.Connection()
	l1.Release(nil)

	l2, err := p.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if l2.Connection() != first {
		t.Error("expected the same connection to be reused after a clean release")
	}
	l2.Release(nil)
}

func TestReleaseWithErrorDropsConnection(t *testing.T) {
	p, err := New(Config{URI: "unix:///tmp/test", Capacity: 1, Dial: netPipeDialer(idleServer), Greet: noopGreet})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	l1, err := p.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	first := l1.Connection()
	l1.Release(errors.New("boom"))

	l2, err := p.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if l2.Connection() == first {
		t.Error("expected a fresh connection after a non-daemon error release")
	}
	l2.Release(nil)
}

// errorTaggedServer writes a single STDERR_ERROR frame the moment it's
// dialed, so a lease's first ProcessStderr call observes a real
// *daemon.DaemonError produced by the wire protocol, not a fake.
func errorTaggedServer(server net.Conn) {
	w := wireWriter(server)
	_ = w.PutUint64(uint64(workerproto.StderrError))
	_ = w.PutString("build failed")
	_ = w.PutUint64(100)
	_ = w.Flush()
	<-make(chan struct{})
}

func TestDaemonErrorDoesNotPoisonConnection(t *testing.T) {
	p, err := New(Config{URI: "unix:///tmp/test", Capacity: 1, Dial: netPipeDialer(errorTaggedServer), Greet: noopGreet})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	l1, err := p.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	first := l1.Connection()

	err = l1.ProcessStderr(nil, nil, true)
	if _, ok := err.(*daemon.DaemonError); !ok {
		t.Fatalf("expected *daemon.DaemonError, got %T (%v)", err, err)
	}
	l1.Release(err)

	l2, err := p.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if l2.Connection() != first {
		t.Error("a clean daemon error must not cause the connection to be dropped")
	}
	l2.Release(nil)
}

func TestGetBlocksAtCapacityUntilRelease(t *testing.T) {
	p, err := New(Config{URI: "unix:///tmp/test", Capacity: 1, Dial: netPipeDialer(idleServer), Greet: noopGreet})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	l1, err := p.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	gotSecond := make(chan *Lease, 1)
	go func() {
		l2, err := p.Get(context.Background())
		if err == nil {
			gotSecond <- l2
		}
	}()

	select {
	case <-gotSecond:
		t.Fatal("Get should have blocked at capacity 1")
	case <-time.After(50 * time.Millisecond):
	}

	l1.Release(nil)

	select {
	case l2 := <-gotSecond:
		l2.Release(nil)
	case <-time.After(time.Second):
		t.Fatal("Get did not unblock after Release")
	}
}

func TestIncCapacityAllowsSecondLease(t *testing.T) {
	p, err := New(Config{URI: "unix:///tmp/test", Capacity: 1, Dial: netPipeDialer(idleServer), Greet: noopGreet})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	l1, err := p.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer l1.Release(nil)

	p.IncCapacity()
	defer p.DecCapacity()

	l2, err := p.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	l2.Release(nil)
}

func TestFailedLatchIsSticky(t *testing.T) {
	dial := func() (net.Conn, error) { return nil, errors.New("connection refused") }
	p, err := New(Config{URI: "unix:///tmp/test", Capacity: 1, Dial: dial, Greet: noopGreet})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	if _, err := p.Get(context.Background()); err == nil {
		t.Fatal("expected the first Get to fail")
	}

	_, err = p.Get(context.Background())
	if err == nil {
		t.Fatal("expected the second Get to also fail via the sticky latch")
	}
}
