// Package daemon owns a single socket to the store daemon: the greeting
// handshake, the option-setting round trip, and the interleaved
// stderr/log sub-protocol that every subsequent operation drains. It
// has no notion of pooling or of the higher-level store API — those are
// layered on top in src/pool and src/store.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/storedaemon/client/src/storelog"
	"github.com/storedaemon/client/src/wire"
	"github.com/storedaemon/client/src/workerproto"
)

// maxUnixSockPath matches the historical sizeof(sockaddr_un.sun_path)-1
// on Linux. A path at exactly this length must still be dialable; one
// byte longer must be rejected before ever touching the network.
const maxUnixSockPath = 107

// Connection owns one socket, its framed streams, and the daemon's
// negotiated protocol version. It is either fresh (greeting completed,
// no operation in flight) or in-use; it is never handed back to a pool
// mid-operation.
type Connection struct {
	conn net.Conn
	R    *wire.Reader
	W    *wire.Writer

	DaemonMajor byte
	DaemonMinor byte

	startTime time.Time
	log       storelog.Logger
}

// Dial opens a stream socket to addr (a filesystem path for AF_UNIX)
// and wraps it in framed readers/writers. It does not greet; call Greet
// separately so the pool's factory can distinguish a dial failure from
// a protocol failure.
func Dial(ctx context.Context, addr string, log storelog.Logger) (*Connection, error) {
	if len(addr) > maxUnixSockPath {
		return nil, fmt.Errorf("socket path %q exceeds the maximum length of %d bytes", addr, maxUnixSockPath)
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", addr)
	if err != nil {
		return nil, err
	}

	return Wrap(conn, log), nil
}

// Wrap adapts an already-open socket into a Connection with framed
// streams, without performing the greeting. The connection pool uses
// this to wrap a net.Conn it gets back from its underlying dial/reuse
// primitive, which owns the dialing itself.
func Wrap(conn net.Conn, log storelog.Logger) *Connection {
	if log == nil {
		log = storelog.NoOpLogger{}
	}
	return &Connection{
		conn:      conn,
		R:         wire.NewReader(conn),
		W:         wire.NewWriter(conn),
		startTime: time.Now(),
		log:       log,
	}
}

// Close flushes the writer best-effort (the socket may already be dead,
// so a flush error here is swallowed) and closes the underlying socket.
func (c *Connection) Close() error {
	_ = c.W.Flush()
	return c.conn.Close()
}

// Good reports whether neither stream has recorded an I/O or protocol
// error since the connection was opened.
func (c *Connection) Good() bool {
	return c.R.Good() && c.W.Good()
}

// Age returns how long it has been since the connection completed its
// greeting.
func (c *Connection) Age() time.Duration {
	return time.Since(c.startTime)
}

// GreetingOptions configures the client-side half of the handshake that
// varies by deployment: whether to advertise CPU affinity, and the
// settings snapshot to transmit via set_options.
type GreetingOptions struct {
	// SameMachine and LockCPU together gate whether a CPU-affinity hint
	// is sent on minor>=14 daemons. CPUID is the hint to send when both
	// are true; a value of -1 means "no hint available even though
	// asked for one".
	SameMachine bool
	LockCPU     bool
	CPUID       int

	Settings Settings
}

// Greet performs the handshake and the subsequent set_options round
// trip. The caller (the pool's factory) is responsible for wrapping a
// failure with the store URI via storeerr.WrapOpen.
func (c *Connection) Greet(opts GreetingOptions) error {
	if err := c.greet(opts); err != nil {
		return err
	}
	c.startTime = time.Now()
	return nil
}

func (c *Connection) greet(opts GreetingOptions) error {
	if err := c.W.PutUint64(workerproto.Magic1); err != nil {
		return err
	}
	if err := c.W.Flush(); err != nil {
		return err
	}

	magic, err := c.R.GetUint64()
	if err != nil {
		return err
	}
	if magic != workerproto.Magic2 {
		return &wire.ProtocolError{Message: "protocol mismatch"}
	}

	daemonVersion, err := c.R.GetUint64()
	if err != nil {
		return err
	}
	c.DaemonMajor = workerproto.Major(daemonVersion)
	c.DaemonMinor = workerproto.Minor(daemonVersion)

	if c.DaemonMajor != workerproto.ClientVersionMajor {
		return &UnsupportedVersionError{DaemonMajor: c.DaemonMajor, DaemonMinor: c.DaemonMinor, TooOld: false}
	}
	if c.DaemonMinor < workerproto.MinSupportedMinor {
		return &UnsupportedVersionError{DaemonMajor: c.DaemonMajor, DaemonMinor: c.DaemonMinor, TooOld: true}
	}

	if err := c.W.PutUint64(workerproto.ClientVersion); err != nil {
		return err
	}

	if c.DaemonMinor >= 14 {
		cpu := -1
		if opts.SameMachine && opts.LockCPU {
			cpu = opts.CPUID
		}
		if cpu != -1 {
			if err := c.W.PutUint64(1); err != nil {
				return err
			}
			if err := c.W.PutUint64(uint64(cpu)); err != nil {
				return err
			}
		} else if err := c.W.PutUint64(0); err != nil {
			return err
		}
	}

	if c.DaemonMinor >= 11 {
		if err := c.W.PutBool(false); err != nil {
			return err
		}
	}

	daemonErr, ioErr := c.ProcessStderr(nil, nil, true)
	if ioErr != nil {
		return ioErr
	}
	if daemonErr != nil {
		return daemonErr
	}

	return c.setOptions(opts.Settings)
}

// Settings is the read-only snapshot of configuration the greeting's
// set_options call transmits. It is passed in explicitly by the caller
// rather than read from a process-wide global.
type Settings struct {
	KeepFailed     bool
	KeepGoing      bool
	TryFallback    bool
	Verbosity      uint64
	MaxBuildJobs   uint64
	MaxSilentTime  uint64
	VerboseBuild   bool
	BuildCores     uint64
	UseSubstitutes bool

	// Overrides holds every setting whose value differs from default,
	// excluding the seven names carried as legacy scalars above plus
	// "show-trace". Only transmitted when the daemon is minor>=12.
	Overrides map[string]string
}

const (
	logLevelError = 0
	logLevelVomit = 9
)

func (c *Connection) setOptions(s Settings) error {
	if err := c.W.PutUint64(uint64(workerproto.OpSetOptions)); err != nil {
		return err
	}

	effectiveLogLevel := uint64(logLevelVomit)
	if s.VerboseBuild {
		effectiveLogLevel = logLevelError
	}

	vals := []uint64{
		boolToU64(s.KeepFailed),
		boolToU64(s.KeepGoing),
		boolToU64(s.TryFallback),
		s.Verbosity,
		s.MaxBuildJobs,
		s.MaxSilentTime,
		1, // literal true, historically useBuildHook
		effectiveLogLevel,
		0, // obsolete log type
		0, // obsolete print build trace
		s.BuildCores,
		boolToU64(s.UseSubstitutes),
	}
	for _, v := range vals {
		if err := c.W.PutUint64(v); err != nil {
			return err
		}
	}

	if c.DaemonMinor >= 12 {
		pairs := make([][2]string, 0, len(s.Overrides))
		for k, v := range s.Overrides {
			if LegacyOverrideNames[k] {
				continue
			}
			pairs = append(pairs, [2]string{k, v})
		}
		if err := c.W.PutPairs(pairs); err != nil {
			return err
		}
	}

	daemonErr, ioErr := c.ProcessStderr(nil, nil, true)
	if ioErr != nil {
		return ioErr
	}
	return daemonErr
}

func boolToU64(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// LegacyOverrideNames is the set of setting names excluded from the
// Overrides map because they are already transmitted as legacy
// scalars, per setOptions' wire format.
var LegacyOverrideNames = map[string]bool{
	"keep-failed":     true,
	"keep-going":      true,
	"fallback":        true,
	"max-jobs":        true,
	"max-silent-time": true,
	"cores":           true,
	"substitute":      true,
	"show-trace":      true,
}

// UnsupportedVersionError is returned by Greet when the daemon's
// protocol version is incompatible: a differing major, or a minor
// older than workerproto.MinSupportedMinor.
type UnsupportedVersionError struct {
	DaemonMajor byte
	DaemonMinor byte
	TooOld      bool
}

func (e *UnsupportedVersionError) Error() string {
	if e.TooOld {
		return fmt.Sprintf("the daemon protocol %d.%d is too old", e.DaemonMajor, e.DaemonMinor)
	}
	return fmt.Sprintf("daemon protocol major %d is not supported by this client", e.DaemonMajor)
}

// DaemonError is the deferred error process_stderr captures when it
// sees an ERROR tag. It does not indicate a desynchronized stream: the
// connection remains reusable after it is returned.
type DaemonError struct {
	Status  uint32
	Message string
}

func (e *DaemonError) Error() string { return e.Message }

// ProcessStderr drains the interleaved log sub-protocol until it sees a
// LAST terminator or an ERROR tag. WRITE frames are appended to sink
// (nil sink is a protocol error if the daemon sends one); READ frames
// pull from source and echo the bytes back framed. Structured log
// events (NEXT/START_ACTIVITY/STOP_ACTIVITY/RESULT) are read and
// discarded; they are not passed to the connection's logger.
// ProcessStderrTo forwards them to an explicit EventLogger instead.
//
// The first return value is a deferred DaemonError: the caller decides
// whether to treat it as fatal. The second is a true I/O/protocol
// failure, which always desynchronizes the stream.
func (c *Connection) ProcessStderr(sink io.Writer, source io.Reader, flush bool) (daemonErr error, ioErr error) {
	return c.processStderr(sink, source, flush, DiscardEventLogger{})
}

// ProcessStderrTo is ProcessStderr with an explicit event logger.
func (c *Connection) ProcessStderrTo(sink io.Writer, source io.Reader, flush bool, events EventLogger) (daemonErr error, ioErr error) {
	return c.processStderr(sink, source, flush, events)
}

func (c *Connection) processStderr(sink io.Writer, source io.Reader, flush bool, events EventLogger) (error, error) {
	if events == nil {
		events = DiscardEventLogger{}
	}
	if flush {
		if err := c.W.Flush(); err != nil {
			return nil, err
		}
	}

	for {
		tagv, err := c.R.GetUint64()
		if err != nil {
			return nil, err
		}
		tag := workerproto.StderrTag(tagv)

		switch tag {
		case workerproto.StderrWrite:
			s, err := c.R.GetString()
			if err != nil {
				return nil, err
			}
			if sink == nil {
				return nil, &wire.ProtocolError{Message: "daemon sent WRITE but no sink is attached"}
			}
			if _, err := sink.Write([]byte(s)); err != nil {
				return nil, err
			}

		case workerproto.StderrRead:
			length, err := c.R.GetUint64()
			if err != nil {
				return nil, err
			}
			if source == nil {
				return nil, &wire.ProtocolError{Message: "daemon sent READ but no source is attached"}
			}
			buf := make([]byte, length)
			n, rerr := io.ReadFull(source, buf)
			if rerr != nil && rerr != io.ErrUnexpectedEOF && rerr != io.EOF {
				return nil, rerr
			}
			if err := c.W.PutBytes(buf[:n]); err != nil {
				return nil, err
			}
			if err := c.W.Flush(); err != nil {
				return nil, err
			}

		case workerproto.StderrError:
			msg, err := c.R.GetString()
			if err != nil {
				return nil, err
			}
			status, err := c.R.GetUint64()
			if err != nil {
				return nil, err
			}
			return &DaemonError{Status: uint32(status), Message: msg}, nil

		case workerproto.StderrNext:
			line, err := c.R.GetString()
			if err != nil {
				return nil, err
			}
			events.Next(line)

		case workerproto.StderrStartActivity:
			act, err := c.readActivity()
			if err != nil {
				return nil, err
			}
			events.StartActivity(act)

		case workerproto.StderrStopActivity:
			id, err := c.R.GetUint64()
			if err != nil {
				return nil, err
			}
			events.StopActivity(id)

		case workerproto.StderrResult:
			res, err := c.readResult()
			if err != nil {
				return nil, err
			}
			events.Result(res)

		case workerproto.StderrLast:
			return nil, nil

		default:
			return nil, &wire.ProtocolError{Message: fmt.Sprintf("unknown stderr message type %#x", uint64(tag))}
		}
	}
}

func (c *Connection) readActivity() (Activity, error) {
	var a Activity
	var err error
	if a.ID, err = c.R.GetUint64(); err != nil {
		return a, err
	}
	if a.Level, err = c.R.GetUint64(); err != nil {
		return a, err
	}
	if a.Type, err = c.R.GetUint64(); err != nil {
		return a, err
	}
	if a.Text, err = c.R.GetString(); err != nil {
		return a, err
	}
	if a.Fields, err = c.readFields(); err != nil {
		return a, err
	}
	if a.Parent, err = c.R.GetUint64(); err != nil {
		return a, err
	}
	return a, nil
}

func (c *Connection) readResult() (ActivityResult, error) {
	var r ActivityResult
	var err error
	if r.ID, err = c.R.GetUint64(); err != nil {
		return r, err
	}
	if r.Type, err = c.R.GetUint64(); err != nil {
		return r, err
	}
	if r.Fields, err = c.readFields(); err != nil {
		return r, err
	}
	return r, nil
}

func (c *Connection) readFields() ([]Field, error) {
	count, err := c.R.GetUint64()
	if err != nil {
		return nil, err
	}
	fields := make([]Field, 0, count)
	for i := uint64(0); i < count; i++ {
		tagv, err := c.R.GetUint64()
		if err != nil {
			return nil, err
		}
		switch workerproto.FieldTag(tagv) {
		case workerproto.FieldInt:
			v, err := c.R.GetUint64()
			if err != nil {
				return nil, err
			}
			fields = append(fields, Field{Tag: workerproto.FieldInt, Int: v})
		case workerproto.FieldString:
			v, err := c.R.GetString()
			if err != nil {
				return nil, err
			}
			fields = append(fields, Field{Tag: workerproto.FieldString, Str: v})
		default:
			return nil, &wire.ProtocolError{Message: fmt.Sprintf("unsupported field type %#x", tagv)}
		}
	}
	return fields, nil
}

// IsProtocolDesync reports whether err indicates the byte stream itself
// is misaligned (as opposed to a clean daemon-reported failure), which
// is the signal a Lease uses to decide whether to mark its connection
// bad.
func IsProtocolDesync(err error) bool {
	if err == nil {
		return false
	}
	var perr *wire.ProtocolError
	if errors.As(err, &perr) {
		return true
	}
	var daemonErr *DaemonError
	if errors.As(err, &daemonErr) {
		return false
	}
	return true
}
