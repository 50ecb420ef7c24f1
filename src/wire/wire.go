// Package wire implements the framed byte-stream primitives the worker
// protocol is built on: fixed-width little-endian integers and
// zero-padded, length-prefixed byte strings, plus the string-list,
// path-set and path/content-address-map encodings built on top of them.
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// DefaultMaxBytesLen bounds a single get_bytes payload so a corrupted or
// malicious daemon response can't desynchronize a read loop into an
// unbounded allocation. Callers that expect larger payloads (e.g. a
// derivation blob) pass an explicit limit to GetBytesMax.
const DefaultMaxBytesLen = 256 * 1024 * 1024

// IoError wraps a transport-level I/O failure encountered while reading
// or writing a frame.
type IoError struct {
	Op  string
	Err error
}

func (e *IoError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *IoError) Unwrap() error { return e.Err }

// ProtocolError signals a framing violation: a truncated frame, an
// over-length payload, or a value that doesn't parse per the wire
// encoding. Unlike IoError, this does not necessarily mean the
// underlying transport is dead, but it does mean the stream position is
// no longer trustworthy.
type ProtocolError struct {
	Message string
}

func (e *ProtocolError) Error() string { return e.Message }

// Reader decodes worker-protocol primitives from a byte stream.
type Reader struct {
	r    *bufio.Reader
	good bool
}

// NewReader wraps r with buffering sized for typical protocol frames.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 32*1024), good: true}
}

// Good reports whether a prior read has failed. Once false, it stays
// false: the stream position can no longer be trusted for further reads.
func (r *Reader) Good() bool { return r.good }

func (r *Reader) fail() {
	r.good = false
}

// GetUint64 reads an 8-byte little-endian unsigned integer.
func (r *Reader) GetUint64() (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r.r, buf[:]); err != nil {
		r.fail()
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return 0, &ProtocolError{Message: "unexpected end of stream reading u64"}
		}
		return 0, &IoError{Op: "read u64", Err: err}
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// GetBool reads a boolean encoded as a u64 (0 or nonzero).
func (r *Reader) GetBool() (bool, error) {
	v, err := r.GetUint64()
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

// GetBytes reads a length-prefixed, zero-padded byte string with the
// default maximum length.
func (r *Reader) GetBytes() ([]byte, error) {
	return r.GetBytesMax(DefaultMaxBytesLen)
}

// GetBytesMax reads a length-prefixed, zero-padded byte string, rejecting
// any length greater than maxLen as a protocol error.
func (r *Reader) GetBytesMax(maxLen uint64) ([]byte, error) {
	size, err := r.GetUint64()
	if err != nil {
		return nil, err
	}
	if size > maxLen {
		r.fail()
		return nil, &ProtocolError{Message: fmt.Sprintf("byte string of length %d exceeds maximum %d", size, maxLen)}
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(r.r, data); err != nil {
		r.fail()
		return nil, &ProtocolError{Message: fmt.Sprintf("truncated byte string: wanted %d bytes: %v", size, err)}
	}

	if pad := padLen(size); pad > 0 {
		var padBuf [8]byte
		if _, err := io.ReadFull(r.r, padBuf[:pad]); err != nil {
			r.fail()
			return nil, &ProtocolError{Message: fmt.Sprintf("truncated padding: %v", err)}
		}
	}

	return data, nil
}

// Raw returns an io.Reader over the bytes still sitting in this
// Reader's buffer and whatever follows them on the underlying stream,
// for the one place the protocol embeds an unframed byte run (the NAR
// dump that follows nar_from_path's stderr drain). Any error the
// returned reader sees, including a clean EOF, marks this Reader bad:
// whatever byte offset the raw run actually ended at, this stream's
// framing is no longer something later reads can trust.
func (r *Reader) Raw() io.Reader {
	return &rawReader{r: r}
}

type rawReader struct{ r *Reader }

func (rr *rawReader) Read(p []byte) (int, error) {
	n, err := rr.r.r.Read(p)
	if err != nil {
		rr.r.fail()
	}
	return n, err
}

// GetString is a convenience wrapper around GetBytes for the common case
// of a UTF-8 string payload.
func (r *Reader) GetString() (string, error) {
	b, err := r.GetBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// GetStringList reads a count-prefixed sequence of byte strings.
func (r *Reader) GetStringList() ([]string, error) {
	count, err := r.GetUint64()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, count)
	for i := uint64(0); i < count; i++ {
		s, err := r.GetString()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// GetSet reads the same encoding as GetStringList, deduplicating into a
// set. Store-path-flavored sets are built on this by the storepath
// package, which parses each element.
func (r *Reader) GetSet() (map[string]struct{}, error) {
	items, err := r.GetStringList()
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(items))
	for _, s := range items {
		set[s] = struct{}{}
	}
	return set, nil
}

// GetPairs reads a count-prefixed sequence of (string, string) pairs, the
// encoding shared by the path/content-address map and the set_options
// configuration-override map.
func (r *Reader) GetPairs() ([][2]string, error) {
	count, err := r.GetUint64()
	if err != nil {
		return nil, err
	}
	out := make([][2]string, 0, count)
	for i := uint64(0); i < count; i++ {
		k, err := r.GetString()
		if err != nil {
			return nil, err
		}
		v, err := r.GetString()
		if err != nil {
			return nil, err
		}
		out = append(out, [2]string{k, v})
	}
	return out, nil
}

// Writer encodes worker-protocol primitives onto a byte stream.
type Writer struct {
	w    *bufio.Writer
	good bool
}

// NewWriter wraps w with buffering; call Flush to force bytes onto the
// underlying transport.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriterSize(w, 32*1024), good: true}
}

// Good reports whether a prior write has failed.
func (w *Writer) Good() bool { return w.good }

func (w *Writer) fail() {
	w.good = false
}

// Raw returns an io.Writer over this Writer's underlying stream, for
// the handful of legacy wire shapes that embed an unframed byte run
// (a recursive fixed-output dump on a pre-minor-25 daemon, and a NAR
// import's dump on a pre-minor-21 daemon) rather than a length-prefixed
// blob. Bytes written through it bypass this Writer's own framing
// entirely; the caller is responsible for flushing when done.
func (w *Writer) Raw() io.Writer {
	return rawWriter{w: w}
}

type rawWriter struct{ w *Writer }

func (rw rawWriter) Write(p []byte) (int, error) {
	n, err := rw.w.w.Write(p)
	if err != nil {
		rw.w.fail()
		return n, &IoError{Op: "raw write", Err: err}
	}
	return n, nil
}

// PutUint64 writes x as an 8-byte little-endian integer.
func (w *Writer) PutUint64(x uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], x)
	if _, err := w.w.Write(buf[:]); err != nil {
		w.fail()
		return &IoError{Op: "write u64", Err: err}
	}
	return nil
}

// PutBool writes a boolean as a u64 0/1.
func (w *Writer) PutBool(b bool) error {
	if b {
		return w.PutUint64(1)
	}
	return w.PutUint64(0)
}

// PutBytes writes a length-prefixed byte string, padded with zero bytes
// to the next multiple of 8.
func (w *Writer) PutBytes(b []byte) error {
	if err := w.PutUint64(uint64(len(b))); err != nil {
		return err
	}
	if len(b) > 0 {
		if _, err := w.w.Write(b); err != nil {
			w.fail()
			return &IoError{Op: "write bytes", Err: err}
		}
	}
	if pad := padLen(uint64(len(b))); pad > 0 {
		var zeros [8]byte
		if _, err := w.w.Write(zeros[:pad]); err != nil {
			w.fail()
			return &IoError{Op: "write padding", Err: err}
		}
	}
	return nil
}

// PutString writes s as a length-prefixed, padded byte string.
func (w *Writer) PutString(s string) error {
	return w.PutBytes([]byte(s))
}

// PutStringList writes a count-prefixed sequence of byte strings.
func (w *Writer) PutStringList(ss []string) error {
	if err := w.PutUint64(uint64(len(ss))); err != nil {
		return err
	}
	for _, s := range ss {
		if err := w.PutString(s); err != nil {
			return err
		}
	}
	return nil
}

// PutPairs writes a count-prefixed sequence of (string, string) pairs.
func (w *Writer) PutPairs(pairs [][2]string) error {
	if err := w.PutUint64(uint64(len(pairs))); err != nil {
		return err
	}
	for _, kv := range pairs {
		if err := w.PutString(kv[0]); err != nil {
			return err
		}
		if err := w.PutString(kv[1]); err != nil {
			return err
		}
	}
	return nil
}

// Flush forces any buffered bytes onto the underlying writer.
func (w *Writer) Flush() error {
	if err := w.w.Flush(); err != nil {
		w.fail()
		return &IoError{Op: "flush", Err: err}
	}
	return nil
}

func padLen(size uint64) uint64 {
	rem := size % 8
	if rem == 0 {
		return 0
	}
	return 8 - rem
}
