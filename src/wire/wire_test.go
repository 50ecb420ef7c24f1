package wire

import (
	"bytes"
	"errors"
	"testing"
)

func TestPutUint64RoundTrip(t *testing.T) {
	tests := []uint64{0, 1, 255, 256, 1 << 40, ^uint64(0)}
	for _, v := range tests {
		buf := &bytes.Buffer{}
		w := NewWriter(buf)
		if err := w.PutUint64(v); err != nil {
			t.Fatalf("PutUint64(%d): %v", v, err)
		}
		if err := w.Flush(); err != nil {
			t.Fatalf("Flush: %v", err)
		}
		if buf.Len() != 8 {
			t.Fatalf("expected 8 bytes on wire, got %d", buf.Len())
		}
		r := NewReader(buf)
		got, err := r.GetUint64()
		if err != nil {
			t.Fatalf("GetUint64: %v", err)
		}
		if got != v {
			t.Errorf("round trip mismatch: want %d got %d", v, got)
		}
	}
}

func TestPutBytesPadding(t *testing.T) {
	// Boundary lengths around the 8-byte pad multiple.
	for _, n := range []int{0, 1, 7, 8, 9, 15, 16, 17} {
		payload := bytes.Repeat([]byte{0xAB}, n)
		buf := &bytes.Buffer{}
		w := NewWriter(buf)
		if err := w.PutBytes(payload); err != nil {
			t.Fatalf("PutBytes(len=%d): %v", n, err)
		}
		if err := w.Flush(); err != nil {
			t.Fatalf("Flush: %v", err)
		}

		wireLen := buf.Len()
		wantWireLen := 8 + n
		if rem := n % 8; rem != 0 {
			wantWireLen += 8 - rem
		}
		if wireLen != wantWireLen {
			t.Errorf("len=%d: wire length %d, want %d", n, wireLen, wantWireLen)
		}

		r := NewReader(buf)
		got, err := r.GetBytes()
		if err != nil {
			t.Fatalf("GetBytes(len=%d): %v", n, err)
		}
		if !bytes.Equal(got, payload) {
			t.Errorf("len=%d: round trip mismatch", n)
		}
	}
}

func TestGetBytesMaxRejectsOverLength(t *testing.T) {
	buf := &bytes.Buffer{}
	w := NewWriter(buf)
	_ = w.PutBytes(bytes.Repeat([]byte{1}, 16))
	_ = w.Flush()

	r := NewReader(buf)
	_, err := r.GetBytesMax(8)
	if err == nil {
		t.Fatal("expected a ProtocolError for over-length payload")
	}
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Errorf("expected *ProtocolError, got %T", err)
	}
	if r.Good() {
		t.Error("reader should be marked unhealthy after a protocol error")
	}
}

func TestStringListRoundTrip(t *testing.T) {
	items := []string{"", "a", "store-path-abc", "another one"}

	buf := &bytes.Buffer{}
	w := NewWriter(buf)
	if err := w.PutStringList(items); err != nil {
		t.Fatalf("PutStringList: %v", err)
	}
	_ = w.Flush()

	r := NewReader(buf)
	got, err := r.GetStringList()
	if err != nil {
		t.Fatalf("GetStringList: %v", err)
	}
	if len(got) != len(items) {
		t.Fatalf("length mismatch: got %d want %d", len(got), len(items))
	}
	for i := range items {
		if got[i] != items[i] {
			t.Errorf("index %d: got %q want %q", i, got[i], items[i])
		}
	}
}

func TestPairsRoundTrip(t *testing.T) {
	pairs := [][2]string{{"/nix/store/a", "fixed:r:sha256:abc"}, {"/nix/store/b", ""}}

	buf := &bytes.Buffer{}
	w := NewWriter(buf)
	if err := w.PutPairs(pairs); err != nil {
		t.Fatalf("PutPairs: %v", err)
	}
	_ = w.Flush()

	r := NewReader(buf)
	got, err := r.GetPairs()
	if err != nil {
		t.Fatalf("GetPairs: %v", err)
	}
	if len(got) != len(pairs) {
		t.Fatalf("length mismatch: got %d want %d", len(got), len(pairs))
	}
	for i := range pairs {
		if got[i] != pairs[i] {
			t.Errorf("index %d: got %v want %v", i, got[i], pairs[i])
		}
	}
}

func TestEmptyPathSet(t *testing.T) {
	buf := &bytes.Buffer{}
	w := NewWriter(buf)
	if err := w.PutStringList(nil); err != nil {
		t.Fatalf("PutStringList(nil): %v", err)
	}
	_ = w.Flush()

	r := NewReader(buf)
	got, err := r.GetSet()
	if err != nil {
		t.Fatalf("GetSet: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty set, got %d entries", len(got))
	}
}

func TestTruncatedFrameIsProtocolError(t *testing.T) {
	// A length prefix promising 16 bytes but only 4 supplied.
	buf := &bytes.Buffer{}
	w := NewWriter(buf)
	_ = w.PutUint64(16)
	buf.Write([]byte{1, 2, 3, 4})

	r := NewReader(buf)
	_, err := r.GetBytes()
	if err == nil {
		t.Fatal("expected truncation error")
	}
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Errorf("expected *ProtocolError, got %T (%v)", err, err)
	}
}
