package store

import (
	"context"
	"testing"

	"github.com/storedaemon/client/src/wire"
	"github.com/storedaemon/client/src/workerproto"
)

func TestBuildPathsRejectedOnOldDaemon(t *testing.T) {
	// BuildPaths must reject locally, before writing anything, so the
	// fake daemon never needs to service a request on this minor.
	s := newTestStore(t, 12, func(r *wire.Reader, w *wire.Writer) {})

	err := s.BuildPaths(context.Background(), nil, workerproto.BuildModeNormal)
	if err == nil {
		t.Fatal("expected an unsupported-operation error")
	}
}

func TestBuildPathsEncodesTargetsAndMode(t *testing.T) {
	const drvStr = "/nix/store/00000000000000000000000000000000-foo.drv"

	s := newTestStore(t, 25, func(r *wire.Reader, w *wire.Writer) {
		op, err := r.GetUint64()
		if err != nil || workerproto.Opcode(op) != workerproto.OpBuildPaths {
			t.Fatalf("expected OpBuildPaths, got %d err=%v", op, err)
		}
		targets, err := r.GetStringList()
		if err != nil {
			t.Fatal(err)
		}
		if len(targets) != 1 || targets[0] != drvStr+"!out,bin" {
			t.Fatalf("unexpected encoded targets: %v", targets)
		}
		mode, err := r.GetUint64()
		if err != nil || workerproto.BuildMode(mode) != workerproto.BuildModeRepair {
			t.Fatalf("expected repair mode, got %d err=%v", mode, err)
		}
		if err := w.PutUint64(uint64(workerproto.StderrLast)); err != nil {
			t.Fatal(err)
		}
		if err := w.PutUint64(0); err != nil {
			t.Fatal(err)
		}
		if err := w.Flush(); err != nil {
			t.Fatal(err)
		}
	})

	drv := mustPath(t, s.codec, drvStr)
	err := s.BuildPaths(context.Background(),
		[]BuildTarget{{DrvPath: drv, Outputs: []string{"out", "bin"}}},
		workerproto.BuildModeRepair)
	if err != nil {
		t.Fatalf("BuildPaths: %v", err)
	}
}

func TestBuildDerivationDecodesResult(t *testing.T) {
	const drvStr = "/nix/store/00000000000000000000000000000000-foo.drv"

	s := newTestStore(t, 25, func(r *wire.Reader, w *wire.Writer) {
		if _, err := r.GetUint64(); err != nil { // opcode
			t.Fatal(err)
		}
		if _, err := r.GetString(); err != nil { // drv path
			t.Fatal(err)
		}
		if _, err := r.GetString(); err != nil { // serialized drv
			t.Fatal(err)
		}
		if _, err := r.GetUint64(); err != nil { // mode
			t.Fatal(err)
		}
		if err := w.PutUint64(uint64(workerproto.StderrLast)); err != nil {
			t.Fatal(err)
		}
		if err := w.PutUint64(0); err != nil { // status
			t.Fatal(err)
		}
		if err := w.PutString("built ok"); err != nil {
			t.Fatal(err)
		}
		if err := w.Flush(); err != nil {
			t.Fatal(err)
		}
	})

	result, err := s.BuildDerivation(context.Background(), mustPath(t, s.codec, drvStr), "Derive(...)", workerproto.BuildModeNormal)
	if err != nil {
		t.Fatalf("BuildDerivation: %v", err)
	}
	if result.Status != 0 || result.Message != "built ok" {
		t.Errorf("unexpected result: %+v", result)
	}
}
