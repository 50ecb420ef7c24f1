package store

import (
	"fmt"

	"github.com/storedaemon/client/src/daemon"
	"github.com/storedaemon/client/src/storepath"
)

// PathInfo is the decoded response for QueryPathInfo. NarHash is always
// present; the remaining fields are populated per the protocol version
// that produced them — Signatures and ContentAddress are only ever
// non-zero on minor>=16 daemons.
type PathInfo struct {
	Path            storepath.Path
	Deriver         storepath.Path
	HasDeriver      bool
	NarHash         string
	References      storepath.Set
	RegistrationSec int64
	NarSize         uint64
	Ultimate        bool
	Signatures      []string
	ContentAddress  string
}

// SubstitutablePathInfo is the decoded response element for
// QuerySubstitutablePathInfos.
type SubstitutablePathInfo struct {
	Deriver      storepath.Path
	HasDeriver   bool
	References   storepath.Set
	DownloadSize uint64
	NarSize      uint64
}

// BuildResult is the decoded response for BuildDerivation.
type BuildResult struct {
	Status  uint32
	Message string
}

// GCAction selects the CollectGarbage operation mode.
type GCAction = uint64

// GC action constants mirror workerproto.GCAction's values; re-exported
// here so callers of the store package don't need to import
// workerproto directly for a simple enum.
const (
	GCReturnLive     GCAction = 0
	GCReturnDead     GCAction = 1
	GCDeleteDead     GCAction = 2
	GCDeleteSpecific GCAction = 3
)

// GCOptions configures CollectGarbage.
type GCOptions struct {
	Action         GCAction
	PathsToDelete  storepath.Set
	IgnoreLiveness bool
	MaxFreedBytes  uint64
}

// GCResult is the decoded response for CollectGarbage.
type GCResult struct {
	FreedPaths storepath.Set
	BytesFreed uint64
}

// MissingInfo is the decoded response for QueryMissing.
type MissingInfo struct {
	WillBuild      storepath.Set
	WillSubstitute storepath.Set
	Unknown        storepath.Set
	DownloadSize   uint64
	NarSize        uint64
}

// ContentAddressMethodKind is the closed sum of ways a store path can be
// content-addressed, per spec.md §9's "encode as a tagged variant and
// branch, not virtual dispatch" guidance.
type ContentAddressMethodKind int

const (
	// TextHash content-addresses the literal bytes of a (typically
	// small, UTF-8) text file; no ingestion method applies.
	TextHash ContentAddressMethodKind = iota
	// FixedOutputHash content-addresses an arbitrary NAR dump, with a
	// hash algorithm and an ingestion method (flat file vs recursive
	// directory tree).
	FixedOutputHash
)

// HashType names the hash algorithm used by a ContentAddressMethod.
type HashType string

const (
	HashTypeMD5    HashType = "md5"
	HashTypeSHA1   HashType = "sha1"
	HashTypeSHA256 HashType = "sha256"
	HashTypeSHA512 HashType = "sha512"
)

// ContentAddressMethod is the tagged variant AddToStore dispatches on.
type ContentAddressMethod struct {
	Kind      ContentAddressMethodKind
	HashType  HashType
	Recursive bool
}

// legacyMethodCode is the pre-minor-25 backwards-compatibility hack for
// a FixedOutputHash method's first header scalar: 0 for the canonical
// sha256+recursive combination, 1 for every other hash-type/ingestion
// pairing. It is not the recursive flag — that travels as its own
// scalar right after this one.
func (m ContentAddressMethod) legacyMethodCode() uint64 {
	if m.HashType == HashTypeSHA256 && m.Recursive {
		return 0
	}
	return 1
}

// String renders the method for minor>=25's textual encoding: "text"
// or "fixed:[r:]<hashType>" (for example "fixed:sha256" or
// "fixed:r:sha256"). This format is reconstructed from the add_to_store
// call sites and has not been checked against the daemon's own renderer.
func (m ContentAddressMethod) String() string {
	if m.Kind == TextHash {
		return "text"
	}
	rec := ""
	if m.Recursive {
		rec = "r:"
	}
	return fmt.Sprintf("fixed:%s%s", rec, m.HashType)
}

// DerivationOutput is one named output of a derivation.
type DerivationOutput struct {
	Name    string
	Path    storepath.Path
	HasPath bool
}

// Derivation is the black-box view of a derivation this client needs:
// enough to compute output paths locally on daemons older than the
// query_derivation_outputs delegation cutoff, without this package
// knowing the derivation's on-disk format.
type Derivation struct {
	Outputs []DerivationOutput
}

// DerivationReader parses a derivation blob into the subset of its
// structure this client needs. It is supplied by the caller; this
// package treats derivation parsing as an external collaborator per
// spec.md §1.
type DerivationReader interface {
	Read(drvPath storepath.Path) (Derivation, error)
}

// PathInfoCache is the external, caller-owned cache CollectGarbage must
// clear on success, per spec.md §4.5's table and §8's laws ("after
// collect_garbage succeeds, the in-memory path-info cache is empty").
// This package never populates or reads the cache itself; it is
// consulted only here.
type PathInfoCache interface {
	Clear()
}

// InvalidPath specializes daemon.DaemonError for QueryPathInfo: either
// the minor>=17 valid-bit was false, or (on older daemons) the error
// message matched the legacy "is not valid" substring sniff. It is
// still a clean daemon-reported condition — the connection remains
// reusable.
type InvalidPath struct {
	Path storepath.Path
	Err  *daemon.DaemonError
}

func (e *InvalidPath) Error() string {
	return fmt.Sprintf("path '%s' is not valid: %v", e.Path.String(), e.Err)
}
func (e *InvalidPath) Unwrap() error { return e.Err }
