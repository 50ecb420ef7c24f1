// Package workerproto holds the wire constants of the store-daemon
// worker protocol: the greeting magic numbers, the operation opcodes,
// and the interleaved stderr/log sub-protocol's message tags. These
// match the upstream opcode table byte-for-byte; implementations that
// drift from this table can no longer talk to a real daemon.
package workerproto

// Magic1 and Magic2 are exchanged during the greeting: the client sends
// Magic1, and a conforming daemon replies with Magic2.
const (
	Magic1 uint64 = 0x6e697863 // "nixc"
	Magic2 uint64 = 0x6478696f // "dxio"
)

// ExportMagic tags the start of a single path's record inside the
// legacy export/import envelope a minor<18 daemon speaks for
// wopImportPaths — the byte stream that follows the NAR dump itself,
// before the store path, references, and deriver fields.
const ExportMagic uint64 = 0x4558494e

// ClientVersionMajor and ClientVersionMinor are this client's advertised
// protocol version. The daemon must share the major version; the minor
// version gates feature availability forward-compatibly.
const (
	ClientVersionMajor = 1
	ClientVersionMinor = 25
)

// ClientVersion packs ClientVersionMajor/ClientVersionMinor the same way
// the daemon's advertised version arrives on the wire.
const ClientVersion uint64 = uint64(ClientVersionMajor)<<8 | uint64(ClientVersionMinor)

// MinSupportedMinor is the oldest daemon minor version this client will
// speak to; anything older is rejected as DaemonTooOld.
const MinSupportedMinor = 10

// Major returns the major half of a packed protocol version.
func Major(v uint64) byte { return byte((v >> 8) & 0xff) }

// Minor returns the minor half of a packed protocol version.
func Minor(v uint64) byte { return byte(v & 0xff) }

// Opcode identifies a worker-protocol operation. Values are fixed by the
// protocol and must never be renumbered.
type Opcode uint64

const (
	OpIsValidPath                 Opcode = 1
	OpHasSubstitutes              Opcode = 3
	OpQueryPathHash               Opcode = 4
	OpQueryReferences             Opcode = 5
	OpQueryReferrers              Opcode = 6
	OpAddToStore                  Opcode = 7
	OpAddTextToStore              Opcode = 8
	OpBuildPaths                  Opcode = 9
	OpEnsurePath                  Opcode = 10
	OpAddTempRoot                 Opcode = 11
	OpAddIndirectRoot             Opcode = 12
	OpSyncWithGC                  Opcode = 13
	OpFindRoots                   Opcode = 14
	OpExportPath                  Opcode = 16
	OpQueryDeriver                Opcode = 18
	OpSetOptions                  Opcode = 19
	OpCollectGarbage              Opcode = 20
	OpQuerySubstitutablePathInfo  Opcode = 21
	OpQueryDerivationOutputs      Opcode = 22
	OpQueryAllValidPaths          Opcode = 23
	OpQueryFailedPaths            Opcode = 24
	OpClearFailedPaths            Opcode = 25
	OpQueryPathInfo               Opcode = 26
	OpImportPaths                 Opcode = 27
	OpQueryDerivationOutputNames  Opcode = 28
	OpQueryPathFromHashPart       Opcode = 29
	OpQuerySubstitutablePathInfos Opcode = 30
	OpQueryValidPaths             Opcode = 31
	OpQuerySubstitutablePaths     Opcode = 32
	OpQueryValidDerivers          Opcode = 33
	OpOptimiseStore               Opcode = 34
	OpVerifyStore                 Opcode = 35
	OpBuildDerivation             Opcode = 36
	OpAddSignatures               Opcode = 37
	OpNarFromPath                 Opcode = 38
	OpAddToStoreNar               Opcode = 39
	OpQueryMissing                Opcode = 40
	OpQueryDerivationOutputMap    Opcode = 41
	OpAddMultipleToStore          Opcode = 42
)

// StderrTag identifies a message in the interleaved log sub-protocol
// that process_stderr drains.
type StderrTag uint64

const (
	StderrWrite         StderrTag = 0x63787470 // "cxtp"
	StderrRead          StderrTag = 0x64617461 // "data"
	StderrError         StderrTag = 0x63787204 // "cxr\x04"
	StderrNext          StderrTag = 0x6f6c6d67 // "olmg"
	StderrStartActivity StderrTag = 0x53545254 // "STRT"
	StderrStopActivity  StderrTag = 0x53544f50 // "STOP"
	StderrResult        StderrTag = 0x52534c54 // "RSLT"
	StderrLast          StderrTag = 0x616c7374 // "alst"
)

// FieldTag identifies the type of a tagged field value within a
// START_ACTIVITY/RESULT fields list.
type FieldTag uint64

const (
	FieldInt    FieldTag = 0
	FieldString FieldTag = 1
)

// BuildMode selects the build strategy for build_paths/build_derivation.
type BuildMode uint64

const (
	BuildModeNormal BuildMode = 0
	BuildModeRepair BuildMode = 1
	BuildModeCheck  BuildMode = 2
)

// GCAction selects the collect_garbage operation mode.
type GCAction uint64

const (
	GCReturnLive     GCAction = 0
	GCReturnDead     GCAction = 1
	GCDeleteDead     GCAction = 2
	GCDeleteSpecific GCAction = 3
)
