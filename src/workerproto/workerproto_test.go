package workerproto

import "testing"

func TestClientVersionPacksMajorMinor(t *testing.T) {
	if Major(ClientVersion) != ClientVersionMajor {
		t.Errorf("Major(ClientVersion) = %d, want %d", Major(ClientVersion), ClientVersionMajor)
	}
	if Minor(ClientVersion) != ClientVersionMinor {
		t.Errorf("Minor(ClientVersion) = %d, want %d", Minor(ClientVersion), ClientVersionMinor)
	}
}

func TestMajorMinorRoundTrip(t *testing.T) {
	cases := []struct {
		major, minor byte
	}{
		{1, 0},
		{1, 10},
		{1, 25},
		{1, 255},
	}

	for _, c := range cases {
		packed := uint64(c.major)<<8 | uint64(c.minor)
		if got := Major(packed); got != c.major {
			t.Errorf("Major(%#x) = %d, want %d", packed, got, c.major)
		}
		if got := Minor(packed); got != c.minor {
			t.Errorf("Minor(%#x) = %d, want %d", packed, got, c.minor)
		}
	}
}

func TestMagicValuesDistinct(t *testing.T) {
	if Magic1 == Magic2 {
		t.Error("Magic1 and Magic2 must differ")
	}
}

// TestOpcodesAreUnique guards against a typo reintroducing a duplicate
// opcode value, which would make two operations indistinguishable on
// the wire.
func TestOpcodesAreUnique(t *testing.T) {
	ops := map[string]Opcode{
		"IsValidPath":                 OpIsValidPath,
		"HasSubstitutes":              OpHasSubstitutes,
		"QueryPathHash":               OpQueryPathHash,
		"QueryReferences":             OpQueryReferences,
		"QueryReferrers":              OpQueryReferrers,
		"AddToStore":                  OpAddToStore,
		"AddTextToStore":              OpAddTextToStore,
		"BuildPaths":                  OpBuildPaths,
		"EnsurePath":                  OpEnsurePath,
		"AddTempRoot":                 OpAddTempRoot,
		"AddIndirectRoot":             OpAddIndirectRoot,
		"SyncWithGC":                  OpSyncWithGC,
		"FindRoots":                   OpFindRoots,
		"ExportPath":                  OpExportPath,
		"QueryDeriver":                OpQueryDeriver,
		"SetOptions":                  OpSetOptions,
		"CollectGarbage":              OpCollectGarbage,
		"QuerySubstitutablePathInfo":  OpQuerySubstitutablePathInfo,
		"QueryDerivationOutputs":      OpQueryDerivationOutputs,
		"QueryAllValidPaths":          OpQueryAllValidPaths,
		"QueryFailedPaths":            OpQueryFailedPaths,
		"ClearFailedPaths":            OpClearFailedPaths,
		"QueryPathInfo":               OpQueryPathInfo,
		"ImportPaths":                 OpImportPaths,
		"QueryDerivationOutputNames":  OpQueryDerivationOutputNames,
		"QueryPathFromHashPart":       OpQueryPathFromHashPart,
		"QuerySubstitutablePathInfos": OpQuerySubstitutablePathInfos,
		"QueryValidPaths":             OpQueryValidPaths,
		"QuerySubstitutablePaths":     OpQuerySubstitutablePaths,
		"QueryValidDerivers":          OpQueryValidDerivers,
		"OptimiseStore":               OpOptimiseStore,
		"VerifyStore":                 OpVerifyStore,
		"BuildDerivation":             OpBuildDerivation,
		"AddSignatures":               OpAddSignatures,
		"NarFromPath":                 OpNarFromPath,
		"AddToStoreNar":               OpAddToStoreNar,
		"QueryMissing":                OpQueryMissing,
		"QueryDerivationOutputMap":    OpQueryDerivationOutputMap,
		"AddMultipleToStore":          OpAddMultipleToStore,
	}

	seen := make(map[Opcode]string, len(ops))
	for name, op := range ops {
		if other, ok := seen[op]; ok {
			t.Errorf("opcode %d used by both %q and %q", op, other, name)
		}
		seen[op] = name
	}
}

func TestStderrTagsAreUnique(t *testing.T) {
	tags := []StderrTag{
		StderrWrite, StderrRead, StderrError, StderrNext,
		StderrStartActivity, StderrStopActivity, StderrResult, StderrLast,
	}
	seen := make(map[StderrTag]bool, len(tags))
	for _, tag := range tags {
		if seen[tag] {
			t.Errorf("duplicate StderrTag value %#x", tag)
		}
		seen[tag] = true
	}
}

func TestBuildModeValues(t *testing.T) {
	if BuildModeNormal != 0 || BuildModeRepair != 1 || BuildModeCheck != 2 {
		t.Error("build mode values must match the upstream encoding")
	}
}

func TestGCActionValues(t *testing.T) {
	if GCReturnLive != 0 || GCReturnDead != 1 || GCDeleteDead != 2 || GCDeleteSpecific != 3 {
		t.Error("GC action values must match the upstream encoding")
	}
}
