// Package storepath defines the store-path value type and the narrow
// collaborator interface the dispatcher uses to parse and print them.
// Parsing/printing rules (store directory prefix, hash-part validation)
// live in the local store implementation; this package treats that as a
// black box and provides only a default, dependency-free codec good
// enough for tests and for daemons that don't need custom store
// directories.
package storepath

import (
	"fmt"
	"strings"
)

// Path is an opaque store path. It is never constructed except through a
// Codec, which is the only thing that knows the store's naming rules.
type Path struct {
	s string
}

// String returns the path exactly as it was parsed or constructed.
func (p Path) String() string { return p.s }

// IsZero reports whether this is the zero value (no path).
func (p Path) IsZero() bool { return p.s == "" }

// Codec parses and prints store paths. The remote store client never
// interprets a path's structure itself — every operation that takes or
// returns a path goes through a Codec supplied at construction time.
type Codec interface {
	Parse(s string) (Path, error)
	Print(p Path) string
}

// DefaultCodec is a minimal Codec rooted at storeDir (conventionally
// "/nix/store" for Nix or an analogous prefix for another store). It
// validates that a path lies under the store directory and has a
// non-empty name component; it does not validate the store's hash-part
// encoding, which is the local store's job in a full implementation.
type DefaultCodec struct {
	StoreDir string
}

// NewDefaultCodec returns a Codec rooted at storeDir, defaulting to
// "/nix/store" when storeDir is empty.
func NewDefaultCodec(storeDir string) *DefaultCodec {
	if storeDir == "" {
		storeDir = "/nix/store"
	}
	return &DefaultCodec{StoreDir: strings.TrimRight(storeDir, "/")}
}

// Parse validates that s is rooted at the codec's store directory and
// has a non-empty base name.
func (c *DefaultCodec) Parse(s string) (Path, error) {
	prefix := c.StoreDir + "/"
	if !strings.HasPrefix(s, prefix) {
		return Path{}, fmt.Errorf("path %q is not in the Nix store (%q)", s, c.StoreDir)
	}
	rest := s[len(prefix):]
	if rest == "" || strings.Contains(rest, "/") {
		return Path{}, fmt.Errorf("path %q is not a direct store path", s)
	}
	return Path{s: s}, nil
}

// Print returns the path's string form.
func (c *DefaultCodec) Print(p Path) string { return p.s }

// ParseOptional parses s via codec, treating an empty string as "no
// path" per the worker protocol's convention for optional path fields.
func ParseOptional(codec Codec, s string) (Path, bool, error) {
	if s == "" {
		return Path{}, false, nil
	}
	p, err := codec.Parse(s)
	if err != nil {
		return Path{}, false, err
	}
	return p, true, nil
}

// PrintOptional renders an optional path as its string form, or "" when
// absent, per the worker protocol's convention.
func PrintOptional(codec Codec, p Path, present bool) string {
	if !present {
		return ""
	}
	return codec.Print(p)
}

// Set is an unordered collection of store paths, as decoded from a
// set-of-paths frame.
type Set map[string]Path

// NewSet builds a Set from raw wire strings, parsing each with codec.
func NewSet(codec Codec, raw []string) (Set, error) {
	out := make(Set, len(raw))
	for _, s := range raw {
		p, err := codec.Parse(s)
		if err != nil {
			return nil, err
		}
		out[s] = p
	}
	return out, nil
}

// Strings renders the set back to its wire string form, suitable for
// PutStringList.
func (s Set) Strings(codec Codec) []string {
	out := make([]string, 0, len(s))
	for _, p := range s {
		out = append(out, codec.Print(p))
	}
	return out
}

// CAMap is the decoded form of a path/content-address map: each store
// path mapped to its content-address string (possibly empty when the
// path is not content-addressed).
type CAMap map[string]string
