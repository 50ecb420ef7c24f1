// Package storeurl resolves a store URI into the socket address the
// daemon package dials. The worker protocol's addressing is far
// narrower than a database connection string — a local Unix-domain
// socket path, nothing else — but the resolver shape (parse once,
// validate, expose a normalized form) follows the same pattern the
// wider example pack uses for its own connection URLs.
package storeurl

import (
	"fmt"
	"strings"
)

// DefaultSocketPath is used when the caller passes the bare "daemon"
// token instead of an explicit "unix://" URI.
const DefaultSocketPath = "/var/run/daemon/worker.sock"

// Resolver parses a store URI once and exposes the resolved socket
// path.
type Resolver struct {
	uriString string
	socket    string
	err       error
}

// NewResolver parses uriString immediately; any error is returned by a
// later call to Resolve.
func NewResolver(uriString string) *Resolver {
	r := &Resolver{uriString: uriString}
	r.socket, r.err = parse(uriString)
	return r
}

// Resolve returns the resolved socket path, or the parse error.
func (r *Resolver) Resolve() (string, error) {
	return r.socket, r.err
}

func parse(uriString string) (string, error) {
	switch {
	case uriString == "":
		return "", fmt.Errorf("storeurl: empty store URI")
	case uriString == "daemon":
		return DefaultSocketPath, nil
	case strings.HasPrefix(uriString, "unix://"):
		path := strings.TrimPrefix(uriString, "unix://")
		if path == "" {
			return "", fmt.Errorf("storeurl: %q has no socket path", uriString)
		}
		return path, nil
	default:
		return "", fmt.Errorf("storeurl: unsupported store URI %q (want \"unix://<path>\" or \"daemon\")", uriString)
	}
}

// Resolve is a convenience wrapper around NewResolver(uriString).Resolve().
func Resolve(uriString string) (string, error) {
	return NewResolver(uriString).Resolve()
}
