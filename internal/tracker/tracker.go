// Package tracker talks to the coordination service that owns the key
// namespace: path lookup, file creation and commit, deletion, renames and
// key listing.
package tracker

import (
	"context"
	"strconv"
)

// Request names understood by the tracker.
const (
	CmdGetPaths    = "get_paths"
	CmdCreateOpen  = "create_open"
	CmdCreateClose = "create_close"
	CmdDelete      = "delete"
	CmdRename      = "rename"
	CmdSleep       = "sleep"
	CmdListKeys    = "list_keys"
)

// Args are the named parameters of a request.
type Args map[string]string

// Result is the field map of a successful response.
type Result map[string]string

// Client issues one named request and returns its result map or a classified
// error from pkg/errors.
type Client interface {
	Do(ctx context.Context, cmd string, args Args) (Result, error)
}

// ClientFunc adapts a function to the Client interface.
type ClientFunc func(ctx context.Context, cmd string, args Args) (Result, error)

// Do calls f.
func (f ClientFunc) Do(ctx context.Context, cmd string, args Args) (Result, error) {
	return f(ctx, cmd, args)
}

// Has reports whether the field is present.
func (r Result) Has(key string) bool {
	_, ok := r[key]
	return ok
}

// Int returns the field as an integer, or 0 when absent or malformed.
func (r Result) Int(key string) int {
	n, err := strconv.Atoi(r[key])
	if err != nil {
		return 0
	}
	return n
}

// Uint returns the field as an unsigned integer, or 0 when absent or malformed.
func (r Result) Uint(key string) uint64 {
	n, err := strconv.ParseUint(r[key], 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// Count reads a list length sent by the tracker. It is clamped to
// [0, len(r)] since a response cannot carry more entries than fields.
func (r Result) Count(countKey string) int {
	return max(0, min(r.Int(countKey), len(r)))
}

// Indexed returns fields prefix1..prefixN where N is the integer in countKey.
func (r Result) Indexed(countKey, prefix string) []string {
	n := r.Count(countKey)
	out := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, r[prefix+strconv.Itoa(i)])
	}
	return out
}

// Bool renders a flag the way the tracker expects it.
func Bool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
