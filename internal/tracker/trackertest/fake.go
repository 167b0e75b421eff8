// Package trackertest provides in-process stand-ins for the tracker and for
// storage nodes, for use in tests.
package trackertest

import (
	"context"
	"sync"

	"github.com/mogilefs/mogclient/internal/tracker"
	"github.com/mogilefs/mogclient/pkg/errors"
)

// Call records one request seen by a Fake.
type Call struct {
	Cmd  string
	Args tracker.Args
}

// HandlerFunc answers one request.
type HandlerFunc func(args tracker.Args) (tracker.Result, error)

// Fake is a scripted tracker.Client. Commands without a handler fail with a
// backend error.
type Fake struct {
	mu       sync.Mutex
	handlers map[string]HandlerFunc
	calls    []Call
}

// NewFake returns a Fake with no handlers.
func NewFake() *Fake {
	return &Fake{handlers: make(map[string]HandlerFunc)}
}

// Handle registers h for cmd, replacing any previous handler.
func (f *Fake) Handle(cmd string, h HandlerFunc) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[cmd] = h
	return f
}

// Reply registers a handler that always returns res.
func (f *Fake) Reply(cmd string, res tracker.Result) *Fake {
	return f.Handle(cmd, func(tracker.Args) (tracker.Result, error) { return res, nil })
}

// Fail registers a handler that always returns err.
func (f *Fake) Fail(cmd string, err error) *Fake {
	return f.Handle(cmd, func(tracker.Args) (tracker.Result, error) { return nil, err })
}

// Do implements tracker.Client.
func (f *Fake) Do(ctx context.Context, cmd string, args tracker.Args) (tracker.Result, error) {
	f.mu.Lock()
	copied := make(tracker.Args, len(args))
	for k, v := range args {
		copied[k] = v
	}
	f.calls = append(f.calls, Call{Cmd: cmd, Args: copied})
	h := f.handlers[cmd]
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if h == nil {
		return nil, errors.FromBackend("unknown_command", "unknown command "+cmd)
	}
	return h(copied)
}

// Calls returns every request seen so far.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallCount returns the number of requests seen so far.
func (f *Fake) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// CallsTo returns the requests for cmd.
func (f *Fake) CallsTo(cmd string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.calls {
		if c.Cmd == cmd {
			out = append(out, c)
		}
	}
	return out
}
