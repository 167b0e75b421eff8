package mogilefs

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/mogilefs/mogclient/internal/enumerator"
	"github.com/mogilefs/mogclient/internal/logging"
	"github.com/mogilefs/mogclient/internal/metacache"
	"github.com/mogilefs/mogclient/internal/replica"
	"github.com/mogilefs/mogclient/internal/resolver"
	"github.com/mogilefs/mogclient/internal/session"
	"github.com/mogilefs/mogclient/internal/tracker"
	"github.com/mogilefs/mogclient/pkg/errors"
	"github.com/mogilefs/mogclient/pkg/types"
)

// File is an open write session returned by NewFile.
type File = session.File

// Recorder receives per-call metrics. The internal metrics Collector
// satisfies it.
type Recorder interface {
	RecordOperation(operation string, duration time.Duration, size int64, err error)
	RecordReplicaSkip(kind, reason string)
	RecordBytesWritten(n int64)
}

// Options configures a Client.
type Options struct {
	// Domain scopes every key. Required.
	Domain string

	// Root is the local mount prefixed to non-HTTP paths.
	Root string

	ReadOnly bool

	// Backend answers tracker requests. Required.
	Backend tracker.Client

	// Timeout bounds each replica attempt and each stall of an upload.
	// Zero means 5s.
	Timeout time.Duration

	// Zone is passed with path lookups to prefer a device's alternate address.
	Zone string

	// Verify asks the tracker to check paths before returning them.
	Verify bool

	BigFileThreshold int64
	ListLimit        int

	HTTPClient *http.Client
	Logger     zerolog.Logger
	Metrics    Recorder
}

// Client reads and writes the keys of one domain.
type Client struct {
	domain  string
	zone    string
	verify  bool
	backend tracker.Client
	cache   *metacache.Cache

	resolver resolver.Resolver
	reader   *replica.Reader
	session  *session.Session
	keys     *enumerator.Enumerator

	metrics Recorder
	logger  zerolog.Logger
	closers []io.Closer
}

// New creates a client over opts.Backend.
func New(opts Options) (*Client, error) {
	if opts.Domain == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "domain is required").WithComponent("client")
	}
	if opts.Backend == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "backend is required").WithComponent("client")
	}

	logger := opts.Logger.With().Str("domain", opts.Domain).Logger()

	c := &Client{
		domain:  opts.Domain,
		zone:    opts.Zone,
		verify:  opts.Verify,
		backend: opts.Backend,
		metrics: opts.Metrics,
		logger:  logging.Component(logger, "client"),
	}

	var skips replica.SkipRecorder
	var writes session.WriteRecorder
	if opts.Metrics != nil {
		skips, writes = opts.Metrics, opts.Metrics
	}

	if direct, ok := opts.Backend.(*metacache.Direct); ok {
		c.cache = direct.Cache()
		c.resolver = resolver.NewDirect(c.cache)
	} else {
		c.resolver = resolver.NewTracker(opts.Backend, opts.Root, logger)
	}

	c.reader = replica.New(replica.Options{
		Timeout: opts.Timeout,
		Logger:  logger,
		Metrics: skips,
	})
	c.session = session.New(session.Options{
		Domain:           opts.Domain,
		Root:             opts.Root,
		ReadOnly:         opts.ReadOnly,
		BigFileThreshold: opts.BigFileThreshold,
		Timeout:          opts.Timeout,
		Client:           opts.Backend,
		HTTPClient:       opts.HTTPClient,
		Logger:           logger,
		Metrics:          writes,
	})
	c.keys = enumerator.New(opts.Backend, opts.Domain, opts.ListLimit, logger)

	return c, nil
}

// Domain returns the domain the client is bound to.
func (c *Client) Domain() string { return c.domain }

// ReadOnly reports whether mutating calls are refused.
func (c *Client) ReadOnly() bool { return c.session.ReadOnly() }

func (c *Client) observe(op string, start time.Time, size int64, err error) {
	if c.metrics != nil {
		c.metrics.RecordOperation(op, time.Since(start), size, err)
	}
	if err != nil {
		c.logger.Debug().Err(err).Str("op", op).Msg("operation failed")
	}
}

// GetPaths returns the replica locations of key in preference order. An
// empty result means the key has no live replicas.
func (c *Client) GetPaths(ctx context.Context, key string) (paths []types.Candidate, err error) {
	defer func(start time.Time) { c.observe("get_paths", start, 0, err) }(time.Now())
	return c.resolver.Resolve(ctx, c.domain, key, !c.verify, c.zone)
}

// GetFileData returns the content of key from the first replica that serves
// it. found is false when no replica could.
func (c *Client) GetFileData(ctx context.Context, key string) (data []byte, found bool, err error) {
	defer func(start time.Time) { c.observe("get_file_data", start, int64(len(data)), err) }(time.Now())

	candidates, err := c.resolver.Resolve(ctx, c.domain, key, !c.verify, c.zone)
	if err != nil {
		return nil, false, err
	}
	return c.reader.ReadAll(ctx, candidates)
}

// OpenFile returns a stream over the content of key. The caller must close it.
func (c *Client) OpenFile(ctx context.Context, key string) (rc io.ReadCloser, found bool, err error) {
	defer func(start time.Time) { c.observe("open_file", start, 0, err) }(time.Now())

	candidates, err := c.resolver.Resolve(ctx, c.domain, key, !c.verify, c.zone)
	if err != nil {
		return nil, false, err
	}
	return c.reader.Open(ctx, candidates)
}

// Size returns the length of key as reported by the first replica that
// answers.
func (c *Client) Size(ctx context.Context, key string) (size int64, found bool, err error) {
	defer func(start time.Time) { c.observe("size", start, 0, err) }(time.Now())

	candidates, err := c.resolver.Resolve(ctx, c.domain, key, !c.verify, c.zone)
	if err != nil {
		return 0, false, err
	}
	return c.reader.Size(ctx, candidates)
}

// NewFile opens a write session for key. See session.Session.NewFile.
func (c *Client) NewFile(ctx context.Context, key, class string, sizeHint int64) (f File, err error) {
	defer func(start time.Time) { c.observe("new_file", start, 0, err) }(time.Now())
	return c.session.NewFile(ctx, key, class, sizeHint)
}

// StoreFile stores src under key and returns the number of bytes written.
func (c *Client) StoreFile(ctx context.Context, key, class string, src types.Source) (n int64, err error) {
	defer func(start time.Time) { c.observe("store_file", start, n, err) }(time.Now())
	return c.session.StoreFile(ctx, key, class, src)
}

// StoreContent stores data under key.
func (c *Client) StoreContent(ctx context.Context, key, class string, data []byte) (n int64, err error) {
	defer func(start time.Time) { c.observe("store_content", start, n, err) }(time.Now())
	return c.session.StoreContent(ctx, key, class, data)
}

// Delete removes key.
func (c *Client) Delete(ctx context.Context, key string) (err error) {
	defer func(start time.Time) { c.observe("delete", start, 0, err) }(time.Now())
	return c.session.Delete(ctx, key)
}

// Rename moves from to to within the domain.
func (c *Client) Rename(ctx context.Context, from, to string) (err error) {
	defer func(start time.Time) { c.observe("rename", start, 0, err) }(time.Now())
	return c.session.Rename(ctx, from, to)
}

// Sleep asks the backend to sleep for seconds.
func (c *Client) Sleep(ctx context.Context, seconds int) (err error) {
	defer func(start time.Time) { c.observe("sleep", start, 0, err) }(time.Now())
	return c.session.Sleep(ctx, seconds)
}

// ListKeys returns one page of keys starting with prefix after the cursor,
// and the cursor of the next page.
func (c *Client) ListKeys(ctx context.Context, prefix, after string, limit int) (keys []string, next string, err error) {
	defer func(start time.Time) { c.observe("list_keys", start, 0, err) }(time.Now())
	return c.keys.ListKeys(ctx, prefix, after, limit)
}

// EachKey calls fn for every key starting with prefix, in order.
func (c *Client) EachKey(ctx context.Context, prefix string, fn func(key string) error) (err error) {
	defer func(start time.Time) { c.observe("each_key", start, 0, err) }(time.Now())
	return c.keys.EachKey(ctx, prefix, fn)
}

// hostHealth is implemented by backends that track tracker host liveness.
type hostHealth interface {
	Dead() []string
	HealthCheck() error
}

// DeadTrackers returns the tracker hosts currently being skipped. It is
// always empty for backends that do not track hosts.
func (c *Client) DeadTrackers() []string {
	if h, ok := c.backend.(hostHealth); ok {
		return h.Dead()
	}
	return nil
}

// HealthCheck fails when a tracker host is marked dead.
func (c *Client) HealthCheck() error {
	h, ok := c.backend.(hostHealth)
	if !ok {
		return nil
	}
	if err := h.HealthCheck(); err != nil {
		return errors.NewError(errors.ErrCodeUnreachableBackend, err.Error()).
			WithComponent("client").WithOperation("health_check").WithCause(err)
	}
	return nil
}

// Refresh reloads the device and domain tables of a direct client. Lookups
// between refreshes see the previous snapshot.
func (c *Client) Refresh(ctx context.Context) (err error) {
	defer func(start time.Time) { c.observe("refresh", start, 0, err) }(time.Now())
	if c.cache == nil {
		return errors.NewError(errors.ErrCodeInvalidArgument, "client has no metadata cache").
			WithComponent("client").WithOperation("refresh")
	}
	return c.cache.Refresh(ctx)
}

// Close releases what the client opened. Clients built with New own nothing.
func (c *Client) Close() error {
	var first error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	c.closers = nil
	return first
}
