package mogilefs

import (
	"context"
	"io"
	"time"

	"github.com/mogilefs/mogclient/internal/config"
	"github.com/mogilefs/mogclient/internal/logging"
	"github.com/mogilefs/mogclient/internal/metacache"
	"github.com/mogilefs/mogclient/internal/metrics"
	"github.com/mogilefs/mogclient/internal/tracker"
	"github.com/mogilefs/mogclient/pkg/errors"
)

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// NewFromConfig builds a client from cfg: logger, metrics collector and
// either a tracker connection or, with metadata.direct, a read-only client
// over the metadata database. The direct cache is loaded before returning.
func NewFromConfig(ctx context.Context, cfg *config.Configuration) (*Client, error) {
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	threshold, err := cfg.BigFileThresholdBytes()
	if err != nil {
		return nil, err
	}

	logger, logCloser, err := logging.New(cfg.Global, nil)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "cannot open log output").WithCause(err)
	}
	closers := []io.Closer{logCloser}
	fail := func(err error) (*Client, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
		return nil, err
	}

	m := cfg.Monitoring.Metrics
	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   m.Enabled,
		Port:      m.Port,
		Path:      m.Path,
		Labels:    m.Labels,
		Namespace: m.Namespace,
		Subsystem: "client",
		Logger:    logger,
	})
	if err != nil {
		return fail(errors.NewError(errors.ErrCodeInvalidConfig, "cannot create metrics collector").WithCause(err))
	}
	if err := collector.Start(ctx); err != nil {
		return fail(err)
	}
	closers = append(closers, closerFunc(func() error {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return collector.Stop(stopCtx)
	}))

	readOnly := cfg.Client.ReadOnly
	var backend tracker.Client
	if cfg.Metadata.Direct {
		cache, err := metacache.Open(cfg.Metadata, logger)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, cache)
		if err := cache.Refresh(ctx); err != nil {
			return fail(err)
		}
		backend = metacache.NewDirect(cache)
		readOnly = true
		logger.Info().Str("type", cfg.Metadata.Type).Msg("using direct metadata backend, client is read-only")
	} else {
		b, err := tracker.NewBackend(tracker.Options{
			Hosts:           cfg.Tracker.Hosts,
			ConnectTimeout:  cfg.Tracker.ConnectTimeout,
			RequestTimeout:  cfg.Tracker.RequestTimeout,
			DeadHostTimeout: cfg.Tracker.DeadHostTimeout,
			Logger:          logger,
			HostStates:      collector,
		})
		if err != nil {
			return fail(err)
		}
		closers = append(closers, b)
		backend = b
	}

	c, err := New(Options{
		Domain:           cfg.Client.Domain,
		Root:             cfg.Client.Root,
		ReadOnly:         readOnly,
		Backend:          backend,
		Timeout:          cfg.Client.GetFileDataTimeout,
		BigFileThreshold: threshold,
		ListLimit:        cfg.Client.ListLimit,
		Logger:           logger,
		Metrics:          collector,
	})
	if err != nil {
		return fail(err)
	}
	c.closers = closers
	return c, nil
}
