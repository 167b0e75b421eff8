// Package resolver turns a key into the ordered list of replica locations
// that may hold its bytes.
package resolver

import (
	"context"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/mogilefs/mogclient/internal/logging"
	"github.com/mogilefs/mogclient/internal/metacache"
	"github.com/mogilefs/mogclient/internal/tracker"
	"github.com/mogilefs/mogclient/pkg/types"
)

// Resolver looks up replica candidates for a key. An empty result means the
// key has no live replicas and is not an error.
type Resolver interface {
	Resolve(ctx context.Context, domain, key string, noverify bool, zone string) ([]types.Candidate, error)
}

// Tracker resolves keys with the tracker's get_paths request.
type Tracker struct {
	client tracker.Client
	root   string
	logger zerolog.Logger
}

// NewTracker returns a resolver using client. Non-HTTP paths returned by the
// tracker are joined onto root.
func NewTracker(client tracker.Client, root string, log zerolog.Logger) *Tracker {
	return &Tracker{
		client: client,
		root:   root,
		logger: logging.Component(log, "resolver"),
	}
}

// Resolve implements Resolver.
func (r *Tracker) Resolve(ctx context.Context, domain, key string, noverify bool, zone string) ([]types.Candidate, error) {
	res, err := r.client.Do(ctx, tracker.CmdGetPaths, tracker.Args{
		"domain":   domain,
		"key":      key,
		"noverify": tracker.Bool(noverify),
		"zone":     zone,
	})
	if err != nil {
		return nil, err
	}

	paths := res.Indexed("paths", "path")
	candidates := make([]types.Candidate, 0, len(paths))
	if len(paths) == 0 {
		return candidates, nil
	}

	// The first entry decides the mode: HTTP URLs, or paths under the NFS root.
	if !types.IsHTTPPath(paths[0]) {
		for _, p := range paths {
			if p == "" {
				continue
			}
			candidates = append(candidates, types.FileCandidate(filepath.Join(r.root, p)))
		}
		return candidates, nil
	}

	for _, p := range paths {
		if p == "" {
			continue
		}
		c, err := types.ParseCandidate(p)
		if err != nil {
			r.logger.Warn().Err(err).Str("key", key).Str("path", p).Msg("skipping unparseable path")
			continue
		}
		candidates = append(candidates, c)
	}

	r.logger.Debug().Str("domain", domain).Str("key", key).Int("candidates", len(candidates)).Msg("resolved")
	return candidates, nil
}

// Direct resolves keys from the cached metadata tables without a tracker
// round trip. Results reflect the last refresh of cache.
type Direct struct {
	cache *metacache.Cache
}

// NewDirect returns a resolver over cache.
func NewDirect(cache *metacache.Cache) *Direct {
	return &Direct{cache: cache}
}

// Resolve implements Resolver. noverify is implied.
func (r *Direct) Resolve(ctx context.Context, domain, key string, _ bool, zone string) ([]types.Candidate, error) {
	return r.cache.GetPaths(ctx, domain, key, zone)
}
