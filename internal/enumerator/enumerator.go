// Package enumerator pages through the keys of a domain.
package enumerator

import (
	"context"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/mogilefs/mogclient/internal/logging"
	"github.com/mogilefs/mogclient/internal/tracker"
	"github.com/mogilefs/mogclient/pkg/errors"
)

// DefaultLimit is the page size used when none is given.
const DefaultLimit = 1000

// Enumerator issues list_keys requests for one domain.
type Enumerator struct {
	client tracker.Client
	domain string
	limit  int
	logger zerolog.Logger
}

// New returns an enumerator. A non-positive limit means DefaultLimit.
func New(client tracker.Client, domain string, limit int, log zerolog.Logger) *Enumerator {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Enumerator{
		client: client,
		domain: domain,
		limit:  limit,
		logger: logging.Component(log, "enumerator").With().Str("domain", domain).Logger(),
	}
}

// ListKeys returns up to limit keys starting with prefix that sort after
// after, plus the cursor for the next page. When nothing matches it returns
// nil keys, an empty cursor and no error.
func (e *Enumerator) ListKeys(ctx context.Context, prefix, after string, limit int) ([]string, string, error) {
	if limit <= 0 {
		limit = e.limit
	}

	res, err := e.client.Do(ctx, tracker.CmdListKeys, tracker.Args{
		"domain": e.domain,
		"prefix": prefix,
		"after":  after,
		"limit":  strconv.Itoa(limit),
	})
	if err != nil {
		if errors.Is(err, errors.NoneMatch) {
			return nil, "", nil
		}
		return nil, "", err
	}

	keys := res.Indexed("key_count", "key_")
	if len(keys) == 0 {
		return nil, "", nil
	}
	next := res["next_after"]
	if next == "" {
		next = keys[len(keys)-1]
	}
	return keys, next, nil
}

// EachKey calls fn with every key starting with prefix, in order. It stops
// at the first empty page, or when fn returns an error, which is returned.
func (e *Enumerator) EachKey(ctx context.Context, prefix string, fn func(key string) error) error {
	after := ""
	pages := 0
	for {
		keys, next, err := e.ListKeys(ctx, prefix, after, e.limit)
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			e.logger.Debug().Str("prefix", prefix).Int("pages", pages).Msg("enumeration complete")
			return nil
		}
		pages++

		for _, k := range keys {
			if err := fn(k); err != nil {
				return err
			}
		}
		after = next
	}
}
