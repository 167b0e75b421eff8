package metacache

import (
	"context"
	"strconv"
	"time"
	"unicode/utf8"

	"gorm.io/gorm"

	"github.com/mogilefs/mogclient/internal/tracker"
	"github.com/mogilefs/mogclient/pkg/errors"
	"github.com/mogilefs/mogclient/pkg/types"
)

// DefaultListLimit is used when ListKeys is called without a limit.
const DefaultListLimit = 1000

// GetPaths returns one HTTP candidate per cached, readable device holding
// key, in device id order. Devices missing from the snapshot are skipped.
func (c *Cache) GetPaths(ctx context.Context, domain, key, zone string) ([]types.Candidate, error) {
	snap := c.Snapshot()
	dmid, err := snap.DomainID(domain)
	if err != nil {
		return nil, err
	}

	var f File
	err = c.db.WithContext(ctx).Select("fid").Where("dmid = ? AND dkey = ?", dmid, key).Take(&f).Error
	if err != nil {
		return nil, c.lookupError("get_paths", domain, key, err)
	}

	var devids []uint64
	err = c.db.WithContext(ctx).Model(&FileOn{}).Where("fid = ?", f.FID).Order("devid").Pluck("devid", &devids).Error
	if err != nil {
		return nil, c.queryError("get_paths", err)
	}

	fid := types.FID(f.FID)
	candidates := make([]types.Candidate, 0, len(devids))
	for _, id := range devids {
		dev, ok := snap.Device(types.DevID(id))
		if !ok || !dev.Readable {
			continue
		}
		candidates = append(candidates,
			types.HTTPCandidate(dev.ID, dev.Host(zone), dev.GetPort(), types.FIDPath(dev.ID, fid)))
	}
	return candidates, nil
}

// ListKeys returns up to limit keys of domain starting with prefix and
// sorting after after, calling fn with each row when fn is non-nil. An empty
// result returns nil keys and an empty cursor.
func (c *Cache) ListKeys(ctx context.Context, domain, prefix, after string, limit int, fn func(types.KeyInfo)) ([]string, string, error) {
	dmid, err := c.Snapshot().DomainID(domain)
	if err != nil {
		return nil, "", err
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}

	q := c.db.WithContext(ctx).Model(&File{}).
		Select("dkey, length, devcount").
		Where("dmid = ? AND dkey > ?", dmid, after)
	if prefix != "" {
		q = q.Where("substr(dkey, 1, ?) = ?", utf8.RuneCountInString(prefix), prefix)
	}

	var rows []File
	if err := q.Order("dkey").Limit(limit).Find(&rows).Error; err != nil {
		return nil, "", c.queryError("list_keys", err)
	}
	if len(rows) == 0 {
		return nil, "", nil
	}

	keys := make([]string, 0, len(rows))
	for _, r := range rows {
		keys = append(keys, r.DKey)
		if fn != nil {
			fn(types.KeyInfo{Key: r.DKey, Length: r.Length, DevCount: r.DevCount})
		}
	}
	return keys, keys[len(keys)-1], nil
}

// Size returns the recorded length of key.
func (c *Cache) Size(ctx context.Context, domain, key string) (int64, error) {
	dmid, err := c.Snapshot().DomainID(domain)
	if err != nil {
		return 0, err
	}

	var f File
	err = c.db.WithContext(ctx).Select("length").Where("dmid = ? AND dkey = ?", dmid, key).Take(&f).Error
	if err != nil {
		return 0, c.lookupError("size", domain, key, err)
	}
	return f.Length, nil
}

func (c *Cache) lookupError(op, domain, key string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errors.Newf(errors.ErrCodeUnknownKey, "unknown key %q", key).
			WithComponent("metacache").WithOperation(op).WithContext("domain", domain)
	}
	return c.queryError(op, err)
}

// Direct serves the read-only subset of tracker requests from the cache:
// get_paths, list_keys and sleep. Mutating requests fail with READ_ONLY.
type Direct struct {
	cache *Cache
}

// NewDirect returns a tracker.Client backed by cache.
func NewDirect(cache *Cache) *Direct {
	return &Direct{cache: cache}
}

// Cache returns the cache behind d.
func (d *Direct) Cache() *Cache { return d.cache }

// Do implements tracker.Client.
func (d *Direct) Do(ctx context.Context, cmd string, args tracker.Args) (tracker.Result, error) {
	switch cmd {
	case tracker.CmdGetPaths:
		candidates, err := d.cache.GetPaths(ctx, args["domain"], args["key"], args["zone"])
		if err != nil {
			return nil, err
		}
		res := tracker.Result{"paths": strconv.Itoa(len(candidates))}
		for i, c := range candidates {
			res["path"+strconv.Itoa(i+1)] = c.String()
		}
		return res, nil

	case tracker.CmdListKeys:
		limit, _ := strconv.Atoi(args["limit"])
		keys, next, err := d.cache.ListKeys(ctx, args["domain"], args["prefix"], args["after"], limit, nil)
		if err != nil {
			return nil, err
		}
		if len(keys) == 0 {
			return nil, errors.FromBackend("none_match", "no keys match").WithComponent("metacache")
		}
		res := tracker.Result{"key_count": strconv.Itoa(len(keys)), "next_after": next}
		for i, k := range keys {
			res["key_"+strconv.Itoa(i+1)] = k
		}
		return res, nil

	case tracker.CmdSleep:
		secs, _ := strconv.Atoi(args["duration"])
		if secs > 0 {
			t := time.NewTimer(time.Duration(secs) * time.Second)
			defer t.Stop()
			select {
			case <-t.C:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return tracker.Result{}, nil

	case tracker.CmdCreateOpen, tracker.CmdCreateClose, tracker.CmdDelete, tracker.CmdRename:
		return nil, errors.NewError(errors.ErrCodeReadOnly, "").WithComponent("metacache").WithOperation(cmd)
	}

	return nil, errors.Newf(errors.ErrCodeBackendError, "unsupported request %q", cmd).WithComponent("metacache")
}
