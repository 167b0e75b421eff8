// Package metacache reads the tracker's own database to serve path lookups,
// listings and sizes without a tracker round trip.
//
// Device and domain tables are loaded into an immutable Snapshot by explicit
// refresh calls only. A refresh builds a new snapshot and swaps it in
// atomically, so readers observe either the old or the new tables in full.
// Results may be stale between refreshes.
package metacache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mogilefs/mogclient/internal/config"
	"github.com/mogilefs/mogclient/internal/logging"
	"github.com/mogilefs/mogclient/pkg/errors"
	"github.com/mogilefs/mogclient/pkg/types"
)

// Snapshot is one immutable view of the device and domain tables.
type Snapshot struct {
	Devices     map[types.DevID]types.Device
	Domains     map[string]uint64
	RefreshedAt time.Time
}

// Device returns the cached device, if present.
func (s *Snapshot) Device(id types.DevID) (types.Device, bool) {
	d, ok := s.Devices[id]
	return d, ok
}

// DomainID returns the id of a domain, or DOMAIN_NOT_FOUND.
func (s *Snapshot) DomainID(name string) (uint64, error) {
	id, ok := s.Domains[name]
	if !ok {
		return 0, errors.Newf(errors.ErrCodeDomainNotFound, "domain %q not found", name).
			WithComponent("metacache")
	}
	return id, nil
}

// Cache holds the database handle and the current snapshot.
type Cache struct {
	db     *gorm.DB
	snap   atomic.Pointer[Snapshot]
	logger zerolog.Logger
}

// New wraps an open database. The snapshot starts empty.
func New(db *gorm.DB, log zerolog.Logger) *Cache {
	c := &Cache{
		db:     db,
		logger: logging.Component(log, "metacache"),
	}
	c.snap.Store(&Snapshot{
		Devices: map[types.DevID]types.Device{},
		Domains: map[string]uint64{},
	})
	return c
}

// Open connects to the database described by cfg.
func Open(cfg config.MetadataConfig, log zerolog.Logger) (*Cache, error) {
	var dialector gorm.Dialector
	switch cfg.Type {
	case "", "sqlite":
		if cfg.SQLite.Path == "" {
			return nil, errors.NewError(errors.ErrCodeInvalidConfig, "sqlite path is required")
		}
		if cfg.SQLite.Path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.SQLite.Path), 0755); err != nil {
				return nil, errors.NewError(errors.ErrCodeInvalidConfig, "failed to create database directory").WithCause(err)
			}
		}
		dialector = sqlite.Open(cfg.SQLite.Path + "?_pragma=busy_timeout(5000)")
	case "postgres":
		dialector = postgres.Open(PostgresDSN(cfg.Postgres))
	default:
		return nil, errors.Newf(errors.ErrCodeInvalidConfig, "unsupported database type: %s", cfg.Type)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeUnreachableBackend, "failed to connect to metadata database").
			WithComponent("metacache").WithCause(err)
	}
	return New(db, log), nil
}

// PostgresDSN returns the connection string for cfg.
func PostgresDSN(cfg config.PostgresConfig) string {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database)
	if cfg.SSLMode != "" {
		dsn += " sslmode=" + cfg.SSLMode
	}
	return dsn
}

// AutoMigrate creates the tables if they do not exist.
func (c *Cache) AutoMigrate(ctx context.Context) error {
	if err := c.db.WithContext(ctx).AutoMigrate(AllModels()...); err != nil {
		return errors.NewError(errors.ErrCodeInternalError, "failed to migrate metadata schema").
			WithComponent("metacache").WithCause(err)
	}
	return nil
}

// DB returns the underlying handle.
func (c *Cache) DB() *gorm.DB { return c.db }

// Close closes the database connection.
func (c *Cache) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Snapshot returns the current snapshot. It is never nil and must not be
// modified.
func (c *Cache) Snapshot() *Snapshot {
	return c.snap.Load()
}

// readableDeviceStatus lists device states that still serve reads.
var readableDeviceStatus = map[string]bool{
	"alive":    true,
	"readonly": true,
	"drain":    true,
}

// RefreshDevice reloads the device table. Dead devices and devices without
// host information are left out. A device that is down, or whose host is not
// alive, is kept with Readable unset.
func (c *Cache) RefreshDevice(ctx context.Context) (map[types.DevID]types.Device, error) {
	var rows []deviceRow
	err := c.db.WithContext(ctx).
		Table("device").
		Select("device.devid AS devid, device.status AS dev_status, host.hostip AS hostip, " +
			"host.altip AS altip, host.http_port AS http_port, host.http_get_port AS http_get_port, " +
			"host.status AS host_status").
		Joins("LEFT JOIN host ON host.hostid = device.hostid").
		Order("device.devid").
		Scan(&rows).Error
	if err != nil {
		return nil, c.queryError("refresh_device", err)
	}

	devices := make(map[types.DevID]types.Device, len(rows))
	for _, r := range rows {
		if r.DevStatus == "dead" || r.HostIP == nil || *r.HostIP == "" {
			continue
		}
		hostAlive := r.HostStatus != nil && *r.HostStatus == "alive"

		d := types.Device{
			ID:       types.DevID(r.DevID),
			HostIP:   *r.HostIP,
			AltIP:    *r.HostIP,
			HTTPPort: 80,
			Readable: readableDeviceStatus[r.DevStatus] && hostAlive,
		}
		if r.AltIP != nil && *r.AltIP != "" {
			d.AltIP = *r.AltIP
		}
		if r.HTTPPort != nil && *r.HTTPPort != 0 {
			d.HTTPPort = *r.HTTPPort
		}
		d.HTTPGetPort = d.HTTPPort
		if r.HTTPGetPort != nil && *r.HTTPGetPort != 0 {
			d.HTTPGetPort = *r.HTTPGetPort
		}
		devices[d.ID] = d
	}

	for {
		old := c.snap.Load()
		next := &Snapshot{Devices: devices, Domains: old.Domains, RefreshedAt: time.Now()}
		if c.snap.CompareAndSwap(old, next) {
			break
		}
	}

	c.logger.Debug().Int("rows", len(rows)).Int("devices", len(devices)).Msg("device table refreshed")
	return devices, nil
}

// RefreshDomain reloads the domain table.
func (c *Cache) RefreshDomain(ctx context.Context) (map[string]uint64, error) {
	var rows []Domain
	if err := c.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, c.queryError("refresh_domain", err)
	}

	domains := make(map[string]uint64, len(rows))
	for _, r := range rows {
		domains[r.Namespace] = r.DmID
	}

	for {
		old := c.snap.Load()
		next := &Snapshot{Devices: old.Devices, Domains: domains, RefreshedAt: time.Now()}
		if c.snap.CompareAndSwap(old, next) {
			break
		}
	}

	c.logger.Debug().Int("domains", len(domains)).Msg("domain table refreshed")
	return domains, nil
}

// Refresh reloads both tables.
func (c *Cache) Refresh(ctx context.Context) error {
	if _, err := c.RefreshDevice(ctx); err != nil {
		return err
	}
	_, err := c.RefreshDomain(ctx)
	return err
}

func (c *Cache) queryError(op string, err error) error {
	return errors.NewError(errors.ErrCodeBackendError, "metadata query failed").
		WithComponent("metacache").WithOperation(op).WithCause(err)
}
