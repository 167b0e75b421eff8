/*
Package config provides configuration management for mogclient.

Configuration is layered, later sources overriding earlier ones:

	┌─────────────────────────────────────────────┐
	│        Environment Variables                │ ← Highest Priority
	│           (MOGILEFS_*)                      │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│         Configuration Files                 │
	│            (YAML format)                    │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│           Default Values                    │ ← Lowest Priority
	│        (Compiled-in defaults)               │
	└─────────────────────────────────────────────┘

# Sections

  - global: log level and format.
  - client: domain, NFS root, read-only flag, per-replica timeout, bulk
    transfer threshold and listing page size.
  - tracker: tracker host list and timeouts, including how long a host that
    refused a connection is skipped.
  - metadata: optional direct access to the tracker database (SQLite or
    PostgreSQL) for the read-only fast path.
  - monitoring: Prometheus metrics.

# Usage

	cfg := config.NewDefault()
	if err := cfg.LoadFromFile("/etc/mogilefs/mogilefs.yaml"); err != nil {
		return err
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

Example file:

	global:
	  log_level: INFO
	  log_format: json
	client:
	  domain: photos
	  get_file_data_timeout: 5s
	  big_file_threshold: 64KiB
	tracker:
	  hosts: ["10.0.0.1:7001", "10.0.0.2:7001"]
	  dead_host_timeout: 5s

# Validation

Validate checks struct tags with go-playground/validator and then applies the
cross-field rules: a direct metadata backend needs its database location, a
tracker backend needs at least one host. Failures carry the
CONFIG_VALIDATION error code.
*/
package config
