/*
Package metrics provides Prometheus metrics for the MogileFS client.

# Overview

A Collector owns a private registry with counters and histograms for every
client call, plus the signals specific to this client: replicas skipped on
the read path, bytes committed on the write path, and tracker hosts that are
currently marked dead.

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Namespace: "mogilefs",
		Port:      9100,
	})
	if err != nil {
		log.Fatal(err)
	}
	if err := collector.Start(ctx); err != nil {
		log.Fatal(err)
	}
	defer collector.Stop(ctx)

With a zero Port nothing is served. Mount Handler in an existing mux, or
gather Registry directly.

# Recording

The client records each call with its duration, byte count and error:

	start := time.Now()
	data, err := client.GetFileData(ctx, key)
	collector.RecordOperation("get_file_data", time.Since(start), int64(len(data)), err)

Failed calls are also counted in errors_total by the error's category and
code. The Collector satisfies the small recorder interfaces of the replica,
session and tracker packages, so those layers report skips, committed bytes
and host liveness without importing this package.

A nil or disabled Collector accepts every call and records nothing.

# Exposed series

	<ns>_<sub>_operations_total{operation,status}
	<ns>_<sub>_operation_duration_seconds{operation}
	<ns>_<sub>_operation_size_bytes{operation}
	<ns>_<sub>_errors_total{operation,category,code}
	<ns>_<sub>_replica_skips_total{kind,reason}
	<ns>_<sub>_bytes_written_total
	<ns>_<sub>_tracker_host_dead{host}
*/
package metrics
