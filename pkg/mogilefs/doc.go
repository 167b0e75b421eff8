/*
Package mogilefs is a client for a MogileFS-style replicated file store.

A Client is bound to one domain. Reads resolve a key to its replica
locations and try them in order until one answers; writes negotiate a
destination with the tracker, upload to it and commit the key.

	cfg := config.NewDefault()
	cfg.Client.Domain = "photos"
	cfg.Tracker.Hosts = []string{"10.0.0.10:7001", "10.0.0.11:7001"}

	client, err := mogilefs.NewFromConfig(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	if _, err := client.StoreContent(ctx, "cat.jpg", "default", data); err != nil {
		return err
	}
	data, found, err := client.GetFileData(ctx, "cat.jpg")

A key with no reachable replica is reported with found=false and a nil
error. Errors are *errors.MogileFSError values; use errors.IsPrecondition,
errors.IsBackend and errors.IsFatalTransport to branch on them.

# Direct metadata

With metadata.direct enabled the client reads the tracker's database
instead of asking the tracker. Such a client is read-only and sees the
device and domain tables as of its last Refresh.
*/
package mogilefs
