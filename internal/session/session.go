// Package session implements the write path: negotiating a destination with
// the tracker, streaming bytes to it and committing the key.
//
// Only the first negotiated destination is written. Additional destinations
// are kept on the File for callers that want them but are never filled here.
package session

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mogilefs/mogclient/internal/config"
	"github.com/mogilefs/mogclient/internal/logging"
	"github.com/mogilefs/mogclient/internal/tracker"
	"github.com/mogilefs/mogclient/pkg/errors"
	"github.com/mogilefs/mogclient/pkg/types"
)

// copyBufferSize is the chunk size of stream copies.
const copyBufferSize = 64 * 1024

// WriteRecorder counts committed bytes.
type WriteRecorder interface {
	RecordBytesWritten(n int64)
}

// Options configures a Session.
type Options struct {
	Domain   string
	Root     string
	ReadOnly bool

	// BigFileThreshold is the file size above which StoreFile sends a path
	// source in bulk. Zero means config.DefaultBigFileThreshold.
	BigFileThreshold int64

	// Timeout bounds each stall of an upload. Zero means DefaultTimeout.
	// Ignored when HTTPClient is set.
	Timeout time.Duration

	Client     tracker.Client
	HTTPClient *http.Client
	Logger     zerolog.Logger
	Metrics    WriteRecorder
}

// Session performs writes and namespace changes for one domain.
type Session struct {
	domain    string
	root      string
	readOnly  bool
	threshold int64
	client    tracker.Client
	http      *http.Client
	metrics   WriteRecorder
	logger    zerolog.Logger
}

// New creates a Session.
func New(opts Options) *Session {
	if opts.BigFileThreshold <= 0 {
		opts.BigFileThreshold = config.DefaultBigFileThreshold
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = newHTTPClient(opts.Timeout)
	}
	return &Session{
		domain:    opts.Domain,
		root:      opts.Root,
		readOnly:  opts.ReadOnly,
		threshold: opts.BigFileThreshold,
		client:    opts.Client,
		http:      opts.HTTPClient,
		metrics:   opts.Metrics,
		logger:    logging.Component(opts.Logger, "session").With().Str("domain", opts.Domain).Logger(),
	}
}

// ReadOnly reports whether mutating calls are refused.
func (s *Session) ReadOnly() bool { return s.readOnly }

func (s *Session) checkWritable(op string) error {
	if s.readOnly {
		return errors.NewError(errors.ErrCodeReadOnly, "").WithComponent("session").WithOperation(op)
	}
	return nil
}

// NewFile opens a write session for key. When sizeHint is positive, Close
// fails with SIZE_MISMATCH unless exactly that many bytes were written. The
// context governs the whole session, including the final commit.
func (s *Session) NewFile(ctx context.Context, key, class string, sizeHint int64) (File, error) {
	if err := s.checkWritable("new_file"); err != nil {
		return nil, err
	}

	res, err := s.client.Do(ctx, tracker.CmdCreateOpen, tracker.Args{
		"domain":     s.domain,
		"class":      class,
		"key":        key,
		"multi_dest": "1",
	})
	if err != nil {
		return nil, err
	}

	dests := destinations(res)
	primary := dests[0]
	if primary.Path == "" {
		return nil, errors.NewError(errors.ErrCodeEmptyPath, "").
			WithComponent("session").WithOperation("new_file").WithContext("key", key)
	}

	f := &file{
		ctx:      ctx,
		s:        s,
		id:       uuid.NewString(),
		key:      key,
		class:    class,
		fid:      types.FID(res.Uint("fid")),
		primary:  primary,
		alts:     dests[1:],
		sizeHint: sizeHint,
	}

	if types.IsHTTPPath(primary.Path) {
		f.sink = &httpSink{client: s.http, url: primary.Path}
	} else {
		nfs, err := openNFS(filepath.Join(s.root, primary.Path))
		if err != nil {
			return nil, errors.NewError(errors.ErrCodeStorageWrite, "cannot open destination").
				WithComponent("session").WithOperation("new_file").WithRequestID(f.id).
				WithContext("path", primary.Path).WithCause(err)
		}
		f.sink = nfs
	}

	s.logger.Debug().Str("session", f.id).Str("key", key).Uint64("fid", uint64(f.fid)).
		Str("path", primary.Path).Int("alternates", len(f.alts)).Msg("file opened")
	return f, nil
}

// destinations parses both create_open response shapes. The result always
// has at least one entry.
func destinations(res tracker.Result) []types.Destination {
	if !res.Has("dev_count") {
		return []types.Destination{{DevID: types.DevID(res.Uint("devid")), Path: res["path"]}}
	}

	n := res.Count("dev_count")
	dests := make([]types.Destination, 0, n)
	for i := 1; i <= n; i++ {
		idx := strconv.Itoa(i)
		dests = append(dests, types.Destination{
			DevID: types.DevID(res.Uint("devid_" + idx)),
			Path:  res["path_"+idx],
		})
	}
	if len(dests) == 0 {
		dests = append(dests, types.Destination{})
	}
	return dests
}

// StoreFile copies src into key and returns the number of bytes stored.
func (s *Session) StoreFile(ctx context.Context, key, class string, src types.Source) (int64, error) {
	if err := s.checkWritable("store_file"); err != nil {
		return 0, err
	}

	switch src.Kind {
	case types.SourceBytes:
		return s.store(ctx, key, class, int64(len(src.Data)), func(f File) error {
			_, err := f.Write(src.Data)
			return err
		})

	case types.SourceReader:
		if src.Reader == nil {
			return 0, errors.NewError(errors.ErrCodeInvalidArgument, "nil reader source").WithComponent("session")
		}
		return s.store(ctx, key, class, 0, func(f File) error {
			return copyChunked(f, src.Reader)
		})

	case types.SourcePath:
		fi, err := os.Stat(src.Path)
		if err != nil {
			return 0, errors.NewError(errors.ErrCodeStorageRead, "cannot stat source").
				WithComponent("session").WithContext("file", src.Path).WithCause(err)
		}
		if fi.Size() > s.threshold {
			return s.store(ctx, key, class, fi.Size(), func(f File) error {
				return f.SetBigFile(src.Path)
			})
		}
		return s.store(ctx, key, class, fi.Size(), func(f File) error {
			in, err := os.Open(src.Path)
			if err != nil {
				return errors.NewError(errors.ErrCodeStorageRead, "cannot open source").
					WithComponent("session").WithContext("file", src.Path).WithCause(err)
			}
			defer in.Close()
			return copyChunked(f, in)
		})
	}

	return 0, errors.Newf(errors.ErrCodeInvalidArgument, "unknown source kind %d", src.Kind).WithComponent("session")
}

// StoreContent writes data into key in a single call and returns its length.
func (s *Session) StoreContent(ctx context.Context, key, class string, data []byte) (int64, error) {
	if err := s.checkWritable("store_content"); err != nil {
		return 0, err
	}
	if _, err := s.store(ctx, key, class, int64(len(data)), func(f File) error {
		_, err := f.Write(data)
		return err
	}); err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

func (s *Session) store(ctx context.Context, key, class string, sizeHint int64, fill func(File) error) (int64, error) {
	f, err := s.NewFile(ctx, key, class, sizeHint)
	if err != nil {
		return 0, err
	}
	if err := fill(f); err != nil {
		_ = f.Abort()
		return 0, err
	}
	return f.Close()
}

// copyChunked copies r into w through a fixed-size buffer.
func copyChunked(w io.Writer, r io.Reader) error {
	buf := make([]byte, copyBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.NewError(errors.ErrCodeStorageRead, "reading source failed").
				WithComponent("session").WithCause(err)
		}
	}
}

// Delete removes key.
func (s *Session) Delete(ctx context.Context, key string) error {
	if err := s.checkWritable("delete"); err != nil {
		return err
	}
	_, err := s.client.Do(ctx, tracker.CmdDelete, tracker.Args{"domain": s.domain, "key": key})
	return err
}

// Rename moves from to to.
func (s *Session) Rename(ctx context.Context, from, to string) error {
	if err := s.checkWritable("rename"); err != nil {
		return err
	}
	_, err := s.client.Do(ctx, tracker.CmdRename, tracker.Args{
		"domain":   s.domain,
		"from_key": from,
		"to_key":   to,
	})
	return err
}

// Sleep asks the tracker to sleep for the given number of seconds.
func (s *Session) Sleep(ctx context.Context, seconds int) error {
	_, err := s.client.Do(ctx, tracker.CmdSleep, tracker.Args{"duration": strconv.Itoa(seconds)})
	return err
}
