package session

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/mogilefs/mogclient/internal/tracker"
	"github.com/mogilefs/mogclient/pkg/errors"
	"github.com/mogilefs/mogclient/pkg/types"
)

// File is an open write session for one key. Bytes are appended with Write
// and committed by Close.
type File interface {
	io.Writer

	// SetBigFile streams the named local file as the whole content on Close,
	// in place of anything written.
	SetBigFile(path string) error

	// Close uploads the content, checks its length against the size hint and
	// commits the key. It returns the number of bytes stored.
	Close() (int64, error)

	// Abort discards the content without committing.
	Abort() error

	ID() string
	FID() types.FID
	DevID() types.DevID
	Path() string
	Alternates() []types.Destination
}

// sink receives the bytes of one destination.
type sink interface {
	io.Writer
	setBigFile(path string) error
	finish(ctx context.Context) (int64, error)
	abort() error
}

type file struct {
	ctx      context.Context
	s        *Session
	id       string
	key      string
	class    string
	fid      types.FID
	primary  types.Destination
	alts     []types.Destination
	sizeHint int64
	sink     sink
	closed   bool
}

func (f *file) Write(p []byte) (int, error) {
	if f.closed {
		return 0, f.closedError("write")
	}
	return f.sink.Write(p)
}

func (f *file) SetBigFile(path string) error {
	if f.closed {
		return f.closedError("set_big_file")
	}
	return f.sink.setBigFile(path)
}

func (f *file) Close() (int64, error) {
	if f.closed {
		return 0, f.closedError("close")
	}
	f.closed = true

	n, err := f.sink.finish(f.ctx)
	if err != nil {
		return n, f.wrap(err)
	}

	if f.sizeHint > 0 && n != f.sizeHint {
		f.s.logger.Warn().Str("session", f.id).Str("key", f.key).
			Int64("expected", f.sizeHint).Int64("actual", n).Msg("size mismatch, not committing")
		return n, errors.Newf(errors.ErrCodeSizeMismatch, "wrote %d bytes, expected %d", n, f.sizeHint).
			WithComponent("session").WithOperation("close").WithRequestID(f.id).
			WithContext("key", f.key)
	}

	_, err = f.s.client.Do(f.ctx, tracker.CmdCreateClose, tracker.Args{
		"fid":    fmt.Sprint(uint64(f.fid)),
		"devid":  fmt.Sprint(uint64(f.primary.DevID)),
		"domain": f.s.domain,
		"key":    f.key,
		"path":   f.primary.Path,
		"size":   fmt.Sprint(n),
	})
	if err != nil {
		return n, err
	}

	if f.s.metrics != nil {
		f.s.metrics.RecordBytesWritten(n)
	}
	f.s.logger.Debug().Str("session", f.id).Str("key", f.key).Str("class", f.class).Uint64("fid", uint64(f.fid)).
		Int64("bytes", n).Msg("file committed")
	return n, nil
}

func (f *file) Abort() error {
	if f.closed {
		return nil
	}
	f.closed = true
	f.s.logger.Debug().Str("session", f.id).Str("key", f.key).Msg("write aborted")
	return f.sink.abort()
}

func (f *file) ID() string { return f.id }
func (f *file) FID() types.FID { return f.fid }
func (f *file) DevID() types.DevID { return f.primary.DevID }
func (f *file) Path() string { return f.primary.Path }
func (f *file) Alternates() []types.Destination { return append([]types.Destination(nil), f.alts...) }

func (f *file) closedError(op string) error {
	return errors.NewError(errors.ErrCodeInvalidArgument, "file already closed").
		WithComponent("session").WithOperation(op).WithRequestID(f.id)
}

func (f *file) wrap(err error) error {
	var me *errors.MogileFSError
	if errors.As(err, &me) {
		if me.RequestID == "" {
			me.RequestID = f.id
		}
		return me
	}
	return errors.NewError(errors.ErrCodeStorageWrite, "write failed").
		WithComponent("session").WithRequestID(f.id).WithCause(err)
}

// httpSink buffers the content in memory and sends it with a single PUT.
type httpSink struct {
	client  *http.Client
	url     string
	buf     bytes.Buffer
	bigFile string
}

func (h *httpSink) Write(p []byte) (int, error) {
	if h.bigFile != "" {
		return 0, errors.NewError(errors.ErrCodeInvalidArgument, "cannot write after SetBigFile").
			WithComponent("session")
	}
	return h.buf.Write(p)
}

func (h *httpSink) setBigFile(path string) error {
	if h.buf.Len() > 0 {
		return errors.NewError(errors.ErrCodeInvalidArgument, "cannot set big file after writing").
			WithComponent("session")
	}
	h.bigFile = path
	return nil
}

func (h *httpSink) finish(ctx context.Context) (int64, error) {
	var body io.Reader = bytes.NewReader(h.buf.Bytes())
	size := int64(h.buf.Len())

	if h.bigFile != "" {
		f, err := os.Open(h.bigFile)
		if err != nil {
			return 0, errors.NewError(errors.ErrCodeStorageRead, "cannot open big file").
				WithComponent("session").WithContext("file", h.bigFile).WithCause(err)
		}
		defer f.Close()
		fi, err := f.Stat()
		if err != nil {
			return 0, errors.NewError(errors.ErrCodeStorageRead, "cannot stat big file").
				WithComponent("session").WithContext("file", h.bigFile).WithCause(err)
		}
		body = f
		size = fi.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, h.url, body)
	if err != nil {
		return 0, errors.NewError(errors.ErrCodeStorageWrite, "cannot build upload request").
			WithComponent("session").WithCause(err)
	}
	req.ContentLength = size
	if size == 0 {
		req.Body = http.NoBody
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return 0, errors.NewError(errors.ErrCodeStorageWrite, "upload failed").
			WithComponent("session").WithContext("url", h.url).WithCause(err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, errors.Newf(errors.ErrCodeStorageWrite, "upload returned %s", resp.Status).
			WithComponent("session").WithContext("url", h.url).WithDetail("status", resp.StatusCode)
	}

	h.buf.Reset()
	return size, nil
}

func (h *httpSink) abort() error {
	h.buf.Reset()
	return nil
}

// nfsSink writes straight into the destination under the local mount.
type nfsSink struct {
	path    string
	f       *os.File
	written int64
	bigFile string
}

func openNFS(path string) (*nfsSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	return &nfsSink{path: path, f: f}, nil
}

func (n *nfsSink) Write(p []byte) (int, error) {
	if n.bigFile != "" {
		return 0, errors.NewError(errors.ErrCodeInvalidArgument, "cannot write after SetBigFile").
			WithComponent("session")
	}
	w, err := n.f.Write(p)
	n.written += int64(w)
	if err != nil {
		return w, errors.NewError(errors.ErrCodeStorageWrite, "write failed").
			WithComponent("session").WithContext("path", n.path).WithCause(err)
	}
	return w, nil
}

func (n *nfsSink) setBigFile(path string) error {
	if n.written > 0 {
		return errors.NewError(errors.ErrCodeInvalidArgument, "cannot set big file after writing").
			WithComponent("session")
	}
	n.bigFile = path
	return nil
}

func (n *nfsSink) finish(context.Context) (int64, error) {
	if n.bigFile != "" {
		src, err := os.Open(n.bigFile)
		if err != nil {
			_ = n.f.Close()
			return 0, errors.NewError(errors.ErrCodeStorageRead, "cannot open big file").
				WithComponent("session").WithContext("file", n.bigFile).WithCause(err)
		}
		defer src.Close()
		n.written, err = io.Copy(n.f, src)
		if err != nil {
			_ = n.f.Close()
			return n.written, errors.NewError(errors.ErrCodeStorageWrite, "write failed").
				WithComponent("session").WithContext("path", n.path).WithCause(err)
		}
	}

	if err := n.f.Close(); err != nil {
		return n.written, errors.NewError(errors.ErrCodeStorageWrite, "close failed").
			WithComponent("session").WithContext("path", n.path).WithCause(err)
	}
	return n.written, nil
}

func (n *nfsSink) abort() error {
	_ = n.f.Close()
	if err := os.Remove(n.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
