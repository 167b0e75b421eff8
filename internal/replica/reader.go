// Package replica reads a key's bytes, or its size, from the first replica
// candidate that answers. Candidates are tried strictly in order, one at a
// time; a failing candidate is skipped and never retried.
package replica

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mogilefs/mogclient/internal/logging"
	"github.com/mogilefs/mogclient/pkg/types"
)

// DefaultTimeout bounds connect plus header parse of one HTTP attempt.
const DefaultTimeout = 5 * time.Second

// SkipRecorder counts skipped candidates.
type SkipRecorder interface {
	RecordReplicaSkip(kind, reason string)
}

// Options configures a Reader.
type Options struct {
	Timeout time.Duration
	Logger  zerolog.Logger
	Metrics SkipRecorder

	// Dial overrides the TCP dialer, for tests.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// Reader fetches replica content with fallback across candidates.
type Reader struct {
	timeout time.Duration
	dial    func(ctx context.Context, network, addr string) (net.Conn, error)
	metrics SkipRecorder
	logger  zerolog.Logger
}

// New creates a Reader.
func New(opts Options) *Reader {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	dial := opts.Dial
	if dial == nil {
		var d net.Dialer
		dial = d.DialContext
	}
	return &Reader{
		timeout: opts.Timeout,
		dial:    dial,
		metrics: opts.Metrics,
		logger:  logging.Component(opts.Logger, "replica"),
	}
}

// Timeout returns the per-attempt timeout.
func (r *Reader) Timeout() time.Duration { return r.timeout }

// Open returns a stream over the first candidate that serves the content.
// found is false, with a nil error, when every candidate was skipped.
func (r *Reader) Open(ctx context.Context, candidates []types.Candidate) (io.ReadCloser, bool, error) {
	return first(ctx, r, candidates, r.TryOpen)
}

// ReadAll returns the full content of the first candidate that serves it.
func (r *Reader) ReadAll(ctx context.Context, candidates []types.Candidate) ([]byte, bool, error) {
	return first(ctx, r, candidates, r.TryRead)
}

// Size returns the length reported by the first candidate that answers.
func (r *Reader) Size(ctx context.Context, candidates []types.Candidate) (int64, bool, error) {
	return first(ctx, r, candidates, r.TrySize)
}

func first[T any](ctx context.Context, r *Reader, candidates []types.Candidate,
	try func(context.Context, types.Candidate) Attempt[T]) (T, bool, error) {
	var zero T
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return zero, false, err
		}
		a := try(ctx, c)
		if a.OK() {
			return a.Value, true, nil
		}
		r.skipped(a.Candidate, a.Skip, a.Err)
	}
	return zero, false, nil
}

func (r *Reader) skipped(c types.Candidate, reason Reason, err error) {
	r.logger.Debug().Err(err).Str("candidate", c.String()).Str("reason", string(reason)).Msg("replica skipped")
	if r.metrics != nil {
		r.metrics.RecordReplicaSkip(c.Kind.String(), string(reason))
	}
}

// TryOpen attempts to open one candidate for reading.
func (r *Reader) TryOpen(ctx context.Context, c types.Candidate) Attempt[io.ReadCloser] {
	if c.Kind == types.CandidateFile {
		f, err := os.Open(c.FilePath)
		if err != nil {
			return skip[io.ReadCloser](c, classify(err), err)
		}
		return success[io.ReadCloser](c, f)
	}

	resp, reason, err := r.request(ctx, c, "GET")
	if reason != "" {
		return skip[io.ReadCloser](c, reason, err)
	}
	return success[io.ReadCloser](c, resp.body())
}

// TryRead attempts to read the full content of one candidate. A body shorter
// than its Content-Length is a skip.
func (r *Reader) TryRead(ctx context.Context, c types.Candidate) Attempt[[]byte] {
	if c.Kind == types.CandidateFile {
		data, err := os.ReadFile(c.FilePath)
		if err != nil {
			return skip[[]byte](c, classify(err), err)
		}
		return success(c, data)
	}

	resp, reason, err := r.request(ctx, c, "GET")
	if reason != "" {
		return skip[[]byte](c, reason, err)
	}
	body := resp.body()
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return skip[[]byte](c, classify(err), err)
	}
	return success(c, data)
}

// TrySize attempts to learn the length of one candidate.
func (r *Reader) TrySize(ctx context.Context, c types.Candidate) Attempt[int64] {
	if c.Kind == types.CandidateFile {
		fi, err := os.Stat(c.FilePath)
		if err != nil {
			return skip[int64](c, classify(err), err)
		}
		return success(c, fi.Size())
	}

	resp, reason, err := r.request(ctx, c, "HEAD")
	if reason != "" {
		return skip[int64](c, reason, err)
	}
	_ = resp.conn.Close()

	if resp.length < 0 {
		return skip[int64](c, ReasonNoLength, nil)
	}
	return success(c, resp.length)
}

var (
	statusLine    = regexp.MustCompile(`^HTTP/\d+\.\d+\s+(\d{3})`)
	contentLength = regexp.MustCompile(`(?im)^Content-Length:\s*(\d+)`)
)

// response is a parsed header block with the connection positioned at the
// start of the body.
type response struct {
	conn   net.Conn
	rd     *bufio.Reader
	status int
	length int64
}

// request sends a minimal HTTP/1.0 request line and parses the headers. The
// attempt timeout covers connect, request write and header parse; the body is
// read without a deadline.
func (r *Reader) request(ctx context.Context, c types.Candidate, method string) (*response, Reason, error) {
	actx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	conn, err := r.dial(actx, "tcp", c.Addr())
	if err != nil {
		return nil, classify(err), err
	}

	deadline, _ := actx.Deadline()
	_ = conn.SetDeadline(deadline)

	if _, err := fmt.Fprintf(conn, "%s %s HTTP/1.0\r\n\r\n", method, c.Path); err != nil {
		_ = conn.Close()
		return nil, classify(err), err
	}

	rd := bufio.NewReader(conn)
	var head strings.Builder
	for {
		line, err := rd.ReadString('\n')
		if err != nil {
			_ = conn.Close()
			return nil, classify(err), err
		}
		if line == "\r\n" || line == "\n" {
			break
		}
		head.WriteString(line)
	}

	m := statusLine.FindStringSubmatch(head.String())
	if m == nil {
		_ = conn.Close()
		return nil, ReasonMalformed, fmt.Errorf("unexpected status line from %s", c.Addr())
	}
	status, _ := strconv.Atoi(m[1])
	if status < 200 || status > 299 {
		_ = conn.Close()
		return nil, ReasonStatus, fmt.Errorf("%s returned status %d", c.String(), status)
	}

	resp := &response{conn: conn, rd: rd, status: status, length: -1}
	if m := contentLength.FindStringSubmatch(head.String()); m != nil {
		if n, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			resp.length = n
		}
	}

	_ = conn.SetDeadline(time.Time{})
	return resp, "", nil
}

// body returns the response body. When Content-Length is known, a short body
// fails with io.ErrUnexpectedEOF.
func (resp *response) body() io.ReadCloser {
	var rd io.Reader = resp.rd
	if resp.length >= 0 {
		rd = &exactReader{r: io.LimitReader(resp.rd, resp.length), remaining: resp.length}
	}
	return &bodyReader{Reader: rd, conn: resp.conn}
}

type bodyReader struct {
	io.Reader
	conn net.Conn
}

func (b *bodyReader) Close() error { return b.conn.Close() }

type exactReader struct {
	r         io.Reader
	remaining int64
}

func (e *exactReader) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	e.remaining -= int64(n)
	if err == io.EOF && e.remaining > 0 {
		return n, io.ErrUnexpectedEOF
	}
	return n, err
}
