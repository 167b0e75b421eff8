package tracker

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mogilefs/mogclient/internal/circuit"
	"github.com/mogilefs/mogclient/internal/logging"
	"github.com/mogilefs/mogclient/pkg/errors"
)

// Options configures a line-protocol Backend.
type Options struct {
	Hosts []string

	ConnectTimeout  time.Duration
	RequestTimeout  time.Duration
	DeadHostTimeout time.Duration

	Logger zerolog.Logger

	// HostStates, when set, is told when a host is marked dead or alive.
	HostStates HostStateRecorder

	// Dial overrides the TCP dialer, for tests.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// HostStateRecorder observes tracker host liveness.
type HostStateRecorder interface {
	RecordTrackerHostState(host string, dead bool)
}

// Backend speaks the tracker line protocol over a single TCP connection.
// Hosts are tried in order; a host that refuses a connection is skipped
// until its dead-host timeout expires.
type Backend struct {
	hosts          []string
	requestTimeout time.Duration
	dial           func(ctx context.Context, network, addr string) (net.Conn, error)
	breakers       *circuit.Set
	logger         zerolog.Logger

	mu   sync.Mutex
	conn net.Conn
	rd   *bufio.Reader
	host string
}

// NewBackend creates a backend. No connection is made until the first request.
func NewBackend(opts Options) (*Backend, error) {
	if len(opts.Hosts) == 0 {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "no tracker hosts configured").
			WithComponent("tracker")
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 3 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 5 * time.Second
	}

	logger := logging.Component(opts.Logger, "tracker")

	dial := opts.Dial
	if dial == nil {
		d := &net.Dialer{Timeout: opts.ConnectTimeout}
		dial = d.DialContext
	}

	b := &Backend{
		hosts:          append([]string(nil), opts.Hosts...),
		requestTimeout: opts.RequestTimeout,
		dial:           dial,
		logger:         logger,
	}
	b.breakers = circuit.NewSet(circuit.Config{
		Cooldown: opts.DeadHostTimeout,
		OnStateChange: func(host string, from, to circuit.State) {
			logger.Info().Str("host", host).Str("from", from.String()).Str("to", to.String()).
				Msg("tracker host state changed")
			if opts.HostStates != nil {
				opts.HostStates.RecordTrackerHostState(host, to == circuit.StateOpen)
			}
		},
	})
	return b, nil
}

// Do sends one request and waits for its response line.
func (b *Backend) Do(ctx context.Context, cmd string, args Args) (Result, error) {
	line := EncodeRequest(cmd, args)

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.connect(ctx); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(b.requestTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = b.conn.SetDeadline(deadline)

	n, err := io.WriteString(b.conn, line)
	if err != nil || n != len(line) {
		host := b.host
		b.shutdown()
		e := errors.Newf(errors.ErrCodeRequestTruncated, "request truncated (sent %d of %d bytes)", n, len(line)).
			WithComponent("tracker").WithOperation(cmd).WithContext("host", host)
		if err != nil {
			e = e.WithCause(err)
		}
		return nil, e
	}

	resp, err := b.rd.ReadString('\n')
	if err != nil {
		host := b.host
		b.shutdown()
		return nil, errors.NewError(errors.ErrCodeUnreachableBackend, "tracker read failed").
			WithComponent("tracker").WithOperation(cmd).WithContext("host", host).WithCause(err)
	}

	res, err := ParseResponse(resp)
	if err != nil {
		var me *errors.MogileFSError
		if errors.As(err, &me) && me.Code == errors.ErrCodeInvalidResponse {
			b.shutdown()
		}
		if me != nil {
			me.Operation = cmd
		}
		return nil, err
	}

	b.logger.Debug().Str("cmd", cmd).Str("host", b.host).Msg("tracker request completed")
	return res, nil
}

// connect establishes a connection to the first live host. Caller holds mu.
func (b *Backend) connect(ctx context.Context) error {
	if b.conn != nil {
		return nil
	}

	var lastErr error
	for _, host := range b.hosts {
		if err := ctx.Err(); err != nil {
			return errors.NewError(errors.ErrCodeUnreachableBackend, "").
				WithComponent("tracker").WithCause(err)
		}

		var conn net.Conn
		err := b.breakers.Get(host).Execute(func() error {
			c, err := b.dial(ctx, "tcp", host)
			if err != nil {
				return err
			}
			conn = c
			return nil
		})
		if err != nil {
			b.logger.Debug().Err(err).Str("host", host).Msg("tracker host unavailable")
			lastErr = err
			continue
		}

		b.conn = conn
		b.rd = bufio.NewReader(conn)
		b.host = host
		b.logger.Debug().Str("host", host).Msg("connected to tracker")
		return nil
	}

	e := errors.NewError(errors.ErrCodeUnreachableBackend, "").
		WithComponent("tracker").
		WithDetail("hosts", strings.Join(b.hosts, ","))
	if lastErr != nil {
		e = e.WithCause(lastErr)
	}
	return e
}

func (b *Backend) shutdown() {
	if b.conn != nil {
		_ = b.conn.Close()
	}
	b.conn = nil
	b.rd = nil
	b.host = ""
}

// Close drops the current connection.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.shutdown()
	return nil
}

// Hosts returns the configured tracker hosts.
func (b *Backend) Hosts() []string {
	return append([]string(nil), b.hosts...)
}

// Dead returns the hosts currently being skipped.
func (b *Backend) Dead() []string {
	return b.breakers.Dead()
}

// HealthCheck fails when any tracker host is marked dead.
func (b *Backend) HealthCheck() error {
	return b.breakers.HealthCheck()
}

// EncodeRequest renders a request line.
func EncodeRequest(cmd string, args Args) string {
	v := make(url.Values, len(args))
	for k, val := range args {
		v.Set(k, val)
	}
	return cmd + " " + v.Encode() + "\r\n"
}

var (
	okLine  = regexp.MustCompile(`^OK\s+\d*\s*(\S*)\r?\n?$`)
	errLine = regexp.MustCompile(`^ERR\s+(\w+)\s*([^\r\n]*)`)
)

// ParseResponse decodes a response line into a Result or a typed error.
func ParseResponse(line string) (Result, error) {
	if m := okLine.FindStringSubmatch(line); m != nil {
		values, err := url.ParseQuery(m[1])
		if err != nil {
			return nil, errors.NewError(errors.ErrCodeInvalidResponse, "malformed OK response").
				WithComponent("tracker").WithCause(err)
		}
		res := make(Result, len(values))
		for k, vs := range values {
			if len(vs) > 0 {
				res[k] = vs[0]
			}
		}
		return res, nil
	}

	if m := errLine.FindStringSubmatch(line); m != nil {
		msg, err := url.QueryUnescape(m[2])
		if err != nil {
			msg = m[2]
		}
		return nil, errors.FromBackend(m[1], msg)
	}

	return nil, errors.Newf(errors.ErrCodeInvalidResponse, "invalid response from tracker: %q",
		strings.TrimRight(line, "\r\n")).WithComponent("tracker")
}
