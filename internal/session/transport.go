package session

import (
	"context"
	"net"
	"net/http"
	"time"
)

// DefaultTimeout bounds connecting to a storage node, each read or write
// on the connection, and the wait for response headers.
const DefaultTimeout = 5 * time.Second

// newHTTPClient returns a client whose uploads stall for at most timeout
// between bytes. Large bodies may take longer overall as long as they keep
// moving.
func newHTTPClient(timeout time.Duration) *http.Client {
	dialer := &net.Dialer{Timeout: timeout}
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				conn, err := dialer.DialContext(ctx, network, addr)
				if err != nil {
					return nil, err
				}
				return &idleConn{Conn: conn, timeout: timeout}, nil
			},
			ResponseHeaderTimeout: timeout,
			TLSHandshakeTimeout:   timeout,
			IdleConnTimeout:       90 * time.Second,
			MaxIdleConnsPerHost:   4,
		},
	}
}

// idleConn pushes its deadline forward before every read and write.
type idleConn struct {
	net.Conn
	timeout time.Duration
}

func (c *idleConn) Read(p []byte) (int, error) {
	_ = c.Conn.SetReadDeadline(time.Now().Add(c.timeout))
	return c.Conn.Read(p)
}

func (c *idleConn) Write(p []byte) (int, error) {
	_ = c.Conn.SetWriteDeadline(time.Now().Add(c.timeout))
	return c.Conn.Write(p)
}
