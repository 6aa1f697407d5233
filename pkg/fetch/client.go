package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/cryptolog/apt-offline/pkg/logctx"
	"golang.org/x/net/proxy"
)

type Config struct {
	SocketTimeout time.Duration `yaml:"socket_timeout"`
	Retries       int           `yaml:"retries"`
	Proxy         string        `yaml:"proxy"`
}

const (
	DefaultSocketTimeout = 30 * time.Second
	DefaultRetries       = 5
)

// NewClient builds an HTTP client whose connections time out any single
// read or write that stalls longer than the socket timeout.
func NewClient(cfg Config) (*http.Client, error) {
	timeout := cfg.SocketTimeout
	if timeout <= 0 {
		timeout = DefaultSocketTimeout
	}
	dialer := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = http.ProxyFromEnvironment
	transport.ResponseHeaderTimeout = timeout
	dial := dialer.DialContext

	if cfg.Proxy != "" {
		u, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("parsing proxy URL: %w", err)
		}
		switch u.Scheme {
		case "http", "https":
			transport.Proxy = http.ProxyURL(u)
		case "socks5", "socks5h":
			d, err := proxy.FromURL(u, dialer)
			if err != nil {
				return nil, fmt.Errorf("socks proxy: %w", err)
			}
			transport.Proxy = nil
			if cd, ok := d.(proxy.ContextDialer); ok {
				dial = cd.DialContext
			} else {
				dial = func(_ context.Context, network, addr string) (net.Conn, error) {
					return d.Dial(network, addr)
				}
			}
		default:
			return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
		}
	}

	transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := dial(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		return &deadlineConn{Conn: conn, timeout: timeout}, nil
	}

	return &http.Client{Transport: &loggingTransport{next: transport}}, nil
}

type deadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (c *deadlineConn) Read(b []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(b)
}

func (c *deadlineConn) Write(b []byte) (int, error) {
	if err := c.Conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Write(b)
}

type loggingTransport struct {
	next http.RoundTripper
}

func (t *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	log := logctx.LoggerFromContext(req.Context())
	start := time.Now()
	resp, err := t.next.RoundTrip(req)
	if err != nil {
		log.Debug("request failed",
			slog.String("method", req.Method),
			slog.String("url", req.URL.String()),
			slog.String("error", err.Error()))
		return nil, err
	}
	log.Debug("request",
		slog.String("method", req.Method),
		slog.String("url", req.URL.String()),
		slog.Int("status", resp.StatusCode),
		slog.Duration("dur", time.Since(start)))
	return resp, nil
}
