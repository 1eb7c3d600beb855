// Package network is the JSON request client for the relay's HTTP API.
// Every request resolves the relay through discovery first.
package network

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/peder1981/securecarrier/internal/discovery"
	"github.com/peder1981/securecarrier/internal/logging"
	"github.com/peder1981/securecarrier/internal/transport"
)

const (
	DefaultTimeout = 10 * time.Second
	contentType    = "application/json; charset=utf-8"
	maxBody        = 4 << 20
)

// Kind classifies a request failure.
type Kind int

const (
	AddressUnresolved Kind = iota + 1
	TransportError
	ServerError
	MalformedResponse
)

func (k Kind) String() string {
	switch k {
	case AddressUnresolved:
		return "address unresolved"
	case TransportError:
		return "transport error"
	case ServerError:
		return "server error"
	case MalformedResponse:
		return "malformed response"
	}
	return "unknown"
}

// Error is returned by every failed request. StatusCode is set for
// ServerError.
type Error struct {
	Kind       Kind
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.Kind == ServerError {
		return fmt.Sprintf("request: %s: status %d", e.Kind, e.StatusCode)
	}
	return fmt.Sprintf("request: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of err, or 0 when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// Resolver yields the relay endpoint. *discovery.Service implements it.
type Resolver interface {
	Resolve(ctx context.Context) (discovery.Endpoint, error)
}

// Options holds the per-phase timeouts.
type Options struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	Logger         log.Logger
}

// Client issues single JSON requests. It never retries.
type Client struct {
	resolver Resolver
	http     *http.Client
	logger   log.Logger
}

// NewClient returns a Client that resolves the relay through r.
func NewClient(r Resolver, opts Options) *Client {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultTimeout
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultTimeout
	}
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: func(ctx context.Context, _, addr string) (net.Conn, error) {
			conn, err := transport.Dial(ctx, addr, opts.ConnectTimeout)
			if err != nil {
				return nil, err
			}
			return &deadlineConn{Conn: conn, read: opts.ReadTimeout, write: opts.WriteTimeout}, nil
		},
		MaxIdleConns:    4,
		IdleConnTimeout: 90 * time.Second,
	}
	return &Client{
		resolver: r,
		http:     &http.Client{Transport: tr},
		logger:   logging.Component(opts.Logger, "network"),
	}
}

// PostJSON sends in as the JSON body of a POST to path and decodes the
// response into out. out may be nil.
func (c *Client) PostJSON(ctx context.Context, path string, in, out interface{}) error {
	return c.do(ctx, http.MethodPost, path, in, out)
}

// GetJSON issues a GET to path and decodes the response into out.
func (c *Client) GetJSON(ctx context.Context, path string, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	ep, err := c.resolver.Resolve(ctx)
	if err != nil {
		return &Error{Kind: AddressUnresolved, Err: fmt.Errorf("%w: %w", discovery.ErrAddressUnresolved, err)}
	}

	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("request: encode body: %w", err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, ep.URL(path), body)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		level.Debug(c.logger).Log("msg", "request failed", "method", method, "path", path, "err", err)
		return &Error{Kind: TransportError, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxBody))
		level.Debug(c.logger).Log("msg", "server error", "method", method, "path", path, "status", resp.StatusCode)
		return &Error{Kind: ServerError, StatusCode: resp.StatusCode, Err: errors.New(resp.Status)}
	}
	if out == nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxBody))
		return nil
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return &Error{Kind: TransportError, Err: err}
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return &Error{Kind: MalformedResponse, Err: errors.New("empty body")}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &Error{Kind: MalformedResponse, Err: err}
	}
	return nil
}

// deadlineConn arms a fresh deadline before every read and write.
type deadlineConn struct {
	net.Conn
	read, write time.Duration
}

func (c *deadlineConn) Read(p []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.read)); err != nil {
		return 0, err
	}
	return c.Conn.Read(p)
}

func (c *deadlineConn) Write(p []byte) (int, error) {
	if err := c.Conn.SetWriteDeadline(time.Now().Add(c.write)); err != nil {
		return 0, err
	}
	return c.Conn.Write(p)
}
