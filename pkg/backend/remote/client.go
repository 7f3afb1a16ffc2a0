// Package remote provides a backend.Backend that talks to a chainfs gateway
// over HTTP. Reads are retried on transport errors and 5xx responses;
// mutations are sent exactly once, signed with the acting account's key.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/fruitsalade/chainfs/internal/logging"
	"github.com/fruitsalade/chainfs/pkg/backend"
	"github.com/fruitsalade/chainfs/pkg/models"
	"github.com/fruitsalade/chainfs/pkg/protocol"
	"github.com/fruitsalade/chainfs/pkg/retry"
)

// Config holds client configuration.
type Config struct {
	BaseURL string
	Timeout time.Duration
	Retry   retry.Policy
	// TokenTTL is the lifetime of the token signed for each mutation.
	TokenTTL time.Duration
	Logger   *zap.Logger
}

// Client is a gateway client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	reads      retry.Policy
	tokenTTL   time.Duration
	log        *zap.Logger

	mu     sync.RWMutex
	online bool

	reconnectMin time.Duration
	reconnectMax time.Duration
}

// New creates a new client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Retry.Attempts == 0 && cfg.Retry.InitialWait == 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	if cfg.TokenTTL == 0 {
		cfg.TokenTTL = 5 * time.Minute
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Named("remote")
	}

	c := &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		reads:        cfg.Retry,
		tokenTTL:     cfg.TokenTTL,
		log:          log,
		online:       true,
		reconnectMin: time.Second,
		reconnectMax: 30 * time.Second,
	}
	c.reads.OnRetry = func(attempt int, wait time.Duration, err error) {
		c.log.Debug("retrying read", zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
	}
	return c
}

// StatusError is returned for non-2xx responses. It unwraps to the matching
// backend error, if any.
type StatusError struct {
	Method  string
	Path    string
	Code    int
	Message string
	Reason  string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %s: %d: %s", e.Method, e.Path, e.Code, e.Message)
	}
	return fmt.Sprintf("%s %s: %d", e.Method, e.Path, e.Code)
}

func (e *StatusError) Unwrap() error { return protocol.ErrorFor(e.Code, e.Reason) }

// IsOnline returns true if the gateway answered the last request.
func (c *Client) IsOnline() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online
}

func (c *Client) setOnline(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.online != online {
		if online {
			c.log.Info("gateway is back online", zap.String("url", c.baseURL))
		} else {
			c.log.Warn("gateway is offline", zap.String("url", c.baseURL))
		}
	}
	c.online = online
}

// Ping checks if the gateway is reachable.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.send(ctx, request{method: http.MethodGet, path: "/health"})
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

type request struct {
	method string
	path   string
	body   []byte
	header http.Header
	// account and key sign the request when account is set.
	account string
	key     string
}

// escape turns a storage path into an escaped URL path.
func escape(p string) string {
	segs := strings.Split(strings.Trim(p, "/"), "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}

// send performs one request. Transport errors, 429 and 5xx responses are
// marked transient.
func (c *Client) send(ctx context.Context, r request) (*http.Response, error) {
	var body io.Reader
	if r.body != nil {
		body = bytes.NewReader(r.body)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, c.baseURL+r.path, body)
	if err != nil {
		return nil, err
	}
	for k, v := range r.header {
		req.Header[k] = v
	}
	if r.account != "" && r.key != "" {
		token, err := protocol.SignToken(r.account, r.key, c.tokenTTL)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.setOnline(false)
		return nil, retry.Transient(fmt.Errorf("%s %s: %w: %w", r.method, r.path, backend.ErrNoNet, err))
	}
	c.setOnline(true)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	serr := &StatusError{Method: r.method, Path: r.path, Code: resp.StatusCode}
	var errResp protocol.ErrorResponse
	if json.NewDecoder(resp.Body).Decode(&errResp) == nil {
		serr.Message, serr.Reason = errResp.Error, errResp.Reason
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, retry.Transient(serr)
	}
	return nil, serr
}

func decode[T any](resp *http.Response) (T, error) {
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return v, fmt.Errorf("decode response: %w", err)
	}
	return v, nil
}

// read sends an idempotent request with retries and decodes the JSON body.
func read[T any](ctx context.Context, c *Client, r request) (T, error) {
	return retry.Do(ctx, c.reads, func(ctx context.Context) (T, error) {
		resp, err := c.send(ctx, r)
		if err != nil {
			var zero T
			return zero, err
		}
		return decode[T](resp)
	})
}

// mutate sends a request once.
func (c *Client) mutate(ctx context.Context, r request) (*http.Response, error) {
	return retry.Do(ctx, retry.Policy{Attempts: 1}, func(ctx context.Context) (*http.Response, error) {
		return c.send(ctx, r)
	})
}

func (c *Client) mutateNoBody(ctx context.Context, r request) error {
	resp, err := c.mutate(ctx, r)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// ListDirectory implements backend.Backend.
func (c *Client) ListDirectory(ctx context.Context, p string) ([]models.Descriptor, error) {
	lr, err := read[protocol.ListResponse](ctx, c, request{method: http.MethodGet, path: "/api/v1/tree/" + escape(p)})
	if err != nil {
		return nil, err
	}
	return lr.Entries, nil
}

// CreateDirectory implements backend.Backend.
func (c *Client) CreateDirectory(ctx context.Context, account, p, key string) (string, error) {
	resp, err := c.mutate(ctx, request{
		method:  http.MethodPut,
		path:    "/api/v1/tree/" + escape(p),
		account: account,
		key:     key,
	})
	if err != nil {
		return "", err
	}
	pr, err := decode[protocol.PathResponse](resp)
	return pr.Path, err
}

// DeleteDirectory implements backend.Backend.
func (c *Client) DeleteDirectory(ctx context.Context, account, p, key string) error {
	return c.mutateNoBody(ctx, request{
		method:  http.MethodDelete,
		path:    "/api/v1/tree/" + escape(p),
		account: account,
		key:     key,
	})
}

// UploadFile implements backend.Backend. The body carries its Keccak-256
// digest and a sniffed content type.
func (c *Client) UploadFile(ctx context.Context, account, p string, content []byte, key string) (string, error) {
	header := http.Header{}
	header.Set("Content-Type", mimetype.Detect(content).String())
	header.Set(protocol.HeaderContentKeccak, protocol.Keccak256Hex(content))

	resp, err := c.mutate(ctx, request{
		method:  http.MethodPost,
		path:    "/api/v1/content/" + escape(p),
		body:    content,
		header:  header,
		account: account,
		key:     key,
	})
	if err != nil {
		return "", err
	}
	pr, err := decode[protocol.PathResponse](resp)
	return pr.Path, err
}

// DeleteFile implements backend.Backend.
func (c *Client) DeleteFile(ctx context.Context, account, p, key string) error {
	return c.mutateNoBody(ctx, request{
		method:  http.MethodDelete,
		path:    "/api/v1/content/" + escape(p),
		account: account,
		key:     key,
	})
}

// DownloadToBuffer implements backend.Backend.
func (c *Client) DownloadToBuffer(ctx context.Context, p string) ([]byte, error) {
	return retry.Do(ctx, c.reads, func(ctx context.Context) ([]byte, error) {
		resp, err := c.send(ctx, request{method: http.MethodGet, path: "/api/v1/content/" + escape(p)})
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, retry.Transient(fmt.Errorf("read %s: %w", p, err))
		}
		return data, nil
	})
}

// DownloadToFile implements backend.Backend. A failed download leaves no
// file behind.
func (c *Client) DownloadToFile(ctx context.Context, p, target string) error {
	_, err := retry.Do(ctx, c.reads, func(ctx context.Context) (struct{}, error) {
		resp, err := c.send(ctx, request{method: http.MethodGet, path: "/api/v1/content/" + escape(p)})
		if err != nil {
			return struct{}{}, err
		}
		defer resp.Body.Close()

		f, err := os.Create(target)
		if err != nil {
			return struct{}{}, fmt.Errorf("create %s: %w", target, err)
		}
		if _, err := io.Copy(f, resp.Body); err != nil {
			f.Close()
			os.Remove(target)
			return struct{}{}, retry.Transient(fmt.Errorf("download %s: %w", p, err))
		}
		return struct{}{}, f.Close()
	})
	return err
}

// ReserveSpace implements backend.Backend.
func (c *Client) ReserveSpace(ctx context.Context, admin, target string, amount int64, key string) error {
	body, err := json.Marshal(protocol.ReserveRequest{Amount: amount})
	if err != nil {
		return err
	}
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	return c.mutateNoBody(ctx, request{
		method:  http.MethodPost,
		path:    "/api/v1/space/" + url.PathEscape(target),
		body:    body,
		header:  header,
		account: admin,
		key:     key,
	})
}

// GrantAllocatorRole implements backend.Backend.
func (c *Client) GrantAllocatorRole(ctx context.Context, admin, target, key string) error {
	return c.mutateNoBody(ctx, request{
		method:  http.MethodPost,
		path:    "/api/v1/roles/" + string(backend.RoleAllocator) + "/" + url.PathEscape(target),
		account: admin,
		key:     key,
	})
}

// HasRole implements backend.Backend.
func (c *Client) HasRole(ctx context.Context, account string, role backend.Role) (bool, error) {
	rr, err := read[protocol.RoleResponse](ctx, c, request{
		method: http.MethodGet,
		path:   "/api/v1/roles/" + url.PathEscape(string(role)) + "/" + url.PathEscape(account),
	})
	return rr.Granted, err
}

func (c *Client) accountSpace(ctx context.Context, account string) (protocol.AccountSpaceResponse, error) {
	return read[protocol.AccountSpaceResponse](ctx, c, request{
		method: http.MethodGet,
		path:   "/api/v1/space/" + url.PathEscape(account),
	})
}

func (c *Client) space(ctx context.Context) (protocol.SpaceResponse, error) {
	return read[protocol.SpaceResponse](ctx, c, request{method: http.MethodGet, path: "/api/v1/space"})
}

// OccupiedSpace implements backend.Backend.
func (c *Client) OccupiedSpace(ctx context.Context, account string) (int64, error) {
	s, err := c.accountSpace(ctx, account)
	return s.Occupied, err
}

// ReservedSpace implements backend.Backend.
func (c *Client) ReservedSpace(ctx context.Context, account string) (int64, error) {
	s, err := c.accountSpace(ctx, account)
	return s.Reserved, err
}

// TotalReservedSpace implements backend.Backend.
func (c *Client) TotalReservedSpace(ctx context.Context) (int64, error) {
	s, err := c.space(ctx)
	return s.TotalReserved, err
}

// TotalSpace implements backend.Backend.
func (c *Client) TotalSpace(ctx context.Context) (int64, error) {
	s, err := c.space(ctx)
	return s.Total, err
}

var _ backend.Backend = (*Client)(nil)
