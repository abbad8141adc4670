package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/xid"
	"pkt.systems/pslog"

	"pkt.systems/syncd/api"
	"pkt.systems/syncd/internal/auth"
)

const (
	defaultHTTPTimeout = 15 * time.Second
	// DefaultRetries is how many times a request answered with 503 is retried.
	DefaultRetries = 2
	maxRetryDelay  = 30 * time.Second
	apiVersionPath = "/1.5"
)

// ErrNotModified is returned when an X-If-Modified-Since condition matched
// and the server answered without a body.
var ErrNotModified = errors.New("syncd: not modified")

// Client issues Hawk-signed requests on behalf of one user.
type Client struct {
	base       string
	httpClient *http.Client
	uid        uint64
	tokenID    string
	tokenKey   string
	retries    int
	logger     pslog.Logger
	now        func() time.Time
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient supplies a custom HTTP client. Ignored for unix:// base URLs.
func WithHTTPClient(cli *http.Client) Option {
	return func(c *Client) {
		if cli != nil {
			c.httpClient = cli
		}
	}
}

// WithToken sets the token id and key used to sign requests.
func WithToken(id, key string) Option {
	return func(c *Client) {
		c.tokenID = id
		c.tokenKey = key
	}
}

// WithLogger routes client diagnostics to logger.
func WithLogger(logger pslog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithRetries overrides how many times 503 responses are retried. Zero
// disables retries.
func WithRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.retries = n
		}
	}
}

// New constructs a client for user uid. baseURL is http(s)://host[:port] or
// unix:///path/to/syncd.sock.
func New(baseURL string, uid uint64, opts ...Option) (*Client, error) {
	if uid == 0 {
		return nil, fmt.Errorf("syncd: uid required")
	}
	c := &Client{
		uid:     uid,
		retries: DefaultRetries,
		logger:  pslog.NoopLogger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	httpClient, base, err := buildHTTPClient(baseURL)
	if err != nil {
		return nil, err
	}
	if c.httpClient == nil || strings.HasPrefix(strings.TrimSpace(baseURL), "unix://") {
		c.httpClient = httpClient
	}
	c.base = base
	if c.tokenID == "" || c.tokenKey == "" {
		return nil, fmt.Errorf("syncd: token id and key required")
	}
	return c, nil
}

func buildHTTPClient(rawBase string) (*http.Client, string, error) {
	trimmed := strings.TrimSpace(rawBase)
	if trimmed == "" {
		return nil, "", fmt.Errorf("syncd: baseURL required")
	}
	if strings.HasPrefix(trimmed, "unix://") {
		return newUnixHTTPClient(trimmed)
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, "", fmt.Errorf("syncd: parse baseURL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, "", fmt.Errorf("syncd: unsupported baseURL scheme %q", u.Scheme)
	}
	return &http.Client{Timeout: defaultHTTPTimeout}, strings.TrimRight(trimmed, "/"), nil
}

func newUnixHTTPClient(raw string) (*http.Client, string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, "", fmt.Errorf("syncd: parse unix baseURL: %w", err)
	}
	socketPath := u.Path
	if u.Host != "" {
		socketPath = "/" + u.Host + socketPath
	}
	if socketPath == "" || socketPath == "/" {
		return nil, "", fmt.Errorf("syncd: unix baseURL missing socket path")
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	dialer := &net.Dialer{Timeout: defaultHTTPTimeout, KeepAlive: 15 * time.Second}
	transport.DialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
		return dialer.DialContext(ctx, "unix", socketPath)
	}
	transport.DialTLSContext = nil
	transport.TLSClientConfig = nil
	return &http.Client{Transport: transport, Timeout: defaultHTTPTimeout}, "http://unix", nil
}

// Meta carries the service headers of a response.
type Meta struct {
	// LastModified is X-Last-Modified, zero when absent.
	LastModified api.Timestamp
	// ServiceTime is X-Weave-Timestamp.
	ServiceTime api.Timestamp
	// Records is X-Weave-Records, -1 when absent.
	Records int
	// RequestID echoes the server's request id.
	RequestID string
}

func metaFromResponse(resp *http.Response) Meta {
	meta := Meta{Records: -1, RequestID: resp.Header.Get(api.HeaderRequestID)}
	if ts, err := api.ParseTimestamp(resp.Header.Get(api.HeaderLastModified)); err == nil {
		meta.LastModified = ts
	}
	if ts, err := api.ParseTimestamp(resp.Header.Get(api.HeaderServiceTimestamp)); err == nil {
		meta.ServiceTime = ts
	}
	if n, err := strconv.Atoi(resp.Header.Get(api.HeaderRecords)); err == nil {
		meta.Records = n
	}
	return meta
}

// InfoCollections returns the last modification time of every collection.
func (c *Client) InfoCollections(ctx context.Context, opts ...RequestOption) (map[string]api.Timestamp, Meta, error) {
	var out map[string]api.Timestamp
	meta, err := c.do(ctx, http.MethodGet, c.userPath("info", "collections"), nil, nil, &out, opts)
	return out, meta, err
}

// ListIDs returns the ids of the items in collection that match the list
// options.
func (c *Client) ListIDs(ctx context.Context, collection string, opts ...RequestOption) ([]string, Meta, error) {
	var out []string
	meta, err := c.do(ctx, http.MethodGet, c.userPath("storage", collection), nil, nil, &out, opts)
	return out, meta, err
}

// ListFull returns complete items.
func (c *Client) ListFull(ctx context.Context, collection string, opts ...RequestOption) ([]api.BSO, Meta, error) {
	var out []api.BSO
	query := url.Values{"full": []string{"1"}}
	meta, err := c.do(ctx, http.MethodGet, c.userPath("storage", collection), query, nil, &out, opts)
	return out, meta, err
}

// Get fetches one item.
func (c *Client) Get(ctx context.Context, collection, id string, opts ...RequestOption) (api.BSO, Meta, error) {
	var out api.BSO
	meta, err := c.do(ctx, http.MethodGet, c.userPath("storage", collection, id), nil, nil, &out, opts)
	return out, meta, err
}

// Put creates or updates one item and returns its new modification time.
// Fields left nil in item keep their stored values.
func (c *Client) Put(ctx context.Context, collection, id string, item api.BSOInput, opts ...RequestOption) (api.Timestamp, Meta, error) {
	var raw rawBody
	meta, err := c.do(ctx, http.MethodPut, c.userPath("storage", collection, id), nil, item, &raw, opts)
	if err != nil {
		return 0, meta, err
	}
	ts, err := api.ParseTimestamp(string(raw))
	if err != nil {
		return 0, meta, fmt.Errorf("syncd: decode put timestamp: %w", err)
	}
	return ts, meta, nil
}

// Post uploads a batch of items into collection.
func (c *Client) Post(ctx context.Context, collection string, items []api.BSOInput, opts ...RequestOption) (api.PostResult, Meta, error) {
	var out api.PostResult
	meta, err := c.do(ctx, http.MethodPost, c.userPath("storage", collection), nil, items, &out, opts)
	return out, meta, err
}

// DeleteItem removes one item.
func (c *Client) DeleteItem(ctx context.Context, collection, id string, opts ...RequestOption) (api.Timestamp, Meta, error) {
	var out api.ModifiedResponse
	meta, err := c.do(ctx, http.MethodDelete, c.userPath("storage", collection, id), nil, nil, &out, opts)
	return out.Modified, meta, err
}

// DeleteCollection removes collection and all its items.
func (c *Client) DeleteCollection(ctx context.Context, collection string, opts ...RequestOption) (api.Timestamp, Meta, error) {
	var out api.ModifiedResponse
	meta, err := c.do(ctx, http.MethodDelete, c.userPath("storage", collection), nil, nil, &out, opts)
	return out.Modified, meta, err
}

// Heartbeat checks that the server can reach its storage backend.
func (c *Client) Heartbeat(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/__heartbeat__", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *Client) userPath(parts ...string) string {
	var b strings.Builder
	b.WriteString(apiVersionPath)
	b.WriteByte('/')
	b.WriteString(strconv.FormatUint(c.uid, 10))
	for _, part := range parts {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(part))
	}
	return b.String()
}

// rawBody receives an undecoded response body.
type rawBody []byte

func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload any, out any, optFns []RequestOption) (Meta, error) {
	opts := applyRequestOptions(optFns)
	if query == nil {
		query = url.Values{}
	}
	opts.applyQuery(query)
	target := c.base + path
	if encoded := query.Encode(); encoded != "" {
		target += "?" + encoded
	}
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return Meta{}, fmt.Errorf("syncd: encode request: %w", err)
		}
	}

	for attempt := 0; ; attempt++ {
		meta, err := c.once(ctx, method, target, body, opts, out)
		var apiErr *APIError
		if err == nil || attempt >= c.retries || !errors.As(err, &apiErr) || apiErr.Status != http.StatusServiceUnavailable {
			return meta, err
		}
		delay := min(apiErr.RetryAfterDuration(), maxRetryDelay)
		if delay <= 0 {
			delay = time.Second
		}
		c.logger.Debug("client.http.retry", "method", method, "path", path, "attempt", attempt+1, "delay", delay, "error_code", apiErr.Response.ErrorCode)
		select {
		case <-ctx.Done():
			return meta, ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (c *Client) once(ctx context.Context, method, target string, body []byte, opts requestOptions, out any) (Meta, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return Meta{}, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	opts.applyHeaders(req.Header)
	conn := auth.ConnInfoFromHost(req.URL.Host, req.URL.Scheme == "https")
	req.Header.Set("Authorization", auth.SignRequest(c.tokenID, c.tokenKey, method, req.URL.RequestURI(), conn, c.now(), xid.New().String()))

	c.logger.Trace("client.http.start", "method", method, "uri", req.URL.RequestURI())
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Meta{}, err
	}
	defer resp.Body.Close()
	meta := metaFromResponse(resp)
	c.logger.Trace("client.http.done", "method", method, "uri", req.URL.RequestURI(), "status", resp.StatusCode, "request_id", meta.RequestID)
	if resp.StatusCode != http.StatusOK {
		return meta, decodeError(resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return meta, err
	}
	if len(data) == 0 {
		if opts.ifModifiedSince != nil {
			return meta, ErrNotModified
		}
		return meta, nil
	}
	if raw, ok := out.(*rawBody); ok {
		*raw = data
		return meta, nil
	}
	if out == nil {
		return meta, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return meta, fmt.Errorf("syncd: decode response: %w", err)
	}
	return meta, nil
}
