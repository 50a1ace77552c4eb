package scraper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/pmonitor/pmonitor/config"
)

// MaxRedirects bounds how many 302 hops a single request follows.
const MaxRedirects = 3

// DefaultUserAgents is the browser identity rotation used for API requests.
var DefaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:132.0) Gecko/20100101 Firefox/132.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/18.1 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36 Edg/131.0.0.0",
}

var chromeVersion = regexp.MustCompile(`Chrome/(\d+)`)

// Request describes one logical API call.
type Request struct {
	Path     string
	Endpoint string // metrics label
}

// Response is the interpreted result of a request. A rate-limited answer is
// a Response, not an error, so the caller decides how long to wait.
type Response struct {
	Status     int
	Body       json.RawMessage
	RetryAfter string
	Redirects  int
}

// RateLimited reports whether the server answered 429.
func (r *Response) RateLimited() bool {
	return r != nil && r.Status == http.StatusTooManyRequests
}

// UserAgentRotator hands out user agents in a fixed round-robin order.
type UserAgentRotator struct {
	mu     sync.Mutex
	agents []string
	next   int
}

// NewUserAgentRotator returns a rotator over agents, or the defaults when empty.
func NewUserAgentRotator(agents ...string) *UserAgentRotator {
	if len(agents) == 0 {
		agents = DefaultUserAgents
	}
	return &UserAgentRotator{agents: agents}
}

// Next returns the next user agent in sequence.
func (u *UserAgentRotator) Next() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	ua := u.agents[u.next]
	u.next = (u.next + 1) % len(u.agents)
	return ua
}

// Client issues GET requests against the product API.
type Client struct {
	baseURL      *url.URL
	site         string
	cookies      string
	http         *http.Client
	limiter      *rate.Limiter
	metrics      *Metrics
	agents       *UserAgentRotator
	maxRedirects int
}

// ClientOption configures the Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the HTTP client. Redirect following is always
// disabled on the copy the Client keeps.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.http = hc
	}
}

// WithLimiter injects the limiter every outbound request waits on.
func WithLimiter(l *rate.Limiter) ClientOption {
	return func(c *Client) {
		c.limiter = l
	}
}

// WithMetrics records request counts, latency and errors on m.
func WithMetrics(m *Metrics) ClientOption {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithUserAgents replaces the user agent rotation.
func WithUserAgents(r *UserAgentRotator) ClientOption {
	return func(c *Client) {
		c.agents = r
	}
}

// NewClient builds an API client from cfg.
func NewClient(cfg *config.Config, opts ...ClientOption) (*Client, error) {
	base, err := url.Parse(cfg.APIBaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse api base url: %w", err)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("api base url must include a host")
	}

	c := &Client{
		baseURL:      base,
		site:         strings.TrimSuffix(cfg.SiteBaseURL, "/"),
		cookies:      cfg.Cookies,
		agents:       NewUserAgentRotator(),
		maxRedirects: MaxRedirects,
		http: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   cfg.Timeout,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}
	if cfg.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	for _, opt := range opts {
		opt(c)
	}

	hc := *c.http
	if hc.Timeout == 0 {
		hc.Timeout = cfg.Timeout
	}
	hc.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	c.http = &hc
	return c, nil
}

// Do issues req, following up to three 302 redirects on the API host. Past
// the bound the last response is interpreted as-is.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	header := c.headers()
	path := req.Path

	for redirects := 0; ; redirects++ {
		raw, err := c.once(ctx, path, req.Endpoint, header)
		if err != nil {
			c.metrics.IncError(err)
			return nil, err
		}

		location := raw.header.Get("Location")
		if raw.status == http.StatusFound && location != "" && redirects < c.maxRedirects {
			path = redirectPath(location)
			slog.Debug("following redirect",
				slog.String("endpoint", req.Endpoint),
				slog.String("location", path),
				slog.Int("hop", redirects+1),
			)
			continue
		}

		resp, err := interpret(raw, redirects)
		if err != nil {
			c.metrics.IncError(err)
			return nil, err
		}
		if resp.RateLimited() {
			c.metrics.IncError(ErrRateLimited{Err: errors.New("status 429")})
			slog.Warn("rate limited",
				slog.String("endpoint", req.Endpoint),
				slog.String("retry_after", resp.RetryAfter),
			)
		}
		return resp, nil
	}
}

type rawResponse struct {
	status int
	header http.Header
	body   []byte
}

func (c *Client) once(ctx context.Context, path, endpoint string, header http.Header) (*rawResponse, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait: %w", err)
		}
	}

	ref, err := url.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("parse request path %q: %w", path, err)
	}
	target := c.baseURL.ResolveReference(ref)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("creating HTTP request: %w", err)
	}
	httpReq.Header = header.Clone()

	c.metrics.IncRequest(endpoint)
	start := time.Now()
	resp, err := c.http.Do(httpReq)
	c.metrics.ObserveDuration(time.Since(start))
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		classified := classifyError(err, 0)
		if classified == err {
			classified = ErrConnection{Err: err}
		}
		return nil, classified
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		classified := classifyError(err, 0)
		if classified == err {
			classified = ErrConnection{Err: fmt.Errorf("reading response body: %w", err)}
		}
		return nil, classified
	}

	return &rawResponse{status: resp.StatusCode, header: resp.Header, body: body}, nil
}

func interpret(raw *rawResponse, redirects int) (*Response, error) {
	resp := &Response{Status: raw.status, Redirects: redirects}

	if raw.status == http.StatusTooManyRequests {
		resp.RetryAfter = raw.header.Get("Retry-After")
		return resp, nil
	}

	trimmed := bytes.TrimSpace(raw.body)
	if len(trimmed) == 0 {
		return resp, nil
	}
	if trimmed[0] == '<' {
		return nil, ErrUnexpectedHTML{Status: raw.status, Preview: preview(trimmed, 200)}
	}
	if !json.Valid(trimmed) {
		return nil, ErrDecode{Err: fmt.Errorf("invalid JSON body (status %d): %s", raw.status, preview(trimmed, 300))}
	}

	resp.Body = json.RawMessage(trimmed)
	return resp, nil
}

// headers builds the browser-like header set for one logical request.
// Accept-Encoding is left to the transport so gzip is decoded transparently.
func (c *Client) headers() http.Header {
	ua := c.agents.Next()
	version := "131"
	if m := chromeVersion.FindStringSubmatch(ua); m != nil {
		version = m[1]
	}

	h := http.Header{}
	h.Set("User-Agent", ua)
	h.Set("Accept", "application/json, text/plain, */*")
	h.Set("Accept-Language", "en-US,en;q=0.9,fa;q=0.8")
	if c.site != "" {
		h.Set("Referer", c.site+"/")
		h.Set("Origin", c.site)
	}
	h.Set("sec-ch-ua", fmt.Sprintf(`"Google Chrome";v="%s", "Chromium";v="%s", "Not_A Brand";v="24"`, version, version))
	h.Set("sec-ch-ua-mobile", "?0")
	h.Set("sec-ch-ua-platform", `"Windows"`)
	h.Set("sec-fetch-dest", "empty")
	h.Set("sec-fetch-mode", "cors")
	h.Set("sec-fetch-site", "same-site")
	h.Set("dnt", "1")
	if c.cookies != "" {
		h.Set("Cookie", c.cookies)
	}
	return h
}

// redirectPath keeps a redirect on the API host: absolute locations are
// reduced to their path and query.
func redirectPath(location string) string {
	u, err := url.Parse(location)
	if err != nil || !u.IsAbs() {
		return location
	}
	return u.RequestURI()
}

func preview(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}
