package moltbook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"observatory/models"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL   = "https://www.moltbook.com/api/v1"
	DefaultUserAgent = "MoltbookObservatory/1.0"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "observatory_moltbook_requests_total",
		Help: "Requests sent to the Moltbook API by endpoint and status class",
	}, []string{"endpoint", "status"})

	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "observatory_moltbook_retries_total",
		Help: "Retried Moltbook API requests",
	}, []string{"endpoint"})

	failuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "observatory_moltbook_failures_total",
		Help: "Moltbook API requests that failed after retrying, by kind",
	}, []string{"endpoint", "kind"})
)

// ErrNotFound is returned when the remote reports 404 for a single entity
var ErrNotFound = errors.New("not found")

// statusError is a non-retryable HTTP status other than an auth failure
type statusError struct {
	Status int
	Body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Status, e.Body)
}

type ClientConfig struct {
	BaseURL   string
	APIKey    string
	UserAgent string
	// Per request timeout
	Timeout time.Duration
	// Client side rate limit. Zero disables it.
	RequestsPerSecond float64
	Burst             int
	// Bounded number of attempts per request, including the first one
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		BaseURL:           DefaultBaseURL,
		UserAgent:         DefaultUserAgent,
		Timeout:           30 * time.Second,
		RequestsPerSecond: 2,
		Burst:             4,
		MaxAttempts:       4,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        15 * time.Second,
	}
}

// Client is a read-only client for the Moltbook API
type Client struct {
	baseURL     string
	apiKey      string
	userAgent   string
	httpClient  *http.Client
	limiter     *rate.Limiter
	maxAttempts int
	initial     time.Duration
	max         time.Duration
}

func NewClient(config ClientConfig) *Client {
	defaults := DefaultClientConfig()
	if config.BaseURL == "" {
		config.BaseURL = defaults.BaseURL
	}
	if config.UserAgent == "" {
		config.UserAgent = defaults.UserAgent
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = defaults.InitialBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = defaults.MaxBackoff
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if config.RequestsPerSecond > 0 {
		burst := config.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), burst)
	}

	return &Client{
		baseURL:     strings.TrimRight(config.BaseURL, "/"),
		apiKey:      config.APIKey,
		userAgent:   config.UserAgent,
		httpClient:  &http.Client{Timeout: config.Timeout},
		limiter:     limiter,
		maxAttempts: config.MaxAttempts,
		initial:     config.InitialBackoff,
		max:         config.MaxBackoff,
	}
}

// Page is one page of a remote listing. Items are exactly what the remote
// reported; Next is empty when there is nothing more to fetch.
type Page struct {
	Items []json.RawMessage
	Next  string
}

type pageOptions struct {
	sort string
}

type PageOption func(*pageOptions)

// WithSort sets the listing order, e.g. "new" or "hot" for posts
func WithSort(sort string) PageOption {
	return func(o *pageOptions) {
		o.sort = sort
	}
}

// Cursors the client derives itself when the remote pages by offset. Any
// other cursor is the remote's and is passed back untouched.
const offsetCursorPrefix = "offset:"

func offsetCursor(offset int) string {
	return offsetCursorPrefix + strconv.Itoa(offset)
}

// FetchPage fetches one page of the listing for entity. The cursor is the
// Page.Next of the previous page, empty for the first one.
func (c *Client) FetchPage(ctx context.Context, entity models.EntityType, cursor string, pageSize int, opts ...PageOption) (*Page, error) {
	options := pageOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	query := url.Values{}
	query.Set("limit", strconv.Itoa(pageSize))
	if options.sort != "" {
		query.Set("sort", options.sort)
	}

	offset := 0
	if value, ok := strings.CutPrefix(cursor, offsetCursorPrefix); ok {
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid offset cursor %q", cursor)
		}
		offset = n
		query.Set("offset", value)
	} else if cursor != "" {
		query.Set("cursor", cursor)
	}

	body, err := c.get(ctx, entity, "/"+string(entity), query)
	if err != nil {
		return nil, err
	}

	return parsePage(entity, body, offset, pageSize)
}

// GetAgent fetches the public profile of an agent by name
func (c *Client) GetAgent(ctx context.Context, name string) (json.RawMessage, error) {
	query := url.Values{}
	query.Set("name", name)

	body, err := c.get(ctx, models.EntityAgents, "/agents/profile", query)
	if err != nil {
		return nil, err
	}

	return unwrapAgent(body)
}

// Me fetches the profile belonging to the configured credential. Used to
// check that the API key works.
func (c *Client) Me(ctx context.Context) (json.RawMessage, error) {
	body, err := c.get(ctx, models.EntityAgents, "/agents/me", nil)
	if err != nil {
		return nil, err
	}

	return unwrapAgent(body)
}

func unwrapAgent(body []byte) (json.RawMessage, error) {
	var envelope struct {
		Agent json.RawMessage `json:"agent"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode agent profile: %w", err)
	}
	if len(envelope.Agent) == 0 || string(envelope.Agent) == "null" {
		return json.RawMessage(body), nil
	}
	return envelope.Agent, nil
}

func parsePage(entity models.EntityType, body []byte, offset int, pageSize int) (*Page, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode %s page: %w", entity, err)
	}

	raw, ok := envelope[string(entity)]
	if !ok {
		raw = envelope["data"]
	}

	var items []json.RawMessage
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("failed to decode %s items: %w", entity, err)
		}
	}

	page := &Page{Items: items}

	var nextCursor string
	if v, ok := envelope["next_cursor"]; ok {
		// Opaque cursors may come as strings or as bare numbers
		var number json.Number
		if err := json.Unmarshal(v, &nextCursor); err != nil && json.Unmarshal(v, &number) == nil {
			nextCursor = number.String()
		}
	}
	var hasMore *bool
	if v, ok := envelope["has_more"]; ok {
		var b bool
		if err := json.Unmarshal(v, &b); err == nil {
			hasMore = &b
		}
	}

	switch {
	case nextCursor != "":
		page.Next = nextCursor
	case hasMore != nil && !*hasMore:
		page.Next = ""
	case len(items) > 0 && len(items) >= pageSize:
		page.Next = offsetCursor(offset + len(items))
	}

	return page, nil
}

func (c *Client) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initial
	b.MaxInterval = c.max
	b.Multiplier = 2
	b.MaxElapsedTime = 0 // Bounded by attempts instead
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.maxAttempts-1)), ctx)
}

// get performs a GET with auth, rate limiting and retries. Network errors,
// 429 and 5xx are retried; 401/403 become a FatalConfigError and any other
// 4xx is returned as is.
func (c *Client) get(ctx context.Context, entity models.EntityType, path string, query url.Values) ([]byte, error) {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var body []byte
	attempts := 0

	operation := func() error {
		attempts++
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", c.userAgent)
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			requestsTotal.WithLabelValues(path, "error").Inc()
			return err
		}
		defer resp.Body.Close()

		requestsTotal.WithLabelValues(path, fmt.Sprintf("%dxx", resp.StatusCode/100)).Inc()

		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return backoff.Permanent(&models.FatalConfigError{
				Status: resp.StatusCode,
				Err:    fmt.Errorf("%s %s", http.StatusText(resp.StatusCode), readSnippet(resp.Body)),
			})
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return fmt.Errorf("status %d: %s", resp.StatusCode, readSnippet(resp.Body))
		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(fmt.Errorf("%s: %w", path, ErrNotFound))
		case resp.StatusCode >= 400:
			return backoff.Permanent(&statusError{Status: resp.StatusCode, Body: readSnippet(resp.Body)})
		}

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		body = data
		return nil
	}

	notify := func(err error, wait time.Duration) {
		retriesTotal.WithLabelValues(path).Inc()
		log.WithFields(log.Fields{
			"path":    path,
			"attempt": attempts,
			"wait":    wait,
			"error":   err,
		}).Warn("Retrying Moltbook request")
	}

	err := backoff.RetryNotify(operation, c.newBackOff(ctx), notify)
	if err == nil {
		return body, nil
	}

	var fatal *models.FatalConfigError
	var status *statusError
	switch {
	case errors.As(err, &fatal):
		failuresTotal.WithLabelValues(path, "fatal_config").Inc()
		return nil, fatal
	case errors.Is(err, ErrNotFound):
		failuresTotal.WithLabelValues(path, "not_found").Inc()
		return nil, err
	case errors.As(err, &status):
		failuresTotal.WithLabelValues(path, "status").Inc()
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	failuresTotal.WithLabelValues(path, "transient").Inc()
	return nil, &models.TransientFetchError{Entity: entity, Attempts: attempts, Err: err}
}

func readSnippet(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 512))
	return strings.TrimSpace(string(data))
}
