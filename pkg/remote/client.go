// Package remote provides the client for the rate-limited analytics API:
// raw event export and paginated profile (engage) queries, with failures
// mapped onto typed errors the fetch pipeline can act on.
package remote

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/quota-fetch/pkg/record"
)

// Prometheus metrics for remote API calls.
var (
	remoteRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qfetch_remote_requests_total",
		Help: "Total remote API requests by entity kind and status",
	}, []string{"kind", "status"})

	remoteRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "qfetch_remote_request_duration_seconds",
		Help:    "Remote API request duration in seconds by entity kind",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 120},
	}, []string{"kind"})
)

// DateLayout is the date format the API expects for from/to dates.
const DateLayout = "2006-01-02"

// Params selects the records one chunk fetches.
type Params struct {
	Kind record.Kind

	// From and To are inclusive dates (events only).
	From time.Time
	To   time.Time

	// Where is an opaque filter expression passed through to the API.
	Where string

	// Events restricts an event export to these names.
	Events []string
}

// Page is one response page. NextToken is empty on the last page.
type Page struct {
	Records   []record.Record
	NextToken string
}

// Client fetches pages from the remote API. Implementations return
// *AuthError, *RateLimitedError, *BadRequestError or *TransientError.
type Client interface {
	FetchPage(ctx context.Context, params Params, token string) (Page, error)
}

// Config holds the HTTP client configuration.
type Config struct {
	// BaseURL serves the query endpoints, e.g. "https://mixpanel.com/api".
	BaseURL string

	// ExportURL serves the raw export endpoint, e.g. "https://data.mixpanel.com/api".
	ExportURL string

	// ProjectID is sent with every request.
	ProjectID string

	// Username and Secret are service-account basic-auth credentials.
	Username string
	Secret   string

	// Timeout per request (default: 10 minutes, exports can be large).
	Timeout time.Duration

	// UserAgent header value.
	UserAgent string

	// HTTPClient overrides the underlying client (for tests).
	HTTPClient *http.Client
}

// DefaultConfig returns a configuration for the hosted API.
func DefaultConfig() Config {
	return Config{
		BaseURL:   "https://mixpanel.com/api",
		ExportURL: "https://data.mixpanel.com/api",
		Timeout:   10 * time.Minute,
		UserAgent: "quota-fetch/0.1",
	}
}

// HTTPClient implements Client over HTTP.
type HTTPClient struct {
	httpClient *http.Client
	config     Config
	logger     zerolog.Logger
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a remote API client.
func NewHTTPClient(cfg Config, logger zerolog.Logger) (*HTTPClient, error) {
	if cfg.BaseURL == "" || cfg.ExportURL == "" {
		return nil, fmt.Errorf("base and export URLs are required")
	}
	if cfg.Username == "" || cfg.Secret == "" {
		return nil, fmt.Errorf("service account credentials are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "quota-fetch/0.1"
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}

	return &HTTPClient{
		httpClient: hc,
		config:     cfg,
		logger:     logger,
	}, nil
}

// FetchPage implements Client.
func (c *HTTPClient) FetchPage(ctx context.Context, params Params, token string) (Page, error) {
	switch params.Kind {
	case record.KindEvents:
		return c.fetchExport(ctx, params)
	case record.KindProfiles:
		return c.fetchEngage(ctx, params, token)
	default:
		return Page{}, &BadRequestError{Message: fmt.Sprintf("unsupported entity kind %q", params.Kind)}
	}
}

type exportLine struct {
	Event      string         `json:"event"`
	Properties map[string]any `json:"properties"`
}

// fetchExport streams the JSONL export for the whole date range. The
// export endpoint is not paginated, so it always returns a final page.
func (c *HTTPClient) fetchExport(ctx context.Context, params Params) (Page, error) {
	q := url.Values{}
	q.Set("from_date", params.From.Format(DateLayout))
	q.Set("to_date", params.To.Format(DateLayout))
	if c.config.ProjectID != "" {
		q.Set("project_id", c.config.ProjectID)
	}
	if params.Where != "" {
		q.Set("where", params.Where)
	}
	if len(params.Events) > 0 {
		names, err := json.Marshal(params.Events)
		if err != nil {
			return Page{}, &BadRequestError{Message: fmt.Sprintf("encode event names: %v", err)}
		}
		q.Set("event", string(names))
	}

	endpoint := strings.TrimSuffix(c.config.ExportURL, "/") + "/2.0/export?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Page{}, fmt.Errorf("create request: %w", err)
	}

	body, err := c.do(req, params.Kind)
	if err != nil {
		return Page{}, err
	}

	var records []record.Record
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev exportLine
		if err := json.Unmarshal(line, &ev); err != nil {
			return Page{}, &TransientError{Err: fmt.Errorf("decode export line: %w", err)}
		}
		records = append(records, record.NewEvent(ev.Event, ev.Properties))
	}
	if err := scanner.Err(); err != nil {
		return Page{}, &TransientError{Err: fmt.Errorf("read export body: %w", err)}
	}

	return Page{Records: records}, nil
}

type engageResponse struct {
	Page      int    `json:"page"`
	PageSize  int    `json:"page_size"`
	SessionID string `json:"session_id"`
	Total     int    `json:"total"`
	Results   []struct {
		DistinctID string         `json:"$distinct_id"`
		Properties map[string]any `json:"$properties"`
	} `json:"results"`
}

// fetchEngage fetches one page of profiles. Tokens have the form
// "<page>:<session_id>".
func (c *HTTPClient) fetchEngage(ctx context.Context, params Params, token string) (Page, error) {
	form := url.Values{}
	if c.config.ProjectID != "" {
		form.Set("project_id", c.config.ProjectID)
	}
	if params.Where != "" {
		form.Set("where", params.Where)
	}
	if token != "" {
		page, session, ok := strings.Cut(token, ":")
		if !ok {
			return Page{}, &BadRequestError{Message: fmt.Sprintf("malformed page token %q", token)}
		}
		form.Set("page", page)
		form.Set("session_id", session)
	}

	endpoint := strings.TrimSuffix(c.config.BaseURL, "/") + "/2.0/engage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return Page{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	body, err := c.do(req, params.Kind)
	if err != nil {
		return Page{}, err
	}

	var resp engageResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return Page{}, &TransientError{Err: fmt.Errorf("decode engage page: %w", err)}
	}

	page := Page{Records: make([]record.Record, 0, len(resp.Results))}
	for _, r := range resp.Results {
		page.Records = append(page.Records, record.NewProfile(r.DistinctID, r.Properties))
	}
	if resp.PageSize > 0 && len(resp.Results) >= resp.PageSize && resp.SessionID != "" {
		page.NextToken = strconv.Itoa(resp.Page+1) + ":" + resp.SessionID
	}
	return page, nil
}

// do executes req and maps failures onto typed errors.
func (c *HTTPClient) do(req *http.Request, kind record.Kind) ([]byte, error) {
	ctx := req.Context()
	req.SetBasicAuth(c.config.Username, c.config.Secret)
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	defer func() {
		remoteRequestDuration.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
	}()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isContextError(ctx, err) {
			return nil, ctx.Err()
		}
		remoteRequestsTotal.WithLabelValues(string(kind), "network_error").Inc()
		c.logger.Warn().Err(err).Str("kind", string(kind)).Msg("Remote request failed")
		return nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if isContextError(ctx, err) {
			return nil, ctx.Err()
		}
		remoteRequestsTotal.WithLabelValues(string(kind), "read_error").Inc()
		return nil, &TransientError{StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}
	remoteRequestsTotal.WithLabelValues(string(kind), strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode < 400 {
		c.logger.Debug().
			Str("kind", string(kind)).
			Int("status", resp.StatusCode).
			Int("bytes", len(body)).
			Dur("duration", time.Since(start)).
			Msg("Remote request complete")
		return body, nil
	}

	msg := errorMessage(body, resp.Status)
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &AuthError{StatusCode: resp.StatusCode, Message: msg}
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &RateLimitedError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()), Message: msg}
	case resp.StatusCode >= 500:
		return nil, &TransientError{StatusCode: resp.StatusCode, Err: fmt.Errorf("%s", msg)}
	default:
		return nil, &BadRequestError{StatusCode: resp.StatusCode, Message: msg}
	}
}

// errorMessage extracts {"error": "..."} from an error body when present.
func errorMessage(body []byte, fallback string) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	if s := strings.TrimSpace(string(body)); s != "" && len(s) < 512 {
		return s
	}
	return fallback
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
