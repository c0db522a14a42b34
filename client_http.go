package rollup

import (
	"bytes"
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

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const (
	DefaultEndpoint   = "https://metrics-api.librato.com"
	DefaultPerRequest = 300
	DefaultTimeout    = 10 * time.Second

	metricsPath  = "/v1/metrics"
	listPageSize = 100
)

// HTTPClientConfig configures the JSON metrics API client
type HTTPClientConfig struct {
	Endpoint   string
	User       string
	Token      string
	Timeout    time.Duration
	PerRequest int
	UserAgent  string

	// Optional resolver used to dial the API host
	Resolver *Resolver
	// Optional logger
	Logger *zap.Logger
}

// HTTPClient talks to the metrics API over HTTP with basic authentication
type HTTPClient struct {
	cfg      HTTPClientConfig
	endpoint *url.URL
	http     *http.Client
	logger   *zap.Logger
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates an API client
func NewHTTPClient(cfg HTTPClientConfig) (*HTTPClient, error) {
	if cfg.User == "" || cfg.Token == "" {
		return nil, errors.New("user and token are required")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	endpoint, err := url.Parse(strings.TrimRight(cfg.Endpoint, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	if endpoint.Scheme != "http" && endpoint.Scheme != "https" {
		return nil, fmt.Errorf("invalid endpoint %q: scheme must be http or https", cfg.Endpoint)
	}
	cfg.Timeout = pickDuration(cfg.Timeout, DefaultTimeout)
	if cfg.PerRequest <= 0 {
		cfg.PerRequest = DefaultPerRequest
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "rollup-go"
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.Resolver != nil {
		// dial the resolved addresses directly
		transport.Proxy = nil
		transport.DialContext = cfg.Resolver.DialContext
	}

	return &HTTPClient{
		cfg:      cfg,
		endpoint: endpoint,
		http:     &http.Client{Transport: transport, Timeout: cfg.Timeout},
		logger:   logger,
	}, nil
}

// Submit posts the payload, split into requests of at most PerRequest measurements
func (c *HTTPClient) Submit(ctx context.Context, payload *Payload) error {
	if payload == nil || payload.Len() == 0 {
		return nil
	}

	parts := payload.Split(c.cfg.PerRequest)
	for i, part := range parts {
		body, err := json.Marshal(part)
		if err != nil {
			return fmt.Errorf("encoding payload: %w", err)
		}
		if _, err := c.do(ctx, http.MethodPost, metricsPath, nil, body); err != nil {
			return fmt.Errorf("posting batch %d of %d: %w", i+1, len(parts), err)
		}
	}

	c.logger.Debug("Submitted metrics",
		zap.Int("measurements", payload.Len()),
		zap.Int("requests", len(parts)))
	return nil
}

// List returns every metric defined on the account
func (c *HTTPClient) List(ctx context.Context) ([]MetricDescriptor, error) {
	var metrics []MetricDescriptor

	for offset := 0; ; {
		query := url.Values{}
		query.Set("offset", strconv.Itoa(offset))
		query.Set("length", strconv.Itoa(listPageSize))

		body, err := c.do(ctx, http.MethodGet, metricsPath, query, nil)
		if err != nil {
			return nil, fmt.Errorf("listing metrics: %w", err)
		}

		page := gjson.GetBytes(body, "metrics").Array()
		for _, m := range page {
			metrics = append(metrics, MetricDescriptor{
				Name:        m.Get("name").String(),
				Type:        m.Get("type").String(),
				DisplayName: m.Get("display_name").String(),
				Description: m.Get("description").String(),
			})
		}

		offset += len(page)
		found := gjson.GetBytes(body, "query.found")
		if len(page) == 0 || !found.Exists() || offset >= int(found.Int()) {
			return metrics, nil
		}
	}
}

// Delete removes the named metrics from the account
func (c *HTTPClient) Delete(ctx context.Context, names ...string) error {
	if len(names) == 0 {
		return nil
	}

	body, err := json.Marshal(map[string][]string{"names": names})
	if err != nil {
		return err
	}
	if _, err := c.do(ctx, http.MethodDelete, metricsPath, nil, body); err != nil {
		return fmt.Errorf("deleting %d metrics: %w", len(names), err)
	}
	return nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, query url.Values, body []byte) ([]byte, error) {
	u := *c.endpoint
	u.Path = strings.TrimRight(u.Path, "/") + path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.cfg.User, c.cfg.Token)
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}
	return respBody, nil
}
