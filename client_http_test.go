package rollup

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// apiServer is an in-memory stand-in for the metrics API
type apiServer struct {
	mu       sync.Mutex
	posts    []Payload
	deleted  []string
	metrics  []string
	status   int
	requests []*http.Request
}

func (s *apiServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, r)

	user, token, ok := r.BasicAuth()
	if !ok || user != "me@example.com" || token != "secret" {
		http.Error(w, `{"errors":{"request":["Authorization Required"]}}`, http.StatusUnauthorized)
		return
	}
	if s.status != 0 {
		http.Error(w, `{"errors":{"params":{"type":["mismatch"]}}}`, s.status)
		return
	}
	if r.URL.Path != "/v1/metrics" {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodPost:
		var p Payload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.posts = append(s.posts, p)
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		length, _ := strconv.Atoi(r.URL.Query().Get("length"))
		end := offset + length
		if end > len(s.metrics) {
			end = len(s.metrics)
		}
		page := make([]map[string]string, 0, length)
		for _, name := range s.metrics[offset:end] {
			page = append(page, map[string]string{"name": name, "type": "gauge"})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"query":   map[string]int{"found": len(s.metrics), "offset": offset, "length": len(page)},
			"metrics": page,
		})
	case http.MethodDelete:
		body, _ := io.ReadAll(r.Body)
		var req struct {
			Names []string `json:"names"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.deleted = append(s.deleted, req.Names...)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newAPIClient(t *testing.T, srv *httptest.Server, perRequest int) *HTTPClient {
	t.Helper()
	client, err := NewHTTPClient(HTTPClientConfig{
		Endpoint:   srv.URL,
		User:       "me@example.com",
		Token:      "secret",
		PerRequest: perRequest,
		Timeout:    2 * time.Second,
	})
	require.NoError(t, err)
	return client
}

func TestHTTPClientSubmit(t *testing.T) {
	api := &apiServer{}
	srv := httptest.NewServer(api)
	defer srv.Close()

	client := newAPIClient(t, srv, 0)
	tracker := newTestTracker(t, Config{Source: "web.1", Client: client})

	tracker.Increment("foo")
	tracker.Timing("t", 122.1)
	tracker.Timing("t", 81.3)

	_, err := tracker.Flush(context.Background())
	require.NoError(t, err)

	api.mu.Lock()
	defer api.mu.Unlock()
	require.Len(t, api.posts, 1)
	p := api.posts[0]
	assert.Equal(t, "web.1", p.Source)
	require.Len(t, p.Counters, 1)
	assert.Equal(t, int64(1), p.Counters[0].Value)
	require.Len(t, p.Gauges, 1)
	assert.Equal(t, int64(2), p.Gauges[0].Count)
	assert.Nil(t, p.Gauges[0].Value)

	r := api.requests[0]
	assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
	assert.NotEmpty(t, r.Header.Get("X-Request-Id"))
	assert.Equal(t, "rollup-go", r.Header.Get("User-Agent"))
}

func TestHTTPClientSubmitSplitsLargePayloads(t *testing.T) {
	api := &apiServer{}
	srv := httptest.NewServer(api)
	defer srv.Close()

	client := newAPIClient(t, srv, 2)
	p := &Payload{}
	for i := 0; i < 5; i++ {
		p.Counters = append(p.Counters, CounterMeasurement{Name: fmt.Sprintf("c%d", i), Value: 1})
	}

	require.NoError(t, client.Submit(context.Background(), p))

	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Len(t, api.posts, 3)
}

func TestHTTPClientSubmitReportsAPIError(t *testing.T) {
	api := &apiServer{status: http.StatusBadRequest}
	srv := httptest.NewServer(api)
	defer srv.Close()

	client := newAPIClient(t, srv, 0)
	err := client.Submit(context.Background(), &Payload{
		Counters: []CounterMeasurement{{Name: "foo", Value: 1}},
	})

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Contains(t, apiErr.Body, "mismatch")
}

func TestHTTPClientBadCredentials(t *testing.T) {
	srv := httptest.NewServer(&apiServer{})
	defer srv.Close()

	client, err := NewHTTPClient(HTTPClientConfig{Endpoint: srv.URL, User: "me@example.com", Token: "wrong"})
	require.NoError(t, err)

	_, err = client.List(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}

func TestHTTPClientTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	client, err := NewHTTPClient(HTTPClientConfig{
		Endpoint: srv.URL,
		User:     "me@example.com",
		Token:    "secret",
		Timeout:  50 * time.Millisecond,
	})
	require.NoError(t, err)
	tracker := newTestTracker(t, Config{Client: client})

	tracker.Increment("foo")
	_, err = tracker.Flush(context.Background())
	assert.Error(t, err)
	assert.Equal(t, int64(1), tracker.Status().Failures)
}

func TestHTTPClientListPaginates(t *testing.T) {
	api := &apiServer{}
	for i := 0; i < 250; i++ {
		api.metrics = append(api.metrics, fmt.Sprintf("m%03d", i))
	}
	srv := httptest.NewServer(api)
	defer srv.Close()

	metrics, err := newAPIClient(t, srv, 0).List(context.Background())
	require.NoError(t, err)

	require.Len(t, metrics, 250)
	assert.Equal(t, "m000", metrics[0].Name)
	assert.Equal(t, "m249", metrics[249].Name)
	assert.Equal(t, "gauge", metrics[0].Type)

	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Len(t, api.requests, 3)
}

func TestHTTPClientDelete(t *testing.T) {
	api := &apiServer{}
	srv := httptest.NewServer(api)
	defer srv.Close()

	client := newAPIClient(t, srv, 0)
	require.NoError(t, client.Delete(context.Background()))
	require.NoError(t, client.Delete(context.Background(), "foo", "bar"))

	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Equal(t, []string{"foo", "bar"}, api.deleted)
	assert.Len(t, api.requests, 1)
}

func TestNewHTTPClientValidation(t *testing.T) {
	_, err := NewHTTPClient(HTTPClientConfig{User: "u"})
	assert.Error(t, err)

	_, err = NewHTTPClient(HTTPClientConfig{User: "u", Token: "t", Endpoint: "ftp://example.com"})
	assert.Error(t, err)

	client, err := NewHTTPClient(HTTPClientConfig{User: "u", Token: "t"})
	require.NoError(t, err)
	assert.Equal(t, DefaultEndpoint, client.endpoint.String())
	assert.Equal(t, DefaultPerRequest, client.cfg.PerRequest)
}
