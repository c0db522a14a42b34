package rollup

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNoClient is returned by Flush when the tracker has nowhere to submit
	ErrNoClient = errors.New("no metrics client configured")
	// ErrUnsupported is returned by clients that lack a maintenance operation
	ErrUnsupported = errors.New("operation not supported by client")
)

// Client delivers payloads to a remote metrics service.
//
// Submit is the only method used by the flush path. List and Delete exist
// for administrative cleanup.
type Client interface {
	Submit(ctx context.Context, payload *Payload) error
	List(ctx context.Context) ([]MetricDescriptor, error)
	Delete(ctx context.Context, names ...string) error
}

// MetricDescriptor describes a metric known to the remote service
type MetricDescriptor struct {
	Name        string
	Type        string
	DisplayName string
	Description string
}

// APIError is a non-2xx response from the metrics API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("metrics api returned HTTP %d: %s", e.StatusCode, e.Body)
}
