package rollup

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/eryajf/promwrite"
	"go.uber.org/zap"
)

// RemoteWriteClient submits payloads to a Prometheus remote write endpoint.
// Counters become one series each; gauges become _count, _sum, _min and _max
// series. The maintenance operations are not available over remote write.
type RemoteWriteClient struct {
	client *promwrite.Client
	labels map[string]string
	logger *zap.Logger
}

var _ Client = (*RemoteWriteClient)(nil)

// NewRemoteWriteClient creates a client for the remote write url. labels
// are attached to every series.
func NewRemoteWriteClient(url string, labels map[string]string, logger *zap.Logger) (*RemoteWriteClient, error) {
	if url == "" {
		return nil, errors.New("remote write url cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RemoteWriteClient{
		client: promwrite.NewClient(url),
		labels: labels,
		logger: logger,
	}, nil
}

// Submit writes the payload as time series
func (c *RemoteWriteClient) Submit(ctx context.Context, payload *Payload) error {
	if payload == nil || payload.Len() == 0 {
		return nil
	}

	req := &promwrite.WriteRequest{TimeSeries: c.convertToTimeSeries(payload)}
	if _, err := c.client.Write(ctx, req); err != nil {
		return fmt.Errorf("writing time series failed: %w", err)
	}

	c.logger.Debug("Wrote time series", zap.Int("series", len(req.TimeSeries)))
	return nil
}

// List is not supported over remote write
func (c *RemoteWriteClient) List(context.Context) ([]MetricDescriptor, error) {
	return nil, ErrUnsupported
}

// Delete is not supported over remote write
func (c *RemoteWriteClient) Delete(context.Context, ...string) error {
	return ErrUnsupported
}

func (c *RemoteWriteClient) convertToTimeSeries(payload *Payload) []promwrite.TimeSeries {
	ts := time.Now()
	if payload.MeasureTime > 0 {
		ts = time.Unix(payload.MeasureTime, 0)
	}

	result := make([]promwrite.TimeSeries, 0, len(payload.Counters)+4*len(payload.Gauges))
	series := func(name, source string, value float64) promwrite.TimeSeries {
		if source == "" {
			source = payload.Source
		}
		return promwrite.TimeSeries{
			Labels: c.seriesLabels(name, source),
			Sample: promwrite.Sample{Time: ts, Value: value},
		}
	}

	for _, m := range payload.Counters {
		result = append(result, series(m.Name, m.Source, float64(m.Value)))
	}

	for _, m := range payload.Gauges {
		if m.Value != nil {
			v := *m.Value
			result = append(result,
				series(m.Name+"_count", m.Source, 1),
				series(m.Name+"_sum", m.Source, v),
				series(m.Name+"_min", m.Source, v),
				series(m.Name+"_max", m.Source, v))
			continue
		}
		result = append(result,
			series(m.Name+"_count", m.Source, float64(m.Count)),
			series(m.Name+"_sum", m.Source, deref(m.Sum)),
			series(m.Name+"_min", m.Source, deref(m.Min)),
			series(m.Name+"_max", m.Source, deref(m.Max)))
	}

	return result
}

func (c *RemoteWriteClient) seriesLabels(name, source string) []promwrite.Label {
	labels := make([]promwrite.Label, 0, 2+len(c.labels))
	labels = append(labels, promwrite.Label{Name: "__name__", Value: promName(name)})
	if source != "" {
		labels = append(labels, promwrite.Label{Name: "source", Value: source})
	}

	keys := make([]string, 0, len(c.labels))
	for k := range c.labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		labels = append(labels, promwrite.Label{Name: k, Value: c.labels[k]})
	}
	return labels
}

var promNameReplacer = strings.NewReplacer(".", "_", "-", "_")

// promName maps an API metric name onto the Prometheus name charset
func promName(name string) string {
	return promNameReplacer.Replace(name)
}

func deref(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}
