package rollup

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config defines how a Tracker qualifies, buffers and delivers metrics
type Config struct {
	// Source is the qualified source applied to metrics recorded without one
	Source string
	// Prefix is prepended to every metric name, separated by a dot
	Prefix string

	// FlushInterval drives the periodic flush started by Start
	FlushInterval time.Duration
	// FlushTimeout bounds the final flush performed by Stop
	FlushTimeout time.Duration

	// RuntimeMetrics records Go runtime gauges before every flush
	RuntimeMetrics bool

	Client Client

	// Optional logger
	Logger *zap.Logger
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		FlushInterval: 60 * time.Second,
		FlushTimeout:  10 * time.Second,
	}
}

// Option adjusts a single instrumentation call
type Option func(*callOptions)

type callOptions struct {
	source string
	amount int64
}

// WithSource overrides the tracker's qualified source for one call
func WithSource(source string) Option {
	return func(o *callOptions) {
		o.source = source
	}
}

// By sets the amount added by Increment. The default is 1.
func By(amount int64) Option {
	return func(o *callOptions) {
		o.amount = amount
	}
}

// Status is a point-in-time view of a tracker's flush history
type Status struct {
	Flushes         int64
	Failures        int64
	Rejected        int64
	LastFlush       time.Time
	LastError       error
	PendingCounters int
	PendingGauges   int
}

// Tracker is the instrumentation entry point. Increment, Measure and Timing
// only touch memory and are safe for concurrent use; Flush ships the current
// window to the Client.
type Tracker struct {
	config    Config
	collector *Collector
	client    Client
	logger    *zap.Logger
	runtime   *RuntimeSampler

	rejectLimiter *rate.Limiter
	rejected      atomic.Int64

	flushMutex sync.Mutex
	statusMu   sync.RWMutex
	flushes    int64
	failures   int64
	lastFlush  time.Time
	lastError  error

	runMutex sync.Mutex
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewTracker creates a tracker with its own collector
func NewTracker(config Config) (*Tracker, error) {
	return NewTrackerWithCollector(config, NewCollector())
}

// NewTrackerWithCollector creates a tracker that accumulates into collector
func NewTrackerWithCollector(config Config, collector *Collector) (*Tracker, error) {
	if collector == nil {
		return nil, errors.New("collector cannot be nil")
	}
	if config.Source != "" && !ValidSource(config.Source) {
		return nil, fmt.Errorf("invalid source %q", config.Source)
	}
	if config.Prefix != "" && !ValidName(config.Prefix) {
		return nil, fmt.Errorf("invalid prefix %q", config.Prefix)
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 60 * time.Second
	}
	if config.FlushTimeout <= 0 {
		config.FlushTimeout = 10 * time.Second
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	t := &Tracker{
		config:        config,
		collector:     collector,
		client:        config.Client,
		logger:        logger,
		rejectLimiter: rate.NewLimiter(rate.Every(time.Second), 10),
	}
	if config.RuntimeMetrics {
		t.runtime = NewRuntimeSampler()
	}
	return t, nil
}

// Source returns the qualified source
func (t *Tracker) Source() string {
	return t.config.Source
}

// Collector returns the collector the tracker accumulates into
func (t *Tracker) Collector() *Collector {
	return t.collector
}

// Increment adds to a counter, by 1 unless By is given
func (t *Tracker) Increment(name string, opts ...Option) {
	o := callOptions{amount: 1}
	for _, opt := range opts {
		opt(&o)
	}

	name, source, ok := t.accept("increment", name, o.source)
	if !ok {
		return
	}
	if o.amount <= 0 {
		t.reject("increment", name, source, "amount must be positive")
		return
	}
	t.collector.Increment(name, source, o.amount)
}

// Measure records one sample of a gauge
func (t *Tracker) Measure(name string, value float64, opts ...Option) {
	t.record("measure", name, value, opts)
}

// Timing records a duration in milliseconds. It aggregates exactly like Measure.
func (t *Tracker) Timing(name string, ms float64, opts ...Option) {
	t.record("timing", name, ms, opts)
}

// TimingDuration records d as milliseconds
func (t *Tracker) TimingDuration(name string, d time.Duration, opts ...Option) {
	t.record("timing", name, float64(d)/float64(time.Millisecond), opts)
}

func (t *Tracker) record(kind, name string, value float64, opts []Option) {
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}

	name, source, ok := t.accept(kind, name, o.source)
	if !ok {
		return
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		t.reject(kind, name, source, "value is not a finite number")
		return
	}
	t.collector.Record(name, source, value)
}

// accept prefixes the name and checks it together with the resolved source.
// The returned source is the per-call override, empty when the qualified
// source applies, so one resolved series is always stored under one key.
func (t *Tracker) accept(kind, name, source string) (string, string, bool) {
	if source == t.config.Source {
		source = ""
	}
	resolved := source
	if resolved == "" {
		resolved = t.config.Source
	}

	if name == "" {
		t.reject(kind, name, resolved, "invalid metric name")
		return "", "", false
	}
	if t.config.Prefix != "" {
		name = t.config.Prefix + "." + name
	}

	if !ValidName(name) {
		t.reject(kind, name, resolved, "invalid metric name")
		return "", "", false
	}
	if resolved != "" && !ValidSource(resolved) {
		t.reject(kind, name, resolved, "invalid source")
		return "", "", false
	}
	return name, source, true
}

func (t *Tracker) reject(kind, name, source, reason string) {
	t.rejected.Add(1)
	if t.rejectLimiter.Allow() {
		t.logger.Debug("Dropped metric",
			zap.String("call", kind),
			zap.String("name", name),
			zap.String("source", source),
			zap.String("reason", reason))
	}
}

// Flush ships the current window to the client and returns the snapshot it
// built. The window is rotated before submitting, so a failed submit drops
// that window's data. The error, if any, has already been logged.
func (t *Tracker) Flush(ctx context.Context) (Snapshot, error) {
	t.flushMutex.Lock()
	defer t.flushMutex.Unlock()

	if t.runtime != nil {
		t.runtime.Record(t)
	}

	snap := t.collector.SnapshotAndReset()
	snap.Source = t.config.Source

	if snap.Empty() {
		t.logger.Debug("Nothing to flush")
		return snap, nil
	}

	var err error
	if t.client == nil {
		err = ErrNoClient
	} else {
		err = t.submit(ctx, snap.Payload())
	}
	t.finishFlush(snap, err)

	return snap, err
}

func (t *Tracker) submit(ctx context.Context, payload *Payload) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("metrics client panicked: %v", r)
		}
	}()

	if err := t.client.Submit(ctx, payload); err != nil {
		return fmt.Errorf("submitting metrics failed: %w", err)
	}
	return nil
}

func (t *Tracker) finishFlush(snap Snapshot, err error) {
	t.statusMu.Lock()
	t.flushes++
	t.lastFlush = snap.Time
	t.lastError = err
	if err != nil {
		t.failures++
	}
	t.statusMu.Unlock()

	if err != nil {
		t.logger.Error("Failed to flush metrics",
			zap.Int("counters", len(snap.Counters)),
			zap.Int("gauges", len(snap.Gauges)),
			zap.Error(err))
		return
	}
	t.logger.Debug("Flushed metrics",
		zap.Int("counters", len(snap.Counters)),
		zap.Int("gauges", len(snap.Gauges)))
}

// Status returns the tracker's flush history and pending window size
func (t *Tracker) Status() Status {
	counters, gauges := t.collector.Len()

	t.statusMu.RLock()
	defer t.statusMu.RUnlock()
	return Status{
		Flushes:         t.flushes,
		Failures:        t.failures,
		Rejected:        t.rejected.Load(),
		LastFlush:       t.lastFlush,
		LastError:       t.lastError,
		PendingCounters: counters,
		PendingGauges:   gauges,
	}
}

// Start begins flushing every FlushInterval until Stop is called
func (t *Tracker) Start() error {
	t.runMutex.Lock()
	defer t.runMutex.Unlock()

	if t.cancel != nil {
		return errors.New("tracker already started")
	}
	if t.client == nil {
		t.logger.Warn("Starting metrics tracker without a client")
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(t.config.FlushInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				t.flushWithTimeout()
			case <-ctx.Done():
				return
			}
		}
	}()

	t.logger.Info("Metrics tracker started",
		zap.String("source", t.config.Source),
		zap.String("prefix", t.config.Prefix),
		zap.Duration("interval", t.config.FlushInterval))
	return nil
}

// Stop halts the periodic flush and delivers whatever is still pending
func (t *Tracker) Stop() {
	t.runMutex.Lock()
	defer t.runMutex.Unlock()

	if t.cancel != nil {
		t.cancel()
		t.wg.Wait()
		t.cancel = nil
	}
	t.flushWithTimeout()
}

// flushWithTimeout flushes on a context detached from Start/Stop so a
// window already being submitted is not aborted by Stop.
func (t *Tracker) flushWithTimeout() {
	ctx, cancel := context.WithTimeout(context.Background(), t.config.FlushTimeout)
	defer cancel()
	_, _ = t.Flush(ctx)
}
