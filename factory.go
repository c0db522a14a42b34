package rollup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Package-level tracker for applications that want a single process-wide
// instance. Libraries and tests should create their own Tracker instead.
var (
	globalMutex   sync.RWMutex
	globalTracker *Tracker
)

// Init creates the global tracker and starts its periodic flush
func Init(config Config) error {
	globalMutex.Lock()
	defer globalMutex.Unlock()

	if globalTracker != nil {
		return fmt.Errorf("global tracker already initialized")
	}

	t, err := NewTracker(config)
	if err != nil {
		return err
	}
	if err := t.Start(); err != nil {
		return err
	}
	globalTracker = t

	if config.Logger != nil {
		config.Logger.Info("rollup initialized",
			zap.String("source", config.Source),
			zap.String("prefix", config.Prefix))
	}
	return nil
}

func global() *Tracker {
	globalMutex.RLock()
	defer globalMutex.RUnlock()
	return globalTracker
}

// Increment adds to a counter on the global tracker
func Increment(name string, opts ...Option) {
	if t := global(); t != nil {
		t.Increment(name, opts...)
	}
}

// Measure records a gauge sample on the global tracker
func Measure(name string, value float64, opts ...Option) {
	if t := global(); t != nil {
		t.Measure(name, value, opts...)
	}
}

// Timing records a millisecond timing on the global tracker
func Timing(name string, ms float64, opts ...Option) {
	if t := global(); t != nil {
		t.Timing(name, ms, opts...)
	}
}

// TimingSince records the milliseconds elapsed since start on the global tracker
func TimingSince(name string, start time.Time, opts ...Option) {
	if t := global(); t != nil {
		t.TimingDuration(name, time.Since(start), opts...)
	}
}

// Flush immediately flushes the global tracker
func Flush(ctx context.Context) (Snapshot, error) {
	t := global()
	if t == nil {
		return Snapshot{}, fmt.Errorf("rollup not initialized")
	}
	return t.Flush(ctx)
}

// Shutdown stops the global tracker after a final flush
func Shutdown() {
	globalMutex.Lock()
	t := globalTracker
	globalTracker = nil
	globalMutex.Unlock()

	if t != nil {
		t.Stop()
	}
}

// GetStatus returns the current status of the global tracker
func GetStatus() map[string]interface{} {
	status := make(map[string]interface{})

	t := global()
	if t == nil {
		status["initialized"] = false
		status["error"] = "rollup not initialized"
		return status
	}

	s := t.Status()
	status["initialized"] = true
	status["source"] = t.Source()
	status["flushes"] = s.Flushes
	status["failures"] = s.Failures
	status["rejected"] = s.Rejected
	status["pending_counters"] = s.PendingCounters
	status["pending_gauges"] = s.PendingGauges
	if !s.LastFlush.IsZero() {
		status["last_flush"] = s.LastFlush
	}
	if s.LastError != nil {
		status["last_error"] = s.LastError.Error()
	}
	return status
}
