package rollup

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// seriesKey identifies one accumulated series within a window.
type seriesKey struct {
	name   string
	source string
}

type gaugeValue struct {
	mutex sync.Mutex
	count int64
	sum   float64
	min   float64
	max   float64
}

func (g *gaugeValue) add(value float64) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	if g.count == 0 {
		g.min, g.max = value, value
	} else {
		g.min = math.Min(g.min, value)
		g.max = math.Max(g.max, value)
	}
	g.count++
	g.sum += value
}

// Collector accumulates counters and gauge samples for the current window.
//
// Accumulation holds the read lock while it touches an existing entry and the
// write lock while it creates one. SnapshotAndReset takes the write lock to
// swap both maps, so every accumulation lands in exactly one window.
type Collector struct {
	counters map[seriesKey]*atomic.Int64
	gauges   map[seriesKey]*gaugeValue
	mutex    sync.RWMutex
}

// NewCollector creates an empty collector
func NewCollector() *Collector {
	return &Collector{
		counters: make(map[seriesKey]*atomic.Int64),
		gauges:   make(map[seriesKey]*gaugeValue),
	}
}

// Increment adds amount to the counter identified by name and source.
// Non-positive amounts are ignored.
func (c *Collector) Increment(name, source string, amount int64) {
	if amount <= 0 {
		return
	}
	key := seriesKey{name: name, source: source}

	c.mutex.RLock()
	counter, exists := c.counters[key]
	if exists {
		saturatingAdd(counter, amount)
		c.mutex.RUnlock()
		return
	}
	c.mutex.RUnlock()

	c.mutex.Lock()
	if counter, exists = c.counters[key]; !exists {
		counter = &atomic.Int64{}
		c.counters[key] = counter
	}
	saturatingAdd(counter, amount)
	c.mutex.Unlock()
}

// Record adds a sample to the gauge identified by name and source.
func (c *Collector) Record(name, source string, value float64) {
	key := seriesKey{name: name, source: source}

	c.mutex.RLock()
	gauge, exists := c.gauges[key]
	if exists {
		gauge.add(value)
		c.mutex.RUnlock()
		return
	}
	c.mutex.RUnlock()

	c.mutex.Lock()
	if gauge, exists = c.gauges[key]; !exists {
		gauge = &gaugeValue{}
		c.gauges[key] = gauge
	}
	gauge.add(value)
	c.mutex.Unlock()
}

// Counter returns the current value of a counter, zero when absent.
func (c *Collector) Counter(name, source string) int64 {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	if counter, ok := c.counters[seriesKey{name: name, source: source}]; ok {
		return counter.Load()
	}
	return 0
}

// Gauge returns the current aggregate of a gauge.
func (c *Collector) Gauge(name, source string) (GaugeEntry, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	gauge, ok := c.gauges[seriesKey{name: name, source: source}]
	if !ok {
		return GaugeEntry{}, false
	}
	return gauge.entry(name, source), true
}

// Len returns the number of counters and gauges in the current window.
func (c *Collector) Len() (counters, gauges int) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.counters), len(c.gauges)
}

// SnapshotAndReset atomically takes the current window and installs an empty one.
func (c *Collector) SnapshotAndReset() Snapshot {
	c.mutex.Lock()
	counters, gauges := c.counters, c.gauges
	c.counters = make(map[seriesKey]*atomic.Int64)
	c.gauges = make(map[seriesKey]*gaugeValue)
	c.mutex.Unlock()

	// Nothing else can reach the old maps once the write lock is released.
	snap := Snapshot{
		Counters: make([]CounterEntry, 0, len(counters)),
		Gauges:   make([]GaugeEntry, 0, len(gauges)),
		Time:     time.Now(),
	}
	for key, counter := range counters {
		snap.Counters = append(snap.Counters, CounterEntry{
			Name:   key.name,
			Source: key.source,
			Value:  counter.Load(),
		})
	}
	for key, gauge := range gauges {
		snap.Gauges = append(snap.Gauges, gauge.entry(key.name, key.source))
	}

	sort.Slice(snap.Counters, func(i, j int) bool {
		return lessSeries(snap.Counters[i].Name, snap.Counters[i].Source, snap.Counters[j].Name, snap.Counters[j].Source)
	})
	sort.Slice(snap.Gauges, func(i, j int) bool {
		return lessSeries(snap.Gauges[i].Name, snap.Gauges[i].Source, snap.Gauges[j].Name, snap.Gauges[j].Source)
	})

	return snap
}

func (g *gaugeValue) entry(name, source string) GaugeEntry {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	return GaugeEntry{
		Name:   name,
		Source: source,
		Count:  g.count,
		Sum:    g.sum,
		Min:    g.min,
		Max:    g.max,
	}
}

// saturatingAdd adds a positive delta, clamping at math.MaxInt64
func saturatingAdd(v *atomic.Int64, delta int64) {
	for {
		old := v.Load()
		next := old + delta
		if next < old {
			next = math.MaxInt64
		}
		if v.CompareAndSwap(old, next) {
			return
		}
	}
}

func lessSeries(nameA, sourceA, nameB, sourceB string) bool {
	if nameA != nameB {
		return nameA < nameB
	}
	return sourceA < sourceB
}
