package rollup

import "time"

// CounterEntry is one counter of a flushed window
type CounterEntry struct {
	Name   string
	Source string
	Value  int64
}

// GaugeEntry is the aggregate of all samples of one gauge in a flushed window
type GaugeEntry struct {
	Name   string
	Source string
	Count  int64
	Sum    float64
	Min    float64
	Max    float64
}

// Snapshot is an immutable copy of one window, produced once per flush.
// Entries are sorted by name, then source. An empty Source means the
// tracker's qualified source applies.
type Snapshot struct {
	Counters []CounterEntry
	Gauges   []GaugeEntry
	Source   string
	Time     time.Time
}

// Empty reports whether the window held no data
func (s Snapshot) Empty() bool {
	return len(s.Counters) == 0 && len(s.Gauges) == 0
}

// Counter looks up a counter by name and source
func (s Snapshot) Counter(name, source string) (CounterEntry, bool) {
	for _, c := range s.Counters {
		if c.Name == name && c.Source == source {
			return c, true
		}
	}
	return CounterEntry{}, false
}

// Gauge looks up a gauge by name and source
func (s Snapshot) Gauge(name, source string) (GaugeEntry, bool) {
	for _, g := range s.Gauges {
		if g.Name == name && g.Source == source {
			return g, true
		}
	}
	return GaugeEntry{}, false
}

// Payload is the JSON body submitted to the metrics API.
type Payload struct {
	Source      string               `json:"source,omitempty"`
	MeasureTime int64                `json:"measure_time,omitempty"`
	Counters    []CounterMeasurement `json:"counters,omitempty"`
	Gauges      []GaugeMeasurement   `json:"gauges,omitempty"`
}

// CounterMeasurement is the wire form of a counter
type CounterMeasurement struct {
	Name   string `json:"name"`
	Source string `json:"source,omitempty"`
	Value  int64  `json:"value"`
}

// GaugeMeasurement is the wire form of a gauge. A single sample is sent as
// Value alone, several samples as Count, Sum, Min and Max.
type GaugeMeasurement struct {
	Name   string   `json:"name"`
	Source string   `json:"source,omitempty"`
	Value  *float64 `json:"value,omitempty"`
	Count  int64    `json:"count,omitempty"`
	Sum    *float64 `json:"sum,omitempty"`
	Min    *float64 `json:"min,omitempty"`
	Max    *float64 `json:"max,omitempty"`
}

// Len returns the number of measurements in the payload
func (p *Payload) Len() int {
	return len(p.Counters) + len(p.Gauges)
}

// Split breaks the payload into payloads of at most n measurements each,
// counters first. Every part keeps the top-level source and measure time.
func (p *Payload) Split(n int) []*Payload {
	if n <= 0 || p.Len() <= n {
		return []*Payload{p}
	}

	var parts []*Payload
	current := &Payload{Source: p.Source, MeasureTime: p.MeasureTime}
	flushPart := func() {
		if current.Len() > 0 {
			parts = append(parts, current)
		}
		current = &Payload{Source: p.Source, MeasureTime: p.MeasureTime}
	}

	for _, c := range p.Counters {
		current.Counters = append(current.Counters, c)
		if current.Len() == n {
			flushPart()
		}
	}
	for _, g := range p.Gauges {
		current.Gauges = append(current.Gauges, g)
		if current.Len() == n {
			flushPart()
		}
	}
	flushPart()

	return parts
}

// Payload builds the wire payload for the snapshot, leaving out any entry
// whose name or source would be rejected by the API.
func (s Snapshot) Payload() *Payload {
	p := &Payload{
		Source:   s.Source,
		Counters: make([]CounterMeasurement, 0, len(s.Counters)),
		Gauges:   make([]GaugeMeasurement, 0, len(s.Gauges)),
	}
	if !s.Time.IsZero() {
		p.MeasureTime = s.Time.Unix()
	}

	for _, c := range s.Counters {
		if !acceptable(c.Name, c.Source) {
			continue
		}
		p.Counters = append(p.Counters, CounterMeasurement{
			Name:   c.Name,
			Source: c.Source,
			Value:  c.Value,
		})
	}

	for _, g := range s.Gauges {
		if !acceptable(g.Name, g.Source) || g.Count == 0 {
			continue
		}
		m := GaugeMeasurement{Name: g.Name, Source: g.Source}
		if g.Count == 1 {
			value := g.Sum
			m.Value = &value
		} else {
			sum, lo, hi := g.Sum, g.Min, g.Max
			m.Count = g.Count
			m.Sum = &sum
			m.Min = &lo
			m.Max = &hi
		}
		p.Gauges = append(p.Gauges, m)
	}

	return p
}

func acceptable(name, source string) bool {
	if !ValidName(name) {
		return false
	}
	return source == "" || ValidSource(source)
}
