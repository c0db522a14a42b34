package rollup

import (
	"os"
	"runtime"
	"strconv"
	"strings"
)

// RuntimeSampler records Go runtime statistics as gauges
type RuntimeSampler struct {
	readMemStats func(*runtime.MemStats)
}

// NewRuntimeSampler creates a runtime sampler
func NewRuntimeSampler() *RuntimeSampler {
	return &RuntimeSampler{readMemStats: runtime.ReadMemStats}
}

// Record measures the current runtime state into t
func (s *RuntimeSampler) Record(t *Tracker) {
	var ms runtime.MemStats
	s.readMemStats(&ms)

	t.Measure("go.memory.alloc_bytes", float64(ms.Alloc))
	t.Measure("go.memory.sys_bytes", float64(ms.Sys))
	t.Measure("go.memory.heap_inuse_bytes", float64(ms.HeapInuse))
	t.Measure("go.memory.stack_inuse_bytes", float64(ms.StackInuse))
	t.Measure("go.goroutines", float64(runtime.NumGoroutine()))
	t.Measure("go.gc.runs", float64(ms.NumGC))
	t.Measure("go.gc.pause_total_ns", float64(ms.PauseTotalNs))

	if rss := getProcessRSS(); rss > 0 {
		t.Measure("process.memory.rss_bytes", float64(rss))
	}
	if fdCount := getOpenFileDescriptors(); fdCount > 0 {
		t.Measure("process.file_descriptors", float64(fdCount))
	}
}

// getProcessRSS returns the resident set size in bytes, 0 when unknown
func getProcessRSS() uint64 {
	data, err := os.ReadFile("/proc/self/status")
	if err != nil {
		return 0
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) >= 2 {
			if kb, err := strconv.ParseUint(fields[1], 10, 64); err == nil {
				return kb * 1024
			}
		}
	}
	return 0
}

func getOpenFileDescriptors() uint64 {
	if entries, err := os.ReadDir("/proc/self/fd"); err == nil {
		return uint64(len(entries))
	}
	return 0
}
