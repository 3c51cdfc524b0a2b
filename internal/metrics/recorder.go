// Package metrics defines the narrow instrumentation seam the cache core
// calls into; wiring it to a real telemetry backend is left to the external
// caller per spec §1's scope note.
package metrics

import (
	"sync"
	"time"

	movingaverage "github.com/RobinUS2/golang-moving-average"
)

// Recorder receives duration and size observations from the materializer and
// both caches.
type Recorder interface {
	ObserveDuration(name string, d time.Duration)
	ObserveSize(name string, n int64)
}

// Nop is a Recorder that discards every observation; it is the default when
// no recorder is supplied.
var Nop Recorder = nopRecorder{}

type nopRecorder struct{}

func (nopRecorder) ObserveDuration(string, time.Duration) {}
func (nopRecorder) ObserveSize(string, int64)              {}

// MovingAverages is a Recorder that keeps a smoothed moving average per
// observation name, useful for cheap in-process diagnostics (e.g. exposing
// "average input-root materialization latency" without a full metrics
// pipeline).
type MovingAverages struct {
	window int

	mu        sync.Mutex
	durations map[string]*movingaverage.MovingAverage
	sizes     map[string]*movingaverage.MovingAverage
}

// NewMovingAverages creates a recorder that averages over the last window
// observations per name.
func NewMovingAverages(window int) *MovingAverages {
	if window < 1 {
		window = 100
	}
	return &MovingAverages{
		window:    window,
		durations: make(map[string]*movingaverage.MovingAverage),
		sizes:     make(map[string]*movingaverage.MovingAverage),
	}
}

// ObserveDuration implements Recorder.
func (m *MovingAverages) ObserveDuration(name string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	avg, ok := m.durations[name]
	if !ok {
		avg = movingaverage.New(m.window)
		m.durations[name] = avg
	}
	avg.Add(float64(d.Microseconds()))
}

// ObserveSize implements Recorder.
func (m *MovingAverages) ObserveSize(name string, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	avg, ok := m.sizes[name]
	if !ok {
		avg = movingaverage.New(m.window)
		m.sizes[name] = avg
	}
	avg.Add(float64(n))
}

// AverageDuration returns the current moving average duration for name, or
// zero if nothing has been observed.
func (m *MovingAverages) AverageDuration(name string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	avg, ok := m.durations[name]
	if !ok {
		return 0
	}
	return time.Duration(avg.Avg()) * time.Microsecond
}

// AverageSize returns the current moving average size for name, or zero if
// nothing has been observed.
func (m *MovingAverages) AverageSize(name string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	avg, ok := m.sizes[name]
	if !ok {
		return 0
	}
	return avg.Avg()
}
