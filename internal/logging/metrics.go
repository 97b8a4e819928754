package logging

import (
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
)

// Sample is one synthesis being measured.
type Sample struct {
	m       *Metrics
	Backend string
	Chars   int
	Start   time.Time
}

// Metrics aggregates synthesis latency and audio sizes per backend. A nil
// *Metrics records nothing.
type Metrics struct {
	logger *log.Logger

	mu     sync.Mutex
	totals map[string]*Totals
}

// Totals is the aggregate for one backend.
type Totals struct {
	Requests  int
	CacheHits int
	Errors    int
	Chars     int64
	Bytes     int64
	Latency   time.Duration
}

// AverageLatency returns the mean latency of uncached requests.
func (t Totals) AverageLatency() time.Duration {
	n := t.Requests - t.CacheHits - t.Errors
	if n <= 0 {
		return 0
	}
	return t.Latency / time.Duration(n)
}

// NewMetrics returns a metrics recorder logging to logger.
func NewMetrics(logger *log.Logger) *Metrics {
	if logger == nil {
		logger = log.Default().WithPrefix("metrics")
	}
	return &Metrics{logger: logger, totals: make(map[string]*Totals)}
}

// Start begins measuring a synthesis of text on backend.
func (m *Metrics) Start(backend, text string) *Sample {
	return &Sample{m: m, Backend: backend, Chars: len([]rune(text)), Start: time.Now()}
}

// End records the outcome. cached is true when the audio came from the
// cache or another caller's request.
func (s *Sample) End(audioBytes int, cached bool, err error) {
	if s == nil || s.m == nil {
		return
	}
	took := time.Since(s.Start)
	m := s.m

	m.mu.Lock()
	t := m.totals[s.Backend]
	if t == nil {
		t = &Totals{}
		m.totals[s.Backend] = t
	}
	t.Requests++
	switch {
	case err != nil:
		t.Errors++
	case cached:
		t.CacheHits++
	default:
		t.Chars += int64(s.Chars)
		t.Bytes += int64(audioBytes)
		t.Latency += took
	}
	m.mu.Unlock()

	if err != nil {
		m.logger.Debug("synthesis failed", "backend", s.Backend, "took", took.Round(time.Millisecond), "error", err)
		return
	}
	m.logger.Debug("synthesis completed",
		"backend", s.Backend,
		"chars", s.Chars,
		"size", humanize.IBytes(uint64(audioBytes)),
		"cached", cached,
		"took", took.Round(time.Millisecond))
}

// Snapshot returns a copy of the per-backend totals.
func (m *Metrics) Snapshot() map[string]Totals {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Totals, len(m.totals))
	for k, v := range m.totals {
		out[k] = *v
	}
	return out
}

// Summary formats the totals for one backend.
func (t Totals) Summary() string {
	rate := 0.0
	if t.Requests > 0 {
		rate = float64(t.CacheHits) / float64(t.Requests) * 100
	}
	return fmt.Sprintf("%s requests, %s chars, %s audio, %.1f%% cached, avg %v, %d errors",
		humanize.Comma(int64(t.Requests)),
		humanize.Comma(t.Chars),
		humanize.IBytes(uint64(t.Bytes)),
		rate,
		t.AverageLatency().Round(time.Millisecond),
		t.Errors)
}

// Log writes the summary of every backend at info level.
func (m *Metrics) Log() {
	for backend, t := range m.Snapshot() {
		m.logger.Info("synthesis stats", "backend", backend, "summary", t.Summary())
	}
}
