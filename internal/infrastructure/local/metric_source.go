package local

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/flotilla-io/flotilla/internal/domain"
)

// MetricSource buffers datapoints in memory and serves windowed
// queries. The orchestrator's own loops, the event ingest path, or an
// operator tool feed it with Record.
type MetricSource struct {
	// Retention bounds how long datapoints are kept; zero means 15m.
	Retention time.Duration
	Now       func() time.Time

	mu     sync.Mutex
	series map[string][]datapoint
}

type datapoint struct {
	at    time.Time
	value float64
}

func NewMetricSource() *MetricSource {
	return &MetricSource{series: make(map[string][]datapoint)}
}

func (s *MetricSource) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *MetricSource) retention() time.Duration {
	if s.Retention > 0 {
		return s.Retention
	}
	return 15 * time.Minute
}

// Record appends one datapoint and prunes anything past retention.
func (s *MetricSource) Record(metric string, value float64) {
	now := s.now()
	cutoff := now.Add(-s.retention())

	s.mu.Lock()
	defer s.mu.Unlock()
	pts := append(s.series[metric], datapoint{at: now, value: value})
	for len(pts) > 0 && pts[0].at.Before(cutoff) {
		pts = pts[1:]
	}
	s.series[metric] = pts
}

func (s *MetricSource) Query(ctx context.Context, metric string, window time.Duration) ([]float64, error) {
	cutoff := s.now().Add(-window)

	s.mu.Lock()
	defer s.mu.Unlock()
	var out []float64
	for _, p := range s.series[metric] {
		if !p.at.Before(cutoff) {
			out = append(out, p.value)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("metric %q: %w", metric, domain.ErrMetricUnavailable)
	}
	return out, nil
}

var _ domain.MetricSource = (*MetricSource)(nil)
