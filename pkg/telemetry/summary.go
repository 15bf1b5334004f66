package telemetry

import (
	"sync"

	"github.com/beorn7/perks/quantile"
)

// defaultQuantiles is the default quantiles to compute for a given data stream
// that we want to summarize.
//
// these (quantile -> epsilon) will be used by default by any Summary unless
// initialized with the `WithQuantiles` option to override it.
//
var defaultQuantiles = map[float64]float64{
	0.50: 0.05,
	0.90: 0.01,
	0.99: 0.001,
}

// Summary keeps a streaming quantile estimate of observed values, safe for
// concurrent use.
//
type Summary struct {
	mu sync.Mutex

	count   uint64
	sum     float64
	targets map[float64]float64
	stream  *quantile.Stream
}

type SummaryOption func(s *Summary)

func WithQuantiles(v map[float64]float64) SummaryOption {
	return func(s *Summary) {
		s.targets = v
	}
}

func NewSummary(opts ...SummaryOption) *Summary {
	summary := &Summary{
		targets: cloneMap(defaultQuantiles),
	}

	for _, opt := range opts {
		opt(summary)
	}

	summary.stream = quantile.NewTargeted(summary.targets)

	return summary
}

func (s *Summary) Insert(v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sum += v
	s.stream.Insert(v)
	s.count++
}

// Snapshot returns the number of observations, their sum and the current
// estimate for every target quantile.
//
func (s *Summary) Snapshot() (count uint64, sum float64, quantiles map[float64]float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	quantiles = make(map[float64]float64, len(s.targets))
	for phi := range s.targets {
		quantiles[phi] = s.stream.Query(phi)
	}

	return s.count, s.sum, quantiles
}

func cloneMap(o map[float64]float64) map[float64]float64 {
	m := make(map[float64]float64, len(o))
	for k, v := range o {
		m[k] = v
	}

	return m
}
