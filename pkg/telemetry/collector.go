package telemetry

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector implements the prometheus Collector interface, reporting on the
// exporter itself: how scrapes were answered, why extractions failed, how
// long they took and what the listener is up to.
//
// It is fed by the HTTP front end and the supervisor; values are turned into
// const metrics whenever the telemetry endpoint is scraped.
//
type Collector struct {
	mu sync.Mutex

	responses map[int]uint64
	failures  map[string]uint64
	restarts  uint64
	state     string
	states    []string

	extraction *Summary
}

// ensure that we implement prometheus' collector interface.
//
var _ prometheus.Collector = &Collector{}

var (
	responsesDesc = prometheus.NewDesc(
		"acc_exporter_scrapes_total",
		"number of requests answered by the metrics endpoint",
		[]string{"code"}, nil,
	)

	failuresDesc = prometheus.NewDesc(
		"acc_exporter_extraction_failures_total",
		"number of failed reads of the metrics database",
		[]string{"kind"}, nil,
	)

	restartsDesc = prometheus.NewDesc(
		"acc_exporter_listener_restarts_total",
		"number of times the listener was scheduled for a restart",
		nil, nil,
	)

	stateDesc = prometheus.NewDesc(
		"acc_exporter_listener_state",
		"whether the listener is in a given state",
		[]string{"state"}, nil,
	)

	extractionDesc = prometheus.NewDesc(
		"acc_exporter_extraction_duration_seconds",
		"time spent reading and rendering the newest metrics row",
		nil, nil,
	)
)

// NewCollector creates a Collector. states lists every state the listener
// can be in so that the state gauge reports zeros for the inactive ones.
//
func NewCollector(states ...string) *Collector {
	return &Collector{
		responses:  map[int]uint64{},
		failures:   map[string]uint64{},
		states:     states,
		extraction: NewSummary(),
	}
}

// ObserveResponse counts a response sent with the given status code.
//
func (c *Collector) ObserveResponse(code int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.responses[code]++
}

// ObserveExtraction records how long one pipeline run took and, when it
// failed, the kind of failure.
//
func (c *Collector) ObserveExtraction(d time.Duration, failureKind string) {
	c.extraction.Insert(d.Seconds())

	if failureKind == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.failures[failureKind]++
}

func (c *Collector) ObserveRestart() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.restarts++
}

func (c *Collector) ObserveState(state string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state = state
}

// Describe implements the Describe function of the Collector interface.
//
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- responsesDesc
	ch <- failuresDesc
	ch <- restartsDesc
	ch <- stateDesc
	ch <- extractionDesc
}

// Collect implements the Collect function of the Collector interface.
//
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, code := range sortedCodes(c.responses) {
		ch <- prometheus.MustNewConstMetric(
			responsesDesc,
			prometheus.CounterValue,
			float64(c.responses[code]),
			strconv.Itoa(code),
		)
	}

	for kind, count := range c.failures {
		ch <- prometheus.MustNewConstMetric(
			failuresDesc,
			prometheus.CounterValue,
			float64(count),
			kind,
		)
	}

	ch <- prometheus.MustNewConstMetric(
		restartsDesc,
		prometheus.CounterValue,
		float64(c.restarts),
	)

	for _, state := range c.states {
		ch <- prometheus.MustNewConstMetric(
			stateDesc,
			prometheus.GaugeValue,
			boolToFloat64(state == c.state),
			state,
		)
	}

	count, sum, quantiles := c.extraction.Snapshot()
	ch <- prometheus.MustNewConstSummary(
		extractionDesc,
		count, sum, quantiles,
	)
}

func sortedCodes(m map[int]uint64) []int {
	codes := make([]int, 0, len(m))
	for code := range m {
		codes = append(codes, code)
	}

	sort.Ints(codes)

	return codes
}

func boolToFloat64(b bool) float64 {
	if b {
		return 1
	}

	return 0
}
