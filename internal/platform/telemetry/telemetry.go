// Package telemetry provides counters and gauges for the matching engine
// plus a Prometheus text exposition endpoint, using only standard library
// constructs.
package telemetry

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/labstack/echo/v4"
)

// Metric names recorded by the engine.
const (
	MetricPairsScored         = "match.pairs_scored"
	MetricInsufficientData    = "match.insufficient_data"
	MetricCandidatesUpserted  = "match.candidates_upserted"
	MetricScoringRuns         = "match.scoring_runs"
	MetricMergesCompleted     = "merge.completed"
	MetricMergesFailed        = "merge.failed"
	MetricStateConflicts      = "review.state_conflicts"
	MetricConflictsResolved   = "conflict.resolved"
	MetricAuditEventsRecorded = "audit.events_recorded"

	GaugeCandidatesPending = "match.candidates_pending"
	GaugeDBPoolActive      = "db.pool.active_connections"
	GaugeDBPoolIdle        = "db.pool.idle_connections"
)

type counterStore struct {
	mu    sync.RWMutex
	items map[string]*int64
}

func newCounterStore() *counterStore {
	return &counterStore{items: make(map[string]*int64)}
}

func (s *counterStore) add(key string, delta int64) {
	s.mu.RLock()
	p, ok := s.items[key]
	s.mu.RUnlock()
	if ok {
		atomic.AddInt64(p, delta)
		return
	}
	s.mu.Lock()
	p, ok = s.items[key]
	if !ok {
		v := delta
		s.items[key] = &v
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	atomic.AddInt64(p, delta)
}

func (s *counterStore) get(key string) int64 {
	s.mu.RLock()
	p, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(p)
}

func (s *counterStore) snapshot() map[string]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make(map[string]int64, len(s.items))
	for k, p := range s.items {
		cp[k] = atomic.LoadInt64(p)
	}
	return cp
}

// Provider manages the engine's metric state.
type Provider struct {
	serviceName string
	counters    *counterStore
	gauges      *counterStore
}

// NewProvider creates an empty metrics provider.
func NewProvider(serviceName string) *Provider {
	if serviceName == "" {
		serviceName = "mpi-server"
	}
	return &Provider{
		serviceName: serviceName,
		counters:    newCounterStore(),
		gauges:      newCounterStore(),
	}
}

// Inc increments the named counter by one.
func (p *Provider) Inc(name string) {
	p.counters.add(name, 1)
}

// Add increments the named counter by delta.
func (p *Provider) Add(name string, delta int64) {
	p.counters.add(name, delta)
}

// Counter returns the current value of the named counter.
func (p *Provider) Counter(name string) int64 {
	return p.counters.get(name)
}

// SetGauge sets the named gauge to val.
func (p *Provider) SetGauge(name string, val int64) {
	p.gauges.mu.Lock()
	v := val
	if ptr, ok := p.gauges.items[name]; ok {
		atomic.StoreInt64(ptr, val)
	} else {
		p.gauges.items[name] = &v
	}
	p.gauges.mu.Unlock()
}

// Gauge returns the current value of the named gauge.
func (p *Provider) Gauge(name string) int64 {
	return p.gauges.get(name)
}

// promName converts a dotted metric name to Prometheus snake_case.
func promName(name string) string {
	return strings.NewReplacer(".", "_", "-", "_").Replace(name)
}

// PrometheusHandler serves all counters and gauges in Prometheus text
// exposition format.
func (p *Provider) PrometheusHandler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var b strings.Builder

		writeFamily := func(items map[string]int64, typ string) {
			names := make([]string, 0, len(items))
			for k := range items {
				names = append(names, k)
			}
			sort.Strings(names)
			for _, name := range names {
				pn := promName(name)
				fmt.Fprintf(&b, "# TYPE %s %s\n", pn, typ)
				fmt.Fprintf(&b, "%s{service=%q} %d\n", pn, p.serviceName, items[name])
			}
		}

		writeFamily(p.counters.snapshot(), "counter")
		writeFamily(p.gauges.snapshot(), "gauge")

		return c.String(http.StatusOK, b.String())
	}
}
