// Package metrics exposes the Prometheus collectors of the state service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Write outcomes.
const (
	OutcomeOK      = "ok"
	OutcomeBlocked = "blocked"
	OutcomeError   = "error"
)

// Recorder is what the service and the HTTP layer report to.
type Recorder interface {
	IncStateWrite(outcome string)
	AddActivityEvents(eventType string, n int)
	IncBackupCreated()
	IncHealWrite()
	IncCacheHit()
	IncCacheMiss()
	ObserveRequest(route, method string, status int, d time.Duration)
}

type Prometheus struct {
	stateWrites     *prometheus.CounterVec
	activityEvents  *prometheus.CounterVec
	backupsCreated  prometheus.Counter
	healWrites      prometheus.Counter
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// New registers the collectors with reg. Pass prometheus.DefaultRegisterer
// in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Prometheus {
	f := promauto.With(reg)
	return &Prometheus{
		stateWrites: f.NewCounterVec(prometheus.CounterOpts{
			Name: "amaliyah_state_writes_total",
			Help: "State writes by outcome",
		}, []string{"outcome"}),
		activityEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "amaliyah_activity_events_total",
			Help: "Activity log entries persisted by event type",
		}, []string{"event_type"}),
		backupsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "amaliyah_daily_backups_created_total",
			Help: "Daily backups captured",
		}),
		healWrites: f.NewCounter(prometheus.CounterOpts{
			Name: "amaliyah_heal_writes_total",
			Help: "Reads that synthesized missing classes and persisted them",
		}),
		cacheHits: f.NewCounter(prometheus.CounterOpts{
			Name: "amaliyah_cache_hits_total",
			Help: "State view cache hits",
		}),
		cacheMisses: f.NewCounter(prometheus.CounterOpts{
			Name: "amaliyah_cache_misses_total",
			Help: "State view cache misses",
		}),
		requestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "amaliyah_http_requests_total",
			Help: "HTTP requests by route, method and status class",
		}, []string{"route", "method", "status"}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "amaliyah_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

func (m *Prometheus) IncStateWrite(outcome string) { m.stateWrites.WithLabelValues(outcome).Inc() }

func (m *Prometheus) AddActivityEvents(eventType string, n int) {
	m.activityEvents.WithLabelValues(eventType).Add(float64(n))
}

func (m *Prometheus) IncBackupCreated() { m.backupsCreated.Inc() }
func (m *Prometheus) IncHealWrite() { m.healWrites.Inc() }
func (m *Prometheus) IncCacheHit() { m.cacheHits.Inc() }
func (m *Prometheus) IncCacheMiss() { m.cacheMisses.Inc() }

func (m *Prometheus) ObserveRequest(route, method string, status int, d time.Duration) {
	m.requestsTotal.WithLabelValues(route, method, statusClass(status)).Inc()
	m.requestDuration.WithLabelValues(route).Observe(d.Seconds())
}

func statusClass(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

// Noop discards everything.
type Noop struct{}

func (Noop) IncStateWrite(string) {}
func (Noop) AddActivityEvents(string, int) {}
func (Noop) IncBackupCreated() {}
func (Noop) IncHealWrite() {}
func (Noop) IncCacheHit() {}
func (Noop) IncCacheMiss() {}
func (Noop) ObserveRequest(string, string, int, time.Duration) {}
