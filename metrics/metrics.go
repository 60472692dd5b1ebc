// Package metrics holds the prometheus collectors of one mirror instance.
//
// Every engine gets its own registry, so several accounts can run in one process
// without sharing counters. All methods are safe on a nil *Metrics.
package metrics

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/iidesho/bragi/sbragi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

var log = sbragi.WithLocalScope(sbragi.LevelInfo)

// Poll outcomes.
const (
	PollNew   = "new"
	PollStale = "stale"
	PollError = "error"
)

// Emission origins.
const (
	OriginLive     = "live"
	OriginBackfill = "backfill"
)

// Metrics is the set of collectors exported by the mirror.
type Metrics struct {
	Registry *prometheus.Registry

	polls          *prometheus.CounterVec
	emitted        *prometheus.CounterVec
	unrecoverable  prometheus.Counter
	droppedRecords prometheus.Counter
	lastSequence   prometheus.Gauge
	lastTimestamp  prometheus.Gauge

	calls   *prometheus.CounterVec
	retries *prometheus.CounterVec
	latency *prometheus.HistogramVec

	connectivity *ConnectivityTracker
	events       *EventLog
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cgm_mirror_polls_total",
			Help: "status polls by outcome",
		}, []string{"outcome"}),
		emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cgm_mirror_readings_emitted_total",
			Help: "readings emitted to the sink by origin",
		}, []string{"origin"}),
		unrecoverable: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cgm_mirror_unrecoverable_readings_total",
			Help: "readings missing from both status and history",
		}),
		droppedRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cgm_mirror_history_records_dropped_total",
			Help: "malformed history records skipped during backfill",
		}),
		lastSequence: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cgm_mirror_last_sequence",
			Help: "sequence of the last emitted reading",
		}),
		lastTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cgm_mirror_last_timestamp_seconds",
			Help: "timestamp of the last emitted reading",
		}),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cgm_mirror_http_calls_total",
			Help: "outbound calls by endpoint and result",
		}, []string{"endpoint", "result"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cgm_mirror_http_retries_total",
			Help: "transient failures retried by endpoint",
		}, []string{"endpoint"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cgm_mirror_http_latency_seconds",
			Help:    "outbound call latency by endpoint",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
		connectivity: NewConnectivityTracker(),
		events:       NewEventLog(DefaultMaxEvents),
	}
	m.Registry.MustRegister(
		m.polls,
		m.emitted,
		m.unrecoverable,
		m.droppedRecords,
		m.lastSequence,
		m.lastTimestamp,
		m.calls,
		m.retries,
		m.latency,
	)
	return m
}

// Poll counts one engine iteration.
func (m *Metrics) Poll(outcome string) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(outcome).Inc()
}

// Emitted records a reading accepted by the sink.
func (m *Metrics) Emitted(origin string, sequence int64, ts time.Time) {
	if m == nil {
		return
	}
	m.emitted.WithLabelValues(origin).Inc()
	m.lastSequence.Set(float64(sequence))
	m.lastTimestamp.Set(float64(ts.Unix()))
}

// Unrecoverable counts readings lost for good.
func (m *Metrics) Unrecoverable(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.unrecoverable.Add(float64(n))
}

// DroppedRecord counts one skipped history record.
func (m *Metrics) DroppedRecord() {
	if m == nil {
		return
	}
	m.droppedRecords.Inc()
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Push sends the registry to a Pushgateway once.
func (m *Metrics) Push(ctx context.Context, url, job string) error {
	if m == nil {
		return nil
	}
	pusher := push.New(url, job).Gatherer(m.Registry)
	hn, err := os.Hostname()
	if !log.WithError(err).Warning("getting hostname for metrics push") {
		pusher = pusher.Grouping("instance", hn)
	}
	return pusher.PushContext(ctx)
}

// PushEvery pushes on an interval until ctx is done.
func (m *Metrics) PushEvery(ctx context.Context, url, job string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			log.WithError(m.Push(ctx, url, job)).Warning("pushing metrics", "url", url)
		}
	}
}
