package metrics

import (
	"sort"
	"sync"
	"time"
)

// ConnectionCall represents a single call to a remote endpoint.
type ConnectionCall struct {
	Timestamp time.Time
	Success   bool
	Latency   time.Duration
	Error     string
}

// ConnectivityTracker keeps the last hour of calls per endpoint for the health report.
type ConnectivityTracker struct {
	mu    sync.Mutex
	calls map[string][]ConnectionCall
}

// NewConnectivityTracker creates an empty tracker.
func NewConnectivityTracker() *ConnectivityTracker {
	return &ConnectivityTracker{calls: make(map[string][]ConnectionCall)}
}

// Track records one call.
func (t *ConnectivityTracker) Track(endpoint string, latency time.Duration, err error) {
	call := ConnectionCall{
		Timestamp: time.Now().UTC(),
		Success:   err == nil,
		Latency:   latency,
	}
	if err != nil {
		call.Error = err.Error()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls[endpoint] = prune(append(t.calls[endpoint], call))
}

// prune removes calls older than 1 hour.
func prune(calls []ConnectionCall) []ConnectionCall {
	oneHourAgo := time.Now().Add(-1 * time.Hour)
	for i, call := range calls {
		if call.Timestamp.After(oneHourAgo) {
			return calls[i:]
		}
	}
	return calls[:0]
}

// EndpointStatus summarizes the last hour of calls to one endpoint.
type EndpointStatus struct {
	Endpoint     string    `json:"endpoint"`
	Status       string    `json:"status"`
	LastCall     time.Time `json:"last_call"`
	TotalCalls   int       `json:"total_calls_1h"`
	SuccessRate  float64   `json:"success_rate_1h"`
	LatencyP50   int64     `json:"latency_p50_ms"`
	LatencyP95   int64     `json:"latency_p95_ms"`
	RecentErrors []string  `json:"recent_errors"`
}

// Snapshot returns one status per endpoint, sorted by endpoint name.
func (t *ConnectivityTracker) Snapshot() []EndpointStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]EndpointStatus, 0, len(t.calls))
	for endpoint, calls := range t.calls {
		if len(calls) == 0 {
			continue
		}
		st := EndpointStatus{Endpoint: endpoint, RecentErrors: []string{}}
		latencies := make([]int64, 0, len(calls))
		var ok int
		for _, call := range calls {
			st.TotalCalls++
			if call.Success {
				ok++
			} else if len(st.RecentErrors) < 5 {
				st.RecentErrors = append(st.RecentErrors, call.Error)
			}
			latencies = append(latencies, call.Latency.Milliseconds())
			if call.Timestamp.After(st.LastCall) {
				st.LastCall = call.Timestamp
			}
		}
		st.SuccessRate = float64(ok) / float64(st.TotalCalls)

		sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
		st.LatencyP50 = percentile(latencies, 0.50)
		st.LatencyP95 = percentile(latencies, 0.95)

		st.Status = "healthy"
		if st.SuccessRate < 0.9 {
			st.Status = "unhealthy"
		} else if st.SuccessRate < 0.95 {
			st.Status = "degraded"
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out
}

// percentile calculates the percentile of a sorted slice.
func percentile(sorted []int64, p float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	return sorted[int(float64(len(sorted)-1)*p)]
}

// ObserveCall records one outbound call in prometheus and the connectivity tracker.
func (m *Metrics) ObserveCall(endpoint string, latency time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.calls.WithLabelValues(endpoint, result).Inc()
	m.latency.WithLabelValues(endpoint).Observe(latency.Seconds())
	m.connectivity.Track(endpoint, latency, err)
}

// Retry counts one transient failure that will be retried.
func (m *Metrics) Retry(endpoint string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(endpoint).Inc()
}

// Connectivity returns the per-endpoint summary.
func (m *Metrics) Connectivity() []EndpointStatus {
	if m == nil {
		return nil
	}
	return m.connectivity.Snapshot()
}
