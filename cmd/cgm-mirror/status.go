package main

import (
	"fmt"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	mirror "github.com/st-keller/cgm-mirror"
	"github.com/st-keller/cgm-mirror/metrics"
)

type engineStatus interface {
	State() mirror.State
	Cursor() mirror.Cursor
}

type health struct {
	State        mirror.State             `json:"state"`
	Cursor       mirror.Cursor            `json:"cursor"`
	Connectivity []metrics.EndpointStatus `json:"connectivity"`
	RecentEvents []metrics.Event          `json:"recent_events"`
}

// recoveryLogger sends recovered panics to the scoped logger.
type recoveryLogger struct{}

func (recoveryLogger) Println(v ...any) {
	log.Error("status handler panicked", "panic", fmt.Sprint(v...))
}

func newStatusHandler(e engineStatus, m *metrics.Metrics) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		h := health{
			State:        e.State(),
			Cursor:       e.Cursor(),
			Connectivity: m.Connectivity(),
			RecentEvents: m.RecentEvents(),
		}
		body, err := json.Marshal(h)
		if log.WithError(err).Error("encoding health") {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if h.State == mirror.Stopped {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_, _ = w.Write(body)
	}).Methods(http.MethodGet)
	r.Handle("/metrics", m.Handler()).Methods(http.MethodGet)

	return handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{}),
		handlers.PrintRecoveryStack(false),
	)(r)
}
