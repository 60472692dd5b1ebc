package nightscout

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/st-keller/cgm-mirror/reading"
	"github.com/st-keller/cgm-mirror/transport"
)

// sha1("secret")
const hashedSecret = "e5e9fa1ba31ecd1ae84f75caaa474f3a663f05f4"

func TestNewEntry(t *testing.T) {
	r := reading.Reading{
		SensorID:   4711,
		Sequence:   12,
		Timestamp:  time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC),
		Glucose:    6.25 * reading.GlucoseFactor, // 112.5
		Direction:  reading.Unknown,
		DeviceType: "TouchCare Nano",
	}
	e := NewEntry(r)
	if e.Type != "sgv" || e.Date != 1714550400000 || e.DateString != "2024-05-01T08:00:00Z" {
		t.Fatalf("unexpected entry %+v", e)
	}
	if e.SGV != 112 {
		t.Fatalf("expected half to even rounding to 112, got %d", e.SGV)
	}
	if e.Direction != "NONE" || e.Device != "TouchCare Nano" {
		t.Fatalf("unexpected entry %+v", e)
	}
}

func TestSubmit(t *testing.T) {
	var got []Entry
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != entriesPath {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("api-secret") != hashedSecret {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	c := New(srv.URL+"/", "secret", srv.Client(), transport.Retrier{})
	r := reading.Reading{Sequence: 3, Timestamp: time.Unix(1714550400, 0), Glucose: 108, Direction: reading.Flat}
	if err := c.Submit(context.Background(), r); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].SGV != 108 || got[0].Direction != "Flat" {
		t.Fatalf("unexpected submission %+v", got)
	}
}

func TestSubmitRetriesServerErrors(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("[]"))
	}))
	defer srv.Close()

	c := New(srv.URL, "secret", srv.Client(), transport.Retrier{})
	if err := c.Submit(context.Background(), reading.Reading{Timestamp: time.Now()}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestSubmitRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(srv.URL, "wrong", srv.Client(), transport.Retrier{})
	if err := c.Submit(context.Background(), reading.Reading{Timestamp: time.Now()}); err == nil {
		t.Fatal("expected error for rejected secret")
	}
}

func TestLastTimestamp(t *testing.T) {
	tests := []struct {
		name string
		body string
		want *time.Time
	}{
		{"empty site", `[]`, nil},
		{"one entry", `[{"type":"sgv","date":1714550400000,"sgv":100}]`, ptr(time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Query().Get("count") != "1" {
					w.WriteHeader(http.StatusBadRequest)
					return
				}
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			got, err := New(srv.URL, "secret", srv.Client(), transport.Retrier{}).LastTimestamp(context.Background())
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			switch {
			case tt.want == nil && got != nil:
				t.Fatalf("expected nil, got %s", got)
			case tt.want != nil && (got == nil || !got.Equal(*tt.want)):
				t.Fatalf("expected %s, got %v", tt.want, got)
			}
		})
	}
}

func ptr[T any](v T) *T { return &v }
