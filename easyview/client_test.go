package easyview

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	mirror "github.com/st-keller/cgm-mirror"
	"github.com/st-keller/cgm-mirror/reading"
	"github.com/st-keller/cgm-mirror/transport"
)

const statusBody = `{"monitorlist":[{"username":"cgm-user","sensor_status":{
	"appName":"EasyFollow","batteryPercent":80,"current":1.5,"deviceType":"TouchCare Nano",
	"glucose":6.2,"glucoseRate":1,"sensorId":4711,"sequence":12,"serial":900,"status":3,
	"updateTime":1714550400.2}}]}`

// fakeEasyView records requests and serves canned responses.
type fakeEasyView struct {
	mu        sync.Mutex
	logins    int
	requests  []*http.Request
	status    string
	rejectN   int // reject this many non-login requests with 401
	password  string
	failFirst bool
}

func (f *fakeEasyView) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, r.Clone(context.Background()))

	if r.Header.Get("AppTag") == "" || r.Header.Get("User-Agent") != "okhttp/3.5.0" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if r.URL.Path == "/login" {
		_ = r.ParseForm()
		if r.PostForm.Get("apptype") != "Follow" || r.PostForm.Get("password") != f.wantPassword() {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		f.logins++
		http.SetCookie(w, &http.Cookie{Name: "session", Value: fmt.Sprint(f.logins), Path: "/"})
		_, _ = w.Write([]byte(`{"res":"OK"}`))
		return
	}
	if f.failFirst {
		f.failFirst = false
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	if _, err := r.Cookie("session"); err != nil || f.rejectN > 0 {
		if f.rejectN > 0 {
			f.rejectN--
		}
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	switch r.URL.Path {
	case "/logindata":
		_, _ = w.Write([]byte(f.status))
	case "/download":
		_, _ = w.Write([]byte(`{"data":[
			["1-900-4711-11",1714550250,0,5.9,"C",0],
			["1-900-4711-10",1714550100,0,5.8,"H",8]]}`))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeEasyView) wantPassword() string {
	if f.password == "" {
		return "pw"
	}
	return f.password
}

func newTestClient(t *testing.T, f *fakeEasyView, password string) *Client {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	hc, err := transport.NewClient(transport.ClientConfig{Cookies: true, Timeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	return New(Config{BaseURL: srv.URL + "/", Username: "follower", Password: password}, hc, transport.Retrier{})
}

func TestFetchStatusLogsInFirst(t *testing.T) {
	f := &fakeEasyView{status: statusBody}
	c := newTestClient(t, f, "pw")

	rec, err := c.FetchStatus(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.logins != 1 {
		t.Fatalf("expected one login, got %d", f.logins)
	}
	r, err := reading.ParseStatus(rec)
	if err != nil {
		t.Fatalf("status not parseable: %v", err)
	}
	if r.Sequence != 12 || r.SensorID != 4711 || r.Direction != reading.FortyFiveUp {
		t.Fatalf("unexpected reading %+v", r)
	}
	if user, device := c.session(); user != "cgm-user" || device != "TouchCare Nano" {
		t.Fatalf("session not remembered: %q %q", user, device)
	}
}

func TestFetchStatusRequiresOneMonitoredUser(t *testing.T) {
	for _, body := range []string{`{"monitorlist":[]}`, `{"monitorlist":[{},{}]}`} {
		f := &fakeEasyView{status: body}
		c := newTestClient(t, f, "pw")
		_, err := c.FetchStatus(context.Background())
		if !errors.Is(err, ErrAccountCount) || !errors.Is(err, mirror.ErrConfiguration) {
			t.Fatalf("%s: expected account count fault, got %v", body, err)
		}
	}
}

func TestFetchHistory(t *testing.T) {
	f := &fakeEasyView{status: statusBody}
	c := newTestClient(t, f, "pw")
	start := time.Date(2024, 5, 1, 7, 55, 30, 0, time.UTC)
	end := time.Date(2024, 5, 1, 8, 4, 30, 0, time.FixedZone("CEST", 2*3600))

	raws, err := c.FetchHistory(context.Background(), start, end)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(raws) != 2 {
		t.Fatalf("expected 2 records, got %d", len(raws))
	}
	rec := raws[0].(reading.HistoryRecord)
	if rec.DeviceType != "TouchCare Nano" {
		t.Fatalf("device type not filled in: %q", rec.DeviceType)
	}
	if r, err := reading.ParseHistoryRecord(rec); err != nil || r.Sequence != 11 {
		t.Fatalf("unexpected record %+v %v", r, err)
	}

	last := f.requests[len(f.requests)-1]
	q := last.URL.Query()
	if last.URL.Path != "/download" || q.Get("flag") != "sg" || q.Get("user_name") != "cgm-user" {
		t.Fatalf("unexpected download request %s", last.URL)
	}
	if q.Get("st") != "2024-05-01 07:55:30" || q.Get("et") != "2024-05-01 06:04:30" {
		t.Fatalf("bounds must be UTC, got %q %q", q.Get("st"), q.Get("et"))
	}
}

func TestRejectedSessionIsRenewedOnce(t *testing.T) {
	f := &fakeEasyView{status: statusBody}
	c := newTestClient(t, f, "pw")
	ctx := context.Background()
	if _, err := c.FetchStatus(ctx); err != nil {
		t.Fatal(err)
	}

	f.rejectN = 1
	if _, err := c.FetchStatus(ctx); err != nil {
		t.Fatalf("expected replay after re-login to succeed: %v", err)
	}
	if f.logins != 2 {
		t.Fatalf("expected a second login, got %d", f.logins)
	}

	f.rejectN = 2
	if _, err := c.FetchStatus(ctx); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestWrongPasswordIsUnauthorized(t *testing.T) {
	f := &fakeEasyView{status: statusBody}
	c := newTestClient(t, f, "wrong")
	err := c.Login(context.Background())
	if !errors.Is(err, ErrUnauthorized) || !errors.Is(err, mirror.ErrConfiguration) {
		t.Fatalf("expected rejected login as configuration fault, got %v", err)
	}
}

func TestRotatedPasswordStopsPolling(t *testing.T) {
	f := &fakeEasyView{status: statusBody}
	c := newTestClient(t, f, "pw")
	ctx := context.Background()
	if _, err := c.FetchStatus(ctx); err != nil {
		t.Fatal(err)
	}

	f.mu.Lock()
	f.password = "rotated"
	f.rejectN = 1
	f.mu.Unlock()
	_, err := c.FetchStatus(ctx)
	if !errors.Is(err, ErrLoginRejected) || !errors.Is(err, mirror.ErrConfiguration) {
		t.Fatalf("expected configuration fault after rejected re-login, got %v", err)
	}
}

func TestServerErrorIsRetried(t *testing.T) {
	f := &fakeEasyView{status: statusBody, failFirst: true}
	c := newTestClient(t, f, "pw")
	if _, err := c.FetchStatus(context.Background()); err != nil {
		t.Fatalf("502 must be retried: %v", err)
	}
}
