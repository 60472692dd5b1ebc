// Package easyview is a client for the Medtrum EasyView mobile API, logged in with a
// follower account that monitors exactly one CGM user.
package easyview

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/iidesho/bragi/sbragi"
	jsoniter "github.com/json-iterator/go"

	mirror "github.com/st-keller/cgm-mirror"
	"github.com/st-keller/cgm-mirror/reading"
	"github.com/st-keller/cgm-mirror/transport"
)

var (
	log  = sbragi.WithLocalScope(sbragi.LevelInfo)
	json = jsoniter.ConfigCompatibleWithStandardLibrary
)

// ErrAccountCount is returned when the follower account does not monitor exactly one
// CGM user. It is a configuration fault.
var ErrAccountCount = fmt.Errorf("%w: follower account must monitor exactly one CGM user", mirror.ErrConfiguration)

// ErrUnauthorized is returned when EasyView still rejects the session after a fresh
// login.
var ErrUnauthorized = errors.New("easyview rejected the session")

// ErrLoginRejected is returned when the credentials themselves are refused. It is a
// configuration fault and matches ErrUnauthorized.
var ErrLoginRejected = fmt.Errorf("%w: %w", mirror.ErrConfiguration, ErrUnauthorized)

// queryTime is the layout of the history query bounds, always UTC.
const queryTime = "2006-01-02 15:04:05"

// Headers the Android app sends. The API answers differently without them.
var appHeaders = map[string]string{
	"DevInfo":    "Android 12;Xiamoi vayu;Android 12",
	"AppTag":     "v=1.2.70(112);n=eyfo;p=android",
	"User-Agent": "okhttp/3.5.0",
}

// Config holds the follower credentials.
type Config struct {
	BaseURL  string // mirror.DefaultEasyViewURL when empty
	Username string
	Password string
}

type loginData struct {
	MonitorList []struct {
		Username     string               `json:"username"`
		SensorStatus reading.StatusRecord `json:"sensor_status"`
	} `json:"monitorlist"`
}

type download struct {
	Data [][]any `json:"data"`
}

// Client talks to EasyView. It needs an *http.Client with a cookie jar; the session
// lives in the jar.
type Client struct {
	cfg   Config
	http  *http.Client
	retry transport.Retrier

	mu         sync.Mutex
	loggedIn   bool
	cgmUser    string
	deviceType string
}

// New creates a client. Nothing is sent until the first call.
func New(cfg Config, httpClient *http.Client, retry transport.Retrier) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = mirror.DefaultEasyViewURL
	}
	return &Client{cfg: cfg, http: httpClient, retry: retry}
}

// Login opens a session. Transient faults are retried.
func (c *Client) Login(ctx context.Context) error {
	return c.retry.Do(ctx, "login", c.login)
}

func (c *Client) login(ctx context.Context) error {
	form := url.Values{
		"apptype":   {"Follow"},
		"user_name": {c.cfg.Username},
		"password":  {c.cfg.Password},
		"platform":  {"google"},
		"user_type": {"M"},
	}
	if err := c.do(ctx, http.MethodPost, "login", nil, form, nil); err != nil {
		if rejected(err) {
			return fmt.Errorf("%w: login as %s: %v", ErrLoginRejected, c.cfg.Username, err)
		}
		return fmt.Errorf("login as %s: %w", c.cfg.Username, err)
	}
	c.mu.Lock()
	c.loggedIn = true
	c.mu.Unlock()
	log.Info("logged in to EasyView", "user", c.cfg.Username)
	return nil
}

// FetchStatus returns the sensor status of the monitored CGM user.
func (c *Client) FetchStatus(ctx context.Context) (reading.StatusRecord, error) {
	var data loginData
	if err := c.get(ctx, "logindata", nil, &data); err != nil {
		return reading.StatusRecord{}, err
	}
	if n := len(data.MonitorList); n != 1 {
		log.Error("follower should have exactly one CGM user", "count", n)
		return reading.StatusRecord{}, fmt.Errorf("%w, got %d", ErrAccountCount, n)
	}
	entry := data.MonitorList[0]
	c.mu.Lock()
	c.cgmUser = entry.Username
	if entry.SensorStatus.DeviceType != nil {
		c.deviceType = *entry.SensorStatus.DeviceType
	}
	c.mu.Unlock()
	return entry.SensorStatus, nil
}

// FetchHistory downloads the readings recorded between start and end. Rows come back
// in no particular order and carry the device type of the last status.
func (c *Client) FetchHistory(ctx context.Context, start, end time.Time) ([]reading.Raw, error) {
	user, deviceType := c.session()
	if user == "" {
		if _, err := c.FetchStatus(ctx); err != nil {
			return nil, err
		}
		user, deviceType = c.session()
	}
	params := url.Values{
		"flag":      {"sg"},
		"st":        {start.UTC().Format(queryTime)},
		"et":        {end.UTC().Format(queryTime)},
		"user_name": {user},
	}
	var dl download
	if err := c.get(ctx, "download", params, &dl); err != nil {
		return nil, err
	}
	out := make([]reading.Raw, 0, len(dl.Data))
	for _, row := range dl.Data {
		out = append(out, reading.HistoryRecord{Fields: row, DeviceType: deviceType})
	}
	log.Debug("history downloaded", "start", params.Get("st"), "end", params.Get("et"), "records", len(out))
	return out, nil
}

// Close drops pooled connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
	log.Info("closed connection to EasyView")
}

func (c *Client) session() (string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cgmUser, c.deviceType
}

// get logs in when needed and replays the request once after a fresh login when the
// session was rejected.
func (c *Client) get(ctx context.Context, endpoint string, params url.Values, out any) error {
	return c.retry.Do(ctx, endpoint, func(ctx context.Context) error {
		c.mu.Lock()
		loggedIn := c.loggedIn
		c.mu.Unlock()
		if !loggedIn {
			if err := c.login(ctx); err != nil {
				return err
			}
		}

		err := c.do(ctx, http.MethodGet, endpoint, params, nil, out)
		if !rejected(err) {
			return err
		}
		log.Info("session rejected, logging in again", "endpoint", endpoint)
		if err := c.login(ctx); err != nil {
			return err
		}
		if err := c.do(ctx, http.MethodGet, endpoint, params, nil, out); err != nil {
			if rejected(err) {
				return fmt.Errorf("%w: %v", ErrUnauthorized, err)
			}
			return err
		}
		return nil
	})
}

func (c *Client) do(ctx context.Context, method, endpoint string, params, form url.Values, out any) error {
	u := c.cfg.BaseURL + "/" + endpoint
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	var req *http.Request
	var err error
	if form != nil {
		req, err = http.NewRequestWithContext(ctx, method, u, strings.NewReader(form.Encode()))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	} else {
		req, err = http.NewRequestWithContext(ctx, method, u, nil)
	}
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range appHeaders {
		req.Header.Set(k, v)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := transport.CheckResponse(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", endpoint, err)
	}
	return nil
}

func rejected(err error) bool {
	var se *transport.StatusError
	return errors.As(err, &se) && (se.Code == http.StatusUnauthorized || se.Code == http.StatusForbidden)
}
