// Package nightscout submits readings to a Nightscout site and reads back the newest
// stored entry as the resume point.
package nightscout

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/iidesho/bragi/sbragi"
	jsoniter "github.com/json-iterator/go"

	"github.com/st-keller/cgm-mirror/reading"
	"github.com/st-keller/cgm-mirror/transport"
)

var (
	log  = sbragi.WithLocalScope(sbragi.LevelInfo)
	json = jsoniter.ConfigCompatibleWithStandardLibrary
)

const entriesPath = "/api/v1/entries.json"

// Entry is a Nightscout sgv entry.
type Entry struct {
	Type       string `json:"type"`
	Date       int64  `json:"date"` // unix milliseconds
	DateString string `json:"dateString"`
	SGV        int64  `json:"sgv"` // mg/dL
	Direction  string `json:"direction"`
	Device     string `json:"device"`
}

// NewEntry converts a reading.
func NewEntry(r reading.Reading) Entry {
	ts := r.Timestamp.UTC()
	return Entry{
		Type:       "sgv",
		Date:       ts.UnixMilli(),
		DateString: ts.Format(time.RFC3339),
		SGV:        int64(math.RoundToEven(r.Glucose)),
		Direction:  r.Direction.String(),
		Device:     r.DeviceType,
	}
}

// Time returns the entry's date.
func (e Entry) Time() time.Time {
	return time.UnixMilli(e.Date).UTC()
}

// Client is a Nightscout API v1 client.
type Client struct {
	url    string
	secret string // hex SHA-1 of the API secret
	http   *http.Client
	retry  transport.Retrier
}

// New creates a client for the site at baseURL.
func New(baseURL, apiSecret string, httpClient *http.Client, retry transport.Retrier) *Client {
	sum := sha1.Sum([]byte(apiSecret))
	return &Client{
		url:    strings.TrimRight(baseURL, "/"),
		secret: hex.EncodeToString(sum[:]),
		http:   httpClient,
		retry:  retry,
	}
}

// LastTimestamp returns the date of the newest entry, or nil when the site has none.
func (c *Client) LastTimestamp(ctx context.Context) (*time.Time, error) {
	var entries []Entry
	err := c.retry.Do(ctx, "nightscout-last", func(ctx context.Context) error {
		entries = nil
		return c.do(ctx, http.MethodGet, entriesPath+"?count=1", nil, &entries)
	})
	if err != nil {
		return nil, fmt.Errorf("reading last entry: %w", err)
	}
	if len(entries) == 0 {
		log.Info("nightscout has no entries yet")
		return nil, nil
	}
	ts := entries[0].Time()
	log.Info("resuming after last nightscout entry", "timestamp", ts.Format(time.RFC3339))
	return &ts, nil
}

// Submit posts one reading. Transient faults are retried until ctx is done.
func (c *Client) Submit(ctx context.Context, r reading.Reading) error {
	body, err := json.Marshal([]Entry{NewEntry(r)})
	if err != nil {
		return fmt.Errorf("encoding entry: %w", err)
	}
	err = c.retry.Do(ctx, "nightscout-submit", func(ctx context.Context) error {
		return c.do(ctx, http.MethodPost, entriesPath, body, nil)
	})
	if err != nil {
		return fmt.Errorf("submitting %s: %w", r.Key(), err)
	}
	log.Info("submitted sensor value to nightscout", "sensor", r.SensorID, "sequence", r.Sequence)
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var req *http.Request
	var err error
	if body != nil {
		req, err = http.NewRequestWithContext(ctx, method, c.url+path, bytes.NewReader(body))
	} else {
		req, err = http.NewRequestWithContext(ctx, method, c.url+path, nil)
	}
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("api-secret", c.secret)

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
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
