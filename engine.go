package mirror

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/iidesho/bragi/sbragi"

	"github.com/st-keller/cgm-mirror/gap"
	"github.com/st-keller/cgm-mirror/metrics"
	"github.com/st-keller/cgm-mirror/reading"
	"github.com/st-keller/cgm-mirror/schedule"
)

var log = sbragi.WithLocalScope(sbragi.LevelInfo)

// DefaultLookback is how far before the first observed reading the cursor starts when
// the sink has no resume point.
const DefaultLookback = 48 * time.Hour

// Vendor is the source of readings.
type Vendor interface {
	FetchStatus(ctx context.Context) (reading.StatusRecord, error)
	FetchHistory(ctx context.Context, start, end time.Time) ([]reading.Raw, error)
}

// State of the engine.
type State int

const (
	Cold State = iota
	Polling
	Stopped
)

func (s State) String() string {
	switch s {
	case Cold:
		return "cold"
	case Polling:
		return "polling"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText renders the state by name in status responses.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Cursor is the last emitted reading, or the sink's newest reading after a resume.
// Key is nil until either is known; Timestamp is nil only before the engine has seen
// anything at all.
type Cursor struct {
	Key       *reading.Key `json:"key,omitempty"`
	Timestamp *time.Time   `json:"timestamp,omitempty"`
}

func (c Cursor) clone() Cursor {
	out := Cursor{}
	if c.Key != nil {
		k := *c.Key
		out.Key = &k
	}
	if c.Timestamp != nil {
		ts := *c.Timestamp
		out.Timestamp = &ts
	}
	return out
}

// Engine mirrors one vendor account. It is driven by a single goroutine calling Run;
// Cursor and State may be read concurrently.
type Engine struct {
	vendor    Vendor
	parser    reading.Parser
	resolver  *gap.Resolver
	scheduler schedule.Scheduler
	metrics   *metrics.Metrics
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
	resume    *time.Time
	lookback  time.Duration

	mu     sync.Mutex
	state  State
	cursor Cursor
}

// Option configures an Engine.
type Option func(*Engine)

// WithScheduler replaces the default polling schedule.
func WithScheduler(s schedule.Scheduler) Option {
	return func(e *Engine) { e.scheduler = s }
}

// WithResolver replaces the default gap resolver.
func WithResolver(r *gap.Resolver) Option {
	return func(e *Engine) { e.resolver = r }
}

// WithMetrics records engine activity on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithSleep replaces the wait between polls.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) { e.sleep = sleep }
}

// WithResume starts the cursor at the newest timestamp already at the sink. A nil ts
// is ignored.
func WithResume(ts *time.Time) Option {
	return func(e *Engine) {
		if ts != nil {
			t := ts.UTC()
			e.resume = &t
		}
	}
}

// WithLookback sets the cold start window used when there is no resume point.
func WithLookback(d time.Duration) Option {
	return func(e *Engine) { e.lookback = d }
}

// NewEngine creates an engine in the Cold state.
func NewEngine(vendor Vendor, opts ...Option) *Engine {
	e := &Engine{
		vendor:    vendor,
		scheduler: schedule.Default(),
		now:       time.Now,
		sleep:     sleepContext,
		lookback:  DefaultLookback,
		state:     Cold,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.resolver == nil {
		e.resolver = &gap.Resolver{Metrics: e.metrics}
	}
	e.parser = e.resolver.Parser
	return e
}

// Cursor returns a copy of the current cursor.
func (e *Engine) Cursor() Cursor {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cursor.clone()
}

// State returns the current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Run polls until ctx is done or a configuration fault occurs. It returns ctx.Err()
// on cancellation and the fault otherwise.
func (e *Engine) Run(ctx context.Context, emit Emitter) error {
	log.Info("mirror engine started", "state", e.State().String())
	for {
		delay, err := e.Step(ctx, emit)
		if err != nil {
			e.setState(Stopped)
			if ctx.Err() != nil {
				log.Info("mirror engine stopped")
				return ctx.Err()
			}
			log.WithError(err).Error("mirror engine stopped")
			return err
		}
		log.Debug("waiting for next poll", "delay", delay.String())
		if err := e.sleep(ctx, delay); err != nil {
			e.setState(Stopped)
			log.Info("mirror engine stopped")
			return err
		}
	}
}

// Step runs one poll and returns the delay before the next one. Only a configuration
// fault or cancellation is returned as an error; everything else is logged and retried
// after the floor delay.
func (e *Engine) Step(ctx context.Context, emit Emitter) (time.Duration, error) {
	floor := e.scheduler.FloorDelay()

	status, err := e.vendor.FetchStatus(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if errors.Is(err, ErrConfiguration) {
			return 0, err
		}
		log.WithError(err).Warning("fetching status failed")
		e.metrics.Poll(metrics.PollError)
		e.metrics.Event(metrics.LevelError, "fetching status failed", map[string]any{"error": err.Error()})
		return floor, nil
	}

	observed, err := e.parser.ParseStatus(status)
	if err != nil {
		log.WithError(err).Warning("status could not be parsed")
		e.metrics.Poll(metrics.PollError)
		e.metrics.Event(metrics.LevelWarn, "status could not be parsed", map[string]any{"error": err.Error()})
		return floor, nil
	}

	cur := e.Cursor()
	if e.State() == Cold {
		ts := observed.Timestamp.Add(-e.lookback)
		if e.resume != nil {
			ts = *e.resume
		}
		cur.Timestamp = &ts
		if e.resume != nil && !observed.Timestamp.After(*e.resume) {
			// The sink already holds the observed reading; it anchors gap detection.
			k := observed.Key()
			cur.Key = &k
		}
		e.mu.Lock()
		e.cursor = cur.clone()
		e.state = Polling
		e.mu.Unlock()
		log.Info("cursor established", "since", ts.Format(time.RFC3339), "resumed", e.resume != nil)
	}

	res, err := e.resolver.Resolve(ctx, cur.Key, cur.Timestamp, observed, e.vendor.FetchHistory)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		log.WithError(err).Warning("resolving gap failed")
		e.metrics.Poll(metrics.PollError)
		e.metrics.Event(metrics.LevelError, "resolving gap failed", map[string]any{"error": err.Error()})
		return floor, nil
	}
	if res.Empty() {
		e.metrics.Poll(metrics.PollStale)
		return floor, nil
	}
	e.metrics.Poll(metrics.PollNew)

	for _, rd := range res.Readings {
		if err := emit(ctx, rd); err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			log.WithError(err).Warning("emitting reading failed", "key", rd.Key().String())
			e.metrics.Event(metrics.LevelError, "emitting reading failed", map[string]any{
				"key":   rd.Key().String(),
				"error": err.Error(),
			})
			return floor, nil
		}
		e.advance(rd)
		origin := metrics.OriginBackfill
		if rd.Key() == observed.Key() {
			origin = metrics.OriginLive
		}
		e.metrics.Emitted(origin, rd.Sequence, rd.Timestamp)
		log.Debug("reading emitted", "key", rd.Key().String(), "origin", origin, "glucose", rd.Glucose)
	}

	last := e.Cursor().Timestamp
	return e.scheduler.NextDelay(last, e.now()), nil
}

func (e *Engine) advance(rd reading.Reading) {
	k, ts := rd.Key(), rd.Timestamp
	e.mu.Lock()
	e.cursor = Cursor{Key: &k, Timestamp: &ts}
	e.mu.Unlock()
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
