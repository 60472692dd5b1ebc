package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/iidesho/bragi/sbragi"

	"github.com/st-keller/cgm-mirror/metrics"
)

var log = sbragi.WithLocalScope(sbragi.LevelInfo)

// DefaultRetryDelay is the fixed wait between attempts.
const DefaultRetryDelay = 10 * time.Second

// ErrStatus matches every *StatusError.
var ErrStatus = errors.New("unexpected http status")

// StatusError is a non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Body)
}

// Is makes errors.Is(err, ErrStatus) true for any StatusError.
func (e *StatusError) Is(target error) bool {
	return target == ErrStatus
}

// Retrier retries an operation for as long as it fails with a transient fault.
// Other errors are returned at once. A zero Delay retries without waiting.
type Retrier struct {
	Delay   time.Duration
	Metrics *metrics.Metrics
}

// NewRetrier returns a Retrier with the default delay.
func NewRetrier(m *metrics.Metrics) Retrier {
	return Retrier{Delay: DefaultRetryDelay, Metrics: m}
}

// Do runs op until it succeeds, fails permanently or ctx is done. endpoint labels
// logs and metrics.
func (r Retrier) Do(ctx context.Context, endpoint string, op func(ctx context.Context) error) error {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := time.Now()
		err := op(ctx)
		r.Metrics.ObserveCall(endpoint, time.Since(start), err)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !IsTransient(err) {
			return err
		}
		r.Metrics.Retry(endpoint)
		log.Info("network fault, retrying", "endpoint", endpoint, "attempt", attempt, "retry_in", r.Delay.String(), "error", err.Error())
		if err := r.wait(ctx); err != nil {
			return err
		}
	}
}

func (r Retrier) wait(ctx context.Context) error {
	if r.Delay <= 0 {
		return nil
	}
	timer := time.NewTimer(r.Delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// IsTransient reports whether err is a timeout, a connection failure or a server
// side error worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= http.StatusInternalServerError || se.Code == http.StatusTooManyRequests
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}
