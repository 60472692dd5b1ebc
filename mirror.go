// Package mirror copies CGM readings from a Medtrum EasyView follower account into a
// Nightscout site, in order and without holes.
//
// The Engine polls the vendor for the current sensor status, detects skipped sequence
// numbers, recovers them from the history endpoint and hands every reading, oldest
// first, to an Emitter:
//   1. Status poll - one reading, the anchor for gap detection
//   2. Gap resolution - backfill from history, unrecoverable readings are logged
//   3. Emission - cursor advances after every accepted reading
//   4. Pacing - next poll one sampling period after the last reading, 30s floor
//
// Transient network faults never reach the engine: the transport retries them.
package mirror

import (
	"context"
	"errors"

	"github.com/st-keller/cgm-mirror/reading"
)

// ErrConfiguration marks faults that retrying cannot fix. Run stops on them.
var ErrConfiguration = errors.New("configuration fault")

// Emitter delivers one reading downstream. A returned error stops the current batch;
// the reading is offered again on a later iteration.
type Emitter func(ctx context.Context, r reading.Reading) error

// SkipWarmingUp drops readings taken while the sensor warms up. The cursor still
// moves past them.
func SkipWarmingUp(next Emitter) Emitter {
	return func(ctx context.Context, r reading.Reading) error {
		if r.State == reading.WarmingUp {
			log.Debug("skipping warm-up reading", "sensor", r.SensorID, "sequence", r.Sequence)
			return nil
		}
		return next(ctx, r)
	}
}
