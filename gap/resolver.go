// Package gap decides whether readings were skipped between two polls and recovers
// them from the EasyView history endpoint.
package gap

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/iidesho/bragi/sbragi"

	"github.com/st-keller/cgm-mirror/metrics"
	"github.com/st-keller/cgm-mirror/reading"
)

var log = sbragi.WithLocalScope(sbragi.LevelInfo)

// DefaultWindowBuffer trims both ends of the history query so the edge readings,
// which are already known, are not returned again.
const DefaultWindowBuffer = 30 * time.Second

// HistoryFetcher returns the raw history records between start and end. The order of
// the returned records is not significant.
type HistoryFetcher func(ctx context.Context, start, end time.Time) ([]reading.Raw, error)

// Result is the outcome of one resolution.
type Result struct {
	// Readings to emit, ascending by key. The observed reading is always last.
	Readings []reading.Reading
	// Missing lists sequences of the observed sensor that neither the status nor the
	// history contained.
	Missing []int64
}

// Empty reports whether there is nothing new to emit.
func (r Result) Empty() bool {
	return len(r.Readings) == 0
}

// Resolver fills the space between the last emitted reading and a new observation.
type Resolver struct {
	Parser  reading.Parser
	Metrics *metrics.Metrics

	// WindowBuffer trims the history query; DefaultWindowBuffer when zero.
	WindowBuffer time.Duration
	// ColdBackfill also queries history when no reading has been emitted yet but a
	// resume time is known, recovering readings of the observed sensor newer than the
	// resume time. Holes after the oldest recovered reading are reported as missing.
	ColdBackfill bool
}

// Resolve returns the readings to emit after prevKey/prevTS given the newly observed
// reading. prevKey is nil before the first emission; prevTS is nil only when nothing
// is known at all. A history fetch error is returned as is.
func (r *Resolver) Resolve(ctx context.Context, prevKey *reading.Key, prevTS *time.Time, observed reading.Reading, fetch HistoryFetcher) (Result, error) {
	// Equal timestamps count as already processed.
	if prevTS != nil && !observed.Timestamp.After(*prevTS) {
		log.Debug("no new data", "sensor", observed.SensorID, "sequence", observed.Sequence)
		return Result{}, nil
	}

	if prevKey == nil || prevTS == nil {
		if !r.ColdBackfill || prevTS == nil {
			return Result{Readings: []reading.Reading{observed}}, nil
		}
		// The resume reading itself is already at the sink.
		since := prevTS.Add(time.Second)
		found, err := r.history(ctx, fetch, *prevTS, observed.Timestamp, since, observed, func(k reading.Key) bool {
			return k.SensorID == observed.SensorID && k.Less(observed.Key())
		})
		if err != nil {
			return Result{}, err
		}
		res := Result{Readings: append(found, observed)}
		if len(found) > 0 {
			res.Missing = missing(found[0].Sequence, observed.Sequence, found)
		}
		r.report(observed, res.Missing)
		return res, nil
	}

	prev := *prevKey
	if !prev.Less(observed.Key()) {
		log.Debug("status is not newer than cursor", "cursor", prev.String(), "observed", observed.Key().String())
		return Result{}, nil
	}
	if observed.Key() == prev.Next() {
		return Result{Readings: []reading.Reading{observed}}, nil
	}

	start, end := r.window(*prevTS, observed.Timestamp)
	log.Info("sequence gap detected, querying history",
		"cursor", prev.String(), "observed", observed.Key().String(),
		"start", start.Format(time.RFC3339), "end", end.Format(time.RFC3339))
	found, err := r.history(ctx, fetch, start, end, *prevTS, observed, func(k reading.Key) bool {
		return prev.Less(k) && k.Less(observed.Key())
	})
	if err != nil {
		return Result{}, err
	}

	res := Result{Readings: append(found, observed)}
	if prev.SensorID == observed.SensorID {
		res.Missing = missing(prev.Sequence, observed.Sequence, found)
	}
	r.report(observed, res.Missing)
	return res, nil
}

// report logs and counts sequences that neither status nor history contained.
func (r *Resolver) report(observed reading.Reading, lost []int64) {
	if len(lost) == 0 {
		return
	}
	log.Warning("unrecoverable gap, readings missing from history",
		"sensor", observed.SensorID, "count", len(lost),
		"first", lost[0], "last", lost[len(lost)-1])
	r.Metrics.Unrecoverable(len(lost))
	r.Metrics.Event(metrics.LevelWarn, "unrecoverable gap", map[string]any{
		"sensor": observed.SensorID,
		"first":  lost[0],
		"last":   lost[len(lost)-1],
		"count":  len(lost),
	})
}

// history fetches, parses and filters records. Kept readings are sorted by key,
// unique, and have timestamps in [since, observed] that never go backwards.
func (r *Resolver) history(ctx context.Context, fetch HistoryFetcher, start, end, since time.Time, observed reading.Reading, keep func(reading.Key) bool) ([]reading.Reading, error) {
	if fetch == nil {
		return nil, fmt.Errorf("no history fetcher configured")
	}
	raws, err := fetch(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("fetching history: %w", err)
	}

	byKey := make(map[reading.Key]reading.Reading, len(raws))
	for _, raw := range raws {
		rd, err := r.Parser.Parse(raw)
		if err != nil {
			log.WithError(err).Warning("skipping history record")
			r.Metrics.DroppedRecord()
			continue
		}
		if !keep(rd.Key()) {
			continue
		}
		if rd.Timestamp.Before(since) || rd.Timestamp.After(observed.Timestamp) {
			log.Warning("history record outside of window", "key", rd.Key().String(), "timestamp", rd.Timestamp.Format(time.RFC3339))
			continue
		}
		byKey[rd.Key()] = rd
	}

	out := make([]reading.Reading, 0, len(byKey))
	for _, rd := range byKey {
		out = append(out, rd)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key().Less(out[j].Key()) })

	ordered := out[:0]
	for _, rd := range out {
		if len(ordered) > 0 && rd.Timestamp.Before(ordered[len(ordered)-1].Timestamp) {
			log.Warning("history record out of time order", "key", rd.Key().String())
			continue
		}
		ordered = append(ordered, rd)
	}
	return ordered, nil
}

func (r *Resolver) window(prev, next time.Time) (time.Time, time.Time) {
	buf := r.WindowBuffer
	if buf <= 0 {
		buf = DefaultWindowBuffer
	}
	start, end := prev.Add(buf), next.Add(-buf)
	if !start.Before(end) {
		return prev, next
	}
	return start, end
}

// missing lists the sequences strictly between prev and next not present in found.
func missing(prev, next int64, found []reading.Reading) []int64 {
	have := make(map[int64]struct{}, len(found))
	for _, rd := range found {
		have[rd.Sequence] = struct{}{}
	}
	var out []int64
	for seq := prev + 1; seq < next; seq++ {
		if _, ok := have[seq]; !ok {
			out = append(out, seq)
		}
	}
	return out
}
