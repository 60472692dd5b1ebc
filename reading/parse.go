package reading

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"time"

	"github.com/iidesho/bragi/sbragi"
)

var log = sbragi.WithLocalScope(sbragi.LevelInfo)

// ErrMalformedRecord is returned when a required field is missing or has the wrong
// shape.
var ErrMalformedRecord = errors.New("malformed record")

var recordKey = regexp.MustCompile(`^(?P<uid>\d+)-(?P<serial>\d+)-(?P<sensorId>\d+)-(?P<sequence>\d+)$`)

var historyStates = map[string]SensorState{
	"C":  Normal,
	"H":  WarmingUp,
	"XC": NeedsCalibration,
}

// Parser turns Raw records into Readings. The zero value logs warnings through the
// package logger.
type Parser struct {
	// OnWarning, when set, receives non-fatal findings instead of the logger.
	OnWarning func(msg string, kv ...any)
}

// Parse dispatches on the record variant.
func (p Parser) Parse(raw Raw) (Reading, error) {
	switch rec := raw.(type) {
	case StatusRecord:
		return p.ParseStatus(rec)
	case *StatusRecord:
		return p.ParseStatus(*rec)
	case HistoryRecord:
		return p.ParseHistoryRecord(rec)
	case *HistoryRecord:
		return p.ParseHistoryRecord(*rec)
	default:
		return Reading{}, fmt.Errorf("%w: unsupported record type %T", ErrMalformedRecord, raw)
	}
}

// ParseStatus parses the live status object.
func (p Parser) ParseStatus(rec StatusRecord) (Reading, error) {
	missing := func(field string) (Reading, error) {
		return Reading{}, fmt.Errorf("%w: status field %s missing", ErrMalformedRecord, field)
	}
	switch {
	case rec.DeviceType == nil:
		return missing("deviceType")
	case rec.Glucose == nil:
		return missing("glucose")
	case rec.GlucoseRate == nil:
		return missing("glucoseRate")
	case rec.SensorID == nil:
		return missing("sensorId")
	case rec.Sequence == nil:
		return missing("sequence")
	case rec.Serial == nil:
		return missing("serial")
	case rec.Status == nil:
		return missing("status")
	case rec.UpdateTime == nil:
		return missing("updateTime")
	}
	r := Reading{
		SensorID:   *rec.SensorID,
		Serial:     *rec.Serial,
		Sequence:   *rec.Sequence,
		Timestamp:  toInstant(*rec.UpdateTime),
		Glucose:    *rec.Glucose * GlucoseFactor,
		Trend:      int(math.Round(*rec.GlucoseRate)),
		DeviceType: *rec.DeviceType,
		State:      stateFromCode(*rec.Status),
	}
	r.Direction = p.direction(r)
	return r, nil
}

// ParseHistoryRecord parses one download row.
func (p Parser) ParseHistoryRecord(rec HistoryRecord) (Reading, error) {
	if len(rec.Fields) < 6 {
		return Reading{}, fmt.Errorf("%w: history row has %d fields, want 6", ErrMalformedRecord, len(rec.Fields))
	}
	key, ok := rec.Fields[0].(string)
	if !ok {
		return Reading{}, fmt.Errorf("%w: history key is %T", ErrMalformedRecord, rec.Fields[0])
	}
	m := recordKey.FindStringSubmatch(key)
	if m == nil {
		return Reading{}, fmt.Errorf("%w: history key %q", ErrMalformedRecord, key)
	}
	serial, err := strconv.ParseInt(m[recordKey.SubexpIndex("serial")], 10, 64)
	if err != nil {
		return Reading{}, fmt.Errorf("%w: serial: %v", ErrMalformedRecord, err)
	}
	sensorID, err := strconv.ParseInt(m[recordKey.SubexpIndex("sensorId")], 10, 64)
	if err != nil {
		return Reading{}, fmt.Errorf("%w: sensorId: %v", ErrMalformedRecord, err)
	}
	sequence, err := strconv.ParseInt(m[recordKey.SubexpIndex("sequence")], 10, 64)
	if err != nil {
		return Reading{}, fmt.Errorf("%w: sequence: %v", ErrMalformedRecord, err)
	}
	updateTime, ok := number(rec.Fields[1])
	if !ok {
		return Reading{}, fmt.Errorf("%w: history updateTime is %T", ErrMalformedRecord, rec.Fields[1])
	}
	glucose, ok := number(rec.Fields[3])
	if !ok {
		return Reading{}, fmt.Errorf("%w: history glucose is %T", ErrMalformedRecord, rec.Fields[3])
	}
	rate, ok := number(rec.Fields[5])
	if !ok {
		return Reading{}, fmt.Errorf("%w: history glucoseRate is %T", ErrMalformedRecord, rec.Fields[5])
	}
	code, _ := rec.Fields[4].(string)

	r := Reading{
		SensorID:   sensorID,
		Serial:     serial,
		Sequence:   sequence,
		Timestamp:  toInstant(updateTime),
		Glucose:    glucose * GlucoseFactor,
		Trend:      int(math.Round(rate)),
		DeviceType: rec.DeviceType,
		State:      historyStates[code],
	}
	r.Direction = p.direction(r)
	return r, nil
}

// ParseStatus parses with the default Parser.
func ParseStatus(rec StatusRecord) (Reading, error) {
	return Parser{}.ParseStatus(rec)
}

// ParseHistoryRecord parses with the default Parser.
func ParseHistoryRecord(rec HistoryRecord) (Reading, error) {
	return Parser{}.ParseHistoryRecord(rec)
}

func (p Parser) direction(r Reading) Direction {
	d, ok := DirectionFromTrend(r.Trend)
	if !ok {
		p.warn("unknown glucose rate", "trend", r.Trend, "sensor", r.SensorID, "sequence", r.Sequence)
	}
	return d
}

func (p Parser) warn(msg string, kv ...any) {
	if p.OnWarning != nil {
		p.OnWarning(msg, kv...)
		return
	}
	log.Warning(msg, kv...)
}

// toInstant rounds fractional unix seconds to the nearest second.
func toInstant(unix float64) time.Time {
	return time.Unix(int64(math.Round(unix)), 0).UTC()
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
