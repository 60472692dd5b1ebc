// Package reading defines the canonical CGM reading and the parsers that build it
// from the two EasyView wire shapes (live status object and history download tuple).
package reading

import (
	"fmt"
	"time"
)

// GlucoseFactor converts the vendor's mmol/L into the mg/dL used by the sink.
const GlucoseFactor = 18

// Key identifies a reading. Keys order by sensor first, then sequence, so a sensor
// change (new sensor id, sequence restarting) still sorts after the old sensor.
type Key struct {
	SensorID int64 `json:"sensor_id"`
	Sequence int64 `json:"sequence"`
}

// Less reports whether k sorts before o.
func (k Key) Less(o Key) bool {
	if k.SensorID != o.SensorID {
		return k.SensorID < o.SensorID
	}
	return k.Sequence < o.Sequence
}

// Next returns the key the vendor assigns to the following reading of the same sensor.
func (k Key) Next() Key {
	return Key{SensorID: k.SensorID, Sequence: k.Sequence + 1}
}

func (k Key) String() string {
	return fmt.Sprintf("%d-%d", k.SensorID, k.Sequence)
}

// SensorState is the vendor's sensor status code.
type SensorState int

const (
	StateUnknown     SensorState = 0
	WarmingUp        SensorState = 2
	Normal           SensorState = 3
	NeedsCalibration SensorState = 10
)

func (s SensorState) String() string {
	switch s {
	case WarmingUp:
		return "warming_up"
	case Normal:
		return "normal"
	case NeedsCalibration:
		return "needs_calibration"
	default:
		return "unknown"
	}
}

func stateFromCode(code int) SensorState {
	switch SensorState(code) {
	case WarmingUp, Normal, NeedsCalibration:
		return SensorState(code)
	default:
		return StateUnknown
	}
}

// Reading is one glucose value as it is emitted to the sink. Readings are values;
// nothing mutates one after parsing.
type Reading struct {
	SensorID   int64       `json:"sensor_id"`
	Serial     int64       `json:"serial"`
	Sequence   int64       `json:"sequence"`
	Timestamp  time.Time   `json:"timestamp"` // UTC, whole seconds
	Glucose    float64     `json:"glucose"`   // mg/dL
	Trend      int         `json:"trend"`     // raw vendor trend code
	Direction  Direction   `json:"direction"`
	DeviceType string      `json:"device_type"`
	State      SensorState `json:"state"`
}

// Key returns the ordering key of the reading.
func (r Reading) Key() Key {
	return Key{SensorID: r.SensorID, Sequence: r.Sequence}
}
