package reading

// Direction is the trend arrow shown next to a reading.
type Direction int

const (
	Unknown Direction = iota
	Flat
	FortyFiveUp
	SingleUp
	DoubleUp
	FortyFiveDown
	SingleDown
	DoubleDown
)

// trendDirections maps EasyView glucoseRate codes. The app renders both 0 and 8 as flat.
var trendDirections = map[int]Direction{
	0: Flat,
	1: FortyFiveUp,
	2: SingleUp,
	3: DoubleUp,
	4: FortyFiveDown,
	5: SingleDown,
	6: DoubleDown,
	8: Flat,
}

// DirectionFromTrend looks up a vendor trend code. ok is false for codes outside the
// table, in which case Unknown is returned.
func DirectionFromTrend(code int) (d Direction, ok bool) {
	d, ok = trendDirections[code]
	if !ok {
		return Unknown, false
	}
	return d, true
}

// String returns the Nightscout direction name. Unknown renders as "NONE".
func (d Direction) String() string {
	switch d {
	case Flat:
		return "Flat"
	case FortyFiveUp:
		return "FortyFiveUp"
	case SingleUp:
		return "SingleUp"
	case DoubleUp:
		return "DoubleUp"
	case FortyFiveDown:
		return "FortyFiveDown"
	case SingleDown:
		return "SingleDown"
	case DoubleDown:
		return "DoubleDown"
	default:
		return "NONE"
	}
}

// MarshalText keeps directions readable in JSON output.
func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}
