package reading

// Raw is a reading as received from EasyView, before parsing. It is either a
// StatusRecord or a HistoryRecord.
type Raw interface {
	rawRecord()
}

// StatusRecord is monitorlist[].sensor_status of the logindata response.
// Pointer fields distinguish missing values from zero values.
type StatusRecord struct {
	AppName        *string  `json:"appName"`
	BatteryPercent *float64 `json:"batteryPercent"`
	Current        *float64 `json:"current"`
	DeviceType     *string  `json:"deviceType"`
	Glucose        *float64 `json:"glucose"`
	GlucoseRate    *float64 `json:"glucoseRate"`
	SensorID       *int64   `json:"sensorId"`
	Sequence       *int64   `json:"sequence"`
	Serial         *int64   `json:"serial"`
	Status         *int     `json:"status"`
	UpdateTime     *float64 `json:"updateTime"`
}

// HistoryRecord is one row of the download endpoint:
//
//	["uid-serial-sensorId-sequence", updateTime, _, glucose, statusCode, glucoseRate]
//
// The rows carry no device type, so the client fills it in from the live status.
type HistoryRecord struct {
	Fields     []any
	DeviceType string
}

func (StatusRecord) rawRecord()  {}
func (HistoryRecord) rawRecord() {}
