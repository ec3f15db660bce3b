package poller

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/wostzone/ssapbridge-go/pkg/querybuilder"
)

// Measurement record fields used for deduplication
const (
	FieldActivityTime = "fechaActividad"
	FieldPatientID    = "idPaciente"
	FieldDeviceID     = "idDispositivo"
)

var timestampLayouts = []string{
	querybuilder.MeasurementTimeLayout,
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// DeliveryCursor is the (timestamp, deviceId) of the last delivered record
type DeliveryCursor struct {
	Timestamp string
	DeviceID  string
}

// IsZero returns true if nothing was delivered yet
func (c DeliveryCursor) IsZero() bool {
	return c.Timestamp == "" && c.DeviceID == ""
}

// Advances returns true if c is strictly after prev, comparing the timestamp first and
// the device ID second
func (c DeliveryCursor) Advances(prev DeliveryCursor) bool {
	if prev.IsZero() {
		return !c.IsZero()
	}
	cmp := compareTimestamps(c.Timestamp, prev.Timestamp)
	if cmp != 0 {
		return cmp > 0
	}
	return c.DeviceID > prev.DeviceID
}

// compareTimestamps compares two record timestamps as time when both parse with the same
// layout, or as text otherwise
func compareTimestamps(a string, b string) int {
	for _, layout := range timestampLayouts {
		ta, errA := time.Parse(layout, a)
		tb, errB := time.Parse(layout, b)
		if errA == nil && errB == nil {
			return ta.Compare(tb)
		}
	}
	return strings.Compare(a, b)
}

// CursorOf returns the cursor of a measurement record
func CursorOf(record json.RawMessage) (DeliveryCursor, error) {
	var fields map[string]interface{}
	if err := json.Unmarshal(record, &fields); err != nil {
		return DeliveryCursor{}, err
	}
	cursor := DeliveryCursor{
		Timestamp: stringField(fields, FieldActivityTime),
		DeviceID:  stringField(fields, FieldPatientID),
	}
	if cursor.DeviceID == "" {
		cursor.DeviceID = stringField(fields, FieldDeviceID)
	}
	return cursor, nil
}

func stringField(fields map[string]interface{}, name string) string {
	switch v := fields[name].(type) {
	case string:
		return v
	case float64:
		b, _ := json.Marshal(v)
		return string(b)
	}
	return ""
}
