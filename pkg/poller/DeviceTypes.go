// Package poller with the polling delivery worker for platforms that cannot push observations
package poller

import "strings"

// Device types with the metrics they measure
const (
	DeviceScale                = "scale"
	DeviceBloodPressureMonitor = "bloodPressureMonitor"
	DeviceCoagulometer         = "coagulometer"
)

// Measurement metrics
const (
	MetricWeight    = "PESO"
	MetricSystolic  = "TAS"
	MetricDiastolic = "TAD"
	MetricPulse     = "PPM"
	MetricINR       = "INR"
)

var deviceMetrics = map[string][]string{
	strings.ToLower(DeviceScale):                {MetricWeight},
	strings.ToLower(DeviceBloodPressureMonitor): {MetricSystolic, MetricDiastolic, MetricPulse},
	strings.ToLower(DeviceCoagulometer):         {MetricINR},
}

// MetricsFor returns the metrics measured by a device type, or nil if the type is unknown
func MetricsFor(deviceType string) []string {
	metrics := deviceMetrics[strings.ToLower(deviceType)]
	if metrics == nil {
		return nil
	}
	return append([]string(nil), metrics...)
}
