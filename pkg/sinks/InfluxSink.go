package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sirupsen/logrus"
	"github.com/wostzone/ssapbridge-go/api"
)

// ObservationMeasurement is the influx measurement observations are written to
const ObservationMeasurement = "observation"

// PointWriter writes points, eg the influx blocking write api
type PointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// InfluxSink keeps the history of observations in InfluxDB.
// Each observation is a point tagged with its correlation key and ontology. The
// document is kept in the 'data' field and numeric values of the record become fields.
type InfluxSink struct {
	writer PointWriter
	client influxdb2.Client
}

// ObservationPoint converts an observation into a point
func ObservationPoint(obs api.Observation) *write.Point {
	tags := map[string]string{"correlationKey": obs.CorrelationKey}
	if obs.SubscriptionID != "" {
		tags["subscriptionId"] = obs.SubscriptionID
	}
	fields := map[string]interface{}{"data": obs.Data}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal([]byte(obs.Data), &doc); err == nil {
		for key, value := range doc {
			if key == "contextData" || key == "_id" {
				continue
			}
			var record map[string]interface{}
			if json.Unmarshal(value, &record) != nil {
				continue
			}
			tags["ontology"] = key
			for name, v := range record {
				if number, isNumber := v.(float64); isNumber {
					fields[name] = number
				}
			}
			break
		}
	}
	timestamp := obs.Received
	if timestamp.IsZero() {
		timestamp = time.Now()
	}
	return write.NewPoint(ObservationMeasurement, tags, fields, timestamp)
}

// Deliver writes the observation point
func (sink *InfluxSink) Deliver(ctx context.Context, obs api.Observation) error {
	err := sink.writer.WritePoint(ctx, ObservationPoint(obs))
	if err != nil {
		logrus.Warningf("InfluxSink.Deliver: write for '%s' failed: %s", obs.CorrelationKey, err)
		return fmt.Errorf("write observation '%s': %w", obs.CorrelationKey, err)
	}
	return nil
}

// Close the influx client
func (sink *InfluxSink) Close() {
	if sink.client != nil {
		sink.client.Close()
	}
}

// NewInfluxSink creates a sink writing to an InfluxDB v2 bucket
func NewInfluxSink(url string, token string, org string, bucket string) *InfluxSink {
	client := influxdb2.NewClient(url, token)
	return &InfluxSink{
		writer: client.WriteAPIBlocking(org, bucket),
		client: client,
	}
}

// NewInfluxSinkWithWriter creates a sink writing to the given writer
func NewInfluxSinkWithWriter(writer PointWriter) *InfluxSink {
	return &InfluxSink{writer: writer}
}
