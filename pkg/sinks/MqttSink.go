package sinks

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/wostzone/ssapbridge-go/api"
)

// ObservationTopic is the topic suffix observations are published on: {prefix}/{key}/observation
const ObservationTopic = "observation"

// Publisher publishes a message on a topic, eg the mqttclient
type Publisher interface {
	Publish(ctx context.Context, topic string, message []byte) error
}

// MqttSink publishes observations as JSON on the message bus
type MqttSink struct {
	publisher   Publisher
	topicPrefix string
}

// topicSafe replaces the characters that mqtt doesn't allow in a topic level
var topicSafe = strings.NewReplacer("/", "_", "+", "_", "#", "_")

// Topic of the observations of a correlation key
func (sink *MqttSink) Topic(correlationKey string) string {
	return strings.TrimSuffix(sink.topicPrefix, "/") + "/" + topicSafe.Replace(correlationKey) + "/" + ObservationTopic
}

// Deliver publishes the observation
func (sink *MqttSink) Deliver(ctx context.Context, obs api.Observation) error {
	message, err := json.Marshal(obs)
	if err != nil {
		return err
	}
	return sink.publisher.Publish(ctx, sink.Topic(obs.CorrelationKey), message)
}

// NewMqttSink creates a sink publishing to {topicPrefix}/{correlationKey}/observation
func NewMqttSink(publisher Publisher, topicPrefix string) *MqttSink {
	return &MqttSink{publisher: publisher, topicPrefix: topicPrefix}
}
