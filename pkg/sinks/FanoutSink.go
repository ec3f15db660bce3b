package sinks

import (
	"context"
	"errors"

	"github.com/wostzone/ssapbridge-go/api"
)

// SinkFunc adapts a function to an observation sink
type SinkFunc func(ctx context.Context, obs api.Observation) error

// Deliver calls the function
func (f SinkFunc) Deliver(ctx context.Context, obs api.Observation) error {
	return f(ctx, obs)
}

// FanoutSink delivers each observation to all of its sinks.
// Delivery fails if any of the sinks fails; the others still receive the observation.
type FanoutSink struct {
	sinks []api.IObservationSink
}

// Deliver to all sinks and join their errors
func (fan *FanoutSink) Deliver(ctx context.Context, obs api.Observation) error {
	var errs []error
	for _, sink := range fan.sinks {
		if err := sink.Deliver(ctx, obs); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of sinks
func (fan *FanoutSink) Len() int {
	return len(fan.sinks)
}

// NewFanoutSink creates a sink delivering to all given sinks. nil sinks are skipped.
func NewFanoutSink(sinks ...api.IObservationSink) *FanoutSink {
	fan := &FanoutSink{}
	for _, sink := range sinks {
		if sink != nil {
			fan.sinks = append(fan.sinks, sink)
		}
	}
	return fan
}
