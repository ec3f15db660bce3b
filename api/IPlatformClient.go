package api

import (
	"context"
	"time"
)

// Observation is one record delivered by the platform for a subscription, either
// pushed to the callback endpoint or found by a polling worker.
type Observation struct {
	// CorrelationKey of the subscription the observation belongs to
	CorrelationKey string `json:"correlationKey"`
	// SubscriptionID issued by the platform or the polling worker
	SubscriptionID string `json:"subscriptionId,omitempty"`
	// CallbackTarget the observation is addressed to. Empty for pushed observations.
	CallbackTarget string `json:"-"`
	// Data is the platform's native observation document
	Data string `json:"data"`
	// Received is the time the bridge obtained the observation
	Received time.Time `json:"received"`
}

// IObservationSink receives the uniform outbound stream of observations
type IObservationSink interface {
	// Deliver one observation. Returns an error if the observation was not accepted.
	Deliver(ctx context.Context, obs Observation) error
}

// SubscriptionHandle is returned by Subscribe and identifies the registry entry
type SubscriptionHandle struct {
	CorrelationKey  string
	SubscriptionIDs []string
}

// IPlatformClient is the platform agnostic operation set offered to the dispatch layer.
// All operations except Join and Leave require an active session and fail with a
// SessionError otherwise.
type IPlatformClient interface {

	// Join the platform and start the periodic session refresh
	Join(ctx context.Context) error

	// Leave the platform. This tears down all subscriptions and the session, even when
	// the platform does not acknowledge the leave.
	Leave(ctx context.Context) error

	// Query the most recent record of ontology where field equals value.
	// Returns EmptyResult if nothing matched.
	Query(ctx context.Context, ontology string, field string, value string) (string, error)

	// List all records of an ontology. Returns EmptyResult if there are none.
	List(ctx context.Context, ontology string) (string, error)

	// Register inserts a record with the given identifier unless one already exists.
	// Returns true if a record was inserted.
	Register(ctx context.Context, ontology string, field string, id string) (bool, error)

	// Update a record of the ontology. data is the JSON record document.
	Update(ctx context.Context, ontology string, data string) error

	// Delete the record identified by field and id. Fails with NotFoundError if no
	// record matches.
	Delete(ctx context.Context, ontology string, field string, id string) error

	// Subscribe groups one subscription per ref under the correlation key.
	// An existing subscription with the same key is replaced.
	Subscribe(ctx context.Context, correlationKey string, refs []DeviceRef, callbackTarget string) (SubscriptionHandle, error)

	// Unsubscribe removes the subscriptions of the correlation key. Unknown keys are ignored.
	Unsubscribe(ctx context.Context, correlationKey string) error
}
