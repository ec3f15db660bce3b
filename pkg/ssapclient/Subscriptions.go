package ssapclient

import (
	"context"
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/wostzone/ssapbridge-go/api"
	"github.com/wostzone/ssapbridge-go/pkg/poller"
	"github.com/wostzone/ssapbridge-go/pkg/querybuilder"
	"github.com/wostzone/ssapbridge-go/pkg/sinks"
	"github.com/wostzone/ssapbridge-go/pkg/subscriptions"
)

var _ api.IPlatformClient = (*SsapClient)(nil)

// Subscribe the correlation key to the refs.
// In push mode the platform delivers indications to the callback target, or to the
// endpoint of the bridge when one is set. In poll mode a polling worker delivers the
// observations addressed to the callback target.
// An existing subscription with the same key is replaced.
func (cl *SsapClient) Subscribe(ctx context.Context, correlationKey string, refs []api.DeviceRef, callbackTarget string) (api.SubscriptionHandle, error) {
	if _, err := cl.session.SessionKey(); err != nil {
		return api.SubscriptionHandle{CorrelationKey: correlationKey}, err
	}
	return cl.registry.Subscribe(ctx, correlationKey, refs, callbackTarget)
}

// Unsubscribe removes the subscriptions of the correlation key. Unknown keys are ignored.
func (cl *SsapClient) Unsubscribe(ctx context.Context, correlationKey string) error {
	return cl.registry.Unsubscribe(ctx, correlationKey)
}

// RestoreSubscriptions re-creates the persisted subscriptions, eg after a restart.
// Returns the number of restored subscriptions.
func (cl *SsapClient) RestoreSubscriptions(ctx context.Context) (int, error) {
	if _, err := cl.session.SessionKey(); err != nil {
		return 0, err
	}
	return cl.registry.Restore(ctx)
}

// PushSink returns a sink that completes pushed observations with the callback target and
// subscription of their correlation key before passing them on to next.
func (cl *SsapClient) PushSink(next api.IObservationSink) api.IObservationSink {
	return sinks.SinkFunc(func(ctx context.Context, obs api.Observation) error {
		if record, found := cl.registry.Record(obs.CorrelationKey); found && obs.CallbackTarget == "" {
			obs.CallbackTarget = record.CallbackTarget
		}
		if handle, found := cl.registry.Get(obs.CorrelationKey); found && obs.SubscriptionID == "" && len(handle.SubscriptionIDs) > 0 {
			obs.SubscriptionID = handle.SubscriptionIDs[0]
		}
		return next.Deliver(ctx, obs)
	})
}

// newWorker creates and starts the polling worker of a subscription
func (cl *SsapClient) newWorker(correlationKey string, subscriptionID string,
	refs []api.DeviceRef, callbackTarget string) (subscriptions.Worker, error) {

	if _, err := cl.session.SessionKey(); err != nil {
		return nil, err
	}
	ontology := cl.cfg.Polling.Ontology
	if ontology == "" {
		ontology = poller.DefaultOntology
	}
	source := poller.NewHTTPMeasurementSource(cl.transport, cl.cfg.MeasurementsURL, ontology, cl.cfg.Hub, cl.session.SessionKey)
	worker, err := poller.NewPollingWorker(correlationKey, subscriptionID, refs, callbackTarget, cl.cfg.Polling, source, cl.sink)
	if err != nil {
		return nil, err
	}
	worker.Start()
	return worker, nil
}

// platformAdapter issues the platform subscriptions of the registry
type platformAdapter struct {
	cl *SsapClient
}

// subscriptionQuery renders the query of a subscription to the ref
func (pa *platformAdapter) subscriptionQuery(ref api.DeviceRef) (string, querybuilder.Dialect) {
	if ref.IsOntologyOnly() {
		return querybuilder.ListQuery(ref.Ontology, 0), querybuilder.Native
	}
	return querybuilder.BuildQuery(querybuilder.QuerySpec{
		Ontology:       ref.Ontology,
		Field:          ref.Field,
		Value:          ref.Value,
		IdentifierKind: pa.cl.cfg.IdentifierKind,
		MostRecentOnly: true,
		Dialect:        pa.cl.cfg.SubscriptionDialect,
	})
}

// SubscribePlatform subscribes to the ref and returns the subscription ID the platform issued
func (pa *platformAdapter) SubscribePlatform(ctx context.Context, correlationKey string, ref api.DeviceRef, callbackTarget string) (string, error) {
	cl := pa.cl
	sessionKey, err := cl.session.SessionKey()
	if err != nil {
		return "", err
	}
	endpoint := callbackTarget
	if cl.endpoint != nil {
		endpoint, err = cl.endpoint(correlationKey)
		if err != nil {
			return "", fmt.Errorf("no callback endpoint for '%s': %w", correlationKey, err)
		}
	}
	query, dialect := pa.subscriptionQuery(ref)
	params := querybuilder.Params(
		api.ParamSessionKey, sessionKey,
		api.ParamRefresh, strconv.FormatInt(cl.cfg.SubscriptionRefresh.Milliseconds(), 10),
		api.ParamOntology, ref.Ontology,
		api.ParamQuery, query,
		api.ParamQueryType, string(dialect),
		api.ParamEndpoint, endpoint)
	logrus.Debugf("platformAdapter.SubscribePlatform: '%s' to %s: %s", correlationKey, ref, query)
	body, err := cl.transport.InvokeGet(ctx, cl.cfg.BaseURL+api.SSAPSubscribePath+params)
	if err != nil {
		return "", err
	}
	subscriptionID, err := responseData(body)
	if err != nil || api.IsEmptyResult(subscriptionID) {
		return "", err
	}
	return subscriptionID, nil
}

// UnsubscribePlatform cancels a platform subscription
func (pa *platformAdapter) UnsubscribePlatform(ctx context.Context, subscriptionID string) error {
	cl := pa.cl
	sessionKey, err := cl.session.CurrentKey()
	if err != nil {
		return err
	}
	params := querybuilder.Params(
		api.ParamSessionKey, sessionKey,
		api.ParamSubscriptionID, subscriptionID)
	_, err = cl.transport.InvokeGet(ctx, cl.cfg.BaseURL+api.SSAPUnsubscribePath+params)
	return err
}
