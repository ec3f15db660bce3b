// Package ssapclient with the platform client offered to the dispatch layer.
// The client composes the session manager, query builder, subscription registry and
// polling workers into the operation set of api.IPlatformClient.
package ssapclient

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/wostzone/ssapbridge-go/api"
	"github.com/wostzone/ssapbridge-go/pkg/session"
	"github.com/wostzone/ssapbridge-go/pkg/subscriptions"
)

// Transport to the platform, eg the tlsclient
type Transport interface {
	Invoke(ctx context.Context, method string, url string, msg interface{}) ([]byte, error)
	InvokeGet(ctx context.Context, url string) ([]byte, error)
	GetWithBasicAuth(ctx context.Context, url string, user string, password string) ([]byte, error)
}

// SsapClient is the SSAP platform client
type SsapClient struct {
	cfg       Config
	transport Transport
	session   *session.SessionManager
	registry  *subscriptions.Registry
	sink      api.IObservationSink
	// endpoint returns the URL the platform pushes indications of a correlation key to.
	// nil to have the platform push to the callback target directly.
	endpoint func(correlationKey string) (string, error)
}

// Join the platform and start the session refresh
// When a re-join of an active session fails the subscriptions of the old session are torn
// down. Their persisted records are kept so they can be restored after a successful join.
func (cl *SsapClient) Join(ctx context.Context) error {
	_, err := cl.session.Join(ctx)
	if err != nil && cl.registry.Len() > 0 {
		logrus.Warningf("SsapClient.Join: join failed, releasing %d subscriptions of the old session", cl.registry.Len())
		cl.registry.Clear(ctx)
	}
	return err
}

// Leave the platform.
// The session stops accepting subscriptions before the existing ones are torn down. Their
// persisted records are kept so they can be restored after the next join.
func (cl *SsapClient) Leave(ctx context.Context) error {
	return cl.session.LeaveWith(ctx, cl.registry.Clear)
}

// SessionState returns the state of the platform session
func (cl *SsapClient) SessionState() session.State {
	return cl.session.State()
}

// Registry returns the subscription registry
func (cl *SsapClient) Registry() *subscriptions.Registry {
	return cl.registry
}

// SetEndpoint sets the function that provides the URL the platform pushes indications to.
// Use this when the bridge receives the indications itself, eg with the callback server.
// Must be set before subscribing.
func (cl *SsapClient) SetEndpoint(endpoint func(correlationKey string) (string, error)) {
	cl.endpoint = endpoint
}

// responseData extracts the data of a SSAP response and normalizes every form of
// 'no data' to api.EmptyResult: no response, no data field, null, "", "[]" and "[ ]".
func responseData(body []byte) (string, error) {
	if len(body) == 0 {
		return api.EmptyResult, nil
	}
	var resp struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", &api.PayloadError{Op: "response", Reason: "invalid SSAP response: " + err.Error()}
	}
	data := string(resp.Data)
	var text string
	if json.Unmarshal(resp.Data, &text) == nil {
		data = text
	}
	if api.IsEmptyResult(data) {
		return api.EmptyResult, nil
	}
	return data, nil
}

// NewSsapClient creates a client of the platform.
// When the configuration has no token, the user and password are exchanged for the KP token.
//  ctx for the token exchange
//  cfg client configuration
//  transport to the platform
//  sink receives the observations of polling workers
//  store to persist subscriptions, nil to not persist
// Returns a ConfigurationError if the configuration is incomplete.
func NewSsapClient(ctx context.Context, cfg Config, transport Transport,
	sink api.IObservationSink, store subscriptions.Store) (*SsapClient, error) {

	if err := cfg.validate(); err != nil {
		logrus.Errorf("NewSsapClient: %s", err)
		return nil, err
	}
	if cfg.DeliveryMode == subscriptions.ModePoll && sink == nil {
		return nil, &api.ConfigurationError{Reason: "poll mode requires an observation sink"}
	}
	if cfg.Token == "" {
		token, err := session.ExchangeToken(ctx, transport, cfg.BaseURL, cfg.KP, cfg.User, cfg.Password)
		if err != nil {
			return nil, fmt.Errorf("NewSsapClient: %w", err)
		}
		cfg.Token = token
	}
	cl := &SsapClient{
		cfg:       cfg,
		transport: transport,
		sink:      sink,
	}
	cl.session = session.NewSessionManager(session.Config{
		BaseURL:         cfg.BaseURL,
		KP:              cfg.KP,
		KPInstance:      cfg.KPInstance,
		Token:           cfg.Token,
		RefreshInterval: cfg.SessionRefresh,
	}, transport)
	cl.registry = subscriptions.NewRegistry(cfg.DeliveryMode, &platformAdapter{cl}, cl.newWorker, store)
	cl.registry.SetAdmission(func() error {
		_, err := cl.session.SessionKey()
		return err
	})
	return cl, nil
}
