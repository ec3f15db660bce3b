// Package sinks with the outbound destinations of the observation stream
package sinks

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/wostzone/ssapbridge-go/api"
	"github.com/wostzone/ssapbridge-go/pkg/callbackauth"
	"github.com/wostzone/ssapbridge-go/pkg/callbackserver"
)

// DefaultTokenValidity of the bearer token sent with a callback delivery
const DefaultTokenValidity = 5 * time.Minute

// Poster posts a raw body, eg the tlsclient
type Poster interface {
	Post(ctx context.Context, url string, body []byte, header http.Header) ([]byte, error)
}

// CallbackSink posts each observation as a LEGACY indication to the callback target
// of its subscription.
// When an authenticator is set, each delivery carries a bearer token whose subject is
// the correlation key.
type CallbackSink struct {
	poster        Poster
	auth          *callbackauth.JWTAuthenticator
	tokenValidity time.Duration
}

// Deliver the observation to obs.CallbackTarget
func (sink *CallbackSink) Deliver(ctx context.Context, obs api.Observation) error {
	if obs.CallbackTarget == "" {
		return &api.PayloadError{Op: "deliver", Reason: "no callback target for '" + obs.CorrelationKey + "'"}
	}
	body, err := callbackserver.EncodeIndication(obs.Data)
	if err != nil {
		return err
	}
	header := http.Header{}
	header.Set("Content-Type", "application/json; charset=UTF-8")
	if sink.auth != nil {
		token, err := sink.auth.CreateToken(obs.CorrelationKey, sink.tokenValidity)
		if err != nil {
			return fmt.Errorf("CallbackSink.Deliver: unable to sign delivery: %w", err)
		}
		header.Set("Authorization", "Bearer "+token)
	}
	_, err = sink.poster.Post(ctx, obs.CallbackTarget, body, header)
	if err != nil {
		return fmt.Errorf("deliver '%s' to %s: %w", obs.CorrelationKey, obs.CallbackTarget, err)
	}
	logrus.Debugf("CallbackSink.Deliver: delivered '%s' to %s", obs.CorrelationKey, obs.CallbackTarget)
	return nil
}

// NewCallbackSink creates a sink that posts to the callback target of the observations
//  poster to post with
//  auth optional authenticator to sign deliveries, nil to send them unsigned
func NewCallbackSink(poster Poster, auth *callbackauth.JWTAuthenticator) *CallbackSink {
	return &CallbackSink{
		poster:        poster,
		auth:          auth,
		tokenValidity: DefaultTokenValidity,
	}
}
