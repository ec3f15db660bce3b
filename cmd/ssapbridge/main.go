// Package main with the SSAP bridge executable.
// The bridge joins the platform, restores the persisted subscriptions and delivers their
// observations until it receives SIGINT or SIGTERM.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"path"
	"syscall"
	"time"

	"github.com/juju/fslock"
	"github.com/sirupsen/logrus"
	"github.com/wostzone/ssapbridge-go/api"
	"github.com/wostzone/ssapbridge-go/internal/mqttclient"
	"github.com/wostzone/ssapbridge-go/pkg/bridgeconfig"
	"github.com/wostzone/ssapbridge-go/pkg/callbackauth"
	"github.com/wostzone/ssapbridge-go/pkg/callbackserver"
	"github.com/wostzone/ssapbridge-go/pkg/certsetup"
	"github.com/wostzone/ssapbridge-go/pkg/discovery"
	"github.com/wostzone/ssapbridge-go/pkg/sinks"
	"github.com/wostzone/ssapbridge-go/pkg/ssapclient"
	"github.com/wostzone/ssapbridge-go/pkg/substore"
	"github.com/wostzone/ssapbridge-go/pkg/subscriptions"
	"github.com/wostzone/ssapbridge-go/pkg/tlsclient"
)

// bridge holds the running components so they can be stopped in reverse order
type bridge struct {
	config    *bridgeconfig.BridgeConfig
	lock      *fslock.Lock
	transport *tlsclient.TLSClient
	mqtt      *mqttclient.MqttClient
	influx    *sinks.InfluxSink
	store     *substore.SubscriptionStore
	callback  *callbackserver.CallbackServer
	client    *ssapclient.SsapClient
}

// lockInstance prevents two bridges with the same KP instance from sharing a home folder
func (br *bridge) lockInstance() error {
	if err := os.MkdirAll(br.config.Home, 0755); err != nil {
		return err
	}
	lockFile := path.Join(br.config.Home, fmt.Sprintf("%s.lock", br.config.KPInstance))
	br.lock = fslock.New(lockFile)
	if err := br.lock.TryLock(); err != nil {
		br.lock = nil
		return fmt.Errorf("bridge instance '%s' is already running (%s): %w", br.config.KPInstance, lockFile, err)
	}
	return nil
}

// startSinks creates the outbound observation sinks
func (br *bridge) startSinks(ctx context.Context, auth *callbackauth.JWTAuthenticator) (*sinks.FanoutSink, error) {
	cfg := br.config
	callbackSink := sinks.NewCallbackSink(br.transport, auth)
	var mqttSink api.IObservationSink
	if cfg.Mqtt.Address != "" {
		br.mqtt = mqttclient.NewMqttClient(cfg.Mqtt.Address, cfg.Mqtt.CaCertFile)
		var err error
		if cfg.Mqtt.ClientCertFile != "" {
			err = br.mqtt.ConnectWithClientCert(ctx, cfg.Mqtt.ClientCertFile, cfg.Mqtt.ClientKeyFile)
		} else {
			err = br.mqtt.Connect(ctx, nil, cfg.Mqtt.User, cfg.Mqtt.Password)
		}
		if err != nil {
			return nil, fmt.Errorf("mqtt broker %s: %w", cfg.Mqtt.Address, err)
		}
		mqttSink = sinks.NewMqttSink(br.mqtt, cfg.Mqtt.TopicPrefix)
	}
	var influxSink api.IObservationSink
	if cfg.Influx.URL != "" {
		br.influx = sinks.NewInfluxSink(cfg.Influx.URL, cfg.Influx.Token, cfg.Influx.Org, cfg.Influx.Bucket)
		influxSink = br.influx
	}
	return sinks.NewFanoutSink(callbackSink, mqttSink, influxSink), nil
}

// startCallbackServer starts the receiver of pushed indications
func (br *bridge) startCallbackServer(auth *callbackauth.JWTAuthenticator, sink api.IObservationSink) error {
	cfg := br.config.Callback
	var serverCert *tls.Certificate
	if cfg.CertsFolder != "" {
		if err := certsetup.CreateCertificateBundle(
			discovery.CertificateHostnames(cfg.Address, cfg.PublicURL), cfg.CertsFolder); err != nil {
			return err
		}
		cert, err := certsetup.LoadServerCertificate(cfg.CertsFolder)
		if err != nil {
			return err
		}
		serverCert = cert
	}
	br.callback = callbackserver.NewCallbackServer(cfg.Address, uint(cfg.Port), cfg.PublicURL,
		serverCert, auth, br.client.Registry().Has, sink)
	if err := br.callback.Start(); err != nil {
		return err
	}
	br.client.SetEndpoint(br.callback.CallbackURL)
	return nil
}

// Start the bridge components, join the platform and restore the subscriptions
func (br *bridge) Start(ctx context.Context) error {
	cfg := br.config
	if err := br.lockInstance(); err != nil {
		return err
	}
	br.transport = tlsclient.NewTLSClient(time.Duration(cfg.RequestTimeout)*time.Second,
		cfg.TrustStore, cfg.TrustStorePassword)
	if err := br.transport.Start(); err != nil {
		return err
	}

	var auth *callbackauth.JWTAuthenticator
	if cfg.Callback.Secret != "" {
		var err error
		auth, err = callbackauth.NewJWTAuthenticator([]byte(cfg.Callback.Secret))
		if err != nil {
			return err
		}
	}
	fanout, err := br.startSinks(ctx, auth)
	if err != nil {
		return err
	}

	var store subscriptions.Store
	if cfg.Store.Path != "" {
		br.store, err = substore.Open(cfg.Store.Path)
		if err != nil {
			return err
		}
		store = br.store
	}

	clientConfig, err := ssapclient.ConfigFromBridge(cfg)
	if err != nil {
		return err
	}
	br.client, err = ssapclient.NewSsapClient(ctx, clientConfig, br.transport, fanout, store)
	if err != nil {
		return err
	}
	if clientConfig.DeliveryMode == subscriptions.ModePush && cfg.Callback.Enabled {
		if err = br.startCallbackServer(auth, br.client.PushSink(fanout)); err != nil {
			return err
		}
	}

	if err = br.client.Join(ctx); err != nil {
		return err
	}
	count, err := br.client.RestoreSubscriptions(ctx)
	if err != nil {
		logrus.Errorf("bridge.Start: restoring subscriptions: %s", err)
	}
	logrus.Warningf("bridge.Start: joined as '%s' with %d restored subscription(s)", cfg.KPInstance, count)
	return nil
}

// Stop leaves the platform and stops the components that were started
func (br *bridge) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if br.client != nil {
		if err := br.client.Leave(ctx); err != nil {
			logrus.Warningf("bridge.Stop: leave failed: %s", err)
		}
	}
	if br.callback != nil {
		br.callback.Stop()
	}
	if br.store != nil {
		_ = br.store.Close()
	}
	if br.influx != nil {
		br.influx.Close()
	}
	if br.mqtt != nil {
		br.mqtt.Disconnect()
	}
	if br.transport != nil {
		br.transport.Stop()
	}
	if br.lock != nil {
		_ = br.lock.Unlock()
	}
	logrus.Warningf("bridge.Stop: bridge stopped")
}

func main() {
	config, err := bridgeconfig.LoadCommandlineConfig("", os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "ssapbridge: invalid configuration: %s\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	br := &bridge{config: config}
	if err = br.Start(ctx); err != nil {
		logrus.Errorf("ssapbridge: %s", err)
		br.Stop()
		os.Exit(1)
	}
	<-ctx.Done()
	br.Stop()
}
