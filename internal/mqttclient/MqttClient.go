// Package mqttclient with a publishing wrapper around the paho mqtt client
package mqttclient

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// ConnectionTimeoutSec constant with connection and reconnection timeouts
const ConnectionTimeoutSec = 20

// TLSPort is the default secure port to connect to mqtt
const TLSPort = 8883

// maxRetryDelay between connection attempts
const maxRetryDelay = 120 * time.Second

// MqttClient client wrapper around pahoClient for publishing observations
type MqttClient struct {
	clientID   string // unique ID of the client (used for logging)
	hostPort   string // host:port of server to connect to
	pubQos     byte
	caCertFile string // path to CA certificate. Empty to connect without TLS

	mu         sync.Mutex
	pahoClient pahomqtt.Client
}

// BrokerURL returns the URL of the broker, tls:// if a CA certificate is set, otherwise tcp://
func (mqttClient *MqttClient) BrokerURL() string {
	if mqttClient.caCertFile != "" {
		return fmt.Sprintf("tls://%s/", mqttClient.hostPort)
	}
	return fmt.Sprintf("tcp://%s/", mqttClient.hostPort)
}

// ClientID returns the generated ID this client connects with
func (mqttClient *MqttClient) ClientID() string {
	return mqttClient.clientID
}

// Connect to the MQTT broker
// If a previous connection exists then it is disconnected first. If no connection is possible
// this keeps retrying until the context ends. With each retry a backoff period
// is increased until 120 seconds.
//  clientCert to authenticate with client certificate. Use nil to authenticate with username/password
//  userName to authenticate with. Use "" to ignore
//  password to authenticate with. Use "" to ignore
func (mqttClient *MqttClient) Connect(ctx context.Context, clientCert *tls.Certificate, userName string, password string) error {
	mqttClient.Disconnect()

	brokerURL := mqttClient.BrokerURL()
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(brokerURL)
	opts.SetClientID(mqttClient.clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	// CleanSession disables persistence on the broker
	opts.SetCleanSession(true)
	opts.SetKeepAlive(ConnectionTimeoutSec * time.Second)

	opts.SetOnConnectHandler(func(client pahomqtt.Client) {
		logrus.Infof("MqttClient.onConnect: Connected to server at %s. ClientId=%s",
			brokerURL, mqttClient.clientID)
	})
	opts.SetConnectionLostHandler(func(client pahomqtt.Client, err error) {
		logrus.Warningf("MqttClient.onConnectionLost: Disconnected from server %s. Error %s, ClientId=%s",
			brokerURL, err, mqttClient.clientID)
	})
	if mqttClient.caCertFile != "" {
		rootCA := x509.NewCertPool()
		caCertPEM, err := os.ReadFile(mqttClient.caCertFile)
		if err != nil {
			logrus.Errorf("MqttClient.Connect: Unable to read CA certificate chain: %s", err)
			return err
		}
		rootCA.AppendCertsFromPEM(caCertPEM)
		tlsConfig := &tls.Config{
			RootCAs:    rootCA,
			MinVersion: tls.VersionTLS12,
		}
		if clientCert != nil {
			tlsConfig.Certificates = []tls.Certificate{*clientCert}
		}
		opts.SetTLSConfig(tlsConfig)
	}
	opts.Username = userName
	opts.Password = password

	logrus.Infof("MqttClient.Connect: Connecting to MQTT server: %s with clientID %s",
		brokerURL, mqttClient.clientID)
	pahoClient := pahomqtt.NewClient(opts)

	// Auto reconnect doesn't work for initial attempt: https://github.com/eclipse/paho.mqtt.golang/issues/77
	retryDelay := time.Second
	for {
		token := pahoClient.Connect()
		select {
		case <-token.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
		err := token.Error()
		if err == nil {
			break
		}
		logrus.Errorf("MqttClient.Connect: Connecting to broker on %s failed: %s. retrying in %s.",
			brokerURL, err, retryDelay)
		select {
		case <-time.After(retryDelay):
		case <-ctx.Done():
			return fmt.Errorf("unable to connect to %s: %w", brokerURL, err)
		}
		if retryDelay < maxRetryDelay {
			retryDelay += time.Second
		}
	}
	mqttClient.mu.Lock()
	mqttClient.pahoClient = pahoClient
	mqttClient.mu.Unlock()
	return nil
}

// ConnectWithClientCert connects to the MQTT broker using client certificate authentication
//  clientCertFile optional client certificate to authenticate the client with the broker
//  clientKeyFile  optional client key to authenticate the client with the broker
func (mqttClient *MqttClient) ConnectWithClientCert(ctx context.Context, clientCertFile string, clientKeyFile string) error {
	if clientCertFile == "" || clientKeyFile == "" {
		return mqttClient.Connect(ctx, nil, "", "")
	}
	clientCert, err := tls.LoadX509KeyPair(clientCertFile, clientKeyFile)
	if err != nil {
		logrus.Errorf("MqttClient.ConnectWithClientCert: Error loading certificates: %s", err)
		return err
	}
	return mqttClient.Connect(ctx, &clientCert, "", "")
}

// Disconnect from the MQTT broker
func (mqttClient *MqttClient) Disconnect() {
	mqttClient.mu.Lock()
	pahoClient := mqttClient.pahoClient
	mqttClient.pahoClient = nil
	mqttClient.mu.Unlock()

	if pahoClient != nil {
		logrus.Infof("MqttClient.Disconnect: Client %s", mqttClient.clientID)
		// quiesce in milliseconds for pending messages
		pahoClient.Disconnect(ConnectionTimeoutSec * 100)
	}
}

// IsConnected returns true when connected with the broker
func (mqttClient *MqttClient) IsConnected() bool {
	mqttClient.mu.Lock()
	defer mqttClient.mu.Unlock()
	return mqttClient.pahoClient != nil && mqttClient.pahoClient.IsConnected()
}

// Publish a message to a topic address and wait for the broker to acknowledge it
func (mqttClient *MqttClient) Publish(ctx context.Context, topic string, message []byte) error {
	mqttClient.mu.Lock()
	pahoClient := mqttClient.pahoClient
	mqttClient.mu.Unlock()

	if pahoClient == nil || !pahoClient.IsConnected() {
		logrus.Warnf("MqttClient.Publish: Unable to publish to '%s'. No connection with server.", topic)
		return errors.New("no connection with server")
	}
	logrus.Debugf("MqttClient.Publish: topic=%s, qos=%d", topic, mqttClient.pubQos)
	token := pahoClient.Publish(topic, mqttClient.pubQos, false, message)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	err := token.Error()
	if err != nil {
		logrus.Warnf("MqttClient.Publish: Error during publish on address %s: %v", topic, err)
	}
	return err
}

// NewMqttClient creates a new MQTT publisher instance
//  hostPort to connect to
//  caCertFile contains the server CA certificate filename. Use "" for a plain tcp connection
func NewMqttClient(hostPort string, caCertFile string) *MqttClient {
	// ClientID defaults to hostname-nanosecondsSinceEpoc
	hostName, _ := os.Hostname()
	clientID := fmt.Sprintf("%s-%d", hostName, time.Now().UnixNano())

	return &MqttClient{
		clientID:   clientID,
		hostPort:   hostPort,
		pubQos:     1,
		caCertFile: caCertFile,
	}
}
