// Package tlsclient with the HTTPS transport used to talk to the SSAP platform
package tlsclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"github.com/wostzone/ssapbridge-go/api"
	"github.com/wostzone/ssapbridge-go/pkg/watcher"
)

// DefaultTimeout of a single platform request
const DefaultTimeout = 30 * time.Second

// TLSClient is the platform transport.
// Requests succeed with a status in [200,299]. Any other status or an I/O failure
// is returned as an api.TransportError.
type TLSClient struct {
	timeout       time.Duration
	trustFile     string
	trustPassword string

	mu           sync.RWMutex
	httpClient   *http.Client
	trustWatcher *fsnotify.Watcher
}

// Invoke a HTTPS method with an optional JSON body and return the response body
//  method: GET, PUT, POST, DELETE
//  url absolute URL to invoke
//  msg body to marshal as JSON, nil for no body
func (cl *TLSClient) Invoke(ctx context.Context, method string, url string, msg interface{}) ([]byte, error) {
	var body []byte
	if msg != nil {
		var err error
		body, err = json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("TLSClient.Invoke: unable to marshal request body: %w", err)
		}
	}
	header := http.Header{}
	header.Set("Content-Type", "application/json; charset=UTF-8")
	header.Set("Accept", "application/json")
	_, respBody, err := cl.do(ctx, method, url, body, header, false)
	return respBody, err
}

// InvokeGet invokes a GET request.
// HTTP 404 is treated as 'no data' and returns a nil body without error, as some
// deployments use 404 to signal a query that matched nothing.
func (cl *TLSClient) InvokeGet(ctx context.Context, url string) ([]byte, error) {
	header := http.Header{}
	header.Set("Accept", "application/json")
	status, respBody, err := cl.do(ctx, http.MethodGet, url, nil, header, true)
	if status == http.StatusNotFound {
		logrus.Debugf("TLSClient.InvokeGet: %s: not found, no data", url)
		return nil, nil
	}
	return respBody, err
}

// GetWithBasicAuth invokes a GET request authenticated with basic auth
func (cl *TLSClient) GetWithBasicAuth(ctx context.Context, url string, user string, password string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &api.TransportError{Method: http.MethodGet, URL: url, Cause: err}
	}
	req.SetBasicAuth(user, password)
	req.Header.Set("Accept", "application/json; charset=UTF-8")
	_, respBody, err := cl.send(req, false)
	return respBody, err
}

// Post a raw body with the given headers, eg to deliver an observation to a callback endpoint
func (cl *TLSClient) Post(ctx context.Context, url string, body []byte, header http.Header) ([]byte, error) {
	_, respBody, err := cl.do(ctx, http.MethodPost, url, body, header, false)
	return respBody, err
}

func (cl *TLSClient) do(ctx context.Context, method string, url string, body []byte,
	header http.Header, allowNotFound bool) (int, []byte, error) {

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, &api.TransportError{Method: method, URL: url, Cause: err}
	}
	for key, values := range header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	return cl.send(req, allowNotFound)
}

func (cl *TLSClient) send(req *http.Request, allowNotFound bool) (int, []byte, error) {
	method := req.Method
	url := req.URL.String()

	httpClient := cl.client()
	if httpClient == nil {
		logrus.Errorf("TLSClient.send: '%s'. Client is not started", url)
		return 0, nil, &api.TransportError{Method: method, URL: url, Cause: fmt.Errorf("client is not started")}
	}
	logrus.Debugf("TLSClient.send: %s %s", method, url)

	resp, err := httpClient.Do(req)
	if err != nil {
		logrus.Errorf("TLSClient.send: %s %s: %s", method, url, err)
		return 0, nil, &api.TransportError{Method: method, URL: url, Cause: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusNotFound && allowNotFound {
		return resp.StatusCode, nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		logrus.Warningf("TLSClient.send: %s %s: %s: %s", method, url, resp.Status, respBody)
		return resp.StatusCode, nil, &api.TransportError{Method: method, URL: url, StatusCode: resp.StatusCode}
	}
	if err != nil {
		return resp.StatusCode, nil, &api.TransportError{Method: method, URL: url, Cause: err}
	}
	return resp.StatusCode, respBody, nil
}

func (cl *TLSClient) client() *http.Client {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return cl.httpClient
}

// Start the client.
// If a trust store is configured its certificates are added to the system trust store
// and the file is watched for changes. Server certificate and hostname verification
// is always enabled.
func (cl *TLSClient) Start() error {
	httpClient, err := cl.newHTTPClient()
	if err != nil {
		return err
	}
	cl.mu.Lock()
	cl.httpClient = httpClient
	cl.mu.Unlock()

	if cl.trustFile != "" {
		trustWatcher, err := watcher.WatchFile(cl.trustFile, cl.reloadTrustStore)
		if err != nil {
			logrus.Warningf("TLSClient.Start: unable to watch trust store '%s': %s", cl.trustFile, err)
		}
		cl.mu.Lock()
		cl.trustWatcher = trustWatcher
		cl.mu.Unlock()
	}
	return nil
}

// reloadTrustStore replaces the http client after the trust store file changed.
// A trust store that fails to load keeps the previous client.
func (cl *TLSClient) reloadTrustStore() error {
	logrus.Infof("TLSClient.reloadTrustStore: trust store '%s' changed", cl.trustFile)
	httpClient, err := cl.newHTTPClient()
	if err != nil {
		logrus.Errorf("TLSClient.reloadTrustStore: keeping previous trust store: %s", err)
		return err
	}
	cl.mu.Lock()
	previous := cl.httpClient
	cl.httpClient = httpClient
	cl.mu.Unlock()
	if previous != nil {
		previous.CloseIdleConnections()
	}
	return nil
}

func (cl *TLSClient) newHTTPClient() (*http.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cl.trustFile != "" {
		tlsConfig, err := NewTrustConfig(cl.trustFile, cl.trustPassword)
		if err != nil {
			logrus.Errorf("TLSClient.Start: invalid trust store '%s': %s", cl.trustFile, err)
			return nil, &api.ConfigurationError{Reason: fmt.Sprintf("trust store '%s': %s", cl.trustFile, err)}
		}
		transport.TLSClientConfig = tlsConfig
		logrus.Infof("TLSClient.Start: using trust store '%s' in addition to the system trust store", cl.trustFile)
	}
	return &http.Client{
		Transport: transport,
		Timeout:   cl.timeout,
	}, nil
}

// Stop the client and close idle connections
func (cl *TLSClient) Stop() {
	logrus.Infof("TLSClient.Stop: Stopping TLS client")
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.trustWatcher != nil {
		cl.trustWatcher.Close()
		cl.trustWatcher = nil
	}
	if cl.httpClient != nil {
		cl.httpClient.CloseIdleConnections()
		cl.httpClient = nil
	}
}

// NewTLSClient creates a new platform transport. Use Start/Stop to run and close connections.
//  timeout of each request, 0 for DefaultTimeout
//  trustFile optional PEM or PKCS#12 (.p12, .pfx) file with certificates to trust, eg self-signed
//  trustPassword passphrase of a PKCS#12 trust store
func NewTLSClient(timeout time.Duration, trustFile string, trustPassword string) *TLSClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	cl := &TLSClient{
		timeout:       timeout,
		trustFile:     trustFile,
		trustPassword: trustPassword,
	}
	return cl
}
