// Package callbackserver with the receiver of observations pushed by the platform
package callbackserver

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/wostzone/ssapbridge-go/api"
	"github.com/wostzone/ssapbridge-go/pkg/callbackauth"
)

// MaxIndicationSize is the largest accepted indication body
const MaxIndicationSize = 1 << 20

// CallbackServer receives the indications the platform pushes for a subscription and
// forwards them to the observation sink.
// Each correlation key has its own path: POST {publicURL}/{correlationKey}
type CallbackServer struct {
	address    string
	port       uint
	publicURL  string
	serverCert *tls.Certificate
	auth       *callbackauth.JWTAuthenticator
	accept     func(correlationKey string) bool
	sink       api.IObservationSink

	router     *mux.Router
	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
}

// Addr returns the listening address, or "" if the server isn't running
func (srv *CallbackServer) Addr() string {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.listener == nil {
		return ""
	}
	return srv.listener.Addr().String()
}

// CallbackURL returns the URL the platform posts indications for the correlation key to.
// When authentication is enabled the URL carries a token for the key.
func (srv *CallbackServer) CallbackURL(correlationKey string) (string, error) {
	base := srv.publicURL
	if base == "" {
		addr := srv.Addr()
		if addr == "" {
			return "", fmt.Errorf("CallbackServer.CallbackURL: no public URL and server not running")
		}
		scheme := "http"
		if srv.serverCert != nil {
			scheme = "https"
		}
		base = scheme + "://" + addr
	}
	callbackURL := strings.TrimSuffix(base, "/") + "/" + url.PathEscape(correlationKey)
	if srv.auth != nil {
		token, err := srv.auth.CreateToken(correlationKey, 0)
		if err != nil {
			return "", err
		}
		callbackURL += "?" + callbackauth.TokenQueryParam + "=" + url.QueryEscape(token)
	}
	return callbackURL, nil
}

// handleIndication receives a pushed indication
func (srv *CallbackServer) handleIndication(resp http.ResponseWriter, req *http.Request) {
	// the route matches the escaped path so keys may contain slashes
	correlationKey, err := url.PathUnescape(mux.Vars(req)["correlationKey"])
	if err != nil {
		http.Error(resp, "invalid correlation key", http.StatusBadRequest)
		return
	}
	if srv.auth != nil {
		subject, match := srv.auth.AuthenticateRequest(req)
		if !match || subject != correlationKey {
			logrus.Infof("CallbackServer.handleIndication: unauthorized indication for '%s' from %s",
				correlationKey, req.RemoteAddr)
			http.Error(resp, "unauthorized", http.StatusUnauthorized)
			return
		}
	}
	if srv.accept != nil && !srv.accept(correlationKey) {
		logrus.Warningf("CallbackServer.handleIndication: no subscription for '%s'", correlationKey)
		http.Error(resp, "unknown subscription", http.StatusNotFound)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(resp, req.Body, MaxIndicationSize))
	if err != nil {
		http.Error(resp, "unable to read indication", http.StatusBadRequest)
		return
	}
	data, err := DecodeIndication(body)
	if err != nil {
		logrus.Warningf("CallbackServer.handleIndication: '%s': %s", correlationKey, err)
		http.Error(resp, err.Error(), http.StatusBadRequest)
		return
	}
	obs := api.Observation{
		CorrelationKey: correlationKey,
		Data:           data,
		Received:       time.Now(),
	}
	if err = srv.sink.Deliver(req.Context(), obs); err != nil {
		logrus.Errorf("CallbackServer.handleIndication: delivery for '%s' failed: %s", correlationKey, err)
		http.Error(resp, "delivery failed", http.StatusBadGateway)
		return
	}
	logrus.Debugf("CallbackServer.handleIndication: delivered observation for '%s'", correlationKey)
	resp.WriteHeader(http.StatusOK)
}

// Start listening. Bind errors are returned immediately.
// Without server certificate the server runs plain http, eg behind a TLS terminating proxy.
func (srv *CallbackServer) Start() error {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.httpServer != nil {
		return fmt.Errorf("CallbackServer.Start: already running")
	}
	addr := net.JoinHostPort(srv.address, fmt.Sprint(srv.port))
	logrus.Infof("CallbackServer.Start: Starting callback server on address: %s", addr)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		logrus.Errorf("CallbackServer.Start: %s", err)
		return err
	}
	httpServer := &http.Server{
		Handler:           srv.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if srv.serverCert != nil {
		httpServer.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{*srv.serverCert},
			MinVersion:   tls.VersionTLS12,
		}
		listener = tls.NewListener(listener, httpServer.TLSConfig)
	}
	srv.httpServer = httpServer
	srv.listener = listener
	go func() {
		err2 := httpServer.Serve(listener)
		if err2 != nil && err2 != http.ErrServerClosed {
			logrus.Errorf("CallbackServer.Start: Serve: %s", err2)
		}
	}()
	return nil
}

// Stop the server and close all connections
func (srv *CallbackServer) Stop() {
	srv.mu.Lock()
	httpServer := srv.httpServer
	srv.httpServer = nil
	srv.listener = nil
	srv.mu.Unlock()

	if httpServer != nil {
		logrus.Infof("CallbackServer.Stop: Stopping callback server")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctx)
	}
}

// NewCallbackServer creates a callback receiver. Use Start/Stop to run and close connections.
//
//  address      listening address, "" for all interfaces
//  port         listening port, 0 for any free port
//  publicURL    URL the platform reaches this server on, "" to use the listening address
//  serverCert   optional TLS certificate, nil for plain http
//  auth         optional token authenticator, nil to accept unauthenticated indications
//  accept       returns true if the correlation key has a subscription, nil to accept all keys
//  sink         receives the observations
func NewCallbackServer(address string, port uint, publicURL string,
	serverCert *tls.Certificate, auth *callbackauth.JWTAuthenticator,
	accept func(correlationKey string) bool, sink api.IObservationSink) *CallbackServer {

	srv := &CallbackServer{
		address:    address,
		port:       port,
		publicURL:  publicURL,
		serverCert: serverCert,
		auth:       auth,
		accept:     accept,
		sink:       sink,
		router:     mux.NewRouter(),
	}
	srv.router.UseEncodedPath()
	srv.router.HandleFunc("/{correlationKey}", srv.handleIndication).Methods(http.MethodPost)
	return srv
}
