package ssapclient_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gorilla/mux"
	"github.com/wostzone/ssapbridge-go/api"
)

const (
	testToken      = "T1"
	testSessionKey = "SK1"
	testUser       = "operator"
	testPassword   = "secret"
)

type ssapRequest struct {
	Method string
	api.SSAPRequest
}

// platformEmulator is a minimal SSAP platform
type platformEmulator struct {
	mu sync.Mutex
	// data returned by queries per ontology. Ontologies without data answer 404.
	data map[string]string
	// requests received on the SSAP resource, except join
	requests []ssapRequest
	// query strings received per path
	queries      map[string][]map[string]string
	joins        int
	leaves       int
	subscribeSeq int
	// unsubscribeStatus is the status of unsubscribe responses, 0 for 200
	unsubscribeStatus int
	// joinStatus is the status of join responses, 0 to accept the token
	joinStatus   int
	measurements string
	// subscribeHold when set blocks subscribe requests until it is closed
	subscribeHold chan struct{}
	subscribeHeld chan struct{}

	server *httptest.Server
}

func (pe *platformEmulator) recordQuery(r *http.Request) map[string]string {
	params := make(map[string]string)
	for name, values := range r.URL.Query() {
		params[name] = values[0]
	}
	pe.queries[r.URL.Path] = append(pe.queries[r.URL.Path], params)
	return params
}

func (pe *platformEmulator) handleResource(w http.ResponseWriter, r *http.Request) {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	var req api.SSAPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	switch {
	case req.Join:
		if pe.joinStatus != 0 {
			w.WriteHeader(pe.joinStatus)
			return
		}
		if req.Token != testToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		pe.joins++
		_, _ = w.Write([]byte(`{"sessionKey":"` + testSessionKey + `"}`))
		return
	case req.Leave:
		pe.leaves++
	case req.SessionKey != testSessionKey:
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	pe.requests = append(pe.requests, ssapRequest{Method: r.Method, SSAPRequest: req})
	_, _ = w.Write([]byte(`{}`))
}

func (pe *platformEmulator) handleQuery(w http.ResponseWriter, r *http.Request) {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	params := pe.recordQuery(r)
	if params[api.ParamSessionKey] != testSessionKey {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	data, found := pe.data[params[api.ParamOntology]]
	if !found {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	resp, _ := json.Marshal(map[string]string{"data": data})
	_, _ = w.Write(resp)
}

func (pe *platformEmulator) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	pe.mu.Lock()
	hold, held := pe.subscribeHold, pe.subscribeHeld
	pe.mu.Unlock()
	if hold != nil {
		held <- struct{}{}
		<-hold
	}
	pe.mu.Lock()
	defer pe.mu.Unlock()
	pe.recordQuery(r)
	pe.subscribeSeq++
	resp, _ := json.Marshal(map[string]string{"data": fmt.Sprintf("SUB-%d", pe.subscribeSeq)})
	_, _ = w.Write(resp)
}

func (pe *platformEmulator) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	pe.recordQuery(r)
	if pe.unsubscribeStatus != 0 {
		w.WriteHeader(pe.unsubscribeStatus)
		return
	}
	_, _ = w.Write([]byte(`{"data":"ok"}`))
}

func (pe *platformEmulator) handleTokens(w http.ResponseWriter, r *http.Request) {
	user, password, ok := r.BasicAuth()
	if !ok || user != testUser || password != testPassword {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	_, _ = w.Write([]byte(`[{"token":"T0","activo":false},{"token":"` + testToken + `","activo":true}]`))
}

func (pe *platformEmulator) handleMeasurements(w http.ResponseWriter, r *http.Request) {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	params := pe.recordQuery(r)
	if params[api.ParamSessionKey] != testSessionKey {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	_, _ = w.Write([]byte(pe.measurements))
}

// received returns the SSAP requests received with the given method
func (pe *platformEmulator) received(method string) []ssapRequest {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	var result []ssapRequest
	for _, req := range pe.requests {
		if req.Method == method && !req.Leave {
			result = append(result, req)
		}
	}
	return result
}

// queriesOn returns the query parameters received on the path
func (pe *platformEmulator) queriesOn(path string) []map[string]string {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	return append([]map[string]string(nil), pe.queries[path]...)
}

func (pe *platformEmulator) setData(ontology string, data string) {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	pe.data[ontology] = data
}

func (pe *platformEmulator) leaveCount() int {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	return pe.leaves
}

func (pe *platformEmulator) setUnsubscribeStatus(status int) {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	pe.unsubscribeStatus = status
}

func (pe *platformEmulator) setJoinStatus(status int) {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	pe.joinStatus = status
}

// holdSubscribe blocks the next subscribe requests.
// The returned channel receives a value when a request is held. Call release to let them through.
func (pe *platformEmulator) holdSubscribe() (held <-chan struct{}, release func()) {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	pe.subscribeHold = make(chan struct{})
	pe.subscribeHeld = make(chan struct{}, 10)
	hold := pe.subscribeHold
	return pe.subscribeHeld, func() {
		pe.mu.Lock()
		pe.subscribeHold = nil
		pe.mu.Unlock()
		close(hold)
	}
}

// newPlatformEmulator starts an emulator that is closed when the test ends
func newPlatformEmulator(t *testing.T) *platformEmulator {
	pe := &platformEmulator{
		data:    make(map[string]string),
		queries: make(map[string][]map[string]string),
	}
	router := mux.NewRouter()
	router.HandleFunc("/"+api.SSAPResourcePath, pe.handleResource).Methods(http.MethodPost, http.MethodPut, http.MethodDelete)
	router.HandleFunc("/"+api.SSAPQueryPath, pe.handleQuery).Methods(http.MethodGet)
	router.HandleFunc("/"+api.SSAPSubscribePath, pe.handleSubscribe).Methods(http.MethodGet)
	router.HandleFunc("/"+api.SSAPUnsubscribePath, pe.handleUnsubscribe).Methods(http.MethodGet)
	router.HandleFunc("/console/api/rest/kps/{kp}/tokens", pe.handleTokens).Methods(http.MethodGet)
	router.HandleFunc("/measurements", pe.handleMeasurements).Methods(http.MethodGet)
	pe.server = httptest.NewServer(router)
	t.Cleanup(pe.server.Close)
	return pe
}
