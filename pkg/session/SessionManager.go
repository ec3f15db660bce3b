// Package session with the SSAP session lifecycle: join, periodic refresh and leave
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/wostzone/ssapbridge-go/api"
)

// DefaultRefreshInterval of the session refresh loop
const DefaultRefreshInterval = 10 * time.Minute

// DefaultKPInstance is the knowledge processor instance name used when none is configured
const DefaultKPInstance = "ssapbridge"

// State of the session
type State int

// Session states
const (
	Unjoined State = iota
	Joining
	Active
	Leaving
)

func (s State) String() string {
	switch s {
	case Unjoined:
		return "Unjoined"
	case Joining:
		return "Joining"
	case Active:
		return "Active"
	case Leaving:
		return "Leaving"
	}
	return "Unknown"
}

// Invoker sends SSAP requests to the platform
type Invoker interface {
	Invoke(ctx context.Context, method string, url string, msg interface{}) ([]byte, error)
}

// Config of the session manager
type Config struct {
	// BaseURL of the platform, ending with '/'
	BaseURL string
	// KP is the knowledge processor registered on the platform
	KP string
	// KPInstance identifies this bridge instance
	KPInstance string
	// Token issued by the platform for the KP
	Token string
	// RefreshInterval of the session refresh loop
	RefreshInterval time.Duration
}

// SessionManager owns the platform session key.
// Join, refresh and leave are serialized by a single slot lifecycle semaphore. Other
// operations read the session key with SessionKey().
type SessionManager struct {
	cfg       Config
	transport Invoker

	// lifecycle holds one token while a join, refresh or leave is in flight
	lifecycle chan struct{}

	mu         sync.RWMutex
	state      State
	sessionKey string

	refreshCancel context.CancelFunc
	refreshDone   chan struct{}
}

// acquire the lifecycle slot or fail when the context ends first
func (mgr *SessionManager) acquire(ctx context.Context) error {
	select {
	case mgr.lifecycle <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (mgr *SessionManager) release() {
	<-mgr.lifecycle
}

// InstanceKP returns the instance identifier sent on join: {KP}:{instance}
func (mgr *SessionManager) InstanceKP() string {
	return mgr.cfg.KP + ":" + mgr.cfg.KPInstance
}

// Join the platform.
// Re-joining an active session sends the current key to keep the session continuous.
// On success the refresh loop is started. A failed join leaves the session Unjoined, also
// when it was active before; work bound to the old session must then be released by the caller.
// Returns the session key.
func (mgr *SessionManager) Join(ctx context.Context) (string, error) {
	if err := mgr.acquire(ctx); err != nil {
		return "", &api.SessionError{Op: "join", Reason: err.Error()}
	}
	defer mgr.release()

	mgr.mu.Lock()
	currentKey := mgr.sessionKey
	mgr.state = Joining
	mgr.mu.Unlock()

	logrus.Infof("SessionManager.Join: joining as '%s'", mgr.InstanceKP())
	sessionKey, err := mgr.join(ctx, currentKey)
	if err != nil {
		logrus.Errorf("SessionManager.Join: %s", err)
		mgr.mu.Lock()
		mgr.sessionKey = ""
		mgr.state = Unjoined
		mgr.mu.Unlock()
		mgr.stopRefresh()
		return "", err
	}
	mgr.mu.Lock()
	mgr.sessionKey = sessionKey
	mgr.state = Active
	mgr.mu.Unlock()

	mgr.startRefresh()
	return sessionKey, nil
}

// join sends the join request and returns the session key issued by the platform
func (mgr *SessionManager) join(ctx context.Context, currentKey string) (string, error) {
	msg := api.SSAPRequest{
		Join:       true,
		InstanceKP: mgr.InstanceKP(),
		Token:      mgr.cfg.Token,
		SessionKey: currentKey,
	}
	respBody, err := mgr.transport.Invoke(ctx, http.MethodPost, mgr.cfg.BaseURL+api.SSAPResourcePath, msg)
	if err != nil {
		return "", fmt.Errorf("join failed: %w", err)
	}
	var resp struct {
		SessionKey string `json:"sessionKey"`
	}
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &resp); err != nil {
			return "", &api.SessionError{Op: "join", Reason: "join failed: invalid response: " + err.Error()}
		}
	}
	if strings.TrimSpace(resp.SessionKey) == "" {
		return "", &api.SessionError{Op: "join", Reason: "join failed"}
	}
	return resp.SessionKey, nil
}

// startRefresh starts the refresh loop unless it is already running
func (mgr *SessionManager) startRefresh() {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	if mgr.refreshCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	mgr.refreshCancel = cancel
	mgr.refreshDone = done
	go mgr.refreshLoop(ctx, done)
}

// stopRefresh cancels the refresh loop and waits until it has ended.
// The loop never holds the lifecycle slot while waiting, so this is safe to call
// while holding it.
func (mgr *SessionManager) stopRefresh() {
	mgr.mu.Lock()
	cancel := mgr.refreshCancel
	done := mgr.refreshDone
	mgr.refreshCancel = nil
	mgr.refreshDone = nil
	mgr.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (mgr *SessionManager) refreshLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(mgr.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logrus.Debugf("SessionManager.refreshLoop: stopped")
			return
		case <-ticker.C:
			mgr.refresh(ctx)
		}
	}
}

// refresh re-joins with the current session key. Failures are logged and the session
// remains active; the next tick tries again.
func (mgr *SessionManager) refresh(ctx context.Context) {
	if err := mgr.acquire(ctx); err != nil {
		return
	}
	defer mgr.release()

	mgr.mu.RLock()
	state := mgr.state
	currentKey := mgr.sessionKey
	mgr.mu.RUnlock()
	if state != Active {
		return
	}
	sessionKey, err := mgr.join(ctx, currentKey)
	if err != nil {
		if ctx.Err() == nil {
			logrus.Warningf("SessionManager.refresh: session refresh failed, keeping session: %s", err)
		}
		return
	}
	mgr.mu.Lock()
	if mgr.state == Active {
		mgr.sessionKey = sessionKey
	}
	mgr.mu.Unlock()
	logrus.Debugf("SessionManager.refresh: session refreshed")
}

// Leave the platform.
// The refresh loop is stopped and the session key is cleared, even if the leave
// request fails, so the manager can always join again. Leaving without a session is a no-op.
func (mgr *SessionManager) Leave(ctx context.Context) error {
	return mgr.LeaveWith(ctx, nil)
}

// LeaveWith leaves the platform after running teardown in the Leaving state.
// While leaving, SessionKey fails so no new work is started on the session, and
// CurrentKey still returns the key to cancel the work that exists.
//  teardown to run before the leave request is sent, nil for none
func (mgr *SessionManager) LeaveWith(ctx context.Context, teardown func(ctx context.Context)) error {
	if err := mgr.acquire(ctx); err != nil {
		return &api.SessionError{Op: "leave", Reason: err.Error()}
	}
	defer mgr.release()

	mgr.mu.Lock()
	if mgr.state == Unjoined {
		mgr.mu.Unlock()
		return nil
	}
	sessionKey := mgr.sessionKey
	mgr.state = Leaving
	mgr.mu.Unlock()

	mgr.stopRefresh()
	if teardown != nil {
		teardown(ctx)
	}

	logrus.Infof("SessionManager.Leave: leaving as '%s'", mgr.InstanceKP())
	msg := api.SSAPRequest{Leave: true, SessionKey: sessionKey}
	_, err := mgr.transport.Invoke(ctx, http.MethodPost, mgr.cfg.BaseURL+api.SSAPResourcePath, msg)

	mgr.mu.Lock()
	mgr.sessionKey = ""
	mgr.state = Unjoined
	mgr.mu.Unlock()

	if err != nil {
		logrus.Warningf("SessionManager.Leave: leave request failed, session cleared anyway: %s", err)
		return fmt.Errorf("leave: %w", err)
	}
	return nil
}

// SessionKey returns the key of the active session.
// Returns a SessionError if the session is not active.
func (mgr *SessionManager) SessionKey() (string, error) {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	if mgr.state != Active || mgr.sessionKey == "" {
		return "", &api.SessionError{Reason: "no active session, state is " + mgr.state.String()}
	}
	return mgr.sessionKey, nil
}

// CurrentKey returns the session key while the session is active or leaving.
// Use it to cancel platform resources of the session; new requests use SessionKey.
func (mgr *SessionManager) CurrentKey() (string, error) {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	if (mgr.state != Active && mgr.state != Leaving) || mgr.sessionKey == "" {
		return "", &api.SessionError{Reason: "no session, state is " + mgr.state.String()}
	}
	return mgr.sessionKey, nil
}

// IsActive returns true if the session is valid
func (mgr *SessionManager) IsActive() bool {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	return mgr.state == Active
}

// State returns the current session state
func (mgr *SessionManager) State() State {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	return mgr.state
}

// NewSessionManager creates a session manager in the Unjoined state
//  cfg session configuration. The KP instance and refresh interval have defaults.
//  transport to send the join and leave requests
func NewSessionManager(cfg Config, transport Invoker) *SessionManager {
	if cfg.KPInstance == "" {
		cfg.KPInstance = DefaultKPInstance
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.BaseURL != "" && !strings.HasSuffix(cfg.BaseURL, "/") {
		cfg.BaseURL += "/"
	}
	mgr := &SessionManager{
		cfg:       cfg,
		transport: transport,
		lifecycle: make(chan struct{}, 1),
		state:     Unjoined,
	}
	return mgr
}
