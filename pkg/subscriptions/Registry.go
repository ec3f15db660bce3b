// Package subscriptions with the registry of subscriptions grouped by correlation key
package subscriptions

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/wostzone/ssapbridge-go/api"
)

// Mode of observation delivery
type Mode string

// Delivery modes
const (
	// ModePush has the platform push indications to the callback target
	ModePush Mode = "push"
	// ModePoll runs one polling worker per correlation key
	ModePoll Mode = "poll"
)

// Platform issues and cancels platform subscriptions
type Platform interface {
	// SubscribePlatform subscribes the correlation key to changes of the ref and returns the platform subscription ID.
	// An empty ID means the platform did not create a subscription.
	SubscribePlatform(ctx context.Context, correlationKey string, ref api.DeviceRef, callbackTarget string) (string, error)
	// UnsubscribePlatform cancels a platform subscription
	UnsubscribePlatform(ctx context.Context, subscriptionID string) error
}

// Worker is a running polling worker
type Worker interface {
	// Stop the worker and wait until it no longer delivers
	Stop()
}

// WorkerFactory creates and starts the polling worker of a subscription
type WorkerFactory func(correlationKey string, subscriptionID string, refs []api.DeviceRef, callbackTarget string) (Worker, error)

// Record is the persisted form of a registry entry
type Record struct {
	CorrelationKey string
	Refs           []api.DeviceRef
	CallbackTarget string
	Mode           Mode
	Created        time.Time
}

// Store persists subscription records so they survive a restart
type Store interface {
	Save(record Record) error
	Delete(correlationKey string) error
	List() ([]Record, error)
}

// entry of a correlation key
type entry struct {
	record          Record
	subscriptionIDs []string
	worker          Worker
}

// keyLock serializes subscribe and unsubscribe of a single correlation key
type keyLock struct {
	mu    sync.Mutex
	users int
}

// Registry maps a correlation key to its platform subscription IDs and polling worker.
// The map itself is guarded by a mutex that is never held during network I/O. Operations
// on the same key are serialized with a per key lock.
type Registry struct {
	mode      Mode
	platform  Platform
	newWorker WorkerFactory
	store     Store
	// admit returns an error when no new entries are accepted
	admit func() error

	mu       sync.Mutex
	entries  map[string]*entry
	keyLocks map[string]*keyLock
}

// lockKey locks the correlation key and returns the unlock function
func (reg *Registry) lockKey(key string) func() {
	reg.mu.Lock()
	kl, found := reg.keyLocks[key]
	if !found {
		kl = &keyLock{}
		reg.keyLocks[key] = kl
	}
	kl.users++
	reg.mu.Unlock()

	kl.mu.Lock()
	return func() {
		kl.mu.Unlock()
		reg.mu.Lock()
		kl.users--
		if kl.users == 0 {
			delete(reg.keyLocks, key)
		}
		reg.mu.Unlock()
	}
}

// Subscribe creates the subscriptions of the refs under the correlation key.
// An existing entry with the same key is torn down first.
//
// In push mode each ref gets a platform subscription. Refs for which the platform returns no
// ID are ignored. If the platform fails, subscriptions created so far are cancelled.
// In poll mode a single polling worker serves all refs under a generated subscription ID.
// A failed subscribe leaves the persisted record untouched so a later restore retries it.
func (reg *Registry) Subscribe(ctx context.Context, correlationKey string, refs []api.DeviceRef, callbackTarget string) (api.SubscriptionHandle, error) {
	handle := api.SubscriptionHandle{CorrelationKey: correlationKey}
	if correlationKey == "" {
		return handle, &api.PayloadError{Op: "subscribe", Reason: "missing correlation key"}
	}
	if len(refs) == 0 {
		return handle, &api.PayloadError{Op: "subscribe", Reason: "no device refs for '" + correlationKey + "'"}
	}
	unlock := reg.lockKey(correlationKey)
	defer unlock()

	if reg.teardown(ctx, correlationKey) {
		logrus.Infof("Registry.Subscribe: replaced existing subscription '%s'", correlationKey)
	}

	newEntry := &entry{
		record: Record{
			CorrelationKey: correlationKey,
			Refs:           append([]api.DeviceRef(nil), refs...),
			CallbackTarget: callbackTarget,
			Mode:           reg.mode,
			Created:        time.Now(),
		},
	}
	if reg.mode == ModePoll {
		subscriptionID := uuid.NewString()
		worker, err := reg.newWorker(correlationKey, subscriptionID, refs, callbackTarget)
		if err != nil {
			return handle, fmt.Errorf("subscribe '%s': %w", correlationKey, err)
		}
		newEntry.subscriptionIDs = []string{subscriptionID}
		newEntry.worker = worker
	} else {
		for _, ref := range refs {
			subscriptionID, err := reg.platform.SubscribePlatform(ctx, correlationKey, ref, callbackTarget)
			if err != nil {
				logrus.Errorf("Registry.Subscribe: subscribe '%s' to %s failed: %s", correlationKey, ref, err)
				reg.cancelPlatform(ctx, correlationKey, newEntry.subscriptionIDs)
				return handle, fmt.Errorf("subscribe '%s' to %s: %w", correlationKey, ref, err)
			}
			if subscriptionID == "" {
				logrus.Warningf("Registry.Subscribe: platform returned no subscription for %s. Ignored", ref)
				continue
			}
			newEntry.subscriptionIDs = append(newEntry.subscriptionIDs, subscriptionID)
		}
	}

	reg.mu.Lock()
	if reg.admit != nil {
		if err := reg.admit(); err != nil {
			reg.mu.Unlock()
			logrus.Warningf("Registry.Subscribe: '%s' refused: %s", correlationKey, err)
			reg.release(ctx, correlationKey, newEntry)
			return handle, fmt.Errorf("subscribe '%s': %w", correlationKey, err)
		}
	}
	reg.entries[correlationKey] = newEntry
	reg.mu.Unlock()

	if reg.store != nil {
		if err := reg.store.Save(newEntry.record); err != nil {
			logrus.Errorf("Registry.Subscribe: unable to persist subscription '%s': %s", correlationKey, err)
		}
	}
	logrus.Infof("Registry.Subscribe: '%s' subscribed with %d subscription(s)", correlationKey, len(newEntry.subscriptionIDs))
	handle.SubscriptionIDs = append([]string(nil), newEntry.subscriptionIDs...)
	return handle, nil
}

// Unsubscribe removes the entry of the correlation key.
// The worker is stopped first. Platform unsubscribe failures are logged and do not
// prevent the entry from being removed. Unknown keys are ignored.
func (reg *Registry) Unsubscribe(ctx context.Context, correlationKey string) error {
	unlock := reg.lockKey(correlationKey)
	defer unlock()

	if !reg.teardown(ctx, correlationKey) {
		logrus.Debugf("Registry.Unsubscribe: no subscription for '%s'", correlationKey)
	}
	reg.forget(correlationKey)
	return nil
}

// Clear tears down all entries without removing their persisted records.
// Used on leave, so the subscriptions can be restored after the next join.
func (reg *Registry) Clear(ctx context.Context) {
	for _, key := range reg.Keys() {
		unlock := reg.lockKey(key)
		reg.teardown(ctx, key)
		unlock()
	}
}

// SetAdmission sets the check that decides whether new entries are accepted.
// The check runs under the registry lock just before an entry is added. When it fails the
// new subscriptions are released and Subscribe returns its error.
// Once the check fails, a following Clear leaves the registry empty, also when subscribes
// were in flight.
func (reg *Registry) SetAdmission(check func() error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.admit = check
}

// Restore re-creates the persisted subscriptions.
// Returns the number of restored subscriptions. Failures are logged and skipped.
func (reg *Registry) Restore(ctx context.Context) (int, error) {
	if reg.store == nil {
		return 0, nil
	}
	records, err := reg.store.List()
	if err != nil {
		return 0, fmt.Errorf("restore subscriptions: %w", err)
	}
	count := 0
	for _, rec := range records {
		_, err := reg.Subscribe(ctx, rec.CorrelationKey, rec.Refs, rec.CallbackTarget)
		if err != nil {
			logrus.Warningf("Registry.Restore: unable to restore '%s': %s", rec.CorrelationKey, err)
			continue
		}
		count++
	}
	logrus.Infof("Registry.Restore: restored %d of %d subscriptions", count, len(records))
	return count, nil
}

// teardown removes the runtime entry, stops its worker and cancels the platform subscriptions.
// Returns false if there was no entry. The caller holds the key lock.
func (reg *Registry) teardown(ctx context.Context, correlationKey string) bool {
	reg.mu.Lock()
	existing, found := reg.entries[correlationKey]
	delete(reg.entries, correlationKey)
	reg.mu.Unlock()
	if !found {
		return false
	}
	reg.release(ctx, correlationKey, existing)
	return true
}

// release stops the worker of an entry and cancels its platform subscriptions
func (reg *Registry) release(ctx context.Context, correlationKey string, e *entry) {
	if e.worker != nil {
		e.worker.Stop()
	}
	if e.record.Mode == ModePush {
		reg.cancelPlatform(ctx, correlationKey, e.subscriptionIDs)
	}
}

// cancelPlatform unsubscribes each platform subscription, logging failures
func (reg *Registry) cancelPlatform(ctx context.Context, correlationKey string, subscriptionIDs []string) {
	for _, subscriptionID := range subscriptionIDs {
		err := reg.platform.UnsubscribePlatform(ctx, subscriptionID)
		if err != nil {
			logrus.Warningf("Registry: unsubscribe '%s' of '%s' failed: %s", subscriptionID, correlationKey, err)
		}
	}
}

// forget removes the persisted record of the key
func (reg *Registry) forget(correlationKey string) {
	if reg.store == nil {
		return
	}
	if err := reg.store.Delete(correlationKey); err != nil {
		logrus.Errorf("Registry: unable to remove persisted subscription '%s': %s", correlationKey, err)
	}
}

// Get returns the subscription handle of the correlation key
func (reg *Registry) Get(correlationKey string) (api.SubscriptionHandle, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	existing, found := reg.entries[correlationKey]
	if !found {
		return api.SubscriptionHandle{}, false
	}
	return api.SubscriptionHandle{
		CorrelationKey:  correlationKey,
		SubscriptionIDs: append([]string(nil), existing.subscriptionIDs...),
	}, true
}

// Record returns a copy of the record of the correlation key
func (reg *Registry) Record(correlationKey string) (Record, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	existing, found := reg.entries[correlationKey]
	if !found {
		return Record{}, false
	}
	rec := existing.record
	rec.Refs = append([]api.DeviceRef(nil), rec.Refs...)
	return rec, true
}

// Has returns true if the correlation key has an entry
func (reg *Registry) Has(correlationKey string) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	_, found := reg.entries[correlationKey]
	return found
}

// Keys returns the sorted correlation keys
func (reg *Registry) Keys() []string {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	keys := make([]string, 0, len(reg.entries))
	for key := range reg.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of entries
func (reg *Registry) Len() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.entries)
}

// Mode returns the delivery mode of the registry
func (reg *Registry) Mode() Mode {
	return reg.mode
}

// NewRegistry creates a subscription registry
//  mode of delivery, ModePush or ModePoll
//  platform to create and cancel platform subscriptions. Required in push mode.
//  newWorker creates polling workers. Required in poll mode.
//  store to persist subscriptions, nil to not persist
func NewRegistry(mode Mode, platform Platform, newWorker WorkerFactory, store Store) *Registry {
	reg := &Registry{
		mode:      mode,
		platform:  platform,
		newWorker: newWorker,
		store:     store,
		entries:   make(map[string]*entry),
		keyLocks:  make(map[string]*keyLock),
	}
	return reg
}
