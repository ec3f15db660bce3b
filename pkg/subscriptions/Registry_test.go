package subscriptions_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wostzone/ssapbridge-go/api"
	"github.com/wostzone/ssapbridge-go/pkg/subscriptions"
)

// platform emulation issuing SUB-n subscription IDs
type testPlatform struct {
	mu             sync.Mutex
	counter        int
	subscribed     map[string]api.DeviceRef
	unsubscribed   []string
	subscribeErr   error
	unsubscribeErr error
	emptyFor       string // ontology for which no ID is returned
}

func newTestPlatform() *testPlatform {
	return &testPlatform{subscribed: make(map[string]api.DeviceRef)}
}

func (tp *testPlatform) SubscribePlatform(ctx context.Context, correlationKey string, ref api.DeviceRef, callbackTarget string) (string, error) {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	if tp.subscribeErr != nil && tp.counter > 0 {
		return "", tp.subscribeErr
	}
	if ref.Ontology == tp.emptyFor {
		return "", nil
	}
	tp.counter++
	id := fmt.Sprintf("SUB-%d", tp.counter)
	tp.subscribed[id] = ref
	return id, nil
}

func (tp *testPlatform) UnsubscribePlatform(ctx context.Context, subscriptionID string) error {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	tp.unsubscribed = append(tp.unsubscribed, subscriptionID)
	return tp.unsubscribeErr
}

type testWorker struct {
	stopped atomic.Bool
}

func (tw *testWorker) Stop() {
	tw.stopped.Store(true)
}

type memStore struct {
	mu      sync.Mutex
	records map[string]subscriptions.Record
}

func (ms *memStore) Save(record subscriptions.Record) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.records[record.CorrelationKey] = record
	return nil
}

func (ms *memStore) Delete(correlationKey string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.records, correlationKey)
	return nil
}

func (ms *memStore) List() ([]subscriptions.Record, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	records := make([]subscriptions.Record, 0, len(ms.records))
	for _, rec := range ms.records {
		records = append(records, rec)
	}
	return records, nil
}

var scaleRef = api.DeviceRef{Ontology: "Scale", Field: "serial", Value: "S100"}

func TestSubscribeUnsubscribe(t *testing.T) {
	tp := newTestPlatform()
	reg := subscriptions.NewRegistry(subscriptions.ModePush, tp, nil, nil)

	handle, err := reg.Subscribe(context.Background(), "conv-1", []api.DeviceRef{scaleRef}, "https://cb/conv-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"SUB-1"}, handle.SubscriptionIDs)
	assert.True(t, reg.Has("conv-1"))

	// platform fails on unsubscribe, entry is still removed
	tp.unsubscribeErr = &api.TransportError{StatusCode: 500}
	err = reg.Unsubscribe(context.Background(), "conv-1")
	assert.NoError(t, err)
	assert.Equal(t, []string{"SUB-1"}, tp.unsubscribed)
	assert.False(t, reg.Has("conv-1"))
	assert.Equal(t, 0, reg.Len())

	// second unsubscribe is a no-op
	err = reg.Unsubscribe(context.Background(), "conv-1")
	assert.NoError(t, err)
	assert.Len(t, tp.unsubscribed, 1)
}

func TestSubscribeRequiresRefs(t *testing.T) {
	reg := subscriptions.NewRegistry(subscriptions.ModePush, newTestPlatform(), nil, nil)
	_, err := reg.Subscribe(context.Background(), "conv-1", nil, "cb")
	var payloadErr *api.PayloadError
	assert.True(t, errors.As(err, &payloadErr))

	_, err = reg.Subscribe(context.Background(), "", []api.DeviceRef{scaleRef}, "cb")
	assert.True(t, errors.As(err, &payloadErr))
	assert.Equal(t, 0, reg.Len())
}

func TestSubscribeIgnoresEmptyIDs(t *testing.T) {
	tp := newTestPlatform()
	tp.emptyFor = "Thermometer"
	reg := subscriptions.NewRegistry(subscriptions.ModePush, tp, nil, nil)
	refs := []api.DeviceRef{scaleRef, {Ontology: "Thermometer", Field: "serial", Value: "T1"}}
	handle, err := reg.Subscribe(context.Background(), "conv-2", refs, "cb")
	require.NoError(t, err)
	assert.Equal(t, []string{"SUB-1"}, handle.SubscriptionIDs)
}

func TestSubscribeRollback(t *testing.T) {
	tp := newTestPlatform()
	tp.subscribeErr = &api.TransportError{StatusCode: 500}
	reg := subscriptions.NewRegistry(subscriptions.ModePush, tp, nil, nil)
	refs := []api.DeviceRef{scaleRef, {Ontology: "Scale", Field: "serial", Value: "S200"}}
	_, err := reg.Subscribe(context.Background(), "conv-3", refs, "cb")
	assert.Error(t, err)
	// the first subscription was cancelled
	assert.Equal(t, []string{"SUB-1"}, tp.unsubscribed)
	assert.False(t, reg.Has("conv-3"))
}

func TestResubscribeReplaces(t *testing.T) {
	tp := newTestPlatform()
	reg := subscriptions.NewRegistry(subscriptions.ModePush, tp, nil, nil)
	_, err := reg.Subscribe(context.Background(), "conv-1", []api.DeviceRef{scaleRef}, "cb")
	require.NoError(t, err)
	handle, err := reg.Subscribe(context.Background(), "conv-1", []api.DeviceRef{scaleRef}, "cb")
	require.NoError(t, err)
	assert.Equal(t, []string{"SUB-2"}, handle.SubscriptionIDs)
	assert.Equal(t, []string{"SUB-1"}, tp.unsubscribed)
	assert.Equal(t, 1, reg.Len())
}

func TestPollModeStartsOneWorker(t *testing.T) {
	var workers []*testWorker
	factory := func(key string, subscriptionID string, refs []api.DeviceRef, callbackTarget string) (subscriptions.Worker, error) {
		assert.Equal(t, "conv-1", key)
		assert.Len(t, refs, 2)
		w := &testWorker{}
		workers = append(workers, w)
		return w, nil
	}
	reg := subscriptions.NewRegistry(subscriptions.ModePoll, nil, factory, nil)
	refs := []api.DeviceRef{{Ontology: "scale", Value: "S100"}, {Ontology: "scale", Value: "S200"}}
	handle, err := reg.Subscribe(context.Background(), "conv-1", refs, "https://cb")
	require.NoError(t, err)
	require.Len(t, handle.SubscriptionIDs, 1)
	assert.Len(t, handle.SubscriptionIDs[0], 36)
	require.Len(t, workers, 1)
	assert.False(t, workers[0].stopped.Load())

	err = reg.Unsubscribe(context.Background(), "conv-1")
	assert.NoError(t, err)
	assert.True(t, workers[0].stopped.Load())
}

func TestPollModeWorkerFailure(t *testing.T) {
	factory := func(key string, subscriptionID string, refs []api.DeviceRef, callbackTarget string) (subscriptions.Worker, error) {
		return nil, errors.New("unknown device type")
	}
	reg := subscriptions.NewRegistry(subscriptions.ModePoll, nil, factory, nil)
	_, err := reg.Subscribe(context.Background(), "conv-1", []api.DeviceRef{scaleRef}, "cb")
	assert.Error(t, err)
	assert.False(t, reg.Has("conv-1"))
}

func TestClearKeepsRecordsAndRestore(t *testing.T) {
	tp := newTestPlatform()
	store := &memStore{records: make(map[string]subscriptions.Record)}
	reg := subscriptions.NewRegistry(subscriptions.ModePush, tp, nil, store)

	_, err := reg.Subscribe(context.Background(), "conv-1", []api.DeviceRef{scaleRef}, "cb1")
	require.NoError(t, err)
	_, err = reg.Subscribe(context.Background(), "conv-2", []api.DeviceRef{scaleRef}, "cb2")
	require.NoError(t, err)
	assert.Equal(t, []string{"conv-1", "conv-2"}, reg.Keys())

	reg.Clear(context.Background())
	assert.Equal(t, 0, reg.Len())
	assert.Len(t, tp.unsubscribed, 2)
	assert.Len(t, store.records, 2)

	count, err := reg.Restore(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, 2, reg.Len())
	handle, found := reg.Get("conv-2")
	assert.True(t, found)
	assert.Len(t, handle.SubscriptionIDs, 1)

	// unsubscribe removes the record
	_ = reg.Unsubscribe(context.Background(), "conv-1")
	assert.Len(t, store.records, 1)
}

func TestConcurrentSubscribe(t *testing.T) {
	tp := newTestPlatform()
	reg := subscriptions.NewRegistry(subscriptions.ModePush, tp, nil, nil)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("conv-%d", i%5)
			_, err := reg.Subscribe(context.Background(), key, []api.DeviceRef{scaleRef}, "cb")
			assert.NoError(t, err)
			if i%2 == 0 {
				_ = reg.Unsubscribe(context.Background(), key)
			}
		}(i)
	}
	wg.Wait()
	// every platform subscription of a removed or replaced entry was cancelled
	live := 0
	for _, key := range reg.Keys() {
		handle, _ := reg.Get(key)
		live += len(handle.SubscriptionIDs)
	}
	assert.Equal(t, 20, live+len(tp.unsubscribed))
}

// blockingPlatform holds each subscribe until proceed is closed
type blockingPlatform struct {
	*testPlatform
	entered chan struct{}
	proceed chan struct{}
}

func (bp *blockingPlatform) SubscribePlatform(ctx context.Context, correlationKey string, ref api.DeviceRef, callbackTarget string) (string, error) {
	bp.entered <- struct{}{}
	<-bp.proceed
	return bp.testPlatform.SubscribePlatform(ctx, correlationKey, ref, callbackTarget)
}

func TestSubscribeRefusedDuringClear(t *testing.T) {
	ctx := context.Background()
	bp := &blockingPlatform{
		testPlatform: newTestPlatform(),
		entered:      make(chan struct{}, 1),
		proceed:      make(chan struct{}),
	}
	store := &memStore{records: make(map[string]subscriptions.Record)}
	reg := subscriptions.NewRegistry(subscriptions.ModePush, bp, nil, store)
	var leaving atomic.Bool
	reg.SetAdmission(func() error {
		if leaving.Load() {
			return &api.SessionError{Reason: "leaving"}
		}
		return nil
	})

	errCh := make(chan error, 1)
	go func() {
		_, err := reg.Subscribe(ctx, "conv-2", []api.DeviceRef{scaleRef}, "cb")
		errCh <- err
	}()
	// the subscribe is waiting for the platform while the registry is cleared
	<-bp.entered
	leaving.Store(true)
	reg.Clear(ctx)
	close(bp.proceed)

	err := <-errCh
	assert.True(t, api.IsSessionError(err), "err: %v", err)
	assert.Equal(t, 0, reg.Len())
	assert.Empty(t, store.records)
	bp.mu.Lock()
	defer bp.mu.Unlock()
	assert.Equal(t, []string{"SUB-1"}, bp.unsubscribed)
}

func TestPollWorkerRefused(t *testing.T) {
	worker := &testWorker{}
	factory := func(key string, subscriptionID string, refs []api.DeviceRef, callbackTarget string) (subscriptions.Worker, error) {
		return worker, nil
	}
	reg := subscriptions.NewRegistry(subscriptions.ModePoll, nil, factory, nil)
	reg.SetAdmission(func() error { return &api.SessionError{Reason: "leaving"} })

	_, err := reg.Subscribe(context.Background(), "conv-1", []api.DeviceRef{scaleRef}, "cb")
	assert.True(t, api.IsSessionError(err))
	assert.True(t, worker.stopped.Load())
	assert.False(t, reg.Has("conv-1"))
}
