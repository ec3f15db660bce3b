package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/wostzone/ssapbridge-go/api"
	"golang.org/x/sync/errgroup"
)

// Defaults of the polling loop
const (
	DefaultInterval = 2 * time.Second
	DefaultLookback = 3 * time.Minute
	DefaultOntology = "Biomedida"
	// MaxConcurrentQueries of a single poll
	MaxConcurrentQueries = 4
)

// State of a polling worker
type State int

// Worker states. A stopped worker is never restarted.
const (
	Created State = iota
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case Created:
		return "Created"
	case Running:
		return "Running"
	case Stopped:
		return "Stopped"
	}
	return "Unknown"
}

// WorkerConfig of a polling worker
type WorkerConfig struct {
	// Interval between polls
	Interval time.Duration
	// Lookback is the age of the oldest measurement considered
	Lookback time.Duration
	// Ontology of the measurements, used as the record key in delivered observations
	Ontology string
}

// pollTask is one measurement query of a poll
type pollTask struct {
	device string
	metric string
	result MeasurementResult
	err    error
}

func (t *pollTask) cursorKey() string {
	return t.device + "/" + t.metric
}

// PollingWorker polls the measurements of the subscribed devices and delivers each new
// record to the sink.
// Each device ref holds the device type as ontology and the device serial as value.
type PollingWorker struct {
	correlationKey string
	subscriptionID string
	callbackTarget string
	devices        []api.DeviceRef
	cfg            WorkerConfig
	source         MeasurementSource
	sink           api.IObservationSink

	// cursors per device and metric, only used by the polling goroutine or Poll
	cursors   map[string]DeliveryCursor
	delivered atomic.Int64
	now       func() time.Time

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
}

// Start the polling loop
func (w *PollingWorker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != Created {
		logrus.Warningf("PollingWorker.Start: worker '%s' is %s", w.subscriptionID, w.state)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.done = make(chan struct{})
	w.state = Running
	logrus.Infof("PollingWorker.Start: polling %d device(s) for '%s' every %s",
		len(w.devices), w.correlationKey, w.cfg.Interval)
	go w.loop(ctx)
}

// Stop the polling loop and wait for it to end.
// No observation is delivered after Stop returns.
func (w *PollingWorker) Stop() {
	w.mu.Lock()
	if w.state != Running {
		w.state = Stopped
		w.mu.Unlock()
		return
	}
	w.state = Stopped
	cancel := w.cancel
	done := w.done
	w.mu.Unlock()

	cancel()
	<-done
	logrus.Infof("PollingWorker.Stop: stopped '%s' after %d deliveries", w.correlationKey, w.Delivered())
}

// State returns the worker state
func (w *PollingWorker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Delivered returns the number of delivered observations
func (w *PollingWorker) Delivered() int64 {
	return w.delivered.Load()
}

func (w *PollingWorker) loop(ctx context.Context) {
	defer close(w.done)
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			w.Poll(ctx)
			timer.Reset(w.cfg.Interval)
		}
	}
}

// Poll runs a single polling iteration and returns the number of delivered observations.
// Query errors are logged and do not end the iteration. Not safe for concurrent use with a
// running loop.
func (w *PollingWorker) Poll(ctx context.Context) int {
	since := w.now().Add(-w.cfg.Lookback)
	tasks := make([]*pollTask, 0, len(w.devices))
	for _, dev := range w.devices {
		for _, metric := range MetricsFor(dev.Ontology) {
			tasks = append(tasks, &pollTask{device: dev.Value, metric: metric})
		}
	}

	// errors are kept per task so one failing query does not cancel the others
	var group errgroup.Group
	group.SetLimit(MaxConcurrentQueries)
	for _, task := range tasks {
		task := task
		group.Go(func() error {
			task.result, task.err = w.source.Measurements(ctx, task.device, task.metric, since, 1)
			return nil
		})
	}
	_ = group.Wait()

	count := 0
	for _, task := range tasks {
		if ctx.Err() != nil {
			return count
		}
		if task.err != nil {
			logrus.Warningf("PollingWorker.Poll: query of %s for device '%s' failed: %s",
				task.metric, task.device, task.err)
			continue
		}
		switch task.result.Code {
		case ResultOK:
		case ResultNoNewData:
			continue
		default:
			logrus.Errorf("PollingWorker.Poll: could not get %s of device '%s'. Code %d: %s",
				task.metric, task.device, task.result.Code, task.result.Description)
			continue
		}
		if len(task.result.Records) == 0 {
			continue
		}
		err := w.deliverNewest(ctx, task, task.result.Records[0])
		var payloadErr *api.PayloadError
		if errors.Is(err, api.ErrDuplicateSuppressed) {
			logrus.Debugf("PollingWorker.Poll: %s of device '%s' was already delivered", task.metric, task.device)
		} else if errors.As(err, &payloadErr) {
			logrus.Warningf("PollingWorker.Poll: malformed %s record of device '%s' skipped: %s",
				task.metric, task.device, err)
		} else if err != nil {
			logrus.Warningf("PollingWorker.Poll: delivery of %s of device '%s' to '%s' failed: %s",
				task.metric, task.device, w.correlationKey, err)
		} else {
			count++
		}
	}
	return count
}

// deliverNewest delivers the record if it advances the cursor of the task.
// Returns api.ErrDuplicateSuppressed if the record was delivered before, or a PayloadError
// if the record has no cursor fields.
func (w *PollingWorker) deliverNewest(ctx context.Context, task *pollTask, record json.RawMessage) error {
	cursor, err := CursorOf(record)
	if err != nil {
		return &api.PayloadError{Op: "poll", Reason: "invalid measurement record: " + err.Error()}
	}
	if cursor.IsZero() {
		return &api.PayloadError{Op: "poll", Reason: "measurement record without activity time or device id"}
	}
	if !cursor.Advances(w.cursors[task.cursorKey()]) {
		return api.ErrDuplicateSuppressed
	}
	data, err := w.observationData(record)
	if err != nil {
		return err
	}
	obs := api.Observation{
		CorrelationKey: w.correlationKey,
		SubscriptionID: w.subscriptionID,
		CallbackTarget: w.callbackTarget,
		Data:           data,
		Received:       w.now(),
	}
	if err = w.sink.Deliver(ctx, obs); err != nil {
		return err
	}
	w.cursors[task.cursorKey()] = cursor
	w.delivered.Add(1)
	return nil
}

// observationData wraps a measurement record in the platform's observation document
func (w *PollingWorker) observationData(record json.RawMessage) (string, error) {
	doc := map[string]interface{}{
		"contextData": map[string]interface{}{
			"timestamp": map[string]string{"$date": w.now().UTC().Format(time.RFC3339)},
		},
		w.cfg.Ontology: record,
	}
	data, err := json.Marshal(doc)
	return string(data), err
}

// NewPollingWorker creates a polling worker for the devices of a subscription.
// Call Start to begin polling.
//  correlationKey of the subscription
//  subscriptionID issued for the subscription
//  devices with the device type as ontology and the device serial as value
//  callbackTarget the observations are addressed to
//  cfg with polling interval, lookback and measurement ontology. Zero values use defaults.
//  source to query measurements
//  sink to deliver observations to
// Returns a PayloadError if a device has an unknown type
func NewPollingWorker(correlationKey string, subscriptionID string, devices []api.DeviceRef,
	callbackTarget string, cfg WorkerConfig, source MeasurementSource, sink api.IObservationSink) (*PollingWorker, error) {

	if len(devices) == 0 {
		return nil, &api.PayloadError{Op: "poll", Reason: "no devices to poll"}
	}
	for _, dev := range devices {
		if MetricsFor(dev.Ontology) == nil {
			return nil, &api.PayloadError{Op: "poll", Reason: fmt.Sprintf("unrecognized device type '%s'", dev.Ontology)}
		}
		if dev.Value == "" {
			return nil, &api.PayloadError{Op: "poll", Reason: fmt.Sprintf("missing device serial for '%s'", dev.Ontology)}
		}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = DefaultLookback
	}
	if cfg.Ontology == "" {
		cfg.Ontology = DefaultOntology
	}
	w := &PollingWorker{
		correlationKey: correlationKey,
		subscriptionID: subscriptionID,
		callbackTarget: callbackTarget,
		devices:        append([]api.DeviceRef(nil), devices...),
		cfg:            cfg,
		source:         source,
		sink:           sink,
		cursors:        make(map[string]DeliveryCursor),
		now:            time.Now,
		state:          Created,
	}
	return w, nil
}
