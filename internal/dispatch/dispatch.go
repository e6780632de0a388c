// Package dispatch fans accepted transmissions out to the realtime hub,
// broker publisher, federation forwarders, and alert engine. Each sink runs
// as its own job so one sink's failure never blocks a sibling.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/trunkfeed/trunkfeed/internal/alert"
	"github.com/trunkfeed/trunkfeed/internal/broker"
	"github.com/trunkfeed/trunkfeed/internal/datastore"
	"github.com/trunkfeed/trunkfeed/internal/forward"
	"github.com/trunkfeed/trunkfeed/internal/jobqueue"
	"github.com/trunkfeed/trunkfeed/internal/logging"
	"github.com/trunkfeed/trunkfeed/internal/metrics"
)

// RealtimeSink pushes broadcast envelopes to connected sessions.
type RealtimeSink interface {
	BroadcastTransmission(tx *datastore.Transmission) error
}

// Dispatcher enqueues one job per sink for every accepted transmission.
type Dispatcher struct {
	queue     *jobqueue.JobQueue
	store     datastore.Interface
	realtime  RealtimeSink
	publisher *broker.Publisher
	forwarder *forward.Forwarder
	alerts    *alert.Engine
	logger    *slog.Logger

	forwardRetries int
	sinkTimeout    time.Duration
}

// New creates a dispatcher. Any sink may be nil when not configured; nil
// sinks are skipped.
func New(queue *jobqueue.JobQueue, store datastore.Interface, realtime RealtimeSink,
	publisher *broker.Publisher, forwarder *forward.Forwarder, alerts *alert.Engine,
	forwardRetries int) *Dispatcher {
	return &Dispatcher{
		queue:          queue,
		store:          store,
		realtime:       realtime,
		publisher:      publisher,
		forwarder:      forwarder,
		alerts:         alerts,
		logger:         logging.ForService("dispatch"),
		forwardRetries: forwardRetries,
		sinkTimeout:    time.Minute,
	}
}

// Dispatch enqueues the fan-out jobs for a persisted transmission and
// returns immediately. Failure to enqueue one sink does not stop the others.
func (d *Dispatcher) Dispatch(txID uint) {
	tx, err := d.store.GetTransmission(txID)
	if err != nil {
		d.logger.Error("cannot load transmission for fan-out", "transmission_id", txID, "error", err)
		return
	}

	if d.realtime != nil {
		d.enqueue(&realtimeAction{sink: d.realtime, tx: &tx}, jobqueue.NoRetry())
	}

	if d.publisher != nil && d.publisher.HasTargets() {
		d.enqueue(&brokerAction{
			publisher: d.publisher,
			tx:        &tx,
			timeout:   d.sinkTimeout,
		}, jobqueue.WithRetry(d.forwardRetries))
	}

	if d.forwarder != nil {
		targets, err := d.forwarder.Targets(&tx)
		if err != nil {
			d.logger.Error("cannot resolve forward targets", "transmission_id", txID, "error", err)
		}
		// one job per peer keeps a dead peer from starving the others
		for i := range targets {
			d.enqueue(&forwardAction{
				forwarder: d.forwarder,
				target:    targets[i],
				tx:        &tx,
				timeout:   d.sinkTimeout,
			}, jobqueue.WithRetry(d.forwardRetries))
		}
	}

	if d.alerts != nil {
		d.enqueue(&alertAction{
			engine:  d.alerts,
			tx:      &tx,
			timeout: d.sinkTimeout,
		}, jobqueue.NoRetry())
	}
}

// DispatchIncident enqueues forward jobs for an incident create or update.
func (d *Dispatcher) DispatchIncident(incident *datastore.Incident, update bool) {
	if d.forwarder == nil {
		return
	}
	targets, err := d.forwarder.IncidentTargets(incident)
	if err != nil {
		d.logger.Error("cannot resolve incident forward targets", "incident_id", incident.ID, "error", err)
		return
	}
	for i := range targets {
		d.enqueue(&incidentAction{
			forwarder: d.forwarder,
			target:    targets[i],
			incident:  incident,
			update:    update,
			timeout:   d.sinkTimeout,
		}, jobqueue.WithRetry(d.forwardRetries))
	}
}

func (d *Dispatcher) enqueue(action jobqueue.Action, config jobqueue.RetryConfig) {
	if _, err := d.queue.Enqueue(action, nil, config); err != nil {
		d.logger.Error("failed to enqueue sink job", "action", action.GetDescription(), "error", err)
	}
}

type realtimeAction struct {
	sink RealtimeSink
	tx   *datastore.Transmission
}

func (a *realtimeAction) Execute(_ any) error {
	if err := a.sink.BroadcastTransmission(a.tx); err != nil {
		metrics.SinkFailure.WithLabelValues("realtime").Inc()
		return err
	}
	metrics.SinkSuccess.WithLabelValues("realtime").Inc()
	return nil
}

func (a *realtimeAction) GetDescription() string {
	return fmt.Sprintf("realtime broadcast for transmission %d", a.tx.ID)
}

type brokerAction struct {
	publisher *broker.Publisher
	tx        *datastore.Transmission
	timeout   time.Duration
}

func (a *brokerAction) Execute(_ any) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	if err := a.publisher.Publish(ctx, a.tx); err != nil {
		metrics.SinkFailure.WithLabelValues("broker").Inc()
		return err
	}
	metrics.SinkSuccess.WithLabelValues("broker").Inc()
	return nil
}

func (a *brokerAction) GetDescription() string {
	return fmt.Sprintf("broker publish for transmission %d", a.tx.ID)
}

type forwardAction struct {
	forwarder *forward.Forwarder
	target    datastore.SystemForwarder
	tx        *datastore.Transmission
	timeout   time.Duration
}

func (a *forwardAction) Execute(_ any) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	if err := a.forwarder.ForwardTransmission(ctx, &a.target, a.tx); err != nil {
		metrics.SinkFailure.WithLabelValues("forward").Inc()
		return err
	}
	metrics.SinkSuccess.WithLabelValues("forward").Inc()
	return nil
}

func (a *forwardAction) GetDescription() string {
	return fmt.Sprintf("forward transmission %d to %s", a.tx.ID, a.target.Name)
}

type incidentAction struct {
	forwarder *forward.Forwarder
	target    datastore.SystemForwarder
	incident  *datastore.Incident
	update    bool
	timeout   time.Duration
}

func (a *incidentAction) Execute(_ any) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	if err := a.forwarder.ForwardIncident(ctx, &a.target, a.incident, a.update); err != nil {
		metrics.SinkFailure.WithLabelValues("forward").Inc()
		return err
	}
	metrics.SinkSuccess.WithLabelValues("forward").Inc()
	return nil
}

func (a *incidentAction) GetDescription() string {
	return fmt.Sprintf("forward incident %d to %s", a.incident.ID, a.target.Name)
}

type alertAction struct {
	engine  *alert.Engine
	tx      *datastore.Transmission
	timeout time.Duration
}

func (a *alertAction) Execute(_ any) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	if err := a.engine.Evaluate(ctx, a.tx); err != nil {
		metrics.SinkFailure.WithLabelValues("alert").Inc()
		return err
	}
	metrics.SinkSuccess.WithLabelValues("alert").Inc()
	return nil
}

func (a *alertAction) GetDescription() string {
	return fmt.Sprintf("alert evaluation for transmission %d", a.tx.ID)
}
