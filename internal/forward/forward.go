// Package forward mirrors accepted transmissions and incidents to federated
// peer instances.
package forward

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/trunkfeed/trunkfeed/internal/datastore"
	"github.com/trunkfeed/trunkfeed/internal/errors"
	"github.com/trunkfeed/trunkfeed/internal/logging"
	"github.com/trunkfeed/trunkfeed/internal/metrics"
)

// ForwardError marks a failed delivery to one peer. The jobqueue retries on
// it; other forwarders for the same event are unaffected.
type ForwardError struct {
	Forwarder string
	Err       error
}

func (e *ForwardError) Error() string {
	return fmt.Sprintf("forwarder %s: %v", e.Forwarder, e.Err)
}

func (e *ForwardError) Unwrap() error { return e.Err }

// transmissionPayload is the wire form sent to a peer. The peer authenticates
// on the shared secret in place of any local recorder identity; the uuid
// keeps redelivery idempotent on the remote side.
type transmissionPayload struct {
	Key         string    `json:"key"`
	UUID        string    `json:"uuid"`
	System      string    `json:"system"`
	TalkGroup   uint      `json:"talkgroup"`
	Tag         string    `json:"talkgroupTag"`
	StartTime   time.Time `json:"startTime"`
	EndTime     time.Time `json:"endTime"`
	Frequency   int64     `json:"frequency"`
	Emergency   bool      `json:"emergency"`
	Encrypted   bool      `json:"encrypted"`
	Audio       string    `json:"audio"`
	Units       []uint    `json:"units,omitempty"`
	Frequencies []int64   `json:"frequencies,omitempty"`
}

type incidentPayload struct {
	Key         string    `json:"key"`
	UUID        string    `json:"uuid"`
	System      string    `json:"system"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Time        time.Time `json:"time"`
	Active      bool      `json:"active"`
	Agencies    []string  `json:"agencies,omitempty"`
	UUIDs       []string  `json:"transmissionUuids,omitempty"`
}

type ack struct {
	ID string `json:"id"`
}

// Forwarder delivers events to federated peers over HTTP.
type Forwarder struct {
	store  datastore.Interface
	client *resty.Client
	logger *slog.Logger
}

// New creates a Forwarder with the given per-call timeout.
func New(store datastore.Interface, timeout time.Duration) *Forwarder {
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	return &Forwarder{
		store:  store,
		client: client,
		logger: logging.ForService("forward"),
	}
}

// Client exposes the underlying resty client, used by tests to install
// transport mocks.
func (f *Forwarder) Client() *resty.Client { return f.client }

// Eligible reports whether the forwarder configuration covers the
// transmission: it must be enabled, mirror the transmission's system, and
// either carry no talkgroup filter or list the transmission's talkgroup.
func Eligible(fw *datastore.SystemForwarder, tx *datastore.Transmission) bool {
	if !fw.Enabled {
		return false
	}
	systemMatch := false
	for i := range fw.ForwardedSystems {
		if fw.ForwardedSystems[i].ID == tx.SystemID {
			systemMatch = true
			break
		}
	}
	if !systemMatch {
		return false
	}
	if len(fw.TalkGroupFilter) == 0 {
		return true
	}
	for i := range fw.TalkGroupFilter {
		if fw.TalkGroupFilter[i].ID == tx.TalkGroupID {
			return true
		}
	}
	return false
}

// Targets returns the enabled forwarders covering the transmission.
func (f *Forwarder) Targets(tx *datastore.Transmission) ([]datastore.SystemForwarder, error) {
	forwarders, err := f.store.EnabledForwarders()
	if err != nil {
		return nil, fmt.Errorf("loading forwarders: %w", err)
	}
	var targets []datastore.SystemForwarder
	for i := range forwarders {
		if Eligible(&forwarders[i], tx) {
			targets = append(targets, forwarders[i])
		}
	}
	return targets, nil
}

// IncidentTargets returns the enabled forwarders that mirror incidents for
// the incident's system.
func (f *Forwarder) IncidentTargets(incident *datastore.Incident) ([]datastore.SystemForwarder, error) {
	forwarders, err := f.store.EnabledForwarders()
	if err != nil {
		return nil, fmt.Errorf("loading forwarders: %w", err)
	}
	var targets []datastore.SystemForwarder
	for i := range forwarders {
		fw := &forwarders[i]
		if !fw.ForwardIncidents {
			continue
		}
		for j := range fw.ForwardedSystems {
			if fw.ForwardedSystems[j].ID == incident.SystemID {
				targets = append(targets, forwarders[i])
				break
			}
		}
	}
	return targets, nil
}

// ForwardTransmission delivers one transmission to one peer. Any failure is
// returned as a ForwardError so the caller's retry policy takes over.
func (f *Forwarder) ForwardTransmission(ctx context.Context, fw *datastore.SystemForwarder, tx *datastore.Transmission) error {
	system, err := f.store.GetSystem(tx.SystemID)
	if err != nil {
		return f.fail(fw, fmt.Errorf("resolving system %d: %w", tx.SystemID, err))
	}
	talkgroup, err := f.store.TalkGroupByID(tx.TalkGroupID)
	if err != nil {
		return f.fail(fw, fmt.Errorf("resolving talkgroup %d: %w", tx.TalkGroupID, err))
	}

	payload := transmissionPayload{
		Key:       fw.SharedSecret,
		UUID:      tx.UUID,
		System:    system.Name,
		TalkGroup: talkgroup.DecimalID,
		Tag:       talkgroup.DisplayTag(),
		StartTime: tx.StartTime,
		EndTime:   tx.EndTime,
		Frequency: tx.Frequency,
		Emergency: tx.Emergency,
		Encrypted: tx.Encrypted,
		Audio:     tx.AudioReference,
	}
	for i := range tx.HeardUnits {
		payload.Units = append(payload.Units, tx.HeardUnits[i].UnitID)
	}
	for i := range tx.HopFrequencies {
		payload.Frequencies = append(payload.Frequencies, tx.HopFrequencies[i].Frequency)
	}

	return f.post(ctx, fw, endpoint(fw.RemoteURL, "/transmission/create"), payload, false)
}

// ForwardIncident delivers an incident create or update to one peer. Updates
// use PUT against the same endpoint.
func (f *Forwarder) ForwardIncident(ctx context.Context, fw *datastore.SystemForwarder, incident *datastore.Incident, update bool) error {
	system, err := f.store.GetSystem(incident.SystemID)
	if err != nil {
		return f.fail(fw, fmt.Errorf("resolving system %d: %w", incident.SystemID, err))
	}

	payload := incidentPayload{
		Key:         fw.SharedSecret,
		UUID:        incident.UUID,
		System:      system.Name,
		Name:        incident.Name,
		Description: incident.Description,
		Time:        incident.Time,
		Active:      incident.Active,
	}
	for i := range incident.Agencies {
		payload.Agencies = append(payload.Agencies, incident.Agencies[i].Name)
	}
	for i := range incident.Transmissions {
		payload.UUIDs = append(payload.UUIDs, incident.Transmissions[i].UUID)
	}

	return f.post(ctx, fw, endpoint(fw.RemoteURL, "/incident/forward"), payload, update)
}

func (f *Forwarder) post(ctx context.Context, fw *datastore.SystemForwarder, url string, payload any, update bool) error {
	var acked ack
	request := f.client.R().
		SetContext(ctx).
		SetBody(payload).
		SetResult(&acked)

	var (
		resp *resty.Response
		err  error
	)
	if update {
		resp, err = request.Put(url)
	} else {
		resp, err = request.Post(url)
	}
	if err != nil {
		return f.fail(fw, err)
	}
	if !resp.IsSuccess() {
		return f.fail(fw, fmt.Errorf("peer returned %s", resp.Status()))
	}
	if acked.ID == "" {
		return f.fail(fw, errors.Newf("peer did not echo an event id").
			Category(errors.CategoryForwarding).
			Build())
	}

	metrics.ForwardAttempts.WithLabelValues(fw.Name, "success").Inc()
	f.logger.Debug("event forwarded", "forwarder", fw.Name, "url", url, "acked_id", acked.ID)
	return nil
}

func (f *Forwarder) fail(fw *datastore.SystemForwarder, err error) error {
	metrics.ForwardAttempts.WithLabelValues(fw.Name, "failure").Inc()
	f.logger.Warn("forward failed", "forwarder", fw.Name, "error", err)
	return &ForwardError{Forwarder: fw.Name, Err: err}
}

func endpoint(base, path string) string {
	return strings.TrimRight(base, "/") + path
}
