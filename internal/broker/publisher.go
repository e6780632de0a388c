// Package broker fans accepted transmissions out to external MQTT brokers.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/trunkfeed/trunkfeed/internal/datastore"
	"github.com/trunkfeed/trunkfeed/internal/errors"
	"github.com/trunkfeed/trunkfeed/internal/logging"
	"github.com/trunkfeed/trunkfeed/internal/mqtt"
)

// Target is one configured external broker.
type Target struct {
	Name     string // broker URL, used in logs
	Client   mqtt.Client
	Systems  map[uint]struct{} // system ids to publish; empty means all systems
	Agencies bool              // additionally publish per-agency topics
}

// Covers reports whether the target is scoped to the given system.
func (t *Target) Covers(systemID uint) bool {
	if len(t.Systems) == 0 {
		return true
	}
	_, ok := t.Systems[systemID]
	return ok
}

// Envelope is the enriched transmission payload published to broker topics.
type Envelope struct {
	ID          uint      `json:"id"`
	UUID        string    `json:"uuid"`
	SystemID    uint      `json:"systemId"`
	SystemName  string    `json:"systemName"`
	Site        string    `json:"site,omitempty"`
	TalkGroupID uint      `json:"talkgroupId"`
	TalkGroup   uint      `json:"talkgroupDecimalId"`
	Tag         string    `json:"talkgroupTag"`
	Agencies    []string  `json:"agencies,omitempty"`
	StartTime   time.Time `json:"startTime"`
	EndTime     time.Time `json:"endTime"`
	Frequency   int64     `json:"frequency"`
	Emergency   bool      `json:"emergency"`
	Encrypted   bool      `json:"encrypted"`
	Audio       string    `json:"audio"`
	Units       []uint    `json:"units,omitempty"`
}

// Publisher enriches transmissions and publishes them to every covering target.
type Publisher struct {
	store   datastore.Interface
	targets []*Target
	logger  *slog.Logger
}

// NewPublisher creates a publisher over the given targets.
func NewPublisher(store datastore.Interface, targets []*Target) *Publisher {
	return &Publisher{
		store:   store,
		targets: targets,
		logger:  logging.ForService("broker"),
	}
}

// HasTargets reports whether any broker target is configured.
func (p *Publisher) HasTargets() bool {
	return len(p.targets) > 0
}

// Publish sends the enriched transmission to every topic of every covering
// target. Per-target failures are joined so the caller's retry policy
// re-runs the publish; the remote brokers deduplicate on the uuid field.
func (p *Publisher) Publish(ctx context.Context, tx *datastore.Transmission) error {
	system, err := p.store.GetSystem(tx.SystemID)
	if err != nil {
		return fmt.Errorf("enriching transmission %d: %w", tx.ID, err)
	}
	talkgroup, err := p.store.TalkGroupByID(tx.TalkGroupID)
	if err != nil {
		return fmt.Errorf("enriching transmission %d: %w", tx.ID, err)
	}

	envelope := buildEnvelope(tx, &system, &talkgroup)
	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("encoding broker payload for transmission %d: %w", tx.ID, err)
	}

	var publishErrs []error
	for _, target := range p.targets {
		if !target.Covers(tx.SystemID) {
			continue
		}
		for _, topic := range Topics(&system, &talkgroup, target.Agencies) {
			if err := target.Client.Publish(ctx, topic, string(payload)); err != nil {
				p.logger.Error("broker publish failed",
					"broker", target.Name,
					"topic", topic,
					"transmission_id", tx.ID,
					"error", err,
				)
				publishErrs = append(publishErrs, fmt.Errorf("broker %s topic %s: %w", target.Name, topic, err))
			}
		}
	}

	if len(publishErrs) > 0 {
		return errors.New(errors.Join(publishErrs...)).
			Category(errors.CategoryMQTTPublish).
			Context("transmission_id", tx.ID).
			Build()
	}
	return nil
}

func buildEnvelope(tx *datastore.Transmission, system *datastore.System, talkgroup *datastore.TalkGroup) Envelope {
	envelope := Envelope{
		ID:          tx.ID,
		UUID:        tx.UUID,
		SystemID:    system.ID,
		SystemName:  system.Name,
		Site:        system.Site,
		TalkGroupID: talkgroup.ID,
		TalkGroup:   talkgroup.DecimalID,
		Tag:         talkgroup.DisplayTag(),
		StartTime:   tx.StartTime,
		EndTime:     tx.EndTime,
		Frequency:   tx.Frequency,
		Emergency:   tx.Emergency,
		Encrypted:   tx.Encrypted,
		Audio:       tx.AudioReference,
	}
	for i := range talkgroup.Agencies {
		envelope.Agencies = append(envelope.Agencies, talkgroup.Agencies[i].Name)
	}
	for i := range tx.HeardUnits {
		envelope.Units = append(envelope.Units, tx.HeardUnits[i].UnitID)
	}
	return envelope
}

// Topics derives the topic set for a transmission on the given system and
// talkgroup. Identity topics are emitted for both id and name forms; site
// and agency topics only when the data is present.
func Topics(system *datastore.System, talkgroup *datastore.TalkGroup, agencies bool) []string {
	topics := []string{
		fmt.Sprintf("system/%d", system.ID),
		fmt.Sprintf("system/%s", system.Name),
		fmt.Sprintf("system/%d/talkgroup/%d", system.ID, talkgroup.DecimalID),
		fmt.Sprintf("system/%s/talkgroup/%s", system.Name, talkgroup.DisplayTag()),
	}
	if system.Site != "" {
		topics = append(topics, fmt.Sprintf("system/%d/site/%s", system.ID, system.Site))
	}
	if agencies {
		for i := range talkgroup.Agencies {
			topics = append(topics,
				fmt.Sprintf("agency/%d", talkgroup.Agencies[i].ID),
				fmt.Sprintf("agency/%s", talkgroup.Agencies[i].Name),
			)
		}
	}
	return topics
}
