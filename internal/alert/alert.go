// Package alert evaluates per-user notification rules against every
// accepted transmission.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/trunkfeed/trunkfeed/internal/datastore"
	"github.com/trunkfeed/trunkfeed/internal/logging"
	"github.com/trunkfeed/trunkfeed/internal/metrics"
)

// Trigger types reported in rendered notifications and metrics.
const (
	TriggerTalkgroup = "Talkgroup"
	TriggerUnit      = "Unit"
)

// Default templates used when an alert carries none.
const (
	defaultTitleTemplate = "%T alert: %I"
	defaultBodyTemplate  = "Transmission %U on %I (emergency: %E)"
)

// WebDeliverer pushes a rendered alert into the owning user's private
// realtime room. Implemented by the realtime hub.
type WebDeliverer interface {
	DeliverAlert(userID uint, title, body string)
}

// ExternalSender delivers a rendered alert to a set of external URLs.
type ExternalSender interface {
	Send(ctx context.Context, urls []string, title, body string) error
}

// Engine evaluates alert rules. Evaluation reads persisted state at call
// time; near-simultaneous transmissions may not yet be visible to the
// count-over-window check.
type Engine struct {
	store           datastore.Interface
	web             WebDeliverer
	external        ExternalSender
	externalTimeout time.Duration
	logger          *slog.Logger
}

// NewEngine creates an alert engine. web and external may be nil when the
// corresponding delivery channel is not configured.
func NewEngine(store datastore.Interface, web WebDeliverer, external ExternalSender, externalTimeout time.Duration) *Engine {
	return &Engine{
		store:           store,
		web:             web,
		external:        external,
		externalTimeout: externalTimeout,
		logger:          logging.ForService("alert"),
	}
}

// Evaluate runs every enabled alert against the transmission. Talkgroup and
// Unit triggers are independent; one transmission may fire both for the same
// alert. External delivery failures are logged, never returned.
func (e *Engine) Evaluate(ctx context.Context, tx *datastore.Transmission) error {
	alerts, err := e.store.EnabledAlerts()
	if err != nil {
		return fmt.Errorf("loading alerts: %w", err)
	}

	for i := range alerts {
		if err := e.evaluateOne(ctx, &alerts[i], tx); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) evaluateOne(ctx context.Context, alert *datastore.UserAlert, tx *datastore.Transmission) error {
	if alert.EmergencyOnly && !tx.Emergency {
		return nil
	}

	if alert.Count > 1 {
		since := time.Now().Add(-time.Duration(alert.TriggerWindowSeconds) * time.Second)
		count, err := e.store.CountRecentOnTalkgroup(tx.SystemID, tx.TalkGroupID, since)
		if err != nil {
			return fmt.Errorf("counting window for alert %d: %w", alert.ID, err)
		}
		if count < int64(alert.Count) {
			return nil
		}
	}

	if identity, ok := e.talkgroupIdentity(alert, tx); ok {
		e.fire(ctx, alert, tx, TriggerTalkgroup, identity)
	}
	if identity, ok := unitIdentity(alert, tx); ok {
		e.fire(ctx, alert, tx, TriggerUnit, identity)
	}
	return nil
}

// talkgroupIdentity returns the display tag when the alert targets the
// transmission's talkgroup.
func (e *Engine) talkgroupIdentity(alert *datastore.UserAlert, tx *datastore.Transmission) (string, bool) {
	for i := range alert.TalkGroups {
		if alert.TalkGroups[i].ID == tx.TalkGroupID {
			tg := alert.TalkGroups[i]
			return tg.DisplayTag(), true
		}
	}
	return "", false
}

// unitIdentity returns the semicolon-joined names of the heard units the
// alert targets, decimal id standing in for an empty description.
func unitIdentity(alert *datastore.UserAlert, tx *datastore.Transmission) (string, bool) {
	heard := make(map[uint]struct{}, len(tx.HeardUnits))
	for i := range tx.HeardUnits {
		heard[tx.HeardUnits[i].UnitID] = struct{}{}
	}

	var names []string
	for i := range alert.Units {
		if _, ok := heard[alert.Units[i].ID]; ok {
			names = append(names, alert.Units[i].DisplayName())
		}
	}
	if len(names) == 0 {
		return "", false
	}
	return strings.Join(names, ";"), true
}

func (e *Engine) fire(ctx context.Context, alert *datastore.UserAlert, tx *datastore.Transmission, trigger, identity string) {
	title := render(orDefault(alert.TitleTemplate, defaultTitleTemplate), trigger, identity, tx)
	body := render(orDefault(alert.BodyTemplate, defaultBodyTemplate), trigger, identity, tx)

	metrics.AlertsFired.WithLabelValues(trigger).Inc()
	e.logger.Info("alert fired",
		"alert_id", alert.ID,
		"user_id", alert.UserID,
		"trigger", trigger,
		"identity", identity,
		"transmission_id", tx.ID,
	)

	if alert.WebDelivery && e.web != nil {
		e.web.DeliverAlert(alert.UserID, title, body)
	}

	if alert.ExternalDelivery && e.external != nil && len(alert.ExternalURLs) > 0 {
		urls := make([]string, 0, len(alert.ExternalURLs))
		for i := range alert.ExternalURLs {
			urls = append(urls, alert.ExternalURLs[i].URL)
		}
		// fire and forget; a lost external notification is not worth
		// re-firing the whole evaluation for
		go func() {
			sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.externalTimeout)
			defer cancel()
			if err := e.external.Send(sendCtx, urls, title, body); err != nil {
				e.logger.Warn("external alert delivery failed",
					"alert_id", alert.ID, "error", err)
			}
		}()
	}
}

// render substitutes the template placeholders: %T trigger type, %I trigger
// identity, %E emergency flag, %U transmission id.
func render(template, trigger, identity string, tx *datastore.Transmission) string {
	r := strings.NewReplacer(
		"%T", trigger,
		"%I", identity,
		"%E", strconv.FormatBool(tx.Emergency),
		"%U", strconv.FormatUint(uint64(tx.ID), 10),
	)
	return r.Replace(template)
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
