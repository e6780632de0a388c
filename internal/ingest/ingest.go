// Package ingest validates and persists transmissions submitted by
// credentialed system recorders.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/trunkfeed/trunkfeed/internal/conf"
	"github.com/trunkfeed/trunkfeed/internal/datastore"
	"github.com/trunkfeed/trunkfeed/internal/errors"
	"github.com/trunkfeed/trunkfeed/internal/logging"
	"github.com/trunkfeed/trunkfeed/internal/metrics"
)

// Payload is the normalized recorder submission.
type Payload struct {
	TalkgroupDecimalID uint        `json:"talkgroupDecimalId"`
	TalkgroupTag       string      `json:"talkgroupTag"`
	Frequency          int64       `json:"frequency"`
	StartTime          float64     `json:"startTime"` // unix seconds
	StopTime           float64     `json:"stopTime"`
	Emergency          bool        `json:"emergency"`
	Encrypted          bool        `json:"encrypted"`
	FreqList           []FreqEntry `json:"freqList"`
	SrcList            []SrcEntry  `json:"srcList"`
}

// FreqEntry is one frequency visited during a trunked call.
type FreqEntry struct {
	Freq       int64   `json:"freq"`
	Duration   float64 `json:"len"`
	ErrorCount int     `json:"errorCount"`
	SpikeCount int     `json:"spikeCount"`
}

// SrcEntry is one radio heard during the call.
type SrcEntry struct {
	Src        uint    `json:"src"` // unit decimal id
	Time       float64 `json:"time"`
	Signal     int     `json:"signal"`
	ErrorCount int     `json:"errorCount"`
	Tag        string  `json:"tag"`
}

// Dispatcher receives the persisted transmission id for asynchronous
// fan-out.
type Dispatcher interface {
	Dispatch(txID uint)
}

// Validator implements the ingestion pipeline: credential check, payload
// normalization, catalog dedup, recorder policy, persist, async handoff.
type Validator struct {
	store      datastore.Interface
	dispatcher Dispatcher
	settings   conf.IngestSettings
	audioDir   string
	recorders  *gocache.Cache
	logger     *slog.Logger
}

// New creates a Validator writing audio blobs under audioDir.
func New(store datastore.Interface, dispatcher Dispatcher, settings conf.IngestSettings, audioDir string) *Validator {
	ttl := settings.CacheTTL
	if ttl == 0 {
		ttl = 30 * time.Second
	}
	return &Validator{
		store:      store,
		dispatcher: dispatcher,
		settings:   settings,
		audioDir:   audioDir,
		recorders:  gocache.New(ttl, 2*ttl),
		logger:     logging.ForService("ingest"),
	}
}

// Ingest validates and persists one transmission. It returns as soon as the
// row is persisted; fan-out happens asynchronously. Error kinds:
// ErrUnauthorized (bad or disabled credential), ErrPolicyDenied (talkgroup
// not permitted for this recorder), ErrMalformedPayload, ErrStorage.
func (v *Validator) Ingest(ctx context.Context, apiKey string, payload *Payload, audio []byte, fileName string) (uint, error) {
	recorder, err := v.recorder(apiKey)
	if err != nil {
		metrics.IngestRejected.WithLabelValues("unauthorized").Inc()
		return 0, err
	}

	draft, err := v.normalize(payload, audio)
	if err != nil {
		metrics.IngestRejected.WithLabelValues("malformed").Inc()
		return 0, err
	}

	talkgroup, created, err := v.store.GetOrCreateTalkGroup(
		recorder.SystemID, payload.TalkgroupDecimalID, payload.TalkgroupTag, "", "", payload.Encrypted)
	if err != nil {
		metrics.IngestRejected.WithLabelValues("malformed").Inc()
		return 0, fmt.Errorf("%w: resolving talkgroup %d: %v",
			errors.ErrMalformedPayload, payload.TalkgroupDecimalID, err)
	}
	if created {
		v.logger.Info("talkgroup created on first sighting",
			"system_id", recorder.SystemID, "decimal_id", payload.TalkgroupDecimalID, "tag", payload.TalkgroupTag)
	}

	for i := range payload.SrcList {
		src := &payload.SrcList[i]
		unit, _, err := v.store.GetOrCreateUnit(recorder.SystemID, src.Src, src.Tag)
		if err != nil {
			metrics.IngestRejected.WithLabelValues("malformed").Inc()
			return 0, fmt.Errorf("%w: resolving unit %d: %v", errors.ErrMalformedPayload, src.Src, err)
		}
		draft.HeardUnits = append(draft.HeardUnits, datastore.HeardUnit{
			UnitID:     unit.ID,
			Timestamp:  unixTime(src.Time),
			Signal:     src.Signal,
			ErrorCount: src.ErrorCount,
		})
	}

	if err := recorderPolicy(&recorder, talkgroup.ID); err != nil {
		metrics.IngestRejected.WithLabelValues("policy").Inc()
		return 0, err
	}

	draft.SystemID = recorder.SystemID
	draft.RecorderID = recorder.ID
	draft.TalkGroupID = talkgroup.ID

	if len(audio) > 0 {
		ref, err := v.saveAudio(audio, fileName, draft.UUID)
		if err != nil {
			metrics.IngestRejected.WithLabelValues("storage").Inc()
			return 0, fmt.Errorf("%w: %v", errors.ErrStorage, err)
		}
		draft.AudioReference = ref
	}

	if err := v.persist(ctx, draft); err != nil {
		metrics.IngestRejected.WithLabelValues("storage").Inc()
		return 0, err
	}

	metrics.IngestAccepted.Inc()
	v.dispatcher.Dispatch(draft.ID)
	return draft.ID, nil
}

// recorder resolves the credential, serving repeat lookups from cache. A
// disabled recorder evicts its cache entry so re-enabling takes effect
// within one TTL.
func (v *Validator) recorder(apiKey string) (datastore.SystemRecorder, error) {
	if apiKey == "" {
		return datastore.SystemRecorder{}, errors.ErrUnauthorized
	}
	if cached, ok := v.recorders.Get(apiKey); ok {
		return cached.(datastore.SystemRecorder), nil
	}

	recorder, err := v.store.RecorderByAPIKey(apiKey)
	if err != nil {
		return datastore.SystemRecorder{}, fmt.Errorf("%w: unknown recorder credential", errors.ErrUnauthorized)
	}
	if !recorder.Enabled {
		v.recorders.Delete(apiKey)
		return datastore.SystemRecorder{}, fmt.Errorf("%w: recorder %d disabled", errors.ErrUnauthorized, recorder.ID)
	}

	v.recorders.SetDefault(apiKey, recorder)
	return recorder, nil
}

// normalize builds the transmission draft from the raw payload.
func (v *Validator) normalize(payload *Payload, audio []byte) (*datastore.Transmission, error) {
	if payload == nil {
		return nil, fmt.Errorf("%w: empty payload", errors.ErrMalformedPayload)
	}
	if payload.TalkgroupDecimalID == 0 {
		return nil, fmt.Errorf("%w: missing talkgroup decimal id", errors.ErrMalformedPayload)
	}
	if payload.StartTime == 0 {
		return nil, fmt.Errorf("%w: missing start time", errors.ErrMalformedPayload)
	}
	if v.settings.MaxAudioSize > 0 && int64(len(audio)) > v.settings.MaxAudioSize {
		return nil, fmt.Errorf("%w: audio exceeds %d bytes", errors.ErrMalformedPayload, v.settings.MaxAudioSize)
	}

	stop := payload.StopTime
	if stop == 0 {
		stop = payload.StartTime
	}

	draft := &datastore.Transmission{
		UUID:      uuid.NewString(),
		StartTime: unixTime(payload.StartTime),
		EndTime:   unixTime(stop),
		Frequency: payload.Frequency,
		Emergency: payload.Emergency,
		Encrypted: payload.Encrypted,
	}
	for i := range payload.FreqList {
		entry := &payload.FreqList[i]
		draft.HopFrequencies = append(draft.HopFrequencies, datastore.HopFrequency{
			Frequency:  entry.Freq,
			Duration:   entry.Duration,
			ErrorCount: entry.ErrorCount,
			SpikeCount: entry.SpikeCount,
		})
	}
	return draft, nil
}

// recorderPolicy applies the allow/deny lists, most specific first: deny
// beats allow, a non-empty allow-list admits only its members, and a
// recorder with neither list accepts everything.
func recorderPolicy(recorder *datastore.SystemRecorder, talkgroupID uint) error {
	for i := range recorder.DeniedTalkGroups {
		if recorder.DeniedTalkGroups[i].ID == talkgroupID {
			return fmt.Errorf("%w: talkgroup %d denied for recorder %d",
				errors.ErrPolicyDenied, talkgroupID, recorder.ID)
		}
	}
	if len(recorder.AllowedTalkGroups) == 0 {
		return nil
	}
	for i := range recorder.AllowedTalkGroups {
		if recorder.AllowedTalkGroups[i].ID == talkgroupID {
			return nil
		}
	}
	return fmt.Errorf("%w: talkgroup %d not in recorder %d allow-list",
		errors.ErrPolicyDenied, talkgroupID, recorder.ID)
}

// persist saves the transmission, retrying transient storage failures a
// bounded number of times before surfacing ErrStorage.
func (v *Validator) persist(ctx context.Context, draft *datastore.Transmission) error {
	attempts := v.settings.SaveRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", errors.ErrStorage, err)
		}
		if lastErr = v.store.SaveTransmission(draft); lastErr == nil {
			return nil
		}
		v.logger.Warn("transmission save failed",
			"attempt", attempt, "of", attempts, "error", lastErr)
		if attempt < attempts {
			time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
		}
	}
	return fmt.Errorf("%w: %v", errors.ErrStorage, lastErr)
}

func (v *Validator) saveAudio(audio []byte, fileName, txUUID string) (string, error) {
	ext := filepath.Ext(fileName)
	if ext == "" {
		ext = ".audio"
	}
	if err := os.MkdirAll(v.audioDir, 0o755); err != nil {
		return "", err
	}
	ref := filepath.Join(v.audioDir, txUUID+ext)
	if err := os.WriteFile(ref, audio, 0o644); err != nil {
		return "", err
	}
	return ref, nil
}

func unixTime(seconds float64) time.Time {
	if seconds == 0 {
		return time.Time{}
	}
	sec := int64(seconds)
	nsec := int64((seconds - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec)
}
