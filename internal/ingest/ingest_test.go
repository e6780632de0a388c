package ingest

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trunkfeed/trunkfeed/internal/conf"
	"github.com/trunkfeed/trunkfeed/internal/datastore"
	"github.com/trunkfeed/trunkfeed/internal/errors"
)

type fakeDispatcher struct {
	mu  sync.Mutex
	ids []uint
}

func (f *fakeDispatcher) Dispatch(txID uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, txID)
}

func (f *fakeDispatcher) dispatched() []uint {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint(nil), f.ids...)
}

type fixture struct {
	store    *datastore.DataStore
	disp     *fakeDispatcher
	v        *Validator
	sys      datastore.System
	recorder datastore.SystemRecorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ds := datastore.New(&conf.Settings{
		Datastore: conf.DatastoreSettings{Path: filepath.Join(t.TempDir(), "test.db")},
	})
	require.NoError(t, ds.Open())
	t.Cleanup(func() { _ = ds.Close() })

	f := &fixture{store: ds, disp: &fakeDispatcher{}}

	f.sys = datastore.System{Name: "metro"}
	require.NoError(t, ds.DB.Create(&f.sys).Error)
	f.recorder = datastore.SystemRecorder{
		SystemID: f.sys.ID, Name: "rec-1", APIKey: uuid.NewString(), Enabled: true,
	}
	require.NoError(t, ds.DB.Create(&f.recorder).Error)

	f.v = New(ds, f.disp, conf.IngestSettings{
		SaveRetries:  2,
		MaxAudioSize: 1 << 20,
		CacheTTL:     time.Second,
	}, filepath.Join(t.TempDir(), "audio"))
	return f
}

func validPayload(decimalID uint, tag string) *Payload {
	now := float64(time.Now().Unix())
	return &Payload{
		TalkgroupDecimalID: decimalID,
		TalkgroupTag:       tag,
		Frequency:          854_237_500,
		StartTime:          now - 12,
		StopTime:           now,
		FreqList:           []FreqEntry{{Freq: 854_237_500, Duration: 12}},
		SrcList:            []SrcEntry{{Src: 7001, Time: now - 10, Signal: -60}},
	}
}

func TestIngestAcceptsAndDispatches(t *testing.T) {
	f := newFixture(t)

	id, err := f.v.Ingest(context.Background(), f.recorder.APIKey, validPayload(42, "DISPATCH"), nil, "")
	require.NoError(t, err)
	require.NotZero(t, id)

	tx, err := f.store.GetTransmission(id)
	require.NoError(t, err)
	assert.Equal(t, f.sys.ID, tx.SystemID)
	assert.Equal(t, f.recorder.ID, tx.RecorderID)
	require.Len(t, tx.HeardUnits, 1)
	require.Len(t, tx.HopFrequencies, 1)

	// talkgroup and unit were created on first sighting
	tg, err := f.store.TalkGroupByID(tx.TalkGroupID)
	require.NoError(t, err)
	assert.Equal(t, "DISPATCH", tg.AlphaTag)
	assert.EqualValues(t, 42, tg.DecimalID)

	assert.Equal(t, []uint{id}, f.disp.dispatched())
}

func TestIngestUnknownCredential(t *testing.T) {
	f := newFixture(t)

	_, err := f.v.Ingest(context.Background(), "bogus", validPayload(42, ""), nil, "")
	assert.ErrorIs(t, err, errors.ErrUnauthorized)
	assert.Empty(t, f.disp.dispatched())
}

func TestIngestDisabledRecorder(t *testing.T) {
	f := newFixture(t)
	f.recorder.Enabled = false
	require.NoError(t, f.store.DB.Save(&f.recorder).Error)

	_, err := f.v.Ingest(context.Background(), f.recorder.APIKey, validPayload(42, ""), nil, "")
	assert.ErrorIs(t, err, errors.ErrUnauthorized)
}

func TestIngestMalformedPayloads(t *testing.T) {
	f := newFixture(t)

	missingTG := validPayload(0, "")
	_, err := f.v.Ingest(context.Background(), f.recorder.APIKey, missingTG, nil, "")
	assert.ErrorIs(t, err, errors.ErrMalformedPayload)

	missingStart := validPayload(42, "")
	missingStart.StartTime = 0
	_, err = f.v.Ingest(context.Background(), f.recorder.APIKey, missingStart, nil, "")
	assert.ErrorIs(t, err, errors.ErrMalformedPayload)

	oversized := make([]byte, 2<<20)
	_, err = f.v.Ingest(context.Background(), f.recorder.APIKey, validPayload(42, ""), oversized, "big.m4a")
	assert.ErrorIs(t, err, errors.ErrMalformedPayload)
}

func TestRecorderPolicyPrecedence(t *testing.T) {
	f := newFixture(t)

	tg7, _, err := f.store.GetOrCreateTalkGroup(f.sys.ID, 7, "TG7", "", "", false)
	require.NoError(t, err)
	tg9, _, err := f.store.GetOrCreateTalkGroup(f.sys.ID, 9, "TG9", "", "", false)
	require.NoError(t, err)
	_, _, err = f.store.GetOrCreateTalkGroup(f.sys.ID, 11, "TG11", "", "", false)
	require.NoError(t, err)

	require.NoError(t, f.store.DB.Model(&f.recorder).Association("DeniedTalkGroups").Append(&tg7))
	require.NoError(t, f.store.DB.Model(&f.recorder).Association("AllowedTalkGroups").Append(&tg7, &tg9))

	// deny beats allow even when the talkgroup is allow-listed
	_, err = f.v.Ingest(context.Background(), f.recorder.APIKey, validPayload(7, ""), nil, "")
	assert.ErrorIs(t, err, errors.ErrPolicyDenied)

	// allow-listed and not denied
	_, err = f.v.Ingest(context.Background(), f.recorder.APIKey, validPayload(9, ""), nil, "")
	assert.NoError(t, err)

	// a non-empty allow-list admits only its members
	_, err = f.v.Ingest(context.Background(), f.recorder.APIKey, validPayload(11, ""), nil, "")
	assert.ErrorIs(t, err, errors.ErrPolicyDenied)
}

func TestEmptyListsDefaultAccept(t *testing.T) {
	f := newFixture(t)

	_, err := f.v.Ingest(context.Background(), f.recorder.APIKey, validPayload(123, ""), nil, "")
	assert.NoError(t, err)
}

func TestIngestSavesAudioBlob(t *testing.T) {
	f := newFixture(t)

	audio := []byte("not really audio")
	id, err := f.v.Ingest(context.Background(), f.recorder.APIKey, validPayload(42, ""), audio, "call.m4a")
	require.NoError(t, err)

	tx, err := f.store.GetTransmission(id)
	require.NoError(t, err)
	require.NotEmpty(t, tx.AudioReference)
	assert.Equal(t, ".m4a", filepath.Ext(tx.AudioReference))

	saved, err := os.ReadFile(tx.AudioReference)
	require.NoError(t, err)
	assert.Equal(t, audio, saved)
}

// flakyStore fails SaveTransmission a fixed number of times before
// delegating, to exercise the bounded retry.
type flakyStore struct {
	datastore.Interface
	failures int
}

func (s *flakyStore) SaveTransmission(tx *datastore.Transmission) error {
	if s.failures > 0 {
		s.failures--
		return assert.AnError
	}
	return s.Interface.SaveTransmission(tx)
}

func TestStorageFailureRetriedThenSurfaced(t *testing.T) {
	f := newFixture(t)

	flaky := &flakyStore{Interface: f.store, failures: 2}
	v := New(flaky, f.disp, conf.IngestSettings{SaveRetries: 2, CacheTTL: time.Second}, t.TempDir())
	_, err := v.Ingest(context.Background(), f.recorder.APIKey, validPayload(50, ""), nil, "")
	assert.NoError(t, err, "two failures fit inside two retries")

	exhausted := &flakyStore{Interface: f.store, failures: 10}
	v = New(exhausted, f.disp, conf.IngestSettings{SaveRetries: 2, CacheTTL: time.Second}, t.TempDir())
	_, err = v.Ingest(context.Background(), f.recorder.APIKey, validPayload(51, ""), nil, "")
	assert.ErrorIs(t, err, errors.ErrStorage)
}

func TestRecorderLookupCached(t *testing.T) {
	f := newFixture(t)

	_, err := f.v.Ingest(context.Background(), f.recorder.APIKey, validPayload(60, ""), nil, "")
	require.NoError(t, err)

	// deleting the row does not bite until the cache entry expires
	require.NoError(t, f.store.DB.Delete(&datastore.SystemRecorder{}, f.recorder.ID).Error)
	_, err = f.v.Ingest(context.Background(), f.recorder.APIKey, validPayload(61, ""), nil, "")
	assert.NoError(t, err)
}
