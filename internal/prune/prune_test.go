package prune

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trunkfeed/trunkfeed/internal/conf"
	"github.com/trunkfeed/trunkfeed/internal/datastore"
)

func newTestStore(t *testing.T) *datastore.DataStore {
	t.Helper()
	ds := datastore.New(&conf.Settings{
		Datastore: conf.DatastoreSettings{Path: filepath.Join(t.TempDir(), "test.db")},
	})
	require.NoError(t, ds.Open())
	t.Cleanup(func() { _ = ds.Close() })
	return ds
}

func seedTransmission(t *testing.T, ds *datastore.DataStore, systemID, tgID uint, age time.Duration, locked bool) datastore.Transmission {
	t.Helper()
	tx := datastore.Transmission{
		UUID:        uuid.NewString(),
		SystemID:    systemID,
		TalkGroupID: tgID,
		StartTime:   time.Now().Add(-age),
		EndTime:     time.Now().Add(-age),
		Locked:      locked,
	}
	require.NoError(t, ds.SaveTransmission(&tx))
	return tx
}

func TestSweepDeletesAgedUnlockedOnly(t *testing.T) {
	ds := newTestStore(t)

	sys := datastore.System{Name: "metro", PruneEnabled: true, PruneDays: 7}
	require.NoError(t, ds.DB.Create(&sys).Error)
	tg := datastore.TalkGroup{SystemID: sys.ID, DecimalID: 1, AlphaTag: "A"}
	require.NoError(t, ds.DB.Create(&tg).Error)

	aged := seedTransmission(t, ds, sys.ID, tg.ID, 30*24*time.Hour, false)
	lockedAged := seedTransmission(t, ds, sys.ID, tg.ID, 30*24*time.Hour, true)
	fresh := seedTransmission(t, ds, sys.ID, tg.ID, time.Hour, false)

	p := New(ds, conf.PruneSettings{MaxDeletions: 100})
	deleted, err := p.Sweep(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)

	_, err = ds.GetTransmission(aged.ID)
	assert.Error(t, err, "aged unlocked row is gone")
	_, err = ds.GetTransmission(lockedAged.ID)
	assert.NoError(t, err, "locked rows are never auto-deleted")
	_, err = ds.GetTransmission(fresh.ID)
	assert.NoError(t, err)
}

func TestSweepSkipsSystemsWithoutPolicy(t *testing.T) {
	ds := newTestStore(t)

	noPolicy := datastore.System{Name: "no-policy"}
	require.NoError(t, ds.DB.Create(&noPolicy).Error)
	zeroDays := datastore.System{Name: "zero-days", PruneEnabled: true}
	require.NoError(t, ds.DB.Create(&zeroDays).Error)
	tg := datastore.TalkGroup{SystemID: noPolicy.ID, DecimalID: 1, AlphaTag: "A"}
	require.NoError(t, ds.DB.Create(&tg).Error)

	old := seedTransmission(t, ds, noPolicy.ID, tg.ID, 365*24*time.Hour, false)

	p := New(ds, conf.PruneSettings{})
	deleted, err := p.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, deleted)

	_, err = ds.GetTransmission(old.ID)
	assert.NoError(t, err)
}

func TestSweepHonorsDeletionCap(t *testing.T) {
	ds := newTestStore(t)

	sys := datastore.System{Name: "metro", PruneEnabled: true, PruneDays: 1}
	require.NoError(t, ds.DB.Create(&sys).Error)
	tg := datastore.TalkGroup{SystemID: sys.ID, DecimalID: 1, AlphaTag: "A"}
	require.NoError(t, ds.DB.Create(&tg).Error)

	for range 5 {
		seedTransmission(t, ds, sys.ID, tg.ID, 48*time.Hour, false)
	}

	p := New(ds, conf.PruneSettings{MaxDeletions: 2})
	deleted, err := p.Sweep(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, deleted, "per-sweep cap")

	// the next sweep picks up the remainder
	deleted, err = p.Sweep(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, deleted)
	deleted, err = p.Sweep(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)
}

func TestRunStops(t *testing.T) {
	ds := newTestStore(t)
	p := New(ds, conf.PruneSettings{Interval: 10 * time.Millisecond})

	done := make(chan struct{})
	go func() {
		p.Run(context.Background())
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	p.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pruner did not stop")
	}
}
