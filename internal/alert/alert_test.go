package alert

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trunkfeed/trunkfeed/internal/conf"
	"github.com/trunkfeed/trunkfeed/internal/datastore"
)

type delivered struct {
	userID uint
	title  string
	body   string
}

type fakeWeb struct {
	mu   sync.Mutex
	sent []delivered
}

func (f *fakeWeb) DeliverAlert(userID uint, title, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, delivered{userID: userID, title: title, body: body})
}

func (f *fakeWeb) deliveries() []delivered {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]delivered(nil), f.sent...)
}

type fakeExternal struct {
	mu   sync.Mutex
	urls [][]string
	done chan struct{}
}

func (f *fakeExternal) Send(ctx context.Context, urls []string, title, body string) error {
	f.mu.Lock()
	f.urls = append(f.urls, urls)
	f.mu.Unlock()
	if f.done != nil {
		close(f.done)
	}
	return nil
}

type fixture struct {
	store *datastore.DataStore
	web   *fakeWeb
	ext   *fakeExternal
	eng   *Engine
	sys   datastore.System
	tg    datastore.TalkGroup
	unit  datastore.Unit
	user  datastore.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ds := datastore.New(&conf.Settings{
		Datastore: conf.DatastoreSettings{Path: filepath.Join(t.TempDir(), "test.db")},
	})
	require.NoError(t, ds.Open())
	t.Cleanup(func() { _ = ds.Close() })

	f := &fixture{store: ds, web: &fakeWeb{}, ext: &fakeExternal{}}
	f.eng = NewEngine(ds, f.web, f.ext, time.Second)

	f.sys = datastore.System{Name: "metro"}
	require.NoError(t, ds.DB.Create(&f.sys).Error)
	f.tg = datastore.TalkGroup{SystemID: f.sys.ID, DecimalID: 101, AlphaTag: "FIRE-DISP"}
	require.NoError(t, ds.DB.Create(&f.tg).Error)
	f.unit = datastore.Unit{SystemID: f.sys.ID, DecimalID: 7001, Description: "Engine 1"}
	require.NoError(t, ds.DB.Create(&f.unit).Error)
	f.user = datastore.User{Username: "alice", Token: uuid.NewString()}
	require.NoError(t, ds.DB.Create(&f.user).Error)
	return f
}

func (f *fixture) saveTransmission(t *testing.T, emergency bool, units ...datastore.Unit) datastore.Transmission {
	t.Helper()
	tx := datastore.Transmission{
		UUID:        uuid.NewString(),
		SystemID:    f.sys.ID,
		TalkGroupID: f.tg.ID,
		StartTime:   time.Now(),
		EndTime:     time.Now(),
		Emergency:   emergency,
	}
	for i := range units {
		tx.HeardUnits = append(tx.HeardUnits, datastore.HeardUnit{UnitID: units[i].ID, Timestamp: time.Now()})
	}
	require.NoError(t, f.store.SaveTransmission(&tx))
	return tx
}

func (f *fixture) saveAlert(t *testing.T, alert datastore.UserAlert) datastore.UserAlert {
	t.Helper()
	alert.UserID = f.user.ID
	alert.Enabled = true
	alert.WebDelivery = true
	require.NoError(t, f.store.DB.Create(&alert).Error)
	return alert
}

func TestTalkgroupTriggerRendersTemplates(t *testing.T) {
	f := newFixture(t)
	f.saveAlert(t, datastore.UserAlert{
		Name:          "fire dispatch",
		Count:         1,
		TalkGroups:    []datastore.TalkGroup{f.tg},
		TitleTemplate: "%T on %I",
		BodyTemplate:  "tx %U emergency=%E",
	})

	tx := f.saveTransmission(t, true)
	require.NoError(t, f.eng.Evaluate(context.Background(), &tx))

	sent := f.web.deliveries()
	require.Len(t, sent, 1)
	assert.Equal(t, f.user.ID, sent[0].userID)
	assert.Equal(t, "Talkgroup on FIRE-DISP", sent[0].title)
	assert.Contains(t, sent[0].body, "emergency=true")
}

func TestEmergencyOnlyGate(t *testing.T) {
	f := newFixture(t)
	f.saveAlert(t, datastore.UserAlert{
		EmergencyOnly: true,
		Count:         1,
		TalkGroups:    []datastore.TalkGroup{f.tg},
	})

	plain := f.saveTransmission(t, false)
	require.NoError(t, f.eng.Evaluate(context.Background(), &plain))
	assert.Empty(t, f.web.deliveries())

	urgent := f.saveTransmission(t, true)
	require.NoError(t, f.eng.Evaluate(context.Background(), &urgent))
	assert.Len(t, f.web.deliveries(), 1)
}

func TestCountOverWindowThreshold(t *testing.T) {
	f := newFixture(t)
	f.saveAlert(t, datastore.UserAlert{
		Count:                3,
		TriggerWindowSeconds: 30,
		TalkGroups:           []datastore.TalkGroup{f.tg},
	})

	first := f.saveTransmission(t, false)
	require.NoError(t, f.eng.Evaluate(context.Background(), &first))
	second := f.saveTransmission(t, false)
	require.NoError(t, f.eng.Evaluate(context.Background(), &second))
	assert.Empty(t, f.web.deliveries(), "below threshold must not fire")

	third := f.saveTransmission(t, false)
	require.NoError(t, f.eng.Evaluate(context.Background(), &third))
	assert.Len(t, f.web.deliveries(), 1, "third qualifying transmission fires")
}

func TestUnitTriggerJoinsNamesAndFiresAlongsideTalkgroup(t *testing.T) {
	f := newFixture(t)
	unnamed := datastore.Unit{SystemID: f.sys.ID, DecimalID: 7002}
	require.NoError(t, f.store.DB.Create(&unnamed).Error)

	f.saveAlert(t, datastore.UserAlert{
		Count:      1,
		TalkGroups: []datastore.TalkGroup{f.tg},
		Units:      []datastore.Unit{f.unit, unnamed},
	})

	tx := f.saveTransmission(t, false, f.unit, unnamed)
	require.NoError(t, f.eng.Evaluate(context.Background(), &tx))

	sent := f.web.deliveries()
	require.Len(t, sent, 2, "talkgroup and unit triggers are independent")

	titles := []string{sent[0].title, sent[1].title}
	assert.Contains(t, titles, "Talkgroup alert: FIRE-DISP")
	assert.Contains(t, titles, "Unit alert: Engine 1;7002")
}

func TestDisabledAndUnmatchedAlertsStaySilent(t *testing.T) {
	f := newFixture(t)

	otherTG := datastore.TalkGroup{SystemID: f.sys.ID, DecimalID: 202, AlphaTag: "PD-TAC"}
	require.NoError(t, f.store.DB.Create(&otherTG).Error)

	f.saveAlert(t, datastore.UserAlert{Count: 1, TalkGroups: []datastore.TalkGroup{otherTG}})
	disabled := datastore.UserAlert{
		UserID: f.user.ID, Enabled: false, WebDelivery: true,
		Count: 1, TalkGroups: []datastore.TalkGroup{f.tg},
	}
	require.NoError(t, f.store.DB.Create(&disabled).Error)

	tx := f.saveTransmission(t, false)
	require.NoError(t, f.eng.Evaluate(context.Background(), &tx))
	assert.Empty(t, f.web.deliveries())
}

func TestExternalDeliveryFireAndForget(t *testing.T) {
	f := newFixture(t)
	f.ext.done = make(chan struct{})

	alert := datastore.UserAlert{
		Count:        1,
		TalkGroups:   []datastore.TalkGroup{f.tg},
		ExternalURLs: []datastore.UserAlertURL{{URL: "generic://example.test/hook"}},
	}
	alert.UserID = f.user.ID
	alert.Enabled = true
	alert.ExternalDelivery = true
	require.NoError(t, f.store.DB.Create(&alert).Error)

	tx := f.saveTransmission(t, false)
	require.NoError(t, f.eng.Evaluate(context.Background(), &tx))

	select {
	case <-f.ext.done:
	case <-time.After(2 * time.Second):
		t.Fatal("external delivery not attempted")
	}
	f.ext.mu.Lock()
	defer f.ext.mu.Unlock()
	require.Len(t, f.ext.urls, 1)
	assert.Equal(t, []string{"generic://example.test/hook"}, f.ext.urls[0])
}
