package forward

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jarcoal/httpmock"
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

type fixture struct {
	store *datastore.DataStore
	fwder *Forwarder
	sys   datastore.System
	tg    datastore.TalkGroup
	tx    datastore.Transmission
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ds := newTestStore(t)

	sys := datastore.System{Name: "metro"}
	require.NoError(t, ds.DB.Create(&sys).Error)

	tg := datastore.TalkGroup{SystemID: sys.ID, DecimalID: 101, AlphaTag: "FIRE-DISP"}
	require.NoError(t, ds.DB.Create(&tg).Error)

	tx := datastore.Transmission{
		UUID:        uuid.NewString(),
		SystemID:    sys.ID,
		TalkGroupID: tg.ID,
		StartTime:   time.Now().Add(-time.Minute),
		EndTime:     time.Now(),
		Frequency:   854_237_500,
	}
	require.NoError(t, ds.SaveTransmission(&tx))

	fwder := New(ds, 5*time.Second)
	httpmock.ActivateNonDefault(fwder.Client().GetClient())
	t.Cleanup(httpmock.DeactivateAndReset)

	return &fixture{store: ds, fwder: fwder, sys: sys, tg: tg, tx: tx}
}

func seedForwarder(t *testing.T, f *fixture, name, url string) datastore.SystemForwarder {
	t.Helper()
	fw := datastore.SystemForwarder{
		Name:             name,
		Enabled:          true,
		SharedSecret:     "secret-" + name,
		RemoteURL:        url,
		ForwardedSystems: []datastore.System{f.sys},
	}
	require.NoError(t, f.store.DB.Create(&fw).Error)
	return fw
}

func ackResponder(t *testing.T, capture *map[string]any) httpmock.Responder {
	t.Helper()
	return func(req *http.Request) (*http.Response, error) {
		if capture != nil {
			require.NoError(t, json.NewDecoder(req.Body).Decode(capture))
		}
		return httpmock.NewJsonResponse(200, map[string]string{"id": "remote-1"})
	}
}

func TestForwardTransmissionSubstitutesSharedSecret(t *testing.T) {
	f := newFixture(t)
	fw := seedForwarder(t, f, "peer-a", "https://peer-a.example/api")

	var body map[string]any
	httpmock.RegisterResponder(http.MethodPost,
		"https://peer-a.example/api/transmission/create", ackResponder(t, &body))

	require.NoError(t, f.fwder.ForwardTransmission(context.Background(), &fw, &f.tx))

	assert.Equal(t, "secret-peer-a", body["key"])
	assert.Equal(t, f.tx.UUID, body["uuid"])
	assert.Equal(t, "metro", body["system"])
	assert.Equal(t, "FIRE-DISP", body["talkgroupTag"])
	// no local recorder identity crosses the federation boundary
	assert.NotContains(t, body, "recorderId")
}

func TestForwardTransmissionNon2xxIsForwardError(t *testing.T) {
	f := newFixture(t)
	fw := seedForwarder(t, f, "peer-a", "https://peer-a.example")

	httpmock.RegisterResponder(http.MethodPost,
		"https://peer-a.example/transmission/create",
		httpmock.NewStringResponder(500, "boom"))

	err := f.fwder.ForwardTransmission(context.Background(), &fw, &f.tx)
	var fwErr *ForwardError
	require.ErrorAs(t, err, &fwErr)
	assert.Equal(t, "peer-a", fwErr.Forwarder)
}

func TestForwardTransmissionMissingAckIsFailure(t *testing.T) {
	f := newFixture(t)
	fw := seedForwarder(t, f, "peer-a", "https://peer-a.example")

	httpmock.RegisterResponder(http.MethodPost,
		"https://peer-a.example/transmission/create",
		httpmock.NewJsonResponderOrPanic(200, map[string]string{}))

	err := f.fwder.ForwardTransmission(context.Background(), &fw, &f.tx)
	var fwErr *ForwardError
	assert.ErrorAs(t, err, &fwErr)
}

func TestForwarderIsolation(t *testing.T) {
	f := newFixture(t)
	fwA := seedForwarder(t, f, "peer-a", "https://peer-a.example")
	fwB := seedForwarder(t, f, "peer-b", "https://peer-b.example")

	httpmock.RegisterResponder(http.MethodPost,
		"https://peer-a.example/transmission/create",
		httpmock.NewErrorResponder(assert.AnError))
	httpmock.RegisterResponder(http.MethodPost,
		"https://peer-b.example/transmission/create", ackResponder(t, nil))

	// peer-a being unreachable does not affect peer-b's delivery
	assert.Error(t, f.fwder.ForwardTransmission(context.Background(), &fwA, &f.tx))
	assert.NoError(t, f.fwder.ForwardTransmission(context.Background(), &fwB, &f.tx))
}

func TestTargetsFiltersBySystemAndTalkgroup(t *testing.T) {
	f := newFixture(t)

	otherSys := datastore.System{Name: "rural"}
	require.NoError(t, f.store.DB.Create(&otherSys).Error)
	otherTG := datastore.TalkGroup{SystemID: f.sys.ID, DecimalID: 202, AlphaTag: "PD-TAC"}
	require.NoError(t, f.store.DB.Create(&otherTG).Error)

	covering := seedForwarder(t, f, "covering", "https://a.example")
	filtered := datastore.SystemForwarder{
		Name: "filtered", Enabled: true, SharedSecret: "s", RemoteURL: "https://b.example",
		ForwardedSystems: []datastore.System{f.sys},
		TalkGroupFilter:  []datastore.TalkGroup{otherTG},
	}
	require.NoError(t, f.store.DB.Create(&filtered).Error)
	wrongSystem := datastore.SystemForwarder{
		Name: "wrong-system", Enabled: true, SharedSecret: "s", RemoteURL: "https://c.example",
		ForwardedSystems: []datastore.System{otherSys},
	}
	require.NoError(t, f.store.DB.Create(&wrongSystem).Error)
	disabled := datastore.SystemForwarder{
		Name: "disabled", Enabled: false, SharedSecret: "s", RemoteURL: "https://d.example",
		ForwardedSystems: []datastore.System{f.sys},
	}
	require.NoError(t, f.store.DB.Create(&disabled).Error)

	targets, err := f.fwder.Targets(&f.tx)
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, covering.Name, targets[0].Name)

	// a transmission on the filtered talkgroup reaches both covering targets
	txOnFiltered := f.tx
	txOnFiltered.ID = 0
	txOnFiltered.UUID = uuid.NewString()
	txOnFiltered.TalkGroupID = otherTG.ID
	require.NoError(t, f.store.SaveTransmission(&txOnFiltered))

	targets, err = f.fwder.Targets(&txOnFiltered)
	require.NoError(t, err)
	assert.Len(t, targets, 2)
}

func TestForwardIncidentUpdateUsesPut(t *testing.T) {
	f := newFixture(t)
	fw := seedForwarder(t, f, "peer-a", "https://peer-a.example")
	fw.ForwardIncidents = true
	require.NoError(t, f.store.DB.Save(&fw).Error)

	incident := datastore.Incident{
		UUID:     uuid.NewString(),
		SystemID: f.sys.ID,
		Name:     "Working fire",
		Time:     time.Now(),
		Active:   true,
	}
	require.NoError(t, f.store.SaveIncident(&incident))

	var body map[string]any
	httpmock.RegisterResponder(http.MethodPut,
		"https://peer-a.example/incident/forward", ackResponder(t, &body))

	require.NoError(t, f.fwder.ForwardIncident(context.Background(), &fw, &incident, true))
	assert.Equal(t, "Working fire", body["name"])
	assert.Equal(t, "secret-peer-a", body["key"])

	info := httpmock.GetCallCountInfo()
	assert.Equal(t, 1, info["PUT https://peer-a.example/incident/forward"])
}
