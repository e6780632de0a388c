package realtime

import (
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trunkfeed/trunkfeed/internal/acl"
	"github.com/trunkfeed/trunkfeed/internal/conf"
	"github.com/trunkfeed/trunkfeed/internal/datastore"
)

type fixture struct {
	store  *datastore.DataStore
	hub    *Hub
	server *httptest.Server

	openACL   datastore.System // talkgroup ACLs disabled, public
	lockedSys datastore.System // talkgroup ACLs enabled, member-only detail
	openTG    datastore.TalkGroup
	lockedTG  datastore.TalkGroup
	member    datastore.User
	outsider  datastore.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ds := datastore.New(&conf.Settings{
		Datastore: conf.DatastoreSettings{Path: filepath.Join(t.TempDir(), "test.db")},
	})
	require.NoError(t, ds.Open())
	t.Cleanup(func() { _ = ds.Close() })

	f := &fixture{store: ds}

	publicACL := datastore.SystemACL{Name: "public", Public: true}
	require.NoError(t, ds.DB.Create(&publicACL).Error)

	f.member = datastore.User{Username: "alice", Token: uuid.NewString()}
	require.NoError(t, ds.DB.Create(&f.member).Error)
	f.outsider = datastore.User{Username: "bob", Token: uuid.NewString()}
	require.NoError(t, ds.DB.Create(&f.outsider).Error)

	f.openACL = datastore.System{Name: "open", SystemACLID: publicACL.ID}
	require.NoError(t, ds.DB.Create(&f.openACL).Error)
	f.lockedSys = datastore.System{Name: "locked", SystemACLID: publicACL.ID, TalkgroupACLsEnabled: true}
	require.NoError(t, ds.DB.Create(&f.lockedSys).Error)

	f.openTG = datastore.TalkGroup{SystemID: f.openACL.ID, DecimalID: 1, AlphaTag: "OPEN"}
	require.NoError(t, ds.DB.Create(&f.openTG).Error)
	f.lockedTG = datastore.TalkGroup{SystemID: f.lockedSys.ID, DecimalID: 2, AlphaTag: "SECURE"}
	require.NoError(t, ds.DB.Create(&f.lockedTG).Error)

	tgACL := datastore.TalkGroupACL{
		Name:              "secure-readers",
		Members:           []datastore.TalkGroupACLMember{{UserID: f.member.ID}},
		AllowedTalkGroups: []datastore.TalkGroup{f.lockedTG},
	}
	require.NoError(t, ds.DB.Create(&tgACL).Error)

	f.hub = NewHub(ds, acl.NewResolver(ds), conf.RealtimeSettings{
		WriteTimeout: time.Second,
		PingInterval: 10 * time.Second,
	})

	e := echo.New()
	e.GET("/ws", f.hub.HandleConnection)
	f.server = httptest.NewServer(e)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fixture) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (f *fixture) saveTransmission(t *testing.T, systemID, tgID uint) datastore.Transmission {
	t.Helper()
	tx := datastore.Transmission{
		UUID:        uuid.NewString(),
		SystemID:    systemID,
		TalkGroupID: tgID,
		StartTime:   time.Now(),
		EndTime:     time.Now(),
	}
	require.NoError(t, f.store.SaveTransmission(&tx))
	return tx
}

func readJSON(t *testing.T, conn *websocket.Conn, out any) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, out))
}

func waitForSessions(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.SessionCount() == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d sessions, have %d", n, hub.SessionCount())
}

func TestInvalidCredentialClosedWithPolicyCode(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "no-such-token")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	assert.Equal(t, 0, f.hub.SessionCount())
}

func TestBroadcastEmbedsDetailForOpenSystems(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, f.member.Token)
	waitForSessions(t, f.hub, 1)

	tx := f.saveTransmission(t, f.openACL.ID, f.openTG.ID)
	require.NoError(t, f.hub.BroadcastTransmission(&tx))

	var envelope struct {
		Type      string `json:"type"`
		ID        uint   `json:"id"`
		TalkGroup struct {
			Tag string `json:"tag"`
		} `json:"talkgroup"`
		Detail *struct {
			UUID string `json:"uuid"`
		} `json:"detail"`
	}
	readJSON(t, conn, &envelope)
	assert.Equal(t, "transmission", envelope.Type)
	assert.Equal(t, tx.ID, envelope.ID)
	assert.Equal(t, "OPEN", envelope.TalkGroup.Tag)
	require.NotNil(t, envelope.Detail, "open systems embed the full detail")
	assert.Equal(t, tx.UUID, envelope.Detail.UUID)
}

func TestBroadcastWithholdsDetailForACLSystems(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, f.member.Token)
	waitForSessions(t, f.hub, 1)

	tx := f.saveTransmission(t, f.lockedSys.ID, f.lockedTG.ID)
	require.NoError(t, f.hub.BroadcastTransmission(&tx))

	var envelope struct {
		Detail *json.RawMessage `json:"detail"`
	}
	readJSON(t, conn, &envelope)
	assert.Nil(t, envelope.Detail, "ACL systems require a pull request")
}

func TestDetailRequestReAuthorizesServerSide(t *testing.T) {
	f := newFixture(t)
	tx := f.saveTransmission(t, f.lockedSys.ID, f.lockedTG.ID)

	member := f.dial(t, f.member.Token)
	outsider := f.dial(t, f.outsider.Token)
	waitForSessions(t, f.hub, 2)

	request, _ := json.Marshal(map[string]any{"type": "detail", "id": tx.ID})
	require.NoError(t, member.WriteMessage(websocket.TextMessage, request))
	require.NoError(t, outsider.WriteMessage(websocket.TextMessage, request))

	var granted struct {
		ID     uint   `json:"id"`
		Error  string `json:"error"`
		Detail *struct {
			UUID string `json:"uuid"`
		} `json:"detail"`
	}
	readJSON(t, member, &granted)
	assert.Equal(t, tx.ID, granted.ID)
	assert.Empty(t, granted.Error)
	require.NotNil(t, granted.Detail)
	assert.Equal(t, tx.UUID, granted.Detail.UUID)

	var denied struct {
		ID    uint   `json:"id"`
		Error string `json:"error"`
	}
	readJSON(t, outsider, &denied)
	assert.Equal(t, tx.ID, denied.ID)
	assert.Equal(t, ErrPermissionDenied, denied.Error, "denial is explicit, never a silent drop")
}

func TestAlertsReachOnlyTheOwningUser(t *testing.T) {
	f := newFixture(t)
	member := f.dial(t, f.member.Token)
	outsider := f.dial(t, f.outsider.Token)
	waitForSessions(t, f.hub, 2)

	f.hub.DeliverAlert(f.member.ID, "Talkgroup alert", "something happened")

	var alert struct {
		Type  string `json:"type"`
		Title string `json:"title"`
	}
	readJSON(t, member, &alert)
	assert.Equal(t, "alert", alert.Type)
	assert.Equal(t, "Talkgroup alert", alert.Title)

	require.NoError(t, outsider.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := outsider.ReadMessage()
	assert.Error(t, err, "other users must not receive the alert")
}

func TestSubscribeHintsAreAdvisoryOnly(t *testing.T) {
	f := newFixture(t)
	tx := f.saveTransmission(t, f.lockedSys.ID, f.lockedTG.ID)

	outsider := f.dial(t, f.outsider.Token)
	waitForSessions(t, f.hub, 1)

	// subscribing to the talkgroup grants nothing
	sub, _ := json.Marshal(map[string]any{"type": "subscribe", "target": "talkgroup:2"})
	require.NoError(t, outsider.WriteMessage(websocket.TextMessage, sub))
	request, _ := json.Marshal(map[string]any{"type": "detail", "id": tx.ID})
	require.NoError(t, outsider.WriteMessage(websocket.TextMessage, request))

	var denied struct {
		Error string `json:"error"`
	}
	readJSON(t, outsider, &denied)
	assert.Equal(t, ErrPermissionDenied, denied.Error)
}

func TestDisconnectRemovesSession(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, f.member.Token)
	waitForSessions(t, f.hub, 1)

	require.NoError(t, conn.Close())
	waitForSessions(t, f.hub, 0)

	// broadcasting to an empty hub is a no-op, not an error
	tx := f.saveTransmission(t, f.openACL.ID, f.openTG.ID)
	require.NoError(t, f.hub.BroadcastTransmission(&tx))
}
