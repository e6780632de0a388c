// Package realtime implements the websocket hub: authenticated sessions,
// broadcast and per-user rooms, and the pull-on-notify detail protocol.
package realtime

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/trunkfeed/trunkfeed/internal/acl"
	"github.com/trunkfeed/trunkfeed/internal/conf"
	"github.com/trunkfeed/trunkfeed/internal/datastore"
	"github.com/trunkfeed/trunkfeed/internal/logging"
	"github.com/trunkfeed/trunkfeed/internal/metrics"
)

const globalRoom = "global"

// ErrPermissionDenied is the error string sent in a detail denial reply.
const ErrPermissionDenied = "PERMISSION_DENIED"

func userRoom(userID uint) string {
	return "user:" + strconv.FormatUint(uint64(userID), 10)
}

// Hub tracks connected sessions and their room membership. Room membership
// is derived at connect time and holds no state across reconnects.
type Hub struct {
	store    datastore.Interface
	resolver *acl.Resolver
	upgrader websocket.Upgrader
	logger   *slog.Logger

	writeTimeout time.Duration
	pingInterval time.Duration

	mu    sync.RWMutex
	rooms map[string]map[*session]struct{}
}

// NewHub creates a hub over the given store and ACL resolver.
func NewHub(store datastore.Interface, resolver *acl.Resolver, settings conf.RealtimeSettings) *Hub {
	if settings.WriteTimeout == 0 {
		settings.WriteTimeout = 10 * time.Second
	}
	if settings.PingInterval == 0 {
		settings.PingInterval = 30 * time.Second
	}
	return &Hub{
		store:    store,
		resolver: resolver,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger:       logging.ForService("realtime"),
		writeTimeout: settings.WriteTimeout,
		pingInterval: settings.PingInterval,
		rooms:        make(map[string]map[*session]struct{}),
	}
}

// session is one authenticated websocket connection.
type session struct {
	hub    *Hub
	conn   *websocket.Conn
	user   datastore.User
	send   chan []byte
	done   chan struct{}
	closed sync.Once

	// advisory client interest hints; tracked only, never consulted for
	// authorization
	subMu sync.Mutex
	subs  map[string]struct{}
}

// clientMessage is anything a client may send after authentication.
type clientMessage struct {
	Type   string `json:"type"`
	ID     uint   `json:"id,omitempty"`     // detail
	Target string `json:"target,omitempty"` // subscribe/unsubscribe
}

// HandleConnection upgrades the HTTP request and runs the session. The
// credential is validated first; a bad token gets a policy-violation close
// and no messages are processed.
func (h *Hub) HandleConnection(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	token := c.QueryParam("token")
	user, err := h.store.UserByToken(token)
	if err != nil || token == "" {
		h.logger.Debug("realtime connect refused", "remote", c.RealIP())
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid credential")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(h.writeTimeout))
		return conn.Close()
	}

	s := &session{
		hub:  h,
		conn: conn,
		user: user,
		send: make(chan []byte, 64),
		done: make(chan struct{}),
		subs: make(map[string]struct{}),
	}

	h.join(globalRoom, s)
	h.join(userRoom(user.ID), s)
	metrics.RealtimeSessions.Inc()
	h.logger.Debug("realtime session opened", "user_id", user.ID, "remote", c.RealIP())

	go s.writePump()
	go s.readPump()
	return nil
}

func (h *Hub) join(room string, s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*session]struct{})
	}
	h.rooms[room][s] = struct{}{}
}

func (h *Hub) leaveAll(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for room, members := range h.rooms {
		if _, ok := members[s]; ok {
			delete(members, s)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}
}

// SessionCount returns the number of members in the global room.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[globalRoom])
}

// broadcast queues a payload for every member of a room, dropping sessions
// whose send buffer is full.
func (h *Hub) broadcast(room string, payload []byte) {
	h.mu.RLock()
	members := make([]*session, 0, len(h.rooms[room]))
	for s := range h.rooms[room] {
		members = append(members, s)
	}
	h.mu.RUnlock()

	for _, s := range members {
		select {
		case s.send <- payload:
		case <-s.done:
		default:
			h.logger.Warn("dropping slow realtime session", "user_id", s.user.ID)
			s.close()
		}
	}
}

// transmissionEnvelope is the push sent to the global room. Detail is
// embedded only for systems without talkgroup ACLs; otherwise clients pull
// it with a detail request that is re-authorized server side.
type transmissionEnvelope struct {
	Type      string        `json:"type"`
	ID        uint          `json:"id"`
	TalkGroup talkgroupStub `json:"talkgroup"`
	Detail    *detailBody   `json:"detail,omitempty"`
}

type talkgroupStub struct {
	ID       uint   `json:"id"`
	SystemID uint   `json:"systemId"`
	Tag      string `json:"tag"`
}

type detailBody struct {
	ID         uint      `json:"id"`
	UUID       string    `json:"uuid"`
	SystemID   uint      `json:"systemId"`
	StartTime  time.Time `json:"startTime"`
	EndTime    time.Time `json:"endTime"`
	Frequency  int64     `json:"frequency"`
	Emergency  bool      `json:"emergency"`
	Encrypted  bool      `json:"encrypted"`
	Audio      string    `json:"audio"`
	Transcript string    `json:"transcript,omitempty"`
	Units      []uint    `json:"units,omitempty"`
}

func newDetailBody(tx *datastore.Transmission) *detailBody {
	d := &detailBody{
		ID:         tx.ID,
		UUID:       tx.UUID,
		SystemID:   tx.SystemID,
		StartTime:  tx.StartTime,
		EndTime:    tx.EndTime,
		Frequency:  tx.Frequency,
		Emergency:  tx.Emergency,
		Encrypted:  tx.Encrypted,
		Audio:      tx.AudioReference,
		Transcript: tx.Transcript,
	}
	for i := range tx.HeardUnits {
		d.Units = append(d.Units, tx.HeardUnits[i].UnitID)
	}
	return d
}

// BroadcastTransmission pushes the notify envelope for an accepted
// transmission to every connected session.
func (h *Hub) BroadcastTransmission(tx *datastore.Transmission) error {
	system, err := h.store.GetSystem(tx.SystemID)
	if err != nil {
		return err
	}
	talkgroup, err := h.store.TalkGroupByID(tx.TalkGroupID)
	if err != nil {
		return err
	}

	envelope := transmissionEnvelope{
		Type: "transmission",
		ID:   tx.ID,
		TalkGroup: talkgroupStub{
			ID:       talkgroup.ID,
			SystemID: system.ID,
			Tag:      talkgroup.DisplayTag(),
		},
	}
	if !system.TalkgroupACLsEnabled {
		envelope.Detail = newDetailBody(tx)
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	h.broadcast(globalRoom, payload)
	return nil
}

// DeliverAlert pushes a rendered alert into the user's private room. It
// satisfies the alert engine's web delivery contract.
func (h *Hub) DeliverAlert(userID uint, title, body string) {
	payload, err := json.Marshal(map[string]string{
		"type":  "alert",
		"title": title,
		"body":  body,
	})
	if err != nil {
		return
	}
	h.broadcast(userRoom(userID), payload)
}

func (s *session) close() {
	s.closed.Do(func() {
		s.hub.leaveAll(s)
		close(s.done)
		_ = s.conn.Close()
		metrics.RealtimeSessions.Dec()
		s.hub.logger.Debug("realtime session closed", "user_id", s.user.ID)
	})
}

func (s *session) writePump() {
	ticker := time.NewTicker(s.hub.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case payload := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.hub.writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.close()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.hub.writeTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close()
				return
			}
		}
	}
}

func (s *session) readPump() {
	defer s.close()

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.hub.logger.Debug("unparseable client message", "user_id", s.user.ID, "error", err)
			continue
		}

		switch msg.Type {
		case "detail":
			s.handleDetail(msg.ID)
		case "subscribe":
			s.subMu.Lock()
			s.subs[msg.Target] = struct{}{}
			s.subMu.Unlock()
		case "unsubscribe":
			s.subMu.Lock()
			delete(s.subs, msg.Target)
			s.subMu.Unlock()
		default:
			s.hub.logger.Debug("unknown client message type", "type", msg.Type, "user_id", s.user.ID)
		}
	}
}

// detailReply answers a detail request: either the full payload or an
// explicit denial. Requests are never silently dropped.
type detailReply struct {
	Type   string      `json:"type"`
	ID     uint        `json:"id"`
	Error  string      `json:"error,omitempty"`
	Detail *detailBody `json:"detail,omitempty"`
}

// handleDetail re-derives identity from the live session and re-runs the
// access check; client-asserted identity is never trusted.
func (s *session) handleDetail(id uint) {
	reply := detailReply{Type: "detail", ID: id}

	tx, err := s.hub.store.GetTransmission(id)
	if err != nil {
		reply.Error = ErrPermissionDenied
		s.reply(&reply)
		return
	}

	allowed, err := s.hub.resolver.CanAccessTransmission(&tx, s.user.ID)
	if err != nil || !allowed {
		reply.Error = ErrPermissionDenied
		s.reply(&reply)
		return
	}

	reply.Detail = newDetailBody(&tx)
	s.reply(&reply)
}

func (s *session) reply(reply *detailReply) {
	payload, err := json.Marshal(reply)
	if err != nil {
		return
	}
	select {
	case s.send <- payload:
	case <-s.done:
	default:
		s.close()
	}
}
