package control

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/unicornultrafoundation/transit/internal/transit"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// sessionEvent is pushed to every connected dashboard as JSON.
type sessionEvent struct {
	Type        string `json:"type"` // "started", "won", "failed", "closed"
	Role        string `json:"role"`
	Description string `json:"description,omitempty"`
	Error       string `json:"error,omitempty"`
	BytesSent   int64  `json:"bytes_sent,omitempty"`
	BytesRecv   int64  `json:"bytes_recv,omitempty"`
	At          string `json:"at"`
}

// hub fans out session events to every connected websocket client: a map
// of live connections guarded by a mutex, push-only here since
// dashboards never send session commands.
type hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
	log     *slog.Logger
}

func newHub(log *slog.Logger) *hub {
	return &hub{
		clients: make(map[*websocket.Conn]struct{}),
		log:     log.With("component", "control.hub"),
	}
}

func (h *hub) handleLive(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error("websocket upgrade failed", "err", err)
		return
	}

	h.mu.Lock()
	h.clients[conn] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
		conn.Close()
	}()

	// Dashboards are push-only consumers; block on reads purely to detect
	// the client going away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *hub) broadcast(ev sessionEvent) {
	ev.At = time.Now().Format(time.RFC3339)
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.log.Debug("dropping dashboard client", "err", err)
			conn.Close()
			delete(h.clients, conn)
		}
	}
}

// liveRecorder wraps a ledger.Recorder so every event it persists is
// also broadcast live, satisfying transit.Recorder with a single type.
type liveRecorder struct {
	persist recorderPersister
	hub     *hub
}

// recorderPersister is the subset of ledger.Recorder's behavior
// liveRecorder delegates persistence to.
type recorderPersister interface {
	NegotiationStarted(role transit.Role)
	ConnectionWon(role transit.Role, description string)
	ConnectionFailed(role transit.Role, err error)
	RecordsExchanged(role transit.Role, sent, recv int64)
}

func newLiveRecorder(persist recorderPersister, h *hub) *liveRecorder {
	return &liveRecorder{persist: persist, hub: h}
}

func (r *liveRecorder) NegotiationStarted(role transit.Role) {
	r.persist.NegotiationStarted(role)
	r.hub.broadcast(sessionEvent{Type: "started", Role: role.String()})
}

func (r *liveRecorder) ConnectionWon(role transit.Role, description string) {
	r.persist.ConnectionWon(role, description)
	r.hub.broadcast(sessionEvent{Type: "won", Role: role.String(), Description: description})
}

func (r *liveRecorder) ConnectionFailed(role transit.Role, err error) {
	r.persist.ConnectionFailed(role, err)
	r.hub.broadcast(sessionEvent{Type: "failed", Role: role.String(), Error: err.Error()})
}

func (r *liveRecorder) RecordsExchanged(role transit.Role, sent, recv int64) {
	r.persist.RecordsExchanged(role, sent, recv)
	r.hub.broadcast(sessionEvent{Type: "closed", Role: role.String(), BytesSent: sent, BytesRecv: recv})
}
