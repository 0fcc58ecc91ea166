package events

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Upgrader mirrors the teacher's permissive dev-mode websocket.Upgrader
// (internal/api/websocket.go); a production deployment would tighten
// CheckOrigin.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WSSink adapts a gorilla/websocket connection to the Sink interface, with
// a buffered outbound queue pumped by its own goroutine so a slow consumer
// never blocks Hub.Broadcast (grounded on the teacher's WSClient
// send-channel + writePump pattern).
type WSSink struct {
	conn      *websocket.Conn
	send      chan Event
	closeOnce chan struct{}
	log       zerolog.Logger
}

// NewWSSink wraps an upgraded connection and starts its write pump.
func NewWSSink(conn *websocket.Conn, log zerolog.Logger) *WSSink {
	s := &WSSink{
		conn:      conn,
		send:      make(chan Event, 256),
		closeOnce: make(chan struct{}),
		log:       log.With().Str("component", "ws_sink").Logger(),
	}
	go s.writePump()
	return s
}

// Send enqueues ev for delivery; returns an error if the queue is full
// (slow/dead consumer), which the Hub treats as a disconnect.
func (s *WSSink) Send(ev Event) error {
	select {
	case s.send <- ev:
		return nil
	default:
		return errClosed
	}
}

// Close tears down the write pump and underlying connection.
func (s *WSSink) Close() error {
	select {
	case <-s.closeOnce:
	default:
		close(s.closeOnce)
	}
	return s.conn.Close()
}

func (s *WSSink) writePump() {
	defer s.conn.Close()
	for {
		select {
		case ev, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			body, err := json.Marshal(ev)
			if err != nil {
				s.log.Error().Err(err).Msg("failed to marshal event")
				continue
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, body); err != nil {
				return
			}
		case <-s.closeOnce:
			return
		}
	}
}

// incomingCommand is the wire shape of spec §6 "Command wire format".
type incomingCommand struct {
	Action        string `json:"action"`
	ClosePosition *bool  `json:"close_position"`
}

// ReadLoop pumps inbound command JSON from the connection into the hub's
// command channel until the connection closes, then disconnects it. This
// is the per-connection half of spec §4.5 "bidirectional per connection".
func ReadLoop(hub *Hub, connectionID string, conn *websocket.Conn, log zerolog.Logger) {
	defer hub.Disconnect(connectionID)

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		hub.touchHeartbeat(connectionID)
		return nil
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("connection_id", connectionID).Msg("websocket read error")
			}
			return
		}

		var in incomingCommand
		if err := json.Unmarshal(msg, &in); err != nil {
			hub.ReportUnknownCommand(connectionID, string(msg))
			continue
		}

		action := CommandAction(strings.ToLower(in.Action))
		closePosition := true
		if in.ClosePosition != nil {
			closePosition = *in.ClosePosition
		}

		switch action {
		case CommandPause, CommandResume, CommandStop, CommandPing:
			if action == CommandPing {
				hub.touchHeartbeat(connectionID)
			}
			hub.InjectCommand(Command{ConnectionID: connectionID, Action: action, ClosePosition: closePosition})
		default:
			hub.ReportUnknownCommand(connectionID, in.Action)
		}
	}
}

// Handler builds a net/http.HandlerFunc that upgrades a request to a
// websocket connection, registers it with hub, and starts its read/write
// pumps. This is transport plumbing only (spec §1 places request routing
// out of scope; the engine only owns the connection once established).
func Handler(hub *Hub, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := Upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Error().Err(err).Msg("websocket upgrade failed")
			return
		}
		sink := NewWSSink(conn, log)
		connectionID := r.URL.Query().Get("connection_id")
		c := hub.Connect(connectionID, sink)
		go ReadLoop(hub, c.ID, conn, log)
	}
}
