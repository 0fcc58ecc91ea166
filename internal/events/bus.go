// Package events implements the Event Bus (C5): per-session fan-out of
// typed events to many subscribers, with heartbeats and reconnect replay.
// Grounded on the teacher's internal/api/websocket.go WSHub/WSClient
// register/unregister/send-channel pattern, restructured per-session (the
// teacher ran one global hub; spec §4.5 requires one hub per session id)
// and composed with a Connection-scoped command channel for the
// pause/resume/stop/ping protocol in spec §4.5 "Commands".
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType discriminates the Event union (spec §3).
type EventType string

const (
	EventSessionInitialized EventType = "session_initialized"
	EventSessionPaused      EventType = "session_paused"
	EventSessionResumed     EventType = "session_resumed"
	EventSessionCompleted   EventType = "session_completed"
	EventCandle             EventType = "candle"
	EventAIThinking         EventType = "ai_thinking"
	EventAIDecision         EventType = "ai_decision"
	EventPositionOpened     EventType = "position_opened"
	EventPositionClosed     EventType = "position_closed"
	EventStatsUpdate        EventType = "stats_update"
	EventCountdownUpdate    EventType = "countdown_update"
	EventIndicatorReadiness EventType = "indicator_readiness"
	EventPriceUpdate        EventType = "price_update"
	EventHeartbeat          EventType = "heartbeat"
	EventError              EventType = "error"
	EventCommandAck         EventType = "command_ack"
)

// Event is the wire-format envelope: {"type", "data", "timestamp"} (spec §6
// "Event wire format").
type Event struct {
	Type      EventType   `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewEvent stamps an Event with the current UTC time.
func NewEvent(t EventType, data interface{}) Event {
	return Event{Type: t, Data: data, Timestamp: time.Now().UTC()}
}

// CommandAction is one of the bidirectional command verbs (spec §4.5
// "Commands", §6 "Command wire format").
type CommandAction string

const (
	CommandPause  CommandAction = "pause"
	CommandResume CommandAction = "resume"
	CommandStop   CommandAction = "stop"
	CommandPing   CommandAction = "ping"
)

// Command is one inbound message from a connection.
type Command struct {
	ConnectionID  string
	Action        CommandAction
	ClosePosition bool // only meaningful on stop; default true per spec §6
	Unknown       string // raw action string when Action doesn't parse
}

// Sink is the per-connection transport: something that can deliver one
// Event at a time and be torn down. Satisfied by *WSSink in production and
// by a channel-backed fake in tests.
type Sink interface {
	Send(Event) error
	Close() error
}

// Connection is one subscriber to a session's event stream. Publish
// semantics are per-connection, best-effort, in order (spec §4.5 "Model");
// a send that fails disconnects only this connection.
type Connection struct {
	ID   string
	sink Sink

	mu            sync.Mutex
	lastHeartbeat time.Time
	closed        bool
}

func newConnection(id string, sink Sink) *Connection {
	return &Connection{ID: id, sink: sink, lastHeartbeat: time.Now().UTC()}
}

func (c *Connection) send(ev Event) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errClosed
	}
	c.mu.Unlock()
	return c.sink.Send(ev)
}

func (c *Connection) touchHeartbeat() {
	c.mu.Lock()
	c.lastHeartbeat = time.Now().UTC()
	c.mu.Unlock()
}

func (c *Connection) heartbeatAge() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastHeartbeat)
}

func (c *Connection) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	was := c.closed
	c.closed = true
	return !was
}

var errClosed = &sinkClosedError{}

type sinkClosedError struct{}

func (*sinkClosedError) Error() string { return "connection closed" }

// Hub fans out one session's events to every connected consumer, runs a
// heartbeat timer per connection, and relays inbound commands.
type Hub struct {
	sessionID string

	heartbeatInterval time.Duration
	heartbeatMaxAge   time.Duration

	mu    sync.RWMutex
	conns map[string]*Connection

	commands chan Command

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewHub constructs a per-session fan-out hub.
func NewHub(sessionID string, heartbeatInterval, heartbeatMaxAge time.Duration) *Hub {
	if heartbeatInterval <= 0 {
		heartbeatInterval = 30 * time.Second
	}
	if heartbeatMaxAge <= 0 {
		heartbeatMaxAge = 300 * time.Second
	}
	return &Hub{
		sessionID:         sessionID,
		heartbeatInterval: heartbeatInterval,
		heartbeatMaxAge:   heartbeatMaxAge,
		conns:             make(map[string]*Connection),
		commands:          make(chan Command, 32),
		stopCh:            make(chan struct{}),
	}
}

// Connect registers a new consumer and starts its heartbeat timer. Returns
// the connection id (generated if id is empty).
func (h *Hub) Connect(id string, sink Sink) *Connection {
	if id == "" {
		id = uuid.NewString()
	}
	conn := newConnection(id, sink)

	h.mu.Lock()
	h.conns[id] = conn
	h.mu.Unlock()

	go h.heartbeatLoop(conn)
	return conn
}

// Disconnect removes a connection and closes its sink.
func (h *Hub) Disconnect(id string) {
	h.mu.Lock()
	conn, ok := h.conns[id]
	if ok {
		delete(h.conns, id)
	}
	h.mu.Unlock()
	if ok && conn.markClosed() {
		conn.sink.Close()
	}
}

// ConnectionCount reports the number of live subscribers.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Broadcast delivers ev to every connected consumer, in the order callers
// invoke Broadcast (spec §5 "Ordering guarantees": events are emitted in
// the exact order the runtime produced them, per-connection). A failing
// send disconnects only that connection.
func (h *Hub) Broadcast(ev Event) {
	h.mu.RLock()
	targets := make([]*Connection, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if err := c.send(ev); err != nil {
			h.Disconnect(c.ID)
		}
	}
}

// SendTo delivers ev only to connectionID, e.g. a scoped `error` event for
// an unrecognized command (spec §4.5 "Commands").
func (h *Hub) SendTo(connectionID string, ev Event) {
	h.mu.RLock()
	c, ok := h.conns[connectionID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	if err := c.send(ev); err != nil {
		h.Disconnect(connectionID)
	}
}

// Commands exposes the inbound command stream for the Session Runtime to
// consume (pause/resume/stop/ping, spec §4.5 "Commands").
func (h *Hub) Commands() <-chan Command {
	return h.commands
}

// InjectCommand enqueues an inbound command, called by a connection's
// transport-specific read loop (e.g. WSSink's readPump) or directly by
// tests.
func (h *Hub) InjectCommand(cmd Command) {
	select {
	case h.commands <- cmd:
	case <-h.stopCh:
	}
}

// Ack publishes a command_ack event scoped to the originating connection
// (spec §4.5 "the runtime acknowledges with a command_ack event").
func (h *Hub) Ack(connectionID string, action CommandAction, fields map[string]interface{}) {
	data := map[string]interface{}{"action": string(action)}
	for k, v := range fields {
		data[k] = v
	}
	h.SendTo(connectionID, NewEvent(EventCommandAck, data))
}

// ReportUnknownCommand publishes a connection-scoped error event for an
// unrecognized action (spec §4.5).
func (h *Hub) ReportUnknownCommand(connectionID, rawAction string) {
	h.SendTo(connectionID, NewEvent(EventError, map[string]interface{}{
		"scope":   "command",
		"message": "unknown command action: " + rawAction,
	}))
}

// touchHeartbeat refreshes a connection's last-heartbeat timestamp, called
// by the WebSocket pong handler and by an inbound "ping" command.
func (h *Hub) touchHeartbeat(connectionID string) {
	h.mu.RLock()
	c, ok := h.conns[connectionID]
	h.mu.RUnlock()
	if ok {
		c.touchHeartbeat()
	}
}

func (h *Hub) heartbeatLoop(conn *Connection) {
	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.send(NewEvent(EventHeartbeat, nil)); err != nil {
				h.Disconnect(conn.ID)
				return
			}
			conn.touchHeartbeat()
		case <-h.stopCh:
			return
		}
	}
}

// Reap disconnects every consumer whose last heartbeat is older than
// maxAge, and should be invoked by a periodic background task shared
// across sessions (spec §4.5 "Heartbeat").
func (h *Hub) Reap() {
	h.mu.RLock()
	stale := make([]string, 0)
	for id, c := range h.conns {
		if c.heartbeatAge() > h.heartbeatMaxAge {
			stale = append(stale, id)
		}
	}
	h.mu.RUnlock()
	for _, id := range stale {
		h.Disconnect(id)
	}
}

// Close tears down every connection and stops all heartbeat timers.
func (h *Hub) Close() {
	h.stopOnce.Do(func() { close(h.stopCh) })
	h.mu.Lock()
	ids := make([]string, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	h.mu.Unlock()
	for _, id := range ids {
		h.Disconnect(id)
	}
}

// Bus owns one Hub per active session id (spec §4.5 "Model: Keyed by
// session id"). Connect/disconnect of the per-session subscriber set is
// guarded against concurrent access (spec §5 "Shared state policy").
type Bus struct {
	mu   sync.Mutex
	hubs map[string]*Hub

	heartbeatInterval time.Duration
	heartbeatMaxAge   time.Duration
}

// NewBus constructs an empty Bus.
func NewBus(heartbeatInterval, heartbeatMaxAge time.Duration) *Bus {
	return &Bus{
		hubs:              make(map[string]*Hub),
		heartbeatInterval: heartbeatInterval,
		heartbeatMaxAge:   heartbeatMaxAge,
	}
}

// HubFor returns the Hub for sessionID, creating it if absent.
func (b *Bus) HubFor(sessionID string) *Hub {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.hubs[sessionID]
	if !ok {
		h = NewHub(sessionID, b.heartbeatInterval, b.heartbeatMaxAge)
		b.hubs[sessionID] = h
	}
	return h
}

// Lookup returns the Hub for sessionID without creating one.
func (b *Bus) Lookup(sessionID string) (*Hub, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	h, ok := b.hubs[sessionID]
	return h, ok
}

// RemoveSession tears down and forgets a session's hub, called once the
// Session Runtime finalizes (spec §4.6.6 "Remove the session from the
// active map").
func (b *Bus) RemoveSession(sessionID string) {
	b.mu.Lock()
	h, ok := b.hubs[sessionID]
	delete(b.hubs, sessionID)
	b.mu.Unlock()
	if ok {
		h.Close()
	}
}

// ReapAll runs the stale-heartbeat reaper across every active session,
// intended to be called periodically by an independent background task
// (spec §5 "Cross-session fan-out (broadcast, reaper) runs as independent
// tasks").
func (b *Bus) ReapAll() {
	b.mu.Lock()
	hubs := make([]*Hub, 0, len(b.hubs))
	for _, h := range b.hubs {
		hubs = append(hubs, h)
	}
	b.mu.Unlock()
	for _, h := range hubs {
		h.Reap()
	}
}
