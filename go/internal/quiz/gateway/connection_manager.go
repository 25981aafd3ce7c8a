package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/TainYanTun/APIQ-interactive-quiz/go/internal/quiz"
)

// Role is the client-asserted capability at registration. It is trusted as-is;
// authenticating it is the login collaborator's problem, not the engine's.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleStudent Role = "student"
	RoleViewer  Role = "viewer"
)

// SessionFactory builds the actor for a newly seen room id.
type SessionFactory func(roomID string, bus quiz.Broadcaster) *quiz.Session

// MessageHandler receives raw inbound frames from a connection's read pump.
type MessageHandler interface {
	HandleMessage(conn *Connection, raw []byte)
}

// room groups one quiz session with its live connections and role bookkeeping.
type room struct {
	session  *quiz.Session
	cancel   context.CancelFunc
	conns    map[*Connection]bool
	students map[*Connection]bool
	admin    *Connection
}

// ConnectionManager owns the room directory and the WebSocket connection
// pools. Rooms are created lazily on the first message that names them and
// torn down once the quiz has ended and the last connection is gone.
type ConnectionManager struct {
	mu    sync.Mutex
	rooms map[string]*room

	factory SessionFactory
	handler MessageHandler

	upgrader websocket.Upgrader
	config   ConnectionConfig

	broadcastCh chan broadcastMessage
	relay       EventRelay

	baseCtx context.Context
}

// Connection represents one WebSocket client.
type Connection struct {
	ID        string
	Role      Role
	RoomID    string
	StudentID string

	conn    *websocket.Conn
	send    chan []byte
	manager *ConnectionManager

	ConnectedAt time.Time
	LastPing    time.Time
}

// ConnectionConfig holds WebSocket tuning knobs.
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConnectionConfig returns default WebSocket configuration.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  4096,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

type broadcastMessage struct {
	roomID string
	event  quiz.Event
}

// NewConnectionManager creates the manager. Wire a MessageHandler with
// SetMessageHandler before serving connections.
func NewConnectionManager(config ConnectionConfig, factory SessionFactory) *ConnectionManager {
	return &ConnectionManager{
		rooms:   make(map[string]*room),
		factory: factory,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		broadcastCh: make(chan broadcastMessage, 1000),
		baseCtx:     context.Background(),
	}
}

// SetMessageHandler wires the inbound dispatcher.
func (cm *ConnectionManager) SetMessageHandler(h MessageHandler) {
	cm.handler = h
}

// SetRelay attaches an optional external event relay; every broadcast is also
// published there.
func (cm *ConnectionManager) SetRelay(relay EventRelay) {
	cm.relay = relay
}

// Run processes broadcast messages until ctx is cancelled, then stops every
// room session.
func (cm *ConnectionManager) Run(ctx context.Context) {
	cm.mu.Lock()
	cm.baseCtx = ctx
	cm.mu.Unlock()

	log.Info().Msg("connection manager started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			cm.shutdownRooms()
			return
		case msg := <-cm.broadcastCh:
			cm.handleBroadcast(msg)
		}
	}
}

func (cm *ConnectionManager) shutdownRooms() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	for roomID, r := range cm.rooms {
		r.cancel()
		delete(cm.rooms, roomID)
	}
}

// UpgradeConnection upgrades an HTTP request to a WebSocket connection. Room
// membership is established later by the client's REGISTER message.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request) error {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	connection := &Connection{
		ID:          uuid.New().String(),
		Role:        RoleViewer,
		conn:        conn,
		send:        make(chan []byte, 256),
		manager:     cm,
		ConnectedAt: time.Now(),
		LastPing:    time.Now(),
	}

	go connection.writePump()
	go connection.readPump()

	log.Info().
		Str("connection_id", connection.ID).
		Msg("WebSocket connection established")
	return nil
}

// SessionFor returns the room's session, creating room and session on first
// reference. This is the lookup-or-create the room directory must make safe
// against two first messages racing.
func (cm *ConnectionManager) SessionFor(roomID string) *quiz.Session {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.lockedRoom(roomID).session
}

// lockedRoom returns the room entry, creating it if absent. Caller holds mu.
func (cm *ConnectionManager) lockedRoom(roomID string) *room {
	r, ok := cm.rooms[roomID]
	if ok {
		return r
	}

	ctx, cancel := context.WithCancel(cm.baseCtx)
	sess := cm.factory(roomID, cm)
	go sess.Run(ctx)

	r = &room{
		session:  sess,
		cancel:   cancel,
		conns:    make(map[*Connection]bool),
		students: make(map[*Connection]bool),
	}
	cm.rooms[roomID] = r

	log.Info().Str("room_id", roomID).Msg("room created")
	return r
}

// Register joins a connection to a room with the asserted role and returns the
// room's session. A newly registered admin silently replaces any previous
// admin reference.
func (cm *ConnectionManager) Register(conn *Connection, role Role, roomID, studentID string) *quiz.Session {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	r := cm.lockedRoom(roomID)
	r.conns[conn] = true
	conn.Role = role
	conn.RoomID = roomID
	conn.StudentID = studentID

	switch role {
	case RoleAdmin:
		r.admin = conn
	case RoleStudent:
		r.students[conn] = true
	}

	log.Info().
		Str("connection_id", conn.ID).
		Str("room_id", roomID).
		Str("role", string(role)).
		Int("total_connections", len(r.conns)).
		Msg("connection registered")
	return r.session
}

// release removes a departed connection from its room's membership sets. No
// broadcast announces the departure. If the quiz has ended and the room is now
// empty, the room is torn down.
func (cm *ConnectionManager) release(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	r, ok := cm.rooms[conn.RoomID]
	if !ok || !r.conns[conn] {
		return
	}

	delete(r.conns, conn)
	delete(r.students, conn)
	if r.admin == conn {
		r.admin = nil
	}

	log.Info().
		Str("connection_id", conn.ID).
		Str("room_id", conn.RoomID).
		Msg("connection unregistered")

	if len(r.conns) == 0 && r.session.Ended() {
		r.cancel()
		delete(cm.rooms, conn.RoomID)
		log.Info().Str("room_id", conn.RoomID).Msg("room torn down")
	}
}

// Broadcast implements quiz.Broadcaster: fan the event out to every connection
// currently registered in the room.
func (cm *ConnectionManager) Broadcast(roomID string, event quiz.Event) {
	select {
	case cm.broadcastCh <- broadcastMessage{roomID: roomID, event: event}:
	default:
		log.Warn().Str("room_id", roomID).Msg("broadcast channel full, dropping message")
	}
}

func (cm *ConnectionManager) handleBroadcast(msg broadcastMessage) {
	cm.mu.Lock()
	r, ok := cm.rooms[msg.roomID]
	var targets []*Connection
	if ok {
		targets = make([]*Connection, 0, len(r.conns))
		for conn := range r.conns {
			targets = append(targets, conn)
		}
	}
	cm.mu.Unlock()

	data, err := json.Marshal(msg.event)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal event for broadcast")
		return
	}

	for _, conn := range targets {
		select {
		case conn.send <- data:
		default:
			log.Warn().
				Str("connection_id", conn.ID).
				Msg("connection send buffer full, closing connection")
			cm.release(conn)
			conn.conn.Close()
		}
	}

	if cm.relay != nil {
		if err := cm.relay.Publish(msg.roomID, msg.event); err != nil {
			log.Error().Err(err).Str("room_id", msg.roomID).Msg("failed to relay event")
		}
	}

	log.Debug().
		Str("event_type", string(msg.event.Type)).
		Str("room_id", msg.roomID).
		Int("connections", len(targets)).
		Msg("event broadcasted")
}

// GetConnectionStats returns statistics about live rooms and connections.
func (cm *ConnectionManager) GetConnectionStats() (totalConnections, activeRooms int) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	for _, r := range cm.rooms {
		totalConnections += len(r.conns)
	}
	return totalConnections, len(cm.rooms)
}

// sendEvent queues an event addressed to this connection alone.
func (c *Connection) sendEvent(event quiz.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to marshal event")
		return
	}
	select {
	case c.send <- data:
	default:
		log.Warn().Str("connection_id", c.ID).Msg("send buffer full, dropping event")
	}
}

// writePump handles sending messages to the WebSocket connection.
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.manager.release(c)
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.manager.config.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to WebSocket")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.manager.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to send ping")
				return
			}
			c.LastPing = time.Now()
		}
	}
}

// readPump reads inbound frames and hands them to the dispatcher.
func (c *Connection) readPump() {
	defer func() {
		c.manager.release(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.manager.config.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))
		c.LastPing = time.Now()
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected WebSocket close error")
			}
			break
		}

		if c.manager.handler != nil {
			c.manager.handler.HandleMessage(c, message)
		}
		c.conn.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))
	}
}
