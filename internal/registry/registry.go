// Package registry tracks identity↔connection bindings and room membership
// for the transport. It detects disconnects, schedules eviction after the
// reconnect window, and is the Transport behind the reliability layer.
package registry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/trickhall/room-backend/internal/reliability"
	"github.com/trickhall/room-backend/internal/room"
	"github.com/trickhall/room-backend/internal/session"
	"github.com/trickhall/room-backend/internal/timers"
)

// Identity is established once at the connection handshake. Client-supplied
// identity fields later in the stream are informational only.
type Identity struct {
	UserID   string
	Username string
}

// TokenVerifier is the auth collaborator; token issuance is out of scope.
type TokenVerifier interface {
	Verify(token string) (Identity, error)
}

// Conn is one live websocket. The writer goroutine drains Outbox; Close
// tears the socket down when a newer connection supersedes this one.
type Conn struct {
	ID       string
	Identity Identity
	Outbox   chan reliability.Envelope
	Close    func(reason string)
}

const DefaultEvictionWindow = 5 * time.Minute

type Registry struct {
	verifier TokenVerifier
	timers   *timers.Set
	log      *zap.Logger
	window   time.Duration

	// lookup resolves a live room; set after the hub exists.
	lookup func(gameID string) *room.Room

	mu      sync.Mutex
	conns   map[string]*Conn             // connID -> conn
	byUser  map[string]*Conn             // userID -> current conn
	members map[string]map[string]string // gameID -> userID -> connID
	rooms   map[string]map[string]bool   // userID -> gameIDs occupied
}

func New(verifier TokenVerifier, ts *timers.Set, log *zap.Logger, window time.Duration) *Registry {
	if window == 0 {
		window = DefaultEvictionWindow
	}
	return &Registry{
		verifier: verifier,
		timers:   ts,
		log:      log.Named("registry"),
		window:   window,
		conns:    make(map[string]*Conn),
		byUser:   make(map[string]*Conn),
		members:  make(map[string]map[string]string),
		rooms:    make(map[string]map[string]bool),
	}
}

func (r *Registry) SetRoomLookup(fn func(gameID string) *room.Room) { r.lookup = fn }

func (r *Registry) Authenticate(token string) (Identity, error) {
	if token == "" {
		return Identity{}, session.NewError(session.ErrAuthentication, "missing token", nil)
	}
	id, err := r.verifier.Verify(token)
	if err != nil {
		return Identity{}, session.NewError(session.ErrAuthentication, "invalid token", nil)
	}
	return id, nil
}

// Connect binds a connection to its identity. An existing live connection
// for the same user is superseded: closed explicitly, never silently
// overwritten. Rooms the user occupies get a reconnect.
func (r *Registry) Connect(conn *Conn) {
	r.mu.Lock()
	old := r.byUser[conn.Identity.UserID]
	r.conns[conn.ID] = conn
	r.byUser[conn.Identity.UserID] = conn
	occupied := make([]string, 0, len(r.rooms[conn.Identity.UserID]))
	for gameID := range r.rooms[conn.Identity.UserID] {
		occupied = append(occupied, gameID)
	}
	r.mu.Unlock()

	if old != nil && old.ID != conn.ID {
		r.log.Info("superseding connection",
			zap.String("user_id", conn.Identity.UserID), zap.String("old_conn", old.ID))
		old.Close("superseded by newer connection")
		r.mu.Lock()
		delete(r.conns, old.ID)
		r.mu.Unlock()
	}

	now := time.Now()
	for _, gameID := range occupied {
		r.timers.Cancel(evictionKey(gameID, conn.Identity.UserID))
		if rm := r.room(gameID); rm != nil {
			rm.Inbox() <- room.Reconnected{UserID: conn.Identity.UserID, ConnID: conn.ID, At: now}
		}
	}
}

// Disconnect handles a closed socket: marks the player disconnected in every
// room they occupy and arms the eviction timer. A stale disconnect (the user
// already reconnected on a newer socket) is ignored.
func (r *Registry) Disconnect(connID string) {
	r.mu.Lock()
	conn, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, connID)
	userID := conn.Identity.UserID
	if cur := r.byUser[userID]; cur == nil || cur.ID != connID {
		// Superseded; presence belongs to the newer socket.
		r.mu.Unlock()
		return
	}
	delete(r.byUser, userID)
	occupied := make([]string, 0, len(r.rooms[userID]))
	for gameID := range r.rooms[userID] {
		occupied = append(occupied, gameID)
	}
	r.mu.Unlock()

	now := time.Now()
	for _, gameID := range occupied {
		if rm := r.room(gameID); rm != nil {
			rm.Inbox() <- room.Disconnected{UserID: userID, At: now}
		}
		gameID := gameID
		r.timers.Schedule(evictionKey(gameID, userID), r.window, func() {
			if rm := r.room(gameID); rm != nil {
				rm.Inbox() <- room.Evict{UserID: userID}
			}
		})
	}
	r.log.Info("connection closed", zap.String("user_id", userID), zap.String("conn_id", connID))
}

// AddToRoom and RemoveFromRoom implement room.Presence.

func (r *Registry) AddToRoom(gameID, userID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.members[gameID] == nil {
		r.members[gameID] = make(map[string]string)
	}
	r.members[gameID][userID] = connID
	if r.rooms[userID] == nil {
		r.rooms[userID] = make(map[string]bool)
	}
	r.rooms[userID][gameID] = true
}

func (r *Registry) RemoveFromRoom(gameID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members[gameID], userID)
	if len(r.members[gameID]) == 0 {
		delete(r.members, gameID)
	}
	delete(r.rooms[userID], gameID)
	if len(r.rooms[userID]) == 0 {
		delete(r.rooms, userID)
	}
}

// Send implements reliability.Transport. Room targets fan out to every
// member connection; a full outbox skips that client rather than blocking
// the sender. A socket target with no connection is ErrNoConnection.
func (r *Registry) Send(ctx context.Context, target reliability.Target, env reliability.Envelope) error {
	if connID, ok := target.SocketID(); ok {
		r.mu.Lock()
		conn := r.conns[connID]
		r.mu.Unlock()
		if conn == nil {
			return reliability.ErrNoConnection
		}
		select {
		case conn.Outbox <- env:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	gameID, _ := target.RoomID()
	r.mu.Lock()
	var targets []*Conn
	for userID := range r.members[gameID] {
		if conn := r.byUser[userID]; conn != nil {
			targets = append(targets, conn)
		}
	}
	r.mu.Unlock()

	for _, conn := range targets {
		select {
		case conn.Outbox <- env:
		default:
			r.log.Warn("dropping event for slow client",
				zap.String("conn_id", conn.ID), zap.String("event", env.Event))
		}
	}
	return nil
}

// ConnectedCount reports live connections; used by health reporting.
func (r *Registry) ConnectedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func (r *Registry) room(gameID string) *room.Room {
	if r.lookup == nil {
		return nil
	}
	return r.lookup(gameID)
}

func evictionKey(gameID, userID string) timers.Key {
	return timers.Key{GameID: gameID, Purpose: timers.PurposeEviction + ":" + userID}
}
