// Package hub owns the map of live rooms. A single goroutine consumes the
// inbox, so ensure/get/remove are serialized: two concurrent first-joins for
// the same game id cannot race hydration against creation.
package hub

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/trickhall/room-backend/internal/room"
	"github.com/trickhall/room-backend/internal/session"
	"github.com/trickhall/room-backend/internal/store"
	"github.com/trickhall/room-backend/internal/timers"
)

type Msg interface{ isHubMsg() }

// EnsureRoom returns the live room for GameID, hydrating from the persisted
// store when a record exists and creating both sides fresh otherwise.
type EnsureRoom struct {
	GameID string
	Reply  chan *room.Room
}

type GetRoom struct {
	GameID string
	Reply  chan *room.Room
}

type RemoveRoom struct {
	GameID string
}

type Shutdown struct{}

func (EnsureRoom) isHubMsg() {}
func (GetRoom) isHubMsg()    {}
func (RemoveRoom) isHubMsg() {}
func (Shutdown) isHubMsg()   {}

type Hub struct {
	inbox    chan Msg
	rooms    map[string]*room.Room
	store    store.Rooms
	pub      room.Publisher
	presence room.Presence
	timers   *timers.Set
	log      *zap.Logger
	// onRoomLive runs when a room goroutine starts and onRoomGone after it
	// is torn down; wiring uses them to start and cancel the room's periodic
	// reconciliation.
	onRoomLive func(gameID string)
	onRoomGone func(gameID string)
	ctx        context.Context
	cancel     context.CancelFunc
}

func New(parent context.Context, st store.Rooms, pub room.Publisher, presence room.Presence, ts *timers.Set, log *zap.Logger) *Hub {
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		inbox:    make(chan Msg, 64),
		rooms:    make(map[string]*room.Room),
		store:    st,
		pub:      pub,
		presence: presence,
		timers:   ts,
		log:      log.Named("hub"),
		ctx:      ctx,
		cancel:   cancel,
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- Msg { return h.inbox }

func (h *Hub) OnRoomLive(fn func(gameID string)) { h.onRoomLive = fn }
func (h *Hub) OnRoomGone(fn func(gameID string)) { h.onRoomGone = fn }

func (h *Hub) loop() {
	for {
		select {
		case <-h.ctx.Done():
			h.drain()
			return
		case m := <-h.inbox:
			switch msg := m.(type) {
			case EnsureRoom:
				msg.Reply <- h.ensure(msg.GameID)
			case GetRoom:
				msg.Reply <- h.rooms[msg.GameID] // may be nil
			case RemoveRoom:
				h.remove(msg.GameID)
			case Shutdown:
				for _, rm := range h.rooms {
					rm.Inbox() <- room.Shutdown{}
				}
				clear(h.rooms)
				h.cancel()
				h.drain()
				return
			}
		}
	}
}

// drain answers queued lookups with nil after shutdown; callers treat nil as
// "no live room".
func (h *Hub) drain() {
	for {
		select {
		case m := <-h.inbox:
			switch msg := m.(type) {
			case EnsureRoom:
				msg.Reply <- nil
			case GetRoom:
				msg.Reply <- nil
			}
		default:
			return
		}
	}
}

func (h *Hub) ensure(gameID string) *room.Room {
	if rm := h.rooms[gameID]; rm != nil {
		return rm
	}

	initial := h.hydrate(gameID)
	rm := room.New(h.ctx, initial, h.store, h.pub, h.presence, h.timers, h.log, func(id string) {
		// Runs on the room goroutine after teardown.
		h.inbox <- RemoveRoom{GameID: id}
	})
	h.rooms[gameID] = rm
	if h.onRoomLive != nil {
		h.onRoomLive(gameID)
	}
	return rm
}

// hydrate builds the initial session: persisted record when one exists
// (players come back disconnected until their sockets show up), fresh
// otherwise with the persisted record created alongside.
func (h *Hub) hydrate(gameID string) *session.RoomSession {
	ctx, cancel := context.WithTimeout(h.ctx, 3*time.Second)
	defer cancel()

	rec, err := h.store.FindByID(ctx, gameID)
	if err != nil {
		h.log.Warn("hydration lookup failed, creating fresh", zap.String("game_id", gameID), zap.Error(err))
	}
	now := time.Now()
	if rec == nil {
		s := &session.RoomSession{
			GameID:    gameID,
			Status:    session.StatusWaiting,
			Players:   make(map[string]*session.PlayerSession),
			CreatedAt: now,
			DBSynced:  true,
		}
		if err == nil {
			if cerr := h.store.Create(ctx, store.RoomRecord{
				GameID:    gameID,
				Status:    string(session.StatusWaiting),
				CreatedAt: now,
			}); cerr != nil {
				h.log.Warn("persisted room create failed", zap.String("game_id", gameID), zap.Error(cerr))
				s.DBSynced = false
			}
		} else {
			s.DBSynced = false
		}
		return s
	}

	s := &session.RoomSession{
		GameID:    rec.GameID,
		Status:    session.Status(rec.Status),
		HostID:    rec.HostID,
		Players:   make(map[string]*session.PlayerSession, len(rec.Players)),
		CreatedAt: rec.CreatedAt,
		DBSynced:  true,
	}
	for _, p := range rec.Players {
		ps := &session.PlayerSession{
			UserID:   p.UserID,
			Username: p.Username,
			IsReady:  p.IsReady,
			JoinedAt: p.JoinedAt,
		}
		if p.Team != nil {
			t := session.Team(*p.Team)
			ps.TeamAssignment = &t
			switch t {
			case session.Team1:
				s.Teams.Team1 = append(s.Teams.Team1, p.UserID)
			case session.Team2:
				s.Teams.Team2 = append(s.Teams.Team2, p.UserID)
			}
		}
		s.Players[p.UserID] = ps
	}
	h.log.Info("room hydrated from persisted state",
		zap.String("game_id", gameID), zap.Int("players", len(rec.Players)))
	return s
}

func (h *Hub) remove(gameID string) {
	if _, ok := h.rooms[gameID]; !ok {
		return
	}
	delete(h.rooms, gameID)
	h.timers.CancelRoom(gameID)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := h.store.Delete(ctx, gameID); err != nil {
		h.log.Warn("persisted room delete failed", zap.String("game_id", gameID), zap.Error(err))
	}
	if h.onRoomGone != nil {
		h.onRoomGone(gameID)
	}
	h.log.Info("room removed", zap.String("game_id", gameID))
}

// Ensure is the call-style wrapper used by the ws and HTTP handlers.
func (h *Hub) Ensure(gameID string) *room.Room {
	reply := make(chan *room.Room, 1)
	h.inbox <- EnsureRoom{GameID: gameID, Reply: reply}
	return <-reply
}

// Get returns nil when no live room exists.
func (h *Hub) Get(gameID string) *room.Room {
	reply := make(chan *room.Room, 1)
	h.inbox <- GetRoom{GameID: gameID, Reply: reply}
	return <-reply
}

// LiveSnapshot asks the room goroutine for a race-free copy; nil when the
// room is not live. The reconciliation engine reads live state through this.
func (h *Hub) LiveSnapshot(gameID string) *session.Snapshot {
	rm := h.Get(gameID)
	if rm == nil {
		return nil
	}
	reply := make(chan session.Snapshot, 1)
	select {
	case rm.Inbox() <- room.GetState{Reply: reply}:
	case <-rm.Done():
		return nil
	}
	select {
	case snap := <-reply:
		return &snap
	case <-rm.Done():
		select {
		case snap := <-reply:
			return &snap
		default:
			return nil
		}
	}
}

// ApplyResolved pushes a reconciliation result into the live room, which
// re-broadcasts the corrected view. Reports whether a live room took it.
func (h *Hub) ApplyResolved(gameID string, resolved session.Snapshot) bool {
	rm := h.Get(gameID)
	if rm == nil {
		return false
	}
	reply := make(chan room.Result, 1)
	select {
	case rm.Inbox() <- room.ApplyResolved{Resolved: resolved, Reply: reply}:
	case <-rm.Done():
		return false
	}
	select {
	case res := <-reply:
		return res.Err == nil
	case <-rm.Done():
		select {
		case res := <-reply:
			return res.Err == nil
		default:
			return false
		}
	}
}
