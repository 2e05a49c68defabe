// Package room owns the live state of one room. A single goroutine per room
// consumes an inbox channel, so every mutation (join, leave, ready, teams,
// start, disconnect, reconnect, reconciliation write-back) is serialized and
// lost updates cannot happen.
package room

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/trickhall/room-backend/internal/reliability"
	"github.com/trickhall/room-backend/internal/session"
	"github.com/trickhall/room-backend/internal/store"
	"github.com/trickhall/room-backend/internal/timers"
)

// Publisher is the slice of the reliability layer the room needs. Emission
// is fire-and-forget; the room is never blocked on delivery.
type Publisher interface {
	Emit(target reliability.Target, event string, payload any)
}

// Presence tracks which connections belong to this room so the transport can
// resolve room targets. Implemented by the registry.
type Presence interface {
	AddToRoom(gameID, userID, connID string)
	RemoveFromRoom(gameID, userID string)
}

const (
	persistTimeout   = 3 * time.Second
	teardownGrace    = 2 * time.Minute
	reasonNeedTwo    = "Need at least 2 connected players"
	reasonNotReady   = "Waiting for all players to be ready"
	reasonNeedTeams  = "Teams must be formed for 4-player games"
	reasonCanStart   = "Ready to start"
	removedByTimeout = "timeout"
)

type Room struct {
	inbox    chan Msg
	state    *session.RoomSession
	rooms    store.Rooms
	pub      Publisher
	presence Presence
	timers   *timers.Set
	log      *zap.Logger
	onEmpty  func(gameID string)
	ctx      context.Context
	cancel   context.CancelFunc
	now      func() time.Time
	grace    time.Duration
}

// New starts the room goroutine around an initial session (fresh or hydrated
// by the hub).
func New(parent context.Context, initial *session.RoomSession, rooms store.Rooms, pub Publisher, presence Presence, ts *timers.Set, log *zap.Logger, onEmpty func(string)) *Room {
	ctx, cancel := context.WithCancel(parent)
	r := &Room{
		inbox:    make(chan Msg, 64),
		state:    initial,
		rooms:    rooms,
		pub:      pub,
		presence: presence,
		timers:   ts,
		log:      log.Named("room").With(zap.String("game_id", initial.GameID)),
		onEmpty:  onEmpty,
		ctx:      ctx,
		cancel:   cancel,
		now:      time.Now,
		grace:    teardownGrace,
	}
	go r.loop()
	return r
}

func (r *Room) Inbox() chan<- Msg { return r.inbox }

// Done closes when the room goroutine has stopped. Callers waiting on a
// reply select on this so a torn-down room can never wedge them.
func (r *Room) Done() <-chan struct{} { return r.ctx.Done() }

func (r *Room) loop() {
	for {
		select {
		case <-r.ctx.Done():
			r.drain()
			return
		case m := <-r.inbox:
			switch msg := m.(type) {
			case Join:
				msg.Reply <- r.handleJoin(msg)
			case Leave:
				msg.Reply <- r.handleLeave(msg.UserID)
			case SetReady:
				msg.Reply <- r.handleSetReady(msg)
			case FormTeams:
				msg.Reply <- r.handleFormTeams(msg.RequesterID)
			case StartGame:
				msg.Reply <- r.handleStartGame(msg.RequesterID)
			case Disconnected:
				r.handleDisconnected(msg)
			case Reconnected:
				r.handleReconnected(msg)
			case Evict:
				r.handleEvict(msg.UserID)
			case ApplyResolved:
				msg.Reply <- r.handleApplyResolved(msg.Resolved)
			case Complete:
				res := r.handleComplete(msg)
				if msg.Reply != nil {
					msg.Reply <- res
				}
			case GetState:
				msg.Reply <- r.state.Snapshot()
			case Shutdown:
				r.cancel()
				r.drain()
				return
			}
		}
	}
}

// drain answers everything still queued when the loop exits so no caller is
// left blocked on a reply channel.
func (r *Room) drain() {
	for {
		select {
		case m := <-r.inbox:
			r.reject(m)
		default:
			return
		}
	}
}

func (r *Room) reject(m Msg) {
	err := session.NewError(session.ErrState,
		"room is closed", map[string]any{"gameId": r.state.GameID})
	switch msg := m.(type) {
	case Join:
		msg.Reply <- Result{Err: err}
	case Leave:
		msg.Reply <- Result{Err: err}
	case SetReady:
		msg.Reply <- Result{Err: err}
	case FormTeams:
		msg.Reply <- Result{Err: err}
	case StartGame:
		msg.Reply <- Result{Err: err}
	case ApplyResolved:
		msg.Reply <- Result{Err: err}
	case Complete:
		if msg.Reply != nil {
			msg.Reply <- Result{Err: err}
		}
	case GetState:
		msg.Reply <- r.state.Snapshot()
	}
}

func (r *Room) handleJoin(msg Join) Result {
	s := r.state
	if p, ok := s.Players[msg.UserID]; ok {
		// Known player rejoining: reactivate, keep ready/team state.
		wasDisconnected := !p.IsConnected
		now := r.now()
		p.IsConnected = true
		p.ConnectionID = msg.ConnID
		if wasDisconnected {
			p.ReconnectedAt = &now
			p.DisconnectedAt = nil
		}
		s.Version++
		r.presence.AddToRoom(s.GameID, msg.UserID, msg.ConnID)
		r.timers.Cancel(timers.Key{GameID: s.GameID, Purpose: timers.PurposeEviction + ":" + msg.UserID})
		r.persist(msg.UserID, func(tx store.RoomTx) error {
			return tx.SetPlayerConnected(msg.UserID, true)
		})
		snap := s.Snapshot()
		r.pub.Emit(reliability.SocketTarget(msg.ConnID), session.EvtRoomJoined, snap)
		if wasDisconnected {
			r.pub.Emit(reliability.RoomTarget(s.GameID), session.EvtPlayerReconnected, reconnectPayload(*p, snap))
		}
		return Result{Snap: snap}
	}

	if s.Status != session.StatusWaiting {
		return Result{Err: session.NewError(session.ErrState,
			"game already in progress", map[string]any{"status": s.Status})}
	}
	if len(s.Players) >= session.MaxPlayers {
		return Result{Err: session.NewError(session.ErrCapacity,
			"room is full", map[string]any{"maxPlayers": session.MaxPlayers})}
	}

	now := r.now()
	p := &session.PlayerSession{
		UserID:       msg.UserID,
		Username:     msg.Username,
		ConnectionID: msg.ConnID,
		IsConnected:  true,
		JoinedAt:     now,
	}
	s.Players[msg.UserID] = p
	hostChanged := false
	if s.HostID == "" {
		s.HostID = msg.UserID
		hostChanged = true
	}
	s.Version++
	r.presence.AddToRoom(s.GameID, msg.UserID, msg.ConnID)

	r.persist(msg.UserID, func(tx store.RoomTx) error {
		if err := tx.AddPlayer(store.PlayerRecord{
			UserID:      p.UserID,
			Username:    p.Username,
			IsConnected: true,
			JoinedAt:    p.JoinedAt,
		}); err != nil {
			return err
		}
		if hostChanged {
			return tx.SetHost(s.HostID)
		}
		return nil
	})

	snap := s.Snapshot()
	r.pub.Emit(reliability.SocketTarget(msg.ConnID), session.EvtRoomJoined, snap)
	r.pub.Emit(reliability.RoomTarget(s.GameID), session.EvtPlayerJoined, map[string]any{
		"player": *p,
		"hostId": s.HostID,
		"room":   snap,
	})
	r.log.Info("player joined", zap.String("user_id", msg.UserID), zap.Int("players", len(s.Players)))
	return Result{Snap: snap}
}

func (r *Room) handleLeave(userID string) Result {
	s := r.state
	p, ok := s.Players[userID]
	if !ok {
		return Result{Err: session.NewError(session.ErrValidation,
			"player not in room", map[string]any{"userId": userID})}
	}
	if s.Status != session.StatusWaiting {
		return Result{Err: session.NewError(session.ErrState,
			"cannot leave after the game has started", map[string]any{"status": s.Status})}
	}

	r.removePlayer(userID)
	s.Version++
	r.persist(userID, func(tx store.RoomTx) error {
		if err := tx.RemovePlayer(userID); err != nil {
			return err
		}
		if s.HostID != "" {
			return tx.SetHost(s.HostID)
		}
		return nil
	})

	if len(s.Players) == 0 {
		r.teardown()
		return Result{Snap: s.Snapshot()}
	}

	snap := s.Snapshot()
	r.pub.Emit(reliability.RoomTarget(s.GameID), session.EvtPlayerLeft, map[string]any{
		"userId":   userID,
		"username": p.Username,
		"hostId":   s.HostID,
		"room":     snap,
	})
	return Result{Snap: snap}
}

// removePlayer drops the player, clears their team slot, and runs host
// failover (earliest JoinedAt among the rest).
func (r *Room) removePlayer(userID string) {
	s := r.state
	delete(s.Players, userID)
	s.Teams.Team1 = without(s.Teams.Team1, userID)
	s.Teams.Team2 = without(s.Teams.Team2, userID)
	if s.HostID == userID {
		s.HostID = session.NextHost(s.Players, userID)
	}
	r.presence.RemoveFromRoom(s.GameID, userID)
}

func (r *Room) handleSetReady(msg SetReady) Result {
	s := r.state
	p, ok := s.Players[msg.UserID]
	if !ok {
		return Result{Err: session.NewError(session.ErrValidation,
			"player not in room", map[string]any{"userId": msg.UserID})}
	}
	if s.Status != session.StatusWaiting {
		return Result{Err: session.NewError(session.ErrState,
			"ready state is locked once the game starts", map[string]any{"status": s.Status})}
	}

	p.IsReady = msg.Ready
	s.Version++
	r.persist(msg.UserID, func(tx store.RoomTx) error {
		return tx.SetPlayerReady(msg.UserID, msg.Ready)
	})

	rs := r.readyState()
	snap := s.Snapshot()
	r.pub.Emit(reliability.RoomTarget(s.GameID), session.EvtPlayerReadyChanged, map[string]any{
		"userId":           msg.UserID,
		"isReady":          msg.Ready,
		"readyCount":       rs.ReadyCount,
		"connectedPlayers": rs.ConnectedPlayers,
		"allReady":         rs.AllReady,
		"canStartGame":     rs.CanStartGame,
		"gameStartReason":  rs.GameStartReason,
	})
	return Result{Snap: snap}
}

func (r *Room) handleFormTeams(requesterID string) Result {
	s := r.state
	if requesterID != s.HostID {
		return Result{Err: session.NewError(session.ErrAuthorization,
			"only the host can form teams", map[string]any{"hostId": s.HostID})}
	}
	if s.Status != session.StatusWaiting {
		return Result{Err: session.NewError(session.ErrState,
			"teams are locked once the game starts", map[string]any{"status": s.Status})}
	}
	if len(s.Players) < 2 {
		return Result{Err: session.NewError(session.ErrCapacity,
			"need at least 2 players to form teams", map[string]any{"players": len(s.Players)})}
	}

	ids := make([]string, 0, len(s.Players))
	for id := range s.Players {
		ids = append(ids, id)
	}
	team1, team2 := store.SplitTeams(ids)
	s.Teams = session.Teams{Team1: team1, Team2: team2}
	for _, id := range team1 {
		t := session.Team1
		s.Players[id].TeamAssignment = &t
	}
	for _, id := range team2 {
		t := session.Team2
		s.Players[id].TeamAssignment = &t
	}
	s.Version++

	r.persist(requesterID, func(tx store.RoomTx) error {
		for _, id := range team1 {
			one := 1
			if err := tx.SetPlayerTeam(id, &one); err != nil {
				return err
			}
		}
		for _, id := range team2 {
			two := 2
			if err := tx.SetPlayerTeam(id, &two); err != nil {
				return err
			}
		}
		return nil
	})

	snap := s.Snapshot()
	// userId lets the HTTP fallback replay this as POST /rooms/{id}/form-teams.
	r.pub.Emit(reliability.RoomTarget(s.GameID), session.EvtTeamsFormed, map[string]any{
		"userId": requesterID,
		"teams":  s.Teams,
		"room":   snap,
	})
	return Result{Snap: snap}
}

func (r *Room) handleStartGame(requesterID string) Result {
	s := r.state
	if requesterID != s.HostID {
		return Result{Err: session.NewError(session.ErrAuthorization,
			"only the host can start the game", map[string]any{"hostId": s.HostID})}
	}
	if s.Status != session.StatusWaiting {
		return Result{Err: session.NewError(session.ErrState,
			"game already started", map[string]any{"status": s.Status})}
	}
	rs := r.readyState()
	if !rs.CanStartGame {
		return Result{Err: session.NewError(session.ErrState, rs.GameStartReason, map[string]any{
			"readyCount":       rs.ReadyCount,
			"connectedPlayers": rs.ConnectedPlayers,
		})}
	}

	s.Status = session.StatusStarting
	s.Version++
	r.pub.Emit(reliability.RoomTarget(s.GameID), session.EvtRoomUpdated, s.Snapshot())
	s.Status = session.StatusPlaying
	s.Version++
	r.persist(requesterID, func(tx store.RoomTx) error {
		return tx.UpdateStatus(string(session.StatusPlaying))
	})

	snap := s.Snapshot()
	r.pub.Emit(reliability.RoomTarget(s.GameID), session.EvtGameStarting, map[string]any{
		"userId":     requesterID,
		"gameMode":   session.GameMode(len(s.Players)),
		"roomStatus": s.Status,
		"players":    snap.Players,
		"teams":      s.Teams,
	})
	r.log.Info("game starting", zap.String("mode", session.GameMode(len(s.Players))))
	return Result{Snap: snap}
}

func (r *Room) handleDisconnected(msg Disconnected) {
	s := r.state
	p, ok := s.Players[msg.UserID]
	if !ok || !p.IsConnected {
		return
	}
	at := msg.At
	p.IsConnected = false
	p.ConnectionID = ""
	p.DisconnectedAt = &at
	s.Version++
	r.persist(msg.UserID, func(tx store.RoomTx) error {
		return tx.SetPlayerConnected(msg.UserID, false)
	})
	r.pub.Emit(reliability.RoomTarget(s.GameID), session.EvtPlayerDisconnected, map[string]any{
		"userId":   msg.UserID,
		"username": p.Username,
	})
}

func (r *Room) handleReconnected(msg Reconnected) {
	s := r.state
	p, ok := s.Players[msg.UserID]
	if !ok {
		return
	}
	at := msg.At
	p.IsConnected = true
	p.ConnectionID = msg.ConnID
	p.ReconnectedAt = &at
	p.DisconnectedAt = nil
	s.Version++
	r.presence.AddToRoom(s.GameID, msg.UserID, msg.ConnID)
	r.persist(msg.UserID, func(tx store.RoomTx) error {
		return tx.SetPlayerConnected(msg.UserID, true)
	})
	snap := s.Snapshot()
	r.pub.Emit(reliability.SocketTarget(msg.ConnID), session.EvtRoomJoined, snap)
	r.pub.Emit(reliability.RoomTarget(s.GameID), session.EvtPlayerReconnected, reconnectPayload(*p, snap))
}

func (r *Room) handleEvict(userID string) {
	s := r.state
	p, ok := s.Players[userID]
	if !ok || p.IsConnected {
		// Reconnected before the timer fired; nothing to do.
		return
	}
	username := p.Username
	r.removePlayer(userID)
	s.Version++
	// Delete the persisted row too so reconciliation does not resurrect the
	// evicted player as player_missing.
	r.persist(userID, func(tx store.RoomTx) error {
		if err := tx.RemovePlayer(userID); err != nil {
			return err
		}
		if s.HostID != "" {
			return tx.SetHost(s.HostID)
		}
		return nil
	})

	if len(s.Players) == 0 {
		r.teardown()
		return
	}
	r.pub.Emit(reliability.RoomTarget(s.GameID), session.EvtPlayerRemoved, map[string]any{
		"userId":   userID,
		"username": username,
		"reason":   removedByTimeout,
		"hostId":   s.HostID,
	})
	r.log.Info("player evicted", zap.String("user_id", userID))
}

// handleApplyResolved overwrites live fields with the reconciliation result.
// Connection flags stay live-owned; the resolver already honored that.
func (r *Room) handleApplyResolved(resolved session.Snapshot) Result {
	s := r.state
	s.HostID = resolved.HostID
	s.Status = resolved.Status
	s.Teams = session.Teams{
		Team1: append([]string(nil), resolved.Teams.Team1...),
		Team2: append([]string(nil), resolved.Teams.Team2...),
	}
	seen := make(map[string]bool, len(resolved.Players))
	for _, rp := range resolved.Players {
		seen[rp.UserID] = true
		p, ok := s.Players[rp.UserID]
		if !ok {
			cp := rp
			s.Players[rp.UserID] = &cp
			continue
		}
		p.IsReady = rp.IsReady
		p.TeamAssignment = rp.TeamAssignment
		p.IsConnected = rp.IsConnected
	}
	for id := range s.Players {
		if !seen[id] {
			delete(s.Players, id)
		}
	}
	s.Version++
	s.DBSynced = true
	snap := s.Snapshot()
	r.pub.Emit(reliability.RoomTarget(s.GameID), session.EvtRoomUpdated, snap)
	return Result{Snap: snap}
}

// handleComplete moves a playing room to completed. An empty RequesterID is
// an internal caller (the game engine); an external requester must be host.
func (r *Room) handleComplete(msg Complete) Result {
	s := r.state
	if msg.RequesterID != "" && msg.RequesterID != s.HostID {
		return Result{Err: session.NewError(session.ErrAuthorization,
			"only the host can complete the game", map[string]any{"hostId": s.HostID})}
	}
	if s.Status != session.StatusPlaying {
		return Result{Err: session.NewError(session.ErrState,
			"game is not in progress", map[string]any{"status": s.Status})}
	}

	s.Status = session.StatusCompleted
	s.Version++
	r.persist(msg.RequesterID, func(tx store.RoomTx) error {
		return tx.UpdateStatus(string(session.StatusCompleted))
	})
	snap := s.Snapshot()
	r.pub.Emit(reliability.RoomTarget(s.GameID), session.EvtRoomUpdated, snap)
	// Linger so clients can fetch final state, then tear down.
	r.timers.Schedule(timers.Key{GameID: s.GameID, Purpose: timers.PurposeTeardown}, r.grace, func() {
		select {
		case r.inbox <- Shutdown{}:
		case <-r.ctx.Done():
		}
		if r.onEmpty != nil {
			r.onEmpty(s.GameID)
		}
	})
	return Result{Snap: snap}
}

func (r *Room) teardown() {
	r.cancel()
	if r.onEmpty != nil {
		r.onEmpty(r.state.GameID)
	}
}

func (r *Room) readyState() session.ReadyState {
	s := r.state
	connected, ready := 0, 0
	for _, p := range s.Players {
		if p.IsConnected {
			connected++
			if p.IsReady {
				ready++
			}
		}
	}
	rs := session.ReadyState{
		ReadyCount:       ready,
		ConnectedPlayers: connected,
		AllReady:         connected >= 2 && ready == connected,
	}
	teamsFormed := len(s.Teams.Team1) > 0 && len(s.Teams.Team2) > 0
	switch {
	case connected < 2:
		rs.GameStartReason = reasonNeedTwo
	case !rs.AllReady:
		rs.GameStartReason = reasonNotReady
	case len(s.Players) == 4 && !teamsFormed:
		rs.GameStartReason = reasonNeedTeams
	default:
		rs.CanStartGame = true
		rs.GameStartReason = reasonCanStart
	}
	return rs
}

// persist applies a durable write for a committed live mutation. Failure is
// non-fatal: the room keeps serving from memory with dbSynced=false and the
// initiator gets a warning; reconciliation closes the gap later.
func (r *Room) persist(requesterID string, fn func(tx store.RoomTx) error) {
	ctx, cancel := context.WithTimeout(r.ctx, persistTimeout)
	defer cancel()
	err := r.rooms.Atomic(ctx, r.state.GameID, fn)
	if err == nil {
		r.state.DBSynced = true
		return
	}
	if errors.Is(err, context.Canceled) {
		return
	}
	r.state.DBSynced = false
	r.log.Warn("persisted write failed", zap.Error(err))
	if p, ok := r.state.Players[requesterID]; ok && p.ConnectionID != "" {
		r.pub.Emit(reliability.SocketTarget(p.ConnectionID), session.EvtWarning, map[string]any{
			"message":  "database sync failed",
			"dbSynced": false,
		})
	}
}

func reconnectPayload(p session.PlayerSession, snap session.Snapshot) map[string]any {
	return map[string]any{
		"userId":         p.UserID,
		"username":       p.Username,
		"isReady":        p.IsReady,
		"teamAssignment": p.TeamAssignment,
		"room":           snap,
	}
}

func without(ids []string, drop string) []string {
	out := ids[:0]
	for _, id := range ids {
		if id != drop {
			out = append(out, id)
		}
	}
	return out
}
