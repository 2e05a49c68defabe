// Package storetest provides an in-memory store.Rooms for tests, with the
// same transactional semantics as the gorm implementation: mutations inside
// Atomic apply to a copy and commit only when the callback succeeds.
package storetest

import (
	"context"
	"errors"
	"sync"

	"github.com/trickhall/room-backend/internal/store"
)

var ErrRoomMissing = errors.New("room not found")

type Memory struct {
	mu    sync.Mutex
	rooms map[string]*store.RoomRecord

	// FailAtomic, when set, makes every Atomic call fail with it.
	FailAtomic error
	// BlockFind, when non-nil, makes FindByID wait for a send on it. Used
	// to hold a reconciliation run open while asserting mutual exclusion.
	BlockFind chan struct{}
}

func NewMemory() *Memory {
	return &Memory{rooms: make(map[string]*store.RoomRecord)}
}

func (m *Memory) Seed(rec store.RoomRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := cloneRecord(&rec)
	m.rooms[rec.GameID] = cp
}

func (m *Memory) FindByID(ctx context.Context, gameID string) (*store.RoomRecord, error) {
	if m.BlockFind != nil {
		select {
		case <-m.BlockFind:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.rooms[gameID]
	if !ok {
		return nil, nil
	}
	return cloneRecord(rec), nil
}

func (m *Memory) Create(ctx context.Context, rec store.RoomRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms[rec.GameID] = cloneRecord(&rec)
	return nil
}

func (m *Memory) Delete(ctx context.Context, gameID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rooms, gameID)
	return nil
}

func (m *Memory) Atomic(ctx context.Context, gameID string, fn func(tx store.RoomTx) error) error {
	if m.FailAtomic != nil {
		return m.FailAtomic
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.rooms[gameID]
	if !ok {
		return ErrRoomMissing
	}
	work := cloneRecord(rec)
	if err := fn(&memTx{rec: work}); err != nil {
		return err
	}
	m.rooms[gameID] = work
	return nil
}

type memTx struct {
	rec *store.RoomRecord
}

func (t *memTx) UpdateStatus(status string) error {
	t.rec.Status = status
	return nil
}

func (t *memTx) SetHost(userID string) error {
	t.rec.HostID = userID
	return nil
}

func (t *memTx) SetPlayerReady(userID string, ready bool) error {
	if p := t.rec.Player(userID); p != nil {
		p.IsReady = ready
	}
	return nil
}

func (t *memTx) SetPlayerTeam(userID string, team *int) error {
	if p := t.rec.Player(userID); p != nil {
		p.Team = copyInt(team)
	}
	return nil
}

func (t *memTx) SetPlayerConnected(userID string, connected bool) error {
	if p := t.rec.Player(userID); p != nil {
		p.IsConnected = connected
	}
	return nil
}

func (t *memTx) AddPlayer(p store.PlayerRecord) error {
	if cur := t.rec.Player(p.UserID); cur != nil {
		*cur = p
		return nil
	}
	t.rec.Players = append(t.rec.Players, p)
	return nil
}

func (t *memTx) RemovePlayer(userID string) error {
	out := t.rec.Players[:0]
	for _, p := range t.rec.Players {
		if p.UserID != userID {
			out = append(out, p)
		}
	}
	t.rec.Players = out
	return nil
}

func (t *memTx) FormTeams() ([]string, []string, error) {
	ids := make([]string, len(t.rec.Players))
	for i, p := range t.rec.Players {
		ids[i] = p.UserID
	}
	team1, team2 := store.SplitTeams(ids)
	for _, id := range team1 {
		one := 1
		_ = t.SetPlayerTeam(id, &one)
	}
	for _, id := range team2 {
		two := 2
		_ = t.SetPlayerTeam(id, &two)
	}
	return team1, team2, nil
}

func cloneRecord(rec *store.RoomRecord) *store.RoomRecord {
	cp := *rec
	cp.Players = make([]store.PlayerRecord, len(rec.Players))
	copy(cp.Players, rec.Players)
	for i := range cp.Players {
		cp.Players[i].Team = copyInt(rec.Players[i].Team)
	}
	return &cp
}

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
