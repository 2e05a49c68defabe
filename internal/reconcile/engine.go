// Package reconcile detects and repairs divergence between the live room
// sessions and the persisted store. Resolution follows a fixed rule table;
// runs are idempotent, so at-least-once delivery upstream is safe.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/trickhall/room-backend/internal/session"
	"github.com/trickhall/room-backend/internal/store"
)

// LiveView is the slice of the hub the engine needs: read a race-free
// snapshot and push a resolved state back into the owning room goroutine.
type LiveView interface {
	LiveSnapshot(gameID string) *session.Snapshot
	ApplyResolved(gameID string, resolved session.Snapshot) bool
}

// Record is one bounded-history entry per reconciliation run.
type Record struct {
	GameID    string           `json:"gameId"`
	Timestamp time.Time        `json:"timestamp"`
	Resolved  []Inconsistency  `json:"resolved"`
	Snapshot  session.Snapshot `json:"snapshot"`
}

const historyCap = 50

type Stats struct {
	TotalRuns          int
	RoomsTouched       int
	InProgress         int
	TypeHistogram      map[Type]int
	AvgInconsistencies float64
}

type Engine struct {
	store store.Rooms
	live  LiveView
	log   *zap.Logger

	mu         sync.Mutex
	inProgress map[string]bool
	history    map[string][]Record
	rooms      map[string]bool
	typeHist   map[Type]int
	totalRuns  int
	totalIncs  int
	periodic   map[string]context.CancelFunc
}

func NewEngine(st store.Rooms, live LiveView, log *zap.Logger) *Engine {
	return &Engine{
		store:      st,
		live:       live,
		log:        log.Named("reconcile"),
		inProgress: make(map[string]bool),
		history:    make(map[string][]Record),
		rooms:      make(map[string]bool),
		typeHist:   make(map[Type]int),
		periodic:   make(map[string]context.CancelFunc),
	}
}

// ReconcileRoomState runs one detect/resolve/persist cycle for a room.
// Returns (nil, nil) when another run for the same room is already in
// flight, when no persisted record exists, or when there is no live state —
// all benign no-ops, never errors.
func (e *Engine) ReconcileRoomState(ctx context.Context, gameID string, live *session.Snapshot) (*session.Snapshot, error) {
	e.mu.Lock()
	if e.inProgress[gameID] {
		e.mu.Unlock()
		return nil, nil
	}
	e.inProgress[gameID] = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.inProgress, gameID)
		e.mu.Unlock()
	}()

	persisted, err := e.store.FindByID(ctx, gameID)
	if err != nil {
		return nil, session.NewError(session.ErrPersistence,
			fmt.Sprintf("load persisted room %s: %v", gameID, err), nil)
	}
	if persisted == nil {
		return nil, nil
	}
	if live == nil {
		live = e.live.LiveSnapshot(gameID)
	}
	if live == nil {
		return nil, nil
	}

	inconsistencies := Detect(live, persisted, gameID)
	resolved := Resolve(inconsistencies, persisted, live)

	if len(inconsistencies) > 0 {
		if err := e.atomicStateUpdate(ctx, gameID, resolved, persisted); err != nil {
			return nil, err
		}
		e.live.ApplyResolved(gameID, resolved)
		e.log.Info("reconciled room",
			zap.String("game_id", gameID),
			zap.Int("inconsistencies", len(inconsistencies)))
	}

	e.record(gameID, inconsistencies, resolved)
	return &resolved, nil
}

// atomicStateUpdate writes the resolved state inside one transaction holding
// the room row lock. Any failure rolls the whole update back and the error
// is propagated untouched inside a PersistenceError.
func (e *Engine) atomicStateUpdate(ctx context.Context, gameID string, resolved session.Snapshot, persisted *store.RoomRecord) error {
	err := e.store.Atomic(ctx, gameID, func(tx store.RoomTx) error {
		if err := tx.SetHost(resolved.HostID); err != nil {
			return err
		}
		if err := tx.UpdateStatus(string(resolved.Status)); err != nil {
			return err
		}
		keep := make(map[string]bool, len(resolved.Players))
		for _, p := range resolved.Players {
			keep[p.UserID] = true
			rec := store.PlayerRecord{
				UserID:      p.UserID,
				Username:    p.Username,
				IsReady:     p.IsReady,
				IsConnected: p.IsConnected,
				JoinedAt:    p.JoinedAt,
			}
			if p.TeamAssignment != nil {
				v := int(*p.TeamAssignment)
				rec.Team = &v
			}
			if err := tx.AddPlayer(rec); err != nil {
				return err
			}
		}
		// Drop persisted rows reconciliation decided against.
		for _, p := range persisted.Players {
			if !keep[p.UserID] {
				if err := tx.RemovePlayer(p.UserID); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return session.NewError(session.ErrPersistence, err.Error(), map[string]any{"gameId": gameID})
	}
	return nil
}

func (e *Engine) record(gameID string, incs []Inconsistency, resolved session.Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.totalRuns++
	e.rooms[gameID] = true
	e.totalIncs += len(incs)
	for _, inc := range incs {
		e.typeHist[inc.Type]++
	}
	h := append(e.history[gameID], Record{
		GameID:    gameID,
		Timestamp: time.Now(),
		Resolved:  incs,
		Snapshot:  resolved,
	})
	if len(h) > historyCap {
		h = h[len(h)-historyCap:]
	}
	e.history[gameID] = h
}

// History returns the bounded run history for a room, newest last.
func (e *Engine) History(gameID string) []Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Record(nil), e.history[gameID]...)
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Stats{
		TotalRuns:     e.totalRuns,
		RoomsTouched:  len(e.rooms),
		InProgress:    len(e.inProgress),
		TypeHistogram: make(map[Type]int, len(e.typeHist)),
	}
	for t, n := range e.typeHist {
		s.TypeHistogram[t] = n
	}
	if e.totalRuns > 0 {
		s.AvgInconsistencies = float64(e.totalIncs) / float64(e.totalRuns)
	}
	return s
}

// SchedulePeriodic reconciles gameID every interval until cancelled. The
// returned cancel is also registered so CancelPeriodic(gameID) works from
// room teardown.
func (e *Engine) SchedulePeriodic(parent context.Context, gameID string, interval time.Duration) context.CancelFunc {
	ctx, cancel := context.WithCancel(parent)
	e.mu.Lock()
	if old, ok := e.periodic[gameID]; ok {
		old()
	}
	e.periodic[gameID] = cancel
	e.mu.Unlock()

	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if _, err := e.ReconcileRoomState(ctx, gameID, nil); err != nil {
					e.log.Warn("periodic reconciliation failed",
						zap.String("game_id", gameID), zap.Error(err))
				}
			}
		}
	}()
	return cancel
}

func (e *Engine) CancelPeriodic(gameID string) {
	e.mu.Lock()
	cancel, ok := e.periodic[gameID]
	if ok {
		delete(e.periodic, gameID)
	}
	e.mu.Unlock()
	if ok {
		cancel()
	}
}
