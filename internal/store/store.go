// Package store is the durable side of room state. The live layer and the
// reconciliation engine consume the Rooms contract; the gorm/postgres
// implementation lives in gorm.go.
package store

import (
	"context"
	"time"
)

type PlayerRecord struct {
	UserID      string
	Username    string
	IsReady     bool
	Team        *int // 1 or 2, nil before teams are formed
	IsConnected bool
	JoinedAt    time.Time
}

type RoomRecord struct {
	GameID    string
	Status    string
	HostID    string
	Players   []PlayerRecord
	CreatedAt time.Time
}

func (r *RoomRecord) Player(userID string) *PlayerRecord {
	for i := range r.Players {
		if r.Players[i].UserID == userID {
			return &r.Players[i]
		}
	}
	return nil
}

// RoomTx is the contract available inside an atomic update. The room row is
// already locked when the callback runs; every mutation applies to that
// locked record and commits or rolls back as a unit.
type RoomTx interface {
	UpdateStatus(status string) error
	SetHost(userID string) error
	SetPlayerReady(userID string, ready bool) error
	SetPlayerTeam(userID string, team *int) error
	SetPlayerConnected(userID string, connected bool) error
	AddPlayer(p PlayerRecord) error
	RemovePlayer(userID string) error
	// FormTeams persists a balanced random partition and returns it.
	FormTeams() (team1, team2 []string, err error)
}

// Rooms is the persisted-room collaborator contract.
type Rooms interface {
	// FindByID returns (nil, nil) when no record exists.
	FindByID(ctx context.Context, gameID string) (*RoomRecord, error)
	Create(ctx context.Context, rec RoomRecord) error
	Delete(ctx context.Context, gameID string) error
	// Atomic opens a transaction, row-locks the room record, and runs fn.
	// Any error from fn rolls the whole transaction back and is returned
	// untouched.
	Atomic(ctx context.Context, gameID string, fn func(tx RoomTx) error) error
}
