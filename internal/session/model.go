package session

import "time"

type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusStarting  Status = "starting"
	StatusPlaying   Status = "playing"
	StatusCompleted Status = "completed"
)

type Team int

const (
	Team1 Team = 1
	Team2 Team = 2
)

const MaxPlayers = 4

type PlayerSession struct {
	UserID         string     `json:"userId"`
	Username       string     `json:"username"`
	ConnectionID   string     `json:"connectionId,omitempty"`
	IsReady        bool       `json:"isReady"`
	TeamAssignment *Team      `json:"teamAssignment"`
	IsConnected    bool       `json:"isConnected"`
	JoinedAt       time.Time  `json:"joinedAt"`
	DisconnectedAt *time.Time `json:"disconnectedAt,omitempty"`
	ReconnectedAt  *time.Time `json:"reconnectedAt,omitempty"`
}

type Teams struct {
	Team1 []string `json:"team1"`
	Team2 []string `json:"team2"`
}

// RoomSession is the live, in-process view of one room. It is owned by a
// single room goroutine; everything outside the loop sees copies (Snapshot).
type RoomSession struct {
	GameID    string
	Status    Status
	HostID    string
	Players   map[string]*PlayerSession
	Teams     Teams
	Version   int
	CreatedAt time.Time
	// DBSynced flips to false when a persisted write failed and the room is
	// serving from memory alone until reconciliation catches up.
	DBSynced bool
}

// Snapshot is the immutable copy broadcast to clients and handed to the
// reconciliation engine.
type Snapshot struct {
	GameID    string          `json:"gameId"`
	Status    Status          `json:"status"`
	HostID    string          `json:"hostId"`
	Players   []PlayerSession `json:"players"`
	Teams     Teams           `json:"teams"`
	Version   int             `json:"version"`
	DBSynced  bool            `json:"dbSynced"`
	CreatedAt time.Time       `json:"createdAt"`
}

// GameMode reports "2-player" or "4-player" from the roster size. Team
// formation is only a start requirement in the 4-player mode.
func GameMode(playerCount int) string {
	if playerCount == 4 {
		return "4-player"
	}
	return "2-player"
}

func (s *RoomSession) Snapshot() Snapshot {
	snap := Snapshot{
		GameID:    s.GameID,
		Status:    s.Status,
		HostID:    s.HostID,
		Teams:     Teams{Team1: append([]string(nil), s.Teams.Team1...), Team2: append([]string(nil), s.Teams.Team2...)},
		Version:   s.Version,
		DBSynced:  s.DBSynced,
		CreatedAt: s.CreatedAt,
	}
	for _, p := range s.Players {
		cp := *p
		if p.TeamAssignment != nil {
			t := *p.TeamAssignment
			cp.TeamAssignment = &t
		}
		snap.Players = append(snap.Players, cp)
	}
	// Deterministic order for clients and tests.
	sortPlayersByJoin(snap.Players)
	return snap
}

func sortPlayersByJoin(ps []PlayerSession) {
	for i := 1; i < len(ps); i++ {
		for j := i; j > 0 && joinsBefore(ps[j], ps[j-1]); j-- {
			ps[j], ps[j-1] = ps[j-1], ps[j]
		}
	}
}

// joinsBefore orders by JoinedAt, falling back to UserID so the order is
// total even for equal timestamps. Host failover relies on this rule.
func joinsBefore(a, b PlayerSession) bool {
	if a.JoinedAt.Equal(b.JoinedAt) {
		return a.UserID < b.UserID
	}
	return a.JoinedAt.Before(b.JoinedAt)
}

// NextHost picks the replacement host after the current one left: the
// earliest-joined remaining player, UserID-ascending on ties.
func NextHost(players map[string]*PlayerSession, leavingID string) string {
	var best *PlayerSession
	for id, p := range players {
		if id == leavingID {
			continue
		}
		if best == nil || joinsBefore(*p, *best) {
			best = p
		}
	}
	if best == nil {
		return ""
	}
	return best.UserID
}
