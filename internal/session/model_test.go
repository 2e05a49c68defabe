package session

import (
	"testing"
	"time"
)

func TestNextHost_EarliestJoinedWins(t *testing.T) {
	base := time.Now()
	players := map[string]*PlayerSession{
		"alice": {UserID: "alice", JoinedAt: base},
		"bob":   {UserID: "bob", JoinedAt: base.Add(time.Second)},
		"carol": {UserID: "carol", JoinedAt: base.Add(2 * time.Second)},
	}

	if got := NextHost(players, "alice"); got != "bob" {
		t.Fatalf("want bob, got %q", got)
	}
	if got := NextHost(players, "bob"); got != "alice" {
		t.Fatalf("want alice, got %q", got)
	}
}

func TestNextHost_TieBreaksByUserID(t *testing.T) {
	at := time.Now()
	players := map[string]*PlayerSession{
		"zed": {UserID: "zed", JoinedAt: at},
		"amy": {UserID: "amy", JoinedAt: at},
		"old": {UserID: "old", JoinedAt: at},
	}
	if got := NextHost(players, "old"); got != "amy" {
		t.Fatalf("equal timestamps must break ties by user id, got %q", got)
	}
}

func TestNextHost_EmptyRoom(t *testing.T) {
	if got := NextHost(map[string]*PlayerSession{}, "gone"); got != "" {
		t.Fatalf("want empty host for empty room, got %q", got)
	}
}

func TestGameMode(t *testing.T) {
	if GameMode(2) != "2-player" || GameMode(3) != "2-player" {
		t.Fatalf("only a full table is 4-player mode")
	}
	if GameMode(4) != "4-player" {
		t.Fatalf("4 players must report 4-player mode")
	}
}

func TestSnapshot_IsDeepCopy(t *testing.T) {
	team := Team1
	s := &RoomSession{
		GameID: "G1",
		Status: StatusWaiting,
		HostID: "alice",
		Players: map[string]*PlayerSession{
			"alice": {UserID: "alice", TeamAssignment: &team, JoinedAt: time.Now()},
		},
		Teams: Teams{Team1: []string{"alice"}},
	}

	snap := s.Snapshot()
	*snap.Players[0].TeamAssignment = Team2
	snap.Teams.Team1[0] = "mallory"

	if *s.Players["alice"].TeamAssignment != Team1 {
		t.Fatalf("snapshot must not alias player team pointers")
	}
	if s.Teams.Team1[0] != "alice" {
		t.Fatalf("snapshot must not alias team slices")
	}
}

func TestSnapshot_PlayersOrderedByJoin(t *testing.T) {
	base := time.Now()
	s := &RoomSession{
		GameID: "G1",
		Players: map[string]*PlayerSession{
			"carol": {UserID: "carol", JoinedAt: base.Add(2 * time.Second)},
			"alice": {UserID: "alice", JoinedAt: base},
			"bob":   {UserID: "bob", JoinedAt: base.Add(time.Second)},
		},
	}
	snap := s.Snapshot()
	want := []string{"alice", "bob", "carol"}
	for i, p := range snap.Players {
		if p.UserID != want[i] {
			t.Fatalf("players out of join order: %v", snap.Players)
		}
	}
}
