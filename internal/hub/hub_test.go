package hub

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/trickhall/room-backend/internal/reliability"
	"github.com/trickhall/room-backend/internal/room"
	"github.com/trickhall/room-backend/internal/session"
	"github.com/trickhall/room-backend/internal/store"
	"github.com/trickhall/room-backend/internal/store/storetest"
	"github.com/trickhall/room-backend/internal/timers"
)

type nopPub struct{}

func (nopPub) Emit(target reliability.Target, event string, payload any) {}

type nopPresence struct{}

func (nopPresence) AddToRoom(gameID, userID, connID string) {}
func (nopPresence) RemoveFromRoom(gameID, userID string)    {}

func newHub(t *testing.T, mem *storetest.Memory) *Hub {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return New(ctx, mem, nopPub{}, nopPresence{}, timers.NewSet(), zap.NewNop())
}

func TestEnsure_SamePointerForSameGame(t *testing.T) {
	h := newHub(t, storetest.NewMemory())

	rm1 := h.Ensure("ZED123")
	rm2 := h.Ensure("ZED123")
	if rm1 == nil || rm1 != rm2 {
		t.Fatalf("expected same room pointer")
	}
	if h.Get("OTHER") != nil {
		t.Fatalf("unknown game must return nil")
	}
}

func TestEnsure_CreatesPersistedRecordForFreshRoom(t *testing.T) {
	mem := storetest.NewMemory()
	h := newHub(t, mem)

	h.Ensure("NEW001")
	rec, err := mem.FindByID(context.Background(), "NEW001")
	if err != nil || rec == nil {
		t.Fatalf("fresh room must create its persisted record, got %v/%v", rec, err)
	}
	if rec.Status != string(session.StatusWaiting) {
		t.Fatalf("want waiting, got %s", rec.Status)
	}
}

func TestEnsure_HydratesFromPersistedState(t *testing.T) {
	mem := storetest.NewMemory()
	team1 := 1
	mem.Seed(store.RoomRecord{
		GameID: "OLD001",
		Status: string(session.StatusWaiting),
		HostID: "alice",
		Players: []store.PlayerRecord{
			{UserID: "alice", Username: "alice", IsReady: true, Team: &team1, JoinedAt: time.Now().Add(-time.Hour)},
			{UserID: "bob", Username: "bob", JoinedAt: time.Now().Add(-time.Minute)},
		},
		CreatedAt: time.Now().Add(-time.Hour),
	})
	h := newHub(t, mem)

	rm := h.Ensure("OLD001")
	reply := make(chan session.Snapshot, 1)
	rm.Inbox() <- room.GetState{Reply: reply}
	snap := <-reply

	if snap.HostID != "alice" {
		t.Fatalf("host must survive hydration, got %q", snap.HostID)
	}
	if len(snap.Players) != 2 {
		t.Fatalf("want 2 hydrated players, got %d", len(snap.Players))
	}
	for _, p := range snap.Players {
		if p.IsConnected {
			t.Fatalf("hydrated players have no live socket yet: %+v", p)
		}
	}
	alice := snap.Players[0]
	if !alice.IsReady || alice.TeamAssignment == nil || *alice.TeamAssignment != session.Team1 {
		t.Fatalf("hydration must restore ready/team state: %+v", alice)
	}
	if len(snap.Teams.Team1) != 1 || snap.Teams.Team1[0] != "alice" {
		t.Fatalf("team rosters must be rebuilt from assignments: %+v", snap.Teams)
	}
}

func TestLiveSnapshot_NilWhenRoomNotLive(t *testing.T) {
	h := newHub(t, storetest.NewMemory())
	if h.LiveSnapshot("NOPE") != nil {
		t.Fatalf("want nil snapshot for unknown room")
	}
}
