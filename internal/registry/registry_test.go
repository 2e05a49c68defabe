package registry

import (
	"context"
	"errors"
	"sync"
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

type fixture struct {
	reg  *Registry
	room *room.Room
}

func newFixture(t *testing.T, window time.Duration) *fixture {
	t.Helper()
	ts := timers.NewSet()
	reg := New(VerifierFunc(func(token string) (Identity, error) {
		return Identity{UserID: token, Username: token}, nil
	}), ts, zap.NewNop(), window)

	mem := storetest.NewMemory()
	mem.Seed(store.RoomRecord{GameID: "G1", Status: string(session.StatusWaiting), CreatedAt: time.Now()})
	initial := &session.RoomSession{
		GameID:    "G1",
		Status:    session.StatusWaiting,
		Players:   make(map[string]*session.PlayerSession),
		CreatedAt: time.Now(),
		DBSynced:  true,
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	rm := room.New(ctx, initial, mem, nopPub{}, reg, ts, zap.NewNop(), nil)
	reg.SetRoomLookup(func(gameID string) *room.Room {
		if gameID == "G1" {
			return rm
		}
		return nil
	})
	return &fixture{reg: reg, room: rm}
}

func (f *fixture) connect(userID, connID string) *Conn {
	conn := &Conn{
		ID:       connID,
		Identity: Identity{UserID: userID, Username: userID},
		Outbox:   make(chan reliability.Envelope, 16),
		Close:    func(string) {},
	}
	f.reg.Connect(conn)
	return conn
}

func (f *fixture) join(t *testing.T, userID, connID string) {
	t.Helper()
	reply := make(chan room.Result, 1)
	f.room.Inbox() <- room.Join{UserID: userID, Username: userID, ConnID: connID, Reply: reply}
	select {
	case res := <-reply:
		if res.Err != nil {
			t.Fatalf("join %s: %v", userID, res.Err)
		}
	case <-time.After(time.Second):
		t.Fatalf("join %s timed out", userID)
	}
}

func (f *fixture) state(t *testing.T) session.Snapshot {
	t.Helper()
	reply := make(chan session.Snapshot, 1)
	f.room.Inbox() <- room.GetState{Reply: reply}
	select {
	case snap := <-reply:
		return snap
	case <-time.After(time.Second):
		t.Fatalf("state timed out")
		return session.Snapshot{}
	}
}

func TestAuthenticate_MissingTokenRejected(t *testing.T) {
	f := newFixture(t, time.Minute)
	_, err := f.reg.Authenticate("")
	if !errors.Is(err, session.ErrAuthentication) {
		t.Fatalf("want AuthenticationError, got %v", err)
	}
}

func TestConnect_NewerConnectionSupersedes(t *testing.T) {
	f := newFixture(t, time.Minute)

	var mu sync.Mutex
	var closedReason string
	old := &Conn{
		ID:       "c1",
		Identity: Identity{UserID: "alice"},
		Outbox:   make(chan reliability.Envelope, 1),
		Close: func(reason string) {
			mu.Lock()
			closedReason = reason
			mu.Unlock()
		},
	}
	f.reg.Connect(old)
	f.connect("alice", "c2")

	mu.Lock()
	defer mu.Unlock()
	if closedReason == "" {
		t.Fatalf("older connection must be closed, not silently overwritten")
	}
	if f.reg.ConnectedCount() != 1 {
		t.Fatalf("want 1 live connection, got %d", f.reg.ConnectedCount())
	}
}

func TestDisconnectReconnect_WithinWindowKeepsPlayer(t *testing.T) {
	f := newFixture(t, 200*time.Millisecond)
	f.connect("alice", "c1")
	f.connect("bob", "c2")
	f.join(t, "alice", "c1")
	f.join(t, "bob", "c2")

	f.reg.Disconnect("c2")
	snap := f.state(t)
	if len(snap.Players) != 2 {
		t.Fatalf("disconnect must not remove the player, got %d players", len(snap.Players))
	}

	// Reconnect inside the window: eviction timer must be cancelled.
	f.connect("bob", "c2b")
	time.Sleep(300 * time.Millisecond) // past the original window

	snap = f.state(t)
	if len(snap.Players) != 2 {
		t.Fatalf("reconnected player must survive the eviction window, got %d players", len(snap.Players))
	}
	for _, p := range snap.Players {
		if p.UserID == "bob" && !p.IsConnected {
			t.Fatalf("bob should be connected after reconnect")
		}
	}
}

func TestDisconnect_EvictionFiresAfterWindow(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond)
	f.connect("alice", "c1")
	f.connect("bob", "c2")
	f.join(t, "alice", "c1")
	f.join(t, "bob", "c2")

	f.reg.Disconnect("c2")
	time.Sleep(150 * time.Millisecond)

	snap := f.state(t)
	if len(snap.Players) != 1 {
		t.Fatalf("bob should be evicted after the window, got %d players", len(snap.Players))
	}
	if snap.Players[0].UserID != "alice" {
		t.Fatalf("alice should remain, got %s", snap.Players[0].UserID)
	}
}

func TestDisconnect_StaleSocketIgnoredAfterSupersede(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond)
	f.connect("alice", "c1")
	f.connect("bob", "c2")
	f.join(t, "alice", "c1")
	f.join(t, "bob", "c2")

	// Newer socket takes over, then the old one reports closure.
	f.connect("bob", "c2b")
	f.reg.Disconnect("c2")
	time.Sleep(150 * time.Millisecond)

	snap := f.state(t)
	if len(snap.Players) != 2 {
		t.Fatalf("stale disconnect must not evict the reconnected player")
	}
}

func TestSend_SocketTargetMissingConnection(t *testing.T) {
	f := newFixture(t, time.Minute)
	err := f.reg.Send(context.Background(), reliability.SocketTarget("nope"), reliability.Envelope{})
	if !errors.Is(err, reliability.ErrNoConnection) {
		t.Fatalf("want ErrNoConnection, got %v", err)
	}
}

func TestSend_RoomTargetFansOutToMembers(t *testing.T) {
	f := newFixture(t, time.Minute)
	a := f.connect("alice", "c1")
	b := f.connect("bob", "c2")
	f.join(t, "alice", "c1")
	f.join(t, "bob", "c2")

	env := reliability.Envelope{EventID: "e1", Event: session.EvtTeamsFormed}
	if err := f.reg.Send(context.Background(), reliability.RoomTarget("G1"), env); err != nil {
		t.Fatalf("room send: %v", err)
	}

	for _, conn := range []*Conn{a, b} {
		select {
		case got := <-conn.Outbox:
			if got.EventID != "e1" {
				t.Fatalf("wrong envelope on %s: %+v", conn.ID, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("member %s did not receive the broadcast", conn.ID)
		}
	}
}
