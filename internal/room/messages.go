package room

import (
	"time"

	"github.com/trickhall/room-backend/internal/session"
)

type Msg interface{ isRoomMsg() }

// Result is the synchronous answer to a client mutation: the post-mutation
// snapshot, or the taxonomy error the caller relays to the client.
type Result struct {
	Snap session.Snapshot
	Err  error
}

type Join struct {
	UserID   string
	Username string
	ConnID   string
	Reply    chan Result
}

type Leave struct {
	UserID string
	Reply  chan Result
}

type SetReady struct {
	UserID string
	Ready  bool
	Reply  chan Result
}

type FormTeams struct {
	RequesterID string
	Reply       chan Result
}

type StartGame struct {
	RequesterID string
	Reply       chan Result
}

type Disconnected struct {
	UserID string
	At     time.Time
}

type Reconnected struct {
	UserID string
	ConnID string
	At     time.Time
}

// Evict fires when the eviction timer outlives the reconnect window.
type Evict struct {
	UserID string
}

// ApplyResolved writes a reconciliation result back into the live session
// and re-broadcasts the corrected view.
type ApplyResolved struct {
	Resolved session.Snapshot
	Reply    chan Result
}

// Complete marks the game finished; the room lingers for a grace period
// before teardown. RequesterID is empty for internal callers; an external
// requester must be the host. Reply may be nil.
type Complete struct {
	RequesterID string
	Reply       chan Result
}

// GetState reflects internal state without data races; used by tests and the
// snapshot endpoint.
type GetState struct {
	Reply chan session.Snapshot
}

type Shutdown struct{}

func (Join) isRoomMsg()          {}
func (Leave) isRoomMsg()         {}
func (SetReady) isRoomMsg()      {}
func (FormTeams) isRoomMsg()     {}
func (StartGame) isRoomMsg()     {}
func (Disconnected) isRoomMsg()  {}
func (Reconnected) isRoomMsg()   {}
func (Evict) isRoomMsg()         {}
func (ApplyResolved) isRoomMsg() {}
func (Complete) isRoomMsg()      {}
func (GetState) isRoomMsg()      {}
func (Shutdown) isRoomMsg()      {}
