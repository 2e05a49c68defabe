package session

// Server -> client event names. The reliability layer's critical allow-list
// references these; keep names in sync with the client protocol.
const (
	EvtRoomJoined         = "room-joined"
	EvtPlayerJoined       = "player-joined"
	EvtPlayerLeft         = "player-left"
	EvtPlayerDisconnected = "player-disconnected"
	EvtPlayerReconnected  = "player-reconnected"
	EvtPlayerRemoved      = "player-removed"
	EvtPlayerReadyChanged = "player-ready-changed"
	EvtTeamsFormed        = "teams-formed"
	EvtGameStarting       = "game-starting"
	EvtRoomUpdated        = "room-updated"
	EvtError              = "error"
	EvtWarning            = "warning"
	EvtFallbackActive     = "websocket-fallback-active"
)

// Client -> server message types.
const (
	CmdJoinRoom  = "join-room"
	CmdLeaveRoom = "leave-room"
	CmdSetReady  = "set-ready"
	CmdFormTeams = "form-teams"
	CmdStartGame = "start-game"
)

// ReadyState accompanies player-ready-changed so clients can render the
// start button without recomputing server rules.
type ReadyState struct {
	ReadyCount       int    `json:"readyCount"`
	ConnectedPlayers int    `json:"connectedPlayers"`
	AllReady         bool   `json:"allReady"`
	CanStartGame     bool   `json:"canStartGame"`
	GameStartReason  string `json:"gameStartReason"`
}

// GameEngine is the rule-engine collaborator. The room layer only invokes it
// at play points and relays the outcome; trick/trump/scoring rules live
// behind this interface.
type GameEngine interface {
	PlayCard(gameID string, roundID, trickID int, userID, card string) (PlayOutcome, error)
}

type PlayOutcome struct {
	TrickComplete bool           `json:"trickComplete"`
	TrickWinnerID string         `json:"trickWinnerId,omitempty"`
	RoundComplete bool           `json:"roundComplete"`
	Scores        map[string]int `json:"scores,omitempty"`
}
