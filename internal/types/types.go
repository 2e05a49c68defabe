package types

// ClientMessage is the single inbound frame shape. Identity always comes
// from the connection handshake; the Username here is display-only and never
// trusted for authorization.
type ClientMessage struct {
	Type     string `json:"type"`
	GameID   string `json:"gameId,omitempty"`
	IsReady  bool   `json:"isReady,omitempty"`
	Username string `json:"username,omitempty"`
	// EventID confirms delivery of a server event ("confirm-event").
	EventID string `json:"eventId,omitempty"`
}

const TypeConfirmEvent = "confirm-event"

// ErrorPayload is the payload of "error" and "warning" envelopes.
type ErrorPayload struct {
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}
