package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trickhall/room-backend/internal/hub"
	"github.com/trickhall/room-backend/internal/registry"
	"github.com/trickhall/room-backend/internal/reliability"
	"github.com/trickhall/room-backend/internal/room"
	"github.com/trickhall/room-backend/internal/session"
	"github.com/trickhall/room-backend/internal/types"
)

const writeTimeout = 3 * time.Second

func Handler(h *hub.Hub, reg *registry.Registry, rel *reliability.Layer, log *zap.Logger) http.HandlerFunc {
	log = log.Named("ws")
	return func(w http.ResponseWriter, r *http.Request) {
		identity, err := reg.Authenticate(r.URL.Query().Get("token"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}

		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "bye")

		connID := uuid.NewString()
		outbox := make(chan reliability.Envelope, 16)
		conn := &registry.Conn{
			ID:       connID,
			Identity: identity,
			Outbox:   outbox,
			Close: func(reason string) {
				c.Close(websocket.StatusPolicyViolation, reason)
			},
		}
		reg.Connect(conn)
		defer reg.Disconnect(connID)

		// Writer goroutine
		writeCtx, writeCancel := context.WithCancel(r.Context())
		defer writeCancel()
		go func() {
			for {
				select {
				case <-writeCtx.Done():
					return
				case env := <-outbox:
					payload, err := json.Marshal(env)
					if err != nil {
						continue
					}
					ctx, cancel := context.WithTimeout(writeCtx, writeTimeout)
					_ = c.Write(ctx, websocket.MessageText, payload)
					cancel()
				}
			}
		}()

		log.Info("client connected",
			zap.String("user_id", identity.UserID), zap.String("conn_id", connID))

		// Reader loop
		for {
			_, data, err := c.Read(r.Context())
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
					return
				}
				// Disconnect handling runs in the defer.
				return
			}

			var cm types.ClientMessage
			if err := json.Unmarshal(data, &cm); err != nil {
				sendError(outbox, session.NewError(session.ErrValidation, "bad json", nil))
				continue
			}
			dispatch(h, rel, outbox, identity, connID, cm)
		}
	}
}

func dispatch(h *hub.Hub, rel *reliability.Layer, outbox chan reliability.Envelope, identity registry.Identity, connID string, cm types.ClientMessage) {
	if cm.Type == types.TypeConfirmEvent {
		rel.Confirm(cm.EventID)
		return
	}
	if cm.GameID == "" {
		sendError(outbox, session.NewError(session.ErrValidation, "missing gameId", nil))
		return
	}

	var rm *room.Room
	if cm.Type == session.CmdJoinRoom {
		rm = h.Ensure(cm.GameID)
	} else {
		rm = h.Get(cm.GameID)
	}
	if rm == nil {
		sendError(outbox, session.NewError(session.ErrValidation,
			"unknown room", map[string]any{"gameId": cm.GameID}))
		return
	}

	reply := make(chan room.Result, 1)
	var msg room.Msg
	switch cm.Type {
	case session.CmdJoinRoom:
		username := cm.Username
		if username == "" {
			username = identity.Username
		}
		msg = room.Join{UserID: identity.UserID, Username: username, ConnID: connID, Reply: reply}
	case session.CmdLeaveRoom:
		msg = room.Leave{UserID: identity.UserID, Reply: reply}
	case session.CmdSetReady:
		msg = room.SetReady{UserID: identity.UserID, Ready: cm.IsReady, Reply: reply}
	case session.CmdFormTeams:
		msg = room.FormTeams{RequesterID: identity.UserID, Reply: reply}
	case session.CmdStartGame:
		msg = room.StartGame{RequesterID: identity.UserID, Reply: reply}
	default:
		sendError(outbox, session.NewError(session.ErrValidation,
			"unknown message type", map[string]any{"type": cm.Type}))
		return
	}

	closed := session.NewError(session.ErrState,
		"room is closed", map[string]any{"gameId": cm.GameID})
	select {
	case rm.Inbox() <- msg:
	case <-rm.Done():
		sendError(outbox, closed)
		return
	}
	select {
	case res := <-reply:
		if res.Err != nil {
			sendError(outbox, res.Err)
		}
	case <-rm.Done():
		// The drain may have answered just before the loop exited.
		select {
		case res := <-reply:
			if res.Err != nil {
				sendError(outbox, res.Err)
			}
		default:
			sendError(outbox, closed)
		}
	}
}

// sendError answers the requesting connection synchronously; it bypasses the
// retry machinery because the requester is by definition reachable.
func sendError(outbox chan reliability.Envelope, err error) {
	payload := types.ErrorPayload{Message: err.Error()}
	var se *session.Error
	if errors.As(err, &se) {
		payload.Message = se.Message
		payload.Details = se.Details
	}
	env := reliability.Envelope{
		EventID:   uuid.NewString(),
		Event:     session.EvtError,
		EmittedAt: time.Now(),
		Payload:   payload,
	}
	select {
	case outbox <- env:
	default:
	}
}
