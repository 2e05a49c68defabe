package httpapi

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/trickhall/room-backend/internal/hub"
	"github.com/trickhall/room-backend/internal/reconcile"
	"github.com/trickhall/room-backend/internal/reliability"
	"github.com/trickhall/room-backend/internal/room"
	"github.com/trickhall/room-backend/internal/session"
)

type api struct {
	hub *hub.Hub
	rel *reliability.Layer
	eng *reconcile.Engine
	log *zap.Logger
}

func GenerateCode() (string, error) {
	const charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	code := make([]byte, 6)
	for i := 0; i < 6; i++ {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			return "", err
		}
		code[i] = charset[num.Int64()]
	}
	return string(code), nil
}

func (a *api) createRoom(w http.ResponseWriter, r *http.Request) {
	var code string
	for {
		c, err := GenerateCode()
		if err != nil {
			http.Error(w, "failed to generate code", http.StatusInternalServerError)
			return
		}
		if a.hub.Get(c) == nil {
			code = c
			break
		}
		a.log.Debug("room code collision, regenerating", zap.String("code", c))
	}

	if a.hub.Ensure(code) == nil {
		http.Error(w, "failed to create room", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(struct {
		Code string `json:"code"`
	}{Code: code})
}

func (a *api) getRoom(w http.ResponseWriter, r *http.Request) {
	gameID := chi.URLParam(r, "id")
	snap := a.hub.LiveSnapshot(gameID)
	if snap == nil {
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type mutationRequest struct {
	UserID  string `json:"userId"`
	IsReady bool   `json:"isReady"`
}

func (a *api) setReady(w http.ResponseWriter, r *http.Request) {
	a.mutate(w, r, func(req mutationRequest, reply chan room.Result) room.Msg {
		return room.SetReady{UserID: req.UserID, Ready: req.IsReady, Reply: reply}
	})
}

func (a *api) formTeams(w http.ResponseWriter, r *http.Request) {
	a.mutate(w, r, func(req mutationRequest, reply chan room.Result) room.Msg {
		return room.FormTeams{RequesterID: req.UserID, Reply: reply}
	})
}

func (a *api) startGame(w http.ResponseWriter, r *http.Request) {
	a.mutate(w, r, func(req mutationRequest, reply chan room.Result) room.Msg {
		return room.StartGame{RequesterID: req.UserID, Reply: reply}
	})
}

func (a *api) completeGame(w http.ResponseWriter, r *http.Request) {
	a.mutate(w, r, func(req mutationRequest, reply chan room.Result) room.Msg {
		return room.Complete{RequesterID: req.UserID, Reply: reply}
	})
}

func (a *api) mutate(w http.ResponseWriter, r *http.Request, build func(mutationRequest, chan room.Result) room.Msg) {
	gameID := chi.URLParam(r, "id")
	rm := a.hub.Get(gameID)
	if rm == nil {
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}

	var req mutationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, session.NewError(session.ErrValidation, "missing or malformed body", nil))
		return
	}

	closed := session.NewError(session.ErrState,
		"room is closed", map[string]any{"gameId": gameID})
	reply := make(chan room.Result, 1)
	select {
	case rm.Inbox() <- build(req, reply):
	case <-rm.Done():
		writeError(w, closed)
		return
	}

	var res room.Result
	select {
	case res = <-reply:
	case <-rm.Done():
		select {
		case res = <-reply:
		default:
			writeError(w, closed)
			return
		}
	case <-r.Context().Done():
		return
	}
	if res.Err != nil {
		writeError(w, res.Err)
		return
	}
	writeJSON(w, http.StatusOK, res.Snap)
}

func (a *api) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"delivery":       a.rel.DeliveryStats(),
		"reconciliation": a.eng.Stats(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	msg := err.Error()
	details := map[string]any(nil)

	var se *session.Error
	if errors.As(err, &se) {
		msg = se.Message
		details = se.Details
		switch {
		case errors.Is(se, session.ErrAuthentication):
			status = http.StatusUnauthorized
		case errors.Is(se, session.ErrAuthorization):
			status = http.StatusForbidden
		case errors.Is(se, session.ErrValidation):
			status = http.StatusBadRequest
		case errors.Is(se, session.ErrCapacity), errors.Is(se, session.ErrState):
			status = http.StatusConflict
		}
	}
	writeJSON(w, status, map[string]any{"error": msg, "details": details})
}
