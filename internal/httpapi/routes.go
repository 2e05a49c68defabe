package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/trickhall/room-backend/internal/hub"
	"github.com/trickhall/room-backend/internal/reconcile"
	"github.com/trickhall/room-backend/internal/registry"
	"github.com/trickhall/room-backend/internal/reliability"
	"github.com/trickhall/room-backend/internal/ws"
)

func SetupRoutes(h *hub.Hub, reg *registry.Registry, rel *reliability.Layer, eng *reconcile.Engine, log *zap.Logger) http.Handler {
	api := &api{hub: h, rel: rel, eng: eng, log: log.Named("http")}

	r := chi.NewRouter()
	r.Post("/rooms", api.createRoom)
	r.Get("/rooms/{id}", api.getRoom)
	// Idempotent out-of-band equivalents of the websocket mutations; the
	// reliability layer replays critical events here when retries exhaust.
	r.Post("/rooms/{id}/ready", api.setReady)
	r.Post("/rooms/{id}/form-teams", api.formTeams)
	r.Post("/rooms/{id}/start", api.startGame)
	r.Post("/rooms/{id}/complete", api.completeGame)
	r.Get("/stats", api.stats)
	r.Get("/healthz", Healthz)
	r.Get("/ws", ws.Handler(h, reg, rel, log))
	return r
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}
