package reliability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/trickhall/room-backend/internal/session"
)

// HTTPFallback replays a critical mutation against the REST API when the
// websocket channel is exhausted. The endpoints are idempotent equivalents
// of the real-time operations.
type HTTPFallback struct {
	base   string
	client *http.Client
}

func NewHTTPFallback(baseURL string, timeout time.Duration) *HTTPFallback {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &HTTPFallback{base: baseURL, client: &http.Client{Timeout: timeout}}
}

func (f *HTTPFallback) Call(ctx context.Context, event, gameID string, payload any) error {
	method := http.MethodPost
	var path string
	switch event {
	case session.EvtPlayerReadyChanged:
		path = "/rooms/" + gameID + "/ready"
	case session.EvtTeamsFormed:
		path = "/rooms/" + gameID + "/form-teams"
	case session.EvtGameStarting:
		path = "/rooms/" + gameID + "/start"
	default:
		// Remaining critical events only need clients to refetch; the GET
		// confirms the room is reachable out-of-band.
		method = http.MethodGet
		path = "/rooms/" + gameID
	}

	var body *bytes.Reader
	if method == http.MethodPost {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode fallback payload: %w", err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, f.base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("fallback %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("fallback %s %s: status %d", method, path, resp.StatusCode)
	}
	return nil
}
