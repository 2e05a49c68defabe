// Package reliability wraps outbound real-time events with retry, delivery
// tracking, and an HTTP fallback for the critical subset whose loss would
// desynchronize clients from authoritative state.
package reliability

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trickhall/room-backend/internal/session"
)

var ErrNoConnection = errors.New("no such connection")

type Target string

func RoomTarget(gameID string) Target     { return Target("room:" + gameID) }
func SocketTarget(connID string) Target   { return Target("socket:" + connID) }
func (t Target) IsSocket() bool           { return strings.HasPrefix(string(t), "socket:") }
func (t Target) RoomID() (string, bool)   { return strings.CutPrefix(string(t), "room:") }
func (t Target) SocketID() (string, bool) { return strings.CutPrefix(string(t), "socket:") }

// Envelope is what actually crosses the wire: payload plus the delivery
// metadata clients echo back in their confirmation.
type Envelope struct {
	EventID   string    `json:"eventId"`
	Event     string    `json:"event"`
	EmittedAt time.Time `json:"emittedAt"`
	Payload   any       `json:"payload"`
}

// Transport delivers an envelope to a room or single socket. A socket target
// that no longer exists must return ErrNoConnection.
type Transport interface {
	Send(ctx context.Context, target Target, env Envelope) error
}

// Fallback performs the out-of-band equivalent of a critical event after the
// real-time channel is exhausted.
type Fallback interface {
	Call(ctx context.Context, event, gameID string, payload any) error
}

type Options struct {
	MaxRetries     int
	InitialBackoff time.Duration
}

type EventStatus string

const (
	StatusPending   EventStatus = "pending"
	StatusConfirmed EventStatus = "confirmed"
	StatusFailed    EventStatus = "failed"
)

type PendingEvent struct {
	ID        string
	Target    Target
	EventName string
	Payload   any
	Attempts  int
	Status    EventStatus
	CreatedAt time.Time

	confirmed chan struct{}
}

type EventStats struct {
	Attempted int
	Succeeded int
	Fallbacks int
}

type Stats struct {
	PerEvent map[string]EventStats
	Pending  int
}

// criticalEvents is the fixed allow-list eligible for HTTP fallback.
var criticalEvents = map[string]bool{
	session.EvtPlayerReadyChanged: true,
	session.EvtTeamsFormed:        true,
	session.EvtGameStarting:       true,
	session.EvtRoomUpdated:        true,
	session.EvtPlayerJoined:       true,
	session.EvtPlayerLeft:         true,
}

func Critical(event string) bool { return criticalEvents[event] }

type Layer struct {
	transport Transport
	fallback  Fallback
	log       *zap.Logger
	defaults  Options
	eventTTL  time.Duration
	now       func() time.Time

	mu      sync.Mutex
	pending map[string]*PendingEvent
	stats   map[string]*EventStats

	stopSweep chan struct{}
	sweepOnce sync.Once
}

func NewLayer(transport Transport, fallback Fallback, log *zap.Logger, defaults Options, eventTTL time.Duration) *Layer {
	if defaults.MaxRetries == 0 {
		defaults.MaxRetries = 3
	}
	if defaults.InitialBackoff == 0 {
		defaults.InitialBackoff = 200 * time.Millisecond
	}
	if eventTTL == 0 {
		eventTTL = 5 * time.Minute
	}
	return &Layer{
		transport: transport,
		fallback:  fallback,
		log:       log.Named("reliability"),
		defaults:  defaults,
		eventTTL:  eventTTL,
		now:       time.Now,
		pending:   make(map[string]*PendingEvent),
		stats:     make(map[string]*EventStats),
		stopSweep: make(chan struct{}),
	}
}

// Emit fires EmitWithRetry in the background with default options. Callers
// on the request path use this so emission never blocks the mutation.
func (l *Layer) Emit(target Target, event string, payload any) {
	go l.EmitWithRetry(context.Background(), target, event, payload, l.defaults)
}

// EmitWithRetry attaches an event id and timestamp, sends, and retries with
// exponential backoff. A socket target with no live connection fails
// immediately with no retry. On exhaustion a critical event triggers exactly
// one HTTP fallback call; the live-transport leg still reports false.
func (l *Layer) EmitWithRetry(ctx context.Context, target Target, event string, payload any, opts Options) bool {
	if opts.MaxRetries == 0 {
		opts.MaxRetries = l.defaults.MaxRetries
	}
	if opts.InitialBackoff == 0 {
		opts.InitialBackoff = l.defaults.InitialBackoff
	}

	env := Envelope{
		EventID:   uuid.NewString(),
		Event:     event,
		EmittedAt: l.now(),
		Payload:   payload,
	}

	pe := &PendingEvent{
		ID:        env.EventID,
		Target:    target,
		EventName: event,
		Payload:   payload,
		Status:    StatusPending,
		CreatedAt: env.EmittedAt,
		confirmed: make(chan struct{}),
	}
	l.mu.Lock()
	l.pending[env.EventID] = pe
	st := l.statLocked(event)
	st.Attempted++
	l.mu.Unlock()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = opts.InitialBackoff
	bo.MaxElapsedTime = 0

	op := func() error {
		l.mu.Lock()
		pe.Attempts++
		l.mu.Unlock()
		err := l.transport.Send(ctx, target, env)
		if errors.Is(err, ErrNoConnection) {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.Retry(op, backoff.WithMaxRetries(backoff.WithContext(bo, ctx), uint64(opts.MaxRetries)))
	if err == nil {
		l.mu.Lock()
		l.statLocked(event).Succeeded++
		l.mu.Unlock()
		return true
	}

	l.mu.Lock()
	pe.Status = StatusFailed
	l.mu.Unlock()

	// Fallback only makes sense for room-scoped critical events; a dead
	// single socket has no out-of-band equivalent.
	if !Critical(event) || target.IsSocket() {
		l.log.Debug("dropping undeliverable event",
			zap.String("event", event), zap.String("target", string(target)), zap.Error(err))
		return false
	}

	l.runFallback(ctx, target, event, payload, err)
	return false
}

func (l *Layer) runFallback(ctx context.Context, target Target, event string, payload any, cause error) {
	gameID, _ := target.RoomID()
	if l.fallback == nil {
		l.log.Warn("no fallback configured, dropping critical event",
			zap.String("event", event), zap.String("game_id", gameID), zap.Error(cause))
		return
	}
	l.mu.Lock()
	l.statLocked(event).Fallbacks++
	l.mu.Unlock()

	fbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := l.fallback.Call(fbCtx, event, gameID, payload); err != nil {
		l.log.Warn("fallback failed after retry exhaustion",
			zap.String("event", event), zap.String("game_id", gameID),
			zap.NamedError("transport_error", cause), zap.Error(err))
		return
	}
	l.log.Info("fallback delivered critical event",
		zap.String("event", event), zap.String("game_id", gameID))

	// Best-effort notice so affected clients know state moved out-of-band.
	notice := Envelope{
		EventID:   uuid.NewString(),
		Event:     session.EvtFallbackActive,
		EmittedAt: l.now(),
		Payload:   map[string]any{"gameId": gameID, "event": event},
	}
	_ = l.transport.Send(fbCtx, target, notice)
}

// Confirm marks a pending event confirmed and releases any waiter. Unknown
// ids are a no-op: the record may already have been swept.
func (l *Layer) Confirm(eventID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pe, ok := l.pending[eventID]
	if !ok || pe.Status != StatusPending {
		return
	}
	pe.Status = StatusConfirmed
	close(pe.confirmed)
}

// AwaitConfirm blocks until the event is confirmed or the context ends.
func (l *Layer) AwaitConfirm(ctx context.Context, eventID string) bool {
	l.mu.Lock()
	pe, ok := l.pending[eventID]
	l.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-pe.confirmed:
		return true
	case <-ctx.Done():
		return false
	}
}

// CleanupExpired discards pending records older than the TTL that never
// reached confirmed/failed, bounding memory. Returns the number removed.
func (l *Layer) CleanupExpired() int {
	cutoff := l.now().Add(-l.eventTTL)
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for id, pe := range l.pending {
		if pe.CreatedAt.Before(cutoff) {
			delete(l.pending, id)
			n++
		}
	}
	return n
}

// StartSweeper runs CleanupExpired on an interval until Stop.
func (l *Layer) StartSweeper(interval time.Duration) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-l.stopSweep:
				return
			case <-t.C:
				if n := l.CleanupExpired(); n > 0 {
					l.log.Debug("swept expired events", zap.Int("count", n))
				}
			}
		}
	}()
}

func (l *Layer) Stop() {
	l.sweepOnce.Do(func() { close(l.stopSweep) })
}

func (l *Layer) DeliveryStats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := Stats{PerEvent: make(map[string]EventStats, len(l.stats)), Pending: 0}
	for ev, st := range l.stats {
		out.PerEvent[ev] = *st
	}
	for _, pe := range l.pending {
		if pe.Status == StatusPending {
			out.Pending++
		}
	}
	return out
}

func (l *Layer) statLocked(event string) *EventStats {
	st, ok := l.stats[event]
	if !ok {
		st = &EventStats{}
		l.stats[event] = st
	}
	return st
}
