package reliability

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/trickhall/room-backend/internal/session"
)

type fakeTransport struct {
	mu    sync.Mutex
	fail  error
	sends []Envelope
}

func (f *fakeTransport) Send(ctx context.Context, target Target, env Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil && env.Event != session.EvtFallbackActive {
		return f.fail
	}
	f.sends = append(f.sends, env)
	return nil
}

func (f *fakeTransport) sent() []Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Envelope(nil), f.sends...)
}

type fakeFallback struct {
	mu    sync.Mutex
	calls []fallbackCall
	fail  error
}

type fallbackCall struct {
	event   string
	gameID  string
	payload any
}

func (f *fakeFallback) Call(ctx context.Context, event, gameID string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fallbackCall{event: event, gameID: gameID, payload: payload})
	return f.fail
}

func (f *fakeFallback) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func fastOpts() Options {
	return Options{MaxRetries: 2, InitialBackoff: time.Millisecond}
}

func newTestLayer(tr Transport, fb Fallback) *Layer {
	return NewLayer(tr, fb, zap.NewNop(), fastOpts(), time.Minute)
}

func TestEmit_SuccessAttachesEnvelope(t *testing.T) {
	tr := &fakeTransport{}
	l := newTestLayer(tr, &fakeFallback{})

	ok := l.EmitWithRetry(context.Background(), RoomTarget("G1"), session.EvtPlayerJoined,
		map[string]any{"userId": "alice"}, fastOpts())
	require.True(t, ok)

	sent := tr.sent()
	require.Len(t, sent, 1)
	require.NotEmpty(t, sent[0].EventID)
	require.False(t, sent[0].EmittedAt.IsZero())
	require.Equal(t, session.EvtPlayerJoined, sent[0].Event)
}

func TestEmit_CriticalFailureTriggersExactlyOneFallback(t *testing.T) {
	tr := &fakeTransport{fail: errors.New("socket write failed")}
	fb := &fakeFallback{}
	l := newTestLayer(tr, fb)

	payload := map[string]any{"userId": "alice", "isReady": true}
	ok := l.EmitWithRetry(context.Background(), RoomTarget("G1"), session.EvtPlayerReadyChanged, payload, fastOpts())

	require.False(t, ok, "the live-transport leg must report failure")
	require.Equal(t, 1, fb.count(), "exactly one fallback call")
	require.Equal(t, session.EvtPlayerReadyChanged, fb.calls[0].event)
	require.Equal(t, "G1", fb.calls[0].gameID)
	require.Equal(t, payload, fb.calls[0].payload, "fallback carries the original semantic payload")
}

func TestEmit_NonCriticalFailureHasNoFallback(t *testing.T) {
	tr := &fakeTransport{fail: errors.New("socket write failed")}
	fb := &fakeFallback{}
	l := newTestLayer(tr, fb)

	ok := l.EmitWithRetry(context.Background(), RoomTarget("G1"), session.EvtPlayerDisconnected, nil, fastOpts())
	require.False(t, ok)
	require.Zero(t, fb.count())
}

func TestEmit_MissingSocketFailsImmediately(t *testing.T) {
	tr := &fakeTransport{fail: ErrNoConnection}
	fb := &fakeFallback{}
	l := newTestLayer(tr, fb)

	ok := l.EmitWithRetry(context.Background(), SocketTarget("gone"), session.EvtRoomJoined, nil,
		Options{MaxRetries: 5, InitialBackoff: time.Millisecond})
	require.False(t, ok)
	require.Zero(t, fb.count(), "socket targets never fall back")

	stats := l.DeliveryStats()
	require.Equal(t, 1, stats.PerEvent[session.EvtRoomJoined].Attempted)
	require.Equal(t, 0, stats.PerEvent[session.EvtRoomJoined].Succeeded)
}

func TestEmit_FallbackActiveNoticeFollowsFallback(t *testing.T) {
	tr := &fakeTransport{fail: errors.New("down")}
	fb := &fakeFallback{}
	l := newTestLayer(tr, fb)

	l.EmitWithRetry(context.Background(), RoomTarget("G1"), session.EvtTeamsFormed, nil, fastOpts())

	var sawNotice bool
	for _, env := range tr.sent() {
		if env.Event == session.EvtFallbackActive {
			sawNotice = true
		}
	}
	require.True(t, sawNotice, "clients get websocket-fallback-active after an out-of-band save")
}

func TestConfirm_UnknownIDIsNoOp(t *testing.T) {
	l := newTestLayer(&fakeTransport{}, &fakeFallback{})
	require.NotPanics(t, func() { l.Confirm("no-such-event") })
}

func TestConfirm_ResolvesAwaiter(t *testing.T) {
	tr := &fakeTransport{}
	l := newTestLayer(tr, &fakeFallback{})

	l.EmitWithRetry(context.Background(), RoomTarget("G1"), session.EvtTeamsFormed, nil, fastOpts())
	eventID := tr.sent()[0].EventID

	done := make(chan bool, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		done <- l.AwaitConfirm(ctx, eventID)
	}()

	l.Confirm(eventID)
	require.True(t, <-done)
	require.Zero(t, l.DeliveryStats().Pending)
}

func TestCleanupExpired_DiscardsStalePending(t *testing.T) {
	tr := &fakeTransport{}
	l := newTestLayer(tr, &fakeFallback{})

	base := time.Now()
	l.now = func() time.Time { return base }
	l.EmitWithRetry(context.Background(), RoomTarget("G1"), session.EvtPlayerJoined, nil, fastOpts())
	require.Equal(t, 1, l.DeliveryStats().Pending)

	l.now = func() time.Time { return base.Add(2 * time.Minute) }
	require.Zero(t, l.CleanupExpired(), "younger than the TTL")

	l.now = func() time.Time { return base.Add(10 * time.Minute) }
	require.Equal(t, 1, l.CleanupExpired())
	require.Zero(t, l.DeliveryStats().Pending)
}

func TestDeliveryStats_PerEventCounters(t *testing.T) {
	tr := &fakeTransport{}
	l := newTestLayer(tr, &fakeFallback{})

	l.EmitWithRetry(context.Background(), RoomTarget("G1"), session.EvtPlayerJoined, nil, fastOpts())
	l.EmitWithRetry(context.Background(), RoomTarget("G1"), session.EvtPlayerJoined, nil, fastOpts())
	l.EmitWithRetry(context.Background(), RoomTarget("G1"), session.EvtTeamsFormed, nil, fastOpts())

	stats := l.DeliveryStats()
	require.Equal(t, 2, stats.PerEvent[session.EvtPlayerJoined].Attempted)
	require.Equal(t, 2, stats.PerEvent[session.EvtPlayerJoined].Succeeded)
	require.Equal(t, 1, stats.PerEvent[session.EvtTeamsFormed].Attempted)
}
