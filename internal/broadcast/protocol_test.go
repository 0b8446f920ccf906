package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/perch/pkg/board"
)

// fakeTransport records published messages and can be scripted to fail.
type fakeTransport struct {
	mu        sync.Mutex
	published []*board.BroadcastMessage
	sendErr   error
	pingErr   error
}

func (f *fakeTransport) PublishMessage(ctx context.Context, msg *board.BroadcastMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	clone := *msg
	f.published = append(f.published, &clone)
	return nil
}

func (f *fakeTransport) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

// fakeFallback records messages written to the degraded-mode store path.
type fakeFallback struct {
	mu     sync.Mutex
	writes []*board.BroadcastMessage
}

func (f *fakeFallback) WriteFallback(ctx context.Context, msg *board.BroadcastMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *msg
	f.writes = append(f.writes, &clone)
	return nil
}

func (f *fakeFallback) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

func setupProtocol(t *testing.T, opts Options) (*Protocol, *fakeTransport, *fakeFallback) {
	validator, err := NewValidator()
	require.NoError(t, err)

	transport := &fakeTransport{}
	fallback := &fakeFallback{}
	p := New(uuid.New().String(), "scope-a", transport, fallback, validator, opts)
	return p, transport, fallback
}

// inbound marshals a minimal per-type message from a peer sender.
func inbound(t *testing.T, msgType board.MessageType, sender string, seq int64, tabID string) []byte {
	msg := map[string]any{
		"type":       string(msgType),
		"scope_id":   "scope-a",
		"sender_id":  sender,
		"sequence":   seq,
		"sent_at_ms": time.Now().UnixMilli(),
		"tab_id":     tabID,
	}
	switch msgType {
	case board.MessageTypeUpdatePosition:
		msg["position"] = map[string]int{"left": 1, "top": 2}
	case board.MessageTypeUpdateSize:
		msg["size"] = map[string]int{"width": 100, "height": 80}
	}
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	return data
}

func TestValidator(t *testing.T) {
	validator, err := NewValidator()
	require.NoError(t, err)

	sender := uuid.New().String()

	t.Run("accepts valid minimize", func(t *testing.T) {
		msg, err := validator.Validate([]byte(fmt.Sprintf(
			`{"type":"minimize","sender_id":%q,"sequence":1,"tab_id":"t1"}`, sender)))
		require.NoError(t, err)
		assert.Equal(t, board.MessageTypeMinimize, msg.Type)
	})

	t.Run("rejects malformed JSON", func(t *testing.T) {
		_, err := validator.Validate([]byte(`{"type":`))
		assert.Error(t, err)
	})

	t.Run("rejects unknown type", func(t *testing.T) {
		_, err := validator.Validate([]byte(fmt.Sprintf(
			`{"type":"teleport","sender_id":%q,"sequence":1}`, sender)))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown message type")
	})

	t.Run("rejects missing required field", func(t *testing.T) {
		// close without tab_id
		_, err := validator.Validate([]byte(fmt.Sprintf(
			`{"type":"close","sender_id":%q,"sequence":1}`, sender)))
		assert.Error(t, err)
	})

	t.Run("rejects short sender id", func(t *testing.T) {
		_, err := validator.Validate([]byte(
			`{"type":"close","sender_id":"abc","sequence":1,"tab_id":"t1"}`))
		assert.Error(t, err)
	})

	t.Run("rejects create without tab payload", func(t *testing.T) {
		_, err := validator.Validate([]byte(fmt.Sprintf(
			`{"type":"create","sender_id":%q,"sequence":1}`, sender)))
		assert.Error(t, err)
	})
}

func TestSendStampsEnvelope(t *testing.T) {
	p, transport, _ := setupProtocol(t, Options{})
	ctx := context.Background()

	tabID := uuid.New().String()
	require.NoError(t, p.Send(ctx, &board.BroadcastMessage{Type: board.MessageTypeClose, TabID: tabID}))
	require.NoError(t, p.Send(ctx, &board.BroadcastMessage{Type: board.MessageTypeClose, TabID: tabID}))

	require.Equal(t, 2, transport.count())
	first, second := transport.published[0], transport.published[1]
	assert.Equal(t, p.SenderID(), first.SenderID)
	assert.Equal(t, "scope-a", first.ScopeID)
	assert.Equal(t, int64(1), first.Sequence)
	assert.Equal(t, int64(2), second.Sequence)
	assert.NotZero(t, first.SentAtMs)
}

func TestInboundFilterChain(t *testing.T) {
	peer := uuid.New().String()

	t.Run("self messages dropped", func(t *testing.T) {
		p, _, _ := setupProtocol(t, Options{})
		var delivered []*board.BroadcastMessage
		p.Subscribe(func(m *board.BroadcastMessage) { delivered = append(delivered, m) })

		p.HandleInbound(inbound(t, board.MessageTypeClose, p.SenderID(), 1, "t1"))

		assert.Empty(t, delivered)
		assert.Equal(t, 1, p.Stats().SelfDrops)
	})

	t.Run("duplicate and reordered sequences flagged", func(t *testing.T) {
		p, _, _ := setupProtocol(t, Options{})
		var delivered []int64
		p.Subscribe(func(m *board.BroadcastMessage) { delivered = append(delivered, m.Sequence) })

		// Distinct tabs keep the debounce filter out of the picture.
		for i, seq := range []int64{1, 2, 2, 5, 4} {
			p.HandleInbound(inbound(t, board.MessageTypeClose, peer, seq, fmt.Sprintf("t%d", i)))
		}

		assert.Equal(t, []int64{1, 2, 5}, delivered)
		assert.Equal(t, 2, p.Stats().SequenceAnomalies)
	})

	t.Run("other scopes dropped", func(t *testing.T) {
		p, _, _ := setupProtocol(t, Options{})
		var delivered []*board.BroadcastMessage
		p.Subscribe(func(m *board.BroadcastMessage) { delivered = append(delivered, m) })

		payload := []byte(fmt.Sprintf(
			`{"type":"close","scope_id":"scope-z","sender_id":%q,"sequence":1,"tab_id":"t1"}`, peer))
		p.HandleInbound(payload)

		assert.Empty(t, delivered)
		assert.Equal(t, 1, p.Stats().ScopeDrops)
	})

	t.Run("validation failures counted", func(t *testing.T) {
		p, _, _ := setupProtocol(t, Options{})
		p.HandleInbound([]byte(`{"type":"close"}`))
		assert.Equal(t, 1, p.Stats().ValidationFailures)
	})
}

func TestDebounceWindows(t *testing.T) {
	p, _, _ := setupProtocol(t, Options{
		FastDebounce: 50 * time.Millisecond,
		SlowDebounce: 200 * time.Millisecond,
	})

	now := time.Now()
	p.now = func() time.Time { return now }

	var delivered int
	p.Subscribe(func(m *board.BroadcastMessage) { delivered++ })

	peer := uuid.New().String()

	t.Run("repeat inside the window dropped", func(t *testing.T) {
		p.HandleInbound(inbound(t, board.MessageTypeUpdatePosition, peer, 1, "t1"))
		now = now.Add(10 * time.Millisecond)
		p.HandleInbound(inbound(t, board.MessageTypeUpdatePosition, peer, 2, "t1"))

		assert.Equal(t, 1, delivered)
		assert.Equal(t, 1, p.Stats().DebounceDrops)
	})

	t.Run("repeat after the window delivered", func(t *testing.T) {
		now = now.Add(60 * time.Millisecond)
		p.HandleInbound(inbound(t, board.MessageTypeUpdatePosition, peer, 3, "t1"))
		assert.Equal(t, 2, delivered)
	})

	t.Run("infrequent types use the slow window", func(t *testing.T) {
		p.HandleInbound(inbound(t, board.MessageTypeClose, peer, 4, "t2"))
		now = now.Add(100 * time.Millisecond) // past fast, inside slow
		p.HandleInbound(inbound(t, board.MessageTypeClose, peer, 5, "t2"))

		assert.Equal(t, 3, delivered)
		assert.Equal(t, 2, p.Stats().DebounceDrops)
	})
}

func TestDegradedFallback(t *testing.T) {
	p, transport, fallback := setupProtocol(t, Options{
		FailureThreshold:     1,
		MaxReconnectAttempts: 2,
		BackoffInitial:       time.Millisecond,
		BackoffMax:           2 * time.Millisecond,
	})
	ctx := context.Background()

	transport.mu.Lock()
	transport.sendErr = fmt.Errorf("channel closed")
	transport.pingErr = fmt.Errorf("still down")
	transport.mu.Unlock()

	err := p.Send(ctx, &board.BroadcastMessage{Type: board.MessageTypeClose, TabID: "t1"})
	require.Error(t, err)

	// Reconnect attempts exhaust and the protocol degrades permanently.
	assert.Eventually(t, p.Degraded, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, p.Send(ctx, &board.BroadcastMessage{Type: board.MessageTypeClose, TabID: "t2"}))
	assert.Equal(t, 1, fallback.count())
}

func TestReconnectRecovers(t *testing.T) {
	p, transport, _ := setupProtocol(t, Options{
		FailureThreshold:     1,
		MaxReconnectAttempts: 5,
		BackoffInitial:       time.Millisecond,
		BackoffMax:           2 * time.Millisecond,
	})
	ctx := context.Background()

	transport.mu.Lock()
	transport.sendErr = fmt.Errorf("blip")
	transport.mu.Unlock()

	require.Error(t, p.Send(ctx, &board.BroadcastMessage{Type: board.MessageTypeClose, TabID: "t1"}))

	// Transport comes back before the attempt budget runs out.
	transport.mu.Lock()
	transport.sendErr = nil
	transport.mu.Unlock()

	assert.Eventually(t, func() bool {
		return p.Send(ctx, &board.BroadcastMessage{Type: board.MessageTypeClose, TabID: "t2"}) == nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, p.Degraded())
}

func TestReplayBuffer(t *testing.T) {
	p, _, _ := setupProtocol(t, Options{ReplayBufferSize: 3})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, p.Send(ctx, &board.BroadcastMessage{Type: board.MessageTypeClose, TabID: fmt.Sprintf("t%d", i)}))
	}

	t.Run("buffer bounded by size", func(t *testing.T) {
		msgs := p.BufferedSince(0, "")
		assert.Len(t, msgs, 3)
		// Oldest entries evicted first.
		assert.Equal(t, int64(3), msgs[0].Sequence)
	})

	t.Run("excludes the requesting sender", func(t *testing.T) {
		msgs := p.BufferedSince(0, p.SenderID())
		assert.Empty(t, msgs)
	})

	t.Run("replayed messages pass the filter chain once", func(t *testing.T) {
		peer, _, _ := setupProtocol(t, Options{})
		var delivered int
		peer.Subscribe(func(m *board.BroadcastMessage) { delivered++ })

		msgs := p.BufferedSince(0, "")
		peer.ReplayMessages(msgs)
		assert.Equal(t, 3, delivered)

		// A second replay is all duplicates.
		peer.ReplayMessages(msgs)
		assert.Equal(t, 3, delivered)
		assert.Equal(t, 3, peer.Stats().SequenceAnomalies)
	})
}

func TestStartSnapshots(t *testing.T) {
	p, transport, _ := setupProtocol(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tab := &board.QuickTab{
		ID:          uuid.New().String(),
		EmbeddedURL: "https://example.com",
		ScopeID:     "scope-a",
	}
	p.StartSnapshots(ctx, 20*time.Millisecond, func() []*board.QuickTab {
		return []*board.QuickTab{tab}
	})

	assert.Eventually(t, func() bool { return transport.count() >= 1 }, 2*time.Second, 5*time.Millisecond)

	transport.mu.Lock()
	defer transport.mu.Unlock()
	assert.Equal(t, board.MessageTypeSnapshot, transport.published[0].Type)
	require.Len(t, transport.published[0].Tabs, 1)
}
