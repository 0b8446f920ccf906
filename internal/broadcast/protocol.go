// Package broadcast implements the pub/sub protocol between contexts:
// sender identity and monotonic sequencing on the way out, a
// validate/self/sequence/scope/debounce filter chain on the way in, a
// bounded replay buffer for late joiners, reconnection with exponential
// backoff, and a permanent degraded fallback through the shared store when
// the channel stays down.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dyluth/perch/pkg/board"
)

// Transport is the outbound slice of the board client the protocol uses.
type Transport interface {
	PublishMessage(ctx context.Context, msg *board.BroadcastMessage) error
	Ping(ctx context.Context) error
}

// FallbackWriter delivers a message through the shared store once the
// pub/sub channel is permanently degraded.
type FallbackWriter interface {
	WriteFallback(ctx context.Context, msg *board.BroadcastMessage) error
}

// Options tunes a Protocol. Zero values take the documented defaults.
type Options struct {
	FastDebounce         time.Duration // position/size window (default 50ms)
	SlowDebounce         time.Duration // create/close window (default 200ms)
	ReplayBufferSize     int           // default 50
	ReplayBufferTTL      time.Duration // default 30s
	FailureThreshold     int           // consecutive send failures before reconnecting (default 3)
	MaxReconnectAttempts int           // before permanent degraded fallback (default 5)
	BackoffInitial       time.Duration // first reconnect delay (default 100ms)
	BackoffMax           time.Duration // delay cap (default 5s)
}

// Stats are the protocol's diagnostic counters.
type Stats struct {
	Sent               int
	SendFailures       int
	Delivered          int
	ValidationFailures int
	SelfDrops          int
	SequenceAnomalies  int
	ScopeDrops         int
	DebounceDrops      int
	Replayed           int
	Degraded           bool
}

// replayEntry is one buffered outbound message.
type replayEntry struct {
	msg     *board.BroadcastMessage
	addedAt time.Time
}

// Protocol is one context's broadcast endpoint. Safe for concurrent use.
type Protocol struct {
	senderID  string
	scopeID   string
	transport Transport
	fallback  FallbackWriter
	validator *Validator

	mu            sync.Mutex
	sequence      int64
	lastSeen      map[string]int64     // senderID -> high-water sequence
	lastDelivered map[string]time.Time // senderID|type|tabID -> last delivery
	windows       map[board.MessageType]time.Duration
	replay        []replayEntry
	subscribers   []func(*board.BroadcastMessage)

	consecutiveFailures int
	reconnecting        bool
	degraded            bool

	opts  Options
	stats Stats
	now   func() time.Time
}

// New creates a protocol endpoint for the given sender identity and scope.
func New(senderID, scopeID string, transport Transport, fallback FallbackWriter, validator *Validator, opts Options) *Protocol {
	if opts.FastDebounce == 0 {
		opts.FastDebounce = 50 * time.Millisecond
	}
	if opts.SlowDebounce == 0 {
		opts.SlowDebounce = 200 * time.Millisecond
	}
	if opts.ReplayBufferSize == 0 {
		opts.ReplayBufferSize = 50
	}
	if opts.ReplayBufferTTL == 0 {
		opts.ReplayBufferTTL = 30 * time.Second
	}
	if opts.FailureThreshold == 0 {
		opts.FailureThreshold = 3
	}
	if opts.MaxReconnectAttempts == 0 {
		opts.MaxReconnectAttempts = 5
	}
	if opts.BackoffInitial == 0 {
		opts.BackoffInitial = 100 * time.Millisecond
	}
	if opts.BackoffMax == 0 {
		opts.BackoffMax = 5 * time.Second
	}

	windows := map[board.MessageType]time.Duration{
		board.MessageTypeUpdatePosition: opts.FastDebounce,
		board.MessageTypeUpdateSize:     opts.FastDebounce,
		board.MessageTypeCreate:         opts.SlowDebounce,
		board.MessageTypeMinimize:       opts.SlowDebounce,
		board.MessageTypeRestore:        opts.SlowDebounce,
		board.MessageTypeClose:          opts.SlowDebounce,
		board.MessageTypeSnapshot:       opts.SlowDebounce,
	}

	return &Protocol{
		senderID:      senderID,
		scopeID:       scopeID,
		transport:     transport,
		fallback:      fallback,
		validator:     validator,
		lastSeen:      make(map[string]int64),
		lastDelivered: make(map[string]time.Time),
		windows:       windows,
		opts:          opts,
		now:           time.Now,
	}
}

// Subscribe registers a delivery callback. Only messages surviving the full
// inbound filter chain reach subscribers.
func (p *Protocol) Subscribe(fn func(*board.BroadcastMessage)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribers = append(p.subscribers, fn)
}

// Send stamps the message with this context's identity, scope and next
// sequence number, records it in the replay buffer, and publishes it.
// Send failures are counted; at the failure threshold a reconnect loop with
// exponential backoff starts, and after the attempt budget is exhausted the
// protocol permanently switches to the store-based fallback.
func (p *Protocol) Send(ctx context.Context, msg *board.BroadcastMessage) error {
	p.mu.Lock()
	p.sequence++
	msg.SenderID = p.senderID
	msg.ScopeID = p.scopeID
	msg.Sequence = p.sequence
	msg.SentAtMs = p.now().UnixMilli()
	p.bufferLocked(msg)
	degraded := p.degraded
	p.mu.Unlock()

	if degraded {
		if p.fallback == nil {
			return fmt.Errorf("broadcast degraded and no fallback writer configured")
		}
		if err := p.fallback.WriteFallback(ctx, msg); err != nil {
			return fmt.Errorf("fallback delivery failed: %w", err)
		}
		p.mu.Lock()
		p.stats.Sent++
		p.mu.Unlock()
		return nil
	}

	if err := p.transport.PublishMessage(ctx, msg); err != nil {
		p.mu.Lock()
		p.stats.SendFailures++
		p.consecutiveFailures++
		startReconnect := p.consecutiveFailures >= p.opts.FailureThreshold && !p.reconnecting
		if startReconnect {
			p.reconnecting = true
		}
		p.mu.Unlock()

		if startReconnect {
			go p.reconnectLoop()
		}
		return fmt.Errorf("broadcast send failed: %w", err)
	}

	p.mu.Lock()
	p.consecutiveFailures = 0
	p.stats.Sent++
	p.mu.Unlock()
	return nil
}

// reconnectLoop pings the transport with exponential backoff. Success ends
// the loop and resumes normal sends; exhausting the attempt budget switches
// the protocol to degraded fallback permanently.
func (p *Protocol) reconnectLoop() {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = p.opts.BackoffInitial
	policy.MaxInterval = p.opts.BackoffMax
	policy.RandomizationFactor = 0
	policy.Reset()

	for attempt := 1; attempt <= p.opts.MaxReconnectAttempts; attempt++ {
		time.Sleep(policy.NextBackOff())

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := p.transport.Ping(ctx)
		cancel()

		if err == nil {
			p.mu.Lock()
			p.consecutiveFailures = 0
			p.reconnecting = false
			p.mu.Unlock()

			p.logEvent("reconnected", map[string]interface{}{
				"sender_id": p.senderID,
				"attempts":  attempt,
			})
			return
		}

		p.logEvent("reconnect_attempt_failed", map[string]interface{}{
			"sender_id": p.senderID,
			"attempt":   attempt,
			"error":     err.Error(),
		})
	}

	p.mu.Lock()
	p.reconnecting = false
	p.degraded = true
	p.stats.Degraded = true
	p.mu.Unlock()

	p.logEvent("degraded_fallback", map[string]interface{}{
		"sender_id": p.senderID,
		"attempts":  p.opts.MaxReconnectAttempts,
	})
}

// HandleInbound runs a raw payload through validation and the filter chain,
// delivering it to subscribers only if every filter passes.
func (p *Protocol) HandleInbound(payload []byte) {
	msg, err := p.validator.Validate(payload)
	if err != nil {
		p.mu.Lock()
		p.stats.ValidationFailures++
		p.mu.Unlock()

		p.logEvent("message_rejected", map[string]interface{}{
			"reason": err.Error(),
		})
		return
	}

	p.deliver(msg)
}

// deliver applies the self, sequence, scope and debounce filters in order
// and fans the survivor out to subscribers.
func (p *Protocol) deliver(msg *board.BroadcastMessage) {
	p.mu.Lock()

	// (a) self-message filter: a context never reacts to its own broadcast.
	if msg.SenderID == p.senderID {
		p.stats.SelfDrops++
		p.mu.Unlock()
		return
	}

	// (b) sequence anomaly filter: duplicates and reordered messages are
	// flagged rather than trusted.
	if last, seen := p.lastSeen[msg.SenderID]; seen && msg.Sequence <= last {
		p.stats.SequenceAnomalies++
		p.mu.Unlock()

		p.logEvent("sequence_anomaly", map[string]interface{}{
			"sender_id": msg.SenderID,
			"sequence":  msg.Sequence,
			"last_seen": last,
			"type":      string(msg.Type),
		})
		return
	}
	p.lastSeen[msg.SenderID] = msg.Sequence

	// (c) scope filter: traffic never crosses the isolation boundary.
	if msg.ScopeID != "" && msg.ScopeID != p.scopeID {
		p.stats.ScopeDrops++
		p.mu.Unlock()
		return
	}

	// (d) debounce filter: identical (sender, type, tab) messages inside the
	// type's window are echo traffic.
	key := msg.SenderID + "|" + string(msg.Type) + "|" + msg.TabID
	window := p.windows[msg.Type]
	now := p.now()
	if last, ok := p.lastDelivered[key]; ok && now.Sub(last) < window {
		p.stats.DebounceDrops++
		p.mu.Unlock()
		return
	}
	p.lastDelivered[key] = now

	p.stats.Delivered++
	subscribers := make([]func(*board.BroadcastMessage), len(p.subscribers))
	copy(subscribers, p.subscribers)
	p.mu.Unlock()

	for _, fn := range subscribers {
		fn(msg)
	}
}

// BufferedSince returns buffered messages newer than sinceMs and not
// authored by excludeSender, in chronological order. This serves a late
// joiner's replay request.
func (p *Protocol) BufferedSince(sinceMs int64, excludeSender string) []*board.BroadcastMessage {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pruneReplayLocked()

	var out []*board.BroadcastMessage
	for _, entry := range p.replay {
		if entry.msg.SentAtMs > sinceMs && entry.msg.SenderID != excludeSender {
			out = append(out, entry.msg)
		}
	}
	return out
}

// ReplayMessages runs already-validated messages through the inbound filter
// chain as if freshly received, in the order given. Used by a context that
// joined after a burst of changes.
func (p *Protocol) ReplayMessages(msgs []*board.BroadcastMessage) {
	for _, msg := range msgs {
		p.mu.Lock()
		p.stats.Replayed++
		p.mu.Unlock()
		p.deliver(msg)
	}
}

// StartSnapshots broadcasts a full serialized snapshot of all known tabs on
// a fixed interval until the context is cancelled. The snapshot gives late
// or unreliable receivers a convergence floor even when discrete messages
// were lost.
func (p *Protocol) StartSnapshots(ctx context.Context, interval time.Duration, source func() []*board.QuickTab) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				msg := &board.BroadcastMessage{
					Type: board.MessageTypeSnapshot,
					Tabs: source(),
				}
				if err := p.Send(ctx, msg); err != nil {
					log.Printf("[Broadcast] Snapshot broadcast failed: %v", err)
				}
			}
		}
	}()
}

// Notify* wrappers build the per-operation message variants. Transport
// failures are handled inside Send (reconnect, fallback) and logged here;
// they are never surfaced to the caller.

// NotifyCreated broadcasts a newly created tab.
func (p *Protocol) NotifyCreated(ctx context.Context, tab *board.QuickTab) {
	p.notify(ctx, &board.BroadcastMessage{Type: board.MessageTypeCreate, TabID: tab.ID, Tab: tab})
}

// NotifyPositionChanged broadcasts a position update.
func (p *Protocol) NotifyPositionChanged(ctx context.Context, tabID string, pos board.Point) {
	p.notify(ctx, &board.BroadcastMessage{Type: board.MessageTypeUpdatePosition, TabID: tabID, Position: &pos})
}

// NotifySizeChanged broadcasts a size update.
func (p *Protocol) NotifySizeChanged(ctx context.Context, tabID string, size board.Dimensions) {
	p.notify(ctx, &board.BroadcastMessage{Type: board.MessageTypeUpdateSize, TabID: tabID, Size: &size})
}

// NotifyMinimized broadcasts that a tab was minimized.
func (p *Protocol) NotifyMinimized(ctx context.Context, tabID string) {
	p.notify(ctx, &board.BroadcastMessage{Type: board.MessageTypeMinimize, TabID: tabID})
}

// NotifyRestored broadcasts that a tab was restored.
func (p *Protocol) NotifyRestored(ctx context.Context, tabID string) {
	p.notify(ctx, &board.BroadcastMessage{Type: board.MessageTypeRestore, TabID: tabID})
}

// NotifyClosed broadcasts that a tab was destroyed.
func (p *Protocol) NotifyClosed(ctx context.Context, tabID string) {
	p.notify(ctx, &board.BroadcastMessage{Type: board.MessageTypeClose, TabID: tabID})
}

func (p *Protocol) notify(ctx context.Context, msg *board.BroadcastMessage) {
	if err := p.Send(ctx, msg); err != nil {
		log.Printf("[Broadcast] notify %s failed: %v", msg.Type, err)
	}
}

// SenderID returns this context's broadcast identity.
func (p *Protocol) SenderID() string {
	return p.senderID
}

// Degraded reports whether the protocol has permanently fallen back to
// store-based delivery.
func (p *Protocol) Degraded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.degraded
}

// Stats returns a copy of the protocol's counters.
func (p *Protocol) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// bufferLocked appends to the replay buffer, evicting by size cap and TTL.
// Caller holds p.mu.
func (p *Protocol) bufferLocked(msg *board.BroadcastMessage) {
	p.replay = append(p.replay, replayEntry{msg: msg, addedAt: p.now()})
	p.pruneReplayLocked()
}

// pruneReplayLocked drops expired entries and trims to the size cap.
// Caller holds p.mu.
func (p *Protocol) pruneReplayLocked() {
	cutoff := p.now().Add(-p.opts.ReplayBufferTTL)
	kept := p.replay[:0]
	for _, entry := range p.replay {
		if entry.addedAt.After(cutoff) {
			kept = append(kept, entry)
		}
	}
	p.replay = kept

	if len(p.replay) > p.opts.ReplayBufferSize {
		p.replay = p.replay[len(p.replay)-p.opts.ReplayBufferSize:]
	}
}

// logEvent logs a structured event in JSON format.
func (p *Protocol) logEvent(eventType string, data map[string]interface{}) {
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	data["level"] = "info"
	data["component"] = "broadcast"
	data["event_type"] = eventType

	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("[Broadcast] Failed to marshal log event: %v", err)
		return
	}

	log.Println(string(jsonData))
}
