// Package bus provides the in-process message bus that connects the
// execution engine and its worker pods.
//
// The bus supports targeted and broadcast publishing, per-participant
// delivery queues for messages published before a subscription exists,
// bounded history, message expiry, and request/response exchanges matched by
// correlation ID. Handlers run synchronously on the publisher's goroutine;
// a panicking handler is recovered and never takes the bus down.
package bus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AltairaLabs/foreman/logger"
)

// Bus errors.
var (
	ErrRequestTimeout  = errors.New("bus: request timed out")
	ErrBusCleared      = errors.New("bus: cleared while request was pending")
	ErrMessageNotFound = errors.New("bus: message not found")
)

// Default retention and request settings.
const (
	DefaultHistoryWindow  = 1000
	DefaultRequestTimeout = 30 * time.Second
)

// Handler receives messages delivered to a subscription.
type Handler func(*Message)

// subscription binds a participant to a handler with an optional filter.
type subscription struct {
	id          string
	participant string
	handler     Handler
	filter      *Filter
}

// pendingRequest tracks one in-flight request/response exchange.
type pendingRequest struct {
	ch   chan *Message
	once sync.Once
}

// resolve delivers the response (nil on clear) exactly once.
func (p *pendingRequest) resolve(m *Message) {
	p.once.Do(func() { p.ch <- m })
}

// Bus is a concurrency-safe in-process message bus.
type Bus struct {
	mu             sync.RWMutex
	now            func() time.Time
	historyWindow  int
	requestTimeout time.Duration

	subs    map[string][]*subscription // participant -> subscriptions
	queues  map[string][]*Message      // participant -> undelivered messages
	history []*Message
	pending map[string]*pendingRequest // correlation ID -> request
}

// Option configures a Bus.
type Option func(*Bus)

// WithHistoryWindow bounds how many messages the bus retains.
func WithHistoryWindow(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.historyWindow = n
		}
	}
}

// WithRequestTimeout sets the default wait for Request exchanges.
func WithRequestTimeout(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.requestTimeout = d
		}
	}
}

// WithTimeFunc sets the clock used for timestamps and expiry checks.
// Primarily for tests.
func WithTimeFunc(fn func() time.Time) Option {
	return func(b *Bus) {
		if fn != nil {
			b.now = fn
		}
	}
}

// New creates a message bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		now:            time.Now,
		historyWindow:  DefaultHistoryWindow,
		requestTimeout: DefaultRequestTimeout,
		subs:           make(map[string][]*subscription),
		queues:         make(map[string][]*Message),
		pending:        make(map[string]*pendingRequest),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a handler for messages addressed to the participant
// (or broadcast). Messages queued for the participant before this call are
// flushed immediately, respecting the filter; flushed messages leave the
// queue. The returned function removes the subscription.
func (b *Bus) Subscribe(participant string, handler Handler, filter *Filter) func() {
	sub := &subscription{
		id:          uuid.NewString(),
		participant: participant,
		handler:     handler,
		filter:      filter,
	}

	b.mu.Lock()
	b.subs[participant] = append(b.subs[participant], sub)

	// Flush queued messages that match the filter; drop entries that
	// expired while queued. Non-matching entries stay queued.
	var flush []*Message
	var keep []*Message
	now := b.now()
	for _, m := range b.queues[participant] {
		switch {
		case m.expired(now):
			// dropped
		case filter.matches(m):
			flush = append(flush, m)
		default:
			keep = append(keep, m)
		}
	}
	if len(keep) == 0 {
		delete(b.queues, participant)
	} else {
		b.queues[participant] = keep
	}
	b.mu.Unlock()

	for _, m := range flush {
		safeInvoke(handler, m)
	}

	return func() { b.unsubscribe(participant, sub.id) }
}

func (b *Bus) unsubscribe(participant, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[participant]
	filtered := subs[:0]
	for _, s := range subs {
		if s.id != subID {
			filtered = append(filtered, s)
		}
	}
	if len(filtered) == 0 {
		delete(b.subs, participant)
	} else {
		b.subs[participant] = filtered
	}
}

// Publish records the message in history and routes it. Targeted messages
// are delivered to live matching subscriptions or queued for exactly-once
// later delivery; broadcasts fan out to every subscriber except the sender
// and are never queued. A message whose correlation ID matches a pending
// request resolves that request instead of being delivered again. Expired
// messages are recorded but never delivered. Returns the published message
// with ID and timestamp assigned.
func (b *Bus) Publish(msg *Message) *Message {
	b.mu.Lock()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Priority == "" {
		msg.Priority = PriorityNormal
	}
	now := b.now()
	msg.Timestamp = now

	b.history = append(b.history, msg)
	if len(b.history) > b.historyWindow {
		b.history = b.history[len(b.history)-b.historyWindow:]
	}

	if msg.expired(now) {
		b.mu.Unlock()
		logger.Debug("bus: dropped expired message", "id", msg.ID, "type", string(msg.Type))
		return msg
	}

	// A response to an in-flight request is consumed by the requester.
	if msg.CorrelationID != "" {
		if req, ok := b.pending[msg.CorrelationID]; ok {
			delete(b.pending, msg.CorrelationID)
			b.mu.Unlock()
			req.resolve(msg)
			return msg
		}
	}

	var deliveries []*subscription
	if msg.To == Broadcast {
		for participant, subs := range b.subs {
			if participant == msg.From {
				continue
			}
			for _, s := range subs {
				if s.filter.matches(msg) {
					deliveries = append(deliveries, s)
				}
			}
		}
	} else {
		for _, s := range b.subs[msg.To] {
			if s.filter.matches(msg) {
				deliveries = append(deliveries, s)
			}
		}
		if len(deliveries) == 0 {
			b.queues[msg.To] = append(b.queues[msg.To], msg)
		}
	}
	b.mu.Unlock()

	for _, s := range deliveries {
		safeInvoke(s.handler, msg)
	}
	return msg
}

// Send publishes a targeted message.
func (b *Bus) Send(from, to string, msgType MessageType, payload map[string]any, priority Priority) *Message {
	return b.Publish(&Message{
		From:     from,
		To:       to,
		Type:     msgType,
		Payload:  payload,
		Priority: priority,
	})
}

// Broadcast publishes a message to every subscriber except the sender.
func (b *Bus) Broadcast(from string, msgType MessageType, payload map[string]any, priority Priority) *Message {
	return b.Publish(&Message{
		From:     from,
		To:       Broadcast,
		Type:     msgType,
		Payload:  payload,
		Priority: priority,
	})
}

// Request publishes a request addressed to a participant and blocks until a
// correlated response arrives, the timeout lapses, or the context is
// cancelled. A non-positive timeout uses the bus default. Returns
// ErrRequestTimeout when no response arrives in time and ErrBusCleared when
// Clear drops the exchange.
func (b *Bus) Request(ctx context.Context, from, to string, payload map[string]any, timeout time.Duration) (*Message, error) {
	if timeout <= 0 {
		timeout = b.requestTimeout
	}

	correlationID := uuid.NewString()
	req := &pendingRequest{ch: make(chan *Message, 1)}

	b.mu.Lock()
	b.pending[correlationID] = req
	b.mu.Unlock()

	b.Publish(&Message{
		From:          from,
		To:            to,
		Type:          TypeRequest,
		Payload:       payload,
		CorrelationID: correlationID,
		Priority:      PriorityNormal,
	})

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-req.ch:
		if resp == nil {
			return nil, ErrBusCleared
		}
		return resp, nil
	case <-timer.C:
		b.dropPending(correlationID)
		return nil, ErrRequestTimeout
	case <-ctx.Done():
		b.dropPending(correlationID)
		return nil, ctx.Err()
	}
}

func (b *Bus) dropPending(correlationID string) {
	b.mu.Lock()
	delete(b.pending, correlationID)
	b.mu.Unlock()
}

// Respond publishes a "result" message answering an earlier message,
// addressed back to its sender and carrying its correlation ID (or, when the
// original had none, its message ID).
func (b *Bus) Respond(originalMessageID, from string, payload map[string]any) (*Message, error) {
	b.mu.RLock()
	var original *Message
	for _, m := range b.history {
		if m.ID == originalMessageID {
			original = m
			break
		}
	}
	b.mu.RUnlock()

	if original == nil {
		return nil, ErrMessageNotFound
	}

	correlationID := original.CorrelationID
	if correlationID == "" {
		correlationID = original.ID
	}

	return b.Publish(&Message{
		From:          from,
		To:            original.From,
		Type:          TypeResult,
		Payload:       payload,
		CorrelationID: correlationID,
		Priority:      PriorityNormal,
	}), nil
}

// Acknowledge marks the message acknowledged in history. Acknowledgement is
// bookkeeping only; it does not affect delivery.
func (b *Bus) Acknowledge(messageID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, m := range b.history {
		if m.ID == messageID {
			m.Acknowledged = true
			return nil
		}
	}
	return ErrMessageNotFound
}

// MessagesFor returns unexpired history addressed to the participant,
// including broadcasts.
func (b *Bus) MessagesFor(participant string) []*Message {
	b.mu.RLock()
	defer b.mu.RUnlock()

	now := b.now()
	var out []*Message
	for _, m := range b.history {
		if m.expired(now) {
			continue
		}
		if m.To == participant || m.To == Broadcast {
			out = append(out, m)
		}
	}
	return out
}

// Unacknowledged returns unexpired, unacknowledged history addressed to the
// participant.
func (b *Bus) Unacknowledged(participant string) []*Message {
	b.mu.RLock()
	defer b.mu.RUnlock()

	now := b.now()
	var out []*Message
	for _, m := range b.history {
		if m.expired(now) || m.Acknowledged {
			continue
		}
		if m.To == participant {
			out = append(out, m)
		}
	}
	return out
}

// PendingDelivery returns the messages queued for a participant that has not
// subscribed yet, excluding expired entries.
func (b *Bus) PendingDelivery(participant string) []*Message {
	b.mu.RLock()
	defer b.mu.RUnlock()

	now := b.now()
	var out []*Message
	for _, m := range b.queues[participant] {
		if !m.expired(now) {
			out = append(out, m)
		}
	}
	return out
}

// MessagesByType returns unexpired history of the given type.
func (b *Bus) MessagesByType(msgType MessageType) []*Message {
	b.mu.RLock()
	defer b.mu.RUnlock()

	now := b.now()
	var out []*Message
	for _, m := range b.history {
		if m.expired(now) {
			continue
		}
		if m.Type == msgType {
			out = append(out, m)
		}
	}
	return out
}

// History returns a copy of the retained message history, expired entries
// included.
func (b *Bus) History() []*Message {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*Message, len(b.history))
	copy(out, b.history)
	return out
}

// Clear drops history, queues and pending requests. Outstanding requests
// resolve immediately with ErrBusCleared. Subscriptions persist.
func (b *Bus) Clear() {
	b.mu.Lock()
	pending := b.pending
	b.pending = make(map[string]*pendingRequest)
	b.history = nil
	b.queues = make(map[string][]*Message)
	b.mu.Unlock()

	for _, req := range pending {
		req.resolve(nil)
	}
}

// Destroy clears the bus and drops all subscriptions.
func (b *Bus) Destroy() {
	b.Clear()

	b.mu.Lock()
	b.subs = make(map[string][]*subscription)
	b.mu.Unlock()
}

// safeInvoke calls the handler, recovering from panics so one bad handler
// cannot take down the publisher.
func safeInvoke(handler Handler, msg *Message) {
	defer func() { _ = recover() }()
	handler(msg)
}
