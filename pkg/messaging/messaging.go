// Package messaging is the RPC collaborator boundary for the coordination
// protocols. Delivery is at-least-once: a message may be lost (the sender
// sees a delivery error and retries) or delivered more than once (receivers
// deduplicate by message ID). No wire format is mandated; the in-process Bus
// here is the reference implementation and the test double for the
// coordinators.
package messaging

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrUnknownEndpoint = errors.New("messaging: unknown endpoint")
	ErrDelivery        = errors.New("messaging: message lost in transit")
)

// Message is one request or reply between a coordinator and a participant.
// ID is stable across retransmissions of the same logical message; receivers
// use it for deduplication.
type Message struct {
	ID     string `json:"id"`
	Kind   string `json:"kind"`
	TxnID  uint64 `json:"txn_id,omitempty"`
	SagaID string `json:"saga_id,omitempty"`
	Step   int    `json:"step,omitempty"`
	Body   []byte `json:"body,omitempty"`
}

// Handler processes one inbound message and produces a reply.
type Handler func(ctx context.Context, msg Message) (Message, error)

// Bus routes messages to registered endpoints in-process. The fault knobs
// make loss and duplication reproducible for protocol tests.
type Bus struct {
	mu        sync.Mutex
	endpoints map[string]Handler
	sends     uint64

	// DropEvery drops every Nth send (0 disables loss injection).
	DropEvery uint64
	// DuplicateEvery delivers every Nth send twice (0 disables).
	DuplicateEvery uint64

	logger *zap.Logger
}

// NewBus creates an empty Bus.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		endpoints: make(map[string]Handler),
		logger:    logger,
	}
}

// Register installs the handler for an endpoint, replacing any previous one.
func (b *Bus) Register(endpoint string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.endpoints[endpoint] = h
}

// Send delivers msg to endpoint and returns the reply. A lost message is
// reported as ErrDelivery; the caller owns retransmission.
func (b *Bus) Send(ctx context.Context, endpoint string, msg Message) (Message, error) {
	b.mu.Lock()
	h, ok := b.endpoints[endpoint]
	b.sends++
	n := b.sends
	drop := b.DropEvery != 0 && n%b.DropEvery == 0
	duplicate := b.DuplicateEvery != 0 && n%b.DuplicateEvery == 0
	b.mu.Unlock()

	if !ok {
		return Message{}, ErrUnknownEndpoint
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	if drop {
		b.logger.Debug("dropping message",
			zap.String("endpoint", endpoint),
			zap.String("kind", msg.Kind),
			zap.String("id", msg.ID))
		return Message{}, ErrDelivery
	}

	if duplicate {
		// First delivery of the duplicated pair; its reply is discarded,
		// as a real network would discard the late one.
		if _, err := h(ctx, msg); err != nil {
			return Message{}, err
		}
	}
	return h(ctx, msg)
}

// Deduplicate wraps a handler so that redelivery of a message ID returns the
// original reply without re-invoking the handler.
func Deduplicate(h Handler) Handler {
	var mu sync.Mutex
	type outcome struct {
		reply Message
		err   error
	}
	seen := make(map[string]outcome)

	return func(ctx context.Context, msg Message) (Message, error) {
		mu.Lock()
		if out, ok := seen[msg.ID]; ok {
			mu.Unlock()
			return out.reply, out.err
		}
		mu.Unlock()

		reply, err := h(ctx, msg)

		mu.Lock()
		seen[msg.ID] = outcome{reply: reply, err: err}
		mu.Unlock()
		return reply, err
	}
}
