package twophase

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/kurodb/kurodb/core/transaction"
	"github.com/kurodb/kurodb/pkg/messaging"
)

// LocalParticipant exposes a transaction manager's participant protocol to
// the coordinator. Each distributed transaction maps a global txn id onto a
// local transaction branch registered with Join.
type LocalParticipant struct {
	id  string
	mgr *transaction.Manager

	mu   sync.Mutex
	txns map[uint64]*transaction.Txn
}

// NewLocalParticipant wraps mgr as participant id.
func NewLocalParticipant(id string, mgr *transaction.Manager) *LocalParticipant {
	return &LocalParticipant{
		id:   id,
		mgr:  mgr,
		txns: make(map[uint64]*transaction.Txn),
	}
}

// ID returns the participant id.
func (p *LocalParticipant) ID() string { return p.id }

// Manager returns the wrapped transaction manager.
func (p *LocalParticipant) Manager() *transaction.Manager { return p.mgr }

// Join registers txn as this participant's local branch of the distributed
// transaction globalID. The caller performs the branch's reads and writes
// through the manager as usual before the coordinator runs the protocol.
func (p *LocalParticipant) Join(globalID uint64, txn *transaction.Txn) {
	p.mu.Lock()
	p.txns[globalID] = txn
	p.mu.Unlock()
}

func (p *LocalParticipant) branch(globalID uint64) (*transaction.Txn, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	txn, ok := p.txns[globalID]
	return txn, ok
}

// Prepare votes on the local branch: validation plus a durable prepare
// record, locks held. A validation failure is a clean no vote. An unknown
// global id also votes no; voting yes for work this node never saw would be
// unsound.
func (p *LocalParticipant) Prepare(ctx context.Context, globalID uint64) (Vote, error) {
	txn, ok := p.branch(globalID)
	if !ok {
		return VoteNo, nil
	}
	if err := p.mgr.PrepareCommit(ctx, txn); err != nil {
		if transaction.IsRetryable(err) {
			return VoteNo, nil
		}
		return VoteNo, err
	}
	return VoteYes, nil
}

// Commit applies the commit decision to the local branch. Idempotent.
func (p *LocalParticipant) Commit(ctx context.Context, globalID uint64) error {
	txn, ok := p.branch(globalID)
	if !ok {
		return fmt.Errorf("commit decision for unknown txn %d: %w", globalID, transaction.ErrTxnNotFound)
	}
	return p.mgr.FinishCommit(ctx, txn.ID())
}

// Abort applies the abort decision to the local branch. Idempotent; an
// unknown global id is already as good as aborted.
func (p *LocalParticipant) Abort(ctx context.Context, globalID uint64) error {
	txn, ok := p.branch(globalID)
	if !ok {
		return nil
	}
	err := p.mgr.FinishAbort(ctx, txn.ID())
	if errors.Is(err, transaction.ErrTxnNotFound) {
		return nil
	}
	return err
}

// Message kinds spoken between RemoteParticipant and the participant
// endpoint handler.
const (
	msgKindPrepare = "2pc.prepare"
	msgKindCommit  = "2pc.commit"
	msgKindAbort   = "2pc.abort"
	msgKindVoteYes = "2pc.vote_yes"
	msgKindVoteNo  = "2pc.vote_no"
	msgKindAck     = "2pc.ack"
)

// RemoteParticipant drives a participant endpoint over the messaging
// collaborator. Each logical request keeps one message id across
// retransmissions so the receiving side can deduplicate.
type RemoteParticipant struct {
	id       string
	bus      *messaging.Bus
	attempts int
}

// NewRemoteParticipant creates a messaging-backed participant proxy for
// endpoint id. attempts bounds retransmissions per operation.
func NewRemoteParticipant(id string, bus *messaging.Bus, attempts int) *RemoteParticipant {
	if attempts <= 0 {
		attempts = 3
	}
	return &RemoteParticipant{id: id, bus: bus, attempts: attempts}
}

func (p *RemoteParticipant) ID() string { return p.id }

// send delivers one logical message, retransmitting on loss.
func (p *RemoteParticipant) send(ctx context.Context, msg messaging.Message) (messaging.Message, error) {
	var lastErr error
	for attempt := 0; attempt < p.attempts; attempt++ {
		reply, err := p.bus.Send(ctx, p.id, msg)
		if err == nil {
			return reply, nil
		}
		lastErr = err
		if !errors.Is(err, messaging.ErrDelivery) {
			break
		}
	}
	return messaging.Message{}, lastErr
}

func (p *RemoteParticipant) Prepare(ctx context.Context, txnID uint64) (Vote, error) {
	reply, err := p.send(ctx, messaging.Message{
		ID:    uuid.NewString(),
		Kind:  msgKindPrepare,
		TxnID: txnID,
	})
	if err != nil {
		return VoteUnknown, err
	}
	if reply.Kind == msgKindVoteYes {
		return VoteYes, nil
	}
	return VoteNo, nil
}

func (p *RemoteParticipant) Commit(ctx context.Context, txnID uint64) error {
	_, err := p.send(ctx, messaging.Message{
		ID:    uuid.NewString(),
		Kind:  msgKindCommit,
		TxnID: txnID,
	})
	return err
}

func (p *RemoteParticipant) Abort(ctx context.Context, txnID uint64) error {
	_, err := p.send(ctx, messaging.Message{
		ID:    uuid.NewString(),
		Kind:  msgKindAbort,
		TxnID: txnID,
	})
	return err
}

// RegisterParticipantEndpoint serves p on the bus under its own id. Inbound
// messages are deduplicated by message id, making prepare/commit/abort
// idempotent under duplicate delivery on top of the manager's own txn-id
// idempotency.
func RegisterParticipantEndpoint(bus *messaging.Bus, p Participant) {
	handler := func(ctx context.Context, msg messaging.Message) (messaging.Message, error) {
		switch msg.Kind {
		case msgKindPrepare:
			vote, err := p.Prepare(ctx, msg.TxnID)
			if err != nil {
				return messaging.Message{}, err
			}
			kind := msgKindVoteNo
			if vote == VoteYes {
				kind = msgKindVoteYes
			}
			return messaging.Message{ID: msg.ID, Kind: kind, TxnID: msg.TxnID}, nil
		case msgKindCommit:
			if err := p.Commit(ctx, msg.TxnID); err != nil {
				return messaging.Message{}, err
			}
			return messaging.Message{ID: msg.ID, Kind: msgKindAck, TxnID: msg.TxnID}, nil
		case msgKindAbort:
			if err := p.Abort(ctx, msg.TxnID); err != nil {
				return messaging.Message{}, err
			}
			return messaging.Message{ID: msg.ID, Kind: msgKindAck, TxnID: msg.TxnID}, nil
		default:
			return messaging.Message{}, fmt.Errorf("unknown message kind %q", msg.Kind)
		}
	}
	bus.Register(p.ID(), messaging.Deduplicate(handler))
}
