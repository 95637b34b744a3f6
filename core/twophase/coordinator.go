// Package twophase implements the two-phase commit coordinator for
// multi-participant atomic commits. Phase 1 collects votes with a per-
// participant timeout; the decision is durably logged before phase 2 begins,
// so a restarted coordinator can replay it to any participant that never
// acknowledged. Participants that voted yes hold their locks until the
// decision reaches them: this is the classic 2PC blocking window, accepted
// here rather than worked around.
package twophase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kurodb/kurodb/core/wal"
)

var (
	// ErrParticipantVoteNo reports that at least one participant refused
	// to prepare; the global decision is abort.
	ErrParticipantVoteNo = errors.New("participant voted no")
	// ErrParticipantTimeout reports that a participant's vote did not
	// arrive in time; the global decision is abort.
	ErrParticipantTimeout = errors.New("participant vote timed out")
	// ErrUnacknowledged reports that the logged decision could not be
	// delivered to every participant within the retry budget. The decision
	// stands; Recover re-drives delivery.
	ErrUnacknowledged = errors.New("decision not acknowledged by all participants")
)

// Vote is a participant's phase-1 answer.
type Vote int

const (
	VoteUnknown Vote = iota
	VoteYes
	VoteNo
)

// Decision is the coordinator's global outcome.
type Decision int

const (
	DecisionAbort Decision = iota
	DecisionCommit
)

func (d Decision) String() string {
	if d == DecisionCommit {
		return "commit"
	}
	return "abort"
}

// State is the coordinator-side state of one in-flight distributed
// transaction. Once the decision is acknowledged by every participant the
// transaction leaves the coordinator's tracking; the WAL decision log is the
// durable record of its outcome.
type State int

const (
	StateInit State = iota
	StatePreparing
	StateCommitting
	StateAborting
)

// Participant is one resource manager in a distributed transaction. All
// three operations must be idempotent under retransmission, keyed by txnID.
type Participant interface {
	ID() string
	// Prepare runs phase 1 locally, holding locks on a yes vote. A no vote
	// with a nil error is a clean refusal; an error is a delivery or
	// execution failure, treated as a no.
	Prepare(ctx context.Context, txnID uint64) (Vote, error)
	Commit(ctx context.Context, txnID uint64) error
	Abort(ctx context.Context, txnID uint64) error
}

// Config tunes the coordinator.
type Config struct {
	// PrepareTimeout bounds each participant's vote. Default 2s.
	PrepareTimeout time.Duration
	// DecisionTimeout bounds each decision delivery attempt. Default 2s.
	DecisionTimeout time.Duration
	// MaxAttempts is the decision delivery budget per participant within
	// one Execute or Recover call. Default 5.
	MaxAttempts int
	// RetryRate paces decision retransmissions. Default 20/s.
	RetryRate rate.Limit
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.PrepareTimeout <= 0 {
		out.PrepareTimeout = 2 * time.Second
	}
	if out.DecisionTimeout <= 0 {
		out.DecisionTimeout = 2 * time.Second
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 5
	}
	if out.RetryRate <= 0 {
		out.RetryRate = 20
	}
	return out
}

// decisionEntry is the WAL payload for a logged decision. A second entry
// with Completed set marks full acknowledgment.
type decisionEntry struct {
	TxnID        uint64   `json:"txn_id"`
	Decision     string   `json:"decision"`
	Participants []string `json:"participants"`
	Completed    bool     `json:"completed"`
}

// Coordinator drives two-phase commits. Safe for concurrent use; each
// distributed transaction runs as its own state machine.
type Coordinator struct {
	cfg     Config
	wal     *wal.LogManager
	limiter *rate.Limiter
	logger  *zap.Logger

	mu     sync.Mutex
	states map[uint64]State
}

// NewCoordinator creates a coordinator logging decisions to log.
func NewCoordinator(cfg Config, log *wal.LogManager, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Coordinator{
		cfg:     cfg,
		wal:     log,
		limiter: rate.NewLimiter(cfg.RetryRate, 1),
		logger:  logger,
		states:  make(map[uint64]State),
	}
}

// State returns the coordinator-side state of a distributed transaction.
// Fully acknowledged transactions are no longer tracked and report StateInit.
func (c *Coordinator) State(txnID uint64) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.states[txnID]
}

func (c *Coordinator) setState(txnID uint64, s State) {
	c.mu.Lock()
	c.states[txnID] = s
	c.mu.Unlock()
}

// clearState drops a transaction whose decision every participant has
// acknowledged. Tracking only in-flight transactions keeps the map bounded
// by the number of concurrently executing commits.
func (c *Coordinator) clearState(txnID uint64) {
	c.mu.Lock()
	delete(c.states, txnID)
	c.mu.Unlock()
}

// Execute runs the full protocol for txnID across participants and returns
// the decision. A commit decision with a nil error means every participant
// committed and acknowledged. An abort decision carries the cause
// (ErrParticipantVoteNo or ErrParticipantTimeout). ErrUnacknowledged means
// the decision is durable but some participant has not yet applied it.
func (c *Coordinator) Execute(ctx context.Context, txnID uint64, participants []Participant) (Decision, error) {
	c.setState(txnID, StatePreparing)

	decision, voteErr := c.gatherVotes(ctx, txnID, participants)

	if err := c.logDecision(txnID, decision, participants, false); err != nil {
		// Without a durable decision the protocol cannot proceed; abort
		// locally-prepared participants is not safe either, so surface it.
		return decision, fmt.Errorf("log decision for txn %d: %w", txnID, err)
	}

	if decision == DecisionCommit {
		c.setState(txnID, StateCommitting)
	} else {
		c.setState(txnID, StateAborting)
	}

	if err := c.deliverDecision(ctx, txnID, decision, participants); err != nil {
		return decision, err
	}

	if err := c.logDecision(txnID, decision, participants, true); err != nil {
		c.logger.Warn("failed to log decision completion", zap.Uint64("txn", txnID), zap.Error(err))
	}
	c.clearState(txnID)
	if decision == DecisionCommit {
		return decision, nil
	}
	return decision, voteErr
}

// gatherVotes runs phase 1 concurrently. All-yes decides commit; any no,
// error, or timeout decides abort.
func (c *Coordinator) gatherVotes(ctx context.Context, txnID uint64, participants []Participant) (Decision, error) {
	type voteResult struct {
		id   string
		vote Vote
		err  error
	}

	results := make(chan voteResult, len(participants))
	for _, p := range participants {
		go func(p Participant) {
			voteCtx, cancel := context.WithTimeout(ctx, c.cfg.PrepareTimeout)
			defer cancel()
			vote, err := p.Prepare(voteCtx, txnID)
			results <- voteResult{id: p.ID(), vote: vote, err: err}
		}(p)
	}

	decision := DecisionCommit
	var cause error
	for range participants {
		res := <-results
		switch {
		case res.err != nil:
			decision = DecisionAbort
			if cause == nil {
				if errors.Is(res.err, context.DeadlineExceeded) {
					cause = fmt.Errorf("participant %s: %w", res.id, ErrParticipantTimeout)
				} else {
					cause = fmt.Errorf("participant %s: %w: %v", res.id, ErrParticipantVoteNo, res.err)
				}
			}
		case res.vote != VoteYes:
			decision = DecisionAbort
			if cause == nil {
				cause = fmt.Errorf("participant %s: %w", res.id, ErrParticipantVoteNo)
			}
		}
	}
	c.logger.Debug("votes gathered",
		zap.Uint64("txn", txnID),
		zap.String("decision", decision.String()),
		zap.Error(cause))
	return decision, cause
}

// logDecision makes the decision durable. This must precede phase 2.
func (c *Coordinator) logDecision(txnID uint64, decision Decision, participants []Participant, completed bool) error {
	ids := make([]string, 0, len(participants))
	for _, p := range participants {
		ids = append(ids, p.ID())
	}
	payload, err := json.Marshal(decisionEntry{
		TxnID:        txnID,
		Decision:     decision.String(),
		Participants: ids,
		Completed:    completed,
	})
	if err != nil {
		return err
	}
	_, err = c.wal.AppendSync(&wal.Record{Type: wal.RecordTypeDecision, TxnID: txnID, Payload: payload})
	return err
}

// deliverDecision pushes the decision to every participant, retrying each
// one up to the attempt budget with rate-limited retransmission.
func (c *Coordinator) deliverDecision(ctx context.Context, txnID uint64, decision Decision, participants []Participant) error {
	var unacked []string
	for _, p := range participants {
		if err := c.deliverTo(ctx, txnID, decision, p); err != nil {
			c.logger.Warn("participant did not acknowledge decision",
				zap.Uint64("txn", txnID),
				zap.String("participant", p.ID()),
				zap.String("decision", decision.String()),
				zap.Error(err))
			unacked = append(unacked, p.ID())
		}
	}
	if len(unacked) > 0 {
		return fmt.Errorf("%w: txn %d, participants %v", ErrUnacknowledged, txnID, unacked)
	}
	return nil
}

func (c *Coordinator) deliverTo(ctx context.Context, txnID uint64, decision Decision, p Participant) error {
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.DecisionTimeout)
		if decision == DecisionCommit {
			lastErr = p.Commit(attemptCtx, txnID)
		} else {
			lastErr = p.Abort(attemptCtx, txnID)
		}
		cancel()
		if lastErr == nil {
			return nil
		}
	}
	return lastErr
}

// Recover replays logged, uncompleted decisions after a coordinator restart,
// re-driving phase 2 for participants that never acknowledged. resolve maps
// a logged participant id back to a live Participant; unresolvable
// participants keep the transaction pending.
func (c *Coordinator) Recover(ctx context.Context, resolve func(id string) (Participant, bool)) error {
	records, err := c.wal.ReadAll()
	if err != nil {
		return fmt.Errorf("read wal for 2pc recovery: %w", err)
	}

	pending := make(map[uint64]decisionEntry)
	for _, rec := range records {
		if rec.Type != wal.RecordTypeDecision {
			continue
		}
		var entry decisionEntry
		if err := json.Unmarshal(rec.Payload, &entry); err != nil {
			c.logger.Warn("skipping undecodable decision record", zap.Uint64("lsn", uint64(rec.LSN)), zap.Error(err))
			continue
		}
		if entry.Completed {
			delete(pending, entry.TxnID)
		} else {
			pending[entry.TxnID] = entry
		}
	}

	var firstErr error
	for txnID, entry := range pending {
		decision := DecisionAbort
		if entry.Decision == DecisionCommit.String() {
			decision = DecisionCommit
		}

		participants := make([]Participant, 0, len(entry.Participants))
		missing := false
		for _, id := range entry.Participants {
			p, ok := resolve(id)
			if !ok {
				c.logger.Warn("cannot resolve participant during recovery",
					zap.Uint64("txn", txnID), zap.String("participant", id))
				missing = true
				break
			}
			participants = append(participants, p)
		}
		if missing {
			continue
		}

		c.logger.Info("replaying logged decision",
			zap.Uint64("txn", txnID),
			zap.String("decision", decision.String()))
		if err := c.deliverDecision(ctx, txnID, decision, participants); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := c.logDecision(txnID, decision, participants, true); err != nil && firstErr == nil {
			firstErr = err
		}
		c.clearState(txnID)
	}
	return firstErr
}
