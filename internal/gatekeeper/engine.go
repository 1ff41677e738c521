package gatekeeper

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"gatekeeper-go/internal/clock"
	"gatekeeper-go/internal/participant"
	"gatekeeper-go/internal/permissions"
)

// Ledger is the execution environment the engine runs against. Load must
// return a state the caller may mutate freely; Commit stores the state as of
// at and appends the records in one atomic step, assigning sequence numbers.
type Ledger interface {
	Load(ctx context.Context) (*State, error)
	Commit(ctx context.Context, at time.Time, state *State, records []Record) error
	Events(ctx context.Context, from uint64) ([]Record, error)
}

// Executor dispatches a bypass call out of the vault.
type Executor interface {
	Call(ctx context.Context, call BypassCall) error
}

// BypassPolicy decides how a call routed to it may run.
type BypassPolicy interface {
	Evaluate(call BypassCall) Decision
}

// PolicyResolver maps a registered policy address to its implementation.
type PolicyResolver interface {
	Policy(addr common.Address) (BypassPolicy, bool)
}

const (
	// UseDefaultDelay in a Decision means the scheduler's level delay.
	UseDefaultDelay time.Duration = -1
	// UseDefaultApprovals in a Decision means the scheduler's level threshold.
	UseDefaultApprovals uint32 = math.MaxUint32
)

// Decision is a policy verdict for one call.
type Decision struct {
	Delay             time.Duration
	RequiredApprovals uint32
	// WaitForDelay false lets the call apply as soon as approvals are in.
	WaitForDelay bool
}

// Immediate reports whether the call may run with no scheduling at all.
func (d Decision) Immediate() bool {
	return d.Delay == 0 && d.RequiredApprovals == 0
}

const (
	MaxParticipants   = 20
	MaxLevels         = int(permissions.MaxLevel)
	MaxDelay          = 365 * 24 * time.Hour
	MaxFreezeDuration = 365 * 24 * time.Hour
)

// Engine serializes every call into load, validate, mutate, commit. A
// rejected call commits nothing.
type Engine struct {
	mu       sync.Mutex
	log      zerolog.Logger
	ledger   Ledger
	policies PolicyResolver
	executor Executor
	clock    clock.Clock
}

func New(log zerolog.Logger, ledger Ledger, policies PolicyResolver, executor Executor, clk clock.Clock) *Engine {
	return &Engine{
		log:      log.With().Str("component", "gatekeeper").Logger(),
		ledger:   ledger,
		policies: policies,
		executor: executor,
		clock:    clk,
	}
}

// State returns a snapshot of the committed vault state.
func (e *Engine) State(ctx context.Context) (*State, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.Load(ctx)
}

// Events returns the log from sequence number from onwards.
func (e *Engine) Events(ctx context.Context, from uint64) ([]Record, error) {
	return e.ledger.Events(ctx, from)
}

// IsParticipant reports whether the claim is in the committed set.
func (e *Engine) IsParticipant(ctx context.Context, p participant.Participant) (bool, error) {
	st, err := e.State(ctx)
	if err != nil {
		return false, err
	}
	return participant.Verify(st, p), nil
}

type txn struct {
	ctx     context.Context
	engine  *Engine
	now     time.Time
	state   *State
	records []Record
	after   func(tx *txn) error
}

// afterCommit runs fn once the transaction is durable, still under the
// engine lock. Whatever fn records is committed in a second step, even when
// fn fails.
func (tx *txn) afterCommit(fn func(tx *txn) error) {
	tx.after = fn
}

func (e *Engine) transact(ctx context.Context, op string, fn func(tx *txn) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, err := e.ledger.Load(ctx)
	if err != nil {
		return fmt.Errorf("could not load state: %w", err)
	}
	tx := &txn{ctx: ctx, engine: e, now: e.clock.Now(), state: st}
	if err := fn(tx); err != nil {
		e.log.Debug().Str("op", op).Err(err).Msg("call rejected")
		return err
	}
	if err := e.ledger.Commit(ctx, tx.now, tx.state, tx.records); err != nil {
		return fmt.Errorf("could not commit %s: %w", op, err)
	}
	e.log.Info().
		Str("op", op).
		Int("events", len(tx.records)).
		Uint64("state_nonce", tx.state.StateNonce).
		Msg("call committed")
	if tx.after == nil {
		return nil
	}

	next := &txn{ctx: ctx, engine: e, now: e.clock.Now(), state: tx.state}
	afterErr := tx.after(next)
	if err := e.ledger.Commit(ctx, next.now, next.state, next.records); err != nil {
		e.log.Error().Str("op", op).Err(err).Msg("could not record call outcome")
		return fmt.Errorf("could not record outcome of %s: %w", op, err)
	}
	return afterErr
}

func (tx *txn) emit(ev Event) {
	tx.records = append(tx.records, Record{Time: tx.now, Name: ev.EventName(), Event: ev})
}

// verify checks the claim against the committed set.
func (tx *txn) verify(p participant.Participant) error {
	if !participant.Verify(tx.state, p) {
		return authErr("not participant")
	}
	return nil
}

// authorize verifies p and checks it holds every bit of required.
func (tx *txn) authorize(p participant.Participant, required permissions.Permission) error {
	if err := tx.verify(p); err != nil {
		return err
	}
	if missing := p.Permissions().Missing(required); missing != 0 {
		return authErr("permissions missing: " + missing.String())
	}
	return nil
}

func (tx *txn) checkNotFrozen(p participant.Participant, reason string) error {
	if tx.state.Freeze.Covers(p.Level(), tx.now) {
		return policyErr(reason)
	}
	return nil
}

func (tx *txn) checkNonce(expected uint64) error {
	if expected != tx.state.StateNonce {
		return stateErr("contract state changed since transaction was created")
	}
	return nil
}

// checkRank rejects an actor ranked below the operation's scheduler.
func checkRank(actor, scheduler participant.Participant, reason string) error {
	if actor.Level() < scheduler.Level() {
		return authErr(reason)
	}
	return nil
}

// checkReady enforces due time and approvals. With waitForDelay false only
// approvals matter.
func (tx *txn) checkReady(due time.Time, approvals int, required uint32, waitForDelay bool) error {
	if waitForDelay && tx.now.Before(due) {
		return stateErr("apply called before due time")
	}
	if uint64(approvals) < uint64(required) {
		return policyErr("pending approvals")
	}
	return nil
}

func (tx *txn) bumpNonce() {
	tx.state.StateNonce++
}
