package gatekeeper

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"gatekeeper-go/internal/participant"
	"gatekeeper-go/internal/permissions"
)

// BypassRef names a scheduled bypass call.
type BypassRef struct {
	Scheduler  participant.Participant `json:"scheduler"`
	StateNonce uint64                  `json:"stateNonce"`
	Call       BypassCall              `json:"call"`
}

// decide resolves the policy for call and fills in level defaults.
func (tx *txn) decide(scheduler participant.Participant, call BypassCall) (Decision, error) {
	level := scheduler.Level()
	d := Decision{Delay: UseDefaultDelay, RequiredApprovals: UseDefaultApprovals, WaitForDelay: true}
	if addr, ok := tx.state.policyFor(call); ok {
		policy, err := tx.engine.policy(addr)
		if err != nil {
			return Decision{}, err
		}
		d = policy.Evaluate(call)
	}
	if d.Delay == UseDefaultDelay {
		delay, err := tx.state.delayFor(level)
		if err != nil {
			return Decision{}, err
		}
		d.Delay = delay
	}
	if d.Delay < 0 || d.Delay > MaxDelay {
		return Decision{}, policyErr("invalid delay given")
	}
	if d.RequiredApprovals == UseDefaultApprovals {
		d.RequiredApprovals = tx.state.ApprovalsFor(level)
	}
	return d, nil
}

func (e *Engine) policy(addr common.Address) (BypassPolicy, error) {
	if e.policies == nil {
		return nil, policyErr("unknown bypass policy")
	}
	p, ok := e.policies.Policy(addr)
	if !ok {
		return nil, policyErr("unknown bypass policy")
	}
	return p, nil
}

func (tx *txn) dispatch(call BypassCall) error {
	if tx.engine.executor == nil {
		return fmt.Errorf("no executor configured")
	}
	return tx.engine.executor.Call(tx.ctx, call.clone())
}

func (tx *txn) pendingBypass(op string, ref BypassRef) (common.Hash, *PendingBypassCall, error) {
	id, err := ref.ID()
	if err != nil {
		return common.Hash{}, nil, err
	}
	pending, ok := tx.state.PendingBypassCalls[id]
	if !ok {
		return common.Hash{}, nil, tx.missingRecord(op, "pending bypass call", ref.StateNonce)
	}
	return id, pending, nil
}

// checkValue rejects amounts that do not fit a uint256.
func checkValue(call BypassCall) error {
	if call.Value != nil && (call.Value.Sign() < 0 || call.Value.BitLen() > 256) {
		return policyErr("invalid value")
	}
	return nil
}

// ScheduleBypassCall schedules a direct call out of the vault. The policy
// registered for the call, if any, sets its delay and approval threshold.
func (e *Engine) ScheduleBypassCall(ctx context.Context, caller participant.Participant, call BypassCall, expectedNonce uint64) (common.Hash, error) {
	var id common.Hash
	err := e.transact(ctx, "schedule_bypass_call", func(tx *txn) error {
		if err := tx.authorize(caller, permissions.CanSpend); err != nil {
			return err
		}
		if err := tx.checkNotFrozen(caller, "level is frozen"); err != nil {
			return err
		}
		if err := tx.checkNonce(expectedNonce); err != nil {
			return err
		}
		if err := checkValue(call); err != nil {
			return err
		}
		d, err := tx.decide(caller, call)
		if err != nil {
			return err
		}
		ref := BypassRef{Scheduler: caller, StateNonce: expectedNonce, Call: call.clone()}
		id, err = ref.ID()
		if err != nil {
			return err
		}
		if _, ok := tx.state.PendingBypassCalls[id]; ok {
			return replayErr("bypass call already pending")
		}
		due := tx.now.Add(d.Delay)
		tx.state.PendingBypassCalls[id] = &PendingBypassCall{
			Ref:               ref,
			DueTime:           due,
			RequiredApprovals: d.RequiredApprovals,
			WaitForDelay:      d.WaitForDelay,
		}
		tx.emit(BypassCallPending{
			ID:                id,
			Ref:               ref,
			DueTime:           due,
			RequiredApprovals: d.RequiredApprovals,
			WaitForDelay:      d.WaitForDelay,
		})
		return nil
	})
	return id, err
}

// ApplyBypassCall dispatches a ready bypass call. A failing dispatch is
// reported in BypassCallApplied.Status and still consumes the record.
func (e *Engine) ApplyBypassCall(ctx context.Context, caller participant.Participant, ref BypassRef) error {
	return e.transact(ctx, "apply_bypass_call", func(tx *txn) error {
		if err := tx.verify(caller); err != nil {
			return err
		}
		if err := tx.checkNotFrozen(caller, "level is frozen"); err != nil {
			return err
		}
		id, pending, err := tx.pendingBypass("apply", ref)
		if err != nil {
			return err
		}
		if err := tx.checkNotFrozen(ref.Scheduler, "scheduler level is frozen"); err != nil {
			return err
		}
		if err := tx.checkReady(pending.DueTime, len(pending.Approvers), pending.RequiredApprovals, pending.WaitForDelay); err != nil {
			return err
		}
		delete(tx.state.PendingBypassCalls, id)
		tx.bumpNonce()

		// The record is gone before the call leaves, so a failed commit
		// can never send it twice.
		call := pending.Ref.Call
		tx.afterCommit(func(tx *txn) error {
			status := true
			if err := tx.dispatch(call); err != nil {
				tx.engine.log.Warn().
					Err(err).
					Str("id", id.Hex()).
					Str("target", call.Target.Hex()).
					Msg("bypass call dispatch failed")
				status = false
			}
			tx.emit(BypassCallApplied{ID: id, Sender: caller.Address, Status: status})
			return nil
		})
		return nil
	})
}

// ApproveBypassCall records an approval of a pending bypass call.
func (e *Engine) ApproveBypassCall(ctx context.Context, approver participant.Participant, ref BypassRef) error {
	return e.transact(ctx, "approve_bypass_call", func(tx *txn) error {
		if err := tx.authorize(approver, permissions.CanApprove); err != nil {
			return err
		}
		if err := tx.checkNotFrozen(approver, "level is frozen"); err != nil {
			return err
		}
		id, pending, err := tx.pendingBypass("approve", ref)
		if err != nil {
			return err
		}
		if err := checkRank(approver, ref.Scheduler, "cannot approve operation from higher level"); err != nil {
			return err
		}
		approverID := approver.ID()
		if hasApprover(pending.Approvers, approverID) {
			return replayErr("cannot approve twice")
		}
		pending.Approvers = append(pending.Approvers, approverID)
		tx.emit(BypassCallApproved{ID: id, Approver: approverID})
		return nil
	})
}

// CancelBypassCall drops a pending bypass call.
func (e *Engine) CancelBypassCall(ctx context.Context, canceller participant.Participant, ref BypassRef) error {
	return e.transact(ctx, "cancel_bypass_call", func(tx *txn) error {
		if err := tx.authorize(canceller, permissions.CanCancel); err != nil {
			return err
		}
		if err := tx.checkNotFrozen(canceller, "level is frozen"); err != nil {
			return err
		}
		id, _, err := tx.pendingBypass("cancel", ref)
		if err != nil {
			return err
		}
		if err := checkRank(canceller, ref.Scheduler, "cannot cancel, scheduler is of higher level"); err != nil {
			return err
		}
		delete(tx.state.PendingBypassCalls, id)
		tx.bumpNonce()
		tx.emit(BypassCallCancelled{ID: id, Sender: canceller.Address})
		return nil
	})
}

// ExecuteBypassCall runs call at once if its policy allows zero delay and
// zero approvals. Dispatch failure rejects the whole call.
func (e *Engine) ExecuteBypassCall(ctx context.Context, caller participant.Participant, call BypassCall) error {
	return e.transact(ctx, "execute_bypass_call", func(tx *txn) error {
		if err := tx.authorize(caller, permissions.CanSpend); err != nil {
			return err
		}
		if err := tx.checkNotFrozen(caller, "level is frozen"); err != nil {
			return err
		}
		if !tx.state.AcceleratedCalls {
			return policyErr("accelerated calls blocked")
		}
		if err := checkValue(call); err != nil {
			return err
		}
		if _, ok := tx.state.policyFor(call); !ok {
			return policyErr("call cannot be executed immediately")
		}
		d, err := tx.decide(caller, call)
		if err != nil {
			return err
		}
		if !d.Immediate() {
			return policyErr("call cannot be executed immediately")
		}

		// The nonce is taken before dispatch and handed back if the call
		// does not go out.
		tx.bumpNonce()
		call = call.clone()
		tx.afterCommit(func(tx *txn) error {
			if err := tx.dispatch(call); err != nil {
				tx.state.StateNonce--
				return fmt.Errorf("bypass call failed: %w", err)
			}
			tx.emit(BypassCallExecuted{Sender: caller, Call: call})
			return nil
		})
		return nil
	})
}
