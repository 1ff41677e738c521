package gatekeeper

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"gatekeeper-go/internal/participant"
	"gatekeeper-go/internal/permissions"
)

// missingRecord distinguishes a consumed record (its nonce is behind the
// vault's) from one that never existed under this reference.
func (tx *txn) missingRecord(op, what string, refNonce uint64) error {
	reason := fmt.Sprintf("%s called for non existent %s", op, what)
	if refNonce < tx.state.StateNonce {
		return replayErr(reason)
	}
	return stateErr(reason)
}

func (tx *txn) pendingChange(op string, ref ChangeRef) (common.Hash, *PendingChange, error) {
	id, err := ref.ID()
	if err != nil {
		return common.Hash{}, nil, err
	}
	pending, ok := tx.state.PendingChanges[id]
	if !ok {
		return common.Hash{}, nil, tx.missingRecord(op, "pending change", ref.StateNonce)
	}
	return id, pending, nil
}

// ApplyConfig executes a due, sufficiently approved change. Any verified
// participant may apply.
func (e *Engine) ApplyConfig(ctx context.Context, caller participant.Participant, ref ChangeRef) error {
	return e.transact(ctx, "apply_config", func(tx *txn) error {
		if err := tx.verify(caller); err != nil {
			return err
		}
		if err := tx.checkNotFrozen(caller, "level is frozen"); err != nil {
			return err
		}
		id, pending, err := tx.pendingChange("apply", ref)
		if err != nil {
			return err
		}
		origin, reason := ref.origin()
		if err := tx.checkNotFrozen(origin, reason); err != nil {
			return err
		}
		required := tx.state.ApprovalsFor(ref.Scheduler.Level())
		if err := tx.checkReady(pending.DueTime, len(pending.Approvers), required, true); err != nil {
			return err
		}
		for _, a := range ref.Actions {
			if a.Type() == ActionAddOperatorNow {
				return policyErr("use approveAddOperatorNow instead")
			}
		}
		for _, a := range ref.Actions {
			if err := tx.applyAction(a); err != nil {
				return err
			}
		}
		delete(tx.state.PendingChanges, id)
		tx.bumpNonce()
		tx.emit(ConfigApplied{ID: id, Sender: caller.Address})
		return nil
	})
}

func (tx *txn) applyAction(a Action) error {
	switch a := a.(type) {
	case AddParticipant:
		tx.addParticipant(a.Participant)
	case RemoveParticipant:
		return tx.removeParticipant(a.Participant)
	case AddOperator:
		id, err := operatorID(a.Operator, a.Level)
		if err != nil {
			return policyErr(err.Error())
		}
		tx.addParticipant(id)
	case SetAcceleratedCalls:
		tx.state.AcceleratedCalls = a.Allowed
		tx.emit(AcceleratedCallsSet{Allowed: a.Allowed})
	case SetAddOperatorNow:
		tx.state.AddOperatorNow = a.Allowed
		tx.emit(AddOperatorNowSet{Allowed: a.Allowed})
	case AddBypassByTarget:
		tx.addBypassByTarget(a.Target, a.Policy)
	case AddBypassByMethod:
		tx.addBypassByMethod(a.Method, a.Policy)
	case Unfreeze:
		tx.state.Freeze = Freeze{}
		tx.emit(UnfreezeCompleted{})
	default:
		return policyErr(fmt.Sprintf("unsupported action %s", a.Type()))
	}
	return nil
}

// ApproveConfig records approver's approval of a pending change.
func (e *Engine) ApproveConfig(ctx context.Context, approver participant.Participant, ref ChangeRef) error {
	return e.transact(ctx, "approve_config", func(tx *txn) error {
		if err := tx.authorize(approver, permissions.CanApprove); err != nil {
			return err
		}
		if err := tx.checkNotFrozen(approver, "level is frozen"); err != nil {
			return err
		}
		id, pending, err := tx.pendingChange("approve", ref)
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
		tx.emit(ConfigApproved{ID: id, Approver: approverID})
		return nil
	})
}

// CancelOperation drops a pending change.
func (e *Engine) CancelOperation(ctx context.Context, canceller participant.Participant, ref ChangeRef) error {
	return e.transact(ctx, "cancel_operation", func(tx *txn) error {
		if err := tx.authorize(canceller, permissions.CanCancel); err != nil {
			return err
		}
		if err := tx.checkNotFrozen(canceller, "level is frozen"); err != nil {
			return err
		}
		id, _, err := tx.pendingChange("cancel", ref)
		if err != nil {
			return err
		}
		if err := checkRank(canceller, ref.Scheduler, "cannot cancel, scheduler is of higher level"); err != nil {
			return err
		}
		delete(tx.state.PendingChanges, id)
		tx.bumpNonce()
		tx.emit(ConfigCancelled{ID: id, Sender: canceller.Address})
		return nil
	})
}
