package gatekeeper

import (
	"context"
	"slices"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"gatekeeper-go/internal/participant"
	"gatekeeper-go/internal/permissions"
)

// InitialConfig is the one-time bootstrap of a vault.
type InitialConfig struct {
	Participants      []common.Hash
	Delays            []time.Duration
	ApprovalsPerLevel []uint32
	AcceleratedCalls  bool
	AddOperatorNow    bool

	// Parallel lists; BypassTargets[i] is governed by BypassTargetPolicies[i].
	BypassTargets        []common.Address
	BypassTargetPolicies []common.Address
	BypassMethods        []Selector
	BypassMethodPolicies []common.Address
}

func (c InitialConfig) validate() error {
	if len(c.Participants) > MaxParticipants {
		return policyErr("too many participants")
	}
	if len(c.Delays) > MaxLevels {
		return policyErr("too many levels")
	}
	if len(c.ApprovalsPerLevel) > MaxLevels {
		return policyErr("too many levels again")
	}
	for _, d := range c.Delays {
		if d > MaxDelay {
			return policyErr("Delay too long")
		}
		if d < 0 {
			return policyErr("negative delay")
		}
	}
	if len(c.BypassTargets) != len(c.BypassTargetPolicies) {
		return policyErr("bypass targets and policies length mismatch")
	}
	if len(c.BypassMethods) != len(c.BypassMethodPolicies) {
		return policyErr("bypass methods and policies length mismatch")
	}
	return nil
}

// InitialConfig commits the bootstrap configuration. It can succeed once.
func (e *Engine) InitialConfig(ctx context.Context, cfg InitialConfig) error {
	return e.transact(ctx, "initial_config", func(tx *txn) error {
		st := tx.state
		if st.Initialized {
			return stateErr("already initialized")
		}
		if err := cfg.validate(); err != nil {
			return err
		}

		for _, id := range cfg.Participants {
			st.Participants[id] = struct{}{}
		}
		st.Delays = slices.Clone(cfg.Delays)
		st.ApprovalsPerLevel = slices.Clone(cfg.ApprovalsPerLevel)
		st.AcceleratedCalls = cfg.AcceleratedCalls
		st.AddOperatorNow = cfg.AddOperatorNow
		st.Initialized = true

		tx.emit(GatekeeperInitialized{
			Participants:      slices.Clone(cfg.Participants),
			Delays:            slices.Clone(cfg.Delays),
			ApprovalsPerLevel: slices.Clone(cfg.ApprovalsPerLevel),
			AcceleratedCalls:  cfg.AcceleratedCalls,
			AddOperatorNow:    cfg.AddOperatorNow,
		})
		for i, target := range cfg.BypassTargets {
			tx.addBypassByTarget(target, cfg.BypassTargetPolicies[i])
		}
		for i, method := range cfg.BypassMethods {
			tx.addBypassByMethod(method, cfg.BypassMethodPolicies[i])
		}
		return nil
	})
}

// ChangeConfiguration schedules actions on behalf of caller. The returned
// id keys the pending change.
func (e *Engine) ChangeConfiguration(ctx context.Context, caller participant.Participant, actions []Action, expectedNonce uint64) (common.Hash, error) {
	var id common.Hash
	err := e.transact(ctx, "change_configuration", func(tx *txn) error {
		var err error
		id, err = tx.scheduleDirect(caller, actions, expectedNonce)
		return err
	})
	return id, err
}

// ScheduleAddOperator schedules adding operator as an owner at the
// caller's level.
func (e *Engine) ScheduleAddOperator(ctx context.Context, caller participant.Participant, operator common.Address, expectedNonce uint64) (common.Hash, error) {
	return e.ChangeConfiguration(ctx, caller, []Action{AddOperator{Operator: operator, Level: caller.Level()}}, expectedNonce)
}

// AddOperatorNow schedules an operator addition that a watchdog can apply
// at once through ApproveAddOperatorNow.
func (e *Engine) AddOperatorNow(ctx context.Context, caller participant.Participant, operator common.Address, expectedNonce uint64) (common.Hash, error) {
	var id common.Hash
	err := e.transact(ctx, "add_operator_now", func(tx *txn) error {
		if !tx.state.AddOperatorNow {
			return policyErr("call blocked")
		}
		var err error
		id, err = tx.scheduleDirect(caller, []Action{AddOperatorNow{Operator: operator, Level: caller.Level()}}, expectedNonce)
		return err
	})
	return id, err
}

// ApproveAddOperatorNow applies a pending AddOperatorNow change scheduled
// by scheduler against stateNonce.
func (e *Engine) ApproveAddOperatorNow(ctx context.Context, approver participant.Participant, operator common.Address, stateNonce uint64, scheduler participant.Participant) error {
	return e.transact(ctx, "approve_add_operator_now", func(tx *txn) error {
		if err := tx.authorize(approver, permissions.CanApprove); err != nil {
			return err
		}
		if err := tx.checkNotFrozen(approver, "level is frozen"); err != nil {
			return err
		}
		if !tx.state.AddOperatorNow {
			return policyErr("call blocked")
		}
		ref := ChangeRef{
			Actions:    []Action{AddOperatorNow{Operator: operator, Level: scheduler.Level()}},
			StateNonce: stateNonce,
			Scheduler:  scheduler,
		}
		id, _, err := tx.pendingChange("approve", ref)
		if err != nil {
			return err
		}
		if err := checkRank(approver, scheduler, "cannot approve operation from higher level"); err != nil {
			return err
		}
		if err := tx.checkNotFrozen(scheduler, "scheduler level is frozen"); err != nil {
			return err
		}
		opID, err := operatorID(operator, scheduler.Level())
		if err != nil {
			return err
		}
		tx.addParticipant(opID)
		delete(tx.state.PendingChanges, id)
		tx.bumpNonce()
		tx.emit(ConfigApplied{ID: id, Sender: approver.Address})
		return nil
	})
}

// scheduleDirect is the non-boosted scheduling path.
func (tx *txn) scheduleDirect(caller participant.Participant, actions []Action, expectedNonce uint64) (common.Hash, error) {
	if err := tx.authorize(caller, requiredFor(actions)); err != nil {
		return common.Hash{}, err
	}
	if err := tx.checkNotFrozen(caller, "level is frozen"); err != nil {
		return common.Hash{}, err
	}
	return tx.schedule(ChangeRef{Actions: actions, StateNonce: expectedNonce, Scheduler: caller})
}

// schedule records ref as pending. Delay comes from the scheduler's level,
// which for boosted changes is the signer.
func (tx *txn) schedule(ref ChangeRef) (common.Hash, error) {
	if len(ref.Actions) == 0 {
		return common.Hash{}, policyErr("no actions")
	}
	if err := tx.checkNonce(ref.StateNonce); err != nil {
		return common.Hash{}, err
	}
	delay, err := tx.state.delayFor(ref.Scheduler.Level())
	if err != nil {
		return common.Hash{}, err
	}
	for _, a := range ref.Actions {
		if err := validateAction(a); err != nil {
			return common.Hash{}, err
		}
		if _, ok := a.(AddOperatorNow); ok && !tx.state.AddOperatorNow {
			return common.Hash{}, policyErr("call blocked")
		}
	}
	id, err := ref.ID()
	if err != nil {
		return common.Hash{}, err
	}
	if _, ok := tx.state.PendingChanges[id]; ok {
		return common.Hash{}, replayErr("change already pending")
	}
	due := tx.now.Add(delay)
	tx.state.PendingChanges[id] = &PendingChange{Change: ref, DueTime: due}
	tx.emit(ConfigPending{ID: id, Change: ref, DueTime: due})
	return id, nil
}

func validateAction(a Action) error {
	switch a := a.(type) {
	case AddOperator:
		if !a.Level.Valid() {
			return policyErr("invalid operator level")
		}
	case AddOperatorNow:
		if !a.Level.Valid() {
			return policyErr("invalid operator level")
		}
	case nil:
		return policyErr("nil action")
	}
	return nil
}

func (tx *txn) addParticipant(id common.Hash) {
	tx.state.Participants[id] = struct{}{}
	tx.emit(ParticipantAdded{Participant: id})
}

func (tx *txn) removeParticipant(id common.Hash) error {
	if !tx.state.Contains(id) {
		return stateErr("there is no such participant")
	}
	delete(tx.state.Participants, id)
	tx.emit(ParticipantRemoved{Participant: id})
	return nil
}

func (tx *txn) addBypassByTarget(target, policy common.Address) {
	tx.state.BypassByTarget[target] = policy
	tx.emit(BypassByTargetAdded{Target: target, Policy: policy})
}

func (tx *txn) addBypassByMethod(method Selector, policy common.Address) {
	tx.state.BypassByMethod[method] = policy
	tx.emit(BypassByMethodAdded{Method: method, Policy: policy})
}
