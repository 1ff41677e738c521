package gatekeeper

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/fxamacker/cbor/v2"

	"gatekeeper-go/internal/participant"
	"gatekeeper-go/internal/permissions"
)

// ActionType tags a configuration action on the wire and in hashes.
type ActionType uint8

const (
	ActionAddParticipant ActionType = iota
	ActionRemoveParticipant
	ActionAddOperator
	ActionAddOperatorNow
	ActionSetAcceleratedCalls
	ActionSetAddOperatorNow
	ActionAddBypassByTarget
	ActionAddBypassByMethod
	ActionUnfreeze
)

func (t ActionType) String() string {
	switch t {
	case ActionAddParticipant:
		return "ADD_PARTICIPANT"
	case ActionRemoveParticipant:
		return "REMOVE_PARTICIPANT"
	case ActionAddOperator:
		return "ADD_OPERATOR"
	case ActionAddOperatorNow:
		return "ADD_OPERATOR_NOW"
	case ActionSetAcceleratedCalls:
		return "SET_ACCELERATED_CALLS"
	case ActionSetAddOperatorNow:
		return "SET_ADD_OPERATOR_NOW"
	case ActionAddBypassByTarget:
		return "ADD_BYPASS_BY_TARGET"
	case ActionAddBypassByMethod:
		return "ADD_BYPASS_BY_METHOD"
	case ActionUnfreeze:
		return "UNFREEZE"
	}
	return fmt.Sprintf("ActionType(%d)", uint8(t))
}

// Selector is the 4-byte method id at the head of call data.
type Selector [4]byte

// SelectorOf returns the selector of data, if data is long enough.
func SelectorOf(data []byte) (Selector, bool) {
	var s Selector
	if len(data) < len(s) {
		return s, false
	}
	copy(s[:], data)
	return s, true
}

func (s Selector) String() string {
	return hexutil.Encode(s[:])
}

func (s Selector) MarshalText() ([]byte, error) {
	return hexutil.Bytes(s[:]).MarshalText()
}

func (s *Selector) UnmarshalText(input []byte) error {
	return hexutil.UnmarshalFixedText("Selector", input, s[:])
}

// RawAction is the canonical (type, arg1, arg2) form of an Action.
type RawAction struct {
	Type ActionType  `json:"type"`
	Arg1 common.Hash `json:"arg1"`
	Arg2 common.Hash `json:"arg2"`
}

// Action is one configuration mutation. The concrete types below are the
// only implementations.
type Action interface {
	Type() ActionType
	Raw() RawAction
	// Required is the capability a scheduler must hold to request it.
	Required() permissions.Permission
}

type AddParticipant struct {
	Participant common.Hash
}

type RemoveParticipant struct {
	Participant common.Hash
}

// AddOperator adds an owner-preset participant at Level.
type AddOperator struct {
	Operator common.Address
	Level    permissions.Level
}

// AddOperatorNow is AddOperator applied on approval instead of after delay.
type AddOperatorNow struct {
	Operator common.Address
	Level    permissions.Level
}

type SetAcceleratedCalls struct {
	Allowed bool
}

type SetAddOperatorNow struct {
	Allowed bool
}

type AddBypassByTarget struct {
	Target common.Address
	Policy common.Address
}

type AddBypassByMethod struct {
	Method Selector
	Policy common.Address
}

type Unfreeze struct{}

func (AddParticipant) Type() ActionType      { return ActionAddParticipant }
func (RemoveParticipant) Type() ActionType   { return ActionRemoveParticipant }
func (AddOperator) Type() ActionType         { return ActionAddOperator }
func (AddOperatorNow) Type() ActionType      { return ActionAddOperatorNow }
func (SetAcceleratedCalls) Type() ActionType { return ActionSetAcceleratedCalls }
func (SetAddOperatorNow) Type() ActionType   { return ActionSetAddOperatorNow }
func (AddBypassByTarget) Type() ActionType   { return ActionAddBypassByTarget }
func (AddBypassByMethod) Type() ActionType   { return ActionAddBypassByMethod }
func (Unfreeze) Type() ActionType            { return ActionUnfreeze }

func (AddParticipant) Required() permissions.Permission    { return permissions.CanChangeParticipants }
func (RemoveParticipant) Required() permissions.Permission { return permissions.CanChangeParticipants }
func (AddOperator) Required() permissions.Permission       { return permissions.CanAddOperator }
func (AddOperatorNow) Required() permissions.Permission    { return permissions.CanAddOperatorNow }
func (SetAcceleratedCalls) Required() permissions.Permission {
	return permissions.CanSetAcceleratedCalls
}
func (SetAddOperatorNow) Required() permissions.Permission { return permissions.CanSetAddOperatorNow }
func (AddBypassByTarget) Required() permissions.Permission { return permissions.CanChangeBypass }
func (AddBypassByMethod) Required() permissions.Permission { return permissions.CanChangeBypass }
func (Unfreeze) Required() permissions.Permission          { return permissions.CanUnfreeze }

func (a AddParticipant) Raw() RawAction {
	return RawAction{Type: a.Type(), Arg1: a.Participant, Arg2: a.Participant}
}

func (a RemoveParticipant) Raw() RawAction {
	return RawAction{Type: a.Type(), Arg1: a.Participant, Arg2: a.Participant}
}

func (a AddOperator) Raw() RawAction {
	return RawAction{Type: a.Type(), Arg1: addressWord(a.Operator), Arg2: uintWord(uint64(a.Level))}
}

func (a AddOperatorNow) Raw() RawAction {
	return RawAction{Type: a.Type(), Arg1: addressWord(a.Operator), Arg2: uintWord(uint64(a.Level))}
}

func (a SetAcceleratedCalls) Raw() RawAction {
	return RawAction{Type: a.Type(), Arg1: boolWord(a.Allowed), Arg2: boolWord(a.Allowed)}
}

func (a SetAddOperatorNow) Raw() RawAction {
	return RawAction{Type: a.Type(), Arg1: boolWord(a.Allowed), Arg2: boolWord(a.Allowed)}
}

func (a AddBypassByTarget) Raw() RawAction {
	return RawAction{Type: a.Type(), Arg1: addressWord(a.Target), Arg2: addressWord(a.Policy)}
}

// bytes4 is left aligned inside a bytes32 word, as Solidity lays it out.
func (a AddBypassByMethod) Raw() RawAction {
	var w common.Hash
	copy(w[:], a.Method[:])
	return RawAction{Type: a.Type(), Arg1: w, Arg2: addressWord(a.Policy)}
}

func (a Unfreeze) Raw() RawAction {
	return RawAction{Type: a.Type()}
}

// operatorID is the participant hash an AddOperator(Now) action commits.
func operatorID(op common.Address, level permissions.Level) (common.Hash, error) {
	pl, err := permissions.Pack(permissions.Owner, level)
	if err != nil {
		return common.Hash{}, err
	}
	return participant.Hash(op, pl), nil
}

// Decode turns a raw action back into its typed variant.
func (r RawAction) Decode() (Action, error) {
	switch r.Type {
	case ActionAddParticipant:
		return AddParticipant{Participant: r.Arg1}, nil
	case ActionRemoveParticipant:
		return RemoveParticipant{Participant: r.Arg1}, nil
	case ActionAddOperator, ActionAddOperatorNow:
		level := binary.BigEndian.Uint64(r.Arg2[24:])
		if !permissions.Level(level).Valid() || level > uint64(permissions.MaxLevel) {
			return nil, fmt.Errorf("invalid operator level %d", level)
		}
		op := common.BytesToAddress(r.Arg1[12:])
		if r.Type == ActionAddOperatorNow {
			return AddOperatorNow{Operator: op, Level: permissions.Level(level)}, nil
		}
		return AddOperator{Operator: op, Level: permissions.Level(level)}, nil
	case ActionSetAcceleratedCalls:
		return SetAcceleratedCalls{Allowed: r.Arg1 != (common.Hash{})}, nil
	case ActionSetAddOperatorNow:
		return SetAddOperatorNow{Allowed: r.Arg1 != (common.Hash{})}, nil
	case ActionAddBypassByTarget:
		return AddBypassByTarget{
			Target: common.BytesToAddress(r.Arg1[12:]),
			Policy: common.BytesToAddress(r.Arg2[12:]),
		}, nil
	case ActionAddBypassByMethod:
		var sel Selector
		copy(sel[:], r.Arg1[:4])
		return AddBypassByMethod{Method: sel, Policy: common.BytesToAddress(r.Arg2[12:])}, nil
	case ActionUnfreeze:
		return Unfreeze{}, nil
	}
	return nil, fmt.Errorf("unknown action type %d", r.Type)
}

// EncodeActions flattens actions into raw form.
func EncodeActions(actions []Action) []RawAction {
	raw := make([]RawAction, len(actions))
	for i, a := range actions {
		raw[i] = a.Raw()
	}
	return raw
}

// DecodeActions is the inverse of EncodeActions.
func DecodeActions(raw []RawAction) ([]Action, error) {
	actions := make([]Action, len(raw))
	for i, r := range raw {
		a, err := r.Decode()
		if err != nil {
			return nil, fmt.Errorf("action %d: %w", i, err)
		}
		actions[i] = a
	}
	return actions, nil
}

// requiredFor is the union of capabilities the actions need.
func requiredFor(actions []Action) permissions.Permission {
	var p permissions.Permission
	for _, a := range actions {
		p |= a.Required()
	}
	return p
}

// ChangeRef names a scheduled configuration change. Its ID is the pending
// record key; Booster is zero for changes scheduled directly.
type ChangeRef struct {
	Actions    []Action
	StateNonce uint64
	Scheduler  participant.Participant
	Booster    participant.Participant
}

// Boosted reports whether the change was submitted on a signer's behalf.
func (r ChangeRef) Boosted() bool {
	return !r.Booster.IsZero()
}

// origin is the participant whose rank the freeze checks apply to.
func (r ChangeRef) origin() (participant.Participant, string) {
	if r.Boosted() {
		return r.Booster, "booster level is frozen"
	}
	return r.Scheduler, "scheduler level is frozen"
}

type changeRefWire struct {
	Actions    []RawAction             `json:"actions"`
	StateNonce uint64                  `json:"stateNonce"`
	Scheduler  participant.Participant `json:"scheduler"`
	Booster    participant.Participant `json:"booster"`
}

func (r ChangeRef) wire() changeRefWire {
	return changeRefWire{
		Actions:    EncodeActions(r.Actions),
		StateNonce: r.StateNonce,
		Scheduler:  r.Scheduler,
		Booster:    r.Booster,
	}
}

func (w changeRefWire) ref() (ChangeRef, error) {
	actions, err := DecodeActions(w.Actions)
	if err != nil {
		return ChangeRef{}, err
	}
	return ChangeRef{Actions: actions, StateNonce: w.StateNonce, Scheduler: w.Scheduler, Booster: w.Booster}, nil
}

func (r ChangeRef) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(r.wire())
}

func (r *ChangeRef) UnmarshalCBOR(data []byte) error {
	var w changeRefWire
	if err := cbor.Unmarshal(data, &w); err != nil {
		return err
	}
	ref, err := w.ref()
	if err != nil {
		return err
	}
	*r = ref
	return nil
}

func (r ChangeRef) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.wire())
}

func (r *ChangeRef) UnmarshalJSON(data []byte) error {
	var w changeRefWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	ref, err := w.ref()
	if err != nil {
		return err
	}
	*r = ref
	return nil
}

func addressWord(a common.Address) common.Hash {
	return common.BytesToHash(a.Bytes())
}

func uintWord(v uint64) common.Hash {
	var w common.Hash
	binary.BigEndian.PutUint64(w[24:], v)
	return w
}

func boolWord(b bool) common.Hash {
	if b {
		return uintWord(1)
	}
	return common.Hash{}
}
