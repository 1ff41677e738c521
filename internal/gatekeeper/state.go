package gatekeeper

import (
	"maps"
	"math/big"
	"slices"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"gatekeeper-go/internal/permissions"
)

// State is everything the vault commits. The engine only ever mutates a
// Clone and hands the clone to the ledger on success.
type State struct {
	Initialized bool

	// Participants holds participant.Hash values only.
	Participants map[common.Hash]struct{}

	// Delays and ApprovalsPerLevel are indexed by level-1.
	Delays            []time.Duration
	ApprovalsPerLevel []uint32

	AcceleratedCalls bool
	AddOperatorNow   bool

	// Policy addresses by call target and by method selector. Target wins.
	BypassByTarget map[common.Address]common.Address
	BypassByMethod map[Selector]common.Address

	Freeze     Freeze
	StateNonce uint64

	PendingChanges     map[common.Hash]*PendingChange
	PendingBypassCalls map[common.Hash]*PendingBypassCall
}

// NewState returns an empty, uninitialized vault.
func NewState() *State {
	return &State{
		Participants:       make(map[common.Hash]struct{}),
		BypassByTarget:     make(map[common.Address]common.Address),
		BypassByMethod:     make(map[Selector]common.Address),
		PendingChanges:     make(map[common.Hash]*PendingChange),
		PendingBypassCalls: make(map[common.Hash]*PendingBypassCall),
	}
}

// Contains implements participant.Set.
func (s *State) Contains(id common.Hash) bool {
	_, ok := s.Participants[id]
	return ok
}

// Clone deep-copies s.
func (s *State) Clone() *State {
	c := &State{
		Initialized:        s.Initialized,
		Participants:       maps.Clone(s.Participants),
		Delays:             slices.Clone(s.Delays),
		ApprovalsPerLevel:  slices.Clone(s.ApprovalsPerLevel),
		AcceleratedCalls:   s.AcceleratedCalls,
		AddOperatorNow:     s.AddOperatorNow,
		BypassByTarget:     maps.Clone(s.BypassByTarget),
		BypassByMethod:     maps.Clone(s.BypassByMethod),
		Freeze:             s.Freeze,
		StateNonce:         s.StateNonce,
		PendingChanges:     make(map[common.Hash]*PendingChange, len(s.PendingChanges)),
		PendingBypassCalls: make(map[common.Hash]*PendingBypassCall, len(s.PendingBypassCalls)),
	}
	// maps.Clone returns nil for a nil map
	if c.Participants == nil {
		c.Participants = make(map[common.Hash]struct{})
	}
	if c.BypassByTarget == nil {
		c.BypassByTarget = make(map[common.Address]common.Address)
	}
	if c.BypassByMethod == nil {
		c.BypassByMethod = make(map[Selector]common.Address)
	}
	for id, p := range s.PendingChanges {
		c.PendingChanges[id] = p.clone()
	}
	for id, p := range s.PendingBypassCalls {
		c.PendingBypassCalls[id] = p.clone()
	}
	return c
}

func (s *State) delayFor(level permissions.Level) (time.Duration, error) {
	if !level.Valid() || int(level) > len(s.Delays) {
		return 0, policyErr("no delay configured for level")
	}
	return s.Delays[level-1], nil
}

// ApprovalsFor is the approval threshold for changes scheduled at level,
// zero where none is configured.
func (s *State) ApprovalsFor(level permissions.Level) uint32 {
	if !level.Valid() || int(level) > len(s.ApprovalsPerLevel) {
		return 0
	}
	return s.ApprovalsPerLevel[level-1]
}

// policyFor resolves a call's bypass policy address, target first.
func (s *State) policyFor(call BypassCall) (common.Address, bool) {
	if p, ok := s.BypassByTarget[call.Target]; ok {
		return p, true
	}
	if sel, ok := SelectorOf(call.Data); ok {
		if p, ok := s.BypassByMethod[sel]; ok {
			return p, true
		}
	}
	return common.Address{}, false
}

// Freeze suspends everything at or below Level until Until.
type Freeze struct {
	Level permissions.Level `json:"level"`
	Until time.Time         `json:"until"`
}

// Active reports whether the freeze still holds at now.
func (f Freeze) Active(now time.Time) bool {
	return f.Level != 0 && now.Before(f.Until)
}

// Covers reports whether level is frozen at now.
func (f Freeze) Covers(level permissions.Level, now time.Time) bool {
	return f.Active(now) && level <= f.Level
}

// PendingChange is a scheduled configuration change.
type PendingChange struct {
	Change    ChangeRef     `json:"change"`
	DueTime   time.Time     `json:"dueTime"`
	Approvers []common.Hash `json:"approvers"`
}

func (p *PendingChange) clone() *PendingChange {
	c := *p
	c.Change.Actions = slices.Clone(p.Change.Actions)
	c.Approvers = slices.Clone(p.Approvers)
	return &c
}

// PendingBypassCall is a scheduled direct call. RequiredApprovals and
// WaitForDelay are fixed by the policy decision at schedule time.
type PendingBypassCall struct {
	Ref               BypassRef     `json:"ref"`
	DueTime           time.Time     `json:"dueTime"`
	RequiredApprovals uint32        `json:"requiredApprovals"`
	WaitForDelay      bool          `json:"waitForDelay"`
	Approvers         []common.Hash `json:"approvers"`
}

func (p *PendingBypassCall) clone() *PendingBypassCall {
	c := *p
	c.Ref.Call = p.Ref.Call.clone()
	c.Approvers = slices.Clone(p.Approvers)
	return &c
}

func hasApprover(approvers []common.Hash, id common.Hash) bool {
	return slices.Contains(approvers, id)
}

// BypassCall is a direct value transfer or contract call out of the vault.
type BypassCall struct {
	Target common.Address `json:"target"`
	Value  *big.Int       `json:"value"`
	Data   []byte         `json:"data"`
}

// value never returns nil.
func (c BypassCall) value() *big.Int {
	if c.Value == nil {
		return new(big.Int)
	}
	return c.Value
}

func (c BypassCall) clone() BypassCall {
	out := BypassCall{Target: c.Target, Data: slices.Clone(c.Data)}
	if c.Value != nil {
		out.Value = new(big.Int).Set(c.Value)
	}
	return out
}
