package gatekeeper

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"gatekeeper-go/internal/participant"
	"gatekeeper-go/internal/permissions"
)

// Event is one entry of the append-only log.
type Event interface {
	EventName() string
}

// Record is an Event as committed: sequence number and commit time.
type Record struct {
	Seq   uint64    `json:"seq"`
	Time  time.Time `json:"time"`
	Name  string    `json:"name"`
	Event Event     `json:"event"`
}

type GatekeeperInitialized struct {
	Participants      []common.Hash   `json:"participants"`
	Delays            []time.Duration `json:"delays"`
	ApprovalsPerLevel []uint32        `json:"approvalsPerLevel"`
	AcceleratedCalls  bool            `json:"acceleratedCalls"`
	AddOperatorNow    bool            `json:"addOperatorNow"`
}

type ConfigPending struct {
	ID      common.Hash `json:"id"`
	Change  ChangeRef   `json:"change"`
	DueTime time.Time   `json:"dueTime"`
}

type ConfigApproved struct {
	ID       common.Hash `json:"id"`
	Approver common.Hash `json:"approver"`
}

type ConfigCancelled struct {
	ID     common.Hash    `json:"id"`
	Sender common.Address `json:"sender"`
}

type ConfigApplied struct {
	ID     common.Hash    `json:"id"`
	Sender common.Address `json:"sender"`
}

type BypassCallPending struct {
	ID                common.Hash `json:"id"`
	Ref               BypassRef   `json:"ref"`
	DueTime           time.Time   `json:"dueTime"`
	RequiredApprovals uint32      `json:"requiredApprovals"`
	WaitForDelay      bool        `json:"waitForDelay"`
}

type BypassCallApproved struct {
	ID       common.Hash `json:"id"`
	Approver common.Hash `json:"approver"`
}

type BypassCallCancelled struct {
	ID     common.Hash    `json:"id"`
	Sender common.Address `json:"sender"`
}

// BypassCallApplied reports the executor outcome. A failed dispatch still
// consumes the pending record.
type BypassCallApplied struct {
	ID     common.Hash    `json:"id"`
	Sender common.Address `json:"sender"`
	Status bool           `json:"status"`
}

type BypassCallExecuted struct {
	Sender participant.Participant `json:"sender"`
	Call   BypassCall              `json:"call"`
}

type ParticipantAdded struct {
	Participant common.Hash `json:"participant"`
}

type ParticipantRemoved struct {
	Participant common.Hash `json:"participant"`
}

type LevelFrozen struct {
	Level  permissions.Level `json:"level"`
	Until  time.Time         `json:"until"`
	Sender common.Address    `json:"sender"`
}

type UnfreezeCompleted struct{}

type BypassByTargetAdded struct {
	Target common.Address `json:"target"`
	Policy common.Address `json:"policy"`
}

type BypassByMethodAdded struct {
	Method Selector       `json:"method"`
	Policy common.Address `json:"policy"`
}

type AcceleratedCallsSet struct {
	Allowed bool `json:"allowed"`
}

type AddOperatorNowSet struct {
	Allowed bool `json:"allowed"`
}

func (GatekeeperInitialized) EventName() string { return "GatekeeperInitialized" }
func (ConfigPending) EventName() string         { return "ConfigPending" }
func (ConfigApproved) EventName() string        { return "ConfigApproved" }
func (ConfigCancelled) EventName() string       { return "ConfigCancelled" }
func (ConfigApplied) EventName() string         { return "ConfigApplied" }
func (BypassCallPending) EventName() string     { return "BypassCallPending" }
func (BypassCallApproved) EventName() string    { return "BypassCallApproved" }
func (BypassCallCancelled) EventName() string   { return "BypassCallCancelled" }
func (BypassCallApplied) EventName() string     { return "BypassCallApplied" }
func (BypassCallExecuted) EventName() string    { return "BypassCallExecuted" }
func (ParticipantAdded) EventName() string      { return "ParticipantAdded" }
func (ParticipantRemoved) EventName() string    { return "ParticipantRemoved" }
func (LevelFrozen) EventName() string           { return "LevelFrozen" }
func (UnfreezeCompleted) EventName() string     { return "UnfreezeCompleted" }
func (BypassByTargetAdded) EventName() string   { return "BypassByTargetAdded" }
func (BypassByMethodAdded) EventName() string   { return "BypassByMethodAdded" }
func (AcceleratedCallsSet) EventName() string   { return "AcceleratedCallsSet" }
func (AddOperatorNowSet) EventName() string     { return "AddOperatorNowSet" }

// NewEvent returns a zero value pointer of the named event, for decoders.
func NewEvent(name string) (Event, error) {
	switch name {
	case "GatekeeperInitialized":
		return &GatekeeperInitialized{}, nil
	case "ConfigPending":
		return &ConfigPending{}, nil
	case "ConfigApproved":
		return &ConfigApproved{}, nil
	case "ConfigCancelled":
		return &ConfigCancelled{}, nil
	case "ConfigApplied":
		return &ConfigApplied{}, nil
	case "BypassCallPending":
		return &BypassCallPending{}, nil
	case "BypassCallApproved":
		return &BypassCallApproved{}, nil
	case "BypassCallCancelled":
		return &BypassCallCancelled{}, nil
	case "BypassCallApplied":
		return &BypassCallApplied{}, nil
	case "BypassCallExecuted":
		return &BypassCallExecuted{}, nil
	case "ParticipantAdded":
		return &ParticipantAdded{}, nil
	case "ParticipantRemoved":
		return &ParticipantRemoved{}, nil
	case "LevelFrozen":
		return &LevelFrozen{}, nil
	case "UnfreezeCompleted":
		return &UnfreezeCompleted{}, nil
	case "BypassByTargetAdded":
		return &BypassByTargetAdded{}, nil
	case "BypassByMethodAdded":
		return &BypassByMethodAdded{}, nil
	case "AcceleratedCallsSet":
		return &AcceleratedCallsSet{}, nil
	case "AddOperatorNowSet":
		return &AddOperatorNowSet{}, nil
	}
	return nil, fmt.Errorf("unknown event %q", name)
}
