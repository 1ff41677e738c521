package ledger

import (
	"bytes"
	"fmt"
	"reflect"
	"slices"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/fxamacker/cbor/v2"

	"gatekeeper-go/internal/gatekeeper"
	"gatekeeper-go/internal/permissions"
)

// Codec encodes state snapshots and event payloads as canonical CBOR.
type Codec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func NewCodec() (*Codec, error) {
	encOpts := cbor.CanonicalEncOptions()
	// keep nanoseconds and zone so due times survive a round trip
	encOpts.Time = cbor.TimeRFC3339Nano
	enc, err := encOpts.EncMode()
	if err != nil {
		return nil, fmt.Errorf("failed to create CBOR encoder: %w", err)
	}
	dec, err := cbor.DecOptions{
		DupMapKey:       cbor.DupMapKeyEnforcedAPF,
		IndefLength:     cbor.IndefLengthForbidden,
		MaxNestedLevels: 32,
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("failed to create CBOR decoder: %w", err)
	}
	return &Codec{enc: enc, dec: dec}, nil
}

type targetEntry struct {
	Target common.Address
	Policy common.Address
}

type methodEntry struct {
	Method gatekeeper.Selector
	Policy common.Address
}

type changeEntry struct {
	ID      common.Hash
	Pending *gatekeeper.PendingChange
}

type bypassEntry struct {
	ID      common.Hash
	Pending *gatekeeper.PendingBypassCall
}

// snapshot is State with every map flattened into a sorted slice, so equal
// states encode to equal bytes.
type snapshot struct {
	Initialized        bool
	Participants       []common.Hash
	Delays             []time.Duration
	ApprovalsPerLevel  []uint32
	AcceleratedCalls   bool
	AddOperatorNow     bool
	BypassByTarget     []targetEntry
	BypassByMethod     []methodEntry
	FreezeLevel        permissions.Level
	FreezeUntil        time.Time
	StateNonce         uint64
	PendingChanges     []changeEntry
	PendingBypassCalls []bypassEntry
}

func (c *Codec) EncodeState(st *gatekeeper.State) ([]byte, error) {
	snap := snapshot{
		Initialized:       st.Initialized,
		Delays:            st.Delays,
		ApprovalsPerLevel: st.ApprovalsPerLevel,
		AcceleratedCalls:  st.AcceleratedCalls,
		AddOperatorNow:    st.AddOperatorNow,
		FreezeLevel:       st.Freeze.Level,
		FreezeUntil:       st.Freeze.Until,
		StateNonce:        st.StateNonce,
	}
	for id := range st.Participants {
		snap.Participants = append(snap.Participants, id)
	}
	slices.SortFunc(snap.Participants, func(a, b common.Hash) int { return bytes.Compare(a[:], b[:]) })

	for target, policy := range st.BypassByTarget {
		snap.BypassByTarget = append(snap.BypassByTarget, targetEntry{Target: target, Policy: policy})
	}
	slices.SortFunc(snap.BypassByTarget, func(a, b targetEntry) int { return bytes.Compare(a.Target[:], b.Target[:]) })

	for method, policy := range st.BypassByMethod {
		snap.BypassByMethod = append(snap.BypassByMethod, methodEntry{Method: method, Policy: policy})
	}
	slices.SortFunc(snap.BypassByMethod, func(a, b methodEntry) int { return bytes.Compare(a.Method[:], b.Method[:]) })

	for id, p := range st.PendingChanges {
		snap.PendingChanges = append(snap.PendingChanges, changeEntry{ID: id, Pending: p})
	}
	slices.SortFunc(snap.PendingChanges, func(a, b changeEntry) int { return bytes.Compare(a.ID[:], b.ID[:]) })

	for id, p := range st.PendingBypassCalls {
		snap.PendingBypassCalls = append(snap.PendingBypassCalls, bypassEntry{ID: id, Pending: p})
	}
	slices.SortFunc(snap.PendingBypassCalls, func(a, b bypassEntry) int { return bytes.Compare(a.ID[:], b.ID[:]) })

	return c.enc.Marshal(snap)
}

func (c *Codec) DecodeState(data []byte) (*gatekeeper.State, error) {
	var snap snapshot
	if err := c.dec.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("could not decode state snapshot: %w", err)
	}
	st := gatekeeper.NewState()
	st.Initialized = snap.Initialized
	st.Delays = snap.Delays
	st.ApprovalsPerLevel = snap.ApprovalsPerLevel
	st.AcceleratedCalls = snap.AcceleratedCalls
	st.AddOperatorNow = snap.AddOperatorNow
	st.Freeze = gatekeeper.Freeze{Level: snap.FreezeLevel, Until: snap.FreezeUntil}
	st.StateNonce = snap.StateNonce
	for _, id := range snap.Participants {
		st.Participants[id] = struct{}{}
	}
	for _, e := range snap.BypassByTarget {
		st.BypassByTarget[e.Target] = e.Policy
	}
	for _, e := range snap.BypassByMethod {
		st.BypassByMethod[e.Method] = e.Policy
	}
	for _, e := range snap.PendingChanges {
		st.PendingChanges[e.ID] = e.Pending
	}
	for _, e := range snap.PendingBypassCalls {
		st.PendingBypassCalls[e.ID] = e.Pending
	}
	return st, nil
}

func (c *Codec) EncodeEvent(ev gatekeeper.Event) ([]byte, error) {
	return c.enc.Marshal(ev)
}

// DecodeEvent returns the event by value, as the engine emitted it.
func (c *Codec) DecodeEvent(name string, data []byte) (gatekeeper.Event, error) {
	ptr, err := gatekeeper.NewEvent(name)
	if err != nil {
		return nil, err
	}
	if err := c.dec.Unmarshal(data, ptr); err != nil {
		return nil, fmt.Errorf("could not decode %s: %w", name, err)
	}
	return reflect.ValueOf(ptr).Elem().Interface().(gatekeeper.Event), nil
}
