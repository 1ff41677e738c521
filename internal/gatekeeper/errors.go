package gatekeeper

import "errors"

// Kind classifies a rejected call.
type Kind uint8

const (
	KindAuthorization Kind = iota + 1
	KindState
	KindPolicy
	KindReplay
)

var (
	// ErrAuthorization: missing capability, wrong rank, forged claim.
	ErrAuthorization = errors.New("authorization error")
	// ErrState: wrong nonce, missing record, already initialized, not due.
	ErrState = errors.New("state error")
	// ErrPolicy: limits, freezes, insufficient approvals.
	ErrPolicy = errors.New("policy error")
	// ErrReplay: duplicate approval or schedule.
	ErrReplay = errors.New("replay error")
)

// Error is a synchronous rejection. Reason is stable and is what Error
// returns; errors.Is matches the Kind's sentinel.
type Error struct {
	Kind   Kind
	Reason string
}

func (e *Error) Error() string {
	return e.Reason
}

func (e *Error) Unwrap() error {
	switch e.Kind {
	case KindAuthorization:
		return ErrAuthorization
	case KindState:
		return ErrState
	case KindPolicy:
		return ErrPolicy
	case KindReplay:
		return ErrReplay
	}
	return nil
}

func (k Kind) String() string {
	switch k {
	case KindAuthorization:
		return "authorization"
	case KindState:
		return "state"
	case KindPolicy:
		return "policy"
	case KindReplay:
		return "replay"
	}
	return "unknown"
}

func authErr(reason string) error   { return &Error{Kind: KindAuthorization, Reason: reason} }
func stateErr(reason string) error  { return &Error{Kind: KindState, Reason: reason} }
func policyErr(reason string) error { return &Error{Kind: KindPolicy, Reason: reason} }
func replayErr(reason string) error { return &Error{Kind: KindReplay, Reason: reason} }

// KindOf returns the Kind of a rejection, or 0 for infrastructure errors.
func KindOf(err error) Kind {
	var gkErr *Error
	if errors.As(err, &gkErr) {
		return gkErr.Kind
	}
	return 0
}
