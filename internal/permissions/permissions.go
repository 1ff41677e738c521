// internal/permissions/permissions.go
package permissions

import (
	"fmt"
	"strings"
)

// Permission is a bit set over the fixed capability catalog.
type Permission uint16

// -------------------------------------------------------------------
// Permission bits, shared by the whole module.
// -------------------------------------------------------------------
const (
	CanSpend Permission = 1 << iota
	CanUnfreeze
	CanChangeParticipants
	CanAddOperator
	CanAddOperatorNow
	CanChangeBypass
	CanSetAcceleratedCalls
	CanSetAddOperatorNow
	CanSignBoosts
	CanExecuteBoosts
	CanFreeze
	CanCancel
	CanApprove
)

const (
	CanChangeConfig = CanUnfreeze | CanChangeParticipants | CanAddOperatorNow |
		CanChangeBypass | CanSetAcceleratedCalls | CanSetAddOperatorNow

	Owner    = CanSpend | CanCancel | CanSignBoosts | CanChangeConfig
	Admin    = CanAddOperator | CanExecuteBoosts
	Watchdog = CanFreeze | CanCancel | CanApprove
)

var names = []struct {
	bit  Permission
	name string
}{
	{CanSpend, "CanSpend"},
	{CanUnfreeze, "CanUnfreeze"},
	{CanChangeParticipants, "CanChangeParticipants"},
	{CanAddOperator, "CanAddOperator"},
	{CanAddOperatorNow, "CanAddOperatorNow"},
	{CanChangeBypass, "CanChangeBypass"},
	{CanSetAcceleratedCalls, "CanSetAcceleratedCalls"},
	{CanSetAddOperatorNow, "CanSetAddOperatorNow"},
	{CanSignBoosts, "CanSignBoosts"},
	{CanExecuteBoosts, "CanExecuteBoosts"},
	{CanFreeze, "CanFreeze"},
	{CanCancel, "CanCancel"},
	{CanApprove, "CanApprove"},
}

// Has reports whether every bit of required is present in p.
func (p Permission) Has(required Permission) bool {
	return p&required == required
}

// Missing returns the bits of required that p lacks.
func (p Permission) Missing(required Permission) Permission {
	return required &^ p
}

// String joins the capability names with "+", in catalog order.
func (p Permission) String() string {
	if p == 0 {
		return "none"
	}
	var parts []string
	for _, n := range names {
		if p&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	if rest := p &^ all(); rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", uint16(rest)))
	}
	return strings.Join(parts, "+")
}

func all() Permission {
	var p Permission
	for _, n := range names {
		p |= n.bit
	}
	return p
}
