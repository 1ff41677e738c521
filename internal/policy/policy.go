// internal/policy/policy.go
package policy

import (
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"gatekeeper-go/internal/gatekeeper"
)

// Default defers both delay and approvals to the scheduler's level.
var Default = gatekeeper.Decision{
	Delay:             gatekeeper.UseDefaultDelay,
	RequiredApprovals: gatekeeper.UseDefaultApprovals,
	WaitForDelay:      true,
}

// AllowAll lets every call through immediately.
type AllowAll struct{}

func (AllowAll) Evaluate(gatekeeper.BypassCall) gatekeeper.Decision {
	return gatekeeper.Decision{}
}

// Static returns the same decision for every call.
type Static struct {
	Decision gatekeeper.Decision
}

func (s Static) Evaluate(gatekeeper.BypassCall) gatekeeper.Decision {
	return s.Decision
}

// Func adapts a plain function to a policy.
type Func func(call gatekeeper.BypassCall) gatekeeper.Decision

func (f Func) Evaluate(call gatekeeper.BypassCall) gatekeeper.Decision {
	return f(call)
}

const erc20ABI = `[
	{"type":"function","name":"transfer","inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"approve","inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

// ERC20 is the parsed token interface Whitelist inspects.
var ERC20 = mustParseABI(erc20ABI)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}

// Whitelist allows immediate ether sends to, and ERC20 transfer/approve
// calls in favour of, a fixed set of destinations. Anything else falls back
// to the level defaults.
type Whitelist struct {
	mu           sync.RWMutex
	destinations map[common.Address]struct{}
}

func NewWhitelist(destinations ...common.Address) *Whitelist {
	w := &Whitelist{destinations: make(map[common.Address]struct{}, len(destinations))}
	for _, d := range destinations {
		w.destinations[d] = struct{}{}
	}
	return w
}

// Allowed reports whether dest is whitelisted.
func (w *Whitelist) Allowed(dest common.Address) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.destinations[dest]
	return ok
}

func (w *Whitelist) Evaluate(call gatekeeper.BypassCall) gatekeeper.Decision {
	if len(call.Data) == 0 {
		if w.Allowed(call.Target) {
			return gatekeeper.Decision{}
		}
		return Default
	}
	dest, ok := erc20Destination(call.Data)
	if ok && w.Allowed(dest) {
		return gatekeeper.Decision{}
	}
	return Default
}

// erc20Destination extracts the recipient or spender of a transfer or
// approve call.
func erc20Destination(data []byte) (common.Address, bool) {
	if len(data) < 4 {
		return common.Address{}, false
	}
	method, err := ERC20.MethodById(data[:4])
	if err != nil {
		return common.Address{}, false
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil || len(args) == 0 {
		return common.Address{}, false
	}
	dest, ok := args[0].(common.Address)
	return dest, ok
}
