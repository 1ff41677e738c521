package policy

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"gatekeeper-go/internal/gatekeeper"
)

// Registry maps policy addresses to implementations. The vault's bypass
// tables only hold addresses; the registry is where they resolve.
type Registry struct {
	mu       sync.RWMutex
	policies map[common.Address]gatekeeper.BypassPolicy
}

func NewRegistry() *Registry {
	return &Registry{policies: make(map[common.Address]gatekeeper.BypassPolicy)}
}

// Register binds addr to p, replacing any earlier binding.
func (r *Registry) Register(addr common.Address, p gatekeeper.BypassPolicy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[addr] = p
}

// Policy implements gatekeeper.PolicyResolver.
func (r *Registry) Policy(addr common.Address) (gatekeeper.BypassPolicy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.policies[addr]
	return p, ok
}

// Addresses lists registered policy addresses.
func (r *Registry) Addresses() []common.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]common.Address, 0, len(r.policies))
	for addr := range r.policies {
		out = append(out, addr)
	}
	return out
}
