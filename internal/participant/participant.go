// internal/participant/participant.go
package participant

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"gatekeeper-go/internal/permissions"
)

// Participant is a transient claim: an address plus the permissions and
// level it says it holds. It authorizes nothing until its ID is found in
// the vault's committed participant set.
type Participant struct {
	Address    common.Address         `json:"address"`
	PermsLevel permissions.PermsLevel `json:"permsLevel"`
}

// New packs perms and level into a Participant.
func New(addr common.Address, perms permissions.Permission, level permissions.Level) (Participant, error) {
	pl, err := permissions.Pack(perms, level)
	if err != nil {
		return Participant{}, err
	}
	return Participant{Address: addr, PermsLevel: pl}, nil
}

// Hash derives the opaque identifier stored by the vault:
// keccak256(address ‖ uint32 token).
func Hash(addr common.Address, pl permissions.PermsLevel) common.Hash {
	return crypto.Keccak256Hash(addr.Bytes(), pl.Bytes())
}

// ID is Hash over the claim's fields.
func (p Participant) ID() common.Hash {
	return Hash(p.Address, p.PermsLevel)
}

func (p Participant) Permissions() permissions.Permission {
	return p.PermsLevel.Permissions()
}

func (p Participant) Level() permissions.Level {
	return p.PermsLevel.Level()
}

// IsZero reports an empty claim, used for "no booster".
func (p Participant) IsZero() bool {
	return p.Address == (common.Address{}) && p.PermsLevel == 0
}

// Set is a committed set of participant identifiers.
type Set interface {
	Contains(id common.Hash) bool
}

// Verify recomputes the claim's hash and checks it against the committed
// set. Callers must never trust a claimed PermsLevel without it.
func Verify(set Set, p Participant) bool {
	if p.IsZero() {
		return false
	}
	return set.Contains(p.ID())
}
