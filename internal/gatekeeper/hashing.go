package gatekeeper

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	uint8ArrayT   = mustType("uint8[]")
	bytes32ArrayT = mustType("bytes32[]")
	uint256T      = mustType("uint256")
	uint32T       = mustType("uint32")
	addressT      = mustType("address")
	bytesT        = mustType("bytes")

	// (types, args1, args2, nonce)
	changeHashArgs = abi.Arguments{
		{Type: uint8ArrayT}, {Type: bytes32ArrayT}, {Type: bytes32ArrayT}, {Type: uint256T},
	}
	// change hash args followed by scheduler and booster claims
	changeIDArgs = append(append(abi.Arguments{}, changeHashArgs...),
		abi.Argument{Type: addressT}, abi.Argument{Type: uint32T},
		abi.Argument{Type: addressT}, abi.Argument{Type: uint32T},
	)
	// (nonce, sender, senderPermsLevel, target, value, data)
	bypassIDArgs = abi.Arguments{
		{Type: uint256T}, {Type: addressT}, {Type: uint32T},
		{Type: addressT}, {Type: uint256T}, {Type: bytesT},
	}
)

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

func splitActions(actions []Action) ([]uint8, [][32]byte, [][32]byte) {
	types := make([]uint8, len(actions))
	args1 := make([][32]byte, len(actions))
	args2 := make([][32]byte, len(actions))
	for i, a := range actions {
		raw := a.Raw()
		types[i] = uint8(raw.Type)
		args1[i] = raw.Arg1
		args2[i] = raw.Arg2
	}
	return types, args1, args2
}

// ChangeHash is the digest a boost signer signs: the action list and the
// state nonce it was prepared against.
func ChangeHash(actions []Action, stateNonce uint64) (common.Hash, error) {
	types, args1, args2 := splitActions(actions)
	packed, err := changeHashArgs.Pack(types, args1, args2, new(big.Int).SetUint64(stateNonce))
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(packed), nil
}

// ID is the pending-change key. Both claims are part of it, so a change
// can only be applied or cancelled by naming its true origin.
func (r ChangeRef) ID() (common.Hash, error) {
	types, args1, args2 := splitActions(r.Actions)
	packed, err := changeIDArgs.Pack(types, args1, args2, new(big.Int).SetUint64(r.StateNonce),
		r.Scheduler.Address, uint32(r.Scheduler.PermsLevel),
		r.Booster.Address, uint32(r.Booster.PermsLevel),
	)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(packed), nil
}

// ID is the pending-bypass-call key.
func (r BypassRef) ID() (common.Hash, error) {
	data := r.Call.Data
	if data == nil {
		data = []byte{}
	}
	packed, err := bypassIDArgs.Pack(new(big.Int).SetUint64(r.StateNonce),
		r.Scheduler.Address, uint32(r.Scheduler.PermsLevel),
		r.Call.Target, r.Call.value(), data,
	)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(packed), nil
}

var errBadSignature = errors.New("invalid signature length")

// RecoverSigner returns the address that personal-signed hash.
// V may be 0/1 or 27/28.
func RecoverSigner(hash common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, errBadSignature
	}
	s := make([]byte, len(sig))
	copy(s, sig)
	if s[crypto.RecoveryIDOffset] >= 27 {
		s[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash(hash.Bytes()), s)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}
