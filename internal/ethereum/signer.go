package ethereum

import (
	"crypto/ecdsa"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"gatekeeper-go/internal/gatekeeper"
)

// Signer produces personal_sign style signatures, as a wallet would.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

func NewSigner(key *ecdsa.PrivateKey) *Signer {
	return &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

func (s *Signer) Address() common.Address {
	return s.address
}

// SignHash signs the EIP-191 text hash of hash. V is 27 or 28.
func (s *Signer) SignHash(hash common.Hash) ([]byte, error) {
	sig, err := crypto.Sign(accounts.TextHash(hash.Bytes()), s.key)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// SignBoost signs actions prepared against stateNonce, for submission by a
// booster through BoostedConfigChange.
func (s *Signer) SignBoost(actions []gatekeeper.Action, stateNonce uint64) ([]byte, error) {
	hash, err := gatekeeper.ChangeHash(actions, stateNonce)
	if err != nil {
		return nil, err
	}
	return s.SignHash(hash)
}
