// internal/ethereum/client.go
package ethereum

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	"gatekeeper-go/internal/gatekeeper"
)

// Backend is the slice of ethclient.Client the executor needs.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// Executor dispatches bypass calls as transactions signed by the vault key.
type Executor struct {
	backend Backend
	key     *ecdsa.PrivateKey
	from    common.Address
	chainID *big.Int
	log     zerolog.Logger
}

// Dial connects to an ethereum node and returns an executor for it.
func Dial(ctx context.Context, rpcURL string, key *ecdsa.PrivateKey, log zerolog.Logger) (*Executor, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ethereum node: %w", err)
	}
	return NewExecutor(ctx, client, key, log)
}

// NewExecutor creates an executor over an existing backend.
func NewExecutor(ctx context.Context, backend Backend, key *ecdsa.PrivateKey, log zerolog.Logger) (*Executor, error) {
	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}
	return &Executor{
		backend: backend,
		key:     key,
		from:    crypto.PubkeyToAddress(key.PublicKey),
		chainID: chainID,
		log:     log.With().Str("component", "executor").Logger(),
	}, nil
}

// Address is the account the executor sends from.
func (e *Executor) Address() common.Address {
	return e.from
}

// Call implements gatekeeper.Executor.
func (e *Executor) Call(ctx context.Context, call gatekeeper.BypassCall) error {
	value := call.Value
	if value == nil {
		value = new(big.Int)
	}

	nonce, err := e.backend.PendingNonceAt(ctx, e.from)
	if err != nil {
		return fmt.Errorf("failed to get nonce: %w", err)
	}
	gasPrice, err := e.backend.SuggestGasPrice(ctx)
	if err != nil {
		return fmt.Errorf("failed to get gas price: %w", err)
	}
	target := call.Target
	gas, err := e.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:  e.from,
		To:    &target,
		Value: value,
		Data:  call.Data,
	})
	if err != nil {
		return fmt.Errorf("failed to estimate gas: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &target,
		Value:    value,
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     call.Data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(e.chainID), e.key)
	if err != nil {
		return fmt.Errorf("failed to sign transaction: %w", err)
	}
	if err := e.backend.SendTransaction(ctx, signed); err != nil {
		return fmt.Errorf("failed to send transaction: %w", err)
	}

	e.log.Info().
		Str("tx", signed.Hash().Hex()).
		Str("target", target.Hex()).
		Str("value", value.String()).
		Uint64("nonce", nonce).
		Msg("bypass call sent")
	return nil
}

// ParseKey reads a hex private key, with or without 0x prefix.
func ParseKey(hexKey string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return key, nil
}
