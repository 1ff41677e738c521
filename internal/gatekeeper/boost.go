package gatekeeper

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"gatekeeper-go/internal/participant"
	"gatekeeper-go/internal/permissions"
)

// BoostedConfigChange schedules actions pre-signed by another participant.
// The signer becomes the scheduler and sets delay and approvals; the
// booster is recorded for freeze checks at apply time.
func (e *Engine) BoostedConfigChange(
	ctx context.Context,
	booster participant.Participant,
	actions []Action,
	expectedNonce uint64,
	signerPermsLevel permissions.PermsLevel,
	signature []byte,
) (common.Hash, error) {
	var id common.Hash
	err := e.transact(ctx, "boosted_config_change", func(tx *txn) error {
		if err := tx.authorize(booster, permissions.CanExecuteBoosts); err != nil {
			return err
		}
		if err := tx.checkNotFrozen(booster, "level is frozen"); err != nil {
			return err
		}
		hash, err := ChangeHash(actions, expectedNonce)
		if err != nil {
			return err
		}
		addr, err := RecoverSigner(hash, signature)
		if err != nil {
			return authErr("invalid signature")
		}
		signer := participant.Participant{Address: addr, PermsLevel: signerPermsLevel}
		if err := tx.authorize(signer, permissions.CanSignBoosts|requiredFor(actions)); err != nil {
			return err
		}
		id, err = tx.schedule(ChangeRef{
			Actions:    actions,
			StateNonce: expectedNonce,
			Scheduler:  signer,
			Booster:    booster,
		})
		return err
	})
	return id, err
}
