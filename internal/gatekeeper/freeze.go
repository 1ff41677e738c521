package gatekeeper

import (
	"context"
	"time"

	"gatekeeper-go/internal/participant"
	"gatekeeper-go/internal/permissions"
)

// Freeze suspends every participant at or below level for duration. An
// active freeze can only be tightened: same or higher level, same or later
// end.
func (e *Engine) Freeze(ctx context.Context, caller participant.Participant, level permissions.Level, duration time.Duration) error {
	return e.transact(ctx, "freeze", func(tx *txn) error {
		if err := tx.authorize(caller, permissions.CanFreeze); err != nil {
			return err
		}
		if !level.Valid() {
			return policyErr("invalid freeze level")
		}
		if level > caller.Level() {
			return authErr("cannot freeze level that is higher than caller's")
		}
		if duration <= 0 {
			return policyErr("freeze duration must be positive")
		}
		if duration > MaxFreezeDuration {
			return policyErr("freeze duration too long")
		}

		until := tx.now.Add(duration)
		if current := tx.state.Freeze; current.Active(tx.now) {
			if level < current.Level {
				return policyErr("cannot lower the frozen level")
			}
			if until.Before(current.Until) {
				return policyErr("cannot shorten an existing freeze")
			}
		}
		tx.state.Freeze = Freeze{Level: level, Until: until}
		tx.emit(LevelFrozen{Level: level, Until: until, Sender: caller.Address})
		return nil
	})
}
