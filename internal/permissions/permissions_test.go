package permissions_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatekeeper-go/internal/permissions"
)

func TestPresets(t *testing.T) {
	assert.True(t, permissions.Owner.Has(permissions.CanSpend|permissions.CanChangeConfig))
	assert.False(t, permissions.Owner.Has(permissions.CanApprove))
	assert.True(t, permissions.Watchdog.Has(permissions.CanFreeze|permissions.CanCancel|permissions.CanApprove))
	assert.False(t, permissions.Admin.Has(permissions.CanCancel))
	assert.True(t, permissions.Admin.Has(permissions.CanExecuteBoosts))
}

func TestMissing(t *testing.T) {
	missing := permissions.Admin.Missing(permissions.CanSignBoosts | permissions.CanUnfreeze | permissions.CanExecuteBoosts)
	assert.Equal(t, permissions.CanSignBoosts|permissions.CanUnfreeze, missing)
	assert.Equal(t, "CanUnfreeze+CanSignBoosts", missing.String())
	assert.Equal(t, "none", permissions.Permission(0).String())
}

func TestPack(t *testing.T) {
	pl, err := permissions.Pack(permissions.Owner, 3)
	require.NoError(t, err)
	perms, level := pl.Unpack()
	assert.Equal(t, permissions.Owner, perms)
	assert.Equal(t, permissions.Level(3), level)
	assert.Equal(t, uint32(3)<<16|uint32(permissions.Owner), binary.BigEndian.Uint32(pl.Bytes()))

	_, err = permissions.Pack(permissions.Owner, 0)
	require.Error(t, err)
	_, err = permissions.Pack(permissions.Owner, 11)
	require.Error(t, err)
}

func TestPackDistinguishesEveryBitAndLevel(t *testing.T) {
	base := permissions.MustPack(permissions.Watchdog, 2)
	for bit := permissions.CanSpend; bit <= permissions.CanApprove; bit <<= 1 {
		flipped := permissions.MustPack(permissions.Watchdog^bit, 2)
		assert.NotEqual(t, base, flipped, bit.String())
	}
	assert.NotEqual(t, base, permissions.MustPack(permissions.Watchdog, 3))
}
