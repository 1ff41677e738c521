package watchdog_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatekeeper-go/internal/clock"
	"gatekeeper-go/internal/gatekeeper"
	"gatekeeper-go/internal/ledger"
	"gatekeeper-go/internal/participant"
	"gatekeeper-go/internal/permissions"
	"gatekeeper-go/internal/watchdog"
)

const day = 24 * time.Hour

var start = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type inbox struct {
	mu     sync.Mutex
	alerts []watchdog.Alert
	fail   error
}

func (i *inbox) Notify(_ context.Context, a watchdog.Alert) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.alerts = append(i.alerts, a)
	return i.fail
}

func (i *inbox) last() watchdog.Alert {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.alerts[len(i.alerts)-1]
}

type nopExecutor struct{}

func (nopExecutor) Call(context.Context, gatekeeper.BypassCall) error { return nil }

type fixture struct {
	ctx      context.Context
	clock    *clock.Fake
	engine   *gatekeeper.Engine
	inbox    *inbox
	dog      *watchdog.Watchdog
	owner1   participant.Participant
	owner2   participant.Participant
	guardian participant.Participant
}

func member(t *testing.T, perms permissions.Permission, level permissions.Level) participant.Participant {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	p, err := participant.New(crypto.PubkeyToAddress(key.PublicKey), perms, level)
	require.NoError(t, err)
	return p
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		ctx:      context.Background(),
		clock:    clock.NewFake(start),
		inbox:    &inbox{},
		owner1:   member(t, permissions.Owner, 1),
		owner2:   member(t, permissions.Owner, 2),
		guardian: member(t, permissions.Watchdog, 2),
	}
	f.engine = gatekeeper.New(zerolog.Nop(), ledger.NewMemory(), nil, nopExecutor{}, f.clock)
	require.NoError(t, f.engine.InitialConfig(f.ctx, gatekeeper.InitialConfig{
		Participants:      []common.Hash{f.owner1.ID(), f.owner2.ID(), f.guardian.ID()},
		Delays:            []time.Duration{day, 2 * day},
		ApprovalsPerLevel: []uint32{0, 1},
		AcceleratedCalls:  true,
	}))
	f.dog = watchdog.New(zerolog.Nop(), f.engine, f.guardian, []byte("seed"), f.inbox, f.clock)
	return f
}

func (f *fixture) state(t *testing.T) *gatekeeper.State {
	st, err := f.engine.State(f.ctx)
	require.NoError(t, err)
	return st
}

func TestTickAppliesDueChanges(t *testing.T) {
	f := newFixture(t)
	actions := []gatekeeper.Action{gatekeeper.SetAcceleratedCalls{Allowed: false}}
	id, err := f.engine.ChangeConfiguration(f.ctx, f.owner1, actions, 0)
	require.NoError(t, err)

	require.NoError(t, f.dog.Tick(f.ctx))
	alert := f.inbox.last()
	assert.Equal(t, id, alert.ID)
	assert.Equal(t, watchdog.KindChange, alert.Kind)
	assert.Equal(t, start.Add(day), alert.DueTime)
	assert.Len(t, alert.Code, 6)
	assert.Equal(t, f.dog.Code(id), alert.Code)
	assert.Contains(t, alert.Message(), id.Hex())

	pending := f.dog.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].ID)

	// not due yet
	require.NoError(t, f.dog.Tick(f.ctx))
	assert.True(t, f.state(t).AcceleratedCalls)

	f.clock.Advance(day)
	require.NoError(t, f.dog.Tick(f.ctx))
	assert.False(t, f.state(t).AcceleratedCalls)
	assert.Empty(t, f.dog.Pending())

	// the ConfigApplied event is consumed without side effects
	require.NoError(t, f.dog.Tick(f.ctx))
	assert.Len(t, f.inbox.alerts, 1)
}

func TestTickWaitsForApprovals(t *testing.T) {
	f := newFixture(t)
	actions := []gatekeeper.Action{gatekeeper.SetAcceleratedCalls{Allowed: false}}
	_, err := f.engine.ChangeConfiguration(f.ctx, f.owner2, actions, 0)
	require.NoError(t, err)
	ref := gatekeeper.ChangeRef{Actions: actions, StateNonce: 0, Scheduler: f.owner2}

	f.clock.Advance(2 * day)
	require.NoError(t, f.dog.Tick(f.ctx))
	assert.Len(t, f.dog.Pending(), 1)
	assert.True(t, f.state(t).AcceleratedCalls)

	require.NoError(t, f.engine.ApproveConfig(f.ctx, f.guardian, ref))
	require.NoError(t, f.dog.Tick(f.ctx))
	assert.Empty(t, f.dog.Pending())
	assert.False(t, f.state(t).AcceleratedCalls)
}

func TestTickAppliesDueBypassCalls(t *testing.T) {
	f := newFixture(t)
	call := gatekeeper.BypassCall{Target: common.HexToAddress("0x01")}
	id, err := f.engine.ScheduleBypassCall(f.ctx, f.owner1, call, 0)
	require.NoError(t, err)

	require.NoError(t, f.dog.Tick(f.ctx))
	assert.Equal(t, watchdog.KindBypass, f.inbox.last().Kind)
	f.clock.Advance(day)
	require.NoError(t, f.dog.Tick(f.ctx))

	assert.Empty(t, f.dog.Pending())
	assert.NotContains(t, f.state(t).PendingBypassCalls, id)
	assert.Equal(t, uint64(1), f.state(t).StateNonce)
}

func TestCancelByCode(t *testing.T) {
	f := newFixture(t)
	call := gatekeeper.BypassCall{Target: common.HexToAddress("0x01")}
	id, err := f.engine.ScheduleBypassCall(f.ctx, f.owner1, call, 0)
	require.NoError(t, err)

	err = f.dog.CancelByCode(f.ctx, id, "000000")
	assert.ErrorIs(t, err, watchdog.ErrUnknownOperation)

	require.NoError(t, f.dog.Tick(f.ctx))
	code := f.inbox.last().Code
	wrong := "123456"
	if code == wrong {
		wrong = "654321"
	}
	assert.ErrorIs(t, f.dog.CancelByCode(f.ctx, id, wrong), watchdog.ErrBadCode)

	require.NoError(t, f.dog.CancelByCode(f.ctx, id, code))
	assert.Empty(t, f.state(t).PendingBypassCalls)
	assert.Empty(t, f.dog.Pending())
}

func TestCodesDependOnSecret(t *testing.T) {
	f := newFixture(t)
	other := watchdog.New(zerolog.Nop(), f.engine, f.guardian, []byte("another seed"), nil, f.clock)
	id := common.HexToHash("0xabc")
	assert.Equal(t, f.dog.Code(id), f.dog.Code(id))
	assert.NotEqual(t, f.dog.Code(id), other.Code(id))
}

func TestOperationsHandledElsewhereAreDropped(t *testing.T) {
	f := newFixture(t)
	actions := []gatekeeper.Action{gatekeeper.SetAcceleratedCalls{Allowed: false}}
	_, err := f.engine.ChangeConfiguration(f.ctx, f.owner1, actions, 0)
	require.NoError(t, err)
	require.NoError(t, f.dog.Tick(f.ctx))
	require.Len(t, f.dog.Pending(), 1)

	f.clock.Advance(day)
	ref := gatekeeper.ChangeRef{Actions: actions, StateNonce: 0, Scheduler: f.owner1}
	require.NoError(t, f.engine.ApplyConfig(f.ctx, f.owner1, ref))

	require.NoError(t, f.dog.Tick(f.ctx))
	assert.Empty(t, f.dog.Pending())
}

func TestFinishedOperationsAreNotAlerted(t *testing.T) {
	f := newFixture(t)
	cancelled := gatekeeper.BypassCall{Target: common.HexToAddress("0x01")}
	_, err := f.engine.ScheduleBypassCall(f.ctx, f.owner1, cancelled, 0)
	require.NoError(t, err)
	live, err := f.engine.ScheduleBypassCall(f.ctx, f.owner1, gatekeeper.BypassCall{Target: common.HexToAddress("0x02")}, 0)
	require.NoError(t, err)
	ref := gatekeeper.BypassRef{Scheduler: f.owner1, StateNonce: 0, Call: cancelled}
	require.NoError(t, f.engine.CancelBypassCall(f.ctx, f.owner1, ref))

	// a watchdog started after the fact reads the whole log at once
	require.NoError(t, f.dog.Tick(f.ctx))
	require.Len(t, f.inbox.alerts, 1)
	assert.Equal(t, live, f.inbox.alerts[0].ID)
	pending := f.dog.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, live, pending[0].ID)
}

func TestNotifyFailuresAreCollected(t *testing.T) {
	f := newFixture(t)
	f.inbox.fail = errors.New("sms gateway down")
	for _, target := range []string{"0x01", "0x02"} {
		_, err := f.engine.ScheduleBypassCall(f.ctx, f.owner1, gatekeeper.BypassCall{Target: common.HexToAddress(target)}, 0)
		require.NoError(t, err)
	}

	err := f.dog.Tick(f.ctx)
	require.Error(t, err)
	var merr *multierror.Error
	require.ErrorAs(t, err, &merr)
	assert.Len(t, merr.Errors, 2)
	// still tracked
	assert.Len(t, f.dog.Pending(), 2)
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)
	f.dog.SetInterval(time.Millisecond)
	require.NoError(t, f.dog.Start(f.ctx))
	assert.Error(t, f.dog.Start(f.ctx))

	_, err := f.engine.ScheduleBypassCall(f.ctx, f.owner1, gatekeeper.BypassCall{Target: common.HexToAddress("0x01")}, 0)
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return len(f.dog.Pending()) == 1 }, time.Second, time.Millisecond)

	f.dog.Stop()
	f.dog.Stop()
	require.NoError(t, f.dog.Start(f.ctx))
	f.dog.Stop()
}
