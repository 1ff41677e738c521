package gatekeeper_test

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatekeeper-go/internal/clock"
	"gatekeeper-go/internal/ethereum"
	"gatekeeper-go/internal/gatekeeper"
	"gatekeeper-go/internal/ledger"
	"gatekeeper-go/internal/participant"
	"gatekeeper-go/internal/permissions"
	"gatekeeper-go/internal/policy"
)

const day = 24 * time.Hour

var (
	start = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	policyAllowAll       = common.HexToAddress("0x000000000000000000000000000000000000a111")
	policyWhitelist      = common.HexToAddress("0x000000000000000000000000000000000000b111")
	policyApproveOnly    = common.HexToAddress("0x000000000000000000000000000000000000c111")
	policyApproveAndWait = common.HexToAddress("0x000000000000000000000000000000000000d111")
	policyUnregistered   = common.HexToAddress("0x000000000000000000000000000000000000e111")

	token         = common.HexToAddress("0xd03ea8624c8c5987235048901fb614fdca89b117")
	otherToken    = common.HexToAddress("0x95ced938f7991cd0dfcb48f0a06a40fa1af46ebc")
	testContract  = common.HexToAddress("0x0e696947a06550def604e82c26fd9e493e576337")
	testContract2 = common.HexToAddress("0x0f5d2fb29fb7d3cfee444a200298f468908cc942")
	brokenTarget  = common.HexToAddress("0x9561c133dd8580860b6b7e504bc5aa500f0f06a7")
	friend        = common.HexToAddress("0x22d491bde2303f2f43325b2108d26f1eaba1e32b")
	stranger      = common.HexToAddress("0xe11ba2b4d45eaed5996cd0823791e0c93114882d")
	destination   = common.HexToAddress("0xacd7a1b8bc1a5d6a5f7c3a8e2b0cbd3dc4fa6c3e")
)

type actor struct {
	participant.Participant
	key *ecdsa.PrivateKey
}

func newActor(t *testing.T, perms permissions.Permission, level permissions.Level) actor {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	p, err := participant.New(crypto.PubkeyToAddress(key.PublicKey), perms, level)
	require.NoError(t, err)
	return actor{Participant: p, key: key}
}

func (a actor) sign(t *testing.T, actions []gatekeeper.Action, nonce uint64) []byte {
	t.Helper()
	sig, err := ethereum.NewSigner(a.key).SignBoost(actions, nonce)
	require.NoError(t, err)
	return sig
}

type recordingExecutor struct {
	mu    sync.Mutex
	calls []gatekeeper.BypassCall
	fail  error
}

func (r *recordingExecutor) Call(_ context.Context, call gatekeeper.BypassCall) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.calls = append(r.calls, call)
	return nil
}

func (r *recordingExecutor) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// flakyLedger fails every Commit while fail is set.
type flakyLedger struct {
	*ledger.Memory
	mu   sync.Mutex
	fail error
}

func (l *flakyLedger) Commit(ctx context.Context, at time.Time, state *gatekeeper.State, records []gatekeeper.Record) error {
	l.mu.Lock()
	fail := l.fail
	l.mu.Unlock()
	if fail != nil {
		return fail
	}
	return l.Memory.Commit(ctx, at, state, records)
}

func (l *flakyLedger) failWith(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fail = err
}

type harness struct {
	t      *testing.T
	ctx    context.Context
	clock  *clock.Fake
	ledger *flakyLedger
	exec   *recordingExecutor
	engine *gatekeeper.Engine

	operatorA actor // owner, level 1
	watchdogA actor // watchdog, level 1
	watchdogB actor // watchdog, level 2
	adminA    actor // admin, level 1
	adminB1   actor // admin, level 3
	operatorC actor // owner, level 4
	watchdogY actor // watchdog, level 4
	watchdogZ actor // watchdog, level 5
}

func approveSelector() gatekeeper.Selector {
	sel, _ := gatekeeper.SelectorOf(policy.ERC20.Methods["approve"].ID)
	return sel
}

// newHarness initializes a vault with delays of level days and approvals
// [0,0,1,2,...,8]. tweak may adjust the bootstrap before it is committed.
func newHarness(t *testing.T, tweak func(h *harness, cfg *gatekeeper.InitialConfig)) *harness {
	t.Helper()
	h := &harness{
		t:         t,
		ctx:       context.Background(),
		clock:     clock.NewFake(start),
		ledger:    &flakyLedger{Memory: ledger.NewMemory()},
		exec:      &recordingExecutor{},
		operatorA: newActor(t, permissions.Owner, 1),
		watchdogA: newActor(t, permissions.Watchdog, 1),
		watchdogB: newActor(t, permissions.Watchdog, 2),
		adminA:    newActor(t, permissions.Admin, 1),
		adminB1:   newActor(t, permissions.Admin, 3),
		operatorC: newActor(t, permissions.Owner, 4),
		watchdogY: newActor(t, permissions.Watchdog, 4),
		watchdogZ: newActor(t, permissions.Watchdog, 5),
	}

	registry := policy.NewRegistry()
	registry.Register(policyAllowAll, policy.AllowAll{})
	registry.Register(policyWhitelist, policy.NewWhitelist(friend))
	registry.Register(policyApproveOnly, policy.Static{Decision: gatekeeper.Decision{
		Delay:             gatekeeper.UseDefaultDelay,
		RequiredApprovals: 1,
		WaitForDelay:      false,
	}})
	registry.Register(policyApproveAndWait, policy.Static{Decision: gatekeeper.Decision{
		Delay:             gatekeeper.UseDefaultDelay,
		RequiredApprovals: 1,
		WaitForDelay:      true,
	}})
	h.engine = gatekeeper.New(zerolog.Nop(), h.ledger, registry, h.exec, h.clock)

	cfg := gatekeeper.InitialConfig{
		AcceleratedCalls:     true,
		AddOperatorNow:       true,
		ApprovalsPerLevel:    []uint32{0, 0, 1, 2, 3, 4, 5, 6, 7, 8},
		BypassTargets:        []common.Address{token, testContract, testContract2, brokenTarget},
		BypassTargetPolicies: []common.Address{policyAllowAll, policyApproveOnly, policyApproveAndWait, policyUnregistered},
		BypassMethods:        []gatekeeper.Selector{approveSelector()},
		BypassMethodPolicies: []common.Address{policyWhitelist},
	}
	for level := 1; level <= 10; level++ {
		cfg.Delays = append(cfg.Delays, time.Duration(level)*day)
	}
	for _, a := range h.all() {
		cfg.Participants = append(cfg.Participants, a.ID())
	}
	if tweak != nil {
		tweak(h, &cfg)
	}
	require.NoError(t, h.engine.InitialConfig(h.ctx, cfg))
	return h
}

func (h *harness) all() []actor {
	return []actor{h.operatorA, h.watchdogA, h.watchdogB, h.adminA, h.adminB1, h.operatorC, h.watchdogY, h.watchdogZ}
}

func (h *harness) state() *gatekeeper.State {
	st, err := h.engine.State(h.ctx)
	require.NoError(h.t, err)
	return st
}

func (h *harness) nonce() uint64 {
	return h.state().StateNonce
}

func (h *harness) isParticipant(p participant.Participant) bool {
	ok, err := h.engine.IsParticipant(h.ctx, p)
	require.NoError(h.t, err)
	return ok
}

// mark returns the sequence number the next event will get.
func (h *harness) mark() uint64 {
	records, err := h.engine.Events(h.ctx, 0)
	require.NoError(h.t, err)
	return uint64(len(records)) + 1
}

func (h *harness) eventsSince(mark uint64) []gatekeeper.Record {
	records, err := h.engine.Events(h.ctx, mark)
	require.NoError(h.t, err)
	return records
}

func (h *harness) namesSince(mark uint64) []string {
	var names []string
	for _, r := range h.eventsSince(mark) {
		names = append(names, r.Name)
	}
	return names
}

func (h *harness) snapshot() []byte {
	codec, err := ledger.NewCodec()
	require.NoError(h.t, err)
	data, err := codec.EncodeState(h.state())
	require.NoError(h.t, err)
	return data
}

func (h *harness) changeRef(scheduler actor, nonce uint64, actions ...gatekeeper.Action) gatekeeper.ChangeRef {
	return gatekeeper.ChangeRef{Actions: actions, StateNonce: nonce, Scheduler: scheduler.Participant}
}

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18))
}

func requireRejected(t *testing.T, err error, kind error, reason string) {
	t.Helper()
	require.Error(t, err)
	assert.ErrorIs(t, err, kind)
	assert.EqualError(t, err, reason)
}
