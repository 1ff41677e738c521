package api_test

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatekeeper-go/internal/api"
	"gatekeeper-go/internal/clock"
	"gatekeeper-go/internal/gatekeeper"
	"gatekeeper-go/internal/ledger"
	"gatekeeper-go/internal/participant"
	"gatekeeper-go/internal/permissions"
	"gatekeeper-go/internal/watchdog"
)

type codes struct {
	last watchdog.Alert
}

func (c *codes) Notify(_ context.Context, a watchdog.Alert) error {
	c.last = a
	return nil
}

type env struct {
	ctx    context.Context
	engine *gatekeeper.Engine
	dog    *watchdog.Watchdog
	codes  *codes
	owner  participant.Participant
	guard  participant.Participant
	keys   map[common.Address]*ecdsa.PrivateKey
	srv    *httptest.Server
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ownerKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	guardKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	owner, err := participant.New(crypto.PubkeyToAddress(ownerKey.PublicKey), permissions.Owner, 1)
	require.NoError(t, err)
	guard, err := participant.New(crypto.PubkeyToAddress(guardKey.PublicKey), permissions.Watchdog, 1)
	require.NoError(t, err)

	clk := clock.NewFake(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	e := &env{ctx: context.Background(), codes: &codes{}, owner: owner, guard: guard}
	e.keys = map[common.Address]*ecdsa.PrivateKey{owner.Address: ownerKey, guard.Address: guardKey}
	e.engine = gatekeeper.New(zerolog.Nop(), ledger.NewMemory(), nil, nil, clk)
	require.NoError(t, e.engine.InitialConfig(e.ctx, gatekeeper.InitialConfig{
		Participants: []common.Hash{owner.ID(), guard.ID()},
		Delays:       []time.Duration{time.Hour},
	}))
	e.dog = watchdog.New(zerolog.Nop(), e.engine, guard, []byte("seed"), e.codes, clk)
	srv := api.NewServer(zerolog.Nop(), e.engine, e.dog)
	srv.EnableOperations(e.engine)
	e.srv = httptest.NewServer(srv.Handler())
	t.Cleanup(e.srv.Close)
	return e
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func postCancel(t *testing.T, url string, id common.Hash, code string) int {
	t.Helper()
	body, err := json.Marshal(map[string]string{"id": id.Hex(), "code": code})
	require.NoError(t, err)
	resp, err := http.Post(url+"/watchdog/cancel", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func TestVaultState(t *testing.T) {
	e := newEnv(t)
	call := gatekeeper.BypassCall{Target: common.HexToAddress("0x01"), Value: big.NewInt(1500000000000000000), Data: []byte{0xde, 0xad}}
	_, err := e.engine.ScheduleBypassCall(e.ctx, e.owner, call, 0)
	require.NoError(t, err)

	var st struct {
		Initialized        bool          `json:"initialized"`
		Participants       []common.Hash `json:"participants"`
		DelaysSeconds      []int64       `json:"delaysSeconds"`
		PendingBypassCalls []struct {
			ValueEther string `json:"valueEther"`
			Data       string `json:"data"`
		} `json:"pendingBypassCalls"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, e.srv.URL+"/vault/state", &st))
	assert.True(t, st.Initialized)
	assert.Len(t, st.Participants, 2)
	assert.Equal(t, []int64{3600}, st.DelaysSeconds)
	require.Len(t, st.PendingBypassCalls, 1)
	assert.Equal(t, "1.5", st.PendingBypassCalls[0].ValueEther)
	assert.Equal(t, "0xdead", st.PendingBypassCalls[0].Data)
}

func TestVaultEvents(t *testing.T) {
	e := newEnv(t)

	var records []struct {
		Seq  uint64 `json:"seq"`
		Name string `json:"name"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, e.srv.URL+"/vault/events", &records))
	require.Len(t, records, 1)
	assert.Equal(t, "GatekeeperInitialized", records[0].Name)

	records = nil
	require.Equal(t, http.StatusOK, getJSON(t, e.srv.URL+"/vault/events?from=2", &records))
	assert.Empty(t, records)

	assert.Equal(t, http.StatusBadRequest, getJSON(t, e.srv.URL+"/vault/events?from=abc", nil))
}

func TestWatchdogEndpoints(t *testing.T) {
	e := newEnv(t)
	call := gatekeeper.BypassCall{Target: common.HexToAddress("0x01"), Value: big.NewInt(2000000000000000000)}
	id, err := e.engine.ScheduleBypassCall(e.ctx, e.owner, call, 0)
	require.NoError(t, err)
	require.NoError(t, e.dog.Tick(e.ctx))

	var pending []struct {
		ID         common.Hash `json:"id"`
		Kind       string      `json:"kind"`
		ValueEther string      `json:"valueEther"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, e.srv.URL+"/watchdog/pending", &pending))
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].ID)
	assert.Equal(t, "bypass", pending[0].Kind)
	assert.Equal(t, "2", pending[0].ValueEther)

	code := e.codes.last.Code
	wrong := "000000"
	if code == wrong {
		wrong = "999999"
	}
	assert.Equal(t, http.StatusForbidden, postCancel(t, e.srv.URL, id, wrong))
	assert.Equal(t, http.StatusNotFound, postCancel(t, e.srv.URL, common.HexToHash("0x01"), code))
	assert.Equal(t, http.StatusOK, postCancel(t, e.srv.URL, id, code))

	st, err := e.engine.State(e.ctx)
	require.NoError(t, err)
	assert.Empty(t, st.PendingBypassCalls)

	resp, err := http.Post(e.srv.URL+"/watchdog/cancel", "application/json", bytes.NewReader([]byte("{")))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEther(t *testing.T) {
	assert.Equal(t, "0", api.Ether(nil))
	assert.Equal(t, "0.000000000000000001", api.Ether(big.NewInt(1)))
	wei, _ := new(big.Int).SetString("123456789000000000000", 10)
	assert.Equal(t, "123.456789", api.Ether(wei))
}

func TestWithoutWatchdog(t *testing.T) {
	e := newEnv(t)
	srv := httptest.NewServer(api.NewServer(zerolog.Nop(), e.engine, nil).Handler())
	defer srv.Close()

	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/vault/state", nil))
	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/watchdog/pending", nil))
}

func TestCancelByMessageAndLink(t *testing.T) {
	e := newEnv(t)
	first, err := e.engine.ScheduleBypassCall(e.ctx, e.owner, gatekeeper.BypassCall{Target: common.HexToAddress("0x01")}, 0)
	require.NoError(t, err)
	second, err := e.engine.ScheduleBypassCall(e.ctx, e.owner, gatekeeper.BypassCall{Target: common.HexToAddress("0x02")}, 0)
	require.NoError(t, err)
	require.NoError(t, e.dog.Tick(e.ctx))

	body, err := json.Marshal(map[string]string{"message": watchdog.Alert{ID: first, Code: e.dog.Code(first)}.Message()})
	require.NoError(t, err)
	resp, err := http.Post(e.srv.URL+"/watchdog/cancel", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err = json.Marshal(map[string]string{"message": "cancel please"})
	require.NoError(t, err)
	resp, err = http.Post(e.srv.URL+"/watchdog/cancel", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	links := watchdog.NewLinkBuilder(e.srv.URL + "/watchdog/cancel")
	link := links.CancelLink(watchdog.Alert{ID: second, Code: e.dog.Code(second)})
	assert.Equal(t, http.StatusOK, getJSON(t, link, nil))
	assert.Equal(t, http.StatusNotFound, getJSON(t, link, nil))
	assert.Equal(t, http.StatusBadRequest, getJSON(t, e.srv.URL+"/watchdog/cancel?id=0x01&code=1", nil))

	st, err := e.engine.State(e.ctx)
	require.NoError(t, err)
	assert.Empty(t, st.PendingBypassCalls)
}
