/*
 * Escrow endpoint E2E tests: HTTP server, redis state and payouts through a mock node.
 */
package server

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/flashbots/escrow-endpoint/adapters/payout"
	"github.com/flashbots/escrow-endpoint/application"
	"github.com/flashbots/escrow-endpoint/database"
	"github.com/flashbots/escrow-endpoint/ledger"
	"github.com/flashbots/escrow-endpoint/testutils"
	"github.com/flashbots/escrow-endpoint/types"
	"github.com/flashbots/escrow-endpoint/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	managerKey, aliceKey, bobKey, custodyKey *ecdsa.PrivateKey
	managerAddr, aliceAddr, bobAddr          common.Address
	custodyAddr                              common.Address
)

func mustKey(hexKey string) *ecdsa.PrivateKey {
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		panic(err)
	}
	return key
}

func init() {
	managerKey = mustKey("7bdeed70a07d5a45546e83a88dd430f71348592e747d2d3eb23f32db003eb0e1")
	aliceKey = mustKey("b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291")
	bobKey = mustKey("8a1f9a8f95be41cd7ccb6168179afb4504aefe388d1e14474d32c45c72ce7b7a")
	custodyKey = mustKey("49a7b37aa6f6645917e7b807e9d1c00d4fa71f18343b0d4122a4d2df64dd6fee")

	managerAddr = crypto.PubkeyToAddress(managerKey.PublicKey)
	aliceAddr = crypto.PubkeyToAddress(aliceKey.PublicKey)
	bobAddr = crypto.PubkeyToAddress(bobKey.PublicKey)
	custodyAddr = crypto.PubkeyToAddress(custodyKey.PublicKey)
}

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18))
}

// Reset the escrow endpoint, redis and mock node
func resetTestServers(t *testing.T) (*EscrowEndpointServer, *miniredis.Miniredis) {
	t.Helper()
	return resetTestServersWith(t, false)
}

// resetTestServersWith sends payouts through the mock relay when private is set
func resetTestServersWith(t *testing.T, private bool) (*EscrowEndpointServer, *miniredis.Miniredis) {
	t.Helper()
	ctx := context.Background()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	// Create a fresh mock backend server (covers for both eth node and relay)
	testutils.MockRpcBackendReset()
	backend := httptest.NewServer(http.HandlerFunc(testutils.RpcBackendHandler))
	t.Cleanup(backend.Close)

	payoutCfg := payout.Configuration{Key: custodyKey, NodeUrl: backend.URL, PollInterval: time.Millisecond}
	if private {
		payoutCfg.RelayUrl = backend.URL
	}
	sender, err := payout.NewSender(ctx, payoutCfg)
	require.NoError(t, err)

	s, err := NewEscrowEndpointServer(ctx, Configuration{
		DB:           database.NewMemStore(),
		Deposits:     sender.Deposits(1),
		Logger:       log.New(),
		Manager:      managerAddr,
		RedisUrl:     mr.Addr(),
		ReplayWindow: 10 * time.Minute,
		Transferer:   sender,
		Version:      "test",
	})
	require.NoError(t, err)

	endpoint := httptest.NewServer(s.server.Handler)
	t.Cleanup(endpoint.Close)
	testutils.RpcEndpointUrl = endpoint.URL
	return s, mr
}

// authed builds a state-changing call with a fresh call auth
func authed(id int, method string, params ...interface{}) *types.JsonRpcRequest {
	return types.NewAuthedJsonRpcRequest(id, method, time.Minute, params...)
}

func getAllowance(t *testing.T, account common.Address) types.AllowanceResponse {
	t.Helper()
	var res types.AllowanceResponse
	testutils.SendRpcOrFailNow(t, types.NewJsonRpcRequest1(1, "escrow_getAllowance", account.Hex()), nil, &res)
	return res
}

func getBalance(t *testing.T) *big.Int {
	t.Helper()
	var res hexutil.Big
	testutils.SendRpcOrFailNow(t, types.NewJsonRpcRequest(1, "escrow_getBalance", nil), nil, &res)
	return res.ToInt()
}

func getEvents(t *testing.T) []ledger.Event {
	t.Helper()
	var res []ledger.Event
	testutils.SendRpcOrFailNow(t, types.NewJsonRpcRequest(1, "escrow_getEvents", []interface{}{0, 100}), nil, &res)
	return res
}

// deposit sends amount to custody on the mock chain and credits it
func deposit(t *testing.T, key *ecdsa.PrivateKey, amount *big.Int) common.Hash {
	t.Helper()
	txHash := testutils.MockBackendMineTransfer(key, custodyAddr, amount)
	testutils.SendRpcOrFailNow(t, authed(1, "escrow_deposit", txHash.Hex()), key, nil)
	return txHash
}

func whitelistReq(account common.Address, allowance *big.Int) *types.JsonRpcRequest {
	return authed(1, "escrow_whitelist", account.Hex(), hexutil.EncodeBig(allowance))
}

func whitelist(t *testing.T, account common.Address, allowance *big.Int) {
	t.Helper()
	testutils.SendRpcOrFailNow(t, whitelistReq(account, allowance), managerKey, nil)
}

func withdrawReq(id int, amount *big.Int) *types.JsonRpcRequest {
	return authed(id, "escrow_withdraw", hexutil.EncodeBig(amount))
}

func requireRpcError(t *testing.T, respData []byte, code int) {
	t.Helper()
	res := new(types.JsonRpcResponse)
	require.NoError(t, json.Unmarshal(respData, res))
	require.NotNil(t, res.Error, "expected rpc error %d", code)
	require.Equal(t, code, res.Error.Code, res.Error.Message)
}

func TestE2EDepositWhitelistWithdraw(t *testing.T) {
	resetTestServers(t)

	// A deposits 1.0
	txHash := deposit(t, aliceKey, ether(1))
	assert.Equal(t, 0, ether(1).Cmp(getBalance(t)))

	// unknown until whitelisted
	allowance := getAllowance(t, aliceAddr)
	assert.Equal(t, int64(0), allowance.Allowance.ToInt().Int64())
	assert.False(t, allowance.IsWhitelisted)

	// manager whitelists A with 10.0
	whitelist(t, aliceAddr, ether(10))
	allowance = getAllowance(t, aliceAddr)
	assert.Equal(t, 0, ether(10).Cmp(allowance.Allowance.ToInt()))
	assert.Equal(t, int64(0), allowance.Withdrawn.ToInt().Int64())
	assert.True(t, allowance.IsWhitelisted)

	// A withdraws 1.0, paid out from custody
	testutils.SendRpcOrFailNow(t, withdrawReq(1, ether(1)), aliceKey, nil)
	assert.Equal(t, int64(0), getBalance(t).Int64())
	allowance = getAllowance(t, aliceAddr)
	assert.Equal(t, 0, ether(10).Cmp(allowance.Allowance.ToInt()))
	assert.Equal(t, 0, ether(1).Cmp(allowance.Withdrawn.ToInt()))
	assert.True(t, allowance.IsWhitelisted)

	sent, _ := testutils.MockBackendSent()
	require.Equal(t, 1, len(sent))
	assert.Equal(t, aliceAddr, *sent[0].To())
	assert.Equal(t, 0, ether(1).Cmp(sent[0].Value()))

	// again, with nothing left in custody
	rpcErr := testutils.SendRpcExpectError(t, withdrawReq(2, ether(1)), aliceKey, types.JsonRpcInsufficientBalance)
	assert.Equal(t, "Insufficient contract balance", rpcErr.Message)
	sent, _ = testutils.MockBackendSent()
	assert.Equal(t, 1, len(sent))

	events := getEvents(t)
	require.Equal(t, 3, len(events))
	assert.Equal(t, ledger.EventDeposited, events[0].Kind)
	assert.Equal(t, aliceAddr, events[0].Account)
	assert.Equal(t, 0, ether(1).Cmp(events[0].Amount.ToInt()))
	assert.Equal(t, txHash, *events[0].TxHash)
	assert.Equal(t, ledger.EventWhitelisted, events[1].Kind)
	assert.Equal(t, 0, ether(10).Cmp(events[1].Amount.ToInt()))
	assert.Equal(t, ledger.EventWithdrawn, events[2].Kind)
	assert.Equal(t, 0, ether(1).Cmp(events[2].Amount.ToInt()))
}

func TestE2EWithdrawAboveAllowance(t *testing.T) {
	resetTestServers(t)
	halfEther := new(big.Int).Div(ether(1), big.NewInt(2))

	whitelist(t, aliceAddr, halfEther)
	deposit(t, aliceKey, ether(1))

	rpcErr := testutils.SendRpcExpectError(t, withdrawReq(1, ether(1)), aliceKey, types.JsonRpcInsufficientAllowance)
	assert.Equal(t, "Insufficient allowance", rpcErr.Message)
	assert.Equal(t, 0, ether(1).Cmp(getBalance(t)))

	sent, _ := testutils.MockBackendSent()
	assert.Equal(t, 0, len(sent))
}

func TestE2ERevokeAndBlacklist(t *testing.T) {
	resetTestServers(t)
	deposit(t, bobKey, ether(5))
	whitelist(t, aliceAddr, ether(2))
	testutils.SendRpcOrFailNow(t, withdrawReq(1, ether(1)), aliceKey, nil)

	// revoke keeps the amounts
	testutils.SendRpcOrFailNow(t, authed(1, "escrow_revoke", aliceAddr.Hex()), managerKey, nil)
	allowance := getAllowance(t, aliceAddr)
	assert.False(t, allowance.IsWhitelisted)
	assert.Equal(t, 0, ether(2).Cmp(allowance.Allowance.ToInt()))
	assert.Equal(t, 0, ether(1).Cmp(allowance.Withdrawn.ToInt()))
	testutils.SendRpcExpectError(t, withdrawReq(2, ether(1)), aliceKey, types.JsonRpcNotWhitelisted)

	// whitelisting again starts a fresh grant
	whitelist(t, aliceAddr, ether(2))
	allowance = getAllowance(t, aliceAddr)
	assert.True(t, allowance.IsWhitelisted)
	assert.Equal(t, int64(0), allowance.Withdrawn.ToInt().Int64())

	// blacklist is permanent
	testutils.SendRpcOrFailNow(t, authed(1, "escrow_blacklist", aliceAddr.Hex()), managerKey, nil)
	testutils.SendRpcExpectError(t, withdrawReq(3, ether(1)), aliceKey, types.JsonRpcNotWhitelisted)
	testutils.SendRpcExpectError(t, whitelistReq(aliceAddr, ether(1)), managerKey, types.JsonRpcBlacklisted)

	var rec types.RecordResponse
	testutils.SendRpcOrFailNow(t, types.NewJsonRpcRequest1(1, "escrow_getRecord", aliceAddr.Hex()), nil, &rec)
	assert.True(t, rec.IsBlacklisted)
	assert.False(t, rec.IsWhitelisted)

	// only the manager manages
	rpcErr := testutils.SendRpcExpectError(t, whitelistReq(bobAddr, ether(1)), bobKey, types.JsonRpcForbidden)
	assert.Equal(t, "Only manager can perform this action", rpcErr.Message)
	testutils.SendRpcExpectError(t, authed(4, "escrow_revoke", bobAddr.Hex()), bobKey, types.JsonRpcForbidden)
}

func TestE2EFailedPayoutRestoresLedger(t *testing.T) {
	resetTestServers(t)
	deposit(t, bobKey, ether(3))
	whitelist(t, aliceAddr, ether(2))

	testutils.SetMockBackendFailSend(true)
	withdraw := withdrawReq(1, ether(1))
	testutils.SendRpcExpectError(t, withdraw, aliceKey, types.JsonRpcTransferFailed)

	assert.Equal(t, 0, ether(3).Cmp(getBalance(t)))
	allowance := getAllowance(t, aliceAddr)
	assert.Equal(t, int64(0), allowance.Withdrawn.ToInt().Int64())
	events := getEvents(t)
	require.Equal(t, 4, len(events))
	assert.Equal(t, ledger.EventWithdrawn, events[2].Kind)
	assert.Equal(t, ledger.EventWithdrawalReverted, events[3].Kind)

	// the identical request can be retried once the node accepts transactions
	testutils.SetMockBackendFailSend(false)
	testutils.SendRpcOrFailNow(t, withdraw, aliceKey, nil)
	assert.Equal(t, 0, ether(2).Cmp(getBalance(t)))
	sent, _ := testutils.MockBackendSent()
	assert.Equal(t, 1, len(sent))
}

func TestE2EExpiredPrivatePayoutRestoresLedger(t *testing.T) {
	resetTestServersWith(t, true)
	deposit(t, bobKey, ether(3))
	whitelist(t, aliceAddr, ether(2))

	// the relay takes the payout but it is never mined
	testutils.SetMockBackendDropPrivate(true)
	withdraw := withdrawReq(1, ether(1))
	testutils.SendRpcExpectError(t, withdraw, aliceKey, types.JsonRpcTransferFailed)
	assert.Equal(t, 0, ether(3).Cmp(getBalance(t)))
	assert.Equal(t, int64(0), getAllowance(t, aliceAddr).Withdrawn.ToInt().Int64())

	testutils.SetMockBackendDropPrivate(false)
	testutils.SendRpcOrFailNow(t, withdraw, aliceKey, nil)
	assert.Equal(t, 0, ether(2).Cmp(getBalance(t)))

	// the second payout took the nonce of the expired one
	_, private := testutils.MockBackendSent()
	require.Equal(t, 2, len(private))
	assert.Equal(t, private[0].Nonce(), private[1].Nonce())
}

func TestE2EDepositVerified(t *testing.T) {
	resetTestServers(t)

	// nothing sent, nothing credited
	unknown := common.HexToHash("0xd3c21bcecceda1000000")
	testutils.SendRpcExpectError(t, authed(1, "escrow_deposit", unknown.Hex()), bobKey, types.JsonRpcInvalidDeposit)

	// someone else's transfer
	txHash := testutils.MockBackendMineTransfer(aliceKey, custodyAddr, ether(1))
	testutils.SendRpcExpectError(t, authed(1, "escrow_deposit", txHash.Hex()), bobKey, types.JsonRpcInvalidDeposit)

	// not sent to custody
	toBob := testutils.MockBackendMineTransfer(aliceKey, bobAddr, ether(1))
	testutils.SendRpcExpectError(t, authed(1, "escrow_deposit", toBob.Hex()), aliceKey, types.JsonRpcInvalidDeposit)
	assert.Equal(t, int64(0), getBalance(t).Int64())

	testutils.SendRpcOrFailNow(t, authed(1, "escrow_deposit", txHash.Hex()), aliceKey, nil)
	testutils.SendRpcExpectError(t, authed(2, "escrow_deposit", txHash.Hex()), aliceKey, types.JsonRpcDepositCredited)
	assert.Equal(t, 0, ether(1).Cmp(getBalance(t)))
}

func TestE2ESignedCallReplay(t *testing.T) {
	_, mr := resetTestServers(t)
	deposit(t, bobKey, ether(1))

	grant := whitelistReq(aliceAddr, big.NewInt(100))
	grantBody, err := json.Marshal(grant)
	require.NoError(t, err)
	_, status, err := utils.PostSigned(testutils.RpcEndpointUrl, grantBody, managerKey)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, status)

	testutils.SendRpcOrFailNow(t, withdrawReq(1, big.NewInt(100)), aliceKey, nil)
	testutils.SendRpcOrFailNow(t, authed(1, "escrow_revoke", aliceAddr.Hex()), managerKey, nil)

	requireRevoked := func() {
		t.Helper()
		allowance := getAllowance(t, aliceAddr)
		assert.False(t, allowance.IsWhitelisted)
		assert.Equal(t, int64(100), allowance.Withdrawn.ToInt().Int64())
	}

	// the cached response is gone, the spent nonce is not
	application.Now = func() time.Time { return time.Now().Add(11 * time.Minute) }
	defer func() { application.Now = time.Now }()
	respData, status, err := utils.PostSigned(testutils.RpcEndpointUrl, grantBody, managerKey)
	require.NoError(t, err)
	require.Equal(t, http.StatusConflict, status)
	requireRpcError(t, respData, types.JsonRpcNonceUsed)
	requireRevoked()

	// nor after a restart
	s2, err := NewEscrowEndpointServer(context.Background(), Configuration{
		Logger:       log.New(),
		Manager:      managerAddr,
		RedisUrl:     mr.Addr(),
		ReplayWindow: time.Minute,
	})
	require.NoError(t, err)
	endpoint2 := httptest.NewServer(s2.Handler())
	defer endpoint2.Close()
	respData, status, err = utils.PostSigned(endpoint2.URL, grantBody, managerKey)
	require.NoError(t, err)
	require.Equal(t, http.StatusConflict, status)
	requireRpcError(t, respData, types.JsonRpcNonceUsed)
	requireRevoked()

	// and once expired, the body is refused before reaching the ledger
	Now = func() time.Time { return time.Now().Add(11 * time.Minute) }
	defer func() { Now = time.Now }()
	respData, status, err = utils.PostSigned(endpoint2.URL, grantBody, managerKey)
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, status)
	requireRpcError(t, respData, types.JsonRpcRequestExpired)
	requireRevoked()
}

func TestE2EStateSurvivesRestart(t *testing.T) {
	s, mr := resetTestServers(t)
	deposit(t, aliceKey, ether(1))
	whitelist(t, aliceAddr, ether(1))

	// a second endpoint over the same redis
	s2, err := NewEscrowEndpointServer(context.Background(), Configuration{
		Logger:   log.New(),
		Manager:  managerAddr,
		RedisUrl: mr.Addr(),
	})
	require.NoError(t, err)
	allowance, err := s2.Ledger().GetAllowance(context.Background(), aliceAddr)
	require.NoError(t, err)
	assert.True(t, allowance.IsWhitelisted)
	assert.Equal(t, s.Ledger().Manager(), s2.Ledger().Manager())

	// but not for another manager
	_, err = NewEscrowEndpointServer(context.Background(), Configuration{
		Logger:   log.New(),
		Manager:  bobAddr,
		RedisUrl: mr.Addr(),
	})
	require.ErrorIs(t, err, ledger.ErrManagerMismatch)
}

func TestE2ETwoEndpointsOneRedis(t *testing.T) {
	s1, mr := resetTestServers(t)
	deposit(t, bobKey, ether(10))
	whitelist(t, aliceAddr, big.NewInt(100))

	s2, err := NewEscrowEndpointServer(context.Background(), Configuration{
		Logger:   log.New(),
		Manager:  managerAddr,
		RedisUrl: mr.Addr(),
	})
	require.NoError(t, err)

	// both instances try to pay out the whole allowance at once
	ctx := context.Background()
	errs := make(chan error, 2)
	for _, s := range []*EscrowEndpointServer{s1, s2} {
		go func(s *EscrowEndpointServer) {
			errs <- s.Ledger().Withdraw(ctx, aliceAddr, big.NewInt(100))
		}(s)
	}
	succeeded := 0
	for i := 0; i < 2; i++ {
		if err := <-errs; err == nil {
			succeeded++
		} else {
			require.ErrorIs(t, err, ledger.ErrInsufficientAllowance)
		}
	}
	require.Equal(t, 1, succeeded)
	assert.Equal(t, int64(100), getAllowance(t, aliceAddr).Withdrawn.ToInt().Int64())
	assert.Equal(t, 0, new(big.Int).Sub(ether(10), big.NewInt(100)).Cmp(getBalance(t)))
}

func TestE2EManagerAndNetVersion(t *testing.T) {
	resetTestServers(t)

	var manager common.Address
	testutils.SendRpcOrFailNow(t, types.NewJsonRpcRequest(1, "escrow_manager", nil), nil, &manager)
	assert.Equal(t, managerAddr, manager)

	var networkId string
	testutils.SendRpcOrFailNow(t, types.NewJsonRpcRequest(1, "net_version", nil), nil, &networkId)
	assert.Equal(t, "1", networkId)

	res, err := testutils.SendBatchRpcAndParseResponse([]*types.JsonRpcRequest{
		types.NewJsonRpcRequest(1, "escrow_manager", nil),
		types.NewJsonRpcRequest(2, "net_version", nil),
	}, nil)
	require.NoError(t, err)
	require.Equal(t, 2, len(res))
	assert.True(t, strings.EqualFold(`"`+managerAddr.Hex()+`"`, string(res[0].Result)))
}
