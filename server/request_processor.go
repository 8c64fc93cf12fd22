/*
Request represents a single JSON-RPC call against the ledger
*/
package server

import (
	"context"
	"encoding/json"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/flashbots/escrow-endpoint/adapters/flashbots"
	"github.com/flashbots/escrow-endpoint/ledger"
	"github.com/flashbots/escrow-endpoint/types"
	"github.com/flashbots/escrow-endpoint/utils"
	"github.com/pkg/errors"
)

const (
	maxEventsPerRequest = 1000
	maxNonceLength      = 64
)

// state-changing methods need a signed request carrying a types.CallAuth
var stateChangingMethods = map[string]bool{
	"escrow_deposit":   true,
	"escrow_whitelist": true,
	"escrow_revoke":    true,
	"escrow_blacklist": true,
	"escrow_withdraw":  true,
}

func IsStateChanging(method string) bool {
	return stateChangingMethods[method]
}

type RpcRequest struct {
	ctx             context.Context
	logger          log.Logger
	ledger          *ledger.Ledger
	jsonReq         *types.JsonRpcRequest
	jsonRes         *types.JsonRpcResponse
	caller          *common.Address // nil for unsigned requests
	networkId       string
	requestValidity time.Duration // how far in the future a CallAuth may expire
}

func NewRpcRequest(ctx context.Context, logger log.Logger, l *ledger.Ledger, jsonReq *types.JsonRpcRequest, caller *common.Address, networkId string, requestValidity time.Duration) *RpcRequest {
	return &RpcRequest{
		ctx:             ctx,
		logger:          logger,
		ledger:          l,
		jsonReq:         jsonReq,
		caller:          caller,
		networkId:       networkId,
		requestValidity: requestValidity,
	}
}

func (r *RpcRequest) ProcessRequest() *types.JsonRpcResponse {
	r.logger.Info("JSON-RPC request", "method", r.jsonReq.Method, "caller", utils.AddressPtrToStr(r.caller))

	if r.jsonReq.Method == "" {
		r.writeRpcError("missing method", types.JsonRpcInvalidRequest)
		return r.jsonRes
	}
	if IsStateChanging(r.jsonReq.Method) {
		if r.caller == nil {
			r.writeRpcError("missing "+flashbots.SignatureHeader+" header", types.JsonRpcUnauthorized)
			return r.jsonRes
		}
		if !r.authorize() {
			return r.jsonRes
		}
	}

	switch r.jsonReq.Method {
	case "escrow_deposit":
		r.handle_deposit()
	case "escrow_whitelist":
		r.handle_whitelist()
	case "escrow_revoke":
		r.handle_deactivate(r.ledger.Revoke)
	case "escrow_blacklist":
		r.handle_deactivate(r.ledger.Blacklist)
	case "escrow_withdraw":
		r.handle_withdraw()
	case "escrow_getAllowance":
		r.handle_getAllowance()
	case "escrow_getRecord":
		r.handle_getRecord()
	case "escrow_getBalance":
		r.handle_getBalance()
	case "escrow_manager":
		r.writeRpcResult(r.ledger.Manager())
	case "escrow_getEvents":
		r.handle_getEvents()
	case "escrow_getAccounts":
		r.handle_getAccounts()
	case "net_version":
		r.writeRpcResult(r.networkId)
	default:
		r.writeRpcError("method not found: "+r.jsonReq.Method, types.JsonRpcMethodNotFound)
	}
	return r.jsonRes
}

// authorize takes the CallAuth off the end of the params and binds its nonce
// to the ledger call.
func (r *RpcRequest) authorize() bool {
	n := len(r.jsonReq.Params)
	if n == 0 {
		r.writeRpcError("missing call auth param", types.JsonRpcInvalidParams)
		return false
	}
	auth, err := paramCallAuth(r.jsonReq, n-1)
	if err != nil {
		r.writeRpcError(err.Error(), types.JsonRpcInvalidParams)
		return false
	}
	if auth.Nonce == "" || len(auth.Nonce) > maxNonceLength {
		r.writeRpcError("invalid call auth nonce", types.JsonRpcInvalidParams)
		return false
	}
	expiry := time.Unix(auth.Expiry, 0)
	now := Now()
	if !now.Before(expiry) {
		r.writeRpcError(ledger.ErrRequestExpired.Error(), types.JsonRpcRequestExpired)
		return false
	}
	if expiry.After(now.Add(r.requestValidity)) {
		r.writeRpcError("call auth expires too late, at most "+r.requestValidity.String()+" ahead", types.JsonRpcInvalidParams)
		return false
	}

	stripped := *r.jsonReq
	stripped.Params = r.jsonReq.Params[:n-1]
	r.jsonReq = &stripped
	r.ctx = ledger.WithNonce(r.ctx, ledger.Nonce{Caller: *r.caller, Value: auth.Nonce, Expiry: expiry})
	return true
}

func paramCallAuth(jsonReq *types.JsonRpcRequest, i int) (types.CallAuth, error) {
	var auth types.CallAuth
	if _, ok := jsonReq.Params[i].(map[string]interface{}); !ok {
		return auth, errors.Errorf("param %d: expected call auth object", i)
	}
	raw, err := json.Marshal(jsonReq.Params[i])
	if err != nil {
		return auth, err
	}
	if err := json.Unmarshal(raw, &auth); err != nil {
		return auth, errors.Errorf("param %d: invalid call auth", i)
	}
	return auth, nil
}

// checkParams writes an invalid params error and returns false when the count is wrong.
func (r *RpcRequest) checkParams(n int) bool {
	if err := numParams(r.jsonReq, n); err != nil {
		r.writeRpcError(err.Error(), types.JsonRpcInvalidParams)
		return false
	}
	return true
}

func (r *RpcRequest) amountParam(i int) (*big.Int, bool) {
	amount, err := paramAmount(r.jsonReq, i)
	if err != nil {
		r.writeRpcError(err.Error(), types.JsonRpcInvalidParams)
		return nil, false
	}
	return amount, true
}

func (r *RpcRequest) addressParam(i int) (common.Address, bool) {
	account, err := paramAddress(r.jsonReq, i)
	if err != nil {
		r.writeRpcError(err.Error(), types.JsonRpcInvalidParams)
		return common.Address{}, false
	}
	return account, true
}

func (r *RpcRequest) handle_deposit() {
	if !r.checkParams(1) {
		return
	}
	txHash, err := paramHash(r.jsonReq, 0)
	if err != nil {
		r.writeRpcError(err.Error(), types.JsonRpcInvalidParams)
		return
	}
	if err := r.ledger.Deposit(r.ctx, *r.caller, txHash); err != nil {
		r.writeLedgerError(err)
		return
	}
	r.writeRpcResult(true)
}

func (r *RpcRequest) handle_whitelist() {
	if !r.checkParams(2) {
		return
	}
	account, ok := r.addressParam(0)
	if !ok {
		return
	}
	allowance, ok := r.amountParam(1)
	if !ok {
		return
	}
	if err := r.ledger.Whitelist(r.ctx, *r.caller, account, allowance); err != nil {
		r.writeLedgerError(err)
		return
	}
	r.writeRpcResult(true)
}

func (r *RpcRequest) handle_deactivate(fn func(ctx context.Context, caller, account common.Address) error) {
	if !r.checkParams(1) {
		return
	}
	account, ok := r.addressParam(0)
	if !ok {
		return
	}
	if err := fn(r.ctx, *r.caller, account); err != nil {
		r.writeLedgerError(err)
		return
	}
	r.writeRpcResult(true)
}

func (r *RpcRequest) handle_withdraw() {
	if !r.checkParams(1) {
		return
	}
	amount, ok := r.amountParam(0)
	if !ok {
		return
	}
	if err := r.ledger.Withdraw(r.ctx, *r.caller, amount); err != nil {
		r.writeLedgerError(err)
		return
	}
	r.writeRpcResult(true)
}

func (r *RpcRequest) handle_getAllowance() {
	if !r.checkParams(1) {
		return
	}
	account, ok := r.addressParam(0)
	if !ok {
		return
	}
	allowance, err := r.ledger.GetAllowance(r.ctx, account)
	if err != nil {
		r.writeLedgerError(err)
		return
	}
	r.writeRpcResult(types.AllowanceResponse{
		Allowance:     (*hexutil.Big)(allowance.Allowance),
		Withdrawn:     (*hexutil.Big)(allowance.Withdrawn),
		IsWhitelisted: allowance.IsWhitelisted,
	})
}

func (r *RpcRequest) handle_getRecord() {
	if !r.checkParams(1) {
		return
	}
	account, ok := r.addressParam(0)
	if !ok {
		return
	}
	rec, err := r.ledger.Record(r.ctx, account)
	if err != nil {
		r.writeLedgerError(err)
		return
	}
	r.writeRpcResult(types.RecordResponse{
		Account:       account,
		Allowance:     (*hexutil.Big)(rec.Allowance),
		Withdrawn:     (*hexutil.Big)(rec.Withdrawn),
		Remaining:     (*hexutil.Big)(rec.Remaining()),
		IsWhitelisted: rec.IsWhitelisted,
		IsBlacklisted: rec.IsBlacklisted,
	})
}

func (r *RpcRequest) handle_getBalance() {
	if !r.checkParams(0) {
		return
	}
	balance, err := r.ledger.Balance(r.ctx)
	if err != nil {
		r.writeLedgerError(err)
		return
	}
	r.writeRpcResult((*hexutil.Big)(balance))
}

func (r *RpcRequest) handle_getEvents() {
	if !r.checkParams(2) {
		return
	}
	from, err := paramUint(r.jsonReq, 0)
	if err != nil {
		r.writeRpcError(err.Error(), types.JsonRpcInvalidParams)
		return
	}
	limit, err := paramUint(r.jsonReq, 1)
	if err != nil {
		r.writeRpcError(err.Error(), types.JsonRpcInvalidParams)
		return
	}
	if limit > maxEventsPerRequest {
		limit = maxEventsPerRequest
	}
	events, err := r.ledger.Events(r.ctx, from, int(limit))
	if err != nil {
		r.writeLedgerError(err)
		return
	}
	r.writeRpcResult(events)
}

func (r *RpcRequest) handle_getAccounts() {
	if !r.checkParams(0) {
		return
	}
	accounts, err := r.ledger.Accounts(r.ctx)
	if err != nil {
		r.writeLedgerError(err)
		return
	}
	r.writeRpcResult(accounts)
}
