package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
)

// As per JSON-RPC 2.0 Specification
// https://www.jsonrpc.org/specification#error_object
const (
	JsonRpcParseError     = -32700
	JsonRpcInvalidRequest = -32600
	JsonRpcMethodNotFound = -32601
	JsonRpcInvalidParams  = -32602
	JsonRpcInternalError  = -32603
)

// Escrow errors, in the implementation-defined server error range
const (
	JsonRpcUnauthorized          = -32001 // missing or invalid signature
	JsonRpcForbidden             = -32002 // caller is not the manager
	JsonRpcNotWhitelisted        = -32003
	JsonRpcInsufficientAllowance = -32004
	JsonRpcInsufficientBalance   = -32005
	JsonRpcBlacklisted           = -32006
	JsonRpcInvalidAmount         = -32007
	JsonRpcTransferFailed        = -32008
	JsonRpcReentrantCall         = -32009
	JsonRpcNonceUsed             = -32010 // signed call already executed
	JsonRpcRequestExpired        = -32011
	JsonRpcInvalidDeposit        = -32012
	JsonRpcDepositCredited       = -32013
)

type JsonRpcRequest struct {
	Id      interface{}   `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	Version string        `json:"jsonrpc,omitempty"`
}

func NewJsonRpcRequest(id interface{}, method string, params []interface{}) *JsonRpcRequest {
	return &JsonRpcRequest{
		Id:      id,
		Method:  method,
		Params:  params,
		Version: "2.0",
	}
}

func NewJsonRpcRequest1(id interface{}, method string, param interface{}) *JsonRpcRequest {
	return NewJsonRpcRequest(id, method, []interface{}{param})
}

// CallAuth is the last param of every state-changing call. Being part of the
// signed body, it makes the signature good for one execution before Expiry.
type CallAuth struct {
	Nonce  string `json:"nonce"`
	Expiry int64  `json:"expiry"` // unix seconds
}

func NewCallAuth(validity time.Duration) CallAuth {
	return CallAuth{
		Nonce:  uuid.New().String(),
		Expiry: time.Now().Add(validity).Unix(),
	}
}

// NewAuthedJsonRpcRequest appends a fresh CallAuth to params.
func NewAuthedJsonRpcRequest(id interface{}, method string, validity time.Duration, params ...interface{}) *JsonRpcRequest {
	return NewJsonRpcRequest(id, method, append(params, NewCallAuth(validity)))
}

type JsonRpcResponse struct {
	Id      interface{}     `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JsonRpcError   `json:"error,omitempty"`
	Version string          `json:"jsonrpc"`
}

// RpcError: https://www.jsonrpc.org/specification#error_object
type JsonRpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (err JsonRpcError) Error() string {
	return fmt.Sprintf("Error %d (%s)", err.Code, err.Message)
}

func NewJsonRpcResponse(id interface{}, result json.RawMessage) *JsonRpcResponse {
	return &JsonRpcResponse{
		Id:      id,
		Result:  result,
		Version: "2.0",
	}
}

type HealthResponse struct {
	Now       time.Time `json:"time"`
	StartTime time.Time `json:"startTime"`
	Version   string    `json:"version"`
	Manager   string    `json:"manager"`
}

// Result of escrow_getAllowance
type AllowanceResponse struct {
	Allowance     *hexutil.Big `json:"allowance"`
	Withdrawn     *hexutil.Big `json:"withdrawn"`
	IsWhitelisted bool         `json:"isWhitelisted"`
}

// Result of escrow_getRecord
type RecordResponse struct {
	Account       common.Address `json:"account"`
	Allowance     *hexutil.Big   `json:"allowance"`
	Withdrawn     *hexutil.Big   `json:"withdrawn"`
	Remaining     *hexutil.Big   `json:"remaining"`
	IsWhitelisted bool           `json:"isWhitelisted"`
	IsBlacklisted bool           `json:"isBlacklisted"`
}

// Payout transaction submitted privately to the relay, as accepted by eth_sendPrivateTransaction
type SendPrivateTxRequest struct {
	Tx             string                `json:"tx"`
	Preferences    *PrivateTxPreferences `json:"preferences,omitempty"`
	MaxBlockNumber uint64                `json:"maxBlockNumber"`
}

type PrivateTxPreferences struct {
	Fast bool `json:"fast"`
}
