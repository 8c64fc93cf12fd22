package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/flashbots/escrow-endpoint/ledger"
	"github.com/flashbots/escrow-endpoint/types"
)

func newRpcError(id interface{}, msg string, errCode int) *types.JsonRpcResponse {
	return &types.JsonRpcResponse{
		Id:      id,
		Version: "2.0",
		Error: &types.JsonRpcError{
			Code:    errCode,
			Message: msg,
		},
	}
}

func (r *RpcRequest) writeRpcError(msg string, errCode int) {
	r.jsonRes = newRpcError(r.jsonReq.Id, msg, errCode)
}

func (r *RpcRequest) writeRpcResult(result interface{}) {
	resBytes, err := json.Marshal(result)
	if err != nil {
		r.logger.Error("[writeRpcResult] error marshalling", "result", result, "error", err)
		r.writeRpcError("internal server error", types.JsonRpcInternalError)
		return
	}
	r.jsonRes = types.NewJsonRpcResponse(r.jsonReq.Id, resBytes)
}

// writeLedgerError reports a failed ledger call. Rejections carry the ledger's
// reason string, infrastructure failures are logged and hidden.
func (r *RpcRequest) writeLedgerError(err error) {
	code := ledgerErrorCode(err)
	switch code {
	case types.JsonRpcInternalError:
		r.logger.Error("[ProcessRequest] ledger call failed", "method", r.jsonReq.Method, "error", err)
		r.writeRpcError("internal server error", code)
	case types.JsonRpcTransferFailed:
		r.logger.Error("[ProcessRequest] payout failed", "method", r.jsonReq.Method, "error", err)
		r.writeRpcError(ledger.ErrTransferFailed.Error(), code)
	default:
		r.logger.Info("[ProcessRequest] rejected", "method", r.jsonReq.Method, "reason", err)
		r.writeRpcError(err.Error(), code)
	}
}

func ledgerErrorCode(err error) int {
	switch {
	case errors.Is(err, ledger.ErrUnauthorized):
		return types.JsonRpcForbidden
	case errors.Is(err, ledger.ErrNotWhitelisted):
		return types.JsonRpcNotWhitelisted
	case errors.Is(err, ledger.ErrInsufficientAllowance):
		return types.JsonRpcInsufficientAllowance
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return types.JsonRpcInsufficientBalance
	case errors.Is(err, ledger.ErrBlacklisted):
		return types.JsonRpcBlacklisted
	case errors.Is(err, ledger.ErrInvalidAmount):
		return types.JsonRpcInvalidAmount
	case errors.Is(err, ledger.ErrReentrantCall):
		return types.JsonRpcReentrantCall
	case errors.Is(err, ledger.ErrNonceUsed):
		return types.JsonRpcNonceUsed
	case errors.Is(err, ledger.ErrRequestExpired):
		return types.JsonRpcRequestExpired
	case errors.Is(err, ledger.ErrInvalidDeposit):
		return types.JsonRpcInvalidDeposit
	case errors.Is(err, ledger.ErrDepositCredited):
		return types.JsonRpcDepositCredited
	case errors.Is(err, ledger.ErrTransferFailed):
		return types.JsonRpcTransferFailed
	default:
		// ErrRestoreFailed included, it needs an operator
		return types.JsonRpcInternalError
	}
}

// httpStatusForResponse chooses the HTTP status of a single (non-batch) response based on the json-rpc error code.
func httpStatusForResponse(res *types.JsonRpcResponse) int {
	if res.Error == nil {
		return http.StatusOK
	}
	switch res.Error.Code {
	case types.JsonRpcParseError, types.JsonRpcInvalidRequest, types.JsonRpcInvalidParams,
		types.JsonRpcNotWhitelisted, types.JsonRpcInsufficientAllowance, types.JsonRpcInsufficientBalance,
		types.JsonRpcBlacklisted, types.JsonRpcInvalidAmount, types.JsonRpcReentrantCall,
		types.JsonRpcRequestExpired, types.JsonRpcInvalidDeposit:
		return http.StatusBadRequest
	case types.JsonRpcNonceUsed, types.JsonRpcDepositCredited:
		return http.StatusConflict
	case types.JsonRpcUnauthorized:
		return http.StatusUnauthorized
	case types.JsonRpcForbidden:
		return http.StatusForbidden
	case types.JsonRpcMethodNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (r *RpcRequestHandler) writeHeaderContentTypeJson() {
	r.respw.Header().Set("Content-Type", "application/json")
}

func (r *RpcRequestHandler) _writeRpcResponse(res *types.JsonRpcResponse) {
	statusCode := httpStatusForResponse(res)
	errMsg := ""
	if res.Error != nil {
		errMsg = res.Error.Message
	}
	r.reqRecord.UpdateRequestEntry(r.req, statusCode, errMsg)

	r.writeHeaderContentTypeJson()
	r.respw.WriteHeader(statusCode)
	if err := json.NewEncoder(r.respw).Encode(res); err != nil {
		r.logger.Error("[_writeRpcResponse] failed writing rpc response", "error", err)
	}
}

func (r *RpcRequestHandler) _writeRpcBatchResponse(res []*types.JsonRpcResponse) {
	r.reqRecord.UpdateRequestEntry(r.req, http.StatusOK, "")

	r.writeHeaderContentTypeJson()
	r.respw.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(r.respw).Encode(res); err != nil {
		r.logger.Error("[_writeRpcBatchResponse] failed writing rpc response", "error", err)
	}
}
