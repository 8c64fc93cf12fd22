package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/flashbots/escrow-endpoint/adapters/flashbots"
	"github.com/flashbots/escrow-endpoint/application"
	"github.com/flashbots/escrow-endpoint/ledger"
	"github.com/flashbots/escrow-endpoint/types"
	"github.com/google/uuid"
)

const (
	maxRequestBodyBytes = 1 << 20
	maxBatchSize        = 100
)

// RPC request handler for a single/ batch JSON-RPC request
type RpcRequestHandler struct {
	respw       http.ResponseWriter
	req         *http.Request
	logger      log.Logger
	timeStarted time.Time
	uid         uuid.UUID
	reqRecord   *requestRecord
	ledger      *ledger.Ledger
	replayCache *application.ResponseCache
	networkId   string
	validity    time.Duration
	caller      *common.Address
	bodyHash    common.Hash
}

func NewRpcRequestHandler(logger log.Logger, respw http.ResponseWriter, req *http.Request, l *ledger.Ledger, replayCache *application.ResponseCache, networkId string, validity time.Duration, reqRecord *requestRecord) *RpcRequestHandler {
	return &RpcRequestHandler{
		respw:       respw,
		req:         req,
		logger:      logger,
		timeStarted: Now(),
		uid:         uuid.New(),
		reqRecord:   reqRecord,
		ledger:      l,
		replayCache: replayCache,
		networkId:   networkId,
		validity:    validity,
	}
}

func (r *RpcRequestHandler) process() {
	r.logger = r.logger.New("uid", r.uid)
	r.logger.Info("[process] POST request received")
	defer r.finishRequest()
	r.reqRecord.requestEntry.Id = r.uid
	r.reqRecord.requestEntry.ReceivedAt = r.timeStarted

	// Read request body
	defer r.req.Body.Close()
	body, err := io.ReadAll(http.MaxBytesReader(r.respw, r.req.Body, maxRequestBodyBytes))
	if err != nil {
		r.logger.Info("[process] Failed to read request body", "error", err)
		r._writeRpcResponse(newRpcError(nil, "failed to read request body", types.JsonRpcInvalidRequest))
		return
	}

	if len(body) == 0 {
		r._writeRpcResponse(newRpcError(nil, "empty request body", types.JsonRpcInvalidRequest))
		return
	}
	r.bodyHash = crypto.Keccak256Hash(body)

	// A signature is optional, but when present it must be valid
	if header := r.req.Header.Get(flashbots.SignatureHeader); header != "" {
		signer, err := flashbots.ParseSignature(header, body)
		if err != nil {
			r.logger.Info("[process] Invalid signature", "error", err)
			r._writeRpcResponse(newRpcError(nil, err.Error(), types.JsonRpcUnauthorized))
			return
		}
		r.caller = &signer
		r.logger = r.logger.New("caller", signer)
	}
	r.reqRecord.SetCaller(r.caller)

	// Parse JSON RPC payload
	var jsonReq *types.JsonRpcRequest
	if err = json.Unmarshal(body, &jsonReq); err != nil {
		var jsonBatchReq []*types.JsonRpcRequest
		if err = json.Unmarshal(body, &jsonBatchReq); err != nil {
			r.logger.Info("[process] Parse payload", "error", err)
			r._writeRpcResponse(newRpcError(nil, "parse error", types.JsonRpcParseError))
			return
		}
		r.processBatchRequest(jsonBatchReq)
		return
	}
	if jsonReq == nil {
		r._writeRpcResponse(newRpcError(nil, "invalid request", types.JsonRpcInvalidRequest))
		return
	}

	r._writeRpcResponse(r.processRequest(r.logger, jsonReq, 0))
}

// processRequest runs one call. A signed state-changing call sent again while
// its response is cached gets that response; later the spent nonce refuses it.
func (r *RpcRequestHandler) processRequest(logger log.Logger, jsonReq *types.JsonRpcRequest, index int) *types.JsonRpcResponse {
	// a withdrawal must not be abandoned half way when the client goes away
	ctx := context.WithoutCancel(r.req.Context())
	run := func() *types.JsonRpcResponse {
		return NewRpcRequest(ctx, logger, r.ledger, jsonReq, r.caller, r.networkId, r.validity).ProcessRequest()
	}
	if r.replayCache == nil || r.caller == nil || !IsStateChanging(jsonReq.Method) {
		return run()
	}

	key := fmt.Sprintf("%s:%s:%d", r.caller.Hex(), r.bodyHash.Hex(), index)
	res, cached := r.replayCache.Do(key, run, isFinalResponse)
	if cached {
		logger.Info("[processRequest] Replayed request, returning previous response", "method", jsonReq.Method)
	}
	return res
}

// isFinalResponse is false for failures that left the ledger untouched, which may be retried verbatim.
func isFinalResponse(res *types.JsonRpcResponse) bool {
	if res.Error == nil {
		return true
	}
	switch res.Error.Code {
	case types.JsonRpcInternalError, types.JsonRpcTransferFailed:
		return false
	}
	return true
}

// processBatchRequest handles multiple batch request. Calls run one after another in the
// order given, as later calls may depend on the effects of earlier ones.
func (r *RpcRequestHandler) processBatchRequest(jsonBatchReq []*types.JsonRpcRequest) {
	if len(jsonBatchReq) == 0 {
		r._writeRpcResponse(newRpcError(nil, "empty batch", types.JsonRpcInvalidRequest))
		return
	}
	if len(jsonBatchReq) > maxBatchSize {
		r._writeRpcResponse(newRpcError(nil, fmt.Sprintf("batch too large, max %d", maxBatchSize), types.JsonRpcInvalidRequest))
		return
	}
	r.reqRecord.SetBatch(len(jsonBatchReq))

	response := make([]*types.JsonRpcResponse, 0, len(jsonBatchReq))
	for i, jsonReq := range jsonBatchReq {
		if jsonReq == nil {
			response = append(response, newRpcError(nil, "invalid request", types.JsonRpcInvalidRequest))
			continue
		}
		// Create child logger
		id := uuid.NewMD5(r.uid, big.NewInt(int64(i)).Bytes())
		logger := r.logger.New("id", id, "count", i)
		response = append(response, r.processRequest(logger, jsonReq, i))
	}
	r._writeRpcBatchResponse(response)
}

func (r *RpcRequestHandler) finishRequest() {
	timeRequestNeeded := time.Since(r.timeStarted) // At end of request, log the time it needed
	r.reqRecord.requestEntry.RequestDurationMs = timeRequestNeeded.Milliseconds()
	go func() {
		if err := r.reqRecord.SaveRequestEntryToDB(); err != nil {
			r.logger.Error("[finishRequest] failed to save request entry", "error", err)
		}
	}()
	r.logger.Info("Request finished", "timeTakenInSec", timeRequestNeeded.Seconds())
}
