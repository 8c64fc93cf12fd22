/*
 * Dummy RPC backend for both the Ethereum node and the Flashbots relay.
 * Implements the JSON-RPC calls the payout sender and the deposit verifier need.
 * Every eth_blockNumber call advances the chain by one block.
 */
package testutils

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/big"
	"net/http"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/flashbots/escrow-endpoint/types"
)

var (
	MockChainId     = "0x1"
	MockBlockNumber = uint64(0x100) // head of the mock chain
	MockNonce       = "0x5"
	MockGasPrice    = "0x3b9aca00" // 1 gwei
)

var mockBackendMu sync.Mutex

var MockBackendLastJsonRpcRequest *types.JsonRpcRequest
var MockBackendFailSend bool

// MockBackendDropPrivate makes the relay accept private transactions that then never get mined
var MockBackendDropPrivate bool

type mockMinedTx struct {
	tx      *ethtypes.Transaction
	from    common.Address
	block   uint64 // 0 while pending
	success bool
}

var mockBackendTxs = make(map[common.Hash]*mockMinedTx)

// Transactions received via eth_sendRawTransaction and eth_sendPrivateTransaction
var MockBackendSentTxs []*ethtypes.Transaction
var MockBackendPrivateTxs []*ethtypes.Transaction

func MockRpcBackendReset() {
	mockBackendMu.Lock()
	defer mockBackendMu.Unlock()
	MockBackendLastJsonRpcRequest = nil
	MockBackendSentTxs = nil
	MockBackendPrivateTxs = nil
	MockBackendFailSend = false
	MockBackendDropPrivate = false
	MockBlockNumber = 0x100
	mockBackendTxs = make(map[common.Hash]*mockMinedTx)
}

func SetMockBackendDropPrivate(drop bool) {
	mockBackendMu.Lock()
	defer mockBackendMu.Unlock()
	MockBackendDropPrivate = drop
}

// MockBackendMineTx adds a signed transaction to the mock chain. Pending
// transactions are known to the node but have no receipt.
func MockBackendMineTx(tx *ethtypes.Transaction, pending, success bool) {
	mockBackendMu.Lock()
	defer mockBackendMu.Unlock()
	from, err := ethtypes.Sender(ethtypes.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		panic(err)
	}
	mined := &mockMinedTx{tx: tx, from: from, success: success}
	if !pending {
		mined.block = MockBlockNumber
	}
	mockBackendTxs[tx.Hash()] = mined
}

// MockBackendMineTransfer mines a successful value transfer signed by key and returns its hash.
func MockBackendMineTransfer(key *ecdsa.PrivateKey, to common.Address, value *big.Int) common.Hash {
	tx := NewMockTransfer(key, to, value)
	MockBackendMineTx(tx, false, true)
	return tx.Hash()
}

var mockTransferNonce uint64

// NewMockTransfer signs a legacy value transfer on the mock chain.
func NewMockTransfer(key *ecdsa.PrivateKey, to common.Address, value *big.Int) *ethtypes.Transaction {
	mockBackendMu.Lock()
	mockTransferNonce++
	nonce := mockTransferNonce
	mockBackendMu.Unlock()

	chainId, _ := hexutil.DecodeBig(MockChainId)
	tx, err := ethtypes.SignNewTx(key, ethtypes.LatestSignerForChainID(chainId), &ethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      21000,
		GasPrice: big.NewInt(1e9),
	})
	if err != nil {
		panic(err)
	}
	return tx
}

// mine adds a transaction received from the sender to the head block.
func mine(tx *ethtypes.Transaction) {
	from, _ := ethtypes.Sender(ethtypes.LatestSignerForChainID(tx.ChainId()), tx)
	mockBackendTxs[tx.Hash()] = &mockMinedTx{tx: tx, from: from, block: MockBlockNumber, success: true}
}

func mockTxJson(mined *mockMinedTx) (interface{}, error) {
	txJson, err := mined.tx.MarshalJSON()
	if err != nil {
		return nil, err
	}
	res := make(map[string]interface{})
	if err := json.Unmarshal(txJson, &res); err != nil {
		return nil, err
	}
	res["from"] = mined.from.Hex()
	if mined.block > 0 {
		res["blockHash"] = common.BigToHash(new(big.Int).SetUint64(mined.block)).Hex()
		res["blockNumber"] = hexutil.EncodeUint64(mined.block)
		res["transactionIndex"] = "0x0"
	}
	return res, nil
}

func mockReceipt(mined *mockMinedTx) *ethtypes.Receipt {
	status := ethtypes.ReceiptStatusSuccessful
	if !mined.success {
		status = ethtypes.ReceiptStatusFailed
	}
	return &ethtypes.Receipt{
		Type:              mined.tx.Type(),
		Status:            status,
		CumulativeGasUsed: mined.tx.Gas(),
		Logs:              []*ethtypes.Log{},
		TxHash:            mined.tx.Hash(),
		GasUsed:           mined.tx.Gas(),
		EffectiveGasPrice: mined.tx.GasPrice(),
		BlockHash:         common.BigToHash(new(big.Int).SetUint64(mined.block)),
		BlockNumber:       new(big.Int).SetUint64(mined.block),
	}
}

func txHashParam(req *types.JsonRpcRequest) common.Hash {
	if len(req.Params) == 0 {
		return common.Hash{}
	}
	s, _ := req.Params[0].(string)
	return common.HexToHash(s)
}

func SetMockBackendFailSend(fail bool) {
	mockBackendMu.Lock()
	defer mockBackendMu.Unlock()
	MockBackendFailSend = fail
}

// MockBackendSent returns copies of the transactions received so far, publicly and privately.
func MockBackendSent() (sent, private []*ethtypes.Transaction) {
	mockBackendMu.Lock()
	defer mockBackendMu.Unlock()
	sent = append([]*ethtypes.Transaction{}, MockBackendSentTxs...)
	private = append([]*ethtypes.Transaction{}, MockBackendPrivateTxs...)
	return sent, private
}

func decodeRawTx(rawTxHex string) (*ethtypes.Transaction, error) {
	rawTxBytes, err := hexutil.Decode(rawTxHex)
	if err != nil {
		return nil, err
	}
	tx := new(ethtypes.Transaction)
	if err := tx.UnmarshalBinary(rawTxBytes); err != nil {
		return nil, err
	}
	return tx, nil
}

func handleRpcRequest(req *types.JsonRpcRequest) (result interface{}, err error) {
	mockBackendMu.Lock()
	defer mockBackendMu.Unlock()
	MockBackendLastJsonRpcRequest = req

	switch req.Method {
	case "eth_chainId":
		return MockChainId, nil

	case "eth_blockNumber":
		head := MockBlockNumber
		MockBlockNumber++
		return hexutil.EncodeUint64(head), nil

	case "eth_getTransactionByHash":
		mined, ok := mockBackendTxs[txHashParam(req)]
		if !ok {
			return nil, nil
		}
		return mockTxJson(mined)

	case "eth_getTransactionReceipt":
		mined, ok := mockBackendTxs[txHashParam(req)]
		if !ok || mined.block == 0 {
			return nil, nil
		}
		return mockReceipt(mined), nil

	case "eth_getTransactionCount":
		return MockNonce, nil

	case "eth_gasPrice":
		return MockGasPrice, nil

	case "net_version":
		return "1", nil

	case "eth_sendRawTransaction":
		if MockBackendFailSend {
			return nil, fmt.Errorf("insufficient funds for gas * price + value")
		}
		rawTxHex, _ := req.Params[0].(string)
		tx, err := decodeRawTx(rawTxHex)
		if err != nil {
			return nil, err
		}
		MockBackendSentTxs = append(MockBackendSentTxs, tx)
		mine(tx)
		return tx.Hash().Hex(), nil

		// Relay calls
	case "eth_sendPrivateTransaction":
		if MockBackendFailSend {
			return nil, fmt.Errorf("relay rejected transaction")
		}
		param, _ := req.Params[0].(map[string]interface{})
		rawTxHex, _ := param["tx"].(string)
		tx, err := decodeRawTx(rawTxHex)
		if err != nil {
			return nil, err
		}
		MockBackendPrivateTxs = append(MockBackendPrivateTxs, tx)
		if !MockBackendDropPrivate {
			mine(tx)
		}
		return tx.Hash().Hex(), nil
	}

	return "", fmt.Errorf("no RPC method handler implemented for %s", req.Method)
}

func RpcBackendHandler(w http.ResponseWriter, req *http.Request) {
	defer req.Body.Close()

	log.Printf("%s %s %s\n", req.RemoteAddr, req.Method, req.URL)

	w.Header().Set("Content-Type", "application/json")

	returnError := func(id interface{}, msg string) {
		log.Println("returnError:", msg)
		res := types.JsonRpcResponse{
			Id:      id,
			Version: "2.0",
			Error: &types.JsonRpcError{
				Code:    -32603,
				Message: msg,
			},
		}

		if err := json.NewEncoder(w).Encode(res); err != nil {
			log.Printf("error writing response 1: %v - data: %v", err, res)
		}
	}

	body, err := io.ReadAll(req.Body)
	if err != nil {
		returnError(-1, fmt.Sprintf("failed to read request body: %v", err))
		return
	}

	// Parse JSON RPC
	jsonReq := new(types.JsonRpcRequest)
	if err = json.Unmarshal(body, &jsonReq); err != nil {
		returnError(-1, fmt.Sprintf("failed to parse JSON RPC request: %v", err))
		return
	}

	rawRes, err := handleRpcRequest(jsonReq)
	if err != nil {
		returnError(jsonReq.Id, err.Error())
		return
	}

	w.WriteHeader(http.StatusOK)
	resBytes, err := json.Marshal(rawRes)
	if err != nil {
		fmt.Println("error mashalling rawRes:", rawRes, err)
	}

	res := types.NewJsonRpcResponse(jsonReq.Id, resBytes)

	// Write to client request
	if err := json.NewEncoder(w).Encode(res); err != nil {
		log.Printf("error writing response 2: %v - data: %v", err, rawRes)
	}
}
