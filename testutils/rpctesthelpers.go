/*
 * Test helpers.
 */
package testutils

import (
	"crypto/ecdsa"
	"encoding/json"
	"testing"

	"github.com/flashbots/escrow-endpoint/types"
	"github.com/flashbots/escrow-endpoint/utils"
	"github.com/stretchr/testify/require"
)

var RpcEndpointUrl string // set by tests

func SendRpcAndParseResponse(req *types.JsonRpcRequest, key *ecdsa.PrivateKey) (*types.JsonRpcResponse, error) {
	return utils.SendRpcAndParseResponseTo(RpcEndpointUrl, req, key)
}

func SendBatchRpcAndParseResponse(req []*types.JsonRpcRequest, key *ecdsa.PrivateKey) ([]*types.JsonRpcResponse, error) {
	return utils.SendBatchRpcAndParseResponseTo(RpcEndpointUrl, req, key)
}

func SendRpcAndParseResponseOrFailNow(t *testing.T, req *types.JsonRpcRequest, key *ecdsa.PrivateKey) *types.JsonRpcResponse {
	t.Helper()
	res, err := SendRpcAndParseResponse(req, key)
	if err != nil {
		t.Fatal("sendRpcAndParseResponse error:", err)
	}
	return res
}

// SendRpcOrFailNow sends req and decodes its result into result, failing on any error.
func SendRpcOrFailNow(t *testing.T, req *types.JsonRpcRequest, key *ecdsa.PrivateKey, result interface{}) {
	t.Helper()
	res := SendRpcAndParseResponseOrFailNow(t, req, key)
	require.Nil(t, res.Error, "unexpected rpc error: %v", res.Error)
	if result != nil {
		require.NoError(t, json.Unmarshal(res.Result, result))
	}
}

// SendRpcExpectError sends req and requires a JSON-RPC error with the given code.
func SendRpcExpectError(t *testing.T, req *types.JsonRpcRequest, key *ecdsa.PrivateKey, code int) *types.JsonRpcError {
	t.Helper()
	res := SendRpcAndParseResponseOrFailNow(t, req, key)
	require.NotNil(t, res.Error, "expected rpc error %d", code)
	require.Equal(t, code, res.Error.Code, res.Error.Message)
	return res.Error
}
