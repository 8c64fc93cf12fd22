package utils

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/json"
	"io"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/flashbots/escrow-endpoint/adapters/flashbots"
	"github.com/flashbots/escrow-endpoint/types"
	"github.com/pkg/errors"
)

// PostSigned posts body to url. With a key, the body is signed into the X-Flashbots-Signature header.
func PostSigned(url string, body []byte, key *ecdsa.PrivateKey) ([]byte, int, error) {
	httpReq, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, 0, errors.Wrap(err, "new request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if key != nil {
		signature, err := flashbots.SignBody(body, key)
		if err != nil {
			return nil, 0, errors.Wrap(err, "sign")
		}
		httpReq.Header.Set(flashbots.SignatureHeader, signature)
	}

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return nil, 0, errors.Wrap(err, "post")
	}
	defer resp.Body.Close()

	respData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, errors.Wrap(err, "read")
	}
	return respData, resp.StatusCode, nil
}

// SendRpcAndParseResponseTo sends a single request, signed if key is not nil.
// JSON-RPC errors are returned inside the response, not as err.
func SendRpcAndParseResponseTo(url string, req *types.JsonRpcRequest, key *ecdsa.PrivateKey) (*types.JsonRpcResponse, error) {
	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "marshal")
	}

	respData, status, err := PostSigned(url, jsonData, key)
	if err != nil {
		return nil, err
	}

	jsonRpcResp := new(types.JsonRpcResponse)
	if err := json.Unmarshal(respData, jsonRpcResp); err != nil {
		return nil, errors.Wrapf(err, "unmarshal (status %d)", status)
	}

	return jsonRpcResp, nil
}

func SendBatchRpcAndParseResponseTo(url string, req []*types.JsonRpcRequest, key *ecdsa.PrivateKey) ([]*types.JsonRpcResponse, error) {
	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "marshal")
	}

	respData, status, err := PostSigned(url, jsonData, key)
	if err != nil {
		return nil, err
	}

	var res []*types.JsonRpcResponse
	if err := json.Unmarshal(respData, &res); err != nil {
		return nil, errors.Wrapf(err, "unmarshal (status %d)", status)
	}

	return res, nil
}

func BigIntPtrToStr(i *big.Int) string {
	if i == nil {
		return ""
	}
	return i.String()
}

func AddressPtrToStr(a *common.Address) string {
	if a == nil {
		return ""
	}
	return a.Hex()
}
