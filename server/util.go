package server

import (
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/flashbots/escrow-endpoint/types"
)

func numParams(jsonReq *types.JsonRpcRequest, n int) error {
	if len(jsonReq.Params) != n {
		return fmt.Errorf("expected %d params, got %d", n, len(jsonReq.Params))
	}
	return nil
}

func paramAddress(jsonReq *types.JsonRpcRequest, i int) (common.Address, error) {
	s, ok := jsonReq.Params[i].(string)
	if !ok || !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("param %d: invalid address", i)
	}
	return common.HexToAddress(s), nil
}

// paramAmount accepts a hex quantity ("0x...") or a decimal string. JSON numbers
// are accepted when they are exact integers.
func paramAmount(jsonReq *types.JsonRpcRequest, i int) (*big.Int, error) {
	switch v := jsonReq.Params[i].(type) {
	case string:
		if strings.HasPrefix(v, "0x") || strings.HasPrefix(v, "0X") {
			amount, err := hexutil.DecodeBig(v)
			if err != nil {
				return nil, fmt.Errorf("param %d: invalid amount: %w", i, err)
			}
			return amount, nil
		}
		amount, ok := new(big.Int).SetString(v, 10)
		if !ok {
			return nil, fmt.Errorf("param %d: invalid amount", i)
		}
		return amount, nil
	case float64:
		if v != math.Trunc(v) || v > 1<<53 || v < -(1<<53) {
			return nil, fmt.Errorf("param %d: amount must be an integer below 2^53, use a hex string", i)
		}
		return big.NewInt(int64(v)), nil
	default:
		return nil, fmt.Errorf("param %d: invalid amount", i)
	}
}

func paramHash(jsonReq *types.JsonRpcRequest, i int) (common.Hash, error) {
	s, ok := jsonReq.Params[i].(string)
	if !ok {
		return common.Hash{}, fmt.Errorf("param %d: invalid hash", i)
	}
	b, err := hexutil.Decode(s)
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("param %d: invalid hash", i)
	}
	return common.BytesToHash(b), nil
}

// paramUint accepts numbers up to math.MaxInt64.
func paramUint(jsonReq *types.JsonRpcRequest, i int) (uint64, error) {
	var n uint64
	var err error
	switch v := jsonReq.Params[i].(type) {
	case string:
		if strings.HasPrefix(v, "0x") {
			n, err = hexutil.DecodeUint64(v)
		} else {
			n, err = strconv.ParseUint(v, 10, 64)
		}
	case float64:
		if v < 0 || v != math.Trunc(v) || v > 1<<53 {
			return 0, fmt.Errorf("param %d: invalid number", i)
		}
		n = uint64(v)
	default:
		return 0, fmt.Errorf("param %d: invalid number", i)
	}
	if err != nil {
		return 0, fmt.Errorf("param %d: invalid number: %w", i, err)
	}
	if n > math.MaxInt64 {
		return 0, fmt.Errorf("param %d: number out of range", i)
	}
	return n, nil
}
