package main

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

const etherDecimals = 18

var weiPerEther = new(big.Int).Exp(big.NewInt(10), big.NewInt(etherDecimals), nil)

// parseAmount reads a decimal ether amount ("1.5") into wei, or a plain wei
// integer when wei is set. Precision beyond wei is an error, not rounded.
func parseAmount(s string, wei bool) (*big.Int, error) {
	if wei {
		amount, ok := new(big.Int).SetString(s, 10)
		if !ok || amount.Sign() < 0 {
			return nil, fmt.Errorf("invalid amount %q", s)
		}
		return amount, nil
	}

	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > etherDecimals {
		return nil, fmt.Errorf("invalid amount %q: more than %d decimals", s, etherDecimals)
	}
	amount, ok := new(big.Int).SetString(whole+frac+strings.Repeat("0", etherDecimals-len(frac)), 10)
	if !ok || amount.Sign() < 0 || strings.ContainsAny(frac, "+-") {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return amount, nil
}

func formatAmount(amount *big.Int, wei bool) string {
	if amount == nil {
		return "0"
	}
	if wei {
		return amount.String()
	}
	q, r := new(big.Int).QuoRem(amount, weiPerEther, new(big.Int))
	if r.Sign() == 0 {
		return q.String() + " ETH"
	}
	digits := r.String()
	frac := strings.TrimRight(strings.Repeat("0", etherDecimals-len(digits))+digits, "0")
	return q.String() + "." + frac + " ETH"
}

func parseTxHash(s string) (common.Hash, error) {
	b, err := hexutil.Decode(s)
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("invalid transaction hash %q", s)
	}
	return common.BytesToHash(b), nil
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}
