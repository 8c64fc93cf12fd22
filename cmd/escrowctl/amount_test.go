package main

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseAmount(t *testing.T) {
	tests := map[string]struct {
		in   string
		wei  bool
		want string
		err  bool
	}{
		"whole ether":      {in: "1", want: "1000000000000000000"},
		"fraction":         {in: "0.5", want: "500000000000000000"},
		"leading dot":      {in: ".25", want: "250000000000000000"},
		"one wei in ether": {in: "0.000000000000000001", want: "1"},
		"too precise":      {in: "0.0000000000000000001", err: true},
		"negative":         {in: "-1", err: true},
		"signed fraction":  {in: "1.-5", err: true},
		"garbage":          {in: "ten", err: true},
		"wei":              {in: "12345", wei: true, want: "12345"},
		"wei with dot":     {in: "1.5", wei: true, err: true},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			amount, err := parseAmount(tc.in, tc.wei)
			if tc.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, amount.String())
		})
	}
}

func TestFormatAmount(t *testing.T) {
	oneAndHalf, _ := new(big.Int).SetString("1500000000000000000", 10)
	require.Equal(t, "1.5 ETH", formatAmount(oneAndHalf, false))
	require.Equal(t, "1500000000000000000", formatAmount(oneAndHalf, true))
	require.Equal(t, "0.000000000000000001 ETH", formatAmount(big.NewInt(1), false))
	require.Equal(t, "2 ETH", formatAmount(new(big.Int).Mul(big.NewInt(2), weiPerEther), false))
	require.Equal(t, "0", formatAmount(nil, false))
}

func TestParseTxHash(t *testing.T) {
	txHash, err := parseTxHash("0x88df016429689c079f3b2f6ad39fa052532c56795b733da78a91ebe6a713944b")
	require.NoError(t, err)
	require.Equal(t, "0x88df016429689c079f3b2f6ad39fa052532c56795b733da78a91ebe6a713944b", txHash.Hex())

	for _, in := range []string{"", "0x1234", "88df016429689c079f3b2f6ad39fa052532c56795b733da78a91ebe6a713944b", "1.5"} {
		_, err := parseTxHash(in)
		require.Error(t, err, in)
	}
}
