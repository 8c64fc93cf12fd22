package testutils

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/flashbots/escrow-endpoint/ledger"
)

type mockDeposit struct {
	from   common.Address
	amount *big.Int
}

// MockDeposits is a ledger.DepositVerifier without a chain: Pay records a
// transfer into custody and returns its hash.
type MockDeposits struct {
	mu  sync.Mutex
	txs map[common.Hash]mockDeposit
}

func NewMockDeposits() *MockDeposits {
	return &MockDeposits{txs: make(map[common.Hash]mockDeposit)}
}

func (d *MockDeposits) Pay(from common.Address, amount *big.Int) common.Hash {
	d.mu.Lock()
	defer d.mu.Unlock()
	txHash := crypto.Keccak256Hash(from.Bytes(), big.NewInt(int64(len(d.txs))).Bytes())
	d.txs[txHash] = mockDeposit{from, new(big.Int).Set(amount)}
	return txHash
}

func (d *MockDeposits) VerifyDeposit(ctx context.Context, txHash common.Hash) (common.Address, *big.Int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	tx, ok := d.txs[txHash]
	if !ok {
		return common.Address{}, nil, fmt.Errorf("%w: unknown transaction %s", ledger.ErrInvalidDeposit, txHash)
	}
	return tx.from, new(big.Int).Set(tx.amount), nil
}
