package payout

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/flashbots/escrow-endpoint/ledger"
	"github.com/pkg/errors"
)

// DepositVerifier is a ledger.DepositVerifier backed by an Ethereum node. A
// deposit is a successful, confirmed transaction sending value straight to
// the custody account.
type DepositVerifier struct {
	node             Node
	signer           ethtypes.Signer
	custody          common.Address
	minConfirmations uint64
}

func NewDepositVerifier(node Node, chainID *big.Int, custody common.Address, minConfirmations uint64) *DepositVerifier {
	if minConfirmations == 0 {
		minConfirmations = 1
	}
	return &DepositVerifier{
		node:             node,
		signer:           ethtypes.LatestSignerForChainID(chainID),
		custody:          custody,
		minConfirmations: minConfirmations,
	}
}

func invalidDeposit(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ledger.ErrInvalidDeposit, fmt.Sprintf(format, args...))
}

func (v *DepositVerifier) VerifyDeposit(ctx context.Context, txHash common.Hash) (common.Address, *big.Int, error) {
	tx, pending, err := v.node.TransactionByHash(ctx, txHash)
	if errors.Is(err, ethereum.NotFound) {
		return common.Address{}, nil, invalidDeposit("unknown transaction %s", txHash)
	} else if err != nil {
		return common.Address{}, nil, errors.Wrap(err, "get transaction")
	}
	if pending {
		return common.Address{}, nil, invalidDeposit("transaction %s is pending", txHash)
	}
	if tx.To() == nil || *tx.To() != v.custody {
		return common.Address{}, nil, invalidDeposit("transaction %s is not sent to %s", txHash, v.custody)
	}
	if tx.Value().Sign() <= 0 {
		return common.Address{}, nil, invalidDeposit("transaction %s carries no value", txHash)
	}

	receipt, err := v.node.TransactionReceipt(ctx, txHash)
	if errors.Is(err, ethereum.NotFound) {
		return common.Address{}, nil, invalidDeposit("transaction %s is pending", txHash)
	} else if err != nil {
		return common.Address{}, nil, errors.Wrap(err, "get receipt")
	}
	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		return common.Address{}, nil, invalidDeposit("transaction %s failed", txHash)
	}

	head, err := v.node.BlockNumber(ctx)
	if err != nil {
		return common.Address{}, nil, errors.Wrap(err, "get block number")
	}
	mined := receipt.BlockNumber.Uint64()
	if head < mined || head-mined+1 < v.minConfirmations {
		return common.Address{}, nil, invalidDeposit("transaction %s is not confirmed yet", txHash)
	}

	from, err := ethtypes.Sender(v.signer, tx)
	if err != nil {
		return common.Address{}, nil, errors.Wrap(err, "recover sender")
	}
	return from, new(big.Int).Set(tx.Value()), nil
}
