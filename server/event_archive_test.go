package server

import (
	"context"
	"math/big"
	"strings"
	"testing"

	"github.com/flashbots/escrow-endpoint/database"
	"github.com/flashbots/escrow-endpoint/ledger"
	"github.com/flashbots/escrow-endpoint/testutils"
	"github.com/stretchr/testify/require"
)

func TestEventArchive(t *testing.T) {
	ctx := context.Background()
	db := database.NewMemStore()
	deposits := testutils.NewMockDeposits()

	l, err := ledger.New(ctx, ledger.Config{
		Manager:  testManager,
		State:    ledger.NewMemState(),
		Sink:     NewEventArchive(db),
		Verifier: deposits,
	})
	require.NoError(t, err)

	txHash := deposits.Pay(testAccount, big.NewInt(500))
	require.NoError(t, l.Deposit(ctx, testAccount, txHash))
	require.NoError(t, l.Whitelist(ctx, testManager, testAccount, big.NewInt(200)))
	require.NoError(t, l.Withdraw(ctx, testAccount, big.NewInt(150)))
	require.NoError(t, l.Revoke(ctx, testManager, testAccount))

	entries := db.EventsForAccount(strings.ToLower(testAccount.Hex()))
	require.Equal(t, 4, len(entries))

	require.Equal(t, int64(0), entries[0].Seq)
	require.Equal(t, "Deposited", entries[0].Kind)
	require.Equal(t, "500", entries[0].Amount)
	require.Equal(t, txHash.Hex(), entries[0].TxHash)

	require.Equal(t, "Whitelisted", entries[1].Kind)
	require.Equal(t, "200", entries[1].Amount)

	require.Equal(t, "Withdrawn", entries[2].Kind)
	require.Equal(t, "150", entries[2].Amount)

	require.Equal(t, int64(3), entries[3].Seq)
	require.Equal(t, "Revoked", entries[3].Kind)
	require.Equal(t, "", entries[3].Amount)
	require.Equal(t, "", entries[3].TxHash)
}

func TestEventArchiveFailureKeepsLedgerGoing(t *testing.T) {
	ctx := context.Background()
	deposits := testutils.NewMockDeposits()
	l, err := ledger.New(ctx, ledger.Config{
		Manager:  testManager,
		State:    ledger.NewMemState(),
		Sink:     NewEventArchive(testutils.NewFailingStore()),
		Verifier: deposits,
	})
	require.NoError(t, err)

	require.NoError(t, l.Deposit(ctx, testAccount, deposits.Pay(testAccount, big.NewInt(500))))
	balance, err := l.Balance(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(500), balance.Int64())
}
