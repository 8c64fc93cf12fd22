// Package payout sends withdrawn value from the custody account to the withdrawing account.
package payout

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"
	"github.com/flashbots/escrow-endpoint/types"
	"github.com/metachris/flashbotsrpc"
	"github.com/pkg/errors"
)

const (
	transferGasLimit = uint64(21000)

	// private payouts stay valid for this many blocks at the relay
	maxBlocksInFuture = uint64(25)

	defaultPollInterval = 3 * time.Second
)

// Node is the part of an Ethereum JSON-RPC node the sender needs; *ethclient.Client implements it.
type Node interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
	TransactionByHash(ctx context.Context, hash common.Hash) (*ethtypes.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error)
}

type Configuration struct {
	Key          *ecdsa.PrivateKey
	NodeUrl      string
	RelayUrl     string // optional, when set payouts are sent as private transactions
	Fast         bool
	PollInterval time.Duration // receipt polling of private payouts
	Logger       log.Logger
}

// Sender is a ledger.Transferer that pays out with plain value transfers
// signed by the custody key.
type Sender struct {
	key     *ecdsa.PrivateKey
	from    common.Address
	chainID *big.Int
	node    Node
	relay   *flashbotsrpc.FlashbotsRPC
	fast    bool
	poll    time.Duration
	logger  log.Logger

	mu        sync.Mutex
	nextNonce uint64
}

func NewSender(ctx context.Context, cfg Configuration) (*Sender, error) {
	node, err := ethclient.DialContext(ctx, cfg.NodeUrl)
	if err != nil {
		return nil, errors.Wrap(err, "dial eth node")
	}
	var relay *flashbotsrpc.FlashbotsRPC
	if cfg.RelayUrl != "" {
		relay = flashbotsrpc.New(cfg.RelayUrl)
	}
	return NewSenderWithNode(ctx, cfg, node, relay)
}

func NewSenderWithNode(ctx context.Context, cfg Configuration, node Node, relay *flashbotsrpc.FlashbotsRPC) (*Sender, error) {
	if cfg.Key == nil {
		return nil, errors.New("payout key is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New()
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = defaultPollInterval
	}
	chainID, err := node.ChainID(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "get chain id")
	}
	return &Sender{
		key:     cfg.Key,
		from:    crypto.PubkeyToAddress(cfg.Key.PublicKey),
		chainID: chainID,
		node:    node,
		relay:   relay,
		fast:    cfg.Fast,
		poll:    cfg.PollInterval,
		logger:  cfg.Logger,
	}, nil
}

// Address is the custody account payouts are sent from.
func (s *Sender) Address() common.Address {
	return s.from
}

// Deposits returns a verifier for value transfers into the custody account.
func (s *Sender) Deposits(minConfirmations uint64) *DepositVerifier {
	return NewDepositVerifier(s.node, s.chainID, s.from, minConfirmations)
}

// Transfer pays amount to to. Private payouts return once they are mined;
// one the relay let expire is an error and the next payout reuses its nonce.
func (s *Sender) Transfer(ctx context.Context, to common.Address, amount *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// private transactions are invisible to the node's pending pool until
	// mined, so consecutive payouts need the locally tracked nonce
	nonce, err := s.node.PendingNonceAt(ctx, s.from)
	if err != nil {
		return errors.Wrap(err, "get nonce")
	}
	if s.nextNonce > nonce {
		nonce = s.nextNonce
	}

	gasPrice, err := s.node.SuggestGasPrice(ctx)
	if err != nil {
		return errors.Wrap(err, "get gas price")
	}

	tx := ethtypes.NewTx(&ethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    amount,
		Gas:      transferGasLimit,
		GasPrice: gasPrice,
	})
	signedTx, err := ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(s.chainID), s.key)
	if err != nil {
		return errors.Wrap(err, "sign payout")
	}

	if s.relay == nil {
		if err := s.node.SendTransaction(ctx, signedTx); err != nil {
			return errors.Wrap(err, "send payout")
		}
		s.nextNonce = nonce + 1
		s.logger.Info("[payout] sent", "to", to, "amount", amount, "nonce", nonce, "txHash", signedTx.Hash(), "private", false)
		return nil
	}

	maxBlockNumber, err := s.sendPrivate(ctx, signedTx)
	if err != nil {
		return errors.Wrap(err, "send payout")
	}
	s.nextNonce = nonce + 1
	s.logger.Info("[payout] sent", "to", to, "amount", amount, "nonce", nonce, "txHash", signedTx.Hash(), "private", true, "maxBlockNumber", maxBlockNumber)

	receipt, err := s.awaitInclusion(ctx, signedTx.Hash(), maxBlockNumber)
	if err != nil {
		// not mined, the nonce is free again and the node knows best
		s.nextNonce = 0
		return errors.Wrap(err, "payout not included")
	}
	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		return errors.Errorf("payout %s reverted in block %s", signedTx.Hash(), receipt.BlockNumber)
	}
	s.logger.Info("[payout] included", "txHash", signedTx.Hash(), "block", receipt.BlockNumber)
	return nil
}

func (s *Sender) sendPrivate(ctx context.Context, tx *ethtypes.Transaction) (uint64, error) {
	blockNumber, err := s.node.BlockNumber(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "get block number")
	}
	rawTx, err := tx.MarshalBinary()
	if err != nil {
		return 0, err
	}
	req := types.SendPrivateTxRequest{
		Tx:             hexutil.Encode(rawTx),
		MaxBlockNumber: blockNumber + maxBlocksInFuture,
		Preferences:    &types.PrivateTxPreferences{Fast: s.fast},
	}
	_, err = s.relay.CallWithFlashbotsSignature("eth_sendPrivateTransaction", s.key, req)
	return req.MaxBlockNumber, err
}

// awaitInclusion polls for the receipt of txHash until the chain has moved
// past maxBlockNumber, after which the relay drops the transaction. Node
// errors are retried.
func (s *Sender) awaitInclusion(ctx context.Context, txHash common.Hash, maxBlockNumber uint64) (*ethtypes.Receipt, error) {
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		receipt, err := s.node.TransactionReceipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			s.logger.Warn("[payout] failed to get receipt", "txHash", txHash, "error", err)
		} else if head, err := s.node.BlockNumber(ctx); err != nil {
			s.logger.Warn("[payout] failed to get block number", "error", err)
		} else if head > maxBlockNumber {
			// the last block may have landed since the receipt lookup
			if receipt, err := s.node.TransactionReceipt(ctx, txHash); err == nil {
				return receipt, nil
			}
			return nil, errors.Errorf("expired at block %d", maxBlockNumber)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
