// Package ledger implements the allowance ledger of the escrow: a single
// manager grants accounts a fixed allowance, whitelisted accounts withdraw up
// to it, and any account may deposit.
package ledger

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/flashbots/escrow-endpoint/metrics"
	"github.com/pkg/errors"
)

var Now = time.Now // used to mock time in tests

// restoreAttempts bounds how often a failed withdrawal is rolled back before giving up.
const restoreAttempts = 3

// Transferer moves value out of custody. It is called after the withdrawal
// has been committed, with a context that marks the ledger as busy.
type Transferer interface {
	Transfer(ctx context.Context, to common.Address, amount *big.Int) error
}

// DepositVerifier looks up a value transfer into custody. Transfers that are
// not a credited deposit fail with an error wrapping ErrInvalidDeposit.
type DepositVerifier interface {
	VerifyDeposit(ctx context.Context, txHash common.Hash) (from common.Address, amount *big.Int, err error)
}

// EventSink receives every event after it has been committed to State.
type EventSink interface {
	SaveEvent(ev Event) error
}

type Config struct {
	Manager    common.Address
	State      State
	Transferer Transferer      // optional, nil keeps withdrawals book-keeping only
	Verifier   DepositVerifier // optional, nil refuses deposits
	Sink       EventSink       // optional
	Logger     log.Logger
}

type Ledger struct {
	manager    common.Address
	state      State
	transferer Transferer
	verifier   DepositVerifier
	sink       EventSink
	logger     log.Logger

	// held for the whole of every mutating call, including the transfer
	mu sync.Mutex
}

type guardKey struct{}

func New(ctx context.Context, cfg Config) (*Ledger, error) {
	if cfg.State == nil {
		return nil, errors.New("ledger state is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New()
	}
	if err := cfg.State.Init(ctx, cfg.Manager); err != nil {
		return nil, errors.Wrap(err, "ledger state init")
	}
	balance, err := cfg.State.Balance(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "ledger state balance")
	}
	metrics.SetBalance(balance)

	return &Ledger{
		manager:    cfg.Manager,
		state:      cfg.State,
		transferer: cfg.Transferer,
		verifier:   cfg.Verifier,
		sink:       cfg.Sink,
		logger:     cfg.Logger,
	}, nil
}

func (l *Ledger) Manager() common.Address {
	return l.manager
}

// enter serializes the call and refuses calls made from inside a transfer.
func (l *Ledger) enter(ctx context.Context) (context.Context, func(), error) {
	if owner, _ := ctx.Value(guardKey{}).(*Ledger); owner == l {
		return nil, nil, ErrReentrantCall
	}
	l.mu.Lock()
	return context.WithValue(ctx, guardKey{}, l), l.mu.Unlock, nil
}

func (l *Ledger) onlyManager(caller common.Address) error {
	if caller != l.manager {
		return ErrUnauthorized
	}
	return nil
}

func checkAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	return nil
}

func (l *Ledger) reject(method string, err error) error {
	if r := rejectionOf(err); r != nil {
		metrics.IncRejection(method, r.Error())
	}
	return err
}

// update runs fn through State.Update, then reports the committed change.
// A nil change with a nil error means nothing was committed.
func (l *Ledger) update(ctx context.Context, q Query, fn func(View) (*Change, error)) (*Change, error) {
	var last *Change
	err := l.state.Update(ctx, q, func(v View) (*Change, error) {
		change, err := fn(v)
		last = change
		return change, err
	})
	if err != nil {
		if IsRejection(err) {
			return nil, err
		}
		return nil, errors.Wrap(err, "update ledger state")
	}
	if last == nil {
		return nil, nil
	}
	if last.Balance != nil {
		metrics.SetBalance(last.Balance)
	}
	if last.Event != nil {
		l.publish(*last.Event)
	}
	return last, nil
}

func (l *Ledger) publish(ev Event) {
	l.logger.Info("[ledger] event", "seq", ev.Seq, "kind", ev.Kind, "account", ev.Account, "amount", ev.Amount)
	if l.sink == nil {
		return
	}
	if err := l.sink.SaveEvent(ev); err != nil {
		metrics.IncDatabaseErr()
		l.logger.Error("[ledger] failed to archive event", "seq", ev.Seq, "error", err)
	}
}

// Deposit credits the value transfer txHash, sent by sender into custody,
// to the balance. Every transfer is credited once.
func (l *Ledger) Deposit(ctx context.Context, sender common.Address, txHash common.Hash) error {
	ctx, leave, err := l.enter(ctx)
	if err != nil {
		return l.reject("deposit", err)
	}
	defer leave()

	if l.verifier == nil {
		return errors.New("deposits can't be verified without a node")
	}
	from, amount, err := l.verifier.VerifyDeposit(ctx, txHash)
	if err != nil {
		if IsRejection(err) {
			return l.reject("deposit", err)
		}
		return errors.Wrap(err, "verify deposit")
	}
	if from != sender {
		return l.reject("deposit", fmt.Errorf("%w: sent by %s", ErrInvalidDeposit, from.Hex()))
	}
	if amount == nil || amount.Sign() <= 0 {
		return l.reject("deposit", fmt.Errorf("%w: no value", ErrInvalidDeposit))
	}

	nonce := nonceFrom(ctx)
	_, err = l.update(ctx, Query{Nonce: nonce, Deposit: &txHash}, func(v View) (*Change, error) {
		if err := checkNonce(nonce, v); err != nil {
			return nil, err
		}
		if v.DepositSeen {
			return nil, ErrDepositCredited
		}
		ev := newEvent(EventDeposited, sender, amount)
		ev.TxHash = &txHash
		return &Change{
			Balance:  v.Balance.Add(v.Balance, amount),
			Event:    &ev,
			UseNonce: nonce,
			Deposit:  &txHash,
		}, nil
	})
	if err != nil {
		return l.reject("deposit", err)
	}
	metrics.IncDeposit(amount)
	return nil
}

// Whitelist grants account a fresh allowance. Any previous record is
// replaced, including its withdrawn amount.
func (l *Ledger) Whitelist(ctx context.Context, caller, account common.Address, allowance *big.Int) error {
	if err := checkAmount(allowance); err != nil {
		return l.reject("whitelist", err)
	}
	ctx, leave, err := l.enter(ctx)
	if err != nil {
		return l.reject("whitelist", err)
	}
	defer leave()

	if err := l.onlyManager(caller); err != nil {
		return l.reject("whitelist", err)
	}
	nonce := nonceFrom(ctx)
	_, err = l.update(ctx, Query{Account: &account, Nonce: nonce}, func(v View) (*Change, error) {
		if err := checkNonce(nonce, v); err != nil {
			return nil, err
		}
		if v.Record.IsBlacklisted {
			return nil, ErrBlacklisted
		}
		updated := Record{
			Allowance:     copyAmount(allowance),
			Withdrawn:     new(big.Int),
			IsWhitelisted: true,
		}
		ev := newEvent(EventWhitelisted, account, allowance)
		return &Change{Account: account, Record: &updated, Event: &ev, UseNonce: nonce}, nil
	})
	return l.reject("whitelist", err)
}

// Revoke clears the whitelist flag and keeps the amounts.
func (l *Ledger) Revoke(ctx context.Context, caller, account common.Address) error {
	return l.deactivate(ctx, "revoke", caller, account, false)
}

// Blacklist clears the whitelist flag and bans the account from being whitelisted again.
func (l *Ledger) Blacklist(ctx context.Context, caller, account common.Address) error {
	return l.deactivate(ctx, "blacklist", caller, account, true)
}

func (l *Ledger) deactivate(ctx context.Context, method string, caller, account common.Address, ban bool) error {
	ctx, leave, err := l.enter(ctx)
	if err != nil {
		return l.reject(method, err)
	}
	defer leave()

	if err := l.onlyManager(caller); err != nil {
		return l.reject(method, err)
	}
	nonce := nonceFrom(ctx)
	_, err = l.update(ctx, Query{Account: &account, Nonce: nonce}, func(v View) (*Change, error) {
		if err := checkNonce(nonce, v); err != nil {
			return nil, err
		}
		rec := v.Record
		rec.IsWhitelisted = false
		kind := EventRevoked
		if ban {
			rec.IsBlacklisted = true
			kind = EventBlacklisted
		}
		ev := newEvent(kind, account, nil)
		return &Change{Account: account, Record: &rec, Event: &ev, UseNonce: nonce}, nil
	})
	return l.reject(method, err)
}

// Withdraw pays amount out to caller. The record, balance and Withdrawn event
// are committed together before the transfer; a failed transfer is rolled
// back by a compensating commit.
func (l *Ledger) Withdraw(ctx context.Context, caller common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return l.reject("withdraw", err)
	}
	ctx, leave, err := l.enter(ctx)
	if err != nil {
		return l.reject("withdraw", err)
	}
	defer leave()

	nonce := nonceFrom(ctx)
	_, err = l.update(ctx, Query{Account: &caller, Nonce: nonce}, func(v View) (*Change, error) {
		if err := checkNonce(nonce, v); err != nil {
			return nil, err
		}
		rec := v.Record
		if !rec.IsWhitelisted {
			return nil, ErrNotWhitelisted
		}
		withdrawn := new(big.Int).Add(rec.Withdrawn, amount)
		if withdrawn.Cmp(rec.Allowance) > 0 {
			return nil, ErrInsufficientAllowance
		}
		if v.Balance.Cmp(amount) < 0 {
			return nil, ErrInsufficientBalance
		}
		rec.Withdrawn = withdrawn
		ev := newEvent(EventWithdrawn, caller, amount)
		return &Change{
			Account:  caller,
			Record:   &rec,
			Balance:  new(big.Int).Sub(v.Balance, amount),
			Event:    &ev,
			UseNonce: nonce,
		}, nil
	})
	if err != nil {
		return l.reject("withdraw", err)
	}

	if l.transferer != nil && amount.Sign() > 0 {
		if err := l.transferer.Transfer(ctx, caller, amount); err != nil {
			metrics.IncPayoutErr()
			l.logger.Error("[ledger] transfer failed, restoring record", "account", caller, "amount", amount, "error", err)
			if rerr := l.restore(ctx, caller, amount, nonce); rerr != nil {
				l.logger.Error("[ledger] failed to restore record after failed transfer", "account", caller, "amount", amount, "error", rerr)
				return fmt.Errorf("%w: %v (restore: %v)", ErrRestoreFailed, err, rerr)
			}
			return fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
	}

	metrics.IncWithdrawal(amount)
	return nil
}

// restore gives amount back to the allowance and the balance after a failed
// transfer and releases the nonce that authorized the withdrawal.
func (l *Ledger) restore(ctx context.Context, account common.Address, amount *big.Int, nonce *Nonce) error {
	var err error
	for attempt := 1; attempt <= restoreAttempts; attempt++ {
		_, err = l.update(ctx, Query{Account: &account}, func(v View) (*Change, error) {
			rec := v.Record
			rec.Withdrawn.Sub(rec.Withdrawn, amount)
			if rec.Withdrawn.Sign() < 0 {
				// re-whitelisted in between
				rec.Withdrawn.SetInt64(0)
			}
			ev := newEvent(EventWithdrawalReverted, account, amount)
			return &Change{
				Account:      account,
				Record:       &rec,
				Balance:      v.Balance.Add(v.Balance, amount),
				Event:        &ev,
				ReleaseNonce: nonce,
			}, nil
		})
		if err == nil {
			return nil
		}
		l.logger.Warn("[ledger] restore attempt failed", "attempt", attempt, "account", account, "error", err)
	}
	return err
}

// GetAllowance returns (allowance, withdrawn, isWhitelisted); zero values for unknown accounts.
func (l *Ledger) GetAllowance(ctx context.Context, account common.Address) (Allowance, error) {
	rec, err := l.state.Record(ctx, account)
	if err != nil {
		return Allowance{}, err
	}
	return Allowance{
		Allowance:     rec.Allowance,
		Withdrawn:     rec.Withdrawn,
		IsWhitelisted: rec.IsWhitelisted,
	}, nil
}

func (l *Ledger) Record(ctx context.Context, account common.Address) (Record, error) {
	return l.state.Record(ctx, account)
}

func (l *Ledger) Balance(ctx context.Context) (*big.Int, error) {
	return l.state.Balance(ctx)
}

func (l *Ledger) Events(ctx context.Context, from uint64, limit int) ([]Event, error) {
	if limit <= 0 || from > math.MaxInt64 {
		return []Event{}, nil
	}
	return l.state.Events(ctx, from, limit)
}

// Accounts lists every account that was ever whitelisted, revoked or blacklisted.
func (l *Ledger) Accounts(ctx context.Context) ([]common.Address, error) {
	return l.state.Accounts(ctx)
}
