package ledger

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Record is the allowance state of a single account.
type Record struct {
	Allowance     *big.Int
	Withdrawn     *big.Int
	IsWhitelisted bool
	IsBlacklisted bool
}

// NewRecord returns the zero record every unknown account starts with.
func NewRecord() Record {
	return Record{
		Allowance: new(big.Int),
		Withdrawn: new(big.Int),
	}
}

// Copy returns a deep copy, so callers can mutate amounts freely.
func (r Record) Copy() Record {
	c := r
	c.Allowance = copyAmount(r.Allowance)
	c.Withdrawn = copyAmount(r.Withdrawn)
	return c
}

// Remaining is allowance minus withdrawn.
func (r Record) Remaining() *big.Int {
	return new(big.Int).Sub(copyAmount(r.Allowance), copyAmount(r.Withdrawn))
}

// Allowance is the read-only view returned by GetAllowance.
type Allowance struct {
	Allowance     *big.Int
	Withdrawn     *big.Int
	IsWhitelisted bool
}

type EventKind string

const (
	EventDeposited   EventKind = "Deposited"
	EventWhitelisted EventKind = "Whitelisted"
	EventRevoked     EventKind = "Revoked"
	EventBlacklisted EventKind = "Blacklisted"
	EventWithdrawn   EventKind = "Withdrawn"

	// EventWithdrawalReverted follows a Withdrawn event whose transfer failed.
	EventWithdrawalReverted EventKind = "WithdrawalReverted"
)

// Event is an append-only log entry. Seq is assigned by the State on append.
type Event struct {
	Seq     uint64         `json:"seq"`
	Kind    EventKind      `json:"kind"`
	Account common.Address `json:"account"`
	Amount  *hexutil.Big   `json:"amount,omitempty"`
	TxHash  *common.Hash   `json:"txHash,omitempty"` // deposits only
	Time    time.Time      `json:"time"`
}

func newEvent(kind EventKind, account common.Address, amount *big.Int) Event {
	ev := Event{
		Kind:    kind,
		Account: account,
		Time:    Now().UTC(),
	}
	if amount != nil {
		ev.Amount = (*hexutil.Big)(copyAmount(amount))
	}
	return ev
}

func copyAmount(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(x)
}
