package ledger

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// State holds everything the ledger owns: records, balance, event log, spent
// nonces, credited deposits and the pinned manager. It may be shared by
// several ledgers, in one process or many.
type State interface {
	// Init pins manager on first use and fails with ErrManagerMismatch when
	// the state was created for a different manager.
	Init(ctx context.Context, manager common.Address) error

	// Record returns the record of account, or NewRecord() if there is none.
	Record(ctx context.Context, account common.Address) (Record, error)

	Balance(ctx context.Context) (*big.Int, error)

	// Update reads the View described by q, passes it to fn and commits the
	// Change fn returns, all or nothing, provided nothing in the view was
	// changed by someone else meanwhile. Otherwise fn runs again on a fresh
	// view, so fn must not have side effects. An error from fn aborts the
	// update and is returned as is; a nil Change commits nothing.
	// If the change carries an Event, its Seq is set on commit.
	Update(ctx context.Context, q Query, fn func(View) (*Change, error)) error

	// Events returns up to limit events starting at sequence number from.
	Events(ctx context.Context, from uint64, limit int) ([]Event, error)

	// Accounts lists every account that has a record, in address order.
	Accounts(ctx context.Context) ([]common.Address, error)
}

// Query names what an Update reads besides the balance.
type Query struct {
	Account *common.Address
	Nonce   *Nonce
	Deposit *common.Hash
}

// View is a consistent snapshot of the state named by a Query.
type View struct {
	Record      Record // NewRecord() when Query.Account is nil
	Balance     *big.Int
	NonceUsed   bool
	DepositSeen bool
}

// Change is one atomic ledger mutation. Nil fields are left untouched.
type Change struct {
	Account      common.Address
	Record       *Record
	Balance      *big.Int
	Event        *Event
	UseNonce     *Nonce       // remembered until it expires
	ReleaseNonce *Nonce       // forgotten again
	Deposit      *common.Hash // credited, never again
}
