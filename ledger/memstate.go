package ledger

import (
	"context"
	"math/big"
	"slices"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/exp/maps"
)

type memState struct {
	manager  *common.Address
	records  map[common.Address]Record
	balance  *big.Int
	events   []Event
	nonces   map[string]time.Time // key -> expiry
	deposits map[common.Hash]bool
	mutex    *sync.Mutex
}

// NewMemState returns a State that lives in process memory only.
func NewMemState() *memState {
	return &memState{
		records:  make(map[common.Address]Record),
		balance:  new(big.Int),
		events:   make([]Event, 0),
		nonces:   make(map[string]time.Time),
		deposits: make(map[common.Hash]bool),
		mutex:    &sync.Mutex{},
	}
}

func (m *memState) Init(ctx context.Context, manager common.Address) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.manager == nil {
		m.manager = &manager
		return nil
	}
	if *m.manager != manager {
		return ErrManagerMismatch
	}
	return nil
}

func (m *memState) Record(ctx context.Context, account common.Address) (Record, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.record(account), nil
}

func (m *memState) record(account common.Address) Record {
	rec, ok := m.records[account]
	if !ok {
		return NewRecord()
	}
	return rec.Copy()
}

func (m *memState) Balance(ctx context.Context) (*big.Int, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return new(big.Int).Set(m.balance), nil
}

func (m *memState) Update(ctx context.Context, q Query, fn func(View) (*Change, error)) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.pruneNonces()
	view := View{
		Record:  NewRecord(),
		Balance: new(big.Int).Set(m.balance),
	}
	if q.Account != nil {
		view.Record = m.record(*q.Account)
	}
	if q.Nonce != nil {
		_, view.NonceUsed = m.nonces[q.Nonce.Key()]
	}
	if q.Deposit != nil {
		view.DepositSeen = m.deposits[*q.Deposit]
	}

	change, err := fn(view)
	if err != nil || change == nil {
		return err
	}

	if change.Record != nil {
		m.records[change.Account] = change.Record.Copy()
	}
	if change.Balance != nil {
		m.balance = new(big.Int).Set(change.Balance)
	}
	if change.UseNonce != nil {
		m.nonces[change.UseNonce.Key()] = change.UseNonce.Expiry
	}
	if change.ReleaseNonce != nil {
		delete(m.nonces, change.ReleaseNonce.Key())
	}
	if change.Deposit != nil {
		m.deposits[*change.Deposit] = true
	}
	if change.Event != nil {
		change.Event.Seq = uint64(len(m.events))
		m.events = append(m.events, *change.Event)
	}
	return nil
}

// pruneNonces forgets expired nonces, they are refused by their expiry alone.
func (m *memState) pruneNonces() {
	now := Now()
	for key, expiry := range m.nonces {
		if !now.Before(expiry) {
			delete(m.nonces, key)
		}
	}
}

func (m *memState) Events(ctx context.Context, from uint64, limit int) ([]Event, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	res := make([]Event, 0)
	for i := from; i < uint64(len(m.events)) && len(res) < limit; i++ {
		res = append(res, m.events[i])
	}
	return res, nil
}

func (m *memState) Accounts(ctx context.Context) ([]common.Address, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	accounts := maps.Keys(m.records)
	slices.SortFunc(accounts, func(a, b common.Address) int { return a.Cmp(b) })
	return accounts, nil
}
