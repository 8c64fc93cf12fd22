package server

import (
	"strings"

	"github.com/flashbots/escrow-endpoint/database"
	"github.com/flashbots/escrow-endpoint/ledger"
	"github.com/flashbots/escrow-endpoint/utils"
	"github.com/google/uuid"
)

// eventArchive copies committed ledger events into the database.
type eventArchive struct {
	db database.Store
}

func NewEventArchive(db database.Store) ledger.EventSink {
	return &eventArchive{db: db}
}

func (a *eventArchive) SaveEvent(ev ledger.Event) error {
	return a.db.SaveEventEntry(EventEntryFromEvent(ev))
}

func EventEntryFromEvent(ev ledger.Event) *database.EventEntry {
	entry := &database.EventEntry{
		Id:        uuid.New(),
		Seq:       int64(ev.Seq),
		Kind:      string(ev.Kind),
		Account:   strings.ToLower(ev.Account.Hex()),
		EmittedAt: ev.Time,
	}
	if ev.Amount != nil {
		entry.Amount = utils.BigIntPtrToStr(ev.Amount.ToInt())
	}
	if ev.TxHash != nil {
		entry.TxHash = ev.TxHash.Hex()
	}
	return entry
}
