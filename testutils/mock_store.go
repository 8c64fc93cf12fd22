package testutils

import (
	"errors"

	"github.com/flashbots/escrow-endpoint/database"
)

var ErrStoreUnavailable = errors.New("store unavailable")

// failingStore rejects every write, like a database that is down.
type failingStore struct{}

func NewFailingStore() database.Store {
	return &failingStore{}
}
func (m *failingStore) SaveRequestEntry(in *database.RequestEntry) error {
	return ErrStoreUnavailable
}
func (m *failingStore) SaveEventEntry(in *database.EventEntry) error {
	return ErrStoreUnavailable
}
