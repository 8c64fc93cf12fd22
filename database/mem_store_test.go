package database

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestMemStoreEvents(t *testing.T) {
	store := NewMemStore()
	account := "0x1111111111111111111111111111111111111111"

	entries := []*EventEntry{
		{Id: uuid.New(), Seq: 2, Kind: "Withdrawn", Account: account, Amount: "1", EmittedAt: time.Now()},
		{Id: uuid.New(), Seq: 0, Kind: "Deposited", Account: account, Amount: "1", EmittedAt: time.Now()},
		{Id: uuid.New(), Seq: 1, Kind: "Whitelisted", Account: "0x2222222222222222222222222222222222222222", Amount: "10", EmittedAt: time.Now()},
	}
	for _, e := range entries {
		require.NoError(t, store.SaveEventEntry(e))
	}

	// saving the same seq twice keeps the first copy
	require.NoError(t, store.SaveEventEntry(&EventEntry{Id: uuid.New(), Seq: 0, Kind: "Revoked", Account: account}))

	events := store.EventsForAccount(account)
	require.Equal(t, 2, len(events))
	require.Equal(t, "Deposited", events[0].Kind)
	require.Equal(t, "Withdrawn", events[1].Kind)
}

func TestMemStoreRequests(t *testing.T) {
	store := NewMemStore()
	entry := &RequestEntry{Id: uuid.New(), HttpMethod: "POST", HttpResponseStatus: 200}
	require.NoError(t, store.SaveRequestEntry(entry))
	require.Equal(t, 1, store.NumRequests())
	require.Equal(t, entry, store.Requests[entry.Id])
}
