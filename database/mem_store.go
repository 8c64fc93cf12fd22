package database

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

type memStore struct {
	Requests map[uuid.UUID]*RequestEntry
	Events   map[int64]*EventEntry
	mutex    *sync.Mutex
}

func NewMemStore() *memStore {
	return &memStore{
		Requests: make(map[uuid.UUID]*RequestEntry),
		Events:   make(map[int64]*EventEntry),
		mutex:    &sync.Mutex{},
	}
}

func (m *memStore) SaveRequestEntry(entry *RequestEntry) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.Requests[entry.Id] = entry
	return nil
}

func (m *memStore) SaveEventEntry(entry *EventEntry) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.Events[entry.Seq]; !ok {
		m.Events[entry.Seq] = entry
	}
	return nil
}

func (m *memStore) NumRequests() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.Requests)
}

func (m *memStore) EventsForAccount(account string) []EventEntry {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	entries := make([]EventEntry, 0)
	for _, e := range m.Events {
		if e.Account == account {
			entries = append(entries, *e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
	return entries
}
