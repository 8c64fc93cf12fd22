package database

type mockStore struct{}

func NewMockStore() Store {
	return &mockStore{}
}

func (m *mockStore) SaveRequestEntry(in *RequestEntry) error {
	return nil
}

func (m *mockStore) SaveEventEntry(in *EventEntry) error {
	return nil
}
