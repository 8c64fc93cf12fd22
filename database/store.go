package database

type Store interface {
	SaveRequestEntry(in *RequestEntry) error
	SaveEventEntry(in *EventEntry) error
}
