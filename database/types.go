package database

import (
	"time"

	"github.com/google/uuid"
)

// RequestEntry to store each request
type RequestEntry struct {
	Id                 uuid.UUID `db:"id"`
	ReceivedAt         time.Time `db:"received_at"`
	InsertedAt         time.Time `db:"inserted_at"`
	RequestDurationMs  int64     `db:"request_duration_ms"`
	IsBatchRequest     bool      `db:"is_batch_request"`
	NumRequestInBatch  int       `db:"num_request_in_batch"`
	HttpMethod         string    `db:"http_method"`
	HttpUrl            string    `db:"http_url"`
	HttpResponseStatus int       `db:"http_response_status"`
	IpHash             string    `db:"ip_hash"`
	Caller             string    `db:"caller"` // recovered signer, empty for unsigned requests
	Origin             string    `db:"origin"`
	Host               string    `db:"host"`
	Error              string    `db:"error"`
}

// EventEntry is the archived copy of a ledger event
type EventEntry struct {
	Id         uuid.UUID `db:"id"`
	Seq        int64     `db:"seq"`
	Kind       string    `db:"kind"`
	Account    string    `db:"account"`
	Amount     string    `db:"amount"` // decimal wei, empty for revoke/blacklist
	TxHash     string    `db:"tx_hash"` // deposits only
	EmittedAt  time.Time `db:"emitted_at"`
	InsertedAt time.Time `db:"inserted_at"`
}
