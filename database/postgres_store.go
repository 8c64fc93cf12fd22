package database

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
)

const (
	connTimeOut = 10 * time.Second
)

const Schema = `
CREATE TABLE IF NOT EXISTS escrow_requests (
	id                   uuid PRIMARY KEY,
	received_at          timestamptz NOT NULL,
	inserted_at          timestamptz NOT NULL DEFAULT now(),
	request_duration_ms  bigint NOT NULL,
	is_batch_request     boolean NOT NULL,
	num_request_in_batch integer NOT NULL,
	http_method          text NOT NULL,
	http_url             text NOT NULL,
	http_response_status integer NOT NULL,
	ip_hash              text NOT NULL,
	caller               text NOT NULL,
	origin               text NOT NULL,
	host                 text NOT NULL,
	error                text NOT NULL
);

CREATE TABLE IF NOT EXISTS escrow_events (
	id          uuid PRIMARY KEY,
	seq         bigint NOT NULL UNIQUE,
	kind        text NOT NULL,
	account     text NOT NULL,
	amount      numeric,
	tx_hash     text NOT NULL DEFAULT '',
	emitted_at  timestamptz NOT NULL,
	inserted_at timestamptz NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS escrow_events_account_idx ON escrow_events (account);

ALTER TABLE escrow_events ADD COLUMN IF NOT EXISTS tx_hash text NOT NULL DEFAULT '';
`

type postgresStore struct {
	DB *sqlx.DB
}

func NewPostgresStore(dsn string) (*postgresStore, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "connect to postgres")
	}
	return &postgresStore{
		DB: db,
	}, nil
}

// Migrate creates the archive tables if they do not exist yet.
func (d *postgresStore) Migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), connTimeOut)
	defer cancel()
	_, err := d.DB.ExecContext(ctx, Schema)
	return err
}

func (d *postgresStore) Close() {
	d.DB.Close()
}

func (d *postgresStore) SaveRequestEntry(entry *RequestEntry) error {
	query := `INSERT INTO escrow_requests
	(id, received_at, request_duration_ms, is_batch_request, num_request_in_batch, http_method, http_url, http_response_status, ip_hash, caller, origin, host, error) VALUES (:id, :received_at, :request_duration_ms, :is_batch_request, :num_request_in_batch, :http_method, :http_url, :http_response_status, :ip_hash, :caller, :origin, :host, :error)`
	ctx, cancel := context.WithTimeout(context.Background(), connTimeOut)
	defer cancel()
	_, err := d.DB.NamedExecContext(ctx, query, entry)
	return err
}

// SaveEventEntry is idempotent on seq, so replaying the event log is safe.
func (d *postgresStore) SaveEventEntry(entry *EventEntry) error {
	query := `INSERT INTO escrow_events
	(id, seq, kind, account, amount, tx_hash, emitted_at) VALUES (:id, :seq, :kind, :account, CAST(NULLIF(:amount, '') AS numeric), :tx_hash, :emitted_at)
	ON CONFLICT (seq) DO NOTHING`
	ctx, cancel := context.WithTimeout(context.Background(), connTimeOut)
	defer cancel()
	_, err := d.DB.NamedExecContext(ctx, query, entry)
	return err
}

// EventsForAccount returns the archived events of account in log order.
func (d *postgresStore) EventsForAccount(account string) ([]EventEntry, error) {
	query := `SELECT id, seq, kind, account, COALESCE(amount::text, '') AS amount, tx_hash, emitted_at, inserted_at
	FROM escrow_events WHERE account = $1 ORDER BY seq`
	ctx, cancel := context.WithTimeout(context.Background(), connTimeOut)
	defer cancel()
	entries := make([]EventEntry, 0)
	err := d.DB.SelectContext(ctx, &entries, query, account)
	return entries, err
}
