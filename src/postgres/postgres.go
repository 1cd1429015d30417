package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/onemorebsmith/strk-claimer/src/retry"
	"github.com/pkg/errors"
)

// Journal appends a per-account record of claims, transfers and commission
// consumption. Each call opens its own connection.
type Journal struct {
	connectionString string
	runID            string
	writeRetry       retry.Policy
}

func NewJournal(connString, runID string) *Journal {
	return &Journal{
		connectionString: connString,
		runID:            runID,
		writeRetry:       retry.Policy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second},
	}
}

func (j *Journal) GetConnection(ctx context.Context) (*pgx.Conn, error) {
	pg, err := pgx.Connect(ctx, j.connectionString)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create connection to pg")
	}
	return pg, nil
}

func (j *Journal) DoQuery(ctx context.Context, handler func(conn *pgx.Conn) error) error {
	conn, err := j.GetConnection(ctx)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	return handler(conn)
}

// DoWrite runs handler on a fresh connection, retrying connection level
// failures. Errors reported by the server are returned after one try.
func (j *Journal) DoWrite(ctx context.Context, handler func(conn *pgx.Conn) error) error {
	return retry.Do(ctx, j.writeRetry, func(ctx context.Context) error {
		return stopOnServerError(j.DoQuery(ctx, handler))
	})
}

func (j *Journal) DoExec(ctx context.Context, command string, args ...any) error {
	return j.DoWrite(ctx, func(conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, command, args...)
		return err
	})
}

func stopOnServerError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return retry.Stop(err)
	}
	return err
}

// Ping is used by the readiness handler.
func (j *Journal) Ping(ctx context.Context) error {
	return j.DoQuery(ctx, func(conn *pgx.Conn) error {
		return errors.Wrap(conn.Ping(ctx), "failed pinging postgres")
	})
}

const schema = `
CREATE TABLE IF NOT EXISTS claims (
	address    TEXT NOT NULL,
	run_id     TEXT NOT NULL,
	claimed_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS transfers (
	tx_hash                TEXT PRIMARY KEY,
	address                TEXT NOT NULL,
	commission             NUMERIC(78, 0) NOT NULL,
	commission_destination TEXT NOT NULL,
	net                    NUMERIC(78, 0) NOT NULL,
	deposit_address        TEXT NOT NULL,
	run_id                 TEXT NOT NULL,
	confirmed_at           TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS commission_consumed (
	tx_hash     TEXT NOT NULL,
	address     TEXT NOT NULL,
	run_id      TEXT NOT NULL,
	consumed_at TIMESTAMPTZ NOT NULL
);`

func (j *Journal) EnsureSchema(ctx context.Context) error {
	return errors.Wrap(j.DoExec(ctx, schema), "failed creating journal tables")
}
