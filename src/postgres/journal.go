package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/onemorebsmith/strk-claimer/src/model"
	"github.com/pkg/errors"
)

func (j *Journal) PutClaim(ctx context.Context, address string) error {
	err := j.DoExec(ctx, `INSERT INTO claims (address, run_id, claimed_at) VALUES ($1, $2, $3)`,
		address, j.runID, time.Now().UTC())
	return errors.Wrapf(err, "failed to journal claim for %s", address)
}

func (j *Journal) PutTransfer(ctx context.Context, rec model.TransferRecord) error {
	confirmed := rec.ConfirmedAt
	if confirmed.IsZero() {
		confirmed = time.Now()
	}
	err := j.DoExec(ctx, `INSERT INTO transfers
		(tx_hash, address, commission, commission_destination, net, deposit_address, run_id, confirmed_at)
		VALUES ($1, $2, $3::numeric, $4, $5::numeric, $6, $7, $8)
		ON CONFLICT (tx_hash) DO NOTHING`,
		rec.TxHash, rec.Address, rec.Commission, rec.CommissionDestination, rec.Net, rec.DepositAddress,
		j.runID, confirmed.UTC())
	return errors.Wrapf(err, "failed to journal transfer %s", rec.TxHash)
}

func (j *Journal) PutCommissionConsumed(ctx context.Context, txHash string, addresses []string) error {
	if len(addresses) == 0 {
		return nil
	}
	return j.DoWrite(ctx, func(conn *pgx.Conn) error {
		rows := [][]any{}
		now := time.Now().UTC()
		for _, a := range addresses {
			// tx_hash, address, run_id, consumed_at
			rows = append(rows, []any{txHash, a, j.runID, now})
		}
		_, err := conn.CopyFrom(ctx, pgx.Identifier{"commission_consumed"},
			[]string{"tx_hash", "address", "run_id", "consumed_at"}, pgx.CopyFromRows(rows))
		if err != nil {
			return errors.Wrap(err, "failed to journal commission consumption")
		}
		return nil
	})
}

type TransferRow struct {
	TxHash     string
	Address    string
	Commission string
	Net        string
}

// Transfers lists journaled transfers of one run.
func (j *Journal) Transfers(ctx context.Context, runID string) ([]TransferRow, error) {
	out := []TransferRow{}
	err := j.DoQuery(ctx, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, `SELECT tx_hash, address, commission::text, net::text
			FROM transfers WHERE run_id = $1 ORDER BY confirmed_at`, runID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			r := TransferRow{}
			if err := rows.Scan(&r.TxHash, &r.Address, &r.Commission, &r.Net); err != nil {
				return err
			}
			out = append(out, r)
		}
		return rows.Err()
	})
	return out, errors.Wrap(err, "failed reading transfers")
}
