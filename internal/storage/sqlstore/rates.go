package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/fxpulse/internal/domain"
	"go.uber.org/zap"
)

// Insert stores a snapshot.
func (d *DB) Insert(snapshot domain.RateSnapshot) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return errors.Wrap(err, "marshal rate snapshot")
	}

	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	_, err = d.db.ExecContext(ctx,
		d.rebind(`INSERT INTO rate_snapshots (id, created_at, usdt_ngn_rate, payload) VALUES (?, ?, ?, ?)`),
		snapshot.ID.String(), snapshot.Timestamp.UnixMilli(), snapshot.UsdtNgnRate.String(), string(payload),
	)

	return errors.Wrap(err, "insert rate snapshot")
}

// Latest returns the newest snapshot, nil when the table is empty.
func (d *DB) Latest() (*domain.RateSnapshot, error) {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	var payload string
	err := d.db.QueryRowContext(ctx,
		`SELECT payload FROM rate_snapshots ORDER BY created_at DESC LIMIT 1`,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select latest rate snapshot")
	}

	var snapshot domain.RateSnapshot
	if err := json.Unmarshal([]byte(payload), &snapshot); err != nil {
		return nil, errors.Wrap(err, "decode rate snapshot")
	}

	return &snapshot, nil
}

// Recent returns up to limit snapshots, newest first.
func (d *DB) Recent(limit int) ([]domain.RateSnapshot, error) {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	rows, err := d.db.QueryContext(ctx,
		d.rebind(`SELECT payload FROM rate_snapshots ORDER BY created_at DESC LIMIT ?`), limit)
	if err != nil {
		return nil, errors.Wrap(err, "select rate snapshots")
	}
	defer rows.Close()

	var out []domain.RateSnapshot
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, errors.Wrap(err, "scan rate snapshot")
		}

		var snapshot domain.RateSnapshot
		if err := json.Unmarshal([]byte(payload), &snapshot); err != nil {
			d.logger.Warn("skip undecodable rate snapshot", zap.Error(err))
			continue
		}
		out = append(out, snapshot)
	}

	return out, errors.Wrap(rows.Err(), "iterate rate snapshots")
}

// SaveMargins appends margin settings.
func (d *DB) SaveMargins(m domain.MarginSettings) error {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	_, err := d.db.ExecContext(ctx,
		d.rebind(`INSERT INTO margin_settings (created_at, usd_margin, other_margin) VALUES (?, ?, ?)`),
		time.Now().UnixMilli(), m.USDMarginPct.String(), m.OtherMarginPct.String(),
	)

	return errors.Wrap(err, "insert margin settings")
}

// LatestMargins returns the newest margin settings, nil when none are stored.
func (d *DB) LatestMargins() (*domain.MarginSettings, error) {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	var usd, other string
	err := d.db.QueryRowContext(ctx,
		`SELECT usd_margin, other_margin FROM margin_settings ORDER BY created_at DESC LIMIT 1`,
	).Scan(&usd, &other)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select margin settings")
	}

	usdMargin, err := decimal.NewFromString(usd)
	if err != nil {
		return nil, errors.Wrap(err, "decode usd margin")
	}
	otherMargin, err := decimal.NewFromString(other)
	if err != nil {
		return nil, errors.Wrap(err, "decode other margin")
	}

	return &domain.MarginSettings{USDMarginPct: usdMargin, OtherMarginPct: otherMargin}, nil
}

// SaveCostPrices replaces the stored table in a single transaction. Currencies missing
// from prices are removed.
func (d *DB) SaveCostPrices(prices domain.RateTable) error {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin cost prices tx")
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM cost_prices`); err != nil {
		_ = tx.Rollback()
		return errors.Wrap(err, "clear cost prices")
	}

	now := time.Now().UnixMilli()
	query := d.rebind(`INSERT INTO cost_prices (currency, price, updated_at) VALUES (?, ?, ?)`)

	for _, c := range prices.Currencies() {
		if _, err := tx.ExecContext(ctx, query, c.String(), prices[c].String(), now); err != nil {
			_ = tx.Rollback()
			return errors.Wrapf(err, "insert cost price %s", c)
		}
	}

	return errors.Wrap(tx.Commit(), "commit cost prices")
}

// LatestCostPrices returns the stored cost-price table, nil when empty.
func (d *DB) LatestCostPrices() (domain.RateTable, error) {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	rows, err := d.db.QueryContext(ctx, `SELECT currency, price FROM cost_prices`)
	if err != nil {
		return nil, errors.Wrap(err, "select cost prices")
	}
	defer rows.Close()

	var table domain.RateTable
	for rows.Next() {
		var code, price string
		if err := rows.Scan(&code, &price); err != nil {
			return nil, errors.Wrap(err, "scan cost price")
		}

		value, err := decimal.NewFromString(price)
		if err != nil {
			return nil, errors.Wrapf(err, "decode cost price %s", code)
		}
		if table == nil {
			table = domain.RateTable{}
		}
		table[domain.Currency(code)] = value
	}

	return table, errors.Wrap(rows.Err(), "iterate cost prices")
}
