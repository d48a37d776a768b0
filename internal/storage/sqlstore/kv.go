package sqlstore

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
)

// Get returns the value stored under key.
func (d *DB) Get(key string) ([]byte, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	var value string
	err := d.db.QueryRowContext(ctx, d.rebind(`SELECT value FROM kv WHERE key = ?`), key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "select kv %s", key)
	}

	return []byte(value), true, nil
}

// Set upserts key.
func (d *DB) Set(key string, value []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	_, err := d.db.ExecContext(ctx,
		d.rebind(`INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT (key) DO UPDATE SET value = excluded.value`),
		key, string(value),
	)

	return errors.Wrapf(err, "upsert kv %s", key)
}

// Delete removes key.
func (d *DB) Delete(key string) error {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	_, err := d.db.ExecContext(ctx, d.rebind(`DELETE FROM kv WHERE key = ?`), key)

	return errors.Wrapf(err, "delete kv %s", key)
}

// Keys returns keys starting with prefix in lexical order.
func (d *DB) Keys(prefix string) ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	rows, err := d.db.QueryContext(ctx,
		d.rebind(`SELECT key FROM kv WHERE substr(key, 1, ?) = ? ORDER BY key`), len(prefix), prefix)
	if err != nil {
		return nil, errors.Wrap(err, "select kv keys")
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, errors.Wrap(err, "scan kv key")
		}
		keys = append(keys, k)
	}

	return keys, errors.Wrap(rows.Err(), "iterate kv keys")
}
