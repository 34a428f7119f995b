package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/pos-terminal/internal/domain/pos"
)

const (
	selectStateSQL = `SELECT payment_method, selected_store, selected_table
	FROM pos_state WHERE key = $1`

	selectLinesSQL = `SELECT product_id, name, price, qty, customizations
	FROM pos_cart_lines WHERE key = $1 ORDER BY position`

	upsertStateSQL = `INSERT INTO pos_state (key, payment_method, selected_store, selected_table, updated_at)
	VALUES ($1, $2, $3, $4, now())
	ON CONFLICT (key) DO UPDATE SET
		payment_method = EXCLUDED.payment_method,
		selected_store = EXCLUDED.selected_store,
		selected_table = EXCLUDED.selected_table,
		updated_at     = EXCLUDED.updated_at`

	deleteLinesSQL = `DELETE FROM pos_cart_lines WHERE key = $1`

	insertLineSQL = `INSERT INTO pos_cart_lines (key, position, product_id, name, price, qty, customizations)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`
)

var _ pos.Storage = (*StateRepository)(nil)

// StateRepository implements pos.Storage backed by PostgreSQL.
type StateRepository struct {
	pool *pgxpool.Pool
	key  string
}

// NewStateRepository returns a StateRepository for key. An empty key means
// pos.DefaultStorageKey.
func NewStateRepository(pool *pgxpool.Pool, key string) *StateRepository {
	if key == "" {
		key = pos.DefaultStorageKey
	}
	return &StateRepository{pool: pool, key: key}
}

// Ping checks the database is reachable.
func (r *StateRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Load reads the state row and its cart lines in one snapshot.
func (r *StateRepository) Load(ctx context.Context) (*pos.Snapshot, error) {
	var snap *pos.Snapshot
	err := pgx.BeginTxFunc(ctx, r.pool, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	}, func(tx pgx.Tx) error {
		var (
			method       string
			store, table []byte
		)
		if err := tx.QueryRow(ctx, selectStateSQL, r.key).Scan(&method, &store, &table); err != nil {
			return err
		}

		s := &pos.Snapshot{PaymentMethod: pos.PaymentMethod(method)}
		var err error
		if s.SelectedStore, err = decodeOptional[pos.StoreFront](store); err != nil {
			return err
		}
		if s.SelectedTable, err = decodeOptional[pos.Table](table); err != nil {
			return err
		}

		rows, err := tx.Query(ctx, selectLinesSQL, r.key)
		if err != nil {
			return err
		}
		s.Cart, err = pgx.CollectRows(rows, scanLine)
		if err != nil {
			return err
		}
		if s.Cart == nil {
			s.Cart = []pos.Line{}
		}

		snap = s
		return nil
	})
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return nil, pos.ErrNoSnapshot
	case errors.Is(err, pos.ErrCorruptSnapshot):
		return nil, err
	case err != nil:
		return nil, fmt.Errorf("loading state %q: %w", r.key, err)
	}
	return snap, nil
}

// Save replaces the state row and all cart lines in one transaction.
func (r *StateRepository) Save(ctx context.Context, snap pos.Snapshot) error {
	store, err := encodeOptional(snap.SelectedStore)
	if err != nil {
		return err
	}
	table, err := encodeOptional(snap.SelectedTable)
	if err != nil {
		return err
	}

	err = pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, upsertStateSQL, r.key, string(snap.PaymentMethod), store, table); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, deleteLinesSQL, r.key); err != nil {
			return err
		}
		if len(snap.Cart) == 0 {
			return nil
		}

		batch := &pgx.Batch{}
		for i, l := range snap.Cart {
			var custom []byte
			if len(l.Customizations) > 0 {
				if custom, err = json.Marshal(l.Customizations); err != nil {
					return errors.Wrapf(err, "marshal customizations of line %d", i)
				}
			}
			batch.Queue(insertLineSQL, r.key, i, l.ID, l.Name, l.Price, l.Qty, custom)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return fmt.Errorf("saving state %q: %w", r.key, err)
	}
	return nil
}

func scanLine(row pgx.CollectableRow) (pos.Line, error) {
	var (
		l      pos.Line
		custom []byte
	)
	if err := row.Scan(&l.ID, &l.Name, &l.Price, &l.Qty, &custom); err != nil {
		return pos.Line{}, err
	}
	if custom != nil {
		if err := json.Unmarshal(custom, &l.Customizations); err != nil {
			return pos.Line{}, fmt.Errorf("%w: customizations: %v", pos.ErrCorruptSnapshot, err)
		}
	}
	return l, nil
}

func decodeOptional[T any](b []byte) (*T, error) {
	if b == nil {
		return nil, nil
	}
	v := new(T)
	if err := json.Unmarshal(b, v); err != nil {
		return nil, fmt.Errorf("%w: %v", pos.ErrCorruptSnapshot, err)
	}
	return v, nil
}

func encodeOptional[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "marshal selection")
	}
	return b, nil
}
