package indexer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/coldbell/p2pswap/internal/swap"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type Store struct {
	db *DB
}

type DB struct {
	raw *sql.DB
}

type Tx struct {
	raw *sql.Tx
}

func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.raw.ExecContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.raw.QueryContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return db.raw.QueryRowContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*Tx, error) {
	tx, err := db.raw.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &Tx{raw: tx}, nil
}

func (db *DB) Close() error {
	return db.raw.Close()
}

func (tx *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return tx.raw.ExecContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (tx *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return tx.raw.QueryContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (tx *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return tx.raw.QueryRowContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (tx *Tx) PrepareContext(ctx context.Context, query string) (*sql.Stmt, error) {
	return tx.raw.PrepareContext(ctx, rebindPostgresPlaceholders(query))
}

func (tx *Tx) Commit() error {
	return tx.raw.Commit()
}

func (tx *Tx) Rollback() error {
	return tx.raw.Rollback()
}

func rebindPostgresPlaceholders(query string) string {
	var out strings.Builder
	out.Grow(len(query) + 16)

	arg := 1
	inSingleQuote := false
	for i := 0; i < len(query); i++ {
		ch := query[i]
		if ch == '\'' {
			out.WriteByte(ch)
			if inSingleQuote {
				// SQL escape: two single quotes inside a string literal.
				if i+1 < len(query) && query[i+1] == '\'' {
					out.WriteByte(query[i+1])
					i++
					continue
				}
				inSingleQuote = false
			} else {
				inSingleQuote = true
			}
			continue
		}

		if ch == '?' && !inSingleQuote {
			out.WriteByte('$')
			out.WriteString(strconv.Itoa(arg))
			arg++
			continue
		}

		out.WriteByte(ch)
	}

	return out.String()
}

func NewStore(dbDSN string) (*Store, error) {
	db, err := sql.Open("pgx", dbDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetConnMaxIdleTime(30 * time.Second)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(16)

	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &Store{db: &DB{raw: db}}
	if err := store.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) WithTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS sync_state (
			id BIGINT PRIMARY KEY CHECK (id = 1),
			last_slot BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS orders (
			pubkey TEXT PRIMARY KEY,
			maker TEXT NOT NULL,
			taker TEXT NOT NULL,
			maker_mint TEXT NOT NULL,
			taker_mint TEXT NOT NULL,
			maker_amount TEXT NOT NULL,
			taker_amount TEXT NOT NULL,
			escrow_bump INTEGER NOT NULL,
			status TEXT NOT NULL,
			lamports BIGINT NOT NULL,
			raw_json TEXT NOT NULL,
			created_slot BIGINT NOT NULL,
			slot BIGINT NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_orders_maker_status ON orders(maker, status);`,
		`CREATE INDEX IF NOT EXISTS idx_orders_taker_status ON orders(taker, status);`,
		`CREATE INDEX IF NOT EXISTS idx_orders_pair_status ON orders(maker_mint, taker_mint, status);`,
		`CREATE TABLE IF NOT EXISTS order_events (
			id BIGSERIAL PRIMARY KEY,
			order_pubkey TEXT NOT NULL,
			event_type TEXT NOT NULL,
			maker TEXT NOT NULL,
			taker TEXT NOT NULL,
			maker_mint TEXT NOT NULL,
			taker_mint TEXT NOT NULL,
			maker_amount TEXT NOT NULL,
			taker_amount TEXT NOT NULL,
			status TEXT NOT NULL,
			slot BIGINT NOT NULL,
			recorded_at BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_order_events_order ON order_events(order_pubkey, id DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_order_events_maker ON order_events(maker, id DESC);`,
		`CREATE TABLE IF NOT EXISTS treasuries (
			pubkey TEXT PRIMARY KEY,
			program_id TEXT NOT NULL,
			authority TEXT NOT NULL,
			fee_bps INTEGER NOT NULL,
			bump INTEGER NOT NULL,
			lamports BIGINT NOT NULL,
			raw_json TEXT NOT NULL,
			slot BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
	}

	for _, query := range ddl {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func (s *Store) UpsertSyncStateTx(ctx context.Context, tx *Tx, slot uint64) error {
	now := time.Now().Unix()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sync_state (id, last_slot, updated_at)
		VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_slot = excluded.last_slot,
			updated_at = excluded.updated_at
	`, int64(slot), now)
	return err
}

// listLiveOrdersTx returns every order not yet seen closed, keyed by address.
func (s *Store) listLiveOrdersTx(ctx context.Context, tx *Tx) (map[string]OrderRecord, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE status <> ?`, OrderStatusClosed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]OrderRecord)
	for rows.Next() {
		item, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out[item.Pubkey] = item
	}
	return out, rows.Err()
}

func (s *Store) upsertOrderTx(ctx context.Context, tx *Tx, record OrderRecord) error {
	raw, err := orderRawJSON(record)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (
			pubkey, maker, taker, maker_mint, taker_mint, maker_amount, taker_amount,
			escrow_bump, status, lamports, raw_json, created_slot, slot, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pubkey) DO UPDATE SET
			maker = excluded.maker,
			taker = excluded.taker,
			maker_mint = excluded.maker_mint,
			taker_mint = excluded.taker_mint,
			maker_amount = excluded.maker_amount,
			taker_amount = excluded.taker_amount,
			escrow_bump = excluded.escrow_bump,
			status = excluded.status,
			lamports = excluded.lamports,
			raw_json = excluded.raw_json,
			created_slot = excluded.created_slot,
			slot = excluded.slot,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at
	`,
		record.Pubkey,
		record.Maker,
		record.Taker,
		record.MakerMint,
		record.TakerMint,
		record.MakerAmount,
		record.TakerAmount,
		int(record.EscrowBump),
		record.Status,
		int64(record.Lamports),
		raw,
		int64(record.CreatedSlot),
		int64(record.Slot),
		record.CreatedAt,
		record.UpdatedAt,
	)
	return err
}

func (s *Store) markOrderClosedTx(ctx context.Context, tx *Tx, record OrderRecord) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE orders SET status = ?, lamports = 0, slot = ?, updated_at = ?
		WHERE pubkey = ?
	`, OrderStatusClosed, int64(record.Slot), record.UpdatedAt, record.Pubkey)
	return err
}

func (s *Store) insertOrderEventTx(ctx context.Context, tx *Tx, event *OrderEvent) error {
	row := tx.QueryRowContext(ctx, `
		INSERT INTO order_events (
			order_pubkey, event_type, maker, taker, maker_mint, taker_mint,
			maker_amount, taker_amount, status, slot, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`,
		event.OrderPubkey,
		event.EventType,
		event.Maker,
		event.Taker,
		event.MakerMint,
		event.TakerMint,
		event.MakerAmount,
		event.TakerAmount,
		event.Status,
		int64(event.Slot),
		event.RecordedAt,
	)
	return row.Scan(&event.ID)
}

func (s *Store) UpsertTreasuryTx(ctx context.Context, tx *Tx, pubkey, programID solana.PublicKey, treasury *swap.Treasury, lamports, slot uint64) error {
	raw, err := json.Marshal(treasury)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO treasuries (pubkey, program_id, authority, fee_bps, bump, lamports, raw_json, slot, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pubkey) DO UPDATE SET
			program_id = excluded.program_id,
			authority = excluded.authority,
			fee_bps = excluded.fee_bps,
			bump = excluded.bump,
			lamports = excluded.lamports,
			raw_json = excluded.raw_json,
			slot = excluded.slot,
			updated_at = excluded.updated_at
	`,
		pubkey.String(),
		programID.String(),
		treasury.Authority.String(),
		int(treasury.FeeBps),
		int(treasury.Bump),
		int64(lamports),
		string(raw),
		int64(slot),
		time.Now().Unix(),
	)
	return err
}

// applySyncPlanTx writes a plan and fills in the ids of its events.
func (s *Store) applySyncPlanTx(ctx context.Context, tx *Tx, plan *syncPlan) error {
	for _, record := range plan.upserts {
		if err := s.upsertOrderTx(ctx, tx, record); err != nil {
			return fmt.Errorf("upsert order %s: %w", record.Pubkey, err)
		}
	}
	for _, record := range plan.closed {
		if err := s.markOrderClosedTx(ctx, tx, record); err != nil {
			return fmt.Errorf("close order %s: %w", record.Pubkey, err)
		}
	}
	for i := range plan.events {
		if err := s.insertOrderEventTx(ctx, tx, &plan.events[i]); err != nil {
			return fmt.Errorf("insert %s event for %s: %w", plan.events[i].EventType, plan.events[i].OrderPubkey, err)
		}
	}
	return nil
}

func orderRawJSON(record OrderRecord) (string, error) {
	makerAmount, err := strconv.ParseUint(record.MakerAmount, 10, 64)
	if err != nil {
		return "", fmt.Errorf("maker amount: %w", err)
	}
	takerAmount, err := strconv.ParseUint(record.TakerAmount, 10, 64)
	if err != nil {
		return "", fmt.Errorf("taker amount: %w", err)
	}
	raw, err := json.Marshal(map[string]any{
		"maker":        record.Maker,
		"taker":        record.Taker,
		"maker_mint":   record.MakerMint,
		"taker_mint":   record.TakerMint,
		"maker_amount": makerAmount,
		"taker_amount": takerAmount,
		"escrow_bump":  record.EscrowBump,
		"status":       record.Status,
	})
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
