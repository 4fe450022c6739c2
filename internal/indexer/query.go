package indexer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
)

type OrderFilter struct {
	Maker     string
	Taker     string
	MakerMint string
	TakerMint string
	Status    string
	Limit     int
	Offset    int
}

type OrderRecord struct {
	Pubkey      string `json:"pubkey"`
	Maker       string `json:"maker"`
	Taker       string `json:"taker"`
	MakerMint   string `json:"maker_mint"`
	TakerMint   string `json:"taker_mint"`
	MakerAmount string `json:"maker_amount"`
	TakerAmount string `json:"taker_amount"`
	EscrowBump  uint8  `json:"escrow_bump"`
	Status      string `json:"status"`
	Lamports    uint64 `json:"lamports"`
	CreatedSlot uint64 `json:"created_slot"`
	Slot        uint64 `json:"slot"`
	CreatedAt   int64  `json:"created_at"`
	UpdatedAt   int64  `json:"updated_at"`
}

type OrderEventFilter struct {
	OrderPubkey string
	EventType   string
	Maker       string
	AfterID     int64
	Limit       int
	Offset      int
}

type OrderEventRecord struct {
	ID          int64  `json:"id"`
	OrderPubkey string `json:"order_pubkey"`
	EventType   string `json:"event_type"`
	Maker       string `json:"maker"`
	Taker       string `json:"taker"`
	MakerMint   string `json:"maker_mint"`
	TakerMint   string `json:"taker_mint"`
	MakerAmount string `json:"maker_amount"`
	TakerAmount string `json:"taker_amount"`
	Status      string `json:"status"`
	Slot        uint64 `json:"slot"`
	RecordedAt  int64  `json:"recorded_at"`
}

type TreasuryRecord struct {
	Pubkey    string `json:"pubkey"`
	ProgramID string `json:"program_id"`
	Authority string `json:"authority"`
	FeeBps    uint16 `json:"fee_bps"`
	Bump      uint8  `json:"bump"`
	Lamports  uint64 `json:"lamports"`
	Slot      uint64 `json:"slot"`
	UpdatedAt int64  `json:"updated_at"`
}

type SyncState struct {
	LastSlot  uint64 `json:"last_slot"`
	UpdatedAt int64  `json:"updated_at"`
}

const orderColumns = `
	pubkey,
	maker,
	taker,
	maker_mint,
	taker_mint,
	maker_amount,
	taker_amount,
	escrow_bump,
	status,
	lamports,
	created_slot,
	slot,
	created_at,
	updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (OrderRecord, error) {
	var item OrderRecord
	var bump int
	var lamports, createdSlot, slot int64
	if err := row.Scan(
		&item.Pubkey,
		&item.Maker,
		&item.Taker,
		&item.MakerMint,
		&item.TakerMint,
		&item.MakerAmount,
		&item.TakerAmount,
		&bump,
		&item.Status,
		&lamports,
		&createdSlot,
		&slot,
		&item.CreatedAt,
		&item.UpdatedAt,
	); err != nil {
		return OrderRecord{}, err
	}
	item.EscrowBump = uint8(bump)
	item.Lamports = uint64(lamports)
	item.CreatedSlot = uint64(createdSlot)
	item.Slot = uint64(slot)
	return item, nil
}

// buildOrderQuery renders the filtered, paginated order listing. The
// placeholders are rebound for postgres when executed.
func buildOrderQuery(filter OrderFilter, limit, offset int) (string, []any) {
	clauses := []string{"1 = 1"}
	args := make([]any, 0, 7)

	if filter.Maker != "" {
		clauses = append(clauses, "maker = ?")
		args = append(args, filter.Maker)
	}
	if filter.Taker != "" {
		clauses = append(clauses, "taker = ?")
		args = append(args, filter.Taker)
	}
	if filter.MakerMint != "" {
		clauses = append(clauses, "maker_mint = ?")
		args = append(args, filter.MakerMint)
	}
	if filter.TakerMint != "" {
		clauses = append(clauses, "taker_mint = ?")
		args = append(args, filter.TakerMint)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, filter.Status)
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM orders
		WHERE %s
		ORDER BY updated_at DESC, pubkey ASC
		LIMIT ? OFFSET ?
	`, orderColumns, strings.Join(clauses, " AND "))
	args = append(args, limit, offset)
	return query, args
}

func (s *Store) ListOrders(ctx context.Context, filter OrderFilter) ([]OrderRecord, int, int, error) {
	limit, offset := normalizePagination(filter.Limit, filter.Offset)
	query, args := buildOrderQuery(filter, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, 0, err
	}
	defer rows.Close()

	items := make([]OrderRecord, 0, limit)
	for rows.Next() {
		item, err := scanOrder(rows)
		if err != nil {
			return nil, 0, 0, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, 0, err
	}

	return items, limit, offset, nil
}

// GetOrder returns nil when the order was never indexed.
func (s *Store) GetOrder(ctx context.Context, pubkey string) (*OrderRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE pubkey = ?`, pubkey)
	item, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func buildOrderEventQuery(filter OrderEventFilter, limit, offset int) (string, []any) {
	clauses := []string{"1 = 1"}
	args := make([]any, 0, 6)

	if filter.OrderPubkey != "" {
		clauses = append(clauses, "order_pubkey = ?")
		args = append(args, filter.OrderPubkey)
	}
	if filter.EventType != "" {
		clauses = append(clauses, "event_type = ?")
		args = append(args, filter.EventType)
	}
	if filter.Maker != "" {
		clauses = append(clauses, "maker = ?")
		args = append(args, filter.Maker)
	}
	if filter.AfterID > 0 {
		clauses = append(clauses, "id > ?")
		args = append(args, filter.AfterID)
	}

	query := fmt.Sprintf(`
		SELECT
			id,
			order_pubkey,
			event_type,
			maker,
			taker,
			maker_mint,
			taker_mint,
			maker_amount,
			taker_amount,
			status,
			slot,
			recorded_at
		FROM order_events
		WHERE %s
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`, strings.Join(clauses, " AND "))
	args = append(args, limit, offset)
	return query, args
}

func (s *Store) ListOrderEvents(ctx context.Context, filter OrderEventFilter) ([]OrderEventRecord, int, int, error) {
	limit, offset := normalizePagination(filter.Limit, filter.Offset)
	query, args := buildOrderEventQuery(filter, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, 0, err
	}
	defer rows.Close()

	items := make([]OrderEventRecord, 0, limit)
	for rows.Next() {
		var item OrderEventRecord
		var slot int64
		if err := rows.Scan(
			&item.ID,
			&item.OrderPubkey,
			&item.EventType,
			&item.Maker,
			&item.Taker,
			&item.MakerMint,
			&item.TakerMint,
			&item.MakerAmount,
			&item.TakerAmount,
			&item.Status,
			&slot,
			&item.RecordedAt,
		); err != nil {
			return nil, 0, 0, err
		}
		item.Slot = uint64(slot)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, 0, err
	}

	return items, limit, offset, nil
}

// GetTreasury returns nil until the treasury has been indexed.
func (s *Store) GetTreasury(ctx context.Context) (*TreasuryRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT pubkey, program_id, authority, fee_bps, bump, lamports, slot, updated_at
		FROM treasuries
		ORDER BY updated_at DESC
		LIMIT 1
	`)
	var item TreasuryRecord
	var feeBps, bump int
	var lamports, slot int64
	err := row.Scan(&item.Pubkey, &item.ProgramID, &item.Authority, &feeBps, &bump, &lamports, &slot, &item.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	item.FeeBps = uint16(feeBps)
	item.Bump = uint8(bump)
	item.Lamports = uint64(lamports)
	item.Slot = uint64(slot)
	return &item, nil
}

func (s *Store) GetSyncState(ctx context.Context) (*SyncState, error) {
	row := s.db.QueryRowContext(ctx, `SELECT last_slot, updated_at FROM sync_state WHERE id = 1`)
	var state SyncState
	var slot int64
	err := row.Scan(&slot, &state.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	state.LastSlot = uint64(slot)
	return &state, nil
}

func normalizePagination(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
