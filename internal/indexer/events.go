package indexer

import (
	"sort"
	"strconv"

	"github.com/gagliardetto/solana-go"

	"github.com/coldbell/p2pswap/internal/swap"
)

const (
	EventCreated      = "created"
	EventAmended      = "amended"
	EventTakerChanged = "taker_changed"
	EventSettled      = "settled"
	EventClosed       = "closed"

	// OrderStatusClosed marks an order whose account no longer exists.
	OrderStatusClosed = "closed"
)

// OrderEvent is one lifecycle transition observed between two scans.
type OrderEvent struct {
	ID          int64  `json:"id,omitempty"`
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

// ScannedOrder is an order account as read from the chain.
type ScannedOrder struct {
	Pubkey   solana.PublicKey
	Lamports uint64
	Order    swap.Order
}

func takerText(order *swap.Order) string {
	if !order.HasTaker() {
		return ""
	}
	return order.Taker.String()
}

func newOrderRecord(scanned ScannedOrder, slot uint64, now int64) OrderRecord {
	order := &scanned.Order
	return OrderRecord{
		Pubkey:      scanned.Pubkey.String(),
		Maker:       order.Maker.String(),
		Taker:       takerText(order),
		MakerMint:   order.MakerMint.String(),
		TakerMint:   order.TakerMint.String(),
		MakerAmount: strconv.FormatUint(order.MakerAmount, 10),
		TakerAmount: strconv.FormatUint(order.TakerAmount, 10),
		EscrowBump:  order.EscrowBump,
		Status:      order.Status.String(),
		Lamports:    scanned.Lamports,
		CreatedSlot: slot,
		Slot:        slot,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func newOrderEvent(record OrderRecord, eventType string, slot uint64, now int64) OrderEvent {
	return OrderEvent{
		OrderPubkey: record.Pubkey,
		EventType:   eventType,
		Maker:       record.Maker,
		Taker:       record.Taker,
		MakerMint:   record.MakerMint,
		TakerMint:   record.TakerMint,
		MakerAmount: record.MakerAmount,
		TakerAmount: record.TakerAmount,
		Status:      record.Status,
		Slot:        slot,
		RecordedAt:  now,
	}
}

// diffOrder lists the event types that turn prev into next. A nil prev is a
// newly seen order. The taker written at settlement is part of the settled
// event, not a separate taker change.
func diffOrder(prev *OrderRecord, next OrderRecord) []string {
	if prev == nil || prev.Status == OrderStatusClosed {
		events := []string{EventCreated}
		if next.Status == swap.OrderStatusSettled.String() {
			events = append(events, EventSettled)
		}
		return events
	}

	var events []string
	if prev.MakerAmount != next.MakerAmount || prev.TakerAmount != next.TakerAmount {
		events = append(events, EventAmended)
	}
	settling := prev.Status != next.Status && next.Status == swap.OrderStatusSettled.String()
	if prev.Taker != next.Taker && !settling {
		events = append(events, EventTakerChanged)
	}
	if settling {
		events = append(events, EventSettled)
	}
	return events
}

// syncPlan is everything one scan changes in the store.
type syncPlan struct {
	upserts []OrderRecord
	closed  []OrderRecord
	events  []OrderEvent
}

// planSync compares the live orders in the store with a fresh scan. Orders
// missing from the scan were closed on chain.
func planSync(existing map[string]OrderRecord, scanned []ScannedOrder, slot uint64, now int64) syncPlan {
	var plan syncPlan
	seen := make(map[string]struct{}, len(scanned))
	for _, item := range scanned {
		next := newOrderRecord(item, slot, now)
		seen[next.Pubkey] = struct{}{}

		var prev *OrderRecord
		if record, ok := existing[next.Pubkey]; ok {
			prev = &record
			if record.Status != OrderStatusClosed {
				next.CreatedSlot = record.CreatedSlot
				next.CreatedAt = record.CreatedAt
			}
		}
		eventTypes := diffOrder(prev, next)
		if prev != nil && len(eventTypes) == 0 && prev.Lamports == next.Lamports && prev.EscrowBump == next.EscrowBump {
			continue
		}
		plan.upserts = append(plan.upserts, next)
		for _, eventType := range eventTypes {
			plan.events = append(plan.events, newOrderEvent(next, eventType, slot, now))
		}
	}

	pubkeys := make([]string, 0, len(existing))
	for pubkey := range existing {
		pubkeys = append(pubkeys, pubkey)
	}
	sort.Strings(pubkeys)
	for _, pubkey := range pubkeys {
		record := existing[pubkey]
		if _, ok := seen[pubkey]; ok || record.Status == OrderStatusClosed {
			continue
		}
		record.Status = OrderStatusClosed
		record.Slot = slot
		record.UpdatedAt = now
		plan.closed = append(plan.closed, record)
		plan.events = append(plan.events, newOrderEvent(record, EventClosed, slot, now))
	}
	return plan
}
