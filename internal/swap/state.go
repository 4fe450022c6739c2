package swap

import (
	"bytes"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

const (
	OrderLen    = 32*4 + 8*2 + 1 + 1
	TreasuryLen = 32 + 2 + 1
)

type OrderStatus uint8

const (
	OrderStatusOpen OrderStatus = iota
	OrderStatusSettled
)

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusOpen:
		return "open"
	case OrderStatusSettled:
		return "settled"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

func (s OrderStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *OrderStatus) UnmarshalText(text []byte) error {
	status, err := ParseOrderStatus(string(text))
	if err != nil {
		return err
	}
	*s = status
	return nil
}

func ParseOrderStatus(raw string) (OrderStatus, error) {
	switch raw {
	case "open":
		return OrderStatusOpen, nil
	case "settled":
		return OrderStatusSettled, nil
	default:
		return 0, fmt.Errorf("unknown order status %q", raw)
	}
}

// Order is one maker's standing offer. It lives at the address derived from
// (maker, maker mint, taker mint), which also owns the escrow token account.
type Order struct {
	Maker       solana.PublicKey `json:"maker"`
	Taker       solana.PublicKey `json:"taker"`
	MakerMint   solana.PublicKey `json:"maker_mint"`
	TakerMint   solana.PublicKey `json:"taker_mint"`
	MakerAmount uint64           `json:"maker_amount"`
	TakerAmount uint64           `json:"taker_amount"`
	EscrowBump  uint8            `json:"escrow_bump"`
	Status      OrderStatus      `json:"status"`
}

// HasTaker is false for an open order anyone may fill.
func (o *Order) HasTaker() bool {
	return !o.Taker.IsZero()
}

func (o Order) MarshalWithEncoder(enc *bin.Encoder) error {
	for _, key := range []solana.PublicKey{o.Maker, o.Taker, o.MakerMint, o.TakerMint} {
		if err := enc.WriteBytes(key[:], false); err != nil {
			return err
		}
	}
	if err := enc.WriteUint64(o.MakerAmount, bin.LE); err != nil {
		return err
	}
	if err := enc.WriteUint64(o.TakerAmount, bin.LE); err != nil {
		return err
	}
	if err := enc.WriteUint8(o.EscrowBump); err != nil {
		return err
	}
	return enc.WriteUint8(uint8(o.Status))
}

func (o *Order) UnmarshalWithDecoder(dec *bin.Decoder) (err error) {
	for _, key := range []*solana.PublicKey{&o.Maker, &o.Taker, &o.MakerMint, &o.TakerMint} {
		if *key, err = readPublicKey(dec); err != nil {
			return err
		}
	}
	if o.MakerAmount, err = dec.ReadUint64(bin.LE); err != nil {
		return err
	}
	if o.TakerAmount, err = dec.ReadUint64(bin.LE); err != nil {
		return err
	}
	if o.EscrowBump, err = dec.ReadUint8(); err != nil {
		return err
	}
	status, err := dec.ReadUint8()
	if err != nil {
		return err
	}
	o.Status = OrderStatus(status)
	return nil
}

func DecodeOrder(data []byte) (*Order, error) {
	if len(data) < OrderLen {
		return nil, fmt.Errorf("order data too short: %d < %d", len(data), OrderLen)
	}
	var order Order
	if err := bin.NewBorshDecoder(data[:OrderLen]).Decode(&order); err != nil {
		return nil, fmt.Errorf("decode order: %w", err)
	}
	return &order, nil
}

// Treasury is the singleton fee policy record.
type Treasury struct {
	Authority solana.PublicKey `json:"authority"`
	FeeBps    uint16           `json:"fee_bps"`
	Bump      uint8            `json:"bump"`
}

func (t Treasury) MarshalWithEncoder(enc *bin.Encoder) error {
	if err := enc.WriteBytes(t.Authority[:], false); err != nil {
		return err
	}
	if err := enc.WriteUint16(t.FeeBps, bin.LE); err != nil {
		return err
	}
	return enc.WriteUint8(t.Bump)
}

func (t *Treasury) UnmarshalWithDecoder(dec *bin.Decoder) (err error) {
	if t.Authority, err = readPublicKey(dec); err != nil {
		return err
	}
	if t.FeeBps, err = dec.ReadUint16(bin.LE); err != nil {
		return err
	}
	t.Bump, err = dec.ReadUint8()
	return err
}

func DecodeTreasury(data []byte) (*Treasury, error) {
	if len(data) < TreasuryLen {
		return nil, fmt.Errorf("treasury data too short: %d < %d", len(data), TreasuryLen)
	}
	var treasury Treasury
	if err := bin.NewBorshDecoder(data[:TreasuryLen]).Decode(&treasury); err != nil {
		return nil, fmt.Errorf("decode treasury: %w", err)
	}
	return &treasury, nil
}

// EncodeOrder returns the account data of an order record.
func EncodeOrder(order *Order) ([]byte, error) {
	data := make([]byte, OrderLen)
	if err := writeRecord(data, order); err != nil {
		return nil, err
	}
	return data, nil
}

func EncodeTreasury(treasury *Treasury) ([]byte, error) {
	data := make([]byte, TreasuryLen)
	if err := writeRecord(data, treasury); err != nil {
		return nil, err
	}
	return data, nil
}

// writeRecord serializes v into the head of dst, which must be large enough.
func writeRecord(dst []byte, v bin.BinaryMarshaler) error {
	buf := new(bytes.Buffer)
	if err := v.MarshalWithEncoder(bin.NewBorshEncoder(buf)); err != nil {
		return err
	}
	if buf.Len() > len(dst) {
		return fmt.Errorf("record needs %d bytes, account has %d", buf.Len(), len(dst))
	}
	copy(dst, buf.Bytes())
	return nil
}

func readPublicKey(dec *bin.Decoder) (solana.PublicKey, error) {
	raw, err := dec.ReadNBytes(solana.PublicKeyLength)
	if err != nil {
		return solana.PublicKey{}, err
	}
	return solana.PublicKeyFromBytes(raw), nil
}
