package swap

import (
	"bytes"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

const (
	TagInitializeTreasury uint8 = iota
	TagUpdateTreasuryAuthority
	TagHarvest
	TagInitializeOrder
	TagChangeOrderAmounts
	TagChangeTaker
	TagCompleteSwap
	TagCloseOrder
)

// Instruction is the closed set of operations the program accepts. The
// variant tag is the first byte of the instruction data.
type Instruction interface {
	Tag() uint8
	Name() string
	bin.BinaryMarshaler
}

type InitializeTreasury struct {
	Authority solana.PublicKey
	FeeBps    uint16
}

type UpdateTreasuryAuthority struct {
	Authority solana.PublicKey
	FeeBps    uint16
}

type Harvest struct{}

type InitializeOrder struct {
	MakerAmount uint64
	TakerAmount uint64
	// Taker pins the counterparty at creation. Nil leaves the order open.
	Taker *solana.PublicKey
}

type ChangeOrderAmounts struct {
	NewMakerAmount uint64
	NewTakerAmount uint64
}

// ChangeTaker assigns a counterparty. The zero key reopens the order.
type ChangeTaker struct {
	NewTaker solana.PublicKey
}

type CompleteSwap struct{}

type CloseOrder struct{}

func (InitializeTreasury) Tag() uint8      { return TagInitializeTreasury }
func (UpdateTreasuryAuthority) Tag() uint8 { return TagUpdateTreasuryAuthority }
func (Harvest) Tag() uint8                 { return TagHarvest }
func (InitializeOrder) Tag() uint8         { return TagInitializeOrder }
func (ChangeOrderAmounts) Tag() uint8      { return TagChangeOrderAmounts }
func (ChangeTaker) Tag() uint8             { return TagChangeTaker }
func (CompleteSwap) Tag() uint8            { return TagCompleteSwap }
func (CloseOrder) Tag() uint8              { return TagCloseOrder }

func (InitializeTreasury) Name() string      { return "InitializeTreasury" }
func (UpdateTreasuryAuthority) Name() string { return "UpdateTreasuryAuthority" }
func (Harvest) Name() string                 { return "Harvest" }
func (InitializeOrder) Name() string         { return "InitializeOrder" }
func (ChangeOrderAmounts) Name() string      { return "ChangeOrderAmounts" }
func (ChangeTaker) Name() string             { return "ChangeTaker" }
func (CompleteSwap) Name() string            { return "CompleteSwap" }
func (CloseOrder) Name() string              { return "CloseOrder" }

func (ix InitializeTreasury) MarshalWithEncoder(enc *bin.Encoder) error {
	return encodeTreasuryArgs(enc, ix.Authority, ix.FeeBps)
}

func (ix UpdateTreasuryAuthority) MarshalWithEncoder(enc *bin.Encoder) error {
	return encodeTreasuryArgs(enc, ix.Authority, ix.FeeBps)
}

func (Harvest) MarshalWithEncoder(*bin.Encoder) error { return nil }

func (ix InitializeOrder) MarshalWithEncoder(enc *bin.Encoder) error {
	if err := enc.WriteUint64(ix.MakerAmount, bin.LE); err != nil {
		return err
	}
	if err := enc.WriteUint64(ix.TakerAmount, bin.LE); err != nil {
		return err
	}
	if err := enc.WriteOption(ix.Taker != nil); err != nil {
		return err
	}
	if ix.Taker == nil {
		return nil
	}
	return enc.WriteBytes(ix.Taker[:], false)
}

func (ix ChangeOrderAmounts) MarshalWithEncoder(enc *bin.Encoder) error {
	if err := enc.WriteUint64(ix.NewMakerAmount, bin.LE); err != nil {
		return err
	}
	return enc.WriteUint64(ix.NewTakerAmount, bin.LE)
}

func (ix ChangeTaker) MarshalWithEncoder(enc *bin.Encoder) error {
	return enc.WriteBytes(ix.NewTaker[:], false)
}

func (CompleteSwap) MarshalWithEncoder(*bin.Encoder) error { return nil }

func (CloseOrder) MarshalWithEncoder(*bin.Encoder) error { return nil }

func encodeTreasuryArgs(enc *bin.Encoder, authority solana.PublicKey, feeBps uint16) error {
	if err := enc.WriteBytes(authority[:], false); err != nil {
		return err
	}
	return enc.WriteUint16(feeBps, bin.LE)
}

// EncodeInstruction returns the tag byte followed by the Borsh body.
func EncodeInstruction(ix Instruction) ([]byte, error) {
	buf := new(bytes.Buffer)
	enc := bin.NewBorshEncoder(buf)
	if err := enc.WriteUint8(ix.Tag()); err != nil {
		return nil, err
	}
	if err := ix.MarshalWithEncoder(enc); err != nil {
		return nil, fmt.Errorf("encode %s: %w", ix.Name(), err)
	}
	return buf.Bytes(), nil
}

// DecodeInstruction is strict: unknown tags, short bodies and trailing bytes
// all fail with ErrInvalidInstruction.
func DecodeInstruction(data []byte) (Instruction, error) {
	if len(data) == 0 {
		return nil, ErrInvalidInstruction
	}
	dec := bin.NewBorshDecoder(data[1:])

	var (
		ix  Instruction
		err error
	)
	switch data[0] {
	case TagInitializeTreasury:
		var out InitializeTreasury
		out.Authority, out.FeeBps, err = decodeTreasuryArgs(dec)
		ix = out
	case TagUpdateTreasuryAuthority:
		var out UpdateTreasuryAuthority
		out.Authority, out.FeeBps, err = decodeTreasuryArgs(dec)
		ix = out
	case TagHarvest:
		ix = Harvest{}
	case TagInitializeOrder:
		var out InitializeOrder
		out, err = decodeInitializeOrder(dec)
		ix = out
	case TagChangeOrderAmounts:
		var out ChangeOrderAmounts
		if out.NewMakerAmount, err = dec.ReadUint64(bin.LE); err == nil {
			out.NewTakerAmount, err = dec.ReadUint64(bin.LE)
		}
		ix = out
	case TagChangeTaker:
		var out ChangeTaker
		out.NewTaker, err = readPublicKey(dec)
		ix = out
	case TagCompleteSwap:
		ix = CompleteSwap{}
	case TagCloseOrder:
		ix = CloseOrder{}
	default:
		return nil, ErrInvalidInstruction
	}
	if err != nil || dec.HasRemaining() {
		return nil, ErrInvalidInstruction
	}
	return ix, nil
}

func decodeTreasuryArgs(dec *bin.Decoder) (solana.PublicKey, uint16, error) {
	authority, err := readPublicKey(dec)
	if err != nil {
		return solana.PublicKey{}, 0, err
	}
	feeBps, err := dec.ReadUint16(bin.LE)
	return authority, feeBps, err
}

func decodeInitializeOrder(dec *bin.Decoder) (out InitializeOrder, err error) {
	if out.MakerAmount, err = dec.ReadUint64(bin.LE); err != nil {
		return out, err
	}
	if out.TakerAmount, err = dec.ReadUint64(bin.LE); err != nil {
		return out, err
	}
	// Older clients omit the taker option entirely.
	if !dec.HasRemaining() {
		return out, nil
	}
	present, err := dec.ReadOption()
	if err != nil || !present {
		return out, err
	}
	taker, err := readPublicKey(dec)
	if err != nil {
		return out, err
	}
	out.Taker = &taker
	return out, nil
}
