package swap

import (
	"math/bits"

	bin "github.com/gagliardetto/binary"
)

const (
	BpsDenominator = uint64(10_000)
	MaxFeeBps      = uint16(10_000)
)

// ComputeFee returns floor(amount * feeBps / 10_000). The multiplication is
// done in 128 bits and fails with ErrOverflow when it does not fit.
func ComputeFee(amount bin.Uint128, feeBps uint16) (bin.Uint128, error) {
	if feeBps == 0 || (amount.Lo == 0 && amount.Hi == 0) {
		return bin.Uint128{}, nil
	}

	carry, lo := bits.Mul64(amount.Lo, uint64(feeBps))
	overflow, hi := bits.Mul64(amount.Hi, uint64(feeBps))
	if overflow != 0 {
		return bin.Uint128{}, ErrOverflow
	}
	hi, c := bits.Add64(hi, carry, 0)
	if c != 0 {
		return bin.Uint128{}, ErrOverflow
	}

	qHi := hi / BpsDenominator
	qLo, _ := bits.Div64(hi%BpsDenominator, lo, BpsDenominator)
	return bin.Uint128{Lo: qLo, Hi: qHi}, nil
}

// feeFor applies ComputeFee to a token amount and narrows the result back to
// 64 bits.
func feeFor(amount uint64, feeBps uint16) (uint64, error) {
	fee, err := ComputeFee(bin.Uint128{Lo: amount}, feeBps)
	if err != nil {
		return 0, err
	}
	if fee.Hi != 0 {
		return 0, ErrOverflow
	}
	return fee.Lo, nil
}

// splitFee returns (net, fee) for one leg of a swap.
func splitFee(amount uint64, feeBps uint16) (uint64, uint64, error) {
	fee, err := feeFor(amount, feeBps)
	if err != nil {
		return 0, 0, err
	}
	net, borrow := bits.Sub64(amount, fee, 0)
	if borrow != 0 {
		return 0, 0, ErrOverflow
	}
	return net, fee, nil
}
