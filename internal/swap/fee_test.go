package swap

import (
	"errors"
	"math"
	"math/big"
	"testing"

	bin "github.com/gagliardetto/binary"
)

func u128(v uint64) bin.Uint128 { return bin.Uint128{Lo: v} }

func u128FromBig(t *testing.T, v *big.Int) bin.Uint128 {
	t.Helper()
	if v.Sign() < 0 || v.BitLen() > 128 {
		t.Fatalf("%s does not fit in 128 bits", v)
	}
	lo := new(big.Int).And(v, new(big.Int).SetUint64(math.MaxUint64))
	hi := new(big.Int).Rsh(v, 64)
	return bin.Uint128{Lo: lo.Uint64(), Hi: hi.Uint64()}
}

func toBig(v bin.Uint128) *big.Int {
	out := new(big.Int).SetUint64(v.Hi)
	out.Lsh(out, 64)
	return out.Or(out, new(big.Int).SetUint64(v.Lo))
}

func TestComputeFee(t *testing.T) {
	maxU128 := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))

	tests := []struct {
		name    string
		amount  bin.Uint128
		feeBps  uint16
		want    *big.Int
		wantErr error
	}{
		{name: "one percent", amount: u128(10_000), feeBps: 100, want: big.NewInt(100)},
		{name: "half percent", amount: u128(10_000), feeBps: 50, want: big.NewInt(50)},
		{name: "single bp", amount: u128(10_000), feeBps: 1, want: big.NewInt(1)},
		{name: "rounds down below one", amount: u128(9_999), feeBps: 1, want: big.NewInt(0)},
		{name: "rounds down above one", amount: u128(10_001), feeBps: 1, want: big.NewInt(1)},
		{name: "large amount", amount: u128(1_000_000_000_000_000_000), feeBps: 30, want: big.NewInt(3_000_000_000_000_000)},
		{name: "odd amount", amount: u128(1_234_567_890_123_456_789), feeBps: 123, want: big.NewInt(15_185_185_048_518_518)},
		{name: "full fee", amount: u128(100), feeBps: 10_000, want: big.NewInt(100)},
		{name: "zero amount", amount: u128(0), feeBps: 100, want: big.NewInt(0)},
		{name: "zero fee", amount: u128(10_000), feeBps: 0, want: big.NewInt(0)},
		{name: "max u64", amount: u128(math.MaxUint64), feeBps: 10_000, want: new(big.Int).SetUint64(math.MaxUint64)},
		{
			name:   "widest product that fits",
			amount: u128FromBig(t, new(big.Int).Div(maxU128, big.NewInt(10_000))),
			feeBps: 9_999,
			want: new(big.Int).Div(
				new(big.Int).Mul(new(big.Int).Div(maxU128, big.NewInt(10_000)), big.NewInt(9_999)),
				big.NewInt(10_000),
			),
		},
		{
			name:    "product overflows",
			amount:  u128FromBig(t, new(big.Int).Div(maxU128, big.NewInt(9_999))),
			feeBps:  10_000,
			wantErr: ErrOverflow,
		},
		{
			name:    "max amount",
			amount:  u128FromBig(t, maxU128),
			feeBps:  2,
			wantErr: ErrOverflow,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ComputeFee(tc.amount, tc.feeBps)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("err = %v, want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if toBig(got).Cmp(tc.want) != 0 {
				t.Errorf("fee = %s, want %s", toBig(got), tc.want)
			}
		})
	}
}

func TestSplitFee(t *testing.T) {
	tests := []struct {
		amount  uint64
		feeBps  uint16
		net     uint64
		fee     uint64
		wantErr error
	}{
		{amount: 100_000, feeBps: 100, net: 99_000, fee: 1_000},
		{amount: 200_000, feeBps: 100, net: 198_000, fee: 2_000},
		{amount: 1, feeBps: 9_999, net: 1, fee: 0},
		{amount: 500, feeBps: 10_000, net: 0, fee: 500},
		{amount: 500, feeBps: 20_000, wantErr: ErrOverflow},
	}
	for _, tc := range tests {
		net, fee, err := splitFee(tc.amount, tc.feeBps)
		if tc.wantErr != nil {
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("splitFee(%d, %d) err = %v, want %v", tc.amount, tc.feeBps, err, tc.wantErr)
			}
			continue
		}
		if err != nil {
			t.Errorf("splitFee(%d, %d): %v", tc.amount, tc.feeBps, err)
			continue
		}
		if net != tc.net || fee != tc.fee {
			t.Errorf("splitFee(%d, %d) = (%d, %d), want (%d, %d)", tc.amount, tc.feeBps, net, fee, tc.net, tc.fee)
		}
		if net+fee != tc.amount {
			t.Errorf("splitFee(%d, %d) does not conserve the amount", tc.amount, tc.feeBps)
		}
	}
}
