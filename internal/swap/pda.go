package swap

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
)

var (
	orderSeed    = []byte("order")
	treasurySeed = []byte("treasury")
)

func orderSeeds(maker, makerMint, takerMint solana.PublicKey) [][]byte {
	return [][]byte{orderSeed, maker.Bytes(), makerMint.Bytes(), takerMint.Bytes()}
}

func DeriveOrderPDA(programID, maker, makerMint, takerMint solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress(orderSeeds(maker, makerMint, takerMint), programID)
}

func DeriveTreasuryPDA(programID solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{treasurySeed}, programID)
}

// DeriveAssociatedTokenAddress works for both token programs. The helper in
// solana-go is fixed to the legacy program id.
func DeriveAssociatedTokenAddress(wallet, mint, tokenProgram solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress(
		[][]byte{wallet.Bytes(), tokenProgram.Bytes(), mint.Bytes()},
		solana.SPLAssociatedTokenAccountProgramID,
	)
}

func MustDeriveOrderPDA(programID, maker, makerMint, takerMint solana.PublicKey) solana.PublicKey {
	pk, _, err := DeriveOrderPDA(programID, maker, makerMint, takerMint)
	if err != nil {
		panic(fmt.Errorf("derive order PDA: %w", err))
	}
	return pk
}

func MustDeriveTreasuryPDA(programID solana.PublicKey) solana.PublicKey {
	pk, _, err := DeriveTreasuryPDA(programID)
	if err != nil {
		panic(fmt.Errorf("derive treasury PDA: %w", err))
	}
	return pk
}

func MustDeriveAssociatedTokenAddress(wallet, mint, tokenProgram solana.PublicKey) solana.PublicKey {
	pk, _, err := DeriveAssociatedTokenAddress(wallet, mint, tokenProgram)
	if err != nil {
		panic(fmt.Errorf("derive associated token address: %w", err))
	}
	return pk
}

// EscrowHandle is the proof of control over an address with no private key:
// the seed tuple and bump that reproduce it under the program id.
type EscrowHandle struct {
	Seeds [][]byte
	Bump  uint8
}

func OrderEscrowHandle(order *Order) EscrowHandle {
	return EscrowHandle{Seeds: orderSeeds(order.Maker, order.MakerMint, order.TakerMint), Bump: order.EscrowBump}
}

func TreasuryHandle(bump uint8) EscrowHandle {
	return EscrowHandle{Seeds: [][]byte{treasurySeed}, Bump: bump}
}

// SignerSeeds is the seed tuple passed to Invoke.
func (h EscrowHandle) SignerSeeds() [][]byte {
	out := make([][]byte, 0, len(h.Seeds)+1)
	out = append(out, h.Seeds...)
	return append(out, []byte{h.Bump})
}

// Address recomputes the derived address. It fails when seeds and bump land
// on the curve.
func (h EscrowHandle) Address(programID solana.PublicKey) (solana.PublicKey, error) {
	return solana.CreateProgramAddress(h.SignerSeeds(), programID)
}
