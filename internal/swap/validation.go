package swap

import (
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"

	"github.com/coldbell/p2pswap/internal/svm"
)

func requireAccounts(accounts []*svm.AccountInfo, n int) error {
	if len(accounts) < n {
		return svm.ErrNotEnoughAccountKeys
	}
	return nil
}

func validateSigner(info *svm.AccountInfo) error {
	if !info.IsSigner {
		return ErrUnauthorizedSigner
	}
	return nil
}

// validateTokenMint checks the mint is owned by a supported token program and
// parses as an initialized mint.
func validateTokenMint(mint *svm.AccountInfo) (TokenProgram, *token.Mint, error) {
	if mint.Account == nil {
		return nil, nil, ErrInvalidMint
	}
	tp, err := TokenProgramFor(mint.Owner)
	if err != nil {
		return nil, nil, ErrInvalidMint
	}
	m, err := UnpackMint(mint.Data)
	if err != nil {
		return nil, nil, ErrInvalidMint
	}
	return tp, m, nil
}

// validateTokenProgram checks the declared token program is supported and is
// the program that owns the mint, and returns the mint decimals.
func validateTokenProgram(program, mint *svm.AccountInfo) (TokenProgram, uint8, error) {
	tp, _, err := validateTokenMint(mint)
	if err != nil {
		return nil, 0, err
	}
	if !IsTokenProgram(program.Key) || !program.Key.Equals(tp.ID()) {
		return nil, 0, ErrInvalidTokenProgram
	}
	decimals, err := tp.Decimals(mint)
	if err != nil {
		return nil, 0, err
	}
	return tp, decimals, nil
}

func validateTokenAccount(tp TokenProgram, info *svm.AccountInfo, owner, mint solana.PublicKey) (*token.Account, error) {
	acct, err := tp.UnpackAccount(info)
	if err != nil {
		return nil, ErrInvalidTokenAccount
	}
	if !acct.Owner.Equals(owner) || !acct.Mint.Equals(mint) {
		return nil, ErrInvalidTokenAccount
	}
	if acct.State == token.Frozen {
		return nil, ErrInvalidTokenAccount
	}
	return acct, nil
}

func validateAmounts(makerAmount, takerAmount uint64) error {
	if makerAmount == 0 || takerAmount == 0 {
		return ErrInvalidAmount
	}
	return nil
}

func validateSystemProgram(info *svm.AccountInfo) error {
	if !info.Key.Equals(solana.SystemProgramID) {
		return svm.ErrIncorrectProgramID
	}
	return nil
}

func validateRentSysvar(info *svm.AccountInfo) error {
	if !info.Key.Equals(solana.SysVarRentPubkey) {
		return svm.ErrInvalidArgument
	}
	return nil
}

// loadOrder decodes the order stored at info and checks that info sits at
// the address its own fields derive, with the canonical bump.
func loadOrder(programID solana.PublicKey, info *svm.AccountInfo) (*Order, error) {
	if info.Account == nil || !info.Owner.Equals(programID) || info.DataLen() < OrderLen {
		return nil, ErrInvalidOrderState
	}
	order, err := DecodeOrder(info.Data)
	if err != nil {
		return nil, ErrInvalidOrderState
	}
	if err := validateOrderPDA(programID, info.Key, order); err != nil {
		return nil, err
	}
	return order, nil
}

func validateOrderPDA(programID, address solana.PublicKey, order *Order) error {
	expected, bump, err := DeriveOrderPDA(programID, order.Maker, order.MakerMint, order.TakerMint)
	if err != nil {
		return ErrInvalidOrderState
	}
	if !expected.Equals(address) || bump != order.EscrowBump {
		return ErrInvalidOrderState
	}
	return nil
}

func loadTreasury(programID solana.PublicKey, info *svm.AccountInfo) (*Treasury, error) {
	if info.Account == nil || !info.Owner.Equals(programID) {
		return nil, svm.ErrInvalidAccountOwner
	}
	treasury, err := DecodeTreasury(info.Data)
	if err != nil {
		return nil, svm.ErrInvalidAccountData
	}
	expected, bump, err := DeriveTreasuryPDA(programID)
	if err != nil {
		return nil, svm.ErrInvalidSeeds
	}
	if !expected.Equals(info.Key) || bump != treasury.Bump {
		return nil, svm.ErrInvalidSeeds
	}
	return treasury, nil
}

// authorizeMaker requires the order's maker to have signed.
func authorizeMaker(order *Order, signer *svm.AccountInfo) error {
	if !signer.IsSigner || !signer.Key.Equals(order.Maker) {
		return ErrUnauthorizedSigner
	}
	return nil
}

// authorizeTaker accepts any signer for an open order and only the assigned
// taker otherwise.
func authorizeTaker(order *Order, signer *svm.AccountInfo) error {
	if !signer.IsSigner {
		return ErrUnauthorizedSigner
	}
	if order.HasTaker() && !signer.Key.Equals(order.Taker) {
		return ErrUnauthorizedSigner
	}
	return nil
}

// authorizeClose lets the maker close an open order and either party close a
// settled one.
func authorizeClose(order *Order, signer *svm.AccountInfo) error {
	if !signer.IsSigner {
		return ErrUnauthorizedSigner
	}
	if signer.Key.Equals(order.Maker) {
		return nil
	}
	if order.Status == OrderStatusSettled && order.HasTaker() && signer.Key.Equals(order.Taker) {
		return nil
	}
	return ErrUnauthorizedSigner
}
