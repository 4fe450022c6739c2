package swap

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Client-side builders. Account order matches what the processor reads
// positionally.

type InitializeOrderAccounts struct {
	Maker              solana.PublicKey
	MakerTokenAccount  solana.PublicKey
	EscrowTokenAccount solana.PublicKey
	MakerMint          solana.PublicKey
	TakerMint          solana.PublicKey
	TokenProgram       solana.PublicKey
}

type ChangeOrderAmountsAccounts struct {
	Maker              solana.PublicKey
	Order              solana.PublicKey
	EscrowTokenAccount solana.PublicKey
	MakerTokenAccount  solana.PublicKey
	MakerMint          solana.PublicKey
	TokenProgram       solana.PublicKey
}

type CompleteSwapAccounts struct {
	Taker                    solana.PublicKey
	MakerMint                solana.PublicKey
	TakerMint                solana.PublicKey
	Order                    solana.PublicKey
	MakerReceiveAccount      solana.PublicKey
	TakerSendAccount         solana.PublicKey
	TakerReceiveAccount      solana.PublicKey
	EscrowTokenAccount       solana.PublicKey
	TreasuryMakerMintAccount solana.PublicKey
	TreasuryTakerMintAccount solana.PublicKey
	MakerMintTokenProgram    solana.PublicKey
	TakerMintTokenProgram    solana.PublicKey
}

type CloseOrderAccounts struct {
	Authority          solana.PublicKey
	Order              solana.PublicKey
	Receiver           solana.PublicKey
	EscrowTokenAccount solana.PublicKey
	MakerTokenAccount  solana.PublicKey
	MakerMint          solana.PublicKey
	TokenProgram       solana.PublicKey
}

type HarvestAccounts struct {
	Authority            solana.PublicKey
	TreasuryTokenAccount solana.PublicKey
	ReceiverTokenAccount solana.PublicKey
	Mint                 solana.PublicKey
	TokenProgram         solana.PublicKey
}

func NewInitializeTreasuryInstruction(programID, payer, authority solana.PublicKey, feeBps uint16) (*solana.GenericInstruction, error) {
	treasury, _, err := DeriveTreasuryPDA(programID)
	if err != nil {
		return nil, fmt.Errorf("derive treasury PDA: %w", err)
	}
	return newInstruction(programID, InitializeTreasury{Authority: authority, FeeBps: feeBps}, solana.AccountMetaSlice{
		solana.NewAccountMeta(payer, true, true),
		solana.NewAccountMeta(treasury, true, false),
		solana.NewAccountMeta(authority, false, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
		solana.NewAccountMeta(solana.SysVarRentPubkey, false, false),
	})
}

func NewUpdateTreasuryAuthorityInstruction(programID, authority, newAuthority solana.PublicKey, feeBps uint16) (*solana.GenericInstruction, error) {
	treasury, _, err := DeriveTreasuryPDA(programID)
	if err != nil {
		return nil, fmt.Errorf("derive treasury PDA: %w", err)
	}
	return newInstruction(programID, UpdateTreasuryAuthority{Authority: newAuthority, FeeBps: feeBps}, solana.AccountMetaSlice{
		solana.NewAccountMeta(authority, false, true),
		solana.NewAccountMeta(treasury, true, false),
		solana.NewAccountMeta(newAuthority, false, false),
	})
}

func NewHarvestInstruction(programID solana.PublicKey, accounts HarvestAccounts) (*solana.GenericInstruction, error) {
	treasury, _, err := DeriveTreasuryPDA(programID)
	if err != nil {
		return nil, fmt.Errorf("derive treasury PDA: %w", err)
	}
	return newInstruction(programID, Harvest{}, solana.AccountMetaSlice{
		solana.NewAccountMeta(accounts.Authority, false, true),
		solana.NewAccountMeta(treasury, false, false),
		solana.NewAccountMeta(accounts.TreasuryTokenAccount, true, false),
		solana.NewAccountMeta(accounts.ReceiverTokenAccount, true, false),
		solana.NewAccountMeta(accounts.Mint, false, false),
		solana.NewAccountMeta(accounts.TokenProgram, false, false),
	})
}

// NewInitializeOrderInstruction derives the order address from the maker and
// the mint pair. A nil taker leaves the order open to anyone.
func NewInitializeOrderInstruction(programID solana.PublicKey, accounts InitializeOrderAccounts, makerAmount, takerAmount uint64, taker *solana.PublicKey) (*solana.GenericInstruction, error) {
	order, _, err := DeriveOrderPDA(programID, accounts.Maker, accounts.MakerMint, accounts.TakerMint)
	if err != nil {
		return nil, fmt.Errorf("derive order PDA: %w", err)
	}
	args := InitializeOrder{MakerAmount: makerAmount, TakerAmount: takerAmount, Taker: taker}
	return newInstruction(programID, args, solana.AccountMetaSlice{
		solana.NewAccountMeta(accounts.Maker, true, true),
		solana.NewAccountMeta(order, true, false),
		solana.NewAccountMeta(accounts.MakerTokenAccount, true, false),
		solana.NewAccountMeta(accounts.EscrowTokenAccount, true, false),
		solana.NewAccountMeta(accounts.MakerMint, false, false),
		solana.NewAccountMeta(accounts.TakerMint, false, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
		solana.NewAccountMeta(solana.SysVarRentPubkey, false, false),
		solana.NewAccountMeta(accounts.TokenProgram, false, false),
	})
}

func NewChangeOrderAmountsInstruction(programID solana.PublicKey, accounts ChangeOrderAmountsAccounts, makerAmount, takerAmount uint64) (*solana.GenericInstruction, error) {
	args := ChangeOrderAmounts{NewMakerAmount: makerAmount, NewTakerAmount: takerAmount}
	return newInstruction(programID, args, solana.AccountMetaSlice{
		solana.NewAccountMeta(accounts.Maker, false, true),
		solana.NewAccountMeta(accounts.Order, true, false),
		solana.NewAccountMeta(accounts.EscrowTokenAccount, true, false),
		solana.NewAccountMeta(accounts.MakerTokenAccount, true, false),
		solana.NewAccountMeta(accounts.MakerMint, false, false),
		solana.NewAccountMeta(accounts.TokenProgram, false, false),
	})
}

// NewChangeTakerInstruction assigns newTaker. Pass the zero key to reopen the
// order to anyone.
func NewChangeTakerInstruction(programID, maker, order, newTaker solana.PublicKey) (*solana.GenericInstruction, error) {
	return newInstruction(programID, ChangeTaker{NewTaker: newTaker}, solana.AccountMetaSlice{
		solana.NewAccountMeta(maker, false, true),
		solana.NewAccountMeta(order, true, false),
		solana.NewAccountMeta(newTaker, false, false),
	})
}

func NewCompleteSwapInstruction(programID solana.PublicKey, accounts CompleteSwapAccounts) (*solana.GenericInstruction, error) {
	treasury, _, err := DeriveTreasuryPDA(programID)
	if err != nil {
		return nil, fmt.Errorf("derive treasury PDA: %w", err)
	}
	return newInstruction(programID, CompleteSwap{}, solana.AccountMetaSlice{
		solana.NewAccountMeta(accounts.Taker, false, true),
		solana.NewAccountMeta(accounts.MakerMint, false, false),
		solana.NewAccountMeta(accounts.TakerMint, false, false),
		solana.NewAccountMeta(accounts.Order, true, false),
		solana.NewAccountMeta(accounts.MakerReceiveAccount, true, false),
		solana.NewAccountMeta(accounts.TakerSendAccount, true, false),
		solana.NewAccountMeta(accounts.TakerReceiveAccount, true, false),
		solana.NewAccountMeta(accounts.EscrowTokenAccount, true, false),
		solana.NewAccountMeta(treasury, false, false),
		solana.NewAccountMeta(accounts.TreasuryMakerMintAccount, true, false),
		solana.NewAccountMeta(accounts.TreasuryTakerMintAccount, true, false),
		solana.NewAccountMeta(accounts.MakerMintTokenProgram, false, false),
		solana.NewAccountMeta(accounts.TakerMintTokenProgram, false, false),
	})
}

func NewCloseOrderInstruction(programID solana.PublicKey, accounts CloseOrderAccounts) (*solana.GenericInstruction, error) {
	return newInstruction(programID, CloseOrder{}, solana.AccountMetaSlice{
		solana.NewAccountMeta(accounts.Authority, false, true),
		solana.NewAccountMeta(accounts.Order, true, false),
		solana.NewAccountMeta(accounts.Receiver, true, false),
		solana.NewAccountMeta(accounts.EscrowTokenAccount, true, false),
		solana.NewAccountMeta(accounts.MakerTokenAccount, true, false),
		solana.NewAccountMeta(accounts.MakerMint, false, false),
		solana.NewAccountMeta(accounts.TokenProgram, false, false),
	})
}

// NewCreateAssociatedTokenAccountInstruction targets the associated token
// account program for either token program.
func NewCreateAssociatedTokenAccountInstruction(payer, wallet, mint, tokenProgram solana.PublicKey) (*solana.GenericInstruction, solana.PublicKey, error) {
	ata, _, err := DeriveAssociatedTokenAddress(wallet, mint, tokenProgram)
	if err != nil {
		return nil, solana.PublicKey{}, fmt.Errorf("derive associated token address: %w", err)
	}
	return solana.NewInstruction(solana.SPLAssociatedTokenAccountProgramID, solana.AccountMetaSlice{
		solana.NewAccountMeta(payer, true, true),
		solana.NewAccountMeta(ata, true, false),
		solana.NewAccountMeta(wallet, false, false),
		solana.NewAccountMeta(mint, false, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
		solana.NewAccountMeta(tokenProgram, false, false),
	}, []byte{}), ata, nil
}

func newInstruction(programID solana.PublicKey, ix Instruction, accounts solana.AccountMetaSlice) (*solana.GenericInstruction, error) {
	data, err := EncodeInstruction(ix)
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(programID, accounts, data), nil
}
