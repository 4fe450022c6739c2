package ledger

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"

	"github.com/coldbell/p2pswap/internal/svm"
)

const (
	ataCreate           = 0
	ataCreateIdempotent = 1
)

// associatedTokenProgram creates the canonical token account of a wallet for
// a mint. Accounts: payer, associated account, wallet, mint, system program,
// token program.
type associatedTokenProgram struct{}

func (associatedTokenProgram) ID() solana.PublicKey { return solana.SPLAssociatedTokenAccountProgramID }

func (associatedTokenProgram) Process(ctx svm.InvokeContext, accounts []*svm.AccountInfo, data []byte) error {
	mode := ataCreate
	switch {
	case len(data) == 0:
	case len(data) == 1 && data[0] <= ataCreateIdempotent:
		mode = int(data[0])
	default:
		return svm.ErrInvalidInstructionData
	}
	if len(accounts) < 6 {
		return svm.ErrNotEnoughAccountKeys
	}
	payer, ata, wallet, mint, sysProg, tokenProg := accounts[0], accounts[1], accounts[2], accounts[3], accounts[4], accounts[5]

	if !sysProg.Key.Equals(solana.SystemProgramID) {
		return svm.ErrIncorrectProgramID
	}
	if !tokenProg.Key.Equals(solana.TokenProgramID) && !tokenProg.Key.Equals(solana.Token2022ProgramID) {
		return svm.ErrIncorrectProgramID
	}
	seeds := [][]byte{wallet.Key[:], tokenProg.Key[:], mint.Key[:]}
	address, bump, err := solana.FindProgramAddress(seeds, solana.SPLAssociatedTokenAccountProgramID)
	if err != nil || !address.Equals(ata.Key) {
		return svm.ErrInvalidSeeds
	}

	if mode == ataCreateIdempotent && ata.Owner.Equals(tokenProg.Key) {
		existing, err := newTokenProgram(tokenProg.Key).unpackAccount(ata)
		if err != nil {
			return err
		}
		if !existing.Owner.Equals(wallet.Key) || !existing.Mint.Equals(mint.Key) {
			return fmt.Errorf("%w: associated account has the wrong owner or mint", svm.ErrInvalidAccountOwner)
		}
		return nil
	}
	if !ata.IsEmpty() {
		return svm.ErrAccountAlreadyInUse
	}
	if !mint.Owner.Equals(tokenProg.Key) {
		return svm.ErrIncorrectProgramID
	}

	ctx.Logf("Create")
	lamports := ctx.Rent().MinimumBalance(tokenAccountLen)
	create := system.NewCreateAccountInstruction(lamports, tokenAccountLen, tokenProg.Key, payer.Key, ata.Key).Build()
	signer := append(seeds, []byte{bump})
	if err := ctx.Invoke(create, signer); err != nil {
		return err
	}

	init := token.NewInitializeAccount3Instruction(wallet.Key, ata.Key, mint.Key).Build()
	raw, err := init.Data()
	if err != nil {
		return fmt.Errorf("%w: %v", svm.ErrInvalidInstructionData, err)
	}
	return ctx.Invoke(solana.NewInstruction(tokenProg.Key, init.Accounts(), raw))
}
