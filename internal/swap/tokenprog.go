package swap

import (
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"

	"github.com/coldbell/p2pswap/internal/svm"
)

const (
	TokenAccountLen = 165
	MintLen         = token.MINT_SIZE
)

// TokenTransfer describes one token movement. Authority either signed the
// transaction or is a derived address proven by the signer seeds passed
// alongside it.
type TokenTransfer struct {
	Source      solana.PublicKey
	Mint        solana.PublicKey
	Destination solana.PublicKey
	Authority   solana.PublicKey
	Amount      uint64
	Decimals    uint8
}

// TokenProgram is the capability the processor needs from a token program.
// Two implementations exist side by side and the one in use is chosen from
// the owner of the mint.
type TokenProgram interface {
	ID() solana.PublicKey
	UnpackAccount(info *svm.AccountInfo) (*token.Account, error)
	Balance(info *svm.AccountInfo) (uint64, error)
	Decimals(mint *svm.AccountInfo) (uint8, error)
	Transfer(ctx svm.InvokeContext, t TokenTransfer, signers ...EscrowHandle) error
	TransferChecked(ctx svm.InvokeContext, t TokenTransfer, signers ...EscrowHandle) error
	CloseAccount(ctx svm.InvokeContext, account, destination, owner solana.PublicKey, signers ...EscrowHandle) error
}

var (
	splTokenProgram  TokenProgram = tokenProgram{id: solana.TokenProgramID}
	token2022Program TokenProgram = token2022{tokenProgram{id: solana.Token2022ProgramID}}
)

// TokenProgramFor resolves the implementation for a program id.
func TokenProgramFor(programID solana.PublicKey) (TokenProgram, error) {
	switch {
	case programID.Equals(solana.TokenProgramID):
		return splTokenProgram, nil
	case programID.Equals(solana.Token2022ProgramID):
		return token2022Program, nil
	default:
		return nil, ErrInvalidTokenProgram
	}
}

func IsTokenProgram(programID solana.PublicKey) bool {
	_, err := TokenProgramFor(programID)
	return err == nil
}

type tokenProgram struct {
	id solana.PublicKey
}

func (p tokenProgram) ID() solana.PublicKey { return p.id }

func (p tokenProgram) UnpackAccount(info *svm.AccountInfo) (*token.Account, error) {
	if info.Account == nil || !info.Owner.Equals(p.id) {
		return nil, ErrInvalidTokenAccount
	}
	acct, err := UnpackTokenAccount(info.Data)
	if err != nil || acct.State == token.Uninitialized {
		return nil, ErrInvalidTokenAccount
	}
	return acct, nil
}

func (p tokenProgram) Balance(info *svm.AccountInfo) (uint64, error) {
	acct, err := p.UnpackAccount(info)
	if err != nil {
		return 0, err
	}
	return acct.Amount, nil
}

func (p tokenProgram) Decimals(mint *svm.AccountInfo) (uint8, error) {
	if mint.Account == nil || !mint.Owner.Equals(p.id) {
		return 0, ErrInvalidMint
	}
	m, err := UnpackMint(mint.Data)
	if err != nil {
		return 0, ErrInvalidMint
	}
	return m.Decimals, nil
}

func (p tokenProgram) Transfer(ctx svm.InvokeContext, t TokenTransfer, signers ...EscrowHandle) error {
	ix := token.NewTransferInstruction(t.Amount, t.Source, t.Destination, t.Authority, nil).Build()
	return p.invoke(ctx, ix, signers)
}

func (p tokenProgram) TransferChecked(ctx svm.InvokeContext, t TokenTransfer, signers ...EscrowHandle) error {
	ix := token.NewTransferCheckedInstruction(t.Amount, t.Decimals, t.Source, t.Mint, t.Destination, t.Authority, nil).Build()
	return p.invoke(ctx, ix, signers)
}

func (p tokenProgram) CloseAccount(ctx svm.InvokeContext, account, destination, owner solana.PublicKey, signers ...EscrowHandle) error {
	ix := token.NewCloseAccountInstruction(account, destination, owner, nil).Build()
	return p.invoke(ctx, ix, signers)
}

// invoke re-targets the instruction at p.id; the token package always
// reports the legacy program id.
func (p tokenProgram) invoke(ctx svm.InvokeContext, ix *token.Instruction, signers []EscrowHandle) error {
	data, err := ix.Data()
	if err != nil {
		return fmt.Errorf("encode token instruction: %w", err)
	}
	seeds := make([][][]byte, 0, len(signers))
	for _, s := range signers {
		seeds = append(seeds, s.SignerSeeds())
	}
	return ctx.Invoke(solana.NewInstruction(p.id, ix.Accounts(), data), seeds...)
}

// token2022 always moves funds with TransferChecked so the mint decimals
// are enforced by the token program itself.
type token2022 struct {
	tokenProgram
}

func (p token2022) Transfer(ctx svm.InvokeContext, t TokenTransfer, signers ...EscrowHandle) error {
	return p.TransferChecked(ctx, t, signers...)
}

// UnpackTokenAccount reads the base account layout shared by both programs.
func UnpackTokenAccount(data []byte) (*token.Account, error) {
	if len(data) < TokenAccountLen {
		return nil, fmt.Errorf("token account data too short: %d", len(data))
	}
	var acct token.Account
	if err := bin.NewBinDecoder(data[:TokenAccountLen]).Decode(&acct); err != nil {
		return nil, err
	}
	return &acct, nil
}

func UnpackMint(data []byte) (*token.Mint, error) {
	if len(data) < MintLen {
		return nil, fmt.Errorf("mint data too short: %d", len(data))
	}
	var mint token.Mint
	if err := bin.NewBinDecoder(data[:MintLen]).Decode(&mint); err != nil {
		return nil, err
	}
	if !mint.IsInitialized {
		return nil, fmt.Errorf("mint not initialized")
	}
	return &mint, nil
}
