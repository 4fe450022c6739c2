package ledger

import (
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"

	"github.com/coldbell/p2pswap/internal/svm"
)

const (
	tokenAccountLen = 165
	mintLen         = token.MINT_SIZE
)

var (
	ErrTokenInsufficientFunds = errors.New("token: insufficient funds")
	ErrTokenOwnerMismatch     = errors.New("token: owner does not match")
	ErrTokenMintMismatch      = errors.New("token: account not associated with this mint")
	ErrTokenDecimalsMismatch  = errors.New("token: decimals different from the mint decimals")
	ErrTokenAccountFrozen     = errors.New("token: account is frozen")
	ErrTokenUninitialized     = errors.New("token: state is uninitialized")
	ErrTokenAlreadyInUse      = errors.New("token: account or mint already in use")
	ErrTokenNonZeroBalance    = errors.New("token: non-native account can only be closed if its balance is zero")
	ErrTokenFixedSupply       = errors.New("token: mint has a fixed supply")
	ErrTokenOverflow          = errors.New("token: operation overflowed")
)

// tokenProgram serves both the legacy token program and Token-2022 for the
// base instruction set. The two differ only in program id.
type tokenProgram struct {
	id solana.PublicKey
}

func newTokenProgram(id solana.PublicKey) tokenProgram {
	return tokenProgram{id: id}
}

func (p tokenProgram) ID() solana.PublicKey { return p.id }

func (p tokenProgram) Process(ctx svm.InvokeContext, accounts []*svm.AccountInfo, data []byte) error {
	metas := make([]*solana.AccountMeta, len(accounts))
	for i, info := range accounts {
		metas[i] = info.Meta()
	}
	ix, err := token.DecodeInstruction(metas, data)
	if err != nil {
		return fmt.Errorf("%w: %v", svm.ErrInvalidInstructionData, err)
	}
	need := func(n int) error {
		if len(accounts) < n {
			return svm.ErrNotEnoughAccountKeys
		}
		return nil
	}

	switch impl := ix.Impl.(type) {
	case *token.InitializeMint2:
		if err := need(1); err != nil {
			return err
		}
		ctx.Logf("Instruction: InitializeMint2")
		return p.initializeMint(accounts[0], *impl.Decimals, *impl.MintAuthority, impl.FreezeAuthority)
	case *token.InitializeAccount3:
		if err := need(2); err != nil {
			return err
		}
		ctx.Logf("Instruction: InitializeAccount3")
		return p.initializeAccount(accounts[0], accounts[1], *impl.Owner)
	case *token.MintTo:
		if err := need(3); err != nil {
			return err
		}
		ctx.Logf("Instruction: MintTo")
		return p.mintTo(accounts[0], accounts[1], accounts[2], *impl.Amount)
	case *token.Transfer:
		if err := need(3); err != nil {
			return err
		}
		ctx.Logf("Instruction: Transfer")
		return p.transfer(accounts[0], nil, accounts[1], accounts[2], *impl.Amount, nil)
	case *token.TransferChecked:
		if err := need(4); err != nil {
			return err
		}
		ctx.Logf("Instruction: TransferChecked")
		return p.transfer(accounts[0], accounts[1], accounts[2], accounts[3], *impl.Amount, impl.Decimals)
	case *token.CloseAccount:
		if err := need(3); err != nil {
			return err
		}
		ctx.Logf("Instruction: CloseAccount")
		return p.closeAccount(accounts[0], accounts[1], accounts[2])
	default:
		return fmt.Errorf("%w: unsupported token instruction %d", svm.ErrInvalidInstructionData, ix.TypeID.Uint8())
	}
}

func (p tokenProgram) initializeMint(mintInfo *svm.AccountInfo, decimals uint8, authority solana.PublicKey, freeze *solana.PublicKey) error {
	if !mintInfo.Owner.Equals(p.id) {
		return svm.ErrIncorrectProgramID
	}
	if len(mintInfo.Data) < mintLen {
		return svm.ErrInvalidAccountData
	}
	if existing, err := p.unpackMint(mintInfo); err == nil && existing.IsInitialized {
		return ErrTokenAlreadyInUse
	}
	return writeToken(mintInfo.Data, &token.Mint{
		MintAuthority:   &authority,
		Decimals:        decimals,
		IsInitialized:   true,
		FreezeAuthority: freeze,
	})
}

func (p tokenProgram) initializeAccount(acctInfo, mintInfo *svm.AccountInfo, owner solana.PublicKey) error {
	if !acctInfo.Owner.Equals(p.id) {
		return svm.ErrIncorrectProgramID
	}
	if len(acctInfo.Data) < tokenAccountLen {
		return svm.ErrInvalidAccountData
	}
	if existing, err := p.unpackAccount(acctInfo); err == nil && existing.State != token.Uninitialized {
		return ErrTokenAlreadyInUse
	}
	if _, err := p.unpackMint(mintInfo); err != nil {
		return err
	}
	return writeToken(acctInfo.Data, &token.Account{
		Mint:  mintInfo.Key,
		Owner: owner,
		State: token.Initialized,
	})
}

func (p tokenProgram) mintTo(mintInfo, destInfo, authority *svm.AccountInfo, amount uint64) error {
	mint, err := p.unpackMint(mintInfo)
	if err != nil {
		return err
	}
	dest, err := p.unpackAccount(destInfo)
	if err != nil {
		return err
	}
	if !dest.Mint.Equals(mintInfo.Key) {
		return ErrTokenMintMismatch
	}
	if dest.State == token.Frozen {
		return ErrTokenAccountFrozen
	}
	if mint.MintAuthority == nil {
		return ErrTokenFixedSupply
	}
	if !mint.MintAuthority.Equals(authority.Key) {
		return ErrTokenOwnerMismatch
	}
	if !authority.IsSigner {
		return svm.ErrMissingRequiredSignature
	}
	if mint.Supply+amount < mint.Supply || dest.Amount+amount < dest.Amount {
		return ErrTokenOverflow
	}
	mint.Supply += amount
	dest.Amount += amount
	if err := writeToken(mintInfo.Data, mint); err != nil {
		return err
	}
	return writeToken(destInfo.Data, dest)
}

// transfer moves amount from src to dst. When decimals is set the mint must be
// supplied and both the mint and its decimals are checked.
func (p tokenProgram) transfer(srcInfo, mintInfo, dstInfo, owner *svm.AccountInfo, amount uint64, decimals *uint8) error {
	src, err := p.unpackAccount(srcInfo)
	if err != nil {
		return err
	}
	dst, err := p.unpackAccount(dstInfo)
	if err != nil {
		return err
	}
	if src.State == token.Frozen || dst.State == token.Frozen {
		return ErrTokenAccountFrozen
	}
	if !src.Mint.Equals(dst.Mint) {
		return ErrTokenMintMismatch
	}
	if src.Amount < amount {
		return ErrTokenInsufficientFunds
	}
	if decimals != nil {
		if !mintInfo.Key.Equals(src.Mint) {
			return ErrTokenMintMismatch
		}
		mint, err := p.unpackMint(mintInfo)
		if err != nil {
			return err
		}
		if mint.Decimals != *decimals {
			return ErrTokenDecimalsMismatch
		}
	}
	if !src.Owner.Equals(owner.Key) {
		return ErrTokenOwnerMismatch
	}
	if !owner.IsSigner {
		return svm.ErrMissingRequiredSignature
	}

	if srcInfo.Key.Equals(dstInfo.Key) || amount == 0 {
		return nil
	}
	if dst.Amount+amount < dst.Amount {
		return ErrTokenOverflow
	}
	src.Amount -= amount
	dst.Amount += amount
	if err := writeToken(srcInfo.Data, src); err != nil {
		return err
	}
	return writeToken(dstInfo.Data, dst)
}

func (p tokenProgram) closeAccount(acctInfo, destInfo, owner *svm.AccountInfo) error {
	if acctInfo.Key.Equals(destInfo.Key) {
		return svm.ErrInvalidAccountData
	}
	acct, err := p.unpackAccount(acctInfo)
	if err != nil {
		return err
	}
	if acct.Amount != 0 {
		return ErrTokenNonZeroBalance
	}
	authority := acct.Owner
	if acct.CloseAuthority != nil {
		authority = *acct.CloseAuthority
	}
	if !authority.Equals(owner.Key) {
		return ErrTokenOwnerMismatch
	}
	if !owner.IsSigner {
		return svm.ErrMissingRequiredSignature
	}
	if destInfo.Lamports+acctInfo.Lamports < destInfo.Lamports {
		return ErrTokenOverflow
	}
	destInfo.Lamports += acctInfo.Lamports
	acctInfo.Lamports = 0
	acctInfo.Data = nil
	acctInfo.Owner = solana.SystemProgramID
	return nil
}

func (p tokenProgram) unpackMint(info *svm.AccountInfo) (*token.Mint, error) {
	if !info.Owner.Equals(p.id) {
		return nil, svm.ErrIncorrectProgramID
	}
	if len(info.Data) < mintLen {
		return nil, svm.ErrInvalidAccountData
	}
	var mint token.Mint
	if err := bin.NewBinDecoder(info.Data[:mintLen]).Decode(&mint); err != nil {
		return nil, svm.ErrInvalidAccountData
	}
	if !mint.IsInitialized {
		return nil, ErrTokenUninitialized
	}
	return &mint, nil
}

func (p tokenProgram) unpackAccount(info *svm.AccountInfo) (*token.Account, error) {
	if !info.Owner.Equals(p.id) {
		return nil, svm.ErrIncorrectProgramID
	}
	if len(info.Data) < tokenAccountLen {
		return nil, svm.ErrInvalidAccountData
	}
	var acct token.Account
	if err := bin.NewBinDecoder(info.Data[:tokenAccountLen]).Decode(&acct); err != nil {
		return nil, svm.ErrInvalidAccountData
	}
	if acct.State == token.Uninitialized {
		return nil, ErrTokenUninitialized
	}
	return &acct, nil
}

// writeToken encodes a mint or token account into the head of dst.
func writeToken(dst []byte, v any) error {
	raw, err := bin.MarshalBin(v)
	if err != nil {
		return fmt.Errorf("%w: %v", svm.ErrInvalidAccountData, err)
	}
	if len(raw) > len(dst) {
		return svm.ErrAccountDataTooLarge
	}
	copy(dst, raw)
	return nil
}
