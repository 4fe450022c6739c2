package ledger

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"

	"github.com/coldbell/p2pswap/internal/svm"
)

// systemProgram implements the subset of the system program used to fund
// and allocate accounts.
type systemProgram struct{}

func (systemProgram) ID() solana.PublicKey { return solana.SystemProgramID }

func (p systemProgram) Process(ctx svm.InvokeContext, accounts []*svm.AccountInfo, data []byte) error {
	metas := make([]*solana.AccountMeta, len(accounts))
	for i, info := range accounts {
		metas[i] = info.Meta()
	}
	ix, err := system.DecodeInstruction(metas, data)
	if err != nil {
		return fmt.Errorf("%w: %v", svm.ErrInvalidInstructionData, err)
	}

	switch impl := ix.Impl.(type) {
	case *system.CreateAccount:
		if len(accounts) < 2 {
			return svm.ErrNotEnoughAccountKeys
		}
		return p.createAccount(ctx, accounts[0], accounts[1], *impl.Lamports, *impl.Space, *impl.Owner)
	case *system.Transfer:
		if len(accounts) < 2 {
			return svm.ErrNotEnoughAccountKeys
		}
		return p.transfer(accounts[0], accounts[1], *impl.Lamports)
	case *system.Assign:
		if len(accounts) < 1 {
			return svm.ErrNotEnoughAccountKeys
		}
		return p.assign(accounts[0], *impl.Owner)
	default:
		return fmt.Errorf("%w: unsupported system instruction %d", svm.ErrInvalidInstructionData, ix.TypeID.Uint32())
	}
}

func (p systemProgram) createAccount(ctx svm.InvokeContext, from, to *svm.AccountInfo, lamports, space uint64, owner solana.PublicKey) error {
	if !from.IsSigner || !to.IsSigner {
		return svm.ErrMissingRequiredSignature
	}
	if !to.IsEmpty() {
		ctx.Logf("Create Account: account %s already in use", to.Key)
		return svm.ErrAccountAlreadyInUse
	}
	if space > svm.MaxAccountDataSize {
		return svm.ErrAccountDataTooLarge
	}
	if err := p.transfer(from, to, lamports); err != nil {
		return err
	}
	to.Data = make([]byte, space)
	to.Owner = owner
	return nil
}

func (systemProgram) transfer(from, to *svm.AccountInfo, lamports uint64) error {
	if !from.IsSigner {
		return svm.ErrMissingRequiredSignature
	}
	if len(from.Data) > 0 || !from.Owner.Equals(solana.SystemProgramID) {
		return fmt.Errorf("%w: from must not carry data", svm.ErrInvalidArgument)
	}
	if from.Lamports < lamports {
		return svm.ErrInsufficientLamports
	}
	if to.Lamports+lamports < to.Lamports {
		return svm.ErrInsufficientLamports
	}
	from.Lamports -= lamports
	to.Lamports += lamports
	return nil
}

func (systemProgram) assign(acct *svm.AccountInfo, owner solana.PublicKey) error {
	if !acct.IsSigner {
		return svm.ErrMissingRequiredSignature
	}
	if acct.Owner.Equals(owner) {
		return nil
	}
	if !acct.Owner.Equals(solana.SystemProgramID) {
		return svm.ErrInvalidAccountOwner
	}
	acct.Owner = owner
	return nil
}
