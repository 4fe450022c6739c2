package swap

import (
	"github.com/gagliardetto/solana-go"

	"github.com/coldbell/p2pswap/internal/svm"
)

// Program is the escrow swap program as hosted by a ledger.
type Program struct {
	id solana.PublicKey
}

var _ svm.Program = (*Program)(nil)

func NewProgram(programID solana.PublicKey) *Program {
	return &Program{id: programID}
}

func (p *Program) ID() solana.PublicKey {
	return p.id
}

func (p *Program) Process(ctx svm.InvokeContext, accounts []*svm.AccountInfo, data []byte) error {
	ix, err := DecodeInstruction(data)
	if err != nil {
		return err
	}
	ctx.Logf("Instruction: %s", ix.Name())

	proc := &processor{ctx: ctx, programID: p.id, accounts: accounts}
	switch ix := ix.(type) {
	case InitializeTreasury:
		return proc.initializeTreasury(ix)
	case UpdateTreasuryAuthority:
		return proc.updateTreasuryAuthority(ix)
	case Harvest:
		return proc.harvest()
	case InitializeOrder:
		return proc.initializeOrder(ix)
	case ChangeOrderAmounts:
		return proc.changeOrderAmounts(ix)
	case ChangeTaker:
		return proc.changeTaker(ix)
	case CompleteSwap:
		return proc.completeSwap()
	case CloseOrder:
		return proc.closeOrder()
	default:
		return ErrInvalidInstruction
	}
}

type processor struct {
	ctx       svm.InvokeContext
	programID solana.PublicKey
	accounts  []*svm.AccountInfo
}
