package ledger

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"

	"github.com/coldbell/p2pswap/internal/svm"
)

const (
	DefaultComputeUnitLimit = uint32(200_000)
	microLamportsPerLamport = uint64(1_000_000)
)

// computeBudgetProgram accepts compute budget requests. The ledger does not
// meter execution; the requests only feed the prioritization fee.
type computeBudgetProgram struct{}

func (computeBudgetProgram) ID() solana.PublicKey { return solana.ComputeBudget }

func (computeBudgetProgram) Process(ctx svm.InvokeContext, _ []*svm.AccountInfo, data []byte) error {
	ix, err := computebudget.DecodeInstruction(nil, data)
	if err != nil {
		return fmt.Errorf("%w: %v", svm.ErrInvalidInstructionData, err)
	}
	switch impl := ix.Impl.(type) {
	case *computebudget.SetComputeUnitLimit:
		ctx.Logf("compute unit limit %d", impl.Units)
	case *computebudget.SetComputeUnitPrice:
		ctx.Logf("compute unit price %d", impl.MicroLamports)
	}
	return nil
}

// prioritizationFee scans the top-level compute budget requests of a message
// and returns ceil(price * limit / 1e6) lamports.
func prioritizationFee(msg *solana.Message) (uint64, error) {
	var (
		limit    uint32
		limitSet bool
		price    uint64
		other    uint32
	)
	for _, ci := range msg.Instructions {
		programID, err := msg.Program(ci.ProgramIDIndex)
		if err != nil {
			return 0, err
		}
		if !programID.Equals(solana.ComputeBudget) {
			other++
			continue
		}
		ix, err := computebudget.DecodeInstruction(nil, ci.Data)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", svm.ErrInvalidInstructionData, err)
		}
		switch impl := ix.Impl.(type) {
		case *computebudget.SetComputeUnitLimit:
			limit, limitSet = impl.Units, true
		case *computebudget.SetComputeUnitPrice:
			price = impl.MicroLamports
		}
	}
	if price == 0 {
		return 0, nil
	}
	if !limitSet {
		limit = DefaultComputeUnitLimit * other
	}
	if limit > computebudget.MAX_COMPUTE_UNIT_LIMIT {
		limit = computebudget.MAX_COMPUTE_UNIT_LIMIT
	}
	micro := price * uint64(limit)
	if limit != 0 && micro/uint64(limit) != price {
		return 0, fmt.Errorf("prioritization fee overflows")
	}
	return (micro + microLamportsPerLamport - 1) / microLamportsPerLamport, nil
}
