package svm

import (
	"errors"

	"github.com/gagliardetto/solana-go"
)

// InvokeContext is what the host exposes to a running program.
type InvokeContext interface {
	// ProgramID is the id of the program currently executing.
	ProgramID() solana.PublicKey

	// Invoke runs a cross-program call. Each entry of signerSeeds is one seed
	// tuple (bump included); the host re-derives the address from it under the
	// calling program id and grants that address signer privilege.
	Invoke(ix solana.Instruction, signerSeeds ...[][]byte) error

	Rent() Rent

	Logf(format string, args ...any)
}

type Program interface {
	ID() solana.PublicKey
	Process(ctx InvokeContext, accounts []*AccountInfo, data []byte) error
}

var (
	ErrInvalidInstructionData   = errors.New("invalid instruction data")
	ErrInvalidArgument          = errors.New("invalid argument")
	ErrNotEnoughAccountKeys     = errors.New("not enough account keys")
	ErrMissingRequiredSignature = errors.New("missing required signature")
	ErrInvalidSeeds             = errors.New("invalid seeds")
	ErrIncorrectProgramID       = errors.New("incorrect program id")
	ErrInvalidAccountData       = errors.New("invalid account data")
	ErrInvalidAccountOwner      = errors.New("invalid account owner")
	ErrAccountAlreadyInUse      = errors.New("account already in use")
	ErrAccountNotRentExempt     = errors.New("account not rent exempt")
	ErrInsufficientLamports     = errors.New("insufficient lamports")
	ErrAccountDataTooLarge      = errors.New("account data too large")
)

// MaxAccountDataSize bounds a single allocation.
const MaxAccountDataSize = 10 * 1024 * 1024

// CustomError is a program-defined error that carries a numeric code.
type CustomError interface {
	error
	Code() uint32
}
