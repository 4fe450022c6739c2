package ledger

import (
	"errors"
	"fmt"
)

var (
	ErrMissingSignature     = errors.New("transaction has no signatures")
	ErrSignatureFailure     = errors.New("transaction signature verification failure")
	ErrBlockhashNotFound    = errors.New("blockhash not found")
	ErrAlreadyProcessed     = errors.New("transaction already processed")
	ErrInsufficientFeeFunds = errors.New("insufficient funds for fee")
	ErrUnsupportedMessage   = errors.New("versioned messages are not supported")

	ErrProgramNotFound       = errors.New("program not found")
	ErrCallDepth             = errors.New("cross-program invocation call depth too deep")
	ErrMissingAccount        = errors.New("cross-program invocation with unknown account")
	ErrPrivilegeEscalation   = errors.New("cross-program invocation with unauthorized signer or writable account")
	ErrReadonlyDataModified  = errors.New("instruction modified data of a read-only account")
	ErrExternalDataModified  = errors.New("instruction modified data of an account it does not own")
	ErrExternalLamportSpend  = errors.New("instruction spent from the balance of an account it does not own")
	ErrReadonlyLamportChange = errors.New("instruction changed the balance of a read-only account")
	ErrModifiedProgramID     = errors.New("instruction illegally modified the program id of an account")
	ErrUnbalancedInstruction = errors.New("sum of account balances before and after instruction do not match")
	ErrExecutableModified    = errors.New("instruction changed an executable account")
)

// TransactionError reports which instruction aborted a transaction.
type TransactionError struct {
	Index int
	Err   error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("instruction %d: %v", e.Index, e.Err)
}

func (e *TransactionError) Unwrap() error {
	return e.Err
}
