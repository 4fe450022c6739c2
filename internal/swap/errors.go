package swap

import (
	"fmt"

	"github.com/coldbell/p2pswap/internal/svm"
)

// SwapError is the custom error code space of the program. The numeric value
// is what a client sees in a failed transaction, so the order is fixed.
type SwapError uint32

const (
	ErrInvalidInstruction SwapError = iota
	ErrOrderAlreadyInitialized
	// Never returned; they hold their codes so later values stay stable.
	ErrTakerAlreadyAssigned
	ErrMakerTokensNotDeposited
	ErrUnauthorizedSigner
	ErrInvalidOrderState
	ErrInvalidMint
	ErrInvalidAmount
	ErrInvalidTokenProgram
	ErrInvalidTokenAccount
	ErrInsufficientFunds
	ErrOverflow
	ErrInvalidDecimals
)

var swapErrorText = [...]string{
	ErrInvalidInstruction:      "invalid instruction",
	ErrOrderAlreadyInitialized: "account already initialized",
	ErrTakerAlreadyAssigned:    "taker already assigned",
	ErrMakerTokensNotDeposited: "maker tokens not deposited",
	ErrUnauthorizedSigner:      "unauthorized signer",
	ErrInvalidOrderState:       "invalid order state",
	ErrInvalidMint:             "invalid mint",
	ErrInvalidAmount:           "invalid amount",
	ErrInvalidTokenProgram:     "invalid token program",
	ErrInvalidTokenAccount:     "invalid token account",
	ErrInsufficientFunds:       "insufficient funds",
	ErrOverflow:                "arithmetic overflow",
	ErrInvalidDecimals:         "invalid decimals",
}

func (e SwapError) Error() string {
	if int(e) < len(swapErrorText) {
		return swapErrorText[e]
	}
	return fmt.Sprintf("swap error %d", uint32(e))
}

func (e SwapError) Code() uint32 {
	return uint32(e)
}

var _ svm.CustomError = ErrInvalidInstruction
