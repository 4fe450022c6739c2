package svm

import (
	"bytes"

	"github.com/gagliardetto/solana-go"
)

// Account is the persisted state behind an address.
type Account struct {
	Owner      solana.PublicKey
	Lamports   uint64
	Data       []byte
	Executable bool
}

func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	out := *a
	out.Data = bytes.Clone(a.Data)
	return &out
}

func (a *Account) Equal(other *Account) bool {
	if a == nil || other == nil {
		return a == other
	}
	return a.Owner.Equals(other.Owner) &&
		a.Lamports == other.Lamports &&
		a.Executable == other.Executable &&
		bytes.Equal(a.Data, other.Data)
}

// IsEmpty reports whether the account holds nothing and may be (re)allocated.
func (a *Account) IsEmpty() bool {
	return a == nil || (a.Lamports == 0 && len(a.Data) == 0 && a.Owner.Equals(solana.SystemProgramID))
}

// AccountInfo is one account as seen by a single program invocation. Several
// infos may share the same *Account when an address appears more than once or
// is forwarded through a cross-program call.
type AccountInfo struct {
	Key        solana.PublicKey
	IsSigner   bool
	IsWritable bool
	*Account
}

func (ai *AccountInfo) DataLen() int {
	if ai == nil || ai.Account == nil {
		return 0
	}
	return len(ai.Data)
}

// Meta returns the account meta a caller would pass to forward this account.
func (ai *AccountInfo) Meta() *solana.AccountMeta {
	return solana.NewAccountMeta(ai.Key, ai.IsWritable, ai.IsSigner)
}
