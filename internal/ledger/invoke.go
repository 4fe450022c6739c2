package ledger

import (
	"bytes"
	"fmt"
	"math/bits"

	"github.com/gagliardetto/solana-go"

	"github.com/coldbell/p2pswap/internal/svm"
)

// txContext is the working set of one transaction.
type txContext struct {
	ledger   *Ledger
	accounts map[solana.PublicKey]*svm.Account
	original map[solana.PublicKey]*svm.Account
	logs     []string
}

func (t *txContext) log(format string, args ...any) {
	t.logs = append(t.logs, fmt.Sprintf(format, args...))
}

func (t *txContext) run(tx *solana.Transaction) error {
	for i, ci := range tx.Message.Instructions {
		programID, err := tx.Message.Program(ci.ProgramIDIndex)
		if err != nil {
			return &TransactionError{Index: i, Err: err}
		}
		metas, err := ci.ResolveInstructionAccounts(&tx.Message)
		if err != nil {
			return &TransactionError{Index: i, Err: err}
		}
		infos := make([]*svm.AccountInfo, len(metas))
		for j, meta := range metas {
			infos[j] = &svm.AccountInfo{
				Key:        meta.PublicKey,
				IsSigner:   meta.IsSigner,
				IsWritable: meta.IsWritable,
				Account:    t.accounts[meta.PublicKey],
			}
		}
		if err := t.execute(programID, infos, ci.Data, 1); err != nil {
			return &TransactionError{Index: i, Err: err}
		}
	}
	return nil
}

func (t *txContext) execute(programID solana.PublicKey, infos []*svm.AccountInfo, data []byte, depth int) error {
	program, ok := t.ledger.programs[programID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrProgramNotFound, programID)
	}
	inv := &invocation{tx: t, programID: programID, accounts: infos, depth: depth}
	inv.pre = snapshot(infos)

	t.log("Program %s invoke [%d]", programID, depth)
	err := program.Process(inv, infos, data)
	if err == nil {
		err = inv.verify()
	}
	if err != nil {
		t.log("Program %s failed: %v", programID, err)
		return err
	}
	t.log("Program %s success", programID)
	return nil
}

// checkRent rejects any changed account that holds data without being rent
// exempt.
func (t *txContext) checkRent(rent svm.Rent) error {
	for key, acct := range t.accounts {
		if acct.Equal(t.original[key]) || acct.Lamports == 0 || len(acct.Data) == 0 {
			continue
		}
		if !rent.IsExempt(acct.Lamports, len(acct.Data)) {
			return fmt.Errorf("account %s: %w", key, svm.ErrAccountNotRentExempt)
		}
	}
	return nil
}

// changes returns the committed form of every modified account. Accounts
// drained to zero lamports are deleted.
func (t *txContext) changes() map[solana.PublicKey]*svm.Account {
	out := make(map[solana.PublicKey]*svm.Account)
	for key, acct := range t.accounts {
		if acct.Executable || acct.Equal(t.original[key]) {
			continue
		}
		if acct.Lamports == 0 {
			out[key] = nil
			continue
		}
		out[key] = acct.Clone()
	}
	return out
}

// invocation is one program frame. It is the svm.InvokeContext handed to the
// running program.
type invocation struct {
	tx        *txContext
	programID solana.PublicKey
	accounts  []*svm.AccountInfo
	pre       map[solana.PublicKey]*svm.Account
	depth     int
}

func (inv *invocation) ProgramID() solana.PublicKey { return inv.programID }

func (inv *invocation) Rent() svm.Rent { return inv.tx.ledger.rent }

func (inv *invocation) Logf(format string, args ...any) {
	inv.tx.log("Program log: "+format, args...)
}

// Invoke runs ix as a cross-program call. Callee accounts alias the caller's,
// so the caller sees every change once Invoke returns.
func (inv *invocation) Invoke(ix solana.Instruction, signerSeeds ...[][]byte) error {
	if inv.depth >= MaxCallDepth {
		return ErrCallDepth
	}
	if err := inv.verify(); err != nil {
		return err
	}

	signers := make(map[solana.PublicKey]bool, len(signerSeeds))
	for _, seeds := range signerSeeds {
		pda, err := solana.CreateProgramAddress(seeds, inv.programID)
		if err != nil {
			return svm.ErrInvalidSeeds
		}
		signers[pda] = true
	}

	metas := ix.Accounts()
	callee := make([]*svm.AccountInfo, 0, len(metas))
	for _, meta := range metas {
		caller := inv.find(meta.PublicKey)
		if caller == nil {
			return fmt.Errorf("%w: %s", ErrMissingAccount, meta.PublicKey)
		}
		if meta.IsWritable && !caller.IsWritable {
			return fmt.Errorf("%w: %s is not writable", ErrPrivilegeEscalation, meta.PublicKey)
		}
		if meta.IsSigner && !caller.IsSigner && !signers[meta.PublicKey] {
			return fmt.Errorf("%w: %s did not sign", ErrPrivilegeEscalation, meta.PublicKey)
		}
		callee = append(callee, &svm.AccountInfo{
			Key:        meta.PublicKey,
			IsSigner:   meta.IsSigner,
			IsWritable: meta.IsWritable,
			Account:    caller.Account,
		})
	}
	data, err := ix.Data()
	if err != nil {
		return fmt.Errorf("encode instruction: %w", err)
	}

	err = inv.tx.execute(ix.ProgramID(), callee, data, inv.depth+1)
	inv.pre = snapshot(inv.accounts)
	return err
}

func (inv *invocation) find(key solana.PublicKey) *svm.AccountInfo {
	var found *svm.AccountInfo
	for _, info := range inv.accounts {
		if !info.Key.Equals(key) {
			continue
		}
		if found == nil {
			found = &svm.AccountInfo{Key: key, Account: info.Account}
		}
		found.IsSigner = found.IsSigner || info.IsSigner
		found.IsWritable = found.IsWritable || info.IsWritable
	}
	return found
}

// verify checks the frame's changes since the last snapshot against the
// ownership rules: only the owner may change data, spend lamports or hand the
// account to a new owner, and read-only accounts stay untouched.
func (inv *invocation) verify() error {
	var preHi, preLo, postHi, postLo uint64
	var carry uint64
	seen := make(map[solana.PublicKey]bool, len(inv.accounts))
	for _, info := range inv.accounts {
		if seen[info.Key] {
			continue
		}
		seen[info.Key] = true
		before, after := inv.pre[info.Key], info.Account

		preLo, carry = bits.Add64(preLo, before.Lamports, 0)
		preHi += carry
		postLo, carry = bits.Add64(postLo, after.Lamports, 0)
		postHi += carry

		if before.Equal(after) {
			continue
		}
		writable := inv.find(info.Key).IsWritable
		if !writable {
			if before.Lamports != after.Lamports {
				return fmt.Errorf("%w: %s", ErrReadonlyLamportChange, info.Key)
			}
			return fmt.Errorf("%w: %s", ErrReadonlyDataModified, info.Key)
		}
		if before.Executable || after.Executable {
			return fmt.Errorf("%w: %s", ErrExecutableModified, info.Key)
		}
		owned := before.Owner.Equals(inv.programID)
		if !before.Owner.Equals(after.Owner) && (!owned || !isZeroed(after.Data)) {
			return fmt.Errorf("%w: %s", ErrModifiedProgramID, info.Key)
		}
		if !owned && !bytes.Equal(before.Data, after.Data) {
			return fmt.Errorf("%w: %s", ErrExternalDataModified, info.Key)
		}
		if !owned && after.Lamports < before.Lamports {
			return fmt.Errorf("%w: %s", ErrExternalLamportSpend, info.Key)
		}
		if len(after.Data) > svm.MaxAccountDataSize {
			return svm.ErrAccountDataTooLarge
		}
	}
	if preHi != postHi || preLo != postLo {
		return ErrUnbalancedInstruction
	}
	return nil
}

func snapshot(infos []*svm.AccountInfo) map[solana.PublicKey]*svm.Account {
	out := make(map[solana.PublicKey]*svm.Account, len(infos))
	for _, info := range infos {
		if _, ok := out[info.Key]; !ok {
			out[info.Key] = info.Account.Clone()
		}
	}
	return out
}

func isZeroed(data []byte) bool {
	for _, b := range data {
		if b != 0 {
			return false
		}
	}
	return true
}
