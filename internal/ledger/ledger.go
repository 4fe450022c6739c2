package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gagliardetto/solana-go"

	"github.com/coldbell/p2pswap/internal/svm"
)

const (
	LamportsPerSignature = uint64(5000)
	MaxRecentBlockhashes = 150
	MaxCallDepth         = 4
)

var nativeLoaderID = solana.MustPublicKeyFromBase58("NativeLoader1111111111111111111111111111111")

// Receipt is the outcome of one processed transaction. A failed transaction
// still produces a receipt: the fee is charged and the logs are kept.
type Receipt struct {
	Signature solana.Signature `json:"signature"`
	Slot      uint64           `json:"slot"`
	Fee       uint64           `json:"fee"`
	Logs      []string         `json:"logs"`
	Err       error            `json:"-"`
}

type blockhashEntry struct {
	hash solana.Hash
	slot uint64
}

// Ledger is a single-node ledger. Transactions are applied one at a time and
// each either commits every account change or only its fee.
type Ledger struct {
	mu          sync.Mutex
	store       AccountStore
	programs    map[solana.PublicKey]svm.Program
	rent        svm.Rent
	slot        uint64
	blockhashes []blockhashEntry
	processed   map[solana.Signature]*Receipt
	logger      *slog.Logger
}

func New(store AccountStore, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	genesis := sha256.Sum256([]byte("p2pswap genesis"))
	l := &Ledger{
		store:       store,
		programs:    make(map[solana.PublicKey]svm.Program),
		rent:        svm.DefaultRent(),
		blockhashes: []blockhashEntry{{hash: solana.Hash(genesis), slot: 0}},
		processed:   make(map[solana.Signature]*Receipt),
		logger:      logger,
	}
	l.Register(systemProgram{})
	l.Register(newTokenProgram(solana.TokenProgramID))
	l.Register(newTokenProgram(solana.Token2022ProgramID))
	l.Register(associatedTokenProgram{})
	l.Register(computeBudgetProgram{})
	return l
}

// Register makes a program invocable. It replaces any program with the same id.
func (l *Ledger) Register(p svm.Program) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.programs[p.ID()] = p
}

func (l *Ledger) Rent() svm.Rent {
	return l.rent
}

func (l *Ledger) Slot() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.slot
}

func (l *Ledger) LatestBlockhash() (solana.Hash, uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	latest := l.blockhashes[len(l.blockhashes)-1]
	return latest.hash, latest.slot + MaxRecentBlockhashes
}

// Advance closes the current slot and issues a new blockhash.
func (l *Ledger) Advance() solana.Hash {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.advanceLocked()
}

func (l *Ledger) advanceLocked() solana.Hash {
	prev := l.blockhashes[len(l.blockhashes)-1].hash
	l.slot++
	var slot [8]byte
	binary.LittleEndian.PutUint64(slot[:], l.slot)
	next := solana.Hash(sha256.Sum256(append(prev[:], slot[:]...)))

	l.blockhashes = append(l.blockhashes, blockhashEntry{hash: next, slot: l.slot})
	if len(l.blockhashes) > MaxRecentBlockhashes {
		l.blockhashes = l.blockhashes[len(l.blockhashes)-MaxRecentBlockhashes:]
	}
	oldest := l.blockhashes[0].slot
	for sig, receipt := range l.processed {
		if receipt.Slot < oldest {
			delete(l.processed, sig)
		}
	}
	return next
}

func (l *Ledger) isRecentBlockhash(hash solana.Hash) bool {
	for _, entry := range l.blockhashes {
		if entry.hash.Equals(hash) {
			return true
		}
	}
	return false
}

// SignatureStatus returns the receipt of a recently processed signature.
// Receipts are forgotten once their blockhash expires.
func (l *Ledger) SignatureStatus(sig solana.Signature) (*Receipt, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	receipt, ok := l.processed[sig]
	return receipt, ok
}

func (l *Ledger) GetAccount(key solana.PublicKey) (*svm.Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.store.Get(key)
}

func (l *Ledger) ProgramAccounts(owner solana.PublicKey) ([]KeyedAccount, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.store.ProgramAccounts(owner)
}

// SetAccount writes an account directly, outside any transaction. It is meant
// for genesis state and faucets.
func (l *Ledger) SetAccount(key solana.PublicKey, acct *svm.Account) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if acct != nil && acct.Lamports == 0 {
		acct = nil
	}
	return l.store.Commit(map[solana.PublicKey]*svm.Account{key: acct})
}

// Airdrop credits lamports to key, creating a system account if needed.
func (l *Ledger) Airdrop(key solana.PublicKey, lamports uint64) (solana.Signature, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	acct, err := l.store.Get(key)
	if errors.Is(err, ErrAccountNotFound) {
		acct = &svm.Account{Owner: solana.SystemProgramID}
	} else if err != nil {
		return solana.Signature{}, err
	}
	if acct.Lamports+lamports < acct.Lamports {
		return solana.Signature{}, svm.ErrInsufficientLamports
	}
	acct.Lamports += lamports
	if err := l.store.Commit(map[solana.PublicKey]*svm.Account{key: acct}); err != nil {
		return solana.Signature{}, err
	}

	var seed [48]byte
	copy(seed[:32], key[:])
	binary.LittleEndian.PutUint64(seed[32:], l.slot)
	binary.LittleEndian.PutUint64(seed[40:], lamports)
	digest := sha256.Sum256(seed[:])
	var sig solana.Signature
	copy(sig[:32], digest[:])
	copy(sig[32:], key[:])
	l.processed[sig] = &Receipt{Signature: sig, Slot: l.slot}
	l.advanceLocked()
	return sig, nil
}

// ProcessTransaction verifies and executes tx. On success every account
// change is committed; on failure only the fee is.
func (l *Ledger) ProcessTransaction(ctx context.Context, tx *solana.Transaction) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.sanitize(tx); err != nil {
		return nil, err
	}
	metas, err := tx.Message.AccountMetaList()
	if err != nil {
		return nil, fmt.Errorf("resolve accounts: %w", err)
	}
	payer := metas[0]
	if !payer.IsSigner || !payer.IsWritable {
		return nil, fmt.Errorf("fee payer %s must be a writable signer", payer.PublicKey)
	}

	txn, err := l.load(metas)
	if err != nil {
		return nil, err
	}
	priority, err := prioritizationFee(&tx.Message)
	if err != nil {
		return nil, err
	}
	fee := LamportsPerSignature*uint64(len(tx.Signatures)) + priority
	payerAcct := txn.accounts[payer.PublicKey]
	if payerAcct.Lamports < fee {
		return nil, ErrInsufficientFeeFunds
	}
	payerAcct.Lamports -= fee
	feeOnly := map[solana.PublicKey]*svm.Account{payer.PublicKey: payerAcct.Clone()}
	if payerAcct.Lamports == 0 {
		feeOnly[payer.PublicKey] = nil
	}

	receipt := &Receipt{Signature: tx.Signatures[0], Slot: l.slot, Fee: fee}
	execErr := txn.run(tx)
	if execErr == nil {
		execErr = txn.checkRent(l.rent)
	}
	receipt.Logs = txn.logs

	changes := feeOnly
	if execErr == nil {
		changes = txn.changes()
	}
	if err := l.store.Commit(changes); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	receipt.Err = execErr
	l.processed[receipt.Signature] = receipt
	l.advanceLocked()

	if execErr != nil {
		l.logger.Debug("transaction failed", "signature", receipt.Signature, "slot", receipt.Slot, "err", execErr, "logs", receipt.Logs)
		return receipt, execErr
	}
	l.logger.Debug("transaction committed", "signature", receipt.Signature, "slot", receipt.Slot, "accounts", len(changes), "logs", receipt.Logs)
	return receipt, nil
}

func (l *Ledger) sanitize(tx *solana.Transaction) error {
	if tx.Message.IsVersioned() {
		return ErrUnsupportedMessage
	}
	if len(tx.Signatures) == 0 {
		return ErrMissingSignature
	}
	if len(tx.Message.AccountKeys) == 0 {
		return fmt.Errorf("transaction has no account keys")
	}
	if err := tx.VerifySignatures(); err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureFailure, err)
	}
	if !l.isRecentBlockhash(tx.Message.RecentBlockhash) {
		return ErrBlockhashNotFound
	}
	if _, ok := l.processed[tx.Signatures[0]]; ok {
		return ErrAlreadyProcessed
	}
	return nil
}

// load copies every account the transaction references into a working set.
func (l *Ledger) load(metas solana.AccountMetaSlice) (*txContext, error) {
	txn := &txContext{
		ledger:   l,
		accounts: make(map[solana.PublicKey]*svm.Account, len(metas)),
		original: make(map[solana.PublicKey]*svm.Account, len(metas)),
	}
	for _, meta := range metas {
		key := meta.PublicKey
		if _, ok := txn.accounts[key]; ok {
			continue
		}
		if _, ok := l.programs[key]; ok {
			txn.accounts[key] = &svm.Account{Owner: nativeLoaderID, Lamports: 1, Executable: true}
			txn.original[key] = txn.accounts[key].Clone()
			continue
		}
		acct, err := l.store.Get(key)
		if errors.Is(err, ErrAccountNotFound) {
			acct = &svm.Account{Owner: solana.SystemProgramID}
		} else if err != nil {
			return nil, fmt.Errorf("load account %s: %w", key, err)
		}
		txn.accounts[key] = acct
		txn.original[key] = acct.Clone()
	}
	return txn, nil
}
