package ledger

import (
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"

	"github.com/coldbell/p2pswap/internal/svm"
)

// The helpers below write token state directly, outside any transaction. They
// seed genesis accounts and back the faucet endpoints of the node.

func (l *Ledger) CreateMint(tokenProgram, mint, authority solana.PublicKey, decimals uint8) error {
	data := make([]byte, mintLen)
	if err := writeToken(data, &token.Mint{
		MintAuthority: &authority,
		Decimals:      decimals,
		IsInitialized: true,
	}); err != nil {
		return err
	}
	return l.SetAccount(mint, &svm.Account{
		Owner:    tokenProgram,
		Lamports: l.rent.MinimumBalance(mintLen),
		Data:     data,
	})
}

func (l *Ledger) CreateTokenAccount(tokenProgram, address, mint, owner solana.PublicKey, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	mintAcct, err := l.store.Get(mint)
	if err != nil {
		return fmt.Errorf("load mint %s: %w", mint, err)
	}
	mintInfo := &svm.AccountInfo{Key: mint, Account: mintAcct}
	tp := newTokenProgram(tokenProgram)
	m, err := tp.unpackMint(mintInfo)
	if err != nil {
		return fmt.Errorf("mint %s: %w", mint, err)
	}
	if m.Supply+amount < m.Supply {
		return ErrTokenOverflow
	}
	m.Supply += amount
	if err := writeToken(mintAcct.Data, m); err != nil {
		return err
	}

	data := make([]byte, tokenAccountLen)
	if err := writeToken(data, &token.Account{
		Mint:   mint,
		Owner:  owner,
		Amount: amount,
		State:  token.Initialized,
	}); err != nil {
		return err
	}
	return l.store.Commit(map[solana.PublicKey]*svm.Account{
		mint: mintAcct,
		address: {
			Owner:    tokenProgram,
			Lamports: l.rent.MinimumBalance(tokenAccountLen),
			Data:     data,
		},
	})
}

// MintTo credits amount to an existing token account and grows the supply.
func (l *Ledger) MintTo(address solana.PublicKey, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	acct, err := l.store.Get(address)
	if err != nil {
		return fmt.Errorf("load token account %s: %w", address, err)
	}
	tp := newTokenProgram(acct.Owner)
	holder, err := tp.unpackAccount(&svm.AccountInfo{Key: address, Account: acct})
	if err != nil {
		return fmt.Errorf("token account %s: %w", address, err)
	}
	mintAcct, err := l.store.Get(holder.Mint)
	if err != nil {
		return fmt.Errorf("load mint %s: %w", holder.Mint, err)
	}
	m, err := tp.unpackMint(&svm.AccountInfo{Key: holder.Mint, Account: mintAcct})
	if err != nil {
		return err
	}
	if m.Supply+amount < m.Supply || holder.Amount+amount < holder.Amount {
		return ErrTokenOverflow
	}
	m.Supply += amount
	holder.Amount += amount
	if err := writeToken(mintAcct.Data, m); err != nil {
		return err
	}
	if err := writeToken(acct.Data, holder); err != nil {
		return err
	}
	return l.store.Commit(map[solana.PublicKey]*svm.Account{address: acct, holder.Mint: mintAcct})
}

// TokenBalance reads the amount held by a token account of either token
// program.
func (l *Ledger) TokenBalance(address solana.PublicKey) (uint64, error) {
	amount, _, err := l.TokenAmount(address)
	return amount, err
}

// TokenAmount returns the balance of a token account together with the
// decimals of its mint.
func (l *Ledger) TokenAmount(address solana.PublicKey) (uint64, uint8, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	acct, err := l.store.Get(address)
	if err != nil {
		return 0, 0, err
	}
	if !acct.Owner.Equals(solana.TokenProgramID) && !acct.Owner.Equals(solana.Token2022ProgramID) {
		return 0, 0, fmt.Errorf("%s: %w", address, svm.ErrIncorrectProgramID)
	}
	tp := newTokenProgram(acct.Owner)
	holder, err := tp.unpackAccount(&svm.AccountInfo{Key: address, Account: acct})
	if err != nil {
		return 0, 0, err
	}
	mintAcct, err := l.store.Get(holder.Mint)
	if err != nil {
		return 0, 0, fmt.Errorf("load mint %s: %w", holder.Mint, err)
	}
	mint, err := tp.unpackMint(&svm.AccountInfo{Key: holder.Mint, Account: mintAcct})
	if err != nil {
		return 0, 0, err
	}
	return holder.Amount, mint.Decimals, nil
}

// Balance returns the lamports of key, zero for a missing account.
func (l *Ledger) Balance(key solana.PublicKey) (uint64, error) {
	acct, err := l.GetAccount(key)
	if errors.Is(err, ErrAccountNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return acct.Lamports, nil
}
