package ledger

import (
	"errors"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"

	"github.com/coldbell/p2pswap/internal/svm"
)

func createATAInstruction(payer, wallet, mint, tokenProgram solana.PublicKey) (solana.Instruction, solana.PublicKey, error) {
	ata, _, err := solana.FindProgramAddress([][]byte{wallet[:], tokenProgram[:], mint[:]}, solana.SPLAssociatedTokenAccountProgramID)
	if err != nil {
		return nil, solana.PublicKey{}, err
	}
	return solana.NewInstruction(solana.SPLAssociatedTokenAccountProgramID, solana.AccountMetaSlice{
		solana.NewAccountMeta(payer, true, true),
		solana.NewAccountMeta(ata, true, false),
		solana.NewAccountMeta(wallet, false, false),
		solana.NewAccountMeta(mint, false, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
		solana.NewAccountMeta(tokenProgram, false, false),
	}, nil), ata, nil
}

// onProgram re-targets a token instruction built for the legacy program.
func onProgram(t *testing.T, programID solana.PublicKey, ix solana.Instruction) solana.Instruction {
	t.Helper()
	data, err := ix.Data()
	if err != nil {
		t.Fatalf("encode instruction: %v", err)
	}
	return solana.NewInstruction(programID, ix.Accounts(), data)
}

func TestTokenProgramFlow(t *testing.T) {
	for _, programID := range []solana.PublicKey{solana.TokenProgramID, solana.Token2022ProgramID} {
		t.Run(programID.String(), func(t *testing.T) {
			env := newTestEnv(t)
			authority := env.newWallet(10_000_000)
			alice := env.newWallet(10_000_000)
			bob := env.newKey()
			mint := env.newKey()

			if err := env.ledger.CreateMint(programID, mint, authority, 6); err != nil {
				t.Fatalf("create mint: %v", err)
			}

			createAlice, aliceATA, err := createATAInstruction(alice, alice, mint, programID)
			if err != nil {
				t.Fatalf("derive ata: %v", err)
			}
			createBob, bobATA, err := createATAInstruction(alice, bob, mint, programID)
			if err != nil {
				t.Fatalf("derive ata: %v", err)
			}
			if _, err := env.send(alice, createAlice, createBob); err != nil {
				t.Fatalf("create associated accounts: %v", err)
			}
			if _, err := env.send(alice, createAlice); !errors.Is(err, svm.ErrAccountAlreadyInUse) {
				t.Errorf("second create err = %v", err)
			}

			mintTo := token.NewMintToInstruction(1_000, mint, aliceATA, authority, nil).Build()
			if _, err := env.send(authority, onProgram(t, programID, mintTo)); err != nil {
				t.Fatalf("mint to: %v", err)
			}

			badDecimals := token.NewTransferCheckedInstruction(100, 9, aliceATA, mint, bobATA, alice, nil).Build()
			if _, err := env.send(alice, onProgram(t, programID, badDecimals)); !errors.Is(err, ErrTokenDecimalsMismatch) {
				t.Errorf("wrong decimals err = %v, want %v", err, ErrTokenDecimalsMismatch)
			}

			overdraw := token.NewTransferInstruction(5_000, aliceATA, bobATA, alice, nil).Build()
			if _, err := env.send(alice, onProgram(t, programID, overdraw)); !errors.Is(err, ErrTokenInsufficientFunds) {
				t.Errorf("overdraw err = %v, want %v", err, ErrTokenInsufficientFunds)
			}

			transfer := token.NewTransferCheckedInstruction(400, 6, aliceATA, mint, bobATA, alice, nil).Build()
			if _, err := env.send(alice, onProgram(t, programID, transfer)); err != nil {
				t.Fatalf("transfer: %v", err)
			}
			assertTokenBalance(t, env.ledger, aliceATA, 600)
			assertTokenBalance(t, env.ledger, bobATA, 400)

			closeFunded := token.NewCloseAccountInstruction(aliceATA, alice, alice, nil).Build()
			if _, err := env.send(alice, onProgram(t, programID, closeFunded)); !errors.Is(err, ErrTokenNonZeroBalance) {
				t.Errorf("close funded account err = %v, want %v", err, ErrTokenNonZeroBalance)
			}

			drain := token.NewTransferInstruction(600, aliceATA, bobATA, alice, nil).Build()
			before := env.balance(alice)
			if _, err := env.send(alice, onProgram(t, programID, drain), onProgram(t, programID, closeFunded)); err != nil {
				t.Fatalf("drain and close: %v", err)
			}
			rent := env.ledger.Rent().MinimumBalance(tokenAccountLen)
			if got := env.balance(alice); got != before+rent-LamportsPerSignature {
				t.Errorf("alice lamports = %d, want %d", got, before+rent-LamportsPerSignature)
			}
			if _, err := env.ledger.GetAccount(aliceATA); !errors.Is(err, ErrAccountNotFound) {
				t.Errorf("closed account still present: %v", err)
			}
			assertTokenBalance(t, env.ledger, bobATA, 1_000)
		})
	}
}

func TestMintToRequiresAuthority(t *testing.T) {
	env := newTestEnv(t)
	authority := env.newKey()
	mallory := env.newWallet(10_000_000)
	mint := env.newKey()
	holder := env.newKey()

	if err := env.ledger.CreateMint(solana.TokenProgramID, mint, authority, 0); err != nil {
		t.Fatalf("create mint: %v", err)
	}
	if err := env.ledger.CreateTokenAccount(solana.TokenProgramID, holder, mint, mallory, 0); err != nil {
		t.Fatalf("create token account: %v", err)
	}
	ix := token.NewMintToInstruction(1, mint, holder, mallory, nil).Build()
	if _, err := env.send(mallory, ix); !errors.Is(err, ErrTokenOwnerMismatch) {
		t.Errorf("err = %v, want %v", err, ErrTokenOwnerMismatch)
	}
}

func assertTokenBalance(t *testing.T, l *Ledger, account solana.PublicKey, want uint64) {
	t.Helper()
	got, err := l.TokenBalance(account)
	if err != nil {
		t.Fatalf("token balance of %s: %v", account, err)
	}
	if got != want {
		t.Errorf("token balance of %s = %d, want %d", account, got, want)
	}
}
