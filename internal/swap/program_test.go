package swap

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/gagliardetto/solana-go"

	"github.com/coldbell/p2pswap/internal/ledger"
	"github.com/coldbell/p2pswap/internal/svm"
)

const testFeeBps = 100

type swapEnv struct {
	t         *testing.T
	ledger    *ledger.Ledger
	programID solana.PublicKey
	keys      map[solana.PublicKey]solana.PrivateKey

	authority solana.PublicKey
	maker     solana.PublicKey
	taker     solana.PublicKey
	makerMint solana.PublicKey
	takerMint solana.PublicKey
	makerTP   solana.PublicKey
	takerTP   solana.PublicKey
	treasury  solana.PublicKey
}

// newSwapEnv boots a ledger running the swap program with an initialized
// treasury and two funded traders. makerTP and takerTP pick the token program
// of each mint.
func newSwapEnv(t *testing.T, makerTP, takerTP solana.PublicKey) *swapEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env := &swapEnv{
		t:       t,
		ledger:  ledger.New(ledger.NewMemStore(), logger),
		keys:    make(map[solana.PublicKey]solana.PrivateKey),
		makerTP: makerTP,
		takerTP: takerTP,
	}
	env.programID = env.newKey()
	env.ledger.Register(NewProgram(env.programID))
	env.treasury = MustDeriveTreasuryPDA(env.programID)

	env.authority = env.newWallet()
	env.maker = env.newWallet()
	env.taker = env.newWallet()
	env.makerMint = env.newMint(makerTP, 6)
	env.takerMint = env.newMint(takerTP, 9)

	ix, err := NewInitializeTreasuryInstruction(env.programID, env.authority, env.authority, testFeeBps)
	if err != nil {
		t.Fatalf("build initialize treasury: %v", err)
	}
	env.mustSend(env.authority, ix)

	env.fundATA(env.maker, env.makerMint, makerTP, 1_000_000)
	env.fundATA(env.maker, env.takerMint, takerTP, 0)
	env.fundATA(env.taker, env.takerMint, takerTP, 1_000_000)
	env.fundATA(env.taker, env.makerMint, makerTP, 0)
	env.fundATA(env.treasury, env.makerMint, makerTP, 0)
	env.fundATA(env.treasury, env.takerMint, takerTP, 0)
	return env
}

func (e *swapEnv) newKey() solana.PublicKey {
	e.t.Helper()
	priv, err := solana.NewRandomPrivateKey()
	if err != nil {
		e.t.Fatalf("generate key: %v", err)
	}
	e.keys[priv.PublicKey()] = priv
	return priv.PublicKey()
}

func (e *swapEnv) newWallet() solana.PublicKey {
	e.t.Helper()
	key := e.newKey()
	if _, err := e.ledger.Airdrop(key, 10_000_000_000); err != nil {
		e.t.Fatalf("airdrop: %v", err)
	}
	return key
}

func (e *swapEnv) newMint(tokenProgram solana.PublicKey, decimals uint8) solana.PublicKey {
	e.t.Helper()
	mint := e.newKey()
	if err := e.ledger.CreateMint(tokenProgram, mint, e.newKey(), decimals); err != nil {
		e.t.Fatalf("create mint: %v", err)
	}
	return mint
}

func (e *swapEnv) fundATA(wallet, mint, tokenProgram solana.PublicKey, amount uint64) solana.PublicKey {
	e.t.Helper()
	ata := MustDeriveAssociatedTokenAddress(wallet, mint, tokenProgram)
	if err := e.ledger.CreateTokenAccount(tokenProgram, ata, mint, wallet, amount); err != nil {
		e.t.Fatalf("create token account: %v", err)
	}
	return ata
}

func (e *swapEnv) ata(wallet, mint solana.PublicKey) solana.PublicKey {
	tp := e.takerTP
	if mint.Equals(e.makerMint) {
		tp = e.makerTP
	}
	return MustDeriveAssociatedTokenAddress(wallet, mint, tp)
}

func (e *swapEnv) send(payer solana.PublicKey, ixs ...solana.Instruction) error {
	e.t.Helper()
	blockhash, _ := e.ledger.LatestBlockhash()
	tx, err := solana.NewTransaction(ixs, blockhash, solana.TransactionPayer(payer))
	if err != nil {
		e.t.Fatalf("build transaction: %v", err)
	}
	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if priv, ok := e.keys[key]; ok {
			return &priv
		}
		return nil
	}); err != nil {
		e.t.Fatalf("sign transaction: %v", err)
	}
	_, err = e.ledger.ProcessTransaction(context.Background(), tx)
	return err
}

func (e *swapEnv) mustSend(payer solana.PublicKey, ixs ...solana.Instruction) {
	e.t.Helper()
	if err := e.send(payer, ixs...); err != nil {
		e.t.Fatalf("transaction failed: %v", err)
	}
}

func (e *swapEnv) orderAddress() solana.PublicKey {
	return MustDeriveOrderPDA(e.programID, e.maker, e.makerMint, e.takerMint)
}

func (e *swapEnv) escrow() solana.PublicKey {
	return e.ata(e.orderAddress(), e.makerMint)
}

func (e *swapEnv) openOrderInstructions(makerAmount, takerAmount uint64, taker *solana.PublicKey) []solana.Instruction {
	e.t.Helper()
	createEscrow, _, err := NewCreateAssociatedTokenAccountInstruction(e.maker, e.orderAddress(), e.makerMint, e.makerTP)
	if err != nil {
		e.t.Fatalf("build escrow account: %v", err)
	}
	open, err := NewInitializeOrderInstruction(e.programID, InitializeOrderAccounts{
		Maker:              e.maker,
		MakerTokenAccount:  e.ata(e.maker, e.makerMint),
		EscrowTokenAccount: e.escrow(),
		MakerMint:          e.makerMint,
		TakerMint:          e.takerMint,
		TokenProgram:       e.makerTP,
	}, makerAmount, takerAmount, taker)
	if err != nil {
		e.t.Fatalf("build initialize order: %v", err)
	}
	return []solana.Instruction{createEscrow, open}
}

func (e *swapEnv) openOrder(makerAmount, takerAmount uint64, taker *solana.PublicKey) {
	e.t.Helper()
	e.mustSend(e.maker, e.openOrderInstructions(makerAmount, takerAmount, taker)...)
}

func (e *swapEnv) amendInstruction(signer solana.PublicKey, makerAmount, takerAmount uint64) solana.Instruction {
	e.t.Helper()
	ix, err := NewChangeOrderAmountsInstruction(e.programID, ChangeOrderAmountsAccounts{
		Maker:              signer,
		Order:              e.orderAddress(),
		EscrowTokenAccount: e.escrow(),
		MakerTokenAccount:  e.ata(e.maker, e.makerMint),
		MakerMint:          e.makerMint,
		TokenProgram:       e.makerTP,
	}, makerAmount, takerAmount)
	if err != nil {
		e.t.Fatalf("build change amounts: %v", err)
	}
	return ix
}

func (e *swapEnv) completeInstruction(taker solana.PublicKey) solana.Instruction {
	e.t.Helper()
	return e.completeWith(e.completeAccounts(taker))
}

func (e *swapEnv) completeAccounts(taker solana.PublicKey) CompleteSwapAccounts {
	return CompleteSwapAccounts{
		Taker:                    taker,
		MakerMint:                e.makerMint,
		TakerMint:                e.takerMint,
		Order:                    e.orderAddress(),
		MakerReceiveAccount:      e.ata(e.maker, e.takerMint),
		TakerSendAccount:         e.ata(taker, e.takerMint),
		TakerReceiveAccount:      e.ata(taker, e.makerMint),
		EscrowTokenAccount:       e.escrow(),
		TreasuryMakerMintAccount: e.ata(e.treasury, e.makerMint),
		TreasuryTakerMintAccount: e.ata(e.treasury, e.takerMint),
		MakerMintTokenProgram:    e.makerTP,
		TakerMintTokenProgram:    e.takerTP,
	}
}

func (e *swapEnv) completeWith(accounts CompleteSwapAccounts) solana.Instruction {
	e.t.Helper()
	ix, err := NewCompleteSwapInstruction(e.programID, accounts)
	if err != nil {
		e.t.Fatalf("build complete swap: %v", err)
	}
	return ix
}

func (e *swapEnv) closeInstruction(authority, receiver solana.PublicKey) solana.Instruction {
	e.t.Helper()
	ix, err := NewCloseOrderInstruction(e.programID, CloseOrderAccounts{
		Authority:          authority,
		Order:              e.orderAddress(),
		Receiver:           receiver,
		EscrowTokenAccount: e.escrow(),
		MakerTokenAccount:  e.ata(e.maker, e.makerMint),
		MakerMint:          e.makerMint,
		TokenProgram:       e.makerTP,
	})
	if err != nil {
		e.t.Fatalf("build close order: %v", err)
	}
	return ix
}

func (e *swapEnv) harvestInstruction(signer, mint solana.PublicKey) solana.Instruction {
	e.t.Helper()
	tp := e.takerTP
	if mint.Equals(e.makerMint) {
		tp = e.makerTP
	}
	ix, err := NewHarvestInstruction(e.programID, HarvestAccounts{
		Authority:            signer,
		TreasuryTokenAccount: e.ata(e.treasury, mint),
		ReceiverTokenAccount: MustDeriveAssociatedTokenAddress(signer, mint, tp),
		Mint:                 mint,
		TokenProgram:         tp,
	})
	if err != nil {
		e.t.Fatalf("build harvest: %v", err)
	}
	return ix
}

func (e *swapEnv) tokenBalance(account solana.PublicKey) uint64 {
	e.t.Helper()
	amount, err := e.ledger.TokenBalance(account)
	if err != nil {
		e.t.Fatalf("token balance of %s: %v", account, err)
	}
	return amount
}

func (e *swapEnv) order() *Order {
	e.t.Helper()
	acct, err := e.ledger.GetAccount(e.orderAddress())
	if err != nil {
		e.t.Fatalf("load order: %v", err)
	}
	order, err := DecodeOrder(acct.Data)
	if err != nil {
		e.t.Fatalf("decode order: %v", err)
	}
	return order
}

// rewriteOrder edits the stored order record in place, outside any
// transaction.
func (e *swapEnv) rewriteOrder(edit func(*Order)) {
	e.t.Helper()
	raw, err := e.ledger.GetAccount(e.orderAddress())
	if err != nil {
		e.t.Fatalf("load order: %v", err)
	}
	order := e.order()
	edit(order)
	if err := writeRecord(raw.Data, order); err != nil {
		e.t.Fatalf("rewrite order: %v", err)
	}
	if err := e.ledger.SetAccount(e.orderAddress(), raw); err != nil {
		e.t.Fatalf("store order: %v", err)
	}
}

// copyOrder stores a byte-for-byte copy of the order record at a fresh
// program-owned address and returns that address.
func (e *swapEnv) copyOrder() solana.PublicKey {
	e.t.Helper()
	raw, err := e.ledger.GetAccount(e.orderAddress())
	if err != nil {
		e.t.Fatalf("load order: %v", err)
	}
	forged := e.newKey()
	if err := e.ledger.SetAccount(forged, raw.Clone()); err != nil {
		e.t.Fatalf("store copy: %v", err)
	}
	return forged
}

func expectErr(t *testing.T, err, want error) {
	t.Helper()
	if !errors.Is(err, want) {
		t.Fatalf("err = %v, want %v", err, want)
	}
}

var tokenProgramPairs = []struct {
	name             string
	makerTP, takerTP solana.PublicKey
}{
	{name: "token", makerTP: solana.TokenProgramID, takerTP: solana.TokenProgramID},
	{name: "token-2022", makerTP: solana.Token2022ProgramID, takerTP: solana.Token2022ProgramID},
	{name: "mixed", makerTP: solana.TokenProgramID, takerTP: solana.Token2022ProgramID},
}

func TestSwapLifecycle(t *testing.T) {
	for _, pair := range tokenProgramPairs {
		t.Run(pair.name, func(t *testing.T) {
			env := newSwapEnv(t, pair.makerTP, pair.takerTP)

			env.openOrder(100_000, 200_000, nil)
			if got := env.tokenBalance(env.escrow()); got != 100_000 {
				t.Fatalf("escrow = %d, want 100000", got)
			}
			if got := env.tokenBalance(env.ata(env.maker, env.makerMint)); got != 900_000 {
				t.Errorf("maker balance = %d, want 900000", got)
			}
			order := env.order()
			if order.Status != OrderStatusOpen || order.HasTaker() || order.MakerAmount != 100_000 || order.TakerAmount != 200_000 {
				t.Fatalf("unexpected order %+v", order)
			}

			env.mustSend(env.taker, env.completeInstruction(env.taker))

			checks := []struct {
				name    string
				account solana.PublicKey
				want    uint64
			}{
				{"maker receives taker mint", env.ata(env.maker, env.takerMint), 198_000},
				{"taker receives maker mint", env.ata(env.taker, env.makerMint), 99_000},
				{"treasury maker mint fee", env.ata(env.treasury, env.makerMint), 1_000},
				{"treasury taker mint fee", env.ata(env.treasury, env.takerMint), 2_000},
				{"taker pays", env.ata(env.taker, env.takerMint), 800_000},
				{"escrow drained", env.escrow(), 0},
			}
			for _, c := range checks {
				if got := env.tokenBalance(c.account); got != c.want {
					t.Errorf("%s: balance = %d, want %d", c.name, got, c.want)
				}
			}
			order = env.order()
			if order.Status != OrderStatusSettled || !order.Taker.Equals(env.taker) {
				t.Errorf("order after settle = %+v", order)
			}

			expectErr(t, env.send(env.taker, env.completeInstruction(env.taker)), ErrInvalidOrderState)
			expectErr(t, env.send(env.maker, env.amendInstruction(env.maker, 1, 1)), ErrInvalidOrderState)

			// Either party may close once settled.
			receiverBefore, _ := env.ledger.Balance(env.taker)
			orderRent := env.ledger.Rent().MinimumBalance(OrderLen)
			escrowRent := env.ledger.Rent().MinimumBalance(TokenAccountLen)
			env.mustSend(env.taker, env.closeInstruction(env.taker, env.taker))
			receiverAfter, _ := env.ledger.Balance(env.taker)
			if want := receiverBefore + orderRent + escrowRent - ledger.LamportsPerSignature; receiverAfter != want {
				t.Errorf("receiver lamports = %d, want %d", receiverAfter, want)
			}
			if _, err := env.ledger.GetAccount(env.orderAddress()); !errors.Is(err, ledger.ErrAccountNotFound) {
				t.Errorf("order account still present: %v", err)
			}
			if _, err := env.ledger.GetAccount(env.escrow()); !errors.Is(err, ledger.ErrAccountNotFound) {
				t.Errorf("escrow account still present: %v", err)
			}
		})
	}
}

func TestChangeOrderAmounts(t *testing.T) {
	tests := []struct {
		name        string
		makerAmount uint64
		wantEscrow  uint64
		wantMaker   uint64
		wantErr     error
	}{
		{name: "increase", makerAmount: 150_000, wantEscrow: 150_000, wantMaker: 850_000},
		{name: "decrease", makerAmount: 40_000, wantEscrow: 40_000, wantMaker: 960_000},
		{name: "unchanged", makerAmount: 100_000, wantEscrow: 100_000, wantMaker: 900_000},
		{name: "zero", makerAmount: 0, wantErr: ErrInvalidAmount},
		{name: "beyond maker balance", makerAmount: 1_100_001, wantErr: ErrInsufficientFunds},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := newSwapEnv(t, solana.TokenProgramID, solana.TokenProgramID)
			env.openOrder(100_000, 200_000, nil)

			err := env.send(env.maker, env.amendInstruction(env.maker, tc.makerAmount, 300_000))
			if tc.wantErr != nil {
				expectErr(t, err, tc.wantErr)
				if got := env.tokenBalance(env.escrow()); got != 100_000 {
					t.Errorf("escrow changed on failure: %d", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("change amounts: %v", err)
			}
			if got := env.tokenBalance(env.escrow()); got != tc.wantEscrow {
				t.Errorf("escrow = %d, want %d", got, tc.wantEscrow)
			}
			if got := env.tokenBalance(env.ata(env.maker, env.makerMint)); got != tc.wantMaker {
				t.Errorf("maker = %d, want %d", got, tc.wantMaker)
			}
			order := env.order()
			if order.MakerAmount != tc.makerAmount || order.TakerAmount != 300_000 {
				t.Errorf("order amounts = %d/%d", order.MakerAmount, order.TakerAmount)
			}
		})
	}
}

func TestPinnedTaker(t *testing.T) {
	env := newSwapEnv(t, solana.TokenProgramID, solana.TokenProgramID)
	outsider := env.newWallet()
	env.fundATA(outsider, env.takerMint, env.takerTP, 1_000_000)
	env.fundATA(outsider, env.makerMint, env.makerTP, 0)

	env.openOrder(100_000, 200_000, &env.taker)
	expectErr(t, env.send(outsider, env.completeInstruction(outsider)), ErrUnauthorizedSigner)

	// Reopen to anyone, then pin the outsider.
	clearTaker, err := NewChangeTakerInstruction(env.programID, env.maker, env.orderAddress(), solana.PublicKey{})
	if err != nil {
		t.Fatalf("build change taker: %v", err)
	}
	env.mustSend(env.maker, clearTaker)
	if env.order().HasTaker() {
		t.Fatal("taker should be cleared")
	}
	pin, err := NewChangeTakerInstruction(env.programID, env.maker, env.orderAddress(), outsider)
	if err != nil {
		t.Fatalf("build change taker: %v", err)
	}
	env.mustSend(env.maker, pin)

	expectErr(t, env.send(env.taker, env.completeInstruction(env.taker)), ErrUnauthorizedSigner)
	env.mustSend(outsider, env.completeInstruction(outsider))
	if got := env.tokenBalance(env.ata(outsider, env.makerMint)); got != 99_000 {
		t.Errorf("outsider received %d, want 99000", got)
	}
}

func TestUnauthorizedSigners(t *testing.T) {
	env := newSwapEnv(t, solana.TokenProgramID, solana.TokenProgramID)
	mallory := env.newWallet()
	env.openOrder(100_000, 200_000, &env.taker)

	changeTaker, err := NewChangeTakerInstruction(env.programID, mallory, env.orderAddress(), mallory)
	if err != nil {
		t.Fatalf("build change taker: %v", err)
	}
	tests := []struct {
		name  string
		payer solana.PublicKey
		ix    solana.Instruction
	}{
		{name: "amend", payer: mallory, ix: env.amendInstruction(mallory, 1, 1)},
		{name: "change taker", payer: mallory, ix: changeTaker},
		{name: "close open order", payer: mallory, ix: env.closeInstruction(mallory, mallory)},
		{name: "taker closes open order", payer: env.taker, ix: env.closeInstruction(env.taker, env.taker)},
		{name: "harvest", payer: mallory, ix: env.harvestInstruction(mallory, env.makerMint)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			expectErr(t, env.send(tc.payer, tc.ix), ErrUnauthorizedSigner)
		})
	}
	if got := env.tokenBalance(env.escrow()); got != 100_000 {
		t.Errorf("escrow = %d after rejected calls, want 100000", got)
	}
}

func TestInitializeOrderValidation(t *testing.T) {
	env := newSwapEnv(t, solana.TokenProgramID, solana.TokenProgramID)

	expectErr(t, env.send(env.maker, env.openOrderInstructions(0, 1, nil)...), ErrInvalidAmount)
	expectErr(t, env.send(env.maker, env.openOrderInstructions(1, 0, nil)...), ErrInvalidAmount)
	expectErr(t, env.send(env.maker, env.openOrderInstructions(2_000_000, 1, nil)...), ErrInsufficientFunds)

	// Failed attempts leave nothing behind.
	if _, err := env.ledger.GetAccount(env.orderAddress()); !errors.Is(err, ledger.ErrAccountNotFound) {
		t.Fatalf("order account exists after failed creation: %v", err)
	}

	env.openOrder(10, 20, nil)
	open := env.openOrderInstructions(10, 20, nil)[1]
	expectErr(t, env.send(env.maker, open), ErrOrderAlreadyInitialized)

	wrongProgram, err := NewInitializeOrderInstruction(env.programID, InitializeOrderAccounts{
		Maker:              env.maker,
		MakerTokenAccount:  env.ata(env.maker, env.makerMint),
		EscrowTokenAccount: env.escrow(),
		MakerMint:          env.makerMint,
		TakerMint:          env.takerMint,
		TokenProgram:       solana.Token2022ProgramID,
	}, 10, 20, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	expectErr(t, env.send(env.maker, wrongProgram), ErrInvalidTokenProgram)
}

func TestCompleteSwapDrainedEscrow(t *testing.T) {
	env := newSwapEnv(t, solana.TokenProgramID, solana.TokenProgramID)
	env.openOrder(100_000, 200_000, nil)

	// A taker with too little of the taker mint cannot settle.
	poor := env.newWallet()
	env.fundATA(poor, env.takerMint, env.takerTP, 199_999)
	env.fundATA(poor, env.makerMint, env.makerTP, 0)
	expectErr(t, env.send(poor, env.completeInstruction(poor)), ErrInsufficientFunds)

	// An order recording more than its escrow holds cannot settle.
	env.rewriteOrder(func(order *Order) { order.MakerAmount = 150_000 })
	expectErr(t, env.send(env.taker, env.completeInstruction(env.taker)), ErrInsufficientFunds)
}

func TestCloseOpenOrderRefunds(t *testing.T) {
	env := newSwapEnv(t, solana.Token2022ProgramID, solana.TokenProgramID)
	env.openOrder(100_000, 200_000, nil)

	env.mustSend(env.maker, env.closeInstruction(env.maker, env.maker))
	if got := env.tokenBalance(env.ata(env.maker, env.makerMint)); got != 1_000_000 {
		t.Errorf("maker balance = %d, want full refund", got)
	}
	if _, err := env.ledger.GetAccount(env.orderAddress()); !errors.Is(err, ledger.ErrAccountNotFound) {
		t.Errorf("order account still present: %v", err)
	}

	// The same pair can be listed again once closed.
	env.openOrder(5, 6, nil)
	if got := env.tokenBalance(env.escrow()); got != 5 {
		t.Errorf("escrow = %d, want 5", got)
	}
}

func TestCloseRejectsOrderAsReceiver(t *testing.T) {
	env := newSwapEnv(t, solana.TokenProgramID, solana.TokenProgramID)
	env.openOrder(100_000, 200_000, nil)
	expectErr(t, env.send(env.maker, env.closeInstruction(env.maker, env.orderAddress())), svm.ErrInvalidArgument)
}

func TestTreasuryAdministration(t *testing.T) {
	env := newSwapEnv(t, solana.TokenProgramID, solana.TokenProgramID)

	// Nothing collected yet.
	env.fundATA(env.authority, env.makerMint, env.makerTP, 0)
	expectErr(t, env.send(env.authority, env.harvestInstruction(env.authority, env.makerMint)), ErrInsufficientFunds)

	again, err := NewInitializeTreasuryInstruction(env.programID, env.maker, env.maker, 5)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	expectErr(t, env.send(env.maker, again), ErrOrderAlreadyInitialized)

	env.openOrder(100_000, 200_000, nil)
	env.mustSend(env.taker, env.completeInstruction(env.taker))
	env.mustSend(env.authority, env.harvestInstruction(env.authority, env.makerMint))
	if got := env.tokenBalance(env.ata(env.authority, env.makerMint)); got != 1_000 {
		t.Errorf("harvested %d, want 1000", got)
	}
	if got := env.tokenBalance(env.ata(env.treasury, env.makerMint)); got != 0 {
		t.Errorf("treasury left with %d", got)
	}

	// Rotate the authority and raise the fee.
	successor := env.newWallet()
	rotate, err := NewUpdateTreasuryAuthorityInstruction(env.programID, env.authority, successor, 250)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	env.mustSend(env.authority, rotate)
	acct, err := env.ledger.GetAccount(env.treasury)
	if err != nil {
		t.Fatalf("load treasury: %v", err)
	}
	treasury, err := DecodeTreasury(acct.Data)
	if err != nil {
		t.Fatalf("decode treasury: %v", err)
	}
	if !treasury.Authority.Equals(successor) || treasury.FeeBps != 250 {
		t.Errorf("treasury = %+v", treasury)
	}

	stale, err := NewUpdateTreasuryAuthorityInstruction(env.programID, env.authority, env.authority, 0)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	expectErr(t, env.send(env.authority, stale), ErrUnauthorizedSigner)
	env.fundATA(env.authority, env.takerMint, env.takerTP, 0)
	expectErr(t, env.send(env.authority, env.harvestInstruction(env.authority, env.takerMint)), ErrUnauthorizedSigner)
}

func TestOrderAccountChecks(t *testing.T) {
	tests := []struct {
		name    string
		build   func(env *swapEnv) (solana.PublicKey, solana.Instruction)
		wantErr error
	}{
		{
			name: "order record copied to another address",
			build: func(env *swapEnv) (solana.PublicKey, solana.Instruction) {
				forged := env.copyOrder()
				ix, err := NewChangeTakerInstruction(env.programID, env.maker, forged, env.maker)
				if err != nil {
					env.t.Fatalf("build change taker: %v", err)
				}
				return env.maker, ix
			},
			wantErr: ErrInvalidOrderState,
		},
		{
			name: "settle against a copied order record",
			build: func(env *swapEnv) (solana.PublicKey, solana.Instruction) {
				accounts := env.completeAccounts(env.taker)
				accounts.Order = env.copyOrder()
				return env.taker, env.completeWith(accounts)
			},
			wantErr: ErrInvalidOrderState,
		},
		{
			name: "escrow bump rewritten",
			build: func(env *swapEnv) (solana.PublicKey, solana.Instruction) {
				env.rewriteOrder(func(order *Order) { order.EscrowBump-- })
				return env.maker, env.amendInstruction(env.maker, 50_000, 100_000)
			},
			wantErr: ErrInvalidOrderState,
		},
		{
			name: "maker receive account owned by the taker",
			build: func(env *swapEnv) (solana.PublicKey, solana.Instruction) {
				accounts := env.completeAccounts(env.taker)
				accounts.MakerReceiveAccount = env.ata(env.taker, env.takerMint)
				return env.taker, env.completeWith(accounts)
			},
			wantErr: ErrInvalidTokenAccount,
		},
		{
			name: "taker receive account of the wrong mint",
			build: func(env *swapEnv) (solana.PublicKey, solana.Instruction) {
				accounts := env.completeAccounts(env.taker)
				accounts.TakerReceiveAccount = env.ata(env.taker, env.takerMint)
				return env.taker, env.completeWith(accounts)
			},
			wantErr: ErrInvalidTokenAccount,
		},
		{
			name: "settle with the wrong maker mint",
			build: func(env *swapEnv) (solana.PublicKey, solana.Instruction) {
				accounts := env.completeAccounts(env.taker)
				accounts.MakerMint = env.newMint(env.makerTP, 6)
				return env.taker, env.completeWith(accounts)
			},
			wantErr: ErrInvalidMint,
		},
		{
			name: "open with a wallet as maker mint",
			build: func(env *swapEnv) (solana.PublicKey, solana.Instruction) {
				ix, err := NewInitializeOrderInstruction(env.programID, InitializeOrderAccounts{
					Maker:              env.maker,
					MakerTokenAccount:  env.ata(env.maker, env.makerMint),
					EscrowTokenAccount: env.escrow(),
					MakerMint:          env.taker,
					TakerMint:          env.takerMint,
					TokenProgram:       env.makerTP,
				}, 10, 20, nil)
				if err != nil {
					env.t.Fatalf("build initialize order: %v", err)
				}
				return env.maker, ix
			},
			wantErr: ErrInvalidMint,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := newSwapEnv(t, solana.TokenProgramID, solana.TokenProgramID)
			env.openOrder(100_000, 200_000, nil)

			payer, ix := tc.build(env)
			expectErr(t, env.send(payer, ix), tc.wantErr)
			if got := env.tokenBalance(env.escrow()); got != 100_000 {
				t.Errorf("escrow = %d after rejected call, want 100000", got)
			}
		})
	}
}

func TestRepeatedAmendments(t *testing.T) {
	env := newSwapEnv(t, solana.TokenProgramID, solana.TokenProgramID)
	env.openOrder(100_000, 200_000, nil)

	for i, amount := range []uint64{150_000, 150_000, 20_000, 20_000, 300_000, 1} {
		env.mustSend(env.maker, env.amendInstruction(env.maker, amount, 2*amount))
		if got := env.tokenBalance(env.escrow()); got != amount {
			t.Fatalf("step %d: escrow = %d, want %d", i, got, amount)
		}
		if got, want := env.tokenBalance(env.ata(env.maker, env.makerMint)), 1_000_000-amount; got != want {
			t.Fatalf("step %d: maker = %d, want %d", i, got, want)
		}
		if order := env.order(); order.MakerAmount != amount || order.TakerAmount != 2*amount {
			t.Fatalf("step %d: order amounts = %d/%d", i, order.MakerAmount, order.TakerAmount)
		}
	}
}

func TestSettledOrderRejections(t *testing.T) {
	env := newSwapEnv(t, solana.TokenProgramID, solana.TokenProgramID)
	outsider := env.newWallet()
	env.openOrder(100_000, 200_000, nil)
	env.mustSend(env.taker, env.completeInstruction(env.taker))

	expectErr(t, env.send(outsider, env.closeInstruction(outsider, outsider)), ErrUnauthorizedSigner)

	changeTaker, err := NewChangeTakerInstruction(env.programID, env.maker, env.orderAddress(), outsider)
	if err != nil {
		t.Fatalf("build change taker: %v", err)
	}
	expectErr(t, env.send(env.maker, changeTaker), ErrInvalidOrderState)

	order := env.order()
	if order.Status != OrderStatusSettled || !order.Taker.Equals(env.taker) {
		t.Errorf("order = %+v after rejected calls", order)
	}
}

func TestFeeAboveFullAmount(t *testing.T) {
	env := newSwapEnv(t, solana.TokenProgramID, solana.TokenProgramID)
	raise, err := NewUpdateTreasuryAuthorityInstruction(env.programID, env.authority, env.authority, 20_000)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	env.mustSend(env.authority, raise)
	env.openOrder(100_000, 200_000, nil)

	expectErr(t, env.send(env.taker, env.completeInstruction(env.taker)), ErrOverflow)
	if got := env.tokenBalance(env.escrow()); got != 100_000 {
		t.Errorf("escrow = %d, want 100000", got)
	}
	if got := env.tokenBalance(env.ata(env.taker, env.takerMint)); got != 1_000_000 {
		t.Errorf("taker = %d, want 1000000", got)
	}
	if env.order().Status != OrderStatusOpen {
		t.Error("order should still be open")
	}
}

func TestCompleteSwapLeavesExcessForClose(t *testing.T) {
	env := newSwapEnv(t, solana.TokenProgramID, solana.TokenProgramID)
	env.openOrder(100_000, 200_000, nil)
	if err := env.ledger.MintTo(env.escrow(), 5_000); err != nil {
		t.Fatalf("mint into escrow: %v", err)
	}

	env.mustSend(env.taker, env.completeInstruction(env.taker))
	if got := env.tokenBalance(env.ata(env.taker, env.makerMint)); got != 99_000 {
		t.Errorf("taker received %d, want 99000", got)
	}
	if got := env.tokenBalance(env.escrow()); got != 5_000 {
		t.Errorf("escrow = %d, want the 5000 excess", got)
	}

	env.mustSend(env.maker, env.closeInstruction(env.maker, env.maker))
	if got := env.tokenBalance(env.ata(env.maker, env.makerMint)); got != 905_000 {
		t.Errorf("maker = %d, want 905000", got)
	}
}
