package swap

import (
	"math/bits"

	"github.com/gagliardetto/solana-go/programs/system"

	"github.com/coldbell/p2pswap/internal/svm"
)

func (p *processor) initializeOrder(ix InitializeOrder) error {
	if err := requireAccounts(p.accounts, 9); err != nil {
		return err
	}
	var (
		maker        = p.accounts[0]
		orderInfo    = p.accounts[1]
		makerAccount = p.accounts[2]
		escrow       = p.accounts[3]
		makerMint    = p.accounts[4]
		takerMint    = p.accounts[5]
		sysProgram   = p.accounts[6]
		rentSysvar   = p.accounts[7]
		tokenProg    = p.accounts[8]
	)

	if err := validateSigner(maker); err != nil {
		return err
	}
	if err := validateAmounts(ix.MakerAmount, ix.TakerAmount); err != nil {
		return err
	}
	if err := validateSystemProgram(sysProgram); err != nil {
		return err
	}
	if err := validateRentSysvar(rentSysvar); err != nil {
		return err
	}
	tp, decimals, err := validateTokenProgram(tokenProg, makerMint)
	if err != nil {
		return err
	}
	if _, _, err := validateTokenMint(takerMint); err != nil {
		return err
	}

	address, bump, err := DeriveOrderPDA(p.programID, maker.Key, makerMint.Key, takerMint.Key)
	if err != nil {
		return svm.ErrInvalidSeeds
	}
	if !address.Equals(orderInfo.Key) {
		return svm.ErrInvalidSeeds
	}
	if orderInfo.Account != nil && (orderInfo.Owner.Equals(p.programID) || orderInfo.DataLen() > 0) {
		return ErrOrderAlreadyInitialized
	}

	source, err := validateTokenAccount(tp, makerAccount, maker.Key, makerMint.Key)
	if err != nil {
		return err
	}
	vault, err := validateTokenAccount(tp, escrow, address, makerMint.Key)
	if err != nil {
		return err
	}
	if vault.Amount != 0 {
		return ErrInvalidTokenAccount
	}
	if source.Amount < ix.MakerAmount {
		return ErrInsufficientFunds
	}

	order := &Order{
		Maker:       maker.Key,
		MakerMint:   makerMint.Key,
		TakerMint:   takerMint.Key,
		MakerAmount: ix.MakerAmount,
		TakerAmount: ix.TakerAmount,
		EscrowBump:  bump,
		Status:      OrderStatusOpen,
	}
	if ix.Taker != nil {
		order.Taker = *ix.Taker
	}
	handle := OrderEscrowHandle(order)

	lamports := p.ctx.Rent().MinimumBalance(OrderLen)
	create := system.NewCreateAccountInstruction(lamports, OrderLen, p.programID, maker.Key, address).Build()
	if err := p.ctx.Invoke(create, handle.SignerSeeds()); err != nil {
		return err
	}

	if err := tp.Transfer(p.ctx, TokenTransfer{
		Source:      makerAccount.Key,
		Mint:        makerMint.Key,
		Destination: escrow.Key,
		Authority:   maker.Key,
		Amount:      ix.MakerAmount,
		Decimals:    decimals,
	}); err != nil {
		return err
	}

	if err := writeRecord(orderInfo.Data, order); err != nil {
		return svm.ErrAccountDataTooLarge
	}
	p.ctx.Logf("order %s opened: %d of %s for %d of %s", address, ix.MakerAmount, makerMint.Key, ix.TakerAmount, takerMint.Key)
	return nil
}

// changeOrderAmounts moves the escrow balance to the new maker amount in a
// single transfer and rewrites both legs together.
func (p *processor) changeOrderAmounts(ix ChangeOrderAmounts) error {
	if err := requireAccounts(p.accounts, 6); err != nil {
		return err
	}
	var (
		maker        = p.accounts[0]
		orderInfo    = p.accounts[1]
		escrow       = p.accounts[2]
		makerAccount = p.accounts[3]
		makerMint    = p.accounts[4]
		tokenProg    = p.accounts[5]
	)

	if err := validateSigner(maker); err != nil {
		return err
	}
	order, err := loadOrder(p.programID, orderInfo)
	if err != nil {
		return err
	}
	if err := authorizeMaker(order, maker); err != nil {
		return err
	}
	if order.Status != OrderStatusOpen {
		return ErrInvalidOrderState
	}
	if err := validateAmounts(ix.NewMakerAmount, ix.NewTakerAmount); err != nil {
		return err
	}
	if !makerMint.Key.Equals(order.MakerMint) {
		return ErrInvalidMint
	}
	tp, decimals, err := validateTokenProgram(tokenProg, makerMint)
	if err != nil {
		return err
	}
	if _, err := validateTokenAccount(tp, escrow, orderInfo.Key, order.MakerMint); err != nil {
		return err
	}
	source, err := validateTokenAccount(tp, makerAccount, order.Maker, order.MakerMint)
	if err != nil {
		return err
	}
	escrowBalance, err := tp.Balance(escrow)
	if err != nil {
		return err
	}

	switch {
	case ix.NewMakerAmount > escrowBalance:
		delta := ix.NewMakerAmount - escrowBalance
		if source.Amount < delta {
			return ErrInsufficientFunds
		}
		if err := tp.Transfer(p.ctx, TokenTransfer{
			Source:      makerAccount.Key,
			Mint:        order.MakerMint,
			Destination: escrow.Key,
			Authority:   order.Maker,
			Amount:      delta,
			Decimals:    decimals,
		}); err != nil {
			return err
		}
		p.ctx.Logf("escrow topped up by %d", delta)
	case ix.NewMakerAmount < escrowBalance:
		delta := escrowBalance - ix.NewMakerAmount
		if err := tp.Transfer(p.ctx, TokenTransfer{
			Source:      escrow.Key,
			Mint:        order.MakerMint,
			Destination: makerAccount.Key,
			Authority:   orderInfo.Key,
			Amount:      delta,
			Decimals:    decimals,
		}, OrderEscrowHandle(order)); err != nil {
			return err
		}
		p.ctx.Logf("escrow refunded %d", delta)
	}

	order.MakerAmount = ix.NewMakerAmount
	order.TakerAmount = ix.NewTakerAmount
	return writeRecord(orderInfo.Data, order)
}

func (p *processor) changeTaker(ix ChangeTaker) error {
	if err := requireAccounts(p.accounts, 3); err != nil {
		return err
	}
	maker, orderInfo, newTaker := p.accounts[0], p.accounts[1], p.accounts[2]

	if err := validateSigner(maker); err != nil {
		return err
	}
	order, err := loadOrder(p.programID, orderInfo)
	if err != nil {
		return err
	}
	if err := authorizeMaker(order, maker); err != nil {
		return err
	}
	if order.Status != OrderStatusOpen {
		return ErrInvalidOrderState
	}
	if !newTaker.Key.Equals(ix.NewTaker) {
		return svm.ErrInvalidArgument
	}

	order.Taker = ix.NewTaker
	if order.HasTaker() {
		p.ctx.Logf("taker set to %s", order.Taker)
	} else {
		p.ctx.Logf("taker cleared")
	}
	return writeRecord(orderInfo.Data, order)
}

// completeSwap settles an open order: the taker pays the maker, the escrow
// pays the taker, and both legs pay the treasury its fee.
func (p *processor) completeSwap() error {
	if err := requireAccounts(p.accounts, 13); err != nil {
		return err
	}
	var (
		taker                = p.accounts[0]
		makerMint            = p.accounts[1]
		takerMint            = p.accounts[2]
		orderInfo            = p.accounts[3]
		makerReceive         = p.accounts[4]
		takerSend            = p.accounts[5]
		takerReceive         = p.accounts[6]
		escrow               = p.accounts[7]
		treasuryInfo         = p.accounts[8]
		treasuryMakerAccount = p.accounts[9]
		treasuryTakerAccount = p.accounts[10]
		makerTokenProg       = p.accounts[11]
		takerTokenProg       = p.accounts[12]
	)

	if err := validateSigner(taker); err != nil {
		return err
	}
	order, err := loadOrder(p.programID, orderInfo)
	if err != nil {
		return err
	}
	if order.Status != OrderStatusOpen {
		return ErrInvalidOrderState
	}
	if err := authorizeTaker(order, taker); err != nil {
		return err
	}
	if !makerMint.Key.Equals(order.MakerMint) || !takerMint.Key.Equals(order.TakerMint) {
		return ErrInvalidMint
	}
	makerTP, makerDecimals, err := validateTokenProgram(makerTokenProg, makerMint)
	if err != nil {
		return err
	}
	takerTP, takerDecimals, err := validateTokenProgram(takerTokenProg, takerMint)
	if err != nil {
		return err
	}
	treasury, err := loadTreasury(p.programID, treasuryInfo)
	if err != nil {
		return err
	}

	if _, err := validateTokenAccount(takerTP, makerReceive, order.Maker, order.TakerMint); err != nil {
		return err
	}
	payer, err := validateTokenAccount(takerTP, takerSend, taker.Key, order.TakerMint)
	if err != nil {
		return err
	}
	if _, err := validateTokenAccount(makerTP, takerReceive, taker.Key, order.MakerMint); err != nil {
		return err
	}
	if _, err := validateTokenAccount(makerTP, escrow, orderInfo.Key, order.MakerMint); err != nil {
		return err
	}
	if _, err := validateTokenAccount(makerTP, treasuryMakerAccount, treasuryInfo.Key, order.MakerMint); err != nil {
		return err
	}
	if _, err := validateTokenAccount(takerTP, treasuryTakerAccount, treasuryInfo.Key, order.TakerMint); err != nil {
		return err
	}

	// The escrow is re-read here; the stored amount alone is not trusted.
	escrowBalance, err := makerTP.Balance(escrow)
	if err != nil {
		return err
	}
	if escrowBalance < order.MakerAmount {
		return ErrInsufficientFunds
	}
	if payer.Amount < order.TakerAmount {
		return ErrInsufficientFunds
	}

	makerNet, makerFee, err := splitFee(order.MakerAmount, treasury.FeeBps)
	if err != nil {
		return err
	}
	takerNet, takerFee, err := splitFee(order.TakerAmount, treasury.FeeBps)
	if err != nil {
		return err
	}
	escrowHandle := OrderEscrowHandle(order)

	if err := takerTP.Transfer(p.ctx, TokenTransfer{
		Source:      takerSend.Key,
		Mint:        order.TakerMint,
		Destination: makerReceive.Key,
		Authority:   taker.Key,
		Amount:      takerNet,
		Decimals:    takerDecimals,
	}); err != nil {
		return err
	}
	if err := makerTP.Transfer(p.ctx, TokenTransfer{
		Source:      escrow.Key,
		Mint:        order.MakerMint,
		Destination: takerReceive.Key,
		Authority:   orderInfo.Key,
		Amount:      makerNet,
		Decimals:    makerDecimals,
	}, escrowHandle); err != nil {
		return err
	}
	if makerFee > 0 {
		if err := makerTP.Transfer(p.ctx, TokenTransfer{
			Source:      escrow.Key,
			Mint:        order.MakerMint,
			Destination: treasuryMakerAccount.Key,
			Authority:   orderInfo.Key,
			Amount:      makerFee,
			Decimals:    makerDecimals,
		}, escrowHandle); err != nil {
			return err
		}
	}
	if takerFee > 0 {
		if err := takerTP.Transfer(p.ctx, TokenTransfer{
			Source:      takerSend.Key,
			Mint:        order.TakerMint,
			Destination: treasuryTakerAccount.Key,
			Authority:   taker.Key,
			Amount:      takerFee,
			Decimals:    takerDecimals,
		}); err != nil {
			return err
		}
	}

	order.Taker = taker.Key
	order.Status = OrderStatusSettled
	if err := writeRecord(orderInfo.Data, order); err != nil {
		return err
	}
	p.ctx.Logf("order %s settled: maker fee %d, taker fee %d", orderInfo.Key, makerFee, takerFee)
	return nil
}

// closeOrder refunds whatever is left in escrow to the maker, closes the
// escrow token account and releases the order's storage to receiver.
func (p *processor) closeOrder() error {
	if err := requireAccounts(p.accounts, 7); err != nil {
		return err
	}
	var (
		authority    = p.accounts[0]
		orderInfo    = p.accounts[1]
		receiver     = p.accounts[2]
		escrow       = p.accounts[3]
		makerAccount = p.accounts[4]
		makerMint    = p.accounts[5]
		tokenProg    = p.accounts[6]
	)

	if err := validateSigner(authority); err != nil {
		return err
	}
	order, err := loadOrder(p.programID, orderInfo)
	if err != nil {
		return err
	}
	if err := authorizeClose(order, authority); err != nil {
		return err
	}
	if !makerMint.Key.Equals(order.MakerMint) {
		return ErrInvalidMint
	}
	tp, decimals, err := validateTokenProgram(tokenProg, makerMint)
	if err != nil {
		return err
	}
	if _, err := validateTokenAccount(tp, escrow, orderInfo.Key, order.MakerMint); err != nil {
		return err
	}
	if _, err := validateTokenAccount(tp, makerAccount, order.Maker, order.MakerMint); err != nil {
		return err
	}
	if receiver.Key.Equals(orderInfo.Key) || receiver.Key.Equals(escrow.Key) {
		return svm.ErrInvalidArgument
	}

	handle := OrderEscrowHandle(order)
	remaining, err := tp.Balance(escrow)
	if err != nil {
		return err
	}
	if remaining > 0 {
		if err := tp.Transfer(p.ctx, TokenTransfer{
			Source:      escrow.Key,
			Mint:        order.MakerMint,
			Destination: makerAccount.Key,
			Authority:   orderInfo.Key,
			Amount:      remaining,
			Decimals:    decimals,
		}, handle); err != nil {
			return err
		}
		p.ctx.Logf("refunded %d to maker", remaining)
	}
	if err := tp.CloseAccount(p.ctx, escrow.Key, receiver.Key, orderInfo.Key, handle); err != nil {
		return err
	}

	lamports, carry := bits.Add64(receiver.Lamports, orderInfo.Lamports, 0)
	if carry != 0 {
		return ErrOverflow
	}
	receiver.Lamports = lamports
	orderInfo.Lamports = 0
	clear(orderInfo.Data)
	p.ctx.Logf("order %s closed", orderInfo.Key)
	return nil
}
