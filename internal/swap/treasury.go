package swap

import (
	"github.com/gagliardetto/solana-go/programs/system"

	"github.com/coldbell/p2pswap/internal/svm"
)

// initializeTreasury creates the singleton treasury record. The fee is stored
// as given; fee math rejects values above 100% when a swap settles.
func (p *processor) initializeTreasury(ix InitializeTreasury) error {
	if err := requireAccounts(p.accounts, 5); err != nil {
		return err
	}
	var (
		payer        = p.accounts[0]
		treasuryInfo = p.accounts[1]
		authority    = p.accounts[2]
		sysProgram   = p.accounts[3]
		rentSysvar   = p.accounts[4]
	)

	if err := validateSigner(payer); err != nil {
		return err
	}
	if err := validateSystemProgram(sysProgram); err != nil {
		return err
	}
	if err := validateRentSysvar(rentSysvar); err != nil {
		return err
	}
	if !authority.Key.Equals(ix.Authority) {
		return svm.ErrInvalidArgument
	}

	address, bump, err := DeriveTreasuryPDA(p.programID)
	if err != nil || !address.Equals(treasuryInfo.Key) {
		return svm.ErrInvalidSeeds
	}
	if treasuryInfo.Account != nil && (treasuryInfo.Owner.Equals(p.programID) || treasuryInfo.DataLen() > 0) {
		return ErrOrderAlreadyInitialized
	}

	lamports := p.ctx.Rent().MinimumBalance(TreasuryLen)
	create := system.NewCreateAccountInstruction(lamports, TreasuryLen, p.programID, payer.Key, address).Build()
	if err := p.ctx.Invoke(create, TreasuryHandle(bump).SignerSeeds()); err != nil {
		return err
	}

	treasury := &Treasury{Authority: ix.Authority, FeeBps: ix.FeeBps, Bump: bump}
	if err := writeRecord(treasuryInfo.Data, treasury); err != nil {
		return svm.ErrAccountDataTooLarge
	}
	p.ctx.Logf("treasury initialized: authority %s, fee %d bps", ix.Authority, ix.FeeBps)
	return nil
}

func (p *processor) updateTreasuryAuthority(ix UpdateTreasuryAuthority) error {
	if err := requireAccounts(p.accounts, 3); err != nil {
		return err
	}
	authority, treasuryInfo, newAuthority := p.accounts[0], p.accounts[1], p.accounts[2]

	if err := validateSigner(authority); err != nil {
		return err
	}
	treasury, err := loadTreasury(p.programID, treasuryInfo)
	if err != nil {
		return err
	}
	if !authority.Key.Equals(treasury.Authority) {
		return ErrUnauthorizedSigner
	}
	if !newAuthority.Key.Equals(ix.Authority) {
		return svm.ErrInvalidArgument
	}

	treasury.Authority = ix.Authority
	treasury.FeeBps = ix.FeeBps
	if err := writeRecord(treasuryInfo.Data, treasury); err != nil {
		return err
	}
	p.ctx.Logf("treasury updated: authority %s, fee %d bps", ix.Authority, ix.FeeBps)
	return nil
}

// harvest sweeps the full treasury balance of one mint to the authority.
func (p *processor) harvest() error {
	if err := requireAccounts(p.accounts, 6); err != nil {
		return err
	}
	var (
		authority       = p.accounts[0]
		treasuryInfo    = p.accounts[1]
		treasuryAccount = p.accounts[2]
		receiverAccount = p.accounts[3]
		mintInfo        = p.accounts[4]
		tokenProg       = p.accounts[5]
	)

	if err := validateSigner(authority); err != nil {
		return err
	}
	treasury, err := loadTreasury(p.programID, treasuryInfo)
	if err != nil {
		return err
	}
	if !authority.Key.Equals(treasury.Authority) {
		return ErrUnauthorizedSigner
	}
	tp, decimals, err := validateTokenProgram(tokenProg, mintInfo)
	if err != nil {
		return err
	}
	if _, err := validateTokenAccount(tp, treasuryAccount, treasuryInfo.Key, mintInfo.Key); err != nil {
		return err
	}
	if _, err := validateTokenAccount(tp, receiverAccount, treasury.Authority, mintInfo.Key); err != nil {
		return err
	}
	collected, err := tp.Balance(treasuryAccount)
	if err != nil {
		return err
	}
	if collected == 0 {
		return ErrInsufficientFunds
	}

	if err := tp.Transfer(p.ctx, TokenTransfer{
		Source:      treasuryAccount.Key,
		Mint:        mintInfo.Key,
		Destination: receiverAccount.Key,
		Authority:   treasuryInfo.Key,
		Amount:      collected,
		Decimals:    decimals,
	}, TreasuryHandle(treasury.Bump)); err != nil {
		return err
	}
	p.ctx.Logf("harvested %d of %s", collected, mintInfo.Key)
	return nil
}
