package keeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/coldbell/p2pswap/internal/config"
	"github.com/coldbell/p2pswap/internal/swap"
)

var errSkipTarget = errors.New("skip harvest target")

type rpcClient interface {
	GetAccountInfoWithOpts(ctx context.Context, account solana.PublicKey, opts *rpc.GetAccountInfoOpts) (*rpc.GetAccountInfoResult, error)
	GetTokenAccountBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetTokenAccountBalanceResult, error)
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	SendTransactionWithOpts(ctx context.Context, transaction *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, transactionSignatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
}

// Service sweeps accumulated swap fees from the treasury token accounts to
// the treasury authority, which must be the keeper's signer.
type Service struct {
	cfg          config.KeeperConfig
	rpc          rpcClient
	signer       solana.PrivateKey
	logger       *slog.Logger
	pollInterval time.Duration
}

func New(cfg config.KeeperConfig, logger *slog.Logger) (*Service, error) {
	signer, err := solana.PrivateKeyFromSolanaKeygenFile(cfg.KeypairPath)
	if err != nil {
		return nil, fmt.Errorf("load keypair %q: %w", cfg.KeypairPath, err)
	}
	return newService(cfg, rpc.New(cfg.RPCURL), signer, logger), nil
}

func newService(cfg config.KeeperConfig, client rpcClient, signer solana.PrivateKey, logger *slog.Logger) *Service {
	return &Service{
		cfg:          cfg,
		rpc:          client,
		signer:       signer,
		logger:       logger,
		pollInterval: 700 * time.Millisecond,
	}
}

func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("keeper started",
		"rpc", s.cfg.RPCURL,
		"commitment", s.cfg.Commitment,
		"authority", s.signer.PublicKey(),
		"swap_program", s.cfg.SwapProgramID,
		"harvest_targets", len(s.cfg.HarvestTargets),
	)

	if err := s.tick(ctx); err != nil {
		s.logger.Error("keeper tick failed", "err", err)
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("keeper stopped")
			return nil
		case <-ticker.C:
			if err := s.tick(ctx); err != nil {
				s.logger.Error("keeper tick failed", "err", err)
			}
		}
	}
}

func (s *Service) tick(ctx context.Context) error {
	if len(s.cfg.HarvestTargets) == 0 {
		return nil
	}
	treasuryKey, err := s.loadTreasury(ctx)
	if err != nil {
		return err
	}

	for _, target := range s.cfg.HarvestTargets {
		err := s.harvest(ctx, treasuryKey, target)
		if errors.Is(err, errSkipTarget) {
			s.logger.Debug("harvest skipped", "mint", target.Mint, "reason", err)
			continue
		}
		if err != nil {
			s.logger.Warn("harvest failed", "mint", target.Mint, "err", err)
		}
	}
	return nil
}

// loadTreasury checks that the signer is the current treasury authority.
func (s *Service) loadTreasury(ctx context.Context) (solana.PublicKey, error) {
	treasuryKey, _, err := swap.DeriveTreasuryPDA(s.cfg.SwapProgramID)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("derive treasury PDA: %w", err)
	}

	resp, err := s.rpc.GetAccountInfoWithOpts(ctx, treasuryKey, &rpc.GetAccountInfoOpts{Commitment: s.cfg.Commitment})
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return solana.PublicKey{}, fmt.Errorf("treasury account %s not found (swap_program=%s, hint: initialize the treasury first)", treasuryKey, s.cfg.SwapProgramID)
		}
		return solana.PublicKey{}, fmt.Errorf("fetch treasury %s: %w", treasuryKey, err)
	}
	if !resp.Value.Owner.Equals(s.cfg.SwapProgramID) {
		return solana.PublicKey{}, fmt.Errorf("treasury %s is owned by %s, not the swap program", treasuryKey, resp.Value.Owner)
	}
	treasury, err := swap.DecodeTreasury(resp.Value.Data.GetBinary())
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("decode treasury %s: %w", treasuryKey, err)
	}

	authority := s.signer.PublicKey()
	if !authority.Equals(treasury.Authority) {
		return solana.PublicKey{}, fmt.Errorf("signer %s is not the treasury authority %s", authority, treasury.Authority)
	}
	return treasuryKey, nil
}

func (s *Service) harvest(ctx context.Context, treasuryKey solana.PublicKey, target config.HarvestTarget) error {
	vault, _, err := swap.DeriveAssociatedTokenAddress(treasuryKey, target.Mint, target.TokenProgram)
	if err != nil {
		return fmt.Errorf("derive treasury token account: %w", err)
	}
	exists, err := s.accountExists(ctx, vault)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: treasury token account %s does not exist", errSkipTarget, vault)
	}

	balance, err := s.rpc.GetTokenAccountBalance(ctx, vault, s.cfg.Commitment)
	if err != nil {
		return fmt.Errorf("get treasury balance %s: %w", vault, err)
	}
	if balance == nil || balance.Value == nil {
		return fmt.Errorf("empty balance response for %s", vault)
	}
	amount, err := strconv.ParseUint(balance.Value.Amount, 10, 64)
	if err != nil {
		return fmt.Errorf("parse treasury balance %q: %w", balance.Value.Amount, err)
	}
	if amount == 0 || amount < target.MinAmount {
		return fmt.Errorf("%w: balance %d below minimum %d", errSkipTarget, amount, target.MinAmount)
	}

	authority := s.signer.PublicKey()
	instructions, err := s.computeBudgetInstructions()
	if err != nil {
		return err
	}

	receiver, _, err := swap.DeriveAssociatedTokenAddress(authority, target.Mint, target.TokenProgram)
	if err != nil {
		return fmt.Errorf("derive receiver token account: %w", err)
	}
	receiverExists, err := s.accountExists(ctx, receiver)
	if err != nil {
		return err
	}
	if !receiverExists {
		createIx, _, err := swap.NewCreateAssociatedTokenAccountInstruction(authority, authority, target.Mint, target.TokenProgram)
		if err != nil {
			return fmt.Errorf("build create receiver instruction: %w", err)
		}
		instructions = append(instructions, createIx)
	}

	harvestIx, err := swap.NewHarvestInstruction(s.cfg.SwapProgramID, swap.HarvestAccounts{
		Authority:            authority,
		TreasuryTokenAccount: vault,
		ReceiverTokenAccount: receiver,
		Mint:                 target.Mint,
		TokenProgram:         target.TokenProgram,
	})
	if err != nil {
		return fmt.Errorf("build harvest instruction: %w", err)
	}
	instructions = append(instructions, harvestIx)

	txCtx, cancel := context.WithTimeout(ctx, s.cfg.TxTimeout)
	defer cancel()

	signature, err := s.sendTransaction(txCtx, instructions)
	if err != nil {
		return fmt.Errorf("send transaction: %w", err)
	}
	if err := s.waitForConfirmation(txCtx, signature); err != nil {
		return fmt.Errorf("wait confirmation %s: %w", signature, err)
	}

	s.logger.Info("fees harvested",
		"mint", target.Mint,
		"amount", amount,
		"ui_amount", balance.Value.UiAmountString,
		"receiver", receiver,
		"created_receiver", !receiverExists,
		"signature", signature,
	)
	return nil
}

func (s *Service) accountExists(ctx context.Context, account solana.PublicKey) (bool, error) {
	_, err := s.rpc.GetAccountInfoWithOpts(ctx, account, &rpc.GetAccountInfoOpts{Commitment: s.cfg.Commitment})
	if errors.Is(err, rpc.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("fetch account %s: %w", account, err)
	}
	return true, nil
}

func (s *Service) computeBudgetInstructions() ([]solana.Instruction, error) {
	instructions := make([]solana.Instruction, 0, 4)
	if s.cfg.ComputeUnitLimit > 0 {
		cuLimitIx, err := computebudget.NewSetComputeUnitLimitInstruction(s.cfg.ComputeUnitLimit).ValidateAndBuild()
		if err != nil {
			return nil, fmt.Errorf("build compute unit limit instruction: %w", err)
		}
		instructions = append(instructions, cuLimitIx)
	}
	if s.cfg.ComputeUnitPriceMicroLamports > 0 {
		cuPriceIx, err := computebudget.NewSetComputeUnitPriceInstruction(s.cfg.ComputeUnitPriceMicroLamports).ValidateAndBuild()
		if err != nil {
			return nil, fmt.Errorf("build compute unit price instruction: %w", err)
		}
		instructions = append(instructions, cuPriceIx)
	}
	return instructions, nil
}

func (s *Service) sendTransaction(ctx context.Context, instructions []solana.Instruction) (solana.Signature, error) {
	recent, err := s.rpc.GetLatestBlockhash(ctx, s.cfg.Commitment)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("get latest blockhash: %w", err)
	}

	tx, err := solana.NewTransaction(
		instructions,
		recent.Value.Blockhash,
		solana.TransactionPayer(s.signer.PublicKey()),
	)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("build transaction: %w", err)
	}

	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if s.signer.PublicKey().Equals(key) {
			return &s.signer
		}
		return nil
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("sign transaction: %w", err)
	}

	opts := rpc.TransactionOpts{
		SkipPreflight:       s.cfg.SkipPreflight,
		PreflightCommitment: s.cfg.Commitment,
	}
	if s.cfg.MaxRetries != nil {
		retries := *s.cfg.MaxRetries
		opts.MaxRetries = &retries
	}

	sig, err := s.rpc.SendTransactionWithOpts(ctx, tx, opts)
	if err != nil {
		return solana.Signature{}, err
	}
	return sig, nil
}

func (s *Service) waitForConfirmation(ctx context.Context, sig solana.Signature) error {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			result, err := s.rpc.GetSignatureStatuses(ctx, true, sig)
			if err != nil {
				continue
			}
			if len(result.Value) == 0 || result.Value[0] == nil {
				continue
			}
			status := result.Value[0]
			if status.Err != nil {
				return fmt.Errorf("transaction failed: %v", status.Err)
			}
			if status.ConfirmationStatus == rpc.ConfirmationStatusConfirmed ||
				status.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
				return nil
			}
		}
	}
}
