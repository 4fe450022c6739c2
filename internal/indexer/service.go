package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/coldbell/p2pswap/internal/config"
	"github.com/coldbell/p2pswap/internal/swap"
)

type chainClient interface {
	GetSlot(ctx context.Context, commitment rpc.CommitmentType) (uint64, error)
	GetProgramAccountsWithOpts(ctx context.Context, publicKey solana.PublicKey, opts *rpc.GetProgramAccountsOpts) (rpc.GetProgramAccountsResult, error)
}

type Service struct {
	cfg       config.IndexerConfig
	rpc       chainClient
	store     *Store
	publisher EventPublisher
	logger    *slog.Logger
}

func New(cfg config.IndexerConfig, logger *slog.Logger) (*Service, error) {
	store, err := NewStore(cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	var publisher EventPublisher = nopPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		publisher = NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaWriteTimeout)
	}

	return &Service{
		cfg:       cfg,
		rpc:       rpc.New(cfg.RPCURL),
		store:     store,
		publisher: publisher,
		logger:    logger,
	}, nil
}

func (s *Service) Run(ctx context.Context) error {
	defer func() {
		if err := s.publisher.Close(); err != nil {
			s.logger.Error("failed to close event publisher", "err", err)
		}
		if err := s.store.Close(); err != nil {
			s.logger.Error("failed to close store", "err", err)
		}
	}()

	s.logger.Info("indexer started",
		"rpc", s.cfg.RPCURL,
		"db_driver", "postgres",
		"commitment", s.cfg.Commitment,
		"program", s.cfg.SwapProgramID,
		"kafka_topic", s.cfg.KafkaTopic,
		"kafka_enabled", len(s.cfg.KafkaBrokers) > 0,
	)

	if err := s.syncOnce(ctx); err != nil {
		s.logger.Error("initial sync failed", "err", err)
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("indexer stopped")
			return nil
		case <-ticker.C:
			if err := s.syncOnce(ctx); err != nil {
				s.logger.Error("sync failed", "err", err)
			}
		}
	}
}

// treasurySnapshot is the treasury account as of one scan.
type treasurySnapshot struct {
	pubkey   solana.PublicKey
	lamports uint64
	treasury *swap.Treasury
}

func (s *Service) syncOnce(ctx context.Context) error {
	var slot uint64
	err := s.retry(ctx, "getSlot", func(ctx context.Context) error {
		var err error
		slot, err = s.rpc.GetSlot(ctx, s.cfg.Commitment)
		return err
	})
	if err != nil {
		return fmt.Errorf("get slot: %w", err)
	}

	orders, err := s.scanOrders(ctx, slot)
	if err != nil {
		return err
	}
	treasury, err := s.scanTreasury(ctx)
	if err != nil {
		return err
	}

	var plan syncPlan
	err = s.store.WithTx(ctx, func(tx *Tx) error {
		existing, err := s.store.listLiveOrdersTx(ctx, tx)
		if err != nil {
			return fmt.Errorf("list live orders: %w", err)
		}
		plan = planSync(existing, orders, slot, time.Now().Unix())
		if err := s.store.applySyncPlanTx(ctx, tx, &plan); err != nil {
			return err
		}
		if treasury != nil {
			if err := s.store.UpsertTreasuryTx(ctx, tx, treasury.pubkey, s.cfg.SwapProgramID, treasury.treasury, treasury.lamports, slot); err != nil {
				return fmt.Errorf("upsert treasury: %w", err)
			}
		}
		return s.store.UpsertSyncStateTx(ctx, tx, slot)
	})
	if err != nil {
		return err
	}

	// Events are only published once they are durable in the store.
	if err := s.publisher.Publish(ctx, plan.events); err != nil {
		s.logger.Error("failed to publish order events", "events", len(plan.events), "slot", slot, "err", err)
	}

	s.logger.Info(
		"sync complete",
		"slot", slot,
		"orders", len(orders),
		"upserted", len(plan.upserts),
		"closed", len(plan.closed),
		"events", len(plan.events),
		"treasury", treasury != nil,
	)
	return nil
}

func (s *Service) scanOrders(ctx context.Context, slot uint64) ([]ScannedOrder, error) {
	accounts, err := s.scanProgramAccounts(ctx, "Order", swap.OrderLen)
	if err != nil {
		return nil, err
	}

	orders := make([]ScannedOrder, 0, len(accounts))
	for _, item := range accounts {
		order, err := swap.DecodeOrder(item.Account.Data.GetBinary())
		if err != nil {
			s.logger.Warn("failed to index account",
				"program", s.cfg.SwapProgramID,
				"account_type", "Order",
				"pubkey", item.Pubkey,
				"slot", slot,
				"err", err,
			)
			continue
		}
		orders = append(orders, ScannedOrder{
			Pubkey:   item.Pubkey,
			Lamports: item.Account.Lamports,
			Order:    *order,
		})
	}
	return orders, nil
}

// scanTreasury returns nil while the treasury is not initialized.
func (s *Service) scanTreasury(ctx context.Context) (*treasurySnapshot, error) {
	accounts, err := s.scanProgramAccounts(ctx, "Treasury", swap.TreasuryLen)
	if err != nil {
		return nil, err
	}

	pda := swap.MustDeriveTreasuryPDA(s.cfg.SwapProgramID)
	for _, item := range accounts {
		if !item.Pubkey.Equals(pda) {
			continue
		}
		treasury, err := swap.DecodeTreasury(item.Account.Data.GetBinary())
		if err != nil {
			s.logger.Warn("failed to index account",
				"program", s.cfg.SwapProgramID,
				"account_type", "Treasury",
				"pubkey", item.Pubkey,
				"err", err,
			)
			return nil, nil
		}
		return &treasurySnapshot{pubkey: item.Pubkey, lamports: item.Account.Lamports, treasury: treasury}, nil
	}
	return nil, nil
}

func (s *Service) scanProgramAccounts(ctx context.Context, accountType string, dataSize uint64) ([]*rpc.KeyedAccount, error) {
	programID := s.cfg.SwapProgramID

	var accounts rpc.GetProgramAccountsResult
	err := s.retry(ctx, "getProgramAccounts", func(ctx context.Context) error {
		var err error
		accounts, err = s.rpc.GetProgramAccountsWithOpts(ctx, programID, &rpc.GetProgramAccountsOpts{
			Commitment: s.cfg.Commitment,
			Filters: []rpc.RPCFilter{
				{DataSize: dataSize},
			},
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s accounts for program %s: %w", accountType, programID, err)
	}

	out := make([]*rpc.KeyedAccount, 0, len(accounts))
	for _, item := range accounts {
		if item == nil || item.Account == nil || item.Account.Data == nil {
			continue
		}
		if !item.Account.Owner.Equals(programID) {
			continue
		}
		out = append(out, item)
	}
	return out, nil
}

func (s *Service) retry(ctx context.Context, method string, fn func(context.Context) error) error {
	return withRetry(ctx, s.cfg.RPCMaxRetries, s.cfg.RPCRetryBaseDelay, s.cfg.RPCRetryMaxDelay,
		func(attempt int, err error) {
			s.logger.Warn("rpc call failed, retrying", "method", method, "attempt", attempt, "err", err)
		}, fn)
}
