// Package worker runs the periodic maintenance loop: the voucher expiry
// sweep, the settlement retry sweep, and targeted reconciliation runs driven
// by hints the coordinator leaves in Redis.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/microsoftjulius/billing-sub001/internal/reconcile"
	"github.com/microsoftjulius/billing-sub001/internal/scope"
	"github.com/microsoftjulius/billing-sub001/internal/settlement"
	"github.com/microsoftjulius/billing-sub001/internal/vouchers"
)

const (
	retryBatchSize = 50
	maxHintsPerRun = 100
)

type Sweeper struct {
	vouchers    *vouchers.Service
	coordinator *settlement.Coordinator
	reconciler  *reconcile.Reconciler
	rdb         *redis.Client // nil disables hint draining
	interval    time.Duration
	logger      *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSweeper(vsvc *vouchers.Service, coordinator *settlement.Coordinator, reconciler *reconcile.Reconciler, rdb *redis.Client, interval time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		vouchers:    vsvc,
		coordinator: coordinator,
		reconciler:  reconciler,
		rdb:         rdb,
		interval:    interval,
		logger:      logger,
	}
}

func (s *Sweeper) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.loop(ctx)
}

func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	if _, err := s.vouchers.SweepExpired(ctx, scope.Global()); err != nil {
		s.logger.Error("expiry sweep failed", "error", err)
	}

	settled, err := s.coordinator.RetryUnsettled(ctx, retryBatchSize)
	if err != nil {
		s.logger.Error("settlement retry sweep failed", "error", err)
	} else if settled > 0 {
		s.logger.Info("settlement retry sweep issued vouchers", "settled", settled)
	}

	s.drainHints(ctx)
}

// drainHints pops tenant ids the coordinator queued after settlement and
// runs a missing-only reconciliation per distinct tenant, so a freshly sold
// voucher reaches the controller without waiting for a full pass.
func (s *Sweeper) drainHints(ctx context.Context) {
	if s.rdb == nil {
		return
	}

	tenants := map[uint]struct{}{}
	for i := 0; i < maxHintsPerRun; i++ {
		raw, err := s.rdb.LPop(ctx, settlement.ReconcileHintsKey).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				s.logger.Error("failed to pop reconcile hint", "error", err)
			}
			break
		}
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.logger.Warn("discarding malformed reconcile hint", "hint", raw)
			continue
		}
		tenants[uint(id)] = struct{}{}
	}

	for tenantID := range tenants {
		report, err := s.reconciler.Run(ctx, scope.ForTenant(tenantID), reconcile.ModeMissingOnly)
		if err != nil {
			s.logger.Error("hinted reconciliation failed", "tenant_id", tenantID, "error", err)
			continue
		}
		if !report.Successful() {
			s.logger.Warn("hinted reconciliation had failures",
				"tenant_id", tenantID, "failed", report.Failed)
		}
	}
}
