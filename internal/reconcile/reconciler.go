// Package reconcile converges the access controller's user directory onto
// the voucher store's intent, tenant by tenant. Local status and remote state
// are only eventually consistent by design: nothing here is transactional,
// every pass is idempotent, and an interrupted pass simply leaves the next
// one to re-evaluate from scratch.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"gorm.io/gorm"

	"github.com/microsoftjulius/billing-sub001/internal/scope"
	"github.com/microsoftjulius/billing-sub001/internal/vouchers"
	"github.com/microsoftjulius/billing-sub001/models"
)

// Mode narrows the voucher set a run looks at.
type Mode string

const (
	ModeAll          Mode = "all"
	ModeMissingOnly  Mode = "missing-only"
	ModeDisabledOnly Mode = "disabled-only"
	ModeExpiredOnly  Mode = "expired-only"
)

var ErrGlobalScope = errors.New("reconciliation requires a tenant-bound scope")

// ParseMode validates a user-supplied mode string, defaulting to all.
func ParseMode(raw string) (Mode, error) {
	switch Mode(raw) {
	case "", ModeAll:
		return ModeAll, nil
	case ModeMissingOnly, ModeDisabledOnly, ModeExpiredOnly:
		return Mode(raw), nil
	default:
		return "", fmt.Errorf("unknown reconciliation mode %q", raw)
	}
}

// Detail records what happened to one voucher during a run.
type Detail struct {
	Code   string `json:"code"`
	Action string `json:"action"` // created, enabled, disabled, skipped, failed, removed
	Error  string `json:"error,omitempty"`
}

// Report aggregates one reconciliation run. The run is successful only when
// Failed is zero; individual failures never abort the batch.
type Report struct {
	TotalProcessed int      `json:"totalProcessed"`
	Synced         int      `json:"synced"`
	Skipped        int      `json:"skipped"`
	Failed         int      `json:"failed"`
	Details        []Detail `json:"details"`
}

func (r *Report) Successful() bool { return r.Failed == 0 }

// CleanupReport aggregates a cleanupExpired run.
type CleanupReport struct {
	RemovedRemote int      `json:"removedRemote"`
	Purged        int      `json:"purged"`
	Failed        int      `json:"failed"`
	Details       []Detail `json:"details"`
}

type Reconciler struct {
	db       *gorm.DB
	provider ControllerProvider
	logger   *slog.Logger

	// callTimeout bounds each individual device RPC.
	callTimeout time.Duration
}

func NewReconciler(db *gorm.DB, provider ControllerProvider, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		db:          db,
		provider:    provider,
		logger:      logger,
		callTimeout: 10 * time.Second,
	}
}

// Run reconciles one tenant's vouchers against its controller. The scope must
// be tenant-bound: a global operator targets a tenant explicitly by
// constructing a narrowed scope.
func (r *Reconciler) Run(ctx context.Context, sc scope.Scope, mode Mode) (*Report, error) {
	tenantID, ok := sc.TenantID()
	if !ok {
		return nil, ErrGlobalScope
	}

	controller, err := r.provider.ForTenant(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("resolve controller: %w", err)
	}

	batch, err := r.selectVouchers(ctx, sc, mode)
	if err != nil {
		return nil, err
	}

	report := &Report{}
	now := time.Now()
	for i := range batch {
		if ctx.Err() != nil {
			// Cancelled mid-batch: already-synced vouchers stay synced, the
			// next run re-evaluates the rest.
			return report, ctx.Err()
		}
		r.reconcileOne(ctx, controller, &batch[i], mode, now, report)
	}

	r.logger.Info("reconciliation run finished",
		"tenant_id", tenantID,
		"mode", string(mode),
		"processed", report.TotalProcessed,
		"synced", report.Synced,
		"skipped", report.Skipped,
		"failed", report.Failed,
	)
	return report, nil
}

func (r *Reconciler) selectVouchers(ctx context.Context, sc scope.Scope, mode Mode) ([]models.Voucher, error) {
	q := sc.Apply(r.db.WithContext(ctx).Model(&models.Voucher{}))
	switch mode {
	case ModeMissingOnly:
		q = q.Where("status IN ?", []string{
			models.VoucherStatusUnused, models.VoucherStatusActive, models.VoucherStatusUsed,
		})
	case ModeDisabledOnly:
		q = q.Where("status IN ?", []string{
			models.VoucherStatusDisabled, models.VoucherStatusRefunded,
		})
	case ModeExpiredOnly:
		q = q.Where("status = ? OR (status IN ? AND expires_at < ?)",
			models.VoucherStatusExpired,
			[]string{models.VoucherStatusActive, models.VoucherStatusUsed},
			time.Now(),
		)
	}

	var batch []models.Voucher
	if err := q.Order("id").Find(&batch).Error; err != nil {
		return nil, fmt.Errorf("select vouchers: %w", err)
	}
	return batch, nil
}

// desiredEnabled maps a voucher onto the enabled flag it should carry on the
// controller. A stored-active voucher past its expires_at counts as expired
// here even before the sweep has materialized it.
func desiredEnabled(v *models.Voucher, now time.Time) bool {
	switch v.Status {
	case models.VoucherStatusUnused:
		return true
	case models.VoucherStatusActive, models.VoucherStatusUsed:
		return !vouchers.IsExpired(v, now)
	default: // disabled, expired, refunded
		return false
	}
}

func (r *Reconciler) reconcileOne(ctx context.Context, controller AccessController, v *models.Voucher, mode Mode, now time.Time, report *Report) {
	report.TotalProcessed++

	remote, err := r.getUserWithRetry(ctx, controller, v.Code)
	if err != nil {
		r.recordFailure(report, v.Code, err)
		return
	}

	wantEnabled := desiredEnabled(v, now)

	if remote == nil {
		if !wantEnabled {
			// Nothing remote to disable; absence already matches intent.
			report.Skipped++
			report.Details = append(report.Details, Detail{Code: v.Code, Action: "skipped"})
			return
		}
		err := r.withTimeout(ctx, func(cctx context.Context) error {
			return controller.CreateUser(cctx, CreateUserRequest{
				Username:    v.Code,
				Password:    v.Password,
				Profile:     v.Profile,
				LimitUptime: fmt.Sprintf("%dh", v.ValidityHours),
				Comment:     "voucher-" + strconv.FormatUint(uint64(v.ID), 10),
			})
		})
		if err != nil {
			r.recordFailure(report, v.Code, err)
			return
		}
		report.Synced++
		report.Details = append(report.Details, Detail{Code: v.Code, Action: "created"})
		return
	}

	remoteEnabled := !remote.Disabled
	if remoteEnabled == wantEnabled || mode == ModeMissingOnly {
		report.Skipped++
		report.Details = append(report.Details, Detail{Code: v.Code, Action: "skipped"})
		return
	}

	action := "enabled"
	err = r.withTimeout(ctx, func(cctx context.Context) error {
		if wantEnabled {
			return controller.EnableUser(cctx, v.Code)
		}
		action = "disabled"
		return controller.DisableUser(cctx, v.Code)
	})
	if err != nil {
		r.recordFailure(report, v.Code, err)
		return
	}
	report.Synced++
	report.Details = append(report.Details, Detail{Code: v.Code, Action: action})
}

// getUserWithRetry re-reads once when a user is absent. A just-created remote
// user may not be visible on the immediately following poll, so a single
// missing read is not treated as authoritative.
func (r *Reconciler) getUserWithRetry(ctx context.Context, controller AccessController, code string) (*RemoteUser, error) {
	var remote *RemoteUser
	err := r.withTimeout(ctx, func(cctx context.Context) error {
		var err error
		remote, err = controller.GetUser(cctx, code)
		return err
	})
	if err != nil {
		return nil, err
	}
	if remote != nil {
		return remote, nil
	}

	err = r.withTimeout(ctx, func(cctx context.Context) error {
		var err error
		remote, err = controller.GetUser(cctx, code)
		return err
	})
	if err != nil {
		return nil, err
	}
	return remote, nil
}

// CleanupExpired is the low-frequency counterpart to Run: it removes expired
// vouchers' users from the controller and purges expired, payment-less
// vouchers older than the retention window from the database.
func (r *Reconciler) CleanupExpired(ctx context.Context, sc scope.Scope, retention time.Duration) (*CleanupReport, error) {
	tenantID, ok := sc.TenantID()
	if !ok {
		return nil, ErrGlobalScope
	}

	controller, err := r.provider.ForTenant(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("resolve controller: %w", err)
	}

	now := time.Now()
	var expired []models.Voucher
	err = sc.Apply(r.db.WithContext(ctx).Model(&models.Voucher{})).
		Where("status = ? OR (status IN ? AND expires_at < ?)",
			models.VoucherStatusExpired,
			[]string{models.VoucherStatusActive, models.VoucherStatusUsed},
			now,
		).
		Order("id").
		Find(&expired).Error
	if err != nil {
		return nil, fmt.Errorf("select expired vouchers: %w", err)
	}

	report := &CleanupReport{}
	for i := range expired {
		v := &expired[i]
		if ctx.Err() != nil {
			return report, ctx.Err()
		}

		remote, err := r.getUserWithRetry(ctx, controller, v.Code)
		if err != nil {
			report.Failed++
			report.Details = append(report.Details, Detail{Code: v.Code, Action: "failed", Error: err.Error()})
			continue
		}
		if remote == nil {
			continue
		}
		err = r.withTimeout(ctx, func(cctx context.Context) error {
			return controller.RemoveUser(cctx, v.Code)
		})
		if err != nil {
			report.Failed++
			report.Details = append(report.Details, Detail{Code: v.Code, Action: "failed", Error: err.Error()})
			continue
		}
		report.RemovedRemote++
		report.Details = append(report.Details, Detail{Code: v.Code, Action: "removed"})
	}

	// Purge expired vouchers that never had a payment once they are past the
	// retention window. Paid vouchers are retained indefinitely.
	cutoff := now.Add(-retention)
	res := sc.Apply(r.db.WithContext(ctx)).
		Where("status = ? AND payment_id IS NULL AND expires_at < ?", models.VoucherStatusExpired, cutoff).
		Delete(&models.Voucher{})
	if res.Error != nil {
		return report, fmt.Errorf("purge expired vouchers: %w", res.Error)
	}
	report.Purged = int(res.RowsAffected)

	r.logger.Info("expired-voucher cleanup finished",
		"tenant_id", tenantID,
		"removed_remote", report.RemovedRemote,
		"purged", report.Purged,
		"failed", report.Failed,
	)
	return report, nil
}

func (r *Reconciler) recordFailure(report *Report, code string, err error) {
	report.Failed++
	report.Details = append(report.Details, Detail{Code: code, Action: "failed", Error: err.Error()})
	r.logger.Error("voucher reconciliation failed", "code", code, "error", err)
}

func (r *Reconciler) withTimeout(ctx context.Context, fn func(context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()
	return fn(cctx)
}
