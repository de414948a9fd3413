// Package vouchers implements the voucher lifecycle state machine:
//
//	unused -> active -> used
//	unused/active -> disabled
//	active/used -> expired (time-based, materialized by SweepExpired)
//	any non-active -> refunded (expired needs an explicit override)
//
// Every transition is written as a compare-and-swap on the status column so
// concurrent actors cannot double-apply one.
package vouchers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/microsoftjulius/billing-sub001/internal/scope"
	"github.com/microsoftjulius/billing-sub001/models"
)

var (
	ErrNotFound         = errors.New("voucher not found")
	ErrNotActivatable   = errors.New("only an unused voucher can be activated")
	ErrNotConsumable    = errors.New("only an active voucher can be consumed")
	ErrNotDisablable    = errors.New("only an unused or active voucher can be disabled")
	ErrVoucherLocked    = errors.New("a voucher in active, used or expired state cannot be edited")
	ErrActiveDelete     = errors.New("an active voucher cannot be deleted")
	ErrSettledDelete    = errors.New("a voucher issued by a payment cannot be deleted")
	ErrRefundActive     = errors.New("an active voucher cannot be refunded")
	ErrRefundOverride   = errors.New("refunding an expired voucher requires the override flag")
	ErrNotTransferable  = errors.New("only an unused voucher can be transferred")
	ErrCodeExhausted    = errors.New("voucher code generation exhausted retries")
	ErrTransitionRaced  = errors.New("voucher changed state concurrently")
	ErrTenantLimitHit   = errors.New("tenant active voucher limit reached")
	ErrPlanNotFound     = errors.New("billing plan not found")
	ErrCustomerNotFound = errors.New("customer not found")
)

const maxCodeAttempts = 5

type Service struct {
	db     *gorm.DB
	logger *slog.Logger
}

func NewService(db *gorm.DB, logger *slog.Logger) *Service {
	return &Service{db: db, logger: logger}
}

// IsExpired is the authoritative expiry predicate. The stored "expired"
// status is only a materialization of this function applied by SweepExpired;
// reconciliation and reporting call this directly so an active voucher past
// its expires_at is treated as expired before the sweep runs.
func IsExpired(v *models.Voucher, now time.Time) bool {
	return v.ExpiresAt != nil && now.After(*v.ExpiresAt)
}

// Get loads one voucher visible to the scope.
func (s *Service) Get(ctx context.Context, sc scope.Scope, id uint) (*models.Voucher, error) {
	var v models.Voucher
	err := sc.Apply(s.db.WithContext(ctx)).First(&v, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load voucher: %w", err)
	}
	return &v, nil
}

// GetByCode resolves a voucher by code. Lookups are always tenant-scoped:
// two tenants may own the same code value and must never see each other's.
func (s *Service) GetByCode(ctx context.Context, sc scope.Scope, code string) (*models.Voucher, error) {
	var v models.Voucher
	err := sc.Apply(s.db.WithContext(ctx)).Where("code = ?", code).First(&v).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load voucher by code: %w", err)
	}
	return &v, nil
}

// Activate moves a voucher from unused to active and stamps the validity
// window. The CAS on status makes a concurrent double-activate a no-op for
// the loser.
func (s *Service) Activate(ctx context.Context, sc scope.Scope, id uint) (*models.Voucher, error) {
	v, err := s.Get(ctx, sc, id)
	if err != nil {
		return nil, err
	}
	if v.Status != models.VoucherStatusUnused {
		return nil, ErrNotActivatable
	}
	if err := s.enforceActiveLimit(ctx, v.TenantID); err != nil {
		return nil, err
	}

	now := time.Now()
	expires := now.Add(time.Duration(v.ValidityHours) * time.Hour)
	res := s.db.WithContext(ctx).Model(&models.Voucher{}).
		Where("id = ? AND status = ?", v.ID, models.VoucherStatusUnused).
		Updates(map[string]interface{}{
			"status":       models.VoucherStatusActive,
			"activated_at": now,
			"expires_at":   expires,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("activate voucher: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotActivatable
	}
	return s.Get(ctx, sc, id)
}

// enforceActiveLimit applies the tenant's MaxActiveVouchers cap; 0 means
// unlimited. The check is advisory (a concurrent pair of activations can
// overshoot by one), which is acceptable for a billing cap.
func (s *Service) enforceActiveLimit(ctx context.Context, tenantID uint) error {
	var tenant models.Tenant
	if err := s.db.WithContext(ctx).First(&tenant, tenantID).Error; err != nil {
		return fmt.Errorf("load tenant: %w", err)
	}
	if tenant.MaxActiveVouchers <= 0 {
		return nil
	}
	var active int64
	err := s.db.WithContext(ctx).Model(&models.Voucher{}).
		Where("tenant_id = ? AND status = ?", tenantID, models.VoucherStatusActive).
		Count(&active).Error
	if err != nil {
		return fmt.Errorf("count active vouchers: %w", err)
	}
	if active >= int64(tenant.MaxActiveVouchers) {
		return ErrTenantLimitHit
	}
	return nil
}

// Consume marks an active voucher as used (first hotspot login).
func (s *Service) Consume(ctx context.Context, sc scope.Scope, id uint) (*models.Voucher, error) {
	v, err := s.Get(ctx, sc, id)
	if err != nil {
		return nil, err
	}
	if v.Status != models.VoucherStatusActive {
		return nil, ErrNotConsumable
	}
	res := s.db.WithContext(ctx).Model(&models.Voucher{}).
		Where("id = ? AND status = ?", v.ID, models.VoucherStatusActive).
		Update("status", models.VoucherStatusUsed)
	if res.Error != nil {
		return nil, fmt.Errorf("consume voucher: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotConsumable
	}
	return s.Get(ctx, sc, id)
}

// Disable blocks an unused or active voucher from network access. The
// reconciler propagates the disabled state to the controller.
func (s *Service) Disable(ctx context.Context, sc scope.Scope, id uint) (*models.Voucher, error) {
	v, err := s.Get(ctx, sc, id)
	if err != nil {
		return nil, err
	}
	if v.Status != models.VoucherStatusUnused && v.Status != models.VoucherStatusActive {
		return nil, ErrNotDisablable
	}
	res := s.db.WithContext(ctx).Model(&models.Voucher{}).
		Where("id = ? AND status IN ?", v.ID, []string{models.VoucherStatusUnused, models.VoucherStatusActive}).
		Update("status", models.VoucherStatusDisabled)
	if res.Error != nil {
		return nil, fmt.Errorf("disable voucher: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotDisablable
	}
	return s.Get(ctx, sc, id)
}

// Refund moves any non-active voucher to refunded. Refunding an expired
// voucher is an accounting decision, so it demands the override flag.
func (s *Service) Refund(ctx context.Context, sc scope.Scope, id uint, override bool) (*models.Voucher, error) {
	v, err := s.Get(ctx, sc, id)
	if err != nil {
		return nil, err
	}
	if v.Status == models.VoucherStatusActive {
		return nil, ErrRefundActive
	}
	if v.Status == models.VoucherStatusExpired && !override {
		return nil, ErrRefundOverride
	}
	res := s.db.WithContext(ctx).Model(&models.Voucher{}).
		Where("id = ? AND status = ?", v.ID, v.Status).
		Update("status", models.VoucherStatusRefunded)
	if res.Error != nil {
		return nil, fmt.Errorf("refund voucher: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrTransitionRaced
	}
	return s.Get(ctx, sc, id)
}

// Transfer reassigns an unused voucher to another customer of the same tenant.
func (s *Service) Transfer(ctx context.Context, sc scope.Scope, id, customerID uint) (*models.Voucher, error) {
	v, err := s.Get(ctx, sc, id)
	if err != nil {
		return nil, err
	}
	if v.Status != models.VoucherStatusUnused {
		return nil, ErrNotTransferable
	}

	var customer models.Customer
	if err := s.db.WithContext(ctx).Where("tenant_id = ? AND id = ?", v.TenantID, customerID).First(&customer).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCustomerNotFound
		}
		return nil, fmt.Errorf("load customer: %w", err)
	}

	res := s.db.WithContext(ctx).Model(&models.Voucher{}).
		Where("id = ? AND status = ?", v.ID, models.VoucherStatusUnused).
		Update("customer_id", customer.ID)
	if res.Error != nil {
		return nil, fmt.Errorf("transfer voucher: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotTransferable
	}
	return s.Get(ctx, sc, id)
}

// UpdateMutable edits presentation fields of a voucher that has not started
// its life on the network yet. Active, used and expired vouchers are locked.
func (s *Service) UpdateMutable(ctx context.Context, sc scope.Scope, id uint, profile string, validityHours int, dataLimitMB int64) (*models.Voucher, error) {
	v, err := s.Get(ctx, sc, id)
	if err != nil {
		return nil, err
	}
	switch v.Status {
	case models.VoucherStatusActive, models.VoucherStatusUsed, models.VoucherStatusExpired:
		return nil, ErrVoucherLocked
	}

	updates := map[string]interface{}{}
	if profile != "" {
		updates["profile"] = profile
	}
	if validityHours > 0 {
		updates["validity_hours"] = validityHours
	}
	if dataLimitMB >= 0 {
		updates["data_limit_mb"] = dataLimitMB
	}
	if len(updates) == 0 {
		return v, nil
	}
	res := s.db.WithContext(ctx).Model(&models.Voucher{}).
		Where("id = ? AND status = ?", v.ID, v.Status).
		Updates(updates)
	if res.Error != nil {
		return nil, fmt.Errorf("update voucher: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrVoucherLocked
	}
	return s.Get(ctx, sc, id)
}

// Delete soft-deletes a voucher. Active vouchers are still live credentials
// on the controller and must be disabled first. Vouchers issued by a payment
// are the settlement record for that payment and are never deleted.
func (s *Service) Delete(ctx context.Context, sc scope.Scope, id uint) error {
	v, err := s.Get(ctx, sc, id)
	if err != nil {
		return err
	}
	if v.Status == models.VoucherStatusActive {
		return ErrActiveDelete
	}
	if v.PaymentID != nil {
		return ErrSettledDelete
	}
	if err := s.db.WithContext(ctx).Delete(&models.Voucher{}, v.ID).Error; err != nil {
		return fmt.Errorf("delete voucher: %w", err)
	}
	return nil
}

// CreateBatch issues vouchers outside the payment flow (manual/bulk sales).
// Codes are generated with bounded retries against the per-tenant unique
// index.
func (s *Service) CreateBatch(ctx context.Context, sc scope.Scope, planID uint, count int, customerID *uint) ([]models.Voucher, error) {
	tenantID, ok := sc.TenantID()
	if !ok {
		return nil, errors.New("batch issuance requires a tenant-bound scope")
	}
	if count < 1 || count > 500 {
		return nil, errors.New("count must be between 1 and 500")
	}

	var plan models.BillingPlan
	err := s.db.WithContext(ctx).Where("tenant_id = ? AND id = ?", tenantID, planID).First(&plan).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPlanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load plan: %w", err)
	}

	out := make([]models.Voucher, 0, count)
	for i := 0; i < count; i++ {
		v, err := s.createOne(ctx, tenantID, &plan, customerID)
		if err != nil {
			return out, err
		}
		out = append(out, *v)
	}
	return out, nil
}

func (s *Service) createOne(ctx context.Context, tenantID uint, plan *models.BillingPlan, customerID *uint) (*models.Voucher, error) {
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		v := models.Voucher{
			TenantID:      tenantID,
			CustomerID:    customerID,
			Code:          GenerateCode(DefaultCodeLength),
			Password:      GeneratePassword(DefaultPasswordLength),
			Profile:       plan.Profile,
			ValidityHours: plan.ValidityHours,
			DataLimitMB:   plan.DataLimitMB,
			Price:         plan.Price,
			Status:        models.VoucherStatusUnused,
		}
		err := s.db.WithContext(ctx).Create(&v).Error
		if err == nil {
			return &v, nil
		}
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			s.logger.Warn("voucher code collision, regenerating", "tenant_id", tenantID, "attempt", attempt+1)
			continue
		}
		return nil, fmt.Errorf("create voucher: %w", err)
	}
	return nil, ErrCodeExhausted
}

// SweepExpired materializes the expiry predicate: every active or used
// voucher past its expires_at becomes expired. Runs periodically; the
// predicate itself (IsExpired) stays authoritative in between runs.
func (s *Service) SweepExpired(ctx context.Context, sc scope.Scope) (int64, error) {
	res := sc.Apply(s.db.WithContext(ctx).Model(&models.Voucher{})).
		Where("status IN ? AND expires_at < ?", []string{models.VoucherStatusActive, models.VoucherStatusUsed}, time.Now()).
		Update("status", models.VoucherStatusExpired)
	if res.Error != nil {
		return 0, fmt.Errorf("expiry sweep: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		s.logger.Info("expiry sweep completed", "expired", res.RowsAffected)
	}
	return res.RowsAffected, nil
}
