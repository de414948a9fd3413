// Package settlement turns a completed payment into exactly one voucher.
//
// The idempotency mechanism is the unique index on vouchers.payment_id: the
// voucher insert runs under ON CONFLICT (payment_id) DO NOTHING, so however
// many webhook deliveries, polls and retry sweeps race on the same payment,
// only one insert lands. A swallowed conflict is the expected concurrency
// path, reported as Result.AlreadySettled rather than an error.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/microsoftjulius/billing-sub001/internal/events"
	"github.com/microsoftjulius/billing-sub001/internal/notify"
	"github.com/microsoftjulius/billing-sub001/internal/vouchers"
	"github.com/microsoftjulius/billing-sub001/models"
)

var (
	// ErrPaymentNotCompleted rejects settlement of a payment that has not
	// reached its completed state.
	ErrPaymentNotCompleted = errors.New("payment is not completed")

	// ErrMissingTenant rejects settlement of a global payment: a voucher must
	// target a tenant's access controller.
	ErrMissingTenant = errors.New("payment has no tenant, cannot issue a voucher")

	// ErrCodeExhausted means code generation kept colliding; settlement stays
	// re-invocable by the retry sweep.
	ErrCodeExhausted = errors.New("voucher code generation exhausted retries")
)

// ReconcileHintsKey is the Redis list the coordinator pushes tenant ids onto
// after issuing a voucher; the background sweeper drains it into targeted
// reconciliation runs.
const ReconcileHintsKey = "reconcile:hints"

const maxCodeAttempts = 5

// Result is the tagged settlement outcome. AlreadySettled means another
// execution won the insert; the voucher it produced is returned and the call
// counts as a success.
type Result struct {
	Voucher        *models.Voucher
	AlreadySettled bool
}

type Coordinator struct {
	db       *gorm.DB
	notifier notify.Dispatcher
	producer *events.Producer
	rdb      *redis.Client // nil disables reconcile hints
	logger   *slog.Logger

	// newCode is swappable in tests to force code collisions.
	newCode func() string
}

func NewCoordinator(db *gorm.DB, notifier notify.Dispatcher, producer *events.Producer, rdb *redis.Client, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		db:       db,
		notifier: notifier,
		producer: producer,
		rdb:      rdb,
		logger:   logger,
		newCode:  func() string { return vouchers.GenerateCode(vouchers.DefaultCodeLength) },
	}
}

// Settle issues the voucher for a completed payment. It is safe to invoke any
// number of times, concurrently, for the same payment. The database work is
// one atomic unit; SMS, events and reconcile hints happen after commit and
// never affect the outcome.
func (c *Coordinator) Settle(ctx context.Context, payment *models.Payment) (*Result, error) {
	if payment.Status != models.PaymentStatusCompleted {
		return nil, ErrPaymentNotCompleted
	}
	if payment.TenantID == nil {
		return nil, ErrMissingTenant
	}
	tenantID := *payment.TenantID

	var result Result
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		plan, err := c.resolvePlan(tx, payment)
		if err != nil {
			return err
		}

		for attempt := 0; attempt < maxCodeAttempts; attempt++ {
			v := models.Voucher{
				TenantID:      tenantID,
				CustomerID:    payment.CustomerID,
				PaymentID:     &payment.ID,
				Code:          c.newCode(),
				Password:      vouchers.GeneratePassword(vouchers.DefaultPasswordLength),
				Profile:       plan.Profile,
				ValidityHours: plan.ValidityHours,
				DataLimitMB:   plan.DataLimitMB,
				Price:         payment.Amount,
				Status:        models.VoucherStatusUnused,
			}

			// On postgres a failed insert aborts the whole transaction, so
			// each attempt runs under its own savepoint.
			sp := fmt.Sprintf("voucher_attempt_%d", attempt)
			if err := tx.SavePoint(sp).Error; err != nil {
				return fmt.Errorf("savepoint: %w", err)
			}

			res := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "payment_id"}},
				DoNothing: true,
			}).Create(&v)

			if res.Error != nil {
				// A duplicated key here is the per-tenant code index, not the
				// payment_id marker (that conflict is swallowed above).
				if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
					if err := tx.RollbackTo(sp).Error; err != nil {
						return fmt.Errorf("rollback to savepoint: %w", err)
					}
					c.logger.Warn("voucher code collision during settlement",
						"payment_id", payment.ID, "attempt", attempt+1)
					continue
				}
				return fmt.Errorf("insert voucher: %w", res.Error)
			}

			if res.RowsAffected == 0 {
				// Another execution already settled this payment. The marker
				// row may have been soft-deleted since; it still settles the
				// payment, so the lookup must see it.
				var existing models.Voucher
				if err := tx.Unscoped().Where("payment_id = ?", payment.ID).First(&existing).Error; err != nil {
					return fmt.Errorf("load settled voucher: %w", err)
				}
				result = Result{Voucher: &existing, AlreadySettled: true}
				return nil
			}

			result = Result{Voucher: &v}
			return nil
		}
		return ErrCodeExhausted
	})
	if err != nil {
		return nil, err
	}

	if result.AlreadySettled {
		c.logger.Info("payment already settled",
			"payment_id", payment.ID, "voucher_id", result.Voucher.ID)
		return &result, nil
	}

	c.logger.Info("payment settled",
		"payment_id", payment.ID,
		"transaction_id", payment.TransactionID,
		"voucher_id", result.Voucher.ID,
		"code", result.Voucher.Code,
	)

	// Best-effort side effects, outside the transaction.
	c.announce(payment, result.Voucher)
	return &result, nil
}

// RetryUnsettled re-invokes settlement for completed payments that still have
// no voucher (e.g. a storage failure aborted the original unit of work). The
// join deliberately includes soft-deleted vouchers: once issued, the marker
// settles the payment for good.
func (c *Coordinator) RetryUnsettled(ctx context.Context, limit int) (int, error) {
	var pending []models.Payment
	err := c.db.WithContext(ctx).
		Joins("LEFT JOIN vouchers v ON v.payment_id = payments.id").
		Where("payments.status = ? AND payments.tenant_id IS NOT NULL AND v.id IS NULL", models.PaymentStatusCompleted).
		Limit(limit).
		Find(&pending).Error
	if err != nil {
		return 0, fmt.Errorf("list unsettled payments: %w", err)
	}

	settled := 0
	for i := range pending {
		if _, err := c.Settle(ctx, &pending[i]); err != nil {
			c.logger.Error("settlement retry failed",
				"payment_id", pending[i].ID, "error", err)
			continue
		}
		settled++
	}
	return settled, nil
}

func (c *Coordinator) resolvePlan(tx *gorm.DB, payment *models.Payment) (*models.BillingPlan, error) {
	if payment.PlanID != nil {
		var plan models.BillingPlan
		err := tx.Where("tenant_id = ? AND id = ?", *payment.TenantID, *payment.PlanID).First(&plan).Error
		if err == nil {
			return &plan, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("load plan: %w", err)
		}
		c.logger.Warn("payment references missing plan, using defaults",
			"payment_id", payment.ID, "plan_id", *payment.PlanID)
	}
	// Payments recorded without a plan still settle with a default package.
	return &models.BillingPlan{
		Profile:       "default",
		ValidityHours: 24,
		Price:         payment.Amount,
	}, nil
}

// announce runs the post-commit notifications: SMS to the customer, a
// reconcile hint for the sweeper, and Kafka events. Each is independently
// best-effort.
func (c *Coordinator) announce(payment *models.Payment, v *models.Voucher) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if payment.Phone != "" {
		c.sendVoucherSms(ctx, payment, v)
	}

	if c.rdb != nil {
		hint := strconv.FormatUint(uint64(v.TenantID), 10)
		if err := c.rdb.LPush(ctx, ReconcileHintsKey, hint).Err(); err != nil {
			c.logger.Error("failed to push reconcile hint", "tenant_id", v.TenantID, "error", err)
		}
	}

	c.producer.PaymentCompleted(payment)
	c.producer.VoucherCreated(v)
}

func (c *Coordinator) sendVoucherSms(ctx context.Context, payment *models.Payment, v *models.Voucher) {
	message := fmt.Sprintf(
		"Your internet voucher is ready. Login: %s Password: %s Valid for %dh.",
		v.Code, v.Password, v.ValidityHours,
	)

	log := models.SmsLog{
		TenantID:  payment.TenantID,
		VoucherID: &v.ID,
		Phone:     payment.Phone,
		Message:   message,
		Status:    models.SmsStatusSent,
	}

	if err := c.notifier.Send(ctx, payment.Phone, message); err != nil {
		c.logger.Error("voucher sms failed",
			"voucher_id", v.ID, "phone", payment.Phone, "error", err)
		log.Status = models.SmsStatusFailed
		log.Error = err.Error()
	} else {
		now := time.Now()
		if err := c.db.Model(&models.Voucher{}).Where("id = ?", v.ID).
			Update("sms_sent_at", now).Error; err != nil {
			c.logger.Error("failed to stamp sms_sent_at", "voucher_id", v.ID, "error", err)
		}
	}

	if err := c.db.Create(&log).Error; err != nil {
		c.logger.Error("failed to write sms log", "voucher_id", v.ID, "error", err)
	}
}
