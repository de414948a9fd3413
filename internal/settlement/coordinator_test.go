package settlement

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/microsoftjulius/billing-sub001/internal/vouchers"
	"github.com/microsoftjulius/billing-sub001/models"
)

var txnSeq atomic.Uint64

func nextTransactionID() string {
	return fmt.Sprintf("TST-20240101-%08d", txnSeq.Add(1))
}

type recordingDispatcher struct {
	mu       sync.Mutex
	messages []string
	err      error
}

func (d *recordingDispatcher) Send(_ context.Context, _, message string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.messages = append(d.messages, message)
	return nil
}

func createTestCoordinator(t *testing.T, notifier *recordingDispatcher) (*Coordinator, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.TempDir()+"/settlement.db"), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	// One connection keeps concurrent transactions serialized under sqlite.
	sqlDB.SetMaxOpenConns(1)

	err = db.AutoMigrate(
		&models.Tenant{}, &models.Customer{}, &models.BillingPlan{},
		&models.Payment{}, &models.Voucher{}, &models.SmsLog{},
	)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewCoordinator(db, notifier, nil, nil, logger), db
}

func seedCompletedPayment(t *testing.T, db *gorm.DB, tenantID uint, planID *uint) *models.Payment {
	t.Helper()
	payment := models.Payment{
		TenantID:      &tenantID,
		PlanID:        planID,
		TransactionID: nextTransactionID(),
		Phone:         "256700000001",
		Amount:        10000,
		Currency:      "UGX",
		Status:        models.PaymentStatusCompleted,
	}
	if err := db.Create(&payment).Error; err != nil {
		t.Fatalf("seed payment: %v", err)
	}
	return &payment
}

func seedSettlementTenant(t *testing.T, db *gorm.DB) models.Tenant {
	t.Helper()
	tenant := models.Tenant{Code: "KLA", Name: "Kampala Hotspots", Active: true}
	if err := db.Create(&tenant).Error; err != nil {
		t.Fatalf("seed tenant: %v", err)
	}
	return tenant
}

func TestSettle_IssuesExactlyOneVoucher(t *testing.T) {
	notifier := &recordingDispatcher{}
	coord, db := createTestCoordinator(t, notifier)
	tenant := seedSettlementTenant(t, db)

	plan := models.BillingPlan{
		TenantID: tenant.ID, Name: "Daily", Profile: "1d-profile",
		Price: 10000, ValidityHours: 24, DataLimitMB: 2048, Active: true,
	}
	if err := db.Create(&plan).Error; err != nil {
		t.Fatal(err)
	}
	payment := seedCompletedPayment(t, db, tenant.ID, &plan.ID)

	res, err := coord.Settle(context.Background(), payment)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if res.AlreadySettled {
		t.Fatal("first settlement must not report AlreadySettled")
	}
	if res.Voucher.Profile != "1d-profile" || res.Voucher.ValidityHours != 24 {
		t.Errorf("voucher not built from plan: %+v", res.Voucher)
	}
	if res.Voucher.Status != models.VoucherStatusUnused {
		t.Errorf("new voucher status = %q", res.Voucher.Status)
	}
	if res.Voucher.PaymentID == nil || *res.Voucher.PaymentID != payment.ID {
		t.Error("voucher not linked to payment")
	}

	// Second invocation observes the marker and returns the same voucher.
	res2, err := coord.Settle(context.Background(), payment)
	if err != nil {
		t.Fatalf("second settle: %v", err)
	}
	if !res2.AlreadySettled {
		t.Fatal("second settlement must report AlreadySettled")
	}
	if res2.Voucher.ID != res.Voucher.ID {
		t.Errorf("second settlement returned voucher %d, want %d", res2.Voucher.ID, res.Voucher.ID)
	}

	var count int64
	db.Model(&models.Voucher{}).Where("payment_id = ?", payment.ID).Count(&count)
	if count != 1 {
		t.Fatalf("expected exactly 1 voucher, got %d", count)
	}

	if len(notifier.messages) != 1 {
		t.Errorf("expected 1 sms, got %d", len(notifier.messages))
	}
}

func TestSettle_ConcurrentInvocations(t *testing.T) {
	coord, db := createTestCoordinator(t, &recordingDispatcher{})
	tenant := seedSettlementTenant(t, db)
	payment := seedCompletedPayment(t, db, tenant.ID, nil)

	const workers = 8
	results := make([]*Result, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = coord.Settle(context.Background(), payment)
		}(i)
	}
	wg.Wait()

	fresh := 0
	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("worker %d: %v", i, errs[i])
		}
		if !results[i].AlreadySettled {
			fresh++
		}
	}
	if fresh != 1 {
		t.Fatalf("expected exactly 1 fresh settlement, got %d", fresh)
	}

	var count int64
	db.Model(&models.Voucher{}).Where("payment_id = ?", payment.ID).Count(&count)
	if count != 1 {
		t.Fatalf("expected exactly 1 voucher, got %d", count)
	}
}

func TestSettle_RejectsNonCompletedPayment(t *testing.T) {
	coord, db := createTestCoordinator(t, &recordingDispatcher{})
	tenant := seedSettlementTenant(t, db)

	payment := models.Payment{
		TenantID:      &tenant.ID,
		TransactionID: nextTransactionID(),
		Phone:         "256700000001",
		Amount:        10000,
		Status:        models.PaymentStatusPending,
	}
	if err := db.Create(&payment).Error; err != nil {
		t.Fatal(err)
	}

	if _, err := coord.Settle(context.Background(), &payment); !errors.Is(err, ErrPaymentNotCompleted) {
		t.Fatalf("expected ErrPaymentNotCompleted, got %v", err)
	}
}

func TestSettle_RejectsGlobalPayment(t *testing.T) {
	coord, db := createTestCoordinator(t, &recordingDispatcher{})

	payment := models.Payment{
		TransactionID: nextTransactionID(),
		Phone:         "256700000001",
		Amount:        10000,
		Status:        models.PaymentStatusCompleted,
	}
	if err := db.Create(&payment).Error; err != nil {
		t.Fatal(err)
	}

	if _, err := coord.Settle(context.Background(), &payment); !errors.Is(err, ErrMissingTenant) {
		t.Fatalf("expected ErrMissingTenant, got %v", err)
	}
}

func TestSettle_RetriesOnCodeCollision(t *testing.T) {
	coord, db := createTestCoordinator(t, &recordingDispatcher{})
	tenant := seedSettlementTenant(t, db)

	taken := models.Voucher{
		TenantID: tenant.ID, Code: "TAKEN123", Password: "x",
		Profile: "default", ValidityHours: 24, Status: models.VoucherStatusUnused,
	}
	if err := db.Create(&taken).Error; err != nil {
		t.Fatal(err)
	}

	codes := []string{"TAKEN123", "TAKEN123", "FRESH456"}
	coord.newCode = func() string {
		code := codes[0]
		if len(codes) > 1 {
			codes = codes[1:]
		}
		return code
	}

	payment := seedCompletedPayment(t, db, tenant.ID, nil)
	res, err := coord.Settle(context.Background(), payment)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if res.Voucher.Code != "FRESH456" {
		t.Fatalf("voucher code = %q, want the regenerated one", res.Voucher.Code)
	}
}

func TestSettle_CodeExhaustion(t *testing.T) {
	coord, db := createTestCoordinator(t, &recordingDispatcher{})
	tenant := seedSettlementTenant(t, db)

	taken := models.Voucher{
		TenantID: tenant.ID, Code: "TAKEN123", Password: "x",
		Profile: "default", ValidityHours: 24, Status: models.VoucherStatusUnused,
	}
	if err := db.Create(&taken).Error; err != nil {
		t.Fatal(err)
	}
	coord.newCode = func() string { return "TAKEN123" }

	payment := seedCompletedPayment(t, db, tenant.ID, nil)
	if _, err := coord.Settle(context.Background(), payment); !errors.Is(err, ErrCodeExhausted) {
		t.Fatalf("expected ErrCodeExhausted, got %v", err)
	}

	// The payment stays re-invocable: fixing code generation settles it.
	coord.newCode = func() string { return vouchers.GenerateCode(vouchers.DefaultCodeLength) }
	if _, err := coord.Settle(context.Background(), payment); err != nil {
		t.Fatalf("settle after exhaustion: %v", err)
	}
}

func TestSettle_DefaultPlanWhenMissing(t *testing.T) {
	coord, db := createTestCoordinator(t, &recordingDispatcher{})
	tenant := seedSettlementTenant(t, db)

	missing := uint(999)
	payment := seedCompletedPayment(t, db, tenant.ID, &missing)

	res, err := coord.Settle(context.Background(), payment)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if res.Voucher.Profile != "default" || res.Voucher.ValidityHours != 24 {
		t.Errorf("default plan not applied: %+v", res.Voucher)
	}
	if res.Voucher.Price != payment.Amount {
		t.Errorf("voucher price = %v, want payment amount %v", res.Voucher.Price, payment.Amount)
	}
}

func TestSettle_SmsFailureDoesNotAffectOutcome(t *testing.T) {
	notifier := &recordingDispatcher{err: errors.New("sms gateway down")}
	coord, db := createTestCoordinator(t, notifier)
	tenant := seedSettlementTenant(t, db)
	payment := seedCompletedPayment(t, db, tenant.ID, nil)

	res, err := coord.Settle(context.Background(), payment)
	if err != nil {
		t.Fatalf("sms failure must not fail settlement: %v", err)
	}
	if res.Voucher.SmsSentAt != nil {
		t.Error("sms_sent_at must not be stamped on failure")
	}

	var log models.SmsLog
	if err := db.Where("voucher_id = ?", res.Voucher.ID).First(&log).Error; err != nil {
		t.Fatalf("sms attempt must be logged: %v", err)
	}
	if log.Status != models.SmsStatusFailed {
		t.Errorf("sms log status = %q", log.Status)
	}
}

func TestRetryUnsettled(t *testing.T) {
	coord, db := createTestCoordinator(t, &recordingDispatcher{})
	tenant := seedSettlementTenant(t, db)

	unsettled := seedCompletedPayment(t, db, tenant.ID, nil)
	settledPayment := seedCompletedPayment(t, db, tenant.ID, nil)
	if _, err := coord.Settle(context.Background(), settledPayment); err != nil {
		t.Fatal(err)
	}

	// Global and pending payments are never candidates.
	global := models.Payment{
		TransactionID: nextTransactionID(),
		Phone:         "256700000002", Amount: 5000,
		Status: models.PaymentStatusCompleted,
	}
	if err := db.Create(&global).Error; err != nil {
		t.Fatal(err)
	}

	settled, err := coord.RetryUnsettled(context.Background(), 50)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if settled != 1 {
		t.Fatalf("settled = %d, want 1", settled)
	}

	var count int64
	db.Model(&models.Voucher{}).Where("payment_id = ?", unsettled.ID).Count(&count)
	if count != 1 {
		t.Fatalf("unsettled payment still has %d vouchers", count)
	}
}

// A soft-deleted voucher still holds the payment_id unique index, so the
// payment stays settled: the retry sweep must not pick it up again and must
// not error forever, and a repeat Settle reports AlreadySettled instead of
// failing to find the marker.
func TestSettle_SoftDeletedVoucherKeepsPaymentSettled(t *testing.T) {
	coord, db := createTestCoordinator(t, &recordingDispatcher{})
	tenant := seedSettlementTenant(t, db)
	payment := seedCompletedPayment(t, db, tenant.ID, nil)

	res, err := coord.Settle(context.Background(), payment)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if err := db.Delete(&models.Voucher{}, res.Voucher.ID).Error; err != nil {
		t.Fatalf("soft delete voucher: %v", err)
	}

	settled, err := coord.RetryUnsettled(context.Background(), 50)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if settled != 0 {
		t.Fatalf("retry re-settled %d payments, want 0", settled)
	}

	res2, err := coord.Settle(context.Background(), payment)
	if err != nil {
		t.Fatalf("repeat settle: %v", err)
	}
	if !res2.AlreadySettled {
		t.Fatal("repeat settle must report AlreadySettled")
	}
	if res2.Voucher.ID != res.Voucher.ID {
		t.Fatalf("repeat settle returned voucher %d, want %d", res2.Voucher.ID, res.Voucher.ID)
	}

	var count int64
	db.Unscoped().Model(&models.Voucher{}).Where("payment_id = ?", payment.ID).Count(&count)
	if count != 1 {
		t.Fatalf("payment ever issued %d vouchers, want 1", count)
	}
}
