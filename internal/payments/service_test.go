package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/microsoftjulius/billing-sub001/internal/scope"
	"github.com/microsoftjulius/billing-sub001/internal/settlement"
	"github.com/microsoftjulius/billing-sub001/models"
)

type fakeGateway struct {
	initiateResult *InitiateResult
	initiateErr    error
	verifyResult   *VerifyResult
	verifyErr      error
	verifyCalls    int
}

func (g *fakeGateway) Initiate(_ context.Context, _ InitiateRequest) (*InitiateResult, error) {
	return g.initiateResult, g.initiateErr
}

func (g *fakeGateway) Verify(_ context.Context, _ string) (*VerifyResult, error) {
	g.verifyCalls++
	return g.verifyResult, g.verifyErr
}

type fakeSettler struct {
	calls    int
	payments []uint
	err      error
}

func (s *fakeSettler) Settle(_ context.Context, payment *models.Payment) (*settlement.Result, error) {
	s.calls++
	s.payments = append(s.payments, payment.ID)
	if s.err != nil {
		return nil, s.err
	}
	return &settlement.Result{Voucher: &models.Voucher{}}, nil
}

func createTestService(t *testing.T, gw *fakeGateway, settler *fakeSettler, secret string) (*Service, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.TempDir()+"/payments.db"), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	err = db.AutoMigrate(
		&models.Tenant{}, &models.Customer{}, &models.BillingPlan{},
		&models.Payment{}, &models.Voucher{}, &models.CallbackLog{},
	)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(db, gw, settler, secret, logger), db
}

func seedTenant(t *testing.T, db *gorm.DB, code string) models.Tenant {
	t.Helper()
	tenant := models.Tenant{Code: code, Name: code + " Ltd", Active: true}
	if err := db.Create(&tenant).Error; err != nil {
		t.Fatalf("seed tenant: %v", err)
	}
	return tenant
}

func seedPendingPayment(t *testing.T, db *gorm.DB, tenantID *uint) models.Payment {
	t.Helper()
	payment := models.Payment{
		TenantID:      tenantID,
		TransactionID: NewTransactionID("TST"),
		Phone:         "256700000001",
		Amount:        5000,
		Currency:      "UGX",
		Status:        models.PaymentStatusPending,
	}
	if err := db.Create(&payment).Error; err != nil {
		t.Fatalf("seed payment: %v", err)
	}
	return payment
}

func TestInitiate_Validation(t *testing.T) {
	svc, _ := createTestService(t, &fakeGateway{}, &fakeSettler{}, "")

	_, err := svc.Initiate(context.Background(), scope.Global(), InitiateInput{Phone: "256700000001"})
	if !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}

	_, err = svc.Initiate(context.Background(), scope.Global(), InitiateInput{Amount: 5000})
	if !errors.Is(err, ErrMissingPhone) {
		t.Fatalf("expected ErrMissingPhone, got %v", err)
	}
}

func TestInitiate_UsesTenantCodePrefix(t *testing.T) {
	gw := &fakeGateway{initiateResult: &InitiateResult{Success: true, Reference: "MM-1"}}
	svc, db := createTestService(t, gw, &fakeSettler{}, "")
	tenant := seedTenant(t, db, "KLA")

	payment, err := svc.Initiate(context.Background(), scope.ForTenant(tenant.ID), InitiateInput{
		Phone:  "256700000001",
		Amount: 5000,
	})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if !strings.HasPrefix(payment.TransactionID, "KLA-") {
		t.Errorf("transaction id %q missing tenant prefix", payment.TransactionID)
	}
	if payment.Status != models.PaymentStatusPending {
		t.Errorf("new payment must be pending, got %q", payment.Status)
	}
	if payment.Currency != "UGX" {
		t.Errorf("currency must default to UGX, got %q", payment.Currency)
	}

	var stored models.Payment
	if err := db.First(&stored, payment.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if stored.ProviderReference == nil || *stored.ProviderReference != "MM-1" {
		t.Errorf("provider reference not stored: %+v", stored.ProviderReference)
	}
}

func TestInitiate_GatewayFailureKeepsPaymentPending(t *testing.T) {
	gw := &fakeGateway{initiateErr: errors.New("connection refused")}
	svc, db := createTestService(t, gw, &fakeSettler{}, "")

	payment, err := svc.Initiate(context.Background(), scope.Global(), InitiateInput{
		Phone:  "256700000001",
		Amount: 5000,
	})
	if !errors.Is(err, ErrGatewayInitiate) {
		t.Fatalf("expected ErrGatewayInitiate, got %v", err)
	}
	if payment == nil {
		t.Fatal("payment must be returned alongside the gateway error")
	}

	var stored models.Payment
	if err := db.First(&stored, payment.ID).Error; err != nil {
		t.Fatalf("payment row must survive the gateway failure: %v", err)
	}
	if stored.Status != models.PaymentStatusPending {
		t.Errorf("payment must stay pending, got %q", stored.Status)
	}
}

func TestVerify_TerminalPaymentIsPureRead(t *testing.T) {
	gw := &fakeGateway{verifyResult: &VerifyResult{Success: true}}
	svc, db := createTestService(t, gw, &fakeSettler{}, "")
	payment := seedPendingPayment(t, db, nil)

	now := time.Now()
	db.Model(&payment).Updates(map[string]interface{}{
		"status":  models.PaymentStatusCompleted,
		"paid_at": now,
	})

	got, err := svc.Verify(context.Background(), scope.Global(), payment.TransactionID)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got.Status != models.PaymentStatusCompleted {
		t.Errorf("status = %q", got.Status)
	}
	if gw.verifyCalls != 0 {
		t.Errorf("terminal payment must not hit the gateway, got %d calls", gw.verifyCalls)
	}
}

func TestVerify_SuccessCompletesAndSettles(t *testing.T) {
	gw := &fakeGateway{verifyResult: &VerifyResult{Success: true, ProviderResponse: `{"ok":true}`}}
	settler := &fakeSettler{}
	svc, db := createTestService(t, gw, settler, "")
	tenant := seedTenant(t, db, "KLA")
	payment := seedPendingPayment(t, db, &tenant.ID)

	got, err := svc.Verify(context.Background(), scope.ForTenant(tenant.ID), payment.TransactionID)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got.Status != models.PaymentStatusCompleted {
		t.Fatalf("status = %q, want completed", got.Status)
	}
	if got.PaidAt == nil {
		t.Error("paid_at not stamped")
	}
	if settler.calls != 1 {
		t.Errorf("settler called %d times, want 1", settler.calls)
	}
}

func TestVerify_TransientGatewayErrorLeavesYoungPaymentPending(t *testing.T) {
	gw := &fakeGateway{verifyErr: errors.New("timeout")}
	svc, db := createTestService(t, gw, &fakeSettler{}, "")
	payment := seedPendingPayment(t, db, nil)

	got, err := svc.Verify(context.Background(), scope.Global(), payment.TransactionID)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got.Status != models.PaymentStatusPending {
		t.Errorf("young payment must stay pending on gateway error, got %q", got.Status)
	}
}

func TestVerify_OldPendingPaymentTimesOut(t *testing.T) {
	gw := &fakeGateway{verifyResult: &VerifyResult{Success: false, Message: "not found"}}
	svc, db := createTestService(t, gw, &fakeSettler{}, "")
	payment := seedPendingPayment(t, db, nil)

	svc.now = func() time.Time { return time.Now().Add(31 * time.Minute) }

	got, err := svc.Verify(context.Background(), scope.Global(), payment.TransactionID)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got.Status != models.PaymentStatusFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}
	if got.FailureReason != "verification timeout" {
		t.Errorf("failure reason = %q", got.FailureReason)
	}
	if got.FailedAt == nil {
		t.Error("failed_at not stamped")
	}
}

func TestVerify_ScopeIsolation(t *testing.T) {
	svc, db := createTestService(t, &fakeGateway{}, &fakeSettler{}, "")
	tenant := seedTenant(t, db, "KLA")
	other := seedTenant(t, db, "MBR")
	payment := seedPendingPayment(t, db, &tenant.ID)

	_, err := svc.Verify(context.Background(), scope.ForTenant(other.ID), payment.TransactionID)
	if !errors.Is(err, ErrPaymentNotFound) {
		t.Fatalf("cross-tenant verify must miss, got %v", err)
	}
}

func callbackBody(t *testing.T, payload map[string]interface{}, secret string) []byte {
	t.Helper()
	if secret != "" {
		unsigned, err := json.Marshal(payload)
		if err != nil {
			t.Fatal(err)
		}
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(unsigned)
		payload["signature"] = hex.EncodeToString(mac.Sum(nil))
	}
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	return body
}

func TestHandleCallback_CompletedSettlesOnce(t *testing.T) {
	settler := &fakeSettler{}
	svc, db := createTestService(t, &fakeGateway{}, settler, "")
	tenant := seedTenant(t, db, "KLA")
	payment := seedPendingPayment(t, db, &tenant.ID)

	body := callbackBody(t, map[string]interface{}{
		"transaction_id": payment.TransactionID,
		"status":         "success",
	}, "")

	out, err := svc.HandleCallback(context.Background(), body)
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	if out.Outcome != models.CallbackOutcomeCompleted {
		t.Fatalf("outcome = %q", out.Outcome)
	}
	if settler.calls != 1 {
		t.Fatalf("settler called %d times, want 1", settler.calls)
	}

	// Redelivery of the same callback is a no-op for the state machine.
	out, err = svc.HandleCallback(context.Background(), body)
	if err != nil {
		t.Fatalf("redelivered callback: %v", err)
	}
	if out.Outcome != models.CallbackOutcomeCompleted {
		t.Fatalf("redelivery outcome = %q", out.Outcome)
	}
	if settler.calls != 1 {
		t.Errorf("redelivery must not settle again, settler called %d times", settler.calls)
	}

	var logs int64
	db.Model(&models.CallbackLog{}).Count(&logs)
	if logs != 2 {
		t.Errorf("every delivery must be logged, got %d logs", logs)
	}
}

func TestHandleCallback_LateFailureCannotFlipCompleted(t *testing.T) {
	svc, db := createTestService(t, &fakeGateway{}, &fakeSettler{}, "")
	tenant := seedTenant(t, db, "KLA")
	payment := seedPendingPayment(t, db, &tenant.ID)

	complete := callbackBody(t, map[string]interface{}{
		"transaction_id": payment.TransactionID,
		"status":         "completed",
	}, "")
	if _, err := svc.HandleCallback(context.Background(), complete); err != nil {
		t.Fatalf("complete callback: %v", err)
	}

	fail := callbackBody(t, map[string]interface{}{
		"transaction_id": payment.TransactionID,
		"status":         "failed",
	}, "")
	if _, err := svc.HandleCallback(context.Background(), fail); err != nil {
		t.Fatalf("late failure callback: %v", err)
	}

	var stored models.Payment
	if err := db.First(&stored, payment.ID).Error; err != nil {
		t.Fatal(err)
	}
	if stored.Status != models.PaymentStatusCompleted {
		t.Fatalf("completed payment flipped to %q", stored.Status)
	}
}

func TestHandleCallback_UnknownStatusIsLoggedNoOp(t *testing.T) {
	settler := &fakeSettler{}
	svc, db := createTestService(t, &fakeGateway{}, settler, "")
	payment := seedPendingPayment(t, db, nil)

	body := callbackBody(t, map[string]interface{}{
		"transaction_id": payment.TransactionID,
		"status":         "settlement_in_progress",
	}, "")

	out, err := svc.HandleCallback(context.Background(), body)
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	if out.Outcome != models.CallbackOutcomeUnknownStatus {
		t.Fatalf("outcome = %q", out.Outcome)
	}
	if settler.calls != 0 {
		t.Error("unknown status must not settle")
	}

	var stored models.Payment
	db.First(&stored, payment.ID)
	if stored.Status != models.PaymentStatusPending {
		t.Errorf("unknown status changed payment to %q", stored.Status)
	}

	var log models.CallbackLog
	if err := db.Where("outcome = ?", models.CallbackOutcomeUnknownStatus).First(&log).Error; err != nil {
		t.Fatalf("unknown-status delivery must be logged: %v", err)
	}
	if log.RawStatus != "settlement_in_progress" {
		t.Errorf("raw status = %q", log.RawStatus)
	}
}

func TestHandleCallback_BadSignatureRejected(t *testing.T) {
	svc, db := createTestService(t, &fakeGateway{}, &fakeSettler{}, "topsecret")
	payment := seedPendingPayment(t, db, nil)

	body := []byte(fmt.Sprintf(
		`{"transaction_id":%q,"status":"completed","signature":"bogus"}`,
		payment.TransactionID,
	))
	_, err := svc.HandleCallback(context.Background(), body)
	if !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}

	var stored models.Payment
	db.First(&stored, payment.ID)
	if stored.Status != models.PaymentStatusPending {
		t.Errorf("rejected callback changed payment to %q", stored.Status)
	}
}

func TestHandleCallback_ValidSignatureAccepted(t *testing.T) {
	svc, db := createTestService(t, &fakeGateway{}, &fakeSettler{}, "topsecret")
	tenant := seedTenant(t, db, "KLA")
	payment := seedPendingPayment(t, db, &tenant.ID)

	body := callbackBody(t, map[string]interface{}{
		"transaction_id": payment.TransactionID,
		"status":         "completed",
	}, "topsecret")

	out, err := svc.HandleCallback(context.Background(), body)
	if err != nil {
		t.Fatalf("signed callback rejected: %v", err)
	}
	if out.Outcome != models.CallbackOutcomeCompleted {
		t.Fatalf("outcome = %q", out.Outcome)
	}
}

func TestHandleCallback_UnknownReference(t *testing.T) {
	svc, db := createTestService(t, &fakeGateway{}, &fakeSettler{}, "")

	body := callbackBody(t, map[string]interface{}{
		"transaction_id": "NOPE-1",
		"status":         "completed",
	}, "")
	_, err := svc.HandleCallback(context.Background(), body)
	if !errors.Is(err, ErrPaymentNotFound) {
		t.Fatalf("expected ErrPaymentNotFound, got %v", err)
	}

	var log models.CallbackLog
	if err := db.Where("outcome = ?", models.CallbackOutcomeNotFound).First(&log).Error; err != nil {
		t.Fatalf("unmatched delivery must still be logged: %v", err)
	}
}

func TestHandleCallback_ResolvesProviderReferenceFirst(t *testing.T) {
	settler := &fakeSettler{}
	svc, db := createTestService(t, &fakeGateway{}, settler, "")
	tenant := seedTenant(t, db, "KLA")
	payment := seedPendingPayment(t, db, &tenant.ID)

	ref := "MM-REF-9"
	db.Model(&payment).Update("provider_reference", ref)

	body := callbackBody(t, map[string]interface{}{
		"reference": ref,
		"status":    "paid",
	}, "")
	out, err := svc.HandleCallback(context.Background(), body)
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	if out.Payment.ID != payment.ID {
		t.Fatalf("resolved payment %d, want %d", out.Payment.ID, payment.ID)
	}
}

func TestHandleCallback_MalformedBody(t *testing.T) {
	svc, _ := createTestService(t, &fakeGateway{}, &fakeSettler{}, "")

	if _, err := svc.HandleCallback(context.Background(), []byte("not json")); !errors.Is(err, ErrMalformedCallback) {
		t.Fatalf("expected ErrMalformedCallback, got %v", err)
	}
	if _, err := svc.HandleCallback(context.Background(), []byte(`{"status":"completed"}`)); !errors.Is(err, ErrMalformedCallback) {
		t.Fatalf("reference-less payload: expected ErrMalformedCallback, got %v", err)
	}
}

func TestHandleCallback_SettlementFailureKeepsPaymentCompleted(t *testing.T) {
	settler := &fakeSettler{err: errors.New("db down")}
	svc, db := createTestService(t, &fakeGateway{}, settler, "")
	tenant := seedTenant(t, db, "KLA")
	payment := seedPendingPayment(t, db, &tenant.ID)

	body := callbackBody(t, map[string]interface{}{
		"transaction_id": payment.TransactionID,
		"status":         "completed",
	}, "")
	out, err := svc.HandleCallback(context.Background(), body)
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	// The completion sticks; the retry sweep owns re-settlement.
	if out.Payment.Status != models.PaymentStatusCompleted {
		t.Fatalf("status = %q", out.Payment.Status)
	}

	var stored models.Payment
	db.First(&stored, payment.ID)
	if stored.Status != models.PaymentStatusCompleted {
		t.Errorf("stored status = %q", stored.Status)
	}
}
