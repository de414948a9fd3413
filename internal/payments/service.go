// Package payments implements the payment state machine:
//
//	pending -> completed (terminal)
//	pending -> failed    (terminal)
//
// Webhook delivery, user polling and the background sweep can all race on the
// same payment; the transition is a compare-and-swap on the status column, so
// exactly one trigger wins and performs settlement while the losers observe
// the terminal state and do nothing.
package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/microsoftjulius/billing-sub001/internal/scope"
	"github.com/microsoftjulius/billing-sub001/internal/settlement"
	"github.com/microsoftjulius/billing-sub001/models"
)

var (
	ErrPaymentNotFound = errors.New("payment not found")
	ErrInvalidAmount   = errors.New("amount must be greater than zero")
	ErrMissingPhone    = errors.New("customer phone is required")
	ErrGatewayInitiate = errors.New("gateway initiation failed")
)

const (
	gatewayTimeout = 30 * time.Second

	// verifyFailureAge is how long a payment may sit pending before a failed
	// verification marks it failed instead of leaving it retryable.
	verifyFailureAge = 30 * time.Minute
)

// Settler is the settlement trigger invoked when a payment reaches
// completed. Implemented by settlement.Coordinator.
type Settler interface {
	Settle(ctx context.Context, payment *models.Payment) (*settlement.Result, error)
}

// InitiateInput is the validated request to start a collection.
type InitiateInput struct {
	CustomerID  *uint
	PlanID      *uint
	Phone       string
	Amount      float64
	Currency    string
	Description string
}

// CallbackOutcome reports what a webhook delivery did.
type CallbackOutcome struct {
	Outcome string // one of the models.CallbackOutcome* values
	Payment *models.Payment
}

type Service struct {
	db            *gorm.DB
	gateway       Gateway
	settler       Settler
	webhookSecret string
	logger        *slog.Logger

	// now is swappable in tests to cross the verification-timeout threshold.
	now func() time.Time
}

func NewService(db *gorm.DB, gateway Gateway, settler Settler, webhookSecret string, logger *slog.Logger) *Service {
	return &Service{
		db:            db,
		gateway:       gateway,
		settler:       settler,
		webhookSecret: webhookSecret,
		logger:        logger,
		now:           time.Now,
	}
}

// Initiate validates the request, persists a pending payment and asks the
// gateway to start collection. The payment is persisted before the gateway
// call: if the gateway errors, the row (and its transaction id, the
// idempotency key) survives so polling can recover it. In that case both the
// payment and a wrapped ErrGatewayInitiate are returned.
func (s *Service) Initiate(ctx context.Context, sc scope.Scope, in InitiateInput) (*models.Payment, error) {
	if in.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if in.Phone == "" {
		return nil, ErrMissingPhone
	}
	if in.Currency == "" {
		in.Currency = "UGX"
	}

	prefix := "PAY"
	var tenantID *uint
	if id, ok := sc.TenantID(); ok {
		tenantID = &id
		var tenant models.Tenant
		if err := s.db.WithContext(ctx).First(&tenant, id).Error; err != nil {
			return nil, fmt.Errorf("load tenant: %w", err)
		}
		prefix = tenant.Code
	}

	payment := models.Payment{
		TenantID:      tenantID,
		CustomerID:    in.CustomerID,
		PlanID:        in.PlanID,
		TransactionID: NewTransactionID(prefix),
		Phone:         in.Phone,
		Amount:        in.Amount,
		Currency:      in.Currency,
		Description:   in.Description,
		Status:        models.PaymentStatusPending,
	}
	if err := s.db.WithContext(ctx).Create(&payment).Error; err != nil {
		return nil, fmt.Errorf("persist payment: %w", err)
	}

	gctx, cancel := context.WithTimeout(ctx, gatewayTimeout)
	defer cancel()
	res, err := s.gateway.Initiate(gctx, InitiateRequest{
		Amount:      in.Amount,
		Currency:    in.Currency,
		Phone:       in.Phone,
		Description: in.Description,
		ExternalID:  payment.TransactionID,
	})
	if err != nil {
		s.logger.Error("gateway initiate failed, payment kept pending",
			"transaction_id", payment.TransactionID, "error", err)
		return &payment, fmt.Errorf("%w: %v", ErrGatewayInitiate, err)
	}
	if !res.Success {
		s.logger.Warn("gateway declined initiation, payment kept pending",
			"transaction_id", payment.TransactionID, "message", res.Message)
		return &payment, fmt.Errorf("%w: %s", ErrGatewayInitiate, res.Message)
	}

	if res.Reference != "" {
		s.setProviderReference(ctx, &payment, res.Reference)
	}
	return &payment, nil
}

// Verify returns the authoritative status of a payment, asking the gateway
// only while the payment is still pending. On a terminal payment it is a pure
// read with no side effects. A transient gateway error is never surfaced as a
// payment failure: the caller gets the current stored status.
func (s *Service) Verify(ctx context.Context, sc scope.Scope, transactionID string) (*models.Payment, error) {
	payment, err := s.getByTransactionID(ctx, sc, transactionID)
	if err != nil {
		return nil, err
	}
	if payment.Terminal() {
		return payment, nil
	}

	reference := payment.TransactionID
	if payment.ProviderReference != nil {
		reference = *payment.ProviderReference
	}

	gctx, cancel := context.WithTimeout(ctx, gatewayTimeout)
	defer cancel()
	res, err := s.gateway.Verify(gctx, reference)
	if err != nil {
		s.logger.Warn("gateway verify failed",
			"transaction_id", payment.TransactionID, "error", err)
		s.maybeTimeOut(ctx, payment)
		return s.getByTransactionID(ctx, sc, transactionID)
	}

	if res.Success {
		return s.complete(ctx, payment, res.ProviderResponse)
	}

	s.maybeTimeOut(ctx, payment)
	return s.getByTransactionID(ctx, sc, transactionID)
}

// HandleCallback processes a gateway push notification. Every payload is
// persisted to callback_logs regardless of outcome. The same CAS rule as
// Verify applies, which is what makes the webhook and poll paths safe to
// race: whichever wins the status update performs settlement, the other
// observes a terminal state.
func (s *Service) HandleCallback(ctx context.Context, body []byte) (*CallbackOutcome, error) {
	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: invalid json", ErrMalformedCallback)
	}

	if err := VerifySignature(body, s.webhookSecret); err != nil {
		s.logger.Warn("callback rejected: bad signature")
		return nil, err
	}

	reference, ok := ExtractReference(payload)
	if !ok {
		return nil, ErrMalformedCallback
	}
	rawStatus, mapped := ExtractStatus(payload)

	payment, err := s.lookupByReference(ctx, reference)
	if err != nil {
		if errors.Is(err, ErrPaymentNotFound) {
			s.logCallback(ctx, nil, reference, rawStatus, models.CallbackOutcomeNotFound, body)
		}
		return nil, err
	}

	switch mapped {
	case models.PaymentStatusCompleted:
		payment, err = s.complete(ctx, payment, string(body))
		if err != nil {
			return nil, err
		}
		s.logCallback(ctx, &payment.ID, reference, rawStatus, models.CallbackOutcomeCompleted, body)
		return &CallbackOutcome{Outcome: models.CallbackOutcomeCompleted, Payment: payment}, nil

	case models.PaymentStatusFailed:
		payment, err = s.fail(ctx, payment, "gateway reported "+rawStatus)
		if err != nil {
			return nil, err
		}
		s.logCallback(ctx, &payment.ID, reference, rawStatus, models.CallbackOutcomeFailed, body)
		return &CallbackOutcome{Outcome: models.CallbackOutcomeFailed, Payment: payment}, nil

	case models.PaymentStatusPending:
		s.logCallback(ctx, &payment.ID, reference, rawStatus, models.CallbackOutcomeIgnored, body)
		return &CallbackOutcome{Outcome: models.CallbackOutcomeIgnored, Payment: payment}, nil

	default:
		// Unknown vocabulary: no state change, but the payload stays on
		// record and the anomaly is logged loudly.
		s.logger.Warn("callback carried unknown status",
			"reference", reference, "raw_status", rawStatus)
		s.logCallback(ctx, &payment.ID, reference, rawStatus, models.CallbackOutcomeUnknownStatus, body)
		return &CallbackOutcome{Outcome: models.CallbackOutcomeUnknownStatus, Payment: payment}, nil
	}
}

// complete applies the pending -> completed CAS. The winner stamps paid_at
// and triggers settlement; a loser reloads and returns the terminal row.
func (s *Service) complete(ctx context.Context, payment *models.Payment, gatewayResponse string) (*models.Payment, error) {
	now := s.now()
	res := s.db.WithContext(ctx).Model(&models.Payment{}).
		Where("id = ? AND status = ?", payment.ID, models.PaymentStatusPending).
		Updates(map[string]interface{}{
			"status":           models.PaymentStatusCompleted,
			"paid_at":          now,
			"gateway_response": gatewayResponse,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("complete payment: %w", res.Error)
	}

	var fresh models.Payment
	if err := s.db.WithContext(ctx).First(&fresh, payment.ID).Error; err != nil {
		return nil, fmt.Errorf("reload payment: %w", err)
	}

	if res.RowsAffected == 1 {
		s.logger.Info("payment completed",
			"transaction_id", fresh.TransactionID, "amount", fresh.Amount)
		if _, err := s.settler.Settle(ctx, &fresh); err != nil {
			// Settlement stays re-invocable; the retry sweep picks it up.
			s.logger.Error("settlement failed, will retry",
				"transaction_id", fresh.TransactionID, "error", err)
		}
	}
	return &fresh, nil
}

// fail applies the pending -> failed CAS. Already-terminal payments are left
// untouched (a late failure callback must not flip a completed payment).
func (s *Service) fail(ctx context.Context, payment *models.Payment, reason string) (*models.Payment, error) {
	now := s.now()
	res := s.db.WithContext(ctx).Model(&models.Payment{}).
		Where("id = ? AND status = ?", payment.ID, models.PaymentStatusPending).
		Updates(map[string]interface{}{
			"status":         models.PaymentStatusFailed,
			"failed_at":      now,
			"failure_reason": reason,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("fail payment: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		s.logger.Info("payment failed",
			"transaction_id", payment.TransactionID, "reason", reason)
	}

	var fresh models.Payment
	if err := s.db.WithContext(ctx).First(&fresh, payment.ID).Error; err != nil {
		return nil, fmt.Errorf("reload payment: %w", err)
	}
	return &fresh, nil
}

// maybeTimeOut fails a payment that has been pending past the verification
// age threshold. Younger payments stay pending so a slow gateway can still
// confirm them.
func (s *Service) maybeTimeOut(ctx context.Context, payment *models.Payment) {
	if payment.Status != models.PaymentStatusPending {
		return
	}
	if s.now().Sub(payment.CreatedAt) < verifyFailureAge {
		return
	}
	if _, err := s.fail(ctx, payment, "verification timeout"); err != nil {
		s.logger.Error("failed to time out payment",
			"transaction_id", payment.TransactionID, "error", err)
	}
}

func (s *Service) getByTransactionID(ctx context.Context, sc scope.Scope, transactionID string) (*models.Payment, error) {
	var payment models.Payment
	err := sc.Apply(s.db.WithContext(ctx)).
		Where("transaction_id = ?", transactionID).
		First(&payment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load payment: %w", err)
	}
	return &payment, nil
}

// lookupByReference resolves a callback reference. Callbacks are not
// authenticated per tenant, so the lookup is global: first by the gateway's
// provider reference, falling back to our own transaction id.
func (s *Service) lookupByReference(ctx context.Context, reference string) (*models.Payment, error) {
	var payment models.Payment
	err := s.db.WithContext(ctx).Where("provider_reference = ?", reference).First(&payment).Error
	if err == nil {
		return &payment, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("load payment: %w", err)
	}

	err = s.db.WithContext(ctx).Where("transaction_id = ?", reference).First(&payment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load payment: %w", err)
	}
	return &payment, nil
}

// setProviderReference records the gateway's opaque id, at most once. The
// IS NULL guard keeps a second initiation response from overwriting it.
func (s *Service) setProviderReference(ctx context.Context, payment *models.Payment, reference string) {
	res := s.db.WithContext(ctx).Model(&models.Payment{}).
		Where("id = ? AND provider_reference IS NULL", payment.ID).
		Update("provider_reference", reference)
	if res.Error != nil {
		s.logger.Error("failed to store provider reference",
			"transaction_id", payment.TransactionID, "error", res.Error)
		return
	}
	if res.RowsAffected == 1 {
		payment.ProviderReference = &reference
	}
}

func (s *Service) logCallback(ctx context.Context, paymentID *uint, reference, rawStatus, outcome string, body []byte) {
	log := models.CallbackLog{
		PaymentID: paymentID,
		Reference: reference,
		RawStatus: rawStatus,
		Outcome:   outcome,
		Payload:   string(body),
	}
	if err := s.db.WithContext(ctx).Create(&log).Error; err != nil {
		s.logger.Error("failed to write callback log", "reference", reference, "error", err)
	}
}
