// Package events publishes settlement milestones to Kafka. Publishing is an
// announcement, not a dependency: a nil or failed producer never blocks the
// pipeline.
package events

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/IBM/sarama"

	"github.com/microsoftjulius/billing-sub001/models"
)

const (
	TopicPaymentCompleted = "billing.payment.completed"
	TopicVoucherCreated   = "billing.voucher.created"
)

type Producer struct {
	producer sarama.SyncProducer
	logger   *slog.Logger
}

// NewProducer connects to the broker with a few retries. On failure it
// returns a nil-producer wrapper that drops events, mirroring how Redis
// degrades when unconfigured.
func NewProducer(broker string, logger *slog.Logger) *Producer {
	if broker == "" {
		logger.Warn("KAFKA_BROKER is not set, event publishing is disabled")
		return &Producer{logger: logger}
	}

	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5

	var p sarama.SyncProducer
	var err error
	for i := 1; i <= 3; i++ {
		p, err = sarama.NewSyncProducer([]string{broker}, cfg)
		if err == nil {
			logger.Info("kafka producer connected", "broker", broker)
			return &Producer{producer: p, logger: logger}
		}
		logger.Warn("kafka connect failed", "attempt", i, "error", err)
		time.Sleep(2 * time.Second)
	}
	logger.Error("kafka unavailable, event publishing is disabled", "error", err)
	return &Producer{logger: logger}
}

// PaymentCompleted announces a payment reaching its terminal completed state.
func (p *Producer) PaymentCompleted(payment *models.Payment) {
	p.publish(TopicPaymentCompleted, map[string]interface{}{
		"event_type":     "payment_completed",
		"transaction_id": payment.TransactionID,
		"tenant_id":      payment.TenantID,
		"amount":         payment.Amount,
		"currency":       payment.Currency,
		"paid_at":        payment.PaidAt,
	})
}

// VoucherCreated announces a voucher issued by settlement.
func (p *Producer) VoucherCreated(v *models.Voucher) {
	p.publish(TopicVoucherCreated, map[string]interface{}{
		"event_type": "voucher_created",
		"voucher_id": v.ID,
		"tenant_id":  v.TenantID,
		"code":       v.Code,
		"profile":    v.Profile,
		"payment_id": v.PaymentID,
	})
}

func (p *Producer) publish(topic string, event map[string]interface{}) {
	if p == nil || p.producer == nil {
		return
	}
	raw, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("marshal event failed", "topic", topic, "error", err)
		return
	}
	msg := &sarama.ProducerMessage{Topic: topic, Value: sarama.ByteEncoder(raw)}
	if _, _, err := p.producer.SendMessage(msg); err != nil {
		p.logger.Error("publish event failed", "topic", topic, "error", err)
	}
}

func (p *Producer) Close() {
	if p != nil && p.producer != nil {
		_ = p.producer.Close()
	}
}
