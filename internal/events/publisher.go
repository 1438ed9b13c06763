// README: Outbound events: pending-payout wake-ups for the transfer worker and refund instructions.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"farmdrop/internal/modules/delivery"
	"farmdrop/internal/modules/dispute"
	"farmdrop/internal/types"
)

const (
	TopicPayoutPending   = "payout-pending"
	TopicRefundRequested = "refund-requested"
)

// Writer is the part of *kafka.Writer the publisher uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type PayoutPendingEvent struct {
	PayoutID      types.ID               `json:"payout_id"`
	RecipientID   types.ID               `json:"recipient_id"`
	RecipientType delivery.RecipientType `json:"recipient_type"`
	OrderID       *types.ID              `json:"order_id,omitempty"`
	BatchID       *types.ID              `json:"batch_id,omitempty"`
	Amount        types.Money            `json:"amount"`
	OccurredAt    time.Time              `json:"occurred_at"`
}

type RefundRequestedEvent struct {
	dispute.RefundInstruction
	RefundRef  string    `json:"refund_ref"`
	OccurredAt time.Time `json:"occurred_at"`
}

// RefundRef is the reference recorded on a dispute once its refund instruction has
// been accepted. It derives from the idempotency key so re-sends share it.
func RefundRef(idempotencyKey string) string {
	return "refund-" + idempotencyKey
}

type KafkaPublisher struct {
	w           Writer
	payoutTopic string
	refundTopic string
	log         *slog.Logger
	now         func() time.Time
}

func NewKafkaPublisher(w Writer, payoutTopic, refundTopic string, logger *slog.Logger) *KafkaPublisher {
	if payoutTopic == "" {
		payoutTopic = TopicPayoutPending
	}
	if refundTopic == "" {
		refundTopic = TopicRefundRequested
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaPublisher{
		w:           w,
		payoutTopic: payoutTopic,
		refundTopic: refundTopic,
		log:         logger.With("component", "events"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// PayoutsPending writes one message per payout keyed by payout id.
func (p *KafkaPublisher) PayoutsPending(ctx context.Context, payouts []delivery.Payout) error {
	if len(payouts) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(payouts))
	now := p.now()
	for _, po := range payouts {
		body, err := json.Marshal(payoutEvent(po, now))
		if err != nil {
			return err
		}
		msgs = append(msgs, kafka.Message{Topic: p.payoutTopic, Key: []byte(po.ID), Value: body, Time: now})
	}
	if err := p.w.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish %d pending payouts: %w", len(msgs), err)
	}
	p.log.Debug("pending payouts published", "count", len(msgs), "topic", p.payoutTopic)
	return nil
}

// IssueRefund hands the refund instruction to the payment collaborator through the
// refund topic, keyed by the idempotency key.
func (p *KafkaPublisher) IssueRefund(ctx context.Context, in dispute.RefundInstruction) (string, error) {
	now := p.now()
	ref := RefundRef(in.IdempotencyKey)
	body, err := json.Marshal(RefundRequestedEvent{RefundInstruction: in, RefundRef: ref, OccurredAt: now})
	if err != nil {
		return "", err
	}
	msg := kafka.Message{
		Topic: p.refundTopic,
		Key:   []byte(in.IdempotencyKey),
		Value: body,
		Time:  now,
		Headers: []kafka.Header{
			{Key: "idempotency-key", Value: []byte(in.IdempotencyKey)},
		},
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return "", fmt.Errorf("publish refund for dispute %s: %w", in.DisputeID, err)
	}
	p.log.Info("refund instruction published", "dispute_id", in.DisputeID, "refund_ref", ref)
	return ref, nil
}

// LogPublisher stands in for Kafka when no brokers are configured.
type LogPublisher struct {
	log *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{log: logger.With("component", "events")}
}

func (p *LogPublisher) PayoutsPending(_ context.Context, payouts []delivery.Payout) error {
	for _, po := range payouts {
		p.log.Info("payout pending", "payout_id", po.ID, "recipient_id", po.RecipientID,
			"recipient_type", po.RecipientType, "amount", po.Amount.Amount)
	}
	return nil
}

func (p *LogPublisher) IssueRefund(_ context.Context, in dispute.RefundInstruction) (string, error) {
	ref := RefundRef(in.IdempotencyKey)
	p.log.Info("refund requested", "dispute_id", in.DisputeID, "order_id", in.OrderID,
		"amount", in.Amount.Amount, "refund_ref", ref)
	return ref, nil
}

func payoutEvent(p delivery.Payout, at time.Time) PayoutPendingEvent {
	return PayoutPendingEvent{
		PayoutID:      p.ID,
		RecipientID:   p.RecipientID,
		RecipientType: p.RecipientType,
		OrderID:       p.OrderID,
		BatchID:       p.BatchID,
		Amount:        p.Amount,
		OccurredAt:    at,
	}
}

var (
	_ delivery.PayoutNotifier = (*KafkaPublisher)(nil)
	_ dispute.RefundIssuer    = (*KafkaPublisher)(nil)
	_ delivery.PayoutNotifier = (*LogPublisher)(nil)
	_ dispute.RefundIssuer    = (*LogPublisher)(nil)
)
