package event

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/promoflow/promoflow/internal/domain"
	pkgkafka "github.com/promoflow/promoflow/pkg/kafka"
	"github.com/promoflow/promoflow/pkg/logger"
)

// Kafka topics for promotion lifecycle events.
var (
	TopicPromotionActivated     = pkgkafka.Topic("promotion", "activated")
	TopicPromotionDeactivated   = pkgkafka.Topic("promotion", "deactivated")
	TopicPromotionDriftDetected = pkgkafka.Topic("promotion", "drift_detected")
)

// AggregateTypePromotion is the aggregate every lifecycle event refers to.
const AggregateTypePromotion = "merchant_promotion"

// SourcePromoflow identifies events produced by this service.
const SourcePromoflow = "promoflow"

// PromotionActivatedData is the payload of promotion.activated.
type PromotionActivatedData struct {
	MerchantID   string `json:"merchant_id"`
	PromotionKey string `json:"promotion_key"`
	DisplayName  string `json:"display_name"`
	JobID        string `json:"job_id"`
	CronSchedule string `json:"cron_schedule"`
}

// PromotionDeactivatedData is the payload of promotion.deactivated.
type PromotionDeactivatedData struct {
	MerchantID    string `json:"merchant_id"`
	PromotionKey  string `json:"promotion_key"`
	JobID         string `json:"job_id"`
	JobDeleted    bool   `json:"job_deleted"`
	RecordRemoved bool   `json:"record_removed"`
}

type publisher interface {
	Publish(ctx context.Context, topic string, event *pkgkafka.Event) error
}

// Producer publishes promotion lifecycle events to Kafka.
type Producer struct {
	kafka  publisher
	logger *slog.Logger
}

// NewProducer creates a new event producer.
func NewProducer(kafka *pkgkafka.Producer, logger *slog.Logger) *Producer {
	return &Producer{kafka: kafka, logger: logger}
}

// PromotionActivated publishes a promotion.activated event.
func (p *Producer) PromotionActivated(ctx context.Context, merchantID string, promo domain.Promotion, jobID string) error {
	data := PromotionActivatedData{
		MerchantID:   merchantID,
		PromotionKey: promo.Key.String(),
		DisplayName:  promo.DisplayName,
		JobID:        jobID,
		CronSchedule: promo.CronSchedule,
	}
	return p.publish(ctx, TopicPromotionActivated, jobID, merchantID, data)
}

// PromotionDeactivated publishes a promotion.deactivated event.
func (p *Producer) PromotionDeactivated(ctx context.Context, res *domain.DeactivationResult) error {
	data := PromotionDeactivatedData{
		MerchantID:    res.MerchantID,
		PromotionKey:  res.PromotionKey.String(),
		JobID:         res.JobID,
		JobDeleted:    res.JobDeleted,
		RecordRemoved: res.RecordRemoved,
	}
	return p.publish(ctx, TopicPromotionDeactivated, res.JobID, res.MerchantID, data)
}

// DriftDetected publishes a promotion.drift_detected event.
func (p *Producer) DriftDetected(ctx context.Context, d domain.Drift) error {
	return p.publish(ctx, TopicPromotionDriftDetected, d.JobID, d.MerchantID, d)
}

func (p *Producer) publish(ctx context.Context, topic, aggregateID, merchantID string, data any) error {
	event, err := pkgkafka.NewEvent(topic, AggregateTypePromotion, aggregateID, SourcePromoflow, data)
	if err != nil {
		return fmt.Errorf("create %s event: %w", topic, err)
	}
	if id := logger.CorrelationIDFromContext(ctx); id != "" {
		event.WithCorrelationID(id)
	}
	if merchantID != "" {
		event.WithMetadata("merchant_id", merchantID)
	}

	if err := p.kafka.Publish(ctx, topic, event); err != nil {
		return fmt.Errorf("publish %s event: %w", topic, err)
	}

	p.logger.DebugContext(ctx, "published event",
		slog.String("topic", topic),
		slog.String("event_id", event.EventID),
		slog.String("aggregate_id", aggregateID),
	)
	return nil
}

// Nop discards every event. It is used when Kafka is disabled.
type Nop struct{}

func (Nop) PromotionActivated(context.Context, string, domain.Promotion, string) error { return nil }

func (Nop) PromotionDeactivated(context.Context, *domain.DeactivationResult) error { return nil }

func (Nop) DriftDetected(context.Context, domain.Drift) error { return nil }
