package event

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/promoflow/promoflow/internal/domain"
	apperrors "github.com/promoflow/promoflow/pkg/errors"
	pkgkafka "github.com/promoflow/promoflow/pkg/kafka"
	"github.com/promoflow/promoflow/pkg/logger"
)

// TopicMerchantClosed is published by the merchant service when a store is
// closed for good.
const TopicMerchantClosed = "promoflow.merchant.closed"

// ConsumerGroupID is the consumer group for this service.
const ConsumerGroupID = "promoflow"

// MerchantClosedData is the expected payload of merchant.closed.
type MerchantClosedData struct {
	MerchantID string `json:"merchant_id"`
	Reason     string `json:"reason,omitempty"`
}

// PromotionDeactivator is the orchestrator surface the consumer needs.
type PromotionDeactivator interface {
	DeactivateAll(ctx context.Context, merchantID string) ([]domain.DeactivationResult, error)
}

// Consumer reacts to merchant lifecycle events.
type Consumer struct {
	service PromotionDeactivator
	logger  *slog.Logger
}

// NewConsumer creates a new event consumer.
func NewConsumer(service PromotionDeactivator, logger *slog.Logger) *Consumer {
	return &Consumer{service: service, logger: logger}
}

// HandleMerchantClosed switches off every promotion of the closed merchant.
// An id that can never be valid is dropped rather than retried.
func (c *Consumer) HandleMerchantClosed(ctx context.Context, event *pkgkafka.Event) error {
	var data MerchantClosedData
	if err := event.UnmarshalData(&data); err != nil {
		return fmt.Errorf("unmarshal merchant.closed data: %w", err)
	}
	if data.MerchantID == "" {
		data.MerchantID = event.AggregateID
	}
	if event.CorrelationID != "" {
		ctx = logger.WithCorrelationID(ctx, event.CorrelationID)
	}
	ctx = logger.WithMerchantID(ctx, data.MerchantID)
	log := logger.WithContext(ctx, c.logger).With(slog.String("event_id", event.EventID))

	log.InfoContext(ctx, "processing merchant.closed event", slog.String("reason", data.Reason))

	results, err := c.service.DeactivateAll(ctx, data.MerchantID)
	if errors.Is(err, apperrors.ErrInvalidInput) {
		log.WarnContext(ctx, "dropping merchant.closed event with invalid merchant id")
		return nil
	}
	if err != nil {
		return fmt.Errorf("deactivate promotions for merchant %s: %w", data.MerchantID, err)
	}

	removed := 0
	for _, r := range results {
		if r.RecordRemoved || r.JobDeleted {
			removed++
		}
	}
	log.InfoContext(ctx, "promotions deactivated for closed merchant", slog.Int("deactivated", removed))
	return nil
}

// ConsumerOptions configure the merchant.closed consumer.
type ConsumerOptions struct {
	Brokers        []string
	Redis          redis.UniversalClient
	IdempotencyTTL time.Duration
	MaxRetries     int
}

// NewConsumers wires the Kafka consumers this service subscribes to.
// Redelivered events are skipped through a Redis-backed idempotency store and
// events that keep failing go to the dead letter topic.
func NewConsumers(c *Consumer, opts ConsumerOptions, dlq *pkgkafka.DLQProducer, logger *slog.Logger) []*pkgkafka.Consumer {
	var store pkgkafka.IdempotencyStore
	if opts.Redis != nil {
		store = pkgkafka.NewRedisIdempotencyStore(opts.Redis, "promoflow:events", opts.IdempotencyTTL)
	} else {
		store = pkgkafka.NewMemoryIdempotencyStore(opts.IdempotencyTTL)
	}

	cfg := pkgkafka.ConsumerConfig{
		Brokers:    opts.Brokers,
		GroupID:    ConsumerGroupID,
		Topic:      TopicMerchantClosed,
		MinBytes:   1,
		MaxBytes:   10e6,
		MaxRetries: opts.MaxRetries,
	}
	handler := pkgkafka.IdempotentHandler(store, c.HandleMerchantClosed, logger)

	var consumerOpts []pkgkafka.ConsumerOption
	if dlq != nil {
		consumerOpts = append(consumerOpts, pkgkafka.WithDLQ(dlq))
	}
	return []*pkgkafka.Consumer{pkgkafka.NewConsumer(cfg, handler, logger, consumerOpts...)}
}
