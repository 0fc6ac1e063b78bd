// Package projector keeps the Redis read side in step with the order event
// stream, so status reads and replays work for orders placed by any API
// instance.
package projector

import (
	"context"
	"fmt"

	kafkax "github.com/ariefcatur/storefront-checkout/internal/kafka"
	"github.com/ariefcatur/storefront-checkout/internal/orders"
	"github.com/cenkalti/backoff/v4"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const consumerName = "projector"

type Cache interface {
	RememberOrder(ctx context.Context, userID, key, orderID string) error
	PutStatus(ctx context.Context, s orders.StatusSnapshot) error
	MarkProcessed(ctx context.Context, consumer, eventID string) (bool, error)
	ForgetProcessed(ctx context.Context, consumer, eventID string) error
}

type Service struct {
	Cache Cache
	Log   *zap.Logger
}

func (s *Service) logger() *zap.Logger {
	if s.Log == nil {
		return zap.NewNop()
	}
	return s.Log
}

// Handle is installed as the consumer handler for both order topics.
func (s *Service) Handle(ctx context.Context, m kafkago.Message) error {
	var env orders.Envelope
	if err := kafkax.UnmarshalEnvelope(m.Value, &env); err != nil {
		// a malformed message will never decode; skip it instead of blocking the partition
		s.logger().Error("drop undecodable event", zap.String("topic", m.Topic), zap.Int64("offset", m.Offset), zap.Error(err))
		return nil
	}
	if env.EventType == "" {
		env.EventType = kafkax.Header(m, kafkax.HeaderEventType)
	}
	if env.EventType != orders.EventOrderPlaced && env.EventType != orders.EventOrderStatusChanged {
		return nil
	}

	first, err := s.Cache.MarkProcessed(ctx, consumerName, env.EventID)
	if err != nil {
		return fmt.Errorf("dedup %s: %w", env.EventID, err)
	}
	if !first {
		return nil
	}

	if err := s.apply(ctx, env); err != nil {
		if ferr := s.Cache.ForgetProcessed(context.WithoutCancel(ctx), consumerName, env.EventID); ferr != nil {
			s.logger().Warn("forget dedup marker", zap.String("event_id", env.EventID), zap.Error(ferr))
		}
		return err
	}
	return nil
}

func (s *Service) apply(ctx context.Context, env orders.Envelope) error {
	switch env.EventType {
	case orders.EventOrderPlaced:
		p, err := kafkax.UnwrapPayload[orders.OrderPlacedPayload](env.Payload)
		if err != nil {
			return backoff.Permanent(err)
		}
		if p.IdempotencyKey != "" {
			if err := s.Cache.RememberOrder(ctx, p.UserID, p.IdempotencyKey, p.OrderID); err != nil {
				return err
			}
		}
		if err := s.Cache.PutStatus(ctx, orders.StatusSnapshot{OrderID: p.OrderID, UserID: p.UserID, Status: p.Status, UpdatedAt: p.PlacedAt}); err != nil {
			return err
		}
		s.logger().Debug("projected order placed", zap.String("order_id", p.OrderID), zap.String("event_id", env.EventID))

	case orders.EventOrderStatusChanged:
		p, err := kafkax.UnwrapPayload[orders.OrderStatusChangedPayload](env.Payload)
		if err != nil {
			return backoff.Permanent(err)
		}
		if err := s.Cache.PutStatus(ctx, orders.StatusSnapshot{OrderID: p.OrderID, UserID: p.UserID, Status: p.Status, UpdatedAt: p.ChangedAt}); err != nil {
			return err
		}
		s.logger().Debug("projected status change",
			zap.String("order_id", p.OrderID),
			zap.String("status", string(p.Status)),
			zap.String("event_id", env.EventID),
		)
	}
	return nil
}
