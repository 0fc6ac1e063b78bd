package checkout

import (
	"context"
	"errors"
	"strings"
	"time"

	kafkax "github.com/ariefcatur/storefront-checkout/internal/kafka"
	"github.com/ariefcatur/storefront-checkout/internal/orders"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const maxIdempotencyKeyLen = 128

// Cache is the read-side shortcut for replays and status lookups.
// The store stays the source of truth; cache failures are never fatal.
type Cache interface {
	LookupOrder(ctx context.Context, userID, key string) (orderID string, ok bool, err error)
	RememberOrder(ctx context.Context, userID, key, orderID string) error
	PutStatus(ctx context.Context, s orders.StatusSnapshot) error
	GetStatus(ctx context.Context, orderID string) (orders.StatusSnapshot, bool, error)
}

type Publisher interface {
	Publish(key, value []byte, headers ...kafkago.Header) error
}

// Events holds one publisher per topic.
type Events struct {
	Placed        Publisher
	StatusChanged Publisher
}

type Options struct {
	MaxRetries  int
	RetryBase   time.Duration
	Timeout     time.Duration
	ServiceName string
}

type PlaceOrderInput struct {
	UserID         string
	Shipping       orders.ShippingInfo
	Contact        orders.ContactInfo
	Note           string
	IdempotencyKey string
}

type PlaceOrderResult struct {
	Order *orders.Order
	// Replayed is true when the idempotency key matched an earlier order.
	Replayed bool
}

type Service struct {
	store   orders.Store
	coord   *Coordinator
	cache   Cache
	events  Events
	metrics *Metrics
	log     *zap.Logger
	tracer  trace.Tracer
	opts    Options
}

// NewService wires the placement service. cache, events and metrics may be
// zero values; the service then runs without them.
func NewService(store orders.Store, cache Cache, events Events, metrics *Metrics, log *zap.Logger, opts Options) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 25 * time.Millisecond
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "checkout-api"
	}
	return &Service{
		store:   store,
		coord:   NewCoordinator(store, log.Named("coordinator")),
		cache:   cache,
		events:  events,
		metrics: metrics,
		log:     log,
		tracer:  otel.Tracer("github.com/ariefcatur/storefront-checkout/internal/checkout"),
		opts:    opts,
	}
}

// PlaceOrder converts the user's cart into an order. Stock, order and cart
// change together or not at all.
func (s *Service) PlaceOrder(ctx context.Context, in PlaceOrderInput) (res *PlaceOrderResult, err error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "checkout.PlaceOrder",
		trace.WithAttributes(attribute.String("user.id", in.UserID)))
	defer func() {
		outcome := outcomeOf(res, err)
		s.metrics.placements.WithLabelValues(outcome).Inc()
		s.metrics.duration.Observe(time.Since(start).Seconds())
		span.SetAttributes(attribute.String("checkout.outcome", outcome))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
		} else {
			span.SetAttributes(attribute.String("order.id", res.Order.ID))
		}
		span.End()
		s.logOutcome(in, res, err)
	}()

	if err := checkInput(in); err != nil {
		return nil, err
	}

	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}

	if in.IdempotencyKey != "" {
		if o, ok := s.replay(ctx, in.UserID, in.IdempotencyKey); ok {
			return &PlaceOrderResult{Order: o, Replayed: true}, nil
		}
	}

	attempt := Attempt{
		UserID:         in.UserID,
		Shipping:       in.Shipping,
		Contact:        in.Contact,
		Note:           in.Note,
		IdempotencyKey: in.IdempotencyKey,
	}
	placed, err := s.commitWithRetry(ctx, attempt)
	if errors.Is(err, orders.ErrDuplicateKey) {
		// a concurrent request with the same key committed first
		o, ferr := s.store.FindByIdempotencyKey(ctx, in.UserID, in.IdempotencyKey)
		if ferr != nil {
			return nil, orders.Persistence("replay lookup", ferr)
		}
		s.afterCommit(ctx, o, false)
		return &PlaceOrderResult{Order: o, Replayed: true}, nil
	}
	if errors.Is(err, orders.ErrEmptyCart) && in.IdempotencyKey != "" {
		// the same-key winner held the cart lock and cleared it
		if o, ok := s.replay(ctx, in.UserID, in.IdempotencyKey); ok {
			return &PlaceOrderResult{Order: o, Replayed: true}, nil
		}
	}
	if err != nil {
		return nil, orders.Persistence("place order", err)
	}

	s.afterCommit(ctx, placed, true)
	return &PlaceOrderResult{Order: placed}, nil
}

func (s *Service) commitWithRetry(ctx context.Context, a Attempt) (*orders.Order, error) {
	var placed *orders.Order
	op := func() error {
		o, err := s.coord.Commit(ctx, a)
		if err == nil {
			placed = o
			return nil
		}
		if errors.Is(err, orders.ErrConflict) {
			return err
		}
		return backoff.Permanent(err)
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = s.opts.RetryBase
	expo.MaxInterval = 20 * s.opts.RetryBase
	expo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(s.opts.MaxRetries)), ctx)

	attempt := 0
	err := backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		attempt++
		s.metrics.retries.Inc()
		s.log.Warn("checkout conflict, retrying",
			zap.String("user_id", a.UserID),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	})
	if err != nil {
		return nil, err
	}
	return placed, nil
}

// replay returns the order already placed under (userID, key), if any.
func (s *Service) replay(ctx context.Context, userID, key string) (*orders.Order, bool) {
	if s.cache != nil {
		id, ok, err := s.cache.LookupOrder(ctx, userID, key)
		if err != nil {
			s.log.Warn("idempotency cache lookup failed", zap.Error(err))
		}
		if ok {
			o, err := s.store.GetOrder(ctx, id)
			if err == nil && o.UserID == userID {
				return o, true
			}
		}
	}
	o, err := s.store.FindByIdempotencyKey(ctx, userID, key)
	if err != nil {
		if !errors.Is(err, orders.ErrOrderNotFound) {
			s.log.Warn("idempotency lookup failed", zap.String("user_id", userID), zap.Error(err))
		}
		return nil, false
	}
	return o, true
}

// afterCommit refreshes caches and publishes order.placed. Nothing here can
// change the outcome of a committed placement.
func (s *Service) afterCommit(ctx context.Context, o *orders.Order, publish bool) {
	ctx = context.WithoutCancel(ctx)
	if s.cache != nil {
		if o.IdempotencyKey != "" {
			if err := s.cache.RememberOrder(ctx, o.UserID, o.IdempotencyKey, o.ID); err != nil {
				s.log.Warn("remember idempotency key", zap.String("order_id", o.ID), zap.Error(err))
			}
		}
		if err := s.cache.PutStatus(ctx, orders.StatusSnapshot{OrderID: o.ID, UserID: o.UserID, Status: o.Status, UpdatedAt: o.UpdatedAt}); err != nil {
			s.log.Warn("cache order status", zap.String("order_id", o.ID), zap.Error(err))
		}
	}
	if publish {
		s.publish(ctx, s.events.Placed, orders.TopicOrderPlaced, orders.EventOrderPlaced, o.ID, orders.NewOrderPlacedPayload(o))
	}
}

func (s *Service) publish(ctx context.Context, p Publisher, topic, eventType, orderID string, payload any) {
	if p == nil {
		return
	}
	ev := orders.Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      s.opts.ServiceName,
		CorrelationID: orderID,
		Payload:       kafkax.MustMarshal(payload),
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		ev.TraceID = sc.TraceID().String()
	}
	err := p.Publish(orders.PartitionKey(orderID), kafkax.MustMarshal(ev), kafkax.EnvelopeHeaders(eventType, 1)...)
	if err != nil {
		s.metrics.published.WithLabelValues(topic, "dropped").Inc()
		s.log.Warn("publish event", zap.String("topic", topic), zap.String("order_id", orderID), zap.Error(err))
		return
	}
	s.metrics.published.WithLabelValues(topic, "queued").Inc()
}

func (s *Service) GetOrder(ctx context.Context, orderID string) (*orders.Order, error) {
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, orders.Persistence("get order", err)
	}
	return o, nil
}

// OrderStatus serves the cached status and falls back to the store.
func (s *Service) OrderStatus(ctx context.Context, orderID string) (orders.StatusSnapshot, error) {
	if s.cache != nil {
		snap, ok, err := s.cache.GetStatus(ctx, orderID)
		if err != nil {
			s.log.Warn("status cache read", zap.String("order_id", orderID), zap.Error(err))
		}
		if ok {
			return snap, nil
		}
	}
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return orders.StatusSnapshot{}, orders.Persistence("order status", err)
	}
	snap := orders.StatusSnapshot{OrderID: o.ID, UserID: o.UserID, Status: o.Status, UpdatedAt: o.UpdatedAt}
	if s.cache != nil {
		if err := s.cache.PutStatus(ctx, snap); err != nil {
			s.log.Warn("cache order status", zap.String("order_id", o.ID), zap.Error(err))
		}
	}
	return snap, nil
}

// TransitionStatus moves an order along the status machine, records the
// history row and announces the change.
func (s *Service) TransitionStatus(ctx context.Context, orderID string, to orders.Status, note string) (*orders.Order, error) {
	if !to.Valid() {
		return nil, &orders.ValidationError{Field: "status", Reason: "is not a known order status"}
	}
	o, err := s.store.TransitionStatus(ctx, orderID, to, note)
	if err != nil {
		return nil, orders.Persistence("transition status", err)
	}

	var from orders.Status
	if n := len(o.History); n >= 2 {
		from = o.History[n-2].Status
	}
	ctx = context.WithoutCancel(ctx)
	if s.cache != nil {
		if err := s.cache.PutStatus(ctx, orders.StatusSnapshot{OrderID: o.ID, UserID: o.UserID, Status: o.Status, UpdatedAt: o.UpdatedAt}); err != nil {
			s.log.Warn("cache order status", zap.String("order_id", o.ID), zap.Error(err))
		}
	}
	s.publish(ctx, s.events.StatusChanged, orders.TopicOrderStatusChanged, orders.EventOrderStatusChanged, o.ID,
		orders.OrderStatusChangedPayload{OrderID: o.ID, UserID: o.UserID, From: from, Status: o.Status, Note: note, ChangedAt: o.UpdatedAt})
	s.log.Info("order status changed",
		zap.String("order_id", o.ID),
		zap.String("from", string(from)),
		zap.String("to", string(o.Status)),
	)
	return o, nil
}

func checkInput(in PlaceOrderInput) error {
	if strings.TrimSpace(in.UserID) == "" {
		return &orders.ValidationError{Field: "user_id", Reason: "is required"}
	}
	if len(in.IdempotencyKey) > maxIdempotencyKeyLen {
		return &orders.ValidationError{Field: "idempotency_key", Reason: "is too long"}
	}
	if err := orders.CheckShipping(in.Shipping); err != nil {
		return err
	}
	return orders.CheckContact(in.Contact)
}

func outcomeOf(res *PlaceOrderResult, err error) string {
	switch {
	case err == nil && res.Replayed:
		return outcomeReplayed
	case err == nil:
		return outcomeCommitted
	case errors.Is(err, orders.ErrValidation):
		return outcomeValidation
	case errors.Is(err, orders.ErrEmptyCart):
		return outcomeEmptyCart
	case errors.Is(err, orders.ErrOutOfStock):
		return outcomeOutOfStock
	case errors.Is(err, orders.ErrConflict):
		return outcomeConflict
	default:
		return outcomePersistence
	}
}

func (s *Service) logOutcome(in PlaceOrderInput, res *PlaceOrderResult, err error) {
	switch {
	case err == nil:
		s.log.Info("order placed",
			zap.String("user_id", in.UserID),
			zap.String("order_id", res.Order.ID),
			zap.String("total", res.Order.Total.StringFixed(2)),
			zap.Bool("replayed", res.Replayed),
		)
	case errors.Is(err, orders.ErrPersistence):
		s.log.Error("place order failed", zap.String("user_id", in.UserID), zap.Error(err))
	case errors.Is(err, orders.ErrConflict):
		s.log.Warn("place order gave up after conflicts", zap.String("user_id", in.UserID), zap.Error(err))
	default:
		s.log.Info("place order rejected", zap.String("user_id", in.UserID), zap.Error(err))
	}
}
