package kafka

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Handler returns nil only when the message is fully processed and its
// offset may be committed. Wrap an error with backoff.Permanent when a retry
// cannot help.
type Handler func(ctx context.Context, m kafka.Message) error

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer feeds a group reader into a worker pool. Each partition is owned
// by exactly one worker, so messages of one key are handled in order.
type Consumer struct {
	r       messageReader
	workers int
	log     *zap.Logger
	backoff func() backoff.BackOff
}

func NewConsumer(brokers []string, group string, topics []string, workers int, log *zap.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        group,
		GroupTopics:    topics,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // commit synchronously after each handled message
	})
	if log == nil {
		log = zap.NewNop()
	}
	return newConsumer(r, workers, log.With(zap.String("group", group), zap.Strings("topics", topics)))
}

func newConsumer(r messageReader, workers int, log *zap.Logger) *Consumer {
	if workers <= 0 {
		workers = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Consumer{r: r, workers: workers, log: log, backoff: defaultBackOff}
}

// defaultBackOff retries a failing message for roughly half a minute.
func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, 8)
}

// Start dispatches messages to the worker pool until ctx is done. It returns
// nil on shutdown and the fetch error otherwise.
func (c *Consumer) Start(ctx context.Context, h Handler) error {
	defer c.r.Close()

	jobs := make([]chan kafka.Message, c.workers)
	var wg sync.WaitGroup
	for i := range jobs {
		jobs[i] = make(chan kafka.Message, 128)
		wg.Add(1)
		go func(id int, in <-chan kafka.Message) {
			defer wg.Done()
			for m := range in {
				c.handle(ctx, id, h, m)
			}
		}(i, jobs[i])
	}
	defer wg.Wait()
	defer func() {
		for _, ch := range jobs {
			close(ch)
		}
	}()

	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case jobs[m.Partition%c.workers] <- m:
		case <-ctx.Done():
			return nil
		}
	}
}

// handle retries h in place; the reader never hands a fetched message out
// again, so moving on without success would lose it. A message that keeps
// failing is logged and committed so the partition is not blocked forever.
func (c *Consumer) handle(ctx context.Context, worker int, h Handler, m kafka.Message) {
	if ctx.Err() != nil {
		return
	}
	fields := []zap.Field{
		zap.Int("worker", worker),
		zap.String("topic", m.Topic),
		zap.Int("partition", m.Partition),
		zap.Int64("offset", m.Offset),
	}

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		return h(ctx, m)
	}, backoff.WithContext(c.backoff(), ctx), func(err error, wait time.Duration) {
		c.log.Warn("handler failed, retrying", append(fields, zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))...)
	})
	if err != nil {
		if ctx.Err() != nil {
			// shutting down; leave the offset for the next group member
			return
		}
		c.log.Error("handler gave up, skipping message", append(fields, zap.Int("attempts", attempt), zap.Error(err))...)
	}
	if err := c.r.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
		c.log.Error("commit failed", append(fields, zap.Error(err))...)
	}
}
