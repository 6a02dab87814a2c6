package consumer

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/unifiedcart/aggregator/internal/pipeline"
	"github.com/unifiedcart/aggregator/internal/rate"
	"github.com/unifiedcart/aggregator/pkg/model"
)

// Consumer pulls raw scraped listings off RabbitMQ and feeds them into
// the pipeline. Scrapers publish either a single listing or an array.
type Consumer struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	pipeline *pipeline.Pipeline
	limiter  *rate.Manager
	queue    string
	logger   *zap.Logger
	done     chan struct{}
}

// New creates a new RabbitMQ consumer.
func New(url, queue string, p *pipeline.Pipeline, limiter *rate.Manager, logger *zap.Logger) (*Consumer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	return &Consumer{
		conn:     conn,
		channel:  channel,
		pipeline: p,
		limiter:  limiter,
		queue:    queue,
		logger:   logger,
		done:     make(chan struct{}),
	}, nil
}

// Start starts consuming messages.
func (c *Consumer) Start(ctx context.Context) error {
	if _, err := c.channel.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", c.queue, err)
	}

	msgs, err := c.channel.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume from %s: %w", c.queue, err)
	}

	c.logger.Info("Started consuming from RabbitMQ",
		zap.String("queue", c.queue),
	)

	go c.consume(ctx, msgs)
	return nil
}

func (c *Consumer) consume(ctx context.Context, msgs <-chan amqp.Delivery) {
	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				c.logger.Warn("Ingest channel closed")
				return
			}

			batch, err := decodeBatch(msg.Body)
			if err != nil {
				c.logger.Error("Failed to unmarshal raw listing payload", zap.Error(err))
				msg.Nack(false, false)
				continue
			}
			if len(batch) == 0 {
				msg.Ack(false)
				continue
			}

			if c.limiter != nil {
				if err := c.limiter.Wait(ctx, batch[0].Platform); err != nil {
					msg.Nack(false, true)
					return
				}
			}

			result := c.pipeline.Process(ctx, batch)
			if result.Failed == result.Total && hasTransient(result) {
				// whole batch bounced off the store; let the broker
				// redeliver once it recovers
				c.logger.Warn("Batch failed on store errors, requeueing",
					zap.Int("total", result.Total),
				)
				msg.Nack(false, true)
				continue
			}

			msg.Ack(false)
		}
	}
}

func hasTransient(result pipeline.BatchResult) bool {
	for _, e := range result.Errors {
		if e.Kind == "store_unavailable" {
			return true
		}
	}
	return false
}

// decodeBatch accepts a single listing object or an array of them.
func decodeBatch(body []byte) ([]model.RawProduct, error) {
	var batch []model.RawProduct
	if err := json.Unmarshal(body, &batch); err == nil {
		return batch, nil
	}
	var one model.RawProduct
	if err := json.Unmarshal(body, &one); err != nil {
		return nil, err
	}
	return []model.RawProduct{one}, nil
}

// Close closes the consumer.
func (c *Consumer) Close() error {
	close(c.done)

	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
