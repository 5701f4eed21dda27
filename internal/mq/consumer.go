package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/Stepwise/internal/telemetry"
)

// Handler обрабатывает одну доставку. nil → ack; ошибка → nack
// (см. Disposition).
type Handler func(ctx context.Context, msg *Delivery) error

// Delivery — разобранное сообщение вместе с сырой AMQP-доставкой.
type Delivery struct {
	Message Message
	Raw     amqp.Delivery
}

// Ack подтверждает доставку.
func (d *Delivery) Ack() error {
	return d.Raw.Ack(false)
}

// Nack отклоняет доставку: requeue=false отправляет её в DLQ.
func (d *Delivery) Nack(requeue bool) error {
	return d.Raw.Nack(false, requeue)
}

// Disposition — что консьюмер делает с доставкой после обработчика.
type Disposition string

const (
	DispositionAck        Disposition = "ack"
	DispositionRequeue    Disposition = "requeue"
	DispositionDeadLetter Disposition = "dead_letter"
	DispositionMalformed  Disposition = "malformed"
)

// Decide выбирает исход по ошибке обработчика. Ошибка на первой доставке
// возвращает сообщение в очередь один раз; на повторной — в DLQ. Сам шаг
// от этого не теряется: он остаётся DISPATCHED и его подберёт polling.
func Decide(handlerErr error, redelivered bool) Disposition {
	switch {
	case handlerErr == nil:
		return DispositionAck
	case redelivered:
		return DispositionDeadLetter
	default:
		return DispositionRequeue
	}
}

// ConsumerConfig — конфигурация Consumer.
type ConsumerConfig struct {
	Queue   string
	Handler Handler

	// Prefetch — неподтверждённых доставок на канал (default: 1).
	Prefetch int

	// Tag — consumer tag в RabbitMQ; пусто — сгенерирует брокер.
	Tag string

	// HandleTimeout ограничивает один вызов Handler (default: без ограничения).
	HandleTimeout time.Duration
}

// Consumer читает очередь шагов и переподписывается после реконнекта.
type Consumer struct {
	conn   *Connection
	logger *slog.Logger
	cfg    ConsumerConfig

	cancelFunc context.CancelFunc
}

// NewConsumer создаёт Consumer.
func NewConsumer(conn *Connection, logger *slog.Logger, cfg ConsumerConfig) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	return &Consumer{
		conn:   conn,
		logger: logger.With("queue", cfg.Queue),
		cfg:    cfg,
	}
}

// resubscribeInterval — повтор подписки, если переподключения не было.
const resubscribeInterval = 30 * time.Second

// Start блокируется, пока ctx не отменён или не вызван Stop.
func (c *Consumer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancelFunc = cancel

	for {
		deliveries, err := c.subscribe()
		if err != nil {
			c.logger.Error("failed to subscribe", "error", err)
		} else {
			c.logger.Info("consumer subscribed", "prefetch", c.cfg.Prefetch)
			c.drain(ctx, deliveries)
			if ctx.Err() == nil {
				c.logger.Warn("deliveries channel closed, waiting for reconnect")
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.conn.Reconnected():
			c.logger.Info("reconnected, resubscribing")
		case <-time.After(resubscribeInterval):
			// Подписка могла упасть без разрыва соединения (например, нет очереди).
		}
	}
}

// Stop отменяет подписку.
func (c *Consumer) Stop() {
	if c.cancelFunc != nil {
		c.cancelFunc()
	}
}

func (c *Consumer) subscribe() (<-chan amqp.Delivery, error) {
	ch := c.conn.Channel()
	if ch == nil {
		return nil, ErrNoChannel
	}
	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("set qos: %w", err)
	}
	// autoAck=false: ack только после того, как исход шага сохранён.
	deliveries, err := ch.Consume(c.cfg.Queue, c.cfg.Tag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", c.cfg.Queue, err)
	}
	return deliveries, nil
}

// drain обрабатывает доставки, пока канал открыт и ctx жив.
func (c *Consumer) drain(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-deliveries:
			if !ok {
				return
			}
			c.handle(ctx, raw)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, raw amqp.Delivery) {
	var msg Message
	if err := json.Unmarshal(raw.Body, &msg); err != nil {
		c.logger.Error("malformed message, dead-lettering", "error", err, "body", string(raw.Body))
		c.settle(raw, DispositionMalformed)
		return
	}

	if c.cfg.HandleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.HandleTimeout)
		defer cancel()
	}

	err := c.cfg.Handler(ctx, &Delivery{Message: msg, Raw: raw})
	disp := Decide(err, raw.Redelivered)
	if err != nil {
		level := slog.LevelWarn
		if disp == DispositionDeadLetter || errors.Is(err, context.DeadlineExceeded) {
			level = slog.LevelError
		}
		c.logger.Log(ctx, level, "step message handler failed",
			"message_id", msg.ID,
			"type", msg.Type,
			"disposition", disp,
			"error", err,
		)
	}
	c.settle(raw, disp)
}

func (c *Consumer) settle(raw amqp.Delivery, disp Disposition) {
	var err error
	switch disp {
	case DispositionAck:
		err = raw.Ack(false)
	case DispositionRequeue:
		err = raw.Nack(false, true)
	default:
		err = raw.Nack(false, false)
	}
	if err != nil {
		c.logger.Warn("failed to settle delivery", "disposition", disp, "error", err)
	}
	telemetry.MQDeliveries.WithLabelValues(c.cfg.Queue, string(disp)).Inc()
}

// ParsePayload декодирует Payload сообщения в T.
func ParsePayload[T any](msg *Message) (T, error) {
	var result T
	raw, err := json.Marshal(msg.Payload)
	if err != nil {
		return result, fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return result, fmt.Errorf("unmarshal payload: %w", err)
	}
	return result, nil
}
