package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/Stepwise/internal/domain"
	"github.com/shaiso/Stepwise/internal/telemetry"
)

// MessageType — тип сообщения в очереди.
type MessageType string

// MessageTypeStepDispatched — шаг переведён в DISPATCHED.
const MessageTypeStepDispatched MessageType = "step.dispatched"

// DefaultPublishTimeout ограничивает одну публикацию, чтобы тик
// диспетчера не зависал на заблокированном брокере.
const DefaultPublishTimeout = 5 * time.Second

// Message — конверт всех сообщений Stepwise.
type Message struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	Payload   any         `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// StepDispatchedPayload — шаг ждёт воркера. Сообщение только сигнал:
// воркер всё равно перечитывает шаг из БД и захватывает его через CAS.
type StepDispatchedPayload struct {
	StepID   int64     `json:"step_id"`
	UUID     uuid.UUID `json:"uuid"`
	JobClass string    `json:"job_class"`
	Group    string    `json:"group"`
	Queue    string    `json:"queue"`
}

// NewStepDispatchedMessage собирает сообщение о DISPATCHED-шаге.
func NewStepDispatchedMessage(step *domain.Step) *Message {
	return &Message{
		ID:   uuid.NewString(),
		Type: MessageTypeStepDispatched,
		Payload: StepDispatchedPayload{
			StepID:   step.ID,
			UUID:     step.UUID,
			JobClass: step.JobClass,
			Group:    step.Group,
			Queue:    step.QueueName(),
		},
		Timestamp: time.Now().UTC(),
	}
}

// Publisher публикует DISPATCHED-шаги в exchange шагов.
type Publisher struct {
	conn    *Connection
	timeout time.Duration
	logger  *slog.Logger
}

// NewPublisher создаёт Publisher поверх conn.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{conn: conn, timeout: DefaultPublishTimeout, logger: logger}
}

// PublishStepDispatched отправляет шаг в очередь steps.<queue>.
func (p *Publisher) PublishStepDispatched(ctx context.Context, step *domain.Step) error {
	queue := step.QueueName()
	err := p.publish(ctx, ExchangeSteps, StepRoutingKey(queue), NewStepDispatchedMessage(step))

	result := "ok"
	if err != nil {
		result = "error"
	}
	telemetry.MQPublished.WithLabelValues(queue, result).Inc()
	return err
}

func (p *Publisher) publish(ctx context.Context, exchange Exchange, key RoutingKey, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		pub := amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    msg.ID,
			Timestamp:    msg.Timestamp,
			Type:         string(msg.Type),
			Body:         body,
		}
		if err := ch.PublishWithContext(ctx, string(exchange), string(key), false, false, pub); err != nil {
			return fmt.Errorf("publish to %s/%s: %w", exchange, key, err)
		}
		p.logger.Debug("published", "routing_key", key, "message_id", msg.ID, "type", msg.Type)
		return nil
	})
}
