package mq

import (
	"context"
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — тип для имени обменника.
type Exchange string

// Queue — тип для имени очереди.
type Queue string

// RoutingKey — тип для ключа маршрутизации.
type RoutingKey string

// Exchanges — имена обменников.
const (
	ExchangeSteps Exchange = "stepwise.steps"
	ExchangeDLQ   Exchange = "stepwise.dlq"
)

// Очередь мёртвых сообщений.
const (
	QueueDLQSteps      Queue      = "dlq.steps"
	RoutingKeyDLQSteps RoutingKey = "steps"
)

// StepQueue — очередь шагов с указанной очередью (обычно = группа).
func StepQueue(name string) Queue {
	return Queue("steps." + name)
}

// StepRoutingKey — ключ маршрутизации шагов очереди name.
func StepRoutingKey(name string) RoutingKey {
	return RoutingKey(name)
}

// SetupTopology объявляет обменники, DLQ и очереди шагов для queues.
// Объявление идемпотентно: его вызывают и диспетчер, и воркер при старте.
func SetupTopology(ctx context.Context, conn *Connection, queues []string) error {
	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		if err := declareExchanges(ch); err != nil {
			return err
		}
		if err := declareDLQ(ch); err != nil {
			return err
		}
		for _, q := range queues {
			if err := declareStepQueue(ch, q); err != nil {
				return err
			}
		}
		return nil
	})
}

// declareExchanges создаёт обменники.
func declareExchanges(ch *amqp.Channel) error {
	for _, name := range []Exchange{ExchangeSteps, ExchangeDLQ} {
		err := ch.ExchangeDeclare(
			string(name), // name
			"direct",     // type
			true,         // durable
			false,        // auto-deleted
			false,        // internal
			false,        // no-wait
			nil,          // arguments
		)
		if err != nil {
			return fmt.Errorf("declare exchange %s: %w", name, err)
		}
	}
	return nil
}

func declareDLQ(ch *amqp.Channel) error {
	if _, err := ch.QueueDeclare(string(QueueDLQSteps), true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", QueueDLQSteps, err)
	}
	if err := ch.QueueBind(string(QueueDLQSteps), string(RoutingKeyDLQSteps), string(ExchangeDLQ), false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", QueueDLQSteps, err)
	}
	return nil
}

// declareStepQueue создаёт очередь steps.<name> с DLQ и привязывает её к stepwise.steps.
func declareStepQueue(ch *amqp.Channel, name string) error {
	queue := StepQueue(name)
	args := amqp.Table{
		"x-dead-letter-exchange":    string(ExchangeDLQ),
		"x-dead-letter-routing-key": string(RoutingKeyDLQSteps),
	}
	if _, err := ch.QueueDeclare(
		string(queue), // name
		true,          // durable
		false,         // delete when unused
		false,         // exclusive
		false,         // no-wait
		args,          // arguments
	); err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}
	if err := ch.QueueBind(string(queue), string(StepRoutingKey(name)), string(ExchangeSteps), false, nil); err != nil {
		return fmt.Errorf("bind queue %s to %s: %w", queue, ExchangeSteps, err)
	}
	return nil
}

// TopologyInfo возвращает описание топологии для логирования.
func TopologyInfo(queues []string) string {
	var b strings.Builder
	b.WriteString("stepwise.steps (direct)\n")
	for _, q := range queues {
		fmt.Fprintf(&b, "  └── %s [routing: %s] DLQ: %s\n", StepQueue(q), StepRoutingKey(q), QueueDLQSteps)
	}
	b.WriteString("stepwise.dlq (direct)\n")
	fmt.Fprintf(&b, "  └── %s [routing: %s]\n", QueueDLQSteps, RoutingKeyDLQSteps)
	return b.String()
}
