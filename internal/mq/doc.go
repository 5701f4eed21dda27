// Package mq предоставляет инфраструктуру для работы с RabbitMQ.
//
// Структура:
//   - connection.go — соединение с фоновым переподключением и проверкой для /healthz
//   - topology.go   — объявление exchanges, очередей групп и DLQ
//   - publisher.go  — публикация step.dispatched
//   - consumer.go   — потребление сообщений из очередей
//
// Очередь — транспорт сигнала, а не источник истины: состояние шага живёт
// в таблице steps, воркер перечитывает шаг и захватывает его через CAS.
// Потерянное сообщение подбирает polling воркера, дубликат отсекает CAS.
//
// Exchanges:
//   - stepwise.steps — step.dispatched, routing key = очередь шага (steps.<group>)
//   - stepwise.dlq   — dead letter queue (dlq.steps)
package mq
