// Package cli реализует инструмент командной строки Stepwise.
//
// CLI работает только через операторский HTTP API и не импортирует
// внутренние пакеты системы: типы ответов продублированы в client.go.
//
// Команды сгруппированы по ресурсам:
//   - breaker: status, enable, disable
//   - restart: check [--wait]
//   - step: list, show, tree, resolve
//   - schedule: list, create, show, update, delete, enable, disable
//
// Типичный перезапуск воркеров:
//
//	stepwise breaker disable
//	stepwise restart check --wait && systemctl restart stepwise-worker
//	stepwise breaker enable
//
// Каждая группа создаётся фабрикой (NewStepCmd и т.д.), принимающей
// clientFn и outputFn: Client и Output создаются лениво, после разбора
// PersistentFlags. Данные выводятся в stdout (таблица или JSON с --json),
// сообщения в stderr, поэтому `stepwise step list --json | jq .` работает.
package cli
