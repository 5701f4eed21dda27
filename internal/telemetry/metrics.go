package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TickDuration — длительность тика диспетчера по группам.
	TickDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stepwise_dispatcher_tick_duration_seconds",
		Help:    "Duration of dispatcher ticks",
		Buckets: prometheus.DefBuckets,
	}, []string{"group"})

	// TicksSkipped — тики, пропущенные из-за занятой блокировки или ошибки её захвата.
	TicksSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stepwise_dispatcher_ticks_skipped_total",
		Help: "Dispatcher ticks skipped because the group lock was unavailable",
	}, []string{"group", "reason"})

	// PhaseTransitions — переходы, выполненные фазами тика.
	PhaseTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stepwise_dispatcher_phase_transitions_total",
		Help: "Step transitions performed by dispatcher phases",
	}, []string{"group", "phase"})

	// StepsDispatched — шаги, переведённые в DISPATCHED.
	StepsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stepwise_steps_dispatched_total",
		Help: "Steps transitioned to DISPATCHED",
	}, []string{"group"})

	// PublishFailures — шаги, закоммиченные как DISPATCHED, но не отправленные в очередь.
	PublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stepwise_dispatch_publish_failures_total",
		Help: "Dispatched steps whose queue publish failed",
	}, []string{"group"})

	// StateConflicts — проигранные compare-and-swap гонки.
	StateConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stepwise_state_conflicts_total",
		Help: "Compare-and-swap state updates lost to a concurrent writer",
	}, []string{"component"})

	// WorkerOutcomes — результаты выполнения job'ов.
	WorkerOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stepwise_worker_outcomes_total",
		Help: "Job outcomes applied by workers",
	}, []string{"job_class", "outcome"})

	// JobDuration — длительность Compute.
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stepwise_job_duration_seconds",
		Help:    "Duration of Job.Compute calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"job_class"})

	// IdempotencyLookups — обращения к кэшу идемпотентности (result=hit|miss).
	IdempotencyLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stepwise_idempotency_lookups_total",
		Help: "Idempotency cache lookups",
	}, []string{"result"})

	// IdempotencyDegraded — вызовы, выполненные без кэша из-за недоступного backend'а.
	IdempotencyDegraded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stepwise_idempotency_degraded_total",
		Help: "Idempotent operations executed without the cache backend",
	})

	// ThrottleBans — зафиксированные баны по системам.
	ThrottleBans = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stepwise_throttle_bans_total",
		Help: "Bans recorded by throttlers",
	}, []string{"system"})

	// ThrottleDelays — pre-flight проверки, вернувшие ненулевую задержку (reason=ban|window|local).
	ThrottleDelays = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stepwise_throttle_delays_total",
		Help: "Pre-flight checks that returned a delay",
	}, []string{"system", "reason"})

	// SchedulesFired — корневые шаги, созданные scheduler'ом.
	SchedulesFired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stepwise_schedules_fired_total",
		Help: "Root steps created by the scheduler",
	})

	// MQDeliveries — доставки из очередей шагов по исходу (ack|requeue|dead_letter|malformed).
	MQDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stepwise_mq_deliveries_total",
		Help: "Step queue deliveries by disposition",
	}, []string{"queue", "disposition"})

	// MQConnected — 1, пока открыт канал RabbitMQ.
	MQConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stepwise_mq_connected",
		Help: "Whether the RabbitMQ channel is open",
	})

	// MQPublished — публикации DISPATCHED-шагов по очереди и результату (ok|error).
	MQPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stepwise_mq_published_total",
		Help: "Step dispatch messages published by queue and result",
	}, []string{"queue", "result"})

	// APIRequests — запросы операторского API по маршруту и коду ответа.
	APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stepwise_api_requests_total",
		Help: "Operator API requests by route pattern and status code",
	}, []string{"method", "route", "code"})
)
