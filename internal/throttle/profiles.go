package throttle

import (
	"time"

	"golang.org/x/time/rate"
)

// DefaultSafetyMargin — доля лимита окна, после которой запросы откладываются.
const DefaultSafetyMargin = 0.85

// WindowKind — что сообщает заголовок окна.
type WindowKind int

const (
	// Used — заголовок содержит уже израсходованную квоту.
	Used WindowKind = iota
	// Remaining — заголовок содержит оставшуюся квоту.
	Remaining
)

// Window — одно окно лимита внешней системы.
type Window struct {
	// Name — сегмент ключа, например "weight_1m".
	Name string

	// Header — заголовок с потреблением.
	Header string

	// Kind — Used или Remaining.
	Kind WindowKind

	// Limit — квота окна. Может быть переопределена LimitHeader.
	Limit int64

	// LimitHeader — заголовок с квотой (опционально).
	LimitHeader string

	// ResetHeader — заголовок с моментом сброса окна в unix ms (опционально).
	// Без него окно выравнивается по Period.
	ResetHeader string

	// Period — длина окна.
	Period time.Duration

	// PerAccount — лимит считается на аккаунт, а не на IP.
	PerAccount bool
}

// Profile — описание лимитов одной системы.
type Profile struct {
	// System — имя системы, первый сегмент ключей.
	System string

	// Windows — окна лимитов. Пусто — общих лимитов нет.
	Windows []Window

	// SafetyMargin — доля лимита (0..1], по умолчанию DefaultSafetyMargin.
	SafetyMargin float64

	// LocalRate/LocalBurst — локальное сглаживание всплесков в процессе.
	// LocalRate == 0 — без ограничения.
	LocalRate  rate.Limit
	LocalBurst int
}

// HasSharedLimits возвращает true, если у системы есть окна для координации.
func (p Profile) HasSharedLimits() bool {
	return len(p.Windows) > 0
}

// Binance — вес запросов на IP за минуту и ордера на аккаунт за 10s и сутки.
func Binance() Profile {
	return Profile{
		System: "binance",
		Windows: []Window{
			{Name: "weight_1m", Header: "X-MBX-USED-WEIGHT-1M", Kind: Used, Limit: 6000, Period: time.Minute},
			{Name: "orders_10s", Header: "X-MBX-ORDER-COUNT-10S", Kind: Used, Limit: 100, Period: 10 * time.Second, PerAccount: true},
			{Name: "orders_1d", Header: "X-MBX-ORDER-COUNT-1D", Kind: Used, Limit: 200000, Period: 24 * time.Hour, PerAccount: true},
		},
		SafetyMargin: DefaultSafetyMargin,
		LocalRate:    20,
		LocalBurst:   10,
	}
}

// Bybit — оставшаяся квота endpoint'а на аккаунт с моментом сброса в заголовке.
func Bybit() Profile {
	return Profile{
		System: "bybit",
		Windows: []Window{
			{
				Name:        "limit_status",
				Header:      "X-Bapi-Limit-Status",
				Kind:        Remaining,
				Limit:       10,
				LimitHeader: "X-Bapi-Limit",
				ResetHeader: "X-Bapi-Limit-Reset-Timestamp",
				Period:      time.Second,
				PerAccount:  true,
			},
		},
		SafetyMargin: DefaultSafetyMargin,
		LocalRate:    100,
		LocalBurst:   20,
	}
}

// Simple — система с лимитом по ключу без общих окон.
func Simple(system string) Profile {
	return Profile{System: system}
}

// Profiles — встроенные профили по имени системы.
func Profiles() map[string]Profile {
	return map[string]Profile{
		"binance": Binance(),
		"bybit":   Bybit(),
	}
}
