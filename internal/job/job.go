// Package job — контракт бизнес-логики, которую выполняет воркер.
//
// Job получает шаг через Context и возвращает Outcome. Состояние шага
// job не меняет: это делает воркер через Mark*-методы по результату.
//
// Правила для реализаций:
//   - неповторяемые операции оборачиваются в Cache() (кэш идемпотентности шага);
//   - перед каждым запросом к внешней системе с лимитами вызывается Preflight,
//     после него — Observe с ответом;
//   - ожидание выражается через Retry(delay), а не через sleep.
package job

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shaiso/Stepwise/internal/domain"
)

// Job — единица бизнес-логики.
type Job interface {
	// Compute выполняет работу шага. Паника перехватывается воркером и
	// превращается в FAILED.
	Compute(ctx context.Context, jc *Context) Outcome
}

// Func адаптирует функцию к Job.
type Func func(ctx context.Context, jc *Context) Outcome

// Compute вызывает f.
func (f Func) Compute(ctx context.Context, jc *Context) Outcome { return f(ctx, jc) }

// Factory создаёт Job для одного выполнения шага.
type Factory func() Job

// Registry — реестр job class → Factory. Потокобезопасен.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry создаёт пустой реестр.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register регистрирует фабрику. Повторная регистрация перезаписывает.
func (r *Registry) Register(class string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[class] = f
}

// RegisterJob регистрирует Job без состояния: один экземпляр на все шаги.
func (r *Registry) RegisterJob(class string, j Job) {
	r.Register(class, func() Job { return j })
}

// New создаёт Job по классу. Нет класса → ErrUnknownJob.
func (r *Registry) New(class string) (Job, error) {
	r.mu.RLock()
	f, ok := r.factories[class]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, class)
	}
	return f(), nil
}

// Has проверяет, зарегистрирован ли класс.
func (r *Registry) Has(class string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[class]
	return ok
}

// Classes возвращает зарегистрированные классы по алфавиту.
func (r *Registry) Classes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for c := range r.factories {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Loader загружает доменный объект по ID.
type Loader func(ctx context.Context, id int64) (any, error)

// Relatables — реестр Kind → Loader для полиморфной ссылки шага.
type Relatables struct {
	mu      sync.RWMutex
	loaders map[string]Loader
}

// NewRelatables создаёт пустой реестр.
func NewRelatables() *Relatables {
	return &Relatables{loaders: make(map[string]Loader)}
}

// Register регистрирует загрузчик для kind.
func (r *Relatables) Register(kind string, l Loader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaders[kind] = l
}

// Load загружает объект по ссылке.
func (r *Relatables) Load(ctx context.Context, ref domain.Relatable) (any, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRelatable, ref.Kind)
	}
	r.mu.RLock()
	l, ok := r.loaders[ref.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRelatable, ref.Kind)
	}
	v, err := l(ctx, ref.ID)
	if err != nil {
		return nil, fmt.Errorf("load %s %d: %w", ref.Kind, ref.ID, err)
	}
	return v, nil
}
