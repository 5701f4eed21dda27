// Package tree строит блоки шагов.
//
// Блок — шаги с общим block_uuid. Шаги блока выполняются по возрастанию Index;
// шаги с одинаковым Index выполняются параллельно. Блок становится дочерним,
// когда его прикрепляют к родителю (AttachChildren): у родителя появляется
// child_block_uuid, и родитель завершится только после своих детей.
package tree

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Stepwise/internal/domain"
	"github.com/shaiso/Stepwise/internal/repo"
)

// Ошибки построения блоков.
var (
	// ErrEmptyBlock — в блоке нет шагов.
	ErrEmptyBlock = errors.New("block has no steps")

	// ErrParentFinished — родитель уже в терминальном состоянии.
	ErrParentFinished = errors.New("parent step is finished")

	// ErrBlockPersisted — блок уже сохранён.
	ErrBlockPersisted = errors.New("block already persisted")
)

// StepOption настраивает шаг блока.
type StepOption func(*domain.Step)

// WithPriority задаёт приоритет отправки.
func WithPriority(p int) StepOption {
	return func(s *domain.Step) { s.Priority = p }
}

// WithDispatchAfter откладывает первую отправку.
func WithDispatchAfter(t time.Time) StepOption {
	return func(s *domain.Step) { s.DispatchAfter = &t }
}

// WithRelatable привязывает шаг к доменному объекту.
func WithRelatable(kind string, id int64) StepOption {
	return func(s *domain.Step) { s.Relatable = &domain.Relatable{Kind: kind, ID: id} }
}

// WithQueue отправляет шаг в отдельную очередь группы.
func WithQueue(queue string) StepOption {
	return func(s *domain.Step) { s.Queue = queue }
}

// WithIdempotencyKey задаёт ключ идемпотентности продюсера.
func WithIdempotencyKey(key string) StepOption {
	return func(s *domain.Step) { s.IdempotencyKey = key }
}

// Spec — описание одного шага для Parallel.
type Spec struct {
	JobClass  string
	Arguments map[string]any
	Options   []StepOption
}

// Block — строитель блока шагов.
type Block struct {
	uuid      uuid.UUID
	group     string
	steps     []*domain.Step
	next      int
	persisted bool
}

// NewBlock создаёт пустой блок группы group.
// Пустая группа: дочерний блок наследует группу родителя, корневой — DefaultGroup.
func NewBlock(group string) *Block {
	return &Block{uuid: uuid.New(), group: group}
}

// UUID возвращает block_uuid.
func (b *Block) UUID() uuid.UUID { return b.uuid }

// Steps возвращает шаги блока в порядке добавления.
func (b *Block) Steps() []*domain.Step { return b.steps }

// Len возвращает количество шагов.
func (b *Block) Len() int { return len(b.steps) }

// Add добавляет шаг со следующим индексом: он запустится после всех ранее добавленных.
func (b *Block) Add(jobClass string, args map[string]any, opts ...StepOption) *domain.Step {
	s := b.newStep(b.next, jobClass, args, opts)
	b.next++
	return s
}

// Parallel добавляет шаги с одним общим индексом: они запускаются одновременно.
func (b *Block) Parallel(specs ...Spec) []*domain.Step {
	if len(specs) == 0 {
		return nil
	}
	out := make([]*domain.Step, 0, len(specs))
	for _, sp := range specs {
		out = append(out, b.newStep(b.next, sp.JobClass, sp.Arguments, sp.Options))
	}
	b.next++
	return out
}

func (b *Block) newStep(index int, jobClass string, args map[string]any, opts []StepOption) *domain.Step {
	s := domain.NewStep(b.uuid, index, jobClass, args)
	s.Group = b.group
	s.Queue = ""
	for _, o := range opts {
		o(s)
	}
	b.steps = append(b.steps, s)
	return s
}

// Persist сохраняет блок как корневой (без владельца).
func (b *Block) Persist(ctx context.Context, store repo.StepStore) error {
	return b.persist(ctx, store, nil)
}

// AttachChildren сохраняет блок как дочерний блок parent.
//
// Родитель должен быть нетерминальным и ещё не иметь дочернего блока.
// Шаги блока и child_block_uuid родителя записываются атомарно.
func AttachChildren(ctx context.Context, store repo.StepStore, parent *domain.Step, b *Block) error {
	if parent == nil {
		return b.Persist(ctx, store)
	}
	if parent.State.IsTerminal() {
		return fmt.Errorf("step %d (%s): %w", parent.ID, parent.State, ErrParentFinished)
	}
	if parent.HasChildren() {
		return fmt.Errorf("step %d: %w", parent.ID, repo.ErrAlreadyExists)
	}
	return b.persist(ctx, store, parent)
}

func (b *Block) persist(ctx context.Context, store repo.StepStore, parent *domain.Step) error {
	if len(b.steps) == 0 {
		return ErrEmptyBlock
	}
	if b.persisted {
		return ErrBlockPersisted
	}

	group := b.group
	if group == "" {
		group = domain.DefaultGroup
		if parent != nil && parent.Group != "" {
			group = parent.Group
		}
	}
	for _, s := range b.steps {
		if s.Group == "" {
			s.Group = group
		}
		if s.Queue == "" {
			s.Queue = s.Group
		}
	}

	if err := store.CreateBlock(ctx, parent, b.steps); err != nil {
		return fmt.Errorf("create block %s: %w", b.uuid, err)
	}
	b.persisted = true
	return nil
}
