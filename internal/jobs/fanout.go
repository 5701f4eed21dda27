package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/shaiso/Stepwise/internal/job"
	"github.com/shaiso/Stepwise/internal/repo"
	"github.com/shaiso/Stepwise/internal/tree"
)

// fanoutArgs — аргументы tree.fanout. Либо явный список детей:
//
//	{"parallel": true, "children": [{"job_class": "http.call", "arguments": {...}, "priority": 5}]}
//
// либо один шаблон на каждый элемент for_each:
//
//	{"parallel": true, "for_each": ["BTCUSDT", "ETHUSDT"],
//	 "template": {"job_class": "order.cancel_all", "arguments": {"symbol": "{{ .Item }}", "exchange": "{{ .Args.exchange }}"}}}
//
// Строковые аргументы детей рендерятся как text/template (см. templateData).
type fanoutArgs struct {
	Parallel bool          `json:"parallel"`
	Group    string        `json:"group"`
	Children []fanoutChild `json:"children"`
	ForEach  []any         `json:"for_each"`
	Template *fanoutChild  `json:"template"`
}

// expand возвращает детей с отрендеренными аргументами.
func (a fanoutArgs) expand(parent map[string]any) ([]fanoutChild, error) {
	children := a.Children
	items := make([]any, len(children))
	if a.Template != nil {
		children = make([]fanoutChild, len(a.ForEach))
		for i := range a.ForEach {
			children[i] = *a.Template
		}
		items = a.ForEach
	}

	out := make([]fanoutChild, len(children))
	for i, c := range children {
		if c.JobClass == "" {
			return nil, fmt.Errorf("child %d: job_class is required", i)
		}
		args, err := renderArgs(c.Arguments, templateData{Args: parent, Item: items[i], Index: i})
		if err != nil {
			return nil, fmt.Errorf("child %d: %w", i, err)
		}
		c.Arguments = args
		out[i] = c
	}
	return out, nil
}

type fanoutChild struct {
	JobClass  string         `json:"job_class"`
	Arguments map[string]any `json:"arguments"`
	Priority  int            `json:"priority"`
	Queue     string         `json:"queue"`
}

func (c fanoutChild) options() []tree.StepOption {
	var opts []tree.StepOption
	if c.Priority != 0 {
		opts = append(opts, tree.WithPriority(c.Priority))
	}
	if c.Queue != "" {
		opts = append(opts, tree.WithQueue(c.Queue))
	}
	return opts
}

// fanout создаёт дочерний блок из аргументов: последовательно
// (index 0, 1, ...) или параллельно (общий index).
func fanout(ctx context.Context, jc *job.Context) job.Outcome {
	var args fanoutArgs
	if err := jc.DecodeArgs(&args); err != nil {
		return job.Failed(err)
	}
	children, err := args.expand(jc.Step().Arguments)
	if err != nil {
		return job.Failed(err)
	}
	if len(children) == 0 {
		return job.Skipped("no children to spawn")
	}

	b := tree.NewBlock(args.Group)
	if args.Parallel {
		specs := make([]tree.Spec, 0, len(children))
		for _, c := range children {
			specs = append(specs, tree.Spec{JobClass: c.JobClass, Arguments: c.Arguments, Options: c.options()})
		}
		b.Parallel(specs...)
	} else {
		for _, c := range children {
			b.Add(c.JobClass, c.Arguments, c.options()...)
		}
	}

	err = jc.Spawn(ctx, b)
	switch {
	case errors.Is(err, repo.ErrAlreadyExists):
		// Повторный запуск после retry: дети уже созданы.
		return job.Completed(map[string]any{"children": len(children), "reused": true})
	case err != nil:
		return job.FromError(err, nil, jc.Attempt())
	}

	return job.Completed(map[string]any{"children": b.Len(), "block_uuid": b.UUID().String()})
}
