// Package jobs — встроенные job-классы Stepwise.
package jobs

import (
	"context"
	"net/http"

	"github.com/shaiso/Stepwise/internal/job"
)

// Имена встроенных job-классов.
const (
	ClassNoop     = "noop"
	ClassHTTPCall = "http.call"
	ClassFanout   = "tree.fanout"
)

// Register добавляет встроенные job'ы в реестр. client == nil → http.DefaultClient.
func Register(reg *job.Registry, client *http.Client) {
	if client == nil {
		client = http.DefaultClient
	}
	reg.RegisterJob(ClassNoop, job.Func(noop))
	reg.Register(ClassHTTPCall, func() job.Job { return &HTTPCall{Client: client} })
	reg.RegisterJob(ClassFanout, job.Func(fanout))
}

// noop завершается сразу, возвращая аргументы шага.
func noop(_ context.Context, jc *job.Context) job.Outcome {
	return job.Completed(jc.Step().Arguments)
}
