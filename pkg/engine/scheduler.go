package engine

import (
	"context"
	"sync"
)

// taskResult is sent by a worker when it finishes a task.
type taskResult struct {
	task *domainTask
	err  error
}

// schedule runs fn for every task on a bounded worker pool. Each task is owned by
// exactly one worker; workers stop taking new tasks once ctx is done.
func (o *Orchestrator) schedule(
	ctx context.Context,
	tasks []*domainTask,
	fn func(context.Context, *domainTask) error,
) {
	if len(tasks) == 0 {
		return
	}

	// Determine worker count (min of configured workers and number of tasks)
	workerCount := o.settings.Workers
	if len(tasks) < workerCount {
		workerCount = len(tasks)
	}
	if workerCount < 1 {
		workerCount = 1
	}

	// Create work queue
	workQueue := make(chan *domainTask, len(tasks))
	for _, task := range tasks {
		workQueue <- task
	}
	close(workQueue)

	var wg sync.WaitGroup
	results := make(chan taskResult, len(tasks))

	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for task := range workQueue {
				if err := ctx.Err(); err != nil {
					results <- taskResult{task: task, err: err}
					continue
				}
				results <- taskResult{task: task, err: fn(ctx, task)}
			}
		}()
	}

	wg.Wait()
	close(results)

	for res := range results {
		if res.err != nil && res.task.err == nil {
			res.task.err = res.err
		}
		if res.err != nil {
			o.logger.Debug().Err(res.err).Str("domain", res.task.rec.Domain).Msg("Task ended early")
		}
	}
}
