// Package signals hands recomputation jobs to the shared Temporal queue.
// The dispatcher only enqueues; an out-of-process worker owns execution.
package signals

import (
	"context"
	"fmt"
	"time"

	"go.temporal.io/sdk/client"
)

const (
	// TaskQueue is shared with the signal-computation worker.
	TaskQueue = "TEAM_SIGNALS_TASK_QUEUE"

	// RecomputeJob names the workflow the worker registers. The worker
	// recomputes full current state, so duplicate deliveries of the same
	// payload are harmless.
	RecomputeJob = "RecomputeTeamSignals"
)

// RecomputePayload asks the worker to refresh a team's derived signals.
type RecomputePayload struct {
	TeamID string `json:"team_id"`
	Reason string `json:"reason"`
}

// starter is the slice of client.Client the dispatcher uses. Tests substitute
// a fake; production wraps a dialed Temporal client.
type starter interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error)
}

type Options struct {
	HostPort  string
	Namespace string
	TaskQueue string
}

// Dispatcher is constructed explicitly and injected wherever enqueues happen;
// there is no lazily-initialized shared instance. Close releases the queue
// connection on process shutdown.
type Dispatcher struct {
	conn      client.Client
	starter   starter
	taskQueue string
	Now       func() time.Time
}

// Dial connects to the Temporal frontend and returns a ready dispatcher.
func Dial(opts Options) (*Dispatcher, error) {
	c, err := client.Dial(client.Options{
		HostPort:  opts.HostPort,
		Namespace: opts.Namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("dial job queue: %w", err)
	}
	d := New(c, opts.TaskQueue)
	d.conn = c
	return d, nil
}

// New wraps an existing workflow starter. Used directly in tests.
func New(s starter, taskQueue string) *Dispatcher {
	if taskQueue == "" {
		taskQueue = TaskQueue
	}
	return &Dispatcher{starter: s, taskQueue: taskQueue, Now: time.Now}
}

// Enqueue durably starts jobName on the task queue and returns the workflow
// ID. The queue delivers at least once; whether a failed enqueue is retried
// is the caller's decision.
func (d *Dispatcher) Enqueue(ctx context.Context, jobName string, payload RecomputePayload) (string, error) {
	now := time.Now
	if d.Now != nil {
		now = d.Now
	}
	opts := client.StartWorkflowOptions{
		ID:                       fmt.Sprintf("%s-%s-%s-%d", jobName, payload.TeamID, payload.Reason, now().UnixNano()),
		TaskQueue:                d.taskQueue,
		WorkflowExecutionTimeout: time.Minute,
	}
	run, err := d.starter.ExecuteWorkflow(ctx, opts, jobName, payload)
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", jobName, err)
	}
	return run.GetID(), nil
}

func (d *Dispatcher) Close() {
	if d.conn != nil {
		d.conn.Close()
	}
}
