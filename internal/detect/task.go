package detect

import (
	"context"
	"sync/atomic"
	"time"

	"tripwire/internal/logging"
)

// TaskState is the lifecycle state of a probe or loop.
type TaskState int32

const (
	TaskIdle TaskState = iota
	TaskRunning
	// TaskDone: the task reached its own terminal state (PIR after a trip).
	TaskDone
	// TaskStopped: the task was canceled.
	TaskStopped
	// TaskFailed: the task panicked and was recovered.
	TaskFailed
)

func (s TaskState) String() string {
	switch s {
	case TaskIdle:
		return "idle"
	case TaskRunning:
		return "running"
	case TaskDone:
		return "done"
	case TaskStopped:
		return "stopped"
	case TaskFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// task is one goroutine with an observable terminal state.
type task struct {
	name   string
	state  atomic.Int32
	cancel context.CancelFunc
	done   chan struct{}
}

// startTask runs fn in a goroutine. A panic is recorded by crash and
// leaves the task in TaskFailed.
func startTask(parent context.Context, name string, crash *logging.CrashHandler, fn func(ctx context.Context) TaskState) *task {
	ctx, cancel := context.WithCancel(parent)
	t := &task{name: name, cancel: cancel, done: make(chan struct{})}
	t.state.Store(int32(TaskRunning))

	go func() {
		defer close(t.done)
		defer cancel()
		defer func() {
			if t.State() == TaskRunning {
				t.state.Store(int32(TaskFailed))
			}
		}()
		defer crash.RecoverGoroutine(name)

		t.state.Store(int32(fn(ctx)))
	}()
	return t
}

func (t *task) State() TaskState {
	if t == nil {
		return TaskIdle
	}
	return TaskState(t.state.Load())
}

func (t *task) Running() bool {
	return t.State() == TaskRunning
}

// pacer keeps a loop at its cadence. Work that overruns the cadence
// starts the next cycle immediately; beyond warnFactor it is logged.
type pacer struct {
	name       string
	interval   time.Duration
	warnFactor float64
	logger     *logging.Logger
	onCycle    func(d time.Duration, overrun bool)
}

// wait sleeps for the rest of the cycle that began at start. It returns
// false when ctx is done.
func (p *pacer) wait(ctx context.Context, start time.Time) bool {
	elapsed := time.Since(start)
	overrun := p.warnFactor > 0 && elapsed > time.Duration(float64(p.interval)*p.warnFactor)
	if p.onCycle != nil {
		p.onCycle(elapsed, overrun)
	}
	if overrun {
		p.logger.Warn("loop iteration took too long",
			"loop", p.name, "elapsed", elapsed.String(), "interval", p.interval.String())
	}

	remaining := p.interval - elapsed
	if remaining <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
