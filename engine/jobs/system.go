package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/spaghettifunk/anima-resources/engine/core"
)

var ErrNoWorkers = fmt.Errorf("attempting to create worker pool with less than 1 worker")
var ErrNegativeChannelSize = fmt.Errorf("attempting to create worker pool with a negative channel size")
var ErrJobSystemClosed = errors.New("job system is shut down")

/** @brief The configuration of the job system. */
type JobSystemConfig struct {
	/** @brief Number of worker goroutines. */
	NumWorkers int
	/** @brief Capacity of each priority queue. */
	ChannelSize int
	/** @brief Timeout applied to jobs that do not set one. */
	DefaultTimeout time.Duration
}

type JobSystem struct {
	config JobSystemConfig
	high   chan queuedJob
	normal chan queuedJob

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

func NewJobSystem(config JobSystemConfig) (*JobSystem, error) {
	if config.NumWorkers <= 0 {
		return nil, ErrNoWorkers
	}
	if config.ChannelSize < 0 {
		return nil, ErrNegativeChannelSize
	}

	js := &JobSystem{
		config: config,
		high:   make(chan queuedJob, config.ChannelSize),
		normal: make(chan queuedJob, config.ChannelSize),
		done:   make(chan struct{}),
	}

	js.start()

	core.LogDebug("Job system started with %d workers.", config.NumWorkers)

	return js, nil
}

func (js *JobSystem) start() {
	for i := 0; i < js.config.NumWorkers; i++ {
		js.wg.Add(1)
		go func() {
			defer js.wg.Done()
			for {
				// queued jobs are left for Shutdown once done is closed
				select {
				case <-js.done:
					return
				default:
				}
				// high priority jobs always go first
				select {
				case job := <-js.high:
					js.run(job)
					continue
				default:
				}
				select {
				case job := <-js.high:
					js.run(job)
				case job := <-js.normal:
					js.run(job)
				case <-js.done:
					return
				}
			}
		}()
	}
}

func (js *JobSystem) run(job queuedJob) {
	timeout := job.task.Timeout
	if timeout <= 0 {
		timeout = js.config.DefaultTimeout
	}
	ctx := job.ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result, err := job.task.OnStart(ctx)
	if err != nil {
		core.LogError("job failed: %s", err)
		if job.task.OnFailure != nil {
			job.task.OnFailure(err)
		}
		return
	}
	if job.task.OnComplete != nil {
		job.task.OnComplete(result)
	}
}

/**
 * @brief Shuts the job system down. Jobs still queued are failed with
 * ErrJobSystemClosed.
 */
func (js *JobSystem) Shutdown() error {
	js.mu.Lock()
	if js.closed {
		js.mu.Unlock()
		return nil
	}
	js.closed = true
	close(js.done)
	js.mu.Unlock()

	js.wg.Wait()

	for {
		select {
		case job := <-js.high:
			js.drop(job)
		case job := <-js.normal:
			js.drop(job)
		default:
			return nil
		}
	}
}

func (js *JobSystem) drop(job queuedJob) {
	if job.task.OnFailure != nil {
		job.task.OnFailure(ErrJobSystemClosed)
	}
}

/**
 * @brief Submits the provided job to be queued for execution. Blocks while
 * the queue is full, until ctx is done.
 */
func (js *JobSystem) Submit(ctx context.Context, jt JobTask) error {
	if jt.OnStart == nil {
		return fmt.Errorf("job system Submit - OnStart is required: %w", core.ErrInvalidParameter)
	}

	js.mu.RLock()
	defer js.mu.RUnlock()
	if js.closed {
		return ErrJobSystemClosed
	}

	queue := js.normal
	if jt.Priority == JobPriorityHigh {
		queue = js.high
	}

	select {
	case queue <- queuedJob{ctx: ctx, task: jt}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-js.done:
		return ErrJobSystemClosed
	}
}
