package jobs_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spaghettifunk/anima-resources/engine/core"
	"github.com/spaghettifunk/anima-resources/engine/jobs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJobSystemValidation(t *testing.T) {
	_, err := jobs.NewJobSystem(jobs.JobSystemConfig{NumWorkers: 0})
	assert.ErrorIs(t, err, jobs.ErrNoWorkers)

	_, err = jobs.NewJobSystem(jobs.JobSystemConfig{NumWorkers: 1, ChannelSize: -1})
	assert.ErrorIs(t, err, jobs.ErrNegativeChannelSize)
}

func TestJobCallbacks(t *testing.T) {
	js, err := jobs.NewJobSystem(jobs.JobSystemConfig{NumWorkers: 4, ChannelSize: 16})
	require.NoError(t, err)
	defer js.Shutdown()

	var (
		wg        sync.WaitGroup
		completed atomic.Int32
		failed    atomic.Int32
	)
	boom := errors.New("boom")
	for i := 0; i < 10; i++ {
		i := i
		wg.Add(1)
		err := js.Submit(context.Background(), jobs.JobTask{
			JobType: jobs.JobTypeGeneral,
			OnStart: func(ctx context.Context) (interface{}, error) {
				if i%2 == 0 {
					return nil, boom
				}
				return i, nil
			},
			OnComplete: func(result interface{}) {
				assert.Equal(t, 1, result.(int)%2)
				completed.Add(1)
				wg.Done()
			},
			OnFailure: func(err error) {
				assert.ErrorIs(t, err, boom)
				failed.Add(1)
				wg.Done()
			},
		})
		require.NoError(t, err)
	}
	wg.Wait()

	assert.Equal(t, int32(5), completed.Load())
	assert.Equal(t, int32(5), failed.Load())
}

func TestJobTimeout(t *testing.T) {
	js, err := jobs.NewJobSystem(jobs.JobSystemConfig{NumWorkers: 1, DefaultTimeout: 20 * time.Millisecond})
	require.NoError(t, err)
	defer js.Shutdown()

	done := make(chan error, 1)
	require.NoError(t, js.Submit(context.Background(), jobs.JobTask{
		OnStart: func(ctx context.Context) (interface{}, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
		OnComplete: func(interface{}) { done <- nil },
		OnFailure:  func(err error) { done <- err },
	}))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(5 * time.Second):
		t.Fatal("job never finished")
	}
}

func TestSubmitValidation(t *testing.T) {
	js, err := jobs.NewJobSystem(jobs.JobSystemConfig{NumWorkers: 1})
	require.NoError(t, err)

	assert.ErrorIs(t, js.Submit(context.Background(), jobs.JobTask{}), core.ErrInvalidParameter)

	require.NoError(t, js.Shutdown())
	require.NoError(t, js.Shutdown())

	err = js.Submit(context.Background(), jobs.JobTask{
		OnStart: func(context.Context) (interface{}, error) { return nil, nil },
	})
	assert.ErrorIs(t, err, jobs.ErrJobSystemClosed)
}

func TestShutdownFailsQueuedJobs(t *testing.T) {
	js, err := jobs.NewJobSystem(jobs.JobSystemConfig{NumWorkers: 1, ChannelSize: 4})
	require.NoError(t, err)

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, js.Submit(context.Background(), jobs.JobTask{
		OnStart: func(context.Context) (interface{}, error) {
			close(started)
			<-release
			return nil, nil
		},
	}))
	<-started

	var dropped atomic.Int32
	for i := 0; i < 3; i++ {
		require.NoError(t, js.Submit(context.Background(), jobs.JobTask{
			Priority: jobs.JobPriorityHigh,
			OnStart:  func(context.Context) (interface{}, error) { return nil, nil },
			OnFailure: func(err error) {
				if errors.Is(err, jobs.ErrJobSystemClosed) {
					dropped.Add(1)
				}
			},
		}))
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	require.NoError(t, js.Shutdown())
	assert.Equal(t, int32(3), dropped.Load())
}
