package jobs

import (
	"context"
	"time"
)

/** @brief Describes a type of job */
type JobType int

const (
	/**
	 * @brief A general job that does not have any specific thread requirements.
	 */
	JobTypeGeneral JobType = 0x02
	/**
	 * @brief A resource loading job, i.e. archive I/O.
	 */
	JobTypeResourceLoad JobType = 0x04
)

/**
 * @brief Determines which queue a job uses. The high-priority queue is always
 * drained before the normal one.
 */
type JobPriority int

const (
	JobPriorityNormal JobPriority = iota
	JobPriorityHigh
)

/** @brief Runs the job. The returned value is handed to OnComplete. */
type JobStart func(ctx context.Context) (interface{}, error)

/** @brief Invoked with the result of a successful job. */
type JobOnComplete func(result interface{})

/** @brief Invoked when the job fails, times out or is dropped at shutdown. */
type JobOnFailure func(err error)

/**
 * @brief Describes a job to be run.
 */
type JobTask struct {
	JobType  JobType
	Priority JobPriority
	/** @brief Upper bound for OnStart. Zero means the system default. */
	Timeout time.Duration
	/** @brief Required. */
	OnStart JobStart
	/** @brief Optional. */
	OnComplete JobOnComplete
	/** @brief Optional. */
	OnFailure JobOnFailure
}

type queuedJob struct {
	ctx  context.Context
	task JobTask
}
