package metadata

import "github.com/google/uuid"

/** Definition for jobs. */
type JobStart func(params interface{}) (result interface{}, err error)

/** Definition for completion of a job. */
type JobComplete func(result interface{})

/** Definition for failure of a job. */
type JobFail func(err error)

/**
 * @brief Describes a job to be run on the worker pool.
 */
type JobTask struct {
	ID uuid.UUID
	/** @brief Data to be passed to the entry point upon execution. */
	InputParams interface{}
	/** @brief Invoked on a worker goroutine. Required. */
	OnStart JobStart
	/** @brief Invoked on the worker after a successful OnStart. Optional. */
	OnComplete JobComplete
	/** @brief Invoked on the worker after a failed OnStart. Optional. */
	OnFailure JobFail
	/** @brief Invoked after OnComplete/OnFailure regardless of outcome. Optional. */
	OnCompletionCallback func()
}

func NewJobTask(params interface{}, onStart JobStart) JobTask {
	return JobTask{
		ID:          uuid.New(),
		InputParams: params,
		OnStart:     onStart,
	}
}
