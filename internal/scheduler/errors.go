package scheduler

import "github.com/pkg/errors"

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrUnknownTask    = errors.New("unknown task")
	ErrTaskExpired    = errors.New("task result expired")
	ErrTaskConflict   = errors.New("task is not in a state that allows this")
	ErrNotFinished    = errors.New("task has not finished")
	ErrIDExhausted    = errors.New("no free task id")
	ErrUnreadableTask = errors.New("project could not be described")

	ErrSubtaskMismatch = errors.New("subtask does not belong to this task and worker")
	ErrSubtaskAborted  = errors.New("subtask was aborted")
	ErrFrameOutOfRange = errors.New("frame outside the subtask range")
	ErrTaskClosed      = errors.New("task no longer accepts frames")
)
