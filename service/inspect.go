package service

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
)

// Job states reported to callers, mirroring the coarse lifecycle the UI
// polls: queued, picked up by a worker, finished, or failed after retries.
const (
	JobStatePending = "PENDING"
	JobStateStarted = "STARTED"
	JobStateSuccess = "SUCCESS"
	JobStateFailure = "FAILURE"
)

// ErrJobNotFound reports that no job with the given id is known to the
// broker (it may have expired past its retention window).
var ErrJobNotFound = errors.New("job not found")

type JobStatus struct {
	ID     string          `json:"id"`
	State  string          `json:"state"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Inspector answers job status queries against the broker.
type Inspector struct {
	inspector *asynq.Inspector
}

func NewInspector(redis asynq.RedisClientOpt) *Inspector {
	return &Inspector{inspector: asynq.NewInspector(redis)}
}

func (i *Inspector) JobStatus(id string) (*JobStatus, error) {
	info, err := i.inspector.GetTaskInfo("default", id)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("query job %s: %w", id, err)
	}

	status := &JobStatus{ID: id, State: mapTaskState(info.State)}
	switch status.State {
	case JobStateSuccess:
		status.Result = json.RawMessage(info.Result)
	case JobStateFailure:
		status.Error = info.LastErr
	case JobStateStarted:
		// In-flight progress written through the result writer.
		if len(info.Result) > 0 {
			status.Result = json.RawMessage(info.Result)
		}
	}
	return status, nil
}

func (i *Inspector) Close() error {
	return i.inspector.Close()
}

func mapTaskState(state asynq.TaskState) string {
	switch state {
	case asynq.TaskStateActive:
		return JobStateStarted
	case asynq.TaskStateCompleted:
		return JobStateSuccess
	case asynq.TaskStateArchived:
		return JobStateFailure
	default:
		// pending, scheduled, retry, aggregating
		return JobStatePending
	}
}
