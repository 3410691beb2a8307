package service

import (
	"testing"

	"github.com/hibiken/asynq"
)

func TestMapTaskState(t *testing.T) {
	cases := []struct {
		state asynq.TaskState
		want  string
	}{
		{asynq.TaskStateActive, JobStateStarted},
		{asynq.TaskStateCompleted, JobStateSuccess},
		{asynq.TaskStateArchived, JobStateFailure},
		{asynq.TaskStatePending, JobStatePending},
		{asynq.TaskStateScheduled, JobStatePending},
		// A job between failed attempts still reads as pending to callers.
		{asynq.TaskStateRetry, JobStatePending},
		{asynq.TaskStateAggregating, JobStatePending},
	}
	for _, tc := range cases {
		if got := mapTaskState(tc.state); got != tc.want {
			t.Errorf("mapTaskState(%v) = %q, want %q", tc.state, got, tc.want)
		}
	}
}
