package service

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// Task types for the pipeline stages and the composite pipeline.
const (
	TypeDeconstruct  = "pipeline:deconstruct"
	TypeScreenplay   = "pipeline:screenplay"
	TypeAssets       = "pipeline:assets"
	TypeVideo        = "pipeline:video"
	TypeSoundtrack   = "pipeline:soundtrack"
	TypeVoiceover    = "pipeline:voiceover"
	TypeAssemble     = "pipeline:assemble"
	TypeFullPipeline = "pipeline:full"
)

// StagePayload carries the inputs for any stage job. Each task type reads
// the fields relevant to its stage; Project/Location override the configured
// Vertex credentials per job.
type StagePayload struct {
	StoryFile      string `json:"story_file,omitempty"`
	SchemaFile     string `json:"schema_file,omitempty"`
	StoryboardFile string `json:"storyboard_file,omitempty"`
	ScreenplayFile string `json:"screenplay_file,omitempty"`
	VideoClipsDir  string `json:"video_clips_dir,omitempty"`
	VoiceoverDir   string `json:"voiceover_dir,omitempty"`
	SoundtrackDir  string `json:"soundtrack_dir,omitempty"`
	ProjectName    string `json:"project_name,omitempty"`
	Project        string `json:"project,omitempty"`
	Location       string `json:"location,omitempty"`
	Style          string `json:"style,omitempty"`
}

// Queue enqueues pipeline jobs onto the Redis-backed broker.
type Queue struct {
	client *asynq.Client
}

func NewQueue(redis asynq.RedisClientOpt) *Queue {
	return &Queue{client: asynq.NewClient(redis)}
}

// Enqueue dispatches a stage job and returns its job id. Stage jobs get a
// few retries with exponential backoff; the composite pipeline gets a single
// retry since re-running it re-executes every stage.
func (q *Queue) Enqueue(taskType string, payload StagePayload) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	opts := []asynq.Option{
		asynq.TaskID(uuid.NewString()),
		asynq.Retention(24 * time.Hour),
	}
	if taskType == TypeFullPipeline {
		opts = append(opts, asynq.MaxRetry(1), asynq.Timeout(2*time.Hour))
	} else {
		opts = append(opts, asynq.MaxRetry(3), asynq.Timeout(30*time.Minute))
	}

	info, err := q.client.Enqueue(asynq.NewTask(taskType, data), opts...)
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", taskType, err)
	}
	log.Printf("[Queue] enqueued %s as %s", taskType, info.ID)
	return info.ID, nil
}

func (q *Queue) Close() error {
	return q.client.Close()
}
