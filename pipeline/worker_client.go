package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// Generation job types understood by the worker's /v1/generate endpoint.
const (
	jobDeconstruct = "deconstruct_narrative"
	jobScreenplay  = "screenplay_and_storyboard"
	jobAssets      = "visual_assets"
	jobVideo       = "video_synthesis"
	jobSoundtrack  = "soundtrack"
	jobVoiceover   = "voiceover"
	jobAssemble    = "final_assembly"
)

// WorkerClient implements Generator against the external generation worker:
// POST /v1/generate submits a job and returns its id, GET /v1/jobs/{id} is
// polled until the job reaches a terminal status. The worker call has no
// cancellation hook of its own; cancelling the context only stops the
// polling on this side.
type WorkerClient struct {
	endpoint     string
	httpClient   *http.Client
	pollInterval time.Duration
	pollTimeout  time.Duration
}

var _ Generator = (*WorkerClient)(nil)

func NewWorkerClient(endpoint string) *WorkerClient {
	return &WorkerClient{
		endpoint:     endpoint,
		httpClient:   &http.Client{},
		pollInterval: 3 * time.Second,
		pollTimeout:  30 * time.Minute,
	}
}

type jobResponse struct {
	ID      string            `json:"id"`
	JobID   string            `json:"job_id"`
	Status  string            `json:"status"`
	Error   string            `json:"error"`
	Outputs map[string]string `json:"outputs"`
}

func (c *WorkerClient) run(ctx context.Context, jobType string, params map[string]string) (map[string]string, error) {
	jobID, err := c.dispatch(ctx, jobType, params)
	if err != nil {
		return nil, err
	}
	log.Printf("[Worker] %s submitted, job id %s", jobType, jobID)
	return c.poll(ctx, jobID)
}

func (c *WorkerClient) dispatch(ctx context.Context, jobType string, params map[string]string) (string, error) {
	body, err := json.Marshal(map[string]interface{}{
		"type":       jobType,
		"parameters": params,
	})
	if err != nil {
		return "", fmt.Errorf("marshal %s request: %w", jobType, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/v1/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create %s request: %w", jobType, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit %s: %w", jobType, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("submit %s: worker status %d", jobType, resp.StatusCode)
	}

	var jr jobResponse
	if err := json.NewDecoder(resp.Body).Decode(&jr); err != nil {
		return "", fmt.Errorf("decode %s response: %w", jobType, err)
	}
	if jr.ID != "" {
		return jr.ID, nil
	}
	if jr.JobID != "" {
		return jr.JobID, nil
	}
	return "", fmt.Errorf("submit %s: response missing job id", jobType)
}

func (c *WorkerClient) poll(ctx context.Context, jobID string) (map[string]string, error) {
	jobURL := fmt.Sprintf("%s/v1/jobs/%s", c.endpoint, jobID)
	timeout := time.After(c.pollTimeout)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-timeout:
			return nil, fmt.Errorf("job %s: polling timeout", jobID)
		case <-ctx.Done():
			return nil, fmt.Errorf("job %s: polling canceled: %w", jobID, ctx.Err())
		case <-ticker.C:
			jr, err := c.fetchJob(ctx, jobURL)
			if err != nil {
				log.Printf("[Worker] poll %s: %v (retrying)", jobID, err)
				continue
			}
			switch jr.Status {
			case "finished", "success", "succeeded", "completed":
				return jr.Outputs, nil
			case "failed", "error":
				return nil, fmt.Errorf("job %s: worker reported failure: %s", jobID, jr.Error)
			}
		}
	}
}

func (c *WorkerClient) fetchJob(ctx context.Context, jobURL string) (*jobResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jobURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("worker status %d", resp.StatusCode)
	}
	jr := &jobResponse{}
	if err := json.Unmarshal(data, jr); err != nil {
		return nil, fmt.Errorf("decode job status: %w", err)
	}
	return jr, nil
}

func (c *WorkerClient) DeconstructNarrative(ctx context.Context, storyFile, project, location string) (string, error) {
	outputs, err := c.run(ctx, jobDeconstruct, map[string]string{
		"story_file": storyFile,
		"project":    project,
		"location":   location,
	})
	if err != nil {
		return "", err
	}
	schemaFile := outputs["schema_file"]
	if schemaFile == "" {
		return "", fmt.Errorf("deconstruct narrative: result missing schema_file")
	}
	return schemaFile, nil
}

func (c *WorkerClient) GenerateScreenplayAndStoryboard(ctx context.Context, schemaFile, project, location string) (string, string, error) {
	outputs, err := c.run(ctx, jobScreenplay, map[string]string{
		"schema_file": schemaFile,
		"project":     project,
		"location":    location,
	})
	if err != nil {
		return "", "", err
	}
	screenplayFile := outputs["screenplay_file"]
	storyboardFile := outputs["storyboard_file"]
	if screenplayFile == "" || storyboardFile == "" {
		return "", "", fmt.Errorf("screenplay generation: result missing screenplay_file or storyboard_file")
	}
	return screenplayFile, storyboardFile, nil
}

func (c *WorkerClient) GenerateVisualAssets(ctx context.Context, storyboardFile, schemaFile, project, location, style string) error {
	_, err := c.run(ctx, jobAssets, map[string]string{
		"storyboard_file": storyboardFile,
		"schema_file":     schemaFile,
		"project":         project,
		"location":        location,
		"style":           style,
	})
	return err
}

func (c *WorkerClient) SynthesizeVideo(ctx context.Context, storyboardFile, project, location string) (string, error) {
	outputs, err := c.run(ctx, jobVideo, map[string]string{
		"storyboard_file": storyboardFile,
		"project":         project,
		"location":        location,
	})
	if err != nil {
		return "", err
	}
	// An empty video_file means no clips could be produced; callers decide
	// how to record that.
	return outputs["video_file"], nil
}

func (c *WorkerClient) GenerateSoundtrack(ctx context.Context, schemaFile, project, location string) (string, error) {
	outputs, err := c.run(ctx, jobSoundtrack, map[string]string{
		"schema_file": schemaFile,
		"project":     project,
		"location":    location,
	})
	if err != nil {
		return "", err
	}
	dir := outputs["soundtrack_dir"]
	if dir == "" {
		return "", fmt.Errorf("soundtrack generation: result missing soundtrack_dir")
	}
	return dir, nil
}

func (c *WorkerClient) GenerateVoiceover(ctx context.Context, screenplayFile, project, location string) (string, error) {
	outputs, err := c.run(ctx, jobVoiceover, map[string]string{
		"screenplay_file": screenplayFile,
		"project":         project,
		"location":        location,
	})
	if err != nil {
		return "", err
	}
	file := outputs["voiceover_file"]
	if file == "" {
		return "", fmt.Errorf("voiceover generation: result missing voiceover_file")
	}
	return file, nil
}

func (c *WorkerClient) AssembleFinalFilm(ctx context.Context, videoClipsDir, voiceoverDir, soundtrackDir, projectName string) (string, error) {
	outputs, err := c.run(ctx, jobAssemble, map[string]string{
		"video_clips_dir": videoClipsDir,
		"voiceover_dir":   voiceoverDir,
		"soundtrack_dir":  soundtrackDir,
		"project":         projectName,
	})
	if err != nil {
		return "", err
	}
	file := outputs["final_film_file"]
	if file == "" {
		return "", fmt.Errorf("final assembly: result missing final_film_file")
	}
	return file, nil
}
