package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"path/filepath"

	"github.com/hibiken/asynq"

	"cineforge-server/config"
	"cineforge-server/models"
	"cineforge-server/pipeline"
)

// ErrMissingConfig reports that a job cannot run because the Vertex project
// is configured neither in the payload nor in the server config. Jobs failing
// this way are never retried.
var ErrMissingConfig = errors.New("vertex project not configured")

// Processor consumes pipeline jobs from the broker. Every stage handler
// follows the same contract: validate configuration, mark the step running,
// invoke the generation collaborator, then mark success with the produced
// outputs or failed with the error before handing the error back to the
// queue's retry policy.
type Processor struct {
	cfg      *config.Config
	store    models.StateStore
	gen      pipeline.Generator
	uploader *Uploader // nil when MinIO is not configured; uploads are skipped
}

func NewProcessor(cfg *config.Config, store models.StateStore, gen pipeline.Generator, uploader *Uploader) *Processor {
	return &Processor{cfg: cfg, store: store, gen: gen, uploader: uploader}
}

// Start launches the asynq worker server in the background.
func (p *Processor) Start(concurrency int) {
	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     p.cfg.Redis.Addr,
			Password: p.cfg.Redis.Password,
		},
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				"default": 1,
			},
		},
	)
	log.Printf("[Processor] starting with concurrency %d", concurrency)
	go func() {
		if err := srv.Run(p.Mux()); err != nil {
			log.Fatalf("could not run worker server: %v", err)
		}
	}()
}

// Mux maps task types to their handlers.
func (p *Processor) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeDeconstruct, p.HandleDeconstruct)
	mux.HandleFunc(TypeScreenplay, p.HandleScreenplay)
	mux.HandleFunc(TypeAssets, p.HandleAssets)
	mux.HandleFunc(TypeVideo, p.HandleVideo)
	mux.HandleFunc(TypeSoundtrack, p.HandleSoundtrack)
	mux.HandleFunc(TypeVoiceover, p.HandleVoiceover)
	mux.HandleFunc(TypeAssemble, p.HandleAssemble)
	mux.HandleFunc(TypeFullPipeline, p.HandleFullPipeline)
	return mux
}

func decodePayload(t *asynq.Task) (StagePayload, error) {
	var payload StagePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return payload, fmt.Errorf("unmarshal payload: %v: %w", err, asynq.SkipRetry)
	}
	return payload, nil
}

// resolveVertex resolves the generation credentials for a job: payload
// override first, then server config. A missing project fails the job
// immediately without retry.
func (p *Processor) resolveVertex(payload StagePayload) (string, string, error) {
	project := payload.Project
	if project == "" {
		project = p.cfg.Vertex.Project
	}
	location := payload.Location
	if location == "" {
		location = p.cfg.Vertex.Location
	}
	if location == "" {
		location = "us-central1"
	}
	if project == "" {
		return "", "", fmt.Errorf("%w: %w", ErrMissingConfig, asynq.SkipRetry)
	}
	return project, location, nil
}

// resolveStyle maps a configured preset name to its style prompt; an unknown
// value is passed through as a literal prompt.
func (p *Processor) resolveStyle(style string) string {
	if prompt, ok := p.cfg.Styles[style]; ok {
		return prompt
	}
	return style
}

// failStep records a stage failure on each step before the error is handed
// back to the retry policy, so the failure stays visible in project state
// even when a later attempt succeeds.
func (p *Processor) failStep(project string, cause error, stepKeys ...string) {
	for _, key := range stepKeys {
		_, err := p.store.UpdateStep(project, key, models.StepUpdate{
			Status: models.StepStatusFailed,
			Error:  cause.Error(),
		})
		if err != nil {
			log.Printf("[Processor] record failure for %s/%s: %v", project, key, err)
		}
	}
}

func (p *Processor) markRunning(project string, stepKeys ...string) error {
	for _, key := range stepKeys {
		if _, err := p.store.UpdateStep(project, key, models.StepUpdate{Status: models.StepStatusRunning}); err != nil {
			return fmt.Errorf("mark %s/%s running: %w", project, key, err)
		}
	}
	return nil
}

// writeResult publishes the job's result payload through the queue's result
// store so status queries can return it.
func writeResult(t *asynq.Task, v interface{}) {
	w := t.ResultWriter()
	if w == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("[Processor] marshal result: %v", err)
		return
	}
	if _, err := w.Write(data); err != nil {
		log.Printf("[Processor] write result: %v", err)
	}
}

func (p *Processor) reportProgress(t *asynq.Task, stage string, progress float64, msg string) {
	writeResult(t, map[string]interface{}{
		"stage":    stage,
		"progress": progress,
		"msg":      msg,
	})
}

func (p *Processor) HandleDeconstruct(ctx context.Context, t *asynq.Task) error {
	payload, err := decodePayload(t)
	if err != nil {
		return err
	}
	project, location, err := p.resolveVertex(payload)
	if err != nil {
		return err
	}
	name := DeriveProjectNameFromStoryFile(payload.StoryFile)
	if _, err := p.store.Init(name); err != nil {
		return fmt.Errorf("init project %s: %w", name, err)
	}
	if err := p.markRunning(name, models.StepNarrative); err != nil {
		return err
	}

	schemaFile, err := p.gen.DeconstructNarrative(ctx, payload.StoryFile, project, location)
	if err != nil {
		p.failStep(name, err, models.StepNarrative)
		return fmt.Errorf("deconstruct narrative: %w", err)
	}

	if _, err := p.store.UpdateStep(name, models.StepNarrative, models.StepUpdate{
		Status:  models.StepStatusSuccess,
		Outputs: map[string]string{"schema_file": schemaFile},
	}); err != nil {
		return fmt.Errorf("record narrative success: %w", err)
	}
	writeResult(t, map[string]string{"project": name, "schema_file": schemaFile})
	return nil
}

func (p *Processor) HandleScreenplay(ctx context.Context, t *asynq.Task) error {
	payload, err := decodePayload(t)
	if err != nil {
		return err
	}
	project, location, err := p.resolveVertex(payload)
	if err != nil {
		return err
	}
	name := DeriveProjectNameFromSchemaFile(payload.SchemaFile)
	if _, err := p.store.Init(name); err != nil {
		return fmt.Errorf("init project %s: %w", name, err)
	}
	if err := p.markRunning(name, models.StepScreenplay, models.StepStoryboard); err != nil {
		return err
	}

	screenplayFile, storyboardFile, err := p.gen.GenerateScreenplayAndStoryboard(ctx, payload.SchemaFile, project, location)
	if err != nil {
		p.failStep(name, err, models.StepScreenplay, models.StepStoryboard)
		return fmt.Errorf("generate screenplay and storyboard: %w", err)
	}

	if _, err := p.store.UpdateStep(name, models.StepScreenplay, models.StepUpdate{
		Status:  models.StepStatusSuccess,
		Outputs: map[string]string{"screenplay_file": screenplayFile},
	}); err != nil {
		return fmt.Errorf("record screenplay success: %w", err)
	}
	if _, err := p.store.UpdateStep(name, models.StepStoryboard, models.StepUpdate{
		Status:  models.StepStatusSuccess,
		Outputs: map[string]string{"storyboard_file": storyboardFile},
	}); err != nil {
		return fmt.Errorf("record storyboard success: %w", err)
	}
	writeResult(t, map[string]string{
		"project":         name,
		"screenplay_file": screenplayFile,
		"storyboard_file": storyboardFile,
	})
	return nil
}

func (p *Processor) HandleAssets(ctx context.Context, t *asynq.Task) error {
	payload, err := decodePayload(t)
	if err != nil {
		return err
	}
	project, location, err := p.resolveVertex(payload)
	if err != nil {
		return err
	}
	name := DeriveProjectNameFromStoryboardFile(payload.StoryboardFile)
	if _, err := p.store.Init(name); err != nil {
		return fmt.Errorf("init project %s: %w", name, err)
	}
	if err := p.markRunning(name, models.StepVisualAssets); err != nil {
		return err
	}

	style := p.resolveStyle(payload.Style)
	if err := p.gen.GenerateVisualAssets(ctx, payload.StoryboardFile, payload.SchemaFile, project, location, style); err != nil {
		p.failStep(name, err, models.StepVisualAssets)
		return fmt.Errorf("generate visual assets: %w", err)
	}

	if _, err := p.store.UpdateStep(name, models.StepVisualAssets, models.StepUpdate{
		Status: models.StepStatusSuccess,
	}); err != nil {
		return fmt.Errorf("record visual assets success: %w", err)
	}
	writeResult(t, map[string]string{"project": name})
	return nil
}

func (p *Processor) HandleVideo(ctx context.Context, t *asynq.Task) error {
	payload, err := decodePayload(t)
	if err != nil {
		return err
	}
	project, location, err := p.resolveVertex(payload)
	if err != nil {
		return err
	}
	name := DeriveProjectNameFromStoryboardFile(payload.StoryboardFile)
	if _, err := p.store.Init(name); err != nil {
		return fmt.Errorf("init project %s: %w", name, err)
	}
	if err := p.markRunning(name, models.StepVideo); err != nil {
		return err
	}

	videoFile, err := p.gen.SynthesizeVideo(ctx, payload.StoryboardFile, project, location)
	if err != nil {
		p.failStep(name, err, models.StepVideo)
		return fmt.Errorf("synthesize video: %w", err)
	}
	if videoFile == "" {
		// The collaborator completed but produced no clips; record the
		// failure without retrying, since retrying changes nothing.
		p.failStep(name, errors.New("video synthesis produced no clips"), models.StepVideo)
		writeResult(t, map[string]string{"project": name})
		return nil
	}

	if _, err := p.store.UpdateStep(name, models.StepVideo, models.StepUpdate{
		Status:  models.StepStatusSuccess,
		Outputs: map[string]string{"video_file": videoFile},
	}); err != nil {
		return fmt.Errorf("record video success: %w", err)
	}
	writeResult(t, map[string]string{"project": name, "video_file": videoFile})
	return nil
}

func (p *Processor) HandleSoundtrack(ctx context.Context, t *asynq.Task) error {
	payload, err := decodePayload(t)
	if err != nil {
		return err
	}
	project, location, err := p.resolveVertex(payload)
	if err != nil {
		return err
	}
	name := DeriveProjectNameFromSchemaFile(payload.SchemaFile)
	if _, err := p.store.Init(name); err != nil {
		return fmt.Errorf("init project %s: %w", name, err)
	}
	if err := p.markRunning(name, models.StepSoundtrack); err != nil {
		return err
	}

	soundtrackDir, err := p.gen.GenerateSoundtrack(ctx, payload.SchemaFile, project, location)
	if err != nil {
		p.failStep(name, err, models.StepSoundtrack)
		return fmt.Errorf("generate soundtrack: %w", err)
	}

	if _, err := p.store.UpdateStep(name, models.StepSoundtrack, models.StepUpdate{
		Status:  models.StepStatusSuccess,
		Outputs: map[string]string{"soundtrack_dir": soundtrackDir},
	}); err != nil {
		return fmt.Errorf("record soundtrack success: %w", err)
	}
	writeResult(t, map[string]string{"project": name, "soundtrack_dir": soundtrackDir})
	return nil
}

func (p *Processor) HandleVoiceover(ctx context.Context, t *asynq.Task) error {
	payload, err := decodePayload(t)
	if err != nil {
		return err
	}
	project, location, err := p.resolveVertex(payload)
	if err != nil {
		return err
	}
	name := DeriveProjectNameFromScreenplayFile(payload.ScreenplayFile)
	if _, err := p.store.Init(name); err != nil {
		return fmt.Errorf("init project %s: %w", name, err)
	}
	if err := p.markRunning(name, models.StepVoiceover); err != nil {
		return err
	}

	voiceoverFile, err := p.gen.GenerateVoiceover(ctx, payload.ScreenplayFile, project, location)
	if err != nil {
		p.failStep(name, err, models.StepVoiceover)
		return fmt.Errorf("generate voiceover: %w", err)
	}

	if _, err := p.store.UpdateStep(name, models.StepVoiceover, models.StepUpdate{
		Status:  models.StepStatusSuccess,
		Outputs: map[string]string{"voiceover_file": voiceoverFile},
	}); err != nil {
		return fmt.Errorf("record voiceover success: %w", err)
	}
	writeResult(t, map[string]string{"project": name, "voiceover_file": voiceoverFile})
	return nil
}

func (p *Processor) HandleAssemble(ctx context.Context, t *asynq.Task) error {
	payload, err := decodePayload(t)
	if err != nil {
		return err
	}
	name := payload.ProjectName
	if name == "" {
		return fmt.Errorf("assemble: project name required: %w", asynq.SkipRetry)
	}
	if _, err := p.store.Init(name); err != nil {
		return fmt.Errorf("init project %s: %w", name, err)
	}
	if err := p.markRunning(name, models.StepFinalFilm); err != nil {
		return err
	}

	filmFile, err := p.gen.AssembleFinalFilm(ctx, payload.VideoClipsDir, payload.VoiceoverDir, payload.SoundtrackDir, name)
	if err != nil {
		p.failStep(name, err, models.StepFinalFilm)
		return fmt.Errorf("assemble final film: %w", err)
	}

	outputs := map[string]string{"final_film_file": filmFile}
	if p.uploader != nil {
		objectName := fmt.Sprintf("projects/%s/%s", models.SanitizeProjectName(name), filepath.Base(filmFile))
		if url, uerr := p.uploader.UploadFile(ctx, filmFile, objectName); uerr != nil {
			log.Printf("[Processor] upload final film for %s: %v", name, uerr)
		} else {
			outputs["final_film_url"] = url
		}
	}

	if _, err := p.store.UpdateStep(name, models.StepFinalFilm, models.StepUpdate{
		Status:  models.StepStatusSuccess,
		Outputs: outputs,
	}); err != nil {
		return fmt.Errorf("record final film success: %w", err)
	}
	writeResult(t, outputs)
	return nil
}

func stepSucceeded(state *models.ProjectState, key string) bool {
	step, ok := state.Steps[key]
	return ok && step.Status == models.StepStatusSuccess
}

// HandleFullPipeline runs every stage sequentially in one worker invocation,
// updating each step exactly as the standalone stage jobs do. Stages whose
// step is already recorded successful are skipped with their stored outputs
// reused, so a retry of the composite job resumes from the first incomplete
// stage instead of re-running the whole pipeline.
func (p *Processor) HandleFullPipeline(ctx context.Context, t *asynq.Task) error {
	payload, err := decodePayload(t)
	if err != nil {
		return err
	}
	project, location, err := p.resolveVertex(payload)
	if err != nil {
		return err
	}
	name := DeriveProjectNameFromStoryFile(payload.StoryFile)
	state, err := p.store.Init(name)
	if err != nil {
		return fmt.Errorf("init project %s: %w", name, err)
	}

	// Stage 1: narrative deconstruction.
	var schemaFile string
	if stepSucceeded(state, models.StepNarrative) && state.Steps[models.StepNarrative].Outputs["schema_file"] != "" {
		schemaFile = state.Steps[models.StepNarrative].Outputs["schema_file"]
		log.Printf("[Pipeline] %s: narrative already deconstructed, skipping", name)
	} else {
		p.reportProgress(t, "deconstruct", 0.10, "Deconstructing narrative")
		if err := p.markRunning(name, models.StepNarrative); err != nil {
			return err
		}
		schemaFile, err = p.gen.DeconstructNarrative(ctx, payload.StoryFile, project, location)
		if err != nil {
			p.failStep(name, err, models.StepNarrative)
			return fmt.Errorf("deconstruct narrative: %w", err)
		}
		state, err = p.store.UpdateStep(name, models.StepNarrative, models.StepUpdate{
			Status:  models.StepStatusSuccess,
			Outputs: map[string]string{"schema_file": schemaFile},
		})
		if err != nil {
			return fmt.Errorf("record narrative success: %w", err)
		}
	}

	// Stage 2: screenplay and storyboard.
	var screenplayFile, storyboardFile string
	if stepSucceeded(state, models.StepScreenplay) && stepSucceeded(state, models.StepStoryboard) &&
		state.Steps[models.StepScreenplay].Outputs["screenplay_file"] != "" &&
		state.Steps[models.StepStoryboard].Outputs["storyboard_file"] != "" {
		screenplayFile = state.Steps[models.StepScreenplay].Outputs["screenplay_file"]
		storyboardFile = state.Steps[models.StepStoryboard].Outputs["storyboard_file"]
		log.Printf("[Pipeline] %s: screenplay and storyboard already generated, skipping", name)
	} else {
		p.reportProgress(t, "script+storyboard", 0.45, "Generating screenplay & storyboard")
		if err := p.markRunning(name, models.StepScreenplay, models.StepStoryboard); err != nil {
			return err
		}
		screenplayFile, storyboardFile, err = p.gen.GenerateScreenplayAndStoryboard(ctx, schemaFile, project, location)
		if err != nil {
			p.failStep(name, err, models.StepScreenplay, models.StepStoryboard)
			return fmt.Errorf("generate screenplay and storyboard: %w", err)
		}
		if _, err := p.store.UpdateStep(name, models.StepScreenplay, models.StepUpdate{
			Status:  models.StepStatusSuccess,
			Outputs: map[string]string{"screenplay_file": screenplayFile},
		}); err != nil {
			return fmt.Errorf("record screenplay success: %w", err)
		}
		state, err = p.store.UpdateStep(name, models.StepStoryboard, models.StepUpdate{
			Status:  models.StepStatusSuccess,
			Outputs: map[string]string{"storyboard_file": storyboardFile},
		})
		if err != nil {
			return fmt.Errorf("record storyboard success: %w", err)
		}
	}

	// Stage 3: visual assets.
	if stepSucceeded(state, models.StepVisualAssets) {
		log.Printf("[Pipeline] %s: visual assets already generated, skipping", name)
	} else {
		p.reportProgress(t, "assets", 0.75, "Generating visual assets")
		if err := p.markRunning(name, models.StepVisualAssets); err != nil {
			return err
		}
		style := p.resolveStyle(payload.Style)
		if err := p.gen.GenerateVisualAssets(ctx, storyboardFile, schemaFile, project, location, style); err != nil {
			p.failStep(name, err, models.StepVisualAssets)
			return fmt.Errorf("generate visual assets: %w", err)
		}
		state, err = p.store.UpdateStep(name, models.StepVisualAssets, models.StepUpdate{
			Status: models.StepStatusSuccess,
		})
		if err != nil {
			return fmt.Errorf("record visual assets success: %w", err)
		}
	}

	// Stage 4: video synthesis.
	var videoFile string
	if stepSucceeded(state, models.StepVideo) {
		videoFile = state.Steps[models.StepVideo].Outputs["video_file"]
		log.Printf("[Pipeline] %s: video already synthesized, skipping", name)
	} else {
		p.reportProgress(t, "video", 0.90, "Synthesizing video")
		if err := p.markRunning(name, models.StepVideo); err != nil {
			return err
		}
		videoFile, err = p.gen.SynthesizeVideo(ctx, storyboardFile, project, location)
		if err != nil {
			p.failStep(name, err, models.StepVideo)
			return fmt.Errorf("synthesize video: %w", err)
		}
		if videoFile == "" {
			p.failStep(name, errors.New("video synthesis produced no clips"), models.StepVideo)
		} else {
			if _, err := p.store.UpdateStep(name, models.StepVideo, models.StepUpdate{
				Status:  models.StepStatusSuccess,
				Outputs: map[string]string{"video_file": videoFile},
			}); err != nil {
				return fmt.Errorf("record video success: %w", err)
			}
		}
	}

	writeResult(t, map[string]string{
		"project":         name,
		"schema_file":     schemaFile,
		"screenplay_file": screenplayFile,
		"storyboard_file": storyboardFile,
		"video_file":      videoFile,
	})
	return nil
}
