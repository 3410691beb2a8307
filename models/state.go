package models

import (
	"regexp"
	"sort"
	"time"
)

// Step statuses. A step cycles not_started -> running -> success/failed and
// may re-enter running on retry.
const (
	StepStatusNotStarted = "not_started"
	StepStatusRunning    = "running"
	StepStatusSuccess    = "success"
	StepStatusFailed     = "failed"
)

// Canonical step keys.
const (
	StepNarrative    = "narrative_deconstructed"
	StepScreenplay   = "screenplay_generated"
	StepStoryboard   = "storyboard_generated"
	StepVisualAssets = "visual_assets_generated"
	StepVideo        = "video_synthesized"
	StepSoundtrack   = "soundtrack_generated"
	StepVoiceover    = "voiceover_generated"
	StepFinalFilm    = "final_film_assembled"
)

// PipelineSteps are the canonical step keys, in pipeline order. Custom step
// keys are auto-registered on first reference.
var PipelineSteps = []string{
	StepNarrative,
	StepScreenplay,
	StepStoryboard,
	StepVisualAssets,
	StepVideo,
	StepSoundtrack,
	StepVoiceover,
	StepFinalFilm,
}

// ArtifactKeys are the step output keys mirrored to the top-level artifacts
// map for convenience lookup.
var ArtifactKeys = []string{
	"schema_file",
	"screenplay_file",
	"storyboard_file",
	"video_file",
	"soundtrack_dir",
	"voiceover_file",
	"final_film_file",
}

// maxErrorLen bounds stored error messages.
const maxErrorLen = 500

type Step struct {
	Status     string            `json:"status"`
	StartedAt  string            `json:"started_at"`
	FinishedAt string            `json:"finished_at"`
	Error      string            `json:"error"`
	Outputs    map[string]string `json:"outputs"`
}

type HistoryEntry struct {
	Time  string            `json:"time"`
	Event string            `json:"event"`
	Meta  map[string]string `json:"meta"`
}

type ProjectState struct {
	Project   string            `json:"project"`
	CreatedAt string            `json:"created_at"`
	UpdatedAt string            `json:"updated_at"`
	Steps     map[string]*Step  `json:"steps"`
	Artifacts map[string]string `json:"artifacts"`
	History   []HistoryEntry    `json:"history"`
}

// StepUpdate is the single mutation applied to a step. Zero-value fields are
// left untouched: an empty Status changes no status, nil Outputs merge
// nothing, an empty Error records no error.
type StepUpdate struct {
	Status  string
	Outputs map[string]string
	Error   string
}

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// SanitizeProjectName normalizes a project identifier into a filesystem and
// row safe key.
func SanitizeProjectName(name string) string {
	return unsafeNameChars.ReplaceAllString(name, "_")
}

func nowISO() string {
	return time.Now().UTC().Truncate(time.Second).Format(time.RFC3339)
}

func newStep() *Step {
	return &Step{
		Status:  StepStatusNotStarted,
		Outputs: map[string]string{},
	}
}

// NewDefaultState constructs the initial state for a project: every canonical
// step not_started, empty artifacts, empty history.
func NewDefaultState(project string) *ProjectState {
	now := nowISO()
	state := &ProjectState{
		Project:   project,
		CreatedAt: now,
		UpdatedAt: now,
		Steps:     make(map[string]*Step, len(PipelineSteps)),
		Artifacts: make(map[string]string, len(ArtifactKeys)),
		History:   []HistoryEntry{},
	}
	for _, key := range PipelineSteps {
		state.Steps[key] = newStep()
	}
	return state
}

// EnsureStep returns the step for key, registering a custom step with default
// state on first reference.
func (s *ProjectState) EnsureStep(key string) *Step {
	if s.Steps == nil {
		s.Steps = map[string]*Step{}
	}
	step, ok := s.Steps[key]
	if !ok {
		step = newStep()
		s.Steps[key] = step
	}
	if step.Outputs == nil {
		step.Outputs = map[string]string{}
	}
	return step
}

// FillMissing synthesizes canonical steps and artifact keys absent from a
// loaded state, so older documents and partially seeded rows always present
// a complete view.
func (s *ProjectState) FillMissing() {
	for _, key := range PipelineSteps {
		s.EnsureStep(key)
	}
	if s.Artifacts == nil {
		s.Artifacts = map[string]string{}
	}
	if s.History == nil {
		s.History = []HistoryEntry{}
	}
}

// StepKeys returns the state's step keys with canonical steps first in
// pipeline order, followed by custom steps sorted by name.
func (s *ProjectState) StepKeys() []string {
	keys := make([]string, 0, len(s.Steps))
	canonical := make(map[string]bool, len(PipelineSteps))
	for _, key := range PipelineSteps {
		canonical[key] = true
		if _, ok := s.Steps[key]; ok {
			keys = append(keys, key)
		}
	}
	extras := make([]string, 0)
	for key := range s.Steps {
		if !canonical[key] {
			extras = append(extras, key)
		}
	}
	sort.Strings(extras)
	return append(keys, extras...)
}

// ApplyStepUpdate mutates the named step per the transition rules, mirrors
// recognized output keys into artifacts, appends history entries and bumps
// updated_at. It is the shared mutation path for both backends.
func (s *ProjectState) ApplyStepUpdate(stepKey string, upd StepUpdate) {
	step := s.EnsureStep(stepKey)
	now := nowISO()

	if upd.Status != "" {
		prev := step.Status
		step.Status = upd.Status
		if upd.Status == StepStatusRunning && step.StartedAt == "" {
			step.StartedAt = now
		}
		if upd.Status == StepStatusSuccess || upd.Status == StepStatusFailed {
			step.FinishedAt = now
		}
		s.History = append(s.History, HistoryEntry{
			Time:  now,
			Event: "step:" + stepKey + ":" + upd.Status,
			Meta:  map[string]string{"prev": prev},
		})
	}

	if len(upd.Outputs) > 0 {
		for k, v := range upd.Outputs {
			step.Outputs[k] = v
		}
		s.mirrorArtifacts(upd.Outputs)
	}

	if upd.Error != "" {
		msg := truncateError(upd.Error)
		step.Error = msg
		if upd.Status == "" {
			step.Status = StepStatusFailed
			step.FinishedAt = now
		}
		s.History = append(s.History, HistoryEntry{
			Time:  now,
			Event: "step:" + stepKey + ":error",
			Meta:  map[string]string{"error": msg},
		})
	}

	s.UpdatedAt = now
}

// mirrorArtifacts copies recognized non-empty output values to the top-level
// artifact pointers. Artifacts are never cleared here: only a later non-empty
// value overwrites.
func (s *ProjectState) mirrorArtifacts(outputs map[string]string) {
	if s.Artifacts == nil {
		s.Artifacts = map[string]string{}
	}
	for _, key := range ArtifactKeys {
		if v, ok := outputs[key]; ok && v != "" {
			s.Artifacts[key] = v
		}
	}
}

func truncateError(msg string) string {
	if len(msg) > maxErrorLen {
		return msg[:maxErrorLen]
	}
	return msg
}
