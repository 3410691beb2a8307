package pipeline

import "context"

// Generator is the external generation collaborator behind every pipeline
// stage. Implementations perform the actual model calls (narrative analysis,
// image, video, speech); the orchestration core only cares that each call
// blocks until done and may return an error.
//
// project and location identify the Vertex project/region the generation
// runs against; paths are locators on shared storage.
type Generator interface {
	// DeconstructNarrative analyzes a raw story file and returns the path
	// of the generated narrative schema.
	DeconstructNarrative(ctx context.Context, storyFile, project, location string) (string, error)

	// GenerateScreenplayAndStoryboard produces a screenplay and a
	// storyboard from a narrative schema, returning both paths.
	GenerateScreenplayAndStoryboard(ctx context.Context, schemaFile, project, location string) (screenplayFile, storyboardFile string, err error)

	// GenerateVisualAssets renders storyboard images for every shot.
	// style, when non-empty, is the style prompt applied to each image.
	GenerateVisualAssets(ctx context.Context, storyboardFile, schemaFile, project, location, style string) error

	// SynthesizeVideo builds per-shot clips and concatenates them into a
	// single video. Returns "" without error when no clips could be
	// produced.
	SynthesizeVideo(ctx context.Context, storyboardFile, project, location string) (string, error)

	// GenerateSoundtrack produces per-scene soundtracks and returns the
	// directory that holds them.
	GenerateSoundtrack(ctx context.Context, schemaFile, project, location string) (string, error)

	// GenerateVoiceover narrates the screenplay into a single audio file.
	GenerateVoiceover(ctx context.Context, screenplayFile, project, location string) (string, error)

	// AssembleFinalFilm muxes clips, voiceover and soundtrack into the
	// finished film and returns its path.
	AssembleFinalFilm(ctx context.Context, videoClipsDir, voiceoverDir, soundtrackDir, projectName string) (string, error)
}
