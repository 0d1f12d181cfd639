package ports

import "context"

// Engine is what the processor needs from an inference implementation.
// One Engine instance belongs to one worker; implementations do not need
// to be safe for concurrent use.
type Engine interface {
	// Generate produces a text completion for the prompt.
	Generate(ctx context.Context, prompt string) (string, error)

	// GenerateVision produces a completion for a prompt with attached
	// image files.
	GenerateVision(ctx context.Context, prompt string, imagePaths []string) (string, error)

	// Embed produces an embedding vector for the text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Close releases the engine's resources. Shared state (a model loaded
	// by several engines) is released when the last holder closes.
	Close() error
}
