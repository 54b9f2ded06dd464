package ports

import "context"

// Generation is the raw answer of a generation model.
// Exactly one of Text or Structured is set.
type Generation struct {
	Text       string
	Structured any
}

// Generator is the text-generation model used for triage, drafting and decision compilation.
type Generator interface {
	// Generate sends a prompt. promptName identifies the prompt template for logging and metrics.
	Generate(ctx context.Context, prompt, promptName string) (Generation, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, prompt, promptName string) (Generation, error)

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, prompt, promptName string) (Generation, error) {
	return f(ctx, prompt, promptName)
}
