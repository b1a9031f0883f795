package domain

import (
	"context"
)

// VectorEncoder defines the interface for generating embeddings.
type VectorEncoder interface {
	// Encode returns one embedding per input text, in input order.
	Encode(ctx context.Context, texts []string) ([][]float32, error)

	// ModelName returns the model identifier for logging/debugging.
	ModelName() string
}
