// Package search provides embedding generation and the semantic search
// service. Engines: a deterministic hashing embedder for development and
// tests, a local Ollama backend, and Google GenAI for cloud embeddings.
package search

import (
	"context"
	"fmt"
	"strings"

	"scratchpad/internal/logging"
)

// Engine generates vector embeddings for text.
type Engine interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimensionality of embeddings.
	Dimensions() int

	// Name returns the engine name; it doubles as the embedding version
	// stamped on every vector row.
	Name() string
}

// EngineConfig selects and configures the embedding backend.
type EngineConfig struct {
	// Model selects the backend: "debug*" for the hashing embedder,
	// "ollama:<model>" for a local Ollama server, anything else is treated
	// as a GenAI model name.
	Model string

	OllamaEndpoint string
	GenAIAPIKey    string
	BatchSize      int
}

// NewEngine creates an embedding engine from configuration.
func NewEngine(cfg EngineConfig) (Engine, error) {
	model := strings.TrimSpace(cfg.Model)
	switch {
	case model == "" || strings.HasPrefix(strings.ToLower(model), "debug"):
		logging.Embedding("Using deterministic hashing embedder (dimension=%d)", hashDimensions)
		return NewHashEngine(), nil
	case strings.HasPrefix(model, "ollama:"):
		name := strings.TrimPrefix(model, "ollama:")
		logging.Embedding("Using Ollama embedding engine: endpoint=%s model=%s", cfg.OllamaEndpoint, name)
		return NewOllamaEngine(cfg.OllamaEndpoint, name)
	default:
		name := strings.TrimPrefix(model, "genai:")
		logging.Embedding("Using GenAI embedding engine: model=%s", name)
		engine, err := NewGenAIEngine(cfg.GenAIAPIKey, name)
		if err != nil {
			return nil, fmt.Errorf("failed to create embedding engine: %w", err)
		}
		return engine, nil
	}
}
