package search

import (
	"context"
	"crypto/sha256"
)

const hashDimensions = 64

// HashEngine is a deterministic, dependency-free embedder: the SHA-256
// digest of the text cycled into a 64-dimension vector with each byte mapped
// to [-1, 1]. Useful for development and tests; not semantically meaningful.
type HashEngine struct{}

// NewHashEngine returns the debug hashing embedder.
func NewHashEngine() *HashEngine {
	return &HashEngine{}
}

// Embed generates the hash vector for a single text.
func (e *HashEngine) Embed(_ context.Context, text string) ([]float32, error) {
	digest := sha256.Sum256([]byte(text))
	vector := make([]float32, hashDimensions)
	for i := 0; i < hashDimensions; i++ {
		b := digest[i%len(digest)]
		// map byte (0-255) to [-1, 1]
		vector[i] = float32(b)/127.5 - 1.0
	}
	return vector, nil
}

// EmbedBatch generates hash vectors for multiple texts.
func (e *HashEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vector, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		vectors[i] = vector
	}
	return vectors, nil
}

// Dimensions returns the dimensionality of embeddings.
func (e *HashEngine) Dimensions() int {
	return hashDimensions
}

// Name returns the engine name.
func (e *HashEngine) Name() string {
	return "debug-hash"
}
