// Package embedding turns message text into fixed-length float32 vectors.
//
// Two backends exist: a model backend that calls an OpenAI-compatible
// embeddings endpoint (Ollama, Azure, Ark), and a deterministic hash
// backend built from character n-grams. A Provider selects one at
// configuration time and falls back from the model backend to the hash
// backend when the model cannot be initialized.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// DefaultHashDim is the hash backend width when none is configured.
const DefaultHashDim = 512

// ErrModelUnavailable marks a model backend that failed to initialize.
var ErrModelUnavailable = errors.New("embedding model unavailable")

// Embedder maps text to a vector whose length is constant for the
// lifetime of the Embedder.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	// Model identifies the vectors produced, stored alongside each record.
	Model() string
}

// Backend is the configured embedding backend.
type Backend int

const (
	BackendModel Backend = iota + 1
	BackendHash
)

func (b Backend) String() string {
	switch b {
	case BackendModel:
		return "model"
	case BackendHash:
		return "hash"
	default:
		return fmt.Sprintf("Backend(%d)", int(b))
	}
}

// ParseBackend converts a configuration value into a Backend. "fastembed"
// is accepted as an alias of "model".
func ParseBackend(s string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "model", "fastembed", "":
		return BackendModel, nil
	case "hash":
		return BackendHash, nil
	default:
		return 0, fmt.Errorf("unknown embedding backend %q", s)
	}
}
