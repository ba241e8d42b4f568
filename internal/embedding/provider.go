package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/comigor/mioo-go/internal/logger"
)

// Settings selects and configures the embedding backend.
type Settings struct {
	Backend Backend
	Model   ModelConfig
	HashDim int
	Cache   Cache
}

// Provider is the Embedder handed to the rest of the application. It uses
// the model backend when configured and available, and the hash backend
// otherwise.
type Provider struct {
	backend Backend
	model   *ModelEmbedder
	hash    *HashEmbedder
	log     *slog.Logger

	warnOnce sync.Once
}

// New builds a Provider from settings. The model backend is not contacted
// until the first Embed call.
func New(s Settings) (*Provider, error) {
	switch s.Backend {
	case BackendHash:
		return NewProvider(BackendHash, nil, NewHashEmbedder(s.HashDim)), nil
	case BackendModel:
		if s.Model.Model == "" {
			return nil, errors.New("embedding model name required for the model backend")
		}
		m := NewModelEmbedder(s.Model.Model, NewOpenAIClientFunc(s.Model), s.Cache)
		return NewProvider(BackendModel, m, NewHashEmbedder(s.HashDim)), nil
	default:
		return nil, fmt.Errorf("unsupported embedding backend %s", s.Backend)
	}
}

// NewProvider assembles a Provider from explicit backends. model may be nil
// for BackendHash.
func NewProvider(backend Backend, model *ModelEmbedder, hash *HashEmbedder) *Provider {
	if hash == nil {
		hash = NewHashEmbedder(DefaultHashDim)
	}
	return &Provider{
		backend: backend,
		model:   model,
		hash:    hash,
		log:     logger.Component("embedding"),
	}
}

func (p *Provider) useModel() bool {
	return p.backend == BackendModel && p.model != nil && !p.model.failed.Load()
}

func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	if !p.useModel() {
		return p.hash.Vector(text), nil
	}
	vec, err := p.model.Embed(ctx, text)
	if errors.Is(err, ErrModelUnavailable) {
		p.warnOnce.Do(func() {
			p.log.Warn("embedding model unavailable, using hash backend",
				"model", p.model.Model(), "error", err, "hash_dim", p.hash.Dim())
		})
		return p.hash.Vector(text), nil
	}
	return vec, err
}

// Model reports the backend currently producing vectors.
func (p *Provider) Model() string {
	if p.useModel() {
		return p.model.Model()
	}
	return p.hash.Model()
}

// Backend reports the configured backend, not the one currently active.
func (p *Provider) Backend() Backend { return p.backend }
