package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/comigor/mioo-go/internal/logger"
)

// EmbeddingsClient is the subset of openai.Client used by ModelEmbedder.
type EmbeddingsClient interface {
	CreateEmbeddings(ctx context.Context, conv openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error)
}

// ModelConfig configures an OpenAI-compatible embeddings endpoint.
type ModelConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// NewOpenAIClientFunc returns a constructor for a go-openai client pointed
// at cfg.BaseURL. Nothing is dialled until the constructor runs.
func NewOpenAIClientFunc(cfg ModelConfig) func(context.Context) (EmbeddingsClient, error) {
	return func(context.Context) (EmbeddingsClient, error) {
		if strings.TrimSpace(cfg.BaseURL) == "" {
			return nil, errors.New("embedding base_url is empty")
		}
		key := cfg.APIKey
		if key == "" {
			key = "none"
		}
		oc := openai.DefaultConfig(key)
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		oc.HTTPClient = &http.Client{Timeout: timeout}
		return openai.NewClientWithConfig(oc), nil
	}
}

type modelHandle struct {
	client EmbeddingsClient
	dim    int
}

// ModelEmbedder embeds text with a remote model. The client is created on
// first use and probed once to learn the vector width; concurrent first
// callers share a single initialization. A failed initialization is
// remembered and reported as ErrModelUnavailable from then on.
type ModelEmbedder struct {
	model     string
	newClient func(context.Context) (EmbeddingsClient, error)
	cache     Cache
	log       *slog.Logger

	handle atomic.Pointer[modelHandle]
	failed atomic.Bool
	mu     sync.Mutex
	err    error // guarded by mu
}

// NewModelEmbedder builds a lazily-initialized model backend. cache may be nil.
func NewModelEmbedder(model string, newClient func(context.Context) (EmbeddingsClient, error), cache Cache) *ModelEmbedder {
	return &ModelEmbedder{
		model:     model,
		newClient: newClient,
		cache:     cache,
		log:       logger.Component("embedding"),
	}
}

func (m *ModelEmbedder) Model() string { return m.model }

// Available reports whether the model has been initialized successfully.
func (m *ModelEmbedder) Available() bool { return m.handle.Load() != nil }

// Dim returns the probed vector width, or 0 before initialization.
func (m *ModelEmbedder) Dim() int {
	if h := m.handle.Load(); h != nil {
		return h.dim
	}
	return 0
}

func (m *ModelEmbedder) get(ctx context.Context) (*modelHandle, error) {
	if h := m.handle.Load(); h != nil {
		return h, nil
	}
	if m.failed.Load() {
		return nil, ErrModelUnavailable
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if h := m.handle.Load(); h != nil {
		return h, nil
	}
	if m.err != nil {
		return nil, m.err
	}

	m.log.Info("initializing embedding model", "model", m.model)
	h, err := m.init(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		m.err = fmt.Errorf("%w: %v", ErrModelUnavailable, err)
		m.failed.Store(true)
		return nil, m.err
	}
	m.handle.Store(h)
	m.log.Info("embedding model ready", "model", m.model, "dim", h.dim)
	return h, nil
}

func (m *ModelEmbedder) init(ctx context.Context) (*modelHandle, error) {
	if m.newClient == nil {
		return nil, errors.New("no embeddings client configured")
	}
	client, err := m.newClient(ctx)
	if err != nil {
		return nil, err
	}
	probe, err := embedOnce(ctx, client, m.model, "ping")
	if err != nil {
		return nil, fmt.Errorf("probe: %w", err)
	}
	if len(probe) == 0 {
		return nil, errors.New("probe returned an empty vector")
	}
	return &modelHandle{client: client, dim: len(probe)}, nil
}

func (m *ModelEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	h, err := m.get(ctx)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return make([]float32, h.dim), nil
	}

	key := CacheKey(m.model, text)
	if m.cache != nil {
		if vec, ok := m.cache.Get(ctx, key); ok && len(vec) == h.dim {
			return vec, nil
		}
	}

	vec, err := embedOnce(ctx, h.client, m.model, text)
	if err != nil {
		return nil, err
	}
	if len(vec) != h.dim {
		return nil, fmt.Errorf("model %s returned dim %d, expected %d", m.model, len(vec), h.dim)
	}
	if m.cache != nil {
		m.cache.Set(ctx, key, vec)
	}
	return vec, nil
}

func embedOnce(ctx context.Context, client EmbeddingsClient, model, text string) ([]float32, error) {
	resp, err := client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(model),
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("embeddings response has no data")
	}
	return resp.Data[0].Embedding, nil
}
