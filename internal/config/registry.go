package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/voxa-ai/voxa/pkg/provider/embeddings"
	"github.com/voxa-ai/voxa/pkg/provider/llm"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to constructor functions. main registers the
// providers it links in; the app layer instantiates them from config values.
// Safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	llm        map[string]func(AIConfig) (llm.Provider, error)
	embeddings map[string]func(EmbeddingsConfig) (embeddings.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm:        make(map[string]func(AIConfig) (llm.Provider, error)),
		embeddings: make(map[string]func(EmbeddingsConfig) (embeddings.Provider, error)),
	}
}

// RegisterLLM registers an LLM provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLLM(name string, factory func(AIConfig) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// RegisterEmbeddings registers an embeddings provider factory under name.
func (r *Registry) RegisterEmbeddings(name string, factory func(EmbeddingsConfig) (embeddings.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.embeddings[name] = factory
}

// CreateLLM instantiates the LLM provider registered under name.
// Returns [ErrProviderNotRegistered] if no factory exists for that name.
func (r *Registry) CreateLLM(name string, cfg AIConfig) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llm[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, name)
	}
	return factory(cfg)
}

// CreateEmbeddings instantiates the embeddings provider registered under name.
func (r *Registry) CreateEmbeddings(name string, cfg EmbeddingsConfig) (embeddings.Provider, error) {
	r.mu.RLock()
	factory, ok := r.embeddings[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: embeddings/%q", ErrProviderNotRegistered, name)
	}
	return factory(cfg)
}
