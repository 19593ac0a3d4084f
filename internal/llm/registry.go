package llm

import (
	"fmt"
	"net/http"
	"sort"
	"sync"
)

// Factory builds a Client for one provider configuration.
type Factory func(cfg ProviderConfig, httpClient *http.Client) (Client, error)

// Registry maps provider names to factories. Adding a backend is a
// Register call.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry returns a registry with every built-in backend.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("openai", newOpenAIFactory("openai", openaiBaseURL, "gpt-4o-mini"))
	r.Register("groq", newOpenAIFactory("groq", groqBaseURL, "llama-3.1-8b-instant"))
	r.Register("openrouter", newOpenAIFactory("openrouter", openrouterBaseURL, "openai/gpt-4o-mini"))
	r.Register("anthropic", func(cfg ProviderConfig, hc *http.Client) (Client, error) {
		return NewAnthropicClient(cfg, hc), nil
	})
	r.Register("gemini", func(cfg ProviderConfig, hc *http.Client) (Client, error) {
		return NewGeminiClient(cfg, hc)
	})
	return r
}

// Register adds or replaces a factory.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Names returns registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New builds a client for cfg.Name.
func (r *Registry) New(cfg ProviderConfig, httpClient *http.Client) (Client, error) {
	r.mu.RLock()
	f, ok := r.factories[cfg.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", cfg.Name)
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return f(cfg, httpClient)
}

func newOpenAIFactory(name, baseURL, model string) Factory {
	return func(cfg ProviderConfig, hc *http.Client) (Client, error) {
		if cfg.BaseURL == "" {
			cfg.BaseURL = baseURL
		}
		if cfg.DefaultModel == "" {
			cfg.DefaultModel = model
		}
		cfg.Name = name
		return NewOpenAIClient(cfg, hc), nil
	}
}
