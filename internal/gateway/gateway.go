// Package gateway routes generation requests to configured providers and
// walks a fallback chain on retryable failure. Every provider call goes
// through the shared breaker group.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"

	"github.com/lukasbauer/callcore/internal/breaker"
	"github.com/lukasbauer/callcore/internal/llm"
)

// Config selects the primary provider and the ordered fallback chain.
type Config struct {
	Primary       string
	FallbackChain []string
}

// Gateway holds provider clients. It is immutable after construction; a
// config change means building a new Gateway.
type Gateway struct {
	clients  map[string]llm.Client
	primary  string
	fallback []string
	breakers *breaker.Group
	logger   *log.Logger
}

// New creates a gateway over already-built clients.
func New(clients []llm.Client, cfg Config, breakers *breaker.Group, logger *log.Logger) *Gateway {
	if logger == nil {
		logger = log.Default()
	}
	if breakers == nil {
		breakers = breaker.NewGroup(breaker.DefaultConfig(), logger)
	}
	m := make(map[string]llm.Client, len(clients))
	for _, c := range clients {
		m[c.Name()] = c
	}
	primary := cfg.Primary
	if primary == "" && len(clients) > 0 {
		primary = clients[0].Name()
	}
	return &Gateway{
		clients:  m,
		primary:  primary,
		fallback: append([]string(nil), cfg.FallbackChain...),
		breakers: breakers,
		logger:   logger,
	}
}

// Build constructs clients for every enabled provider config through the
// registry. A provider that fails to build is logged and left out.
func Build(reg *llm.Registry, configs []llm.ProviderConfig, cfg Config, breakers *breaker.Group, httpClient *http.Client, logger *log.Logger) *Gateway {
	if logger == nil {
		logger = log.Default()
	}
	var clients []llm.Client
	for _, pc := range configs {
		if !pc.Enabled || pc.APIKey == "" {
			continue
		}
		c, err := reg.New(pc, httpClient)
		if err != nil {
			logger.Printf("gateway: skip provider %s: %v", pc.Name, err)
			continue
		}
		clients = append(clients, c)
	}
	return New(clients, cfg, breakers, logger)
}

// Providers lists configured provider names, sorted.
func (g *Gateway) Providers() []string {
	names := make([]string, 0, len(g.clients))
	for name, c := range g.clients {
		if c.Configured() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Primary returns the provider used when a request names none.
func (g *Gateway) Primary() string { return g.primary }

// Client returns the client for name.
func (g *Gateway) Client(name string) (llm.Client, bool) {
	c, ok := g.clients[name]
	return c, ok
}

// Breakers returns the shared breaker group.
func (g *Gateway) Breakers() *breaker.Group { return g.breakers }

// TestConnections runs every client's connectivity check. A nil value means
// the provider answered.
func (g *Gateway) TestConnections(ctx context.Context) map[string]error {
	out := make(map[string]error, len(g.clients))
	for name, c := range g.clients {
		out[name] = g.breakers.Execute(ctx, name+":test", c.TestConnection)
	}
	return out
}

// Chat routes a non-streaming request. On a retryable failure the fallback
// chain is tried in order; if every fallback fails the original error is
// returned.
func (g *Gateway) Chat(ctx context.Context, req llm.Request) (*llm.Response, error) {
	name := g.route(req)
	resp, err := g.chatWith(ctx, name, req)
	if err == nil {
		return resp, nil
	}
	for _, fb := range g.fallbacksFor(name, err) {
		if ctx.Err() != nil {
			break
		}
		g.logger.Printf("gateway: %s chat failed (%v), trying %s", name, err, fb)
		fresp, ferr := g.chatWith(ctx, fb, fallbackRequest(req, fb))
		if ferr == nil {
			return fresp, nil
		}
		g.logger.Printf("gateway: fallback %s chat failed: %v", fb, ferr)
	}
	return nil, err
}

// StreamChat routes a streaming request. Fallback covers stream
// establishment only; once the stream is returned its failures arrive on the
// final chunk.
func (g *Gateway) StreamChat(ctx context.Context, req llm.Request) (*llm.Stream, error) {
	name := g.route(req)
	s, err := g.streamWith(ctx, name, req)
	if err == nil {
		return s, nil
	}
	for _, fb := range g.fallbacksFor(name, err) {
		if ctx.Err() != nil {
			break
		}
		g.logger.Printf("gateway: %s stream failed (%v), trying %s", name, err, fb)
		fs, ferr := g.streamWith(ctx, fb, fallbackRequest(req, fb))
		if ferr == nil {
			return fs, nil
		}
		g.logger.Printf("gateway: fallback %s stream failed: %v", fb, ferr)
	}
	return nil, err
}

func (g *Gateway) route(req llm.Request) string {
	if req.Provider != "" {
		return req.Provider
	}
	return g.primary
}

// fallbacksFor returns the configured fallbacks eligible after err.
func (g *Gateway) fallbacksFor(failed string, err error) []string {
	if !llm.IsRetryable(err) {
		return nil
	}
	var out []string
	for _, fb := range g.fallback {
		if fb == failed {
			continue
		}
		if c, ok := g.clients[fb]; ok && c.Configured() {
			out = append(out, fb)
		}
	}
	return out
}

// fallbackRequest retargets req; a fallback provider uses its own default
// model.
func fallbackRequest(req llm.Request, provider string) llm.Request {
	req.Provider = provider
	req.Model = ""
	return req
}

func (g *Gateway) client(name string) (llm.Client, error) {
	c, ok := g.clients[name]
	if !ok || !c.Configured() {
		return nil, &llm.Error{Provider: name, Retryable: false, Err: llm.ErrProviderNotConfigured}
	}
	return c, nil
}

func (g *Gateway) chatWith(ctx context.Context, name string, req llm.Request) (*llm.Response, error) {
	c, err := g.client(name)
	if err != nil {
		return nil, err
	}
	resp, err := breaker.Do(ctx, g.breakers, name+":chat", func(ctx context.Context) (*llm.Response, error) {
		return c.Chat(ctx, &req)
	})
	if err != nil {
		return nil, breakerError(name, err)
	}
	resp.Provider = name
	if resp.Model == "" {
		resp.Model = modelFor(c, req)
	}
	return resp, nil
}

func (g *Gateway) streamWith(ctx context.Context, name string, req llm.Request) (*llm.Stream, error) {
	c, err := g.client(name)
	if err != nil {
		return nil, err
	}

	var (
		chunks <-chan llm.StreamChunk
		cancel context.CancelFunc
	)
	err = g.breakers.Execute(ctx, name+":stream", func(actx context.Context) error {
		// The stream outlives the attempt, so it runs on its own context and
		// only establishment is bound to the attempt deadline.
		sctx, scancel := context.WithCancel(ctx)
		stop := context.AfterFunc(actx, scancel)
		ch, err := c.StreamChat(sctx, &req)
		if !stop() {
			scancel()
			if errors.Is(actx.Err(), context.DeadlineExceeded) {
				return llm.NewError(name, true, fmt.Errorf("stream establishment: %w", context.DeadlineExceeded))
			}
			if err == nil {
				err = actx.Err()
			}
			return err
		}
		if err != nil {
			scancel()
			return err
		}
		chunks, cancel = ch, scancel
		return nil
	})
	if err != nil {
		return nil, breakerError(name, err)
	}

	out := make(chan llm.StreamChunk)
	go func() {
		defer close(out)
		defer cancel()
		for c := range chunks {
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return &llm.Stream{Provider: name, Model: modelFor(c, req), Chunks: out}, nil
}

// modelFor reports the model a request is served with.
func modelFor(c llm.Client, req llm.Request) string {
	if req.Model != "" {
		return req.Model
	}
	if d, ok := c.(llm.ModelDefaulter); ok {
		return d.DefaultModel()
	}
	return ""
}

// breakerError makes breaker rejections look like retryable provider errors
// so the fallback chain applies to them.
func breakerError(name string, err error) error {
	if errors.Is(err, breaker.ErrOpen) || errors.Is(err, breaker.ErrRateLimited) {
		return &llm.Error{Provider: name, Retryable: true, Err: err}
	}
	return err
}
