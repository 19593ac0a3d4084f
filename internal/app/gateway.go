package app

import (
	"context"
	"sync/atomic"

	"github.com/lukasbauer/callcore/internal/gateway"
	"github.com/lukasbauer/callcore/internal/llm"
)

// liveGateway forwards to the current gateway so a configuration refresh
// can swap providers without touching the orchestrator or the router.
type liveGateway struct {
	p atomic.Pointer[gateway.Gateway]
}

func (l *liveGateway) load() *gateway.Gateway   { return l.p.Load() }
func (l *liveGateway) store(g *gateway.Gateway) { l.p.Store(g) }
func (l *liveGateway) Primary() string          { return l.load().Primary() }
func (l *liveGateway) Providers() []string      { return l.load().Providers() }

func (l *liveGateway) Client(name string) (llm.Client, bool) { return l.load().Client(name) }

func (l *liveGateway) Chat(ctx context.Context, req llm.Request) (*llm.Response, error) {
	return l.load().Chat(ctx, req)
}

func (l *liveGateway) StreamChat(ctx context.Context, req llm.Request) (*llm.Stream, error) {
	return l.load().StreamChat(ctx, req)
}

func (l *liveGateway) TestConnections(ctx context.Context) map[string]error {
	return l.load().TestConnections(ctx)
}
