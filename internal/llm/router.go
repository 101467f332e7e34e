package llm

import (
	"context"
	"fmt"
	"strings"
)

// Router dispatches each request to the provider that serves its model
// family. Model names are matched by prefix ("claude-", "gemini-").
type Router struct {
	routes   []route
	fallback Provider
}

type route struct {
	prefix   string
	provider Provider
}

// NewRouter creates a router whose fallback serves unmatched and empty model names.
func NewRouter(fallback Provider) *Router {
	return &Router{fallback: fallback}
}

// Handle registers p for model names starting with prefix.
func (r *Router) Handle(prefix string, p Provider) {
	r.routes = append(r.routes, route{prefix: prefix, provider: p})
}

// For returns the provider for model.
func (r *Router) For(model string) (Provider, error) {
	for _, rt := range r.routes {
		if strings.HasPrefix(model, rt.prefix) {
			return rt.provider, nil
		}
	}
	if r.fallback == nil {
		return nil, fmt.Errorf("no provider for model %q", model)
	}
	return r.fallback, nil
}

func (r *Router) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	p, err := r.For(req.Model)
	if err != nil {
		return nil, err
	}
	return p.Complete(ctx, req)
}

func (r *Router) Name() string { return "router" }

func (r *Router) ModelID() string {
	if r.fallback == nil {
		return ""
	}
	return r.fallback.ModelID()
}
