// Package mock provides a scriptable in-memory Gateway for tests and examples.
package mock

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ineyio/offload"
)

// Gateway is a mock remote model.
type Gateway struct {
	name         string
	model        string
	latency      time.Duration
	latencyFunc  func(offload.GatewayRequest) time.Duration
	failAfter    int
	staticErr    error
	usage        offload.Usage
	responseFunc func(offload.GatewayRequest) (offload.GatewayResponse, error)

	callCount atomic.Int64

	mu       sync.Mutex
	inFlight int
	maxSeen  int
	prompts  []string
}

var _ offload.Gateway = (*Gateway)(nil)

// Option configures a mock Gateway.
type Option func(*Gateway)

// New creates a mock gateway with the given options.
func New(opts ...Option) *Gateway {
	g := &Gateway{
		name:  "mock",
		model: "mock-model",
		usage: offload.Usage{
			InputTokens:  10,
			OutputTokens: 20,
		},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// WithName sets the provider name.
func WithName(name string) Option {
	return func(g *Gateway) { g.name = name }
}

// WithModel sets the model name.
func WithModel(model string) Option {
	return func(g *Gateway) { g.model = model }
}

// WithLatency adds simulated latency to each call.
func WithLatency(d time.Duration) Option {
	return func(g *Gateway) { g.latency = d }
}

// WithLatencyFunc sets per-request latency.
func WithLatencyFunc(fn func(offload.GatewayRequest) time.Duration) Option {
	return func(g *Gateway) { g.latencyFunc = fn }
}

// WithFailAfter makes the gateway fail after N successful calls.
func WithFailAfter(n int) Option {
	return func(g *Gateway) { g.failAfter = n }
}

// WithError makes the gateway always return this error.
func WithError(err error) Option {
	return func(g *Gateway) { g.staticErr = err }
}

// WithUsage sets the usage returned by the mock.
func WithUsage(u offload.Usage) Option {
	return func(g *Gateway) { g.usage = u }
}

// WithResponseFunc sets a custom response function.
func WithResponseFunc(fn func(offload.GatewayRequest) (offload.GatewayResponse, error)) Option {
	return func(g *Gateway) { g.responseFunc = fn }
}

// FailPrompts makes calls whose prompt is in prompts fail with err.
func FailPrompts(err error, prompts ...string) Option {
	fail := make(map[string]bool, len(prompts))
	for _, p := range prompts {
		fail[p] = true
	}
	return WithResponseFunc(func(req offload.GatewayRequest) (offload.GatewayResponse, error) {
		if fail[req.Prompt] {
			return offload.GatewayResponse{}, err
		}
		return offload.GatewayResponse{
			ID:      "mock-response-id",
			Content: "echo: " + req.Prompt,
			Usage:   offload.Usage{InputTokens: 10, OutputTokens: 20},
		}, nil
	})
}

func (g *Gateway) Name() string  { return g.name }
func (g *Gateway) Model() string { return g.model }

func (g *Gateway) Complete(ctx context.Context, req offload.GatewayRequest) (offload.GatewayResponse, error) {
	g.enter(req.Prompt)
	defer g.leave()

	latency := g.latency
	if g.latencyFunc != nil {
		latency = g.latencyFunc(req)
	}
	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return offload.GatewayResponse{}, ctx.Err()
		}
	}

	count := g.callCount.Add(1)

	if g.staticErr != nil {
		return offload.GatewayResponse{}, g.staticErr
	}

	if g.failAfter > 0 && int(count) > g.failAfter {
		return offload.GatewayResponse{}, fmt.Errorf("mock: call %d: %w", count, offload.ErrProviderUnavailable)
	}

	var (
		resp offload.GatewayResponse
		err  error
	)
	if g.responseFunc != nil {
		resp, err = g.responseFunc(req)
	} else {
		resp = offload.GatewayResponse{
			ID:           "mock-response-id",
			Content:      "Hello from mock gateway",
			FinishReason: "stop",
			Usage:        g.usage,
		}
	}
	if err == nil && resp.Model == "" {
		resp.Model = g.model
	}
	return resp, err
}

// CallCount returns the number of calls that got past the latency stage.
func (g *Gateway) CallCount() int64 { return g.callCount.Load() }

// MaxInFlight returns the highest number of concurrent calls observed.
func (g *Gateway) MaxInFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.maxSeen
}

// Prompts returns the prompts received, in arrival order.
func (g *Gateway) Prompts() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.prompts...)
}

func (g *Gateway) enter(prompt string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inFlight++
	if g.inFlight > g.maxSeen {
		g.maxSeen = g.inFlight
	}
	g.prompts = append(g.prompts, prompt)
}

func (g *Gateway) leave() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inFlight--
}
