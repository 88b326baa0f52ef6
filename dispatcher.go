package offload

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// Dispatcher fans tasks out to a Gateway with bounded parallelism.
// It holds no state between calls.
type Dispatcher struct {
	gateway     Gateway
	meter       Meter
	pricing     Pricing
	concurrency int
	maxBatch    int
	maxTokens   int
	timeout     time.Duration
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatchMeter sets the meter notified around every gateway call.
func WithDispatchMeter(m Meter) DispatcherOption {
	return func(d *Dispatcher) { d.meter = m }
}

// WithPricing sets the pricing used for summaries.
func WithPricing(p Pricing) DispatcherOption {
	return func(d *Dispatcher) { d.pricing = p }
}

// WithDefaultConcurrency sets the limit used when a batch omits one.
func WithDefaultConcurrency(n int) DispatcherOption {
	return func(d *Dispatcher) { d.concurrency = n }
}

// WithMaxBatch sets the largest accepted batch.
func WithMaxBatch(n int) DispatcherOption {
	return func(d *Dispatcher) { d.maxBatch = n }
}

// WithDefaultMaxTokens sets max output tokens for tasks that omit it.
func WithDefaultMaxTokens(n int) DispatcherOption {
	return func(d *Dispatcher) { d.maxTokens = n }
}

// WithCallTimeout bounds every gateway call. Zero disables the bound.
func WithCallTimeout(t time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.timeout = t }
}

// NewDispatcher creates a Dispatcher for the given gateway.
func NewDispatcher(gw Gateway, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		gateway:     gw,
		pricing:     DefaultPricing,
		concurrency: DefaultConcurrency,
		maxBatch:    DefaultMaxBatch,
		maxTokens:   DefaultMaxTokens,
		timeout:     DefaultGatewayTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.meter == nil {
		d.meter = &noopMeter{}
	}
	return d
}

// Validate checks a batch and resolves its effective concurrency.
func (d *Dispatcher) Validate(tasks []Task, concurrency int) (int, error) {
	if len(tasks) == 0 {
		return 0, fmt.Errorf("%w: batch has no tasks", ErrInvalidRequest)
	}
	if len(tasks) > d.maxBatch {
		return 0, fmt.Errorf("%w: batch has %d tasks, max is %d", ErrInvalidRequest, len(tasks), d.maxBatch)
	}
	if concurrency == 0 {
		concurrency = d.concurrency
	}
	if concurrency < 1 || concurrency > MaxConcurrency {
		return 0, fmt.Errorf("%w: concurrency must be within 1..%d, got %d", ErrInvalidRequest, MaxConcurrency, concurrency)
	}

	seen := make(map[string]bool, len(tasks))
	for i, t := range tasks {
		if t.ID == "" {
			return 0, fmt.Errorf("%w: tasks[%d]: id is required", ErrInvalidRequest, i)
		}
		if seen[t.ID] {
			return 0, fmt.Errorf("%w: duplicate task id %q", ErrInvalidRequest, t.ID)
		}
		seen[t.ID] = true
		if t.Prompt == "" {
			return 0, fmt.Errorf("%w: tasks[%d] (%s): prompt is required", ErrInvalidRequest, i, t.ID)
		}
		if t.MaxTokens != nil && *t.MaxTokens < 0 {
			return 0, fmt.Errorf("%w: tasks[%d] (%s): max_tokens must not be negative", ErrInvalidRequest, i, t.ID)
		}
	}
	return concurrency, nil
}

// ProcessBatch runs every task against the gateway with at most concurrency
// calls outstanding. Results come back in input order, one per task; a failed
// task never aborts its siblings. The returned error only reports invalid input.
func (d *Dispatcher) ProcessBatch(ctx context.Context, tasks []Task, concurrency int) ([]TaskResult, BatchSummary, error) {
	limit, err := d.Validate(tasks, concurrency)
	if err != nil {
		return nil, BatchSummary{}, err
	}

	start := time.Now()
	results := make([]TaskResult, len(tasks))

	// Plain group, not WithContext: one failure must not cancel the rest.
	var g errgroup.Group
	g.SetLimit(limit)
	for i, t := range tasks {
		g.Go(func() error {
			results[i] = d.runTask(ctx, t)
			return nil
		})
	}
	_ = g.Wait()

	return results, Summarize(results, d.pricing, time.Since(start)), nil
}

// Complete runs a single task and returns the raw gateway response.
func (d *Dispatcher) Complete(ctx context.Context, t Task) (GatewayResponse, error) {
	return d.call(ctx, t, false)
}

func (d *Dispatcher) runTask(ctx context.Context, t Task) (res TaskResult) {
	defer func() {
		if r := recover(); r != nil {
			res = TaskResult{ID: t.ID, Error: fmt.Sprintf("offload: gateway panic: %v", r)}
		}
	}()

	resp, err := d.call(ctx, t, true)
	if err != nil {
		return TaskResult{ID: t.ID, Error: err.Error()}
	}
	return TaskResult{
		ID:       t.ID,
		Response: resp.Content,
		Usage:    resp.Usage,
		Success:  true,
	}
}

func (d *Dispatcher) call(ctx context.Context, t Task, batch bool) (GatewayResponse, error) {
	if d.gateway == nil {
		return GatewayResponse{}, ErrNotInitialized
	}
	if err := ctx.Err(); err != nil {
		return GatewayResponse{}, fmt.Errorf("offload: task %s not started: %w", t.ID, err)
	}

	callCtx := ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	maxTokens := d.maxTokens
	if t.MaxTokens != nil && *t.MaxTokens > 0 {
		maxTokens = *t.MaxTokens
	}

	d.meter.OnDispatch(DispatchEvent{
		Provider: d.gateway.Name(),
		Model:    d.gateway.Model(),
		TaskID:   t.ID,
		Batch:    batch,
	})

	start := time.Now()
	resp, err := d.complete(callCtx, GatewayRequest{
		Prompt:    t.Prompt,
		System:    t.System,
		MaxTokens: maxTokens,
	})
	duration := time.Since(start)

	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("offload: gateway call timed out after %s: %w", d.timeout, err)
	}

	d.meter.OnResult(ResultEvent{
		Provider: d.gateway.Name(),
		Model:    d.gateway.Model(),
		TaskID:   t.ID,
		Batch:    batch,
		Success:  err == nil,
		Duration: duration,
		Usage:    resp.Usage,
		Error:    err,
	})

	if err != nil {
		return GatewayResponse{}, err
	}
	return resp, nil
}

// complete turns a gateway panic into an error so every OnDispatch is paired
// with an OnResult.
func (d *Dispatcher) complete(ctx context.Context, req GatewayRequest) (resp GatewayResponse, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp, err = GatewayResponse{}, fmt.Errorf("offload: gateway panic: %v", r)
		}
	}()
	return d.gateway.Complete(ctx, req)
}

// Summarize aggregates results. Cost is estimated once over the summed tokens.
func Summarize(results []TaskResult, pricing Pricing, elapsed time.Duration) BatchSummary {
	s := BatchSummary{
		TotalTasks: len(results),
		DurationMS: elapsed.Milliseconds(),
	}
	var total Usage
	for _, r := range results {
		if r.Success {
			s.Succeeded++
		} else {
			s.Failed++
		}
		total = total.Add(r.Usage)
	}
	s.TotalInputTokens = total.InputTokens
	s.TotalOutputTokens = total.OutputTokens
	s.TotalCostUSD = pricing.EstimateCost(total)
	return s
}
