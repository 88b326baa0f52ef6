package offload

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Offloader is the calling surface: it gates requests on the ledger's quota,
// dispatches them to the gateway and records the outcome.
type Offloader struct {
	cfg        Config
	gateway    Gateway
	initErr    error
	dispatcher *Dispatcher
	ledger     Ledger
	meter      Meter
	logger     *zap.Logger
}

// Option configures an Offloader.
type Option func(*Offloader)

// WithMeter sets the meter.
func WithMeter(m Meter) Option {
	return func(o *Offloader) { o.meter = m }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Offloader) { o.logger = l }
}

// WithInitError records why the gateway could not be constructed. Every
// dispatch then fails with ErrNotInitialized carrying this cause.
func WithInitError(err error) Option {
	return func(o *Offloader) { o.initErr = err }
}

// NewOffloader creates an Offloader. A nil gateway is allowed: dispatches
// fail with ErrNotInitialized while ledger reads keep working.
func NewOffloader(cfg Config, gateway Gateway, ledger Ledger, opts ...Option) (*Offloader, error) {
	if ledger == nil {
		return nil, fmt.Errorf("offload: ledger is required")
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &Offloader{
		cfg:     cfg,
		gateway: gateway,
		ledger:  ledger,
	}
	for _, opt := range opts {
		opt(o)
	}

	// Apply defaults after options.
	if o.meter == nil {
		o.meter = &noopMeter{}
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	o.dispatcher = NewDispatcher(gateway,
		WithDispatchMeter(o.meter),
		WithPricing(cfg.Pricing),
		WithDefaultConcurrency(cfg.Dispatch.DefaultConcurrency),
		WithMaxBatch(cfg.Dispatch.MaxBatch),
		WithDefaultMaxTokens(cfg.Gateway.MaxTokens),
		WithCallTimeout(cfg.Gateway.Timeout),
	)
	return o, nil
}

// Ready reports whether dispatches can reach the gateway.
func (o *Offloader) Ready() error {
	if o.gateway != nil {
		return nil
	}
	if o.initErr != nil {
		return fmt.Errorf("%w: %v", ErrNotInitialized, o.initErr)
	}
	return ErrNotInitialized
}

// Remaining returns the prompts left in the current quota window.
func (o *Offloader) Remaining(ctx context.Context) (int64, error) {
	return o.ledger.Remaining(ctx)
}

// Query sends one prompt. The call is refused without contacting the gateway
// when no quota remains. The outcome is recorded even when the call fails.
func (o *Offloader) Query(ctx context.Context, req QueryRequest) (QueryResponse, error) {
	if req.Prompt == "" {
		return QueryResponse{}, fmt.Errorf("%w: prompt is required", ErrInvalidRequest)
	}
	if err := validateCaller(req.Caller); err != nil {
		return QueryResponse{}, err
	}
	if req.MaxTokens != nil && *req.MaxTokens < 0 {
		return QueryResponse{}, fmt.Errorf("%w: max_tokens must not be negative", ErrInvalidRequest)
	}
	if err := o.Ready(); err != nil {
		return QueryResponse{}, err
	}

	reservation, err := o.reserve(ctx, RequestQuery, 1)
	if err != nil {
		return QueryResponse{}, err
	}

	start := time.Now()
	resp, callErr := o.dispatcher.Complete(ctx, Task{
		ID:        uuid.New().String(),
		Prompt:    req.Prompt,
		System:    req.System,
		MaxTokens: req.MaxTokens,
	})
	elapsed := time.Since(start)

	o.release(ctx, reservation)

	outcome := Outcome{
		Type:         RequestQuery,
		ResponseTime: elapsed,
		Caller:       req.Caller,
	}
	var cost float64
	if callErr != nil {
		outcome.Error = callErr.Error()
	} else {
		cost = o.cfg.Pricing.EstimateCost(resp.Usage)
		outcome.TaskCount = 1
		outcome.InputTokens = resp.Usage.InputTokens
		outcome.OutputTokens = resp.Usage.OutputTokens
		outcome.CostUSD = cost
	}

	if err := o.record(ctx, outcome); err != nil {
		return QueryResponse{}, errors.Join(callErr, err)
	}
	if callErr != nil {
		return QueryResponse{}, callErr
	}

	remaining, err := o.ledger.Remaining(ctx)
	if err != nil {
		return QueryResponse{}, err
	}

	model := resp.Model
	if model == "" {
		model = o.gateway.Model()
	}
	return QueryResponse{
		Response:         resp.Content,
		Model:            model,
		Usage:            resp.Usage,
		CostEstimateUSD:  cost,
		PromptsRemaining: remaining,
	}, nil
}

// Batch runs many prompts with bounded parallelism. The whole batch is
// refused when the window has fewer prompts left than tasks submitted.
func (o *Offloader) Batch(ctx context.Context, req BatchRequest) (BatchResponse, error) {
	if err := validateCaller(req.Caller); err != nil {
		return BatchResponse{}, err
	}
	if _, err := o.dispatcher.Validate(req.Tasks, req.Concurrency); err != nil {
		return BatchResponse{}, err
	}
	if err := o.Ready(); err != nil {
		return BatchResponse{}, err
	}

	reservation, err := o.reserve(ctx, RequestBatch, int64(len(req.Tasks)))
	if err != nil {
		return BatchResponse{}, err
	}

	results, summary, err := o.dispatcher.ProcessBatch(ctx, req.Tasks, req.Concurrency)
	o.release(ctx, reservation)
	if err != nil {
		return BatchResponse{}, err
	}

	outcome := Outcome{
		Type:         RequestBatch,
		TaskCount:    int64(summary.Succeeded),
		InputTokens:  summary.TotalInputTokens,
		OutputTokens: summary.TotalOutputTokens,
		CostUSD:      summary.TotalCostUSD,
		ResponseTime: time.Duration(summary.DurationMS) * time.Millisecond,
		Caller:       req.Caller,
		FailedCount:  summary.Failed,
		Pipeline:     req.Pipeline,
	}
	if summary.Succeeded == 0 {
		outcome.Error = firstError(results)
	}

	if err := o.record(ctx, outcome); err != nil {
		return BatchResponse{}, err
	}

	remaining, err := o.ledger.Remaining(ctx)
	if err != nil {
		return BatchResponse{}, err
	}

	return BatchResponse{
		Results: results,
		Summary: BatchSummaryReply{
			BatchSummary:     summary,
			PromptsRemaining: remaining,
		},
	}, nil
}

// record runs detached from ctx cancellation so a cancelled caller is still accounted.
func (o *Offloader) record(ctx context.Context, outcome Outcome) error {
	if err := o.ledger.Record(context.WithoutCancel(ctx), outcome); err != nil {
		o.logger.Error("Failed to record usage",
			zap.String("type", string(outcome.Type)),
			zap.Int64("task_count", outcome.TaskCount),
			zap.Error(err),
		)
		return err
	}
	return nil
}

// reserve holds quota for a dispatch and tags a refusal with the request kind.
func (o *Offloader) reserve(ctx context.Context, kind RequestType, n int64) (Reservation, error) {
	r, err := o.ledger.Reserve(ctx, n)
	if err != nil {
		var qe *QuotaError
		if errors.As(err, &qe) {
			qe.Kind = kind
		}
		return Reservation{}, err
	}
	return r, nil
}

func (o *Offloader) release(ctx context.Context, r Reservation) {
	if err := o.ledger.Release(context.WithoutCancel(ctx), r); err != nil {
		o.logger.Warn("Failed to release reservation", zap.String("reservation", r.ID), zap.Error(err))
	}
}

func validateCaller(caller string) error {
	if utf8.RuneCountInString(caller) > MaxCallerLength {
		return fmt.Errorf("%w: caller must be at most %d characters", ErrInvalidRequest, MaxCallerLength)
	}
	return nil
}

func firstError(results []TaskResult) string {
	for _, r := range results {
		if !r.Success && r.Error != "" {
			return r.Error
		}
	}
	return ""
}
