package offload

import (
	"context"
	"time"
)

// Ledger is the durable usage accounting store consulted by the quota gate.
type Ledger interface {
	// Remaining returns how many prompts are left in the current window,
	// rotating an expired window first. It is a point-in-time read.
	Remaining(ctx context.Context) (int64, error)

	// Reserve holds amount prompts of the current window for an in-flight
	// dispatch. Returns a *QuotaError if fewer than amount remain.
	Reserve(ctx context.Context, amount int64) (Reservation, error)

	// Release returns a reservation's hold. Releasing twice is a no-op.
	Release(ctx context.Context, reservation Reservation) error

	// Record accounts one finished operation, successful or not, and persists
	// the full ledger state.
	Record(ctx context.Context, outcome Outcome) error
}

// Reservation represents prompts held by the quota gate during dispatch.
type Reservation struct {
	ID     string
	Amount int64
}

// RequestType distinguishes single queries from batches in the request log.
type RequestType string

const (
	RequestQuery RequestType = "query"
	RequestBatch RequestType = "batch"
)

// Outcome describes one completed operation for the ledger.
type Outcome struct {
	Type         RequestType
	TaskCount    int64
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
	ResponseTime time.Duration
	Caller       string
	Error        string
	FailedCount  int
	Pipeline     *PipelineContext
}
