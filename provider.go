package offload

import "context"

// Gateway is the interface that remote model adapters must implement.
// One call performs one prompt→completion round trip.
type Gateway interface {
	// Name returns the provider identifier (e.g. "minimax").
	Name() string

	// Model returns the model identifier requests are sent to.
	Model() string

	// Complete performs a single completion. Implementations must honour ctx
	// cancellation so a per-call timeout surfaces as an ordinary error.
	Complete(ctx context.Context, req GatewayRequest) (GatewayResponse, error)
}

// GatewayRequest is the request sent to a Gateway.
type GatewayRequest struct {
	Prompt    string
	System    string
	MaxTokens int
}

// GatewayResponse is the response from a Gateway.
type GatewayResponse struct {
	ID           string
	Content      string
	FinishReason string
	Model        string
	Usage        Usage
}
