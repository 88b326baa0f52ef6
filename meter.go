package offload

import "time"

// Meter observes gateway calls for monitoring/logging.
type Meter interface {
	// OnDispatch is called right before a gateway call is issued.
	OnDispatch(event DispatchEvent)

	// OnResult is called when a gateway call settles.
	OnResult(event ResultEvent)
}

// DispatchEvent describes a gateway call about to be made.
type DispatchEvent struct {
	Provider string
	Model    string
	TaskID   string
	Batch    bool
}

// ResultEvent describes the outcome of a gateway call.
type ResultEvent struct {
	Provider string
	Model    string
	TaskID   string
	Batch    bool
	Success  bool
	Duration time.Duration
	Usage    Usage
	Error    error
}

// noopMeter is a meter that does nothing.
type noopMeter struct{}

func (m *noopMeter) OnDispatch(DispatchEvent) {}
func (m *noopMeter) OnResult(ResultEvent)     {}
