package meter

import (
	"go.uber.org/zap"

	"github.com/ineyio/offload"
)

// LogMeter logs gateway events using zap.
type LogMeter struct {
	Logger *zap.Logger
}

var _ offload.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, a no-op logger is used.
func NewLogMeter(logger *zap.Logger) *LogMeter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnDispatch(e offload.DispatchEvent) {
	m.Logger.Debug("dispatch",
		zap.String("provider", e.Provider),
		zap.String("model", e.Model),
		zap.String("task", e.TaskID),
		zap.Bool("batch", e.Batch),
	)
}

func (m *LogMeter) OnResult(e offload.ResultEvent) {
	if e.Success {
		m.Logger.Info("result",
			zap.String("provider", e.Provider),
			zap.String("model", e.Model),
			zap.String("task", e.TaskID),
			zap.Bool("batch", e.Batch),
			zap.Int64("duration_ms", e.Duration.Milliseconds()),
			zap.Int64("input_tokens", e.Usage.InputTokens),
			zap.Int64("output_tokens", e.Usage.OutputTokens),
		)
		return
	}
	m.Logger.Warn("result_error",
		zap.String("provider", e.Provider),
		zap.String("model", e.Model),
		zap.String("task", e.TaskID),
		zap.Bool("batch", e.Batch),
		zap.Int64("duration_ms", e.Duration.Milliseconds()),
		zap.Error(e.Error),
	)
}
