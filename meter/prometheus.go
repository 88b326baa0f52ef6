package meter

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ineyio/offload"
)

// PromMeter exports gateway call metrics to Prometheus.
type PromMeter struct {
	requests *prometheus.CounterVec
	inFlight *prometheus.GaugeVec
	duration *prometheus.HistogramVec
	tokens   *prometheus.CounterVec
}

var _ offload.Meter = (*PromMeter)(nil)

// NewPromMeter creates the collectors and registers them with reg.
func NewPromMeter(reg prometheus.Registerer) (*PromMeter, error) {
	m := &PromMeter{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "offload",
				Name:      "gateway_requests_total",
				Help:      "Total number of gateway calls",
			},
			[]string{"model", "status"},
		),
		inFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "offload",
				Name:      "gateway_requests_in_flight",
				Help:      "Gateway calls currently outstanding",
			},
			[]string{"model"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "offload",
				Name:      "gateway_request_duration_seconds",
				Help:      "Gateway call duration in seconds",
				Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"model"},
		),
		tokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "offload",
				Name:      "gateway_tokens_total",
				Help:      "Total tokens consumed by gateway calls",
			},
			[]string{"model", "type"}, // "input" / "output"
		),
	}

	for _, c := range []prometheus.Collector{m.requests, m.inFlight, m.duration, m.tokens} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *PromMeter) OnDispatch(e offload.DispatchEvent) {
	m.inFlight.WithLabelValues(e.Model).Inc()
}

func (m *PromMeter) OnResult(e offload.ResultEvent) {
	m.inFlight.WithLabelValues(e.Model).Dec()
	m.duration.WithLabelValues(e.Model).Observe(e.Duration.Seconds())

	if !e.Success {
		m.requests.WithLabelValues(e.Model, "error").Inc()
		return
	}
	m.requests.WithLabelValues(e.Model, "success").Inc()
	m.tokens.WithLabelValues(e.Model, "input").Add(float64(e.Usage.InputTokens))
	m.tokens.WithLabelValues(e.Model, "output").Add(float64(e.Usage.OutputTokens))
}
