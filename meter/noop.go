package meter

import "github.com/ineyio/offload"

// NoopMeter is a meter that does nothing.
type NoopMeter struct{}

var _ offload.Meter = (*NoopMeter)(nil)

func (m *NoopMeter) OnDispatch(offload.DispatchEvent) {}
func (m *NoopMeter) OnResult(offload.ResultEvent)     {}

// Multi fans events out to several meters.
type Multi []offload.Meter

var _ offload.Meter = Multi(nil)

func (ms Multi) OnDispatch(e offload.DispatchEvent) {
	for _, m := range ms {
		m.OnDispatch(e)
	}
}

func (ms Multi) OnResult(e offload.ResultEvent) {
	for _, m := range ms {
		m.OnResult(e)
	}
}
