package meter

import "github.com/ineyio/quotaledger"

// NoopMeter is a meter that does nothing.
type NoopMeter struct{}

var _ quotaledger.Meter = (*NoopMeter)(nil)

func (m *NoopMeter) OnReserve(quotaledger.ReserveEvent) {}
func (m *NoopMeter) OnSettle(quotaledger.SettleEvent)   {}
func (m *NoopMeter) OnRelease(quotaledger.ReleaseEvent) {}
