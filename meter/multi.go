package meter

import "github.com/ineyio/quotaledger"

// MultiMeter fans events out to several meters in order.
type MultiMeter []quotaledger.Meter

var _ quotaledger.Meter = MultiMeter(nil)

func (m MultiMeter) OnReserve(e quotaledger.ReserveEvent) {
	for _, mm := range m {
		mm.OnReserve(e)
	}
}

func (m MultiMeter) OnSettle(e quotaledger.SettleEvent) {
	for _, mm := range m {
		mm.OnSettle(e)
	}
}

func (m MultiMeter) OnRelease(e quotaledger.ReleaseEvent) {
	for _, mm := range m {
		mm.OnRelease(e)
	}
}
