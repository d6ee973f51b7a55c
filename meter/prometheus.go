package meter

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ineyio/quotaledger"
)

// PrometheusMeter exports ledger events as Prometheus metrics.
type PrometheusMeter struct {
	Reservations    *prometheus.CounterVec
	ReservedAmount  prometheus.Counter
	ReserveDuration prometheus.Histogram

	Settlements    *prometheus.CounterVec
	SettledCost    prometheus.Counter
	RefundedAmount prometheus.Counter
	ShortfallTotal prometheus.Counter
	SettleDuration prometheus.Histogram

	Releases       *prometheus.CounterVec
	ReleasedAmount *prometheus.CounterVec
}

var _ quotaledger.Meter = (*PrometheusMeter)(nil)

// NewPrometheusMeter creates a PrometheusMeter registered with reg.
// If reg is nil, prometheus.DefaultRegisterer is used.
func NewPrometheusMeter(reg prometheus.Registerer) *PrometheusMeter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusMeter{
		Reservations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "quotaledger",
				Name:      "reservations_total",
				Help:      "Reservation attempts by result",
			},
			[]string{"result"},
		),
		ReservedAmount: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "quotaledger",
				Name:      "reserved_amount_total",
				Help:      "Quota frozen by successful reservations",
			},
		),
		ReserveDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "quotaledger",
				Name:      "reserve_duration_seconds",
				Help:      "Reservation latency in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
		),
		Settlements: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "quotaledger",
				Name:      "settlements_total",
				Help:      "Settlement attempts by outcome and result",
			},
			[]string{"outcome", "result"},
		),
		SettledCost: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "quotaledger",
				Name:      "settled_cost_total",
				Help:      "Actual cost reported by settlements",
			},
		),
		RefundedAmount: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "quotaledger",
				Name:      "refunded_amount_total",
				Help:      "Reserved quota returned to available by settlements",
			},
		),
		ShortfallTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "quotaledger",
				Name:      "shortfall_amount_total",
				Help:      "Cost above the reservation that could not be charged",
			},
		),
		SettleDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "quotaledger",
				Name:      "settle_duration_seconds",
				Help:      "Settlement latency in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
		),
		Releases: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "quotaledger",
				Name:      "releases_total",
				Help:      "Reservations released in full, by terminal status",
			},
			[]string{"status"},
		),
		ReleasedAmount: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "quotaledger",
				Name:      "released_amount_total",
				Help:      "Quota returned by cancel, revoke and expiry",
			},
			[]string{"status"},
		),
	}
}

func (m *PrometheusMeter) OnReserve(e quotaledger.ReserveEvent) {
	m.ReserveDuration.Observe(e.Duration.Seconds())
	if !e.Success {
		m.Reservations.WithLabelValues(errorLabel(e.Error)).Inc()
		return
	}
	m.Reservations.WithLabelValues("ok").Inc()
	m.ReservedAmount.Add(e.Amount.InexactFloat64())
}

func (m *PrometheusMeter) OnSettle(e quotaledger.SettleEvent) {
	m.SettleDuration.Observe(e.Duration.Seconds())

	result := "ok"
	switch {
	case e.Result.Replayed:
		result = "replayed"
	case !e.Success:
		result = errorLabel(e.Error)
	}
	m.Settlements.WithLabelValues(string(e.Outcome), result).Inc()

	if e.Result.Replayed {
		return
	}
	m.SettledCost.Add(e.Result.ActualCost.InexactFloat64())
	m.RefundedAmount.Add(e.Result.Refunded.InexactFloat64())
	m.ShortfallTotal.Add(e.Result.Shortfall.InexactFloat64())
}

func (m *PrometheusMeter) OnRelease(e quotaledger.ReleaseEvent) {
	status := e.Status.String()
	m.Releases.WithLabelValues(status).Inc()
	m.ReleasedAmount.WithLabelValues(status).Add(e.Amount.InexactFloat64())
}

// errorLabel maps an error to a low-cardinality metric label.
func errorLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, quotaledger.ErrInsufficientQuota):
		return "insufficient_quota"
	case errors.Is(err, quotaledger.ErrExpired):
		return "expired"
	case errors.Is(err, quotaledger.ErrAlreadySettled):
		return "not_active"
	case errors.Is(err, quotaledger.ErrNotFound):
		return "not_found"
	case errors.Is(err, quotaledger.ErrInvariantViolation):
		return "invariant_violation"
	case quotaledger.IsClientError(err):
		return "invalid"
	}
	return "error"
}
