package meter

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/ineyio/quotaledger"
)

func TestPrometheusMeter_Reserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPrometheusMeter(reg)

	m.OnReserve(quotaledger.ReserveEvent{Amount: decimal.NewFromInt(15), Success: true, Duration: time.Millisecond})
	m.OnReserve(quotaledger.ReserveEvent{Amount: decimal.NewFromInt(5), Success: true})
	m.OnReserve(quotaledger.ReserveEvent{
		Amount: decimal.NewFromInt(500),
		Error:  fmt.Errorf("%w: short by 3", quotaledger.ErrInsufficientQuota),
	})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Reservations.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Reservations.WithLabelValues("insufficient_quota")))
	assert.Equal(t, 20.0, testutil.ToFloat64(m.ReservedAmount))
	assert.Equal(t, 1, testutil.CollectAndCount(m.ReserveDuration))
}

func TestPrometheusMeter_Settle(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPrometheusMeter(reg)

	m.OnSettle(quotaledger.SettleEvent{
		Outcome: quotaledger.OutcomeSuccess,
		Success: true,
		Result: quotaledger.SettlementResult{
			ActualCost: decimal.NewFromInt(7),
			Refunded:   decimal.NewFromInt(3),
			Shortfall:  decimal.Zero,
		},
	})
	m.OnSettle(quotaledger.SettleEvent{
		Outcome: quotaledger.OutcomeSuccess,
		Success: true,
		Result: quotaledger.SettlementResult{
			ActualCost: decimal.NewFromInt(7),
			Refunded:   decimal.NewFromInt(3),
			Replayed:   true,
		},
	})
	m.OnSettle(quotaledger.SettleEvent{
		Outcome: quotaledger.OutcomeSuccess,
		Error:   quotaledger.ErrInsufficientQuota,
		Result: quotaledger.SettlementResult{
			ActualCost: decimal.NewFromInt(12),
			Refunded:   decimal.Zero,
			Shortfall:  decimal.NewFromInt(2),
		},
	})
	m.OnSettle(quotaledger.SettleEvent{
		Outcome: quotaledger.OutcomeFailure,
		Error:   quotaledger.ErrExpired,
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Settlements.WithLabelValues("success", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Settlements.WithLabelValues("success", "replayed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Settlements.WithLabelValues("success", "insufficient_quota")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Settlements.WithLabelValues("failure", "expired")))
	assert.Equal(t, 19.0, testutil.ToFloat64(m.SettledCost))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.RefundedAmount))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ShortfallTotal))
}

func TestPrometheusMeter_Release(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPrometheusMeter(reg)

	m.OnRelease(quotaledger.ReleaseEvent{Status: quotaledger.StatusExpired, Amount: decimal.NewFromInt(4)})
	m.OnRelease(quotaledger.ReleaseEvent{Status: quotaledger.StatusExpired, Amount: decimal.NewFromInt(6)})
	m.OnRelease(quotaledger.ReleaseEvent{Status: quotaledger.StatusRevoked, Amount: decimal.NewFromInt(1)})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Releases.WithLabelValues("expired")))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.ReleasedAmount.WithLabelValues("expired")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReleasedAmount.WithLabelValues("revoked")))
}

func TestPrometheusMeter_RegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewPrometheusMeter(reg)
	assert.Panics(t, func() { NewPrometheusMeter(reg) })
}

func TestErrorLabel(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{quotaledger.ErrInsufficientQuota, "insufficient_quota"},
		{quotaledger.ErrExpired, "expired"},
		{quotaledger.ErrNotActive, "not_active"},
		{&quotaledger.LedgerError{Op: "settle", Err: quotaledger.ErrNotFound}, "not_found"},
		{quotaledger.ErrInvariantViolation, "invariant_violation"},
		{quotaledger.ErrInvalidAmount, "invalid"},
		{errors.New("connection refused"), "error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, errorLabel(tt.err), "%v", tt.err)
	}
}

func TestLogMeter(t *testing.T) {
	var buf bytes.Buffer
	m := NewLogMeter(slog.New(slog.NewTextHandler(&buf, nil)))

	m.OnReserve(quotaledger.ReserveEvent{UserID: "u1", Amount: decimal.NewFromInt(3), Success: true})
	m.OnReserve(quotaledger.ReserveEvent{UserID: "u1", Error: quotaledger.ErrInsufficientQuota})
	m.OnSettle(quotaledger.SettleEvent{UserID: "u1", RequestID: "r1", Success: true})
	m.OnSettle(quotaledger.SettleEvent{UserID: "u1", RequestID: "r2", Error: quotaledger.ErrExpired})
	m.OnRelease(quotaledger.ReleaseEvent{UserID: "u1", Status: quotaledger.StatusRevoked, ActorID: "admin"})

	out := buf.String()
	assert.Equal(t, 5, strings.Count(out, "\n"))
	assert.Contains(t, out, "level=INFO msg=reserve ")
	assert.Contains(t, out, "level=WARN msg=reserve_error ")
	assert.Contains(t, out, "level=INFO msg=settle ")
	assert.Contains(t, out, "level=ERROR msg=settle_error ")
	assert.Contains(t, out, "status=revoked amount=0 actor=admin")
}

func TestMultiMeter(t *testing.T) {
	reg := prometheus.NewRegistry()
	prom := NewPrometheusMeter(reg)
	var buf bytes.Buffer
	multi := MultiMeter{prom, NewLogMeter(slog.New(slog.NewTextHandler(&buf, nil))), &NoopMeter{}}

	multi.OnReserve(quotaledger.ReserveEvent{Amount: decimal.NewFromInt(2), Success: true})
	multi.OnSettle(quotaledger.SettleEvent{Outcome: quotaledger.OutcomeSuccess, Success: true})
	multi.OnRelease(quotaledger.ReleaseEvent{Status: quotaledger.StatusExpired})

	assert.Equal(t, 1.0, testutil.ToFloat64(prom.Reservations.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(prom.Settlements.WithLabelValues("success", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(prom.Releases.WithLabelValues("expired")))
	assert.Equal(t, 3, strings.Count(buf.String(), "\n"))
}
