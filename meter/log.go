package meter

import (
	"log/slog"

	"github.com/ineyio/quotaledger"
)

// LogMeter logs ledger events using slog.
type LogMeter struct {
	Logger *slog.Logger
}

var _ quotaledger.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogMeter(logger *slog.Logger) *LogMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnReserve(e quotaledger.ReserveEvent) {
	if e.Success {
		m.Logger.Info("reserve",
			"user", e.UserID,
			"model", e.ModelID,
			"amount", e.Amount.String(),
			"pools", e.Pools,
			"duration_ms", e.Duration.Milliseconds(),
		)
	} else {
		m.Logger.Warn("reserve_error",
			"user", e.UserID,
			"model", e.ModelID,
			"amount", e.Amount.String(),
			"duration_ms", e.Duration.Milliseconds(),
			"error", e.Error,
		)
	}
}

func (m *LogMeter) OnSettle(e quotaledger.SettleEvent) {
	if e.Success {
		m.Logger.Info("settle",
			"user", e.UserID,
			"model", e.ModelID,
			"request", e.RequestID,
			"outcome", string(e.Outcome),
			"frozen", e.Frozen.String(),
			"actual_cost", e.Result.ActualCost.String(),
			"refunded", e.Result.Refunded.String(),
			"additional", e.Result.Additional.String(),
			"replayed", e.Result.Replayed,
			"duration_ms", e.Duration.Milliseconds(),
		)
	} else {
		m.Logger.Error("settle_error",
			"user", e.UserID,
			"model", e.ModelID,
			"request", e.RequestID,
			"outcome", string(e.Outcome),
			"frozen", e.Frozen.String(),
			"shortfall", e.Result.Shortfall.String(),
			"duration_ms", e.Duration.Milliseconds(),
			"error", e.Error,
		)
	}
}

func (m *LogMeter) OnRelease(e quotaledger.ReleaseEvent) {
	m.Logger.Info("release",
		"user", e.UserID,
		"model", e.ModelID,
		"status", e.Status.String(),
		"amount", e.Amount.String(),
		"actor", e.ActorID,
	)
}
