package quotaledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthStatus_Transition(t *testing.T) {
	tests := []struct {
		from, to AuthStatus
		wantErr  error
	}{
		{StatusActive, StatusUsed, nil},
		{StatusActive, StatusExpired, nil},
		{StatusActive, StatusRevoked, nil},
		{StatusActive, StatusActive, ErrInvalidRequest},
		{StatusUsed, StatusRevoked, ErrNotActive},
		{StatusUsed, StatusUsed, ErrNotActive},
		{StatusExpired, StatusUsed, ErrNotActive},
		{StatusRevoked, StatusExpired, ErrNotActive},
		{AuthStatus(0), StatusUsed, ErrInvariantViolation},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			got, err := tt.from.Transition(tt.to)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, tt.from, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.to, got)
		})
	}
}

func TestAuthStatus_Terminal(t *testing.T) {
	assert.False(t, StatusActive.Terminal())
	assert.True(t, StatusUsed.Terminal())
	assert.True(t, StatusExpired.Terminal())
	assert.True(t, StatusRevoked.Terminal())
}

func TestParseAuthStatus(t *testing.T) {
	for _, s := range []AuthStatus{StatusActive, StatusUsed, StatusExpired, StatusRevoked} {
		got, err := ParseAuthStatus(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}

	_, err := ParseAuthStatus("pending")
	assert.Error(t, err)
}

func TestAuthorization_Finish(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	a := Authorization{Status: StatusActive, ExpiresAt: now.Add(time.Minute)}
	require.NoError(t, a.markRevoked("admin-1", now))
	assert.Equal(t, StatusRevoked, a.Status)
	require.NotNil(t, a.FinalizedAt)
	assert.Equal(t, now, *a.FinalizedAt)
	require.NotNil(t, a.ActorID)
	assert.Equal(t, "admin-1", *a.ActorID)

	// A finished authorization never moves again.
	assert.ErrorIs(t, a.markUsed("req-1", SettlementResult{}, now), ErrNotActive)
	assert.ErrorIs(t, a.markExpired(now), ErrNotActive)
	assert.Nil(t, a.RequestID)
}

func TestAuthorization_MarkUsed(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	a := Authorization{Status: StatusActive}
	require.NoError(t, a.markUsed("req-1", SettlementResult{ActualCost: d("3")}, now))
	assert.Equal(t, StatusUsed, a.Status)
	require.NotNil(t, a.RequestID)
	assert.Equal(t, "req-1", *a.RequestID)
	require.NotNil(t, a.Settlement)
	assert.True(t, a.Settlement.ActualCost.Equal(d("3")))
}

func TestAuthorization_ExpiredAt(t *testing.T) {
	deadline := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := Authorization{ExpiresAt: deadline}

	assert.False(t, a.ExpiredAt(deadline.Add(-time.Second)))
	assert.False(t, a.ExpiredAt(deadline))
	assert.True(t, a.ExpiredAt(deadline.Add(time.Nanosecond)))
}

func TestAuthorization_PoolIDs(t *testing.T) {
	a := Authorization{Contributions: []Contribution{{PoolID: 4}, {PoolID: 2}}}
	assert.Equal(t, []int64{4, 2}, a.PoolIDs())
}
