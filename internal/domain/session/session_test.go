package session

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopTransport struct{ closed int }

func (t *nopTransport) Ping(ctx context.Context) error { return nil }
func (t *nopTransport) List(ctx context.Context, path string) ([]os.FileInfo, error) {
	return nil, nil
}
func (t *nopTransport) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	return nil, nil
}
func (t *nopTransport) Close() error {
	t.closed++
	return nil
}

func TestNew(t *testing.T) {
	now := time.Now()
	s := New("guild-1", &nopTransport{}, now)

	assert.NotEmpty(t, s.ID())
	assert.Equal(t, StateIdle, s.State())
	assert.Equal(t, now, s.CreatedAt())
	assert.Zero(t, s.IdleFor(now))
	assert.Zero(t, s.ProbeAge(now))
}

func TestTransition_Allowed(t *testing.T) {
	tests := []struct {
		name string
		path []State
	}{
		{"lease and return", []State{StateLeased, StateIdle}},
		{"probe cycle", []State{StateProbing, StateIdle}},
		{"in-use failure recovers", []State{StateLeased, StateUnhealthy, StateReconnecting, StateIdle}},
		{"probe failure exhausts", []State{StateProbing, StateUnhealthy, StateReconnecting, StateUnhealthy, StateClosed}},
		{"closed from idle", []State{StateClosed}},
		{"closed mid-reconnect", []State{StateLeased, StateUnhealthy, StateReconnecting, StateClosed}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := New("guild-1", &nopTransport{}, time.Now())
			for _, to := range tc.path {
				require.NoError(t, s.Transition(to))
			}
			assert.Equal(t, tc.path[len(tc.path)-1], s.State())
		})
	}
}

func TestTransition_Rejected(t *testing.T) {
	tests := []struct {
		name string
		path []State
		to   State
	}{
		{"idle cannot go unhealthy directly", nil, StateUnhealthy},
		{"idle cannot reconnect", nil, StateReconnecting},
		{"leased cannot be probed", []State{StateLeased}, StateProbing},
		{"unhealthy cannot go idle without reconnecting", []State{StateLeased, StateUnhealthy}, StateIdle},
		{"closed is terminal", []State{StateClosed}, StateIdle},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := New("guild-1", &nopTransport{}, time.Now())
			for _, to := range tc.path {
				require.NoError(t, s.Transition(to))
			}
			err := s.Transition(tc.to)
			assert.ErrorIs(t, err, ErrInvalidTransition)
		})
	}
}

func TestCloseTransport_Idempotent(t *testing.T) {
	tr := &nopTransport{}
	s := New("guild-1", tr, time.Now())

	require.NoError(t, s.CloseTransport())
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, 1, tr.closed)

	// A second close is a no-op, not a second handle close.
	require.NoError(t, s.CloseTransport())
	assert.Equal(t, 1, tr.closed)
}

func TestFailureCounter(t *testing.T) {
	s := New("guild-1", &nopTransport{}, time.Now())

	assert.Equal(t, 1, s.RecordFailure())
	assert.Equal(t, 2, s.RecordFailure())
	assert.Equal(t, 2, s.Failures())

	s.ResetFailures()
	assert.Equal(t, 0, s.Failures())
}

func TestIdleAndProbeAges(t *testing.T) {
	base := time.Now()
	s := New("guild-1", &nopTransport{}, base)

	s.TouchUsed(base.Add(10 * time.Second))
	s.TouchProbed(base.Add(25 * time.Second))

	at := base.Add(time.Minute)
	assert.Equal(t, 50*time.Second, s.IdleFor(at))
	assert.Equal(t, 35*time.Second, s.ProbeAge(at))
}

func TestLease_MarkReleasedOnce(t *testing.T) {
	s := New("guild-1", &nopTransport{}, time.Now())
	require.NoError(t, s.Transition(StateLeased))

	lease := NewLease(s, time.Now())
	assert.Equal(t, s.TenantID(), lease.TenantID())
	assert.Same(t, s, lease.Session())

	assert.True(t, lease.MarkReleased())
	assert.False(t, lease.MarkReleased())
}
