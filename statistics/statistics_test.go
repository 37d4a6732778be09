package statistics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func counterVecValue(t *testing.T, cv *prometheus.CounterVec, label string) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, cv.WithLabelValues(label).Write(m))
	return m.GetCounter().GetValue()
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	return m.GetCounter().GetValue()
}

func TestIncDropAndDelayAreReasonKeyed(t *testing.T) {
	s, err := New(nil)
	require.NoError(t, err)

	s.IncDrop("duplicate")
	s.IncDrop("duplicate")
	s.IncDrop("old")
	s.IncDelay("by-sequence")

	require.Equal(t, float64(2), counterVecValue(t, s.drop, "duplicate"))
	require.Equal(t, float64(1), counterVecValue(t, s.drop, "old"))
	require.Equal(t, float64(1), counterVecValue(t, s.delay, "by-sequence"))
}

func TestIncSuccessIsMetaKeyed(t *testing.T) {
	s, err := New(nil)
	require.NoError(t, err)

	s.IncSuccess("full-sync-msg")
	s.IncSuccess("full-sync-msg")
	s.IncSuccess("direct-msg")

	require.Equal(t, float64(2), counterVecValue(t, s.success, "full-sync-msg"))
	require.Equal(t, float64(1), counterVecValue(t, s.success, "direct-msg"))
}

func TestWalkAndBootstrapCounters(t *testing.T) {
	s, err := New(nil)
	require.NoError(t, err)

	s.WalkAttempt()
	s.WalkAttempt()
	s.WalkSuccess()
	s.WalkReset()
	s.BootstrapAttempt()
	s.BootstrapSuccess()

	require.Equal(t, float64(2), counterValue(t, s.walkAttempt))
	require.Equal(t, float64(1), counterValue(t, s.walkSuccess))
	require.Equal(t, float64(1), counterValue(t, s.walkReset))
	require.Equal(t, float64(1), counterValue(t, s.bootstrapAttempt))
	require.Equal(t, float64(1), counterValue(t, s.bootstrapSuccess))
}

func TestEndpointByteCounters(t *testing.T) {
	s, err := New(nil)
	require.NoError(t, err)

	s.AddUp(100)
	s.AddUp(50)
	s.AddDown(25)

	require.Equal(t, float64(150), counterValue(t, s.totalUp))
	require.Equal(t, float64(25), counterValue(t, s.totalDown))
}

func TestNewRejectsDoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	require.Error(t, err)
}
