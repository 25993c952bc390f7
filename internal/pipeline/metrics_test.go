package pipeline

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsHooks(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	h := m.Hooks()

	h.OnTransition("a", "", StatusPending)
	h.OnTransition("a", StatusPending, StatusProcessing)
	h.OnTransition("b", StatusPending, StatusProcessing)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.inFlight))

	h.OnTransition("a", StatusProcessing, StatusRetrying)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.inFlight))

	h.OnTransition("a", StatusRetrying, StatusRemoved)
	h.OnTransition("b", StatusProcessing, StatusDone)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.inFlight))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.transitions.WithLabelValues(string(StatusProcessing))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues(string(StatusDone))))

	h.OnAttempt("a", 50*time.Millisecond, nil)
	h.OnAttempt("a", time.Second, errors.New("x"))
	assert.Equal(t, 2, testutil.CollectAndCount(m.attempts))
}
