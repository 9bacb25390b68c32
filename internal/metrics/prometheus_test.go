package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "matchsync/pkg/logx"
)

func newTestSink(t *testing.T) *PrometheusSink {
	t.Helper()
	return NewPrometheusSink(prometheus.NewRegistry(), logx.Nop())
}

func TestCycleCompletedCountsByOutcome(t *testing.T) {
	t.Parallel()
	s := newTestSink(t)

	s.CycleCompleted(OutcomeFutile, time.Second)
	s.CycleCompleted(OutcomeFutile, time.Second)
	s.CycleCompleted(OutcomeProgressed, 2*time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(s.cyclesTotal.WithLabelValues(OutcomeFutile)))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.cyclesTotal.WithLabelValues(OutcomeProgressed)))
	assert.Equal(t, 1, testutil.CollectAndCount(s.cycleDuration))
}

func TestFeedFetched(t *testing.T) {
	t.Parallel()
	s := newTestSink(t)

	s.FeedFetched(3, nil)
	s.FeedFetched(0, errors.New("timeout"))

	assert.Equal(t, 3.0, testutil.ToFloat64(s.feedUpdatedTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.feedRunsTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.feedRunsTotal.WithLabelValues("error")))
}

func TestGaugesAndCounters(t *testing.T) {
	t.Parallel()
	s := newTestSink(t)

	s.PendingJobs(4)
	s.PendingJobs(2)
	s.ScheduleFailed()
	s.Relaunched(true)
	s.Relaunched(false)
	s.Relaunched(false)

	assert.Equal(t, 2.0, testutil.ToFloat64(s.pendingJobs))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.scheduleFailures))
	assert.Equal(t, 2.0, testutil.ToFloat64(s.relaunchesTotal.WithLabelValues("false")))
}

func TestDoubleRegistrationDoesNotPanic(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	_ = NewPrometheusSink(reg, logx.Nop())
	s := NewPrometheusSink(reg, logx.Nop())
	s.FutileAttempt(2)
}

func TestHandlerServesRegistry(t *testing.T) {
	t.Parallel()
	s := newTestSink(t)
	s.ScheduleFailed()

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "matchsync_trigger_schedule_failures_total 1"))
}

func TestNoopSinkSatisfiesSink(t *testing.T) {
	var s Sink = NewNoopSink()
	s.CycleCompleted(OutcomeExpired, 0)
	s.FeedFetched(0, nil)
}
