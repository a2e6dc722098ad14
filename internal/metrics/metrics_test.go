package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"podscribe/transcriber/internal/pipeline"
)

func TestRecorder_StageAndJobCounters(t *testing.T) {
	r := NewRecorder()

	r.ObserveStage("transcribe", 2*time.Second, nil)
	r.ObserveStage("align", time.Second, errors.New("boom"))
	r.ObserveStage("align", time.Second, nil)
	r.ObserveJob("completed")
	r.ObserveJob("failed")
	r.ObserveJob("completed")

	assert.Equal(t, 1.0, testutil.ToFloat64(r.stageFailures.WithLabelValues("align")))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.stageFailures.WithLabelValues("transcribe")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.jobsTotal.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.jobsTotal.WithLabelValues("failed")))
	assert.Equal(t, 2, testutil.CollectAndCount(r.stageDuration))
}

func TestRecorder_DiarizationOutcomes(t *testing.T) {
	r := NewRecorder()
	r.ObserveDiarization(pipeline.DiarizationSkipped)
	r.ObserveDiarization(pipeline.DiarizationFailed)
	r.ObserveDiarization(pipeline.DiarizationFailed)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.diarizationOutcomes.WithLabelValues(pipeline.DiarizationSkipped.String())))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.diarizationOutcomes.WithLabelValues(pipeline.DiarizationFailed.String())))
}

func TestRecorder_HandlerExposesMetrics(t *testing.T) {
	r := NewRecorder()
	depth := 3
	r.RegisterQueueDepth(func() int { return depth })
	r.ObserveHTTP("POST", "/webhook", 202, 10*time.Millisecond)
	r.ObserveAttempts(2)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, "transcriber_queue_depth 3")
	assert.Contains(t, body, `transcriber_http_requests_total{method="POST",path="/webhook",status="202"} 1`)
	assert.True(t, strings.Contains(body, "transcriber_job_attempts_count 1"))
	assert.Contains(t, body, "go_goroutines")
}

func TestRecorder_ImplementsObserver(t *testing.T) {
	var _ pipeline.Observer = NewRecorder()
}
