package observability

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewLoggerIsNonNil(t *testing.T) {
	assert.NotNil(t, NewLogger())
}

func TestWithJobAttachesFields(t *testing.T) {
	base := NewLogger()
	jobLog := WithJob(base, 1, 7, 42)
	assert.NotNil(t, jobLog)
	assert.NotSame(t, base, jobLog)
}

func TestWithLoggerAndFromContextRoundTrip(t *testing.T) {
	l := slog.Default()
	ctx := WithLogger(context.Background(), l)
	assert.Same(t, l, FromContext(ctx))
}

func TestFromContextDefaultsWhenUnset(t *testing.T) {
	assert.Same(t, slog.Default(), FromContext(context.Background()))
}

func TestCountersAreRegisteredAndUsable(t *testing.T) {
	JobsEnqueued.WithLabelValues("1").Inc()
	JobsDequeued.WithLabelValues("1").Inc()
	JobsCompleted.WithLabelValues("1", "completed").Inc()
	JobLeaseLost.WithLabelValues("1").Inc()
	OrchestratorChildrenCreated.WithLabelValues("Patient").Inc()
	OrchestratorInFlight.WithLabelValues("1").Set(3)
	SplitterBisections.WithLabelValues("Patient").Observe(4)
	JobDuration.WithLabelValues("1").Observe(1.5)
}
