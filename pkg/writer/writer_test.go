package writer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/healthbridge/extractpipeline/pkg/upstream"
)

func TestWriteThenCommitExposesRows(t *testing.T) {
	s := NewMemorySink()
	ctx := context.Background()
	batch := []upstream.Resource{{ID: "p1", Raw: []byte(`{}`)}}

	require.NoError(t, s.Write(ctx, "job-1", "Patient", batch))
	_, err := s.Committed("job-1")
	assert.Error(t, err, "staged-but-uncommitted rows must not be visible")

	require.NoError(t, s.Commit(ctx, "job-1"))
	committed, err := s.Committed("job-1")
	require.NoError(t, err)
	assert.Equal(t, batch, committed["Patient"])
}

func TestCommitIsIdempotent(t *testing.T) {
	s := NewMemorySink()
	ctx := context.Background()
	batch := []upstream.Resource{{ID: "p1"}}
	require.NoError(t, s.Write(ctx, "job-1", "Patient", batch))
	require.NoError(t, s.Commit(ctx, "job-1"))

	// A second write after commit must be silently discarded.
	require.NoError(t, s.Write(ctx, "job-1", "Patient", []upstream.Resource{{ID: "p2"}}))
	require.NoError(t, s.Commit(ctx, "job-1"))

	committed, err := s.Committed("job-1")
	require.NoError(t, err)
	assert.Len(t, committed["Patient"], 1)
}

func TestWriteAccumulatesAcrossCalls(t *testing.T) {
	s := NewMemorySink()
	ctx := context.Background()
	require.NoError(t, s.Write(ctx, "job-1", "Patient", []upstream.Resource{{ID: "p1"}}))
	require.NoError(t, s.Write(ctx, "job-1", "Patient", []upstream.Resource{{ID: "p2"}}))
	require.NoError(t, s.Commit(ctx, "job-1"))

	committed, err := s.Committed("job-1")
	require.NoError(t, err)
	assert.Len(t, committed["Patient"], 2)
}

func TestCommitWithNoStagedDataIsNotAnError(t *testing.T) {
	s := NewMemorySink()
	require.NoError(t, s.Commit(context.Background(), "job-empty"))
	committed, err := s.Committed("job-empty")
	require.NoError(t, err)
	assert.Empty(t, committed)
}
