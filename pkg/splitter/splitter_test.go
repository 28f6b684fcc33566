package splitter_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/healthbridge/extractpipeline/pkg/splitter"
	"github.com/healthbridge/extractpipeline/pkg/upstream"
)

func TestSplitEmptyRangeYieldsNothing(t *testing.T) {
	fake := upstream.NewFake()
	s := splitter.New(fake, 10, 100)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	subjobs, err := s.Split(context.Background(), "Patient", now, now)
	require.NoError(t, err)
	assert.Empty(t, subjobs)
}

func TestSplitNoResourcesYieldsNothing(t *testing.T) {
	fake := upstream.NewFake()
	s := splitter.New(fake, 10, 100)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)

	subjobs, err := s.Split(context.Background(), "Patient", start, end)
	require.NoError(t, err)
	assert.Empty(t, subjobs)
}

func TestSplitBelowHighYieldsSingleSubJob(t *testing.T) {
	fake := upstream.NewFake()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	fake.Seed("Patient", start, end, 50)

	s := splitter.New(fake, 10, 100)
	subjobs, err := s.Split(context.Background(), "Patient", start, end)
	require.NoError(t, err)
	require.Len(t, subjobs, 1)
	assert.Equal(t, start, subjobs[0].Start)
	assert.Equal(t, end, subjobs[0].End)
	assert.EqualValues(t, 50, subjobs[0].ExpectedSize)
}

func TestSplitAboveHighBisectsIntoBoundedSubJobs(t *testing.T) {
	fake := upstream.NewFake()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)
	fake.Seed("Patient", start, end, 1000)

	s := splitter.New(fake, 50, 150)
	subjobs, err := s.Split(context.Background(), "Patient", start, end)
	require.NoError(t, err)
	require.NotEmpty(t, subjobs)

	for _, sj := range subjobs {
		assert.LessOrEqual(t, sj.ExpectedSize, int64(150))
		assert.True(t, sj.Start.Before(sj.End) || sj.Start.Equal(sj.End))
	}

	// Sub-jobs must be contiguous and end-exclusive, covering [start, end).
	assert.True(t, subjobs[0].Start.Equal(start))
	assert.True(t, subjobs[len(subjobs)-1].End.Equal(end))
	for i := 1; i < len(subjobs); i++ {
		assert.True(t, subjobs[i-1].End.Equal(subjobs[i].Start), "sub-jobs must be contiguous")
	}

	var total int64
	for _, sj := range subjobs {
		total += sj.ExpectedSize
	}
	assert.EqualValues(t, 1000, total)
}

func TestSplitSaturatedCountStillTerminates(t *testing.T) {
	fake := upstream.NewFake()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)
	fake.Seed("Patient", start, end, 1000)
	fake.Saturate["Patient"] = true

	s := splitter.New(fake, 50, 150)
	subjobs, err := s.Split(context.Background(), "Patient", start, end)
	require.NoError(t, err)
	assert.NotEmpty(t, subjobs)
	assert.True(t, subjobs[0].Start.Equal(start))
	assert.True(t, subjobs[len(subjobs)-1].End.Equal(end))
}

func TestIteratorCanSuspendAndResumeAcrossCalls(t *testing.T) {
	fake := upstream.NewFake()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)
	fake.Seed("Patient", start, end, 1000)

	s := splitter.New(fake, 50, 150)
	it := splitter.NewIterator(s, "Patient", start, end)

	var viaIterator []splitter.SubJob
	for {
		sj, ok, err := it.Next(context.Background())
		require.NoError(t, err)
		if !ok {
			break
		}
		viaIterator = append(viaIterator, sj)
	}

	viaSplit, err := s.Split(context.Background(), "Patient", start, end)
	require.NoError(t, err)
	assert.Equal(t, viaSplit, viaIterator)
}

func TestSplitFuncAbortsOnYieldError(t *testing.T) {
	fake := upstream.NewFake()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)
	fake.Seed("Patient", start, end, 1000)

	s := splitter.New(fake, 50, 150)
	calls := 0
	stop := assert.AnError
	err := s.SplitFunc(context.Background(), "Patient", start, end, func(splitter.SubJob) error {
		calls++
		if calls == 1 {
			return stop
		}
		return nil
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestNewDefaultsLowHighWhenZero(t *testing.T) {
	fake := upstream.NewFake()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	fake.Seed("Patient", start, end, 100)

	s := splitter.New(fake, 0, 0)
	subjobs, err := s.Split(context.Background(), "Patient", start, end)
	require.NoError(t, err)
	require.Len(t, subjobs, 1) // 100 < default high (40000)
}
