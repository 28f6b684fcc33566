package jobqueueerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsMatchesByKindOnly(t *testing.T) {
	err := Retriablef("table throttled: %s", "job 7")
	assert.True(t, errors.Is(err, Retriable))
	assert.False(t, errors.Is(err, NotExist))
	assert.False(t, errors.Is(err, Fatal))
}

func TestIsMatchesThroughWrapping(t *testing.T) {
	err := fmt.Errorf("dequeue: %w", NotExistf("job %d gone", 42))
	assert.True(t, errors.Is(err, NotExist))
}

func TestKindOfUnknownForPlainError(t *testing.T) {
	assert.Equal(t, KindUnknown, KindOf(errors.New("boom")))
}

func TestKindOfExtractsWrappedKind(t *testing.T) {
	err := fmt.Errorf("context: %w", Fatalf("bad payload"))
	assert.Equal(t, KindFatal, KindOf(err))
}

func TestIsRetriable(t *testing.T) {
	require.True(t, IsRetriable(Retriablef("try again")))
	require.False(t, IsRetriable(NotExistf("gone")))
	require.False(t, IsRetriable(errors.New("plain")))
}

func TestErrorMessageIncludesCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := New(KindRetriable, "send job message", cause)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Contains(t, err.Error(), "send job message")
	assert.Equal(t, cause, err.Unwrap())
}
