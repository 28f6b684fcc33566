package jobmodel

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusIsTerminal(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusFailed, StatusCancelled}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "%s should be terminal", s)
	}
	nonTerminal := []Status{StatusCreated, StatusRunning}
	for _, s := range nonTerminal {
		assert.False(t, s.IsTerminal(), "%s should not be terminal", s)
	}
}

func TestJobInfoRowKeyIsZeroPadded(t *testing.T) {
	j := &JobInfo{GroupID: 7, ID: 42}
	assert.Equal(t, "00000000000000000007:00000000000000000042", j.RowKey())
}

func TestJobInfoRowKeyOrdersLexicallyLikeNumerically(t *testing.T) {
	small := &JobInfo{GroupID: 1, ID: 9}
	big := &JobInfo{GroupID: 1, ID: 10}
	assert.Less(t, small.RowKey(), big.RowKey())
}

func TestPartitionKeySharedByJobInfoAndLock(t *testing.T) {
	j := &JobInfo{QueueType: 3, GroupID: 99}
	assert.Equal(t, "3:00000000000000000099", j.PartitionKey())
	assert.Equal(t, j.PartitionKey(), PartitionKey(3, 99))
}

func TestJobLockRowKeyPrefixedWithLock(t *testing.T) {
	l := &JobLock{DefinitionHash: "abc123"}
	assert.Equal(t, "lock:abc123", l.RowKey())
}

func TestJobReverseIndexKeys(t *testing.T) {
	r := &JobReverseIndex{QueueType: 2, ID: 5}
	assert.Equal(t, "2:idx", r.PartitionKey())
	assert.Equal(t, "00000000000000000005", r.RowKey())
}

func TestJobIdCounterKeys(t *testing.T) {
	c := &JobIdCounter{QueueType: 1}
	assert.Equal(t, "1:counter", c.PartitionKey())
	assert.Equal(t, "counter", c.RowKey())
}

func TestFormatPaddedNegative(t *testing.T) {
	j := &JobInfo{GroupID: -1, ID: 1}
	// formatPadded never receives negative groupIds in practice, but the
	// helper must not panic on one.
	assert.NotPanics(t, func() { _ = j.RowKey() })
}
