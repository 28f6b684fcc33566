package queue

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/healthbridge/extractpipeline/pkg/jobmodel"
)

// definitionHash is hex(sha256(definition)), the JobLock RowKey suffix (§6).
func definitionHash(definition []byte) string {
	sum := sha256.Sum256(definition)
	return hex.EncodeToString(sum[:])
}

func marshalJobInfo(j *jobmodel.JobInfo) ([]byte, error) {
	return json.Marshal(jobInfoWire{
		ID:                  j.ID,
		QueueType:           j.QueueType,
		GroupID:             j.GroupID,
		Status:              j.Status,
		Definition:          j.Definition,
		Result:              j.Result,
		CancelRequested:     j.CancelRequested,
		CreateDate:          j.CreateDate,
		HeartbeatDateTime:   j.HeartbeatDateTime,
		HeartbeatTimeoutSec: j.HeartbeatTimeoutSec,
		Version:             j.Version,
	})
}

func unmarshalJobInfo(data []byte) (*jobmodel.JobInfo, error) {
	var w jobInfoWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("unmarshal job info: %w", err)
	}
	return &jobmodel.JobInfo{
		ID:                  w.ID,
		QueueType:           w.QueueType,
		GroupID:             w.GroupID,
		Status:              w.Status,
		Definition:          w.Definition,
		Result:              w.Result,
		CancelRequested:     w.CancelRequested,
		CreateDate:          w.CreateDate,
		HeartbeatDateTime:   w.HeartbeatDateTime,
		HeartbeatTimeoutSec: w.HeartbeatTimeoutSec,
		Version:             w.Version,
	}, nil
}

// jobInfoWire mirrors jobmodel.JobInfo for JSON (de)serialization into a
// kvtable.Row payload; kept distinct from jobmodel.JobInfo so the wire
// format doesn't silently change if the domain type grows methods/fields.
type jobInfoWire struct {
	ID                  int64             `json:"id"`
	QueueType           jobmodel.QueueType `json:"queueType"`
	GroupID             int64             `json:"groupId"`
	Status              jobmodel.Status   `json:"status"`
	Definition          []byte            `json:"definition"`
	Result              []byte            `json:"result"`
	CancelRequested     bool              `json:"cancelRequested"`
	CreateDate          time.Time         `json:"createDate"`
	HeartbeatDateTime   time.Time         `json:"heartbeatDateTime"`
	HeartbeatTimeoutSec int               `json:"heartbeatTimeoutSec"`
	Version             int64             `json:"version"`
}

func marshalJobLock(l *jobmodel.JobLock) ([]byte, error) {
	return json.Marshal(l)
}

func unmarshalJobLock(data []byte) (*jobmodel.JobLock, error) {
	var l jobmodel.JobLock
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("unmarshal job lock: %w", err)
	}
	return &l, nil
}

func marshalReverseIndex(idx *jobmodel.JobReverseIndex) ([]byte, error) {
	return json.Marshal(idx)
}

func unmarshalReverseIndex(data []byte) (*jobmodel.JobReverseIndex, error) {
	var idx jobmodel.JobReverseIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("unmarshal reverse index: %w", err)
	}
	return &idx, nil
}

func marshalCounter(c *jobmodel.JobIdCounter) ([]byte, error) {
	return json.Marshal(c)
}

func unmarshalCounter(data []byte) (*jobmodel.JobIdCounter, error) {
	var c jobmodel.JobIdCounter
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("unmarshal counter: %w", err)
	}
	return &c, nil
}
