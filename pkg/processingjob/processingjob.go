// Package processingjob is the reference C7 handler: registered with the
// job host under the processing queueType, it fetches resources via
// upstream.Client, writes them via writer.Sink, and returns a
// ProcessingJobResult. It exists to exercise C6's aggregation and C2's
// lock/lease invariants end to end with a real child job, not to
// reimplement the production writer/schema pipeline (§1 "Deliberately out
// of scope").
package processingjob

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/healthbridge/extractpipeline/pkg/host"
	"github.com/healthbridge/extractpipeline/pkg/jobmodel"
	"github.com/healthbridge/extractpipeline/pkg/jobqueueerr"
	"github.com/healthbridge/extractpipeline/pkg/upstream"
	"github.com/healthbridge/extractpipeline/pkg/writer"
)

// Factory builds host.Handler values backed by the given upstream client
// and writer sink.
func Factory(up upstream.Client, sink writer.Sink) host.Factory {
	return func(job *jobmodel.JobInfo) host.Handler {
		return func(ctx context.Context, job *jobmodel.JobInfo) ([]byte, bool, error) {
			return run(ctx, up, sink, job)
		}
	}
}

func run(ctx context.Context, up upstream.Client, sink writer.Sink, job *jobmodel.JobInfo) ([]byte, bool, error) {
	var def jobmodel.ProcessingJobDefinition
	if err := json.Unmarshal(job.Definition, &def); err != nil {
		return nil, true, jobqueueerr.New(jobqueueerr.KindFatal, "decode processing job definition", err)
	}

	jobKey := fmt.Sprintf("%d:%d:%d", job.QueueType, job.GroupID, job.ID)
	result := jobmodel.ProcessingJobResult{
		ResourceCounts: make(map[string]int64),
	}

	switch def.FilterScope {
	case jobmodel.FilterScopeGroup:
		if err := runGroupScope(ctx, up, sink, jobKey, def, &result); err != nil {
			return nil, false, err
		}
	default:
		if err := runSystemScope(ctx, up, sink, jobKey, def, &result); err != nil {
			return nil, false, err
		}
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return nil, true, jobqueueerr.New(jobqueueerr.KindFatal, "marshal processing job result", err)
	}
	return payload, false, nil
}

func runSystemScope(ctx context.Context, up upstream.Client, sink writer.Sink, jobKey string, def jobmodel.ProcessingJobDefinition, result *jobmodel.ProcessingJobResult) error {
	if def.TimeRange == nil {
		return jobqueueerr.Fatalf("processing job: system scope requires a time range")
	}

	var dataSize int64
	err := up.Fetch(ctx, def.ResourceType, def.TimeRange.Start, def.TimeRange.End, func(batch []upstream.Resource) error {
		if err := sink.Write(ctx, jobKey, def.ResourceType, batch); err != nil {
			return jobqueueerr.Retriablef("processing job: write batch: %v", err)
		}
		for _, r := range batch {
			dataSize += int64(len(r.Raw))
		}
		result.ResourceCounts[def.ResourceType] += int64(len(batch))
		return nil
	})
	if err != nil {
		return err
	}
	result.DataSizeBytes += dataSize

	if err := sink.Commit(ctx, jobKey); err != nil {
		return jobqueueerr.Retriablef("processing job: commit: %v", err)
	}
	return nil
}

func runGroupScope(ctx context.Context, up upstream.Client, sink writer.Sink, jobKey string, def jobmodel.ProcessingJobDefinition, result *jobmodel.ProcessingJobResult) error {
	result.ProcessedPatientVersions = make(map[string]string)
	for _, patientID := range def.PatientIDs {
		if err := ctx.Err(); err != nil {
			return err
		}
		// A production adapter would resolve the patient's compartment
		// resources through a FHIR $everything-style call; the upstream.Client
		// boundary this repository models only exposes resourceType-scoped
		// queries, so group-scope fetch is a placeholder no-op per sub-job
		// beyond recording that the patient was visited.
		result.ProcessedPatientVersions[patientID] = def.Since.String()
	}
	return sink.Commit(ctx, jobKey)
}
