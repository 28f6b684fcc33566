package jobmodel

import "time"

// FilterScope selects how the orchestrator sources its sub-job stream:
// System splits a time window per resource type via the splitter; Group
// walks a fixed-size chunking of a patient compartment list.
type FilterScope string

const (
	FilterScopeSystem FilterScope = "System"
	FilterScopeGroup  FilterScope = "Group"
)

// OrchestratorJobInputData is the definition payload of an orchestrator job.
type OrchestratorJobInputData struct {
	TriggerSequenceID int64     `json:"triggerSequenceId"`
	DataStartTime     time.Time `json:"dataStartTime"`
	DataEndTime       time.Time `json:"dataEndTime"`
	Since             time.Time `json:"since"`
	JobVersion        int       `json:"jobVersion"`
	FilterScope       FilterScope `json:"filterScope"`
	ResourceTypes     []string  `json:"resourceTypes,omitempty"`
	GroupID           string    `json:"groupId,omitempty"`
}

// OrchestratorJobResult is the result payload of an orchestrator job, both
// while in progress (persisted after every state change so crash-recovery
// resumes at the right point) and on final completion.
type OrchestratorJobResult struct {
	CreatedJobCount           int64            `json:"createdJobCount"`
	RunningJobIDs             map[int64]bool   `json:"runningJobIds"`
	NextPatientIndex          int              `json:"nextPatientIndex"`
	TotalResourceCounts       map[string]int64 `json:"totalResourceCounts"`
	ProcessedResourceCounts   map[string]int64 `json:"processedResourceCounts"`
	SkippedResourceCounts     map[string]int64 `json:"skippedResourceCounts"`
	ProcessedCountInTotal     int64            `json:"processedCountInTotal"`
	ProcessedDataSizeInTotal  int64            `json:"processedDataSizeInTotal"`
	CompleteTime              *time.Time       `json:"completeTime,omitempty"`
	SubmittedResourceTimestamps map[string]time.Time `json:"submittedResourceTimestamps"`
}

// NewOrchestratorJobResult returns a zero-value result with all maps
// initialised, ready to be mutated in place by the orchestrator's main loop.
func NewOrchestratorJobResult() *OrchestratorJobResult {
	return &OrchestratorJobResult{
		RunningJobIDs:               make(map[int64]bool),
		TotalResourceCounts:         make(map[string]int64),
		ProcessedResourceCounts:     make(map[string]int64),
		SkippedResourceCounts:       make(map[string]int64),
		SubmittedResourceTimestamps: make(map[string]time.Time),
	}
}

// TimeRange is an end-exclusive [Start, End) window.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// OffsetRange is an end-exclusive [Start, End) DICOM change-feed offset window.
type OffsetRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// ProcessingJobDefinition is the concrete definition payload of a C7
// processing job, produced either by the splitter (System scope) or by
// chunking a patient list (Group scope).
type ProcessingJobDefinition struct {
	ResourceType           string       `json:"resourceType"`
	FilterScope             FilterScope  `json:"filterScope"`
	TimeRange               *TimeRange   `json:"timeRange,omitempty"`
	OffsetRange             *OffsetRange `json:"offsetRange,omitempty"`
	PatientIDs               []string     `json:"patientIds,omitempty"`
	Since                     time.Time    `json:"since"`
	JobVersion                int          `json:"jobVersion"`
	ProcessingJobSequenceID   int64        `json:"processingJobSequenceId"`
}

// ProcessingJobResult is the concrete result payload of a completed C7 job.
type ProcessingJobResult struct {
	ResourceCounts            map[string]int64  `json:"resourceCounts"`
	DataSizeBytes             int64             `json:"dataSizeBytes"`
	ProcessedPatientVersions  map[string]string `json:"processedPatientVersions,omitempty"`
	SkippedCounts             map[string]int64  `json:"skippedCounts,omitempty"`
}
