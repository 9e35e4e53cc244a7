package types

import "time"

// JobType enumerates the kind of work a queued job represents.
type JobType string

const (
	JobTypeInitial              JobType = "initial"
	JobTypeReanalysis           JobType = "reanalysis"
	JobTypeConnectionDiscovery  JobType = "connection_discovery"
)

// JobStatus enumerates the lifecycle state of a queued job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Priority levels, lower value preempts higher at the same availableAt.
type Priority int

const (
	PriorityInitial              Priority = 0
	PriorityReanalysis           Priority = 10
	PriorityConnectionDiscovery  Priority = 20
	PriorityBackfill             Priority = 30
)

// JobContext is the free-form payload carried by a job, interpreted by the
// worker pipeline according to JobType.
type JobContext struct {
	SessionFile      string   `json:"sessionFile"`
	SegmentStart     string   `json:"segmentStart"`
	SegmentEnd       string   `json:"segmentEnd"`
	NodeID           string   `json:"nodeId,omitempty"`
	PriorNodeIDs     []string `json:"priorNodeIds,omitempty"`
	ReanalysisReason string   `json:"reanalysisReason,omitempty"`
}

// Job is a queued unit of analysis, reanalysis, or connection-discovery
// work. A job in JobStatusRunning always has a non-empty WorkerID.
type Job struct {
	ID          string     `json:"id"`
	Type        JobType    `json:"type"`
	Status      JobStatus  `json:"status"`
	Priority    Priority   `json:"priority"`
	Context     JobContext `json:"context"`
	RetryCount  int        `json:"retryCount"`
	MaxRetries  int        `json:"maxRetries"`
	QueuedAt    time.Time  `json:"queuedAt"`
	AvailableAt *time.Time `json:"availableAt,omitempty"`
	WorkerID    string     `json:"workerId,omitempty"`
	LastError   string     `json:"lastError,omitempty"`
}

// JobCounts summarizes the queue by status, used by getStats/getJobCounts.
type JobCounts struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// EnqueueInput is the caller-supplied subset of Job fields needed to
// enqueue a new job; the queue fills in ID, Status, and QueuedAt.
type EnqueueInput struct {
	Type       JobType
	Priority   Priority
	Context    JobContext
	MaxRetries int
	// AvailableAt delays eligibility; zero value means immediately eligible.
	AvailableAt time.Time
}
