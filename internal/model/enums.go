package model

// Job status
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusPartial    JobStatus = "partial"
	JobStatusCancelled  JobStatus = "cancelled"
)

var ValidStatuses = []JobStatus{
	JobStatusQueued, JobStatusProcessing, JobStatusCompleted,
	JobStatusFailed, JobStatusPartial, JobStatusCancelled,
}

// IsTerminal reports whether the status ends the job's lifecycle.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusPartial, JobStatusCancelled:
		return true
	}
	return false
}

// IsActive reports whether the status counts toward the one-active-job-per-book rule.
func (s JobStatus) IsActive() bool {
	return s == JobStatusQueued || s == JobStatusProcessing
}

// Job types
type JobType string

const (
	JobTypeFull           JobType = "full"
	JobTypeTextOnly       JobType = "text_only"
	JobTypeVocabularyOnly JobType = "vocabulary_only"
	JobTypeAudioOnly      JobType = "audio_only"
	JobTypeBundle         JobType = "bundle"
)

var ValidJobTypes = []JobType{
	JobTypeFull, JobTypeTextOnly, JobTypeVocabularyOnly,
	JobTypeAudioOnly, JobTypeBundle,
}

// Job priorities, each mapped to its own dispatch lane
type JobPriority string

const (
	PriorityHigh   JobPriority = "high"
	PriorityNormal JobPriority = "normal"
	PriorityLow    JobPriority = "low"
)

var ValidPriorities = []JobPriority{PriorityHigh, PriorityNormal, PriorityLow}

// Pipeline stage names
const (
	StageTextExtraction  = "text_extraction"
	StageSegmentation    = "segmentation"
	StageTopicAnalysis   = "topic_analysis"
	StageVocabulary      = "vocabulary"
	StageAudioGeneration = "audio_generation"
)

// MetadataRetryOf is the metadata key carrying the original job ID on a retry.
const MetadataRetryOf = "retry_of"
