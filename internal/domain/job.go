package domain

import "time"

// JobStatus tracks a relay job through its lifecycle. Transitions only move
// forward; COMPLETED and ERROR are terminal.
type JobStatus string

const (
	StatusNew          JobStatus = "NEW"
	StatusPendingReply JobStatus = "PENDING_REPLY"
	StatusReadyToSend  JobStatus = "READY_TO_SEND"
	StatusSending      JobStatus = "SENDING"
	StatusCompleted    JobStatus = "COMPLETED"
	StatusError        JobStatus = "ERROR"
)

type JobType string

const (
	// TypeDMFlow is the full cycle: inbound DM, mirror, operator reply,
	// protected send back to the sender.
	TypeDMFlow JobType = "DM_FLOW"
	// TypeManualSend is an operator-initiated send to an explicit target;
	// it enters the queue already READY_TO_SEND.
	TypeManualSend JobType = "MANUAL_SEND"
)

// StagingRef points at the mirrored copy of a job inside the staging group.
// ThreadID is the forum sub-thread when the group uses one, 0 otherwise.
type StagingRef struct {
	ChatID    int64
	MessageID int
	ThreadID  int
}

// Job is the unit of work moving through the relay pipeline. The zero values
// of the optional fields (TargetID, StagingRef, contents, Error) mean
// "not set yet".
type Job struct {
	ID        string
	Type      JobType
	Status    JobStatus
	SenderID  int64
	TargetID  int64 // delivery destination; falls back to SenderID when 0
	Staging   *StagingRef
	Inbound   *Payload // captured DM content; nil for MANUAL_SEND
	Outbound  *Payload // content to deliver; set on harvest or manual send
	Error     string   // last failure, set only with StatusError
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Target resolves the delivery destination for the job.
func (j *Job) Target() int64 {
	if j.TargetID != 0 {
		return j.TargetID
	}
	return j.SenderID
}
