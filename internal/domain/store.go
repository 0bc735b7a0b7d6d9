package domain

import (
	"context"
	"time"
)

// JobStore is the shared queue both relay processes coordinate through.
// Claim operations are atomic: a single store round trip that matches the
// expected status and rewrites it, returning the job only on a match. This
// is what guarantees at most one claimer per job.
type JobStore interface {
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)

	// ClaimNext atomically moves the oldest job in status `from` to status
	// `to` and returns it. Returns (nil, nil) when no job matches.
	ClaimNext(ctx context.Context, from, to JobStatus) (*Job, error)
	// ClaimJob is ClaimNext for a specific job id.
	ClaimJob(ctx context.Context, id string, from, to JobStatus) (*Job, error)

	// MarkMirrored records the staging copy and moves the job to
	// PENDING_REPLY.
	MarkMirrored(ctx context.Context, id string, ref StagingRef) error
	// MarkReady attaches the outbound payload and moves the job from
	// PENDING_REPLY to READY_TO_SEND in one statement. Returns false when
	// the job was not in PENDING_REPLY (already harvested, or errored).
	MarkReady(ctx context.Context, id string, out *Payload) (bool, error)
	// MarkCompleted finalizes a SENDING job. MarkCompleted, MarkError, and
	// Release are guarded on the status the caller claimed: when the stale
	// sweep has re-issued the job to another claimer, the late write is a
	// no-op instead of overwriting the winner's outcome.
	MarkCompleted(ctx context.Context, id string) error
	MarkError(ctx context.Context, id string, from JobStatus, cause string) error

	// Release reverts a claimed job from `from` to `to` without recording
	// an error, used when a send must be retried later (rate limits).
	Release(ctx context.Context, id string, from, to JobStatus) error
	// ReleaseStale reverts SENDING jobs not updated since the cutoff back
	// to READY_TO_SEND, returning how many were recovered.
	ReleaseStale(ctx context.Context, cutoff time.Time) (int64, error)

	// FindByStagingRef resolves the job a staged message belongs to.
	FindByStagingRef(ctx context.Context, chatID int64, messageID int) (*Job, error)
	ListBySender(ctx context.Context, senderID int64, limit int) ([]Job, error)
	CountByStatus(ctx context.Context) (map[JobStatus]int64, error)
}

// ConfigStore is the key/value table holding operator-set configuration.
// Get never fails: store errors degrade to the supplied default because
// config reads sit on every loop iteration.
type ConfigStore interface {
	SetConfig(ctx context.Context, key, value string) error
	GetConfig(ctx context.Context, key, def string) string
}

// Well-known config keys.
const (
	ConfigStagingChat   = "staging_chat_id"
	ConfigDeliveryToken = "delivery_token"
)
