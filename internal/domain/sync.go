package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type TaskKind string

const (
	TaskCreateStream     TaskKind = "create_stream"
	TaskPatchStream      TaskKind = "patch_stream"
	TaskCancelStream     TaskKind = "cancel_stream"
	TaskRescheduleStream TaskKind = "reschedule_stream"
	TaskAddAttendee      TaskKind = "add_attendee"
	TaskRemoveAttendee   TaskKind = "remove_attendee"
)

// RequiresExternalRef reports whether the task must wait for the stream to exist remotely.
func (k TaskKind) RequiresExternalRef() bool {
	return k != TaskCreateStream
}

func (k TaskKind) IsAttendeeTask() bool {
	return k == TaskAddAttendee || k == TaskRemoveAttendee
}

// idempotencyNamespace scopes UUIDv5 idempotency keys to this engine.
var idempotencyNamespace = uuid.MustParse("6f1c2a8e-3b7d-5e41-9a0c-2d5f8b7e4c13")

// SyncTask is one side effect against the provider gateway.
type SyncTask struct {
	Kind     TaskKind
	StreamID uuid.UUID
	MemberID uuid.UUID // uuid.Nil for stream-level tasks
	// Revision is the stream or attendee version the task was derived from. Two
	// reschedules are different logical operations; two attempts of one are not.
	Revision int

	Attempts  int
	LastError string
}

// TaskKey identifies a task for in-flight uniqueness.
type TaskKey struct {
	StreamID uuid.UUID
	Kind     TaskKind
	MemberID uuid.UUID
}

func (k TaskKey) String() string {
	return fmt.Sprintf("%s:%s:%s", k.StreamID, k.Kind, k.MemberID)
}

func (t SyncTask) Key() TaskKey {
	return TaskKey{StreamID: t.StreamID, Kind: t.Kind, MemberID: t.MemberID}
}

// IdempotencyKey is stable across retries of the same logical operation.
func (t SyncTask) IdempotencyKey() string {
	name := fmt.Sprintf("%s/%s/%s/%d", t.StreamID, t.Kind, t.MemberID, t.Revision)
	return uuid.NewSHA1(idempotencyNamespace, []byte(name)).String()
}

// RemoteStream is the provider-facing projection of a stream.
type RemoteStream struct {
	StreamID    uuid.UUID
	Type        StreamType
	Status      StreamStatus
	Visibility  Visibility
	Title       string
	Description string
	Start       time.Time
	End         time.Time
}

func NewRemoteStream(s *Stream) RemoteStream {
	return RemoteStream{
		StreamID:    s.ID,
		Type:        s.Type,
		Status:      s.Status,
		Visibility:  s.Visibility,
		Title:       s.Title,
		Description: s.Description,
		Start:       s.ScheduledStart,
		End:         s.ScheduledEnd,
	}
}

// ProviderGateway is the capability interface of the external scheduling/broadcast provider.
// A nil error is success; failures are *ProviderError.
type ProviderGateway interface {
	CreateRemoteStream(ctx context.Context, idempotencyKey string, stream RemoteStream) (string, error)
	PatchRemoteStream(ctx context.Context, idempotencyKey, externalRef string, stream RemoteStream) error
	CancelRemoteStream(ctx context.Context, idempotencyKey, externalRef string) error
	RescheduleRemoteStream(ctx context.Context, idempotencyKey, externalRef string, start, end time.Time) error
	AddRemoteAttendee(ctx context.Context, idempotencyKey, externalRef string, memberID uuid.UUID) error
	RemoveRemoteAttendee(ctx context.Context, idempotencyKey, externalRef string, memberID uuid.UUID) error
}

// ErrRemoteAlreadyExists is the provider reporting the operation was already applied.
// Callers treat it as success.
var ErrRemoteAlreadyExists = errors.New("remote resource already exists")

// ProviderError is a failed provider call, classified as transient or permanent.
type ProviderError struct {
	Op         string
	StatusCode int
	Transient  bool
	// RateLimited asks the caller to back off longer before retrying.
	RateLimited bool
	Err         error
}

func (e *ProviderError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider %s failed (%s, status %d): %v", e.Op, kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider %s failed (%s): %v", e.Op, kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// TaskLease guards a task key against concurrent duplicate provider calls.
type TaskLease interface {
	Acquire(ctx context.Context, key TaskKey, ttl time.Duration) (release func(), ok bool, err error)
}

// SyncFailure is the operational record of a task that will not be retried.
type SyncFailure struct {
	ID         int64
	Task       SyncTask
	Reason     string
	Permanent  bool
	OccurredAt time.Time
	Resolved   bool
}

// FailureRecorder is the operational alerting path for failed sync tasks.
type FailureRecorder interface {
	RecordFailure(ctx context.Context, failure SyncFailure) error
	// HasOpenFailure reports whether an unresolved failure exists for the key.
	HasOpenFailure(ctx context.Context, key TaskKey) (bool, error)
}
