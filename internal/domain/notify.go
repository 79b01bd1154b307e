package domain

import (
	"context"

	"github.com/google/uuid"
)

type NotificationKind string

const (
	NotifyJoinApproved        NotificationKind = "join_approved"
	NotifyJoinRequested       NotificationKind = "join_requested"
	NotifyJoinDisapproved     NotificationKind = "join_disapproved"
	NotifyAttendanceWithdrawn NotificationKind = "attendance_withdrawn"
	NotifyStreamCreated       NotificationKind = "stream_created"
	NotifyStreamUpdated       NotificationKind = "stream_updated"
	NotifyStreamRescheduled   NotificationKind = "stream_rescheduled"
	NotifyStreamCanceled      NotificationKind = "stream_canceled"
	NotifySyncFailed          NotificationKind = "sync_failed"
)

// Notification is a fully-formed event record for downstream delivery.
type Notification struct {
	Kind     NotificationKind `json:"kind"`
	StreamID uuid.UUID        `json:"stream_id"`
	MemberID uuid.UUID        `json:"member_id,omitzero"`
	Payload  map[string]any   `json:"payload,omitempty"`
}

// NotificationEmitter is fire-and-forget: Emit must not block on delivery,
// and loss is acceptable.
type NotificationEmitter interface {
	Emit(ctx context.Context, n Notification)
}
