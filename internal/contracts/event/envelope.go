package event

import "time"

const (
	Version  = 1
	Producer = "invite-service"
)

// DomainEventEnvelope is the canonical envelope consumed across services.
// NOTE: message_id is optional for backward compatibility.
type DomainEventEnvelope[T any] struct {
	Version    int       `json:"version"`
	Producer   string    `json:"producer"`
	TraceID    string    `json:"trace_id,omitempty"`
	MessageID  string    `json:"message_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    T         `json:"payload"`
}

// EventSnapshotPayload covers event.published / event.updated / event.unpublished.
// Keep fields tolerant: extra fields from producer are ignored by json.Unmarshal.
// max_participants wins over capacity when both are present.
type EventSnapshotPayload struct {
	EventID         string `json:"event_id"`
	OwnerID         string `json:"owner_id,omitempty"`
	HostID          string `json:"host_id,omitempty"`
	MaxParticipants *int   `json:"max_participants,omitempty"`
	Capacity        *int   `json:"capacity,omitempty"` // pointer so we can detect missing
	Status          string `json:"status,omitempty"`
}

// EventCanceledPayload
// Accept both event_id and legacy id for robustness.
type EventCanceledPayload struct {
	EventID string `json:"event_id,omitempty"`
	ID      string `json:"id,omitempty"` // legacy / older producer
	OwnerID string `json:"owner_id,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// UserBlockPayload is carried by user.blocked / user.unblocked.
type UserBlockPayload struct {
	BlockerID string `json:"blocker_id"`
	BlockedID string `json:"blocked_id"`
}

// AdmissionPayload is published for admission.requested / accepted / rejected.
type AdmissionPayload struct {
	AdmissionID string    `json:"admission_id"`
	EventID     string    `json:"event_id"`
	HostID      string    `json:"host_id"`
	RequesterID string    `json:"requester_id"`
	Status      string    `json:"status"`
	At          time.Time `json:"at"`
}

const (
	RKEventPublished   = "event.published"
	RKEventUpdated     = "event.updated"
	RKEventUnpublished = "event.unpublished"
	RKEventCanceled    = "event.canceled"

	RKUserBlocked   = "user.blocked"
	RKUserUnblocked = "user.unblocked"

	RKAdmissionRequested = "admission.requested"
	RKAdmissionAccepted  = "admission.accepted"
	RKAdmissionRejected  = "admission.rejected"
)
