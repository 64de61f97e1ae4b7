package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

type AdmissionStatus string

const (
	StatusPending  AdmissionStatus = "pending"
	StatusAccepted AdmissionStatus = "accepted"
	StatusRejected AdmissionStatus = "rejected"
)

type EventStatus string

const (
	EventActive   EventStatus = "active"
	EventClosed   EventStatus = "closed"
	EventCanceled EventStatus = "canceled"
)

var (
	// admission
	ErrEventNotFound     = errors.New("event not found")
	ErrEventInactive     = errors.New("event is not active")
	ErrDuplicateRequest  = errors.New("admission request already exists")
	ErrEventFull         = errors.New("event is full")
	ErrPendingQueueFull  = errors.New("too many pending requests for this event")
	ErrNotFound          = errors.New("admission request not found")
	ErrUnauthorized      = errors.New("only the event host may do this")
	ErrInvalidTransition = errors.New("invalid status transition")

	// messaging
	ErrEmptyContent   = errors.New("message content is empty")
	ErrContentTooLong = errors.New("message content is too long")
	ErrForbidden      = errors.New("forbidden")

	ErrCacheMiss = errors.New("cache miss")
)

// Event is the slice of an upstream event this service cares about.
type Event struct {
	ID              uuid.UUID   `json:"id"`
	HostID          uuid.UUID   `json:"host_id"`
	MaxParticipants int         `json:"max_participants"`
	Status          EventStatus `json:"status"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

func (e Event) IsActive() bool { return e.Status == EventActive }

// Capacity is the number of guests that can be accepted; the host holds one slot.
func (e Event) Capacity() int {
	if e.MaxParticipants <= 1 {
		return 0
	}
	return e.MaxParticipants - 1
}

type AdmissionRequest struct {
	ID            uuid.UUID       `json:"id"`
	EventID       uuid.UUID       `json:"event_id"`
	HostID        uuid.UUID       `json:"host_id"`
	RequesterID   uuid.UUID       `json:"requester_id"`
	RequesterName string          `json:"requester_name,omitempty"`
	Status        AdmissionStatus `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// ChannelID is the messaging scope of an admission request.
func (r AdmissionRequest) ChannelID() uuid.UUID { return r.ID }

// IsParty reports whether actor is the host or the requester.
func (r AdmissionRequest) IsParty(actor uuid.UUID) bool {
	return actor != uuid.Nil && (actor == r.HostID || actor == r.RequesterID)
}

type Message struct {
	ID        uuid.UUID `json:"id"`
	ChannelID uuid.UUID `json:"channel_id"`
	SenderID  uuid.UUID `json:"sender_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Actor is an authenticated caller.
type Actor struct {
	ID   uuid.UUID
	Name string
}

// OutboxMessage is written in the same transaction as the state change it describes.
type OutboxMessage struct {
	TraceID    string
	RoutingKey string
	Payload    any
}

// AdmissionTx is the view of the store available inside WithEventLock.
type AdmissionTx interface {
	CountByStatus(ctx context.Context, eventID uuid.UUID, status AdmissionStatus) (int, error)
	FindByRequester(ctx context.Context, eventID, requesterID uuid.UUID) (AdmissionRequest, error)
	LockByID(ctx context.Context, id uuid.UUID) (AdmissionRequest, error)
	Insert(ctx context.Context, req AdmissionRequest) error
	SetStatus(ctx context.Context, id uuid.UUID, status AdmissionStatus, at time.Time) error
	Enqueue(ctx context.Context, msg OutboxMessage) error
}

// AdmissionRepository persists admission requests.
//
// WithEventLock runs fn atomically with respect to every other WithEventLock call for the
// same event. It loads the event first and returns ErrEventNotFound if it is unknown. If fn
// returns an error nothing fn wrote is kept.
type AdmissionRepository interface {
	WithEventLock(ctx context.Context, eventID uuid.UUID, fn func(ctx context.Context, tx AdmissionTx, ev Event) error) error
	GetAdmission(ctx context.Context, id uuid.UUID) (AdmissionRequest, error)
	ListByEvent(ctx context.Context, eventID uuid.UUID) ([]AdmissionRequest, error)
}

type MessageRepository interface {
	InsertMessage(ctx context.Context, msg Message) error
	ListMessages(ctx context.Context, channelID uuid.UUID) ([]Message, error)
}

// EventDirectory is the upstream event lookup.
type EventDirectory interface {
	GetEvent(ctx context.Context, eventID uuid.UUID) (Event, error)
}

// BlockChecker answers whether either user blocked the other.
type BlockChecker interface {
	IsBlocked(ctx context.Context, a, b uuid.UUID) (bool, error)
}

type CacheRepository interface {
	GetEvent(ctx context.Context, eventID uuid.UUID) (Event, error)
	SetEvent(ctx context.Context, ev Event) error
	InvalidateEvent(ctx context.Context, eventID uuid.UUID) error

	AllowRequest(ctx context.Context, ip string, limit int, window time.Duration) (bool, error)
}

// SnapshotWriter applies upstream snapshots (events, blocks) to local state. Neither event
// write moves a snapshot back to an older UpdatedAt.
type SnapshotWriter interface {
	UpsertEvent(ctx context.Context, ev Event) error
	// SetEventStatus changes only the status of a known event; unknown events are ignored.
	SetEventStatus(ctx context.Context, eventID uuid.UUID, status EventStatus, at time.Time) error
	SetBlocked(ctx context.Context, blockerID, blockedID uuid.UUID, blocked bool) error
}

// Inbox runs fn at most once per (messageID, handlerName); the dedupe mark and fn's writes
// commit together. processed is false for a duplicate.
type Inbox interface {
	ProcessOnce(ctx context.Context, messageID, handlerName string, fn func(ctx context.Context, w SnapshotWriter) error) (processed bool, err error)
}
