// Package memory is an in-process storage driver used for local development and tests.
// Nothing survives a restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/baechuer/real-time-ressys/services/invite-service/internal/domain"
	"github.com/google/uuid"
)

type blockKey struct{ blocker, blocked uuid.UUID }

type inboxKey struct{ messageID, handler string }

type Store struct {
	mu sync.RWMutex

	events     map[uuid.UUID]domain.Event
	admissions map[uuid.UUID]domain.AdmissionRequest
	messages   map[uuid.UUID][]domain.Message
	blocks     map[blockKey]struct{}
	processed  map[inboxKey]time.Time
	outbox     []domain.OutboxMessage

	lockMu     sync.Mutex
	eventLocks map[uuid.UUID]*sync.Mutex

	inboxMu sync.Mutex
}

func New() *Store {
	return &Store{
		events:     make(map[uuid.UUID]domain.Event),
		admissions: make(map[uuid.UUID]domain.AdmissionRequest),
		messages:   make(map[uuid.UUID][]domain.Message),
		blocks:     make(map[blockKey]struct{}),
		processed:  make(map[inboxKey]time.Time),
		eventLocks: make(map[uuid.UUID]*sync.Mutex),
	}
}

// ---- seeding ----

func (s *Store) PutEvent(ev domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.ID] = ev
}

func (s *Store) Block(blockerID, blockedID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[blockKey{blockerID, blockedID}] = struct{}{}
}

// Outbox returns a copy of every enqueued outbox message, oldest first.
func (s *Store) Outbox() []domain.OutboxMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.OutboxMessage(nil), s.outbox...)
}

// ---- EventDirectory ----

func (s *Store) GetEvent(ctx context.Context, eventID uuid.UUID) (domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.events[eventID]
	if !ok {
		return domain.Event{}, domain.ErrEventNotFound
	}
	return ev, nil
}

// ---- BlockChecker ----

func (s *Store) IsBlocked(ctx context.Context, a, b uuid.UUID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ab := s.blocks[blockKey{a, b}]
	_, ba := s.blocks[blockKey{b, a}]
	return ab || ba, nil
}

// ---- AdmissionRepository ----

func (s *Store) eventLock(eventID uuid.UUID) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	m, ok := s.eventLocks[eventID]
	if !ok {
		m = &sync.Mutex{}
		s.eventLocks[eventID] = m
	}
	return m
}

func (s *Store) WithEventLock(ctx context.Context, eventID uuid.UUID, fn func(ctx context.Context, tx domain.AdmissionTx, ev domain.Event) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l := s.eventLock(eventID)
	l.Lock()
	defer l.Unlock()

	ev, err := s.GetEvent(ctx, eventID)
	if err != nil {
		return err
	}

	tx := &stagedTx{store: s, eventID: eventID, writes: make(map[uuid.UUID]domain.AdmissionRequest)}
	if err := fn(ctx, tx, ev); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (s *Store) GetAdmission(ctx context.Context, id uuid.UUID) (domain.AdmissionRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.admissions[id]
	if !ok {
		return domain.AdmissionRequest{}, domain.ErrNotFound
	}
	return r, nil
}

func (s *Store) ListByEvent(ctx context.Context, eventID uuid.UUID) ([]domain.AdmissionRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.AdmissionRequest, 0)
	for _, r := range s.admissions {
		if r.EventID == eventID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// stagedTx buffers writes until fn returns nil. Only one stagedTx per event exists at a time.
type stagedTx struct {
	store   *Store
	eventID uuid.UUID
	writes  map[uuid.UUID]domain.AdmissionRequest
	outbox  []domain.OutboxMessage
}

// view is the committed state overlaid with this tx's writes, restricted to the locked event.
func (tx *stagedTx) view() []domain.AdmissionRequest {
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	out := make([]domain.AdmissionRequest, 0)
	for id, r := range tx.store.admissions {
		if r.EventID != tx.eventID {
			continue
		}
		if w, ok := tx.writes[id]; ok {
			r = w
		}
		out = append(out, r)
	}
	for id, w := range tx.writes {
		if _, ok := tx.store.admissions[id]; !ok {
			out = append(out, w)
		}
	}
	return out
}

func (tx *stagedTx) CountByStatus(ctx context.Context, eventID uuid.UUID, status domain.AdmissionStatus) (int, error) {
	n := 0
	for _, r := range tx.view() {
		if r.EventID == eventID && r.Status == status {
			n++
		}
	}
	return n, nil
}

func (tx *stagedTx) FindByRequester(ctx context.Context, eventID, requesterID uuid.UUID) (domain.AdmissionRequest, error) {
	for _, r := range tx.view() {
		if r.EventID == eventID && r.RequesterID == requesterID {
			return r, nil
		}
	}
	return domain.AdmissionRequest{}, domain.ErrNotFound
}

func (tx *stagedTx) LockByID(ctx context.Context, id uuid.UUID) (domain.AdmissionRequest, error) {
	if w, ok := tx.writes[id]; ok {
		return w, nil
	}
	r, err := tx.store.GetAdmission(ctx, id)
	if err != nil {
		return domain.AdmissionRequest{}, err
	}
	if r.EventID != tx.eventID {
		return domain.AdmissionRequest{}, domain.ErrNotFound
	}
	return r, nil
}

func (tx *stagedTx) Insert(ctx context.Context, req domain.AdmissionRequest) error {
	if _, err := tx.FindByRequester(ctx, req.EventID, req.RequesterID); err == nil {
		return domain.ErrDuplicateRequest
	}
	tx.writes[req.ID] = req
	return nil
}

func (tx *stagedTx) SetStatus(ctx context.Context, id uuid.UUID, status domain.AdmissionStatus, at time.Time) error {
	r, err := tx.LockByID(ctx, id)
	if err != nil {
		return err
	}
	r.Status = status
	r.UpdatedAt = at
	tx.writes[id] = r
	return nil
}

func (tx *stagedTx) Enqueue(ctx context.Context, msg domain.OutboxMessage) error {
	tx.outbox = append(tx.outbox, msg)
	return nil
}

func (tx *stagedTx) commit() {
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	for id, r := range tx.writes {
		tx.store.admissions[id] = r
	}
	tx.store.outbox = append(tx.store.outbox, tx.outbox...)
}

// ---- MessageRepository ----

func (s *Store) InsertMessage(ctx context.Context, msg domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.ChannelID] = append(s.messages[msg.ChannelID], msg)
	return nil
}

func (s *Store) ListMessages(ctx context.Context, channelID uuid.UUID) ([]domain.Message, error) {
	s.mu.RLock()
	out := append([]domain.Message{}, s.messages[channelID]...)
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// ---- Inbox ----

func (s *Store) ProcessOnce(ctx context.Context, messageID, handlerName string, fn func(ctx context.Context, w domain.SnapshotWriter) error) (bool, error) {
	s.inboxMu.Lock()
	defer s.inboxMu.Unlock()

	k := inboxKey{messageID, handlerName}
	s.mu.RLock()
	_, seen := s.processed[k]
	s.mu.RUnlock()
	if seen {
		return false, nil
	}

	w := &snapshotBatch{}
	if err := fn(ctx, w); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range w.events {
		// out-of-order snapshots never roll an event back
		if cur, ok := s.events[ev.ID]; ok && ev.UpdatedAt.Before(cur.UpdatedAt) {
			continue
		}
		s.events[ev.ID] = ev
	}
	for _, st := range w.statuses {
		cur, ok := s.events[st.eventID]
		if !ok || st.at.Before(cur.UpdatedAt) {
			continue
		}
		cur.Status = st.status
		cur.UpdatedAt = st.at
		s.events[st.eventID] = cur
	}
	for _, b := range w.blocks {
		if b.on {
			s.blocks[b.key] = struct{}{}
		} else {
			delete(s.blocks, b.key)
		}
	}
	s.processed[k] = time.Now().UTC()
	return true, nil
}

type blockChange struct {
	key blockKey
	on  bool
}

type statusChange struct {
	eventID uuid.UUID
	status  domain.EventStatus
	at      time.Time
}

type snapshotBatch struct {
	events   []domain.Event
	statuses []statusChange
	blocks   []blockChange
}

func (b *snapshotBatch) UpsertEvent(ctx context.Context, ev domain.Event) error {
	b.events = append(b.events, ev)
	return nil
}

func (b *snapshotBatch) SetEventStatus(ctx context.Context, eventID uuid.UUID, status domain.EventStatus, at time.Time) error {
	b.statuses = append(b.statuses, statusChange{eventID: eventID, status: status, at: at})
	return nil
}

func (b *snapshotBatch) SetBlocked(ctx context.Context, blockerID, blockedID uuid.UUID, blocked bool) error {
	b.blocks = append(b.blocks, blockChange{key: blockKey{blockerID, blockedID}, on: blocked})
	return nil
}
