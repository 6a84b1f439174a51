package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"digiqc/internal/domain"
)

var (
	ErrNotFound          = errors.New("queue item not found")
	ErrInvalidTransition = errors.New("invalid queue status transition")
)

// Change is a batch of item writes. Put holds new or updated items oldest
// first; an id the backend does not know yet goes to the head of the queue.
type Change struct {
	Put    []domain.SyncItem
	Delete []string
}

func (c Change) Empty() bool { return len(c.Put) == 0 && len(c.Delete) == 0 }

// Persister is the durable backing of a Store. Several stores, possibly in
// different processes, may share one backend: Apply must merge the change
// into the stored queue by item id under the backend's own lock.
type Persister interface {
	Load(ctx context.Context) ([]domain.SyncItem, error)
	Apply(ctx context.Context, c Change) error
}

type Options struct {
	Persister Persister
	Logger    logrus.FieldLogger
	Now       func() time.Time
	NewID     func() string
}

// Store is the process view of the sync queue. All mutation goes through its
// methods. Every call re-reads the backend first, so items written by other
// processes show up and are never overwritten wholesale.
type Store struct {
	mu    sync.Mutex
	items []domain.SyncItem
	// unsaved changes, kept until the backend accepts them
	dirty   map[string]bool
	deleted map[string]bool

	persist Persister
	log     logrus.FieldLogger
	now     func() time.Time
	newID   func() string

	kick chan struct{}

	subMu  sync.Mutex
	subs   map[int]chan []domain.SyncItem
	nextID int
}

// Open loads the persisted queue. A nil Persister keeps the queue in memory.
func Open(ctx context.Context, opts Options) (*Store, error) {
	s := &Store{
		persist: opts.Persister,
		log:     opts.Logger,
		now:     opts.Now,
		newID:   opts.NewID,
		dirty:   map[string]bool{},
		deleted: map[string]bool{},
		kick:    make(chan struct{}, 1),
		subs:    map[int]chan []domain.SyncItem{},
	}
	if s.persist == nil {
		s.persist = NewMemoryPersister()
	}
	if s.log == nil {
		s.log = logrus.StandardLogger()
	}
	s.log = s.log.WithField("component", "syncqueue")
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = newItemID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refreshLocked(ctx); err != nil {
		return nil, fmt.Errorf("load sync queue: %w", err)
	}
	return s, nil
}

func newItemID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

// Enqueue adds a pending item at the head of the queue. It does not fail: a
// persistence error is logged and the next successful write carries the item.
func (s *Store) Enqueue(ctx context.Context, kind domain.SyncKind, payload any) domain.SyncItem {
	raw, err := marshalPayload(payload)
	if err != nil {
		s.log.WithError(err).WithField("kind", kind).Error("encode queue payload")
		raw = json.RawMessage(fmt.Sprintf(`{"encode_error":%q}`, err.Error()))
	}
	// a cancelled caller must not keep the item out of the backend
	ctx = context.WithoutCancel(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadLocked(ctx)
	ts := s.timestamp()
	it := domain.SyncItem{
		ID:        s.newID(),
		Kind:      kind,
		Payload:   raw,
		CreatedAt: ts,
		Status:    domain.SyncPending,
		UpdatedAt: ts,
	}
	s.items = append([]domain.SyncItem{it}, s.items...)
	s.dirty[it.ID] = true
	s.commitLocked(ctx)
	s.signal()
	return it.Clone()
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		return append(json.RawMessage(nil), p...), nil
	case []byte:
		return append(json.RawMessage(nil), p...), nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Retry moves a failed item back to pending and wakes the delivery driver.
// Pending items stay pending. Synced items cannot be retried.
func (s *Store) Retry(ctx context.Context, id string) (domain.SyncItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadLocked(ctx)
	i := s.indexLocked(id)
	if i < 0 {
		return domain.SyncItem{}, ErrNotFound
	}
	it := &s.items[i]
	switch it.Status {
	case domain.SyncSynced:
		return domain.SyncItem{}, fmt.Errorf("%w: item %s is already synced", ErrInvalidTransition, id)
	case domain.SyncFailed:
		it.Status = domain.SyncPending
		it.LastError = ""
		it.UpdatedAt = s.timestamp()
		s.dirty[id] = true
		out := it.Clone()
		s.commitLocked(ctx)
		s.signal()
		return out, nil
	}
	s.signal()
	return it.Clone(), nil
}

// MarkSynced records a successful delivery. ErrNotFound means the item was
// cleared concurrently and can be ignored.
func (s *Store) MarkSynced(ctx context.Context, id string) error {
	return s.transition(ctx, id, domain.SyncSynced, "")
}

// MarkFailed records a failed delivery with its cause.
func (s *Store) MarkFailed(ctx context.Context, id string, cause string) error {
	return s.transition(ctx, id, domain.SyncFailed, cause)
}

func (s *Store) transition(ctx context.Context, id string, next domain.SyncStatus, cause string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadLocked(ctx)
	i := s.indexLocked(id)
	if i < 0 {
		return ErrNotFound
	}
	it := &s.items[i]
	if !it.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w %s -> %s", ErrInvalidTransition, it.Status, next)
	}
	it.Status = next
	it.Attempts++
	it.LastError = cause
	it.UpdatedAt = s.timestamp()
	s.dirty[id] = true
	s.commitLocked(ctx)
	return nil
}

// ClearSynced drops synced items, keeping the order of the rest. It returns
// how many were removed.
func (s *Store) ClearSynced(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadLocked(ctx)
	kept := s.items[:0:0]
	for _, it := range s.items {
		if it.Status == domain.SyncSynced {
			delete(s.dirty, it.ID)
			s.deleted[it.ID] = true
			continue
		}
		kept = append(kept, it)
	}
	removed := len(s.items) - len(kept)
	if removed == 0 {
		return 0
	}
	s.items = kept
	s.commitLocked(ctx)
	return removed
}

// List returns a snapshot of the queue, newest first.
func (s *Store) List(ctx context.Context) []domain.SyncItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadLocked(ctx)
	return cloneItems(s.items)
}

func (s *Store) Get(ctx context.Context, id string) (domain.SyncItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadLocked(ctx)
	i := s.indexLocked(id)
	if i < 0 {
		return domain.SyncItem{}, ErrNotFound
	}
	return s.items[i].Clone(), nil
}

// Pending returns pending items oldest first, the order they should be delivered in.
func (s *Store) Pending(ctx context.Context) []domain.SyncItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloadLocked(ctx)
	var out []domain.SyncItem
	for i := len(s.items) - 1; i >= 0; i-- {
		if s.items[i].Status == domain.SyncPending {
			out = append(out, s.items[i].Clone())
		}
	}
	return out
}

// Kick fires after Enqueue or Retry made an item deliverable.
func (s *Store) Kick() <-chan struct{} {
	return s.kick
}

// Subscribe returns a channel that receives the latest queue snapshot after
// every change. Slow readers only see the most recent snapshot.
func (s *Store) Subscribe() (<-chan []domain.SyncItem, func()) {
	ch := make(chan []domain.SyncItem, 1)
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.subMu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
		})
	}
}

// Sync writes changes the backend has not accepted yet. It is a no-op when
// every change is already stored.
func (s *Store) Sync(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked(ctx)
}

// reloadLocked refreshes from the backend, falling back to the cached view
// when it cannot be read.
func (s *Store) reloadLocked(ctx context.Context) {
	if err := s.refreshLocked(ctx); err != nil {
		s.log.WithError(err).Warn("reload sync queue")
	}
}

// refreshLocked replaces the cached queue with the stored one plus this
// store's unsaved changes, publishing when the result differs.
func (s *Store) refreshLocked(ctx context.Context) error {
	stored, err := s.persist.Load(ctx)
	if err != nil {
		return err
	}
	for _, it := range stored {
		if !it.Status.IsValid() {
			return fmt.Errorf("item %s has invalid status %q", it.ID, it.Status)
		}
	}
	next := merge(stored, s.changeLocked())
	if sameItems(s.items, next) {
		return nil
	}
	s.items = next
	s.publishLocked()
	return nil
}

// commitLocked publishes the new state and writes the pending change.
func (s *Store) commitLocked(ctx context.Context) {
	s.publishLocked()
	if err := s.flushLocked(ctx); err != nil {
		s.log.WithError(err).Warn("persist sync queue")
	}
}

func (s *Store) flushLocked(ctx context.Context) error {
	c := s.changeLocked()
	if c.Empty() {
		return nil
	}
	if err := s.persist.Apply(ctx, c); err != nil {
		return err
	}
	s.dirty = map[string]bool{}
	s.deleted = map[string]bool{}
	return nil
}

func (s *Store) changeLocked() Change {
	var c Change
	for i := len(s.items) - 1; i >= 0; i-- {
		if s.dirty[s.items[i].ID] {
			c.Put = append(c.Put, s.items[i].Clone())
		}
	}
	for id := range s.deleted {
		c.Delete = append(c.Delete, id)
	}
	sort.Strings(c.Delete)
	return c
}

func (s *Store) publishLocked() {
	snapshot := cloneItems(s.items)
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- cloneItems(snapshot):
		default:
		}
	}
}

func (s *Store) signal() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Store) indexLocked(id string) int {
	return indexOf(s.items, id)
}

func indexOf(items []domain.SyncItem, id string) int {
	for i := range items {
		if items[i].ID == id {
			return i
		}
	}
	return -1
}

// merge applies c to a newest-first queue and returns the result. Deletes
// come first; a put replaces the item with the same id in place or becomes
// the new head.
func merge(items []domain.SyncItem, c Change) []domain.SyncItem {
	out := cloneItems(items)
	if len(c.Delete) > 0 {
		drop := make(map[string]bool, len(c.Delete))
		for _, id := range c.Delete {
			drop[id] = true
		}
		kept := out[:0]
		for _, it := range out {
			if !drop[it.ID] {
				kept = append(kept, it)
			}
		}
		out = kept
	}
	for _, put := range c.Put {
		if i := indexOf(out, put.ID); i >= 0 {
			out[i] = put.Clone()
			continue
		}
		out = append([]domain.SyncItem{put.Clone()}, out...)
	}
	return out
}

func sameItems(a, b []domain.SyncItem) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		x, y := a[i], b[i]
		if x.ID != y.ID || x.Status != y.Status || x.Attempts != y.Attempts ||
			x.LastError != y.LastError || x.UpdatedAt != y.UpdatedAt {
			return false
		}
	}
	return true
}

func cloneItems(items []domain.SyncItem) []domain.SyncItem {
	out := make([]domain.SyncItem, len(items))
	for i, it := range items {
		out[i] = it.Clone()
	}
	return out
}
