package services

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-import/pkg/llm"
	"github.com/ekaya-inc/ekaya-import/pkg/models"
)

// sessionEntry is the in-memory working set of one live session.
// mu serializes transitions. cancelled is read by mapping and commit
// without taking mu.
type sessionEntry struct {
	mu sync.Mutex

	session    *models.ImportSession
	extraction *models.ExtractionResult
	schema     *models.TargetSchema
	mapping    *models.MappingResult
	rows       []models.PreviewRow // every record, validated and fixed
	fixReport  *models.FixReport
	stats      models.PreviewStatistics
	fixesTotal int
	budget     *llm.Budget
	percentage int

	result        *models.CommitResult
	approvalTimer *time.Timer
	commitDone    chan struct{}

	cancelled atomic.Bool
}

// snapshot returns a copy of the session that callers may keep.
func (e *sessionEntry) snapshot() *models.ImportSession {
	return cloneSession(e.session)
}

func (e *sessionEntry) stopApprovalTimer() {
	if e.approvalTimer != nil {
		e.approvalTimer.Stop()
		e.approvalTimer = nil
	}
}

func cloneSession(s *models.ImportSession) *models.ImportSession {
	cp := *s
	cp.Errors = slices.Clone(s.Errors)
	cp.Config.ApprovedFixTypes = slices.Clone(s.Config.ApprovedFixTypes)
	if s.ApprovalRequestID != nil {
		id := *s.ApprovalRequestID
		cp.ApprovalRequestID = &id
	}
	return &cp
}

// SessionStore owns the working sets of live sessions. Entries are created with
// the session and removed a retention window after it reaches a terminal state.
// Persisted session rows are not touched.
type SessionStore struct {
	retention time.Duration
	logger    *zap.Logger

	mu       sync.RWMutex
	entries  map[uuid.UUID]*sessionEntry
	retiring map[uuid.UUID]*time.Timer
	onRemove []func(uuid.UUID)
}

// NewSessionStore creates a SessionStore. A retention of zero removes
// terminal sessions immediately.
func NewSessionStore(retention time.Duration, logger *zap.Logger) *SessionStore {
	return &SessionStore{
		retention: retention,
		logger:    logger.Named("session-store"),
		entries:   make(map[uuid.UUID]*sessionEntry),
		retiring:  make(map[uuid.UUID]*time.Timer),
	}
}

// OnRemove registers a hook called after an entry is removed.
func (s *SessionStore) OnRemove(fn func(sessionID uuid.UUID)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRemove = append(s.onRemove, fn)
}

func (s *SessionStore) create(session *models.ImportSession) *sessionEntry {
	entry := &sessionEntry{session: session}
	s.mu.Lock()
	s.entries[session.ID] = entry
	s.mu.Unlock()
	return entry
}

func (s *SessionStore) get(id uuid.UUID) (*sessionEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[id]
	return entry, ok
}

// Len returns the number of sessions held in memory.
func (s *SessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Contains reports whether a session's working set is still in memory.
func (s *SessionStore) Contains(id uuid.UUID) bool {
	_, ok := s.get(id)
	return ok
}

// retire schedules removal of a terminal session after the retention window.
func (s *SessionStore) retire(id uuid.UUID) {
	if s.retention <= 0 {
		s.remove(id)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.retiring[id]; ok {
		return
	}
	s.retiring[id] = time.AfterFunc(s.retention, func() { s.remove(id) })
}

func (s *SessionStore) remove(id uuid.UUID) {
	s.mu.Lock()
	_, ok := s.entries[id]
	delete(s.entries, id)
	delete(s.retiring, id)
	hooks := slices.Clone(s.onRemove)
	s.mu.Unlock()

	if !ok {
		return
	}
	for _, fn := range hooks {
		fn(id)
	}
	s.logger.Debug("Removed session working set", zap.String("session_id", id.String()))
}

// Close stops pending removals and approval timers.
// Entry locks are taken after the store lock is released; transitions hold
// an entry lock while retiring.
func (s *SessionStore) Close() {
	s.mu.Lock()
	for id, t := range s.retiring {
		t.Stop()
		delete(s.retiring, id)
	}
	entries := make([]*sessionEntry, 0, len(s.entries))
	for _, entry := range s.entries {
		entries = append(entries, entry)
	}
	s.mu.Unlock()

	for _, entry := range entries {
		entry.mu.Lock()
		entry.stopApprovalTimer()
		entry.mu.Unlock()
	}
}
