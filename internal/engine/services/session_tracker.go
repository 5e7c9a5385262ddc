package services

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lernzeit/adaptive-engine/internal/engine/metrics"
	"github.com/lernzeit/adaptive-engine/internal/engine/models"
	"github.com/lernzeit/adaptive-engine/pkg/logger"
)

// SessionTracker owns the in-memory map of active play sessions and answers
// the selector's duplicate queries. Expiry is lazy: every session creation
// runs a sweep, so eviction is driven by traffic and needs no timer of its
// own. A periodic sweep loop can additionally be started by the owner.
type SessionTracker struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	timeout  time.Duration
	metrics  *metrics.Metrics

	stopSweep chan struct{}
	sweepOnce sync.Once
}

// NewSessionTracker creates an isolated tracker instance.
func NewSessionTracker(timeout time.Duration, m *metrics.Metrics) *SessionTracker {
	if m == nil {
		m = metrics.NewNop()
	}
	return &SessionTracker{
		sessions:  make(map[string]*models.Session),
		timeout:   timeout,
		metrics:   m,
		stopSweep: make(chan struct{}),
	}
}

// CreateSession allocates fresh session state and returns its id. Expired
// sessions are swept opportunistically on every call.
func (t *SessionTracker) CreateSession(userID string, grade int, category string) string {
	t.Sweep()

	now := time.Now()
	session := &models.Session{
		SessionID:          uuid.New().String(),
		UserID:             userID,
		Grade:              grade,
		SubjectCategory:    category,
		UsedTemplateIDs:    make(map[string]struct{}),
		UsedQuestionHashes: make(map[string]struct{}),
		TypeCounts:         make(map[string]int),
		StartTime:          now,
		LastActivity:       now,
	}

	t.mu.Lock()
	t.sessions[session.SessionID] = session
	t.metrics.ActiveSessions.Set(float64(len(t.sessions)))
	t.mu.Unlock()

	return session.SessionID
}

// IsUsed reports whether the template was already served in this session.
// Unknown sessions report false.
func (t *SessionTracker) IsUsed(sessionID, templateID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	session, ok := t.sessions[sessionID]
	if !ok {
		return false
	}
	_, used := session.UsedTemplateIDs[templateID]
	return used
}

// MarkUsed adds the template to the session's used set. The add is
// idempotent and refreshes the activity timestamp.
func (t *SessionTracker) MarkUsed(sessionID, templateID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	session, ok := t.sessions[sessionID]
	if !ok {
		return
	}
	session.UsedTemplateIDs[templateID] = struct{}{}
	session.LastActivity = time.Now()
}

// MarkServed marks a template used and counts its question type for the
// selector's diversity scoring.
func (t *SessionTracker) MarkServed(sessionID, templateID, questionType string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	session, ok := t.sessions[sessionID]
	if !ok {
		return
	}
	session.UsedTemplateIDs[templateID] = struct{}{}
	if questionType != "" {
		session.TypeCounts[questionType]++
	}
	session.LastActivity = time.Now()
}

// TypeShare returns the share of served questions with the given type in
// this session, and the total number served.
func (t *SessionTracker) TypeShare(sessionID, questionType string) (float64, int) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	session, ok := t.sessions[sessionID]
	if !ok {
		return 0, 0
	}

	total := 0
	for _, n := range session.TypeCounts {
		total += n
	}
	if total == 0 {
		return 0, 0
	}
	return float64(session.TypeCounts[questionType]) / float64(total), total
}

// IsQuestionUsed reports whether a concrete question hash was already shown.
func (t *SessionTracker) IsQuestionUsed(sessionID, questionHash string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	session, ok := t.sessions[sessionID]
	if !ok {
		return false
	}
	_, used := session.UsedQuestionHashes[questionHash]
	return used
}

// MarkQuestionUsed adds a question hash to the session's used set.
func (t *SessionTracker) MarkQuestionUsed(sessionID, questionHash string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	session, ok := t.sessions[sessionID]
	if !ok {
		return
	}
	session.UsedQuestionHashes[questionHash] = struct{}{}
	session.LastActivity = time.Now()
}

// RecordAnswer bumps the answered counter for session stats.
func (t *SessionTracker) RecordAnswer(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	session, ok := t.sessions[sessionID]
	if !ok {
		return
	}
	session.QuestionsAnswered++
	session.LastActivity = time.Now()
}

// Get returns the session, or nil if unknown or expired.
func (t *SessionTracker) Get(sessionID string) *models.Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessions[sessionID]
}

// GetStats snapshots one session, or returns nil if unknown.
func (t *SessionTracker) GetStats(sessionID string) *models.SessionStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	session, ok := t.sessions[sessionID]
	if !ok {
		return nil
	}

	return &models.SessionStats{
		SessionID:         session.SessionID,
		UserID:            session.UserID,
		TemplatesUsed:     len(session.UsedTemplateIDs),
		QuestionsAnswered: session.QuestionsAnswered,
		Duration:          time.Since(session.StartTime),
		StartTime:         session.StartTime,
		LastActivity:      session.LastActivity,
	}
}

// ResetUsage clears the used sets of one session. This is the documented
// exhaustion fallback: when every eligible template has been served, the
// selector resets session memory instead of returning nothing forever.
func (t *SessionTracker) ResetUsage(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	session, ok := t.sessions[sessionID]
	if !ok {
		return
	}
	session.UsedTemplateIDs = make(map[string]struct{})
	session.UsedQuestionHashes = make(map[string]struct{})
	session.TypeCounts = make(map[string]int)
	session.LastActivity = time.Now()

	logger.Info("session usage reset after exhaustion",
		zap.String("session_id", sessionID),
	)
}

// Clear tears down one session explicitly.
func (t *SessionTracker) Clear(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.sessions, sessionID)
	t.metrics.ActiveSessions.Set(float64(len(t.sessions)))
}

// Sweep evicts sessions inactive for longer than the timeout and returns
// how many were removed.
func (t *SessionTracker) Sweep() int {
	cutoff := time.Now().Add(-t.timeout)

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for id, session := range t.sessions {
		if session.LastActivity.Before(cutoff) {
			delete(t.sessions, id)
			removed++
		}
	}

	if removed > 0 {
		t.metrics.SessionsSwept.Add(float64(removed))
		t.metrics.ActiveSessions.Set(float64(len(t.sessions)))
		logger.Info("expired sessions swept", zap.Int("count", removed))
	}
	return removed
}

// Len returns the number of tracked sessions.
func (t *SessionTracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// StartSweepLoop runs periodic sweeps until Shutdown. Lazy sweeping already
// bounds memory under traffic; the loop covers idle deployments.
func (t *SessionTracker) StartSweepLoop(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				t.Sweep()
			case <-t.stopSweep:
				return
			}
		}
	}()
}

// Shutdown stops the sweep loop if one is running.
func (t *SessionTracker) Shutdown() {
	t.sweepOnce.Do(func() {
		close(t.stopSweep)
	})
}
