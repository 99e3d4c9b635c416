package buffer

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yoockh/cogload/internal/models"
)

const (
	DefaultCapacity = 1000

	// mean difference between the two halves of a window above which a
	// trend counts as moving
	trendThreshold = 0.1
)

type Trend string

const (
	TrendIncreasing       Trend = "increasing"
	TrendDecreasing       Trend = "decreasing"
	TrendStable           Trend = "stable"
	TrendInsufficientData Trend = "insufficient_data"
)

type TrendReport struct {
	SessionID      string  `json:"session_id"`
	Direction      Trend   `json:"trend"`
	Samples        int     `json:"samples"`
	FirstHalfMean  float64 `json:"first_half_mean"`
	SecondHalfMean float64 `json:"second_half_mean"`
	Change         float64 `json:"change"`
}

type SessionStats struct {
	SessionID    string     `json:"session_id"`
	UserID       string     `json:"user_id"`
	Count        int        `json:"count"`
	Capacity     int        `json:"capacity"`
	UsagePercent float64    `json:"usage_percent"`
	TotalPushed  uint64     `json:"total_pushed"`
	Evicted      uint64     `json:"evicted"`
	Oldest       *time.Time `json:"oldest,omitempty"`
	Newest       *time.Time `json:"newest,omitempty"`
	Closed       bool       `json:"closed"`
}

type Stats struct {
	Sessions     int            `json:"sessions"`
	TotalEntries int            `json:"total_entries"`
	Capacity     int            `json:"capacity_per_session"`
	PerSession   []SessionStats `json:"per_session"`
}

type sessionRing struct {
	id      string
	userID  string
	ring    *Ring[models.ClassificationResult]
	readers atomic.Int32
	closed  atomic.Bool
}

// Manager owns one Ring per session. The per-session lane is the only writer
// of a ring; any number of queries read concurrently.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*sessionRing
	capacity int
}

func NewManager(capacity int) *Manager {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Manager{sessions: make(map[string]*sessionRing), capacity: capacity}
}

func (m *Manager) Capacity() int { return m.capacity }

// Push appends a result to its session's ring, creating the ring on first use.
func (m *Manager) Push(sessionID string, res models.ClassificationResult) {
	m.mu.RLock()
	sr, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		m.mu.Lock()
		sr, ok = m.sessions[sessionID]
		if !ok {
			sr = &sessionRing{
				id:     sessionID,
				userID: res.UserID,
				ring:   NewRing[models.ClassificationResult](m.capacity),
			}
			m.sessions[sessionID] = sr
		}
		m.mu.Unlock()
	}
	sr.ring.Push(res)
}

// Acquire pins a session ring for reading. The ring is not collected while
// pinned, even if the session closes. Call the returned release when done.
func (m *Manager) Acquire(sessionID string) (*Ring[models.ClassificationResult], func(), bool) {
	m.mu.RLock()
	sr, ok := m.sessions[sessionID]
	if ok {
		sr.readers.Add(1)
	}
	m.mu.RUnlock()
	if !ok {
		return nil, func() {}, false
	}
	var once sync.Once
	return sr.ring, func() { once.Do(func() { m.unpin(sr) }) }, true
}

func (m *Manager) unpin(sr *sessionRing) {
	if sr.readers.Add(-1) > 0 || !sr.closed.Load() {
		return
	}
	m.mu.Lock()
	if cur, ok := m.sessions[sr.id]; ok && cur == sr && sr.readers.Load() == 0 {
		delete(m.sessions, sr.id)
	}
	m.mu.Unlock()
}

// Release marks the session closed. Its ring is dropped immediately when no
// reader holds it, otherwise when the last reader finishes.
func (m *Manager) Release(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sr, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	sr.closed.Store(true)
	if sr.readers.Load() == 0 {
		delete(m.sessions, sessionID)
	}
}

func (m *Manager) Latest(sessionID string) (models.ClassificationResult, bool) {
	ring, done, ok := m.Acquire(sessionID)
	defer done()
	if !ok {
		return models.ClassificationResult{}, false
	}
	return ring.Latest()
}

// LatestForUser returns the newest result across all sessions of userID.
// An empty userID matches every session.
func (m *Manager) LatestForUser(userID string) (models.ClassificationResult, bool) {
	m.mu.RLock()
	candidates := make([]*sessionRing, 0, len(m.sessions))
	for _, sr := range m.sessions {
		if userID == "" || sr.userID == userID {
			candidates = append(candidates, sr)
		}
	}
	m.mu.RUnlock()

	var (
		best  models.ClassificationResult
		found bool
	)
	for _, sr := range candidates {
		res, ok := sr.ring.Latest()
		if !ok {
			continue
		}
		if !found || res.Timestamp.After(best.Timestamp) {
			best, found = res, true
		}
	}
	return best, found
}

// Window returns up to n most recent results in arrival order.
func (m *Manager) Window(sessionID string, n int) []models.ClassificationResult {
	ring, done, ok := m.Acquire(sessionID)
	defer done()
	if !ok {
		return []models.ClassificationResult{}
	}
	return ring.Last(n)
}

// Trend compares the mean workload of the older half of the last n results
// against the newer half.
func (m *Manager) Trend(sessionID string, n int) TrendReport {
	return ComputeTrend(sessionID, m.Window(sessionID, n))
}

func ComputeTrend(sessionID string, entries []models.ClassificationResult) TrendReport {
	rep := TrendReport{SessionID: sessionID, Samples: len(entries), Direction: TrendInsufficientData}
	mid := len(entries) / 2
	if mid == 0 {
		return rep
	}
	rep.FirstHalfMean = meanWorkload(entries[:mid])
	rep.SecondHalfMean = meanWorkload(entries[mid:])
	rep.Change = rep.SecondHalfMean - rep.FirstHalfMean

	switch {
	case rep.Change > trendThreshold:
		rep.Direction = TrendIncreasing
	case rep.Change < -trendThreshold:
		rep.Direction = TrendDecreasing
	default:
		rep.Direction = TrendStable
	}
	return rep
}

func meanWorkload(rs []models.ClassificationResult) float64 {
	if len(rs) == 0 {
		return 0
	}
	var sum float64
	for _, r := range rs {
		sum += r.Workload
	}
	return sum / float64(len(rs))
}

// Sessions lists the ids of all sessions that currently hold a ring.
func (m *Manager) Sessions() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (m *Manager) Stats() Stats {
	m.mu.RLock()
	rings := make([]*sessionRing, 0, len(m.sessions))
	for _, sr := range m.sessions {
		rings = append(rings, sr)
	}
	m.mu.RUnlock()

	st := Stats{Sessions: len(rings), Capacity: m.capacity, PerSession: make([]SessionStats, 0, len(rings))}
	for _, sr := range rings {
		entries := sr.ring.Last(sr.ring.Cap())
		pushed, evicted := sr.ring.Counters()
		ss := SessionStats{
			SessionID:    sr.id,
			UserID:       sr.userID,
			Count:        len(entries),
			Capacity:     sr.ring.Cap(),
			UsagePercent: float64(len(entries)) / float64(sr.ring.Cap()) * 100,
			TotalPushed:  pushed,
			Evicted:      evicted,
			Closed:       sr.closed.Load(),
		}
		if len(entries) > 0 {
			oldest := entries[0].Timestamp
			newest := entries[len(entries)-1].Timestamp
			ss.Oldest, ss.Newest = &oldest, &newest
		}
		st.TotalEntries += ss.Count
		st.PerSession = append(st.PerSession, ss)
	}
	sort.Slice(st.PerSession, func(i, j int) bool { return st.PerSession[i].SessionID < st.PerSession[j].SessionID })
	return st
}
