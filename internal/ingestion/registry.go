package ingestion

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/yoockh/cogload/internal/buffer"
	"github.com/yoockh/cogload/internal/metrics"
	"github.com/yoockh/cogload/internal/models"
	"github.com/yoockh/cogload/internal/utils"
)

// SessionStore is the durable side of the session lifecycle.
// postgres.SessionRepo satisfies it.
type SessionStore interface {
	Create(ctx context.Context, s *models.Session) error
	Get(ctx context.Context, sessionID string) (*models.Session, error)
	End(ctx context.Context, sessionID string, endTime time.Time, totalSamples int64) error
	UpdateDeviceInfo(ctx context.Context, sessionID string, info []byte) error
}

type RegistryConfig struct {
	IdleTimeout   time.Duration // silence before active -> idle, default 30s
	SessionExpiry time.Duration // idle time before close, default 10m
	WindowSamples int
	WindowHop     int
	SampleRate    float64 // default 250 Hz, overridden by handshake stream info
	LaneSize      int
	Classifiers   []string // recorded on the session row
}

func (c *RegistryConfig) setDefaults() {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Second
	}
	if c.SessionExpiry <= 0 {
		c.SessionExpiry = 10 * time.Minute
	}
	if c.WindowSamples <= 0 {
		c.WindowSamples = DefaultWindowSamples
	}
	if c.WindowHop <= 0 {
		c.WindowHop = DefaultWindowHop
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 250
	}
	if c.LaneSize <= 0 {
		c.LaneSize = DefaultLaneSize
	}
}

// Registry owns every live session and its lane.
type Registry struct {
	cfg      RegistryConfig
	store    SessionStore // optional
	buffers  *buffer.Manager
	pipeline *Pipeline
	log      *logrus.Logger
	metrics  *metrics.Metrics

	// lanes run on laneCtx so they outlive the connection that fed them
	laneCtx context.Context

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool // set by CloseAll; no session opens afterwards

	now func() time.Time
}

func NewRegistry(laneCtx context.Context, cfg RegistryConfig, store SessionStore, p *Pipeline, log *logrus.Logger, m *metrics.Metrics) *Registry {
	cfg.setDefaults()
	return &Registry{
		cfg:      cfg,
		store:    store,
		buffers:  p.Buffers,
		pipeline: p,
		log:      log,
		metrics:  m,
		laneCtx:  laneCtx,
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

func (r *Registry) Config() RegistryConfig { return r.cfg }

func (r *Registry) isClosed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

func errShuttingDown(op string) error {
	return utils.E(utils.CodeUnavailable, op, "server shutting down", nil)
}

// Open attaches a connection to a session. With a session id the session is
// continued when known, or started under that id. Without one, the user's most
// recently seen idle session is continued, else a new session is started.
func (r *Registry) Open(ctx context.Context, userID, sessionID string) (*Session, bool, error) {
	const op = "Registry.Open"

	if sessionID != "" {
		if _, err := uuid.Parse(sessionID); err != nil {
			return nil, false, utils.E(utils.CodeInvalidArgument, op, "session_id must be a uuid", err)
		}
		s, err := r.Continue(userID, sessionID)
		if err == nil {
			return s, true, nil
		}
		if !utils.IsCode(err, utils.CodeNotFound) {
			return nil, false, err
		}
		return r.start(ctx, userID, sessionID)
	}

	if r.isClosed() {
		return nil, false, errShuttingDown(op)
	}
	if s := r.resumeIdle(userID); s != nil {
		return s, true, nil
	}
	return r.start(ctx, userID, uuid.NewString())
}

// Continue reattaches to a live session of the same user.
func (r *Registry) Continue(userID, sessionID string) (*Session, error) {
	const op = "Registry.Continue"

	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, errShuttingDown(op)
	}
	if !ok {
		return nil, utils.E(utils.CodeNotFound, op, "session not found", nil)
	}
	if s.UserID != userID {
		return nil, utils.E(utils.CodeForbidden, op, "session belongs to another user", nil)
	}
	r.attach(s)
	return s, nil
}

func (r *Registry) resumeIdle(userID string) *Session {
	r.mu.RLock()
	var best *Session
	var bestSeen time.Time
	for _, s := range r.sessions {
		if s.UserID != userID {
			continue
		}
		s.mu.Lock()
		idle, seen := s.status == models.SessionIdle, s.lastSeen
		s.mu.Unlock()
		if idle && (best == nil || seen.After(bestSeen)) {
			best, bestSeen = s, seen
		}
	}
	r.mu.RUnlock()
	if best != nil {
		r.attach(best)
	}
	return best
}

func (r *Registry) attach(s *Session) {
	now := r.now()
	s.mu.Lock()
	s.conns++
	s.status = models.SessionActive
	s.lastSeen = now
	s.mu.Unlock()
}

func (r *Registry) start(ctx context.Context, userID, sessionID string) (*Session, bool, error) {
	const op = "Registry.start"

	resumed := false
	if r.store != nil {
		row, err := r.store.Get(ctx, sessionID)
		switch {
		case err == nil && row.UserID != userID:
			return nil, false, utils.E(utils.CodeForbidden, op, "session belongs to another user", nil)
		case err == nil:
			resumed = true
		case utils.CodeOf(err) != utils.CodeNotFound:
			r.log.WithFields(logrus.Fields{"session_id": sessionID, "error": err.Error()}).
				Warn("session lookup failed, continuing without durable record")
		}
	}

	now := r.now()
	s := &Session{
		ID:         sessionID,
		UserID:     userID,
		StartTime:  now.UTC(),
		status:     models.SessionActive,
		lastSeen:   now,
		sampleRate: r.cfg.SampleRate,
		conns:      1,
		window:     NewWindowAccumulator(r.cfg.WindowSamples, r.cfg.WindowHop),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, false, errShuttingDown(op)
	}
	if cur, ok := r.sessions[sessionID]; ok {
		// lost a race with another connection for the same id
		r.mu.Unlock()
		if cur.UserID != userID {
			return nil, false, utils.E(utils.CodeForbidden, op, "session belongs to another user", nil)
		}
		r.attach(cur)
		return cur, true, nil
	}
	s.lane = newLane(r.laneCtx, r.cfg.LaneSize, r.pipeline)
	r.sessions[sessionID] = s
	r.mu.Unlock()

	if r.store != nil && !resumed {
		row := &models.Session{
			SessionID:         sessionID,
			UserID:            userID,
			StartTime:         s.StartTime,
			ActiveClassifiers: r.cfg.Classifiers,
		}
		if err := r.store.Create(ctx, row); err != nil {
			r.log.WithFields(logrus.Fields{"session_id": sessionID, "error": err.Error()}).
				Warn("failed to record session start")
		}
	}

	r.log.WithFields(logrus.Fields{"session_id": sessionID, "user_id": userID, "resumed": resumed}).Info("session started")
	r.reportCounts()
	return s, resumed, nil
}

// Detach is called when a connection goes away. A session with no
// connection left turns idle and is kept for resumption.
func (r *Registry) Detach(s *Session) {
	now := r.now()
	s.mu.Lock()
	if s.conns > 0 {
		s.conns--
	}
	if s.conns == 0 && s.status == models.SessionActive {
		s.status = models.SessionIdle
		s.idleSince = now
	}
	s.mu.Unlock()
	r.reportCounts()
}

func (r *Registry) Get(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// Close ends a session: queued windows finish, the ring is released and the
// durable record gets its end time.
func (r *Registry) Close(ctx context.Context, sessionID string) error {
	const op = "Registry.Close"

	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
	}
	r.mu.Unlock()
	if !ok {
		return utils.E(utils.CodeNotFound, op, "session not found", nil)
	}

	s.mu.Lock()
	s.status = models.SessionClosed
	s.mu.Unlock()

	s.lane.close()
	r.buffers.Release(sessionID)

	total := s.samples.Load()
	if r.store != nil {
		if err := r.store.End(ctx, sessionID, r.now(), total); err != nil {
			r.log.WithFields(logrus.Fields{"session_id": sessionID, "error": err.Error()}).
				Warn("failed to record session end")
		}
	}
	r.log.WithFields(logrus.Fields{
		"session_id":    sessionID,
		"user_id":       s.UserID,
		"total_samples": total,
	}).Info("session closed")
	r.reportCounts()
	return nil
}

// Reap marks silent sessions idle and closes idle sessions past expiry.
func (r *Registry) Reap(ctx context.Context) {
	now := r.now()
	var expired []string

	r.mu.RLock()
	for id, s := range r.sessions {
		s.mu.Lock()
		switch s.status {
		case models.SessionActive:
			if now.Sub(s.lastSeen) >= r.cfg.IdleTimeout {
				s.status = models.SessionIdle
				s.idleSince = now
			}
		case models.SessionIdle:
			if now.Sub(s.idleSince) >= r.cfg.SessionExpiry {
				expired = append(expired, id)
			}
		}
		s.mu.Unlock()
	}
	r.mu.RUnlock()

	for _, id := range expired {
		r.log.WithField("session_id", id).Info("session expired")
		_ = r.Close(ctx, id)
	}
	r.reportCounts()
}

func (r *Registry) RunReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.Reap(ctx)
		}
	}
}

// CloseAll stops the registry from opening sessions, then closes every
// session and drains its lane.
func (r *Registry) CloseAll(ctx context.Context) {
	r.mu.Lock()
	r.closed = true
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		_ = r.Close(ctx, id)
	}
}

// List returns live sessions, newest first. An empty userID lists all users.
func (r *Registry) List(userID string) []SessionInfo {
	r.mu.RLock()
	out := make([]SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		if userID == "" || s.UserID == userID {
			out = append(out, s.Info())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	return out
}

func (r *Registry) Counts() (active, idle int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		switch s.Status() {
		case models.SessionActive:
			active++
		case models.SessionIdle:
			idle++
		}
	}
	return active, idle
}

func (r *Registry) reportCounts() {
	if r.metrics == nil {
		return
	}
	r.metrics.SetSessions(r.Counts())
}
