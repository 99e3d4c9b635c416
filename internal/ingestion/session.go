package ingestion

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/yoockh/cogload/internal/models"
)

// Session is the runtime state of one recording session. The registry owns
// it; the connection handling goroutine is its only mutator besides the reaper.
type Session struct {
	ID        string
	UserID    string
	StartTime time.Time

	mu         sync.Mutex
	status     models.SessionStatus
	lastTS     float64
	lastSeq    uint64
	lastSeen   time.Time
	idleSince  time.Time
	channels   int
	sampleRate float64
	conns      int
	deviceInfo map[string]any
	window     *WindowAccumulator

	samples  atomic.Int64
	rejected atomic.Int64
	dropped  atomic.Int64

	lane *lane
}

// SessionInfo is a read-only snapshot.
type SessionInfo struct {
	SessionID      string               `json:"session_id"`
	UserID         string               `json:"user_id"`
	Status         models.SessionStatus `json:"status"`
	StartTime      time.Time            `json:"start_time"`
	LastSeen       time.Time            `json:"last_seen"`
	Samples        int64                `json:"total_samples"`
	Rejected       int64                `json:"rejected"`
	WindowsDropped int64                `json:"windows_dropped"`
	Channels       int                  `json:"channels,omitempty"`
	SampleRate     float64              `json:"sample_rate,omitempty"`
	LaneDepth      int                  `json:"lane_depth"`
	DeviceInfo     map[string]any       `json:"device_info,omitempty"`
}

func (s *Session) Status() models.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	info := SessionInfo{
		SessionID:  s.ID,
		UserID:     s.UserID,
		Status:     s.status,
		StartTime:  s.StartTime,
		LastSeen:   s.lastSeen,
		Channels:   s.channels,
		SampleRate: s.sampleRate,
		DeviceInfo: s.deviceInfo,
	}
	s.mu.Unlock()
	info.Samples = s.samples.Load()
	info.Rejected = s.rejected.Load()
	info.WindowsDropped = s.dropped.Load()
	if s.lane != nil {
		info.LaneDepth = s.lane.depth()
	}
	return info
}

// markSeq records a sequence number and reports false for a redelivery.
// Zero means the sender does not number its messages.
func (s *Session) markSeq(seq uint64) bool {
	if seq == 0 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq <= s.lastSeq {
		return false
	}
	s.lastSeq = seq
	return true
}

// accept enforces non-decreasing timestamps and refreshes liveness.
func (s *Session) accept(ts float64, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ts < s.lastTS {
		return false
	}
	s.lastTS = ts
	s.lastSeen = now
	if s.status == models.SessionIdle {
		s.status = models.SessionActive
	}
	return true
}

// touch refreshes liveness for control frames. An attached session that the
// reaper marked idle during a stall becomes active again.
func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	if s.status == models.SessionIdle && s.conns > 0 {
		s.status = models.SessionActive
	}
	s.mu.Unlock()
}

// checkChannels fixes the channel count on first use.
func (s *Session) checkChannels(n int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channels == 0 {
		s.channels = n
		return true
	}
	return s.channels == n
}

func (s *Session) setStreamInfo(info map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deviceInfo = info
	if n, ok := intField(info, "channel_count", "channels", "n_channels"); ok && n > 0 {
		if s.channels != n {
			s.window.Reset()
		}
		s.channels = n
	}
	if n, ok := floatField(info, "sample_rate", "nominal_srate", "srate"); ok && n > 0 {
		s.sampleRate = n
	}
}

// addSample feeds the accumulator; the caller has already accepted ts.
func (s *Session) addSample(ts time.Time, sample []float64) (Block, bool, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.window.Add(ts, sample)
	return b, ok, s.sampleRate
}

func intField(m map[string]any, keys ...string) (int, bool) {
	f, ok := floatField(m, keys...)
	return int(f), ok
}

func floatField(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		switch v := m[k].(type) {
		case float64:
			return v, true
		case float32:
			return float64(v), true
		case int:
			return float64(v), true
		case int8:
			return float64(v), true
		case int16:
			return float64(v), true
		case int32:
			return float64(v), true
		case int64:
			return float64(v), true
		case uint8:
			return float64(v), true
		case uint16:
			return float64(v), true
		case uint32:
			return float64(v), true
		case uint64:
			return float64(v), true
		}
	}
	return 0, false
}
