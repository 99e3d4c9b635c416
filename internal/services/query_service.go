package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"github.com/yoockh/cogload/internal/buffer"
	"github.com/yoockh/cogload/internal/cache"
	"github.com/yoockh/cogload/internal/classifier"
	"github.com/yoockh/cogload/internal/ingestion"
	"github.com/yoockh/cogload/internal/models"
	"github.com/yoockh/cogload/internal/persistence"
	"github.com/yoockh/cogload/internal/utils"
)

const (
	DefaultWindow   = 10
	DefaultTrendN   = 20
	MaxHistory      = 1000
	historyCacheTTL = 30 * time.Second
)

type PredictionHistory interface {
	ListBySession(ctx context.Context, sessionID string, limit int) ([]models.Prediction, error)
}

type EventStore interface {
	Insert(ctx context.Context, e *models.Event) error
	ListBySession(ctx context.Context, sessionID string, limit int) ([]models.Event, error)
}

type SessionLookup interface {
	Get(ctx context.Context, sessionID string) (*models.Session, error)
}

type EngineStats interface {
	Stats() persistence.Stats
}

type QueryService interface {
	// SessionOwner resolves the user a session belongs to, from live state
	// first and the durable record otherwise.
	SessionOwner(ctx context.Context, sessionID string) (string, error)

	Latest(ctx context.Context, sessionID, userID string) (*LatestLoad, error)
	Window(ctx context.Context, sessionID string, n int) (*WindowResult, error)
	Trend(ctx context.Context, sessionID string, n int) (buffer.TrendReport, error)
	ListActiveSessions(ctx context.Context, userID string) ([]ingestion.SessionInfo, error)
	CloseSession(ctx context.Context, sessionID string) error
	BufferStats(ctx context.Context) buffer.Stats

	CognitiveState(ctx context.Context, sessionID, userID string) (*CognitiveState, error)
	History(ctx context.Context, sessionID string, limit int) ([]models.Prediction, error)
	AnnotateEvent(ctx context.Context, in AnnotateEventInput) (*models.Event, error)
	ListEvents(ctx context.Context, sessionID string, limit int) ([]models.Event, error)
	Classifiers(ctx context.Context) []classifier.BackendInfo
	SetActiveClassifier(ctx context.Context, name string) error
	ServerStats(ctx context.Context) ServerStats
}

type QueryDeps struct {
	Buffers     *buffer.Manager
	Registry    *ingestion.Registry
	Server      *ingestion.Server
	Router      *classifier.Router
	Predictions PredictionHistory // optional
	Events      EventStore        // optional
	Sessions    SessionLookup     // optional
	Cache       cache.Cache       // optional
	Engines     []EngineStats
	Log         *logrus.Logger
}

type LatestLoad struct {
	models.ClassificationResult
	Trend buffer.Trend `json:"trend"`
}

type WindowResult struct {
	SessionID string                        `json:"session_id"`
	Requested int                           `json:"requested"`
	Count     int                           `json:"count"`
	Results   []models.ClassificationResult `json:"results"`
}

type CognitiveState struct {
	SessionID       string       `json:"session_id"`
	UserID          string       `json:"user_id"`
	State           string       `json:"state"`
	Intensity       string       `json:"intensity"`
	Workload        float64      `json:"workload"`
	Confidence      float64      `json:"confidence"`
	Trend           buffer.Trend `json:"trend"`
	DurationSeconds float64      `json:"duration_seconds"`
	Recommendations []string     `json:"recommendations"`
	Timestamp       time.Time    `json:"timestamp"`
}

type AnnotateEventInput struct {
	SessionID string
	UserID    string
	Label     string
	Notes     string
	Metadata  map[string]any
	Timestamp time.Time // zero = now
}

type ServerStats struct {
	Uptime      string                  `json:"uptime"`
	Ingestion   ingestion.Stats         `json:"ingestion"`
	Classifier  classifier.RouterStats  `json:"classifier"`
	Active      string                  `json:"active_classifier"`
	Buffer      BufferSummary           `json:"buffer"`
	Persistence []persistence.Stats     `json:"persistence"`
	Sessions    []ingestion.SessionInfo `json:"sessions"`
}

type BufferSummary struct {
	Sessions     int `json:"sessions"`
	TotalEntries int `json:"total_entries"`
	Capacity     int `json:"capacity_per_session"`
}

type queryService struct {
	d       QueryDeps
	started time.Time
}

func NewQueryService(d QueryDeps) QueryService {
	return &queryService{d: d, started: time.Now()}
}

func (s *queryService) SessionOwner(ctx context.Context, sessionID string) (string, error) {
	const op = "QueryService.SessionOwner"

	if sessionID == "" {
		return "", utils.E(utils.CodeInvalidArgument, op, "session_id is required", nil)
	}
	if sess, ok := s.d.Registry.Get(sessionID); ok {
		return sess.UserID, nil
	}
	for _, st := range s.d.Buffers.Stats().PerSession {
		if st.SessionID == sessionID {
			return st.UserID, nil
		}
	}
	if s.d.Sessions != nil {
		row, err := s.d.Sessions.Get(ctx, sessionID)
		if err == nil {
			return row.UserID, nil
		}
		if utils.CodeOf(err) != utils.CodeNotFound {
			return "", utils.E(utils.CodeInternal, op, "failed to look up session", err)
		}
	}
	return "", utils.E(utils.CodeNotFound, op, "session not found", nil)
}

func (s *queryService) Latest(ctx context.Context, sessionID, userID string) (*LatestLoad, error) {
	const op = "QueryService.Latest"

	var (
		res models.ClassificationResult
		ok  bool
	)
	if sessionID != "" {
		res, ok = s.d.Buffers.Latest(sessionID)
	} else {
		res, ok = s.d.Buffers.LatestForUser(userID)
	}
	if !ok {
		return nil, utils.E(utils.CodeNotFound, op, "no classification available", nil)
	}
	trend := s.d.Buffers.Trend(res.SessionID, DefaultTrendN)
	return &LatestLoad{ClassificationResult: res, Trend: trend.Direction}, nil
}

func (s *queryService) Window(ctx context.Context, sessionID string, n int) (*WindowResult, error) {
	const op = "QueryService.Window"

	if sessionID == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "session_id is required", nil)
	}
	if n <= 0 {
		n = DefaultWindow
	}
	if capacity := s.d.Buffers.Capacity(); n > capacity {
		return nil, utils.E(utils.CodeInvalidArgument, op, fmt.Sprintf("n must be at most %d", capacity), nil)
	}
	rs := s.d.Buffers.Window(sessionID, n)
	return &WindowResult{SessionID: sessionID, Requested: n, Count: len(rs), Results: rs}, nil
}

func (s *queryService) Trend(ctx context.Context, sessionID string, n int) (buffer.TrendReport, error) {
	const op = "QueryService.Trend"

	if sessionID == "" {
		return buffer.TrendReport{}, utils.E(utils.CodeInvalidArgument, op, "session_id is required", nil)
	}
	if n <= 0 {
		n = DefaultTrendN
	}
	if capacity := s.d.Buffers.Capacity(); n > capacity {
		n = capacity
	}
	return s.d.Buffers.Trend(sessionID, n), nil
}

func (s *queryService) ListActiveSessions(ctx context.Context, userID string) ([]ingestion.SessionInfo, error) {
	return s.d.Registry.List(userID), nil
}

func (s *queryService) CloseSession(ctx context.Context, sessionID string) error {
	const op = "QueryService.CloseSession"

	if sessionID == "" {
		return utils.E(utils.CodeInvalidArgument, op, "session_id is required", nil)
	}
	return s.d.Registry.Close(ctx, sessionID)
}

func (s *queryService) BufferStats(ctx context.Context) buffer.Stats {
	return s.d.Buffers.Stats()
}

// workload bands: [0,.3) focused, [.3,.5) moderate, [.5,.7) high_load, [.7,1] overloaded
type loadBand struct {
	upper           float64
	state           string
	intensity       string
	recommendations []string
}

var loadBands = []loadBand{
	{0.3, "focused", "low", []string{
		"Good time for complex or challenging tasks",
		"Cognitive capacity available for learning new concepts",
	}},
	{0.5, "moderate", "medium", []string{
		"Maintain current pace",
		"Good balance of engagement and capacity",
	}},
	{0.7, "high_load", "high", []string{
		"Consider taking a short break soon",
		"Switch to less demanding tasks if possible",
		"Stay hydrated",
	}},
	{2, "overloaded", "very_high", []string{
		"Take a break as soon as possible",
		"Step away from screen for 5-10 minutes",
		"Practice deep breathing or stretching",
		"Avoid starting new complex tasks",
	}},
}

func bandOf(workload float64) int {
	for i, b := range loadBands {
		if workload < b.upper {
			return i
		}
	}
	return len(loadBands) - 1
}

func (s *queryService) CognitiveState(ctx context.Context, sessionID, userID string) (*CognitiveState, error) {
	latest, err := s.Latest(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}

	b := loadBands[bandOf(latest.Workload)]
	recs := append([]string(nil), b.recommendations...)
	switch {
	case latest.Trend == buffer.TrendIncreasing && latest.Workload > 0.5:
		recs = append([]string{"Cognitive load is increasing, monitor closely"}, recs...)
	case latest.Trend == buffer.TrendDecreasing && latest.Workload > 0.6:
		recs = append([]string{"Cognitive load decreasing, good progress"}, recs...)
	}

	return &CognitiveState{
		SessionID:       latest.SessionID,
		UserID:          latest.UserID,
		State:           b.state,
		Intensity:       b.intensity,
		Workload:        latest.Workload,
		Confidence:      latest.Confidence,
		Trend:           latest.Trend,
		DurationSeconds: StateDuration(s.d.Buffers.Window(latest.SessionID, DefaultTrendN)),
		Recommendations: recs,
		Timestamp:       latest.Timestamp,
	}, nil
}

// StateDuration is how long the newest result's load band has held,
// measured back through consecutive results in the same band.
func StateDuration(rs []models.ClassificationResult) float64 {
	if len(rs) < 2 {
		return 0
	}
	last := rs[len(rs)-1]
	band := bandOf(last.Workload)
	start := last.Timestamp
	for i := len(rs) - 2; i >= 0; i-- {
		if bandOf(rs[i].Workload) != band {
			break
		}
		start = rs[i].Timestamp
	}
	return last.Timestamp.Sub(start).Seconds()
}

func (s *queryService) History(ctx context.Context, sessionID string, limit int) ([]models.Prediction, error) {
	const op = "QueryService.History"

	if sessionID == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "session_id is required", nil)
	}
	if s.d.Predictions == nil {
		return nil, utils.E(utils.CodeUnavailable, op, "history store not configured", nil)
	}
	if limit <= 0 {
		limit = 100
	}
	if limit > MaxHistory {
		limit = MaxHistory
	}

	key := cache.HistoryKey(sessionID, limit)
	if s.d.Cache != nil {
		var cached []models.Prediction
		if hit, err := s.d.Cache.GetJSON(ctx, key, &cached); err == nil && hit {
			return cached, nil
		}
	}

	rows, err := s.d.Predictions.ListBySession(ctx, sessionID, limit)
	if err != nil {
		return nil, utils.E(utils.CodeInternal, op, "failed to load history", err)
	}
	if s.d.Cache != nil {
		if err := s.d.Cache.SetJSON(ctx, key, rows, historyCacheTTL); err != nil {
			s.d.Log.WithFields(logrus.Fields{"session_id": sessionID, "error": err.Error()}).Debug("history cache write failed")
		}
	}
	return rows, nil
}

func (s *queryService) AnnotateEvent(ctx context.Context, in AnnotateEventInput) (*models.Event, error) {
	const op = "QueryService.AnnotateEvent"

	in.Label = strings.TrimSpace(in.Label)
	if in.SessionID == "" || in.Label == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "session_id and label are required", nil)
	}
	if s.d.Events == nil {
		return nil, utils.E(utils.CodeUnavailable, op, "event store not configured", nil)
	}
	if in.Timestamp.IsZero() {
		in.Timestamp = time.Now()
	}

	ev := &models.Event{
		ID:        uuid.NewString(),
		SessionID: in.SessionID,
		UserID:    in.UserID,
		Label:     in.Label,
		Notes:     in.Notes,
		Timestamp: in.Timestamp.UTC(),
	}
	if len(in.Metadata) > 0 {
		b, err := json.Marshal(in.Metadata)
		if err != nil {
			return nil, utils.E(utils.CodeInvalidArgument, op, "metadata is not serialisable", err)
		}
		ev.Metadata = datatypes.JSON(b)
	}
	if err := s.d.Events.Insert(ctx, ev); err != nil {
		return nil, utils.E(utils.CodeInternal, op, "failed to store event", err)
	}
	if s.d.Cache != nil {
		_ = s.d.Cache.Del(ctx, cache.EventsKey(in.SessionID))
	}
	s.d.Log.WithFields(logrus.Fields{"session_id": in.SessionID, "label": in.Label}).Info("event annotated")
	return ev, nil
}

func (s *queryService) ListEvents(ctx context.Context, sessionID string, limit int) ([]models.Event, error) {
	const op = "QueryService.ListEvents"

	if sessionID == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "session_id is required", nil)
	}
	if s.d.Events == nil {
		return nil, utils.E(utils.CodeUnavailable, op, "event store not configured", nil)
	}

	key := cache.EventsKey(sessionID)
	if s.d.Cache != nil && limit <= 0 {
		var cached []models.Event
		if hit, err := s.d.Cache.GetJSON(ctx, key, &cached); err == nil && hit {
			return cached, nil
		}
	}
	rows, err := s.d.Events.ListBySession(ctx, sessionID, limit)
	if err != nil {
		return nil, utils.E(utils.CodeInternal, op, "failed to list events", err)
	}
	if s.d.Cache != nil && limit <= 0 {
		_ = s.d.Cache.SetJSON(ctx, key, rows, historyCacheTTL)
	}
	return rows, nil
}

func (s *queryService) Classifiers(ctx context.Context) []classifier.BackendInfo {
	return s.d.Router.List()
}

func (s *queryService) SetActiveClassifier(ctx context.Context, name string) error {
	const op = "QueryService.SetActiveClassifier"

	name = strings.TrimSpace(name)
	if name == "" {
		return utils.E(utils.CodeInvalidArgument, op, "name is required", nil)
	}
	if err := s.d.Router.SetActive(name); err != nil {
		return err
	}
	s.d.Log.WithField("classifier", name).Info("active classifier switched")
	return nil
}

func (s *queryService) ServerStats(ctx context.Context) ServerStats {
	bs := s.d.Buffers.Stats()
	st := ServerStats{
		Uptime:     time.Since(s.started).Round(time.Second).String(),
		Classifier: s.d.Router.Stats(),
		Active:     s.d.Router.Active().Name(),
		Buffer: BufferSummary{
			Sessions:     bs.Sessions,
			TotalEntries: bs.TotalEntries,
			Capacity:     bs.Capacity,
		},
		Persistence: make([]persistence.Stats, 0, len(s.d.Engines)),
		Sessions:    s.d.Registry.List(""),
	}
	if s.d.Server != nil {
		st.Ingestion = s.d.Server.Stats()
	}
	for _, e := range s.d.Engines {
		st.Persistence = append(st.Persistence, e.Stats())
	}
	return st
}
