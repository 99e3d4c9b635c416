package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yoockh/cogload/internal/buffer"
	"github.com/yoockh/cogload/internal/cache"
	"github.com/yoockh/cogload/internal/classifier"
	"github.com/yoockh/cogload/internal/dsp"
	"github.com/yoockh/cogload/internal/ingestion"
	"github.com/yoockh/cogload/internal/logger"
	"github.com/yoockh/cogload/internal/models"
	"github.com/yoockh/cogload/internal/utils"
)

type fakeHistory struct {
	mu    sync.Mutex
	calls int
	rows  []models.Prediction
}

func (f *fakeHistory) ListBySession(_ context.Context, _ string, limit int) ([]models.Prediction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if limit < len(f.rows) {
		return f.rows[:limit], nil
	}
	return f.rows, nil
}

type fakeEvents struct {
	mu   sync.Mutex
	rows []models.Event
}

func (f *fakeEvents) Insert(_ context.Context, e *models.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, *e)
	return nil
}

func (f *fakeEvents) ListBySession(_ context.Context, sessionID string, _ int) ([]models.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Event
	for _, e := range f.rows {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out, nil
}

type fakeSessions map[string]string

func (f fakeSessions) Get(_ context.Context, id string) (*models.Session, error) {
	if u, ok := f[id]; ok {
		return &models.Session{SessionID: id, UserID: u}, nil
	}
	return nil, utils.ErrNotFound
}

type queryFixture struct {
	svc     QueryService
	buffers *buffer.Manager
	reg     *ingestion.Registry
	history *fakeHistory
	events  *fakeEvents
}

func newQueryFixture(t *testing.T) *queryFixture {
	t.Helper()
	log := logger.Discard()
	buffers := buffer.NewManager(100)
	router := classifier.NewRouter(classifier.NewSignalClassifier("", "", dsp.DefaultConfig()), time.Second, log, nil)
	reg := ingestion.NewRegistry(context.Background(), ingestion.RegistryConfig{}, nil,
		&ingestion.Pipeline{Router: router, Buffers: buffers, Log: log}, log, nil)
	t.Cleanup(func() { reg.CloseAll(context.Background()) })

	f := &queryFixture{buffers: buffers, reg: reg, history: &fakeHistory{}, events: &fakeEvents{}}
	f.svc = NewQueryService(QueryDeps{
		Buffers:     buffers,
		Registry:    reg,
		Router:      router,
		Predictions: f.history,
		Events:      f.events,
		Sessions:    fakeSessions{"stored-session": "carol"},
		Cache:       cache.NewMemoryCache(),
		Log:         log,
	})
	return f
}

func (f *queryFixture) push(session, user string, t0 time.Time, workloads ...float64) {
	for i, w := range workloads {
		f.buffers.Push(session, models.ClassificationResult{
			SessionID:  session,
			UserID:     user,
			Workload:   w,
			Confidence: 0.9,
			Timestamp:  t0.Add(time.Duration(i) * time.Second),
			Outcome:    models.OutcomeSucceeded,
		})
	}
}

func TestLatestBySessionAndUser(t *testing.T) {
	f := newQueryFixture(t)
	t0 := time.Unix(1700000000, 0)
	f.push("s1", "alice", t0, 0.1, 0.2)
	f.push("s2", "alice", t0.Add(time.Hour), 0.7)
	f.push("s3", "bob", t0, 0.4)

	got, err := f.svc.Latest(context.Background(), "s1", "")
	require.NoError(t, err)
	assert.Equal(t, 0.2, got.Workload)

	got, err = f.svc.Latest(context.Background(), "", "alice")
	require.NoError(t, err)
	assert.Equal(t, "s2", got.SessionID)
	assert.Equal(t, buffer.TrendInsufficientData, got.Trend)

	_, err = f.svc.Latest(context.Background(), "", "nobody")
	assert.True(t, utils.IsCode(err, utils.CodeNotFound))
}

func TestWindowAndTrend(t *testing.T) {
	f := newQueryFixture(t)
	f.push("s1", "alice", time.Unix(1700000000, 0), 0.1, 0.1, 0.2, 0.6, 0.7, 0.8)

	w, err := f.svc.Window(context.Background(), "s1", 4)
	require.NoError(t, err)
	assert.Equal(t, 4, w.Count)
	assert.Equal(t, 0.2, w.Results[0].Workload)
	assert.Equal(t, 0.8, w.Results[3].Workload)

	w, err = f.svc.Window(context.Background(), "s1", 50)
	require.NoError(t, err)
	assert.Equal(t, 6, w.Count)

	_, err = f.svc.Window(context.Background(), "s1", 5000)
	assert.True(t, utils.IsCode(err, utils.CodeInvalidArgument))
	_, err = f.svc.Window(context.Background(), "", 5)
	assert.True(t, utils.IsCode(err, utils.CodeInvalidArgument))

	tr, err := f.svc.Trend(context.Background(), "s1", 6)
	require.NoError(t, err)
	assert.Equal(t, buffer.TrendIncreasing, tr.Direction)
}

func TestWindowBoundFollowsBufferCapacity(t *testing.T) {
	buffers := buffer.NewManager(2000)
	svc := NewQueryService(QueryDeps{Buffers: buffers, Log: logger.Discard()})
	t0 := time.Unix(1700000000, 0)
	for i := 0; i < 1500; i++ {
		w := 0.2
		if i >= 750 {
			w = 0.8
		}
		buffers.Push("big", models.ClassificationResult{SessionID: "big", UserID: "alice", Workload: w, Timestamp: t0.Add(time.Duration(i) * time.Second)})
	}

	w, err := svc.Window(context.Background(), "big", 1500)
	require.NoError(t, err)
	assert.Equal(t, 1500, w.Count)

	_, err = svc.Window(context.Background(), "big", 2001)
	assert.True(t, utils.IsCode(err, utils.CodeInvalidArgument))

	tr, err := svc.Trend(context.Background(), "big", 5000)
	require.NoError(t, err)
	assert.Equal(t, 1500, tr.Samples)
	assert.Equal(t, buffer.TrendIncreasing, tr.Direction)
}

func TestCognitiveState(t *testing.T) {
	cases := []struct {
		workloads []float64
		state     string
		intensity string
		duration  float64
		first     string
	}{
		{[]float64{0.1, 0.2}, "focused", "low", 1, "Good time for complex or challenging tasks"},
		{[]float64{0.6, 0.35, 0.4, 0.45}, "moderate", "medium", 2, "Maintain current pace"},
		{[]float64{0.1, 0.1, 0.1, 0.55, 0.6, 0.65}, "high_load", "high", 2, "Cognitive load is increasing, monitor closely"},
		{[]float64{0.9, 0.9, 0.95}, "overloaded", "very_high", 2, "Take a break as soon as possible"},
	}
	for _, tc := range cases {
		t.Run(tc.state, func(t *testing.T) {
			f := newQueryFixture(t)
			f.push("s1", "alice", time.Unix(1700000000, 0), tc.workloads...)

			st, err := f.svc.CognitiveState(context.Background(), "s1", "")
			require.NoError(t, err)
			assert.Equal(t, tc.state, st.State)
			assert.Equal(t, tc.intensity, st.Intensity)
			assert.Equal(t, tc.duration, st.DurationSeconds)
			require.NotEmpty(t, st.Recommendations)
			assert.Equal(t, tc.first, st.Recommendations[0])
		})
	}
}

func TestStateDuration(t *testing.T) {
	assert.Equal(t, 0.0, StateDuration(nil))
	t0 := time.Unix(0, 0)
	rs := []models.ClassificationResult{
		{Workload: 0.8, Timestamp: t0},
		{Workload: 0.1, Timestamp: t0.Add(2 * time.Second)},
		{Workload: 0.2, Timestamp: t0.Add(5 * time.Second)},
		{Workload: 0.25, Timestamp: t0.Add(9 * time.Second)},
	}
	assert.Equal(t, 7.0, StateDuration(rs))
}

func TestHistoryIsCached(t *testing.T) {
	f := newQueryFixture(t)
	f.history.rows = []models.Prediction{{ID: 1, SessionID: "s1"}, {ID: 2, SessionID: "s1"}}

	rows, err := f.svc.History(context.Background(), "s1", 10)
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	rows, err = f.svc.History(context.Background(), "s1", 10)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
	assert.Equal(t, 1, f.history.calls)

	_, err = f.svc.History(context.Background(), "s1", 1)
	require.NoError(t, err)
	assert.Equal(t, 2, f.history.calls)
}

func TestAnnotateEvent(t *testing.T) {
	f := newQueryFixture(t)

	_, err := f.svc.AnnotateEvent(context.Background(), AnnotateEventInput{SessionID: "s1", Label: "  "})
	assert.True(t, utils.IsCode(err, utils.CodeInvalidArgument))

	ev, err := f.svc.AnnotateEvent(context.Background(), AnnotateEventInput{
		SessionID: "s1",
		UserID:    "alice",
		Label:     "task B started",
		Metadata:  map[string]any{"difficulty": "hard"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, ev.ID)
	assert.JSONEq(t, `{"difficulty":"hard"}`, string(ev.Metadata))

	list, err := f.svc.ListEvents(context.Background(), "s1", 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "task B started", list[0].Label)
}

func TestSessionOwner(t *testing.T) {
	f := newQueryFixture(t)
	f.push("ring-session", "alice", time.Unix(1700000000, 0), 0.3)

	s, _, err := f.reg.Open(context.Background(), "dave", "")
	require.NoError(t, err)

	owner, err := f.svc.SessionOwner(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, "dave", owner)

	owner, err = f.svc.SessionOwner(context.Background(), "ring-session")
	require.NoError(t, err)
	assert.Equal(t, "alice", owner)

	owner, err = f.svc.SessionOwner(context.Background(), "stored-session")
	require.NoError(t, err)
	assert.Equal(t, "carol", owner)

	_, err = f.svc.SessionOwner(context.Background(), "missing")
	assert.True(t, utils.IsCode(err, utils.CodeNotFound))
}

func TestCloseSessionAndClassifiers(t *testing.T) {
	f := newQueryFixture(t)
	s, _, err := f.reg.Open(context.Background(), "dave", "")
	require.NoError(t, err)

	sessions, err := f.svc.ListActiveSessions(context.Background(), "dave")
	require.NoError(t, err)
	assert.Len(t, sessions, 1)

	require.NoError(t, f.svc.CloseSession(context.Background(), s.ID))
	err = f.svc.CloseSession(context.Background(), s.ID)
	assert.True(t, utils.IsCode(err, utils.CodeNotFound))

	list := f.svc.Classifiers(context.Background())
	require.Len(t, list, 1)
	assert.True(t, list[0].Active)
	err = f.svc.SetActiveClassifier(context.Background(), "does-not-exist")
	assert.True(t, utils.IsCode(err, utils.CodeNotFound))

	st := f.svc.ServerStats(context.Background())
	assert.Equal(t, list[0].Name, st.Active)
}
