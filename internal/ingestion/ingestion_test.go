package ingestion

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yoockh/cogload/internal/buffer"
	"github.com/yoockh/cogload/internal/classifier"
	"github.com/yoockh/cogload/internal/logger"
	"github.com/yoockh/cogload/internal/models"
	"github.com/yoockh/cogload/internal/utils"
	"github.com/yoockh/cogload/internal/wire"
)

const (
	testKey  = "secret-key"
	testUser = "user-1"
	baseTS   = 1700000000.0
)

type recordingClassifier struct {
	mu      sync.Mutex
	windows []classifier.Window

	started chan struct{} // optional, signalled when a call begins
	gate    chan struct{} // optional, calls wait on it
}

func (c *recordingClassifier) Classify(ctx context.Context, w classifier.Window) (models.ClassificationResult, error) {
	if c.started != nil {
		select {
		case c.started <- struct{}{}:
		default:
		}
	}
	if c.gate != nil {
		<-c.gate
	}
	c.mu.Lock()
	c.windows = append(c.windows, w)
	c.mu.Unlock()
	return models.ClassificationResult{
		SessionID:  w.SessionID,
		UserID:     w.UserID,
		Timestamp:  w.Timestamp,
		Workload:   0.5,
		Confidence: 1,
		Classifier: "recording",
		Outcome:    models.OutcomeSucceeded,
	}, nil
}

func (c *recordingClassifier) seen() []classifier.Window {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]classifier.Window(nil), c.windows...)
}

type fakeStore struct {
	mu      sync.Mutex
	rows    map[string]*models.Session
	ended   map[string]int64
	devices map[string][]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rows:    map[string]*models.Session{},
		ended:   map[string]int64{},
		devices: map[string][]byte{},
	}
}

func (f *fakeStore) Create(_ context.Context, s *models.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[s.SessionID]; !ok {
		cp := *s
		f.rows[s.SessionID] = &cp
	}
	return nil
}

func (f *fakeStore) Get(_ context.Context, id string) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.rows[id]
	if !ok {
		return nil, utils.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (f *fakeStore) End(_ context.Context, id string, _ time.Time, total int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended[id] = total
	return nil
}

func (f *fakeStore) UpdateDeviceInfo(_ context.Context, id string, info []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices[id] = info
	return nil
}

type fixture struct {
	server  *Server
	reg     *Registry
	cls     *recordingClassifier
	buffers *buffer.Manager
	store   *fakeStore
}

func newFixture(t *testing.T, cfg RegistryConfig, cls *recordingClassifier) *fixture {
	t.Helper()
	if cls == nil {
		cls = &recordingClassifier{}
	}
	buffers := buffer.NewManager(100)
	store := newFakeStore()
	p := &Pipeline{Router: cls, Buffers: buffers, Log: logger.Discard()}
	reg := NewRegistry(context.Background(), cfg, store, p, logger.Discard(), nil)
	codecs, err := wire.NewCodecs()
	require.NoError(t, err)
	srv := NewServer(Config{MaxConnections: 2}, NewKeyAuthenticator(testKey, nil), reg, codecs, logger.Discard(), nil)
	t.Cleanup(func() { reg.CloseAll(context.Background()) })
	return &fixture{server: srv, reg: reg, cls: cls, buffers: buffers, store: store}
}

func (f *fixture) connect(t *testing.T) *Conn {
	t.Helper()
	c, err := f.server.Connect(context.Background(), Credentials{APIKey: testKey, UserID: testUser})
	require.NoError(t, err)
	return c
}

func send(t *testing.T, f *fixture, c *Conn, env wire.Envelope) Reply {
	t.Helper()
	data, err := json.Marshal(env)
	require.NoError(t, err)
	return f.server.HandleFrame(context.Background(), c, false, data)
}

func sample(seq uint64, ts float64, values ...float64) wire.Envelope {
	return wire.Envelope{Type: wire.TypeRawSample, Seq: seq, Timestamp: ts, Data: values}
}

func TestWindowAccumulatorHop(t *testing.T) {
	a := NewWindowAccumulator(4, 2)
	t0 := time.Unix(0, 0)
	for i := 1; i <= 3; i++ {
		_, ok := a.Add(t0.Add(time.Duration(i)*time.Second), []float64{float64(i)})
		assert.False(t, ok)
	}
	b, ok := a.Add(t0.Add(4*time.Second), []float64{4})
	require.True(t, ok)
	assert.Equal(t, [][]float64{{1, 2, 3, 4}}, b.Channels)
	assert.Equal(t, t0.Add(time.Second), b.Start)
	assert.Equal(t, t0.Add(4*time.Second), b.End)

	_, ok = a.Add(t0.Add(5*time.Second), []float64{5})
	assert.False(t, ok)
	b, ok = a.Add(t0.Add(6*time.Second), []float64{6})
	require.True(t, ok)
	assert.Equal(t, [][]float64{{3, 4, 5, 6}}, b.Channels)
	assert.Equal(t, 2, a.Len())
}

func TestOutOfOrderSampleRejectedAndAbsentFromWindow(t *testing.T) {
	f := newFixture(t, RegistryConfig{WindowSamples: 4, WindowHop: 4}, nil)
	c := f.connect(t)

	for i := 1; i <= 3; i++ {
		r := send(t, f, c, sample(uint64(i), baseTS+float64(i), float64(i), -float64(i)))
		assert.Nil(t, r.Frame)
		assert.Equal(t, uint64(i), r.AckSeq)
	}

	r := send(t, f, c, sample(4, baseTS+2.5, 99, -99))
	require.NotNil(t, r.Frame)
	assert.Equal(t, wire.FrameError, r.Frame.Type)
	assert.Equal(t, string(utils.CodeValidation), r.Frame.Code)
	assert.Equal(t, uint64(4), r.Frame.Seq)
	assert.False(t, r.Close)

	r = send(t, f, c, sample(5, baseTS+4, 4, -4))
	assert.Nil(t, r.Frame)

	require.Eventually(t, func() bool { return len(f.cls.seen()) == 1 }, time.Second, 5*time.Millisecond)
	w := f.cls.seen()[0]
	assert.Equal(t, [][]float64{{1, 2, 3, 4}, {-1, -2, -3, -4}}, w.Channels)
	assert.NotContains(t, w.Channels[0], 99.0)
	assert.Equal(t, int64(4), c.Session.Info().Samples)
	assert.Equal(t, int64(1), c.Session.Info().Rejected)
}

func TestOutOfOrderFeaturesAbsentFromRing(t *testing.T) {
	f := newFixture(t, RegistryConfig{}, nil)
	c := f.connect(t)

	feats := map[string]float64{"frontal_theta": 0.3}
	for i, ts := range []float64{baseTS + 10, baseTS + 12, baseTS + 11, baseTS + 12} {
		send(t, f, c, wire.Envelope{Type: wire.TypeFeatures, Seq: uint64(i + 1), Timestamp: ts, Data: feats})
	}

	require.Eventually(t, func() bool { return len(f.buffers.Window(c.Session.ID, 10)) == 3 }, time.Second, 5*time.Millisecond)
	got := f.buffers.Window(c.Session.ID, 10)
	rejected := (&wire.Envelope{Timestamp: baseTS + 11}).Time()
	for _, res := range got {
		assert.False(t, res.Timestamp.Equal(rejected))
	}
	assert.True(t, got[0].Timestamp.Before(got[1].Timestamp))
}

func TestDuplicateSeqAckedNotProcessed(t *testing.T) {
	f := newFixture(t, RegistryConfig{}, nil)
	c := f.connect(t)
	env := wire.Envelope{Type: wire.TypeFeatures, Seq: 7, Timestamp: baseTS, Data: map[string]float64{"x": 1}}

	assert.Equal(t, uint64(7), send(t, f, c, env).AckSeq)
	r := send(t, f, c, env)
	assert.Equal(t, uint64(7), r.AckSeq)
	assert.Nil(t, r.Frame)

	require.Eventually(t, func() bool { return len(f.cls.seen()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, f.cls.seen(), 1)
	assert.Equal(t, int64(1), f.server.Stats().Duplicates)
}

func TestValidationErrors(t *testing.T) {
	f := newFixture(t, RegistryConfig{}, nil)
	c := f.connect(t)

	require.Nil(t, send(t, f, c, sample(1, baseTS, 1, 2, 3)).Frame)

	cases := []struct {
		name string
		env  wire.Envelope
	}{
		{"channel count", sample(2, baseTS+1, 1, 2)},
		{"missing timestamp", sample(3, 0, 1, 2, 3)},
		{"empty features", wire.Envelope{Type: wire.TypeFeatures, Seq: 4, Timestamp: baseTS + 2, Data: map[string]float64{}}},
		{"unknown type", wire.Envelope{Type: "telemetry", Seq: 5, Timestamp: baseTS + 2}},
		{"foreign user", wire.Envelope{Type: wire.TypeRawSample, Seq: 6, Timestamp: baseTS + 2, UserID: "someone-else", Data: []float64{1, 2, 3}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := send(t, f, c, tc.env)
			require.NotNil(t, r.Frame)
			assert.Equal(t, wire.FrameError, r.Frame.Type)
			assert.Equal(t, string(utils.CodeValidation), r.Frame.Code)
			assert.Equal(t, tc.env.Seq, r.Frame.Seq)
			assert.False(t, r.Close)
		})
	}

	r := f.server.HandleFrame(context.Background(), c, false, []byte("{not json"))
	require.NotNil(t, r.Frame)
	assert.Equal(t, string(utils.CodeValidation), r.Frame.Code)
}

func TestHeartbeatAndHandshake(t *testing.T) {
	f := newFixture(t, RegistryConfig{}, nil)
	c := f.connect(t)

	r := send(t, f, c, wire.Envelope{Type: wire.TypeHeartbeat, Seq: 1, Timestamp: baseTS})
	require.NotNil(t, r.Frame)
	assert.Equal(t, wire.FrameHeartbeatAck, r.Frame.Type)

	r = send(t, f, c, wire.Envelope{
		Type:       wire.TypeHandshake,
		Seq:        2,
		Timestamp:  baseTS,
		StreamInfo: map[string]any{"channel_count": 2, "sample_rate": 128, "name": "EEG"},
	})
	assert.Nil(t, r.Frame)
	info := c.Session.Info()
	assert.Equal(t, 2, info.Channels)
	assert.Equal(t, 128.0, info.SampleRate)
	assert.Contains(t, string(f.store.devices[c.Session.ID]), "EEG")

	r = send(t, f, c, sample(3, baseTS+1, 1, 2, 3))
	require.NotNil(t, r.Frame)
	assert.Equal(t, "channel count does not match session", r.Frame.Message)
}

func TestFullLaneDropsWindow(t *testing.T) {
	cls := &recordingClassifier{started: make(chan struct{}, 1), gate: make(chan struct{})}
	f := newFixture(t, RegistryConfig{LaneSize: 1}, cls)
	c := f.connect(t)
	feats := map[string]float64{"x": 1}

	require.Nil(t, send(t, f, c, wire.Envelope{Type: wire.TypeFeatures, Seq: 1, Timestamp: baseTS, Data: feats}).Frame)
	<-cls.started
	require.Nil(t, send(t, f, c, wire.Envelope{Type: wire.TypeFeatures, Seq: 2, Timestamp: baseTS + 1, Data: feats}).Frame)

	r := send(t, f, c, wire.Envelope{Type: wire.TypeFeatures, Seq: 3, Timestamp: baseTS + 2, Data: feats})
	require.NotNil(t, r.Frame)
	assert.Equal(t, string(utils.CodeUnavailable), r.Frame.Code)
	assert.Equal(t, uint64(3), r.AckSeq)
	assert.Equal(t, int64(1), f.server.Stats().WindowsDropped)

	close(cls.gate)
	require.Eventually(t, func() bool { return len(cls.seen()) == 2 }, time.Second, 5*time.Millisecond)
}

func TestEndSessionClosesAndDrains(t *testing.T) {
	f := newFixture(t, RegistryConfig{}, nil)
	c := f.connect(t)
	id := c.Session.ID

	send(t, f, c, wire.Envelope{Type: wire.TypeFeatures, Seq: 1, Timestamp: baseTS, Data: map[string]float64{"x": 1}})
	r := send(t, f, c, wire.Envelope{Type: wire.TypeEndSession, Seq: 2, Timestamp: baseTS + 1})
	require.NotNil(t, r.Frame)
	assert.Equal(t, wire.FrameSessionEnded, r.Frame.Type)
	assert.True(t, r.Close)

	// the lane drained before close returned
	assert.Len(t, f.cls.seen(), 1)
	_, ok := f.reg.Get(id)
	assert.False(t, ok)
	_, ok = f.buffers.Latest(id)
	assert.False(t, ok)
	assert.Contains(t, f.store.ended, id)

	r = send(t, f, c, wire.Envelope{Type: wire.TypeHeartbeat, Seq: 3, Timestamp: baseTS + 2})
	assert.True(t, r.Close)
}

func TestConnectAuthAndLimit(t *testing.T) {
	f := newFixture(t, RegistryConfig{}, nil)

	_, err := f.server.Connect(context.Background(), Credentials{APIKey: "wrong", UserID: testUser})
	assert.True(t, utils.IsCode(err, utils.CodeUnauthorized))
	_, err = f.server.Connect(context.Background(), Credentials{APIKey: testKey})
	assert.True(t, utils.IsCode(err, utils.CodeUnauthorized))
	_, err = f.server.Connect(context.Background(), Credentials{APIKey: testKey, UserID: testUser, Encoding: "xml"})
	assert.True(t, utils.IsCode(err, utils.CodeInvalidArgument))

	c, err := f.server.Connect(context.Background(), Credentials{APIKey: testKey, UserID: testUser, Encoding: "msgpack", Compression: "zstd"})
	require.NoError(t, err)
	assert.Equal(t, wire.EncodingMsgpack, c.Codec.Encoding())
	frame := c.Authenticated()
	assert.Equal(t, wire.FrameAuthenticated, frame.Type)
	assert.Equal(t, c.Session.ID, frame.SessionID)

	assert.True(t, f.server.TryAcquire())
	assert.True(t, f.server.TryAcquire())
	assert.False(t, f.server.TryAcquire())
	f.server.ReleaseSlot()
	assert.True(t, f.server.TryAcquire())
}

func TestBinaryFrames(t *testing.T) {
	f := newFixture(t, RegistryConfig{}, nil)
	c, err := f.server.Connect(context.Background(), Credentials{APIKey: testKey, UserID: testUser, Encoding: "msgpack", Compression: "zstd"})
	require.NoError(t, err)

	data, binary, err := c.Codec.Marshal(&wire.Envelope{Type: wire.TypeFeatures, Seq: 1, Timestamp: baseTS, Data: map[string]float64{"x": 0.2}})
	require.NoError(t, err)
	require.True(t, binary)
	r := f.server.HandleFrame(context.Background(), c, binary, data)
	assert.Nil(t, r.Frame)
	assert.Equal(t, uint64(1), r.AckSeq)
	require.Eventually(t, func() bool { return len(f.cls.seen()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0.2, f.cls.seen()[0].Features["x"])
}

func TestDecodeAuth(t *testing.T) {
	f := newFixture(t, RegistryConfig{}, nil)

	cred, err := f.server.DecodeAuth([]byte(`{"type":"auth","api_key":"k","user_id":"u","encoding":"msgpack"}`), false)
	require.NoError(t, err)
	assert.Equal(t, Credentials{APIKey: "k", UserID: "u", Encoding: "msgpack"}, cred)

	_, err = f.server.DecodeAuth([]byte(`{"type":"heartbeat"}`), false)
	assert.True(t, utils.IsCode(err, utils.CodeUnauthorized))
}

func TestRegistryOpenResumeAndOwnership(t *testing.T) {
	f := newFixture(t, RegistryConfig{}, nil)
	ctx := context.Background()

	s, resumed, err := f.reg.Open(ctx, testUser, "")
	require.NoError(t, err)
	assert.False(t, resumed)
	assert.Equal(t, models.SessionActive, s.Status())
	assert.Contains(t, f.store.rows, s.ID)

	f.reg.Detach(s)
	assert.Equal(t, models.SessionIdle, s.Status())

	again, resumed, err := f.reg.Open(ctx, testUser, "")
	require.NoError(t, err)
	assert.True(t, resumed)
	assert.Same(t, s, again)
	assert.Equal(t, models.SessionActive, s.Status())

	_, _, err = f.reg.Open(ctx, "intruder", s.ID)
	assert.True(t, utils.IsCode(err, utils.CodeForbidden))

	_, _, err = f.reg.Open(ctx, testUser, "not-a-uuid")
	assert.True(t, utils.IsCode(err, utils.CodeInvalidArgument))

	id := uuid.NewString()
	named, resumed, err := f.reg.Open(ctx, testUser, id)
	require.NoError(t, err)
	assert.False(t, resumed)
	assert.Equal(t, id, named.ID)

	assert.Len(t, f.reg.List(testUser), 2)
	assert.Empty(t, f.reg.List("nobody"))
}

func TestRegistryResumesDurableSession(t *testing.T) {
	f := newFixture(t, RegistryConfig{}, nil)
	id := uuid.NewString()
	require.NoError(t, f.store.Create(context.Background(), &models.Session{SessionID: id, UserID: "other"}))

	_, _, err := f.reg.Open(context.Background(), testUser, id)
	assert.True(t, utils.IsCode(err, utils.CodeForbidden))

	s, resumed, err := f.reg.Open(context.Background(), "other", id)
	require.NoError(t, err)
	assert.True(t, resumed)
	assert.Equal(t, id, s.ID)
}

func TestReaperIdlesThenExpires(t *testing.T) {
	f := newFixture(t, RegistryConfig{IdleTimeout: time.Minute, SessionExpiry: 5 * time.Minute}, nil)
	now := time.Unix(1700000000, 0)
	f.reg.now = func() time.Time { return now }

	c := f.connect(t)
	id := c.Session.ID
	f.buffers.Push(id, models.ClassificationResult{SessionID: id, UserID: testUser})

	now = now.Add(30 * time.Second)
	f.reg.Reap(context.Background())
	assert.Equal(t, models.SessionActive, c.Session.Status())

	now = now.Add(31 * time.Second)
	f.reg.Reap(context.Background())
	assert.Equal(t, models.SessionIdle, c.Session.Status())
	active, idle := f.reg.Counts()
	assert.Equal(t, 0, active)
	assert.Equal(t, 1, idle)

	now = now.Add(5 * time.Minute)
	f.reg.Reap(context.Background())
	_, ok := f.reg.Get(id)
	assert.False(t, ok)
	_, ok = f.buffers.Latest(id)
	assert.False(t, ok)
}

func TestHeartbeatRevivesStalledSession(t *testing.T) {
	f := newFixture(t, RegistryConfig{IdleTimeout: 30 * time.Second, SessionExpiry: time.Minute}, nil)
	now := time.Unix(1700000000, 0)
	clock := func() time.Time { return now }
	f.reg.now = clock
	f.server.now = clock

	c := f.connect(t)
	id := c.Session.ID

	// link stalls past the idle timeout but the connection stays attached
	now = now.Add(31 * time.Second)
	f.reg.Reap(context.Background())
	require.Equal(t, models.SessionIdle, c.Session.Status())

	for i := 0; i < 12; i++ {
		now = now.Add(10 * time.Second)
		r := send(t, f, c, wire.Envelope{Type: wire.TypeHeartbeat, Seq: uint64(i + 1), Timestamp: baseTS})
		require.NotNil(t, r.Frame)
		assert.Equal(t, wire.FrameHeartbeatAck, r.Frame.Type)
		f.reg.Reap(context.Background())
	}

	assert.Equal(t, models.SessionActive, c.Session.Status())
	_, ok := f.reg.Get(id)
	assert.True(t, ok)
}

func TestHeartbeatDoesNotReviveDetachedSession(t *testing.T) {
	f := newFixture(t, RegistryConfig{}, nil)
	c := f.connect(t)
	f.reg.Detach(c.Session)

	c.Session.touch(time.Now())
	assert.Equal(t, models.SessionIdle, c.Session.Status())
}

func TestRegistryRefusesOpenAfterCloseAll(t *testing.T) {
	f := newFixture(t, RegistryConfig{}, nil)
	ctx := context.Background()

	s, _, err := f.reg.Open(ctx, testUser, "")
	require.NoError(t, err)
	f.reg.Detach(s)

	f.reg.CloseAll(ctx)
	assert.Equal(t, models.SessionClosed, s.Status())

	_, _, err = f.reg.Open(ctx, testUser, "")
	assert.True(t, utils.IsCode(err, utils.CodeUnavailable))
	_, _, err = f.reg.Open(ctx, testUser, uuid.NewString())
	assert.True(t, utils.IsCode(err, utils.CodeUnavailable))
	_, err = f.reg.Continue(testUser, s.ID)
	assert.True(t, utils.IsCode(err, utils.CodeUnavailable))

	_, err = f.server.Connect(ctx, Credentials{APIKey: testKey, UserID: testUser})
	assert.True(t, utils.IsCode(err, utils.CodeUnavailable))
	assert.Empty(t, f.reg.List(""))
}

func TestKeyAuthenticator(t *testing.T) {
	hash, err := utils.HashAPIKey("per-user")
	require.NoError(t, err)
	a := NewKeyAuthenticator("shared", map[string]string{"alice": hash})

	assert.NoError(t, a.Authenticate("shared", "bob"))
	assert.NoError(t, a.Authenticate("per-user", "alice"))
	assert.Error(t, a.Authenticate("shared", "alice"))
	assert.Error(t, a.Authenticate("", "bob"))
	assert.Error(t, a.Authenticate("shared", "  "))
}
