package ingestion

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"github.com/yoockh/cogload/internal/classifier"
	"github.com/yoockh/cogload/internal/metrics"
	"github.com/yoockh/cogload/internal/models"
	"github.com/yoockh/cogload/internal/utils"
	"github.com/yoockh/cogload/internal/wire"
)

type Config struct {
	MaxConnections int           // default 100
	AuthTimeout    time.Duration // wait for a first auth frame, default 10s
}

func (c *Config) setDefaults() {
	if c.MaxConnections <= 0 {
		c.MaxConnections = 100
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 10 * time.Second
	}
}

type Stats struct {
	ActiveConnections int64 `json:"active_connections"`
	MaxConnections    int   `json:"max_connections"`
	MessagesReceived  int64 `json:"messages_received"`
	MessagesRejected  int64 `json:"messages_rejected"`
	Duplicates        int64 `json:"duplicates"`
	WindowsQueued     int64 `json:"windows_queued"`
	WindowsDropped    int64 `json:"windows_dropped"`
	ActiveSessions    int   `json:"active_sessions"`
	IdleSessions      int   `json:"idle_sessions"`
}

// Conn is one authenticated device connection bound to a session.
type Conn struct {
	Session *Session
	Codec   *wire.Codec
	Resumed bool
}

func (c *Conn) Authenticated() *wire.ServerFrame {
	return &wire.ServerFrame{
		Type:      wire.FrameAuthenticated,
		UserID:    c.Session.UserID,
		SessionID: c.Session.ID,
		Resumed:   c.Resumed,
	}
}

// Reply is the outcome of one inbound frame. Frame, when set, is written
// right away; AckSeq is folded into the next cumulative ack.
type Reply struct {
	Frame  *wire.ServerFrame
	AckSeq uint64
	Close  bool
}

// Server validates and routes inbound stream messages. Transport concerns
// (upgrade, deadlines, pings) live in the WebSocket handler.
type Server struct {
	cfg      Config
	auth     Authenticator
	registry *Registry
	codecs   *wire.Codecs
	samples  Enqueuer[models.StreamSample] // optional raw sample archive
	log      *logrus.Logger
	metrics  *metrics.Metrics

	conns, received, rejected, duplicates, queued, lost atomic.Int64

	now func() time.Time
}

func NewServer(cfg Config, auth Authenticator, reg *Registry, codecs *wire.Codecs, log *logrus.Logger, m *metrics.Metrics) *Server {
	cfg.setDefaults()
	return &Server{
		cfg:      cfg,
		auth:     auth,
		registry: reg,
		codecs:   codecs,
		log:      log,
		metrics:  m,
		now:      time.Now,
	}
}

// ArchiveSamples turns on raw sample retention.
func (s *Server) ArchiveSamples(e Enqueuer[models.StreamSample]) { s.samples = e }

func (s *Server) Config() Config      { return s.cfg }
func (s *Server) Registry() *Registry { return s.registry }

// TryAcquire takes a connection slot; false means the server is at capacity.
func (s *Server) TryAcquire() bool {
	for {
		n := s.conns.Load()
		if n >= int64(s.cfg.MaxConnections) {
			return false
		}
		if s.conns.CompareAndSwap(n, n+1) {
			s.metrics.ConnectionOpened()
			return true
		}
	}
}

func (s *Server) ReleaseSlot() {
	s.conns.Add(-1)
	s.metrics.ConnectionClosed()
}

// DecodeAuth parses a first frame sent in place of auth headers. It is
// always plain JSON.
func (s *Server) DecodeAuth(data []byte, binary bool) (Credentials, error) {
	const op = "Server.DecodeAuth"

	env, err := s.codecs.Get(wire.EncodingJSON, wire.CompressionNone).Unmarshal(data, binary)
	if err != nil {
		return Credentials{}, utils.E(utils.CodeUnauthorized, op, "malformed auth frame", err)
	}
	if env.Type != wire.TypeAuth {
		return Credentials{}, utils.E(utils.CodeUnauthorized, op, "first frame must be auth", nil)
	}
	return CredentialsFromEnvelope(env), nil
}

// Connect authenticates, negotiates the codec and opens or resumes the session.
func (s *Server) Connect(ctx context.Context, cred Credentials) (*Conn, error) {
	const op = "Server.Connect"

	if err := s.auth.Authenticate(cred.APIKey, cred.UserID); err != nil {
		return nil, err
	}
	enc, err := wire.ParseEncoding(cred.Encoding)
	if err != nil {
		return nil, utils.E(utils.CodeInvalidArgument, op, err.Error(), nil)
	}
	comp, err := wire.ParseCompression(cred.Compression)
	if err != nil {
		return nil, utils.E(utils.CodeInvalidArgument, op, err.Error(), nil)
	}

	sess, resumed, err := s.registry.Open(ctx, cred.UserID, cred.SessionID)
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{
		"session_id":  sess.ID,
		"user_id":     sess.UserID,
		"encoding":    enc,
		"compression": comp,
		"resumed":     resumed,
	}).Info("stream connected")
	return &Conn{Session: sess, Codec: s.codecs.Get(enc, comp), Resumed: resumed}, nil
}

func (s *Server) Disconnect(c *Conn) {
	s.registry.Detach(c.Session)
	s.log.WithFields(logrus.Fields{"session_id": c.Session.ID, "user_id": c.Session.UserID}).Info("stream disconnected")
}

// HandleFrame decodes, validates and routes one inbound frame. A rejected
// message never closes the connection; only end_session or a closed
// session does.
func (s *Server) HandleFrame(ctx context.Context, c *Conn, binary bool, data []byte) Reply {
	const op = "Server.HandleFrame"

	s.received.Add(1)
	sess := c.Session

	if sess.Status() == models.SessionClosed {
		return Reply{Frame: &wire.ServerFrame{Type: wire.FrameSessionEnded, SessionID: sess.ID}, Close: true}
	}

	env, err := c.Codec.Unmarshal(data, binary)
	if err != nil {
		return s.reject(sess, "unknown", 0, utils.E(utils.CodeValidation, op, "malformed message", err))
	}
	if !sess.markSeq(env.Seq) {
		s.duplicates.Add(1)
		s.metrics.MessageReceived(string(env.Type), "duplicate")
		return Reply{AckSeq: env.Seq}
	}
	if env.UserID != "" && env.UserID != sess.UserID {
		return s.reject(sess, string(env.Type), env.Seq, utils.E(utils.CodeValidation, op, "user_id does not match connection", nil))
	}
	if env.SessionID != "" && env.SessionID != sess.ID {
		return s.reject(sess, string(env.Type), env.Seq, utils.E(utils.CodeValidation, op, "session_id does not match connection", nil))
	}

	switch env.Type {
	case wire.TypeHeartbeat:
		sess.touch(s.now())
		s.metrics.MessageReceived(string(env.Type), "accepted")
		return Reply{Frame: &wire.ServerFrame{Type: wire.FrameHeartbeatAck, Seq: env.Seq}}

	case wire.TypeAuth:
		// already authenticated; a resent auth frame is harmless
		return s.accepted(env)

	case wire.TypeHandshake:
		return s.handshake(ctx, sess, env)

	case wire.TypeRawSample:
		return s.rawSample(sess, env)

	case wire.TypeFeatures:
		return s.features(sess, env)

	case wire.TypeEndSession:
		s.metrics.MessageReceived(string(env.Type), "accepted")
		if err := s.registry.Close(ctx, sess.ID); err != nil && !utils.IsCode(err, utils.CodeNotFound) {
			s.log.WithFields(logrus.Fields{"session_id": sess.ID, "error": err.Error()}).Warn("end_session failed")
		}
		return Reply{Frame: &wire.ServerFrame{Type: wire.FrameSessionEnded, SessionID: sess.ID, Seq: env.Seq}, AckSeq: env.Seq, Close: true}

	default:
		return s.reject(sess, string(env.Type), env.Seq, utils.E(utils.CodeValidation, op, "unknown message type", nil))
	}
}

func (s *Server) handshake(ctx context.Context, sess *Session, env *wire.Envelope) Reply {
	sess.touch(s.now())
	if len(env.StreamInfo) > 0 {
		sess.setStreamInfo(env.StreamInfo)
		if store := s.registry.store; store != nil {
			if b, err := json.Marshal(env.StreamInfo); err == nil {
				if err := store.UpdateDeviceInfo(ctx, sess.ID, b); err != nil {
					s.log.WithFields(logrus.Fields{"session_id": sess.ID, "error": err.Error()}).Warn("failed to store device info")
				}
			}
		}
	}
	s.log.WithFields(logrus.Fields{"session_id": sess.ID, "stream_info": env.StreamInfo}).Debug("handshake")
	return s.accepted(env)
}

func (s *Server) rawSample(sess *Session, env *wire.Envelope) Reply {
	const op = "Server.rawSample"

	if !env.ValidTimestamp() {
		return s.reject(sess, string(env.Type), env.Seq, utils.E(utils.CodeValidation, op, "timestamp missing or not finite", nil))
	}
	sample, err := env.Channels()
	if err != nil || len(sample) == 0 {
		return s.reject(sess, string(env.Type), env.Seq, utils.E(utils.CodeValidation, op, "data must be a non-empty channel vector", err))
	}
	if !sess.checkChannels(len(sample)) {
		return s.reject(sess, string(env.Type), env.Seq, utils.E(utils.CodeValidation, op, "channel count does not match session", nil))
	}
	if !sess.accept(env.Timestamp, s.now()) {
		s.log.WithFields(logrus.Fields{"session_id": sess.ID, "timestamp": env.Timestamp}).Warn("out-of-order sample dropped")
		return s.reject(sess, string(env.Type), env.Seq, utils.E(utils.CodeValidation, op, "timestamp earlier than previous sample", nil))
	}

	sess.samples.Add(1)
	ts := env.Time()
	if s.samples != nil {
		s.samples.Enqueue(models.StreamSample{
			SessionID:  sess.ID,
			UserID:     sess.UserID,
			StreamType: string(wire.TypeRawSample),
			Seq:        env.Seq,
			Timestamp:  ts,
			Channels:   sample,
		})
	}

	block, full, rate := sess.addSample(ts, sample)
	reply := s.accepted(env)
	if full {
		reply.Frame = s.submit(sess, classifier.Window{
			SessionID:  sess.ID,
			UserID:     sess.UserID,
			Timestamp:  block.End,
			SampleRate: rate,
			Channels:   block.Channels,
		})
	}
	return reply
}

func (s *Server) features(sess *Session, env *wire.Envelope) Reply {
	const op = "Server.features"

	if !env.ValidTimestamp() {
		return s.reject(sess, string(env.Type), env.Seq, utils.E(utils.CodeValidation, op, "timestamp missing or not finite", nil))
	}
	feats, err := env.Features()
	if err != nil || len(feats) == 0 {
		return s.reject(sess, string(env.Type), env.Seq, utils.E(utils.CodeValidation, op, "data must be a non-empty feature map", err))
	}
	if !sess.accept(env.Timestamp, s.now()) {
		s.log.WithFields(logrus.Fields{"session_id": sess.ID, "timestamp": env.Timestamp}).Warn("out-of-order features dropped")
		return s.reject(sess, string(env.Type), env.Seq, utils.E(utils.CodeValidation, op, "timestamp earlier than previous message", nil))
	}

	ts := env.Time()
	if s.samples != nil {
		s.samples.Enqueue(models.StreamSample{
			SessionID:  sess.ID,
			UserID:     sess.UserID,
			StreamType: string(wire.TypeFeatures),
			Seq:        env.Seq,
			Timestamp:  ts,
			Features:   feats,
		})
	}

	reply := s.accepted(env)
	reply.Frame = s.submit(sess, classifier.Window{
		SessionID: sess.ID,
		UserID:    sess.UserID,
		Timestamp: ts,
		Features:  feats,
	})
	return reply
}

// submit hands a window to the session lane. A full lane drops the window
// and the device is told so; the message itself stays accepted.
func (s *Server) submit(sess *Session, w classifier.Window) *wire.ServerFrame {
	if sess.lane.submit(w) {
		s.queued.Add(1)
		return nil
	}
	if sess.Status() == models.SessionClosed {
		return nil
	}
	sess.dropped.Add(1)
	s.lost.Add(1)
	s.metrics.WindowDropped()
	s.log.WithFields(logrus.Fields{"session_id": sess.ID, "user_id": sess.UserID}).Warn("session lane full, window dropped")
	return &wire.ServerFrame{
		Type:    wire.FrameError,
		Code:    string(utils.CodeUnavailable),
		Message: "classification backlog full, window dropped",
	}
}

func (s *Server) accepted(env *wire.Envelope) Reply {
	s.metrics.MessageReceived(string(env.Type), "accepted")
	return Reply{AckSeq: env.Seq}
}

func (s *Server) reject(sess *Session, msgType string, seq uint64, err error) Reply {
	s.rejected.Add(1)
	sess.rejected.Add(1)
	s.metrics.MessageReceived(msgType, "rejected")
	s.log.WithFields(logrus.Fields{
		"session_id": sess.ID,
		"type":       msgType,
		"seq":        seq,
		"error":      err.Error(),
	}).Debug("message rejected")
	return Reply{Frame: &wire.ServerFrame{
		Type:    wire.FrameError,
		Code:    string(utils.CodeOf(err)),
		Message: utils.MessageOf(err),
		Seq:     seq,
	}}
}

func (s *Server) Stats() Stats {
	active, idle := s.registry.Counts()
	return Stats{
		ActiveConnections: s.conns.Load(),
		MaxConnections:    s.cfg.MaxConnections,
		MessagesReceived:  s.received.Load(),
		MessagesRejected:  s.rejected.Load(),
		Duplicates:        s.duplicates.Load(),
		WindowsQueued:     s.queued.Load(),
		WindowsDropped:    s.lost.Load(),
		ActiveSessions:    active,
		IdleSessions:      idle,
	}
}
