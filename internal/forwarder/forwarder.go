package forwarder

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/yoockh/cogload/internal/dsp"
	"github.com/yoockh/cogload/internal/utils"
	"github.com/yoockh/cogload/internal/wire"
)

type Config struct {
	URL         string           `yaml:"url"`
	APIKey      string           `yaml:"api_key"`
	UserID      string           `yaml:"user_id"`
	SessionID   string           `yaml:"session_id"`
	Encoding    wire.Encoding    `yaml:"encoding"`
	Compression wire.Compression `yaml:"compression"`

	QueueSize         int           `yaml:"queue_size"`   // default 10000
	MaxInflight       int           `yaml:"max_inflight"` // unacknowledged messages on the wire, default 512
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	DialTimeout       time.Duration `yaml:"dial_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	ReconnectInitial  time.Duration `yaml:"reconnect_initial"`
	ReconnectMax      time.Duration `yaml:"reconnect_max"`
	DrainRate         float64       `yaml:"drain_rate"` // backlog messages per second after reconnect
	DrainBurst        int           `yaml:"drain_burst"`

	Preprocess    bool           `yaml:"preprocess"`
	WindowSeconds float64        `yaml:"window_seconds"`
	DSP           dsp.Config     `yaml:"dsp"`
	StreamInfo    map[string]any `yaml:"stream_info"`
}

func (c *Config) setDefaults() {
	if c.Encoding == "" {
		c.Encoding = wire.EncodingJSON
	}
	if c.Compression == "" {
		c.Compression = wire.CompressionNone
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.MaxInflight <= 0 {
		c.MaxInflight = 512
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.ReconnectInitial <= 0 {
		c.ReconnectInitial = 500 * time.Millisecond
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 30 * time.Second
	}
	if c.DrainRate <= 0 {
		c.DrainRate = 1000
	}
	if c.DrainBurst <= 0 {
		c.DrainBurst = 50
	}
	if c.DSP.SampleRate <= 0 {
		c.DSP = dsp.DefaultConfig()
	}
}

type Stats struct {
	Connected    bool   `json:"connected"`
	SessionID    string `json:"session_id,omitempty"`
	Read         int64  `json:"read"`
	Sent         int64  `json:"sent"`
	Acked        uint64 `json:"acked_seq"`
	Buffered     int    `json:"buffered"`
	Dropped      int64  `json:"dropped"`
	Reconnects   int64  `json:"reconnects"`
	Rejected     int64  `json:"rejected"`
	SourceErrors int64  `json:"source_errors"`
}

// errExhausted ends Run once the source is drained and everything is acked.
var errExhausted = errors.New("source exhausted")

// Forwarder relays samples from a Source to the ingestion server over one
// persistent WebSocket. Messages stay queued until the server acknowledges
// them and are resent after a reconnect; the server discards sequence
// numbers it has already seen, so each message takes effect once.
type Forwarder struct {
	cfg    Config
	source Source
	pre    *Preprocessor
	queue  *Queue
	codec  *wire.Codec
	dialer *websocket.Dialer
	log    *logrus.Logger

	mu        sync.Mutex
	sessionID string

	acked     chan struct{}
	exhausted chan struct{}

	connected                                    atomic.Bool
	read, sent, reconnects, rejected, sourceErrs atomic.Int64
}

func New(cfg Config, src Source, log *logrus.Logger) (*Forwarder, error) {
	const op = "forwarder.New"

	cfg.setDefaults()
	if cfg.URL == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "url is required", nil)
	}
	if cfg.APIKey == "" || cfg.UserID == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "api_key and user_id are required", nil)
	}
	codec, err := wire.NewCodec(cfg.Encoding, cfg.Compression)
	if err != nil {
		return nil, utils.E(utils.CodeInternal, op, "codec init failed", err)
	}
	f := &Forwarder{
		cfg:       cfg,
		source:    src,
		queue:     NewQueue(cfg.QueueSize),
		codec:     codec,
		dialer:    &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
		log:       log,
		sessionID: cfg.SessionID,
		acked:     make(chan struct{}, 1),
		exhausted: make(chan struct{}),
	}
	if cfg.Preprocess {
		f.pre = NewPreprocessor(cfg.DSP, cfg.WindowSeconds)
	}
	return f, nil
}

func (f *Forwarder) Queue() *Queue { return f.queue }

func (f *Forwarder) SessionID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessionID
}

func (f *Forwarder) setSessionID(id string) {
	f.mu.Lock()
	f.sessionID = id
	f.mu.Unlock()
}

func (f *Forwarder) Stats() Stats {
	return Stats{
		Connected:    f.connected.Load(),
		SessionID:    f.SessionID(),
		Read:         f.read.Load(),
		Sent:         f.sent.Load(),
		Acked:        f.queue.Acked(),
		Buffered:     f.queue.Len(),
		Dropped:      f.queue.Dropped(),
		Reconnects:   f.reconnects.Load(),
		Rejected:     f.rejected.Load(),
		SourceErrors: f.sourceErrs.Load(),
	}
}

// Run reads the source and forwards until ctx ends, or until the source is
// exhausted and every queued message has been acknowledged. Transport
// failures never stop the read side.
func (f *Forwarder) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return f.readLoop(gctx) })
	g.Go(func() error { return f.sendLoop(gctx) })

	err := g.Wait()
	if errors.Is(err, errExhausted) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (f *Forwarder) readLoop(ctx context.Context) error {
	for {
		s, err := f.source.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				f.log.Info("source exhausted")
				close(f.exhausted)
				return nil
			}
			f.sourceErrs.Add(1)
			f.log.WithError(err).Warn("source read failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		f.read.Add(1)

		if f.pre == nil {
			f.queue.Put(wire.Envelope{
				Type:      wire.TypeRawSample,
				Timestamp: wire.Unix(s.Timestamp),
				UserID:    f.cfg.UserID,
				Data:      s.Channels,
			})
			continue
		}

		feats, ts, ok, err := f.pre.Add(s)
		if err != nil {
			f.log.WithError(err).Warn("feature extraction failed, window skipped")
			continue
		}
		if ok {
			f.queue.Put(wire.Envelope{
				Type:      wire.TypeFeatures,
				Timestamp: wire.Unix(ts),
				UserID:    f.cfg.UserID,
				Data:      feats,
			})
		}
	}
}

func (f *Forwarder) sendLoop(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = f.cfg.ReconnectInitial
	bo.MaxInterval = f.cfg.ReconnectMax
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.5

	for {
		conn, err := f.dial(ctx)
		if err == nil {
			bo.Reset()
			err = f.serve(ctx, conn)
			if errors.Is(err, errExhausted) {
				return err
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.reconnects.Add(1)
		wait := bo.NextBackOff()
		f.log.WithFields(logrus.Fields{
			"error":    err.Error(),
			"retry_in": wait.String(),
			"buffered": f.queue.Len(),
		}).Warn("connection lost, reconnecting")

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (f *Forwarder) dial(ctx context.Context) (*websocket.Conn, error) {
	const op = "Forwarder.dial"

	h := http.Header{}
	h.Set(wire.HeaderAPIKey, f.cfg.APIKey)
	h.Set(wire.HeaderUserID, f.cfg.UserID)
	if id := f.SessionID(); id != "" {
		h.Set(wire.HeaderSessionID, id)
	}
	h.Set(wire.HeaderEncoding, string(f.cfg.Encoding))
	h.Set(wire.HeaderCompression, string(f.cfg.Compression))

	conn, resp, err := f.dialer.DialContext(ctx, f.cfg.URL, h)
	if err != nil {
		if resp != nil {
			return nil, utils.E(utils.CodeTransport, op, "dial rejected: "+resp.Status, err)
		}
		return nil, utils.E(utils.CodeTransport, op, "dial failed", err)
	}
	return conn, nil
}

// serve runs one connection until it fails. The reader goroutine applies
// acks; serve only returns after the reader is gone, so the resend point
// for the next connection is final.
func (f *Forwarder) serve(ctx context.Context, conn *websocket.Conn) error {
	const op = "Forwarder.serve"

	cctx, cancel := context.WithCancel(ctx)
	readerDone := make(chan struct{})
	var readErr error
	go func() {
		defer close(readerDone)
		defer cancel()
		readErr = f.readFrames(conn)
	}()
	// prefers the reader error once the reader has finished
	closed := func(cause error) error {
		select {
		case <-readerDone:
			if readErr != nil {
				return readErr
			}
		default:
		}
		return utils.E(utils.CodeTransport, op, "connection closed", cause)
	}

	f.connected.Store(true)
	defer func() {
		f.connected.Store(false)
		cancel()
		_ = conn.Close()
		<-readerDone
	}()

	if err := f.write(conn, &wire.Envelope{
		Type:       wire.TypeHandshake,
		Timestamp:  wire.Unix(time.Now()),
		UserID:     f.cfg.UserID,
		StreamInfo: f.cfg.StreamInfo,
	}); err != nil {
		return err
	}

	// everything not yet acknowledged goes out again, paced
	sentSeq := f.queue.Acked()
	backlogEnd := f.queue.LastSeq()
	limiter := rate.NewLimiter(rate.Limit(f.cfg.DrainRate), f.cfg.DrainBurst)
	if backlogEnd > sentSeq {
		f.log.WithFields(logrus.Fields{"backlog": f.queue.Len()}).Info("connected, draining backlog")
	} else {
		f.log.Info("connected")
	}

	hb := time.NewTicker(f.cfg.HeartbeatInterval)
	defer hb.Stop()
	exhausted := f.exhausted

	for {
		if sentSeq-f.queue.Acked() < uint64(f.cfg.MaxInflight) {
			if e, ok := f.queue.NextAfter(sentSeq); ok {
				if e.Seq <= backlogEnd {
					if err := limiter.Wait(cctx); err != nil {
						return closed(err)
					}
				}
				if err := f.write(conn, &e); err != nil {
					return err
				}
				sentSeq = e.Seq
				f.sent.Add(1)
				continue
			}
		}
		if exhausted == nil && f.queue.Len() == 0 {
			return errExhausted
		}

		select {
		case <-cctx.Done():
			return closed(cctx.Err())
		case <-f.queue.Ready():
		case <-f.acked:
		case <-exhausted:
			exhausted = nil
		case <-hb.C:
			if err := f.write(conn, &wire.Envelope{
				Type:      wire.TypeHeartbeat,
				Timestamp: wire.Unix(time.Now()),
				UserID:    f.cfg.UserID,
			}); err != nil {
				return err
			}
		}
	}
}

func (f *Forwarder) write(conn *websocket.Conn, e *wire.Envelope) error {
	const op = "Forwarder.write"

	data, binary, err := f.codec.Marshal(e)
	if err != nil {
		return utils.E(utils.CodeInternal, op, "encode failed", err)
	}
	mt := websocket.TextMessage
	if binary {
		mt = websocket.BinaryMessage
	}
	_ = conn.SetWriteDeadline(time.Now().Add(f.cfg.WriteTimeout))
	if err := conn.WriteMessage(mt, data); err != nil {
		return utils.E(utils.CodeTransport, op, "write failed", err)
	}
	return nil
}

// readFrames consumes server frames until the connection fails.
func (f *Forwarder) readFrames(conn *websocket.Conn) error {
	const op = "Forwarder.readFrames"

	_ = conn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(f.cfg.WriteTimeout))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return utils.E(utils.CodeTransport, op, "read failed", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout))

		var fr wire.ServerFrame
		if err := json.Unmarshal(data, &fr); err != nil {
			f.log.WithError(err).Debug("unparseable server frame")
			continue
		}

		switch fr.Type {
		case wire.FrameAuthenticated:
			if fr.SessionID != "" {
				f.setSessionID(fr.SessionID)
			}
			f.log.WithFields(logrus.Fields{"session_id": fr.SessionID, "resumed": fr.Resumed}).Info("authenticated")
		case wire.FrameAck:
			f.ack(fr.Seq)
		case wire.FrameError:
			if fr.Seq > 0 {
				// a rejected message is settled; resending it would fail again
				f.rejected.Add(1)
				f.ack(fr.Seq)
			}
			f.log.WithFields(logrus.Fields{"code": fr.Code, "seq": fr.Seq}).Warn(fr.Message)
		case wire.FrameSessionEnded:
			f.log.WithField("session_id", fr.SessionID).Info("session ended by server")
			f.setSessionID("")
		case wire.FrameHeartbeatAck:
		}
	}
}

func (f *Forwarder) ack(seq uint64) {
	f.queue.AckThrough(seq)
	select {
	case f.acked <- struct{}{}:
	default:
	}
}
