package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/yoockh/cogload/internal/ingestion"
	"github.com/yoockh/cogload/internal/utils"
	"github.com/yoockh/cogload/internal/wire"
)

const (
	writeWait  = 10 * time.Second
	readWait   = 60 * time.Second
	pingPeriod = readWait * 9 / 10

	ackBatch    = 32
	ackInterval = 100 * time.Millisecond
)

type WSHandler struct {
	srv      *ingestion.Server
	log      *logrus.Logger
	upgrader websocket.Upgrader
}

func NewWSHandler(srv *ingestion.Server, log *logrus.Logger) *WSHandler {
	return &WSHandler{
		srv: srv,
		log: log,
		upgrader: websocket.Upgrader{
			// devices authenticate with an API key, not cookies
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

type wsConn struct {
	c  *websocket.Conn
	mu sync.Mutex
}

func (w *wsConn) writeFrame(f *wire.ServerFrame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.c.SetWriteDeadline(time.Now().Add(writeWait))
	return w.c.WriteMessage(websocket.TextMessage, b)
}

func (w *wsConn) ping() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.c.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (w *wsConn) close(code int, reason string) {
	w.mu.Lock()
	_ = w.c.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	w.mu.Unlock()
	_ = w.c.Close()
}

// acker folds accepted sequence numbers into cumulative ack frames.
type acker struct {
	wc      *wsConn
	mu      sync.Mutex
	max     uint64
	pending int
}

func (a *acker) note(seq uint64) error {
	a.mu.Lock()
	if seq > a.max {
		a.max = seq
	}
	a.pending++
	full := a.pending >= ackBatch
	a.mu.Unlock()
	if full {
		return a.flush()
	}
	return nil
}

func (a *acker) flush() error {
	a.mu.Lock()
	if a.pending == 0 {
		a.mu.Unlock()
		return nil
	}
	seq := a.max
	a.pending = 0
	a.mu.Unlock()
	return a.wc.writeFrame(&wire.ServerFrame{Type: wire.FrameAck, Seq: seq})
}

func credentialsFromHeaders(h http.Header) ingestion.Credentials {
	return ingestion.Credentials{
		APIKey:      h.Get(wire.HeaderAPIKey),
		UserID:      h.Get(wire.HeaderUserID),
		SessionID:   h.Get(wire.HeaderSessionID),
		Encoding:    h.Get(wire.HeaderEncoding),
		Compression: h.Get(wire.HeaderCompression),
	}
}

// Ingest serves one device stream on /ws/ingest.
func (h *WSHandler) Ingest(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// upgrade already wrote response
		return
	}
	wc := &wsConn{c: conn}

	if !h.srv.TryAcquire() {
		h.log.WithField("ip", c.ClientIP()).Warn("connection refused: server at capacity")
		wc.close(websocket.CloseTryAgainLater, "server at capacity")
		return
	}
	defer h.srv.ReleaseSlot()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	cred := credentialsFromHeaders(c.Request.Header)
	if cred.Empty() {
		cred, err = h.readAuthFrame(conn)
		if err != nil {
			h.log.WithFields(logrus.Fields{"ip": c.ClientIP(), "error": err.Error()}).Warn("stream auth failed")
			wc.close(websocket.ClosePolicyViolation, utils.MessageOf(err))
			return
		}
	}

	ic, err := h.srv.Connect(ctx, cred)
	if err != nil {
		h.log.WithFields(logrus.Fields{"ip": c.ClientIP(), "user_id": cred.UserID, "error": err.Error()}).Warn("stream connect rejected")
		code := websocket.ClosePolicyViolation
		switch {
		case utils.IsCode(err, utils.CodeUnavailable):
			code = websocket.CloseGoingAway
		case utils.HTTPStatus(err) >= http.StatusInternalServerError:
			code = websocket.CloseInternalServerErr
		}
		wc.close(code, utils.MessageOf(err))
		return
	}
	defer h.srv.Disconnect(ic)

	if err := wc.writeFrame(ic.Authenticated()); err != nil {
		_ = conn.Close()
		return
	}

	ack := &acker{wc: wc}
	tickDone := make(chan struct{})
	go func() {
		defer close(tickDone)
		acks := time.NewTicker(ackInterval)
		pings := time.NewTicker(pingPeriod)
		defer acks.Stop()
		defer pings.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-acks.C:
				if err := ack.flush(); err != nil {
					_ = conn.Close()
					return
				}
			case <-pings.C:
				if err := wc.ping(); err != nil {
					_ = conn.Close()
					return
				}
			}
		}
	}()
	defer func() {
		cancel()
		<-tickDone
	}()

	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		mt, data, rerr := conn.ReadMessage()
		if rerr != nil {
			if websocket.IsUnexpectedCloseError(rerr, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.WithFields(logrus.Fields{"session_id": ic.Session.ID, "error": rerr.Error()}).Info("stream read ended")
			}
			_ = ack.flush()
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWait))

		reply := h.srv.HandleFrame(ctx, ic, mt == websocket.BinaryMessage, data)
		if reply.AckSeq > 0 {
			if err := ack.note(reply.AckSeq); err != nil {
				return
			}
		}
		if reply.Frame != nil {
			// keep acks ordered ahead of the frame that follows them
			if err := ack.flush(); err != nil {
				return
			}
			if err := wc.writeFrame(reply.Frame); err != nil {
				return
			}
		}
		if reply.Close {
			wc.close(websocket.CloseNormalClosure, "session ended")
			return
		}
	}
}

func (h *WSHandler) readAuthFrame(conn *websocket.Conn) (ingestion.Credentials, error) {
	const op = "WSHandler.readAuthFrame"

	_ = conn.SetReadDeadline(time.Now().Add(h.srv.Config().AuthTimeout))
	mt, data, err := conn.ReadMessage()
	if err != nil {
		return ingestion.Credentials{}, utils.E(utils.CodeUnauthorized, op, "no auth frame received", err)
	}
	return h.srv.DecodeAuth(data, mt == websocket.BinaryMessage)
}
