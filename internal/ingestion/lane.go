package ingestion

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yoockh/cogload/internal/buffer"
	"github.com/yoockh/cogload/internal/classifier"
	"github.com/yoockh/cogload/internal/metrics"
	"github.com/yoockh/cogload/internal/models"
	"github.com/yoockh/cogload/internal/publisher"
)

const (
	DefaultLaneSize = 16
	publishTimeout  = 2 * time.Second
)

type Classifier interface {
	Classify(ctx context.Context, w classifier.Window) (models.ClassificationResult, error)
}

// Enqueuer is the write side of a batch persistence engine.
type Enqueuer[T any] interface {
	Enqueue(rec T)
}

// Pipeline is what a lane does with one window: classify, push to the ring,
// hand to persistence, publish live.
type Pipeline struct {
	Router    Classifier
	Buffers   *buffer.Manager
	Results   Enqueuer[models.ClassificationResult] // optional
	Publisher publisher.Publisher                   // optional
	Log       *logrus.Logger
	Metrics   *metrics.Metrics
}

func (p *Pipeline) process(ctx context.Context, w classifier.Window) {
	res, err := p.Router.Classify(ctx, w)
	if err != nil {
		p.Log.WithFields(logrus.Fields{
			"session_id": w.SessionID,
			"user_id":    w.UserID,
			"outcome":    res.Outcome,
			"error":      err.Error(),
		}).Error("classification failed, window discarded")
		return
	}

	p.Buffers.Push(w.SessionID, res)
	if p.Results != nil {
		p.Results.Enqueue(res)
	}
	if p.Publisher != nil {
		pctx, cancel := context.WithTimeout(ctx, publishTimeout)
		err := p.Publisher.Publish(pctx, res)
		cancel()
		p.Metrics.Published(err == nil)
		if err != nil {
			p.Log.WithFields(logrus.Fields{"session_id": w.SessionID, "error": err.Error()}).
				Debug("live publish failed")
		}
	}
}

// lane serialises classification for one session so results reach the ring
// in arrival order. submit never blocks.
type lane struct {
	mu     sync.RWMutex
	closed bool
	ch     chan classifier.Window
	done   chan struct{}
}

func newLane(ctx context.Context, size int, p *Pipeline) *lane {
	if size <= 0 {
		size = DefaultLaneSize
	}
	l := &lane{
		ch:   make(chan classifier.Window, size),
		done: make(chan struct{}),
	}
	go func() {
		defer close(l.done)
		for w := range l.ch {
			p.process(ctx, w)
		}
	}()
	return l
}

// submit reports false when the lane is full or closed.
func (l *lane) submit(w classifier.Window) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return false
	}
	select {
	case l.ch <- w:
		return true
	default:
		return false
	}
}

func (l *lane) depth() int { return len(l.ch) }

// close stops intake and waits for queued windows to finish.
func (l *lane) close() {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.ch)
	}
	l.mu.Unlock()
	<-l.done
}
