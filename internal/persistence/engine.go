package persistence

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"

	"github.com/yoockh/cogload/internal/metrics"
	"github.com/yoockh/cogload/internal/utils"
)

// Writer persists one batch atomically: all records or none.
type Writer[T any] interface {
	WriteBatch(ctx context.Context, batch []T) error
}

// LossHandler receives batches that could not be written after all retries.
type LossHandler[T any] interface {
	HandleLoss(ctx context.Context, batch []T, cause error)
}

type Config struct {
	Name           string
	BatchSize      int           // size trigger, default 50
	FlushInterval  time.Duration // time trigger, default 5s
	MaxAttempts    int           // default 5
	InitialBackoff time.Duration // default 200ms
	MaxBackoff     time.Duration // default 2s
	WriteTimeout   time.Duration // per attempt, default 10s
}

func (c *Config) setDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 200 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 2 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
}

type Stats struct {
	Name     string `json:"name"`
	Pending  int    `json:"pending"`
	Enqueued int64  `json:"enqueued"`
	Written  int64  `json:"written"`
	Dropped  int64  `json:"dropped"`
	Flushes  int64  `json:"flushes"`
	Failures int64  `json:"failures"`
}

// Engine accumulates records off the hot path and writes them in batches,
// whichever comes first of BatchSize records or FlushInterval since the
// previous flush. Enqueue never waits on I/O.
type Engine[T any] struct {
	cfg     Config
	writer  Writer[T]
	loss    LossHandler[T]
	log     *logrus.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	pending []T

	flushMu sync.Mutex // one flush at a time
	kick    chan struct{}
	stopCh  chan struct{}
	done    chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once

	enqueued, written, dropped, flushes, failures atomic.Int64
}

func NewEngine[T any](cfg Config, w Writer[T], log *logrus.Logger, m *metrics.Metrics) *Engine[T] {
	cfg.setDefaults()
	return &Engine[T]{
		cfg:     cfg,
		writer:  w,
		log:     log,
		metrics: m,
		pending: make([]T, 0, cfg.BatchSize),
		kick:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// SetLossHandler must be called before Start.
func (e *Engine[T]) SetLossHandler(h LossHandler[T]) { e.loss = h }

func (e *Engine[T]) Start() {
	e.startOnce.Do(func() { go e.loop() })
}

func (e *Engine[T]) Enqueue(rec T) {
	e.mu.Lock()
	e.pending = append(e.pending, rec)
	n := len(e.pending)
	e.mu.Unlock()

	e.enqueued.Add(1)
	e.metrics.SetPending(e.cfg.Name, n)
	if n >= e.cfg.BatchSize {
		select {
		case e.kick <- struct{}{}:
		default:
		}
	}
}

func (e *Engine[T]) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

func (e *Engine[T]) Stats() Stats {
	return Stats{
		Name:     e.cfg.Name,
		Pending:  e.Pending(),
		Enqueued: e.enqueued.Load(),
		Written:  e.written.Load(),
		Dropped:  e.dropped.Load(),
		Flushes:  e.flushes.Load(),
		Failures: e.failures.Load(),
	}
}

// Stop ends the flush loop and writes whatever is still pending. ctx bounds
// the final flush including its retries.
func (e *Engine[T]) Stop(ctx context.Context) error {
	var err error
	e.stopOnce.Do(func() {
		close(e.stopCh)
		e.startOnce.Do(func() { close(e.done) })
		<-e.done
		err = e.Flush(ctx)
	})
	return err
}

func (e *Engine[T]) loop() {
	defer close(e.done)

	timer := time.NewTimer(e.cfg.FlushInterval)
	defer timer.Stop()

	reset := func() {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(e.cfg.FlushInterval)
	}

	ctx := context.Background()
	for {
		select {
		case <-e.stopCh:
			return
		case <-e.kick:
			_ = e.Flush(ctx)
			reset()
		case <-timer.C:
			_ = e.Flush(ctx)
			timer.Reset(e.cfg.FlushInterval)
		}
	}
}

// Flush writes the current batch now. Records enqueued while it runs go to
// the next batch. A backlog larger than BatchSize is written in BatchSize
// chunks, each as its own atomic write.
func (e *Engine[T]) Flush(ctx context.Context) error {
	e.flushMu.Lock()
	defer e.flushMu.Unlock()

	e.mu.Lock()
	batch := e.pending
	e.pending = make([]T, 0, e.cfg.BatchSize)
	e.mu.Unlock()
	e.metrics.SetPending(e.cfg.Name, 0)

	var firstErr error
	for len(batch) > 0 {
		n := min(len(batch), e.cfg.BatchSize)
		if err := e.write(ctx, batch[:n]); err != nil && firstErr == nil {
			firstErr = err
		}
		batch = batch[n:]
	}
	return firstErr
}

func (e *Engine[T]) write(ctx context.Context, batch []T) error {
	const op = "Engine.write"

	start := time.Now()
	e.flushes.Add(1)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.cfg.InitialBackoff
	bo.MaxInterval = e.cfg.MaxBackoff
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.2

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		actx, cancel := context.WithTimeout(ctx, e.cfg.WriteTimeout)
		defer cancel()
		return struct{}{}, e.writer.WriteBatch(actx, batch)
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(e.cfg.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			e.failures.Add(1)
			e.log.WithFields(logrus.Fields{
				"engine":     e.cfg.Name,
				"batch_size": len(batch),
				"attempt":    attempt,
				"retry_in":   next.String(),
				"error":      err.Error(),
			}).Warn("batch write failed, retrying")
		}),
	)
	if err == nil {
		e.written.Add(int64(len(batch)))
		e.metrics.BatchFlushed(e.cfg.Name, len(batch), time.Since(start))
		e.log.WithFields(logrus.Fields{"engine": e.cfg.Name, "batch_size": len(batch)}).Debug("batch flushed")
		return nil
	}

	e.failures.Add(1)
	e.dropped.Add(int64(len(batch)))
	e.metrics.RecordsDropped(e.cfg.Name, len(batch))
	e.log.WithFields(logrus.Fields{
		"engine":     e.cfg.Name,
		"batch_size": len(batch),
		"attempts":   attempt,
		"error":      err.Error(),
	}).Error("batch dropped after retries")

	if e.loss != nil {
		e.loss.HandleLoss(ctx, batch, err)
	}
	return utils.E(utils.CodePersistence, op, "batch dropped", err)
}
