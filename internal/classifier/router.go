package classifier

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yoockh/cogload/internal/metrics"
	"github.com/yoockh/cogload/internal/models"
	"github.com/yoockh/cogload/internal/utils"
)

const DefaultTimeout = 5 * time.Second

type RouterStats struct {
	Requests          int64 `json:"requests"`
	InFlight          int64 `json:"in_flight"`
	Succeeded         int64 `json:"succeeded"`
	FallbackSucceeded int64 `json:"fallback_succeeded"`
	Failed            int64 `json:"failed"`
}

type active struct{ c Classifier }

// Router dispatches windows to the active backend and falls back to a
// deterministic backend when it errors or overruns the timeout.
type Router struct {
	log      *logrus.Logger
	metrics  *metrics.Metrics
	timeout  time.Duration
	fallback Classifier

	mu       sync.RWMutex
	backends map[string]Classifier
	active   atomic.Pointer[active]

	requests, inflight, succeeded, fellBack, failed atomic.Int64
}

// NewRouter registers fallback and makes it the active backend.
func NewRouter(fallback Classifier, timeout time.Duration, log *logrus.Logger, m *metrics.Metrics) *Router {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	r := &Router{
		log:      log,
		metrics:  m,
		timeout:  timeout,
		fallback: fallback,
		backends: map[string]Classifier{fallback.Name(): fallback},
	}
	r.active.Store(&active{c: fallback})
	return r
}

func (r *Router) Register(c Classifier) {
	r.mu.Lock()
	r.backends[c.Name()] = c
	r.mu.Unlock()
}

// SetActive swaps the primary backend. Requests already running keep the
// backend they started with.
func (r *Router) SetActive(name string) error {
	const op = "Router.SetActive"
	r.mu.RLock()
	c, ok := r.backends[name]
	r.mu.RUnlock()
	if !ok {
		return utils.E(utils.CodeNotFound, op, "unknown classifier "+name, nil)
	}
	prev := r.active.Swap(&active{c: c})
	r.log.WithFields(logrus.Fields{"from": prev.c.Name(), "to": name}).Info("active classifier changed")
	return nil
}

func (r *Router) Active() Classifier { return r.active.Load().c }

func (r *Router) List() []BackendInfo {
	cur := r.Active().Name()
	r.mu.RLock()
	out := make([]BackendInfo, 0, len(r.backends))
	for name, c := range r.backends {
		out = append(out, BackendInfo{
			Name:     name,
			Version:  c.Version(),
			Kind:     kindOf(c),
			Active:   name == cur,
			Fallback: name == r.fallback.Name(),
		})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Router) Stats() RouterStats {
	return RouterStats{
		Requests:          r.requests.Load(),
		InFlight:          r.inflight.Load(),
		Succeeded:         r.succeeded.Load(),
		FallbackSucceeded: r.fellBack.Load(),
		Failed:            r.failed.Load(),
	}
}

type reply struct {
	res Result
	err error
}

// Classify runs one request through PENDING -> IN_PROGRESS -> SUCCEEDED,
// FALLBACK_SUCCEEDED or FAILED. The returned result carries the outcome;
// a FAILED request also returns an error.
func (r *Router) Classify(ctx context.Context, w Window) (models.ClassificationResult, error) {
	const op = "Router.Classify"

	start := time.Now()
	primary := r.Active()
	out := models.ClassificationResult{
		SessionID: w.SessionID,
		UserID:    w.UserID,
		Timestamp: w.Timestamp,
		Outcome:   models.OutcomePending,
	}
	r.requests.Add(1)
	r.inflight.Add(1)
	defer r.inflight.Add(-1)

	out.Outcome = models.OutcomeInProgress
	res, err := r.invoke(ctx, primary, w)
	used := primary
	if err == nil {
		out.Outcome = models.OutcomeSucceeded
	} else {
		fields := logrus.Fields{
			"session_id": w.SessionID,
			"classifier": primary.Name(),
			"error":      err.Error(),
		}
		if primary.Name() == r.fallback.Name() {
			r.log.WithFields(fields).Error("fallback classifier failed")
			return r.fail(out, primary, start, utils.E(utils.CodeClassification, op, "fallback classifier failed", err))
		}
		r.log.WithFields(fields).Warn("primary classifier failed, using fallback")

		used = r.fallback
		res, err = r.fallback.Classify(ctx, w)
		if err != nil {
			r.log.WithFields(logrus.Fields{"session_id": w.SessionID, "classifier": used.Name(), "error": err.Error()}).
				Error("fallback classifier failed")
			return r.fail(out, used, start, utils.E(utils.CodeClassification, op, "fallback classifier failed", err))
		}
		out.Outcome = models.OutcomeFallbackSucceeded
	}

	out.Workload = clamp01(res.Workload)
	out.Confidence = clamp01(res.Confidence)
	out.Features = res.Features
	out.Classifier = used.Name()
	out.ClassifierVersion = used.Version()
	elapsed := time.Since(start)
	out.ProcessingMS = float64(elapsed.Microseconds()) / 1000

	if out.Outcome == models.OutcomeSucceeded {
		r.succeeded.Add(1)
	} else {
		r.fellBack.Add(1)
	}
	r.metrics.ObserveClassification(used.Name(), string(out.Outcome), elapsed)
	return out, nil
}

// invoke runs c in its own goroutine bounded by the router timeout. A result
// that arrives after the deadline is discarded.
func (r *Router) invoke(ctx context.Context, c Classifier, w Window) (Result, error) {
	const op = "Router.invoke"

	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	ch := make(chan reply, 1)
	go func() {
		res, err := c.Classify(cctx, w)
		ch <- reply{res: res, err: err}
	}()

	select {
	case rep := <-ch:
		return rep.res, rep.err
	case <-cctx.Done():
		return Result{}, utils.E(utils.CodeClassificationTimeout, op, "classifier "+c.Name()+" timed out", cctx.Err())
	}
}

func (r *Router) fail(out models.ClassificationResult, used Classifier, start time.Time, err error) (models.ClassificationResult, error) {
	out.Outcome = models.OutcomeFailed
	out.Classifier = used.Name()
	r.failed.Add(1)
	r.metrics.ObserveClassification(used.Name(), string(out.Outcome), time.Since(start))
	return out, err
}
