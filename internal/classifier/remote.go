package classifier

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/goccy/go-json"

	"github.com/yoockh/cogload/internal/dsp"
	"github.com/yoockh/cogload/internal/utils"
)

type RemoteConfig struct {
	Name     string
	Version  string
	Endpoint string
	Attempts int           // default 3
	Delay    time.Duration // between attempts, default 100ms
	DSP      dsp.Config    // used to reduce raw windows before the call
}

// RemoteClassifier posts a feature map to an HTTP model server and expects
// {"prediction": float, "confidence": float} back.
type RemoteClassifier struct {
	cfg    RemoteConfig
	client *http.Client
}

type remoteRequest struct {
	Features  map[string]float64 `json:"features"`
	SessionID string             `json:"session_id,omitempty"`
	Timestamp float64            `json:"timestamp,omitempty"`
}

type remoteResponse struct {
	Prediction *float64 `json:"prediction"`
	Confidence *float64 `json:"confidence"`
}

func NewRemoteClassifier(cfg RemoteConfig, client *http.Client) *RemoteClassifier {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.Delay <= 0 {
		cfg.Delay = 100 * time.Millisecond
	}
	if cfg.Name == "" {
		cfg.Name = "remote"
	}
	if client == nil {
		client = &http.Client{}
	}
	return &RemoteClassifier{cfg: cfg, client: client}
}

func (c *RemoteClassifier) Name() string    { return c.cfg.Name }
func (c *RemoteClassifier) Version() string { return c.cfg.Version }
func (c *RemoteClassifier) Kind() string    { return "remote" }

func (c *RemoteClassifier) Classify(ctx context.Context, w Window) (Result, error) {
	const op = "RemoteClassifier.Classify"

	feats := w.Features
	if w.IsRaw() {
		cfg := c.cfg.DSP
		if w.SampleRate > 0 {
			cfg.SampleRate = w.SampleRate
		}
		f, err := dsp.ExtractFeatures(w.Channels, cfg)
		if err != nil {
			return Result{}, utils.E(utils.CodeClassification, op, "feature extraction failed", err)
		}
		feats = f
	}
	body, err := json.Marshal(remoteRequest{Features: feats, SessionID: w.SessionID, Timestamp: float64(w.Timestamp.UnixNano()) / 1e9})
	if err != nil {
		return Result{}, utils.E(utils.CodeClassification, op, "encode request", err)
	}

	resp, err := backoff.Retry(ctx, func() (remoteResponse, error) {
		return c.call(ctx, body)
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(c.cfg.Delay)),
		backoff.WithMaxTries(uint(c.cfg.Attempts)),
	)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, utils.E(utils.CodeClassificationTimeout, op, "remote classifier timed out", err)
		}
		return Result{}, utils.E(utils.CodeClassification, op, "remote classifier failed", err)
	}

	conf := 1.0
	if resp.Confidence != nil {
		conf = clamp01(*resp.Confidence)
	}
	return Result{Workload: clamp01(*resp.Prediction), Confidence: conf, Features: feats}, nil
}

func (c *RemoteClassifier) call(ctx context.Context, body []byte) (remoteResponse, error) {
	var out remoteResponse

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return out, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return out, err
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return out, err
	}
	if res.StatusCode >= 500 {
		return out, fmt.Errorf("remote status %d", res.StatusCode)
	}
	if res.StatusCode >= 300 {
		return out, backoff.Permanent(fmt.Errorf("remote status %d: %s", res.StatusCode, bytes.TrimSpace(raw)))
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, backoff.Permanent(fmt.Errorf("decode response: %w", err))
	}
	if out.Prediction == nil {
		return out, backoff.Permanent(fmt.Errorf("response has no prediction"))
	}
	return out, nil
}
