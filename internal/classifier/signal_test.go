package classifier

import (
	"context"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yoockh/cogload/internal/dsp"
	"github.com/yoockh/cogload/internal/utils"
)

func rawWindow(channels, samples int) Window {
	data := make([][]float64, channels)
	for ch := range data {
		data[ch] = make([]float64, samples)
		for i := range data[ch] {
			data[ch][i] = math.Sin(2*math.Pi*6*float64(i)/250) + 0.5*math.Sin(2*math.Pi*11*float64(i)/250)
		}
	}
	return Window{SessionID: "s1", UserID: "u1", Timestamp: time.Unix(1700000000, 0), SampleRate: 250, Channels: data}
}

func TestSignalClassifierRawWindow(t *testing.T) {
	c := NewSignalClassifier("", "", dsp.DefaultConfig())
	res, err := c.Classify(context.Background(), rawWindow(7, 1000))
	require.NoError(t, err)

	assert.GreaterOrEqual(t, res.Workload, 0.0)
	assert.LessOrEqual(t, res.Workload, 1.0)
	assert.Equal(t, 1.0, res.Confidence)
	assert.Contains(t, res.Features, dsp.WorkloadIndex)
}

func TestSignalClassifierIsDeterministic(t *testing.T) {
	c := NewSignalClassifier("", "", dsp.DefaultConfig())
	a, err := c.Classify(context.Background(), featureWindow())
	require.NoError(t, err)
	b, err := c.Classify(context.Background(), featureWindow())
	require.NoError(t, err)
	assert.Equal(t, a.Workload, b.Workload)
}

func TestSignalClassifierRejectsShortChannelSet(t *testing.T) {
	c := NewSignalClassifier("", "", dsp.DefaultConfig())
	_, err := c.Classify(context.Background(), rawWindow(2, 500))
	assert.True(t, utils.IsCode(err, utils.CodeClassification))
}

func TestRemoteClassifierRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"prediction": 0.42, "confidence": 0.9}`))
	}))
	defer srv.Close()

	c := NewRemoteClassifier(RemoteConfig{Name: "model", Endpoint: srv.URL, Attempts: 3, Delay: time.Millisecond}, srv.Client())
	res, err := c.Classify(context.Background(), featureWindow())
	require.NoError(t, err)
	assert.Equal(t, 0.42, res.Workload)
	assert.Equal(t, 0.9, res.Confidence)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRemoteClassifierGivesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewRemoteClassifier(RemoteConfig{Endpoint: srv.URL, Attempts: 3, Delay: time.Millisecond}, srv.Client())
	_, err := c.Classify(context.Background(), featureWindow())
	require.Error(t, err)
	assert.True(t, utils.IsCode(err, utils.CodeClassification))
	assert.Equal(t, int32(1), calls.Load(), "client errors are not retried")
}
