package persistence

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yoockh/cogload/internal/logger"
	"github.com/yoockh/cogload/internal/utils"
)

type recordingWriter struct {
	mu       sync.Mutex
	batches  [][]int
	failFor  int // fail this many calls before succeeding; -1 always fails
	attempts int
}

func (w *recordingWriter) WriteBatch(_ context.Context, batch []int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.attempts++
	if w.failFor < 0 || w.attempts <= w.failFor {
		return errors.New("store unavailable")
	}
	w.batches = append(w.batches, append([]int(nil), batch...))
	return nil
}

func (w *recordingWriter) snapshot() ([][]int, int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([][]int(nil), w.batches...), w.attempts
}

type lossRecorder struct {
	mu    sync.Mutex
	lost  []int
	cause error
}

func (l *lossRecorder) HandleLoss(_ context.Context, batch []int, cause error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lost = append(l.lost, batch...)
	l.cause = cause
}

func fastConfig(size int, interval time.Duration) Config {
	return Config{
		Name:           "test",
		BatchSize:      size,
		FlushInterval:  interval,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}
}

func TestSizeTriggerFlushesBeforeInterval(t *testing.T) {
	w := &recordingWriter{}
	e := NewEngine[int](fastConfig(3, time.Hour), w, logger.Discard(), nil)
	e.Start()
	defer e.Stop(context.Background())

	for i := 0; i < 3; i++ {
		e.Enqueue(i)
	}

	require.Eventually(t, func() bool {
		b, _ := w.snapshot()
		return len(b) == 1
	}, 2*time.Second, 5*time.Millisecond)
	b, _ := w.snapshot()
	assert.Equal(t, []int{0, 1, 2}, b[0])
}

func TestIntervalFlushesSmallBatch(t *testing.T) {
	w := &recordingWriter{}
	e := NewEngine[int](fastConfig(50, 30*time.Millisecond), w, logger.Discard(), nil)
	e.Start()
	defer e.Stop(context.Background())

	e.Enqueue(42)

	require.Eventually(t, func() bool {
		b, _ := w.snapshot()
		return len(b) == 1
	}, 2*time.Second, 5*time.Millisecond)
	b, _ := w.snapshot()
	assert.Equal(t, []int{42}, b[0])
	assert.Equal(t, int64(1), e.Stats().Written)
}

func TestRetryThenSucceed(t *testing.T) {
	w := &recordingWriter{failFor: 2}
	e := NewEngine[int](fastConfig(10, time.Hour), w, logger.Discard(), nil)

	e.Enqueue(1)
	e.Enqueue(2)
	require.NoError(t, e.Flush(context.Background()))

	b, attempts := w.snapshot()
	assert.Equal(t, 3, attempts)
	require.Len(t, b, 1)
	assert.Equal(t, []int{1, 2}, b[0])
	assert.Equal(t, int64(0), e.Stats().Dropped)
}

func TestExhaustedRetriesDropBatch(t *testing.T) {
	w := &recordingWriter{failFor: -1}
	loss := &lossRecorder{}
	e := NewEngine[int](fastConfig(10, time.Hour), w, logger.Discard(), nil)
	e.SetLossHandler(loss)

	e.Enqueue(7)
	e.Enqueue(8)
	err := e.Flush(context.Background())
	require.Error(t, err)
	assert.True(t, utils.IsCode(err, utils.CodePersistence))

	_, attempts := w.snapshot()
	assert.Equal(t, 3, attempts)
	assert.Equal(t, int64(2), e.Stats().Dropped)
	assert.Equal(t, []int{7, 8}, loss.lost)
	assert.Zero(t, e.Pending())
}

func TestBacklogIsChunked(t *testing.T) {
	w := &recordingWriter{}
	e := NewEngine[int](fastConfig(4, time.Hour), w, logger.Discard(), nil)
	for i := 0; i < 10; i++ {
		e.Enqueue(i)
	}
	require.NoError(t, e.Flush(context.Background()))

	b, _ := w.snapshot()
	require.Len(t, b, 3)
	assert.Len(t, b[0], 4)
	assert.Len(t, b[2], 2)
}

func TestStopFlushesRemainder(t *testing.T) {
	w := &recordingWriter{}
	e := NewEngine[int](fastConfig(50, time.Hour), w, logger.Discard(), nil)
	e.Start()
	e.Enqueue(1)

	require.NoError(t, e.Stop(context.Background()))
	b, _ := w.snapshot()
	require.Len(t, b, 1)
	assert.Equal(t, []int{1}, b[0])
	assert.NoError(t, e.Stop(context.Background()))
}

func TestConcurrentEnqueueLosesNothing(t *testing.T) {
	w := &recordingWriter{}
	e := NewEngine[int](fastConfig(7, 5*time.Millisecond), w, logger.Discard(), nil)
	e.Start()

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				e.Enqueue(base + i)
			}
		}(g * 1000)
	}
	wg.Wait()
	require.NoError(t, e.Stop(context.Background()))

	b, _ := w.snapshot()
	seen := map[int]bool{}
	for _, batch := range b {
		assert.LessOrEqual(t, len(batch), 7)
		for _, v := range batch {
			assert.False(t, seen[v], "duplicate %d", v)
			seen[v] = true
		}
	}
	assert.Len(t, seen, 400)
}

type memUploader struct {
	name string
	data []byte
}

func (m *memUploader) Upload(_ context.Context, name, _ string, r io.Reader) (string, error) {
	b, err := io.ReadAll(r)
	m.name, m.data = name, b
	return "mem://" + name, err
}

func TestDeadLetterWritesGzipJSONL(t *testing.T) {
	up := &memUploader{}
	dl := NewDeadLetter[map[string]int](up, "dl", "node-1", logger.Discard())

	dl.HandleLoss(context.Background(), []map[string]int{{"a": 1}, {"a": 2}}, errors.New("db down"))

	require.NotEmpty(t, up.data)
	assert.Contains(t, up.name, "dl/")
	assert.Contains(t, up.name, "node-1-")

	gz, err := gzip.NewReader(bytes.NewReader(up.data))
	require.NoError(t, err)
	sc := bufio.NewScanner(gz)
	var rows []map[string]int
	for sc.Scan() {
		var row map[string]int
		require.NoError(t, json.Unmarshal(sc.Bytes(), &row))
		rows = append(rows, row)
	}
	assert.Equal(t, []map[string]int{{"a": 1}, {"a": 2}}, rows)
}
