package persistence

import (
	"bytes"
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"

	"github.com/yoockh/cogload/internal/storage"
)

const deadLetterUploadTimeout = 30 * time.Second

// DeadLetter archives dropped batches as gzip JSONL objects so they can be
// replayed by hand.
type DeadLetter[T any] struct {
	up       storage.Uploader
	prefix   string
	instance string
	log      *logrus.Logger
	seq      atomic.Uint64
}

func NewDeadLetter[T any](up storage.Uploader, prefix, instance string, log *logrus.Logger) *DeadLetter[T] {
	if prefix == "" {
		prefix = "deadletter"
	}
	return &DeadLetter[T]{up: up, prefix: prefix, instance: instance, log: log}
}

func (d *DeadLetter[T]) HandleLoss(ctx context.Context, batch []T, cause error) {
	data, err := EncodeJSONLGZ(batch)
	if err != nil {
		d.log.WithError(err).WithField("batch_size", len(batch)).Error("dead letter encode failed")
		return
	}

	// the engine context may already be cancelled at shutdown
	uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deadLetterUploadTimeout)
	defer cancel()

	name := d.objectName(time.Now().UTC())
	loc, err := d.up.Upload(uctx, name, "application/gzip", bytes.NewReader(data))
	fields := logrus.Fields{"batch_size": len(batch), "object": name, "cause": cause.Error()}
	if err != nil {
		d.log.WithFields(fields).WithError(err).Error("dead letter upload failed, batch lost")
		return
	}
	fields["location"] = loc
	d.log.WithFields(fields).Warn("dropped batch archived")
}

func (d *DeadLetter[T]) objectName(now time.Time) string {
	return fmt.Sprintf("%s/%s/%s-%d-%d.jsonl.gz",
		d.prefix, now.Format("2006/01/02"), d.instance, now.UnixNano(), d.seq.Add(1))
}

// EncodeJSONLGZ writes one JSON document per line into a gzip stream.
func EncodeJSONLGZ[T any](batch []T) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	enc := json.NewEncoder(gz)
	for i := range batch {
		if err := enc.Encode(batch[i]); err != nil {
			_ = gz.Close()
			return nil, err
		}
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
