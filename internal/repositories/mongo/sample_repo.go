package mongo

import (
	"context"
	"time"

	"github.com/yoockh/cogload/internal/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const SampleCollection = "stream_samples"

type SampleRepository interface {
	// WriteBatch inserts the batch in order with one round trip.
	WriteBatch(ctx context.Context, batch []models.StreamSample) error
	ListBySession(ctx context.Context, sessionID string, since time.Time, limit int64) ([]models.StreamSample, error)
}

type sampleRepo struct {
	col       *mongo.Collection
	retention time.Duration
}

// NewSampleRepo stamps expires_at with now+retention on documents that do not
// carry one; the TTL index removes them afterwards.
func NewSampleRepo(db *mongo.Database, retention time.Duration) SampleRepository {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &sampleRepo{col: db.Collection(SampleCollection), retention: retention}
}

func (r *sampleRepo) WriteBatch(ctx context.Context, batch []models.StreamSample) error {
	if len(batch) == 0 {
		return nil
	}
	now := time.Now().UTC()
	docs := make([]any, len(batch))
	for i := range batch {
		s := batch[i]
		if s.ExpiresAt.IsZero() {
			s.ExpiresAt = now.Add(r.retention)
		}
		docs[i] = s
	}
	_, err := r.col.InsertMany(ctx, docs, options.InsertMany().SetOrdered(true))
	return err
}

func (r *sampleRepo) ListBySession(ctx context.Context, sessionID string, since time.Time, limit int64) ([]models.StreamSample, error) {
	if limit <= 0 {
		limit = 1000
	}
	filter := bson.M{"session_id": sessionID}
	if !since.IsZero() {
		filter["timestamp"] = bson.M{"$gte": since.UTC()}
	}

	cur, err := r.col.Find(ctx, filter,
		options.Find().
			SetSort(bson.D{{Key: "timestamp", Value: 1}}).
			SetLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []models.StreamSample
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}
