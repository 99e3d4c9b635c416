package publisher

import (
	"context"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/yoockh/cogload/internal/models"
)

func ResultsChannel(sessionID string) string {
	return "session:" + sessionID + ":results"
}

// UserChannel carries every result of a user, whatever the session.
func UserChannel(userID string) string {
	return "user:" + userID + ":results"
}

type RedisPublisher struct {
	rdb *redis.Client
}

func NewRedisPublisher(rdb *redis.Client) *RedisPublisher {
	return &RedisPublisher{rdb: rdb}
}

func (p *RedisPublisher) Publish(ctx context.Context, res models.ClassificationResult) error {
	b, err := json.Marshal(res)
	if err != nil {
		return err
	}
	pipe := p.rdb.Pipeline()
	pipe.Publish(ctx, ResultsChannel(res.SessionID), b)
	if res.UserID != "" {
		pipe.Publish(ctx, UserChannel(res.UserID), b)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Close is a no-op; the client is owned by main.
func (p *RedisPublisher) Close() error { return nil }
