package cache

import (
	"context"
	"fmt"
	"time"
)

type Cache interface {
	GetJSON(ctx context.Context, key string, dst any) (hit bool, err error)
	SetJSON(ctx context.Context, key string, val any, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

func HistoryKey(sessionID string, limit int) string {
	return fmt.Sprintf("cogload:history:%s:%d", sessionID, limit)
}

func EventsKey(sessionID string) string {
	return "cogload:events:" + sessionID
}
