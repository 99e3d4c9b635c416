package publisher

import (
	"context"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"

	"github.com/yoockh/cogload/internal/models"
)

type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
}

// NewNATSPublisher publishes on <prefix>.<session_id>, prefix defaults to
// "cogload.results".
func NewNATSPublisher(nc *nats.Conn, prefix string) *NATSPublisher {
	if prefix == "" {
		prefix = "cogload.results"
	}
	return &NATSPublisher{nc: nc, prefix: prefix}
}

func (p *NATSPublisher) Subject(sessionID string) string {
	return p.prefix + "." + sessionID
}

func (p *NATSPublisher) Publish(_ context.Context, res models.ClassificationResult) error {
	b, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return p.nc.Publish(p.Subject(res.SessionID), b)
}

func (p *NATSPublisher) Close() error {
	return p.nc.Drain()
}
