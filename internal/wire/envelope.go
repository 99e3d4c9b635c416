package wire

import (
	"fmt"
	"math"
	"time"
)

type MessageType string

const (
	TypeAuth       MessageType = "auth"
	TypeHandshake  MessageType = "handshake"
	TypeRawSample  MessageType = "raw_sample"
	TypeFeatures   MessageType = "features"
	TypeHeartbeat  MessageType = "heartbeat"
	TypeEndSession MessageType = "end_session"
)

// Envelope is one client to server message. Data holds a channel vector for
// raw samples and a feature map for features messages.
type Envelope struct {
	Type       MessageType    `json:"type" msgpack:"type"`
	Timestamp  float64        `json:"timestamp" msgpack:"timestamp"` // unix seconds, UTC
	UserID     string         `json:"user_id,omitempty" msgpack:"user_id,omitempty"`
	SessionID  string         `json:"session_id,omitempty" msgpack:"session_id,omitempty"`
	Seq        uint64         `json:"seq,omitempty" msgpack:"seq,omitempty"`
	Data       any            `json:"data,omitempty" msgpack:"data,omitempty"`
	StreamInfo map[string]any `json:"stream_info,omitempty" msgpack:"stream_info,omitempty"`

	// auth frames only
	APIKey      string `json:"api_key,omitempty" msgpack:"api_key,omitempty"`
	Encoding    string `json:"encoding,omitempty" msgpack:"encoding,omitempty"`
	Compression string `json:"compression,omitempty" msgpack:"compression,omitempty"`
}

func Unix(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func (e *Envelope) Time() time.Time {
	sec, frac := math.Modf(e.Timestamp)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

// ValidTimestamp reports whether the timestamp is present and finite.
func (e *Envelope) ValidTimestamp() bool {
	return e.Timestamp > 0 && !math.IsInf(e.Timestamp, 0) && !math.IsNaN(e.Timestamp)
}

// Channels returns Data as a channel vector.
func (e *Envelope) Channels() ([]float64, error) {
	switch v := e.Data.(type) {
	case []float64:
		return v, nil
	case []any:
		out := make([]float64, len(v))
		for i, x := range v {
			f, ok := toFloat(x)
			if !ok {
				return nil, fmt.Errorf("channel %d: not a number", i)
			}
			out[i] = f
		}
		return out, nil
	case nil:
		return nil, fmt.Errorf("missing data")
	default:
		return nil, fmt.Errorf("data is %T, want channel vector", e.Data)
	}
}

// Features returns Data as a feature map.
func (e *Envelope) Features() (map[string]float64, error) {
	switch v := e.Data.(type) {
	case map[string]float64:
		return v, nil
	case map[string]any:
		out := make(map[string]float64, len(v))
		for k, x := range v {
			f, ok := toFloat(x)
			if !ok {
				return nil, fmt.Errorf("feature %q: not a number", k)
			}
			out[k] = f
		}
		return out, nil
	case nil:
		return nil, fmt.Errorf("missing data")
	default:
		return nil, fmt.Errorf("data is %T, want feature map", e.Data)
	}
}

func toFloat(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int8:
		f = float64(n)
	case int16:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint:
		f = float64(n)
	case uint8:
		f = float64(n)
	case uint16:
		f = float64(n)
	case uint32:
		f = float64(n)
	case uint64:
		f = float64(n)
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// Server to client frames. They are always JSON text frames.
const (
	FrameAuthenticated = "authenticated"
	FrameAck           = "ack"
	FrameError         = "error"
	FrameHeartbeatAck  = "heartbeat_ack"
	FrameSessionEnded  = "session_ended"
)

type ServerFrame struct {
	Type      string `json:"type"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
	Seq       uint64 `json:"seq,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Resumed   bool   `json:"resumed,omitempty"`
}
