package forwarder

import (
	"context"
	"errors"
	"io"
	"math"
	"math/rand/v2"
	"net"
	"time"

	"github.com/goccy/go-json"
)

// Sample is one multichannel reading from the device.
type Sample struct {
	Timestamp time.Time
	Channels  []float64
}

// Source yields samples at device cadence. Read blocks until a sample is
// available; io.EOF means the source is exhausted.
type Source interface {
	Read(ctx context.Context) (Sample, error)
	Close() error
}

// SyntheticSource generates EEG-like signals: theta, alpha and beta rhythms
// plus noise, with a slow drift in theta power to imitate changing load.
type SyntheticSource struct {
	rate     float64
	channels int
	limit    int // 0 = unbounded
	realtime bool

	n     int
	start time.Time
	rng   *rand.Rand
}

type SyntheticOption func(*SyntheticSource)

// WithLimit stops the source after n samples.
func WithLimit(n int) SyntheticOption { return func(s *SyntheticSource) { s.limit = n } }

// WithoutPacing emits samples as fast as they are read.
func WithoutPacing() SyntheticOption { return func(s *SyntheticSource) { s.realtime = false } }

func NewSyntheticSource(rate float64, channels int, opts ...SyntheticOption) *SyntheticSource {
	if rate <= 0 {
		rate = 250
	}
	if channels <= 0 {
		channels = 8
	}
	s := &SyntheticSource{
		rate:     rate,
		channels: channels,
		realtime: true,
		start:    time.Now().UTC(),
		rng:      rand.New(rand.NewPCG(1, 2)),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *SyntheticSource) Read(ctx context.Context) (Sample, error) {
	if s.limit > 0 && s.n >= s.limit {
		return Sample{}, io.EOF
	}
	ts := s.start.Add(time.Duration(float64(s.n) / s.rate * float64(time.Second)))
	if s.realtime {
		if d := time.Until(ts); d > 0 {
			t := time.NewTimer(d)
			select {
			case <-ctx.Done():
				t.Stop()
				return Sample{}, ctx.Err()
			case <-t.C:
			}
		}
	} else if err := ctx.Err(); err != nil {
		return Sample{}, err
	}

	sec := float64(s.n) / s.rate
	load := 0.5 + 0.5*math.Sin(2*math.Pi*sec/120)
	out := make([]float64, s.channels)
	for ch := range out {
		theta := (5 + 10*load) * math.Sin(2*math.Pi*6*sec+float64(ch))
		alpha := (15 - 8*load) * math.Sin(2*math.Pi*10*sec+float64(ch)/2)
		beta := 4 * math.Sin(2*math.Pi*20*sec)
		out[ch] = theta + alpha + beta + s.rng.NormFloat64()*2
	}
	s.n++
	return Sample{Timestamp: ts, Channels: out}, nil
}

func (s *SyntheticSource) Close() error { return nil }

// UDPSource reads JSON datagrams {"timestamp": <unix seconds>, "channels": [...]}
// as sent by acquisition bridges on the device.
type UDPSource struct {
	conn net.PacketConn
	buf  []byte
}

type udpSample struct {
	Timestamp float64   `json:"timestamp"`
	Channels  []float64 `json:"channels"`
}

func NewUDPSource(addr string) (*UDPSource, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, err
	}
	return &UDPSource{conn: conn, buf: make([]byte, 64<<10)}, nil
}

func (u *UDPSource) Addr() net.Addr { return u.conn.LocalAddr() }

func (u *UDPSource) Read(ctx context.Context) (Sample, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Sample{}, err
		}
		_ = u.conn.SetReadDeadline(time.Now().Add(250 * time.Millisecond))
		n, _, err := u.conn.ReadFrom(u.buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return Sample{}, io.EOF
			}
			return Sample{}, err
		}

		var in udpSample
		if err := json.Unmarshal(u.buf[:n], &in); err != nil || len(in.Channels) == 0 {
			continue // not a sample datagram
		}
		ts := time.Now().UTC()
		if in.Timestamp > 0 {
			sec, frac := math.Modf(in.Timestamp)
			ts = time.Unix(int64(sec), int64(frac*1e9)).UTC()
		}
		return Sample{Timestamp: ts, Channels: in.Channels}, nil
	}
}

func (u *UDPSource) Close() error { return u.conn.Close() }
