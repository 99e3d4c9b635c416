package wire

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

type Encoding string

const (
	EncodingJSON    Encoding = "json"
	EncodingMsgpack Encoding = "msgpack"
)

type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
)

// Negotiation headers sent by the forwarder on connect.
const (
	HeaderAPIKey      = "X-API-Key"
	HeaderUserID      = "X-User-ID"
	HeaderSessionID   = "X-Session-ID"
	HeaderEncoding    = "X-Encoding"
	HeaderCompression = "X-Compression"
)

func ParseEncoding(s string) (Encoding, error) {
	switch Encoding(s) {
	case "", EncodingJSON:
		return EncodingJSON, nil
	case EncodingMsgpack:
		return EncodingMsgpack, nil
	}
	return "", fmt.Errorf("unknown encoding %q", s)
}

func ParseCompression(s string) (Compression, error) {
	switch Compression(s) {
	case "", CompressionNone:
		return CompressionNone, nil
	case CompressionZstd:
		return CompressionZstd, nil
	}
	return "", fmt.Errorf("unknown compression %q", s)
}

// Codec turns envelopes into WebSocket frame payloads. Plain JSON travels as
// text frames; msgpack or compressed payloads travel as binary frames.
// A Codec is safe for concurrent use.
type Codec struct {
	enc  Encoding
	comp Compression
	zenc *zstd.Encoder
	zdec *zstd.Decoder
}

func NewCodec(enc Encoding, comp Compression) (*Codec, error) {
	c := &Codec{enc: enc, comp: comp}
	if comp == CompressionZstd {
		var err error
		if c.zenc, err = zstd.NewWriter(nil); err != nil {
			return nil, err
		}
		if c.zdec, err = zstd.NewReader(nil); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Codec) Encoding() Encoding       { return c.enc }
func (c *Codec) Compression() Compression { return c.comp }

// Marshal reports binary=true when the payload must go in a binary frame.
func (c *Codec) Marshal(e *Envelope) (data []byte, binary bool, err error) {
	switch c.enc {
	case EncodingMsgpack:
		data, err = msgpack.Marshal(e)
		binary = true
	default:
		data, err = json.Marshal(e)
	}
	if err != nil {
		return nil, false, err
	}
	if c.comp == CompressionZstd {
		return c.zenc.EncodeAll(data, nil), true, nil
	}
	return data, binary, nil
}

func (c *Codec) Unmarshal(data []byte, binary bool) (*Envelope, error) {
	var e Envelope
	if !binary {
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decode json: %w", err)
		}
		return &e, nil
	}

	if c.comp == CompressionZstd {
		raw, err := c.zdec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress: %w", err)
		}
		data = raw
	}
	if c.enc == EncodingMsgpack {
		if err := msgpack.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decode msgpack: %w", err)
		}
		return &e, nil
	}
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	return &e, nil
}

// Codecs caches one Codec per negotiated encoding/compression pair.
type Codecs struct {
	byKey map[string]*Codec
}

func NewCodecs() (*Codecs, error) {
	cs := &Codecs{byKey: make(map[string]*Codec, 4)}
	for _, enc := range []Encoding{EncodingJSON, EncodingMsgpack} {
		for _, comp := range []Compression{CompressionNone, CompressionZstd} {
			c, err := NewCodec(enc, comp)
			if err != nil {
				return nil, err
			}
			cs.byKey[string(enc)+"/"+string(comp)] = c
		}
	}
	return cs, nil
}

func (cs *Codecs) Get(enc Encoding, comp Compression) *Codec {
	return cs.byKey[string(enc)+"/"+string(comp)]
}
