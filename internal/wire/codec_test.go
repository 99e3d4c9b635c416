package wire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecFramesAndDataShapes(t *testing.T) {
	cs, err := NewCodecs()
	require.NoError(t, err)

	cases := []struct {
		enc        Encoding
		comp       Compression
		wantBinary bool
	}{
		{EncodingJSON, CompressionNone, false},
		{EncodingJSON, CompressionZstd, true},
		{EncodingMsgpack, CompressionNone, true},
		{EncodingMsgpack, CompressionZstd, true},
	}
	for _, tc := range cases {
		t.Run(string(tc.enc)+"/"+string(tc.comp), func(t *testing.T) {
			c := cs.Get(tc.enc, tc.comp)
			require.NotNil(t, c)

			raw := &Envelope{Type: TypeRawSample, Timestamp: 1700000000.5, UserID: "u1", Seq: 7, Data: []float64{1.5, -2, 3}}
			data, binary, err := c.Marshal(raw)
			require.NoError(t, err)
			assert.Equal(t, tc.wantBinary, binary)

			got, err := c.Unmarshal(data, binary)
			require.NoError(t, err)
			assert.Equal(t, TypeRawSample, got.Type)
			assert.Equal(t, uint64(7), got.Seq)
			ch, err := got.Channels()
			require.NoError(t, err)
			assert.Equal(t, []float64{1.5, -2, 3}, ch)

			feat := &Envelope{Type: TypeFeatures, Timestamp: 1700000001, Data: map[string]float64{"alpha": 0.25, "theta": 2}}
			data, binary, err = c.Marshal(feat)
			require.NoError(t, err)
			got, err = c.Unmarshal(data, binary)
			require.NoError(t, err)
			fm, err := got.Features()
			require.NoError(t, err)
			assert.Equal(t, map[string]float64{"alpha": 0.25, "theta": 2}, fm)
		})
	}
}

func TestEnvelopeValidation(t *testing.T) {
	e := &Envelope{Type: TypeRawSample, Data: map[string]any{"a": 1.0}}
	assert.False(t, e.ValidTimestamp())
	_, err := e.Channels()
	assert.Error(t, err)

	e = &Envelope{Data: []any{1.0, "x"}}
	_, err = e.Channels()
	assert.Error(t, err)

	e = &Envelope{Timestamp: 1700000000.25}
	assert.True(t, e.ValidTimestamp())
	assert.Equal(t, time.Unix(1700000000, 250000000).UTC(), e.Time())
}

func TestParseNegotiation(t *testing.T) {
	enc, err := ParseEncoding("")
	require.NoError(t, err)
	assert.Equal(t, EncodingJSON, enc)
	_, err = ParseEncoding("protobuf")
	assert.Error(t, err)

	comp, err := ParseCompression("zstd")
	require.NoError(t, err)
	assert.Equal(t, CompressionZstd, comp)
}
