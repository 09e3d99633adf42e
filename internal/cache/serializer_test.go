package cache

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializerRoundTrip(t *testing.T) {
	for _, enc := range []Encoding{EncodingJSON, EncodingMsgpack} {
		t.Run(string(enc), func(t *testing.T) {
			s := NewSerializer(enc, 1024)

			in := map[string]interface{}{"symbol": "700.HK", "lastPrice": 561.0}
			data, err := s.Encode(in)
			require.NoError(t, err)

			var out map[string]interface{}
			require.NoError(t, s.Decode(data, &out))
			assert.Equal(t, "700.HK", out["symbol"])
		})
	}
}

func TestSerializerCompressionThreshold(t *testing.T) {
	// JSON string of length n+2 with quotes, so choose the threshold around
	// the encoded size, not the logical one.
	s := NewSerializer(EncodingJSON, 100)

	small := strings.Repeat("a", 98) // encodes to exactly 100 bytes
	data, err := s.Encode(small)
	require.NoError(t, err)
	assert.False(t, bytes.HasPrefix(data, []byte(CompressionPrefix)),
		"payload at the threshold must stay uncompressed")

	big := strings.Repeat("a", 99) // encodes to 101 bytes
	data, err = s.Encode(big)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte(CompressionPrefix)),
		"payload one past the threshold must be compressed")

	var out string
	require.NoError(t, s.Decode(data, &out))
	assert.Equal(t, big, out)
}

func TestSerializerCorruptCompressedPayload(t *testing.T) {
	s := NewSerializer(EncodingJSON, 10)

	var out interface{}
	err := s.Decode([]byte(CompressionPrefix+"not-gzip"), &out)
	assert.ErrorIs(t, err, ErrSerialization)
}

func TestSerializerDecodeGarbage(t *testing.T) {
	s := NewSerializer(EncodingJSON, 1024)

	var out map[string]interface{}
	err := s.Decode([]byte("{broken"), &out)
	assert.ErrorIs(t, err, ErrSerialization)
}

func TestSerializerEncodeUnsupported(t *testing.T) {
	s := NewSerializer(EncodingJSON, 1024)

	_, err := s.Encode(make(chan int))
	assert.ErrorIs(t, err, ErrSerialization)
}
