package cache

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// Encoding selects the wire format of warm-cache payloads.
type Encoding string

const (
	EncodingJSON    Encoding = "json"
	EncodingMsgpack Encoding = "msgpack"
)

// Serializer encodes cache payloads, compressing values whose encoded size
// exceeds the threshold. Compressed payloads carry the CompressionPrefix
// framing; Decode detects the prefix and decompresses transparently.
type Serializer struct {
	encoding  Encoding
	threshold int
}

// NewSerializer creates a serializer. A threshold of zero disables
// compression.
func NewSerializer(encoding Encoding, compressionThreshold int) *Serializer {
	if encoding == "" {
		encoding = EncodingJSON
	}
	return &Serializer{encoding: encoding, threshold: compressionThreshold}
}

// Encoding reports the configured wire format.
func (s *Serializer) Encoding() Encoding { return s.encoding }

// Encode serializes a value. Payloads strictly larger than the threshold are
// gzip-compressed behind the framing prefix; a payload exactly at the
// threshold is stored as-is.
func (s *Serializer) Encode(v interface{}) ([]byte, error) {
	raw, err := s.marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: encode: %v", ErrSerialization, err)
	}
	if s.threshold <= 0 || len(raw) <= s.threshold {
		return raw, nil
	}

	var buf bytes.Buffer
	buf.WriteString(CompressionPrefix)
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("%w: compress: %v", ErrSerialization, err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("%w: compress: %v", ErrSerialization, err)
	}
	return buf.Bytes(), nil
}

// Decode deserializes into v, decompressing framed payloads first. Invalid
// input returns ErrSerialization; no partial data is ever produced.
func (s *Serializer) Decode(data []byte, v interface{}) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty payload", ErrSerialization)
	}

	if bytes.HasPrefix(data, []byte(CompressionPrefix)) {
		zr, err := gzip.NewReader(bytes.NewReader(data[len(CompressionPrefix):]))
		if err != nil {
			return fmt.Errorf("%w: decompress: %v", ErrSerialization, err)
		}
		raw, err := io.ReadAll(zr)
		if cerr := zr.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("%w: decompress: %v", ErrSerialization, err)
		}
		data = raw
	}

	if err := s.unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrSerialization, err)
	}
	return nil
}

func (s *Serializer) marshal(v interface{}) ([]byte, error) {
	if s.encoding == EncodingMsgpack {
		return msgpack.Marshal(v)
	}
	return json.Marshal(v)
}

func (s *Serializer) unmarshal(data []byte, v interface{}) error {
	if s.encoding == EncodingMsgpack {
		return msgpack.Unmarshal(data, v)
	}
	return json.Unmarshal(data, v)
}
