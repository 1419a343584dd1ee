package remote

import (
	"bytes"
	"encoding/hex"
	"io"
	"time"

	"codeberg.org/mutker/sensusd/internal/datum"
	"codeberg.org/mutker/sensusd/internal/errors"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/zeebo/blake3"
)

// Batch is the unit posted to the endpoint.
type Batch struct {
	ID      string         `cbor:"id"`
	SentAt  time.Time      `cbor:"sent_at"`
	Records []*datum.Datum `cbor:"records"`
}

// Compression names the Content-Encoding applied to a batch body.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
	CompressionLZ4  Compression = "lz4"
)

// ParseCompression accepts "none", "zstd" or "lz4". The empty string
// selects zstd.
func ParseCompression(name string) (Compression, error) {
	switch Compression(name) {
	case "", CompressionZstd:
		return CompressionZstd, nil
	case CompressionLZ4, CompressionNone:
		return Compression(name), nil
	default:
		return "", errors.New().WithData(ErrInvalidCompression, name)
	}
}

// zstd.Encoder and zstd.Decoder are safe for concurrent use and costly
// to create, so one of each is shared.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("remote: zstd encoder initialization failed: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("remote: zstd decoder initialization failed: " + err.Error())
	}
}

// EncodeBatch returns the CBOR encoding of b compressed with c.
func EncodeBatch(b *Batch, c Compression) ([]byte, error) {
	data, err := datum.Marshal(b)
	if err != nil {
		return nil, err
	}

	switch c {
	case CompressionZstd:
		return zstdEncoder.EncodeAll(data, nil), nil
	case CompressionLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case CompressionNone, "":
		return data, nil
	default:
		return nil, errors.New().WithData(ErrInvalidCompression, string(c))
	}
}

// DecodeBatch reverses EncodeBatch.
func DecodeBatch(data []byte, c Compression) (*Batch, error) {
	var err error

	switch c {
	case CompressionZstd:
		data, err = zstdDecoder.DecodeAll(data, nil)
	case CompressionLZ4:
		data, err = io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
	case CompressionNone, "":
	default:
		err = errors.New().WithData(ErrInvalidCompression, string(c))
	}
	if err != nil {
		return nil, err
	}

	var b Batch
	if err := datum.Unmarshal(data, &b); err != nil {
		return nil, err
	}

	return &b, nil
}

// Digest returns the X-Batch-Digest header value for body.
func Digest(body []byte) string {
	sum := blake3.Sum256(body)
	return "blake3=" + hex.EncodeToString(sum[:])
}
