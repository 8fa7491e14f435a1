package store

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// Compression codec identifiers recorded in object metadata. The CAS key is
// always the fingerprint of the decompressed content, so objects written
// with different codecs still deduplicate against each other.
const (
	CodecIdentity = "identity"
	CodecZstd     = "zstd"
	CodecS2       = "s2"
)

// ErrUnknownCodec is returned when object metadata references a compression
// codec this build does not know.
var ErrUnknownCodec = errors.New("store: unknown compression codec")

// Codec compresses and decompresses CAS payloads.
type Codec interface {
	// ID returns the identifier recorded in object metadata.
	ID() string

	// Compress encodes the payload.
	Compress(data []byte) ([]byte, error)

	// Decompress decodes the payload. originalLength is the expected
	// decompressed size from object metadata.
	Decompress(data []byte, originalLength uint64) ([]byte, error)
}

// CodecFor returns the codec for the given identifier. The empty identifier
// maps to the identity codec, matching objects written before compression
// metadata was recorded.
func CodecFor(id string) (Codec, error) {
	switch id {
	case "", CodecIdentity:
		return identityCodec{}, nil
	case CodecZstd:
		return sharedZstd()
	case CodecS2:
		return s2Codec{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, id)
	}
}

type identityCodec struct{}

func (identityCodec) ID() string { return CodecIdentity }

func (identityCodec) Compress(data []byte) ([]byte, error) { return data, nil }

func (identityCodec) Decompress(data []byte, originalLength uint64) ([]byte, error) {
	if uint64(len(data)) != originalLength {
		return nil, fmt.Errorf("identity payload is %d bytes, metadata says %d", len(data), originalLength)
	}
	return data, nil
}

// zstdCodec reuses one pooled encoder/decoder pair; EncodeAll and DecodeAll
// on a nil-writer/reader pair are goroutine-safe.
type zstdCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

var (
	zstdOnce   sync.Once
	zstdShared *zstdCodec
	zstdErr    error
)

func sharedZstd() (Codec, error) {
	zstdOnce.Do(func() {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			zstdErr = fmt.Errorf("creating zstd encoder: %w", err)
			return
		}
		dec, err := zstd.NewReader(nil)
		if err != nil {
			enc.Close()
			zstdErr = fmt.Errorf("creating zstd decoder: %w", err)
			return
		}
		zstdShared = &zstdCodec{enc: enc, dec: dec}
	})
	if zstdErr != nil {
		return nil, zstdErr
	}
	return zstdShared, nil
}

func (*zstdCodec) ID() string { return CodecZstd }

func (c *zstdCodec) Compress(data []byte) ([]byte, error) {
	return c.enc.EncodeAll(data, nil), nil
}

func (c *zstdCodec) Decompress(data []byte, originalLength uint64) ([]byte, error) {
	out, err := c.dec.DecodeAll(data, make([]byte, 0, originalLength))
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	if uint64(len(out)) != originalLength {
		return nil, fmt.Errorf("zstd payload decompressed to %d bytes, metadata says %d", len(out), originalLength)
	}
	return out, nil
}

type s2Codec struct{}

func (s2Codec) ID() string { return CodecS2 }

func (s2Codec) Compress(data []byte) ([]byte, error) {
	return s2.Encode(nil, data), nil
}

func (s2Codec) Decompress(data []byte, originalLength uint64) ([]byte, error) {
	out, err := s2.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("s2 decompress: %w", err)
	}
	if uint64(len(out)) != originalLength {
		return nil, fmt.Errorf("s2 payload decompressed to %d bytes, metadata says %d", len(out), originalLength)
	}
	return out, nil
}
