package store

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCodecRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("deduplicate me "), 4096)

	for _, id := range []string{CodecIdentity, CodecZstd, CodecS2} {
		t.Run(id, func(t *testing.T) {
			codec, err := CodecFor(id)
			require.NoError(t, err)
			require.Equal(t, id, codec.ID())

			compressed, err := codec.Compress(payload)
			require.NoError(t, err)

			decompressed, err := codec.Decompress(compressed, uint64(len(payload)))
			require.NoError(t, err)
			require.Equal(t, payload, decompressed)
		})
	}
}

func TestCodecCompressibleShrinks(t *testing.T) {
	payload := bytes.Repeat([]byte("a"), 1<<20)

	for _, id := range []string{CodecZstd, CodecS2} {
		t.Run(id, func(t *testing.T) {
			codec, err := CodecFor(id)
			require.NoError(t, err)

			compressed, err := codec.Compress(payload)
			require.NoError(t, err)
			require.Less(t, len(compressed), len(payload))
		})
	}
}

func TestCodecForDefaultsToIdentity(t *testing.T) {
	codec, err := CodecFor("")
	require.NoError(t, err)
	require.Equal(t, CodecIdentity, codec.ID())
}

func TestCodecForUnknown(t *testing.T) {
	_, err := CodecFor("lz77")
	require.ErrorIs(t, err, ErrUnknownCodec)
}

func TestCodecLengthMismatch(t *testing.T) {
	payload := []byte("short payload")

	for _, id := range []string{CodecIdentity, CodecZstd, CodecS2} {
		t.Run(id, func(t *testing.T) {
			codec, err := CodecFor(id)
			require.NoError(t, err)

			compressed, err := codec.Compress(payload)
			require.NoError(t, err)

			_, err = codec.Decompress(compressed, uint64(len(payload))+1)
			require.Error(t, err)
		})
	}
}

func TestCodecEmptyPayload(t *testing.T) {
	for _, id := range []string{CodecIdentity, CodecZstd, CodecS2} {
		t.Run(id, func(t *testing.T) {
			codec, err := CodecFor(id)
			require.NoError(t, err)

			compressed, err := codec.Compress(nil)
			require.NoError(t, err)

			decompressed, err := codec.Decompress(compressed, 0)
			require.NoError(t, err)
			require.Empty(t, decompressed)
		})
	}
}
