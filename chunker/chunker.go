// Package chunker splits byte payloads into extents for content-addressed
// storage. The splitting strategy is an interface so a content-defined
// chunker can be substituted without changing callers.
package chunker

// DefaultChunkSize is the fixed chunk size used when none is configured.
const DefaultChunkSize = 4 << 20 // 4 MiB

// Chunk is one contiguous region of the input. Data aliases the input slice.
type Chunk struct {
	Offset uint64
	Length uint64
	Data   []byte
}

// Strategy splits a payload into chunks. Implementations must be
// deterministic: the same input always produces the same offsets and
// lengths.
type Strategy interface {
	Split(data []byte) []Chunk
}

// Fixed splits input into fixed-size chunks; the last chunk may be shorter.
type Fixed struct {
	// Size is the chunk size in bytes. Zero or negative means
	// DefaultChunkSize.
	Size int
}

// NewFixed creates a fixed-size chunking strategy.
func NewFixed(size int) Fixed {
	return Fixed{Size: size}
}

// Split returns the chunks of data in offset order. Chunks alias data, no
// bytes are copied. Empty input produces no chunks.
func (f Fixed) Split(data []byte) []Chunk {
	size := f.Size
	if size <= 0 {
		size = DefaultChunkSize
	}

	if len(data) == 0 {
		return nil
	}

	chunks := make([]Chunk, 0, (len(data)+size-1)/size)
	for offset := 0; offset < len(data); offset += size {
		end := min(offset+size, len(data))
		chunks = append(chunks, Chunk{
			Offset: uint64(offset),
			Length: uint64(end - offset),
			Data:   data[offset:end],
		})
	}
	return chunks
}

// Compile-time interface check
var _ Strategy = Fixed{}
