package dedupstore

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"
)

// Algorithm identifies a fingerprint algorithm. The identifier travels in
// object metadata so objects written with different algorithms can coexist
// in one pool.
type Algorithm string

const (
	AlgBLAKE3 Algorithm = "blake3"
	AlgSHA256 Algorithm = "sha256"
)

// ErrUnsupportedAlgorithm is returned when object metadata references a
// fingerprint algorithm this build does not know.
var ErrUnsupportedAlgorithm = errors.New("dedupstore: unsupported fingerprint algorithm")

// Engine computes content fingerprints for one algorithm. Implementations
// must be pure: the same bytes always yield the same fingerprint regardless
// of call time or process.
type Engine interface {
	// Algorithm returns the identifier recorded in object metadata.
	Algorithm() Algorithm

	// Fingerprint computes the digest of data.
	Fingerprint(data []byte) Fingerprint
}

// EngineFor returns the fingerprint engine for the given algorithm id.
func EngineFor(alg Algorithm) (Engine, error) {
	switch alg {
	case AlgBLAKE3:
		return blake3Engine{}, nil
	case AlgSHA256:
		return sha256Engine{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg)
	}
}

// DefaultEngine returns the BLAKE3 engine used for new objects.
func DefaultEngine() Engine {
	return blake3Engine{}
}

type blake3Engine struct{}

func (blake3Engine) Algorithm() Algorithm { return AlgBLAKE3 }

func (blake3Engine) Fingerprint(data []byte) Fingerprint {
	return Fingerprint(blake3.Sum256(data))
}

type sha256Engine struct{}

func (sha256Engine) Algorithm() Algorithm { return AlgSHA256 }

func (sha256Engine) Fingerprint(data []byte) Fingerprint {
	return Fingerprint(sha256.Sum256(data))
}

// Compile-time interface checks
var (
	_ Engine = blake3Engine{}
	_ Engine = sha256Engine{}
)
