package digest

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/distribution/ingest"
	godigest "github.com/opencontainers/go-digest"
)

// Digest is an algorithm-qualified hex digest, such as
//
//	sha256:7173b809ca12ec5dee4506cd86be934c4596dd234ee82c0662eac04a8c2c71dc
//
// It is the go-digest type so values flow unchanged into descriptors and
// caches.
type Digest = godigest.Digest

var (
	// ErrDigestInvalidFormat returned when digest format invalid.
	ErrDigestInvalidFormat = errors.New("invalid checksum digest format")

	// ErrDigestInvalidLength returned when digest has invalid length.
	ErrDigestInvalidLength = errors.New("invalid checksum digest length")
)

// NewDigestFromHex returns a Digest from an algorithm and a lowercase hex
// string.
func NewDigestFromHex(alg Algorithm, hex string) Digest {
	return godigest.NewDigestFromEncoded(godigest.Algorithm(alg), hex)
}

// Parse parses s and returns the validated digest. Unlike go-digest's own
// parser it accepts every algorithm registered in this package.
func Parse(s string) (Digest, error) {
	d := Digest(s)
	return d, Validate(d)
}

// Validate checks that d has the form <algorithm>:<hex>, that the algorithm
// is registered and that the hex part has the algorithm's length.
func Validate(d Digest) error {
	s := string(d)
	i := strings.Index(s, ":")
	if i <= 0 || i+1 == len(s) {
		return ErrDigestInvalidFormat
	}

	alg, encoded := Algorithm(s[:i]), s[i+1:]
	size := alg.Size()
	if size == 0 {
		return unsupported(alg)
	}
	if len(encoded) != hex.EncodedLen(size) {
		return ErrDigestInvalidLength
	}
	if strings.ToLower(encoded) != encoded {
		return ErrDigestInvalidFormat
	}
	if _, err := hex.DecodeString(encoded); err != nil {
		return fmt.Errorf("%w: %v", ErrDigestInvalidFormat, err)
	}
	return nil
}

// AlgorithmOf returns the algorithm part of a digest.
func AlgorithmOf(d Digest) Algorithm {
	return Algorithm(d.Algorithm())
}

func unsupported(alg Algorithm) error {
	return ingest.ErrUnsupportedAlgorithm{Algorithm: string(alg)}
}
