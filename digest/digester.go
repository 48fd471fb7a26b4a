package digest

import (
	"encoding/hex"
	"errors"
	"hash"
)

// ErrFinalized is returned when an accumulator is used after its digest has
// been taken.
var ErrFinalized = errors.New("digest accumulator already finalized")

// Accumulator feeds bytes to one hashing primitive. Its digest covers exactly
// the bytes given to Update, in order. An Accumulator is finalized once and
// is not reusable afterwards.
type Accumulator struct {
	alg       Algorithm
	hash      hash.Hash
	finalized bool
}

// NewAccumulator returns a fresh accumulator for alg.
func NewAccumulator(alg Algorithm) (*Accumulator, error) {
	factory, ok := alg.factory()
	if !ok {
		return nil, unsupported(alg)
	}
	return &Accumulator{alg: alg, hash: factory()}, nil
}

// Algorithm returns the algorithm of the accumulator.
func (a *Accumulator) Algorithm() Algorithm {
	return a.alg
}

// Update adds p to the hashed content.
func (a *Accumulator) Update(p []byte) error {
	if a.finalized {
		return ErrFinalized
	}
	// hash.Hash.Write never returns an error.
	a.hash.Write(p)
	return nil
}

// Hex finalizes the accumulator and returns the lowercase hex digest.
func (a *Accumulator) Hex() (string, error) {
	if a.finalized {
		return "", ErrFinalized
	}
	a.finalized = true
	return hex.EncodeToString(a.hash.Sum(nil)), nil
}

// Digest finalizes the accumulator and returns the algorithm-qualified
// digest.
func (a *Accumulator) Digest() (Digest, error) {
	h, err := a.Hex()
	if err != nil {
		return "", err
	}
	return NewDigestFromHex(a.alg, h), nil
}

// FromBytes digests p with alg.
func FromBytes(alg Algorithm, p []byte) (Digest, error) {
	a, err := NewAccumulator(alg)
	if err != nil {
		return "", err
	}
	if err := a.Update(p); err != nil {
		return "", err
	}
	return a.Digest()
}
