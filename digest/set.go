package digest

import (
	"github.com/distribution/ingest"
)

// Set holds one accumulator per configured algorithm and updates them
// together. Accumulators are always visited in configuration order.
type Set struct {
	accumulators []*Accumulator
	finalized    bool
}

// NewSet creates one fresh accumulator per algorithm. Every name is
// validated before anything is allocated; an unknown name yields
// ingest.ErrUnsupportedAlgorithm. Repeated names are kept once, at their
// first position.
func NewSet(algs ...Algorithm) (*Set, error) {
	if len(algs) == 0 {
		return nil, ingest.ErrNoAlgorithms
	}

	seen := make(map[Algorithm]struct{}, len(algs))
	unique := make([]Algorithm, 0, len(algs))
	for _, alg := range algs {
		if !alg.Available() {
			return nil, unsupported(alg)
		}
		if _, ok := seen[alg]; ok {
			continue
		}
		seen[alg] = struct{}{}
		unique = append(unique, alg)
	}

	s := &Set{accumulators: make([]*Accumulator, 0, len(unique))}
	for _, alg := range unique {
		a, err := NewAccumulator(alg)
		if err != nil {
			return nil, err
		}
		s.accumulators = append(s.accumulators, a)
	}
	return s, nil
}

// Algorithms returns the algorithms of the set in configuration order.
func (s *Set) Algorithms() []Algorithm {
	algs := make([]Algorithm, len(s.accumulators))
	for i, a := range s.accumulators {
		algs[i] = a.alg
	}
	return algs
}

// UpdateAll feeds p to every accumulator.
func (s *Set) UpdateAll(p []byte) error {
	if s.finalized {
		return ErrFinalized
	}
	for _, a := range s.accumulators {
		if err := a.Update(p); err != nil {
			return err
		}
	}
	return nil
}

// FinalizeAll returns the lowercase hex digest of every accumulator, keyed
// by algorithm name. The set cannot be used afterwards.
func (s *Set) FinalizeAll() (map[string]string, error) {
	if s.finalized {
		return nil, ErrFinalized
	}
	s.finalized = true

	digests := make(map[string]string, len(s.accumulators))
	for _, a := range s.accumulators {
		h, err := a.Hex()
		if err != nil {
			return nil, err
		}
		digests[string(a.alg)] = h
	}
	return digests, nil
}
