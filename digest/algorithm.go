package digest

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"hash"
	"sort"
	"sync"

	godigest "github.com/opencontainers/go-digest"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
)

// Algorithm identifies a hashing primitive by name, such as "sha256".
type Algorithm string

// Algorithm names supported out of the box.
const (
	MD5        Algorithm = "md5"
	SHA1       Algorithm = "sha1"
	SHA224     Algorithm = "sha224"
	SHA256     Algorithm = Algorithm(godigest.SHA256)
	SHA384     Algorithm = Algorithm(godigest.SHA384)
	SHA512     Algorithm = Algorithm(godigest.SHA512)
	SHA3_256   Algorithm = "sha3-256"
	SHA3_512   Algorithm = "sha3-512"
	BLAKE2b256 Algorithm = "blake2b-256"
	BLAKE2b512 Algorithm = "blake2b-512"
	BLAKE3     Algorithm = "blake3"

	// Canonical is the algorithm blobs are addressed by when nothing else
	// is configured.
	Canonical = SHA256
)

// Factory returns a fresh hasher.
type Factory func() hash.Hash

var (
	factoriesMu sync.RWMutex
	factories   = map[Algorithm]Factory{
		MD5:    md5.New,
		SHA1:   sha1.New,
		SHA224: sha256.New224,
		SHA256: fromGoDigest(godigest.SHA256),
		SHA384: fromGoDigest(godigest.SHA384),
		SHA512: fromGoDigest(godigest.SHA512),

		SHA3_256:   sha3.New256,
		SHA3_512:   sha3.New512,
		BLAKE2b256: unkeyed(blake2b.New256),
		BLAKE2b512: unkeyed(blake2b.New512),
		BLAKE3:     func() hash.Hash { return blake3.New() },
	}
)

// fromGoDigest binds to the algorithms go-digest registers so that digests
// produced here always agree with digest.Digest validation.
func fromGoDigest(alg godigest.Algorithm) Factory {
	return func() hash.Hash {
		return alg.Hash()
	}
}

func unkeyed(newKeyed func(key []byte) (hash.Hash, error)) Factory {
	return func() hash.Hash {
		h, err := newKeyed(nil)
		if err != nil {
			// blake2b only fails for keys longer than 64 bytes.
			panic(err)
		}
		return h
	}
}

// Register makes a hashing primitive available by name. If Register is
// called twice with the same name or if factory is nil, it panics.
func Register(alg Algorithm, factory Factory) {
	if factory == nil {
		panic("digest: must not register a nil Factory")
	}

	factoriesMu.Lock()
	defer factoriesMu.Unlock()

	if _, registered := factories[alg]; registered {
		panic(fmt.Sprintf("digest: algorithm %q already registered", alg))
	}
	factories[alg] = factory
}

func (a Algorithm) factory() (Factory, bool) {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	f, ok := factories[a]
	return f, ok
}

// Available returns true if the algorithm maps to a registered hashing
// primitive.
func (a Algorithm) Available() bool {
	_, ok := a.factory()
	return ok
}

// Size returns the length in bytes of the raw digest, or zero if the
// algorithm is unknown.
func (a Algorithm) Size() int {
	f, ok := a.factory()
	if !ok {
		return 0
	}
	return f().Size()
}

// String returns the algorithm name.
func (a Algorithm) String() string {
	return string(a)
}

// Algorithms returns the names of every registered algorithm, sorted.
func Algorithms() []Algorithm {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()

	algs := make([]Algorithm, 0, len(factories))
	for alg := range factories {
		algs = append(algs, alg)
	}
	sort.Slice(algs, func(i, j int) bool { return algs[i] < algs[j] })
	return algs
}

// ParseAlgorithms converts names into algorithms, failing on the first
// unknown name.
func ParseAlgorithms(names ...string) ([]Algorithm, error) {
	algs := make([]Algorithm, 0, len(names))
	for _, name := range names {
		alg := Algorithm(name)
		if !alg.Available() {
			return nil, unsupported(alg)
		}
		algs = append(algs, alg)
	}
	return algs, nil
}
