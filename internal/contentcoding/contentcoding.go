// Package contentcoding removes content codings such as gzip from streams
// before they are digested.
package contentcoding

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Identity is the coding of unencoded content.
const Identity = "identity"

// ErrUnsupported is returned for a coding no decoder is known for.
type ErrUnsupported struct {
	Coding string
}

func (err ErrUnsupported) Error() string {
	return fmt.Sprintf("unsupported content coding: %q", err.Coding)
}

// decoders maps a content coding to the constructor of its decoding reader.
var decoders = map[string]func(io.Reader) (io.ReadCloser, error){
	"gzip":   newGzipReader,
	"x-gzip": newGzipReader,
	"zstd": func(r io.Reader) (io.ReadCloser, error) {
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zr.IOReadCloser(), nil
	},
	"lz4": func(r io.Reader) (io.ReadCloser, error) {
		return io.NopCloser(lz4.NewReader(r)), nil
	},
}

func newGzipReader(r io.Reader) (io.ReadCloser, error) {
	return gzip.NewReader(r)
}

// Supported lists the codings NewReader can remove, identity included.
func Supported() []string {
	codings := []string{Identity}
	for coding := range decoders {
		codings = append(codings, coding)
	}
	sort.Strings(codings[1:])
	return codings
}

// FromHeader lists the codings of the Content-Encoding headers of h in the
// order they were applied. Identity codings are dropped.
func FromHeader(h http.Header) []string {
	var codings []string
	for _, value := range h.Values("Content-Encoding") {
		codings = append(codings, Normalize(strings.Split(value, ",")...)...)
	}
	return codings
}

// Normalize lowercases codings and drops empty and identity entries.
func Normalize(codings ...string) []string {
	var normalized []string
	for _, coding := range codings {
		coding = strings.ToLower(strings.TrimSpace(coding))
		if coding != "" && coding != Identity {
			normalized = append(normalized, coding)
		}
	}
	return normalized
}

// NewReader returns a reader of r with every coding removed. Codings are
// listed in the order they were applied and are undone in reverse. Corrupt
// encoded data surfaces as a read error of the returned reader. Closing the
// returned reader releases the decoders but never closes r.
func NewReader(r io.Reader, codings ...string) (io.ReadCloser, error) {
	codings = Normalize(codings...)

	for _, coding := range codings {
		if _, ok := decoders[coding]; !ok {
			return nil, ErrUnsupported{Coding: coding}
		}
	}

	decoded := &reader{Reader: r}
	for i := len(codings) - 1; i >= 0; i-- {
		rc, err := decoders[codings[i]](decoded.Reader)
		if err != nil {
			decoded.Close()
			return nil, fmt.Errorf("%s: %w", codings[i], err)
		}
		decoded.closers = append(decoded.closers, rc)
		decoded.Reader = rc
	}

	return decoded, nil
}

type reader struct {
	io.Reader
	closers []io.Closer
}

func (r *reader) Close() error {
	var firstErr error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.closers = nil
	return firstErr
}
