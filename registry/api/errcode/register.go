package errcode

import (
	"fmt"
	"net/http"
	"sort"
	"sync"
)

// firstErrorCode is assigned to the first registered descriptor.
const firstErrorCode ErrorCode = 1000

// descriptorRegistry indexes registered error descriptors by code, value and
// group.
type descriptorRegistry struct {
	mu      sync.RWMutex
	next    ErrorCode
	byCode  map[ErrorCode]ErrorDescriptor
	byValue map[string]ErrorDescriptor
	groups  map[string][]ErrorDescriptor
}

var descriptors = &descriptorRegistry{
	next:    firstErrorCode,
	byCode:  map[ErrorCode]ErrorDescriptor{},
	byValue: map[string]ErrorDescriptor{},
	groups:  map[string][]ErrorDescriptor{},
}

// add assigns the next code to descriptor. Values are unique across groups.
func (r *descriptorRegistry) add(group string, descriptor ErrorDescriptor) ErrorCode {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byValue[descriptor.Value]; ok {
		panic(fmt.Sprintf("error value %q is already registered", descriptor.Value))
	}

	descriptor.Code = r.next
	r.next++

	r.byCode[descriptor.Code] = descriptor
	r.byValue[descriptor.Value] = descriptor
	r.groups[group] = append(r.groups[group], descriptor)
	return descriptor.Code
}

func (r *descriptorRegistry) code(ec ErrorCode) (ErrorDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byCode[ec]
	return d, ok
}

func (r *descriptorRegistry) value(v string) (ErrorDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byValue[v]
	return d, ok
}

// group returns a copy of the group, sorted by value.
func (r *descriptorRegistry) group(name string) []ErrorDescriptor {
	r.mu.RLock()
	group := append([]ErrorDescriptor(nil), r.groups[name]...)
	r.mu.RUnlock()

	sortByValue(group)
	return group
}

func (r *descriptorRegistry) groupNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.groups))
	for name := range r.groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func sortByValue(ds []ErrorDescriptor) {
	sort.Slice(ds, func(i, j int) bool { return ds[i].Value < ds[j].Value })
}

// Register makes descriptor known under group and returns its new code.
// It panics when the descriptor value is taken.
func Register(group string, descriptor ErrorDescriptor) ErrorCode {
	return descriptors.add(group, descriptor)
}

// GetGroupNames returns the sorted names of the registered groups.
func GetGroupNames() []string {
	return descriptors.groupNames()
}

// GetErrorCodeGroup returns the descriptors of group name, sorted by value.
func GetErrorCodeGroup(name string) []ErrorDescriptor {
	return descriptors.group(name)
}

// GetErrorAllDescriptors returns every registered descriptor, sorted by
// value.
func GetErrorAllDescriptors() []ErrorDescriptor {
	var all []ErrorDescriptor
	for _, name := range GetGroupNames() {
		all = append(all, GetErrorCodeGroup(name)...)
	}
	sortByValue(all)
	return all
}

// commonGroup holds the codes any service of the application may return.
const commonGroup = "errcode"

var (
	// ErrorCodeUnknown classifies errors no other code describes.
	ErrorCodeUnknown = Register(commonGroup, ErrorDescriptor{
		Value:          "UNKNOWN",
		Message:        "unknown error",
		Description:    "Returned when an error has no classification of its own.",
		HTTPStatusCode: http.StatusInternalServerError,
	})

	// ErrorCodeUnavailable reports a storage backend that timed out.
	ErrorCodeUnavailable = Register(commonGroup, ErrorDescriptor{
		Value:          "UNAVAILABLE",
		Message:        "service unavailable",
		Description:    "Returned when the storage backend did not answer in time. The request may be retried.",
		HTTPStatusCode: http.StatusServiceUnavailable,
	})
)

// ingestGroup holds the codes of the ingest API.
const ingestGroup = "ingest.api.v1"

var (
	// ErrorCodeDigestInvalid is returned when content does not match the
	// digest the client announced, or when no digest was given where one is
	// required.
	ErrorCodeDigestInvalid = Register(ingestGroup, ErrorDescriptor{
		Value:   "DIGEST_INVALID",
		Message: "provided digest did not match uploaded content",
		Description: `Ingested content is checked against the digest given in
		the digest query parameter. The detail names the offending digest.
		Committing an upload session without a digest fails with this code.`,
		HTTPStatusCode: http.StatusBadRequest,
	})

	// ErrorCodeSizeInvalid is returned when the content length differs from
	// the announced size.
	ErrorCodeSizeInvalid = Register(ingestGroup, ErrorDescriptor{
		Value:   "SIZE_INVALID",
		Message: "provided length did not match content length",
		Description: `Returned when the size query parameter, the
		Content-Length of a request or the extent of a Content-Range does
		not match the bytes received.`,
		HTTPStatusCode: http.StatusBadRequest,
	})

	ErrorCodeAlgorithmUnsupported = Register(ingestGroup, ErrorDescriptor{
		Value:   "ALGORITHM_UNSUPPORTED",
		Message: "digest algorithm not supported",
		Description: `A digest in the request names an algorithm the service
		does not know or does not compute on ingestion.`,
		HTTPStatusCode: http.StatusBadRequest,
	})

	ErrorCodeBlobUnknown = Register(ingestGroup, ErrorDescriptor{
		Value:          "BLOB_UNKNOWN",
		Message:        "blob unknown to registry",
		Description:    "No stored blob is known by the requested digest.",
		HTTPStatusCode: http.StatusNotFound,
	})

	// ErrorCodeBlobUploadInvalid is returned when a request body cannot be
	// read to completion. Nothing of the body is kept.
	ErrorCodeBlobUploadInvalid = Register(ingestGroup, ErrorDescriptor{
		Value:   "BLOB_UPLOAD_INVALID",
		Message: "blob upload invalid",
		Description: `The request body could not be read to completion. A
		single request ingestion is discarded; an upload session keeps the
		chunks staged before the failing one.`,
		HTTPStatusCode: http.StatusBadRequest,
	})

	ErrorCodeBlobUploadUnknown = Register(ingestGroup, ErrorDescriptor{
		Value:   "BLOB_UPLOAD_UNKNOWN",
		Message: "blob upload unknown to registry",
		Description: `The upload session was never started, or was committed,
		cancelled or purged since.`,
		HTTPStatusCode: http.StatusNotFound,
	})

	// ErrorCodeRangeInvalid is returned when a chunk does not start where
	// the staged content of its upload session ends.
	ErrorCodeRangeInvalid = Register(ingestGroup, ErrorDescriptor{
		Value:   "RANGE_INVALID",
		Message: "invalid content range",
		Description: `Chunks of an upload session must be sent in order. The
		Range header of the response tells the bytes staged so far.`,
		HTTPStatusCode: http.StatusRequestedRangeNotSatisfiable,
	})

	ErrorCodeEncodingUnsupported = Register(ingestGroup, ErrorDescriptor{
		Value:   "ENCODING_UNSUPPORTED",
		Message: "content encoding unsupported",
		Description: `The Content-Encoding of the request body is not one of
		identity, gzip, zstd or lz4.`,
		HTTPStatusCode: http.StatusUnsupportedMediaType,
	})
)
