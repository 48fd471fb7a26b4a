// Package errcode defines the error codes of the ingest HTTP API and the
// JSON envelope they are served in.
//
// Every code is registered once, at package initialization, with an
// ErrorDescriptor naming its string value, its message and the HTTP status
// it is served with. Codes are grouped: the "errcode" group holds UNKNOWN and
// UNAVAILABLE, which any request may fail with, and the "ingest.api.v1" group
// holds the codes of the blob and upload endpoints:
//
//	DIGEST_INVALID         400  content does not match the announced digest
//	SIZE_INVALID           400  content length does not match the announced size
//	ALGORITHM_UNSUPPORTED  400  a digest names an algorithm that is not computed
//	BLOB_UPLOAD_INVALID    400  the request body could not be read
//	BLOB_UNKNOWN           404  no blob is stored under the digest
//	BLOB_UPLOAD_UNKNOWN    404  no upload session has the id
//	ENCODING_UNSUPPORTED   415  the Content-Encoding cannot be decoded
//	RANGE_INVALID          416  a chunk does not start where the session ends
//
// Handlers collect failures in an Errors value and ServeJSON writes them as
//
//	{"errors": [{"code": "BLOB_UNKNOWN", "message": "...", "detail": ...}]}
//
// with the status of the first error. Storage driver timeouts are reported
// as UNAVAILABLE whatever code they were wrapped in.
package errcode
