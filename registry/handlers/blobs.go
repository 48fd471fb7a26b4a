package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"

	"github.com/fxamacker/cbor/v2"
	"github.com/goccy/go-json"
	"github.com/gorilla/handlers"

	"github.com/distribution/ingest"
	"github.com/distribution/ingest/digest"
	"github.com/distribution/ingest/internal/contentcoding"
	"github.com/distribution/ingest/internal/dcontext"
	"github.com/distribution/ingest/internal/requestutil"
	prometheus "github.com/distribution/ingest/metrics"
	"github.com/distribution/ingest/registry/api/errcode"
)

const (
	mediaTypeJSON = "application/json"
	mediaTypeText = "text/plain"
	mediaTypeCBOR = "application/cbor"
)

// resultEncMode encodes results with sorted map keys so identical results
// always produce identical bytes.
var resultEncMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("cbor result encoder initialization failed: " + err.Error())
	}
	return em
}()

var ingestedBytes = prometheus.HTTPNamespace.NewCounter("ingested_bytes", "The number of bytes ingested through the API")

// blobsDispatcher builds the handler ingesting request bodies.
func blobsDispatcher(ctx *Context, r *http.Request) http.Handler {
	bh := &blobsHandler{
		Context: ctx,
	}

	return handlers.MethodHandler{
		http.MethodPost: http.HandlerFunc(bh.IngestBlob),
		http.MethodPut:  http.HandlerFunc(bh.IngestBlob),
	}
}

// blobsHandler ingests blobs.
type blobsHandler struct {
	*Context
}

// IngestBlob streams the request body into the blob store, removing any
// content coding first. The optional digest and size query parameters, and
// the Content-Length header of unencoded bodies, are verified against the
// written content. A 201 Created carries the write result, encoded as json,
// cbor or text as negotiated by the Accept header.
func (bh *blobsHandler) IngestBlob(w http.ResponseWriter, r *http.Request) {
	expected, err := expectedDescriptor(r)
	if err != nil {
		bh.Errors = append(bh.Errors, err)
		return
	}

	body, err := contentcoding.NewReader(r.Body, contentcoding.FromHeader(r.Header)...)
	if err != nil {
		bh.Errors = append(bh.Errors, codingError(err))
		return
	}
	defer body.Close()

	desc, err := bh.Blobs.Ingest(bh, expected, body)
	if err != nil {
		bh.Errors = append(bh.Errors, blobError(bh, err))
		return
	}
	ingestedBytes.Inc(float64(desc.Size))

	blobURL, err := bh.urlBuilder.BuildBlobURL(desc.Digest)
	if err != nil {
		bh.Errors = append(bh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return
	}

	w.Header().Set("Location", blobURL)
	w.Header().Set(contentDigestHeader, desc.Digest.String())

	result := ingest.Result{Size: desc.Size, Digests: desc.Digests}
	if err := writeResult(w, r, http.StatusCreated, bh.algorithms, result); err != nil {
		dcontext.GetLogger(bh).Errorf("error writing ingest result: %v", err)
	}
}

// expectedDescriptor collects the verification inputs of an ingest request.
func expectedDescriptor(r *http.Request) (ingest.Descriptor, error) {
	var expected ingest.Descriptor

	if dgstStr := r.URL.Query().Get("digest"); dgstStr != "" {
		dgst, err := digest.Parse(dgstStr)
		if err != nil {
			var unsupported ingest.ErrUnsupportedAlgorithm
			if errors.As(err, &unsupported) {
				return expected, errcode.ErrorCodeAlgorithmUnsupported.WithDetail(unsupported.Algorithm)
			}
			return expected, errcode.ErrorCodeDigestInvalid.WithDetail(err.Error())
		}
		expected.Digest = dgst
	}

	// Content-Length counts encoded bytes once a content coding is applied.
	if r.ContentLength > 0 && len(contentcoding.FromHeader(r.Header)) == 0 {
		expected.Size = r.ContentLength
	}

	if sizeStr := r.URL.Query().Get("size"); sizeStr != "" {
		size, err := strconv.ParseInt(sizeStr, 10, 64)
		if err != nil || size <= 0 {
			return expected, errcode.ErrorCodeSizeInvalid.WithDetail(fmt.Sprintf("invalid size parameter %q", sizeStr))
		}
		if expected.Size > 0 && expected.Size != size {
			return expected, errcode.ErrorCodeSizeInvalid.WithDetail("size parameter does not match Content-Length")
		}
		expected.Size = size
	}

	expected.MediaType = r.Header.Get("Content-Type")

	return expected, nil
}

// writeResult encodes result in the media type preferred by the request.
func writeResult(w http.ResponseWriter, r *http.Request, status int, algs []digest.Algorithm, result ingest.Result) error {
	switch requestutil.PreferredMediaType(r.Header, mediaTypeJSON, mediaTypeText, mediaTypeCBOR) {
	case mediaTypeText:
		w.Header().Set("Content-Type", mediaTypeText+"; charset=utf-8")
		w.WriteHeader(status)
		return writeTextResult(w, algs, result)
	case mediaTypeCBOR:
		p, err := resultEncMode.Marshal(result)
		if err != nil {
			return err
		}
		w.Header().Set("Content-Type", mediaTypeCBOR)
		w.Header().Set("Content-Length", strconv.Itoa(len(p)))
		w.WriteHeader(status)
		_, err = w.Write(p)
		return err
	default:
		w.Header().Set("Content-Type", mediaTypeJSON)
		w.WriteHeader(status)
		return json.NewEncoder(w).Encode(result)
	}
}

// writeTextResult lists one "<algorithm>  <hex>" line per digest, in
// algorithm order, followed by a "size <n>" line.
func writeTextResult(w io.Writer, algs []digest.Algorithm, result ingest.Result) error {
	for _, alg := range resultOrder(algs, result) {
		if _, err := fmt.Fprintf(w, "%s  %s\n", alg, result.Digests[alg]); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "size %d\n", result.Size)
	return err
}

// resultOrder lists the algorithms of result in configured order. Digests of
// algorithms no longer configured follow, sorted by name.
func resultOrder(algs []digest.Algorithm, result ingest.Result) []string {
	order := make([]string, 0, len(result.Digests))
	seen := make(map[string]struct{}, len(algs))
	for _, alg := range algs {
		if _, ok := result.Digests[string(alg)]; ok {
			order = append(order, string(alg))
			seen[string(alg)] = struct{}{}
		}
	}

	var rest []string
	for alg := range result.Digests {
		if _, ok := seen[alg]; !ok {
			rest = append(rest, alg)
		}
	}
	sort.Strings(rest)

	return append(order, rest...)
}

// blobDispatcher uses the request context to build a blobHandler.
func blobDispatcher(ctx *Context, r *http.Request) http.Handler {
	dgst, err := getDigest(ctx)
	if err != nil {
		if err == errDigestNotAvailable {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				ctx.Errors = append(ctx.Errors, errcode.ErrorCodeBlobUnknown.WithDetail(err))
			})
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx.Errors = append(ctx.Errors, blobError(ctx, ingest.ErrBlobInvalidDigest{Digest: digest.Digest(dcontext.GetStringValue(ctx, "vars.digest")), Reason: err}))
		})
	}

	blobHandler := &blobHandler{
		Context: ctx,
		Digest:  dgst,
	}

	return handlers.MethodHandler{
		http.MethodGet:    http.HandlerFunc(blobHandler.GetBlob),
		http.MethodHead:   http.HandlerFunc(blobHandler.GetBlob),
		http.MethodDelete: http.HandlerFunc(blobHandler.DeleteBlob),
	}
}

// blobHandler serves http blob requests.
type blobHandler struct {
	*Context

	Digest digest.Digest
}

// GetBlob fetches the binary data from backend storage returns it in the
// response. HEAD requests only receive the headers.
func (bh *blobHandler) GetBlob(w http.ResponseWriter, r *http.Request) {
	dcontext.GetLogger(bh).Debug("GetBlob")

	var (
		desc ingest.Descriptor
		rc   io.ReadCloser
		err  error
	)
	if r.Method == http.MethodHead {
		desc, err = bh.Blobs.Stat(bh, bh.Digest)
	} else {
		rc, desc, err = bh.Blobs.Open(bh, bh.Digest)
	}
	if err != nil {
		bh.Errors = append(bh.Errors, blobError(bh, err))
		return
	}

	w.Header().Set("Content-Type", desc.MediaType)
	w.Header().Set("Content-Length", strconv.FormatInt(desc.Size, 10))
	w.Header().Set(contentDigestHeader, desc.Digest.String())
	w.Header().Set("ETag", fmt.Sprintf(`"%s"`, desc.Digest))
	w.Header().Set("Cache-Control", "max-age=31536000")

	if rc == nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	defer rc.Close()

	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		dcontext.GetLogger(bh).Errorf("error serving blob: %v", err)
	}
}

// DeleteBlob deletes the blob and every digest alias of it.
func (bh *blobHandler) DeleteBlob(w http.ResponseWriter, r *http.Request) {
	dcontext.GetLogger(bh).Debug("DeleteBlob")

	if err := bh.Blobs.Delete(bh, bh.Digest); err != nil {
		bh.Errors = append(bh.Errors, blobError(bh, err))
		return
	}

	w.Header().Set("Content-Length", "0")
	w.WriteHeader(http.StatusAccepted)
}

// codingError maps a failure to set up body decoding to an api error.
func codingError(err error) error {
	var unsupported contentcoding.ErrUnsupported
	if errors.As(err, &unsupported) {
		return errcode.ErrorCodeEncodingUnsupported.WithDetail(map[string]interface{}{
			"coding":    unsupported.Coding,
			"supported": contentcoding.Supported(),
		})
	}
	return errcode.ErrorCodeBlobUploadInvalid.WithDetail(err.Error())
}

// blobError maps blob store errors to api error codes.
func blobError(ctx context.Context, err error) error {
	var (
		unsupported   ingest.ErrUnsupportedAlgorithm
		invalidDigest ingest.ErrBlobInvalidDigest
		chunkErr      ingest.ChunkReadError
		invalidOffset ingest.ErrBlobUploadInvalidOffset
	)

	switch {
	case errors.As(err, &unsupported):
		return errcode.ErrorCodeAlgorithmUnsupported.WithDetail(unsupported.Algorithm)
	case errors.As(err, &invalidDigest):
		return errcode.ErrorCodeDigestInvalid.WithDetail(err.Error())
	case errors.Is(err, ingest.ErrBlobInvalidLength):
		return errcode.ErrorCodeSizeInvalid.WithDetail(err.Error())
	case errors.Is(err, ingest.ErrBlobUnknown):
		return errcode.ErrorCodeBlobUnknown.WithDetail(err.Error())
	case errors.As(err, &chunkErr):
		return errcode.ErrorCodeBlobUploadInvalid.WithDetail(chunkErr.Err.Error())
	case errors.Is(err, ingest.ErrBlobUploadUnknown):
		return errcode.ErrorCodeBlobUploadUnknown.WithDetail(err.Error())
	case errors.As(err, &invalidOffset):
		return errcode.ErrorCodeRangeInvalid.WithDetail(err.Error())
	default:
		dcontext.GetLogger(ctx).Errorf("unknown error handling blob: %v", err)
		return errcode.ErrorCodeUnknown.WithDetail(err)
	}
}
