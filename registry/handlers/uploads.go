package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/handlers"

	"github.com/distribution/ingest"
	"github.com/distribution/ingest/internal/contentcoding"
	"github.com/distribution/ingest/internal/dcontext"
	"github.com/distribution/ingest/registry/api/errcode"
)

// uploadUUIDHeader carries the id of an upload session.
const uploadUUIDHeader = "Ingest-Upload-UUID"

// uploadsDispatcher builds the handler starting upload sessions.
func uploadsDispatcher(ctx *Context, r *http.Request) http.Handler {
	uh := &uploadHandler{Context: ctx}

	return handlers.MethodHandler{
		http.MethodPost: http.HandlerFunc(uh.StartUpload),
	}
}

// uploadDispatcher resumes the upload session named by the route and builds
// the handler serving it.
func uploadDispatcher(ctx *Context, r *http.Request) http.Handler {
	uh := &uploadHandler{
		Context: ctx,
		UUID:    dcontext.GetStringValue(ctx, "vars.uuid"),
	}

	upload, err := ctx.Blobs.ResumeUpload(ctx, uh.UUID)
	if err != nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			dcontext.GetLoggerWithField(ctx, "upload.id", uh.UUID).Infof("error resolving upload: %v", err)
			ctx.Errors = append(ctx.Errors, blobError(ctx, err))
		})
	}
	uh.Upload = upload

	return handlers.MethodHandler{
		http.MethodGet:    http.HandlerFunc(uh.GetUploadStatus),
		http.MethodHead:   http.HandlerFunc(uh.GetUploadStatus),
		http.MethodPatch:  http.HandlerFunc(uh.PatchUploadData),
		http.MethodPut:    http.HandlerFunc(uh.PutUploadComplete),
		http.MethodDelete: http.HandlerFunc(uh.CancelUpload),
	}
}

// uploadHandler serves the requests of one upload session.
type uploadHandler struct {
	*Context

	// UUID identifies the upload session of the request.
	UUID string

	Upload ingest.BlobUpload
}

// StartUpload opens an empty upload session. The Location of the 202
// response is where its chunks are sent.
func (uh *uploadHandler) StartUpload(w http.ResponseWriter, r *http.Request) {
	upload, err := uh.Blobs.StartUpload(uh)
	if err != nil {
		uh.Errors = append(uh.Errors, blobError(uh, err))
		return
	}
	uh.Upload = upload

	if err := uh.uploadResponse(w); err != nil {
		uh.Errors = append(uh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// GetUploadStatus reports the bytes staged so far in the Range header.
func (uh *uploadHandler) GetUploadStatus(w http.ResponseWriter, r *http.Request) {
	if err := uh.uploadResponse(w); err != nil {
		uh.Errors = append(uh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// PatchUploadData stages the request body as the next chunk of the session.
// A Content-Range, when given, must start where the staged content ends and
// span Content-Length bytes.
func (uh *uploadHandler) PatchUploadData(w http.ResponseWriter, r *http.Request) {
	if cr := r.Header.Get("Content-Range"); cr != "" {
		start, end, err := parseContentRange(cr)
		if err != nil {
			uh.Errors = append(uh.Errors, errcode.ErrorCodeRangeInvalid.WithDetail(err.Error()))
			return
		}
		if start > end || start != uh.Upload.Size() {
			uh.Errors = append(uh.Errors, errcode.ErrorCodeRangeInvalid.WithDetail(ingest.ErrBlobUploadInvalidOffset{Offset: start, Size: uh.Upload.Size()}.Error()))
			return
		}
		if r.ContentLength >= 0 && r.ContentLength != end-start+1 {
			uh.Errors = append(uh.Errors, errcode.ErrorCodeSizeInvalid.WithDetail(fmt.Sprintf("content range %s does not span %d bytes", cr, r.ContentLength)))
			return
		}
	}

	if !uh.appendBody(r) {
		return
	}

	if err := uh.uploadResponse(w); err != nil {
		uh.Errors = append(uh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// PutUploadComplete stages the request body, if any, as the last chunk and
// commits the session against the digest query parameter. The response is
// the one of a single request ingestion.
func (uh *uploadHandler) PutUploadComplete(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("digest") == "" {
		uh.Errors = append(uh.Errors, errcode.ErrorCodeDigestInvalid.WithDetail("digest missing"))
		return
	}

	// The length of the final chunk says nothing about the size of the blob.
	whole := r.WithContext(r.Context())
	whole.ContentLength = 0
	expected, err := expectedDescriptor(whole)
	if err != nil {
		uh.Errors = append(uh.Errors, err)
		return
	}

	if r.ContentLength != 0 && !uh.appendBody(r) {
		return
	}

	desc, err := uh.Upload.Commit(uh, expected)
	if err != nil {
		uh.Errors = append(uh.Errors, blobError(uh, err))
		return
	}
	ingestedBytes.Inc(float64(desc.Size))

	blobURL, err := uh.urlBuilder.BuildBlobURL(desc.Digest)
	if err != nil {
		uh.Errors = append(uh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return
	}

	w.Header().Set("Location", blobURL)
	w.Header().Set(contentDigestHeader, desc.Digest.String())

	result := ingest.Result{Size: desc.Size, Digests: desc.Digests}
	if err := writeResult(w, r, http.StatusCreated, uh.algorithms, result); err != nil {
		dcontext.GetLogger(uh).Errorf("error writing ingest result: %v", err)
	}
}

// CancelUpload discards the session and its staged chunks.
func (uh *uploadHandler) CancelUpload(w http.ResponseWriter, r *http.Request) {
	if err := uh.Upload.Cancel(uh); err != nil {
		uh.Errors = append(uh.Errors, blobError(uh, err))
		return
	}

	w.Header().Set(uploadUUIDHeader, uh.Upload.ID())
	w.Header().Set("Content-Length", "0")
	w.WriteHeader(http.StatusNoContent)
}

// appendBody stages the decoded request body as one chunk. It reports
// whether the chunk was staged.
func (uh *uploadHandler) appendBody(r *http.Request) bool {
	body, err := contentcoding.NewReader(r.Body, contentcoding.FromHeader(r.Header)...)
	if err != nil {
		uh.Errors = append(uh.Errors, codingError(err))
		return false
	}
	defer body.Close()

	if _, err := uh.Upload.AppendChunk(uh, uh.Upload.Size(), body); err != nil {
		uh.Errors = append(uh.Errors, blobError(uh, err))
		return false
	}
	return true
}

// uploadResponse sets the headers describing the session. The status is
// left to the caller.
func (uh *uploadHandler) uploadResponse(w http.ResponseWriter) error {
	uploadURL, err := uh.urlBuilder.BuildUploadURL(uh.Upload.ID())
	if err != nil {
		dcontext.GetLogger(uh).Infof("error building upload url: %s", err)
		return err
	}

	endRange := uh.Upload.Size()
	if endRange > 0 {
		endRange--
	}

	w.Header().Set(uploadUUIDHeader, uh.Upload.ID())
	w.Header().Set("Location", uploadURL)
	w.Header().Set("Content-Length", "0")
	w.Header().Set("Range", fmt.Sprintf("0-%d", endRange))
	return nil
}

// parseContentRange parses a "<start>-<end>" range. A leading "bytes " unit
// is accepted.
func parseContentRange(cr string) (start, end int64, err error) {
	rStart, rEnd, ok := strings.Cut(strings.TrimPrefix(cr, "bytes "), "-")
	if !ok {
		return -1, -1, fmt.Errorf("invalid content range format, %s", cr)
	}
	start, err = strconv.ParseInt(rStart, 10, 64)
	if err != nil || start < 0 {
		return -1, -1, fmt.Errorf("invalid content range start, %s", cr)
	}
	end, err = strconv.ParseInt(rEnd, 10, 64)
	if err != nil {
		return -1, -1, fmt.Errorf("invalid content range end, %s", cr)
	}
	return start, end, nil
}
