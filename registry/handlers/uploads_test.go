package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/distribution/ingest"
	"github.com/distribution/ingest/registry/api/errcode"
)

func (env *testEnv) do(t *testing.T, method, u string, header http.Header, body io.Reader) *http.Response {
	t.Helper()

	req, err := http.NewRequest(method, u, body)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// startUpload opens an upload session and returns its location.
func (env *testEnv) startUpload(t *testing.T) string {
	t.Helper()

	resp := env.do(t, http.MethodPost, env.url("/v1/uploads/"), nil, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Equal(t, "0-0", resp.Header.Get("Range"))

	id := resp.Header.Get(uploadUUIDHeader)
	require.NotEmpty(t, id)
	require.Equal(t, env.url("/v1/uploads/"+id), resp.Header.Get("Location"))
	return resp.Header.Get("Location")
}

func TestUploadSession(t *testing.T) {
	env := newTestEnv(t)
	location := env.startUpload(t)

	resp := env.do(t, http.MethodPatch, location, http.Header{"Content-Range": []string{"0-5"}}, strings.NewReader(helloWorld[:6]))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Equal(t, "0-5", resp.Header.Get("Range"))

	resp = env.do(t, http.MethodPatch, location, nil, strings.NewReader(helloWorld[6:10]))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Equal(t, "0-9", resp.Header.Get("Range"))

	resp = env.do(t, http.MethodGet, location, nil, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, "0-9", resp.Header.Get("Range"))

	resp = env.do(t, http.MethodPut, location+"?digest=sha256:"+helloWorldSHA256,
		http.Header{"Content-Type": []string{"text/plain"}}, strings.NewReader(helloWorld[10:]))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, "sha256:"+helloWorldSHA256, resp.Header.Get(contentDigestHeader))
	require.Equal(t, env.url("/v1/blobs/sha256:"+helloWorldSHA256), resp.Header.Get("Location"))

	var result ingest.Result
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	require.Equal(t, int64(len(helloWorld)), result.Size)
	require.Equal(t, helloWorldSHA256, result.Digests["sha256"])

	resp = env.do(t, http.MethodGet, env.url("/v1/blobs/sha256:"+helloWorldSHA256), nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	p, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, helloWorld, string(p))

	// A committed session is gone.
	resp = env.do(t, http.MethodGet, location, nil, nil)
	checkErrorCode(t, resp, http.StatusNotFound, errcode.ErrorCodeBlobUploadUnknown)
}

func TestUploadSessionCommitWithoutBody(t *testing.T) {
	env := newTestEnv(t)
	location := env.startUpload(t)

	resp := env.do(t, http.MethodPatch, location, nil, strings.NewReader(helloWorld))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = env.do(t, http.MethodPut, location+"?digest=sha256:"+helloWorldSHA256, nil, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestUploadSessionRangeInvalid(t *testing.T) {
	env := newTestEnv(t)
	location := env.startUpload(t)

	resp := env.do(t, http.MethodPatch, location, nil, strings.NewReader(helloWorld[:6]))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	// The chunk must start where the staged content ends.
	resp = env.do(t, http.MethodPatch, location, http.Header{"Content-Range": []string{"0-6"}}, strings.NewReader(helloWorld[6:]))
	checkErrorCode(t, resp, http.StatusRequestedRangeNotSatisfiable, errcode.ErrorCodeRangeInvalid)

	resp = env.do(t, http.MethodPatch, location, http.Header{"Content-Range": []string{"six-twelve"}}, strings.NewReader(helloWorld[6:]))
	checkErrorCode(t, resp, http.StatusRequestedRangeNotSatisfiable, errcode.ErrorCodeRangeInvalid)

	// The range must span the body.
	resp = env.do(t, http.MethodPatch, location, http.Header{"Content-Range": []string{"6-7"}}, strings.NewReader(helloWorld[6:]))
	checkErrorCode(t, resp, http.StatusBadRequest, errcode.ErrorCodeSizeInvalid)

	resp = env.do(t, http.MethodHead, location, nil, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, "0-5", resp.Header.Get("Range"))
}

func TestUploadSessionDigestMissing(t *testing.T) {
	env := newTestEnv(t)
	location := env.startUpload(t)

	resp := env.do(t, http.MethodPut, location, nil, strings.NewReader(helloWorld))
	checkErrorCode(t, resp, http.StatusBadRequest, errcode.ErrorCodeDigestInvalid)

	// The session survives and can still be committed.
	resp = env.do(t, http.MethodPut, location+"?digest=sha256:"+helloWorldSHA256, nil, strings.NewReader(helloWorld))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestUploadSessionDigestMismatch(t *testing.T) {
	env := newTestEnv(t)
	location := env.startUpload(t)

	resp := env.do(t, http.MethodPut, location+"?digest=sha256:"+strings.Repeat("0", 64), nil, strings.NewReader(helloWorld))
	checkErrorCode(t, resp, http.StatusBadRequest, errcode.ErrorCodeDigestInvalid)

	resp = env.do(t, http.MethodGet, env.url("/v1/blobs/sha256:"+helloWorldSHA256), nil, nil)
	checkErrorCode(t, resp, http.StatusNotFound, errcode.ErrorCodeBlobUnknown)

	resp = env.do(t, http.MethodGet, location, nil, nil)
	checkErrorCode(t, resp, http.StatusNotFound, errcode.ErrorCodeBlobUploadUnknown)
}

func TestUploadSessionCancel(t *testing.T) {
	env := newTestEnv(t)
	location := env.startUpload(t)

	resp := env.do(t, http.MethodPatch, location, nil, strings.NewReader(helloWorld))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = env.do(t, http.MethodDelete, location, nil, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	for _, method := range []string{http.MethodGet, http.MethodPatch, http.MethodDelete} {
		resp = env.do(t, method, location, nil, strings.NewReader(helloWorld))
		checkErrorCode(t, resp, http.StatusNotFound, errcode.ErrorCodeBlobUploadUnknown)
	}
}

func TestUploadSessionUnknown(t *testing.T) {
	env := newTestEnv(t)

	for _, id := range []string{"0190b8f4-7d3a-7c1e-9a4b-3f2d1e0c9b8a", "not-a-uuid"} {
		resp := env.do(t, http.MethodGet, env.url("/v1/uploads/"+id), nil, nil)
		checkErrorCode(t, resp, http.StatusNotFound, errcode.ErrorCodeBlobUploadUnknown)
	}
}

func TestParseContentRange(t *testing.T) {
	for _, tc := range []struct {
		in         string
		start, end int64
		err        bool
	}{
		{in: "0-9", start: 0, end: 9},
		{in: "bytes 10-19", start: 10, end: 19},
		{in: "10", err: true},
		{in: "-1-3", err: true},
		{in: "a-b", err: true},
	} {
		start, end, err := parseContentRange(tc.in)
		if tc.err {
			require.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		require.Equal(t, tc.start, start, tc.in)
		require.Equal(t, tc.end, end, tc.in)
	}
}
