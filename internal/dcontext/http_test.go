package dcontext

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWithRequest(t *testing.T) {
	var req http.Request

	start := time.Now()
	req.Method = http.MethodGet
	req.Host = "example.com"
	req.RequestURI = "/test-test"
	req.Header = make(http.Header)
	req.Header.Set("Referer", "foo.com/referer")
	req.Header.Set("User-Agent", "test/0.1")

	ctx := WithRequest(Background(), &req)
	for _, testcase := range []struct {
		key      string
		expected any
	}{
		{
			key:      "http.request",
			expected: &req,
		},
		{
			key: "http.request.id",
		},
		{
			key:      "http.request.method",
			expected: req.Method,
		},
		{
			key:      "http.request.host",
			expected: req.Host,
		},
		{
			key:      "http.request.uri",
			expected: req.RequestURI,
		},
		{
			key:      "http.request.referer",
			expected: req.Referer(),
		},
		{
			key:      "http.request.useragent",
			expected: req.UserAgent(),
		},
		{
			key:      "http.request.remoteaddr",
			expected: req.RemoteAddr,
		},
		{
			key: "http.request.startedat",
		},
	} {
		v := ctx.Value(testcase.key)
		require.NotNil(t, v, testcase.key)

		if testcase.expected != nil {
			require.Equal(t, testcase.expected, v, testcase.key)
		}

		// Key specific checks!
		switch testcase.key {
		case "http.request.id":
			require.IsType(t, "", v)
			require.Equal(t, v, GetRequestID(ctx))
		case "http.request.startedat":
			vt, ok := v.(time.Time)
			require.True(t, ok, "value not a time: %v", v)

			now := time.Now()
			require.False(t, vt.After(now), "time generated too late: %v > %v", vt, now)
			require.False(t, vt.Before(start), "time generated too early: %v < %v", vt, start)
		}
	}

	require.Panics(t, func() { WithRequest(ctx, &req) })
}

func TestWithResponseWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	ctx, rw := WithResponseWriter(Background(), rec)

	grw, err := GetResponseWriter(ctx)
	require.NoError(t, err)
	require.Equal(t, rw, grw)

	rw.Header().Set("Content-Type", "text/plain")
	rw.WriteHeader(http.StatusTeapot)
	n, err := rw.Write(make([]byte, 1024))
	require.NoError(t, err)
	require.Equal(t, 1024, n)

	require.Equal(t, http.StatusTeapot, ctx.Value("http.response.status"))
	require.Equal(t, int64(1024), ctx.Value("http.response.written"))
	require.Equal(t, "text/plain", ctx.Value("http.response.contenttype"))

	_, err = GetResponseWriter(context.Background())
	require.ErrorIs(t, err, ErrNoResponseWriterContext)
}

func TestWithVars(t *testing.T) {
	var req http.Request
	vars := map[string]string{
		"foo": "asdf",
		"bar": "qwer",
	}

	defer func(orig func(*http.Request) map[string]string) { getVarsFromRequest = orig }(getVarsFromRequest)
	getVarsFromRequest = func(r *http.Request) map[string]string {
		if r != &req {
			t.Fatalf("unexpected request: %v != %v", r, req)
		}

		return vars
	}

	ctx := WithVars(Background(), &req)
	for _, testcase := range []struct {
		key      string
		expected any
	}{
		{
			key:      "vars",
			expected: vars,
		},
		{
			key:      "vars.foo",
			expected: "asdf",
		},
		{
			key:      "vars.bar",
			expected: "qwer",
		},
	} {
		require.Equal(t, testcase.expected, ctx.Value(testcase.key), testcase.key)
	}
}

func TestRemoteAddrInRequestContext(t *testing.T) {
	req := &http.Request{
		RemoteAddr: "10.0.0.1:1234",
		Header:     http.Header{"X-Forwarded-For": []string{"192.168.1.2, 10.0.0.3"}},
		URL:        &url.URL{Path: "/"},
	}

	ctx := WithRequest(Background(), req)
	require.Equal(t, "192.168.1.2", ctx.Value("http.request.remoteaddr"))
}
