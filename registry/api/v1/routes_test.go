package v1

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"
)

type routeTestCase struct {
	RequestURI  string
	ExpectedURI string
	Vars        map[string]string
	RouteName   string
	StatusCode  int
}

// TestRouter registers a test handler with all the routes and ensures that
// each route returns the expected path variables. No method verification is
// present.
func TestRouter(t *testing.T) {
	t.Parallel()
	tests := []routeTestCase{
		{
			RouteName:  RouteNameBase,
			RequestURI: "/v1/",
			Vars:       map[string]string{},
		},
		{
			RouteName:  RouteNameBlobs,
			RequestURI: "/v1/blobs/",
			Vars:       map[string]string{},
		},
		{
			RouteName:  RouteNameBlob,
			RequestURI: "/v1/blobs/sha256:abcdef0919234",
			Vars: map[string]string{
				"digest": "sha256:abcdef0919234",
			},
		},
		{
			RouteName:  RouteNameBlob,
			RequestURI: "/v1/blobs/blake2b-256:abcdef0919234",
			Vars: map[string]string{
				"digest": "blake2b-256:abcdef0919234",
			},
		},
		{
			// Strict slash redirects to the canonical blobs route.
			RouteName:   RouteNameBlobs,
			RequestURI:  "/v1/blobs",
			ExpectedURI: "/v1/blobs/",
			Vars:        map[string]string{},
			StatusCode:  http.StatusMovedPermanently,
		},
		{
			RouteName:  RouteNameUploads,
			RequestURI: "/v1/uploads/",
			Vars:       map[string]string{},
		},
		{
			RouteName:  RouteNameUpload,
			RequestURI: "/v1/uploads/0190b8f4-7d3a-7c1e-9a4b-3f2d1e0c9b8a",
			Vars: map[string]string{
				"uuid": "0190b8f4-7d3a-7c1e-9a4b-3f2d1e0c9b8a",
			},
		},
		{
			RequestURI: "/v1/uploads/0190b8f4-7d3a-7c1e-9a4b-3f2d1e0c9b8a/chunks",
			StatusCode: http.StatusNotFound,
		},
		{
			RequestURI: "/v1/blobs/not-a-digest",
			StatusCode: http.StatusNotFound,
		},
		{
			RequestURI: "/v2/",
			StatusCode: http.StatusNotFound,
		},
	}

	checkTestRouter(t, tests, "", true)
	checkTestRouter(t, tests, "/prefix/", true)
}

func checkTestRouter(t *testing.T, tests []routeTestCase, prefix string, deeplyEqual bool) {
	router := RouterWithPrefix(prefix)

	testHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		testCase := routeTestCase{
			RequestURI: r.RequestURI,
			Vars:       mux.Vars(r),
			RouteName:  mux.CurrentRoute(r).GetName(),
		}

		enc := json.NewEncoder(w)

		if err := enc.Encode(testCase); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	})

	// Startup test server
	server := httptest.NewServer(router)
	defer server.Close()

	for _, route := range allEndpoints {
		router.GetRoute(route).Handler(testHandler)
	}

	client := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	for _, testcase := range tests {
		testcase.RequestURI = prefix[:max(len(prefix)-1, 0)] + testcase.RequestURI
		if testcase.ExpectedURI != "" {
			testcase.ExpectedURI = prefix[:max(len(prefix)-1, 0)] + testcase.ExpectedURI
		}

		// Register the endpoint
		u := server.URL + testcase.RequestURI

		resp, err := client.Get(u)
		require.NoError(t, err, u)
		func() {
			defer resp.Body.Close()

			if testcase.StatusCode == 0 {
				// Override default, zero-value
				testcase.StatusCode = http.StatusOK
			}
			if testcase.ExpectedURI == "" {
				// Override default, zero-value
				testcase.ExpectedURI = testcase.RequestURI
			}

			require.Equal(t, testcase.StatusCode, resp.StatusCode, u)

			if testcase.StatusCode == http.StatusMovedPermanently {
				require.Equal(t, testcase.ExpectedURI, resp.Header.Get("Location"), u)
				return
			}

			if testcase.StatusCode != http.StatusOK {
				// We don't care about json response.
				return
			}

			var actualRouteInfo routeTestCase
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&actualRouteInfo), u)

			// NOTE: ExpectedURI is only used for redirect checks.
			actualRouteInfo.ExpectedURI = testcase.ExpectedURI
			actualRouteInfo.StatusCode = testcase.StatusCode

			if deeplyEqual {
				require.Equal(t, testcase, actualRouteInfo, u)
			} else {
				require.Equal(t, testcase.RouteName, actualRouteInfo.RouteName, u)
			}
		}()
	}
}
