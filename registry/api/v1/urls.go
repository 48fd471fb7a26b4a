package v1

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/mux"
	"github.com/opencontainers/go-digest"
)

// URLBuilder creates registry API urls from a single base endpoint. It can be
// used to create urls for use in a registry client or server.
//
// All urls will be created from the given base, including the api version.
// For example, if a root of "/foo/" is provided, urls generated will fall
// under "/foo/v1/...". Most application will only provide a schema, host and
// port, such as "https://localhost:5000/".
type URLBuilder struct {
	root     *url.URL // url root (ie http://localhost/)
	router   *mux.Router
	relative bool
}

// NewURLBuilder creates a URLBuilder with provided root url object.
func NewURLBuilder(root *url.URL, relative bool) *URLBuilder {
	return &URLBuilder{
		root:     root,
		router:   Router(),
		relative: relative,
	}
}

// NewURLBuilderFromString works identically to NewURLBuilder except it takes
// a string argument for the root, returning an error if it is not a valid
// url.
func NewURLBuilderFromString(root string, relative bool) (*URLBuilder, error) {
	u, err := url.Parse(root)
	if err != nil {
		return nil, err
	}

	return NewURLBuilder(u, relative), nil
}

// NewURLBuilderFromRequest uses information from an *http.Request to
// construct the root url. The prefix is the configured http prefix of the
// server so built urls point back at it.
func NewURLBuilderFromRequest(r *http.Request, prefix string, relative bool) *URLBuilder {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if forwardedProto := r.Header.Get("X-Forwarded-Proto"); len(forwardedProto) > 0 {
		scheme = forwardedProto
	}

	host := r.Host
	if forwardedHost := r.Header.Get("X-Forwarded-Host"); len(forwardedHost) > 0 {
		// According to the Apache mod_proxy docs, X-Forwarded-Host can be a
		// comma-separated list of hosts, to which each proxy appends the
		// requested host. We want to grab the first from this comma-separated
		// list.
		host, _, _ = strings.Cut(forwardedHost, ",")
		host = strings.TrimSpace(host)
	}

	u := &url.URL{
		Scheme: scheme,
		Host:   host,
	}

	if prefix = strings.Trim(prefix, "/"); prefix != "" {
		u.Path = "/" + prefix + "/"
	}

	return NewURLBuilder(u, relative)
}

// BuildBaseURL constructs a base url for the API, typically just "/v1/".
func (ub *URLBuilder) BuildBaseURL() (string, error) {
	route := ub.cloneRoute(RouteNameBase)

	baseURL, err := route.URL()
	if err != nil {
		return "", err
	}

	return baseURL.String(), nil
}

// BuildBlobsURL constructs the url blobs are ingested at.
func (ub *URLBuilder) BuildBlobsURL(values ...url.Values) (string, error) {
	route := ub.cloneRoute(RouteNameBlobs)

	blobsURL, err := route.URL()
	if err != nil {
		return "", err
	}

	return appendValuesURL(blobsURL, values...).String(), nil
}

// BuildBlobURL constructs the url for the blob identified by dgst.
func (ub *URLBuilder) BuildBlobURL(dgst digest.Digest) (string, error) {
	route := ub.cloneRoute(RouteNameBlob)

	blobURL, err := route.URL("digest", dgst.String())
	if err != nil {
		return "", err
	}

	return blobURL.String(), nil
}

// BuildUploadsURL constructs the url upload sessions are started at.
func (ub *URLBuilder) BuildUploadsURL() (string, error) {
	route := ub.cloneRoute(RouteNameUploads)

	uploadsURL, err := route.URL()
	if err != nil {
		return "", err
	}

	return uploadsURL.String(), nil
}

// BuildUploadURL constructs the url of the upload session id, with optional
// query values such as the digest the session is committed with.
func (ub *URLBuilder) BuildUploadURL(id string, values ...url.Values) (string, error) {
	route := ub.cloneRoute(RouteNameUpload)

	uploadURL, err := route.URL("uuid", id)
	if err != nil {
		return "", err
	}

	return appendValuesURL(uploadURL, values...).String(), nil
}

// cloneRoute returns a clone of the named route from the router. Routes
// must be cloned to avoid modifying them during url generation.
func (ub *URLBuilder) cloneRoute(name string) clonedRoute {
	route := new(mux.Route)
	root := new(url.URL)

	*route = *ub.router.GetRoute(name) // clone the route
	*root = *ub.root

	return clonedRoute{Route: route, root: root, relative: ub.relative}
}

type clonedRoute struct {
	*mux.Route
	root     *url.URL
	relative bool
}

func (cr clonedRoute) URL(pairs ...string) (*url.URL, error) {
	routeURL, err := cr.Route.URL(pairs...)
	if err != nil {
		return nil, err
	}

	if cr.relative {
		return routeURL, nil
	}

	if routeURL.Scheme == "" && routeURL.User == nil && routeURL.Host == "" {
		routeURL.Path = routeURL.Path[1:]
	}

	url := cr.root.ResolveReference(routeURL)
	url.Scheme = cr.root.Scheme
	return url, nil
}

// appendValuesURL appends the parameters to the url.
func appendValuesURL(u *url.URL, values ...url.Values) *url.URL {
	merged := u.Query()

	for _, v := range values {
		for k, vv := range v {
			merged[k] = append(merged[k], vv...)
		}
	}

	u.RawQuery = merged.Encode()
	return u
}
