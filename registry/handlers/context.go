package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/distribution/ingest"
	"github.com/distribution/ingest/digest"
	"github.com/distribution/ingest/internal/dcontext"
	"github.com/distribution/ingest/registry/api/errcode"
	v1 "github.com/distribution/ingest/registry/api/v1"
)

// Context should contain the request specific context for use in across
// handlers. Resources that don't need to be shared across handlers should not
// be on this object.
type Context struct {
	// App points to the application structure that created this context.
	*App
	context.Context

	// Blobs is the blob store for the current request, decorated with the
	// event bridge of the request.
	Blobs ingest.BlobStore

	// Errors is a collection of errors encountered during the request to be
	// returned to the client API. If errors are added to the collection, the
	// handler *must not* start the response via http.ResponseWriter.
	Errors errcode.Errors

	urlBuilder *v1.URLBuilder
}

// Value overrides context.Context.Value to ensure that calls are routed to
// correct context.
func (ctx *Context) Value(key any) any {
	return ctx.Context.Value(key)
}

var errDigestNotAvailable = errors.New("digest not available in context")

// getDigest returns the validated digest of the current route.
func getDigest(ctx context.Context) (digest.Digest, error) {
	dgstStr := dcontext.GetStringValue(ctx, "vars.digest")

	if dgstStr == "" {
		dcontext.GetLogger(ctx).Errorf("digest not available")
		return "", errDigestNotAvailable
	}

	return digest.Parse(dgstStr)
}

// getUserName names the actor of a request. Credentials are not verified;
// the name only labels events.
func getUserName(r *http.Request) string {
	username, _, _ := r.BasicAuth()
	return username
}
