package v1

import (
	"strings"

	"github.com/gorilla/mux"
	"github.com/opencontainers/go-digest"
)

// The following are definitions of the name under which all V1 routes are
// registered. These symbols can be used to look up a route based on the name.
const (
	RouteNameBase    = "base"
	RouteNameBlobs   = "blobs"
	RouteNameBlob    = "blob"
	RouteNameUploads = "uploads"
	RouteNameUpload  = "upload"
)

var allEndpoints = []string{
	RouteNameBase,
	RouteNameBlobs,
	RouteNameBlob,
	RouteNameUploads,
	RouteNameUpload,
}

// Router builds a gorilla router with named routes for the various API
// methods. This can be used directly by both server implementations and
// clients.
func Router() *mux.Router {
	return RouterWithPrefix("")
}

// RouterWithPrefix builds a gorilla router with a configured prefix
// on all routes.
func RouterWithPrefix(prefix string) *mux.Router {
	rootRouter := mux.NewRouter()
	router := rootRouter
	if prefix = strings.TrimSuffix(prefix, "/"); prefix != "" {
		router = router.PathPrefix(prefix).Subrouter()
	}

	router.StrictSlash(true)

	// GET	/v1/	Base	Check that the endpoint implements the ingest API.
	router.Path("/v1/").Name(RouteNameBase)

	// POST	/v1/blobs/	Blobs	Ingest the request body as a single blob.
	// PUT	/v1/blobs/	Blobs	Same as POST.
	router.Path("/v1/blobs/").Name(RouteNameBlobs)

	// GET	/v1/blobs/<digest>	Blob	Fetch the blob identified by any of its digests.
	// HEAD	/v1/blobs/<digest>	Blob	Describe the blob without its content.
	// DELETE	/v1/blobs/<digest>	Blob	Delete the blob and every digest alias.
	router.Path("/v1/blobs/{digest:" + digest.DigestRegexp.String() + "}").Name(RouteNameBlob)

	// POST	/v1/uploads/	Uploads	Start an upload session.
	router.Path("/v1/uploads/").Name(RouteNameUploads)

	// GET	/v1/uploads/<uuid>	Upload	Report the bytes staged so far.
	// PATCH	/v1/uploads/<uuid>	Upload	Stage the request body as the next chunk.
	// PUT	/v1/uploads/<uuid>?digest=<digest>	Upload	Stage an optional last chunk and commit.
	// DELETE	/v1/uploads/<uuid>	Upload	Cancel the session.
	router.Path("/v1/uploads/{uuid:[a-zA-Z0-9-_.=]+}").Name(RouteNameUpload)

	return rootRouter
}
