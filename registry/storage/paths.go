package storage

import (
	"fmt"
	"path"

	"github.com/distribution/ingest/digest"
)

const storagePathVersion = "v1"

// pathMapper maps paths based on "object names" and their ids. The "object
// names" mapped by pathMapper are internal to the storage system.
//
// The path layout in the storage backend is roughly as follows:
//
//	<root>/v1
//		-> blobs/<algorithm>
//			<split directory content addressable storage>
//				-> data
//				-> digests
//		-> aliases/<algorithm>/<hex digest>/link
//		-> uploads/<uuid>
//			-> data
//			-> startedat
//			-> chunks/<offset>
//
// The blob store is keyed by the canonical digest of its content, the digest
// computed with the first configured algorithm. Each blob directory holds the
// content in data and the full digest map computed on ingestion in digests.
// Every other digest of a blob is reachable through an alias link holding the
// canonical digest. Uploads are staged under their own uuid and moved into
// the blob store once all data is received and verified. Upload sessions
// keep every appended chunk in its own file, named after the zero padded
// offset of its first byte so a listing sorts in upload order.
//
// The path mapper supports the following path specs:
//
//	blobPathSpec:            <root>/v1/blobs/<algorithm>/<first two hex bytes of digest>/<hex digest>
//	blobDataPathSpec:        <root>/v1/blobs/<algorithm>/<first two hex bytes of digest>/<hex digest>/data
//	blobDigestsPathSpec:     <root>/v1/blobs/<algorithm>/<first two hex bytes of digest>/<hex digest>/digests
//	aliasLinkPathSpec:       <root>/v1/aliases/<algorithm>/<hex digest>/link
//	uploadsRootPathSpec:     <root>/v1/uploads
//	uploadPathSpec:          <root>/v1/uploads/<uuid>
//	uploadDataPathSpec:      <root>/v1/uploads/<uuid>/data
//	uploadStartedAtPathSpec: <root>/v1/uploads/<uuid>/startedat
//	uploadChunksPathSpec:    <root>/v1/uploads/<uuid>/chunks
//	uploadChunkPathSpec:     <root>/v1/uploads/<uuid>/chunks/<offset>
type pathMapper struct {
	root    string
	version string
}

var defaultPathMapper = &pathMapper{
	root:    "/ingest/",
	version: storagePathVersion,
}

// path returns the path identified by spec.
func (pm *pathMapper) path(spec pathSpec) (string, error) {
	rootPrefix := []string{pm.root, pm.version}

	switch v := spec.(type) {
	case blobPathSpec:
		components, err := digestPathComponents(v.digest, true)
		if err != nil {
			return "", err
		}

		return path.Join(append(append(rootPrefix, "blobs"), components...)...), nil
	case blobDataPathSpec:
		blobPath, err := pm.path(blobPathSpec(v))
		if err != nil {
			return "", err
		}

		return path.Join(blobPath, "data"), nil
	case blobDigestsPathSpec:
		blobPath, err := pm.path(blobPathSpec(v))
		if err != nil {
			return "", err
		}

		return path.Join(blobPath, "digests"), nil
	case aliasLinkPathSpec:
		components, err := digestPathComponents(v.digest, false)
		if err != nil {
			return "", err
		}

		return path.Join(append(append(rootPrefix, "aliases"), append(components, "link")...)...), nil
	case uploadsRootPathSpec:
		return path.Join(append(rootPrefix, "uploads")...), nil
	case uploadPathSpec:
		return path.Join(append(rootPrefix, "uploads", v.id)...), nil
	case uploadDataPathSpec:
		return path.Join(append(rootPrefix, "uploads", v.id, "data")...), nil
	case uploadStartedAtPathSpec:
		return path.Join(append(rootPrefix, "uploads", v.id, "startedat")...), nil
	case uploadChunksPathSpec:
		return path.Join(append(rootPrefix, "uploads", v.id, "chunks")...), nil
	case uploadChunkPathSpec:
		if v.offset < 0 {
			return "", fmt.Errorf("invalid chunk offset %d", v.offset)
		}
		return path.Join(append(rootPrefix, "uploads", v.id, "chunks", fmt.Sprintf(chunkNameFormat, v.offset))...), nil
	default:
		return "", fmt.Errorf("unknown path spec: %#v", v)
	}
}

// pathSpec is a type to mark structs as path specs. There is no
// implementation because we'd like to keep the specs and the mappers
// decoupled.
type pathSpec interface {
	pathSpec()
}

// blobPathSpec contains the path for the blob store directory of a canonical
// digest.
type blobPathSpec struct {
	digest digest.Digest
}

func (blobPathSpec) pathSpec() {}

// blobDataPathSpec contains the path of the blob content.
type blobDataPathSpec struct {
	digest digest.Digest
}

func (blobDataPathSpec) pathSpec() {}

// blobDigestsPathSpec contains the path of the digest map recorded when the
// blob was ingested.
type blobDigestsPathSpec struct {
	digest digest.Digest
}

func (blobDigestsPathSpec) pathSpec() {}

// aliasLinkPathSpec points a non-canonical digest at its canonical digest.
type aliasLinkPathSpec struct {
	digest digest.Digest
}

func (aliasLinkPathSpec) pathSpec() {}

// uploadsRootPathSpec returns the root of all uploads.
type uploadsRootPathSpec struct{}

func (uploadsRootPathSpec) pathSpec() {}

// uploadPathSpec is the directory holding every file of an upload.
type uploadPathSpec struct {
	id string
}

func (uploadPathSpec) pathSpec() {}

// uploadChunksPathSpec is the directory of the chunks staged by an upload
// session.
type uploadChunksPathSpec struct {
	id string
}

func (uploadChunksPathSpec) pathSpec() {}

// chunkNameFormat names chunk files. Twenty digits hold any int64 offset.
const chunkNameFormat = "%020d"

// uploadChunkPathSpec is the file of the chunk starting at offset.
type uploadChunkPathSpec struct {
	id     string
	offset int64
}

func (uploadChunkPathSpec) pathSpec() {}

// uploadDataPathSpec defines the path parameters of the data file for
// uploads.
type uploadDataPathSpec struct {
	id string
}

func (uploadDataPathSpec) pathSpec() {}

// uploadStartedAtPathSpec defines the path parameters for the file that
// stores the start time of an upload. Stale uploads are found through it
// without relying on driver FileInfo behavior.
type uploadStartedAtPathSpec struct {
	id string
}

func (uploadStartedAtPathSpec) pathSpec() {}

// digestPathComponents provides a consistent path breakdown for a given
// digest. For a generic digest, it will be as follows:
//
//	<algorithm>/<hex digest>
//
// If multilevel is true, the first two bytes of the digest will separate
// groups of digest folder. It will be as follows:
//
//	<algorithm>/<first two bytes of digest>/<full digest>
func digestPathComponents(dgst digest.Digest, multilevel bool) ([]string, error) {
	if err := digest.Validate(dgst); err != nil {
		return nil, err
	}

	algorithm := dgst.Algorithm().String()
	hex := dgst.Encoded()
	prefix := []string{algorithm}

	var suffix []string

	if multilevel {
		suffix = append(suffix, hex[:2])
	}

	suffix = append(suffix, hex)

	return append(prefix, suffix...), nil
}
