package requestutil

import (
	"net/http"
	"strings"
)

// AcceptedMediaTypes returns the media types listed in every Accept header
// of h, in header order. Values are split on commas and trimmed; empty
// entries are dropped. Media type parameters such as q are kept verbatim.
func AcceptedMediaTypes(h http.Header) []string {
	var mediaTypes []string
	for _, value := range h.Values("Accept") {
		for _, mediaType := range strings.Split(value, ",") {
			if mediaType = strings.TrimSpace(mediaType); mediaType != "" {
				mediaTypes = append(mediaTypes, mediaType)
			}
		}
	}
	return mediaTypes
}

// PreferredMediaType returns the first media type accepted by h that is one
// of offers, ignoring parameters. A missing Accept header or a wildcard picks
// the first offer. It returns "" when nothing acceptable is offered.
func PreferredMediaType(h http.Header, offers ...string) string {
	accepted := AcceptedMediaTypes(h)
	if len(accepted) == 0 && len(offers) > 0 {
		return offers[0]
	}

	for _, mediaType := range accepted {
		mediaType, _, _ = strings.Cut(mediaType, ";")
		mediaType = strings.ToLower(strings.TrimSpace(mediaType))

		for _, offer := range offers {
			if mediaType == offer || mediaType == "*/*" || (strings.HasSuffix(mediaType, "/*") && strings.HasPrefix(offer, strings.TrimSuffix(mediaType, "*"))) {
				return offer
			}
		}
	}
	return ""
}
