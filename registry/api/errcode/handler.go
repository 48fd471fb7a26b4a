package errcode

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/distribution/ingest/registry/storage/driver"
)

// ServeJSON attempts to serve the errcode in a JSON envelope. It marshals err
// and sets the content-type header to 'application/json'. It will handle
// ErrorCoder and Errors, and if necessary will create an envelope.
func ServeJSON(w http.ResponseWriter, err error) error {
	w.Header().Set("Content-Type", "application/json")
	var sc int

	switch errs := err.(type) {
	case Errors:
		if len(errs) < 1 {
			break
		}

		for i := range errs {
			if err2, ok := errs[i].(Error); ok {
				errs[i] = replaceError(err2)
			}
		}

		if err, ok := errs[0].(ErrorCoder); ok {
			sc = err.ErrorCode().Descriptor().HTTPStatusCode
		}
	case ErrorCoder:
		if err2, ok := errs.(Error); ok {
			errs = replaceError(err2)
		}

		sc = errs.ErrorCode().Descriptor().HTTPStatusCode
		err = Errors{errs.(error)} // envelope the replaced error.
	default:
		// We just have an unhandled error type, so just place in an envelope
		// and move along.
		err = Errors{err}
	}

	if sc == 0 {
		sc = http.StatusInternalServerError
	}

	w.WriteHeader(sc)

	return json.NewEncoder(w).Encode(err)
}

// replaceError reports storage backend timeouts as unavailability instead of
// an unknown error.
func replaceError(e Error) Error {
	detail, ok := e.Detail.(error)
	if !ok {
		return e
	}

	var serr driver.Error
	if !errors.As(detail, &serr) {
		return e
	}

	if errors.Is(serr, context.DeadlineExceeded) {
		return ErrorCodeUnavailable.WithDetail(serr.Error())
	}

	return e
}
