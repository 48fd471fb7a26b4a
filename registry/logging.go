package registry

import (
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	gorhandlers "github.com/gorilla/handlers"
)

// jsonLogEntry represents a log entry in JSON format.
type jsonLogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Method    string    `json:"method"`
	Path      string    `json:"path"`
	Status    int       `json:"status"`
	Size      int       `json:"size"`
	Referer   string    `json:"referer"`
	UserAgent string    `json:"user_agent"`
	Remote    string    `json:"remote_addr"`
}

// writeJSONCombinedLog writes a log entry for a request to w in JSON format
// similar to Combined Log Format.
func writeJSONCombinedLog(w io.Writer, params gorhandlers.LogFormatterParams) {
	_ = json.NewEncoder(w).Encode(&jsonLogEntry{
		Timestamp: params.TimeStamp.UTC(),
		Method:    params.Request.Method,
		Path:      params.URL.Path,
		Status:    params.StatusCode,
		Size:      params.Size,
		Referer:   params.Request.Referer(),
		UserAgent: params.Request.UserAgent(),
		Remote:    params.Request.RemoteAddr,
	})
}

// JSONLoggingHandler returns a http.Handler that wraps h and logs requests in
// JSON format similar to Combined Log Format.
func JSONLoggingHandler(out io.Writer, h http.Handler) http.Handler {
	return gorhandlers.CustomLoggingHandler(out, h, writeJSONCombinedLog)
}
