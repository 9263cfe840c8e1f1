package observability

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

// ResponseRecorder wraps a ResponseWriter and remembers the status code and
// body size written through it.
type ResponseRecorder struct {
	http.ResponseWriter
	Status int
	Bytes  int64

	wroteHeader bool
}

// NewResponseRecorder wraps w. Status defaults to 200.
func NewResponseRecorder(w http.ResponseWriter) *ResponseRecorder {
	if rec, ok := w.(*ResponseRecorder); ok {
		return rec
	}
	return &ResponseRecorder{ResponseWriter: w, Status: http.StatusOK}
}

func (w *ResponseRecorder) WriteHeader(code int) {
	if !w.wroteHeader {
		w.Status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *ResponseRecorder) Write(b []byte) (int, error) {
	w.wroteHeader = true
	n, err := w.ResponseWriter.Write(b)
	w.Bytes += int64(n)
	return n, err
}

func (w *ResponseRecorder) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// RoutePattern returns the chi route that matched r, e.g.
// "/api/subjects/{id}/decisions", or the raw path when none did. Call it
// after the router has served r.
func RoutePattern(r *http.Request) string {
	rc := chi.RouteContext(r.Context())
	if rc == nil {
		return r.URL.Path
	}
	if p := strings.TrimSuffix(strings.Join(rc.RoutePatterns, ""), "/*"); p != "" {
		return p
	}
	return r.URL.Path
}
