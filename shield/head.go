package shield

import "net/http"

// headWriter drops the response body so HEAD answers carry headers only.
type headWriter struct{ http.ResponseWriter }

func (w headWriter) Write(p []byte) (int, error) { return len(p), nil }

// HeadToGet serves HEAD requests through GET handlers. Routers that only
// register Get routes would otherwise answer HEAD with 405; here the
// handler runs against a GET-shaped clone and the body is discarded.
func HeadToGet(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			next.ServeHTTP(w, r)
			return
		}
		clone := r.Clone(r.Context())
		clone.Method = http.MethodGet
		next.ServeHTTP(headWriter{w}, clone)
	})
}
