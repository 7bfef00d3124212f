package shield

import "net/http"

// MaxBody returns middleware that caps the request body size on mutating
// methods. Onboarding payloads carry website and competitor analysis blobs,
// so the cap has to leave headroom; 1 MiB is the stack default.
func MaxBody(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodPost, http.MethodPut, http.MethodPatch:
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}
