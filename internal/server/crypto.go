package server

import "net/http"

// publicKeyHandler handles GET /crypto/pk. The key is returned as a
// bare PEM body so clients can feed it straight into their encryption
// library.
func (cfg Config) publicKeyHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(cfg.Keys.PublicKeyPEM()))
	})
}
