package idempotency

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
)

const (
	HeaderKey    = "Idempotency-Key"
	HeaderReplay = "Idempotent-Replayed"
	maxKeyLength = 255
	maxBodyBytes = 1 << 20
)

// Middleware replays the stored response when a request repeats an
// Idempotency-Key with the same body. Requests without the header pass
// through untouched. Only 2xx responses are stored.
func (s *Store) Middleware(logger *slog.Logger) func(http.Handler) http.Handler {
	logger = logger.With("component", "idempotency")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(HeaderKey)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > maxKeyLength {
				writeError(w, http.StatusBadRequest, "Idempotency-Key is too long")
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
			if err != nil {
				writeError(w, http.StatusBadRequest, "failed to read request body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			fp := Fingerprint(r.Method, r.URL.Path, body)

			entry, err := s.Get(key, fp)
			switch {
			case err == nil:
				w.Header().Set("Content-Type", entry.ContentType)
				w.Header().Set(HeaderReplay, "true")
				w.WriteHeader(entry.StatusCode)
				w.Write(entry.Body)
				return
			case errors.Is(err, ErrKeyReused):
				writeError(w, http.StatusUnprocessableEntity, "Idempotency-Key was already used with a different request")
				return
			case !errors.Is(err, ErrNotFound):
				logger.Error("idempotency lookup failed", "error", err)
				writeError(w, http.StatusInternalServerError, "internal server error")
				return
			}

			var buf bytes.Buffer
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			ww.Tee(&buf)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status < 200 || status > 299 {
				return
			}
			_, _, err = s.Put(key, &Entry{
				Fingerprint: fp,
				StatusCode:  status,
				ContentType: ww.Header().Get("Content-Type"),
				Body:        buf.Bytes(),
			})
			if err != nil {
				logger.Error("failed to store idempotent response", "key", key, "error", err)
			}
		})
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
