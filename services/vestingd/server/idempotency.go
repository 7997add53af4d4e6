package server

import (
	"bytes"
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"tokenvest/services/vestingd/storage"
)

const maxIdempotencyKeyLength = 128

// IdempotencyStore persists responses keyed by Idempotency-Key.
type IdempotencyStore interface {
	Lookup(ctx context.Context, key string) (*storage.IdempotentResponse, error)
	Save(ctx context.Context, resp storage.IdempotentResponse) error
}

// inflight serializes requests that share an idempotency key so the second
// one observes the stored response of the first.
type inflight struct {
	mu   sync.Mutex
	keys map[string]*inflightEntry
}

type inflightEntry struct {
	sync.Mutex
	refs int
}

func (f *inflight) lock(key string) func() {
	f.mu.Lock()
	if f.keys == nil {
		f.keys = make(map[string]*inflightEntry)
	}
	entry, ok := f.keys[key]
	if !ok {
		entry = &inflightEntry{}
		f.keys[key] = entry
	}
	entry.refs++
	f.mu.Unlock()

	entry.Lock()
	return func() {
		entry.Unlock()
		f.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(f.keys, key)
		}
		f.mu.Unlock()
	}
}

// withIdempotency replays the stored response for a repeated
// Idempotency-Key. Keys are scoped to the authenticated caller. Server errors
// are not stored so the client can retry them.
func (s *Server) withIdempotency(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("Idempotency-Key")
		if key == "" || s.idempotency == nil {
			next.ServeHTTP(w, r)
			return
		}
		if len(key) > maxIdempotencyKeyLength {
			writeError(w, http.StatusBadRequest, "invalid_idempotency_key", "idempotency key too long")
			return
		}
		if principal, ok := PrincipalFromContext(r.Context()); ok {
			key = principal.Subject.Hex() + ":" + key
		}
		unlock := s.inflight.lock(key)
		defer unlock()

		record, err := s.idempotency.Lookup(r.Context(), key)
		if err != nil {
			s.logger.Error("idempotency lookup failed", "error", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "idempotency lookup failed")
			return
		}
		if record != nil {
			if record.Method != r.Method || record.Path != r.URL.Path {
				writeError(w, http.StatusUnprocessableEntity, "idempotency_key_reused", "idempotency key was used for a different request")
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotent-Replay", "true")
			w.WriteHeader(record.Status)
			_, _ = w.Write(record.Body)
			return
		}

		recorder := &responseRecorder{ResponseWriter: w}
		next.ServeHTTP(recorder, r)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		if status >= http.StatusInternalServerError {
			return
		}
		err = s.idempotency.Save(r.Context(), storage.IdempotentResponse{
			Key:       key,
			RequestID: uuid.NewString(),
			Method:    r.Method,
			Path:      r.URL.Path,
			Status:    status,
			Body:      recorder.buf.Bytes(),
			CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			s.logger.Error("idempotency save failed", "error", err)
		}
	})
}

// responseRecorder captures the response for idempotent operations.
type responseRecorder struct {
	http.ResponseWriter
	buf    bytes.Buffer
	status int
}

func (rr *responseRecorder) WriteHeader(status int) {
	rr.status = status
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if rr.status == 0 {
		rr.status = http.StatusOK
	}
	rr.buf.Write(b)
	return rr.ResponseWriter.Write(b)
}
