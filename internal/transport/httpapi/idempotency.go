package httpapi

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

const (
	// HeaderIdempotencyKey — ключ повторяемого POST-запроса.
	HeaderIdempotencyKey = "Idempotency-Key"
	// HeaderIdempotentReplay выставляется на ответе, взятом из кеша.
	HeaderIdempotentReplay = "Idempotent-Replay"
)

// idempotent кеширует ответ по Idempotency-Key в пределах вызывающего.
// Без заголовка запрос выполняется как обычно.
func (s *Server) idempotent(next http.Handler) http.Handler {
	repo := s.cfg.Idempotency
	if repo == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			writeError(w, r, s.logger, domain.NewValidationError("cannot read request body: %v", err))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		actor := actorFrom(r)
		scopedKey := domain.IdempotencyScope(actor.ID, key)
		hash := requestHash(r, actor, body)
		ctx := r.Context()
		logger := s.logger.WithFields(log.Fields{"idempotency_key": key, "path": r.URL.Path})

		record, err := repo.CreateProcessing(ctx, scopedKey, hash, domain.IdempotencyExpiry(time.Now().UTC(), s.cfg.IdempotencyTTL))
		if err != nil {
			s.replayIdempotent(w, r, logger, record, err)
			return
		}

		rec := &teeRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		status := rec.statusCode()
		if status < http.StatusBadRequest {
			err = repo.MarkDone(ctx, scopedKey, rec.body.Bytes(), status)
		} else {
			err = repo.MarkFailed(ctx, scopedKey, rec.body.Bytes(), status)
		}
		if err != nil {
			logger.WithError(err).Warn("failed to store idempotent response")
		}
	})
}

func (s *Server) replayIdempotent(w http.ResponseWriter, r *http.Request, logger *log.Entry, record domain.IdempotencyRecord, createErr error) {
	switch {
	case errors.Is(createErr, domain.ErrIdempotencyHashMismatch):
		writeProblem(w, r, http.StatusConflict, "idempotency_key_conflict", "idempotency key is already used with a different request")
	case errors.Is(createErr, domain.ErrIdempotencyKeyAlreadyExists):
		switch {
		case record.Replayable():
			status := record.HTTPStatus
			if status == 0 {
				status = http.StatusOK
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set(HeaderIdempotentReplay, "true")
			w.WriteHeader(status)
			_, _ = w.Write(record.ResponseBody)
		case record.Status == domain.IdempotencyStatusProcessing:
			writeProblem(w, r, http.StatusConflict, "idempotency_in_progress", "request with the same idempotency key is still processing")
		default:
			logger.WithField("status", record.Status).Error("unknown idempotency record status")
			writeProblem(w, r, http.StatusInternalServerError, codeInternal, "internal server error")
		}
	default:
		logger.WithError(createErr).Error("failed to create idempotency record")
		writeProblem(w, r, http.StatusInternalServerError, codeInternal, "internal server error")
	}
}

// requestHash считает отпечаток запроса по методу, пути, актору и телу.
func requestHash(r *http.Request, actor domain.Actor, body []byte) string {
	h := sha256.New()
	for _, part := range []string{r.Method, r.URL.Path, r.URL.RawQuery, actor.ID, string(actor.Role)} {
		h.Write([]byte(part))
		h.Write([]byte{'|'})
	}
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// teeRecorder пишет ответ клиенту и одновременно копит тело для кеша.
type teeRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (t *teeRecorder) WriteHeader(status int) {
	if t.status == 0 {
		t.status = status
	}
	t.ResponseWriter.WriteHeader(status)
}

func (t *teeRecorder) Write(p []byte) (int, error) {
	if t.status == 0 {
		t.status = http.StatusOK
	}
	t.body.Write(p)
	return t.ResponseWriter.Write(p)
}

func (t *teeRecorder) statusCode() int {
	if t.status == 0 {
		return http.StatusOK
	}
	return t.status
}
