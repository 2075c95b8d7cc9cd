package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

const codeInternal = "internal_error"

// errorEnvelope — единый JSON-ответ об ошибке.
type errorEnvelope struct {
	Error     string            `json:"error"`
	Message   string            `json:"message"`
	Status    int               `json:"status"`
	Reason    string            `json:"reason,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
}

// statusFor переводит код доменной ошибки в HTTP-статус.
func statusFor(code domain.ErrorCode) int {
	switch code {
	case domain.CodeValidation:
		return http.StatusBadRequest
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeConflict:
		return http.StatusConflict
	case domain.CodeRateConfigurationMissing, domain.CodeCouponInvalid, domain.CodePaymentVerificationFailed:
		return http.StatusUnprocessableEntity
	case domain.CodeGatewayUnavailable:
		return http.StatusBadGateway
	case domain.CodeUnauthorized:
		return http.StatusUnauthorized
	case domain.CodeForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// writeError пишет конверт ошибки. Внутренние ошибки логируются и наружу не раскрываются.
func writeError(w http.ResponseWriter, r *http.Request, logger *log.Entry, err error) {
	env := errorEnvelope{RequestID: middleware.GetReqID(r.Context())}

	de, ok := domain.AsError(err)
	switch {
	case ok:
		env.Error = string(de.Code)
		env.Status = statusFor(de.Code)
		env.Message = sanitize(err.Error())
		env.Reason = de.Reason
		env.Details = de.Details
		if de.Code == domain.CodeGatewayUnavailable && errors.Is(err, context.DeadlineExceeded) {
			env.Status = http.StatusGatewayTimeout
		}
	case errors.Is(err, context.Canceled):
		env.Error = "request_cancelled"
		env.Status = 499
		env.Message = "request was cancelled by the client"
	default:
		env.Error = codeInternal
		env.Status = http.StatusInternalServerError
		env.Message = "internal server error"
	}

	entry := logger.WithError(err).WithFields(log.Fields{
		"method":     r.Method,
		"path":       r.URL.Path,
		"status":     env.Status,
		"request_id": env.RequestID,
	})
	switch {
	case env.Status >= http.StatusInternalServerError:
		entry.Error("request failed")
	case env.Error == string(domain.CodePaymentVerificationFailed):
		entry.Warn("payment proof rejected")
	default:
		entry.Debug("request rejected")
	}

	writeEnvelope(w, env)
}

// writeProblem пишет ошибку транспортного уровня, у которой нет доменного кода.
func writeProblem(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeEnvelope(w, errorEnvelope{
		Error:     code,
		Message:   message,
		Status:    status,
		RequestID: middleware.GetReqID(r.Context()),
	})
}

func writeEnvelope(w http.ResponseWriter, env errorEnvelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(env.Status)
	_ = json.NewEncoder(w).Encode(env)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func sanitize(value string) string {
	value = strings.ReplaceAll(value, "\n", " ")
	value = strings.ReplaceAll(value, "\r", " ")
	value = strings.TrimSpace(value)
	if len(value) > 512 {
		value = value[:512]
	}
	return value
}
