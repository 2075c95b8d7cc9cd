package httpapi

import (
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

// Заголовки, которые выставляет внешний identity-провайдер (gateway перед API).
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"
)

// IdentityProvider определяет вызывающую сторону по запросу.
type IdentityProvider interface {
	Identify(r *http.Request) (domain.Actor, error)
}

// HeaderIdentityProvider доверяет заголовкам X-User-ID / X-User-Role.
// Роль system извне не принимается.
type HeaderIdentityProvider struct{}

// Identify разбирает заголовки идентичности.
func (HeaderIdentityProvider) Identify(r *http.Request) (domain.Actor, error) {
	id := strings.TrimSpace(r.Header.Get(HeaderUserID))
	if id == "" {
		return domain.Actor{}, &domain.Error{Code: domain.CodeUnauthorized, Message: "caller identity is required"}
	}
	role, ok := domain.ParseRole(r.Header.Get(HeaderUserRole))
	if !ok {
		return domain.Actor{}, &domain.Error{Code: domain.CodeUnauthorized, Message: "caller role is missing or unknown"}
	}
	return domain.Actor{ID: id, Role: role}, nil
}

// requireIdentity отклоняет запросы без валидной идентичности.
func requireIdentity(provider IdentityProvider, logger *log.Entry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, err := provider.Identify(r)
			if err != nil {
				writeError(w, r, logger, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(domain.ContextWithActor(r.Context(), actor)))
		})
	}
}

func actorFrom(r *http.Request) domain.Actor {
	actor, _ := domain.ActorFromContext(r.Context())
	return actor
}
