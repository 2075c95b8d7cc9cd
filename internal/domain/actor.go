package domain

import (
	"context"
	"strings"
)

// Role — роль вызывающей стороны.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleVendor   Role = "vendor"
	RoleAdmin    Role = "admin"
	// RoleSystem используется платёжным адаптером и машиной возвратов,
	// извне через HTTP не принимается.
	RoleSystem Role = "system"
)

// ParseRole разбирает роль, пришедшую от identity-провайдера.
func ParseRole(raw string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleCustomer:
		return RoleCustomer, true
	case RoleVendor:
		return RoleVendor, true
	case RoleAdmin:
		return RoleAdmin, true
	default:
		return "", false
	}
}

// Actor описывает вызывающую сторону.
type Actor struct {
	ID   string
	Role Role
}

// SystemActor возвращает внутреннего актора для переходов, инициированных самим ядром.
func SystemActor(component string) Actor {
	return Actor{ID: "system:" + component, Role: RoleSystem}
}

// Resource описывает владение ресурсом для проверки прав.
type Resource struct {
	// OwnerID: клиент-владелец (для заказов и возвратов).
	OwnerID string
	// SellerIDs — продавцы, чьи позиции входят в ресурс.
	SellerIDs []string
	// ExclusiveSellers требует, чтобы вендор владел всеми позициями ресурса.
	ExclusiveSellers bool
}

// CanActOn решает, может ли актор менять ресурс. Его вызывают все точки входа с мутациями.
func CanActOn(actor Actor, res Resource) bool {
	if actor.ID == "" {
		return false
	}

	switch actor.Role {
	case RoleAdmin, RoleSystem:
		return true
	case RoleCustomer:
		return res.OwnerID != "" && res.OwnerID == actor.ID
	case RoleVendor:
		if len(res.SellerIDs) == 0 {
			return false
		}
		for _, sellerID := range res.SellerIDs {
			if sellerID == actor.ID {
				if !res.ExclusiveSellers {
					return true
				}
				continue
			}
			if res.ExclusiveSellers {
				return false
			}
		}
		return res.ExclusiveSellers
	default:
		return false
	}
}

type actorKey struct{}

// ContextWithActor кладёт вызывающего в контекст запроса.
func ContextWithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext возвращает вызывающего, если он был положен в контекст.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorKey{}).(Actor)
	return actor, ok
}
