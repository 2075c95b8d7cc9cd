package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

// requireRole: админские и вендорские маршруты купонов разделены по роли.
func requireRole(actor domain.Actor, role domain.Role) error {
	if actor.Role != role {
		return domain.NewForbiddenError("endpoint requires role %s", role)
	}
	return nil
}

func (s *Server) createCoupon(role domain.Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor := actorFrom(r)
		if err := requireRole(actor, role); err != nil {
			writeError(w, r, s.logger, err)
			return
		}
		var req couponRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, s.logger, err)
			return
		}

		created, err := s.svc.Coupons.Create(r.Context(), actor, req.draft())
		if err != nil {
			writeError(w, r, s.logger, err)
			return
		}
		writeJSON(w, http.StatusCreated, toCouponResponse(created))
	}
}

func (s *Server) updateCoupon(role domain.Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor := actorFrom(r)
		if err := requireRole(actor, role); err != nil {
			writeError(w, r, s.logger, err)
			return
		}
		var req couponRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, s.logger, err)
			return
		}

		updated, err := s.svc.Coupons.Update(r.Context(), actor, chi.URLParam(r, "couponID"), req.draft())
		if err != nil {
			writeError(w, r, s.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, toCouponResponse(updated))
	}
}

// getCoupon: админ видит любой купон, вендор только свой. Остальным купон не существует.
func (s *Server) getCoupon(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	c, err := s.svc.Coupons.Get(r.Context(), chi.URLParam(r, "couponID"))
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	if actor.Role != domain.RoleAdmin && !domain.CanActOn(actor, c.Resource()) {
		writeError(w, r, s.logger, domain.ErrCouponNotFound)
		return
	}
	writeJSON(w, http.StatusOK, toCouponResponse(c))
}

// validateCoupons проверяет коды на корзине вызывающего без погашения.
func (s *Server) validateCoupons(w http.ResponseWriter, r *http.Request) {
	var req validateCouponsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	if len(req.Codes) == 0 {
		writeError(w, r, s.logger, domain.NewValidationError("at least one coupon code is required"))
		return
	}

	app, err := s.svc.Coupons.ApplyAll(r.Context(), req.Codes, actorFrom(r).ID, cartLines(req.Lines))
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toApplicationResponse(app))
}
