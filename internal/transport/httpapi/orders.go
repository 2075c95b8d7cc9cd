package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/service/order"
)

const maxOrderPageSize = 100

func (s *Server) createOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, s.logger, err)
		return
	}

	created, err := s.svc.Orders.CreateOrder(r.Context(), actorFrom(r), order.CreateOrderCommand{
		Lines:       cartLines(req.Lines),
		CouponCodes: req.CouponCodes,
		Country:     req.Country,
		Currency:    req.Currency,
	})
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, toOrderResponse(created))
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.svc.Orders.Get(r.Context(), chi.URLParam(r, "orderID"), actorFrom(r))
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(o))
}

// listOrders: клиент видит свои заказы, админ видит заказы указанного customer_id.
func (s *Server) listOrders(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit := 0
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, r, s.logger, domain.NewValidationError("limit must be a non-negative integer"))
			return
		}
		limit = min(n, maxOrderPageSize)
	}

	orders, err := s.svc.Orders.List(r.Context(), actorFrom(r), strings.TrimSpace(query.Get("customer_id")), limit)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	resp := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		resp = append(resp, toOrderResponse(o))
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": resp})
}

func (s *Server) orderTimeline(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	events, err := s.svc.Orders.Timeline(r.Context(), orderID, actorFrom(r))
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	resp := timelineResponse{OrderID: orderID, Events: make([]timelineEventResponse, 0, len(events))}
	for _, e := range events {
		resp.Events = append(resp.Events, timelineEventResponse{Type: e.Type, Reason: e.Reason, Actor: e.Actor, Occurred: e.Occurred})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) transitionOrder(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	target := domain.OrderStatus(strings.ToLower(strings.TrimSpace(req.Status)))
	if !target.Valid() {
		writeError(w, r, s.logger, domain.NewValidationError("unknown order status %q", req.Status))
		return
	}

	updated, err := s.svc.Orders.Transition(r.Context(), chi.URLParam(r, "orderID"), target, actorFrom(r))
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(updated))
}
