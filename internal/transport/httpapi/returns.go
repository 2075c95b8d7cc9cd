package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

func (s *Server) createReturn(w http.ResponseWriter, r *http.Request) {
	var req createReturnRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, s.logger, err)
		return
	}

	created, err := s.svc.Returns.CreateReturn(r.Context(), actorFrom(r), req.command())
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, toReturnResponse(created))
}

func (s *Server) getReturn(w http.ResponseWriter, r *http.Request) {
	ret, err := s.svc.Returns.Get(r.Context(), chi.URLParam(r, "returnID"), actorFrom(r))
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toReturnResponse(ret))
}

func (s *Server) listOrderReturns(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.Returns.ListByOrder(r.Context(), chi.URLParam(r, "orderID"), actorFrom(r))
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	resp := make([]returnResponse, 0, len(list))
	for _, ret := range list {
		resp = append(resp, toReturnResponse(ret))
	}
	writeJSON(w, http.StatusOK, map[string]any{"returns": resp})
}

func (s *Server) updateReturn(w http.ResponseWriter, r *http.Request) {
	var req updateReturnRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	target := domain.ReturnStatus(strings.ToLower(strings.TrimSpace(req.Status)))
	if !target.Valid() {
		writeError(w, r, s.logger, domain.NewValidationError("unknown return status %q", req.Status))
		return
	}

	updated, err := s.svc.Returns.UpdateStatus(r.Context(), chi.URLParam(r, "returnID"), target, actorFrom(r), req.Note)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toReturnResponse(updated))
}
