package httpapi

import (
	"net/http"
	"strings"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

func (s *Server) quote(w http.ResponseWriter, r *http.Request) (domain.Quote, bool) {
	var req quoteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, s.logger, err)
		return domain.Quote{}, false
	}
	q, err := s.svc.Pricing.ComputeQuote(r.Context(), cartLines(req.Lines), req.Country)
	if err != nil {
		writeError(w, r, s.logger, err)
		return domain.Quote{}, false
	}
	return q, true
}

func (s *Server) shippingQuote(w http.ResponseWriter, r *http.Request) {
	q, ok := s.quote(w, r)
	if !ok {
		return
	}
	resp := shippingBreakdown{
		Country:  q.Country,
		Sellers:  make([]shippingLine, 0, len(q.Sellers)),
		Shipping: money(q.Shipping),
		Quote:    toQuoteResponse(q),
	}
	for _, sq := range q.Sellers {
		resp.Sellers = append(resp.Sellers, shippingLine{SellerID: sq.SellerID, Shipping: money(sq.Shipping), Source: sq.ShippingSource})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) computeTaxes(w http.ResponseWriter, r *http.Request) {
	q, ok := s.quote(w, r)
	if !ok {
		return
	}
	resp := taxBreakdown{
		Country: q.Country,
		Sellers: make([]taxLine, 0, len(q.Sellers)),
		Tax:     money(q.Tax),
		Quote:   toQuoteResponse(q),
	}
	for _, sq := range q.Sellers {
		resp.Sellers = append(resp.Sellers, taxLine{
			SellerID: sq.SellerID,
			Taxable:  money(sq.Subtotal.Sub(sq.Discount)),
			Percent:  sq.TaxPercent.String(),
			Tax:      money(sq.Tax),
			Source:   sq.TaxSource,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) putRates(kind domain.RateKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req putRatesRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, s.logger, err)
			return
		}
		rates := make([]domain.CountryRate, 0, len(req.Rates))
		for _, rate := range req.Rates {
			rates = append(rates, domain.CountryRate{Country: rate.Country, Value: rate.Value})
		}

		setting, err := s.svc.Rates.Put(r.Context(), actorFrom(r), kind, rates)
		if err != nil {
			writeError(w, r, s.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, toRateSettingResponse(setting))
	}
}

// getRates: вендор читает свои ставки, админ — админские или любого вендора через ?vendor_id=.
func (s *Server) getRates(kind domain.RateKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor := actorFrom(r)
		ownerType, ownerID := domain.RateOwnerAdmin, ""
		switch actor.Role {
		case domain.RoleVendor:
			ownerType, ownerID = domain.RateOwnerVendor, actor.ID
		case domain.RoleAdmin:
			if vendorID := strings.TrimSpace(r.URL.Query().Get("vendor_id")); vendorID != "" {
				ownerType, ownerID = domain.RateOwnerVendor, vendorID
			}
		default:
			writeError(w, r, s.logger, domain.NewForbiddenError("role %s cannot read rate settings", actor.Role))
			return
		}

		setting, err := s.svc.Rates.Get(r.Context(), kind, ownerType, ownerID)
		if err != nil {
			writeError(w, r, s.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, toRateSettingResponse(setting))
	}
}
