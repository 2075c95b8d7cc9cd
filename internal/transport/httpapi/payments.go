package httpapi

import (
	"io"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/service/payment"
)

// Заголовки подписи webhook: Stripe и HMAC mock-шлюза.
const (
	HeaderStripeSignature = "Stripe-Signature"
	HeaderSignature       = "X-Signature"
)

func (s *Server) createCheckoutSession(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	if strings.TrimSpace(req.OrderID) == "" {
		writeError(w, r, s.logger, domain.NewValidationError("order_id is required"))
		return
	}

	txn, err := s.svc.Payments.CreateCheckoutSession(r.Context(), actorFrom(r), req.OrderID)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionResponse(txn))
}

// handleIPN принимает webhook шлюза. Нерелевантные события подтверждаются 200,
// чтобы шлюз не повторял доставку.
func (s *Server) handleIPN(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, r, s.logger, domain.NewValidationError("cannot read ipn payload: %v", err))
		return
	}
	signature := r.Header.Get(HeaderStripeSignature)
	if signature == "" {
		signature = r.Header.Get(HeaderSignature)
	}

	res, handled, err := s.svc.Payments.HandleIPN(r.Context(), payload, signature)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	if !handled {
		writeJSON(w, http.StatusOK, callbackResponse{Received: true})
		return
	}
	writeJSON(w, http.StatusOK, toCallbackResponse(res))
}

// paymentRedirect обрабатывает возврат браузера со страницы шлюза.
// Параметры txn и sig приходят в query или в форме.
func (s *Server) paymentRedirect(status domain.PaymentTxnStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		externalTxnID := strings.TrimSpace(r.FormValue("txn"))
		signature := strings.TrimSpace(r.FormValue("sig"))
		if externalTxnID == "" || signature == "" {
			writeError(w, r, s.logger, domain.NewValidationError("txn and sig parameters are required"))
			return
		}

		res, err := s.svc.Payments.HandleCallback(r.Context(), payment.RedirectCallback(externalTxnID, signature, status))
		if err != nil {
			writeError(w, r, s.logger, err)
			return
		}
		s.logger.WithFields(log.Fields{
			"external_txn_id": res.ExternalTxnID,
			"order_id":        res.OrderID,
			"status":          res.Status,
			"duplicate":       res.Duplicate,
		}).Debug("payment redirect reconciled")
		writeJSON(w, http.StatusOK, toCallbackResponse(res))
	}
}
