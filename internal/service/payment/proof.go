package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

// ProofVerifier проверяет подлинность callback и возвращает статус, который нужно применить.
// Ошибка проверки — domain.ErrPaymentVerificationFailed; прочие ошибки не меняют состояние.
type ProofVerifier interface {
	Verify(ctx context.Context, cb domain.PaymentCallback, txn domain.PaymentTransaction) (domain.PaymentTxnStatus, error)
}

// IPNParser разбирает тело webhook шлюза. ok=false: событие не относится к оплате и игнорируется.
type IPNParser interface {
	ParseIPN(payload []byte, signature string) (cb domain.PaymentCallback, ok bool, err error)
}

// Signer подписывает параметры redirect-ссылок HMAC-SHA256.
type Signer struct {
	secret []byte
}

// NewSigner создаёт подписчик с общим секретом.
func NewSigner(secret string) (*Signer, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("payment: redirect secret is required")
	}
	return &Signer{secret: []byte(secret)}, nil
}

// Sign возвращает hex-подпись сообщения.
func (s *Signer) Sign(parts ...string) string {
	return hex.EncodeToString(computeHMAC(s.secret, []byte(strings.Join(parts, ":"))))
}

// Valid сравнивает подпись за постоянное время.
func (s *Signer) Valid(signature string, parts ...string) bool {
	decoded, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil || len(decoded) == 0 {
		return false
	}
	return hmac.Equal(decoded, computeHMAC(s.secret, []byte(strings.Join(parts, ":"))))
}

func computeHMAC(secret, message []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(message)
	return mac.Sum(nil)
}

// RedirectVerifier проверяет подпись браузерного redirect и, если шлюз умеет,
// сверяет статус сессии напрямую у шлюза.
type RedirectVerifier struct {
	signer  *Signer
	checker domain.SessionStatusChecker
}

// NewRedirectVerifier создаёт проверку redirect; checker может быть nil.
func NewRedirectVerifier(signer *Signer, checker domain.SessionStatusChecker) *RedirectVerifier {
	return &RedirectVerifier{signer: signer, checker: checker}
}

// Verify: подпись покрывает ExternalTxnID и заявленный статус. При наличии
// checker итог определяет статус сессии у шлюза, в том числе для cancel redirect:
// оплаченная или ещё открытая сессия не превращается в failed.
func (v *RedirectVerifier) Verify(ctx context.Context, cb domain.PaymentCallback, txn domain.PaymentTransaction) (domain.PaymentTxnStatus, error) {
	if !v.signer.Valid(cb.Proof.Signature, cb.ExternalTxnID, string(cb.ReportedStatus)) {
		return "", domain.NewPaymentVerificationFailed("redirect signature mismatch for txn %s", cb.ExternalTxnID)
	}
	if v.checker == nil || txn.SessionRef == "" {
		return cb.ReportedStatus, nil
	}

	status, err := v.checker.SessionStatus(ctx, txn.SessionRef)
	if err != nil {
		return "", domain.NewGatewayUnavailable("session status", err)
	}
	return status, nil
}

// mockIPNPayload: тело webhook mock-шлюза.
type mockIPNPayload struct {
	ExternalTxnID string `json:"external_txn_id"`
	Status        string `json:"status"`
	PaymentRef    string `json:"payment_ref"`
}

// HMACIPN: webhook с телом JSON и подписью HMAC-SHA256 тела в заголовке (mock-шлюз).
type HMACIPN struct {
	signer *Signer
}

// NewHMACIPN создаёт парсер и проверку подписанного webhook.
func NewHMACIPN(signer *Signer) *HMACIPN {
	return &HMACIPN{signer: signer}
}

// ParseIPN разбирает тело без проверки подписи.
func (h *HMACIPN) ParseIPN(payload []byte, signature string) (domain.PaymentCallback, bool, error) {
	var body mockIPNPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return domain.PaymentCallback{}, false, domain.NewValidationError("malformed ipn payload: %v", err)
	}
	if body.ExternalTxnID == "" {
		return domain.PaymentCallback{}, false, domain.NewValidationError("external_txn_id is required")
	}

	status := domain.PaymentTxnStatus(strings.ToLower(body.Status))
	if status != domain.PaymentTxnSucceeded && status != domain.PaymentTxnFailed {
		return domain.PaymentCallback{}, false, nil
	}

	return domain.PaymentCallback{
		Source:         domain.CallbackSourceIPN,
		ExternalTxnID:  body.ExternalTxnID,
		ReportedStatus: status,
		PaymentRef:     body.PaymentRef,
		Proof:          domain.CallbackProof{Payload: payload, Signature: signature},
	}, true, nil
}

// SignPayload подписывает тело webhook (используется mock-шлюзом и тестами).
func (h *HMACIPN) SignPayload(payload []byte) string {
	return hex.EncodeToString(computeHMAC(h.signer.secret, payload))
}

// Verify сверяет подпись тела.
func (h *HMACIPN) Verify(_ context.Context, cb domain.PaymentCallback, _ domain.PaymentTransaction) (domain.PaymentTxnStatus, error) {
	decoded, err := hex.DecodeString(strings.TrimSpace(cb.Proof.Signature))
	if err != nil || !hmac.Equal(decoded, computeHMAC(h.signer.secret, cb.Proof.Payload)) {
		return "", domain.NewPaymentVerificationFailed("ipn signature mismatch for txn %s", cb.ExternalTxnID)
	}
	return cb.ReportedStatus, nil
}

var (
	_ ProofVerifier = (*RedirectVerifier)(nil)
	_ ProofVerifier = (*HMACIPN)(nil)
	_ IPNParser     = (*HMACIPN)(nil)
)
