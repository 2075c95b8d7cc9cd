package payment

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

// GatewayMock: код mock-шлюза.
const GatewayMock = "mock"

// MockGateway реализует Gateway в памяти для разработки и тестов.
// Checkout сразу ведёт на success URL; возвраты идемпотентны по ключу.
type MockGateway struct {
	mu sync.Mutex

	SessionErr      error
	RefundErr       error
	SessionDelay    time.Duration
	SessionState    domain.PaymentTxnStatus
	SessionStateErr error

	SessionCalls int
	RefundCalls  int

	refunds  map[string]domain.GatewayRefund
	refunded map[string]decimal.Decimal
}

// NewMockGateway возвращает mock с успешным сценарием по умолчанию.
func NewMockGateway() *MockGateway {
	return &MockGateway{
		SessionState: domain.PaymentTxnSucceeded,
		refunds:      make(map[string]domain.GatewayRefund),
		refunded:     make(map[string]decimal.Decimal),
	}
}

// Name реализует domain.PaymentGateway.
func (m *MockGateway) Name() string { return GatewayMock }

// CreateSession возвращает заранее настроенный результат и считает вызовы.
// SessionDelay позволяет проверить таймаут вызова шлюза.
func (m *MockGateway) CreateSession(ctx context.Context, req domain.CheckoutRequest) (domain.CheckoutSession, error) {
	m.mu.Lock()
	m.SessionCalls++
	delay, err := m.SessionDelay, m.SessionErr
	m.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return domain.CheckoutSession{}, ctx.Err()
		case <-timer.C:
		}
	}
	if err != nil {
		return domain.CheckoutSession{}, err
	}

	return domain.CheckoutSession{
		SessionRef:  "mock_cs_" + req.ExternalTxnID,
		RedirectURL: req.SuccessURL,
		PaymentRef:  "mock_pi_" + req.ExternalTxnID,
	}, nil
}

// SessionStatus возвращает настроенный статус сессии.
func (m *MockGateway) SessionStatus(context.Context, string) (domain.PaymentTxnStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.SessionState, m.SessionStateErr
}

// Refund выполняет возврат один раз на ключ идемпотентности.
func (m *MockGateway) Refund(_ context.Context, req domain.GatewayRefundRequest) (domain.GatewayRefund, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.RefundCalls++
	if m.RefundErr != nil {
		return domain.GatewayRefund{}, m.RefundErr
	}
	if prev, ok := m.refunds[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return prev, nil
	}

	refund := domain.GatewayRefund{RefundRef: "mock_re_" + uuid.NewString()}
	if req.IdempotencyKey != "" {
		m.refunds[req.IdempotencyKey] = refund
	}
	m.refunded[req.ExternalTxnID] = m.refunded[req.ExternalTxnID].Add(req.Amount)
	return refund, nil
}

// RefundedTotal возвращает сумму фактически выполненных возвратов по транзакции.
func (m *MockGateway) RefundedTotal(externalTxnID string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refunded[externalTxnID]
}

// Configure меняет поведение под блокировкой.
func (m *MockGateway) Configure(fn func(*MockGateway)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m)
}

// Calls возвращает счётчики вызовов.
func (m *MockGateway) Calls() (sessions, refunds int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.SessionCalls, m.RefundCalls
}

var (
	_ domain.PaymentGateway       = (*MockGateway)(nil)
	_ domain.SessionStatusChecker = (*MockGateway)(nil)
)
