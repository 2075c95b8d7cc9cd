package memory

import (
	"context"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

type refundKey struct {
	txnID string
	key   string
}

// paymentTxnRepositoryInMemory хранит транзакции; условные переходы выполняются под мьютексом.
type paymentTxnRepositoryInMemory struct {
	mu      sync.Mutex
	items   map[string]domain.PaymentTransaction
	byExt   map[string]string
	refunds map[refundKey]domain.PaymentRefund
}

// NewPaymentTxnRepository создаёт in-memory реализацию PaymentTxnRepository.
func NewPaymentTxnRepository() domain.PaymentTxnRepository {
	return &paymentTxnRepositoryInMemory{
		items:   make(map[string]domain.PaymentTransaction),
		byExt:   make(map[string]string),
		refunds: make(map[refundKey]domain.PaymentRefund),
	}
}

func (r *paymentTxnRepositoryInMemory) Create(_ context.Context, txn domain.PaymentTransaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[txn.ID]; exists {
		return domain.NewConflictError("payment transaction %s already exists", txn.ID)
	}
	if _, exists := r.byExt[txn.ExternalTxnID]; exists {
		return domain.NewConflictError("external txn id %s already exists", txn.ExternalTxnID)
	}
	r.items[txn.ID] = txn
	r.byExt[txn.ExternalTxnID] = txn.ID
	return nil
}

func (r *paymentTxnRepositoryInMemory) Get(_ context.Context, id string) (domain.PaymentTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	txn, ok := r.items[id]
	if !ok {
		return domain.PaymentTransaction{}, domain.ErrPaymentTxnNotFound
	}
	return txn, nil
}

func (r *paymentTxnRepositoryInMemory) GetByExternalID(_ context.Context, externalTxnID string) (domain.PaymentTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byExt[externalTxnID]
	if !ok {
		return domain.PaymentTransaction{}, domain.ErrPaymentTxnNotFound
	}
	return r.items[id], nil
}

func (r *paymentTxnRepositoryInMemory) AttachSession(_ context.Context, id string, session domain.CheckoutSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	txn, ok := r.items[id]
	if !ok {
		return domain.ErrPaymentTxnNotFound
	}
	if txn.Status != domain.PaymentTxnPending {
		return domain.ErrPaymentTxnStatusConflict
	}
	txn.SessionRef = session.SessionRef
	txn.CheckoutURL = session.RedirectURL
	if session.PaymentRef != "" {
		txn.PaymentRef = session.PaymentRef
	}
	txn.Version++
	txn.UpdatedAt = time.Now().UTC()
	r.items[id] = txn
	return nil
}

// Resolve выполняет compare-and-set статуса; при несовпадении возвращает текущее состояние и конфликт.
func (r *paymentTxnRepositoryInMemory) Resolve(_ context.Context, externalTxnID string, from, to domain.PaymentTxnStatus, res domain.TxnResolution) (domain.PaymentTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byExt[externalTxnID]
	if !ok {
		return domain.PaymentTransaction{}, domain.ErrPaymentTxnNotFound
	}
	txn := r.items[id]
	if txn.Status != from {
		return txn, domain.ErrPaymentTxnStatusConflict
	}

	txn.Status = to
	if res.PaymentRef != "" {
		txn.PaymentRef = res.PaymentRef
	}
	txn.FailureReason = res.FailureReason
	txn.Version++
	txn.UpdatedAt = time.Now().UTC()
	r.items[id] = txn
	return txn, nil
}

func (r *paymentTxnRepositoryInMemory) FindRefund(_ context.Context, txnID, idempotencyKey string) (domain.PaymentRefund, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	refund, ok := r.refunds[refundKey{txnID: txnID, key: idempotencyKey}]
	return refund, ok, nil
}

func (r *paymentTxnRepositoryInMemory) RecordRefund(_ context.Context, refund domain.PaymentRefund) (domain.PaymentTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	txn, ok := r.items[refund.TxnID]
	if !ok {
		return domain.PaymentTransaction{}, domain.ErrPaymentTxnNotFound
	}
	key := refundKey{txnID: refund.TxnID, key: refund.IdempotencyKey}
	if _, done := r.refunds[key]; done {
		return txn, nil
	}
	if refund.Amount.GreaterThan(txn.Refundable()) {
		return txn, domain.ErrRefundExceedsPayment
	}

	txn.RefundedAmount = txn.RefundedAmount.Add(refund.Amount)
	if txn.RefundedAmount.GreaterThanOrEqual(txn.Amount) {
		txn.Status = domain.PaymentTxnRefunded
	}
	txn.Version++
	txn.UpdatedAt = time.Now().UTC()
	r.items[txn.ID] = txn
	r.refunds[key] = refund
	return txn, nil
}

var _ domain.PaymentTxnRepository = (*paymentTxnRepositoryInMemory)(nil)
