// Package notify доставляет пользовательские события подписчикам процесса.
//
// Registry живёт ровно столько, сколько процесс API: создаётся при старте,
// закрывается при остановке и передаётся в сервисы как domain.Notifier.
// Транспорт до клиента (WebSocket, SSE, push) в пакет не входит.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

const defaultBuffer = 16

// ErrRegistryClosed возвращается при подписке на закрытый реестр.
var ErrRegistryClosed = errors.New("notification registry is closed")

// Delivery описывает одно уведомление в канале подписчика.
type Delivery struct {
	UserID  string
	Event   string
	Payload any
	At      time.Time
}

// Registry сопоставляет пользователя с его каналами доставки.
type Registry struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]chan Delivery
	nextID uint64
	buffer int
	closed bool
	now    func() time.Time
	logger *log.Entry
}

// NewRegistry создаёт реестр; buffer: ёмкость канала каждого подписчика.
func NewRegistry(buffer int, logger *log.Entry) *Registry {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Registry{
		subs:   make(map[string]map[uint64]chan Delivery),
		buffer: buffer,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.WithField("component", "notify-registry"),
	}
}

// Subscribe регистрирует канал пользователя. Возвращённая функция отписывает
// и закрывает канал; повторный вызов безопасен.
func (r *Registry) Subscribe(userID string) (<-chan Delivery, func(), error) {
	if userID == "" {
		return nil, nil, domain.NewValidationError("user id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, nil, ErrRegistryClosed
	}

	r.nextID++
	id := r.nextID
	ch := make(chan Delivery, r.buffer)
	if r.subs[userID] == nil {
		r.subs[userID] = make(map[uint64]chan Delivery)
	}
	r.subs[userID][id] = ch

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() { r.remove(userID, id) })
	}
	return ch, unsubscribe, nil
}

func (r *Registry) remove(userID string, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	userSubs, ok := r.subs[userID]
	if !ok {
		return
	}
	if ch, ok := userSubs[id]; ok {
		close(ch)
		delete(userSubs, id)
	}
	if len(userSubs) == 0 {
		delete(r.subs, userID)
	}
}

// Notify раздаёт событие всем каналам пользователя без блокировки.
// Переполненный канал теряет уведомление.
func (r *Registry) Notify(_ context.Context, userID, event string, payload any) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}

	delivery := Delivery{UserID: userID, Event: event, Payload: payload, At: r.now()}
	for id, ch := range r.subs[userID] {
		select {
		case ch <- delivery:
		default:
			r.logger.WithFields(log.Fields{
				"user_id":       userID,
				"event":         event,
				"subscriber_id": id,
			}).Warn("subscriber channel is full, notification dropped")
		}
	}
}

// Subscribers возвращает число активных каналов пользователя.
func (r *Registry) Subscribers(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[userID])
}

// Close закрывает все каналы; дальнейшие Notify ничего не делают.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for userID, userSubs := range r.subs {
		for _, ch := range userSubs {
			close(ch)
		}
		delete(r.subs, userID)
	}
	r.logger.Info("notification registry closed")
}

var _ domain.Notifier = (*Registry)(nil)
