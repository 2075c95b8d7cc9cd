// Package httpapi: HTTP-поверхность маркетплейса поверх chi.
//
// Хендлеры только разбирают запрос, определяют актора и переводят доменные
// ошибки в JSON-конверт; вся логика живёт в сервисах.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/service/coupon"
	"github.com/vladislavdragonenkov/marketplace/internal/service/order"
	"github.com/vladislavdragonenkov/marketplace/internal/service/returns"
)

const maxBodyBytes = 1 << 20

// OrderService перечисляет операции менеджера заказов.
type OrderService interface {
	CreateOrder(ctx context.Context, actor domain.Actor, cmd order.CreateOrderCommand) (domain.Order, error)
	Get(ctx context.Context, orderID string, actor domain.Actor) (domain.Order, error)
	List(ctx context.Context, actor domain.Actor, customerID string, limit int) ([]domain.Order, error)
	Timeline(ctx context.Context, orderID string, actor domain.Actor) ([]domain.TimelineEvent, error)
	Transition(ctx context.Context, orderID string, target domain.OrderStatus, actor domain.Actor) (domain.Order, error)
}

// PaymentService перечисляет операции платёжного адаптера.
type PaymentService interface {
	CreateCheckoutSession(ctx context.Context, actor domain.Actor, orderID string) (domain.PaymentTransaction, error)
	HandleIPN(ctx context.Context, payload []byte, signature string) (domain.CallbackResult, bool, error)
	HandleCallback(ctx context.Context, cb domain.PaymentCallback) (domain.CallbackResult, error)
}

// ReturnService — операции машины возвратов.
type ReturnService interface {
	CreateReturn(ctx context.Context, actor domain.Actor, cmd returns.CreateCommand) (domain.ReturnRequest, error)
	Get(ctx context.Context, returnID string, actor domain.Actor) (domain.ReturnRequest, error)
	ListByOrder(ctx context.Context, orderID string, actor domain.Actor) ([]domain.ReturnRequest, error)
	UpdateStatus(ctx context.Context, returnID string, target domain.ReturnStatus, actor domain.Actor, note string) (domain.ReturnRequest, error)
}

// CouponService: управление купонами и предварительная проверка корзины.
type CouponService interface {
	Create(ctx context.Context, actor domain.Actor, draft coupon.Draft) (domain.Coupon, error)
	Update(ctx context.Context, actor domain.Actor, id string, draft coupon.Draft) (domain.Coupon, error)
	Get(ctx context.Context, id string) (domain.Coupon, error)
	ApplyAll(ctx context.Context, codes []string, userID string, lines []domain.CartLine) (coupon.Application, error)
}

// QuoteService считает корзину без скидок.
type QuoteService interface {
	ComputeQuote(ctx context.Context, lines []domain.CartLine, country string) (domain.Quote, error)
}

// RateService управляет настройками ставок.
type RateService interface {
	Put(ctx context.Context, actor domain.Actor, kind domain.RateKind, rates []domain.CountryRate) (domain.RateSetting, error)
	Get(ctx context.Context, kind domain.RateKind, ownerType domain.RateOwnerType, ownerID string) (domain.RateSetting, error)
}

// Services собирает сервисы ядра, которые обслуживает API.
type Services struct {
	Orders   OrderService
	Payments PaymentService
	Returns  ReturnService
	Coupons  CouponService
	Pricing  QuoteService
	Rates    RateService
}

// Config: параметры транспорта.
type Config struct {
	Identity IdentityProvider
	// Idempotency может быть nil: тогда Idempotency-Key игнорируется.
	Idempotency    domain.IdempotencyRepository
	IdempotencyTTL time.Duration
	// CallbackRate ограничивает /ipn и /payments/* по IP; 0 отключает ограничение.
	CallbackRate  rate.Limit
	CallbackBurst int
	Logger        *log.Entry
}

// Server собирает маршруты API.
type Server struct {
	svc     Services
	cfg     Config
	logger  *log.Entry
	limiter *ipRateLimiter
}

// NewServer создаёт HTTP-сервер API.
func NewServer(svc Services, cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = log.WithField("component", "httpapi")
	}
	if cfg.Identity == nil {
		cfg.Identity = HeaderIdentityProvider{}
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = domain.DefaultIdempotencyTTL
	}
	s := &Server{svc: svc, cfg: cfg, logger: logger}
	if cfg.CallbackRate > 0 {
		s.limiter = newIPRateLimiter(cfg.CallbackRate, cfg.CallbackBurst)
	}
	return s
}

// Routes возвращает корневой обработчик.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		writeProblem(w, req, http.StatusNotFound, string(domain.CodeNotFound), "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		writeProblem(w, req, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})

	// Расчёт корзины и callback-и шлюза не требуют идентичности.
	r.Group(func(r chi.Router) {
		r.Post("/shipping/quote", s.shippingQuote)
		r.Post("/taxes/compute", s.computeTaxes)
	})
	r.Group(func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Post("/ipn", s.handleIPN)
		r.Get("/payments/success", s.paymentRedirect(domain.PaymentTxnSucceeded))
		r.Post("/payments/success", s.paymentRedirect(domain.PaymentTxnSucceeded))
		r.Get("/payments/cancel", s.paymentRedirect(domain.PaymentTxnFailed))
		r.Post("/payments/cancel", s.paymentRedirect(domain.PaymentTxnFailed))
	})

	r.Group(func(r chi.Router) {
		r.Use(requireIdentity(s.cfg.Identity, s.logger))
		idem := s.idempotent

		r.Route("/orders", func(r chi.Router) {
			r.With(idem).Post("/", s.createOrder)
			r.Get("/", s.listOrders)
			r.Get("/{orderID}", s.getOrder)
			r.Get("/{orderID}/timeline", s.orderTimeline)
			r.Get("/{orderID}/returns", s.listOrderReturns)
			r.Patch("/{orderID}/status", s.transitionOrder)
		})
		r.With(idem).Post("/checkout-session", s.createCheckoutSession)

		r.Route("/returns", func(r chi.Router) {
			r.With(idem).Post("/", s.createReturn)
			r.Get("/{returnID}", s.getReturn)
			r.Patch("/{returnID}", s.updateReturn)
		})

		r.Route("/coupons", func(r chi.Router) {
			r.Post("/admin", s.createCoupon(domain.RoleAdmin))
			r.Put("/admin/{couponID}", s.updateCoupon(domain.RoleAdmin))
			r.Post("/vendor", s.createCoupon(domain.RoleVendor))
			r.Put("/vendor/{couponID}", s.updateCoupon(domain.RoleVendor))
			r.Post("/validate", s.validateCoupons)
			r.Get("/{couponID}", s.getCoupon)
		})

		r.Put("/taxes/rates", s.putRates(domain.RateKindTax))
		r.Get("/taxes/rates", s.getRates(domain.RateKindTax))
		r.Put("/shipping/rates", s.putRates(domain.RateKindShipping))
		r.Get("/shipping/rates", s.getRates(domain.RateKindShipping))
	})

	return r
}

// logRequests пишет строку лога на каждый запрос.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		entry := s.logger.WithFields(log.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      status,
			"bytes":       ww.BytesWritten(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
			"remote_ip":   r.RemoteAddr,
		})
		if status >= http.StatusInternalServerError {
			entry.Warn("http request")
			return
		}
		entry.Debug("http request")
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return s.limiter.middleware(next)
}

// decodeJSON читает тело запроса с ограничением размера.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(body)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return domain.NewValidationError("request body is required")
		}
		return domain.NewValidationError("malformed request body: %v", err)
	}
	return nil
}
