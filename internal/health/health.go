// Package health отдаёт JSON-статус зависимостей процесса для /healthz и /readyz.
//
// Критичная проверка, вернувшая ошибку, делает процесс unhealthy и снимает его
// с балансировки. Ошибка необязательной проверки даёт только degraded.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	defaultCheckTimeout = 2 * time.Second
	maxParallelChecks   = 8
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// Check это результат одной проверки.
type Check struct {
	Name       string `json:"name"`
	Status     Status `json:"status"`
	Critical   bool   `json:"critical"`
	Message    string `json:"message,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Response это тело /healthz.
type Response struct {
	Status        Status           `json:"status"`
	Timestamp     time.Time        `json:"timestamp"`
	Checks        map[string]Check `json:"checks,omitempty"`
	Version       string           `json:"version,omitempty"`
	UptimeSeconds int64            `json:"uptime_seconds"`
}

// Ready сообщает, можно ли направлять трафик на процесс.
func (r Response) Ready() bool { return r.Status != StatusUnhealthy }

// Checker проверяет одну зависимость в пределах ctx.
type Checker interface {
	Name() string
	Check(ctx context.Context) Check
}

// CheckFunc возвращает nil, если зависимость доступна.
type CheckFunc func(ctx context.Context) error

type probe struct {
	name     string
	fn       CheckFunc
	critical bool
}

// Critical создаёт проверку, ошибка которой делает процесс unhealthy.
func Critical(name string, fn CheckFunc) Checker {
	return &probe{name: name, fn: fn, critical: true}
}

// Optional создаёт проверку, ошибка которой даёт degraded.
func Optional(name string, fn CheckFunc) Checker {
	return &probe{name: name, fn: fn}
}

func (p *probe) Name() string { return p.name }

func (p *probe) Check(ctx context.Context) Check {
	started := time.Now()
	err := p.fn(ctx)

	check := Check{
		Name:       p.name,
		Status:     StatusHealthy,
		Critical:   p.critical,
		DurationMs: time.Since(started).Milliseconds(),
	}
	if err != nil {
		check.Message = err.Error()
		check.Status = StatusDegraded
		if p.critical {
			check.Status = StatusUnhealthy
		}
	}
	return check
}

// Handler выполняет зарегистрированные проверки на каждый запрос.
type Handler struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	version  string
	started  time.Time
	timeout  time.Duration
	now      func() time.Time
}

func NewHandler(version string) *Handler {
	return &Handler{
		checkers: make(map[string]Checker),
		version:  version,
		started:  time.Now(),
		timeout:  defaultCheckTimeout,
		now:      time.Now,
	}
}

// Register добавляет проверки. Проверка с тем же именем заменяет прежнюю.
func (h *Handler) Register(checkers ...Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range checkers {
		if c != nil {
			h.checkers[c.Name()] = c
		}
	}
}

// Names возвращает имена зарегистрированных проверок по алфавиту.
func (h *Handler) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.checkers))
	for name := range h.checkers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Report выполняет проверки параллельно под общим таймаутом.
func (h *Handler) Report(ctx context.Context) Response {
	h.mu.RLock()
	checkers := make([]Checker, 0, len(h.checkers))
	for _, c := range h.checkers {
		checkers = append(checkers, c)
	}
	h.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	results := make([]Check, len(checkers))
	var g errgroup.Group
	g.SetLimit(maxParallelChecks)
	for i, c := range checkers {
		g.Go(func() error {
			results[i] = c.Check(ctx)
			return nil
		})
	}
	_ = g.Wait()

	resp := Response{
		Status:        StatusHealthy,
		Timestamp:     h.now().UTC(),
		Checks:        make(map[string]Check, len(results)),
		Version:       h.version,
		UptimeSeconds: int64(h.now().Sub(h.started).Seconds()),
	}
	for _, check := range results {
		resp.Checks[check.Name] = check
		switch {
		case check.Status == StatusUnhealthy:
			resp.Status = StatusUnhealthy
		case check.Status == StatusDegraded && resp.Status == StatusHealthy:
			resp.Status = StatusDegraded
		}
	}
	return resp
}

// ServeHTTP отдаёт полный отчёт; 503, если упала критичная проверка.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := h.Report(r.Context())

	code := http.StatusOK
	if !resp.Ready() {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}

// ReadinessHandler отвечает текстом "ready" или "not ready" с кодом 503.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if !h.Report(r.Context()).Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// LivenessHandler всегда отвечает 200.
func LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
