// Package gateway предоставляет порт платёжного провайдера и его реализации.
//
// Ядро взаимодействует с провайдером только через Provider: инициирование
// платежа и перевод статусов провайдера во внутренний словарь. Диалект
// конкретного шлюза (OAuth-токены, подписанные charge-запросы) остаётся
// внутри реализации.
package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/mmeshcher/wastehub-system/internal/model"
)

// InitiateRequest описывает запрос на инициирование платежа.
type InitiateRequest struct {
	Amount     int64
	Currency   string
	PayerPhone string
	Reference  string
}

// Handle — идентификатор инициированного платежа у провайдера.
type Handle struct {
	Provider    string
	Reference   string
	RedirectURL string
}

// Provider описывает контракт платёжного провайдера.
type Provider interface {
	Name() string
	Initiate(ctx context.Context, req InitiateRequest) (*Handle, error)
	TranslateStatus(raw string) model.PaymentStatus
}

// Registry хранит провайдеров по имени.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry создаёт реестр из переданных провайдеров.
func NewRegistry(providers ...Provider) *Registry {
	m := make(map[string]Provider, len(providers))
	for _, p := range providers {
		m[p.Name()] = p
	}
	return &Registry{providers: m}
}

// Get возвращает провайдера по имени.
func (r *Registry) Get(name string) (Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

// TranslateStatus переводит статус провайдера во внутренний словарь.
// Неизвестный провайдер даёт PENDING: сверка его проигнорирует.
func (r *Registry) TranslateStatus(provider, raw string) model.PaymentStatus {
	p, ok := r.providers[provider]
	if !ok {
		return model.PaymentStatusPending
	}
	return p.TranslateStatus(raw)
}

// newHTTPClient создаёт HTTP-клиент с повтором временных ошибок.
func newHTTPClient() *http.Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.Logger = nil

	client := rc.StandardClient()
	client.Timeout = 5 * time.Second
	return client
}
