package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/mmeshcher/wastehub-system/internal/model"
)

// AirtelProvider — charge-провайдер: один подписанный запрос на списание,
// ответ содержит адрес подтверждения для плательщика.
type AirtelProvider struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewAirtelProvider создаёт charge-провайдера по указанному адресу API.
func NewAirtelProvider(baseURL, apiKey string) *AirtelProvider {
	return &AirtelProvider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: newHTTPClient(),
	}
}

// Name возвращает имя провайдера.
func (p *AirtelProvider) Name() string { return "airtel" }

type airtelChargeRequest struct {
	Reference   string            `json:"reference"`
	Subscriber  airtelSubscriber  `json:"subscriber"`
	Transaction airtelTransaction `json:"transaction"`
}

type airtelSubscriber struct {
	MSISDN string `json:"msisdn"`
}

type airtelTransaction struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	ID       string `json:"id"`
}

type airtelChargeResponse struct {
	RedirectURL string `json:"redirect_url"`
}

// Initiate отправляет charge-запрос на списание.
func (p *AirtelProvider) Initiate(ctx context.Context, r InitiateRequest) (*Handle, error) {
	if p.baseURL == "" {
		return nil, fmt.Errorf("airtel provider not configured")
	}

	body, err := json.Marshal(airtelChargeRequest{
		Reference: r.Reference,
		Subscriber: airtelSubscriber{
			MSISDN: strings.TrimPrefix(r.PayerPhone, "+"),
		},
		Transaction: airtelTransaction{
			Amount:   r.Amount,
			Currency: r.Currency,
			ID:       r.Reference,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal charge request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.url("/merchant/v1/payments"), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create charge request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do charge request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var cr airtelChargeResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, fmt.Errorf("decode charge response: %w", err)
	}

	return &Handle{Provider: p.Name(), Reference: r.Reference, RedirectURL: cr.RedirectURL}, nil
}

// TranslateStatus переводит код статуса charge-провайдера во внутренний словарь.
func (p *AirtelProvider) TranslateStatus(raw string) model.PaymentStatus {
	switch strings.ToUpper(raw) {
	case "TIP", "TIP_IN_PROGRESS":
		return model.PaymentStatusProcessing
	case "TS", "SUCCESS", "SUCCESSFUL":
		return model.PaymentStatusSuccessful
	case "TF", "FAILED":
		return model.PaymentStatusFailed
	case "CANCELLED":
		return model.PaymentStatusCancelled
	default:
		return model.PaymentStatusPending
	}
}

func (p *AirtelProvider) url(path string) string {
	base := p.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return base + path
}
