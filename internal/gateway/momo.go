package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mmeshcher/wastehub-system/internal/model"
)

// MomoProvider — провайдер мобильных денег с OAuth-токеном: перед каждым
// запросом получает и кэширует bearer-токен.
type MomoProvider struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewMomoProvider создаёт провайдера mobile money по указанному адресу API.
func NewMomoProvider(baseURL, apiKey string) *MomoProvider {
	return &MomoProvider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: newHTTPClient(),
	}
}

// Name возвращает имя провайдера.
func (p *MomoProvider) Name() string { return "momo" }

type momoTokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

func (p *MomoProvider) ensureToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token != "" && time.Now().Before(p.tokenExpiry) {
		return p.token, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url("/collection/token"), nil)
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("do token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token request status: %d", resp.StatusCode)
	}

	var tr momoTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}

	p.token = tr.AccessToken
	// Минута запаса до истечения, чтобы не отправить запрос с мёртвым токеном.
	p.tokenExpiry = time.Now().Add(time.Duration(tr.ExpiresIn)*time.Second - time.Minute)

	return p.token, nil
}

type momoPayRequest struct {
	Amount     string    `json:"amount"`
	Currency   string    `json:"currency"`
	ExternalID string    `json:"externalId"`
	Payer      momoPayer `json:"payer"`
}

type momoPayer struct {
	PartyIDType string `json:"partyIdType"`
	PartyID     string `json:"partyId"`
}

// Initiate отправляет запрос requesttopay. Ссылка запроса становится
// внешней ссылкой платежа: по ней же придёт уведомление шлюза.
func (p *MomoProvider) Initiate(ctx context.Context, r InitiateRequest) (*Handle, error) {
	if p.baseURL == "" {
		return nil, fmt.Errorf("momo provider not configured")
	}

	token, err := p.ensureToken(ctx)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(momoPayRequest{
		Amount:     strconv.FormatInt(r.Amount, 10),
		Currency:   r.Currency,
		ExternalID: r.Reference,
		Payer: momoPayer{
			PartyIDType: "MSISDN",
			PartyID:     strings.TrimPrefix(r.PayerPhone, "+"),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal pay request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.url("/collection/v1_0/requesttopay"), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create pay request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Reference-Id", r.Reference)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do pay request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	return &Handle{Provider: p.Name(), Reference: r.Reference}, nil
}

// TranslateStatus переводит статус mobile money во внутренний словарь.
func (p *MomoProvider) TranslateStatus(raw string) model.PaymentStatus {
	switch strings.ToUpper(raw) {
	case "PENDING":
		return model.PaymentStatusPending
	case "ONGOING":
		return model.PaymentStatusProcessing
	case "SUCCESSFUL":
		return model.PaymentStatusSuccessful
	case "FAILED", "TIMEOUT", "REJECTED":
		return model.PaymentStatusFailed
	default:
		return model.PaymentStatusPending
	}
}

func (p *MomoProvider) url(path string) string {
	base := p.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return base + path
}
