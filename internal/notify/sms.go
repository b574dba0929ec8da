package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// SMSClient отправляет уведомления через внешний SMS-шлюз по HTTP.
type SMSClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewSMSClient создаёт клиент SMS-шлюза по указанному адресу.
func NewSMSClient(baseURL string) *SMSClient {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 1
	rc.Logger = nil

	client := rc.StandardClient()
	client.Timeout = 5 * time.Second

	return &SMSClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: client,
	}
}

type smsMessage struct {
	To       string            `json:"to"`
	Template string            `json:"template"`
	Params   map[string]string `json:"params,omitempty"`
}

// Send отправляет одно сообщение на указанный номер.
func (c *SMSClient) Send(ctx context.Context, contact string, kind Template, params map[string]string) error {
	if c.baseURL == "" {
		return fmt.Errorf("sms client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	body, err := json.Marshal(smsMessage{
		To:       contact,
		Template: string(kind),
		Params:   params,
	})
	if err != nil {
		return fmt.Errorf("marshal sms: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/messages", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	return nil
}
