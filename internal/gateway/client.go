// Package gateway предоставляет клиент платёжного шлюза и проверку его вебхуков.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/campaign-billing/internal/model"
)

// Статусы транзакции, которые возвращает шлюз.
const (
	StatusSuccess   = "success"
	StatusFailed    = "failed"
	StatusAbandoned = "abandoned"
	StatusPending   = "pending"
)

var minorUnits = decimal.NewFromInt(100)

// Client инкапсулирует HTTP-взаимодействие с платёжным шлюзом.
type Client struct {
	baseURL       string
	secretKey     string
	webhookSecret string
	httpClient    *http.Client
}

// InitializeRequest описывает запрос на создание платежа.
type InitializeRequest struct {
	Reference   string
	Email       string
	Amount      decimal.Decimal
	CallbackURL string
	Metadata    map[string]string
}

// Initialization описывает ответ шлюза на создание платежа.
type Initialization struct {
	AuthorizationURL string
	AccessCode       string
	Reference        string
}

// Verification описывает состояние платежа по данным шлюза.
type Verification struct {
	Reference string
	Status    string
	Amount    decimal.Decimal
	Channel   string
}

type envelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type initializePayload struct {
	Reference   string            `json:"reference"`
	Email       string            `json:"email"`
	Amount      int64             `json:"amount"`
	CallbackURL string            `json:"callback_url,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type initializeData struct {
	AuthorizationURL string `json:"authorization_url"`
	AccessCode       string `json:"access_code"`
	Reference        string `json:"reference"`
}

type transactionData struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
	Amount    int64  `json:"amount"`
	Channel   string `json:"channel"`
}

// NewClient создаёт клиент шлюза по указанному адресу. webhookSecret пустой означает,
// что вебхуки подписываются секретным ключом API.
func NewClient(baseURL, secretKey, webhookSecret string, timeout time.Duration) *Client {
	if webhookSecret == "" {
		webhookSecret = secretKey
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		secretKey:     secretKey,
		webhookSecret: webhookSecret,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Initialize создаёт платёж в шлюзе и возвращает адрес страницы оплаты.
func (c *Client) Initialize(ctx context.Context, in InitializeRequest) (*Initialization, error) {
	body, err := json.Marshal(initializePayload{
		Reference:   in.Reference,
		Email:       in.Email,
		Amount:      toMinor(in.Amount),
		CallbackURL: in.CallbackURL,
		Metadata:    in.Metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	var data initializeData
	if err := c.do(ctx, http.MethodPost, "/transaction/initialize", body, &data); err != nil {
		return nil, err
	}

	return &Initialization{
		AuthorizationURL: data.AuthorizationURL,
		AccessCode:       data.AccessCode,
		Reference:        data.Reference,
	}, nil
}

// Verify запрашивает у шлюза состояние платежа по ссылке.
func (c *Client) Verify(ctx context.Context, reference string) (*Verification, error) {
	var data transactionData
	if err := c.do(ctx, http.MethodGet, "/transaction/verify/"+reference, nil, &data); err != nil {
		return nil, err
	}

	ref := data.Reference
	if ref == "" {
		ref = reference
	}
	return &Verification{
		Reference: ref,
		Status:    data.Status,
		Amount:    fromMinor(data.Amount),
		Channel:   data.Channel,
	}, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	if c == nil || c.baseURL == "" {
		return fmt.Errorf("%w: gateway client not configured", model.ErrGatewayUnavailable)
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}

	req, err := http.NewRequestWithContext(ctx, method, base+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%w: %v", model.ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: unexpected status %d", model.ErrGatewayUnavailable, resp.StatusCode)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	if resp.StatusCode != http.StatusOK || !env.Status {
		return fmt.Errorf("gateway rejected request: status %d: %s", resp.StatusCode, env.Message)
	}

	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}

func toMinor(amount decimal.Decimal) int64 {
	return amount.Mul(minorUnits).Round(0).IntPart()
}

func fromMinor(amount int64) decimal.Decimal {
	return decimal.NewFromInt(amount).Div(minorUnits)
}
