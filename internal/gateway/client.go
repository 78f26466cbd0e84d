// Package gateway предоставляет клиент платёжного шлюза с hosted checkout.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const apiVersion = "2022-09-01"

// Статусы заказа на стороне шлюза.
const (
	OrderStatusPaid       = "PAID"
	OrderStatusActive     = "ACTIVE"
	OrderStatusExpired    = "EXPIRED"
	OrderStatusTerminated = "TERMINATED"
	OrderStatusFailed     = "FAILED"
)

// Client инкапсулирует HTTP-взаимодействие с платёжным шлюзом.
type Client struct {
	baseURL      string
	clientID     string
	clientSecret string
	httpClient   *http.Client
}

// CustomerDetails содержит данные покупателя, обязательные для шлюза.
type CustomerDetails struct {
	CustomerID    string `json:"customer_id"`
	CustomerName  string `json:"customer_name"`
	CustomerEmail string `json:"customer_email"`
	CustomerPhone string `json:"customer_phone"`
}

// OrderMeta содержит адреса возврата и серверного уведомления.
type OrderMeta struct {
	ReturnURL string `json:"return_url"`
	NotifyURL string `json:"notify_url,omitempty"`
}

// CreateOrderRequest описывает запрос на создание заказа в шлюзе.
type CreateOrderRequest struct {
	OrderID         string          `json:"order_id"`
	OrderAmount     float64         `json:"order_amount"`
	OrderCurrency   string          `json:"order_currency"`
	OrderNote       string          `json:"order_note,omitempty"`
	CustomerDetails CustomerDetails `json:"customer_details"`
	OrderMeta       OrderMeta       `json:"order_meta"`
}

// CreateOrderResponse описывает ответ шлюза на создание заказа.
type CreateOrderResponse struct {
	OrderID          string `json:"order_id"`
	PaymentSessionID string `json:"payment_session_id"`
	OrderStatus      string `json:"order_status"`
}

// OrderStatus описывает текущее состояние заказа на стороне шлюза.
type OrderStatus struct {
	OrderID     string `json:"order_id"`
	OrderStatus string `json:"order_status"`
}

// NewClient создаёт HTTP-клиент шлюза с указанным адресом и учётными данными.
func NewClient(baseURL, clientID, clientSecret string) *Client {
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *Client) resolveBase() (string, error) {
	if c == nil || c.baseURL == "" {
		return "", fmt.Errorf("gateway client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}
	return base, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-version", apiVersion)
	req.Header.Set("x-client-id", c.clientID)
	req.Header.Set("x-client-secret", c.clientSecret)
}

// CreateOrder создаёт заказ в шлюзе и возвращает ссылку на платёжную сессию
// hosted checkout.
func (c *Client) CreateOrder(ctx context.Context, reqBody CreateOrderRequest) (*CreateOrderResponse, error) {
	base, err := c.resolveBase()
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/pg/orders", base)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result CreateOrderResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if result.PaymentSessionID == "" {
		return nil, fmt.Errorf("empty payment session id in response")
	}

	return &result, nil
}

// GetOrderStatus запрашивает у шлюза текущий статус оплаты заказа.
func (c *Client) GetOrderStatus(ctx context.Context, orderID string) (*OrderStatus, error) {
	base, err := c.resolveBase()
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/pg/orders/%s", base, orderID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result OrderStatus
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &result, nil
}

// IsTerminalFailure сообщает, является ли статус шлюза окончательным отказом,
// после которого повторная оплата того же заказа невозможна.
func IsTerminalFailure(status string) bool {
	switch status {
	case OrderStatusExpired, OrderStatusTerminated, OrderStatusFailed:
		return true
	default:
		return false
	}
}
