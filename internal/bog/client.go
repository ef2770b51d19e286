package bog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"bloom_wallet/internal/metrics"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const maxErrorBody = 2048

type Config struct {
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Language     string
	Timeout      time.Duration
}

// APIError is returned for any non-2xx response from the gateway.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bog api error %d: %s", e.StatusCode, e.Body)
}

// Client talks to the Bank of Georgia payments API. Every request carries a
// bearer token obtained with the client-credentials grant; the token is
// cached and refreshed by the oauth2 transport.
type Client struct {
	baseURL    string
	language   string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	base := &http.Client{Timeout: timeout}
	credentials := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	httpClient := credentials.Client(ctx)
	httpClient.Timeout = timeout

	language := cfg.Language
	if language == "" {
		language = "ka"
	}

	return &Client{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		language:   language,
		httpClient: httpClient,
		logger:     logger,
	}
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, header http.Header) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		reqBody = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Language", c.language)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		text := string(data)
		if len(text) > maxErrorBody {
			text = text[:maxErrorBody]
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Body: text}
	}
	return data, nil
}

// CreateOrder registers an order and returns the gateway id and the page the
// customer is redirected to. idempotencyKey must be a UUID; repeating a call
// with the same key returns the original order.
func (c *Client) CreateOrder(ctx context.Context, req CreateOrderRequest, idempotencyKey string) (resp *CreateOrderResponse, err error) {
	started := time.Now()
	defer func() { metrics.ObserveGatewayCall("create_order", err, started) }()

	header := http.Header{}
	if idempotencyKey != "" {
		header.Set("Idempotency-Key", idempotencyKey)
	}

	data, err := c.doRequest(ctx, http.MethodPost, "/ecommerce/orders", req, header)
	if err != nil {
		c.logger.Warn("bog create order failed", "external_order_id", req.ExternalOrderID, "error", err)
		return nil, err
	}

	var out CreateOrderResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	if out.ID == "" || out.RedirectURL() == "" {
		return nil, fmt.Errorf("bog create order: response without id or redirect link")
	}

	c.logger.Info("bog order created", "external_order_id", req.ExternalOrderID, "bog_order_id", out.ID)
	return &out, nil
}

// GetReceipt fetches the current state of a gateway order.
func (c *Client) GetReceipt(ctx context.Context, orderID string) (receipt *Receipt, err error) {
	started := time.Now()
	defer func() { metrics.ObserveGatewayCall("get_receipt", err, started) }()

	data, err := c.doRequest(ctx, http.MethodGet, "/receipt/"+url.PathEscape(orderID), nil, nil)
	if err != nil {
		return nil, err
	}

	var out Receipt
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	return &out, nil
}
