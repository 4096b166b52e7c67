package payos

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// Error taxonomy for outbound gateway calls. Unavailable is transient and
// worth retrying; Rejected is terminal for the attempt (bad amount, bad
// request) and must be surfaced to the caller.
var (
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	ErrGatewayRejected    = errors.New("payment gateway rejected request")
)

// DescriptionLimit is the gateway's hard cap on checkout descriptions.
const DescriptionLimit = 25

// TruncateDescription enforces the gateway's 25-character description cap.
// Longer values keep the first 22 characters plus "...".
func TruncateDescription(s string) string {
	r := []rune(s)
	if len(r) <= DescriptionLimit {
		return s
	}
	return string(r[:DescriptionLimit-3]) + "..."
}

// Client is the gateway adapter. It mutates no local state; callers own
// persistence of anything it returns.
type Client struct {
	BaseURL     string
	ClientID    string
	APIKey      string
	ChecksumKey string
	client      *http.Client
}

func NewClient(baseURL, clientID, apiKey, checksumKey string) *Client {
	if baseURL == "" {
		baseURL = "https://api-merchant.payos.vn"
	}
	return &Client{
		BaseURL:     baseURL,
		ClientID:    clientID,
		APIKey:      apiKey,
		ChecksumKey: checksumKey,
		client:      &http.Client{Timeout: 30 * time.Second},
	}
}

type CreateLinkRequest struct {
	OrderCode   int64
	Amount      int64
	Description string
	ReturnURL   string
	CancelURL   string
	ExpiredAt   time.Time
}

type Link struct {
	PaymentLinkID string
	CheckoutURL   string
}

// Gateway status enum as reported by the status query API.
const (
	GatewayStatusPending    = "PENDING"
	GatewayStatusProcessing = "PROCESSING"
	GatewayStatusPaid       = "PAID"
	GatewayStatusCancelled  = "CANCELLED"
	GatewayStatusExpired    = "EXPIRED"
)

type Transaction struct {
	Reference           string `json:"reference"`
	Amount              int64  `json:"amount"`
	Description         string `json:"description"`
	TransactionDateTime string `json:"transactionDateTime"`
}

type Status struct {
	OrderCode    int64         `json:"orderCode"`
	Status       string        `json:"status"`
	Amount       int64         `json:"amount"`
	AmountPaid   int64         `json:"amountPaid"`
	Transactions []Transaction `json:"transactions"`
}

type envelope struct {
	Code string          `json:"code"`
	Desc string          `json:"desc"`
	Data json.RawMessage `json:"data"`
}

type createLinkBody struct {
	OrderCode   int64  `json:"orderCode"`
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
	CancelURL   string `json:"cancelUrl"`
	ReturnURL   string `json:"returnUrl"`
	ExpiredAt   int64  `json:"expiredAt"`
	Signature   string `json:"signature"`
}

type createLinkData struct {
	PaymentLinkID string `json:"paymentLinkId"`
	CheckoutURL   string `json:"checkoutUrl"`
}

// signCreateLink computes the HMAC-SHA256 signature over the canonical
// key-sorted create-link fields, hex encoded.
func (c *Client) signCreateLink(amount int64, cancelURL, description string, orderCode int64, returnURL string) string {
	payload := fmt.Sprintf("amount=%d&cancelUrl=%s&description=%s&orderCode=%d&returnUrl=%s",
		amount, cancelURL, description, orderCode, returnURL)
	mac := hmac.New(sha256.New, []byte(c.ChecksumKey))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhook checks the HMAC-SHA256 hex signature over the raw webhook
// body against the shared checksum key.
func (c *Client) VerifyWebhook(rawBody []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(c.ChecksumKey))
	mac.Write(rawBody)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(signature), []byte(expected))
}

func (c *Client) CreateLink(ctx context.Context, req CreateLinkRequest) (*Link, error) {
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrGatewayRejected)
	}
	desc := TruncateDescription(req.Description)
	body := createLinkBody{
		OrderCode:   req.OrderCode,
		Amount:      req.Amount,
		Description: desc,
		CancelURL:   req.CancelURL,
		ReturnURL:   req.ReturnURL,
		ExpiredAt:   req.ExpiredAt.Unix(),
		Signature:   c.signCreateLink(req.Amount, req.CancelURL, desc, req.OrderCode, req.ReturnURL),
	}
	var data createLinkData
	if err := c.do(ctx, http.MethodPost, "/v2/payment-requests", body, &data); err != nil {
		return nil, err
	}
	return &Link{PaymentLinkID: data.PaymentLinkID, CheckoutURL: data.CheckoutURL}, nil
}

func (c *Client) GetStatus(ctx context.Context, orderCode int64) (*Status, error) {
	var data Status
	path := fmt.Sprintf("/v2/payment-requests/%d", orderCode)
	if err := c.do(ctx, http.MethodGet, path, nil, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

type cancelBody struct {
	CancellationReason string `json:"cancellationReason"`
}

func (c *Client) CancelLink(ctx context.Context, orderCode int64, reason string) error {
	path := fmt.Sprintf("/v2/payment-requests/%d/cancel", orderCode)
	return c.do(ctx, http.MethodPost, path, cancelBody{CancellationReason: reason}, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-client-id", c.ClientID)
	req.Header.Set("x-api-key", c.APIKey)
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrGatewayUnavailable, err)
	}
	if resp.StatusCode >= 500 {
		log.Printf("[PAYOS] %s %s status=%d", method, path, resp.StatusCode)
		return fmt.Errorf("%w: status %d", ErrGatewayUnavailable, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		log.Printf("[PAYOS] %s %s status=%d body=%s", method, path, resp.StatusCode, respBody)
		return fmt.Errorf("%w: status %d", ErrGatewayRejected, resp.StatusCode)
	}
	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrGatewayUnavailable, err)
	}
	if env.Code != "00" {
		return fmt.Errorf("%w: code=%s desc=%s", ErrGatewayRejected, env.Code, env.Desc)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("%w: decode data: %v", ErrGatewayUnavailable, err)
		}
	}
	return nil
}
