package services

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/storefront/internal/utils"
)

// CryptoPay update types. Only invoice_paid carries an economic effect.
const (
	CryptoPayUpdateInvoicePaid = "invoice_paid"
	CryptoPaySignatureHeader   = "Crypto-Pay-Api-Signature"
)

// CorrelationPayload travels inside the invoice and comes back with the webhook.
type CorrelationPayload struct {
	UserID       string           `json:"userId"`
	OrderID      string           `json:"orderId,omitempty"`
	AmountRub    decimal.Decimal  `json:"amountRub"`
	BalanceToUse *decimal.Decimal `json:"balanceToUse,omitempty"`
}

// InvoiceRequest is an internal request for an external payable invoice.
type InvoiceRequest struct {
	Amount      int64
	Description string
	Payload     CorrelationPayload
}

// Invoice is what the gateway minted for an InvoiceRequest.
type Invoice struct {
	ID        string
	URL       string
	ExpiresAt time.Time
}

// PaymentGateway creates invoices on an external crypto payment service.
type PaymentGateway interface {
	CreateInvoice(ctx context.Context, req InvoiceRequest) (*Invoice, error)
}

// CryptoPayClient talks to the Crypto Pay API (@CryptoBot).
type CryptoPayClient struct {
	baseURL        string
	token          string
	acceptedAssets string
	invoiceTTL     time.Duration
	http           *http.Client
}

// CryptoPayConfig holds Crypto Pay credentials and invoice defaults.
type CryptoPayConfig struct {
	BaseURL        string
	APIToken       string
	AcceptedAssets string
	InvoiceTTL     time.Duration
}

func NewCryptoPayClient(cfg CryptoPayConfig) *CryptoPayClient {
	return &CryptoPayClient{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		token:          cfg.APIToken,
		acceptedAssets: cfg.AcceptedAssets,
		invoiceTTL:     cfg.InvoiceTTL,
		http:           &http.Client{Timeout: 15 * time.Second},
	}
}

type cryptoPayEnvelope struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code int    `json:"code"`
		Name string `json:"name"`
	} `json:"error"`
}

type cryptoPayCreateInvoice struct {
	CurrencyType   string `json:"currency_type"`
	Fiat           string `json:"fiat"`
	AcceptedAssets string `json:"accepted_assets,omitempty"`
	Amount         string `json:"amount"`
	Description    string `json:"description,omitempty"`
	Payload        string `json:"payload"`
	ExpiresIn      int    `json:"expires_in,omitempty"`
	AllowAnonymous bool   `json:"allow_anonymous"`
}

type cryptoPayInvoiceResult struct {
	InvoiceID         int64  `json:"invoice_id"`
	BotInvoiceURL     string `json:"bot_invoice_url"`
	MiniAppInvoiceURL string `json:"mini_app_invoice_url"`
	ExpirationDate    string `json:"expiration_date"`
}

type cryptoPayRate struct {
	IsValid bool            `json:"is_valid"`
	Source  string          `json:"source"`
	Target  string          `json:"target"`
	Rate    decimal.Decimal `json:"rate"`
}

// CreateInvoice mints a RUB-denominated invoice payable in the accepted crypto assets.
// It is never retried: every call may create a new payable invoice.
func (c *CryptoPayClient) CreateInvoice(ctx context.Context, req InvoiceRequest) (*Invoice, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}

	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal invoice payload: %w", err)
	}

	body := cryptoPayCreateInvoice{
		CurrencyType:   "fiat",
		Fiat:           "RUB",
		AcceptedAssets: c.acceptedAssets,
		Amount:         utils.FromMinor(req.Amount).StringFixed(2),
		Description:    req.Description,
		Payload:        string(payload),
		ExpiresIn:      int(c.invoiceTTL.Seconds()),
	}

	var result cryptoPayInvoiceResult
	if err := c.call(ctx, "createInvoice", body, &result); err != nil {
		return nil, err
	}

	url := result.MiniAppInvoiceURL
	if url == "" {
		url = result.BotInvoiceURL
	}
	inv := &Invoice{
		ID:  strconv.FormatInt(result.InvoiceID, 10),
		URL: url,
	}
	if result.ExpirationDate != "" {
		if t, err := time.Parse(time.RFC3339, result.ExpirationDate); err == nil {
			inv.ExpiresAt = t
		}
	}
	if inv.ExpiresAt.IsZero() && c.invoiceTTL > 0 {
		inv.ExpiresAt = time.Now().Add(c.invoiceTTL)
	}
	return inv, nil
}

// ExchangeRate returns how many units of target one unit of source costs.
func (c *CryptoPayClient) ExchangeRate(ctx context.Context, source, target string) (decimal.Decimal, error) {
	var rates []cryptoPayRate
	if err := c.call(ctx, "getExchangeRates", nil, &rates); err != nil {
		return decimal.Zero, err
	}
	for _, r := range rates {
		if r.IsValid && strings.EqualFold(r.Source, source) && strings.EqualFold(r.Target, target) {
			return r.Rate, nil
		}
	}
	return decimal.Zero, fmt.Errorf("%w: no %s/%s rate", ErrPaymentUnavailable, source, target)
}

func (c *CryptoPayClient) call(ctx context.Context, method string, body any, out any) error {
	if c.token == "" {
		return fmt.Errorf("%w: crypto pay token is not configured", ErrPaymentUnavailable)
	}

	var reader io.Reader
	httpMethod := http.MethodGet
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("crypto pay %s marshal: %w", method, err)
		}
		reader = bytes.NewReader(data)
		httpMethod = http.MethodPost
	}

	req, err := http.NewRequestWithContext(ctx, httpMethod, c.baseURL+"/"+method, reader)
	if err != nil {
		return fmt.Errorf("crypto pay %s request build: %w", method, err)
	}
	req.Header.Set("Crypto-Pay-API-Token", c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: crypto pay %s: %v", ErrPaymentUnavailable, method, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: crypto pay %s read: %v", ErrPaymentUnavailable, method, err)
	}

	var env cryptoPayEnvelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return fmt.Errorf("%w: crypto pay %s: status %d, undecodable body", ErrPaymentUnavailable, method, resp.StatusCode)
	}
	if !env.OK {
		name := "unknown"
		if env.Error != nil {
			name = env.Error.Name
		}
		return fmt.Errorf("%w: crypto pay %s failed: status %d, %s", ErrPaymentUnavailable, method, resp.StatusCode, name)
	}

	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("%w: crypto pay %s result: %v", ErrPaymentUnavailable, method, err)
	}
	return nil
}

// VerifyCryptoPaySignature checks the webhook signature header:
// hex(HMAC-SHA-256(body, key = SHA-256(api token))).
func VerifyCryptoPaySignature(token string, body []byte, signature string) bool {
	if token == "" || signature == "" {
		return false
	}
	received, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	return hmac.Equal(received, SignCryptoPayBody(token, body))
}

// SignCryptoPayBody computes the raw signature Crypto Pay attaches to webhook bodies.
func SignCryptoPayBody(token string, body []byte) []byte {
	secret := sha256.Sum256([]byte(token))
	mac := hmac.New(sha256.New, secret[:])
	mac.Write(body)
	return mac.Sum(nil)
}

// PaymentEvent is a validated confirmed payment.
type PaymentEvent struct {
	PaymentID    string
	UserID       string
	OrderID      string
	Amount       int64
	BalanceToUse int64
}

type cryptoPayUpdate struct {
	UpdateID    int64           `json:"update_id"`
	UpdateType  string          `json:"update_type"`
	RequestDate string          `json:"request_date"`
	Payload     json.RawMessage `json:"payload"`
}

type cryptoPayPaidInvoice struct {
	InvoiceID int64  `json:"invoice_id"`
	Status    string `json:"status"`
	Payload   string `json:"payload"`
}

// ParseCryptoPayUpdate decodes a webhook body. For update types other than invoice_paid it
// returns the type and a nil event. Malformed invoice_paid updates fail with ErrInvalidPayload.
func ParseCryptoPayUpdate(body []byte) (string, *PaymentEvent, error) {
	var update cryptoPayUpdate
	if err := json.Unmarshal(body, &update); err != nil {
		return "", nil, fmt.Errorf("%w: update body: %v", ErrInvalidPayload, err)
	}
	if update.UpdateType != CryptoPayUpdateInvoicePaid {
		return update.UpdateType, nil, nil
	}

	var invoice cryptoPayPaidInvoice
	if err := json.Unmarshal(update.Payload, &invoice); err != nil {
		return update.UpdateType, nil, fmt.Errorf("%w: invoice: %v", ErrInvalidPayload, err)
	}
	if invoice.InvoiceID <= 0 {
		return update.UpdateType, nil, fmt.Errorf("%w: missing invoice_id", ErrInvalidPayload)
	}
	if invoice.Status != "" && invoice.Status != "paid" {
		return update.UpdateType, nil, fmt.Errorf("%w: invoice status %q", ErrInvalidPayload, invoice.Status)
	}

	event, err := ParseCorrelationPayload(strconv.FormatInt(invoice.InvoiceID, 10), []byte(invoice.Payload))
	if err != nil {
		return update.UpdateType, nil, err
	}
	return update.UpdateType, event, nil
}

// ParseCorrelationPayload validates the payload we attached to an invoice.
// Unknown fields, a missing user or a non-positive amount are permanent rejections.
func ParseCorrelationPayload(paymentID string, raw []byte) (*PaymentEvent, error) {
	if strings.TrimSpace(paymentID) == "" {
		return nil, fmt.Errorf("%w: missing payment id", ErrInvalidPayload)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var payload CorrelationPayload
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: correlation payload: %v", ErrInvalidPayload, err)
	}
	if strings.TrimSpace(payload.UserID) == "" {
		return nil, fmt.Errorf("%w: missing userId", ErrInvalidPayload)
	}
	if !payload.AmountRub.IsPositive() {
		return nil, fmt.Errorf("%w: amountRub must be positive", ErrInvalidPayload)
	}

	amount, err := utils.ToMinor(payload.AmountRub)
	if err != nil {
		return nil, fmt.Errorf("%w: amountRub: %v", ErrInvalidPayload, err)
	}

	event := &PaymentEvent{
		PaymentID: paymentID,
		UserID:    strings.TrimSpace(payload.UserID),
		OrderID:   strings.TrimSpace(payload.OrderID),
		Amount:    amount,
	}
	if payload.BalanceToUse != nil {
		if payload.BalanceToUse.IsNegative() {
			return nil, fmt.Errorf("%w: balanceToUse is negative", ErrInvalidPayload)
		}
		if event.BalanceToUse, err = utils.ToMinor(*payload.BalanceToUse); err != nil {
			return nil, fmt.Errorf("%w: balanceToUse: %v", ErrInvalidPayload, err)
		}
	}
	return event, nil
}
