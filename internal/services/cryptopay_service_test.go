package services

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCryptoPayServer(t *testing.T, handler http.HandlerFunc) *CryptoPayClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewCryptoPayClient(CryptoPayConfig{
		BaseURL:        srv.URL + "/api/",
		APIToken:       "1234:AAA",
		AcceptedAssets: "USDT,TON",
		InvoiceTTL:     time.Hour,
	})
}

func TestCryptoPayCreateInvoice(t *testing.T) {
	var got cryptoPayCreateInvoice
	client := newCryptoPayServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/createInvoice", r.URL.Path)
		assert.Equal(t, "1234:AAA", r.Header.Get("Crypto-Pay-API-Token"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, &got))

		_, _ = io.WriteString(w, `{"ok":true,"result":{"invoice_id":528,"status":"active",
			"bot_invoice_url":"https://t.me/CryptoBot?start=IVabc",
			"mini_app_invoice_url":"https://t.me/CryptoBot/app?startapp=invoice-IVabc",
			"expiration_date":"2024-05-01T11:00:00.000Z"}}`)
	})

	inv, err := client.CreateInvoice(context.Background(), InvoiceRequest{
		Amount:      123450,
		Description: "Заказ #1",
		Payload:     CorrelationPayload{UserID: "u-1", AmountRub: decimalRub(t, "1234.5")},
	})
	require.NoError(t, err)
	assert.Equal(t, "528", inv.ID)
	assert.Equal(t, "https://t.me/CryptoBot/app?startapp=invoice-IVabc", inv.URL)
	assert.Equal(t, time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC), inv.ExpiresAt.UTC())

	assert.Equal(t, "fiat", got.CurrencyType)
	assert.Equal(t, "RUB", got.Fiat)
	assert.Equal(t, "1234.50", got.Amount)
	assert.Equal(t, "USDT,TON", got.AcceptedAssets)
	assert.Equal(t, 3600, got.ExpiresIn)
	assert.JSONEq(t, `{"userId":"u-1","amountRub":"1234.5"}`, got.Payload)
}

func TestCryptoPayErrorsAreUnavailable(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		message string
	}{
		{"api error", http.StatusBadRequest, `{"ok":false,"error":{"code":400,"name":"AMOUNT_TOO_SMALL"}}`, "AMOUNT_TOO_SMALL"},
		{"not json", http.StatusBadGateway, `<html>bad gateway</html>`, "undecodable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newCryptoPayServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})
			_, err := client.CreateInvoice(context.Background(), InvoiceRequest{Amount: 100, Payload: CorrelationPayload{UserID: "u"}})
			assert.ErrorIs(t, err, ErrPaymentUnavailable)
			assert.ErrorContains(t, err, tt.message)
		})
	}

	unconfigured := NewCryptoPayClient(CryptoPayConfig{BaseURL: "http://127.0.0.1:1"})
	_, err := unconfigured.CreateInvoice(context.Background(), InvoiceRequest{Amount: 100})
	assert.ErrorIs(t, err, ErrPaymentUnavailable)

	_, err = unconfigured.CreateInvoice(context.Background(), InvoiceRequest{Amount: 0})
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestCryptoPayExchangeRate(t *testing.T) {
	client := newCryptoPayServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/getExchangeRates", r.URL.Path)
		_, _ = io.WriteString(w, `{"ok":true,"result":[
			{"is_valid":true,"source":"TON","target":"RUB","rate":"512.10"},
			{"is_valid":false,"source":"USDT","target":"RUB","rate":"1"},
			{"is_valid":true,"source":"USDT","target":"RUB","rate":"92.35"}]}`)
	})

	rate, err := client.ExchangeRate(context.Background(), "usdt", "RUB")
	require.NoError(t, err)
	assert.Equal(t, "92.35", rate.String())

	_, err = client.ExchangeRate(context.Background(), "BTC", "RUB")
	assert.ErrorIs(t, err, ErrPaymentUnavailable)
}

func TestVerifyCryptoPaySignature(t *testing.T) {
	body := []byte(`{"update_id":1}`)
	signature := hex.EncodeToString(SignCryptoPayBody("1234:AAA", body))

	assert.True(t, VerifyCryptoPaySignature("1234:AAA", body, signature))
	assert.False(t, VerifyCryptoPaySignature("1234:BBB", body, signature))
	assert.False(t, VerifyCryptoPaySignature("1234:AAA", []byte(`{"update_id":2}`), signature))
	assert.False(t, VerifyCryptoPaySignature("1234:AAA", body, ""))
	assert.False(t, VerifyCryptoPaySignature("1234:AAA", body, "not-hex"))
	assert.False(t, VerifyCryptoPaySignature("", body, signature))
}

func TestParseCryptoPayUpdate(t *testing.T) {
	kind, ev, err := ParseCryptoPayUpdate(paidUpdate(t, 528, `{"userId":"u-1","orderId":"o-1","amountRub":"300","balanceToUse":"100.5"}`))
	require.NoError(t, err)
	assert.Equal(t, CryptoPayUpdateInvoicePaid, kind)
	assert.Equal(t, &PaymentEvent{
		PaymentID:    "528",
		UserID:       "u-1",
		OrderID:      "o-1",
		Amount:       30000,
		BalanceToUse: 10050,
	}, ev)

	kind, ev, err = ParseCryptoPayUpdate([]byte(`{"update_id":9,"update_type":"invoice_expired","payload":{}}`))
	require.NoError(t, err)
	assert.Equal(t, "invoice_expired", kind)
	assert.Nil(t, ev)
}

func TestParseCryptoPayUpdateRejects(t *testing.T) {
	tests := []struct {
		name string
		body []byte
	}{
		{"not json", []byte(`{`)},
		{"missing invoice id", paidUpdate(t, 0, `{"userId":"u","amountRub":"1"}`)},
		{"payload not json", paidUpdate(t, 1, `user=1`)},
		{"unknown field", paidUpdate(t, 1, `{"userId":"u","amountRub":"1","admin":true}`)},
		{"missing user", paidUpdate(t, 1, `{"amountRub":"1"}`)},
		{"zero amount", paidUpdate(t, 1, `{"userId":"u","amountRub":"0"}`)},
		{"sub-kopeck amount", paidUpdate(t, 1, `{"userId":"u","amountRub":"0.001"}`)},
		{"negative balance part", paidUpdate(t, 1, `{"userId":"u","amountRub":"1","balanceToUse":"-1"}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ev, err := ParseCryptoPayUpdate(tt.body)
			assert.Nil(t, ev)
			assert.ErrorIs(t, err, ErrInvalidPayload)
		})
	}
}
