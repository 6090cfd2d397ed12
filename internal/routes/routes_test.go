package routes_test

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/storefront/internal/config"
	"github.com/example/storefront/internal/models"
	"github.com/example/storefront/internal/routes"
	"github.com/example/storefront/internal/services"
	"github.com/example/storefront/internal/testutil"
	"github.com/example/storefront/internal/utils"
)

const (
	botToken       = "123456:TEST-bot-token"
	cryptoPayToken = "9999:TEST-crypto-pay"
	jwtSecret      = "test-secret"
	adminPassword  = "s3cret-admin"
)

type harness struct {
	app      *fiber.App
	db       *gorm.DB
	invoices atomic.Int64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{db: testutil.NewDB(t)}

	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/createInvoice":
			id := h.invoices.Add(1)
			fmt.Fprintf(w, `{"ok":true,"result":{"invoice_id":%d,"mini_app_invoice_url":"https://t.me/CryptoBot/app?startapp=invoice-%d"}}`, id, id)
		case "/getExchangeRates":
			_, _ = io.WriteString(w, `{"ok":true,"result":[{"is_valid":true,"source":"USDT","target":"RUB","rate":"92.35"}]}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(gateway.Close)

	hash, err := utils.HashPassword(adminPassword)
	require.NoError(t, err)

	cfg := &config.Config{
		JWTSecret: jwtSecret,
		TokenTTL:  time.Hour,
		Telegram:  config.Telegram{BotToken: botToken},
		CryptoPay: config.CryptoPay{
			APIToken:       cryptoPayToken,
			BaseURL:        gateway.URL,
			AcceptedAssets: "USDT",
			RateAsset:      "USDT",
			InvoiceTTL:     time.Hour,
			RateTTL:        time.Minute,
		},
		Admin: config.Admin{Username: "admin", PasswordHash: hash},
	}

	h.app = fiber.New()
	telegram := services.NewTelegramService("", "", "", zap.NewNop())
	routes.Register(h.app, h.db, cfg, telegram, zap.NewNop())
	return h
}

func initData(telegramID int64) string {
	values := url.Values{}
	values.Set("user", fmt.Sprintf(`{"id":%d,"first_name":"Test","username":"user%d"}`, telegramID, telegramID))
	values.Set("auth_date", strconv.FormatInt(time.Now().Unix(), 10))
	return utils.SignInitData(values, botToken)
}

func (h *harness) do(t *testing.T, method, path, auth string, body any, headers ...string) (int, map[string]any) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, ok := body.([]byte)
		if !ok {
			var err error
			raw, err = json.Marshal(body)
			require.NoError(t, err)
		}
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := h.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = json.Unmarshal(data, &out)
	return resp.StatusCode, out
}

func (h *harness) webhook(t *testing.T, body []byte, signature string) (int, map[string]any) {
	t.Helper()
	return h.do(t, http.MethodPost, "/api/webhooks/cryptopay", "", body, services.CryptoPaySignatureHeader, signature)
}

func sign(body []byte) string {
	return hex.EncodeToString(services.SignCryptoPayBody(cryptoPayToken, body))
}

func paidUpdate(t *testing.T, invoiceID int64, payload map[string]any) []byte {
	t.Helper()
	inner, err := json.Marshal(payload)
	require.NoError(t, err)
	body, err := json.Marshal(map[string]any{
		"update_id":   invoiceID,
		"update_type": services.CryptoPayUpdateInvoicePaid,
		"payload": map[string]any{
			"invoice_id": invoiceID,
			"status":     "paid",
			"payload":    string(inner),
		},
	})
	require.NoError(t, err)
	return body
}

func checkoutBody(product *models.Product, balanceToUse string) map[string]any {
	price := utils.FromMinor(product.Price).String()
	return map[string]any{
		"items": []map[string]any{{
			"productId":   product.ID.String(),
			"productName": product.Name,
			"price":       price,
			"quantity":    1,
		}},
		"total":        price,
		"balanceToUse": balanceToUse,
	}
}

func TestLaunch(t *testing.T) {
	h := newHarness(t)

	status, body := h.do(t, http.MethodPost, "/api/auth/telegram", "", map[string]any{"initData": initData(42)})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["success"])
	assert.NotEmpty(t, body["token"])
	user := body["user"].(map[string]any)
	assert.Equal(t, float64(42), user["telegramId"])
	assert.Equal(t, "0", user["balance"])

	status, body = h.do(t, http.MethodGet, "/api/profile", "Bearer "+body["token"].(string), nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "user42", body["data"].(map[string]any)["username"])

	status, _ = h.do(t, http.MethodPost, "/api/auth/telegram", "", map[string]any{"initData": "user=%7B%7D&hash=00"})
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestProtectedRoutesRequireIdentity(t *testing.T) {
	h := newHarness(t)
	banned := testutil.CreateUser(t, h.db, 7, 0)
	require.NoError(t, h.db.Model(banned).Update("is_banned", true).Error)

	status, body := h.do(t, http.MethodGet, "/api/balance", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, false, body["success"])

	status, _ = h.do(t, http.MethodGet, "/api/balance", "tma "+initData(404), nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = h.do(t, http.MethodGet, "/api/balance", "tma "+initData(7), nil)
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = h.do(t, http.MethodGet, "/api/balance", "Bearer not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestBalanceCheckout(t *testing.T) {
	h := newHarness(t)
	testutil.CreateUser(t, h.db, 1, 100000)
	product := testutil.CreateProduct(t, h.db, "Netflix 1 month", 30000, testutil.IntPtr(1))
	auth := "tma " + initData(1)

	status, body := h.do(t, http.MethodPost, "/api/checkout", auth, checkoutBody(product, "300"))
	require.Equal(t, http.StatusCreated, status, body)
	assert.Equal(t, models.OrderStatusPaid, body["status"])
	assert.Equal(t, "700", body["balance"])
	assert.NotContains(t, body, "invoiceUrl")

	status, body = h.do(t, http.MethodPost, "/api/checkout", auth, checkoutBody(product, "300"))
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "Товар закончился", body["error"])

	status, body = h.do(t, http.MethodGet, "/api/balance", auth, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "700", body["balance"])
	assert.Len(t, body["data"], 2)
}

func TestBalanceCheckoutInsufficientFunds(t *testing.T) {
	h := newHarness(t)
	testutil.CreateUser(t, h.db, 1, 10000)
	product := testutil.CreateProduct(t, h.db, "Netflix 1 month", 30000, nil)

	status, body := h.do(t, http.MethodPost, "/api/checkout", "tma "+initData(1), checkoutBody(product, "300"))
	assert.Equal(t, http.StatusPaymentRequired, status)
	assert.Equal(t, "Недостаточно средств на балансе", body["error"])
}

func TestGatewayCheckoutThenWebhook(t *testing.T) {
	h := newHarness(t)
	user := testutil.CreateUser(t, h.db, 1, 0)
	product := testutil.CreateProduct(t, h.db, "Netflix 1 month", 30000, testutil.IntPtr(1))
	auth := "tma " + initData(1)

	status, body := h.do(t, http.MethodPost, "/api/checkout", auth, checkoutBody(product, "0"))
	require.Equal(t, http.StatusCreated, status, body)
	assert.Equal(t, models.OrderStatusPending, body["status"])
	assert.Equal(t, "https://t.me/CryptoBot/app?startapp=invoice-1", body["invoiceUrl"])
	orderID := body["orderId"].(string)

	update := paidUpdate(t, 1, map[string]any{"userId": user.ID.String(), "amountRub": "300"})

	status, _ = h.webhook(t, update, "deadbeef")
	assert.Equal(t, http.StatusUnauthorized, status)

	status, body = h.webhook(t, update, sign(update))
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, false, body["duplicate"])
	assert.Equal(t, orderID, body["orderId"])
	assert.Equal(t, true, body["settled"])

	status, body = h.webhook(t, update, sign(update))
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["duplicate"])

	status, body = h.do(t, http.MethodGet, "/api/orders/"+orderID, auth, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, models.OrderStatusPaid, body["data"].(map[string]any)["status"])
	assert.Equal(t, int64(0), testutil.Balance(t, h.db, user.ID))
}

func TestWebhookRejectionsAreAcknowledged(t *testing.T) {
	h := newHarness(t)

	ignored := []byte(`{"update_id":1,"update_type":"invoice_expired","payload":{}}`)
	status, body := h.webhook(t, ignored, sign(ignored))
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["ignored"])

	unknownUser := paidUpdate(t, 5, map[string]any{"userId": "00000000-0000-0000-0000-000000000001", "amountRub": "10"})
	status, body = h.webhook(t, unknownUser, sign(unknownUser))
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["success"])

	malformed := []byte(`{"update_type":"invoice_paid","payload":{"invoice_id":6,"payload":"{}"}}`)
	status, body = h.webhook(t, malformed, sign(malformed))
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["success"])
}

func TestTopUpAndRate(t *testing.T) {
	h := newHarness(t)
	testutil.CreateUser(t, h.db, 1, 0)
	auth := "tma " + initData(1)

	status, body := h.do(t, http.MethodPost, "/api/balance/topup", auth, map[string]any{"amount": "500"})
	require.Equal(t, http.StatusCreated, status, body)
	assert.Equal(t, "1", body["invoiceId"])

	status, _ = h.do(t, http.MethodPost, "/api/balance/topup", auth, map[string]any{"amount": "-1"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = h.do(t, http.MethodGet, "/api/payments/rate", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "92.35", body["data"].(map[string]any)["rate"])
}

func TestCartSync(t *testing.T) {
	h := newHarness(t)
	testutil.CreateUser(t, h.db, 1, 0)
	items := []map[string]any{{"productId": "p1", "productName": "Netflix", "price": "300", "quantity": 1}}

	status, _ := h.do(t, http.MethodPost, "/api/cart/sync", "", map[string]any{"items": items, "total": "300"})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = h.do(t, http.MethodPost, "/api/cart/sync", "", map[string]any{"initData": initData(2), "items": items, "total": "300"})
	assert.Equal(t, http.StatusNotFound, status)

	status, body := h.do(t, http.MethodPost, "/api/cart/sync", "", map[string]any{"initData": initData(1), "items": items, "total": "300"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, services.CartActionCreated, body["action"])

	status, body = h.do(t, http.MethodPost, "/api/cart/sync", "tma "+initData(1), map[string]any{"items": []any{}, "total": "0"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, services.CartActionCleared, body["action"])
}

func TestAdminRefund(t *testing.T) {
	h := newHarness(t)
	user := testutil.CreateUser(t, h.db, 1, 100000)
	product := testutil.CreateProduct(t, h.db, "Netflix 1 month", 30000, nil)

	status, body := h.do(t, http.MethodPost, "/api/checkout", "tma "+initData(1), checkoutBody(product, "300"))
	require.Equal(t, http.StatusCreated, status, body)
	orderID := body["orderId"].(string)

	status, _ = h.do(t, http.MethodPost, "/api/admin/login", "", map[string]any{"username": "admin", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, body = h.do(t, http.MethodPost, "/api/admin/login", "", map[string]any{"username": "admin", "password": adminPassword})
	require.Equal(t, http.StatusOK, status)
	adminAuth := "Bearer " + body["token"].(string)

	customerToken, err := utils.GenerateToken(jwtSecret, user.ID, time.Hour)
	require.NoError(t, err)
	status, _ = h.do(t, http.MethodPost, "/api/admin/orders/"+orderID+"/refund", "Bearer "+customerToken, map[string]any{})
	assert.Equal(t, http.StatusForbidden, status)

	status, body = h.do(t, http.MethodPost, "/api/admin/orders/"+orderID+"/refund", adminAuth, map[string]any{"reason": "duplicate"})
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, int64(100000), testutil.Balance(t, h.db, user.ID))

	status, _ = h.do(t, http.MethodPost, "/api/admin/orders/"+orderID+"/refund", adminAuth, map[string]any{})
	assert.Equal(t, http.StatusConflict, status)

	status, body = h.do(t, http.MethodGet, "/api/admin/users/"+user.ID.String()+"/ledger/verify", adminAuth, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["consistent"])
}
