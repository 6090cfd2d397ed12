package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/storefront/internal/models"
	"github.com/example/storefront/internal/utils"
)

// TelegramService sends bot messages to customers and to the admin chat.
type TelegramService struct {
	apiURL      string
	botToken    string
	adminChatID string
	client      *http.Client
	log         *zap.Logger
}

// NewTelegramService creates a new TelegramService.
func NewTelegramService(apiURL, botToken, adminChatID string, log *zap.Logger) *TelegramService {
	if apiURL == "" {
		apiURL = "https://api.telegram.org"
	}
	return &TelegramService{
		apiURL:      strings.TrimRight(apiURL, "/"),
		botToken:    botToken,
		adminChatID: adminChatID,
		client:      &http.Client{Timeout: 10 * time.Second},
		log:         log,
	}
}

type telegramMessage struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
}

// TelegramError is a non-OK Bot API answer.
type TelegramError struct {
	Status      int
	Description string
}

func (e *TelegramError) Error() string {
	return fmt.Sprintf("telegram returned status %d: %s", e.Status, e.Description)
}

// SendMessage sends an HTML message to a user's private chat.
// A user who blocked the bot or never opened the chat yields an error matching ErrBotBlocked.
// Without a bot token it returns ErrMessengerDisabled.
func (s *TelegramService) SendMessage(ctx context.Context, chatID int64, text string) error {
	return s.send(ctx, strconv.FormatInt(chatID, 10), text)
}

// SendToAdmin sends a message to the admin chat.
func (s *TelegramService) SendToAdmin(ctx context.Context, text string) error {
	if s.adminChatID == "" {
		s.log.Debug("admin chat not configured, message dropped")
		return nil
	}
	return s.send(ctx, s.adminChatID, text)
}

func (s *TelegramService) send(ctx context.Context, chatID, text string) error {
	if s.botToken == "" {
		return ErrMessengerDisabled
	}

	body, err := json.Marshal(telegramMessage{
		ChatID:                chatID,
		Text:                  text,
		ParseMode:             "HTML",
		DisableWebPagePreview: true,
	})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", s.apiURL, s.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram sendMessage: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var parsed telegramResponse
	_ = json.Unmarshal(respBody, &parsed)

	if resp.StatusCode == http.StatusOK && parsed.OK {
		return nil
	}

	tgErr := &TelegramError{Status: resp.StatusCode, Description: parsed.Description}
	if isPermanentRefusal(resp.StatusCode, parsed.Description) {
		return fmt.Errorf("%w: %s", ErrBotBlocked, tgErr.Error())
	}
	return tgErr
}

// Telegram reports chats the bot can never reach with these status and description pairs.
var permanentRefusals = []struct {
	status int
	marker string
}{
	{http.StatusForbidden, "bot was blocked"},
	{http.StatusForbidden, "user is deactivated"},
	{http.StatusForbidden, "bot can't initiate conversation"},
	{http.StatusBadRequest, "chat not found"},
}

func isPermanentRefusal(status int, desc string) bool {
	desc = strings.ToLower(desc)
	for _, r := range permanentRefusals {
		if status == r.status && strings.Contains(desc, r.marker) {
			return true
		}
	}
	return false
}

// PaymentNotification contains data for the admin payment message.
type PaymentNotification struct {
	PaymentID   string
	Customer    string
	Amount      int64
	OrderNumber string
	Settled     bool
}

// NotifyPaymentReceived tells the admin chat about a confirmed gateway payment.
func (s *TelegramService) NotifyPaymentReceived(ctx context.Context, p PaymentNotification) error {
	orderLine := "пополнение баланса"
	if p.OrderNumber != "" {
		orderLine = html.EscapeString(p.OrderNumber)
		if !p.Settled {
			orderLine += " (не оплачен, средства на балансе)"
		}
	}

	message := fmt.Sprintf(`<b>✅ ПЛАТЁЖ ПОЛУЧЕН</b>
<b>🧾 Счёт:</b> %s
<b>👤 Покупатель:</b> %s
<b>💰 Сумма:</b> %s
<b>📋 Заказ:</b> %s
━━━━━━━━━━━━━━━━━━`,
		html.EscapeString(p.PaymentID),
		html.EscapeString(p.Customer),
		utils.FormatRub(p.Amount),
		orderLine,
	)

	return s.SendToAdmin(ctx, strings.TrimSpace(message))
}

// OrderNotification contains order data for the admin chat.
type OrderNotification struct {
	OrderNumber   string
	Customer      string
	Items         []OrderItemNotification
	Total         int64
	PaymentMethod string
}

// OrderItemNotification contains order item data.
type OrderItemNotification struct {
	Name     string
	Quantity int
	Price    int64
}

// NotifyNewOrder sends a paid order summary to the admin chat.
func (s *TelegramService) NotifyNewOrder(ctx context.Context, order OrderNotification) error {
	var itemsList strings.Builder
	for i, item := range order.Items {
		itemsList.WriteString(fmt.Sprintf("%d. <b>%s</b>\n   %d x %s = %s\n",
			i+1,
			html.EscapeString(item.Name),
			item.Quantity,
			utils.FormatRub(item.Price),
			utils.FormatRub(item.Price*int64(item.Quantity)),
		))
	}

	paymentMethodText := "Баланс"
	if order.PaymentMethod == models.PaymentMethodCryptoPay {
		paymentMethodText = "Crypto Pay"
	}

	message := fmt.Sprintf(`<b>🛒 НОВЫЙ ЗАКАЗ</b>
<b>📋 Заказ:</b> %s
<b>👤 Покупатель:</b> %s
<b>📦 Товары:</b>
%s
<b>💰 Итого:</b> %s
<b>💳 Оплата:</b> %s
━━━━━━━━━━━━━━━━━━`,
		html.EscapeString(order.OrderNumber),
		html.EscapeString(order.Customer),
		itemsList.String(),
		utils.FormatRub(order.Total),
		paymentMethodText,
	)

	return s.SendToAdmin(ctx, strings.TrimSpace(message))
}
