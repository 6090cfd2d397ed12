package services

import (
	"errors"
)

var (
	ErrUnauthenticated     = errors.New("not authenticated")
	ErrUserNotFound        = errors.New("user not found")
	ErrUserBanned          = errors.New("user is banned")
	ErrOrderNotFound       = errors.New("order not found")
	ErrProductNotFound     = errors.New("product not found")
	ErrInvalidCheckout     = errors.New("invalid checkout request")
	ErrInvalidCart         = errors.New("invalid cart snapshot")
	ErrPriceChanged        = errors.New("product price changed")
	ErrOutOfStock          = errors.New("product out of stock")
	ErrPurchaseLimit       = errors.New("purchase limit exceeded")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrInvalidTransition   = errors.New("order status transition not allowed")
	ErrPaymentUnavailable  = errors.New("payment service unavailable")
	ErrInvalidPayload      = errors.New("invalid payment payload")
	ErrDuplicatePayment    = errors.New("payment already processed")
	ErrPaymentMismatch     = errors.New("payment does not match order")
	ErrBotBlocked          = errors.New("bot cannot reach the chat")
	ErrMessengerDisabled   = errors.New("messenger not configured")
)

// userMessages are shown in the storefront as-is, so they stay in Russian.
var userMessages = []struct {
	err error
	msg string
}{
	{ErrUnauthenticated, "Необходима авторизация"},
	{ErrUserNotFound, "Профиль не найден"},
	{ErrUserBanned, "Аккаунт заблокирован"},
	{ErrOrderNotFound, "Заказ не найден"},
	{ErrProductNotFound, "Товар не найден"},
	{ErrInvalidCheckout, "Некорректные данные заказа"},
	{ErrInvalidCart, "Некорректные данные корзины"},
	{ErrPriceChanged, "Цена товара изменилась, обновите корзину"},
	{ErrOutOfStock, "Товар закончился"},
	{ErrPurchaseLimit, "Превышен лимит покупки этого товара"},
	{ErrInsufficientBalance, "Недостаточно средств на балансе"},
	{ErrInvalidAmount, "Некорректная сумма"},
	{ErrInvalidTransition, "Действие недоступно для заказа в текущем статусе"},
	{ErrPaymentUnavailable, "Платёжный сервис временно недоступен, попробуйте позже"},
}

const fallbackUserMessage = "Что-то пошло не так, попробуйте позже"

// UserMessage returns the storefront text for err.
func UserMessage(err error) string {
	for _, m := range userMessages {
		if errors.Is(err, m.err) {
			return m.msg
		}
	}
	return fallbackUserMessage
}

// IsExpected reports whether err is a user-facing outcome rather than a system failure.
func IsExpected(err error) bool {
	for _, m := range userMessages {
		if errors.Is(err, m.err) && !errors.Is(err, ErrPaymentUnavailable) {
			return true
		}
	}
	return errors.Is(err, ErrDuplicatePayment)
}
