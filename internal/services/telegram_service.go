package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"
)

const defaultTelegramAPIURL = "https://api.telegram.org"

// TelegramService handles sending notifications to Telegram.
type TelegramService struct {
	botToken    string
	adminChatID string
	apiURL      string
	httpClient  *http.Client
}

// NewTelegramService creates a new TelegramService.
func NewTelegramService(botToken, adminChatID string) *TelegramService {
	return &TelegramService{
		botToken:    botToken,
		adminChatID: adminChatID,
		apiURL:      defaultTelegramAPIURL,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
	}
}

type telegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

// SendMessage sends a message to specified chat.
func (s *TelegramService) SendMessage(chatID, text string) error {
	if s.botToken == "" {
		log.Println("[Telegram] Bot token not configured")
		return nil
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", s.apiURL, s.botToken)

	body, err := json.Marshal(telegramMessage{
		ChatID:    chatID,
		Text:      text,
		ParseMode: "HTML",
	})
	if err != nil {
		return err
	}

	resp, err := s.httpClient.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		log.Printf("[Telegram] Failed to send message: %v", err)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Printf("[Telegram] Unexpected status: %d", resp.StatusCode)
		return fmt.Errorf("telegram returned status %d", resp.StatusCode)
	}

	return nil
}

// SendToAdmin sends a message to the admin chat.
func (s *TelegramService) SendToAdmin(text string) error {
	if s.adminChatID == "" {
		log.Println("[Telegram] Admin chat ID not configured")
		return nil
	}
	return s.SendMessage(s.adminChatID, text)
}

// FormatPrice formats price with currency and thousand separators.
func FormatPrice(amount float64, currency string) string {
	if currency == "" {
		currency = "KES"
	}
	str := fmt.Sprintf("%d", int64(amount))

	var result strings.Builder
	length := len(str)
	for i, digit := range str {
		if i > 0 && (length-i)%3 == 0 {
			result.WriteString(",")
		}
		result.WriteRune(digit)
	}

	return result.String() + " " + currency
}

// PaymentSuccessNotification contains payment success data.
type PaymentSuccessNotification struct {
	PaymentID   string
	OrderID     string
	OrderNumber string
	Receipt     string
	Amount      float64
	Currency    string
}

// NotifyPaymentSuccess sends notification about successful payment.
func (s *TelegramService) NotifyPaymentSuccess(payment PaymentSuccessNotification) error {
	if s.adminChatID == "" {
		return nil
	}

	orderLabel := payment.OrderNumber
	if orderLabel == "" {
		orderLabel = payment.OrderID
	}

	message := fmt.Sprintf(`<b>✅ PAYMENT RECEIVED</b>
<b>📋 Order:</b> %s
<b>🧾 M-Pesa receipt:</b> %s
<b>💰 Amount:</b> %s
━━━━━━━━━━━━━━━━━━
<i>Santamore Feeds</i>`,
		orderLabel,
		payment.Receipt,
		FormatPrice(payment.Amount, payment.Currency),
	)

	return s.SendToAdmin(strings.TrimSpace(message))
}

// UnmatchedCallbackNotification describes a confirmed payment no order could be found for.
type UnmatchedCallbackNotification struct {
	CheckoutRequestID string
	Receipt           string
	Amount            string
	Phone             string
}

// NotifyUnmatchedCallback asks staff to reconcile a payment by hand.
func (s *TelegramService) NotifyUnmatchedCallback(cb UnmatchedCallbackNotification) error {
	if s.adminChatID == "" {
		return nil
	}

	message := fmt.Sprintf(`<b>⚠️ UNMATCHED M-PESA PAYMENT</b>
<b>🧾 Receipt:</b> %s
<b>🔖 Checkout:</b> %s
<b>💰 Amount:</b> %s
<b>📞 Phone:</b> %s
Money was received but no pending payment matched. Reconcile manually.`,
		cb.Receipt,
		cb.CheckoutRequestID,
		cb.Amount,
		cb.Phone,
	)

	return s.SendToAdmin(strings.TrimSpace(message))
}
