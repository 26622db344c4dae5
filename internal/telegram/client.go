// Package telegram предоставляет клиент Telegram Bot API: сообщения, счета в звёздах и возвраты.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mmeshcher/starsgate/internal/model"
)

// StarsCurrency задаёт код валюты звёзд в платежах Telegram.
const StarsCurrency = "XTR"

const alreadyRefundedSignal = "CHARGE_ALREADY_REFUNDED"

// Client инкапсулирует HTTP-взаимодействие с Bot API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// APIError описывает ошибку, возвращённую Bot API в ответе с ok=false.
type APIError struct {
	Code        int
	Description string
	RetryAfter  time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram api error %d: %s", e.Code, e.Description)
}

// Definitive сообщает, что запрос окончательно отклонён и повтор не изменит результат.
func (e *APIError) Definitive() bool {
	return e.Code >= 400 && e.Code < 500 && e.Code != http.StatusTooManyRequests
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters,omitempty"`
}

// NewClient создаёт клиент Bot API по указанному адресу и токену бота.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *Client) call(ctx context.Context, method string, params any, result any) error {
	if c == nil || c.baseURL == "" {
		return fmt.Errorf("telegram client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	url := fmt.Sprintf("%s/bot%s/%s", base, c.token, method)

	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal %s params: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do %s request: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", method, err)
	}

	var ar apiResponse
	if err := json.Unmarshal(raw, &ar); err != nil {
		if resp.StatusCode != http.StatusOK {
			return &APIError{Code: resp.StatusCode, Description: http.StatusText(resp.StatusCode)}
		}
		return fmt.Errorf("decode %s response: %w", method, err)
	}

	if !ar.OK {
		apiErr := &APIError{Code: ar.ErrorCode, Description: ar.Description}
		if apiErr.Code == 0 {
			apiErr.Code = resp.StatusCode
		}
		if ar.Parameters != nil && ar.Parameters.RetryAfter > 0 {
			apiErr.RetryAfter = time.Duration(ar.Parameters.RetryAfter) * time.Second
		}
		return apiErr
	}

	if result == nil {
		return nil
	}
	if err := json.Unmarshal(ar.Result, result); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

type inlineKeyboard struct {
	InlineKeyboard [][]model.Button `json:"inline_keyboard"`
}

func replyMarkup(buttons [][]model.Button) *inlineKeyboard {
	if buttons == nil {
		return nil
	}
	return &inlineKeyboard{InlineKeyboard: buttons}
}

// SendMessage отправляет сообщение в чат и возвращает идентификатор сообщения.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, buttons [][]model.Button) (int64, error) {
	params := struct {
		ChatID      int64           `json:"chat_id"`
		Text        string          `json:"text"`
		ReplyMarkup *inlineKeyboard `json:"reply_markup,omitempty"`
	}{chatID, text, replyMarkup(buttons)}

	var msg Message
	if err := c.call(ctx, "sendMessage", params, &msg); err != nil {
		return 0, err
	}
	return msg.MessageID, nil
}

// EditMessageText заменяет текст ранее отправленного сообщения.
// Пустой buttons убирает клавиатуру.
func (c *Client) EditMessageText(ctx context.Context, chatID, messageID int64, text string, buttons [][]model.Button) error {
	if buttons == nil {
		buttons = [][]model.Button{}
	}
	params := struct {
		ChatID      int64           `json:"chat_id"`
		MessageID   int64           `json:"message_id"`
		Text        string          `json:"text"`
		ReplyMarkup *inlineKeyboard `json:"reply_markup,omitempty"`
	}{chatID, messageID, text, replyMarkup(buttons)}

	err := c.call(ctx, "editMessageText", params, nil)

	var apiErr *APIError
	if errors.As(err, &apiErr) && strings.Contains(apiErr.Description, "message is not modified") {
		return nil
	}
	return err
}

// AnswerCallbackQuery отвечает на нажатие inline-кнопки.
func (c *Client) AnswerCallbackQuery(ctx context.Context, queryID, text string) error {
	params := struct {
		CallbackQueryID string `json:"callback_query_id"`
		Text            string `json:"text,omitempty"`
	}{queryID, text}
	return c.call(ctx, "answerCallbackQuery", params, nil)
}

// AnswerPreCheckoutQuery подтверждает или отклоняет платёж перед списанием.
func (c *Client) AnswerPreCheckoutQuery(ctx context.Context, queryID string, ok bool, errorMessage string) error {
	params := struct {
		PreCheckoutQueryID string `json:"pre_checkout_query_id"`
		OK                 bool   `json:"ok"`
		ErrorMessage       string `json:"error_message,omitempty"`
	}{queryID, ok, errorMessage}
	return c.call(ctx, "answerPreCheckoutQuery", params, nil)
}

type labeledPrice struct {
	Label  string `json:"label"`
	Amount int64  `json:"amount"`
}

// CreateInvoiceLink создаёт ссылку на оплату счёта в звёздах.
func (c *Client) CreateInvoiceLink(ctx context.Context, title, description, payload string, stars int64) (string, error) {
	params := struct {
		Title         string         `json:"title"`
		Description   string         `json:"description"`
		Payload       string         `json:"payload"`
		ProviderToken string         `json:"provider_token"`
		Currency      string         `json:"currency"`
		Prices        []labeledPrice `json:"prices"`
	}{
		Title:         title,
		Description:   description,
		Payload:       payload,
		ProviderToken: "",
		Currency:      StarsCurrency,
		Prices:        []labeledPrice{{Label: title, Amount: stars}},
	}

	var link string
	if err := c.call(ctx, "createInvoiceLink", params, &link); err != nil {
		return "", err
	}
	return link, nil
}

// RefundStarPayment возвращает пользователю оплату в звёздах.
// Ответ CHARGE_ALREADY_REFUNDED считается успехом с alreadyRefunded=true.
func (c *Client) RefundStarPayment(ctx context.Context, userID int64, chargeID string) (bool, error) {
	params := struct {
		UserID                  int64  `json:"user_id"`
		TelegramPaymentChargeID string `json:"telegram_payment_charge_id"`
	}{userID, chargeID}

	err := c.call(ctx, "refundStarPayment", params, nil)
	if err == nil {
		return false, nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) && strings.Contains(apiErr.Description, alreadyRefundedSignal) {
		return true, nil
	}
	return false, err
}
