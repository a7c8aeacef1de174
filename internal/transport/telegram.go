package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultRequestTimeout = 5 * time.Second

// Telegram is a minimal Bot API client covering the calls the core makes.
type Telegram struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func NewTelegram(baseURL, token string) *Telegram {
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}
	return &Telegram{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		Client:  &http.Client{Timeout: defaultRequestTimeout},
	}
}

type inlineButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

type inlineMarkup struct {
	InlineKeyboard [][]inlineButton `json:"inline_keyboard"`
}

type replyMarkup struct {
	Keyboard       [][]map[string]string `json:"keyboard"`
	ResizeKeyboard bool                  `json:"resize_keyboard"`
}

type removeMarkup struct {
	RemoveKeyboard bool `json:"remove_keyboard"`
}

func inlineFor(actions []Action) *inlineMarkup {
	if len(actions) == 0 {
		return nil
	}
	rows := make([][]inlineButton, 0, len(actions))
	for _, a := range actions {
		rows = append(rows, []inlineButton{{Text: a.Label, CallbackData: a.Payload}})
	}
	return &inlineMarkup{InlineKeyboard: rows}
}

type sendResult struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Result      struct {
		MessageID int64 `json:"message_id"`
		Chat      struct {
			ID int64 `json:"id"`
		} `json:"chat"`
	} `json:"result"`
}

func (t *Telegram) SendText(ctx context.Context, chatID int64, text string, actions []Action) (MessageRef, error) {
	body := map[string]any{"chat_id": chatID, "text": text}
	if m := inlineFor(actions); m != nil {
		body["reply_markup"] = m
	}
	var res sendResult
	if err := t.call(ctx, "sendMessage", body, &res); err != nil {
		return MessageRef{}, err
	}
	return MessageRef{ChatID: chatID, MessageID: res.Result.MessageID}, nil
}

func (t *Telegram) SendPrompt(ctx context.Context, chatID int64, text string, kb Keyboard) error {
	body := map[string]any{"chat_id": chatID, "text": text}
	if len(kb) > 0 {
		row := make([]map[string]string, 0, len(kb))
		for _, label := range kb {
			row = append(row, map[string]string{"text": label})
		}
		body["reply_markup"] = replyMarkup{Keyboard: [][]map[string]string{row}, ResizeKeyboard: true}
	} else {
		body["reply_markup"] = removeMarkup{RemoveKeyboard: true}
	}
	return t.call(ctx, "sendMessage", body, nil)
}

func (t *Telegram) EditMessage(ctx context.Context, ref MessageRef, text string, actions []Action) error {
	body := map[string]any{
		"chat_id":    ref.ChatID,
		"message_id": ref.MessageID,
		"text":       text,
	}
	if m := inlineFor(actions); m != nil {
		body["reply_markup"] = m
	}
	return t.call(ctx, "editMessageText", body, nil)
}

func (t *Telegram) RelayMedia(ctx context.Context, chatID int64, media MediaRef) error {
	return t.call(ctx, "copyMessage", map[string]any{
		"chat_id":      chatID,
		"from_chat_id": media.ChatID,
		"message_id":   media.MessageID,
	}, nil)
}

func (t *Telegram) AckAction(ctx context.Context, ackID string) error {
	return t.call(ctx, "answerCallbackQuery", map[string]any{"callback_query_id": ackID}, nil)
}

// SetWebhook registers the inbound webhook URL, dropping updates queued
// while the process was down.
func (t *Telegram) SetWebhook(ctx context.Context, url string) error {
	return t.call(ctx, "setWebhook", map[string]any{
		"url":                  url,
		"drop_pending_updates": true,
	}, nil)
}

func (t *Telegram) call(ctx context.Context, method string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/bot%s/%s", t.BaseURL, t.Token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	client := t.Client
	if client == nil {
		client = &http.Client{Timeout: defaultRequestTimeout}
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	payload, _ := io.ReadAll(io.LimitReader(res.Body, 1<<16))
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("%s: status %d: %s", method, res.StatusCode, strings.TrimSpace(string(payload)))
	}
	if out != nil {
		if err := json.Unmarshal(payload, out); err != nil {
			return fmt.Errorf("%s: decode response: %w", method, err)
		}
	}
	var ok struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal(payload, &ok); err == nil && !ok.OK {
		return fmt.Errorf("%s: %s", method, ok.Description)
	}
	return nil
}
