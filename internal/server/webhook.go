package server

import (
	"encoding/json"
	"io"
	"log"
	"net/http"

	"betaline/internal/router"
	"betaline/internal/transport"
)

const maxWebhookBody = 1 << 20

// Telegram update payload, reduced to the fields the bot consumes.

type tgUser struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

type tgChat struct {
	ID int64 `json:"id"`
}

type tgMessage struct {
	MessageID int64             `json:"message_id"`
	From      *tgUser           `json:"from"`
	Chat      tgChat            `json:"chat"`
	Text      string            `json:"text"`
	Caption   string            `json:"caption"`
	Photo     []json.RawMessage `json:"photo"`
	Video     json.RawMessage   `json:"video"`
	Document  json.RawMessage   `json:"document"`
	Animation json.RawMessage   `json:"animation"`
}

func (m *tgMessage) hasMedia() bool {
	return len(m.Photo) > 0 || len(m.Video) > 0 || len(m.Document) > 0 || len(m.Animation) > 0
}

type tgCallback struct {
	ID      string     `json:"id"`
	From    tgUser     `json:"from"`
	Message *tgMessage `json:"message"`
	Data    string     `json:"data"`
}

type tgUpdate struct {
	UpdateID      int64       `json:"update_id"`
	Message       *tgMessage  `json:"message"`
	CallbackQuery *tgCallback `json:"callback_query"`
}

// newWebhookHandler decodes Telegram updates into transport events and
// hands them to the dispatcher. The handler always acks quickly; doing the
// work inline would make Telegram re-deliver on every slow update, and
// re-delivery is exactly what the decision pipeline is built to shrug off,
// not to invite.
func newWebhookHandler(d *router.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}
		var upd tgUpdate
		if err := json.Unmarshal(body, &upd); err != nil {
			log.Printf("webhook: drop undecodable update: %v", err)
			http.Error(w, "bad update", http.StatusBadRequest)
			return
		}
		routeUpdate(d, upd)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte("{}"))
	}
}

func routeUpdate(d *router.Dispatcher, upd tgUpdate) {
	switch {
	case upd.CallbackQuery != nil:
		cb := upd.CallbackQuery
		ev := transport.ActionEvent{
			IdentityID: cb.From.ID,
			Handle:     cb.From.Username,
			Payload:    cb.Data,
			AckID:      cb.ID,
		}
		if cb.Message != nil {
			ev.Message = transport.MessageRef{ChatID: cb.Message.Chat.ID, MessageID: cb.Message.MessageID}
			ev.MessageText = cb.Message.Text
		}
		d.DispatchAction(ev)
	case upd.Message != nil && upd.Message.From != nil:
		m := upd.Message
		ref := transport.MediaRef{ChatID: m.Chat.ID, MessageID: m.MessageID}
		if m.hasMedia() {
			d.DispatchMedia(transport.MediaEvent{
				IdentityID: m.From.ID,
				Handle:     m.From.Username,
				Caption:    m.Caption,
				Media:      ref,
			})
			return
		}
		d.DispatchText(transport.TextEvent{
			IdentityID: m.From.ID,
			Handle:     m.From.Username,
			Text:       m.Text,
			Ref:        ref,
		})
	}
}
