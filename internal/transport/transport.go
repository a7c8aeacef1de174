// Package transport defines the chat-transport boundary. The core only
// depends on the Transport interface; the Telegram Bot API client is one
// implementation, and tests substitute a recording fake.
package transport

import "context"

// Action is a decision button attached to an outbound message: a label the
// user sees and an opaque payload echoed back in an ActionEvent.
type Action struct {
	Label   string
	Payload string
}

// MessageRef identifies a delivered message so it can be edited later.
type MessageRef struct {
	ChatID    int64
	MessageID int64
}

// MediaRef identifies a media-bearing message on the transport side; the
// core never stores or decodes media, it only relays the reference.
type MediaRef struct {
	ChatID    int64
	MessageID int64
}

// Keyboard is a one-shot set of suggested replies (group picker, skip
// button). Empty means remove any prior suggestion.
type Keyboard []string

// TextEvent is an inbound text message. Ref points at the sender's own
// message so it can be relayed verbatim (broadcast composition).
type TextEvent struct {
	IdentityID int64
	Handle     string
	Text       string
	Ref        MediaRef
}

// MediaEvent is an inbound message carrying a photo, video or document.
type MediaEvent struct {
	IdentityID int64
	Handle     string
	Caption    string
	Media      MediaRef
}

// ActionEvent is a pressed decision button: the opaque payload plus the
// message it was attached to, so the prompt can be rewritten in place.
type ActionEvent struct {
	IdentityID  int64
	Handle      string
	Payload     string
	AckID       string
	Message     MessageRef
	MessageText string
}

type Transport interface {
	// SendText delivers text to a chat, optionally with decision actions
	// attached, and returns a reference for later edits.
	SendText(ctx context.Context, chatID int64, text string, actions []Action) (MessageRef, error)
	// SendPrompt delivers text with reply suggestions.
	SendPrompt(ctx context.Context, chatID int64, text string, kb Keyboard) error
	// EditMessage replaces a delivered message's text and actions; passing
	// no actions removes the buttons.
	EditMessage(ctx context.Context, ref MessageRef, text string, actions []Action) error
	// RelayMedia forwards a media message to another chat.
	RelayMedia(ctx context.Context, chatID int64, media MediaRef) error
	// AckAction confirms receipt of a button press so the client stops
	// showing it as pending.
	AckAction(ctx context.Context, ackID string) error
}
