package transport

import "context"

// Discard drops every outbound message. Maintenance commands use it when
// no bot credentials are configured, so roster or report edits still work
// offline and only the courtesy notifications are lost.
type Discard struct{}

func (Discard) SendText(ctx context.Context, chatID int64, text string, actions []Action) (MessageRef, error) {
	return MessageRef{}, nil
}

func (Discard) SendPrompt(ctx context.Context, chatID int64, text string, kb Keyboard) error {
	return nil
}

func (Discard) EditMessage(ctx context.Context, ref MessageRef, text string, actions []Action) error {
	return nil
}

func (Discard) RelayMedia(ctx context.Context, chatID int64, media MediaRef) error {
	return nil
}

func (Discard) AckAction(ctx context.Context, ackID string) error {
	return nil
}
