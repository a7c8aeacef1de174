package engine

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"

	"betaline/internal/domain"
	"betaline/internal/events"
	"betaline/internal/transport"
)

// DeliveryFailure records one tester a broadcast did not reach.
type DeliveryFailure struct {
	IdentityID int64
	Err        string
}

// BroadcastResult summarizes a fan-out run.
type BroadcastResult struct {
	ID        string
	Attempted int
	Delivered int
	Failures  []DeliveryFailure
}

// StartBroadcast opens the compose step: the admin's next message becomes
// the build update sent to every tester.
func (e Engine) StartBroadcast(ctx context.Context, ident domain.Identity) error {
	if err := e.Repo.PutSession(ctx, ident.ID, domain.StepComposingBroadcast, nil); err != nil {
		return err
	}
	return e.Transport.SendPrompt(ctx, ident.ID,
		"Send the build update now. Your next message (text or media) goes to every tester.", nil)
}

// Broadcast fans the message out to every tester, one recipient at a time.
// A failed recipient is recorded and skipped; the run always finishes and
// its result is always reported. The original message is relayed verbatim
// so formatting and attachments survive.
func (e Engine) Broadcast(ctx context.Context, actorID int64, in SessionInput) (BroadcastResult, error) {
	testers, err := e.Repo.ListByRole(ctx, domain.RoleTester)
	if err != nil {
		return BroadcastResult{}, err
	}
	res := BroadcastResult{ID: uuid.NewString(), Attempted: len(testers)}
	for _, t := range testers {
		if err := e.deliverUpdate(ctx, t.ID, in); err != nil {
			res.Failures = append(res.Failures, DeliveryFailure{IdentityID: t.ID, Err: err.Error()})
			log.Printf("engine: broadcast %s to tester %d: %v", res.ID, t.ID, err)
			continue
		}
		res.Delivered++
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, "broadcast.sent", "broadcast", res.ID, actorID,
		events.EventPayload{"attempted": res.Attempted, "delivered": res.Delivered, "failed": len(res.Failures)}); err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	return res, nil
}

func (e Engine) deliverUpdate(ctx context.Context, testerID int64, in SessionInput) error {
	if _, err := e.Transport.SendText(ctx, testerID, "📢 New build update!", nil); err != nil {
		return err
	}
	if in.Source != (transport.MediaRef{}) {
		return e.Transport.RelayMedia(ctx, testerID, in.Source)
	}
	_, err := e.Transport.SendText(ctx, testerID, in.Text, nil)
	return err
}

// finishBroadcast closes the compose step, runs the fan-out and reports
// the outcome back to the admin.
func (e Engine) finishBroadcast(ctx context.Context, ident domain.Identity, in SessionInput) error {
	if err := e.Repo.ClearSession(ctx, ident.ID); err != nil {
		return err
	}
	res, err := e.Broadcast(ctx, ident.ID, in)
	if err != nil {
		return err
	}
	summary := fmt.Sprintf("Update delivered to %d of %d testers.", res.Delivered, res.Attempted)
	if n := len(res.Failures); n > 0 {
		summary += fmt.Sprintf(" %d failed; see the server log.", n)
	}
	if err := e.Transport.SendPrompt(ctx, ident.ID, summary, nil); err != nil {
		log.Printf("engine: broadcast summary to %d: %v", ident.ID, err)
	}
	return nil
}
