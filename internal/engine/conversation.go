package engine

import (
	"context"
	"fmt"
	"log"
	"strings"

	"betaline/internal/domain"
	"betaline/internal/transport"
)

// SkipMediaLabel is the reply-keyboard token that completes the report form
// without an attachment.
const SkipMediaLabel = "No media"

const missingValue = "Not specified"

// SessionInput is what one inbound message contributes to an active flow.
// Source points at the sender's own message so it can be relayed verbatim.
type SessionInput struct {
	Text   string
	Media  *transport.MediaRef
	Source transport.MediaRef
}

type formStep struct {
	step   domain.Step
	field  string
	prompt string
}

// formSteps is the free-text portion of the report form, in order. The
// media step is appended separately because it accepts non-text input.
func (e Engine) formSteps() []formStep {
	steps := []formStep{
		{domain.StepWaitingVersion, "version", "Which app version are you testing?"},
	}
	if e.Config.DeviceStepEnabled() {
		steps = append(steps, formStep{domain.StepWaitingDevice, "device", "What device and OS are you on?"})
	}
	steps = append(steps,
		formStep{domain.StepWaitingSteps, "steps", "Describe the steps to reproduce the bug."},
		formStep{domain.StepWaitingExpected, "expected", "What did you expect to happen?"},
		formStep{domain.StepWaitingActual, "actual", "What actually happened?"},
	)
	return steps
}

func (e Engine) stepPrompt(idx int, text string) string {
	// +1 for the media step at the end.
	return fmt.Sprintf("Step %d of %d. %s", idx+1, len(e.formSteps())+1, text)
}

// StartReport opens a fresh report form for the identity, discarding any
// flow already in progress.
func (e Engine) StartReport(ctx context.Context, ident domain.Identity) error {
	if err := e.Repo.PutSession(ctx, ident.ID, domain.StepChoosingGroup, nil); err != nil {
		return err
	}
	return e.Transport.SendPrompt(ctx, ident.ID, "Choose your testing group:", transport.Keyboard(e.Config.Groups()))
}

// HandleSession feeds one inbound message to the identity's active flow.
// It returns false when no flow is in progress, letting the caller treat
// the message as unsolicited.
func (e Engine) HandleSession(ctx context.Context, ident domain.Identity, in SessionInput) (bool, error) {
	sess, err := e.Repo.GetSession(ctx, ident.ID)
	if err != nil {
		return false, err
	}
	if !sess.Active() {
		return false, nil
	}

	switch sess.Step {
	case domain.StepComposingBroadcast:
		return true, e.finishBroadcast(ctx, ident, in)
	case domain.StepChoosingGroup:
		return true, e.handleGroupChoice(ctx, ident, in.Text)
	case domain.StepWaitingMedia:
		// Any message ends the form. Short of the explicit skip, the
		// sender's message is relayed to admins as the attachment, media
		// or not.
		attach := in.Media
		if attach == nil && !strings.EqualFold(strings.TrimSpace(in.Text), SkipMediaLabel) && in.Source != (transport.MediaRef{}) {
			src := in.Source
			attach = &src
		}
		return true, e.finalizeReport(ctx, ident, sess.Fields, attach)
	}

	steps := e.formSteps()
	for i, fs := range steps {
		if fs.step != sess.Step {
			continue
		}
		value := strings.TrimSpace(in.Text)
		if value == "" {
			value = missingValue
		}
		if i+1 < len(steps) {
			next := steps[i+1]
			if err := e.Repo.MergeSessionField(ctx, ident.ID, fs.field, value, next.step); err != nil {
				return true, err
			}
			return true, e.Transport.SendPrompt(ctx, ident.ID, e.stepPrompt(i+1, next.prompt), nil)
		}
		if err := e.Repo.MergeSessionField(ctx, ident.ID, fs.field, value, domain.StepWaitingMedia); err != nil {
			return true, err
		}
		return true, e.Transport.SendPrompt(ctx, ident.ID,
			e.stepPrompt(i+1, fmt.Sprintf("Attach a photo or video of the bug, or tap %q.", SkipMediaLabel)),
			transport.Keyboard{SkipMediaLabel})
	}
	// Unknown step in the store; drop the session rather than wedge the user.
	if err := e.Repo.ClearSession(ctx, ident.ID); err != nil {
		return true, err
	}
	return true, nil
}

func (e Engine) handleGroupChoice(ctx context.Context, ident domain.Identity, text string) error {
	choice := strings.TrimSpace(text)
	var matched string
	for _, g := range e.Config.Groups() {
		if g == choice {
			matched = g
			break
		}
	}
	if matched == "" {
		return e.Transport.SendPrompt(ctx, ident.ID, "Please pick a group from the keyboard:", transport.Keyboard(e.Config.Groups()))
	}
	// The group sticks to the identity so later reports and stats carry it.
	if err := e.Repo.UpsertGroup(ctx, ident.ID, matched); err != nil {
		return err
	}
	first := e.formSteps()[0]
	if err := e.Repo.MergeSessionField(ctx, ident.ID, "group", matched, first.step); err != nil {
		return err
	}
	return e.Transport.SendPrompt(ctx, ident.ID, e.stepPrompt(0, first.prompt), nil)
}

// finalizeReport persists the collected form and clears the session in one
// transaction, then notifies admins. Notification failures never undo the
// stored report.
func (e Engine) finalizeReport(ctx context.Context, ident domain.Identity, fields map[string]string, media *transport.MediaRef) error {
	rep := domain.Report{
		ReporterID: ident.ID,
		Group:      fields["group"],
		Version:    orMissing(fields["version"]),
		Device:     fields["device"],
		Steps:      orMissing(fields["steps"]),
		Expected:   orMissing(fields["expected"]),
		Actual:     orMissing(fields["actual"]),
		Status:     domain.StatusPending,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	id, err := e.Repo.InsertReportTx(ctx, tx, rep)
	if err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	if err := e.Repo.ClearSessionTx(ctx, tx, ident.ID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "report.submitted", "report", fmt.Sprintf("%d", id), ident.ID, nil); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	rep.ID = id

	e.notifyAdmins(ctx, ident, rep, media)
	if err := e.Transport.SendPrompt(ctx, ident.ID,
		fmt.Sprintf("✅ Report #%d submitted. Thanks for testing!", id), nil); err != nil {
		log.Printf("engine: confirm report %d to %d: %v", id, ident.ID, err)
	}
	return nil
}

func (e Engine) notifyAdmins(ctx context.Context, reporter domain.Identity, rep domain.Report, media *transport.MediaRef) {
	admins, err := e.Repo.ListByRole(ctx, domain.RoleAdmin)
	if err != nil {
		log.Printf("engine: list admins for report %d: %v", rep.ID, err)
		return
	}
	card := ReportCard(rep, reporter.Handle)
	actions := TriageActions(rep)
	for _, admin := range admins {
		if _, err := e.Transport.SendText(ctx, admin.ID, card, actions); err != nil {
			log.Printf("engine: notify admin %d of report %d: %v", admin.ID, rep.ID, err)
			continue
		}
		if media != nil {
			if err := e.Transport.RelayMedia(ctx, admin.ID, *media); err != nil {
				log.Printf("engine: relay media of report %d to admin %d: %v", rep.ID, admin.ID, err)
			}
		}
	}
}

// ReportCard renders a report for chat delivery.
func ReportCard(rep domain.Report, handle string) string {
	from := fmt.Sprintf("%d", rep.ReporterID)
	if handle != "" {
		from = fmt.Sprintf("@%s (%d)", handle, rep.ReporterID)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "🐞 Report #%d from %s\n", rep.ID, from)
	fmt.Fprintf(&b, "Group: %s\n", rep.Group)
	fmt.Fprintf(&b, "Version: %s\n", rep.Version)
	if rep.Device != "" {
		fmt.Fprintf(&b, "Device: %s\n", rep.Device)
	}
	fmt.Fprintf(&b, "Steps to reproduce: %s\n", rep.Steps)
	fmt.Fprintf(&b, "Expected: %s\n", rep.Expected)
	fmt.Fprintf(&b, "Actual: %s", rep.Actual)
	return b.String()
}

func orMissing(v string) string {
	if v == "" {
		return missingValue
	}
	return v
}
