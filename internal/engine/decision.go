package engine

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"

	"betaline/internal/domain"
	"betaline/internal/events"
	"betaline/internal/repo"
	"betaline/internal/transport"
)

// DecisionAction is what an admin chose for a pending report.
type DecisionAction string

const (
	ActionAccept    DecisionAction = "accept"
	ActionDuplicate DecisionAction = "dup"
	ActionNotBug    DecisionAction = "notbug"
)

// outcome maps the action to the target status and the counter it feeds.
func (a DecisionAction) outcome() (domain.ReportStatus, repo.Counter, error) {
	switch a {
	case ActionAccept:
		return domain.StatusAccepted, repo.CounterAccepted, nil
	case ActionDuplicate, ActionNotBug:
		return domain.StatusRejected, repo.CounterRejected, nil
	}
	return "", "", fmt.Errorf("unknown decision action %q", a)
}

func (a DecisionAction) label() string {
	switch a {
	case ActionAccept:
		return "accepted"
	case ActionDuplicate:
		return "duplicate"
	case ActionNotBug:
		return "not a bug"
	}
	return string(a)
}

// Decision is a parsed triage button payload.
type Decision struct {
	Action     DecisionAction
	ReportID   int64
	ReporterID int64
}

// TriageActions builds the decision buttons attached to a report card. The
// payload carries the reporter id so the decision path needs no extra read
// to find whose counter to bump.
func TriageActions(rep domain.Report) []transport.Action {
	payload := func(a DecisionAction) string {
		return fmt.Sprintf("bug:%s:%d:%d", a, rep.ID, rep.ReporterID)
	}
	return []transport.Action{
		{Label: "✅ Accept", Payload: payload(ActionAccept)},
		{Label: "🔁 Duplicate", Payload: payload(ActionDuplicate)},
		{Label: "🚫 Not a bug", Payload: payload(ActionNotBug)},
	}
}

// ParseDecision decodes a "bug:<action>:<report>:<reporter>" payload.
func ParseDecision(payload string) (Decision, error) {
	parts := strings.Split(payload, ":")
	if len(parts) != 4 || parts[0] != "bug" {
		return Decision{}, fmt.Errorf("malformed decision payload %q", payload)
	}
	action := DecisionAction(parts[1])
	if _, _, err := action.outcome(); err != nil {
		return Decision{}, err
	}
	reportID, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return Decision{}, fmt.Errorf("bad report id in payload %q", payload)
	}
	reporterID, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return Decision{}, fmt.Errorf("bad reporter id in payload %q", payload)
	}
	return Decision{Action: action, ReportID: reportID, ReporterID: reporterID}, nil
}

// DecisionOutcome reports what Decide did. Applied is false when the report
// had already left pending, in which case nothing was changed or sent.
type DecisionOutcome struct {
	Applied bool
	Report  domain.Report
}

// Decide applies a triage decision exactly once. The status guard and the
// counter increment share one transaction, so a re-delivered button press
// can neither flip the status twice nor double-count the score. The prompt
// message is rewritten either way so stale buttons disappear.
func (e Engine) Decide(ctx context.Context, actorID int64, d Decision, prompt transport.MessageRef, promptText string) (DecisionOutcome, error) {
	target, counter, err := d.Action.outcome()
	if err != nil {
		return DecisionOutcome{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return DecisionOutcome{}, err
	}
	defer tx.Rollback()
	applied, err := e.Repo.TransitionReportTx(ctx, tx, d.ReportID, domain.StatusPending, target)
	if err != nil {
		return DecisionOutcome{}, err
	}
	if applied {
		if err := e.Repo.IncrementCounterTx(ctx, tx, d.ReporterID, counter, 1); err != nil {
			return DecisionOutcome{}, fmt.Errorf("bump %s counter for %d: %w", counter, d.ReporterID, err)
		}
		if err := e.Events.Append(ctx, tx, "report."+string(d.Action), "report", fmt.Sprintf("%d", d.ReportID), actorID,
			events.EventPayload{"reporter_id": d.ReporterID, "status": string(target)}); err != nil {
			return DecisionOutcome{}, err
		}
	}
	rep, err := e.Repo.GetReportTx(ctx, tx, d.ReportID)
	if err != nil {
		return DecisionOutcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return DecisionOutcome{}, err
	}

	if prompt != (transport.MessageRef{}) {
		// A press that lost the race still cleans up the card, but the
		// annotation reflects the stored status, not the pressed button.
		label := d.Action.label()
		if !applied {
			label = string(rep.Status)
		}
		edited := fmt.Sprintf("%s\n\nResolution: %s", promptText, label)
		if err := e.Transport.EditMessage(ctx, prompt, edited, nil); err != nil {
			log.Printf("engine: edit triage prompt for report %d: %v", d.ReportID, err)
		}
	}
	if applied {
		if err := e.Transport.SendPrompt(ctx, d.ReporterID, reporterNotice(d.Action, d.ReportID), nil); err != nil {
			log.Printf("engine: notify reporter %d of report %d: %v", d.ReporterID, d.ReportID, err)
		}
	}
	return DecisionOutcome{Applied: applied, Report: rep}, nil
}

func reporterNotice(a DecisionAction, reportID int64) string {
	switch a {
	case ActionAccept:
		return fmt.Sprintf("✅ Your report #%d was accepted. +1 to your score!", reportID)
	case ActionDuplicate:
		return fmt.Sprintf("🔁 Your report #%d was marked as a duplicate of a known bug.", reportID)
	default:
		return fmt.Sprintf("ℹ️ Your report #%d was reviewed and is not considered a bug.", reportID)
	}
}

// MarkFixed moves an accepted report to fixed and tells the reporter. The
// same status guard makes repeated calls no-ops.
func (e Engine) MarkFixed(ctx context.Context, actorID, reportID int64) (DecisionOutcome, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return DecisionOutcome{}, err
	}
	defer tx.Rollback()
	applied, err := e.Repo.TransitionReportTx(ctx, tx, reportID, domain.StatusAccepted, domain.StatusFixed)
	if err != nil {
		return DecisionOutcome{}, err
	}
	if applied {
		if err := e.Events.Append(ctx, tx, "report.fixed", "report", fmt.Sprintf("%d", reportID), actorID, nil); err != nil {
			return DecisionOutcome{}, err
		}
	}
	rep, err := e.Repo.GetReportTx(ctx, tx, reportID)
	if err != nil {
		return DecisionOutcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return DecisionOutcome{}, err
	}
	if applied {
		if err := e.Transport.SendPrompt(ctx, rep.ReporterID,
			fmt.Sprintf("🛠 The bug from your report #%d is fixed in the latest build.", reportID), nil); err != nil {
			log.Printf("engine: notify reporter %d of fix %d: %v", rep.ReporterID, reportID, err)
		}
	}
	return DecisionOutcome{Applied: applied, Report: rep}, nil
}

// ScoreAdjust is a parsed manual score-correction payload.
type ScoreAdjust struct {
	TesterID int64
	Counter  repo.Counter
	Delta    int
}

// ScoreActions builds the manual correction buttons shown on a tester's
// stats entry.
func ScoreActions(testerID int64) []transport.Action {
	payload := func(c repo.Counter, delta int) string {
		return fmt.Sprintf("score:%s:%+d:%d", c, delta, testerID)
	}
	return []transport.Action{
		{Label: "Accepted +1", Payload: payload(repo.CounterAccepted, 1)},
		{Label: "Accepted -1", Payload: payload(repo.CounterAccepted, -1)},
		{Label: "Rejected +1", Payload: payload(repo.CounterRejected, 1)},
		{Label: "Rejected -1", Payload: payload(repo.CounterRejected, -1)},
	}
}

// ParseScoreAdjust decodes a "score:<counter>:<delta>:<tester>" payload.
func ParseScoreAdjust(payload string) (ScoreAdjust, error) {
	parts := strings.Split(payload, ":")
	if len(parts) != 4 || parts[0] != "score" {
		return ScoreAdjust{}, fmt.Errorf("malformed score payload %q", payload)
	}
	counter := repo.Counter(parts[1])
	if counter != repo.CounterAccepted && counter != repo.CounterRejected {
		return ScoreAdjust{}, fmt.Errorf("unknown counter %q", parts[1])
	}
	delta, err := strconv.Atoi(parts[2])
	if err != nil || delta == 0 {
		return ScoreAdjust{}, fmt.Errorf("bad delta in payload %q", payload)
	}
	testerID, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return ScoreAdjust{}, fmt.Errorf("bad tester id in payload %q", payload)
	}
	return ScoreAdjust{TesterID: testerID, Counter: counter, Delta: delta}, nil
}
