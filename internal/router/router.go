// Package router turns inbound chat events into engine calls. Commands are
// role-gated; anything a sender is not entitled to is dropped without a
// reply, so the bot stays invisible to strangers.
package router

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"

	"betaline/internal/config"
	"betaline/internal/domain"
	"betaline/internal/engine"
	"betaline/internal/repo"
	"betaline/internal/transport"
)

type Router struct {
	Engine engine.Engine
	Config *config.Config
}

func New(eng engine.Engine, cfg *config.Config) *Router {
	return &Router{Engine: eng, Config: cfg}
}

type handlerFunc func(ctx context.Context, r *Router, ident domain.Identity, args string) error

type command struct {
	role      domain.Role
	bootstrap bool
	usage     string
	run       handlerFunc
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"/start":       {role: domain.RoleTester, run: cmdStart},
		"/my_id":       {role: domain.RoleNone, run: cmdMyID},
		"/report":      {role: domain.RoleTester, run: cmdReport},
		"/add_user":    {role: domain.RoleAdmin, usage: "/add_user <id> [<id>...]", run: cmdAddUser},
		"/del_user":    {role: domain.RoleAdmin, usage: "/del_user <id> [<id>...]", run: cmdDelUser},
		"/reply":       {role: domain.RoleAdmin, usage: "/reply <id> <message>", run: cmdReply},
		"/stats":       {role: domain.RoleAdmin, run: cmdStats},
		"/send_update": {role: domain.RoleAdmin, run: cmdSendUpdate},
		"/bugs":        {role: domain.RoleAdmin, run: cmdBugs},
		"/fix":         {role: domain.RoleAdmin, usage: "/fix <report id>", run: cmdFix},
		"/set_role":    {role: domain.RoleAdmin, bootstrap: true, usage: "/set_role <id> <none|tester|admin>", run: cmdSetRole},
	}
}

// HandleText routes one inbound text message: a command if it starts with
// a slash, otherwise input to whatever flow the sender has open.
func (r *Router) HandleText(ctx context.Context, ev transport.TextEvent) error {
	ident, err := r.Engine.Touch(ctx, ev.IdentityID, ev.Handle)
	if err != nil {
		return err
	}
	text := strings.TrimSpace(ev.Text)
	if strings.HasPrefix(text, "/") {
		return r.runCommand(ctx, ident, text)
	}
	// Unsolicited chatter outside any flow is dropped without a reply.
	_, err = r.Engine.HandleSession(ctx, ident, engine.SessionInput{Text: ev.Text, Source: ev.Ref})
	return err
}

// HandleMedia feeds a media message to the sender's open flow, if any.
func (r *Router) HandleMedia(ctx context.Context, ev transport.MediaEvent) error {
	ident, err := r.Engine.Touch(ctx, ev.IdentityID, ev.Handle)
	if err != nil {
		return err
	}
	media := ev.Media
	_, err = r.Engine.HandleSession(ctx, ident, engine.SessionInput{Text: ev.Caption, Media: &media, Source: ev.Media})
	return err
}

// HandleAction routes a pressed button. Decisions and score corrections
// are admin territory; anything else is dropped.
func (r *Router) HandleAction(ctx context.Context, ev transport.ActionEvent) error {
	ident, err := r.Engine.Touch(ctx, ev.IdentityID, ev.Handle)
	if err != nil {
		return err
	}
	if ev.AckID != "" {
		if err := r.Engine.Transport.AckAction(ctx, ev.AckID); err != nil {
			log.Printf("router: ack action from %d: %v", ident.ID, err)
		}
	}
	if !ident.Role.AtLeast(domain.RoleAdmin) {
		return nil
	}
	switch {
	case strings.HasPrefix(ev.Payload, "bug:"):
		d, err := engine.ParseDecision(ev.Payload)
		if err != nil {
			log.Printf("router: drop action from %d: %v", ident.ID, err)
			return nil
		}
		_, err = r.Engine.Decide(ctx, ident.ID, d, ev.Message, ev.MessageText)
		return err
	case strings.HasPrefix(ev.Payload, "score:"):
		adj, err := engine.ParseScoreAdjust(ev.Payload)
		if err != nil {
			log.Printf("router: drop action from %d: %v", ident.ID, err)
			return nil
		}
		if err := r.Engine.AdjustScore(ctx, ident.ID, adj.TesterID, adj.Counter, adj.Delta); err != nil {
			return err
		}
		return r.sendText(ctx, ident.ID, fmt.Sprintf("Score of %d adjusted: %s %+d.", adj.TesterID, adj.Counter, adj.Delta))
	}
	return nil
}

func (r *Router) runCommand(ctx context.Context, ident domain.Identity, text string) error {
	name, args, _ := strings.Cut(text, " ")
	// Commands addressed to the bot arrive as /cmd@BotName.
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	cmd, ok := commands[name]
	if !ok {
		return nil
	}
	if !ident.Role.AtLeast(cmd.role) {
		return nil
	}
	if cmd.bootstrap && !r.Config.IsBootstrapAdmin(ident.ID) {
		return nil
	}
	return cmd.run(ctx, r, ident, strings.TrimSpace(args))
}

func (r *Router) sendText(ctx context.Context, chatID int64, text string) error {
	_, err := r.Engine.Transport.SendText(ctx, chatID, text, nil)
	return err
}

func (r *Router) usageHint(ctx context.Context, ident domain.Identity, name string) error {
	return r.sendText(ctx, ident.ID, "Usage: "+commands[name].usage)
}

func cmdStart(ctx context.Context, r *Router, ident domain.Identity, args string) error {
	// /start abandons whatever flow was in progress.
	if err := r.Engine.Repo.ClearSession(ctx, ident.ID); err != nil {
		return err
	}
	if ident.Role == domain.RoleAdmin {
		return r.sendText(ctx, ident.ID, strings.Join([]string{
			"👋 Welcome back. Admin commands:",
			"/add_user <id> — enroll testers",
			"/del_user <id> — remove testers",
			"/reply <id> <message> — message a tester",
			"/stats — tester scores",
			"/bugs — accepted bugs",
			"/fix <id> — mark a bug fixed",
			"/send_update — broadcast a build note",
		}, "\n"))
	}
	return r.sendText(ctx, ident.ID,
		"👋 Welcome to the beta program! Send /report whenever you hit a bug and I'll walk you through the details.")
}

func cmdMyID(ctx context.Context, r *Router, ident domain.Identity, args string) error {
	return r.sendText(ctx, ident.ID, fmt.Sprintf("Your id: %d", ident.ID))
}

func cmdReport(ctx context.Context, r *Router, ident domain.Identity, args string) error {
	return r.Engine.StartReport(ctx, ident)
}

func cmdAddUser(ctx context.Context, r *Router, ident domain.Identity, args string) error {
	ids, err := parseIDs(args)
	if err != nil || len(ids) == 0 {
		return r.usageHint(ctx, ident, "/add_user")
	}
	if err := r.Engine.AddTesters(ctx, ident.ID, ids); err != nil {
		return err
	}
	return r.sendText(ctx, ident.ID, fmt.Sprintf("Enrolled %d tester(s): %s", len(ids), repo.FormatIDs(ids)))
}

func cmdDelUser(ctx context.Context, r *Router, ident domain.Identity, args string) error {
	ids, err := parseIDs(args)
	if err != nil || len(ids) == 0 {
		return r.usageHint(ctx, ident, "/del_user")
	}
	if err := r.Engine.RemoveTesters(ctx, ident.ID, ids); err != nil {
		return err
	}
	return r.sendText(ctx, ident.ID, fmt.Sprintf("Removed %d tester(s): %s", len(ids), repo.FormatIDs(ids)))
}

func cmdReply(ctx context.Context, r *Router, ident domain.Identity, args string) error {
	idStr, msg, _ := strings.Cut(args, " ")
	testerID, err := strconv.ParseInt(idStr, 10, 64)
	msg = strings.TrimSpace(msg)
	if err != nil || msg == "" {
		return r.usageHint(ctx, ident, "/reply")
	}
	if err := r.sendText(ctx, testerID, "💬 Message from the team:\n"+msg); err != nil {
		return r.sendText(ctx, ident.ID, fmt.Sprintf("Could not reach %d: %v", testerID, err))
	}
	return r.sendText(ctx, ident.ID, "Delivered.")
}

func cmdStats(ctx context.Context, r *Router, ident domain.Identity, args string) error {
	if args != "" {
		return statsForOne(ctx, r, ident, args)
	}
	testers, err := r.Engine.TesterStats(ctx)
	if err != nil {
		return err
	}
	if len(testers) == 0 {
		return r.sendText(ctx, ident.ID, "No testers enrolled yet.")
	}
	var b strings.Builder
	b.WriteString("📊 Tester scores:\n")
	for _, t := range testers {
		name := fmt.Sprintf("%d", t.ID)
		if t.Handle != "" {
			name = "@" + t.Handle
		}
		fmt.Fprintf(&b, "%s — ✅ %d / 🚫 %d", name, t.AcceptedCount, t.RejectedCount)
		if t.Group != "" {
			fmt.Fprintf(&b, " (%s)", t.Group)
		}
		b.WriteString("\n")
	}
	b.WriteString("\nUse /stats <id> to adjust a tester's score.")
	return r.sendText(ctx, ident.ID, b.String())
}

func statsForOne(ctx context.Context, r *Router, ident domain.Identity, args string) error {
	testerID, err := strconv.ParseInt(strings.TrimSpace(args), 10, 64)
	if err != nil {
		return r.usageHint(ctx, ident, "/stats")
	}
	t, err := r.Engine.Repo.GetIdentity(ctx, testerID)
	if err != nil {
		return r.sendText(ctx, ident.ID, fmt.Sprintf("No identity %d on record.", testerID))
	}
	text := fmt.Sprintf("Tester %d — ✅ %d accepted / 🚫 %d rejected", t.ID, t.AcceptedCount, t.RejectedCount)
	_, err = r.Engine.Transport.SendText(ctx, ident.ID, text, engine.ScoreActions(t.ID))
	return err
}

func cmdSendUpdate(ctx context.Context, r *Router, ident domain.Identity, args string) error {
	return r.Engine.StartBroadcast(ctx, ident)
}

func cmdBugs(ctx context.Context, r *Router, ident domain.Identity, args string) error {
	reports, err := r.Engine.ActiveBugs(ctx)
	if err != nil {
		return err
	}
	if len(reports) == 0 {
		return r.sendText(ctx, ident.ID, "No accepted bugs open. 🎉")
	}
	var b strings.Builder
	b.WriteString("🐞 Accepted bugs:\n")
	for _, rep := range reports {
		fmt.Fprintf(&b, "#%d [%s %s] %s\n", rep.ID, rep.Group, rep.Version, firstLine(rep.Actual))
	}
	b.WriteString("\nUse /fix <id> once a bug is resolved.")
	return r.sendText(ctx, ident.ID, b.String())
}

func cmdFix(ctx context.Context, r *Router, ident domain.Identity, args string) error {
	reportID, err := strconv.ParseInt(strings.TrimSpace(args), 10, 64)
	if err != nil {
		return r.usageHint(ctx, ident, "/fix")
	}
	out, err := r.Engine.MarkFixed(ctx, ident.ID, reportID)
	if err != nil {
		return r.sendText(ctx, ident.ID, fmt.Sprintf("Could not mark #%d fixed: %v", reportID, err))
	}
	if !out.Applied {
		return r.sendText(ctx, ident.ID, fmt.Sprintf("Report #%d is %s, not accepted; nothing changed.", reportID, out.Report.Status))
	}
	return r.sendText(ctx, ident.ID, fmt.Sprintf("Report #%d marked fixed. The reporter was notified.", reportID))
}

func cmdSetRole(ctx context.Context, r *Router, ident domain.Identity, args string) error {
	idStr, roleStr, _ := strings.Cut(args, " ")
	id, err := strconv.ParseInt(idStr, 10, 64)
	role := domain.Role(strings.TrimSpace(roleStr))
	if err != nil || !role.Valid() {
		return r.usageHint(ctx, ident, "/set_role")
	}
	if err := r.Engine.SetRole(ctx, ident.ID, id, role); err != nil {
		return err
	}
	return r.sendText(ctx, ident.ID, fmt.Sprintf("Identity %d is now %s.", id, role))
}

func parseIDs(args string) ([]int64, error) {
	var ids []int64
	for _, f := range strings.Fields(args) {
		id, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad id %q", f)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
