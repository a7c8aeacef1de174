package router_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"betaline/internal/config"
	"betaline/internal/db"
	"betaline/internal/domain"
	"betaline/internal/engine"
	"betaline/internal/migrate"
	"betaline/internal/repo"
	"betaline/internal/router"
	"betaline/internal/transport"
)

type sentMessage struct {
	ChatID  int64
	Text    string
	Actions []transport.Action
}

type fakeTransport struct {
	mu    sync.Mutex
	sent  []sentMessage
	edits []transport.MessageRef
	acks  []string
	next  int64
}

func (f *fakeTransport) SendText(ctx context.Context, chatID int64, text string, actions []transport.Action) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	f.sent = append(f.sent, sentMessage{ChatID: chatID, Text: text, Actions: actions})
	return transport.MessageRef{ChatID: chatID, MessageID: f.next}, nil
}

func (f *fakeTransport) SendPrompt(ctx context.Context, chatID int64, text string, kb transport.Keyboard) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{ChatID: chatID, Text: text})
	return nil
}

func (f *fakeTransport) EditMessage(ctx context.Context, ref transport.MessageRef, text string, actions []transport.Action) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, ref)
	return nil
}

func (f *fakeTransport) RelayMedia(ctx context.Context, chatID int64, media transport.MediaRef) error {
	return nil
}

func (f *fakeTransport) AckAction(ctx context.Context, ackID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, ackID)
	return nil
}

func (f *fakeTransport) sentTo(chatID int64) []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentMessage
	for _, m := range f.sent {
		if m.ChatID == chatID {
			out = append(out, m)
		}
	}
	return out
}

const (
	adminID    = int64(1)
	testerID   = int64(100)
	strangerID = int64(500)
)

type testEnv struct {
	Router *router.Router
	Engine engine.Engine
	TR     *fakeTransport
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Admins = []int64{adminID}
	tr := &fakeTransport{}
	eng := engine.New(conn, cfg, tr)
	ctx := context.Background()
	if err := eng.SeedAdmins(ctx); err != nil {
		t.Fatalf("seed admins: %v", err)
	}
	if err := eng.AddTesters(ctx, adminID, []int64{testerID}); err != nil {
		t.Fatalf("add tester: %v", err)
	}
	return testEnv{Router: router.New(eng, cfg), Engine: eng, TR: tr, Ctx: ctx}
}

func (env testEnv) text(t *testing.T, from int64, text string) {
	t.Helper()
	err := env.Router.HandleText(env.Ctx, transport.TextEvent{IdentityID: from, Text: text})
	if err != nil {
		t.Fatalf("handle %q from %d: %v", text, from, err)
	}
}

func TestStrangerCommandsDroppedSilently(t *testing.T) {
	env := newTestEnv(t)
	for _, cmd := range []string{"/start", "/report", "/stats", "/unknown", "hello there"} {
		env.text(t, strangerID, cmd)
	}
	if msgs := env.TR.sentTo(strangerID); len(msgs) != 0 {
		t.Fatalf("stranger got replies: %+v", msgs)
	}
}

func TestMyIDAlwaysAnswers(t *testing.T) {
	env := newTestEnv(t)
	env.text(t, strangerID, "/my_id")
	msgs := env.TR.sentTo(strangerID)
	if len(msgs) != 1 || !strings.Contains(msgs[0].Text, fmt.Sprintf("%d", strangerID)) {
		t.Fatalf("my_id reply = %+v", msgs)
	}
}

func TestCommandWithBotMentionRoutes(t *testing.T) {
	env := newTestEnv(t)
	env.text(t, strangerID, "/my_id@BetalineBot")
	msgs := env.TR.sentTo(strangerID)
	if len(msgs) != 1 || !strings.Contains(msgs[0].Text, fmt.Sprintf("%d", strangerID)) {
		t.Fatalf("mention-addressed command not routed: %+v", msgs)
	}
	env.text(t, testerID, "/report@BetalineBot")
	sess, err := env.Engine.Repo.GetSession(env.Ctx, testerID)
	if err != nil {
		t.Fatal(err)
	}
	if sess.Step != domain.StepChoosingGroup {
		t.Fatalf("step = %s, want choosing_group", sess.Step)
	}
}

func TestTesterCannotUseAdminCommands(t *testing.T) {
	env := newTestEnv(t)
	for _, cmd := range []string{"/stats", "/add_user 7", "/bugs", "/send_update", "/set_role 7 admin"} {
		env.text(t, testerID, cmd)
	}
	if msgs := env.TR.sentTo(testerID); len(msgs) != 0 {
		t.Fatalf("tester got admin replies: %+v", msgs)
	}
}

func TestAdminRosterCommands(t *testing.T) {
	env := newTestEnv(t)
	env.text(t, adminID, "/add_user 200 201")
	for _, id := range []int64{200, 201} {
		ident, err := env.Engine.Repo.GetIdentity(env.Ctx, id)
		if err != nil || ident.Role != domain.RoleTester {
			t.Fatalf("identity %d role = %v err = %v", id, ident.Role, err)
		}
	}
	env.text(t, adminID, "/del_user 200")
	ident, err := env.Engine.Repo.GetIdentity(env.Ctx, 200)
	if err != nil || ident.Role != domain.RoleNone {
		t.Fatalf("identity 200 role = %v after removal", ident.Role)
	}
}

func TestMalformedArgsGetUsageHint(t *testing.T) {
	env := newTestEnv(t)
	for _, cmd := range []string{"/add_user banana", "/reply notanid hi", "/fix xyz", "/set_role 5 king"} {
		env.text(t, adminID, cmd)
		msgs := env.TR.sentTo(adminID)
		last := msgs[len(msgs)-1]
		if !strings.Contains(last.Text, "Usage:") {
			t.Fatalf("%q produced %q, want usage hint", cmd, last.Text)
		}
	}
}

func TestSetRoleNeedsBootstrapAdmin(t *testing.T) {
	env := newTestEnv(t)
	// Promote a second admin who is not in the bootstrap list.
	env.text(t, adminID, "/set_role 2 admin")
	ident, err := env.Engine.Repo.GetIdentity(env.Ctx, 2)
	if err != nil || ident.Role != domain.RoleAdmin {
		t.Fatalf("bootstrap promote failed: %v %v", ident.Role, err)
	}
	// The promoted admin cannot use /set_role.
	env.text(t, int64(2), "/set_role 3 admin")
	if got, err := env.Engine.Repo.GetIdentity(env.Ctx, 3); err == nil && got.Role == domain.RoleAdmin {
		t.Fatalf("non-bootstrap admin promoted someone")
	}
	if msgs := env.TR.sentTo(2); len(msgs) != 0 {
		t.Fatalf("non-bootstrap admin got a reply: %+v", msgs)
	}
}

func TestReplyReachesTester(t *testing.T) {
	env := newTestEnv(t)
	env.text(t, adminID, "/reply 100 the fix ships tomorrow")
	msgs := env.TR.sentTo(testerID)
	if len(msgs) != 1 || !strings.Contains(msgs[0].Text, "the fix ships tomorrow") {
		t.Fatalf("tester inbox = %+v", msgs)
	}
}

func TestDecisionActionFlow(t *testing.T) {
	env := newTestEnv(t)
	rep := fileReport(t, env)

	ev := transport.ActionEvent{
		IdentityID:  adminID,
		Payload:     fmt.Sprintf("bug:accept:%d:%d", rep.ID, testerID),
		AckID:       "cb-1",
		Message:     transport.MessageRef{ChatID: adminID, MessageID: 9},
		MessageText: "card",
	}
	if err := env.Router.HandleAction(env.Ctx, ev); err != nil {
		t.Fatalf("handle action: %v", err)
	}
	got, err := env.Engine.Repo.GetReport(env.Ctx, rep.ID)
	if err != nil || got.Status != domain.StatusAccepted {
		t.Fatalf("report status = %v err = %v", got.Status, err)
	}
	env.TR.mu.Lock()
	defer env.TR.mu.Unlock()
	if len(env.TR.acks) != 1 || env.TR.acks[0] != "cb-1" {
		t.Fatalf("acks = %v", env.TR.acks)
	}
	if len(env.TR.edits) != 1 {
		t.Fatalf("triage card not edited: %v", env.TR.edits)
	}
}

func TestActionFromTesterIgnored(t *testing.T) {
	env := newTestEnv(t)
	rep := fileReport(t, env)

	ev := transport.ActionEvent{
		IdentityID: testerID,
		Payload:    fmt.Sprintf("bug:accept:%d:%d", rep.ID, testerID),
	}
	if err := env.Router.HandleAction(env.Ctx, ev); err != nil {
		t.Fatalf("handle action: %v", err)
	}
	got, err := env.Engine.Repo.GetReport(env.Ctx, rep.ID)
	if err != nil || got.Status != domain.StatusPending {
		t.Fatalf("tester press changed status to %v", got.Status)
	}
}

func TestMalformedActionPayloadDropped(t *testing.T) {
	env := newTestEnv(t)
	for _, payload := range []string{"bug:accept:zzz:1", "bug:smash:1:1", "nonsense", "score:accepted:0:5"} {
		ev := transport.ActionEvent{IdentityID: adminID, Payload: payload}
		if err := env.Router.HandleAction(env.Ctx, ev); err != nil {
			t.Fatalf("payload %q returned error %v, want silent drop", payload, err)
		}
	}
}

func TestDispatcherKeepsPerSenderOrder(t *testing.T) {
	env := newTestEnv(t)
	d := router.NewDispatcher(env.Router)

	// Two quick messages from the same tester: the second must see the
	// session state the first one created.
	d.DispatchText(transport.TextEvent{IdentityID: testerID, Text: "/report"})
	d.DispatchText(transport.TextEvent{IdentityID: testerID, Text: "Beta A"})
	d.Wait()

	sess, err := env.Engine.Repo.GetSession(env.Ctx, testerID)
	if err != nil {
		t.Fatal(err)
	}
	if sess.Step != domain.StepWaitingVersion {
		t.Fatalf("step = %s, want waiting_version", sess.Step)
	}
	if sess.Fields["group"] != "Beta A" {
		t.Fatalf("fields = %v", sess.Fields)
	}
}

// fileReport drives the guided form through the router, the way a real
// tester would.
func fileReport(t *testing.T, env testEnv) domain.Report {
	t.Helper()
	env.text(t, testerID, "/report")
	for _, answer := range []string{"Beta A", "2.0.1", "iPhone 15", "tap login twice", "stays signed in", "logs out"} {
		env.text(t, testerID, answer)
	}
	env.text(t, testerID, engine.SkipMediaLabel)
	reports, err := env.Engine.Repo.ListReports(env.Ctx, repo.ReportFilters{ReporterID: testerID, Limit: 1})
	if err != nil || len(reports) != 1 {
		t.Fatalf("report not stored: %v (%d)", err, len(reports))
	}
	return reports[0]
}
