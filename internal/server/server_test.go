package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"betaline/internal/config"
	"betaline/internal/db"
	"betaline/internal/domain"
	"betaline/internal/engine"
	"betaline/internal/migrate"
	"betaline/internal/repo"
	"betaline/internal/router"
	"betaline/internal/transport"
)

const (
	adminID    = int64(1)
	testerID   = int64(100)
	testSecret = "test-secret"
)

type fakeTransport struct {
	mu   sync.Mutex
	sent []string
	next int64
}

func (f *fakeTransport) SendText(ctx context.Context, chatID int64, text string, actions []transport.Action) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	f.sent = append(f.sent, fmt.Sprintf("%d:%s", chatID, text))
	return transport.MessageRef{ChatID: chatID, MessageID: f.next}, nil
}

func (f *fakeTransport) SendPrompt(ctx context.Context, chatID int64, text string, kb transport.Keyboard) error {
	_, err := f.SendText(ctx, chatID, text, nil)
	return err
}

func (f *fakeTransport) EditMessage(ctx context.Context, ref transport.MessageRef, text string, actions []transport.Action) error {
	return nil
}

func (f *fakeTransport) RelayMedia(ctx context.Context, chatID int64, media transport.MediaRef) error {
	return nil
}

func (f *fakeTransport) AckAction(ctx context.Context, ackID string) error {
	return nil
}

type testServer struct {
	URL    string
	Engine engine.Engine
	Disp   *router.Dispatcher
	TR     *fakeTransport
	close  func()
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Admins = []int64{adminID}
	cfg.Server.JWTSecret = testSecret
	tr := &fakeTransport{}
	e := engine.New(conn, cfg, tr)
	ctx := context.Background()
	if err := e.SeedAdmins(ctx); err != nil {
		t.Fatalf("seed admins: %v", err)
	}
	if err := e.AddTesters(ctx, adminID, []int64{testerID}); err != nil {
		t.Fatalf("add tester: %v", err)
	}
	disp := router.NewDispatcher(router.New(e, cfg))
	handler, err := New(Config{
		Engine:      e,
		Dispatcher:  disp,
		BasePath:    "/v0",
		WebhookPath: "/webhook",
		Auth:        AuthConfig{JWTSecret: testSecret},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		Disp:   disp,
		TR:     tr,
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.close)
	return ts
}

func (ts *testServer) postUpdate(t *testing.T, update map[string]any) {
	t.Helper()
	body, err := json.Marshal(update)
	if err != nil {
		t.Fatal(err)
	}
	res, err := http.Post(ts.URL+"/webhook", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post update: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("webhook status = %d", res.StatusCode)
	}
	// Updates are handled off the request goroutine.
	ts.Disp.Wait()
}

func messageUpdate(from int64, text string) map[string]any {
	return map[string]any{
		"update_id": time.Now().UnixNano(),
		"message": map[string]any{
			"message_id": 10,
			"from":       map[string]any{"id": from, "username": "someone"},
			"chat":       map[string]any{"id": from},
			"text":       text,
		},
	}
}

func (ts *testServer) get(t *testing.T, path, token string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, ts.URL+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get %s: %v", path, err)
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	return res, body
}

func repoFilters(reporter int64) repo.ReportFilters {
	return repo.ReportFilters{ReporterID: reporter, Limit: 1}
}

func TestWebhookDrivesReportFlow(t *testing.T) {
	ts := newTestServer(t)
	for _, text := range []string{"/report", "Beta A", "3.1.0", "Pixel 7", "open the app", "loads", "white screen", engine.SkipMediaLabel} {
		ts.postUpdate(t, messageUpdate(testerID, text))
	}
	reports, err := ts.Engine.Repo.ListReports(context.Background(), repoFilters(testerID))
	if err != nil || len(reports) != 1 {
		t.Fatalf("reports = %d err = %v, want 1", len(reports), err)
	}
	rep := reports[0]
	if rep.Status != domain.StatusPending || rep.Version != "3.1.0" {
		t.Fatalf("stored report = %+v", rep)
	}

	ts.TR.mu.Lock()
	defer ts.TR.mu.Unlock()
	var adminNotified bool
	for _, s := range ts.TR.sent {
		if strings.HasPrefix(s, "1:") && strings.Contains(s, fmt.Sprintf("Report #%d", rep.ID)) {
			adminNotified = true
		}
	}
	if !adminNotified {
		t.Fatalf("admin never saw the report; sent = %v", ts.TR.sent)
	}
}

func TestWebhookCallbackAppliesDecision(t *testing.T) {
	ts := newTestServer(t)
	for _, text := range []string{"/report", "Beta B", "3.2.0", "iPhone", "scroll fast", "smooth", "janky", engine.SkipMediaLabel} {
		ts.postUpdate(t, messageUpdate(testerID, text))
	}
	reports, err := ts.Engine.Repo.ListReports(context.Background(), repoFilters(testerID))
	if err != nil || len(reports) != 1 {
		t.Fatalf("reports = %d err = %v", len(reports), err)
	}
	rep := reports[0]

	ts.postUpdate(t, map[string]any{
		"update_id": time.Now().UnixNano(),
		"callback_query": map[string]any{
			"id":   "cb-9",
			"from": map[string]any{"id": adminID, "username": "lead"},
			"message": map[string]any{
				"message_id": 44,
				"chat":       map[string]any{"id": adminID},
				"text":       "card",
			},
			"data": fmt.Sprintf("bug:accept:%d:%d", rep.ID, testerID),
		},
	})

	got, err := ts.Engine.Repo.GetReport(context.Background(), rep.ID)
	if err != nil || got.Status != domain.StatusAccepted {
		t.Fatalf("status = %v err = %v, want accepted", got.Status, err)
	}
	ident, err := ts.Engine.Repo.GetIdentity(context.Background(), testerID)
	if err != nil || ident.AcceptedCount != 1 {
		t.Fatalf("accepted count = %d err = %v", ident.AcceptedCount, err)
	}
}

func TestWebhookRejectsBadJSON(t *testing.T) {
	ts := newTestServer(t)
	res, err := http.Post(ts.URL+"/webhook", "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", res.StatusCode)
	}
}

func TestHealthIsOpen(t *testing.T) {
	ts := newTestServer(t)
	res, _ := ts.get(t, "/v0/health", "")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", res.StatusCode)
	}
}

func TestOpsAPIRequiresBearerToken(t *testing.T) {
	ts := newTestServer(t)
	res, body := ts.get(t, "/v0/reports", "")
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d body = %s, want 401", res.StatusCode, body)
	}

	res, body = ts.get(t, "/v0/reports", "garbage.token.here")
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token status = %d body = %s", res.StatusCode, body)
	}

	token, err := MintToken(testSecret, "ops", "operator", time.Hour)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	res, body = ts.get(t, "/v0/reports", token)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("authed status = %d body = %s", res.StatusCode, body)
	}
}

func TestStatsEndpointReportsConsistency(t *testing.T) {
	ts := newTestServer(t)
	token, err := MintToken(testSecret, "ops", "operator", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	res, body := ts.get(t, "/v0/stats", token)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("stats status = %d body = %s", res.StatusCode, body)
	}
	var stats struct {
		Reports map[string]int `json:"reports"`
		Testers int            `json:"testers"`
		Drift   []any          `json:"drift"`
	}
	if err := json.Unmarshal(body, &stats); err != nil {
		t.Fatalf("decode stats: %v (%s)", err, body)
	}
	if stats.Testers != 1 {
		t.Fatalf("testers = %d, want 1", stats.Testers)
	}
	if len(stats.Drift) != 0 {
		t.Fatalf("unexpected drift: %v", stats.Drift)
	}
}
