package main

import (
	"bytes"
	"net/http/httptest"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/agentworkforce/helpsync/internal/helpsync"
	"github.com/agentworkforce/helpsync/internal/httpapi"
)

func TestClampJitterRatio(t *testing.T) {
	if got := clampJitterRatio(-0.1); got != 0 {
		t.Fatalf("expected clamp to 0, got %f", got)
	}
	if got := clampJitterRatio(1.5); got != 1 {
		t.Fatalf("expected clamp to 1, got %f", got)
	}
	if got := clampJitterRatio(0.4); got != 0.4 {
		t.Fatalf("expected passthrough 0.4, got %f", got)
	}
}

func TestJitteredIntervalWithSample(t *testing.T) {
	base := 10 * time.Second
	if got := jitteredIntervalWithSample(base, 0, 0.2); got != base {
		t.Fatalf("expected no jitter interval %s, got %s", base, got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 0); got != 8*time.Second {
		t.Fatalf("expected min jitter interval 8s, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 0.5); got != 10*time.Second {
		t.Fatalf("expected midpoint jitter interval 10s, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 1); got != 12*time.Second {
		t.Fatalf("expected max jitter interval 12s, got %s", got)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("HELPSYNC_STATE_DSN", "")

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.BaseURL != "http://127.0.0.1:8080" {
		t.Fatalf("unexpected base url %q", cfg.BaseURL)
	}
	if want := "file://" + filepath.Join(home, ".helpsync", "state.json"); cfg.StateDSN != want {
		t.Fatalf("expected state dsn %q, got %q", want, cfg.StateDSN)
	}
	if cfg.Timeout != 15*time.Second || cfg.Interval != 5*time.Second || cfg.UndoWindow != 10*time.Second {
		t.Fatalf("unexpected durations: %+v", cfg)
	}
	if cfg.IntervalJitter != 0.2 || cfg.DeleteRetries != 3 || cfg.RefreshDelay != time.Second {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("HELPSYNC_BASE_URL", "http://example.test")
	t.Setenv("HELPSYNC_STATE_DSN", "memory://")
	t.Setenv("HELPSYNC_INTERVAL_JITTER", "3")
	t.Setenv("HELPSYNC_UNDO_WINDOW", "30s")
	t.Setenv("HELPSYNC_DEMO", "true")

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.BaseURL != "http://example.test" || cfg.StateDSN != "memory://" || !cfg.Demo {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.IntervalJitter != 1 {
		t.Fatalf("expected jitter to be clamped to 1, got %f", cfg.IntervalJitter)
	}
	if cfg.UndoWindow != 30*time.Second {
		t.Fatalf("expected 30s undo window, got %s", cfg.UndoWindow)
	}
}

func TestLoadConfigRejectsMalformedEnv(t *testing.T) {
	t.Setenv("HELPSYNC_TIMEOUT", "soon")
	if _, err := loadConfig(); err == nil {
		t.Fatalf("expected malformed duration to fail")
	}
}

type cliHarness struct {
	t      *testing.T
	store  *httpapi.Store
	server *httptest.Server
}

func newHarness(t *testing.T) *cliHarness {
	t.Helper()
	store := httpapi.NewStore()
	server := httptest.NewServer(httpapi.NewServerWithConfig(store, httpapi.ServerConfig{Token: "secret"}))
	t.Cleanup(server.Close)
	t.Setenv("HELPSYNC_BASE_URL", "http://127.0.0.1:1")
	t.Setenv("HELPSYNC_TOKEN", "secret")
	t.Setenv("HELPSYNC_STATE_DSN", filepath.Join(t.TempDir(), "state.json"))
	t.Setenv("HELPSYNC_REFRESH_DELAY", "-1s")
	t.Setenv("HELPSYNC_LOG_LEVEL", "debug")
	return &cliHarness{t: t, store: store, server: server}
}

func (h *cliHarness) run(stdin string, args ...string) (string, error) {
	h.t.Helper()
	app := newApp()
	var out, errOut bytes.Buffer
	app.Writer = &out
	app.ErrWriter = &errOut
	app.Reader = strings.NewReader(stdin)
	full := append([]string{"helpsync", "--base-url", h.server.URL}, args...)
	err := app.Run(full)
	return out.String(), err
}

func (h *cliHarness) mustRun(stdin string, args ...string) string {
	h.t.Helper()
	out, err := h.run(stdin, args...)
	if err != nil {
		h.t.Fatalf("helpsync %v failed: %v", args, err)
	}
	return out
}

func (h *cliHarness) seed(title, creator string) httpapi.Request {
	h.t.Helper()
	lat, lng := 42.861, -90.18
	r, err := h.store.Create(httpapi.CreateInput{Title: title, Lat: &lat, Lng: &lng, CreatorID: creator})
	if err != nil {
		h.t.Fatalf("seed %s: %v", title, err)
	}
	return r
}

var postedPattern = regexp.MustCompile(`^posted (\S+) `)

func TestPostAndList(t *testing.T) {
	h := newHarness(t)

	out := h.mustRun("", "post", "--details", "two bags", "--tip", "10", "--lat", "42.86", "--lng", "-90.179")
	match := postedPattern.FindStringSubmatch(out)
	if match == nil {
		t.Fatalf("unexpected post output %q", out)
	}
	if !strings.Contains(out, `"Help needed"`) {
		t.Fatalf("expected default title in %q", out)
	}

	out = h.mustRun("", "list")
	if !strings.Contains(out, match[1]) || !strings.Contains(out, "$10.00") || !strings.Contains(out, "Active requests nearby") {
		t.Fatalf("expected posted request in list output:\n%s", out)
	}

	out = h.mustRun("", "list", "--dump")
	if !strings.Contains(out, match[1]) {
		t.Fatalf("expected id in dump output:\n%s", out)
	}
}

func TestPostRequiresLocation(t *testing.T) {
	h := newHarness(t)
	_, err := h.run("", "post", "--title", "x")
	if err == nil || !strings.Contains(err.Error(), "location") {
		t.Fatalf("expected location validation error, got %v", err)
	}
	if len(h.store.List()) != 0 {
		t.Fatalf("nothing should have been created")
	}
}

func TestAcceptAndComplete(t *testing.T) {
	h := newHarness(t)
	other := h.seed("Ladder", "user_OTHER1")
	me := strings.TrimSpace(h.mustRun("", "whoami"))

	out := h.mustRun("", "accept", other.ID)
	if !strings.Contains(out, me) {
		t.Fatalf("expected accept to name %s, got %q", me, out)
	}
	got, _ := h.store.Get(other.ID)
	if got.HelperName == nil || *got.HelperName != me || !got.IsActive {
		t.Fatalf("expected accepted request on the service, got %+v", got)
	}

	if _, err := h.run("", "complete", other.ID, "--rating", "9"); err == nil {
		t.Fatalf("expected out of range rating to fail")
	}
	h.mustRun("", "complete", other.ID, "--helper", "Alex", "--rating", "5")
	got, _ = h.store.Get(other.ID)
	if got.IsActive || got.Rating == nil || *got.Rating != 5 || *got.HelperName != "Alex" {
		t.Fatalf("expected completed request on the service, got %+v", got)
	}

	out = h.mustRun("", "list")
	if !strings.Contains(out, "*****") {
		t.Fatalf("expected rating in finished section:\n%s", out)
	}
}

func TestAcceptOwnRequestFails(t *testing.T) {
	h := newHarness(t)
	me := strings.TrimSpace(h.mustRun("", "whoami"))
	mine := h.seed("Mine", me)
	_, err := h.run("", "accept", mine.ID)
	if err == nil || !strings.Contains(err.Error(), "own request") {
		t.Fatalf("expected own-request validation error, got %v", err)
	}
}

func TestCancelDeletesRemotely(t *testing.T) {
	h := newHarness(t)
	r := h.seed("Mine", "someone")
	h.mustRun("", "cancel", r.ID)
	if len(h.store.List()) != 0 {
		t.Fatalf("expected request to be deleted")
	}
	if _, err := h.run("", "delete", r.ID); err == nil {
		t.Fatalf("expected unknown id to fail")
	}
}

func TestDeclineUndoAndForget(t *testing.T) {
	h := newHarness(t)
	r := h.seed("Not for me", "someone")

	out := h.mustRun("undo\n", "decline", r.ID)
	if !strings.Contains(out, "restored "+r.ID) {
		t.Fatalf("expected undo to restore, got %q", out)
	}
	if declined := h.mustRun("", "declined"); strings.TrimSpace(declined) != "" {
		t.Fatalf("expected nothing declined after undo, got %q", declined)
	}

	out = h.mustRun("", "decline", "--no-wait", r.ID)
	if !strings.Contains(out, "declined "+r.ID) {
		t.Fatalf("unexpected decline output %q", out)
	}
	if declined := h.mustRun("", "declined"); strings.TrimSpace(declined) != r.ID {
		t.Fatalf("expected %s declined, got %q", r.ID, declined)
	}
	if list := h.mustRun("", "list"); strings.Contains(list, r.ID) {
		t.Fatalf("declined request must stay hidden:\n%s", list)
	}
	if _, err := h.store.Get(r.ID); err != nil {
		t.Fatalf("decline must not delete on the service: %v", err)
	}

	h.mustRun("", "forget", r.ID)
	if list := h.mustRun("", "list"); !strings.Contains(list, r.ID) {
		t.Fatalf("expected request visible after forget:\n%s", list)
	}
}

func TestDeclineWithoutUndoIsFinal(t *testing.T) {
	h := newHarness(t)
	t.Setenv("HELPSYNC_UNDO_WINDOW", "50ms")
	r := h.seed("Not for me", "someone")

	out := h.mustRun("", "decline", r.ID)
	if !strings.Contains(out, "is final") {
		t.Fatalf("expected final decline, got %q", out)
	}
}

func TestWhoamiIsStable(t *testing.T) {
	h := newHarness(t)
	first := strings.TrimSpace(h.mustRun("", "whoami"))
	second := strings.TrimSpace(h.mustRun("", "whoami"))
	if !strings.HasPrefix(first, "user_") || first != second {
		t.Fatalf("expected a stable user id, got %q then %q", first, second)
	}
}

func TestWatchOnceWithDemo(t *testing.T) {
	h := newHarness(t)
	h.seed("Groceries", "someone")
	out := h.mustRun("", "--demo", "watch", "--once")
	if !strings.Contains(out, "Groceries") || !strings.Contains(out, "demo-1") {
		t.Fatalf("expected remote and demo requests:\n%s", out)
	}
}

func TestSameRequests(t *testing.T) {
	rating := 5
	a := []helpsync.HelpRequest{{ID: "1", Rating: &rating}}
	other := 5
	b := []helpsync.HelpRequest{{ID: "1", Rating: &other}}
	if !sameRequests(a, b) {
		t.Fatalf("expected equal requests")
	}
	changed := 4
	b[0].Rating = &changed
	if sameRequests(a, b) {
		t.Fatalf("expected rating change to be detected")
	}
}
