package tui

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

func testModel(t *testing.T, cmds ...Command) Model {
	t.Helper()
	m := New(Options{Title: "config.yaml", Commands: cmds})
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	next, _ := m.Update(tea.WindowSizeMsg{Width: 100, Height: 40})
	return next.(Model)
}

func enter(t *testing.T, m Model, input string) (Model, tea.Cmd) {
	t.Helper()
	m.textInput.SetValue(input)
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	return next.(Model), cmd
}

func update(t *testing.T, m Model, msg tea.Msg) Model {
	t.Helper()
	next, _ := m.Update(msg)
	return next.(Model)
}

func TestCommandRunsAndReports(t *testing.T) {
	var gotArgs []string
	m := testModel(t, Command{
		Name:        "status",
		Description: "Show watermarks",
		Run: func(ctx context.Context, args []string) (string, error) {
			gotArgs = args
			return "jira/PC  2026-03-10 11:00:00", nil
		},
	})

	m, cmd := enter(t, m, "/status --all")
	if m.Running() != "status" {
		t.Fatalf("Running() = %q, want status", m.Running())
	}
	if cmd == nil {
		t.Fatal("expected a command")
	}

	done, ok := cmd().(CommandDoneMsg)
	if !ok {
		t.Fatalf("expected CommandDoneMsg")
	}
	if len(gotArgs) != 1 || gotArgs[0] != "--all" {
		t.Errorf("args = %v", gotArgs)
	}

	m = update(t, m, done)
	if m.Running() != "" {
		t.Errorf("still running after done")
	}
	for _, want := range []string{"> /status --all", "jira/PC", "/status finished"} {
		if !strings.Contains(m.logBuffer, want) {
			t.Errorf("log missing %q", want)
		}
	}
	if len(m.history) != 1 || m.history[0] != "/status --all" {
		t.Errorf("history = %v", m.history)
	}
}

func TestCommandErrorShown(t *testing.T) {
	m := testModel(t, Command{
		Name: "validate",
		Run: func(ctx context.Context, args []string) (string, error) {
			return "", errors.New("warehouse unreachable")
		},
	})
	m, cmd := enter(t, m, "/validate")
	m = update(t, m, cmd())
	if !strings.Contains(m.logBuffer, "/validate: warehouse unreachable") {
		t.Errorf("error not shown:\n%s", m.logBuffer)
	}
}

func TestOneCommandAtATime(t *testing.T) {
	m := testModel(t, Command{
		Name: "run",
		Run:  func(ctx context.Context, args []string) (string, error) { return "", nil },
	})
	m, _ = enter(t, m, "/run")
	m, cmd := enter(t, m, "/run --dry-run")
	if m.Running() != "run" {
		t.Fatalf("Running() = %q", m.Running())
	}
	out, ok := cmd().(OutputMsg)
	if !ok || !strings.Contains(string(out), "still running") {
		t.Errorf("second command should be refused, got %v", out)
	}
}

func TestCtrlCCancelsRunningCommand(t *testing.T) {
	m := testModel(t, Command{
		Name: "run",
		Run: func(ctx context.Context, args []string) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	})
	m, cmd := enter(t, m, "/run")

	next, quit := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	if quit != nil {
		t.Fatal("ctrl+c with a running command should not quit")
	}
	if !strings.Contains(next.(Model).logBuffer, "Cancelling /run") {
		t.Error("cancel not reported")
	}

	done := cmd().(CommandDoneMsg)
	if !errors.Is(done.Err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", done.Err)
	}
}

func TestCtrlCQuitsWhenIdle(t *testing.T) {
	m := testModel(t)
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	if cmd == nil {
		t.Fatal("expected quit")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("expected tea.QuitMsg")
	}
}

func TestUnknownAndBareInput(t *testing.T) {
	m := testModel(t)
	_, cmd := enter(t, m, "/nope")
	if out := cmd().(OutputMsg); !strings.Contains(string(out), "Unknown command: /nope") {
		t.Errorf("got %q", out)
	}
	_, cmd = enter(t, m, "status")
	if out := cmd().(OutputMsg); !strings.Contains(string(out), "type /help") {
		t.Errorf("got %q", out)
	}
}

func TestHelpListsCommands(t *testing.T) {
	m := testModel(t, Command{Name: "history", Usage: "[RUN_ID]", Description: "List recent runs"})
	_, cmd := enter(t, m, "/help")
	help := string(cmd().(BoxedOutputMsg))
	for _, want := range []string{"/history [RUN_ID]", "List recent runs", "/clear", "/quit"} {
		if !strings.Contains(help, want) {
			t.Errorf("help missing %q", want)
		}
	}
}

func TestSuggestionsAndCompletion(t *testing.T) {
	m := testModel(t,
		Command{Name: "status", Description: "Show watermarks"},
		Command{Name: "run", Description: "Run a sync"},
	)
	m = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("/st")})
	if len(m.suggestions) != 1 || !strings.HasPrefix(m.suggestions[0], "/status") {
		t.Fatalf("suggestions = %v", m.suggestions)
	}
	m = update(t, m, tea.KeyMsg{Type: tea.KeyTab})
	if got := m.textInput.Value(); got != "/status" {
		t.Errorf("completed to %q", got)
	}
}

func TestHistoryNavigation(t *testing.T) {
	m := testModel(t, Command{Name: "status", Run: func(context.Context, []string) (string, error) { return "", nil }})
	m, cmd := enter(t, m, "/status")
	m = update(t, m, cmd())
	m, _ = enter(t, m, "/clear")

	m = update(t, m, tea.KeyMsg{Type: tea.KeyUp})
	if got := m.textInput.Value(); got != "/clear" {
		t.Errorf("up = %q", got)
	}
	m = update(t, m, tea.KeyMsg{Type: tea.KeyUp})
	if got := m.textInput.Value(); got != "/status" {
		t.Errorf("up twice = %q", got)
	}
	m = update(t, m, tea.KeyMsg{Type: tea.KeyDown})
	m = update(t, m, tea.KeyMsg{Type: tea.KeyDown})
	if got := m.textInput.Value(); got != "" {
		t.Errorf("down past end = %q", got)
	}
}

func TestOutputStyledByLevel(t *testing.T) {
	m := testModel(t)
	m = update(t, m, OutputMsg("2026-03-10 12:00:00 [ERROR] [jira/PC] HTTP 503\n2026-03-10 12:00:01 [WARN] [jira/QA] deadline"))
	if !strings.Contains(m.logBuffer, "✖ 2026-03-10 12:00:00 [ERROR]") {
		t.Errorf("error line not marked:\n%s", m.logBuffer)
	}
	if strings.Contains(m.logBuffer, "deadline") {
		t.Error("partial line should stay buffered")
	}
	m = update(t, m, OutputMsg(" reached\n"))
	if !strings.Contains(m.logBuffer, "! 2026-03-10 12:00:01 [WARN] [jira/QA] deadline reached") {
		t.Errorf("warn line not marked:\n%s", m.logBuffer)
	}
}

func TestWrapLine(t *testing.T) {
	tests := []struct {
		line  string
		width int
		want  string
	}{
		{"short", 10, "short"},
		{"one two three", 8, "one two\nthree"},
		{"abcdefghij", 4, "abcd\nefgh\nij"},
		{"anything", 0, "anything"},
	}
	for _, tt := range tests {
		if got := wrapLine(tt.line, tt.width); got != tt.want {
			t.Errorf("wrapLine(%q, %d) = %q, want %q", tt.line, tt.width, got, tt.want)
		}
	}
}
