package tui

import (
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/loqalabs/loqa-avatar/internal/avatar"
)

func TestModelWrapsTextAndShowsMouth(t *testing.T) {
	frames := make(chan avatar.Frame, 1)
	m := newModel(Options{Width: 20}, frames)

	next, _ := m.Update(frameMsg(avatar.Frame{
		Text:      "The capital of France is Paris, a city on the Seine.",
		MouthOpen: true,
		Speaking:  true,
		State:     "speaking",
	}))
	view := next.(model).View()
	if !strings.Contains(view, "(O)") {
		t.Fatalf("expected open mouth in view:\n%s", view)
	}
	for _, line := range strings.Split(view, "\n") {
		if strings.Contains(line, "Seine") && len(strings.TrimSpace(line)) > 20 {
			t.Fatalf("text not wrapped to width: %q", line)
		}
	}
}

func TestModelSubmitAndQuit(t *testing.T) {
	var submitted []string
	quit := false
	m := newModel(Options{
		Width:  60,
		Submit: func(text string) { submitted = append(submitted, text) },
		Quit:   func() { quit = true },
	}, make(chan avatar.Frame))

	m.input.SetValue("  what time is it  ")
	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = next.(model)
	if len(submitted) != 1 || submitted[0] != "what time is it" {
		t.Fatalf("unexpected submissions %v", submitted)
	}
	if m.input.Value() != "" {
		t.Fatalf("input should be cleared after submit")
	}

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEsc})
	if !quit {
		t.Fatalf("quit callback not invoked")
	}
	if cmd == nil {
		t.Fatalf("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatalf("expected tea.QuitMsg")
	}
}

func TestRenderKeepsLatestFrame(t *testing.T) {
	r := &Renderer{frames: make(chan avatar.Frame, 1)}
	r.Render(avatar.Frame{Text: "first"})
	r.Render(avatar.Frame{Text: "second"})
	if got := <-r.frames; got.Text != "second" {
		t.Fatalf("expected latest frame, got %q", got.Text)
	}
}
