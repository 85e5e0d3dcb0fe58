// Package tui draws the avatar in the terminal and accepts typed questions.
package tui

import (
	"context"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/loqalabs/loqa-avatar/internal/avatar"
	"github.com/muesli/reflow/wordwrap"
)

var (
	faceStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(0, 2)
	textStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("252")).MarginTop(1)
	stateStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Italic(true)
	helpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	activeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("212")).Bold(true)
)

const (
	faceClosed = "  o   o  \n    ^    \n  \\___/  "
	faceOpen   = "  o   o  \n    ^    \n   (O)   "
)

// Options wires the terminal to the rest of the assistant.
type Options struct {
	Width  int
	Submit func(text string)
	Quit   func()
	Input  io.Reader
	Output io.Writer
}

// Renderer is an avatar.Renderer backed by a bubbletea program. Frames are
// coalesced: only the most recent one is drawn.
type Renderer struct {
	opts    Options
	frames  chan avatar.Frame
	program *tea.Program
}

func New(opts Options) *Renderer {
	if opts.Width <= 0 {
		opts.Width = 60
	}
	r := &Renderer{opts: opts, frames: make(chan avatar.Frame, 1)}
	progOpts := []tea.ProgramOption{tea.WithAltScreen()}
	if opts.Input != nil {
		progOpts = append(progOpts, tea.WithInput(opts.Input))
	}
	if opts.Output != nil {
		progOpts = append(progOpts, tea.WithOutput(opts.Output))
	}
	r.program = tea.NewProgram(newModel(opts, r.frames), progOpts...)
	return r
}

// Render replaces any pending frame with f.
func (r *Renderer) Render(f avatar.Frame) {
	select {
	case r.frames <- f:
		return
	default:
	}
	select {
	case <-r.frames:
	default:
	}
	select {
	case r.frames <- f:
	default:
	}
}

// Run blocks until the user quits or ctx ends.
func (r *Renderer) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		r.program.Quit()
	}()
	_, err := r.program.Run()
	return err
}

type frameMsg avatar.Frame

type model struct {
	opts   Options
	frames <-chan avatar.Frame
	frame  avatar.Frame
	input  textinput.Model
	width  int
}

func newModel(opts Options, frames <-chan avatar.Frame) model {
	ti := textinput.New()
	ti.Placeholder = "Type a question and press enter"
	ti.CharLimit = 500
	ti.Width = opts.Width
	ti.Focus()
	return model{opts: opts, frames: frames, input: ti, width: opts.Width}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.listen())
}

func (m model) listen() tea.Cmd {
	return func() tea.Msg {
		f, ok := <-m.frames
		if !ok {
			return nil
		}
		return frameMsg(f)
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			if m.opts.Quit != nil {
				m.opts.Quit()
			}
			return m, tea.Quit
		case tea.KeyEnter:
			text := strings.TrimSpace(m.input.Value())
			m.input.SetValue("")
			if text != "" && m.opts.Submit != nil {
				m.opts.Submit(text)
			}
			return m, nil
		}
	case tea.WindowSizeMsg:
		m.width = min(msg.Width-4, m.opts.Width)
		if m.width < 20 {
			m.width = 20
		}
		m.input.Width = m.width
	case frameMsg:
		m.frame = avatar.Frame(msg)
		return m, m.listen()
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m model) View() string {
	face := faceClosed
	if m.frame.MouthOpen {
		face = faceOpen
	}
	faceBox := faceStyle.Render(face)
	if m.frame.Speaking {
		faceBox = faceStyle.BorderForeground(lipgloss.Color("212")).Render(face)
	}

	state := m.frame.State
	if state == "" {
		state = "starting"
	}
	stateLine := stateStyle.Render(state)
	if m.frame.Speaking {
		stateLine = activeStyle.Render(state)
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		faceBox,
		stateLine,
		textStyle.Render(wordwrap.String(m.frame.Text, m.width)),
		"",
		m.input.View(),
		helpStyle.Render("enter: ask • esc: quit"),
	)
}
