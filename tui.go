package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"talkbox/chat"
	"talkbox/clipboard"
	"talkbox/log"
	"talkbox/visualizer"
	"talkbox/voice"
)

const (
	frameInterval = 33 * time.Millisecond
	barColumns    = 32
	maxHistory    = 50
)

type frameTickMsg time.Time

type queryDoneMsg struct {
	question string
	resp     *chat.QueryResponse
	err      error
}

type clearDoneMsg struct {
	resp *chat.ClearResponse
	err  error
}

type copiedMsg struct{ err error }
type voiceErrMsg struct{ err error }

type exchange struct {
	question string
	answer   string
	links    []chat.Link
	failed   bool
}

type tuiModel struct {
	ctx      context.Context
	ctrl     *voice.Controller
	chat     *chat.Client
	sessions *chat.SessionStore

	input   textinput.Model
	spinner spinner.Model

	state       voice.State
	recStart    time.Time
	bars        []byte
	peak        byte
	alert       string
	status      string
	querying    bool
	history     []exchange
	deviceLine  string
	backendLine string
	width       int
	height      int
}

var (
	titleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("205")).Bold(true)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	helpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("239"))
	youStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("4"))
	botStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	linkStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	recStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	barStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	alertStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("196")).Padding(1, 3)
	barRunes    = []rune(" ▁▂▃▄▅▆▇█")
	quietPeak   = byte(8)
	warnAfter   = time.Second
	answerWidth = 20
)

func newTUIModel(ctx context.Context, ctrl *voice.Controller, client *chat.Client, sessions *chat.SessionStore) tuiModel {
	in := textinput.New()
	in.Placeholder = "Type a message or press ctrl+r to speak"
	in.Prompt = "> "
	in.CharLimit = 2000
	in.Focus()

	sp := spinner.New(spinner.WithSpinner(spinner.Dot))
	return tuiModel{
		ctx:      ctx,
		ctrl:     ctrl,
		chat:     client,
		sessions: sessions,
		input:    in,
		spinner:  sp,
	}
}

func frameTick() tea.Cmd {
	return tea.Tick(frameInterval, func(t time.Time) tea.Msg {
		return frameTickMsg(t)
	})
}

func (m tuiModel) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, frameTick())
}

// loading is true while something the user is waiting on is in flight.
func (m tuiModel) loading() bool {
	return m.querying || m.state == voice.Encoding || m.state == voice.Transcribing
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.input.Width = max(10, msg.Width-4)

	case tea.KeyMsg:
		return m.handleKey(msg)

	case frameTickMsg:
		m.refreshBars()
		return m, frameTick()

	case spinner.TickMsg:
		if !m.loading() {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case VoiceStateMsg:
		wasLoading := m.loading()
		m.state = msg.State
		var cmds []tea.Cmd
		switch msg.State {
		case voice.Recording:
			m.recStart = time.Now()
			m.peak = 0
			m.status = ""
			m.input.Blur()
		case voice.Idle:
			m.bars = nil
			cmds = append(cmds, m.input.Focus())
		}
		if !wasLoading && m.loading() {
			cmds = append(cmds, m.spinner.Tick)
		}
		return m, tea.Batch(cmds...)

	case VoiceInputMsg:
		m.input.SetValue(msg.Text)
		m.input.CursorEnd()

	case VoiceAlertMsg:
		m.alert = msg.Text

	case voiceErrMsg:
		switch {
		case errors.Is(msg.err, voice.ErrSessionActive):
			m.status = "Voice input is busy"
		case errors.Is(msg.err, voice.ErrCancelled), errors.Is(msg.err, voice.ErrClosed),
			errors.Is(msg.err, voice.ErrNotRecording), errors.Is(msg.err, voice.ErrPermissionDenied):
			// already reported through the sink, or nothing to report
		default:
			log.Warnf("voice: %v", msg.err)
		}

	case queryDoneMsg:
		m.querying = false
		if msg.err != nil {
			m.addExchange(exchange{question: msg.question, answer: msg.err.Error(), failed: true})
			return m, nil
		}
		if id := msg.resp.SessionID; id != "" && id != m.sessions.SessionID() {
			if err := m.sessions.Adopt(id); err != nil {
				log.Warnf("session adopt: %v", err)
			}
		}
		m.addExchange(exchange{question: msg.question, answer: msg.resp.Answer, links: msg.resp.Links})

	case clearDoneMsg:
		if msg.err != nil {
			m.status = "New chat failed: " + msg.err.Error()
			return m, nil
		}
		m.history = nil
		m.status = "New conversation started"
		if msg.resp != nil && msg.resp.Message != "" {
			m.status = msg.resp.Message
		}

	case copiedMsg:
		if msg.err != nil {
			m.status = "Copy failed: " + msg.err.Error()
		} else {
			m.status = "Copied to clipboard"
		}
	}
	return m, nil
}

func (m tuiModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == "ctrl+c" {
		return m, tea.Quit
	}
	if m.alert != "" {
		m.alert = ""
		return m, nil
	}

	switch msg.String() {
	case "ctrl+r":
		return m, m.toggleCmd()
	case "esc":
		if m.state.Busy() {
			return m, m.cancelCmd()
		}
		return m, nil
	case "enter":
		if m.state == voice.Recording {
			return m, m.confirmCmd()
		}
		if m.state.Busy() || m.querying {
			return m, nil
		}
		q := strings.TrimSpace(m.input.Value())
		if q == "" {
			return m, nil
		}
		m.input.SetValue("")
		m.querying = true
		m.status = ""
		return m, tea.Batch(m.queryCmd(q), m.spinner.Tick)
	case "ctrl+y":
		if v := m.input.Value(); v != "" {
			return m, copyCmd(v)
		}
		return m, nil
	case "ctrl+n":
		if m.querying || m.state.Busy() {
			return m, nil
		}
		return m, m.clearCmd()
	}

	// The input is read-only while voice input owns it.
	if m.state.Busy() {
		return m, nil
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *tuiModel) refreshBars() {
	feed := m.ctrl.Visualizer()
	if feed == nil {
		m.bars = nil
		return
	}
	frame, ok := feed.Next()
	if !ok {
		m.bars = nil
		return
	}
	m.bars = append(m.bars[:0], frame...)
	if _, v := visualizer.Peak(frame); v > m.peak {
		m.peak = v
	}
}

func (m *tuiModel) addExchange(e exchange) {
	m.history = append(m.history, e)
	if len(m.history) > maxHistory {
		m.history = m.history[len(m.history)-maxHistory:]
	}
}

func (m tuiModel) toggleCmd() tea.Cmd {
	ctx, ctrl := m.ctx, m.ctrl
	return func() tea.Msg {
		if err := ctrl.Toggle(ctx); err != nil {
			return voiceErrMsg{err: err}
		}
		return nil
	}
}

func (m tuiModel) confirmCmd() tea.Cmd {
	ctrl := m.ctrl
	return func() tea.Msg {
		if err := ctrl.Confirm(); err != nil {
			return voiceErrMsg{err: err}
		}
		return nil
	}
}

func (m tuiModel) cancelCmd() tea.Cmd {
	ctrl := m.ctrl
	return func() tea.Msg {
		ctrl.Cancel()
		return nil
	}
}

func (m tuiModel) queryCmd(q string) tea.Cmd {
	ctx, client, sessionID := m.ctx, m.chat, m.sessions.SessionID()
	return func() tea.Msg {
		resp, err := client.Query(ctx, q, sessionID)
		return queryDoneMsg{question: q, resp: resp, err: err}
	}
}

func (m tuiModel) clearCmd() tea.Cmd {
	ctx, client, sessions := m.ctx, m.chat, m.sessions
	return func() tea.Msg {
		resp, err := client.ClearChat(ctx, sessions.SessionID())
		if err != nil {
			return clearDoneMsg{err: err}
		}
		if _, err := sessions.Reset(resp.NewSessionID); err != nil {
			return clearDoneMsg{resp: resp, err: err}
		}
		return clearDoneMsg{resp: resp}
	}
}

func copyCmd(text string) tea.Cmd {
	return func() tea.Msg {
		return copiedMsg{err: clipboard.Copy(text)}
	}
}

func (m tuiModel) View() string {
	if m.width == 0 || m.height == 0 {
		return "Loading..."
	}
	if m.alert != "" {
		box := alertStyle.Render(m.alert + "\n\n" + helpStyle.Render("press any key"))
		return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, box)
	}

	header := titleStyle.Render("talkbox") + dimStyle.Render("  "+m.deviceLine+"  "+m.backendLine)

	var footer []string
	switch {
	case m.state == voice.Recording:
		line := recStyle.Render(fmt.Sprintf("● REC %.1fs ", time.Since(m.recStart).Seconds())) +
			barStyle.Render(renderBars(m.bars, barColumns))
		footer = append(footer, line)
		if time.Since(m.recStart) > warnAfter && m.peak < quietPeak {
			footer = append(footer, errStyle.Render("  ⚠ no voice detected"))
		}
		footer = append(footer, helpStyle.Render("enter to transcribe, esc or ctrl+r to discard"))
	case m.state == voice.AcquiringDevice:
		footer = append(footer, dimStyle.Render("Opening microphone..."))
	case m.loading():
		label := "Thinking..."
		if !m.querying {
			label = "Transcribing..."
		}
		footer = append(footer, m.spinner.View()+" "+dimStyle.Render(label))
	}
	footer = append(footer, m.input.View())
	if m.status != "" {
		footer = append(footer, dimStyle.Render(m.status))
	}
	footer = append(footer, helpStyle.Render("ctrl+r mic · enter send · esc cancel · ctrl+y copy · ctrl+n new chat · ctrl+c quit"))

	avail := m.height - len(footer) - 2
	body := m.renderHistory(max(answerWidth, m.width-2))
	if len(body) > avail {
		body = body[len(body)-max(avail, 0):]
	}
	for len(body) < avail {
		body = append([]string{""}, body...)
	}

	lines := append([]string{header, ""}, body...)
	lines = append(lines, footer...)
	return strings.Join(lines, "\n")
}

func (m tuiModel) renderHistory(width int) []string {
	if len(m.history) == 0 {
		return []string{dimStyle.Render("No messages yet")}
	}
	var out []string
	for _, e := range m.history {
		for _, l := range wrapText("you: "+e.question, width) {
			out = append(out, youStyle.Render(l))
		}
		style := botStyle
		if e.failed {
			style = errStyle
		}
		for _, l := range wrapText(e.answer, width) {
			out = append(out, style.Render(l))
		}
		for _, link := range e.links {
			out = append(out, linkStyle.Render(fmt.Sprintf("  [%s] %s %s", link.Number, link.Title, link.URL)))
		}
		out = append(out, "")
	}
	return out
}

// renderBars draws one block character per column from the loudest bin
// in that column's slice of the frame.
func renderBars(frame []byte, columns int) string {
	if columns <= 0 {
		return ""
	}
	if len(frame) == 0 {
		return strings.Repeat(" ", columns)
	}
	per := max(1, len(frame)/columns)
	var b strings.Builder
	for c := 0; c < columns; c++ {
		lo := c * per
		if lo >= len(frame) {
			b.WriteRune(' ')
			continue
		}
		hi := min(lo+per, len(frame))
		var peak byte
		for _, v := range frame[lo:hi] {
			peak = max(peak, v)
		}
		b.WriteRune(barRunes[int(peak)*(len(barRunes)-1)/255])
	}
	return b.String()
}

func wrapText(text string, width int) []string {
	if len(text) == 0 {
		return []string{""}
	}
	if width <= 0 {
		width = 1
	}

	var lines []string
	for _, para := range strings.Split(text, "\n") {
		runes := []rune(para)
		for len(runes) > width {
			// Find last space within width
			splitAt := width
			for i := width; i > 0; i-- {
				if runes[i] == ' ' {
					splitAt = i
					break
				}
			}
			lines = append(lines, string(runes[:splitAt]))
			runes = []rune(strings.TrimLeft(string(runes[splitAt:]), " "))
		}
		lines = append(lines, string(runes))
	}
	return lines
}
