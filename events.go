package main

import (
	"sync"
	"sync/atomic"

	tea "github.com/charmbracelet/bubbletea"

	"talkbox/beep"
	"talkbox/voice"
)

// Messages the voice controller sends to the TUI.
type VoiceStateMsg struct{ State voice.State }
type VoiceInputMsg struct{ Text string }
type VoiceAlertMsg struct{ Text string }

var (
	tuiProgram *tea.Program
	tuiMu      sync.Mutex
)

func tuiSend(msg tea.Msg) {
	tuiMu.Lock()
	p := tuiProgram
	tuiMu.Unlock()
	if p != nil {
		p.Send(msg)
	}
}

// tuiSink forwards controller effects to the running program and plays the
// matching cue.
type tuiSink struct {
	transcriptions atomic.Int64
}

func (s *tuiSink) StateChanged(st voice.State) {
	switch st {
	case voice.Recording:
		go beep.PlayStart()
	case voice.Stopping:
		go beep.PlayEnd()
	case voice.Failed:
		go beep.PlayError()
	}
	tuiSend(VoiceStateMsg{State: st})
}

func (s *tuiSink) SetInput(text string) {
	if text != "" {
		s.transcriptions.Add(1)
	}
	tuiSend(VoiceInputMsg{Text: text})
}

func (s *tuiSink) Alert(msg string) {
	tuiSend(VoiceAlertMsg{Text: msg})
}

func (s *tuiSink) Transcriptions() int {
	return int(s.transcriptions.Load())
}
