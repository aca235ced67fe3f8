package voice

import "talkbox/audio"

// Sink receives the controller's effects on the widget. Methods are never
// called with controller locks held.
type Sink interface {
	StateChanged(s State)
	SetInput(text string)
	Alert(msg string)
}

// Capturer produces compressed chunks from a live stream. Stop delivers any
// remaining chunk before returning.
type Capturer interface {
	Start(onChunk func([]byte), onError func(error)) error
	Stop() error
	MIMEType() string
}

type CapturerFactory func(s *audio.Stream) (Capturer, error)

// SessionSource supplies the conversation token sent with each upload.
type SessionSource interface {
	SessionID() string
}

// NopSink discards every effect.
type NopSink struct{}

func (NopSink) StateChanged(State) {}
func (NopSink) SetInput(string)    {}
func (NopSink) Alert(string)       {}

func defaultCapturer(s *audio.Stream) (Capturer, error) {
	return audio.NewRecorder(s)
}
