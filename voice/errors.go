package voice

import "errors"

var (
	ErrPermissionDenied     = errors.New("microphone access denied")
	ErrCaptureFailure       = errors.New("capture failed")
	ErrEncodeFailure        = errors.New("encode failed")
	ErrTranscriptionFailure = errors.New("transcription failed")
	ErrEmptyTranscript      = errors.New("empty transcript")
	ErrSessionActive        = errors.New("a recording is already in progress")
	ErrNotRecording         = errors.New("not recording")
	ErrCancelled            = errors.New("recording cancelled")
	ErrClosed               = errors.New("voice controller closed")
)

// alertMessage is the user-facing text for a failed attempt.
func alertMessage(err error) string {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return "Microphone access denied. Please allow microphone access to use voice input."
	case errors.Is(err, ErrEmptyTranscript):
		return "No speech was recognized. Please try again."
	case errors.Is(err, ErrCaptureFailure):
		return "Recording failed. Please try again."
	default:
		return "Voice transcription failed. Please try again."
	}
}
