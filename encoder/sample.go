package encoder

import (
	"errors"
	"fmt"
)

var ErrUnsupportedFormat = errors.New("unsupported audio container")

// Sample is decoded audio: one slice of normalized [-1, 1] amplitudes per
// channel, all of equal length.
type Sample struct {
	Channels   int
	SampleRate int
	Data       [][]float32
}

// Frames returns the per-channel sample count.
func (s *Sample) Frames() int {
	if len(s.Data) == 0 {
		return 0
	}
	return len(s.Data[0])
}

func (s *Sample) Validate() error {
	if s.Channels <= 0 || s.Channels != len(s.Data) {
		return fmt.Errorf("sample has %d channels but %d channel buffers", s.Channels, len(s.Data))
	}
	if s.SampleRate <= 0 {
		return fmt.Errorf("invalid sample rate %d", s.SampleRate)
	}
	n := len(s.Data[0])
	for ch, d := range s.Data {
		if len(d) != n {
			return fmt.Errorf("channel %d has %d samples, want %d", ch, len(d), n)
		}
	}
	return nil
}
