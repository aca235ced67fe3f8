package encoder

import (
	"fmt"
	"io"
	"math"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/orcaman/writerseeker"
)

const wavPCMFormat = 1

// Quantize maps a float sample to 16-bit signed PCM. The sample is clamped to
// [-1, 1] first; positive values scale by 32767 and negative ones by 32768.
func Quantize(s float32) int16 {
	v := float64(s)
	switch {
	case math.IsNaN(v):
		return 0
	case v > 1:
		v = 1
	case v < -1:
		v = -1
	}
	if v < 0 {
		return int16(math.Round(v * 32768))
	}
	return int16(math.Round(v * 32767))
}

// EncodeWAV renders s as a canonical 44-byte-header RIFF/WAVE stream of
// channel-interleaved 16-bit little-endian PCM.
func EncodeWAV(s *Sample) ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	n := s.Frames()
	data := make([]int, n*s.Channels)
	for i := 0; i < n; i++ {
		for ch := 0; ch < s.Channels; ch++ {
			data[i*s.Channels+ch] = int(Quantize(s.Data[ch][i]))
		}
	}

	out := &writerseeker.WriterSeeker{}
	enc := wav.NewEncoder(out, s.SampleRate, BitsPerSample, s.Channels, wavPCMFormat)
	buf := &audio.IntBuffer{
		Format: &audio.Format{
			NumChannels: s.Channels,
			SampleRate:  s.SampleRate,
		},
		Data:           data,
		SourceBitDepth: BitsPerSample,
	}
	if err := enc.Write(buf); err != nil {
		enc.Close()
		return nil, fmt.Errorf("wav write: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("wav close: %w", err)
	}

	wavData, err := io.ReadAll(out.Reader())
	if err != nil {
		return nil, fmt.Errorf("reading wav into memory: %w", err)
	}
	return wavData, nil
}

// ToWAV decodes a captured blob and re-encodes it as WAV.
func ToWAV(blob []byte, mimeType string) ([]byte, error) {
	s, err := Decode(blob, mimeType)
	if err != nil {
		return nil, err
	}
	return EncodeWAV(s)
}
