package encoder

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/go-audio/wav"
	"github.com/mewkiz/flac"
)

// Decode turns a captured container into normalized float samples.
// Containers without a decoder report ErrUnsupportedFormat.
func Decode(data []byte, mimeType string) (*Sample, error) {
	if len(data) == 0 {
		return nil, errors.New("empty audio")
	}
	switch Extension(mimeType) {
	case "flac":
		return decodeFlac(data)
	case "wav":
		return decodeWAV(data)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, mimeType)
	}
}

func decodeFlac(data []byte) (*Sample, error) {
	stream, err := flac.New(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("flac decode: %w", err)
	}
	defer stream.Close()

	info := stream.Info
	if info.NChannels == 0 || info.BitsPerSample == 0 {
		return nil, fmt.Errorf("flac decode: invalid stream info")
	}
	scale := float32(int64(1) << (info.BitsPerSample - 1))
	s := &Sample{
		Channels:   int(info.NChannels),
		SampleRate: int(info.SampleRate),
		Data:       make([][]float32, info.NChannels),
	}

	for {
		f, err := stream.ParseNext()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("flac frame: %w", err)
		}
		if len(f.Subframes) != s.Channels {
			return nil, fmt.Errorf("flac frame has %d subframes, want %d", len(f.Subframes), s.Channels)
		}
		for ch, sub := range f.Subframes {
			for _, v := range sub.Samples[:sub.NSamples] {
				s.Data[ch] = append(s.Data[ch], float32(v)/scale)
			}
		}
	}
	return s, nil
}

func decodeWAV(data []byte) (*Sample, error) {
	d := wav.NewDecoder(bytes.NewReader(data))
	if !d.IsValidFile() {
		return nil, errors.New("wav decode: invalid file")
	}
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("wav decode: %w", err)
	}
	if buf.Format == nil || buf.Format.NumChannels <= 0 {
		return nil, errors.New("wav decode: missing format")
	}

	channels := buf.Format.NumChannels
	bitDepth := buf.SourceBitDepth
	if bitDepth <= 0 {
		bitDepth = int(d.BitDepth)
	}
	scale := float32(int64(1) << (bitDepth - 1))
	frames := len(buf.Data) / channels

	s := &Sample{
		Channels:   channels,
		SampleRate: buf.Format.SampleRate,
		Data:       make([][]float32, channels),
	}
	for ch := range s.Data {
		s.Data[ch] = make([]float32, frames)
	}
	for i := 0; i < frames; i++ {
		for ch := 0; ch < channels; ch++ {
			s.Data[ch][i] = float32(buf.Data[i*channels+ch]) / scale
		}
	}
	return s, nil
}
