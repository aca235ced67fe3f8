package audio

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/cmplx"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
)

const (
	DefaultFFTSize     = 256
	DefaultSmoothing   = 0.8
	DefaultMinDecibels = -100.0
	DefaultMaxDecibels = -30.0

	minFFTSize = 32
	maxFFTSize = 32768
)

// Analyser produces byte-scaled frequency magnitudes from the most recent
// fftSize samples of a stream. Magnitudes are smoothed over time and mapped
// linearly from [MinDecibels, MaxDecibels] onto 0..255.
type Analyser struct {
	Smoothing   float64
	MinDecibels float64
	MaxDecibels float64

	fftSize  int
	channels int
	window   []float64
	fft      *fourier.FFT

	mu       sync.Mutex
	ring     []float64
	pos      int
	smoothed []float64
	frame    []float64
	coeffs   []complex128
	detach   func()
	closed   bool
}

func NewAnalyser(fftSize, channels int) (*Analyser, error) {
	if !isPowerOfTwo(fftSize) || fftSize < minFFTSize || fftSize > maxFFTSize {
		return nil, fmt.Errorf("fft size %d must be a power of two in [%d, %d]", fftSize, minFFTSize, maxFFTSize)
	}
	if channels < 1 {
		channels = 1
	}
	return &Analyser{
		Smoothing:   DefaultSmoothing,
		MinDecibels: DefaultMinDecibels,
		MaxDecibels: DefaultMaxDecibels,
		fftSize:     fftSize,
		channels:    channels,
		window:      blackmanWindow(fftSize),
		fft:         fourier.NewFFT(fftSize),
		ring:        make([]float64, fftSize),
		smoothed:    make([]float64, fftSize/2),
		frame:       make([]float64, fftSize),
		coeffs:      make([]complex128, fftSize/2+1),
	}, nil
}

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

func blackmanWindow(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 1
	}
	return window.Blackman(w)
}

// Connect feeds the analyser from s until Close.
func (a *Analyser) Connect(s *Stream) {
	detach := s.Attach(func(data []byte, _ uint32) { a.Write(data) })
	a.mu.Lock()
	a.detach = detach
	a.mu.Unlock()
}

func (a *Analyser) FFTSize() int { return a.fftSize }

func (a *Analyser) FrequencyBinCount() int { return a.fftSize / 2 }

// Write appends interleaved s16le PCM, downmixed to mono.
func (a *Analyser) Write(pcm []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	frame := 2 * a.channels
	for off := 0; off+frame <= len(pcm); off += frame {
		var sum float64
		for c := 0; c < a.channels; c++ {
			sum += float64(int16(binary.LittleEndian.Uint16(pcm[off+2*c:]))) / 32768
		}
		a.ring[a.pos] = sum / float64(a.channels)
		a.pos = (a.pos + 1) % a.fftSize
	}
}

// ByteFrequencyData fills dst with up to FrequencyBinCount magnitudes. After
// Close it fills dst with zeros.
func (a *Analyser) ByteFrequencyData(dst []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		clear(dst)
		return
	}

	for i := 0; i < a.fftSize; i++ {
		s := a.ring[(a.pos+i)%a.fftSize]
		a.frame[i] = s * a.window[i]
	}
	a.coeffs = a.fft.Coefficients(a.coeffs, a.frame)

	tau := a.Smoothing
	span := a.MaxDecibels - a.MinDecibels
	n := min(len(dst), len(a.smoothed))
	for k := range a.smoothed {
		mag := cmplx.Abs(a.coeffs[k]) / float64(a.fftSize)
		a.smoothed[k] = tau*a.smoothed[k] + (1-tau)*mag
		if k >= n {
			continue
		}
		db := math.Inf(-1)
		if a.smoothed[k] > 0 {
			db = 20 * math.Log10(a.smoothed[k])
		}
		v := 255 * (db - a.MinDecibels) / span
		switch {
		case math.IsNaN(v) || v < 0:
			dst[k] = 0
		case v > 255:
			dst[k] = 255
		default:
			dst[k] = byte(v)
		}
	}
}

// Close disconnects the analyser from its stream. Safe to call more than once.
func (a *Analyser) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.closed = true
	if a.detach != nil {
		a.detach()
		a.detach = nil
	}
}

func (a *Analyser) Closed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}
