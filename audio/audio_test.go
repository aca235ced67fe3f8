package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"math/cmplx"
	"sync"
	"testing"

	"talkbox/encoder"
)

func pcm16(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func ramp(n int) []int16 {
	s := make([]int16, n)
	for i := range s {
		s[i] = int16((i%400)*50 - 10000)
	}
	return s
}

func acquireFake(t *testing.T, fc *FakeContext) *Stream {
	t.Helper()
	s, err := Acquire(context.Background(), fc, nil, CaptureConfig{SampleRate: encoder.SampleRate, Channels: 1})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	return s
}

func TestIsBluetooth(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"AirPods Pro", true},
		{"Sony WH-1000XM4", true},
		{"Headset (BT)", true},
		{"Headset [BT]", true},
		{"Headset BT)", true},
		{"HDMI Output", false},
		{"Built-in Microphone", false},
		{"USB Audio Device", false},
	}
	for _, tt := range tests {
		if got := IsBluetooth(tt.name); got != tt.want {
			t.Errorf("IsBluetooth(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestAcquireDenied(t *testing.T) {
	fc := NewManualFakeContext()
	fc.Deny(errors.New("NotAllowedError"))

	s, err := Acquire(context.Background(), fc, nil, CaptureConfig{SampleRate: 16000})
	if s != nil {
		t.Fatal("expected nil stream")
	}
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("err = %v, want ErrPermissionDenied", err)
	}
	caps := fc.Captures()
	if len(caps) != 1 || caps[0].Running() || !caps[0].Closed() {
		t.Fatal("denied capture should be closed and not running")
	}
}

func TestAcquireCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Acquire(ctx, NewManualFakeContext(), nil, CaptureConfig{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestStreamAttachDetachStop(t *testing.T) {
	fc := NewManualFakeContext()
	s := acquireFake(t, fc)

	var mu sync.Mutex
	got := 0
	detach := s.Attach(func(data []byte, frames uint32) {
		mu.Lock()
		got += int(frames)
		mu.Unlock()
	})

	fc.Push(pcm16(make([]int16, 100)))
	detach()
	fc.Push(pcm16(make([]int16, 100)))

	if got != 100 {
		t.Fatalf("got %d frames, want 100", got)
	}
	if !s.Active() {
		t.Fatal("stream should be active")
	}

	s.Stop()
	s.Stop()
	if s.Active() {
		t.Fatal("stream should be inactive after Stop")
	}
	c := fc.Captures()[0]
	if c.Running() || !c.Closed() {
		t.Fatal("device should be stopped and closed")
	}
}

func TestStreamOnError(t *testing.T) {
	fc := NewManualFakeContext()
	s := acquireFake(t, fc)
	defer s.Stop()

	var got error
	s.OnError(func(err error) { got = err })
	want := errors.New("unplugged")
	fc.Fail(want)
	if !errors.Is(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestFindDevice(t *testing.T) {
	fc := NewManualFakeContext()
	d, err := FindDevice(fc, "")
	if err != nil || d != nil {
		t.Fatalf("empty query = %v, %v; want nil, nil", d, err)
	}
	d, err = FindDevice(fc, "FAK")
	if err != nil || d == nil || d.ID != "fake" {
		t.Fatalf("substring query = %v, %v", d, err)
	}
	if _, err := FindDevice(fc, "nope"); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("err = %v, want ErrDeviceNotFound", err)
	}
}

func TestPickerKeys(t *testing.T) {
	if k := decodeKey([]byte{0x1b, '[', 'B'}); k != keyDown {
		t.Fatalf("down arrow = %v", k)
	}
	if k := decodeKey([]byte{'\r'}); k != keyEnter {
		t.Fatalf("enter = %v", k)
	}
	if c := moveCursor(0, 3, keyUp); c != 0 {
		t.Fatalf("up at top = %d", c)
	}
	if c := moveCursor(2, 3, keyDown); c != 2 {
		t.Fatalf("down at bottom = %d", c)
	}
	if c := moveCursor(1, 3, keyDown); c != 2 {
		t.Fatalf("down = %d", c)
	}
}

func TestRecorderChunksFormValidFile(t *testing.T) {
	fc := NewManualFakeContext()
	s := acquireFake(t, fc)
	defer s.Stop()

	rec, err := NewRecorder(s)
	if err != nil {
		t.Fatal(err)
	}
	if rec.MIMEType() != encoder.MIMEFLAC {
		t.Fatalf("MIMEType = %q", rec.MIMEType())
	}

	var chunks [][]byte
	if err := rec.Start(func(b []byte) { chunks = append(chunks, b) }, func(err error) { t.Errorf("onError: %v", err) }); err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 1 || string(chunks[0][:4]) != "fLaC" {
		t.Fatalf("expected header chunk first, got %d chunks", len(chunks))
	}

	samples := ramp(5000)
	fc.Push(pcm16(samples))
	if len(chunks) != 2 {
		t.Fatalf("after one full block got %d chunks, want 2", len(chunks))
	}

	if err := rec.Stop(); err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 3 {
		t.Fatalf("after Stop got %d chunks, want 3", len(chunks))
	}
	if err := rec.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	fc.Push(pcm16(samples))
	if len(chunks) != 3 {
		t.Fatal("recorder delivered chunks after Stop")
	}

	var blob []byte
	for _, c := range chunks {
		blob = append(blob, c...)
	}
	sample, err := encoder.Decode(blob, encoder.MIMEFLAC)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if sample.Frames() != 5000 {
		t.Fatalf("decoded %d frames, want 5000", sample.Frames())
	}
	if got := encoder.Quantize(sample.Data[0][1]); got != samples[1] {
		t.Fatalf("sample[1] = %d, want %d", got, samples[1])
	}
}

func TestRecorderPadsShortFinalBlock(t *testing.T) {
	fc := NewManualFakeContext()
	s := acquireFake(t, fc)
	defer s.Stop()

	rec, err := NewRecorder(s)
	if err != nil {
		t.Fatal(err)
	}
	var blob []byte
	rec.Start(func(b []byte) { blob = append(blob, b...) }, nil)
	fc.Push(pcm16(ramp(5)))
	if err := rec.Stop(); err != nil {
		t.Fatal(err)
	}
	sample, err := encoder.Decode(blob, encoder.MIMEFLAC)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if sample.Frames() != minFinalBlock {
		t.Fatalf("decoded %d frames, want %d", sample.Frames(), minFinalBlock)
	}
}

func TestRecorderStartTwice(t *testing.T) {
	s := acquireFake(t, NewManualFakeContext())
	defer s.Stop()
	rec, _ := NewRecorder(s)
	rec.Start(func([]byte) {}, nil)
	if err := rec.Start(func([]byte) {}, nil); !errors.Is(err, ErrRecorderStarted) {
		t.Fatalf("err = %v, want ErrRecorderStarted", err)
	}
	rec.Stop()
	if err := rec.Start(func([]byte) {}, nil); !errors.Is(err, ErrRecorderStopped) {
		t.Fatalf("err = %v, want ErrRecorderStopped", err)
	}
}

func TestRecorderForwardsDeviceFailure(t *testing.T) {
	fc := NewManualFakeContext()
	s := acquireFake(t, fc)
	defer s.Stop()
	rec, _ := NewRecorder(s)

	var got error
	rec.Start(func([]byte) {}, func(err error) { got = err })
	fc.Fail(errors.New("gone"))
	if got == nil {
		t.Fatal("expected onError")
	}
	rec.Stop()
}

func TestFFTMatchesDFT(t *testing.T) {
	const n = minFFTSize
	a, err := NewAnalyser(n, 1)
	if err != nil {
		t.Fatal(err)
	}
	x := make([]float64, n)
	for i := range x {
		x[i] = math.Sin(float64(i)*0.7) + 0.25*float64(i%3)
	}
	want := make([]complex128, n/2+1)
	for k := range want {
		for j := 0; j < n; j++ {
			want[k] += complex(x[j], 0) * cmplx.Exp(complex(0, -2*math.Pi*float64(k*j)/n))
		}
	}
	got := a.fft.Coefficients(nil, x)
	if len(got) != len(want) {
		t.Fatalf("got %d coefficients, want %d", len(got), len(want))
	}
	for k := range want {
		if cmplx.Abs(got[k]-want[k]) > 1e-9 {
			t.Fatalf("bin %d = %v, want %v", k, got[k], want[k])
		}
	}

	if math.Abs(a.window[0]) > 1e-9 || math.Abs(a.window[n-1]) > 1e-9 {
		t.Errorf("window edges = %v, %v, want 0", a.window[0], a.window[n-1])
	}
	if mid := a.window[n/2]; mid < 0.99 {
		t.Errorf("window centre = %v", mid)
	}
}

func TestNewAnalyserRejectsBadSize(t *testing.T) {
	for _, n := range []int{0, 16, 100, 65536} {
		if _, err := NewAnalyser(n, 1); err == nil {
			t.Errorf("NewAnalyser(%d) accepted", n)
		}
	}
	a, err := NewAnalyser(DefaultFFTSize, 1)
	if err != nil {
		t.Fatal(err)
	}
	if a.FrequencyBinCount() != 128 {
		t.Fatalf("FrequencyBinCount = %d", a.FrequencyBinCount())
	}
}

func TestAnalyserSilenceIsZero(t *testing.T) {
	a, _ := NewAnalyser(DefaultFFTSize, 1)
	a.Write(pcm16(make([]int16, 512)))
	dst := make([]byte, a.FrequencyBinCount())
	a.ByteFrequencyData(dst)
	for i, v := range dst {
		if v != 0 {
			t.Fatalf("bin %d = %d, want 0", i, v)
		}
	}
}

func TestAnalyserPeaksAtToneBin(t *testing.T) {
	const bin = 16
	a, _ := NewAnalyser(DefaultFFTSize, 1)
	samples := make([]int16, DefaultFFTSize)
	for i := range samples {
		samples[i] = int16(16000 * math.Sin(2*math.Pi*bin*float64(i)/DefaultFFTSize))
	}
	a.Write(pcm16(samples))

	dst := make([]byte, a.FrequencyBinCount())
	a.ByteFrequencyData(dst)
	peak := 0
	for i := range dst {
		if dst[i] > dst[peak] {
			peak = i
		}
	}
	if peak != bin {
		t.Fatalf("peak at bin %d, want %d", peak, bin)
	}
	if dst[bin] <= dst[64] {
		t.Fatalf("tone bin %d not above far bin %d", dst[bin], dst[64])
	}

	a.Close()
	a.Close()
	a.ByteFrequencyData(dst)
	for i, v := range dst {
		if v != 0 {
			t.Fatalf("after Close bin %d = %d", i, v)
		}
	}
}

func TestAnalyserConnectAndDetach(t *testing.T) {
	fc := NewManualFakeContext()
	s := acquireFake(t, fc)
	defer s.Stop()

	a, _ := NewAnalyser(DefaultFFTSize, 1)
	a.Connect(s)
	samples := make([]int16, DefaultFFTSize)
	for i := range samples {
		samples[i] = int16(16000 * math.Sin(2*math.Pi*8*float64(i)/DefaultFFTSize))
	}
	fc.Push(pcm16(samples))

	dst := make([]byte, a.FrequencyBinCount())
	a.ByteFrequencyData(dst)
	if dst[8] == 0 {
		t.Fatal("expected energy at bin 8")
	}
	a.Close()
	if !a.Closed() {
		t.Fatal("Closed = false")
	}
}
