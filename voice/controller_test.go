package voice

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"slices"
	"sync"
	"testing"
	"time"

	"talkbox/audio"
	"talkbox/encoder"
	"talkbox/transcriber"
)

type recordingSink struct {
	mu     sync.Mutex
	states []State
	inputs []string
	alerts []string
}

func (s *recordingSink) StateChanged(st State) {
	s.mu.Lock()
	s.states = append(s.states, st)
	s.mu.Unlock()
}

func (s *recordingSink) SetInput(text string) {
	s.mu.Lock()
	s.inputs = append(s.inputs, text)
	s.mu.Unlock()
}

func (s *recordingSink) Alert(msg string) {
	s.mu.Lock()
	s.alerts = append(s.alerts, msg)
	s.mu.Unlock()
}

func (s *recordingSink) snapshot() (states []State, inputs, alerts []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.states), slices.Clone(s.inputs), slices.Clone(s.alerts)
}

func (s *recordingSink) lastInput() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.inputs) == 0 {
		return ""
	}
	return s.inputs[len(s.inputs)-1]
}

type fixedSession string

func (f fixedSession) SessionID() string { return string(f) }

type harness struct {
	mic  *audio.FakeContext
	tr   *transcriber.FakeTranscriber
	sink *recordingSink
	c    *Controller
}

func newHarness(t *testing.T, tr *transcriber.FakeTranscriber, cfg Config) *harness {
	t.Helper()
	h := &harness{
		mic:  audio.NewManualFakeContext(),
		tr:   tr,
		sink: &recordingSink{},
	}
	h.c = New(h.mic, tr, fixedSession("sess-1"), h.sink, cfg)
	t.Cleanup(func() {
		h.c.Teardown()
		h.c.Wait()
	})
	return h
}

func speech(n int) []byte {
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := int16(12000 * math.Sin(2*math.Pi*440*float64(i)/encoder.SampleRate))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

func assertReleased(t *testing.T, mic *audio.FakeContext) {
	t.Helper()
	caps := mic.Captures()
	if len(caps) == 0 {
		t.Fatal("no capture was opened")
	}
	for i, c := range caps {
		if c.Running() || !c.Closed() {
			t.Errorf("capture %d still held (running=%v closed=%v)", i, c.Running(), c.Closed())
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestConfirmPopulatesTranscript(t *testing.T) {
	h := newHarness(t, transcriber.NewFake("hello there", nil), Config{})

	if err := h.c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if h.c.State() != Recording {
		t.Fatalf("State = %v, want recording", h.c.State())
	}
	h.mic.Push(speech(5000))

	if err := h.c.Confirm(); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	assertReleased(t, h.mic)
	if h.c.Visualizer() != nil {
		t.Error("visualizer should be gone after confirm")
	}
	h.c.Wait()

	if got := h.sink.lastInput(); got != "hello there" {
		t.Errorf("input = %q, want transcript", got)
	}
	if h.c.IsVoiceLoading() {
		t.Error("IsVoiceLoading should be false after the result arrived")
	}
	if h.c.State() != Idle {
		t.Errorf("State = %v, want idle", h.c.State())
	}

	calls := h.tr.Calls()
	if len(calls) != 1 {
		t.Fatalf("got %d uploads, want 1", len(calls))
	}
	req := calls[0]
	if req.MIMEType != encoder.MIMEWAV || req.Filename() != "recording.wav" {
		t.Errorf("upload type = %q (%s)", req.MIMEType, req.Filename())
	}
	if req.SessionID != "sess-1" {
		t.Errorf("session_id = %q", req.SessionID)
	}
	if len(req.Audio) != 44+5000*2 {
		t.Errorf("wav size = %d, want %d", len(req.Audio), 44+5000*2)
	}

	states, _, alerts := h.sink.snapshot()
	want := []State{AcquiringDevice, Recording, Stopping, Encoding, Transcribing, Idle}
	if !slices.Equal(states, want) {
		t.Errorf("states = %v, want %v", states, want)
	}
	if len(alerts) != 0 {
		t.Errorf("unexpected alerts %v", alerts)
	}
}

func TestAnswerFallback(t *testing.T) {
	h := newHarness(t, transcriber.NewFakeAnswer("from answer"), Config{})
	h.c.Start(context.Background())
	h.mic.Push(speech(1000))
	h.c.Confirm()
	h.c.Wait()
	if got := h.sink.lastInput(); got != "from answer" {
		t.Errorf("input = %q", got)
	}
}

func TestCancelMakesNoUpload(t *testing.T) {
	h := newHarness(t, transcriber.NewFake("never", nil), Config{})

	if err := h.c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.mic.Push(speech(5000))
	if err := h.c.Cancel(); err != nil {
		t.Fatal(err)
	}
	h.c.Wait()

	assertReleased(t, h.mic)
	if n := len(h.tr.Calls()); n != 0 {
		t.Errorf("got %d uploads after cancel, want 0", n)
	}
	if got := h.sink.lastInput(); got != "" {
		t.Errorf("input = %q, want empty", got)
	}
	states, _, _ := h.sink.snapshot()
	if !slices.Contains(states, Cancelled) || states[len(states)-1] != Idle {
		t.Errorf("states = %v", states)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	h := newHarness(t, transcriber.NewFake("x", nil), Config{})

	if err := h.c.Cancel(); err != nil {
		t.Fatalf("Cancel on idle: %v", err)
	}
	if err := h.c.Cancel(); err != nil {
		t.Fatalf("second Cancel on idle: %v", err)
	}
	if states, _, _ := h.sink.snapshot(); len(states) != 0 {
		t.Errorf("idle cancel emitted %v", states)
	}

	h.c.Start(context.Background())
	h.c.Cancel()
	h.c.Cancel()
	states, _, _ := h.sink.snapshot()
	n := 0
	for _, s := range states {
		if s == Cancelled {
			n++
		}
	}
	if n != 1 {
		t.Errorf("cancelled reported %d times, want 1", n)
	}
	assertReleased(t, h.mic)
}

func TestCancelDuringTranscriptionDropsResult(t *testing.T) {
	tr := transcriber.NewFake("late result", nil)
	release := tr.Hold()
	h := newHarness(t, tr, Config{})

	h.c.Start(context.Background())
	h.mic.Push(speech(2000))
	if err := h.c.Confirm(); err != nil {
		t.Fatal(err)
	}
	<-tr.Entered()
	if !h.c.IsVoiceLoading() || h.c.State() != Transcribing {
		t.Fatalf("loading=%v state=%v", h.c.IsVoiceLoading(), h.c.State())
	}

	h.c.Cancel()
	if h.c.IsVoiceLoading() {
		t.Error("IsVoiceLoading should drop with cancel")
	}
	release()
	h.c.Wait()

	_, inputs, alerts := h.sink.snapshot()
	if slices.Contains(inputs, "late result") {
		t.Errorf("stale transcript reached the input: %v", inputs)
	}
	if len(alerts) != 0 {
		t.Errorf("unexpected alerts %v", alerts)
	}
	if h.c.State() != Idle {
		t.Errorf("State = %v", h.c.State())
	}
}

func TestNewRecordingWhileStaleUploadInFlight(t *testing.T) {
	tr := transcriber.NewFake("first", nil)
	release := tr.Hold()
	h := newHarness(t, tr, Config{})

	h.c.Start(context.Background())
	h.mic.Push(speech(1000))
	h.c.Confirm()
	<-tr.Entered()
	h.c.Cancel()

	if err := h.c.Start(context.Background()); err != nil {
		t.Fatalf("Start after cancel: %v", err)
	}
	release()
	h.c.Wait()

	if h.c.State() != Recording {
		t.Errorf("stale result disturbed the new recording: state %v", h.c.State())
	}
	if h.c.Visualizer() == nil {
		t.Error("new recording lost its visualizer")
	}
	h.c.Cancel()
}

func TestDecodeFailureUploadsOriginalBytes(t *testing.T) {
	blob := []byte{0x1a, 0x45, 0xdf, 0xa3, 0x01, 0x02}
	cfg := Config{NewCapturer: func(*audio.Stream) (Capturer, error) {
		return &stubCapturer{mime: encoder.MIMEWebM, data: blob}, nil
	}}
	h := newHarness(t, transcriber.NewFake("webm ok", nil), cfg)

	h.c.Start(context.Background())
	h.c.Confirm()
	h.c.Wait()

	calls := h.tr.Calls()
	if len(calls) != 1 {
		t.Fatalf("got %d uploads, want 1", len(calls))
	}
	if string(calls[0].Audio) != string(blob) {
		t.Errorf("uploaded %x, want original %x", calls[0].Audio, blob)
	}
	if calls[0].Filename() != "recording.webm" {
		t.Errorf("filename = %q", calls[0].Filename())
	}
	if got := h.sink.lastInput(); got != "webm ok" {
		t.Errorf("input = %q", got)
	}
	_, _, alerts := h.sink.snapshot()
	if len(alerts) != 0 {
		t.Errorf("encode fallback must be silent, got %v", alerts)
	}
}

func TestPermissionDenied(t *testing.T) {
	h := newHarness(t, transcriber.NewFake("x", nil), Config{})
	h.mic.Deny(errors.New("NotAllowedError"))

	err := h.c.Start(context.Background())
	if !errors.Is(err, ErrPermissionDenied) || !errors.Is(err, audio.ErrPermissionDenied) {
		t.Fatalf("err = %v", err)
	}
	if h.c.State() != Idle {
		t.Errorf("State = %v, want idle", h.c.State())
	}
	states, _, alerts := h.sink.snapshot()
	if !slices.Equal(states, []State{AcquiringDevice, Idle}) {
		t.Errorf("states = %v", states)
	}
	if len(alerts) != 1 {
		t.Fatalf("alerts = %v", alerts)
	}
	assertReleased(t, h.mic)

	h.mic.Deny(nil)
	if err := h.c.Start(context.Background()); err != nil {
		t.Fatalf("retry after grant: %v", err)
	}
}

func TestStartWhileActive(t *testing.T) {
	tr := transcriber.NewFake("x", nil)
	h := newHarness(t, tr, Config{})

	h.c.Start(context.Background())
	if err := h.c.Start(context.Background()); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("second Start = %v", err)
	}
	if n := len(h.mic.Captures()); n != 1 {
		t.Errorf("opened %d captures, want 1", n)
	}

	release := tr.Hold()
	h.c.Confirm()
	<-tr.Entered()
	if err := h.c.Start(context.Background()); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("Start while transcribing = %v", err)
	}
	if err := h.c.Toggle(context.Background()); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("Toggle while transcribing = %v", err)
	}
	release()
	h.c.Wait()
}

func TestConfirmWhenIdle(t *testing.T) {
	h := newHarness(t, transcriber.NewFake("x", nil), Config{})
	if err := h.c.Confirm(); !errors.Is(err, ErrNotRecording) {
		t.Fatalf("err = %v", err)
	}
}

func TestTranscriptionFailure(t *testing.T) {
	tests := []struct {
		name string
		tr   *transcriber.FakeTranscriber
	}{
		{"backend error", transcriber.NewFake("", errors.New("503"))},
		{"empty result", transcriber.NewFake("   ", nil)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.tr, Config{})
			h.c.Start(context.Background())
			h.mic.Push(speech(1000))
			h.c.Confirm()
			h.c.Wait()

			states, inputs, alerts := h.sink.snapshot()
			if len(alerts) != 1 {
				t.Errorf("alerts = %v, want one", alerts)
			}
			if inputs[len(inputs)-1] != "" {
				t.Errorf("input = %q, want empty", inputs[len(inputs)-1])
			}
			if !slices.Contains(states, Failed) || states[len(states)-1] != Idle {
				t.Errorf("states = %v", states)
			}
			if h.c.IsVoiceLoading() || h.c.State() != Idle {
				t.Errorf("loading=%v state=%v", h.c.IsVoiceLoading(), h.c.State())
			}
			assertReleased(t, h.mic)
		})
	}
}

func TestCaptureFailureDiscardsRecording(t *testing.T) {
	h := newHarness(t, transcriber.NewFake("x", nil), Config{})
	h.c.Start(context.Background())
	h.mic.Push(speech(1000))

	h.mic.Fail(errors.New("device unplugged"))
	waitFor(t, "idle after capture failure", func() bool { return h.c.State() == Idle })

	assertReleased(t, h.mic)
	if n := len(h.tr.Calls()); n != 0 {
		t.Errorf("got %d uploads, want 0", n)
	}
	_, _, alerts := h.sink.snapshot()
	if len(alerts) != 0 {
		t.Errorf("capture failure is a silent cancel, got %v", alerts)
	}
}

func TestVisualizerEndsWithRecording(t *testing.T) {
	h := newHarness(t, transcriber.NewFake("x", nil), Config{})
	h.c.Start(context.Background())

	feed := h.c.Visualizer()
	if feed == nil {
		t.Fatal("no visualizer while recording")
	}
	h.mic.Push(speech(512))
	frame, ok := feed.Next()
	if !ok || len(frame) != 128 {
		t.Fatalf("Next = %d bins, %v", len(frame), ok)
	}

	h.c.Cancel()
	if _, ok := feed.Next(); ok {
		t.Error("feed produced a frame after cancel")
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	c := New(audio.NewManualFakeContext(), transcriber.NewFake("x", nil), fixedSession("s"), nil, Config{})
	t.Cleanup(func() {
		c.Teardown()
		c.Wait()
	})

	if c.cfg.FFTSize != audio.DefaultFFTSize {
		t.Errorf("FFTSize = %d", c.cfg.FFTSize)
	}
	if c.cfg.Capture.SampleRate != encoder.SampleRate || c.cfg.Capture.Channels != encoder.Channels {
		t.Errorf("capture = %+v", c.cfg.Capture)
	}
	if c.cfg.NewCapturer == nil {
		t.Error("no capturer factory")
	}
	if _, ok := c.sink.(NopSink); !ok {
		t.Errorf("sink = %T, want NopSink", c.sink)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start with nil sink: %v", err)
	}
	if c.State() != Recording {
		t.Errorf("state = %s", c.State())
	}
}

func TestToggle(t *testing.T) {
	h := newHarness(t, transcriber.NewFake("x", nil), Config{})
	if err := h.c.Toggle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if h.c.State() != Recording {
		t.Fatalf("State = %v", h.c.State())
	}
	if err := h.c.Toggle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if h.c.State() != Idle {
		t.Fatalf("State = %v", h.c.State())
	}
	if len(h.tr.Calls()) != 0 {
		t.Error("toggle off must not upload")
	}
	assertReleased(t, h.mic)
}

func TestTeardownRunsOnce(t *testing.T) {
	h := newHarness(t, transcriber.NewFake("x", nil), Config{})
	h.c.Start(context.Background())

	h.c.Teardown()
	h.c.Teardown()
	assertReleased(t, h.mic)

	states, _, _ := h.sink.snapshot()
	n := 0
	for _, s := range states {
		if s == Cancelled {
			n++
		}
	}
	if n != 1 {
		t.Errorf("teardown released %d times, want 1", n)
	}
	if err := h.c.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Start after teardown = %v", err)
	}
}

func TestTeardownDuringTranscription(t *testing.T) {
	tr := transcriber.NewFake("late", nil)
	tr.Hold()
	h := newHarness(t, tr, Config{})

	h.c.Start(context.Background())
	h.mic.Push(speech(1000))
	h.c.Confirm()
	<-tr.Entered()

	h.c.Teardown()
	h.c.Wait()

	_, inputs, alerts := h.sink.snapshot()
	if slices.Contains(inputs, "late") || len(alerts) != 0 {
		t.Errorf("inputs=%v alerts=%v", inputs, alerts)
	}
}

func TestStateString(t *testing.T) {
	if Transcribing.String() != "transcribing" || State(42).String() != "unknown" {
		t.Error("unexpected state names")
	}
	if !Recording.Busy() || Idle.Busy() || Cancelled.Busy() {
		t.Error("unexpected Busy")
	}
}

type stubCapturer struct {
	mime string
	data []byte
}

func (s *stubCapturer) Start(onChunk func([]byte), _ func(error)) error {
	onChunk(s.data)
	return nil
}

func (s *stubCapturer) Stop() error      { return nil }
func (s *stubCapturer) MIMEType() string { return s.mime }
