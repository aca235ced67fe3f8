// Package voice runs the microphone recording lifecycle: acquire, capture,
// confirm or cancel, encode, transcribe. Every attempt ends with the device
// released, whatever the outcome.
package voice

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"talkbox/audio"
	"talkbox/encoder"
	"talkbox/log"
	"talkbox/transcriber"
	"talkbox/visualizer"
)

// Config tunes a Controller. Zero fields take the defaults: the system
// default device, 16 kHz mono capture and a DefaultFFTSize analyser.
type Config struct {
	Device      *audio.DeviceInfo
	Capture     audio.CaptureConfig
	FFTSize     int
	NewCapturer CapturerFactory
}

// Controller owns at most one recording attempt at a time.
type Controller struct {
	audio    audio.Context
	tr       transcriber.Transcriber
	sessions SessionSource
	sink     Sink
	cfg      Config

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	state        State
	current      *recording
	voiceLoading bool
	closed       bool
	attempts     uint64

	teardown sync.Once
	wg       sync.WaitGroup
}

// recording holds one attempt's resources. Fields other than chunks and live
// are guarded by Controller.mu.
type recording struct {
	id        uint64
	started   time.Time
	stream    *audio.Stream
	analyser  *audio.Analyser
	capturer  Capturer
	feed      *visualizer.Feed
	cancelled bool
	live      atomic.Bool

	chunkMu  sync.Mutex
	chunks   [][]byte
	mimeType string
}

func (r *recording) appendChunk(b []byte) {
	r.chunkMu.Lock()
	r.chunks = append(r.chunks, b)
	r.chunkMu.Unlock()
}

// take concatenates and clears the captured chunks.
func (r *recording) take() []byte {
	r.chunkMu.Lock()
	defer r.chunkMu.Unlock()
	blob := bytes.Join(r.chunks, nil)
	r.chunks = nil
	return blob
}

func (r *recording) discard() {
	r.chunkMu.Lock()
	r.chunks = nil
	r.chunkMu.Unlock()
}

// New returns an idle controller that captures from ctx and uploads through tr.
func New(ctx audio.Context, tr transcriber.Transcriber, sessions SessionSource, sink Sink, cfg Config) *Controller {
	if cfg.FFTSize == 0 {
		cfg.FFTSize = audio.DefaultFFTSize
	}
	if cfg.Capture.SampleRate == 0 {
		cfg.Capture.SampleRate = encoder.SampleRate
	}
	if cfg.Capture.Channels == 0 {
		cfg.Capture.Channels = encoder.Channels
	}
	if cfg.NewCapturer == nil {
		cfg.NewCapturer = defaultCapturer
	}
	if sink == nil {
		sink = NopSink{}
	}
	base, cancel := context.WithCancel(context.Background())
	return &Controller{
		audio:    ctx,
		tr:       tr,
		sessions: sessions,
		sink:     sink,
		cfg:      cfg,
		ctx:      base,
		cancel:   cancel,
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsVoiceLoading reports whether a confirmed recording is still being
// encoded or transcribed.
func (c *Controller) IsVoiceLoading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.voiceLoading
}

// Visualizer returns the frame feed of the recording in progress, or nil.
func (c *Controller) Visualizer() *visualizer.Feed {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil || c.state != Recording {
		return nil
	}
	return c.current.feed
}

// Wait blocks until every dispatched encode/transcribe continuation has
// returned.
func (c *Controller) Wait() {
	c.wg.Wait()
}

func (c *Controller) setState(rec *recording, s State) {
	c.state = s
	log.VoiceState(rec.id, s.String())
}

// Toggle is the microphone control: it starts a recording when idle and
// discards the one in progress when recording.
func (c *Controller) Toggle(ctx context.Context) error {
	switch c.State() {
	case Idle:
		return c.Start(ctx)
	case Recording:
		return c.Cancel()
	default:
		return ErrSessionActive
	}
}

// Start acquires the microphone and begins capturing. On acquisition
// failure the user is alerted and the controller is back in Idle when Start
// returns.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.current != nil {
		c.mu.Unlock()
		return ErrSessionActive
	}
	c.attempts++
	rec := &recording{id: c.attempts, started: time.Now()}
	c.current = rec
	c.setState(rec, AcquiringDevice)
	c.mu.Unlock()
	c.sink.StateChanged(AcquiringDevice)

	stream, err := audio.Acquire(ctx, c.audio, c.cfg.Device, c.cfg.Capture)
	if err != nil {
		return c.abortStart(rec, nil, nil, fmt.Errorf("%w: %w", ErrPermissionDenied, err))
	}
	analyser, err := audio.NewAnalyser(c.cfg.FFTSize, int(c.cfg.Capture.Channels))
	if err != nil {
		return c.abortStart(rec, stream, nil, fmt.Errorf("%w: analyser: %w", ErrCaptureFailure, err))
	}
	analyser.Connect(stream)
	capturer, err := c.cfg.NewCapturer(stream)
	if err != nil {
		return c.abortStart(rec, stream, analyser, fmt.Errorf("%w: %w", ErrCaptureFailure, err))
	}

	c.mu.Lock()
	if rec.cancelled {
		c.mu.Unlock()
		analyser.Close()
		stream.Stop()
		log.VoiceDropped(rec.id, AcquiringDevice.String())
		if c.isClosed() {
			return ErrClosed
		}
		return ErrCancelled
	}
	rec.stream = stream
	rec.analyser = analyser
	rec.capturer = capturer
	rec.mimeType = capturer.MIMEType()
	rec.feed = visualizer.New(analyser, rec.live.Load)
	rec.live.Store(true)

	onError := func(err error) {
		go c.captureFailed(rec, err)
	}
	if err := capturer.Start(rec.appendChunk, onError); err != nil {
		c.releaseLocked(rec)
		rec.discard()
		c.current = nil
		c.setState(rec, Idle)
		c.mu.Unlock()
		err = fmt.Errorf("%w: %w", ErrCaptureFailure, err)
		log.Errorf("capture start: %v", err)
		c.sink.StateChanged(Idle)
		c.sink.Alert(alertMessage(err))
		return err
	}
	c.setState(rec, Recording)
	c.mu.Unlock()
	c.sink.StateChanged(Recording)
	return nil
}

func (c *Controller) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// abortStart unwinds a failed acquisition. Partially built resources are
// released before the alert.
func (c *Controller) abortStart(rec *recording, stream *audio.Stream, analyser *audio.Analyser, err error) error {
	if analyser != nil {
		analyser.Close()
	}
	if stream != nil {
		stream.Stop()
	}

	c.mu.Lock()
	if rec.cancelled {
		c.mu.Unlock()
		log.VoiceDropped(rec.id, AcquiringDevice.String())
		return err
	}
	c.current = nil
	c.setState(rec, Idle)
	c.mu.Unlock()

	log.Errorf("voice start: %v", err)
	c.sink.StateChanged(Idle)
	c.sink.Alert(alertMessage(err))
	return err
}

// releaseLocked stops the capturer, the analyser, the visualizer and the
// device. Each resource is released at most once.
func (c *Controller) releaseLocked(rec *recording) {
	rec.live.Store(false)
	if rec.feed != nil {
		rec.feed.Stop()
	}
	if rec.capturer != nil {
		if err := rec.capturer.Stop(); err != nil {
			log.Warnf("capturer stop: %v", err)
		}
		rec.capturer = nil
	}
	if rec.analyser != nil {
		rec.analyser.Close()
		rec.analyser = nil
	}
	if rec.stream != nil {
		rec.stream.Stop()
		rec.stream = nil
	}
}

// cancelLocked marks rec cancelled before releasing anything, so a
// continuation already in flight sees the flag and drops its result.
func (c *Controller) cancelLocked(rec *recording) {
	rec.cancelled = true
	c.releaseLocked(rec)
	rec.discard()
	c.current = nil
	c.voiceLoading = false
	c.setState(rec, Cancelled)
	c.setState(rec, Idle)
}

// Cancel discards the current attempt, whatever stage it is in. No upload
// is made for a recording that had not been confirmed, and the result of one
// already in flight is ignored. Cancel with nothing to cancel is a no-op.
func (c *Controller) Cancel() error {
	c.mu.Lock()
	rec := c.current
	if rec == nil {
		c.mu.Unlock()
		return nil
	}
	c.cancelLocked(rec)
	c.mu.Unlock()

	c.sink.StateChanged(Cancelled)
	c.sink.SetInput("")
	c.sink.StateChanged(Idle)
	return nil
}

func (c *Controller) captureFailed(rec *recording, err error) {
	c.mu.Lock()
	if c.current != rec || c.state != Recording {
		c.mu.Unlock()
		return
	}
	log.Warnf("capture failure, discarding recording: %v", fmt.Errorf("%w: %w", ErrCaptureFailure, err))
	c.cancelLocked(rec)
	c.mu.Unlock()

	c.sink.StateChanged(Cancelled)
	c.sink.SetInput("")
	c.sink.StateChanged(Idle)
}

// Confirm stops capturing and hands the recording to the encoder and the
// transcriber. Resources are released before Confirm returns; the rest runs
// in the background and ends with the transcript in the input or an alert.
func (c *Controller) Confirm() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	rec := c.current
	if rec == nil || c.state != Recording {
		c.mu.Unlock()
		return ErrNotRecording
	}
	c.setState(rec, Stopping)
	c.releaseLocked(rec)
	blob := rec.take()
	mimeType := rec.mimeType
	c.voiceLoading = true
	c.setState(rec, Encoding)
	c.wg.Add(1)
	c.mu.Unlock()

	c.sink.StateChanged(Stopping)
	c.sink.StateChanged(Encoding)

	go c.finish(rec, blob, mimeType)
	return nil
}

// prepareUpload converts the captured blob to WAV. When the blob cannot be
// decoded the original bytes go out unchanged under their own container type.
func prepareUpload(rec *recording, blob []byte, mimeType string) (data []byte, uploadType string, fallback bool) {
	wav, err := encoder.ToWAV(blob, mimeType)
	if err != nil {
		log.EncodeFallback(rec.id, mimeType, fmt.Errorf("%w: %w", ErrEncodeFailure, err))
		return blob, mimeType, true
	}
	return wav, encoder.MIMEWAV, false
}

func (c *Controller) finish(rec *recording, blob []byte, mimeType string) {
	defer c.wg.Done()

	data, uploadType, fallback := prepareUpload(rec, blob, mimeType)

	c.mu.Lock()
	if rec.cancelled {
		c.mu.Unlock()
		log.VoiceDropped(rec.id, Encoding.String())
		return
	}
	c.setState(rec, Transcribing)
	c.mu.Unlock()
	c.sink.StateChanged(Transcribing)

	var sessionID string
	if c.sessions != nil {
		sessionID = c.sessions.SessionID()
	}
	res, err := c.tr.Transcribe(c.ctx, transcriber.Request{
		Audio:     data,
		MIMEType:  uploadType,
		SessionID: sessionID,
	})

	c.mu.Lock()
	if rec.cancelled {
		c.mu.Unlock()
		log.VoiceDropped(rec.id, Transcribing.String())
		return
	}
	c.current = nil
	c.voiceLoading = false
	var text string
	if err == nil {
		text = strings.TrimSpace(res.Text())
		if text == "" {
			err = ErrEmptyTranscript
		}
	}
	if err != nil {
		c.setState(rec, Failed)
	}
	c.setState(rec, Idle)
	c.mu.Unlock()

	if res != nil {
		logUpload(rec, res, fallback)
	}
	if err != nil {
		if !errors.Is(err, ErrEmptyTranscript) {
			err = fmt.Errorf("%w: %w", ErrTranscriptionFailure, err)
		}
		log.Errorf("voice attempt %d: %v", rec.id, err)
		c.sink.StateChanged(Failed)
		c.sink.SetInput("")
		c.sink.Alert(alertMessage(err))
		c.sink.StateChanged(Idle)
		return
	}

	log.TranscriptionText(text)
	c.sink.SetInput(text)
	c.sink.StateChanged(Idle)
}

func logUpload(rec *recording, res *transcriber.Result, fallback bool) {
	u := log.Upload{
		Attempt:   rec.id,
		Filename:  res.Filename,
		AudioKB:   float64(res.AudioBytes) / 1024,
		Fallback:  fallback,
		RequestID: res.RequestID,
	}
	if m := res.Metrics; m != nil {
		u.DNSTimeMs = float64(m.DNS.Milliseconds())
		u.TLSTimeMs = float64(m.TLS.Milliseconds())
		u.TTFBMs = float64(m.TTFB.Milliseconds())
		u.TotalTimeMs = float64(m.Sum().Milliseconds())
		u.ConnReused = m.ConnReused
		u.TLSProto = m.TLSProtocol
	}
	log.Transcription(u)
}

// Teardown releases everything exactly once, whatever state the attempt is
// in, and aborts an upload still in flight. The controller rejects further
// use with ErrClosed.
func (c *Controller) Teardown() {
	c.teardown.Do(func() {
		c.mu.Lock()
		c.closed = true
		rec := c.current
		if rec != nil {
			c.cancelLocked(rec)
		}
		c.mu.Unlock()
		c.cancel()

		if rec != nil {
			c.sink.StateChanged(Cancelled)
			c.sink.StateChanged(Idle)
		}
	})
}
