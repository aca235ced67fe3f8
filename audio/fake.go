package audio

import (
	"os"
	"sync"
	"time"

	"talkbox/encoder"
)

const (
	fakeFrameSize     = 1024
	fakeBytesPerFrame = 2 // 16-bit mono
)

type fakeMode int

const (
	fakeBurst fakeMode = iota
	fakeRealtime
	fakeManual
)

// FakeContext stands in for the platform audio backend. It either replays a
// WAV file (headless runs) or delivers only what the caller pushes (tests).
type FakeContext struct {
	pcm  []byte
	mode fakeMode

	mu       sync.Mutex
	deny     error
	captures []*FakeCapture
}

func NewFakeContext(wavPath string, realtime bool) (*FakeContext, error) {
	data, err := os.ReadFile(wavPath)
	if err != nil {
		return nil, err
	}
	if len(data) > WAVHeaderSize {
		data = data[WAVHeaderSize:]
	}
	mode := fakeBurst
	if realtime {
		mode = fakeRealtime
	}
	return &FakeContext{pcm: data, mode: mode}, nil
}

// NewManualFakeContext returns a context whose captures stay silent until
// Push is called.
func NewManualFakeContext() *FakeContext {
	return &FakeContext{mode: fakeManual}
}

func (f *FakeContext) Devices() ([]DeviceInfo, error) {
	return []DeviceInfo{{ID: "fake", Name: "fake"}}, nil
}

func (f *FakeContext) Close() {}

// Deny makes every subsequent capture fail to start with err. Pass nil to
// allow captures again.
func (f *FakeContext) Deny(err error) {
	f.mu.Lock()
	f.deny = err
	f.mu.Unlock()
}

func (f *FakeContext) NewCapture(_ *DeviceInfo, _ CaptureConfig) (CaptureDevice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &FakeCapture{
		pcm:       f.pcm,
		mode:      f.mode,
		denied:    f.deny,
		audioDone: make(chan struct{}),
	}
	f.captures = append(f.captures, c)
	return c, nil
}

// Captures returns every capture device handed out so far.
func (f *FakeContext) Captures() []*FakeCapture {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeCapture(nil), f.captures...)
}

// Push delivers pcm to every running capture.
func (f *FakeContext) Push(pcm []byte) {
	for _, c := range f.Captures() {
		c.deliver(pcm)
	}
}

// Fail reports err on every running capture as if the device went away.
func (f *FakeContext) Fail(err error) {
	for _, c := range f.Captures() {
		c.fail(err)
	}
}

type FakeCapture struct {
	pcm       []byte
	mode      fakeMode
	denied    error
	audioDone chan struct{}

	mu       sync.Mutex
	cb       DataCallback
	onErr    ErrorCallback
	started  bool
	stopped  bool
	closed   bool
	stopCh   chan struct{}
	feedDone chan struct{}
}

func (f *FakeCapture) AudioDone() <-chan struct{} { return f.audioDone }

func (f *FakeCapture) SetCallback(cb DataCallback) {
	f.mu.Lock()
	f.cb = cb
	f.mu.Unlock()
}

func (f *FakeCapture) ClearCallback() {
	f.mu.Lock()
	f.cb = nil
	f.onErr = nil
	f.mu.Unlock()
}

func (f *FakeCapture) SetErrorCallback(cb ErrorCallback) {
	f.mu.Lock()
	f.onErr = cb
	f.mu.Unlock()
}

func (f *FakeCapture) DeviceName() string { return "fake" }

// Running reports whether the capture was started and not yet stopped.
func (f *FakeCapture) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started && !f.stopped
}

func (f *FakeCapture) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *FakeCapture) callback() DataCallback {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.started || f.stopped {
		return nil
	}
	return f.cb
}

func (f *FakeCapture) deliver(pcm []byte) {
	if cb := f.callback(); cb != nil {
		cb(pcm, uint32(len(pcm)/fakeBytesPerFrame))
	}
}

func (f *FakeCapture) fail(err error) {
	f.mu.Lock()
	cb := f.onErr
	running := f.started && !f.stopped
	f.mu.Unlock()
	if running && cb != nil {
		cb(err)
	}
}

func (f *FakeCapture) feedChunk(cb DataCallback, pos, chunkBytes int) int {
	end := min(pos+chunkBytes, len(f.pcm))
	chunk := make([]byte, end-pos)
	copy(chunk, f.pcm[pos:end])
	cb(chunk, uint32(len(chunk)/fakeBytesPerFrame))
	return end
}

func (f *FakeCapture) Start() error {
	if f.denied != nil {
		return f.denied
	}
	f.mu.Lock()
	f.started = true
	f.stopCh = make(chan struct{})
	f.mu.Unlock()

	chunkBytes := fakeFrameSize * fakeBytesPerFrame

	switch f.mode {
	case fakeManual:
		return nil

	case fakeBurst:
		if cb := f.callback(); cb != nil {
			for pos := 0; pos < len(f.pcm); {
				pos = f.feedChunk(cb, pos, chunkBytes)
			}
		}
		close(f.audioDone)

		f.feedDone = make(chan struct{})
		go func() {
			defer close(f.feedDone)
			silence := make([]byte, chunkBytes)
			for {
				select {
				case <-f.stopCh:
					return
				case <-time.After(time.Millisecond):
				}
				if cb := f.callback(); cb != nil {
					cb(silence, fakeFrameSize)
				}
			}
		}()

	case fakeRealtime:
		interval := time.Duration(fakeFrameSize) * time.Second / time.Duration(encoder.SampleRate)
		f.feedDone = make(chan struct{})
		go func() {
			defer close(f.feedDone)
			pos := 0
			silence := make([]byte, chunkBytes)
			finished := false
			for {
				if cb := f.callback(); cb != nil {
					if pos < len(f.pcm) {
						pos = f.feedChunk(cb, pos, chunkBytes)
					} else {
						if !finished {
							finished = true
							close(f.audioDone)
						}
						cb(silence, fakeFrameSize)
					}
				}
				select {
				case <-f.stopCh:
					return
				case <-time.After(interval):
				}
			}
		}()
	}
	return nil
}

func (f *FakeCapture) Stop() {
	f.mu.Lock()
	if !f.started || f.stopped {
		f.mu.Unlock()
		return
	}
	f.stopped = true
	close(f.stopCh)
	f.mu.Unlock()
	if f.feedDone != nil {
		<-f.feedDone
	}
}

func (f *FakeCapture) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}
