package audio

import (
	"context"
	"fmt"
	"sync"
)

// Stream is a live microphone acquisition. Consumers attach to it to receive
// PCM; releasing the stream stops the underlying device exactly once.
type Stream struct {
	dev    CaptureDevice
	config CaptureConfig

	mu      sync.Mutex
	nextID  int
	sinks   map[int]DataCallback
	errs    map[int]ErrorCallback
	stopped bool
}

// Acquire opens the given device (nil for the system default) and starts
// capturing. Any failure to obtain the device is reported as
// ErrPermissionDenied.
func Acquire(ctx context.Context, c Context, device *DeviceInfo, config CaptureConfig) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if config.Channels == 0 {
		config.Channels = 1
	}
	dev, err := c.NewCapture(device, config)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	}
	s := &Stream{
		dev:    dev,
		config: config,
		sinks:  make(map[int]DataCallback),
		errs:   make(map[int]ErrorCallback),
	}
	dev.SetCallback(s.dispatch)
	dev.SetErrorCallback(s.fail)
	if err := dev.Start(); err != nil {
		dev.ClearCallback()
		dev.Close()
		return nil, fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	}
	if err := ctx.Err(); err != nil {
		s.Stop()
		return nil, err
	}
	return s, nil
}

func (s *Stream) Config() CaptureConfig { return s.config }

func (s *Stream) DeviceName() string { return s.dev.DeviceName() }

func (s *Stream) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.stopped
}

// Attach registers cb for every captured buffer and returns a function that
// removes it again.
func (s *Stream) Attach(cb DataCallback) (detach func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.sinks[id] = cb
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.sinks, id)
		s.mu.Unlock()
	}
}

// OnError registers cb for device failures that happen while capturing.
func (s *Stream) OnError(cb ErrorCallback) (detach func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.errs[id] = cb
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.errs, id)
		s.mu.Unlock()
	}
}

func (s *Stream) dispatch(data []byte, frameCount uint32) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	sinks := make([]DataCallback, 0, len(s.sinks))
	for _, cb := range s.sinks {
		sinks = append(sinks, cb)
	}
	s.mu.Unlock()

	for _, cb := range sinks {
		cb(data, frameCount)
	}
}

func (s *Stream) fail(err error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	errs := make([]ErrorCallback, 0, len(s.errs))
	for _, cb := range s.errs {
		errs = append(errs, cb)
	}
	s.mu.Unlock()

	for _, cb := range errs {
		cb(err)
	}
}

// Stop releases the device. Safe to call more than once.
func (s *Stream) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	clear(s.sinks)
	clear(s.errs)
	s.mu.Unlock()

	s.dev.ClearCallback()
	s.dev.Stop()
	s.dev.Close()
}
