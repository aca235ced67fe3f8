package transcriber

import (
	"context"
	"fmt"
	"sync"
)

// FakeTranscriber answers every request with a fixed result or error. Hold
// makes calls block until released, to control when a result arrives.
type FakeTranscriber struct {
	mu      sync.Mutex
	result  Result
	err     error
	gate    chan struct{}
	entered chan Request
	calls   []Request
}

func NewFake(text string, err error) *FakeTranscriber {
	return &FakeTranscriber{
		result:  Result{Transcript: text},
		err:     err,
		entered: make(chan Request, 16),
	}
}

// NewFakeAnswer returns a fake whose responses carry only the answer field.
func NewFakeAnswer(answer string) *FakeTranscriber {
	f := NewFake("", nil)
	f.result.Answer = answer
	return f
}

func (f *FakeTranscriber) Name() string { return "fake" }

// Hold blocks subsequent calls until the returned function is called.
func (f *FakeTranscriber) Hold() (release func()) {
	gate := make(chan struct{})
	f.mu.Lock()
	f.gate = gate
	f.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// Entered receives each request as soon as Transcribe is called.
func (f *FakeTranscriber) Entered() <-chan Request { return f.entered }

func (f *FakeTranscriber) Calls() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Request(nil), f.calls...)
}

func (f *FakeTranscriber) Transcribe(ctx context.Context, req Request) (*Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	gate := f.gate
	res := f.result
	err := f.err
	f.mu.Unlock()

	select {
	case f.entered <- req:
	default:
	}

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrFailure, ctx.Err())
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: fake transcriber error: %w", ErrFailure, err)
	}
	res.Filename = req.Filename()
	res.AudioBytes = len(req.Audio)
	res.Metrics = &NetworkMetrics{Total: 0}
	return &res, nil
}
