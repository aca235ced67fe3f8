package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"talkbox/encoder"
)

var (
	ErrRecorderStarted = errors.New("recorder already started")
	ErrRecorderStopped = errors.New("recorder stopped")
)

// minFinalBlock is the smallest block the FLAC stream header advertises.
const minFinalBlock = 16

// Recorder turns a Stream into a sequence of compressed chunks. The first
// chunk carries the container header; every later chunk is one or more
// complete frames, so concatenating all chunks yields a valid file.
type Recorder struct {
	stream   *Stream
	enc      encoder.BlockEncoder
	channels int

	mu        sync.Mutex
	pending   []int16
	onChunk   func([]byte)
	onError   func(error)
	detach    func()
	detachErr func()
	started   bool
	stopped   bool
	failed    bool
}

func NewRecorder(s *Stream) (*Recorder, error) {
	enc, err := encoder.NewFlac(int(s.Config().SampleRate))
	if err != nil {
		return nil, fmt.Errorf("flac encoder: %w", err)
	}
	return NewRecorderWith(s, enc), nil
}

// NewRecorderWith records s through enc. The encoder is owned by the
// recorder from here on.
func NewRecorderWith(s *Stream, enc encoder.BlockEncoder) *Recorder {
	ch := int(s.Config().Channels)
	if ch < 1 {
		ch = 1
	}
	return &Recorder{
		stream:   s,
		enc:      enc,
		channels: ch,
		pending:  make([]int16, 0, encoder.BlockSize),
	}
}

func (r *Recorder) MIMEType() string { return r.enc.MIMEType() }

func (r *Recorder) Start(onChunk func([]byte), onError func(error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return ErrRecorderStopped
	}
	if r.started {
		return ErrRecorderStarted
	}
	r.started = true
	r.onChunk = onChunk
	r.onError = onError

	r.emitLocked()
	r.detach = r.stream.Attach(r.write)
	r.detachErr = r.stream.OnError(r.streamFailed)
	return nil
}

func (r *Recorder) write(data []byte, _ uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped || r.failed {
		return
	}

	frame := 2 * r.channels
	for off := 0; off+frame <= len(data); off += frame {
		var sum int32
		for c := 0; c < r.channels; c++ {
			sum += int32(int16(binary.LittleEndian.Uint16(data[off+2*c:])))
		}
		r.pending = append(r.pending, int16(sum/int32(r.channels)))

		if len(r.pending) == encoder.BlockSize {
			if err := r.enc.EncodeBlock(r.pending); err != nil {
				r.failLocked(fmt.Errorf("encode block: %w", err))
				return
			}
			r.pending = r.pending[:0]
			r.emitLocked()
		}
	}
}

func (r *Recorder) streamFailed(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped || r.failed {
		return
	}
	r.failLocked(err)
}

func (r *Recorder) failLocked(err error) {
	r.failed = true
	if r.onError != nil {
		r.onError(err)
	}
}

func (r *Recorder) emitLocked() {
	chunk := r.enc.Drain()
	if len(chunk) > 0 && r.onChunk != nil {
		r.onChunk(chunk)
	}
}

// Stop detaches from the stream, encodes whatever is buffered and delivers
// the final chunk before returning. Calling Stop again is a no-op.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return nil
	}
	r.stopped = true
	if r.detach != nil {
		r.detach()
		r.detachErr()
	}

	var err error
	if len(r.pending) > 0 && !r.failed {
		for len(r.pending) < minFinalBlock {
			r.pending = append(r.pending, 0)
		}
		if err = r.enc.EncodeBlock(r.pending); err != nil {
			err = fmt.Errorf("encode final block: %w", err)
		}
		r.pending = r.pending[:0]
	}
	if cerr := r.enc.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if r.started {
		r.emitLocked()
	}
	return err
}
