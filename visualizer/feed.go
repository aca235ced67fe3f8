// Package visualizer samples a frequency analysis node into frames for
// rendering at the caller's animation cadence.
package visualizer

import (
	"iter"
	"sync"
	"time"
)

// Source is a frequency analysis node.
type Source interface {
	FrequencyBinCount() int
	ByteFrequencyData(dst []byte)
}

// Frame holds one magnitude per frequency bin on a 0..255 scale. A frame
// returned by Feed is only valid until the next read and must not be
// modified.
type Frame []byte

// Feed produces frames while live reports true. Once live turns false or
// Stop is called the feed is finished for good.
type Feed struct {
	src  Source
	live func() bool

	mu      sync.Mutex
	buf     Frame
	done    bool
	started bool
}

func New(src Source, live func() bool) *Feed {
	return &Feed{
		src:  src,
		live: live,
		buf:  make(Frame, src.FrequencyBinCount()),
	}
}

// Next reads the current snapshot. Liveness is checked at read time, so a
// tick that fires after the session left recording yields nothing.
func (f *Feed) Next() (Frame, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done {
		return nil, false
	}
	if !f.live() {
		f.done = true
		return nil, false
	}
	f.src.ByteFrequencyData(f.buf)
	return f.buf, true
}

func (f *Feed) Stop() {
	f.mu.Lock()
	f.done = true
	f.mu.Unlock()
}

func (f *Feed) Done() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done
}

// Frames yields one frame per tick until the feed finishes or ticks is
// closed. It can be ranged over once; later calls yield nothing.
func (f *Feed) Frames(ticks <-chan time.Time) iter.Seq[Frame] {
	return func(yield func(Frame) bool) {
		f.mu.Lock()
		if f.started {
			f.mu.Unlock()
			return
		}
		f.started = true
		f.mu.Unlock()

		for range ticks {
			frame, ok := f.Next()
			if !ok || !yield(frame) {
				return
			}
		}
	}
}

// Peak returns the loudest bin and its value.
func Peak(frame Frame) (bin int, value byte) {
	for i, v := range frame {
		if v > value {
			bin, value = i, v
		}
	}
	return bin, value
}
