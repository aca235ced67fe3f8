// Package doctor runs the -doctor self checks against the configured
// backend and microphone.
package doctor

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"talkbox/audio"
	"talkbox/chat"
	"talkbox/clipboard"
	"talkbox/encoder"
	"talkbox/shutdown"
	"talkbox/transcriber"
	"talkbox/visualizer"
)

const DefaultRecordFor = 2 * time.Second

type Options struct {
	Out         io.Writer
	In          io.Reader // nil skips the "press Enter" prompt
	Audio       audio.Context
	Device      *audio.DeviceInfo
	Capture     audio.CaptureConfig
	Chat        *chat.Client
	Transcriber transcriber.Transcriber
	SessionID   string
	RecordFor   time.Duration
	Clipboard   bool
}

type checker struct {
	Options
	step, total int
}

func (c *checker) header(name string) {
	c.step++
	fmt.Fprintf(c.Out, "\n[%d/%d] %s\n", c.step, c.total, name)
}

func (c *checker) pass(format string, args ...any) {
	fmt.Fprintf(c.Out, "  PASS: "+format+"\n", args...)
}

func (c *checker) fail(format string, args ...any) bool {
	fmt.Fprintf(c.Out, "  FAIL: "+format+"\n", args...)
	return false
}

// Run executes the checks in order, stopping at the first failure, and
// returns an exit code (0=all pass, 1=any fail).
func Run(parent context.Context, o Options) int {
	if o.Out == nil {
		o.Out = os.Stdout
	}
	if o.RecordFor <= 0 {
		o.RecordFor = DefaultRecordFor
	}
	if o.Capture.SampleRate == 0 {
		o.Capture = audio.CaptureConfig{SampleRate: encoder.SampleRate, Channels: encoder.Channels}
	}
	ctx, stop := shutdown.Context(parent)
	defer stop()
	if o.In != nil {
		defer resetTerminal()
	}

	c := &checker{Options: o, total: 3}
	if o.Clipboard {
		c.total++
	}

	fmt.Fprintln(c.Out, "talkbox doctor - system diagnostics")
	fmt.Fprintln(c.Out, "===================================")

	allPass := c.checkBackend(ctx)
	var blob []byte
	var mimeType string
	if allPass {
		blob, mimeType, allPass = c.checkMicrophone(ctx)
	}
	if allPass {
		allPass = c.checkRoundTrip(ctx, blob, mimeType)
	}
	if allPass && o.Clipboard {
		allPass = c.checkClipboard()
	}

	fmt.Fprintln(c.Out)
	if allPass {
		fmt.Fprintln(c.Out, "All checks passed!")
		return 0
	}
	fmt.Fprintln(c.Out, "Some checks failed. See details above.")
	return 1
}

func (c *checker) checkBackend(ctx context.Context) bool {
	c.header("Backend health")
	if c.Chat == nil {
		return c.fail("no backend configured")
	}
	hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	h, err := c.Chat.Health(hctx)
	if err != nil {
		return c.fail("%v", err)
	}
	c.pass("status %q version %q", h.Status, h.Version)
	return true
}

func (c *checker) checkMicrophone(ctx context.Context) ([]byte, string, bool) {
	c.header("Microphone capture")
	if c.Audio == nil {
		return nil, "", c.fail("no audio backend")
	}
	if c.In != nil {
		fmt.Fprintf(c.Out, "Press Enter and speak for %s...", c.RecordFor)
		bufio.NewReader(c.In).ReadString('\n')
	}

	stream, err := audio.Acquire(ctx, c.Audio, c.Device, c.Capture)
	if err != nil {
		return nil, "", c.fail("%v", err)
	}
	defer stream.Stop()
	fmt.Fprintf(c.Out, "  Using device: %s\n", stream.DeviceName())

	analyser, err := audio.NewAnalyser(audio.DefaultFFTSize, int(c.Capture.Channels))
	if err != nil {
		return nil, "", c.fail("%v", err)
	}
	analyser.Connect(stream)
	defer analyser.Close()
	feed := visualizer.New(analyser, stream.Active)

	rec, err := audio.NewRecorder(stream)
	if err != nil {
		return nil, "", c.fail("%v", err)
	}
	var buf bytes.Buffer
	capErr := make(chan error, 1)
	if err := rec.Start(func(b []byte) { buf.Write(b) }, func(err error) {
		select {
		case capErr <- err:
		default:
		}
	}); err != nil {
		return nil, "", c.fail("recorder: %v", err)
	}

	fmt.Fprint(c.Out, "  Recording")
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(c.RecordFor)
	var peak byte
	var failure error
loop:
	for {
		select {
		case <-ticker.C:
			if frame, ok := feed.Next(); ok {
				_, v := visualizer.Peak(frame)
				peak = max(peak, v)
			}
			fmt.Fprint(c.Out, ".")
		case err := <-capErr:
			failure = err
			break loop
		case <-ctx.Done():
			failure = ctx.Err()
			break loop
		case <-deadline:
			break loop
		}
	}
	fmt.Fprintln(c.Out, " done")
	feed.Stop()
	stopErr := rec.Stop()

	if failure != nil {
		return nil, "", c.fail("capture: %v", failure)
	}
	if stopErr != nil {
		return nil, "", c.fail("encode: %v", stopErr)
	}
	if buf.Len() == 0 {
		return nil, "", c.fail("no audio captured")
	}
	c.pass("recorded %.1f KB, peak level %d/255", float64(buf.Len())/1024, peak)
	if peak == 0 {
		fmt.Fprintln(c.Out, "  Warning: input is silent, check the device and its gain")
	}
	return buf.Bytes(), rec.MIMEType(), true
}

func (c *checker) checkRoundTrip(ctx context.Context, blob []byte, mimeType string) bool {
	c.header("Transcription round trip")
	if c.Transcriber == nil {
		return c.fail("no transcriber configured")
	}
	req := transcriber.Request{Audio: blob, MIMEType: mimeType, SessionID: c.SessionID}
	if wav, err := encoder.ToWAV(blob, mimeType); err == nil {
		req.Audio, req.MIMEType = wav, encoder.MIMEWAV
	} else {
		fmt.Fprintf(c.Out, "  Note: sending %s unconverted (%v)\n", req.Filename(), err)
	}

	start := time.Now()
	res, err := c.Transcriber.Transcribe(ctx, req)
	if err != nil {
		return c.fail("%v", err)
	}
	text := strings.TrimSpace(res.Text())
	if text == "" {
		text = "(no speech detected)"
	}
	fmt.Fprintf(c.Out, "  Transcribed text: %s\n", text)
	c.pass("%s uploaded in %dms", req.Filename(), time.Since(start).Milliseconds())
	return true
}

func (c *checker) checkClipboard() bool {
	c.header("Clipboard")
	msg, err := clipboard.Verify()
	if err != nil {
		return c.fail("%v", err)
	}
	c.pass("%s", msg)
	return true
}
