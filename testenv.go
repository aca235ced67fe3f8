package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"talkbox/audio"
	"talkbox/beep"
	"talkbox/chat"
	"talkbox/log"
	"talkbox/transcriber"
	"talkbox/visualizer"
	"talkbox/voice"
)

type testOptions struct {
	wavPath  string
	backend  *transcriber.Backend
	chat     *chat.Client
	sessions *chat.SessionStore
	voice    voice.Config
}

// lineSink prints controller effects one per line so a driver can assert on
// stdout.
type lineSink struct {
	mu             sync.Mutex
	out            io.Writer
	input          string
	transcriptions atomic.Int64
}

func (s *lineSink) printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, format+"\n", args...)
}

func (s *lineSink) StateChanged(st voice.State) { s.printf("STATE %s", st) }

func (s *lineSink) SetInput(text string) {
	s.mu.Lock()
	s.input = text
	s.mu.Unlock()
	if text != "" {
		s.transcriptions.Add(1)
	}
	s.printf("SETINPUT %s", text)
}

func (s *lineSink) Alert(msg string) { s.printf("ALERT %s", msg) }

func (s *lineSink) Input() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.input
}

// watchLevels drains the recording's visualizer feed and reports the
// loudest bin once the feed ends.
func watchLevels(feed *visualizer.Feed, sink *lineSink) {
	ticker := time.NewTicker(frameInterval)
	defer ticker.Stop()
	var bestBin int
	var best byte
	for frame := range feed.Frames(ticker.C) {
		if bin, v := visualizer.Peak(frame); v > best {
			bestBin, best = bin, v
		}
	}
	log.Info(fmt.Sprintf("visualizer_peak: bin=%d level=%d", bestBin, best))
	sink.printf("PEAK %d %d", bestBin, best)
}

func runTestMode(ctx context.Context, opts testOptions) int {
	beep.Disable()

	if err := log.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not init logging: %v\n", err)
	}
	defer log.Close()

	fakeCtx, err := audio.NewFakeContext(opts.wavPath, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading WAV: %v\n", err)
		return 1
	}
	log.SessionStart(opts.backend.BaseURL(), "fake", opts.voice.Capture.SampleRate)

	sink := &lineSink{out: os.Stdout}
	ctrl := voice.New(fakeCtx, opts.backend, opts.sessions, sink, opts.voice)
	defer func() {
		ctrl.Teardown()
		ctrl.Wait()
		log.SessionEnd(int(sink.transcriptions.Load()))
	}()

	var watchers sync.WaitGroup
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- strings.TrimSpace(scanner.Text())
		}
	}()

	for {
		var cmd string
		select {
		case <-ctx.Done():
			return 0
		case line, ok := <-lines:
			if !ok {
				return 0
			}
			cmd = line
		}

		switch {
		case cmd == "MIC":
			if err := ctrl.Toggle(ctx); err != nil {
				sink.printf("ERROR %v", err)
				continue
			}
			if feed := ctrl.Visualizer(); feed != nil {
				watchers.Add(1)
				go func() {
					defer watchers.Done()
					watchLevels(feed, sink)
				}()
			}
		case cmd == "CONFIRM":
			if err := ctrl.Confirm(); err != nil {
				sink.printf("ERROR %v", err)
			}
		case cmd == "CANCEL":
			ctrl.Cancel()
		case cmd == "WAIT":
			ctrl.Wait()
			watchers.Wait()
		case cmd == "WAIT_AUDIO_DONE":
			if caps := fakeCtx.Captures(); len(caps) > 0 {
				<-caps[len(caps)-1].AudioDone()
			}
		case cmd == "INPUT":
			sink.printf("INPUT %s", sink.Input())
		case cmd == "SEND":
			q := sink.Input()
			resp, err := opts.chat.Query(ctx, q, opts.sessions.SessionID())
			if err != nil {
				sink.printf("ERROR %v", err)
				continue
			}
			if resp.SessionID != "" && resp.SessionID != opts.sessions.SessionID() {
				opts.sessions.Adopt(resp.SessionID)
			}
			sink.printf("ANSWER %s", resp.Answer)
		case cmd == "QUIT":
			return 0
		case strings.HasPrefix(cmd, "SLEEP "):
			if ms, err := strconv.Atoi(cmd[6:]); err == nil {
				time.Sleep(time.Duration(ms) * time.Millisecond)
			}
		}
	}
}
