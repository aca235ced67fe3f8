package doctor

import (
	"bytes"
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"talkbox/audio"
	"talkbox/chat"
	"talkbox/encoder"
	"talkbox/transcriber"
)

func toneFile(t *testing.T) string {
	t.Helper()
	data := make([]float32, encoder.SampleRate)
	for i := range data {
		data[i] = 0.5 * float32(math.Sin(2*math.Pi*440*float64(i)/encoder.SampleRate))
	}
	wav, err := encoder.EncodeWAV(&encoder.Sample{Channels: 1, SampleRate: encoder.SampleRate, Data: [][]float32{data}})
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "tone.wav")
	if err := os.WriteFile(path, wav, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func healthServer(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status != http.StatusOK {
			http.Error(w, "down", status)
			return
		}
		w.Write([]byte(`{"status":"healthy","version":"1.2.0","services":[]}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRunAllPass(t *testing.T) {
	fc, err := audio.NewFakeContext(toneFile(t), true)
	if err != nil {
		t.Fatal(err)
	}
	srv := healthServer(t, http.StatusOK)
	fake := transcriber.NewFake("testing one two", nil)

	var out bytes.Buffer
	code := Run(context.Background(), Options{
		Out:         &out,
		Audio:       fc,
		Chat:        chat.NewClient(srv.URL, time.Second),
		Transcriber: fake,
		SessionID:   "doctor",
		RecordFor:   300 * time.Millisecond,
	})
	if code != 0 {
		t.Fatalf("exit code %d\n%s", code, out.String())
	}

	text := out.String()
	for _, want := range []string{"[1/3] Backend health", "status \"healthy\"", "[2/3] Microphone capture", "[3/3] Transcription round trip", "testing one two", "All checks passed!"} {
		if !strings.Contains(text, want) {
			t.Errorf("output missing %q:\n%s", want, text)
		}
	}

	calls := fake.Calls()
	if len(calls) != 1 {
		t.Fatalf("transcriber calls = %d", len(calls))
	}
	if calls[0].MIMEType != encoder.MIMEWAV || calls[0].SessionID != "doctor" {
		t.Errorf("request = %s session %q", calls[0].MIMEType, calls[0].SessionID)
	}
	if len(calls[0].Audio) <= audio.WAVHeaderSize {
		t.Errorf("uploaded %d bytes", len(calls[0].Audio))
	}
	if caps := fc.Captures(); len(caps) != 1 || !caps[0].Closed() {
		t.Error("microphone not released")
	}
}

func TestRunStopsAtUnhealthyBackend(t *testing.T) {
	fc := audio.NewManualFakeContext()
	srv := healthServer(t, http.StatusServiceUnavailable)

	var out bytes.Buffer
	code := Run(context.Background(), Options{
		Out:         &out,
		Audio:       fc,
		Chat:        chat.NewClient(srv.URL, time.Second),
		Transcriber: transcriber.NewFake("x", nil),
		RecordFor:   50 * time.Millisecond,
	})
	if code != 1 {
		t.Fatalf("exit code %d", code)
	}
	if !strings.Contains(out.String(), "FAIL") {
		t.Errorf("no failure reported:\n%s", out.String())
	}
	if len(fc.Captures()) != 0 {
		t.Error("microphone opened after backend check failed")
	}
}

func TestRunReportsDeniedMicrophone(t *testing.T) {
	fc := audio.NewManualFakeContext()
	fc.Deny(errors.New("permission denied"))
	srv := healthServer(t, http.StatusOK)

	var out bytes.Buffer
	code := Run(context.Background(), Options{
		Out:         &out,
		Audio:       fc,
		Chat:        chat.NewClient(srv.URL, time.Second),
		Transcriber: transcriber.NewFake("x", nil),
		RecordFor:   50 * time.Millisecond,
	})
	if code != 1 {
		t.Fatalf("exit code %d", code)
	}
	if !strings.Contains(out.String(), "microphone access denied") {
		t.Errorf("denial not reported:\n%s", out.String())
	}
}

func TestRunReportsTranscriptionFailure(t *testing.T) {
	fc, err := audio.NewFakeContext(toneFile(t), true)
	if err != nil {
		t.Fatal(err)
	}
	srv := healthServer(t, http.StatusOK)

	var out bytes.Buffer
	code := Run(context.Background(), Options{
		Out:         &out,
		Audio:       fc,
		Chat:        chat.NewClient(srv.URL, time.Second),
		Transcriber: transcriber.NewFake("", errors.New("HTTP 500")),
		RecordFor:   100 * time.Millisecond,
	})
	if code != 1 {
		t.Fatalf("exit code %d\n%s", code, out.String())
	}
	if !strings.Contains(out.String(), "HTTP 500") {
		t.Errorf("cause not reported:\n%s", out.String())
	}
}
