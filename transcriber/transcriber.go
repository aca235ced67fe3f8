package transcriber

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"talkbox/encoder"
)

// ErrFailure covers every way an upload can fail: transport errors,
// non-2xx responses and unparseable bodies.
var ErrFailure = errors.New("transcription failed")

type NetworkMetrics struct {
	DNS         time.Duration
	ConnWait    time.Duration
	TCP         time.Duration
	TLS         time.Duration
	ReqHeaders  time.Duration
	ReqBody     time.Duration
	TTFB        time.Duration
	Download    time.Duration
	Total       time.Duration
	ConnReused  bool
	TLSProtocol string
}

func (m *NetworkMetrics) Sum() time.Duration {
	return m.ConnWait + m.DNS + m.TCP + m.TLS + m.ReqHeaders + m.ReqBody + m.TTFB + m.Download
}

func firstNonEmpty(h http.Header, keys ...string) string {
	for _, k := range keys {
		if v := h.Get(k); v != "" {
			return v
		}
	}
	return "?"
}

type Request struct {
	Audio     []byte
	MIMEType  string
	SessionID string
}

// Filename is the upload name; its extension follows the container.
func (r Request) Filename() string {
	return "recording." + encoder.Extension(r.MIMEType)
}

type Result struct {
	Transcript string
	Answer     string
	Filename   string
	AudioBytes int
	RequestID  string
	Metrics    *NetworkMetrics
}

// Text is the transcript, or the answer field when the backend sent no
// transcript.
func (r *Result) Text() string {
	if r.Transcript != "" {
		return r.Transcript
	}
	return r.Answer
}

// MetricLines formats the upload for the diagnostics log.
func (r *Result) MetricLines() []string {
	lines := []string{
		fmt.Sprintf("upload:     %s %.1f KB", r.Filename, float64(r.AudioBytes)/1024),
	}
	m := r.Metrics
	if m == nil {
		return lines
	}
	reused := ""
	if m.ConnReused {
		reused = " (reused)"
	}
	return append(lines,
		fmt.Sprintf("conn_wait:  %dms%s", m.ConnWait.Milliseconds(), reused),
		fmt.Sprintf("dns:        %dms", m.DNS.Milliseconds()),
		fmt.Sprintf("tcp:        %dms", m.TCP.Milliseconds()),
		fmt.Sprintf("tls:        %dms", m.TLS.Milliseconds()),
		fmt.Sprintf("req_head:   %dms", m.ReqHeaders.Milliseconds()),
		fmt.Sprintf("req_body:   %dms", m.ReqBody.Milliseconds()),
		fmt.Sprintf("ttfb:       %dms", m.TTFB.Milliseconds()),
		fmt.Sprintf("download:   %dms", m.Download.Milliseconds()),
		fmt.Sprintf("total:      %dms", m.Sum().Milliseconds()),
	)
}

type Transcriber interface {
	Name() string
	Transcribe(ctx context.Context, req Request) (*Result, error)
}
