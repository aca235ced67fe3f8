package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	diagLog        zerolog.Logger
	diagFile       *os.File
	transcribeFile *os.File
	logMu          sync.Mutex
	logReady       bool
	pid            int
	dir            string
)

// Upload describes one /voice round trip.
type Upload struct {
	Attempt     uint64
	Filename    string
	AudioKB     float64
	Fallback    bool
	DNSTimeMs   float64
	TLSTimeMs   float64
	TTFBMs      float64
	TotalTimeMs float64
	ConnReused  bool
	TLSProto    string
	RequestID   string
}

func ResolveDir(flagPath string) (string, error) {
	// Priority 1: -logpath flag
	if flagPath != "" {
		if !filepath.IsAbs(flagPath) {
			wd, err := os.Getwd()
			if err != nil {
				return "", err
			}
			return filepath.Join(wd, flagPath), nil
		}
		return flagPath, nil
	}

	// Priority 2: TALKBOX_LOG_PATH environment variable
	envPath := os.Getenv("TALKBOX_LOG_PATH")
	if envPath != "" {
		if !filepath.IsAbs(envPath) {
			wd, err := os.Getwd()
			if err != nil {
				return "", err
			}
			return filepath.Join(wd, envPath), nil
		}
		return envPath, nil
	}

	// Priority 3: Default OS-specific location
	return getDefaultDir()
}

func SetDir(d string) {
	dir = d
}

func Dir() string {
	return dir
}

func EnsureDir() error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	return nil
}

func Init() error {
	logMu.Lock()
	defer logMu.Unlock()

	if err := EnsureDir(); err != nil {
		return err
	}

	pid = os.Getpid()

	var err error

	diagPath := filepath.Join(dir, "diagnostics_log.txt")
	diagFile, err = os.OpenFile(diagPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	transcribePath := filepath.Join(dir, "transcribe_log.txt")
	transcribeFile, err = os.OpenFile(transcribePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		diagFile.Close()
		return err
	}

	consoleWriter := zerolog.ConsoleWriter{
		Out:        diagFile,
		TimeFormat: "2006-01-02 15:04:05",
		NoColor:    true,
	}
	diagLog = zerolog.New(consoleWriter).With().Timestamp().Int("pid", pid).Logger()

	logReady = true
	return nil
}

func Close() {
	logMu.Lock()
	defer logMu.Unlock()
	if diagFile != nil {
		diagFile.Close()
		diagFile = nil
	}
	if transcribeFile != nil {
		transcribeFile.Close()
		transcribeFile = nil
	}
	logReady = false
}

func Info(msg string) {
	if logReady {
		diagLog.Info().Msg(msg)
	}
}

func Errorf(format string, args ...any) {
	if logReady {
		diagLog.Error().Msg(fmt.Sprintf(format, args...))
	}
}

func Warnf(format string, args ...any) {
	if logReady {
		diagLog.Warn().Msg(fmt.Sprintf(format, args...))
	}
}

func Transcription(u Upload) {
	if !logReady {
		return
	}

	connStatus := "new"
	if u.ConnReused {
		connStatus = "reused"
	}

	ev := diagLog.Info().
		Uint64("attempt", u.Attempt).
		Str("file", u.Filename).
		Bool("fallback", u.Fallback).
		Str("conn", connStatus)
	if u.TLSProto != "" {
		ev = ev.Str("tls_proto", u.TLSProto)
	}
	if u.RequestID != "" && u.RequestID != "?" {
		ev = ev.Str("request_id", u.RequestID)
	}
	ev.Float64("audio_kb", u.AudioKB).
		Float64("dns_ms", u.DNSTimeMs).
		Float64("tls_ms", u.TLSTimeMs).
		Float64("ttfb_ms", u.TTFBMs).
		Float64("total_ms", u.TotalTimeMs).
		Msg("transcription")
}

func TranscriptionText(text string) {
	if !logReady {
		return
	}
	logMu.Lock()
	defer logMu.Unlock()
	line := fmt.Sprintf("%s\t[%d]\t%s\n", time.Now().Format("2006-01-02 15:04:05"), pid, text)
	transcribeFile.WriteString(line)
}

func VoiceState(attempt uint64, state string) {
	if !logReady {
		return
	}
	diagLog.Info().
		Uint64("attempt", attempt).
		Str("state", state).
		Msg("voice_state")
}

// VoiceDropped records a continuation that finished after its recording
// was cancelled and therefore had no effect.
func VoiceDropped(attempt uint64, stage string) {
	if !logReady {
		return
	}
	diagLog.Info().
		Uint64("attempt", attempt).
		Str("stage", stage).
		Msg("voice_dropped_stale")
}

func EncodeFallback(attempt uint64, mimeType string, err error) {
	if !logReady {
		return
	}
	diagLog.Warn().
		Uint64("attempt", attempt).
		Str("mime", mimeType).
		Err(err).
		Msg("encode_fallback")
}

func Query(sessionID string, totalMs float64, links int) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("session", sessionID).
		Float64("total_ms", totalMs).
		Int("links", links).
		Msg("query")
}

func SessionStart(backend, device string, sampleRate uint32) {
	if !logReady {
		return
	}
	diagLog.Info().
		Str("backend", backend).
		Str("device", device).
		Uint32("sample_rate", sampleRate).
		Msg("session_start")
}

func SessionEnd(count int) {
	if !logReady {
		return
	}
	diagLog.Info().
		Int("count", count).
		Msg("session_end")
}
