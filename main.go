package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"talkbox/audio"
	"talkbox/beep"
	"talkbox/chat"
	"talkbox/config"
	"talkbox/doctor"
	"talkbox/log"
	"talkbox/shutdown"
	"talkbox/transcriber"
	"talkbox/voice"
)

var version = "dev"

func main() {
	os.Exit(run())
}

func initCrashLog() {
	crashPath := filepath.Join(log.Dir(), "crash_log.txt")
	crashFile, err := os.OpenFile(crashPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	fmt.Fprintf(crashFile, "\n=== Session %s [pid=%d] ===\n", time.Now().Format("2006-01-02 15:04:05"), os.Getpid())
	debug.SetCrashOutput(crashFile, debug.CrashOptions{})
}

func deviceLineText(dev *audio.DeviceInfo) string {
	name := "system default"
	suffix := ""
	if dev != nil {
		name = dev.Name
		if audio.IsBluetooth(dev.Name) {
			suffix = " (BT!)"
		}
	}
	return "mic: " + name + suffix
}

func run() int {
	configFlag := flag.String("config", "", "Config file (default: "+config.DefaultPath()+")")
	backendFlag := flag.String("backend", "", "Assistant backend base URL")
	deviceFlag := flag.String("device", "", "Use named microphone device")
	setupFlag := flag.Bool("setup", false, "Select microphone device interactively")
	logPathFlag := flag.String("logpath", "", "log directory path (default: OS-specific location, use ./ for current dir)")
	noBeepFlag := flag.Bool("nobeep", false, "Disable start/stop sounds")
	versionFlag := flag.Bool("version", false, "Print version and exit")
	doctorFlag := flag.Bool("doctor", false, "Run system diagnostics and exit")
	testFlag := flag.String("test", "", "Test mode (headless, stdin-driven) replaying the given WAV file as the microphone")
	profileFlag := flag.String("profile", "", "Enable pprof profiling server (e.g., :6060 or localhost:6060)")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("talkbox %s\n", version)
		return 0
	}

	cfg, err := config.Load(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if *backendFlag != "" {
		cfg.BackendURL = *backendFlag
	}
	if *deviceFlag != "" {
		cfg.Audio.Device = *deviceFlag
	}
	if *noBeepFlag {
		cfg.Beep = false
	}
	if *logPathFlag != "" {
		cfg.LogPath = *logPathFlag
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	// Resolve log directory early
	logPath, err := log.ResolveDir(cfg.LogPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to resolve log directory: %v\n", err)
		return 1
	}
	log.SetDir(logPath)
	if err := log.EnsureDir(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not create log directory: %v\n", err)
	}
	initCrashLog()

	if *profileFlag != "" {
		go func() {
			fmt.Fprintf(os.Stderr, "pprof server listening on http://%s/debug/pprof/\n", *profileFlag)
			if err := http.ListenAndServe(*profileFlag, nil); err != nil {
				fmt.Fprintf(os.Stderr, "pprof server error: %v\n", err)
			}
		}()
	}

	if !cfg.Beep {
		beep.Disable()
	}

	timeout := time.Duration(cfg.RequestTimeoutMS) * time.Millisecond
	backend := transcriber.NewBackend(cfg.BackendURL, timeout)
	chatClient := chat.NewClient(cfg.BackendURL, timeout)
	sessions, err := chat.OpenSessionStore(cfg.SessionPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v (using a fresh session)\n", err)
		sessions, _ = chat.OpenSessionStore("")
	}
	captureConfig := audio.CaptureConfig{
		SampleRate: uint32(cfg.Audio.SampleRate),
		Channels:   uint32(cfg.Audio.Channels),
	}

	ctx, stop := shutdown.Context(context.Background())
	defer stop()

	if *testFlag != "" {
		return runTestMode(ctx, testOptions{
			wavPath:  *testFlag,
			backend:  backend,
			chat:     chatClient,
			sessions: sessions,
			voice:    voice.Config{Capture: captureConfig, FFTSize: cfg.Audio.FFTSize},
		})
	}

	actx, err := audio.NewContext()
	if err != nil {
		fmt.Printf("Error initializing audio: %v\n", err)
		return 1
	}
	defer actx.Close()

	var selectedDevice *audio.DeviceInfo
	if *setupFlag {
		selectedDevice, err = audio.SelectDevice(actx)
		if err != nil {
			fmt.Printf("Warning: device selection failed: %v\n", err)
			fmt.Println("Falling back to default device")
			selectedDevice = nil
		}
	} else if cfg.Audio.Device != "" {
		selectedDevice, err = audio.FindDevice(actx, cfg.Audio.Device)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return 1
		}
	}

	if *doctorFlag {
		return doctor.Run(ctx, doctor.Options{
			In:          os.Stdin,
			Audio:       actx,
			Device:      selectedDevice,
			Capture:     captureConfig,
			Chat:        chatClient,
			Transcriber: backend,
			SessionID:   sessions.SessionID(),
			Clipboard:   true,
		})
	}

	if err := log.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not init logging: %v\n", err)
	}
	defer log.Close()
	deviceName := "default"
	if selectedDevice != nil {
		deviceName = selectedDevice.Name
	}
	log.SessionStart(backend.BaseURL(), deviceName, captureConfig.SampleRate)

	go backend.Warm(ctx)
	go beep.Init()

	sink := &tuiSink{}
	ctrl := voice.New(actx, backend, sessions, sink, voice.Config{
		Device:  selectedDevice,
		Capture: captureConfig,
		FFTSize: cfg.Audio.FFTSize,
	})

	model := newTUIModel(ctx, ctrl, chatClient, sessions)
	model.deviceLine = deviceLineText(selectedDevice)
	model.backendLine = "backend: " + backend.BaseURL()

	tuiMu.Lock()
	tuiProgram = tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	p := tuiProgram
	tuiMu.Unlock()

	_, runErr := p.Run()

	ctrl.Teardown()
	ctrl.Wait()
	log.SessionEnd(sink.Transcriptions())

	if runErr != nil && ctx.Err() == nil {
		log.Errorf("TUI error: %v", runErr)
		fmt.Fprintf(os.Stderr, "Error: %v\n", runErr)
		return 1
	}
	return 0
}
