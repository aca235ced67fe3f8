package audio

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"
)

var (
	ErrNoDevices      = errors.New("no capture devices found")
	ErrDeviceNotFound = errors.New("capture device not found")
	errPickerAborted  = errors.New("device selection aborted")
)

// FindDevice resolves a device by exact ID, exact name, or case-insensitive
// name substring, in that order. An empty query selects the system default
// and returns nil.
func FindDevice(ctx Context, query string) (*DeviceInfo, error) {
	if query == "" {
		return nil, nil
	}
	devices, err := ctx.Devices()
	if err != nil {
		return nil, fmt.Errorf("enumerating devices: %w", err)
	}
	for i := range devices {
		if devices[i].ID == query || devices[i].Name == query {
			return &devices[i], nil
		}
	}
	lower := strings.ToLower(query)
	for i := range devices {
		if strings.Contains(strings.ToLower(devices[i].Name), lower) {
			return &devices[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrDeviceNotFound, query)
}

type pickerKey int

const (
	keyNone pickerKey = iota
	keyUp
	keyDown
	keyEnter
	keyAbort
)

func decodeKey(buf []byte) pickerKey {
	switch {
	case len(buf) == 1 && buf[0] == '\r':
		return keyEnter
	case len(buf) == 1 && (buf[0] == 3 || buf[0] == 'q'):
		return keyAbort
	case len(buf) == 1 && buf[0] == 'j':
		return keyDown
	case len(buf) == 1 && buf[0] == 'k':
		return keyUp
	case len(buf) == 3 && buf[0] == 0x1b && buf[1] == '[' && buf[2] == 'A':
		return keyUp
	case len(buf) == 3 && buf[0] == 0x1b && buf[1] == '[' && buf[2] == 'B':
		return keyDown
	}
	return keyNone
}

func moveCursor(cursor, n int, k pickerKey) int {
	switch k {
	case keyUp:
		if cursor > 0 {
			return cursor - 1
		}
	case keyDown:
		if cursor < n-1 {
			return cursor + 1
		}
	}
	return cursor
}

// SelectDevice presents an interactive microphone picker on the terminal.
// If only one device is available, it returns that device without prompting.
func SelectDevice(ctx Context) (*DeviceInfo, error) {
	devices, err := ctx.Devices()
	if err != nil {
		return nil, fmt.Errorf("enumerating devices: %w", err)
	}
	if len(devices) == 0 {
		return nil, ErrNoDevices
	}
	if len(devices) == 1 {
		return &devices[0], nil
	}

	fd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("setting raw mode: %w", err)
	}
	defer term.Restore(fd, oldState)

	cursor := 0
	render := func() {
		fmt.Print("\r\x1b[J")
		fmt.Print("Select microphone (↑/↓, Enter to confirm, q to quit):\r\n\r\n")
		for i, d := range devices {
			tag := ""
			if IsBluetooth(d.Name) {
				tag = " \x1b[33m[bluetooth, lower quality]\x1b[0m"
			}
			if i == cursor {
				fmt.Printf("  \x1b[1;36m▶ %s%s\x1b[0m\r\n", d.Name, tag)
			} else {
				fmt.Printf("    %s%s\r\n", d.Name, tag)
			}
		}
	}
	render()

	buf := make([]byte, 3)
	for {
		n, err := os.Stdin.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("reading input: %w", err)
		}
		switch k := decodeKey(buf[:n]); k {
		case keyEnter:
			fmt.Print("\r\n")
			return &devices[cursor], nil
		case keyAbort:
			fmt.Print("\r\n")
			return nil, errPickerAborted
		default:
			cursor = moveCursor(cursor, len(devices), k)
		}
		fmt.Printf("\x1b[%dA", len(devices)+2)
		render()
	}
}
