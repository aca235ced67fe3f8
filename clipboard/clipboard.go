// Package clipboard copies widget text to the system clipboard.
package clipboard

import (
	"errors"
	"fmt"
	"time"

	cb "github.com/atotto/clipboard"
)

var ErrUnsupported = errors.New("no clipboard utility found (install xclip, xsel or wl-clipboard)")

func Read() (string, error) {
	if cb.Unsupported {
		return "", ErrUnsupported
	}
	return cb.ReadAll()
}

func Copy(text string) error {
	if cb.Unsupported {
		return ErrUnsupported
	}
	return cb.WriteAll(text)
}

// Verify copies a marker, reads it back and restores whatever was on the
// clipboard before.
func Verify() (string, error) {
	if cb.Unsupported {
		return "", ErrUnsupported
	}
	prev, _ := cb.ReadAll()
	defer func() {
		if prev != "" {
			cb.WriteAll(prev)
		}
	}()

	want := fmt.Sprintf("talkbox-doctor-%d", time.Now().UnixNano())
	if err := cb.WriteAll(want); err != nil {
		return "", fmt.Errorf("copy: %w", err)
	}
	got, err := cb.ReadAll()
	if err != nil {
		return "", fmt.Errorf("read back: %w", err)
	}
	if got != want {
		return "", fmt.Errorf("read back %q, want %q", got, want)
	}
	return "copy and read back", nil
}
