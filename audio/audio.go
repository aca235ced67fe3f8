package audio

import (
	"errors"
	"strings"
)

const WAVHeaderSize = 44

// ErrPermissionDenied reports that the platform refused to hand out a
// capture device: access denied, no such device, or the device could not
// be opened.
var ErrPermissionDenied = errors.New("microphone access denied")

var btKeywords = []string{
	"airpods", "beats", "bose", "wh-1000", "wf-1000",
	"sony wh-", "sony wf-",
	"jabra", "galaxy buds", "pixel buds", "powerbeats",
	"jbl ", "sennheiser momentum", "plantronics",
	"tozo", "anker soundcore", "skullcandy",
	"bluetooth", " bt ", " bt)", " bt]", "(bt)", "[bt]",
}

func IsBluetooth(name string) bool {
	lower := strings.ToLower(name)
	for _, kw := range btKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// DataCallback receives interleaved signed 16-bit little-endian PCM.
type DataCallback func(data []byte, frameCount uint32)

type ErrorCallback func(err error)

type CaptureConfig struct {
	SampleRate uint32
	Channels   uint32
}

type DeviceInfo struct {
	ID   string // opaque platform-specific identifier
	Name string
}

type Context interface {
	Devices() ([]DeviceInfo, error)
	NewCapture(device *DeviceInfo, config CaptureConfig) (CaptureDevice, error)
	Close()
}

type CaptureDevice interface {
	Start() error
	Stop()
	Close()
	SetCallback(cb DataCallback)
	ClearCallback()
	// SetErrorCallback is invoked when the device stops delivering audio
	// on its own (unplugged, revoked).
	SetErrorCallback(cb ErrorCallback)
	DeviceName() string
}
