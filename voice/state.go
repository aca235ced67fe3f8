package voice

// State is the lifecycle position of the current recording attempt.
// Cancelled and Failed are transient: they are reported to the Sink and
// immediately followed by Idle.
type State int

const (
	Idle State = iota
	AcquiringDevice
	Recording
	Stopping
	Encoding
	Transcribing
	Cancelled
	Failed
)

var stateNames = [...]string{
	Idle:            "idle",
	AcquiringDevice: "acquiring_device",
	Recording:       "recording",
	Stopping:        "stopping",
	Encoding:        "encoding",
	Transcribing:    "transcribing",
	Cancelled:       "cancelled",
	Failed:          "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Busy reports whether the state belongs to a live attempt.
func (s State) Busy() bool {
	switch s {
	case AcquiringDevice, Recording, Stopping, Encoding, Transcribing:
		return true
	}
	return false
}
