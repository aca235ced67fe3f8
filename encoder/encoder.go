package encoder

const (
	SampleRate    = 16000
	Channels      = 1
	BitsPerSample = 16
	BlockSize     = 4096
)

const (
	MIMEWAV  = "audio/wav"
	MIMEFLAC = "audio/flac"
	MIMEWebM = "audio/webm"
)

// BlockEncoder compresses 16-bit PCM blocks into a stream that can be
// drained while recording is still in progress.
type BlockEncoder interface {
	EncodeBlock(block []int16) error
	// Drain returns the bytes produced since the previous call.
	Drain() []byte
	Close() error
	TotalFrames() uint64
	MIMEType() string
}

// Extension maps a container MIME type to the file extension used when
// uploading it. Unknown containers are assumed to be WebM, which is what
// browser-side recorders produce by default.
func Extension(mimeType string) string {
	switch mimeType {
	case MIMEWAV, "audio/x-wav", "audio/wave":
		return "wav"
	case MIMEFLAC, "audio/x-flac":
		return "flac"
	case "audio/ogg":
		return "ogg"
	default:
		return "webm"
	}
}
