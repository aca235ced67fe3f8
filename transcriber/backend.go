package transcriber

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"
)

const maxErrorBody = 512

// Backend uploads recordings to the assistant's /voice endpoint.
type Backend struct {
	client  *TracedClient
	baseURL string
}

func NewBackend(baseURL string, timeout time.Duration) *Backend {
	return &Backend{
		client:  NewTracedClient(timeout),
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

func (b *Backend) Name() string { return "backend" }

func (b *Backend) BaseURL() string { return b.baseURL }

// Warm opens a connection to the backend ahead of the first upload and
// returns the TLS handshake time.
func (b *Backend) Warm(ctx context.Context) time.Duration {
	return b.client.WarmConnection(ctx, b.baseURL+"/health")
}

type voiceResponse struct {
	Transcript string `json:"transcript"`
	Answer     string `json:"answer"`
}

// writeForm encodes r as the /voice multipart body and returns its
// Content-Type.
func writeForm(w io.Writer, r Request) (string, error) {
	writer := multipart.NewWriter(w)

	contentType := r.MIMEType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, r.Filename()))
	h.Set("Content-Type", contentType)
	part, err := writer.CreatePart(h)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(r.Audio); err != nil {
		return "", err
	}
	if err := writer.WriteField("session_id", r.SessionID); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}
	return writer.FormDataContentType(), nil
}

func (b *Backend) Transcribe(ctx context.Context, r Request) (*Result, error) {
	var body bytes.Buffer
	formType, err := writeForm(&body, r)
	if err != nil {
		return nil, fmt.Errorf("%w: building upload: %w", ErrFailure, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/voice", &body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFailure, err)
	}
	req.Header.Set("Content-Type", formType)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFailure, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := resp.Body
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		return nil, fmt.Errorf("%w: voice API error %d: %s", ErrFailure, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var vr voiceResponse
	if err := json.Unmarshal(resp.Body, &vr); err != nil {
		return nil, fmt.Errorf("%w: voice response parse error: %w", ErrFailure, err)
	}

	return &Result{
		Transcript: vr.Transcript,
		Answer:     vr.Answer,
		Filename:   r.Filename(),
		AudioBytes: len(r.Audio),
		RequestID:  firstNonEmpty(resp.Header, "X-Request-Id", "X-Correlation-Id"),
		Metrics:    resp.Metrics,
	}, nil
}
