package synth

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/loqalabs/loqa-narrator/internal/config"
)

const errorBodyLimit = 64 << 10

// SpeechifyClient calls a Speechify-compatible /v1/audio/speech endpoint.
type SpeechifyClient struct {
	endpoint      string
	apiKey        string
	styleLocale   string
	maxErrorBytes int
	maxAudioBytes int64
	client        *http.Client
}

type speechRequest struct {
	Input         string `json:"input"`
	VoiceID       string `json:"voice_id"`
	Language      string `json:"language,omitempty"`
	AIInstruction string `json:"ai_instruction,omitempty"`
}

type speechResponse struct {
	AudioData    *string `json:"audio_data"`
	AudioContent *string `json:"audioContent"`
}

func NewSpeechifyClient(cfg config.SynthesisConfig) *SpeechifyClient {
	maxErr := cfg.MaxErrorBytes
	if maxErr <= 0 {
		maxErr = 512
	}
	maxAudio := cfg.MaxAudioBytes
	if maxAudio <= 0 {
		maxAudio = 64 << 20
	}
	return &SpeechifyClient{
		endpoint:      cfg.Endpoint,
		apiKey:        cfg.APIKey,
		styleLocale:   cfg.StyleLocale,
		maxErrorBytes: maxErr,
		maxAudioBytes: maxAudio,
		client: newHTTPClient(
			time.Duration(cfg.ConnectTimeoutMS)*time.Millisecond,
			time.Duration(cfg.TimeoutMS)*time.Millisecond,
			cfg.TLSInsecure,
		),
	}
}

func newHTTPClient(connectTimeout, totalTimeout time.Duration, insecure bool) *http.Client {
	dialer := &net.Dialer{Timeout: connectTimeout, KeepAlive: 30 * time.Second}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dialer.DialContext
	transport.TLSHandshakeTimeout = connectTimeout
	if insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &http.Client{Timeout: totalTimeout, Transport: transport}
}

// buildPayload keeps the style instruction out of the spoken input. It is only
// attached for the style-eligible locale.
func buildPayload(req Request, styleLocale string) speechRequest {
	payload := speechRequest{
		Input:    req.Text,
		VoiceID:  req.VoiceID,
		Language: req.Language,
	}
	payload.AIInstruction = styleFor(req, styleLocale)
	return payload
}

func (c *SpeechifyClient) Synthesize(ctx context.Context, req Request) ([]byte, error) {
	body, err := json.Marshal(buildPayload(req, c.styleLocale))
	if err != nil {
		return nil, &Error{Message: "encode request: " + err.Error(), Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Message: "build request: " + err.Error(), Err: err}
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/mpeg")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, &Error{Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return nil, &Error{Status: resp.StatusCode, Message: extractMessage(raw, resp.StatusCode, c.maxErrorBytes)}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxAudioBytes+1))
	if err != nil {
		return nil, &Error{Status: resp.StatusCode, Message: "read response: " + err.Error(), Err: err}
	}
	if int64(len(data)) > c.maxAudioBytes {
		return nil, &Error{Status: resp.StatusCode, Message: fmt.Sprintf("audio response exceeds %d bytes", c.maxAudioBytes)}
	}
	audio, err := decodeAudio(data)
	if err != nil {
		return nil, &Error{Status: resp.StatusCode, Message: err.Error(), Err: err}
	}
	return audio, nil
}

// decodeAudio accepts either a JSON envelope with base64 audio or a raw body.
func decodeAudio(data []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var envelope speechResponse
		if err := json.Unmarshal(trimmed, &envelope); err == nil {
			encoded := envelope.AudioData
			field := "audio_data"
			if encoded == nil {
				encoded = envelope.AudioContent
				field = "audioContent"
			}
			if encoded == nil {
				return nil, fmt.Errorf("response carried no audio")
			}
			audio, err := base64.StdEncoding.DecodeString(*encoded)
			if err != nil {
				return nil, fmt.Errorf("decode %s: %w", field, err)
			}
			if len(audio) == 0 {
				return nil, fmt.Errorf("empty audio in %s", field)
			}
			return audio, nil
		}
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty audio response")
	}
	return data, nil
}

var errorFields = []string{"error", "message", "detail", "errors"}

// extractMessage pulls a readable message out of a loosely-typed error body.
func extractMessage(body []byte, status, limit int) string {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err == nil {
		for _, key := range errorFields {
			raw, ok := envelope[key]
			if !ok || len(raw) == 0 || string(raw) == "null" {
				continue
			}
			var text string
			if err := json.Unmarshal(raw, &text); err == nil {
				if strings.TrimSpace(text) == "" {
					continue
				}
				return truncate(strings.TrimSpace(text), limit)
			}
			var compact bytes.Buffer
			if err := json.Compact(&compact, raw); err == nil {
				return truncate(compact.String(), limit)
			}
		}
	}
	if text := strings.TrimSpace(string(body)); text != "" {
		return truncate(text, limit)
	}
	return fmt.Sprintf("API request failed with HTTP %d", status)
}

func truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	cut := s[:limit]
	// drop a rune split by the cut
	for i := 0; i < utf8.UTFMax-1 && len(cut) > 0; i++ {
		r, size := utf8.DecodeLastRuneInString(cut)
		if r != utf8.RuneError || size > 1 {
			break
		}
		cut = cut[:len(cut)-1]
	}
	return cut + "..."
}
