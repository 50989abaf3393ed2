package synth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/errorsx"
)

// Request describes one segment to synthesize.
type Request struct {
	Text             string
	VoiceID          string
	Language         string
	StyleInstruction string
}

// Synthesizer turns one segment into MP3 bytes.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) ([]byte, error)
}

// Error is a transport failure or a rejected request. Status is zero when no
// HTTP response was received.
type Error struct {
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("synthesis failed (HTTP %d): %s", e.Status, e.Message)
	}
	return "synthesis failed: " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Kind() errorsx.Kind { return errorsx.KindSynthesis }

// RetryExhaustedError wraps the last failure once every attempt has been used.
type RetryExhaustedError struct {
	Attempts int
	Last     error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Last }

func (e *RetryExhaustedError) Kind() errorsx.Kind { return errorsx.KindRetryExhausted }

// StatusOf returns the provider HTTP status carried by err, or zero.
func StatusOf(err error) int {
	var se *Error
	if errors.As(err, &se) {
		return se.Status
	}
	return 0
}

// MessageOf returns the provider message carried by err, or err.Error().
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Message
	}
	return err.Error()
}

// New builds the synthesizer selected by cfg.Mode.
func New(cfg config.SynthesisConfig, log *slog.Logger) (Synthesizer, error) {
	switch cfg.Mode {
	case "mock":
		log.Info("synthesis initialized", slog.String("mode", "mock"))
		return NewMockSynth(0), nil
	case "exec":
		log.Info("synthesis initialized", slog.String("mode", "exec"), slog.String("command", cfg.Command))
		return NewExecSynth(cfg.Command, cfg.StyleLocale, time.Duration(cfg.TimeoutMS)*time.Millisecond, cfg.MaxAudioBytes)
	case "speechify", "":
		if cfg.APIKey == "" {
			log.Warn("synthesis api key is empty; provider calls will likely be rejected")
		}
		log.Info("synthesis initialized", slog.String("mode", "speechify"), slog.String("endpoint", cfg.Endpoint))
		return NewSpeechifyClient(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported synthesis mode %q", cfg.Mode)
	}
}

// styleFor returns the style instruction to send, which is empty unless the
// request language is the style locale.
func styleFor(req Request, styleLocale string) string {
	instruction := strings.TrimSpace(req.StyleInstruction)
	if instruction == "" || styleLocale == "" || req.Language != styleLocale {
		return ""
	}
	return instruction
}

// RetrierFromConfig wraps next with the configured retry policy.
func RetrierFromConfig(next Synthesizer, cfg config.SynthesisConfig, log *slog.Logger) *Retrier {
	return NewRetrier(next, cfg.MaxAttempts, time.Duration(cfg.RetryDelayMS)*time.Millisecond, log)
}
