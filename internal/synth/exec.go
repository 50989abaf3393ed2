package synth

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
)

// execSynth runs a local engine once per segment. The engine reads one JSON
// request on stdin and writes JSON lines carrying base64 MP3 chunks.
type execSynth struct {
	cmd         []string
	styleLocale string
	timeout     time.Duration
	maxSize     int64
}

type execRequest struct {
	Text             string `json:"text"`
	Voice            string `json:"voice"`
	Language         string `json:"language,omitempty"`
	StyleInstruction string `json:"style_instruction,omitempty"`
}

type execResponse struct {
	AudioBase64 string `json:"audio_base64"`
	Final       bool   `json:"final"`
	Error       string `json:"error,omitempty"`
}

// NewExecSynth parses command with shell quoting rules. The style instruction
// is only forwarded for requests in styleLocale.
func NewExecSynth(command, styleLocale string, timeout time.Duration, maxSize int64) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse synthesis command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("synthesis command empty")
	}
	return &execSynth{cmd: args, styleLocale: styleLocale, timeout: timeout, maxSize: maxSize}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req Request) ([]byte, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	data, err := json.Marshal(execRequest{
		Text:             req.Text,
		Voice:            req.VoiceID,
		Language:         req.Language,
		StyleInstruction: styleFor(req, e.styleLocale),
	})
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(data)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, &Error{Message: "start synthesis command", Err: err}
	}

	var (
		audio    bytes.Buffer
		reported string
	)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 16<<20)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var resp execResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
			return nil, &Error{Message: "invalid engine output", Err: err}
		}
		if resp.Error != "" {
			reported = resp.Error
			continue
		}
		chunk, err := base64.StdEncoding.DecodeString(resp.AudioBase64)
		if err != nil {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
			return nil, &Error{Message: "invalid base64 audio", Err: err}
		}
		audio.Write(chunk)
		if e.maxSize > 0 && int64(audio.Len()) > e.maxSize {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
			return nil, &Error{Message: fmt.Sprintf("audio exceeds %d bytes", e.maxSize)}
		}
		if resp.Final {
			break
		}
	}
	scanErr := scanner.Err()
	_, _ = io.Copy(io.Discard, stdout)
	if err := cmd.Wait(); err != nil {
		msg := reported
		if msg == "" {
			msg = strings.TrimSpace(stderr.String())
		}
		if msg == "" {
			msg = err.Error()
		}
		return nil, &Error{Message: truncate(msg, 512), Err: err}
	}
	if scanErr != nil {
		return nil, &Error{Message: "read engine output", Err: scanErr}
	}
	if reported != "" {
		return nil, &Error{Message: truncate(reported, 512)}
	}
	if audio.Len() == 0 {
		return nil, &Error{Message: "engine returned no audio"}
	}
	return audio.Bytes(), nil
}
