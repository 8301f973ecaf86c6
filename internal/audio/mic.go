package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/memovoz/memovoz/pkg/speech"
)

// startupGrace is how long ffmpeg gets to fail fast (bad device, missing
// input backend) before we assume capture is running.
const startupGrace = 250 * time.Millisecond

// MicConfig describes how the microphone is opened.
type MicConfig struct {
	// InputFormat is the ffmpeg input backend ("pulse", "alsa",
	// "avfoundation"). Default: "pulse".
	InputFormat string

	// InputDevice is the backend-specific device name. Default: "default".
	InputDevice string

	// Format is the desired PCM output format. Zero values fall back to
	// [VoiceFormat].
	Format Format
}

// MicCapture opens microphone PCM streams by running ffmpeg as a child
// process. This keeps the daemon free of audio-backend CGO while working on
// every platform ffmpeg supports.
type MicCapture struct {
	command string
}

// NewMicCapture creates a MicCapture using the given ffmpeg binary.
// An empty command means "ffmpeg" from PATH.
func NewMicCapture(command string) *MicCapture {
	if command == "" {
		command = "ffmpeg"
	}
	return &MicCapture{command: command}
}

// Start launches ffmpeg and returns a reader of raw s16le PCM. Closing the
// reader terminates the process and releases the microphone. A missing
// ffmpeg binary maps to [speech.ErrCapabilityUnavailable].
func (c *MicCapture) Start(ctx context.Context, cfg MicConfig) (io.ReadCloser, error) {
	if cfg.InputFormat == "" {
		cfg.InputFormat = "pulse"
	}
	if cfg.InputDevice == "" {
		cfg.InputDevice = "default"
	}
	if cfg.Format.SampleRate <= 0 {
		cfg.Format.SampleRate = VoiceFormat.SampleRate
	}
	if cfg.Format.Channels <= 0 {
		cfg.Format.Channels = VoiceFormat.Channels
	}

	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", cfg.InputFormat,
		"-i", cfg.InputDevice,
		"-ac", strconv.Itoa(cfg.Format.Channels),
		"-ar", strconv.Itoa(cfg.Format.SampleRate),
		"-f", "s16le",
		"-",
	}

	cmd := exec.CommandContext(ctx, c.command, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("audio: mic stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("audio: %q not found: %w", c.command, speech.ErrCapabilityUnavailable)
		}
		return nil, fmt.Errorf("audio: start %q: %w", c.command, err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	// Give ffmpeg a moment to fail fast on a bad device.
	select {
	case err := <-waitErr:
		detail := strings.TrimSpace(stderr.String())
		if err != nil {
			return nil, fmt.Errorf("audio: mic exited before capture started: %w: %s", err, detail)
		}
		return nil, fmt.Errorf("audio: mic exited before capture started: %s", detail)
	case <-time.After(startupGrace):
	}

	return &micStream{stdout: stdout, cmd: cmd, waitErr: waitErr}, nil
}

// micStream wraps the ffmpeg process and its stdout PCM stream.
type micStream struct {
	stdout  io.ReadCloser
	cmd     *exec.Cmd
	waitErr <-chan error

	closeOnce sync.Once
	closeErr  error
}

func (s *micStream) Read(p []byte) (int, error) {
	return s.stdout.Read(p)
}

// Close kills ffmpeg and reaps the process. Safe to call more than once.
func (s *micStream) Close() error {
	s.closeOnce.Do(func() {
		_ = s.stdout.Close()
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		<-s.waitErr // reap; the exit error after a kill is expected
	})
	return s.closeErr
}
