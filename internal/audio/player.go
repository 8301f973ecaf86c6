package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"os/exec"
	"strings"
	"sync"

	"github.com/memovoz/memovoz/pkg/speech"
)

// Compile-time assertion that LocalPlayer satisfies speech.Player.
var _ speech.Player = (*LocalPlayer)(nil)

// LocalPlayer plays response payloads on the host's audio output by piping
// them through ffplay. At most one playback should be active at a time; the
// session controller enforces that by status gating.
type LocalPlayer struct {
	command string
}

// NewLocalPlayer creates a LocalPlayer using the given ffplay binary.
// An empty command means "ffplay" from PATH.
func NewLocalPlayer(command string) *LocalPlayer {
	if command == "" {
		command = "ffplay"
	}
	return &LocalPlayer{command: command}
}

// Play starts playback of payload and returns a handle for its terminal
// event. An unsupported MIME type or a missing ffplay binary fails here;
// decode and device errors during playback surface on the handle instead.
func (p *LocalPlayer) Play(ctx context.Context, payload speech.Payload) (speech.Playback, error) {
	if len(payload.Data) == 0 {
		return nil, errors.New("audio: empty payload")
	}
	if !SupportedLocally(payload.MimeType) {
		return nil, fmt.Errorf("audio: unsupported payload type %q", payload.MimeType)
	}

	args := []string{"-autoexit", "-nodisp", "-hide_banner", "-loglevel", "error"}
	if mt, params, err := mime.ParseMediaType(payload.MimeType); err == nil && mt == "audio/pcm" {
		// Raw PCM carries no header; tell ffplay the format explicitly.
		rate := params["rate"]
		if rate == "" {
			rate = "24000"
		}
		args = append(args, "-f", "s16le", "-ar", rate, "-ch_layout", "mono")
	}
	args = append(args, "-")

	cmd := exec.CommandContext(ctx, p.command, args...)
	cmd.Stdin = bytes.NewReader(payload.Data)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("audio: %q not found: %w", p.command, speech.ErrCapabilityUnavailable)
		}
		return nil, fmt.Errorf("audio: start %q: %w", p.command, err)
	}

	pb := &localPlayback{
		cmd:  cmd,
		done: make(chan error, 1),
	}
	go func() {
		err := cmd.Wait()
		pb.mu.Lock()
		defer pb.mu.Unlock()
		if pb.finished {
			return
		}
		pb.finished = true
		if err != nil && !pb.stopped {
			pb.done <- fmt.Errorf("audio: playback failed: %w: %s", err, strings.TrimSpace(stderr.String()))
		} else {
			pb.done <- nil
		}
		close(pb.done)
	}()
	return pb, nil
}

// localPlayback is the handle for one ffplay process.
type localPlayback struct {
	cmd  *exec.Cmd
	done chan error

	mu       sync.Mutex
	stopped  bool
	finished bool
}

// Done returns the playback's terminal channel.
func (p *localPlayback) Done() <-chan error { return p.done }

// Stop kills the player process. The terminal result for a stopped playback
// is nil — a forced stop is not an error.
func (p *localPlayback) Stop() error {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	return nil
}
