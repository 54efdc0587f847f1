package provider

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultHelperBinary is the meeting automation helper launched per session.
const DefaultHelperBinary = "botfleet-meet-helper"

const captionBuffer = 256

// helperCommand is one stdin line to the helper.
type helperCommand struct {
	Op          string `json:"op"`
	URL         string `json:"url,omitempty"`
	AudioSink   string `json:"audio_sink,omitempty"`
	AudioSource string `json:"audio_source,omitempty"`
	VideoDevice string `json:"video_device,omitempty"`
}

// helperEvent is one stdout line from the helper.
type helperEvent struct {
	Type         string        `json:"type"`
	Speaker      string        `json:"speaker,omitempty"`
	Text         string        `json:"text,omitempty"`
	At           string        `json:"at,omitempty"`
	Participants []Participant `json:"participants,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// HelperBrowser drives one meeting through a helper subprocess. Commands go
// in as JSON lines on stdin, events come back on stdout. The automation
// itself lives entirely in the helper.
type HelperBrowser struct {
	binary string
	logger zerolog.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	joined   chan error
	roster   []Participant
	closed   bool

	captions chan Caption
}

// NewHelperFactory returns a BrowserFactory launching binary per session.
// An empty binary selects the default helper.
func NewHelperFactory(binary string, logger zerolog.Logger) BrowserFactory {
	if binary == "" {
		binary = DefaultHelperBinary
	}
	logger = logger.With().Str("component", "browser").Logger()
	return func() Browser {
		return &HelperBrowser{
			binary:   binary,
			logger:   logger,
			joined:   make(chan error, 1),
			captions: make(chan Caption, captionBuffer),
		}
	}
}

// Join launches the helper and blocks until it reports the meeting joined,
// the helper exits, or ctx expires.
func (b *HelperBrowser) Join(ctx context.Context, url string, devices MediaDevices) error {
	b.mu.Lock()
	if b.cmd != nil {
		b.mu.Unlock()
		return fmt.Errorf("browser already joined")
	}
	cmd := exec.Command(b.binary)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		b.mu.Unlock()
		return fmt.Errorf("helper stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		b.mu.Unlock()
		return fmt.Errorf("helper stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		b.mu.Unlock()
		return fmt.Errorf("start %s: %w", b.binary, err)
	}
	b.cmd = cmd
	b.stdin = stdin
	b.mu.Unlock()

	go b.readEvents(stdout)

	join := helperCommand{
		Op:          "join",
		URL:         url,
		AudioSink:   devices.AudioSink,
		AudioSource: devices.AudioSource,
		VideoDevice: devices.VideoDevice,
	}
	if err := b.send(join); err != nil {
		b.kill()
		return err
	}

	select {
	case err := <-b.joined:
		if err != nil {
			b.kill()
			return err
		}
		return nil
	case <-ctx.Done():
		b.kill()
		return ctx.Err()
	}
}

// Leave asks the helper to exit the meeting, then waits for the process.
func (b *HelperBrowser) Leave(ctx context.Context) error {
	if err := b.send(helperCommand{Op: "leave"}); err != nil {
		b.kill()
		return nil
	}
	done := make(chan struct{})
	go func() {
		b.cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		b.kill()
	}
	b.markClosed()
	return nil
}

// GetParticipants returns the roster from the helper's last report.
func (b *HelperBrowser) GetParticipants(ctx context.Context) ([]Participant, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("browser closed")
	}
	out := make([]Participant, len(b.roster))
	copy(out, b.roster)
	return out, nil
}

// Captions yields caption lines until the helper exits.
func (b *HelperBrowser) Captions() <-chan Caption {
	return b.captions
}

func (b *HelperBrowser) Mute(ctx context.Context) error {
	return b.send(helperCommand{Op: "mute"})
}

func (b *HelperBrowser) Unmute(ctx context.Context) error {
	return b.send(helperCommand{Op: "unmute"})
}

// IsClosed reports whether the helper process has gone away.
func (b *HelperBrowser) IsClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *HelperBrowser) send(cmd helperCommand) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.stdin == nil {
		return fmt.Errorf("browser closed")
	}
	if _, err := b.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("helper write: %w", err)
	}
	return nil
}

// readEvents consumes stdout until EOF. EOF means the helper died or left;
// either way the browser is closed afterwards.
func (b *HelperBrowser) readEvents(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		var ev helperEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			b.logger.Warn().Err(err).Msg("unparseable helper event")
			continue
		}
		switch ev.Type {
		case "joined":
			select {
			case b.joined <- nil:
			default:
			}
		case "error":
			select {
			case b.joined <- fmt.Errorf("helper: %s", ev.Error):
			default:
			}
		case "caption":
			at, _ := time.Parse(time.RFC3339, ev.At)
			if at.IsZero() {
				at = time.Now()
			}
			select {
			case b.captions <- Caption{Speaker: ev.Speaker, Text: ev.Text, At: at}:
			default:
				b.logger.Warn().Msg("caption buffer full, dropping line")
			}
		case "participants":
			b.mu.Lock()
			b.roster = ev.Participants
			b.mu.Unlock()
		}
	}
	b.markClosed()
}

func (b *HelperBrowser) markClosed() {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.captions)
	}
	b.mu.Unlock()
}

func (b *HelperBrowser) kill() {
	b.mu.Lock()
	cmd := b.cmd
	b.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		cmd.Process.Kill()
		cmd.Wait()
	}
	b.markClosed()
}
