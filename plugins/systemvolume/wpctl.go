package systemvolume

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"math"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
)

// CommandRunner runs an external command and returns its stdout.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return out, nil
}

// WpctlBackend drives PipeWire through the wpctl command line tool. Sinks
// are named by their PipeWire object id.
type WpctlBackend struct {
	Run CommandRunner
}

// NewWpctlBackend returns a backend running the real wpctl binary.
func NewWpctlBackend() *WpctlBackend {
	return &WpctlBackend{Run: ExecRunner}
}

// Available reports whether wpctl is on PATH.
func Available() bool {
	_, err := exec.LookPath("wpctl")
	return err == nil
}

var sinkLine = regexp.MustCompile(`^(\*)?\s*(\d+)\.\s+(.+?)\s+\[vol:\s*([0-9.]+)(\s+MUTED)?\]`)

func (b *WpctlBackend) Sinks(ctx context.Context) ([]Sink, error) {
	out, err := b.Run(ctx, "wpctl", "status")
	if err != nil {
		return nil, err
	}
	return parseStatus(out), nil
}

func (b *WpctlBackend) SetVolume(ctx context.Context, sink string, volume int) error {
	_, err := b.Run(ctx, "wpctl", "set-volume", sink, fmt.Sprintf("%d%%", volume))
	return err
}

func (b *WpctlBackend) SetMute(ctx context.Context, sink string, muted bool) error {
	state := "0"
	if muted {
		state = "1"
	}
	_, err := b.Run(ctx, "wpctl", "set-mute", sink, state)
	return err
}

func (b *WpctlBackend) SetDefault(ctx context.Context, sink string) error {
	_, err := b.Run(ctx, "wpctl", "set-default", sink)
	return err
}

// parseStatus extracts the Sinks block of the Audio section of `wpctl status`.
func parseStatus(out []byte) []Sink {
	var (
		sinks   []Sink
		inAudio bool
		inSinks bool
	)
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimLeft(scanner.Text(), " │├└─")
		trimmed := strings.TrimSpace(line)

		switch {
		case trimmed == "Audio":
			inAudio = true
			continue
		case trimmed == "Video" || trimmed == "Settings":
			inAudio, inSinks = false, false
			continue
		case inAudio && strings.HasSuffix(trimmed, ":"):
			inSinks = trimmed == "Sinks:"
			continue
		}
		if !inSinks || trimmed == "" {
			continue
		}

		match := sinkLine.FindStringSubmatch(trimmed)
		if match == nil {
			continue
		}
		level, err := strconv.ParseFloat(match[4], 64)
		if err != nil {
			continue
		}
		sinks = append(sinks, Sink{
			Name:        match[2],
			Description: match[3],
			Volume:      int(math.Round(level * 100)),
			Muted:       match[5] != "",
			MaxVolume:   DefaultMaxVolume,
			Enabled:     match[1] == "*",
		})
	}
	return sinks
}
