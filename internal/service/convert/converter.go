// Package convert turns a window of producer audio (for example a WebM/Opus
// container) into the linear PCM the transcription engine expects.
package convert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// OutputFormat is the sample format every converter produces.
const OutputFormat = "s16le"

// ErrEmptyInput is returned when there is nothing to convert.
var ErrEmptyInput = errors.New("convert: empty input")

// Error is a failed conversion. The session treats it like a transient
// engine request failure.
type Error struct {
	Format string
	Stderr string
	Err    error
}

func (e *Error) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("convert %s: %v: %s", e.Format, e.Err, e.Stderr)
	}
	return fmt.Sprintf("convert %s: %v", e.Format, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Converter converts raw window bytes in the given container format.
type Converter interface {
	Convert(ctx context.Context, raw []byte, format string) ([]byte, error)
}

// Passthrough returns the input unchanged, for producers that already send
// OutputFormat PCM.
type Passthrough struct{}

// Convert implements Converter.
func (Passthrough) Convert(_ context.Context, raw []byte, _ string) ([]byte, error) {
	if len(raw) == 0 {
		return nil, &Error{Format: "raw", Err: ErrEmptyInput}
	}
	return raw, nil
}

// FFmpegConfig configures the ffmpeg converter.
type FFmpegConfig struct {
	Path       string // ffmpeg executable
	SampleRate int
	Channels   int
	Format     string // output sample format, e.g. s16le
	TempDir    string // empty uses the OS default
}

// DefaultFFmpegConfig returns settings matching the default engine input.
func DefaultFFmpegConfig() FFmpegConfig {
	return FFmpegConfig{
		Path:       "ffmpeg",
		SampleRate: 16000,
		Channels:   1,
		Format:     OutputFormat,
	}
}

// FFmpeg converts windows by running one ffmpeg process per attempt.
type FFmpeg struct {
	cfg FFmpegConfig
}

// NewFFmpeg creates an ffmpeg converter.
func NewFFmpeg(cfg FFmpegConfig) *FFmpeg {
	def := DefaultFFmpegConfig()
	if cfg.Path == "" {
		cfg.Path = def.Path
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.Channels <= 0 {
		cfg.Channels = def.Channels
	}
	if cfg.Format == "" {
		cfg.Format = def.Format
	}
	return &FFmpeg{cfg: cfg}
}

// Convert implements Converter. The window is written to a temporary file
// which is removed on every exit path; PCM is read from ffmpeg's stdout.
func (f *FFmpeg) Convert(ctx context.Context, raw []byte, format string) ([]byte, error) {
	if len(raw) == 0 {
		return nil, &Error{Format: format, Err: ErrEmptyInput}
	}

	in, err := os.CreateTemp(f.cfg.TempDir, "window-*"+extension(format))
	if err != nil {
		return nil, &Error{Format: format, Err: fmt.Errorf("create temp file: %w", err)}
	}
	defer func() {
		if rmErr := os.Remove(in.Name()); rmErr != nil && !os.IsNotExist(rmErr) {
			log.Warn().Err(rmErr).Str("path", in.Name()).Msg("Failed to remove temp window file")
		}
	}()

	if _, err := in.Write(raw); err != nil {
		in.Close()
		return nil, &Error{Format: format, Err: fmt.Errorf("write temp file: %w", err)}
	}
	if err := in.Close(); err != nil {
		return nil, &Error{Format: format, Err: fmt.Errorf("close temp file: %w", err)}
	}

	cmd := exec.CommandContext(ctx, f.cfg.Path, f.args(in.Name())...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, &Error{Format: format, Stderr: lastLine(stderr.String()), Err: err}
	}
	if stdout.Len() == 0 {
		return nil, &Error{Format: format, Err: errors.New("ffmpeg produced no audio")}
	}
	return stdout.Bytes(), nil
}

func (f *FFmpeg) args(input string) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-i", input,
		"-f", f.cfg.Format,
		"-acodec", "pcm_" + f.cfg.Format,
		"-ar", strconv.Itoa(f.cfg.SampleRate),
		"-ac", strconv.Itoa(f.cfg.Channels),
		"pipe:1",
	}
}

// extension maps a container name or MIME type to a file suffix so ffmpeg
// can probe the input.
func extension(format string) string {
	f := strings.ToLower(format)
	if i := strings.IndexByte(f, ';'); i >= 0 {
		f = f[:i]
	}
	f = strings.TrimPrefix(f, "audio/")
	switch f {
	case "webm", "ogg", "wav", "mp3", "flac", "mp4", "m4a":
		return "." + f
	case "mpeg":
		return ".mp3"
	default:
		return ""
	}
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
