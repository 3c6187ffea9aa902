package utils

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// --- 1. Process Safety & Command Wrapping ---

// SafeCommand wraps a standard exec.Cmd with a buffer to catch Stderr (Python/FFmpeg logs)
// so crash information survives a dying child process.
type SafeCommand struct {
	*exec.Cmd
	Stderr *bytes.Buffer
}

// NewSafeCommand prepares a command bound to ctx with its Stderr captured. It does not start it.
func NewSafeCommand(ctx context.Context, name string, args ...string) *SafeCommand {
	cmd := exec.CommandContext(ctx, name, args...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// Logs returns the captured stderr, truncated to the last 4 KiB.
func (s *SafeCommand) Logs() string {
	return truncateTail(s.Stderr.String(), maxStderr)
}

// Run starts the command, waits for it and folds captured stderr into the error.
func (s *SafeCommand) Run() error {
	if err := s.Cmd.Run(); err != nil {
		if logs := s.Logs(); logs != "" {
			return fmt.Errorf("%s: %w: %s", s.Path, err, logs)
		}
		return fmt.Errorf("%s: %w", s.Path, err)
	}
	return nil
}

const maxStderr = 4096

func truncateTail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

// ShowError prints the unified error box to stderr, dumping worker logs if a SafeCommand is provided.
func ShowError(context string, err error, s *SafeCommand) {
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "🚨 DEEPSCAN ERROR: %s\n", context)
	if err != nil {
		fmt.Fprintf(os.Stderr, "DETAILS: %v\n", err)
	}
	if s != nil && s.Stderr.Len() > 0 {
		fmt.Fprintf(os.Stderr, "\nWORKER LOGS:\n%s\n", s.Logs())
	}
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
}

// Die is ShowError followed by a non-zero exit.
func Die(context string, err error, s *SafeCommand) {
	ShowError(context, err, s)
	os.Exit(1)
}

// --- 2. Media Engine ---

var (
	JpegSOI = []byte{0xFF, 0xD8} // Start of Image
	JpegEOI = []byte{0xFF, 0xD9} // End of Image
)

// SplitJpeg is a bufio.SplitFunc that cuts an MJPEG stream into whole JPEG images
// using the SOI (FFD8) and EOI (FFD9) markers.
func SplitJpeg(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	start := bytes.Index(data, JpegSOI)
	if start == -1 {
		if atEOF {
			// Trailing garbage: consume it so the scanner terminates.
			return len(data), nil, nil
		}
		return 0, nil, nil
	}
	end := bytes.Index(data[start:], JpegEOI)
	if end == -1 {
		if atEOF {
			return len(data), nil, nil
		}
		return 0, nil, nil
	}
	return start + end + 2, data[start : start+end+2], nil
}

// NewFrameDecoderCmd creates the decoder pipe: every frame of the first video stream as MJPEG on stdout.
// passthrough keeps ffmpeg from duplicating or dropping frames so stdout order equals frame index.
func NewFrameDecoderCmd(ctx context.Context, inputPath string) *SafeCommand {
	return NewSafeCommand(ctx, "ffmpeg", "-hide_banner", "-loglevel", "error",
		"-i", inputPath, "-map", "0:v:0", "-fps_mode", "passthrough",
		"-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "2", "-")
}

// NewAudioExtractCmd writes the first audio stream of inputPath as 16 kHz mono PCM WAV to outPath.
func NewAudioExtractCmd(ctx context.Context, inputPath, outPath string) *SafeCommand {
	return NewSafeCommand(ctx, "ffmpeg", "-hide_banner", "-loglevel", "error", "-y",
		"-i", inputPath, "-vn", "-acodec", "pcm_s16le", "-ac", "1", "-ar", "16000", outPath)
}

// HashFile returns the hex SHA-256 of the file contents. It keys cached results, so two uploads
// of the same bytes share an entry regardless of their names.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// RemoveFile deletes path and reports whether something was removed. Missing files are not an error.
func RemoveFile(path string) (bool, error) {
	if path == "" {
		return false, nil
	}
	err := os.Remove(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
