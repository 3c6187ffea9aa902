package media

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/andresmejia3/deepscan/internal/utils"
	"github.com/google/uuid"
)

// DownloaderConfig configures the yt-dlp downloader.
type DownloaderConfig struct {
	Binary        string // default "yt-dlp"
	MaxFileMB     int64  // default 100
	SocketTimeout time.Duration
}

// Downloader fetches media from a URL with yt-dlp into the upload directory.
type Downloader struct {
	cfg   DownloaderConfig
	local *Local
}

func NewDownloader(cfg DownloaderConfig, local *Local) *Downloader {
	if cfg.Binary == "" {
		cfg.Binary = "yt-dlp"
	}
	if cfg.MaxFileMB <= 0 {
		cfg.MaxFileMB = 100
	}
	if cfg.SocketTimeout <= 0 {
		cfg.SocketTimeout = 30 * time.Second
	}
	return &Downloader{cfg: cfg, local: local}
}

// args builds the yt-dlp command line. The final path, title and extension are printed
// on one tab-separated line once post-processing is done.
func (d *Downloader) args(url, template string, kind Kind) []string {
	format := "best[ext=mp4]/best"
	switch kind {
	case KindAudio:
		format = "bestaudio/best"
	case KindImage:
		format = "best"
	}
	args := []string{
		"-f", format,
		"--no-playlist",
		"--no-warnings",
		"--max-filesize", fmt.Sprintf("%dM", d.cfg.MaxFileMB),
		"--socket-timeout", strconv.Itoa(int(d.cfg.SocketTimeout.Seconds())),
		"-o", template,
		"--no-simulate",
		"--print", "after_move:%(filepath)s\t%(title).50s\t%(ext)s",
	}
	if kind == KindAudio {
		args = append(args, "-x", "--audio-format", "wav")
	}
	return append(args, "--", url)
}

// Download fetches url and returns the local path and a display filename for it.
func (d *Downloader) Download(ctx context.Context, url string, kind Kind) (path, filename string, err error) {
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return "", "", fmt.Errorf("%w: unsupported URL %q", ErrDownloadFailed, url)
	}
	template := filepath.Join(d.local.Dir(), uuid.NewString()+".%(ext)s")

	cmd := utils.NewSafeCommand(ctx, d.cfg.Binary, d.args(url, template, kind)...)
	out, err := cmd.Output()
	if err != nil {
		return "", "", fmt.Errorf("%w: it might be unsupported, private, or timed out: %v: %s",
			ErrDownloadFailed, err, strings.TrimSpace(cmd.Logs()))
	}

	path, filename, err = parsePrinted(string(out))
	if err != nil {
		return "", "", err
	}
	if filepath.Dir(path) != filepath.Clean(d.local.Dir()) {
		os.Remove(path)
		return "", "", fmt.Errorf("%w: unexpected output location %s", ErrDownloadFailed, path)
	}
	if _, err := os.Stat(path); err != nil {
		return "", "", fmt.Errorf("%w: failed to locate downloaded file for URL: %s", ErrDownloadFailed, url)
	}
	return path, filename, nil
}

// parsePrinted reads the last "path\ttitle\text" line yt-dlp printed.
func parsePrinted(out string) (path, filename string, err error) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	parts := strings.Split(last, "\t")
	if len(parts) != 3 || parts[0] == "" {
		return "", "", fmt.Errorf("%w: could not parse yt-dlp output %q", ErrDownloadFailed, last)
	}
	title := parts[1]
	if title == "" || title == "NA" {
		title = "downloaded_media"
	}
	ext := strings.TrimPrefix(filepath.Ext(parts[0]), ".")
	if ext == "" {
		ext = parts[2]
	}
	return parts[0], SecureFilename(title) + "." + ext, nil
}
