// Package media gets user media onto local disk for analysis: multipart uploads, recorded
// clips, URL downloads through yt-dlp and objects in MinIO. Every file lands in the upload
// directory under an unguessable name; the analysis that consumes it removes it.
package media

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrNotFound       = errors.New("media not found")
	ErrNotAllowed     = errors.New("file type not allowed")
	ErrTooLarge       = errors.New("media exceeds the size limit")
	ErrDownloadFailed = errors.New("failed to download media")
)

// Kind selects which extensions a route accepts.
type Kind int

const (
	KindAny Kind = iota
	KindVideo
	KindImage
	KindAudio
)

var extensions = map[Kind]map[string]bool{
	KindVideo: {"webm": true, "mp4": true, "mov": true, "avi": true, "mkv": true},
	KindImage: {"jpg": true, "jpeg": true, "png": true, "webp": true},
	KindAudio: {"wav": true, "mp3": true, "flac": true},
}

// Allowed reports whether filename carries an extension accepted for kind.
func Allowed(filename string, kind Kind) bool {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	if ext == "" {
		return false
	}
	if kind == KindAny {
		for _, set := range extensions {
			if set[ext] {
				return true
			}
		}
		return false
	}
	return extensions[kind][ext]
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// SecureFilename reduces a client-supplied name to a safe basename.
func SecureFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.Join(strings.Fields(name), "_")
	name = unsafeChars.ReplaceAllString(name, "")
	name = strings.TrimLeft(name, "._")
	if name == "" {
		return "media"
	}
	return name
}

// Local is the upload directory.
type Local struct {
	dir string
}

func NewLocal(dir string) (*Local, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &Local{dir: dir}, nil
}

func (l *Local) Dir() string { return l.dir }

// Save writes r to a new task file named "<uuid>_<filename>" and returns its task id and path.
// More than maxBytes (if positive) is ErrTooLarge and nothing is left behind.
func (l *Local) Save(r io.Reader, filename string, maxBytes int64) (taskID, path string, err error) {
	taskID = uuid.NewString() + "_" + SecureFilename(filename)
	path = filepath.Join(l.dir, taskID)
	if err := writeLimited(path, r, maxBytes); err != nil {
		return "", "", err
	}
	return taskID, path, nil
}

// SaveRecorded stores a live capture as a webm file.
func (l *Local) SaveRecorded(r io.Reader, maxBytes int64) (string, error) {
	path := filepath.Join(l.dir, fmt.Sprintf("live_capture_%s.webm", uuid.NewString()))
	if err := writeLimited(path, r, maxBytes); err != nil {
		return "", err
	}
	return path, nil
}

// Resolve maps a task id back to its file. Ids that could escape the directory are ErrNotFound.
func (l *Local) Resolve(taskID string) (string, error) {
	if taskID == "" || strings.Contains(taskID, "..") || strings.ContainsAny(taskID, `/\`) {
		return "", ErrNotFound
	}
	path := filepath.Join(l.dir, taskID)
	st, err := os.Stat(path)
	if err != nil || !st.Mode().IsRegular() {
		return "", ErrNotFound
	}
	return path, nil
}

// TempPath returns a fresh path in the upload directory with the given extension.
func (l *Local) TempPath(ext string) string {
	return filepath.Join(l.dir, uuid.NewString()+ext)
}

func writeLimited(path string, r io.Reader, maxBytes int64) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	src := r
	if maxBytes > 0 {
		src = io.LimitReader(r, maxBytes+1)
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && maxBytes > 0 && n > maxBytes {
		err = ErrTooLarge
	}
	if err != nil {
		os.Remove(path)
		return err
	}
	return nil
}
