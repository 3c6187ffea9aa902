package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/andresmejia3/deepscan/internal/utils" // Using the SafeCommand wrapper
)

// Op selects the model a request is routed to inside the Python worker.
type Op byte

const (
	OpDetectFaces   Op = 1 // payload: JPEG
	OpClassifyFrame Op = 2 // payload: JPEG
	OpClassifyAudio Op = 3 // payload: big-endian float32 feature vector
)

func (o Op) String() string {
	switch o {
	case OpDetectFaces:
		return "detect_faces"
	case OpClassifyFrame:
		return "classify_frame"
	case OpClassifyAudio:
		return "classify_audio"
	}
	return fmt.Sprintf("op(%d)", byte(o))
}

const (
	statusOK    = 0
	statusError = 1
)

// RemoteError is an error reported by the Python side. The worker is still healthy after one.
type RemoteError struct {
	Msg string
}

func (e *RemoteError) Error() string { return "python worker error: " + e.Msg }

// Options configures how worker processes are spawned.
type Options struct {
	Python  string        // interpreter, default python3
	Script  string        // worker script path
	Timeout time.Duration // per-request deadline, 0 disables
}

type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser
	Timeout  time.Duration
}

// NewPythonWorker starts one model worker process. Requests go in on stdin and responses come
// back on a side-channel pipe (FD 3), leaving stdout/stderr free for Python logging.
func NewPythonWorker(ctx context.Context, id int, opts Options) (*PythonWorker, error) {
	python := opts.Python
	if python == "" {
		python = "python3"
	}
	py := utils.NewSafeCommand(ctx, python, "-u", opts.Script)

	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// The write-end appears as FD 3 in the child.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &PythonWorker{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
		Timeout:  opts.Timeout,
	}, nil
}

// Communicate sends one request and waits for its response.
//
// Request:  [uint32 len][op][payload]
// Response: [uint32 len][status][body]; status 0 carries JSON, status 1 carries [uint32 len][message].
func (w *PythonWorker) Communicate(op Op, payload []byte) ([]byte, error) {
	if w.Timeout > 0 && w.Cmd != nil && w.Cmd.Process != nil {
		// A hung model never answers; killing the process unblocks the read below.
		timer := time.AfterFunc(w.Timeout, func() { w.Cmd.Process.Kill() })
		defer timer.Stop()
	}

	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(payload)+1)); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(append([]byte{byte(op)}, payload...)); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // the worker crashed (import error, OOM, killed by timeout)
	}
	respLen := binary.BigEndian.Uint32(header)
	if respLen == 0 {
		return nil, errors.New("empty response from worker")
	}
	body := make([]byte, respLen)
	if _, err := io.ReadFull(w.DataPipe, body); err != nil {
		return nil, err
	}

	switch body[0] {
	case statusOK:
		return body[1:], nil
	case statusError:
		r := bytes.NewReader(body[1:])
		var msgLen uint32
		if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil {
			return nil, fmt.Errorf("malformed worker error: %w", err)
		}
		msg := make([]byte, msgLen)
		if _, err := io.ReadFull(r, msg); err != nil {
			return nil, fmt.Errorf("malformed worker error: %w", err)
		}
		return nil, &RemoteError{Msg: string(msg)}
	default:
		return nil, fmt.Errorf("unknown worker status byte %d", body[0])
	}
}

func (w *PythonWorker) Close() error {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd == nil {
		return nil
	}
	return w.Cmd.Wait()
}

// Spawner creates worker number id.
type Spawner func(ctx context.Context, id int) (*PythonWorker, error)

// Pool hands out model workers one request at a time. A worker whose pipe broke is closed
// and replaced on its next checkout. Replacements live as long as the context given to
// NewPool, not the request that noticed the crash.
type Pool struct {
	ctx     context.Context
	spawn   Spawner
	idle    chan *PythonWorker
	mu      sync.Mutex
	closed  bool
	nextID  int
	spawnMu sync.Mutex
}

// NewPool starts size workers with spawn. If any fails to start, the ones already running are closed.
func NewPool(ctx context.Context, size int, spawn Spawner) (*Pool, error) {
	if size < 1 {
		size = 1
	}
	p := &Pool{ctx: ctx, spawn: spawn, idle: make(chan *PythonWorker, size)}
	for i := 0; i < size; i++ {
		w, err := spawn(ctx, i)
		if err != nil {
			p.Close()
			return nil, err
		}
		p.idle <- w
	}
	p.nextID = size
	return p, nil
}

// NewProcessPool is NewPool with real Python processes.
func NewProcessPool(ctx context.Context, size int, opts Options) (*Pool, error) {
	return NewPool(ctx, size, func(ctx context.Context, id int) (*PythonWorker, error) {
		return NewPythonWorker(ctx, id, opts)
	})
}

// Do runs one request on the next free worker, waiting for one if all are busy.
func (p *Pool) Do(ctx context.Context, op Op, payload []byte) ([]byte, error) {
	var w *PythonWorker
	select {
	case w = <-p.idle:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if w == nil {
		// Replacement for a crashed worker.
		var err error
		if w, err = p.respawn(); err != nil {
			p.release(nil)
			return nil, err
		}
	}

	resp, err := w.Communicate(op, payload)
	var remote *RemoteError
	if err != nil && !errors.As(err, &remote) {
		logs := ""
		if w.Cmd != nil {
			w.Close()
			logs = w.Cmd.Logs()
		}
		p.release(nil)
		if logs != "" {
			return nil, fmt.Errorf("worker %d %s: %w\n%s", w.ID, op, err, logs)
		}
		return nil, fmt.Errorf("worker %d %s: %w", w.ID, op, err)
	}
	p.release(w)
	return resp, err
}

func (p *Pool) respawn() (*PythonWorker, error) {
	p.spawnMu.Lock()
	id := p.nextID
	p.nextID++
	p.spawnMu.Unlock()
	return p.spawn(p.ctx, id)
}

func (p *Pool) release(w *PythonWorker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		if w != nil {
			w.Close()
		}
		return
	}
	p.idle <- w
}

// Close shuts down idle workers. Busy workers are closed when they are returned.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	for {
		select {
		case w := <-p.idle:
			if w != nil {
				w.Close()
			}
		default:
			return
		}
	}
}
